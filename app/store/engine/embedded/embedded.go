package embedded

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/mattn/go-sqlite3"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/zebox/oci-registry/app/store"
	"github.com/zebox/oci-registry/app/store/engine"
)

const (
	usersTable        = "users"
	tokensTable       = "tokens"
	repositoriesTable = "repositories"
	membersTable      = "members"
	blobsTable        = "blobs"
	imagesTable       = "images"
	tagsTable         = "tags"
	annotationsTable  = "annotations"
	imageBlobsTable   = "image_blobs"
)

var sortFieldRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// connection params appended to database path, writers wait for lock instead of failing with SQLITE_BUSY
const dsnParams = "?_busy_timeout=10000&_txlock=immediate"

// Embedded is sqlite implementation of engine.Interface
type Embedded struct {
	Path string `json:"path"`
	db   *sql.DB
}

type queryFilter struct {
	skipLimit  string // an offset and a limit params
	order      string // an order by clause
	in         string // in array values
	where      string // where without limit and offset params, return all items when math where clause
	allClauses string // raw where clause with skip and limit
}

// NewEmbedded makes instance of storage for database file
func NewEmbedded(pathToDB string) *Embedded {
	return &Embedded{Path: pathToDB}
}

// Connect opens database and creates missed tables
func (e *Embedded) Connect(ctx context.Context) (err error) {
	if e.Path == "" {
		return errors.New("database path is empty")
	}

	e.db, err = sql.Open("sqlite3", e.Path+dsnParams)
	if err != nil {
		return err
	}

	// close connection global using context
	go func() {
		<-ctx.Done()
		_ = e.db.Close()
	}()
	return e.initTables(ctx)
}

func (e *Embedded) initTables(ctx context.Context) (err error) {
	var errs error

	tables := []struct {
		name   string
		schema string
	}{
		{usersTable, `CREATE TABLE IF NOT EXISTS %s(
			id INTEGER PRIMARY KEY AUTOINCREMENT UNIQUE,
			login TEXT UNIQUE,
			name TEXT,
			password TEXT,
			role TEXT,
			disabled INTEGER,
			description TEXT)`},
		{tokensTable, `CREATE TABLE IF NOT EXISTS %s(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			name TEXT,
			hash TEXT NOT NULL UNIQUE,
			created_at INTEGER)`},
		{repositoriesTable, `CREATE TABLE IF NOT EXISTS %s(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE CHECK(name <> ''),
			private INTEGER,
			created_at INTEGER)`},
		{membersTable, `CREATE TABLE IF NOT EXISTS %s(
			repository_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			PRIMARY KEY(repository_id, user_id))`},
		{blobsTable, `CREATE TABLE IF NOT EXISTS %s(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repository_id INTEGER NOT NULL,
			digest TEXT NOT NULL CHECK(digest <> ''),
			media_type TEXT,
			size INTEGER,
			created_at INTEGER,
			UNIQUE(repository_id, digest))`},
		{imagesTable, `CREATE TABLE IF NOT EXISTS %s(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repository_id INTEGER NOT NULL,
			version TEXT NOT NULL CHECK(version <> ''),
			media_type TEXT,
			manifest BLOB,
			created_at INTEGER,
			updated_at INTEGER,
			UNIQUE(repository_id, version))`},
		{tagsTable, `CREATE TABLE IF NOT EXISTS %s(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repository_id INTEGER NOT NULL,
			image_id INTEGER NOT NULL,
			name TEXT NOT NULL CHECK(name <> ''),
			UNIQUE(repository_id, name))`},
		{annotationsTable, `CREATE TABLE IF NOT EXISTS %s(
			image_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			value TEXT,
			PRIMARY KEY(image_id, name))`},
		{imageBlobsTable, `CREATE TABLE IF NOT EXISTS %s(
			image_id INTEGER NOT NULL,
			blob_id INTEGER NOT NULL,
			PRIMARY KEY(image_id, blob_id))`},
	}

	usersExist, err := e.isTableExist(ctx, usersTable)
	if err != nil {
		return err
	}

	for _, t := range tables {
		if _, err = e.db.ExecContext(ctx, fmt.Sprintf(t.schema, t.name)); err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "failed to create %s table", t.name))
		}
	}

	indexes := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_tags_image ON %s(image_id)", tagsTable),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_image_blobs_blob ON %s(blob_id)", imageBlobsTable),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_tokens_user ON %s(user_id)", tokensTable),
	}
	for _, idx := range indexes {
		if _, err = e.db.ExecContext(ctx, idx); err != nil {
			errs = multierror.Append(errs, errors.Wrap(err, "failed to create index"))
		}
	}

	if errs == nil && !usersExist {
		errs = e.createDefaultAdmin(ctx)
	}

	// SQLite driver doesn't catch error if file doesn't exist and try to create a new database file.
	// But if path which passed to drive has invalid path name SQLite doesn't throw error too.
	// Because check for file exist required after first write transaction (such create table or other)
	if _, errStat := os.Stat(e.Path); os.IsNotExist(errStat) {
		return fmt.Errorf("[ERROR] database path is invalid '%s'. Can't create database file", e.Path)
	}
	return errs
}

// createDefaultAdmin adds admin user when a new database created
func (e *Embedded) createDefaultAdmin(ctx context.Context) error {
	password := engine.GetAdminDefaultPassword(ctx)
	if password == "" {
		password = "admin" // default password
	}

	user := store.User{
		Login:       "admin",
		Name:        "admin", // default login
		Password:    password,
		Role:        "admin",
		Description: "Default user with administration role",
	}

	if err := e.CreateUser(ctx, &user); err != nil {
		return errors.Wrap(err, "failed to create default admin user")
	}
	return nil
}

func (e *Embedded) isTableExist(ctx context.Context, tableName string) (exist bool, err error) {
	rows, err := e.db.QueryContext(ctx, "select DISTINCT tbl_name from sqlite_master where tbl_name = ?", tableName)
	if err != nil {
		return false, multierror.Append(err, errors.Errorf("can't check for %s table exist", tableName))
	}

	defer func() { _ = rows.Close() }()
	for rows.Next() {
		return true, nil
	}
	return false, rows.Err()
}

// Close closes database connection
func (e *Embedded) Close(_ context.Context) error {
	return e.db.Close()
}

// inTx runs fn inside transaction, it's rolled back when fn returns error
func (e *Embedded) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	if err = fn(tx); err != nil {
		if errRb := tx.Rollback(); errRb != nil {
			err = multierror.Append(err, errRb)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

// isUniqueViolation checks error returned by sqlite for unique constraint failure
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// checkAffected returns engine.ErrNotFound when nothing was changed by query
func checkAffected(res sql.Result) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return engine.ErrNotFound
	}
	return nil
}

// filtersBuilder parse an engine filter values and build query filter for 'embedded' implementation
func filtersBuilder(filter engine.QueryFilter, fieldsName ...string) (f queryFilter) {
	// skip and limit statement build
	skip := ""
	if filter.Range[0] > 0 {
		skip = fmt.Sprintf("OFFSET %d", filter.Range[0])
	}

	if filter.Range[1] > 0 {
		f.skipLimit = fmt.Sprintf(" LIMIT %d %s", filter.Range[1]-filter.Range[0], skip)
	} else if skip != "" {
		f.skipLimit = " LIMIT -1 " + skip
	}

	var (
		like             string
		strongConditions []string
	)

	if len(filter.IDs) > 0 {
		var stringIds []string
		for _, id := range filter.IDs {
			stringIds = append(stringIds, castValueTypeToString(id))
		}
		f.in = fmt.Sprintf("id IN (%s)", strings.Join(stringIds, ", "))
	}

	// search query statement and parse queryFilter value
	for k, v := range filter.Filters {

		// check sql value for sql-injection
		k, v = sanitizeKeyValue(k, v)

		// ids filter parsed to filter.IDs already
		if k == "ids" {
			continue
		}

		if k == "q" {
			var likeCondition []string
			for _, val := range fieldsName {
				if reflect.TypeOf(v).Kind() == reflect.Int {
					likeCondition = append(likeCondition, fmt.Sprintf(" %s LIKE %d", val, v))
					continue
				}
				likeCondition = append(likeCondition, fmt.Sprintf("%s LIKE '%%%s%%'", val, v))
			}
			like = strings.Join(likeCondition, " OR ")
			continue
		}

		if k == engine.RepositoriesByMember {
			strongConditions = append(strongConditions,
				fmt.Sprintf("(private = 0 OR id IN (SELECT repository_id FROM %s WHERE user_id = %s))",
					membersTable, castValueTypeToString(v)))
			continue
		}

		strongConditions = append(strongConditions, fmt.Sprintf("%s = %s", k, castValueTypeToString(v)))
	}

	var conditions []string
	if f.in != "" {
		conditions = append(conditions, f.in)
	}
	if like != "" {
		conditions = append(conditions, fmt.Sprintf("(%s)", like))
	}
	if len(strongConditions) > 0 {
		conditions = append(conditions, fmt.Sprintf("(%s)", strings.Join(strongConditions, " AND ")))
	}
	if len(conditions) > 0 {
		f.where = "WHERE " + strings.Join(conditions, " AND ")
	}

	sortField, sortDirection := "id", "ASC" // default sorting
	if len(filter.Sort) == 2 {
		if sortFieldRegexp.MatchString(filter.Sort[0]) {
			sortField = filter.Sort[0]
		}
		if strings.EqualFold(filter.Sort[1], "desc") {
			sortDirection = "DESC"
		}
	}

	f.order = fmt.Sprintf(" ORDER BY %s %s ", sortField, sortDirection)
	f.allClauses = f.where + f.order + f.skipLimit
	return f
}

// getTotalRecordsExcludeRange return total number of records exclude range/skip clause for pagination support
//
//	tableName - specify table name for search
//	filter - set of params for where clause in query
//	searchFields - define list of key fields using in where clause
func (e *Embedded) getTotalRecordsExcludeRange(ctx context.Context, tableName string, filter engine.QueryFilter, searchFields []string) (int64, error) {
	filter.Range = [2]int64{0, 0} // clear skip/offset range

	f := filtersBuilder(filter, searchFields...)
	queryString := fmt.Sprintf("SELECT COUNT(*) FROM %s %s", tableName, f.where) //nolint:gosec // query sanitizing calling before

	var recordsCounter int64
	if err := e.db.QueryRowContext(ctx, queryString).Scan(&recordsCounter); err != nil {
		return 0, errors.Wrapf(err, "failed to count %s records", tableName)
	}
	return recordsCounter, nil
}

// castValueTypeToString will select appropriate type to formatting string
func castValueTypeToString(value interface{}) string {
	switch v := value.(type) {
	case string, digest.Digest, []uint8:
		return fmt.Sprintf("'%s'", v)
	case []string:
		if len(v) > 0 {
			return fmt.Sprintf("'%s'", v[0])
		}
	case int, int64:
		return fmt.Sprintf("%d", v)
	case bool:
		if v {
			return "1"
		}
		return "0"
	case float32, float64:
		return fmt.Sprintf("%.f", v)
	}
	return ""
}

// sanitizeKeyValue check key name and value for contain sql-injection code and cleanup ones
func sanitizeKeyValue(key string, value interface{}) (cleanKey string, cleanValue interface{}) {

	// query value input can be full text search string with white spaces and contain substring either 'OR' or 'AND'
	// because in this regexp white spaces, substrings contain 'OR' or/and 'AND' and not will be replaced
	// 'OR', 'AND' will replace if they wrap of white spaces
	var queryValueRegExp = regexp.MustCompile(`(?i)[\t\r\n]|(--)|(%)|\s{2,}|(\s(OR|AND|JOIN|LEFT|RIGHT|LIKE)\s)|\)|\(|'|"|=|\*|SELECT|UPDATE|INSERT|DELETE|LIKE|WHERE|ALTER|UNION`)

	// same regexp as above but include trim white spaces between words of string for ke or value
	var keyNameValueRegExp = regexp.MustCompile(`(?i)[\t\r\n]|(--)|\s+|(%)|(\sOR\s|\sAND\s|\)|\(|'|"|=|\*|SELECT|UPDATE|INSERT|DELETE|LIKE|WHERE|ALTER|UNION)`)

	// search sql-injection code in key name
	cleanKey = key
	for {
		isPatternDetected := false
		for _, match := range keyNameValueRegExp.FindAllString(cleanKey, -1) {
			cleanKey = strings.Replace(cleanKey, match, "", -1)
			isPatternDetected = true
		}
		if !isPatternDetected {
			break
		}
	}

	// search sql-injection code in value
	cleanValue = value
	if val, ok := value.(string); ok {
		tmpString := val
		for {
			isPatternDetected := false

			re := keyNameValueRegExp
			if cleanKey == "q" {
				// full text query value string sanitizing
				re = queryValueRegExp
			}
			for _, match := range re.FindAllString(tmpString, -1) {
				tmpString = strings.Replace(tmpString, match, "", -1)
				isPatternDetected = true
			}

			if !isPatternDetected {
				cleanValue = tmpString
				break
			}
		}
	}

	return cleanKey, cleanValue
}
