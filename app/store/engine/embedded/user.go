package embedded

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/zebox/oci-registry/app/store"
	"github.com/zebox/oci-registry/app/store/engine"
)

const userFields = "id,login,name,password,role,disabled,description"

// CreateUser create a new user record
func (e *Embedded) CreateUser(ctx context.Context, user *store.User) (err error) {

	var emptyParams []string

	// check required parameters filled
	if user.Login == "" {
		emptyParams = append(emptyParams, "Login")
	}

	if user.Name == "" {
		emptyParams = append(emptyParams, "Name")
	}
	if user.Password == "" {
		emptyParams = append(emptyParams, "Password")
	}

	if !store.CheckRoleInList(user.Role) {
		emptyParams = append(emptyParams, fmt.Sprintf("role '%s' not allowed", user.Role))
	}

	if len(emptyParams) > 0 {
		return fmt.Errorf("required user fields not set: %s", strings.Join(emptyParams, ", "))
	}

	// hashing password value
	if errHash := user.HashAndSalt(); errHash != nil {
		return errHash
	}

	createUserSQL := fmt.Sprintf(`INSERT INTO %s (
		login,
		name,
		password,
		role,
		disabled,
		description
	) values(?, ?, ?, ?, ?, ?)`, usersTable)
	stmt, err := e.db.PrepareContext(ctx, createUserSQL)
	if err != nil {
		return multierror.Append(err, errors.New("failed to add new user"))
	}
	defer func() { _ = stmt.Close() }()
	result, err := stmt.ExecContext(ctx, user.Login, user.Name, user.Password, user.Role, user.Disabled, user.Description)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(engine.ErrAlreadyExists, "user %s", user.Login)
		}
		return multierror.Append(err, errors.New("failed to add new user"))
	}

	id, err := result.LastInsertId()
	if err == nil {
		user.ID = id
	}
	return err
}

// GetUser get data by user ID or login
func (e *Embedded) GetUser(ctx context.Context, id interface{}) (user store.User, err error) {
	var queryString string

	switch val := id.(type) {
	case string:
		// cast ID value when ID has login value
		queryString = fmt.Sprintf("select %s from %s where login = ?", userFields, usersTable)

		// cast ID value when ID as string type
		if _, errParse := strconv.ParseInt(val, 10, 64); errParse == nil {
			queryString = fmt.Sprintf("select %s from %s where id = ?", userFields, usersTable)
		}
	case int, int64:
		queryString = fmt.Sprintf("select %s from %s where id = ?", userFields, usersTable)
	default:
		return user, errors.New("unsupported id type")
	}

	err = e.db.QueryRowContext(ctx, queryString, id).
		Scan(&user.ID, &user.Login, &user.Name, &user.Password, &user.Role, &user.Disabled, &user.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return user, engine.ErrNotFound
	}
	if err != nil {
		return user, errors.Wrap(err, "failed to get user")
	}
	return user, nil
}

// FindUsers fetch list of user by filter values
func (e *Embedded) FindUsers(ctx context.Context, filter engine.QueryFilter) (users engine.ListResponse, err error) {
	searchFields := []string{"login", "name"}

	if users.Total, err = e.getTotalRecordsExcludeRange(ctx, usersTable, filter, searchFields); err != nil || users.Total == 0 {
		return users, err
	}

	f := filtersBuilder(filter, searchFields...)
	queryString := fmt.Sprintf("SELECT %s FROM %s %s", userFields, usersTable, f.allClauses) //nolint:gosec // query sanitizing calling before

	rows, err := e.db.QueryContext(ctx, queryString)
	if err != nil {
		return users, errors.Wrap(err, "failed to get users list")
	}
	defer func() {
		_ = rows.Close()
	}()

	users.Data = []interface{}{}
	for rows.Next() {
		var user store.User
		if err = rows.Scan(&user.ID, &user.Login, &user.Name, &user.Password, &user.Role, &user.Disabled, &user.Description); err != nil {
			return users, errors.Wrap(err, "failed scan user data")
		}
		user.Password = "" // clear password value when user fetch
		users.Data = append(users.Data, user)
	}

	return users, rows.Err()
}

// UpdateUser update user records data
func (e *Embedded) UpdateUser(ctx context.Context, user store.User) (err error) {

	if !store.CheckRoleInList(user.Role) {
		return errors.Errorf("role '%s' not allowed", user.Role)
	}
	var res sql.Result
	if user.Password != "" {
		if errHash := user.HashAndSalt(); errHash != nil {
			return errHash
		}
		res, err = e.db.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET name=?, password=?, role=?, disabled=?, description=? WHERE id = ?", usersTable),
			user.Name, user.Password, user.Role, user.Disabled, user.Description, user.ID)

	} else {
		// skip a password field update if updating password value is empty
		res, err = e.db.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET name=?, role=?, disabled=?, description=? WHERE id = ?", usersTable),
			user.Name, user.Role, user.Disabled, user.Description, user.ID)
	}

	if err != nil {
		return errors.Wrap(err, "failed to update user data")
	}
	return checkAffected(res)
}

// DeleteUser delete user record by ID together with user tokens and memberships
func (e *Embedded) DeleteUser(ctx context.Context, id int64) (err error) {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", usersTable), id)
		if err != nil {
			return errors.Wrapf(err, "failed execute query for user delete")
		}
		if err = checkAffected(res); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE user_id = ?", tokensTable), id); err != nil {
			return errors.Wrap(err, "failed to delete user tokens")
		}
		if _, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE user_id = ?", membersTable), id); err != nil {
			return errors.Wrap(err, "failed to delete user memberships")
		}
		return nil
	})
}

// CreateToken adds api token record, only hash of token is stored
func (e *Embedded) CreateToken(ctx context.Context, token *store.APIToken) (err error) {
	if token.UserID == 0 || token.Hash == "" {
		return errors.New("required token fields not set: UserID, Hash")
	}
	res, err := e.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (user_id, name, hash, created_at) values(?, ?, ?, ?)", tokensTable),
		token.UserID, token.Name, token.Hash, token.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to add new token")
	}
	token.ID, err = res.LastInsertId()
	return err
}

// GetTokenByHash finds token record by hash of its secret
func (e *Embedded) GetTokenByHash(ctx context.Context, hash string) (token store.APIToken, err error) {
	err = e.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id, user_id, name, hash, created_at FROM %s WHERE hash = ?", tokensTable), hash).
		Scan(&token.ID, &token.UserID, &token.Name, &token.Hash, &token.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return token, engine.ErrNotFound
	}
	return token, errors.Wrap(err, "failed to get token")
}

// FindTokens returns tokens of user
func (e *Embedded) FindTokens(ctx context.Context, userID int64) (tokens []store.APIToken, err error) {
	rows, err := e.db.QueryContext(ctx,
		fmt.Sprintf("SELECT id, user_id, name, hash, created_at FROM %s WHERE user_id = ? ORDER BY id", tokensTable), userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get tokens list")
	}
	defer func() { _ = rows.Close() }()

	tokens = []store.APIToken{}
	for rows.Next() {
		var token store.APIToken
		if err = rows.Scan(&token.ID, &token.UserID, &token.Name, &token.Hash, &token.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed scan token data")
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// DeleteToken removes token record
func (e *Embedded) DeleteToken(ctx context.Context, id int64) (err error) {
	res, err := e.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", tokensTable), id)
	if err != nil {
		return errors.Wrap(err, "failed to delete token")
	}
	return checkAffected(res)
}
