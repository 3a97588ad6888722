package engine

// Package engine defines interfaces each supported storage should implement.

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"regexp"
	"strconv"

	"github.com/zebox/oci-registry/app/store"
)

// RepositoriesByMember allow filtered repositories result list by membership of user,
// public repositories are included too. It's relevant for role 'user' only
const RepositoriesByMember = "member_id"

type engineOptionsCtx string

// ErrNotFound returned when a record doesn't exist
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists returned when a unique key of record is taken
var ErrAlreadyExists = errors.New("record already exists")

// ListResponse is a container for return list of result data
type ListResponse struct {
	Total int64         `json:"total"`
	Data  []interface{} `json:"data"`
}

// Interface defines methods provided by low-level storage engine
type Interface interface {
	// Users manipulations
	CreateUser(ctx context.Context, user *store.User) (err error)
	GetUser(ctx context.Context, id interface{}) (user store.User, err error)
	FindUsers(ctx context.Context, filter QueryFilter) (users ListResponse, err error)
	UpdateUser(ctx context.Context, user store.User) (err error)
	DeleteUser(ctx context.Context, id int64) (err error)

	// API tokens manipulations
	CreateToken(ctx context.Context, token *store.APIToken) (err error)
	GetTokenByHash(ctx context.Context, hash string) (token store.APIToken, err error)
	FindTokens(ctx context.Context, userID int64) (tokens []store.APIToken, err error)
	DeleteToken(ctx context.Context, id int64) (err error)

	// Repositories methods
	CreateRepository(ctx context.Context, repo *store.Repository) (err error)
	GetRepository(ctx context.Context, name string) (repo store.Repository, err error)
	FindRepositories(ctx context.Context, filter QueryFilter) (repos ListResponse, err error)
	UpdateRepository(ctx context.Context, repo store.Repository) (err error)
	DeleteRepository(ctx context.Context, id int64) (err error)

	// Members of repositories
	AddMember(ctx context.Context, member store.Member) (err error)
	RemoveMember(ctx context.Context, repositoryID, userID int64) (err error)
	FindMembers(ctx context.Context, repositoryID int64) (members []store.Member, err error)

	// Blobs methods
	CreateBlob(ctx context.Context, blob *store.Blob) (err error)
	GetBlob(ctx context.Context, repositoryID int64, digest string) (blob store.Blob, err error)
	GetBlobByID(ctx context.Context, id int64) (blob store.Blob, err error)
	UpdateBlob(ctx context.Context, blob store.Blob) (err error)
	DeleteBlob(ctx context.Context, id int64) (err error)
	FindBlobs(ctx context.Context, repositoryID int64) (blobs []store.Blob, err error)
	BlobReferences(ctx context.Context, blobID int64) (count int64, err error)
	StaleSessionBlobs(ctx context.Context, createdBefore int64) (blobs []store.Blob, err error)
	OrphanBlobs(ctx context.Context, createdBefore int64) (blobs []store.Blob, err error)

	// Images, tags and annotations
	CreateImage(ctx context.Context, image *store.Image) (err error)
	GetImage(ctx context.Context, repositoryID int64, version string) (image store.Image, err error)
	GetImageByTag(ctx context.Context, repositoryID int64, tag string) (image store.Image, err error)
	UpdateImage(ctx context.Context, image store.Image) (err error)
	DeleteImage(ctx context.Context, id int64) (err error)
	FindImages(ctx context.Context, repositoryID int64) (images []store.Image, err error)
	SetTag(ctx context.Context, repositoryID, imageID int64, name string) (err error)
	DeleteTag(ctx context.Context, repositoryID int64, name string) (err error)
	FindTags(ctx context.Context, repositoryID int64) (tags []string, err error)
	ImageTags(ctx context.Context, imageID int64) (tags []string, err error)
	SetAnnotations(ctx context.Context, imageID int64, annotations map[string]string) (err error)
	GetAnnotations(ctx context.Context, imageID int64) (annotations map[string]string, err error)

	// Image to blob links
	LinkBlob(ctx context.Context, imageID, blobID int64) (err error)
	UnlinkBlob(ctx context.Context, imageID, blobID int64) (err error)
	ImageBlobs(ctx context.Context, imageID int64) (blobs []store.Blob, err error)

	// Misc storage function
	Close(ctx context.Context) error
}

// QueryFilter using for query to data from storage
type QueryFilter struct {
	Range [2]int64 // array indexes are: 0 - Skip value, 1 - Limit value
	IDs   []int64  `json:"id"`

	// 'q' - key in filter use for full text search by fields which defined with parameters in filtersBuilder
	// other filters keys/values applies as exactly condition in query (at where clause)
	Filters map[string]interface{}

	Sort []string // ASC or DESC
}

// FilterFromURLExtractor extracts param from URL and pass it to query which manipulation data in storage
func FilterFromURLExtractor(url *url.URL) (filters QueryFilter, err error) {
	_range, isRange := url.Query()["range"]
	sort, isSort := url.Query()["sort"]
	search, isSearch := url.Query()["filter"]

	// check and try to extract IDs from search string
	if isSearch {
		var query map[string]interface{}

		// check and try to extract strong condition by fields name
		if err = json.Unmarshal([]byte(search[0]), &query); err != nil {
			return filters, err
		}
		if ids, ok := query["ids"].([]interface{}); ok {
			for _, v := range ids {
				id, okID := v.(float64)
				if !okID {
					return filters, errors.New("ids filter should contain numbers only")
				}
				filters.IDs = append(filters.IDs, int64(id))
			}
		}
		if len(query) > 0 {
			filters.Filters = query
		}
	}

	// extract and parse range and sort params
	if isRange {
		rng, err := getRange(_range[0])
		if err != nil {
			return filters, err
		}
		filters.Range = rng
	}

	if isSort {
		if s := getQuotedStrings(sort[0]); len(s) >= 2 {
			filters.Sort = s[:2]
		}
	}

	return filters, nil
}

// getQuotedStrings parse URL search string param for store query filter
func getQuotedStrings(s string) []string {
	var re = regexp.MustCompile(`".*?"`)
	ms := re.FindAllString(s, -1)
	ss := make([]string, len(ms))
	for i, m := range ms {
		ss[i] = m[1 : len(m)-1]
	}
	return ss
}

// getRange parse URL range param for store query filter
func getRange(sRange string) (r [2]int64, err error) {
	var re = regexp.MustCompile(`(?m)\[(.*?),(.*?)]`)
	match := re.FindStringSubmatch(sRange)

	if len(match) == 3 {
		first, err := strconv.Atoi(match[1])
		if err != nil {
			return r, err
		}
		last, err := strconv.Atoi(match[2])
		if err != nil {
			return r, err
		}
		r[0], r[1] = int64(first), int64(last)+1 // +1 because js want range with start ZERO(0) index, but skip/limit DB function start from ONE(1)
	}
	return r, nil
}

const adminDefaultPasswordKey = "admin_default_key"

// SetAdminDefaultPassword allows defining default password for user admin when database with users created first
func SetAdminDefaultPassword(ctx *context.Context, passwd *string) {
	*ctx = context.WithValue(*ctx, engineOptionsCtx(adminDefaultPasswordKey), *passwd)
	*passwd = "" // clear default password from runtime memory
}

// GetAdminDefaultPassword allows get default password for user admin from context
func GetAdminDefaultPassword(ctx context.Context) string {
	p := ctx.Value(engineOptionsCtx(adminDefaultPasswordKey))
	if p != nil {
		return p.(string)
	}
	return ""
}
