package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	R "github.com/go-pkgz/rest"
	"github.com/pkg/errors"

	"github.com/zebox/oci-registry/app/oci"
	"github.com/zebox/oci-registry/app/registry"
	"github.com/zebox/oci-registry/app/store"
	"github.com/zebox/oci-registry/app/store/service"
)

const (
	headerAPIVersion    = "Docker-Distribution-API-Version"
	headerContentDigest = "Docker-Content-Digest"
	headerUploadUUID    = "Docker-Upload-UUID"

	apiVersion = "registry/2.0"
)

// dataService defines registry operations used by handlers
type dataService interface {
	Catalog(ctx context.Context, n int, last string) (names []string, more bool, err error)
	ListTags(ctx context.Context, name string, n int, last string) (tags []string, more bool, err error)

	Manifest(ctx context.Context, name, reference string) (store.Image, error)
	PutManifest(ctx context.Context, name, reference, contentType string, body []byte) (store.Image, error)
	DeleteManifest(ctx context.Context, name, reference string) error

	Blob(ctx context.Context, name, ref string) (store.Blob, error)
	OpenBlob(ctx context.Context, name, ref string) (store.Blob, io.ReadSeekCloser, error)
	DeleteBlob(ctx context.Context, name, ref string) error
	PutBlob(ctx context.Context, name, declared, contentType string, length int64, body io.Reader) (store.Blob, error)
	MountBlob(ctx context.Context, name, from, declared string) (blob store.Blob, mounted bool, upload service.Upload, err error)

	StartUpload(ctx context.Context, name string) (service.Upload, error)
	UploadStatus(ctx context.Context, name, id string) (service.Upload, error)
	WriteChunk(ctx context.Context, name, id string, chunk service.Chunk) (service.Upload, error)
	FinishUpload(ctx context.Context, name, id, declared string, chunk *service.Chunk) (store.Blob, error)
	CancelUpload(ctx context.Context, name, id string) error
}

// authorizer makes access decisions for registry API and issues tokens
type authorizer interface {
	Authorize(r *http.Request, access registry.Access) (registry.Identity, error)
	IssueToken(r *http.Request) (registry.ClientToken, error)
	RevokeToken(r *http.Request) error
}

// registryHandlers implement endpoints of distribution API mounted at /v2
type registryHandlers struct {
	endpointsHandler
	dataService   dataService
	authorizer    authorizer
	deleteEnabled bool
}

// registry path kinds
const (
	pathTags = iota
	pathManifest
	pathBlob
	pathUploads
	pathUpload
)

// repository name may contain slashes, expressions are matched with name taking the longest prefix
var registryPaths = []struct {
	kind int
	re   *regexp.Regexp
}{
	{pathTags, regexp.MustCompile(`^(.+)/tags/list/?$`)},
	{pathManifest, regexp.MustCompile(`^(.+)/manifests/([^/]+)$`)},
	{pathUploads, regexp.MustCompile(`^(.+)/blobs/uploads/?$`)},
	{pathUpload, regexp.MustCompile(`^(.+)/blobs/uploads/([^/]+)$`)},
	{pathBlob, regexp.MustCompile(`^(.+)/blobs/([^/]+)$`)},
}

// registryPath is parsed path of registry API request after /v2/ prefix
type registryPath struct {
	kind      int
	name      string
	reference string // tag or digest of manifest, digest of blob, id of upload
}

func parseRegistryPath(path string) (registryPath, bool) {
	for _, p := range registryPaths {
		m := p.re.FindStringSubmatch(path)
		if m == nil {
			continue
		}
		res := registryPath{kind: p.kind, name: m[1]}
		if len(m) > 2 {
			res.reference = m[2]
		}
		return res, true
	}
	return registryPath{}, false
}

// apiVersionHeader sets version header to every response of registry API
func apiVersionHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerAPIVersion, apiVersion)
		next.ServeHTTP(w, r)
	})
}

// base is the endpoint which client uses for check API support and credentials
func (rh *registryHandlers) base(w http.ResponseWriter, r *http.Request) {
	if _, ok := rh.authorize(w, r, registry.Access{}); !ok {
		return
	}
	R.RenderJSON(w, R.JSON{})
}

func (rh *registryHandlers) catalog(w http.ResponseWriter, r *http.Request) {
	r, ok := rh.authorize(w, r, registry.Access{})
	if !ok {
		return
	}

	n, last, err := pagination(r.URL.Query())
	if err != nil {
		SendRegistryError(w, r, rh.l, err)
		return
	}
	names, more, err := rh.dataService.Catalog(r.Context(), n, last)
	if err != nil {
		SendRegistryError(w, r, rh.l, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	if more {
		setNextLink(w, "/v2/_catalog", n, names[len(names)-1])
	}
	R.RenderJSON(w, R.JSON{"repositories": names})
}

// dispatch routes requests to repository resources by parsed path
func (rh *registryHandlers) dispatch(w http.ResponseWriter, r *http.Request) {
	p, ok := parseRegistryPath(chi.URLParam(r, "*"))
	if !ok {
		SendRegistryError(w, r, rh.l, errors.Wrapf(service.ErrNameInvalid, "path %q", r.URL.Path))
		return
	}
	name, err := oci.NormalizeName(p.name)
	if err != nil {
		SendRegistryError(w, r, rh.l, errors.Wrap(service.ErrNameInvalid, err.Error()))
		return
	}
	p.name = name

	switch {
	case p.kind == pathTags && r.Method == http.MethodGet:
		rh.listTags(w, r, p)
	case p.kind == pathManifest && (r.Method == http.MethodGet || r.Method == http.MethodHead):
		rh.getManifest(w, r, p)
	case p.kind == pathManifest && r.Method == http.MethodPut:
		rh.putManifest(w, r, p)
	case p.kind == pathManifest && r.Method == http.MethodDelete:
		rh.deleteManifest(w, r, p)
	case p.kind == pathBlob && r.Method == http.MethodGet:
		rh.getBlob(w, r, p)
	case p.kind == pathBlob && r.Method == http.MethodHead:
		rh.headBlob(w, r, p)
	case p.kind == pathBlob && r.Method == http.MethodDelete:
		rh.deleteBlob(w, r, p)
	case p.kind == pathUploads && r.Method == http.MethodPost:
		rh.startUpload(w, r, p)
	case p.kind == pathUpload && r.Method == http.MethodPatch:
		rh.patchUpload(w, r, p)
	case p.kind == pathUpload && r.Method == http.MethodPut:
		rh.finishUpload(w, r, p)
	case p.kind == pathUpload && r.Method == http.MethodGet:
		rh.uploadStatus(w, r, p)
	case p.kind == pathUpload && r.Method == http.MethodDelete:
		rh.cancelUpload(w, r, p)
	default:
		SendRegistryError(w, r, rh.l, errors.Wrapf(errMethodNotAllowed, "%s %s", r.Method, r.URL.Path))
	}
}

func (rh *registryHandlers) listTags(w http.ResponseWriter, r *http.Request, p registryPath) {
	r, ok := rh.authorize(w, r, registry.Access{Repository: p.name, Actions: []string{store.ActionPull}, MustExist: true})
	if !ok {
		return
	}

	n, last, err := pagination(r.URL.Query())
	if err != nil {
		SendRegistryError(w, r, rh.l, err)
		return
	}
	tags, more, err := rh.dataService.ListTags(r.Context(), p.name, n, last)
	if err != nil {
		SendRegistryError(w, r, rh.l, err)
		return
	}
	if tags == nil {
		tags = []string{}
	}
	if more {
		setNextLink(w, fmt.Sprintf("/v2/%s/tags/list", p.name), n, tags[len(tags)-1])
	}
	R.RenderJSON(w, R.JSON{"name": p.name, "tags": tags})
}

func (rh *registryHandlers) getManifest(w http.ResponseWriter, r *http.Request, p registryPath) {
	r, ok := rh.authorize(w, r, registry.Access{Repository: p.name, Actions: []string{store.ActionPull}, MustExist: true})
	if !ok {
		return
	}

	img, err := rh.dataService.Manifest(r.Context(), p.name, p.reference)
	if err != nil {
		SendRegistryError(w, r, rh.l, err)
		return
	}

	w.Header().Set("Content-Type", img.MediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Manifest)))
	w.Header().Set(headerContentDigest, img.Version)
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err = w.Write(img.Manifest); err != nil {
		rh.l.Logf("[WARN] failed to send manifest %s of %s: %v", img.Version, p.name, err)
	}
}

func (rh *registryHandlers) putManifest(w http.ResponseWriter, r *http.Request, p registryPath) {
	r, ok := rh.authorize(w, r, registry.Access{Repository: p.name, Actions: []string{store.ActionPush, store.ActionPull}})
	if !ok {
		return
	}

	if err := decompressRequest(r); err != nil {
		SendRegistryError(w, r, rh.l, errors.Wrap(service.ErrManifestInvalid, err.Error()))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, service.MaxManifestSize+1))
	if err != nil {
		SendRegistryError(w, r, rh.l, errors.Wrap(service.ErrManifestInvalid, err.Error()))
		return
	}

	img, err := rh.dataService.PutManifest(r.Context(), p.name, p.reference, r.Header.Get("Content-Type"), body)
	if err != nil {
		SendRegistryError(w, r, rh.l, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/manifests/%s", p.name, p.reference))
	w.Header().Set(headerContentDigest, img.Version)
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusCreated)
}

func (rh *registryHandlers) deleteManifest(w http.ResponseWriter, r *http.Request, p registryPath) {
	if !rh.deleteEnabled {
		SendRegistryError(w, r, rh.l, service.ErrDeleteDisabled)
		return
	}
	r, ok := rh.authorize(w, r, registry.Access{Repository: p.name, Actions: []string{store.ActionDelete}, MustExist: true})
	if !ok {
		return
	}

	if err := rh.dataService.DeleteManifest(r.Context(), p.name, p.reference); err != nil {
		SendRegistryError(w, r, rh.l, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// authorize checks access of request and returns request which context carries actor of operation.
// Response is sent already when the check fails.
func (rh *registryHandlers) authorize(w http.ResponseWriter, r *http.Request, access registry.Access) (*http.Request, bool) {
	identity, err := rh.authorizer.Authorize(r, access)
	if err != nil {
		SendRegistryError(w, r, rh.l, err)
		return r, false
	}

	ctx := service.WithActor(r.Context(), service.Actor{
		UserID:       identity.User.ID,
		Login:        identity.User.Login,
		Unrestricted: identity.Unrestricted,
		RequestID:    middleware.GetReqID(r.Context()),
		Addr:         r.RemoteAddr,
		Host:         r.Host,
		Method:       r.Method,
		UserAgent:    r.UserAgent(),
	})
	return r.WithContext(ctx), true
}

// tokenAuth exchanges basic credentials for bearer token
func (rh *registryHandlers) tokenAuth(w http.ResponseWriter, r *http.Request) {
	ct, err := rh.authorizer.IssueToken(r)
	if err != nil {
		SendRegistryError(w, r, rh.l, err)
		return
	}
	R.RenderJSON(w, ct)
}

// tokenRevoke invalidates bearer token of request before it expires
func (rh *registryHandlers) tokenRevoke(w http.ResponseWriter, r *http.Request) {
	if err := rh.authorizer.RevokeToken(r); err != nil {
		SendRegistryError(w, r, rh.l, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pagination extracts 'n' and 'last' of list request, absent 'n' means all entries
func pagination(q url.Values) (n int, last string, err error) {
	n = -1
	if v := q.Get("n"); v != "" {
		if n, err = strconv.Atoi(v); err != nil || n < 0 {
			return 0, "", errors.Wrapf(service.ErrPaginationInvalid, "%q", v)
		}
	}
	return n, q.Get("last"), nil
}

func setNextLink(w http.ResponseWriter, path string, n int, last string) {
	q := url.Values{}
	q.Set("n", strconv.Itoa(n))
	q.Set("last", last)
	w.Header().Set("Link", fmt.Sprintf("<%s?%s>; rel=\"next\"", path, q.Encode()))
}

