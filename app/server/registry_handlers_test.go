package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zebox/oci-registry/app/oci"
	"github.com/zebox/oci-registry/app/registry"
	"github.com/zebox/oci-registry/app/store"
	"github.com/zebox/oci-registry/app/store/service"
)

// testRegistry is running registry API with helpers for its clients
type testRegistry struct {
	*testing.T
	srv *Server
	ts  *httptest.Server
}

func prepareTestRegistry(t *testing.T, cfg service.Config) *testRegistry {
	srv := prepareTestServer(t, cfg)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return &testRegistry{T: t, srv: srv, ts: ts}
}

// token exchanges basic credentials for bearer token with scopes
func (tr *testRegistry) token(login, password string, scopes ...string) string {
	q := url.Values{}
	q.Set("service", testService)
	for _, s := range scopes {
		q.Add("scope", s)
	}
	req, err := http.NewRequest(http.MethodGet, tr.ts.URL+"/auth/token?"+q.Encode(), http.NoBody)
	require.NoError(tr, err)
	req.SetBasicAuth(login, password)

	resp, body := tr.send(req)
	require.Equal(tr, http.StatusOK, resp.StatusCode, string(body))

	var ct registry.ClientToken
	require.NoError(tr, json.Unmarshal(body, &ct))
	require.NotEmpty(tr, ct.Token)
	assert.Equal(tr, ct.Token, ct.AccessToken)
	return ct.Token
}

// do makes request to registry API, path may be absolute URL or path of the server
func (tr *testRegistry) do(method, path, tkn string, body []byte, headers ...string) (*http.Response, []byte) {
	if !strings.HasPrefix(path, "http") {
		path = tr.ts.URL + path
	}
	var rdr io.Reader = http.NoBody
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, path, rdr)
	require.NoError(tr, err)
	if tkn != "" {
		req.Header.Set("Authorization", "Bearer "+tkn)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	return tr.send(req)
}

func (tr *testRegistry) send(req *http.Request) (*http.Response, []byte) {
	client := http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	defer client.CloseIdleConnections()

	resp, err := client.Do(req)
	require.NoError(tr, err)
	defer func() { assert.NoError(tr, resp.Body.Close()) }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(tr, err)
	return resp, body
}

// pushBlob uploads content as monolithic blob and returns its digest
func (tr *testRegistry) pushBlob(tkn, name string, content []byte) digest.Digest {
	d := oci.Digest(content)
	resp, body := tr.do(http.MethodPost, fmt.Sprintf("/v2/%s/blobs/uploads/?digest=%s", name, d), tkn, content)
	require.Equal(tr, http.StatusCreated, resp.StatusCode, string(body))
	return d
}

func (tr *testRegistry) errorCode(body []byte) string {
	var envelope registryErrorEnvelope
	require.NoError(tr, json.Unmarshal(body, &envelope), string(body))
	require.NotEmpty(tr, envelope.Errors)
	return envelope.Errors[0].Code
}

func createTestUser(t *testing.T, srv *Server, login, password, role string) store.User {
	u := store.User{Login: login, Name: login, Password: password, Role: role}
	require.NoError(t, srv.Storage.CreateUser(context.Background(), &u))
	return u
}

func testImageManifest(t *testing.T, config digest.Digest, layers ...digest.Digest) []byte {
	m := v1.Manifest{
		MediaType: v1.MediaTypeImageManifest,
		Config:    v1.Descriptor{MediaType: v1.MediaTypeImageConfig, Digest: config, Size: 1},
	}
	m.SchemaVersion = 2
	for _, l := range layers {
		m.Layers = append(m.Layers, v1.Descriptor{MediaType: v1.MediaTypeImageLayerGzip, Digest: l, Size: 1})
	}
	body, err := json.Marshal(m)
	require.NoError(t, err)
	return body
}

func TestRegistry_PushPullFlow(t *testing.T) {
	tr := prepareTestRegistry(t, service.Config{})
	content := []byte("layer content of test image")

	// anonymous client gets challenge with scope of requested operation
	resp, body := tr.do(http.MethodPost, "/v2/r/blobs/uploads/", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), `scope="repository:r:push,pull"`)
	assert.Equal(t, "UNAUTHORIZED", tr.errorCode(body))
	assert.Equal(t, "registry/2.0", resp.Header.Get("Docker-Distribution-API-Version"))

	tkn := tr.token("admin", "admin", "repository:r:push,pull")

	resp, body = tr.do(http.MethodPost, "/v2/r/blobs/uploads/", tkn, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	location := resp.Header.Get("Location")
	require.True(t, strings.HasPrefix(location, "/v2/r/blobs/uploads/"), location)
	assert.Equal(t, "0-0", resp.Header.Get("Range"))
	assert.NotEmpty(t, resp.Header.Get("Docker-Upload-UUID"))

	d := oci.Digest(content)
	resp, body = tr.do(http.MethodPut, location+"?digest="+d.String(), tkn, content)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	blobLocation := resp.Header.Get("Location")
	assert.Equal(t, "/v2/r/blobs/"+d.String(), blobLocation)
	assert.Equal(t, d.String(), resp.Header.Get("Docker-Content-Digest"))

	resp, body = tr.do(http.MethodGet, blobLocation, tkn, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, content, body)
	assert.Equal(t, d.String(), resp.Header.Get("Docker-Content-Digest"))

	// range request of blob
	resp, body = tr.do(http.MethodGet, blobLocation, tkn, nil, "Range", "bytes=0-4")
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, content[:5], body)

	resp, body = tr.do(http.MethodHead, blobLocation, tkn, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
	assert.Equal(t, fmt.Sprintf("%d", len(content)), resp.Header.Get("Content-Length"))

	// finished session can't be used again
	resp, body = tr.do(http.MethodPut, location+"?digest="+d.String(), tkn, content)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "BLOB_UPLOAD_UNKNOWN", tr.errorCode(body))
}

func TestRegistry_ChunkedUpload(t *testing.T) {
	tr := prepareTestRegistry(t, service.Config{})
	tkn := tr.token("admin", "admin", "repository:team/app:push,pull")
	content := []byte("0123456789abcdef")

	resp, _ := tr.do(http.MethodPost, "/v2/team/app/blobs/uploads/", tkn, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	location := resp.Header.Get("Location")

	resp, body := tr.do(http.MethodPatch, location, tkn, content[:10], "Content-Range", "0-9", "Content-Type", "application/octet-stream")
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	assert.Equal(t, "0-9", resp.Header.Get("Range"))

	// chunk out of order
	resp, body = tr.do(http.MethodPatch, location, tkn, content[10:], "Content-Range", "12-17")
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
	assert.Equal(t, "BLOB_UPLOAD_INVALID", tr.errorCode(body))

	resp, body = tr.do(http.MethodPatch, location, tkn, content[10:], "Content-Range", "bad")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "BLOB_UPLOAD_INVALID", tr.errorCode(body))

	resp, _ = tr.do(http.MethodGet, location, tkn, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "0-9", resp.Header.Get("Range"))

	// last chunk comes with closing request
	resp, body = tr.do(http.MethodPut, location+"?digest="+oci.Digest(content).String(), tkn, content[10:], "Content-Range", "10-15")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = tr.do(http.MethodGet, "/v2/team/app/blobs/"+oci.Digest(content).String(), tkn, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, content, body)
}

func TestRegistry_UploadErrors(t *testing.T) {
	tr := prepareTestRegistry(t, service.Config{})
	tkn := tr.token("admin", "admin", "repository:team/app:push,pull")

	// digest is required for closing upload
	resp, _ := tr.do(http.MethodPost, "/v2/team/app/blobs/uploads/", tkn, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	location := resp.Header.Get("Location")
	resp, body := tr.do(http.MethodPut, location, tkn, []byte("data"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "DIGEST_INVALID", tr.errorCode(body))

	// digest of content doesn't match declared one
	resp, body = tr.do(http.MethodPut, location+"?digest="+oci.Digest([]byte("other")).String(), tkn, []byte("data"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "DIGEST_INVALID", tr.errorCode(body))

	// cancel of upload
	resp, _ = tr.do(http.MethodPost, "/v2/team/app/blobs/uploads/", tkn, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	location = resp.Header.Get("Location")
	resp, _ = tr.do(http.MethodDelete, location, tkn, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, body = tr.do(http.MethodGet, location, tkn, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "BLOB_UPLOAD_UNKNOWN", tr.errorCode(body))

	// unknown blob
	resp, body = tr.do(http.MethodGet, "/v2/team/app/blobs/"+oci.Digest([]byte("missing")).String(), tkn, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "BLOB_UNKNOWN", tr.errorCode(body))

	// unknown repository
	resp, body = tr.do(http.MethodGet, "/v2/team/unknown/tags/list", tkn, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NAME_UNKNOWN", tr.errorCode(body))

	// invalid name
	resp, body = tr.do(http.MethodPost, "/v2/-team/blobs/uploads/", tkn, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "NAME_INVALID", tr.errorCode(body))

	// method isn't supported by resource
	resp, body = tr.do(http.MethodPatch, "/v2/team/app/manifests/latest", tkn, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "UNSUPPORTED", tr.errorCode(body))
}

func TestRegistry_StartUploadLengthRequired(t *testing.T) {
	tr := prepareTestRegistry(t, service.Config{})
	tkn := tr.token("admin", "admin", "repository:team/app:push,pull")

	rh := registryHandlers{endpointsHandler: endpointsHandler{l: tr.srv.L}, dataService: tr.srv.DataService, authorizer: tr.srv.Registry}

	r := httptest.NewRequest(http.MethodPost, "/v2/team/app/blobs/uploads/", http.NoBody)
	r.Header.Set("Authorization", "Bearer "+tkn)
	w := httptest.NewRecorder()
	rh.startUpload(w, r, registryPath{kind: pathUploads, name: "team/app"})
	assert.Equal(t, http.StatusLengthRequired, w.Code)

	r = httptest.NewRequest(http.MethodPost, "/v2/team/app/blobs/uploads/", http.NoBody)
	r.Header.Set("Authorization", "Bearer "+tkn)
	r.Header.Set("Content-Length", "0")
	w = httptest.NewRecorder()
	rh.startUpload(w, r, registryPath{kind: pathUploads, name: "team/app"})
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestRegistry_MountBlob(t *testing.T) {
	tr := prepareTestRegistry(t, service.Config{})
	tkn := tr.token("admin", "admin", "repository:team/base:push,pull", "repository:team/app:push,pull")

	d := tr.pushBlob(tkn, "team/base", []byte("base layer"))

	resp, body := tr.do(http.MethodPost, fmt.Sprintf("/v2/team/app/blobs/uploads/?mount=%s&from=team/base", d), tkn, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.Equal(t, "/v2/team/app/blobs/"+d.String(), resp.Header.Get("Location"))

	// unknown source falls back to upload session
	unknown := oci.Digest([]byte("unknown"))
	resp, _ = tr.do(http.MethodPost, fmt.Sprintf("/v2/team/app/blobs/uploads/?mount=%s&from=team/base", unknown), tkn, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), "/v2/team/app/blobs/uploads/"))
}

func TestRegistry_Manifests(t *testing.T) {
	tr := prepareTestRegistry(t, service.Config{DeleteEnabled: true})

	tkn := tr.token("admin", "admin", "repository:team/app:*")
	config := tr.pushBlob(tkn, "team/app", []byte(`{"architecture":"amd64"}`))
	layer := tr.pushBlob(tkn, "team/app", []byte("layer"))
	manifest := testImageManifest(t, config, layer)
	md := oci.Digest(manifest)

	resp, body := tr.do(http.MethodPut, "/v2/team/app/manifests/latest", tkn, manifest, "Content-Type", v1.MediaTypeImageManifest)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.Equal(t, "/v2/team/app/manifests/latest", resp.Header.Get("Location"))
	assert.Equal(t, md.String(), resp.Header.Get("Docker-Content-Digest"))

	for _, ref := range []string{"latest", md.String()} {
		resp, body = tr.do(http.MethodGet, "/v2/team/app/manifests/"+ref, tkn, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, manifest, body)
		assert.Equal(t, v1.MediaTypeImageManifest, resp.Header.Get("Content-Type"))
		assert.Equal(t, md.String(), resp.Header.Get("Docker-Content-Digest"))
	}

	resp, body = tr.do(http.MethodHead, "/v2/team/app/manifests/latest", tkn, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
	assert.Equal(t, fmt.Sprintf("%d", len(manifest)), resp.Header.Get("Content-Length"))

	// the same manifest under second tag, compressed body
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(manifest)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	resp, body = tr.do(http.MethodPut, "/v2/team/app/manifests/v1.0", tkn, buf.Bytes(),
		"Content-Type", v1.MediaTypeImageManifest, "Content-Encoding", "gzip")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.Equal(t, md.String(), resp.Header.Get("Docker-Content-Digest"))

	resp, body = tr.do(http.MethodGet, "/v2/team/app/tags/list?n=1", tkn, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"name":"team/app","tags":["latest"]}`, string(body))
	assert.Equal(t, `</v2/team/app/tags/list?last=latest&n=1>; rel="next"`, resp.Header.Get("Link"))

	resp, body = tr.do(http.MethodGet, "/v2/team/app/tags/list?n=1&last=latest", tkn, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"name":"team/app","tags":["v1.0"]}`, string(body))
	assert.Empty(t, resp.Header.Get("Link"))

	resp, body = tr.do(http.MethodGet, "/v2/team/app/tags/list?n=x", tkn, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "PAGINATION_NUMBER_INVALID", tr.errorCode(body))

	// invalid manifests
	resp, body = tr.do(http.MethodPut, "/v2/team/app/manifests/bad", tkn, []byte("{not json"), "Content-Type", v1.MediaTypeImageManifest)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "MANIFEST_INVALID", tr.errorCode(body))

	resp, body = tr.do(http.MethodPut, "/v2/team/app/manifests/"+oci.Digest([]byte("other")).String(), tkn, manifest,
		"Content-Type", v1.MediaTypeImageManifest)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "DIGEST_INVALID", tr.errorCode(body))

	resp, body = tr.do(http.MethodPut, "/v2/team/app/manifests/latest", tkn, bytes.Repeat([]byte(" "), service.MaxManifestSize+1),
		"Content-Type", v1.MediaTypeImageManifest)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "MANIFEST_INVALID", tr.errorCode(body))

	// delete by digest removes image with all its tags
	resp, _ = tr.do(http.MethodDelete, "/v2/team/app/manifests/"+md.String(), tkn, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, body = tr.do(http.MethodGet, "/v2/team/app/manifests/latest", tkn, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "MANIFEST_UNKNOWN", tr.errorCode(body))
}

func TestRegistry_DeleteDisabled(t *testing.T) {
	tr := prepareTestRegistry(t, service.Config{})
	tkn := tr.token("admin", "admin", "repository:team/app:*")
	d := tr.pushBlob(tkn, "team/app", []byte("content"))

	for _, path := range []string{"/v2/team/app/blobs/" + d.String(), "/v2/team/app/manifests/latest", "/v2/unknown/blobs/" + d.String()} {
		resp, body := tr.do(http.MethodDelete, path, "", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, path)
		assert.Equal(t, "UNSUPPORTED", tr.errorCode(body))
	}
}

func TestRegistry_CatalogAndAccess(t *testing.T) {
	tr := prepareTestRegistry(t, service.Config{})
	admin := tr.token("admin", "admin", "repository:team/app:push,pull", "repository:team/secret:push,pull")
	tr.pushBlob(admin, "team/app", []byte("public"))
	tr.pushBlob(admin, "team/secret", []byte("private"))
	require.NoError(t, tr.srv.DataService.SetRepositoryPrivate(context.Background(), "team/secret", true))

	resp, body := tr.do(http.MethodGet, "/v2/_catalog", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"repositories":["team/app","team/secret"]}`, string(body))

	resp, body = tr.do(http.MethodGet, "/v2/_catalog?n=1", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"repositories":["team/app"]}`, string(body))
	assert.Equal(t, `</v2/_catalog?last=team%2Fapp&n=1>; rel="next"`, resp.Header.Get("Link"))

	resp, body = tr.do(http.MethodGet, "/v2/_catalog?n=-1", admin, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "PAGINATION_NUMBER_INVALID", tr.errorCode(body))

	// regular user sees public repositories only
	createTestUser(t, tr.srv, "dev", "dev-pass", "user")
	dev := tr.token("dev", "dev-pass", "repository:team/secret:pull", "repository:team/app:push,pull")
	resp, body = tr.do(http.MethodGet, "/v2/_catalog", dev, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"repositories":["team/app"]}`, string(body))

	resp, body = tr.do(http.MethodGet, "/v2/team/secret/tags/list", dev, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "DENIED", tr.errorCode(body))

	// user isn't member of public repository, push is denied
	resp, body = tr.do(http.MethodPost, "/v2/team/app/blobs/uploads/", dev, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "DENIED", tr.errorCode(body))

	resp, _ = tr.do(http.MethodGet, "/v2/team/app/tags/list", dev, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// revoked token isn't accepted
	resp, _ = tr.do(http.MethodDelete, "/auth/token", dev, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = tr.do(http.MethodGet, "/v2/", dev, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRegistry_TokenEndpoint(t *testing.T) {
	tr := prepareTestRegistry(t, service.Config{})

	resp, body := tr.do(http.MethodGet, "/auth/token?service="+testService, "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, fmt.Sprintf("Basic realm=%q", testRealm), resp.Header.Get("WWW-Authenticate"))
	assert.Equal(t, "UNAUTHORIZED", tr.errorCode(body))

	req, err := http.NewRequest(http.MethodGet, tr.ts.URL+"/auth/token?scope=repository", http.NoBody)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "admin")
	resp, body = tr.send(req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "UNSUPPORTED", tr.errorCode(body))

	tkn := tr.token("admin", "admin")
	resp, body = tr.do(http.MethodGet, "/v2/", tkn, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{}`, string(body))
}

func TestParseRegistryPath(t *testing.T) {
	tbl := []struct {
		path string
		ok   bool
		exp  registryPath
	}{
		{"team/app/tags/list", true, registryPath{kind: pathTags, name: "team/app"}},
		{"app/manifests/latest", true, registryPath{kind: pathManifest, name: "app", reference: "latest"}},
		{"a/b/c/manifests/sha256:abc", true, registryPath{kind: pathManifest, name: "a/b/c", reference: "sha256:abc"}},
		{"app/blobs/uploads/", true, registryPath{kind: pathUploads, name: "app"}},
		{"app/blobs/uploads", true, registryPath{kind: pathUploads, name: "app"}},
		{"app/blobs/uploads/1-2-token", true, registryPath{kind: pathUpload, name: "app", reference: "1-2-token"}},
		{"app/blobs/sha256:abc", true, registryPath{kind: pathBlob, name: "app", reference: "sha256:abc"}},
		{"blobs/uploads/x/y", false, registryPath{}},
		{"app", false, registryPath{}},
		{"app/manifests/", false, registryPath{}},
	}

	for _, tt := range tbl {
		t.Run(tt.path, func(t *testing.T) {
			p, ok := parseRegistryPath(tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.exp, p)
		})
	}
}

func TestPagination(t *testing.T) {
	n, last, err := pagination(url.Values{})
	require.NoError(t, err)
	assert.Equal(t, -1, n)
	assert.Equal(t, "", last)

	n, last, err = pagination(url.Values{"n": {"10"}, "last": {"app"}})
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "app", last)

	n, _, err = pagination(url.Values{"n": {"0"}})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for _, v := range []string{"-1", "ten", "1.5"} {
		_, _, err = pagination(url.Values{"n": {v}})
		assert.ErrorIs(t, err, service.ErrPaginationInvalid, v)
	}
}

func TestDecompressRequest(t *testing.T) {
	content := []byte("compressed content of request")

	var gzBuf bytes.Buffer
	gz := gzip.NewWriter(&gzBuf)
	_, err := gz.Write(content)
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	zw, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	zstdBody := zw.EncodeAll(content, nil)
	require.NoError(t, zw.Close())

	tbl := []struct {
		encoding string
		body     []byte
	}{
		{"gzip", gzBuf.Bytes()},
		{"zstd", zstdBody},
		{"identity", content},
		{"", content},
	}

	for _, tt := range tbl {
		t.Run(tt.encoding, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPut, "/", bytes.NewReader(tt.body))
			r.Header.Set("Content-Encoding", tt.encoding)
			r.Header.Set("Content-Length", fmt.Sprintf("%d", len(tt.body)))
			require.NoError(t, decompressRequest(r))

			res, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			assert.Equal(t, content, res)
			assert.NoError(t, r.Body.Close())
			if tt.encoding == "gzip" || tt.encoding == "zstd" {
				assert.Empty(t, r.Header.Get("Content-Encoding"))
				assert.Equal(t, int64(-1), r.ContentLength)
			}
		})
	}

	r := httptest.NewRequest(http.MethodPut, "/", bytes.NewReader(content))
	r.Header.Set("Content-Encoding", "br")
	assert.Error(t, decompressRequest(r))

	r = httptest.NewRequest(http.MethodPut, "/", bytes.NewReader(content))
	r.Header.Set("Content-Encoding", "gzip")
	assert.Error(t, decompressRequest(r))
}
