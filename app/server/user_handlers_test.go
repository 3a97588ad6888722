package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zebox/oci-registry/app/store"
	"github.com/zebox/oci-registry/app/store/engine"
	"github.com/zebox/oci-registry/app/store/service"
)

// adminAPI is a client of admin api logged in with go-pkgz/auth local provider
type adminAPI struct {
	t       *testing.T
	srv     *Server
	ts      *httptest.Server
	cookies []*http.Cookie
}

func prepareAdminAPI(t *testing.T, cfg service.Config) *adminAPI {
	srv := prepareTestServer(t, cfg)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return &adminAPI{t: t, srv: srv, ts: ts}
}

func (a *adminAPI) login(user, password string) int {
	resp, _ := a.do(http.MethodGet, fmt.Sprintf("/api/v1/auth/local/login?user=%s&passwd=%s", user, password), nil)
	if resp.StatusCode == http.StatusOK {
		a.cookies = resp.Cookies()
	}
	return resp.StatusCode
}

func (a *adminAPI) do(method, path string, body interface{}) (*http.Response, []byte) {
	var rdr io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(a.t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, a.ts.URL+path, rdr)
	require.NoError(a.t, err)
	for _, c := range a.cookies {
		req.AddCookie(c)
	}

	client := http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	defer client.CloseIdleConnections()
	resp, err := client.Do(req)
	require.NoError(a.t, err)
	defer func() { assert.NoError(a.t, resp.Body.Close()) }()
	res, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)
	return resp, res
}

// message decodes response message, Data is decoded into data when it defined
func (a *adminAPI) message(body []byte, data interface{}) responseMessage {
	var msg responseMessage
	require.NoError(a.t, json.Unmarshal(body, &msg), string(body))
	if data != nil {
		raw, err := json.Marshal(msg.Data)
		require.NoError(a.t, err)
		require.NoError(a.t, json.Unmarshal(raw, data))
	}
	return msg
}

func TestUserHandlers_Auth(t *testing.T) {
	api := prepareAdminAPI(t, service.Config{})

	resp, _ := api.do(http.MethodGet, "/api/v1/users", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.NotEqual(t, http.StatusOK, api.login("admin", "wrong"))

	// regular user can't use admin api
	createTestUser(t, api.srv, "dev", "dev-pass", "user")
	require.Equal(t, http.StatusOK, api.login("dev", "dev-pass"))
	resp, _ = api.do(http.MethodGet, "/api/v1/users", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	require.Equal(t, http.StatusOK, api.login("admin", "admin"))
	resp, _ = api.do(http.MethodGet, "/api/v1/users", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUserHandlers_CRUD(t *testing.T) {
	api := prepareAdminAPI(t, service.Config{})
	require.Equal(t, http.StatusOK, api.login("admin", "admin"))

	var created store.User
	resp, body := api.do(http.MethodPost, "/api/v1/users", store.User{Login: "dev", Password: "dev-secret", Description: "developer"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	msg := api.message(body, &created)
	assert.Equal(t, "user created", msg.Message)
	assert.NotZero(t, msg.ID)
	assert.Equal(t, "dev", created.Name)
	assert.Equal(t, "user", created.Role)
	assert.Empty(t, created.Password)

	// login is unique
	resp, _ = api.do(http.MethodPost, "/api/v1/users", store.User{Login: "dev", Password: "other"})
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)

	resp, _ = api.do(http.MethodPost, "/api/v1/users", store.User{Login: "nopass"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var info store.User
	resp, body = api.do(http.MethodGet, fmt.Sprintf("/api/v1/users/%d", msg.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	api.message(body, &info)
	assert.Equal(t, "dev", info.Login)
	assert.Equal(t, "developer", info.Description)
	assert.Empty(t, info.Password)

	resp, _ = api.do(http.MethodGet, "/api/v1/users/100500", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = api.do(http.MethodGet, "/api/v1/users/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// update keeps password when it isn't defined
	resp, body = api.do(http.MethodPut, fmt.Sprintf("/api/v1/users/%d", msg.ID), map[string]interface{}{"role": "manager"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	stored, err := api.srv.Storage.GetUser(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "manager", stored.Role)
	assert.Equal(t, "developer", stored.Description)
	assert.True(t, store.ComparePassword(stored.Password, "dev-secret"))

	resp, body = api.do(http.MethodPut, fmt.Sprintf("/api/v1/users/%d", msg.ID), map[string]interface{}{"password": "new-secret"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	stored, err = api.srv.Storage.GetUser(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.True(t, store.ComparePassword(stored.Password, "new-secret"))

	var list engine.ListResponse
	resp, body = api.do(http.MethodGet, `/api/v1/users?range=[0,10]`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, int64(2), list.Total)
	assert.NotContains(t, string(body), `"password"`)
	assert.Equal(t, "users 0-11/2", resp.Header.Get("Content-Range"))

	resp, _ = api.do(http.MethodDelete, fmt.Sprintf("/api/v1/users/%d", msg.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, err = api.srv.Storage.GetUser(context.Background(), msg.ID)
	assert.ErrorIs(t, err, engine.ErrNotFound)

	resp, _ = api.do(http.MethodDelete, fmt.Sprintf("/api/v1/users/%d", msg.ID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUserHandlers_Tokens(t *testing.T) {
	api := prepareAdminAPI(t, service.Config{})
	require.Equal(t, http.StatusOK, api.login("admin", "admin"))
	dev := createTestUser(t, api.srv, "dev", "dev-pass", "user")

	resp, body := api.do(http.MethodPost, fmt.Sprintf("/api/v1/users/%d/tokens", dev.ID), tokenRequest{Name: "ci"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var created struct {
		Token  string `json:"token"`
		Name   string `json:"name"`
		UserID int64  `json:"user_id"`
	}
	msg := api.message(body, &created)
	assert.Equal(t, "ci", created.Name)
	assert.Equal(t, dev.ID, created.UserID)
	require.NotEmpty(t, created.Token)

	resp, _ = api.do(http.MethodPost, "/api/v1/users/100500/tokens", tokenRequest{Name: "ci"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// secret of token isn't returned by list
	var tokens []store.APIToken
	resp, body = api.do(http.MethodGet, fmt.Sprintf("/api/v1/users/%d/tokens", dev.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	api.message(body, &tokens)
	require.Len(t, tokens, 1)
	assert.Equal(t, msg.ID, tokens[0].ID)
	assert.NotContains(t, string(body), created.Token)

	// api token replaces password at registry token endpoint
	req, err := http.NewRequest(http.MethodGet, api.ts.URL+"/auth/token?service="+testService, http.NoBody)
	require.NoError(t, err)
	req.SetBasicAuth("dev", created.Token)
	tokenResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.NoError(t, tokenResp.Body.Close())
	assert.Equal(t, http.StatusOK, tokenResp.StatusCode)

	resp, _ = api.do(http.MethodDelete, fmt.Sprintf("/api/v1/tokens/%d", msg.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = api.do(http.MethodDelete, fmt.Sprintf("/api/v1/tokens/%d", msg.ID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err = http.NewRequest(http.MethodGet, api.ts.URL+"/auth/token?service="+testService, http.NoBody)
	require.NoError(t, err)
	req.SetBasicAuth("dev", created.Token)
	tokenResp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.NoError(t, tokenResp.Body.Close())
	assert.Equal(t, http.StatusUnauthorized, tokenResp.StatusCode)
}

func TestStoreErrorStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, storeErrorStatus(fmt.Errorf("user: %w", engine.ErrNotFound)))
	assert.Equal(t, http.StatusConflict, storeErrorStatus(engine.ErrAlreadyExists))
	assert.Equal(t, http.StatusInternalServerError, storeErrorStatus(assert.AnError))
}
