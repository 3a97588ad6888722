package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	R "github.com/go-pkgz/rest"
	"github.com/pkg/errors"

	"github.com/zebox/oci-registry/app/store"
	"github.com/zebox/oci-registry/app/store/engine"
)

// userHandlers implement controllers which allow manipulation with users model and their api tokens using REST API endpoints
type userHandlers struct {
	endpointsHandler
}

// tokenRequest is body of api token create request
type tokenRequest struct {
	Name string `json:"name"`
}

func (u *userHandlers) userCreateCtrl(w http.ResponseWriter, r *http.Request) {
	user := store.User{}
	if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
		SendErrorJSON(w, r, u.l, http.StatusBadRequest, err, "failed to parse user data for create with api")
		return
	}
	defer func() { _ = r.Body.Close() }()

	if user.Login == "" || user.Password == "" {
		SendErrorJSON(w, r, u.l, http.StatusBadRequest, errors.New("login and password required"), "empty login or password not allowed")
		return
	}
	if user.Name == "" {
		user.Name = user.Login
	}
	if user.Role == "" {
		user.Role = "user"
	}

	if err := u.dataStore.CreateUser(r.Context(), &user); err != nil {
		SendErrorJSON(w, r, u.l, storeErrorStatus(err), err, "failed create user with api")
		return
	}

	// password and it hashes shouldn't return with api
	user.Password = ""
	R.RenderJSON(w, responseMessage{Error: false, Message: "user created", ID: user.ID, Data: user})
}

func (u *userHandlers) userInfoCtrl(w http.ResponseWriter, r *http.Request) {
	// userInfo handler allows fetch user data only by user id
	id, ok := u.urlID(w, r)
	if !ok {
		return
	}

	user, err := u.dataStore.GetUser(r.Context(), id)
	if err != nil {
		SendErrorJSON(w, r, u.l, storeErrorStatus(err), err, "failed get user with api")
		return
	}

	user.Password = ""
	R.RenderJSON(w, responseMessage{
		Error: false,
		ID:    user.ID,
		Data:  user,
	})
}

func (u *userHandlers) userFindCtrl(w http.ResponseWriter, r *http.Request) {
	filter, err := engine.FilterFromURLExtractor(r.URL)
	if err != nil {
		SendErrorJSON(w, r, u.l, http.StatusBadRequest, err, "failed to parse URL parameters for make query filter")
		return
	}
	result, err := u.dataStore.FindUsers(r.Context(), filter)
	if err != nil {
		SendErrorJSON(w, r, u.l, http.StatusInternalServerError, err, "failed to find users")
		return
	}
	for i, v := range result.Data {
		if user, ok := v.(store.User); ok {
			user.Password = ""
			result.Data[i] = user
		}
	}
	w.Header().Add("Content-Range", fmt.Sprintf("users %d-%d/%d", filter.Range[0], filter.Range[1], result.Total))
	R.RenderJSON(w, result)
}

func (u *userHandlers) userUpdateCtrl(w http.ResponseWriter, r *http.Request) {
	id, ok := u.urlID(w, r)
	if !ok {
		return
	}

	user, err := u.dataStore.GetUser(r.Context(), id)
	if err != nil {
		SendErrorJSON(w, r, u.l, storeErrorStatus(err), err, "failed to get user with api")
		return
	}

	// empty password keeps stored one
	user.Password = ""
	if err = json.NewDecoder(r.Body).Decode(&user); err != nil {
		SendErrorJSON(w, r, u.l, http.StatusBadRequest, err, "failed to decode user data for update with api")
		return
	}
	user.ID = id

	if err = u.dataStore.UpdateUser(r.Context(), user); err != nil {
		SendErrorJSON(w, r, u.l, storeErrorStatus(err), err, "failed to update user data with api")
		return
	}

	user.Password = ""
	R.RenderJSON(w, responseMessage{
		Error:   false,
		Message: "ok",
		ID:      user.ID,
		Data:    user,
	})
}

// userDeleteCtrl removes user together with its tokens and memberships
func (u *userHandlers) userDeleteCtrl(w http.ResponseWriter, r *http.Request) {
	id, ok := u.urlID(w, r)
	if !ok {
		return
	}

	if err := u.dataStore.DeleteUser(r.Context(), id); err != nil {
		SendErrorJSON(w, r, u.l, storeErrorStatus(err), err, "failed to delete user with api")
		return
	}

	u.l.Logf("[INFO] user with id %d deleted", id)
	R.RenderJSON(w, responseMessage{Message: "user deleted", ID: id})
}

// tokenCreateCtrl issues api token of user, secret of the token is returned once and never stored
func (u *userHandlers) tokenCreateCtrl(w http.ResponseWriter, r *http.Request) {
	id, ok := u.urlID(w, r)
	if !ok {
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorJSON(w, r, u.l, http.StatusBadRequest, err, "failed to parse token data")
		return
	}

	if _, err := u.dataStore.GetUser(r.Context(), id); err != nil {
		SendErrorJSON(w, r, u.l, storeErrorStatus(err), err, "failed get owner of token")
		return
	}

	secret, hash, err := store.NewAPIToken()
	if err != nil {
		SendErrorJSON(w, r, u.l, http.StatusInternalServerError, err, "failed to generate token")
		return
	}

	tkn := store.APIToken{UserID: id, Name: req.Name, Hash: hash, CreatedAt: time.Now().Unix()}
	if err = u.dataStore.CreateToken(r.Context(), &tkn); err != nil {
		SendErrorJSON(w, r, u.l, storeErrorStatus(err), err, "failed to create token")
		return
	}

	R.RenderJSON(w, responseMessage{
		Message: "token created",
		ID:      tkn.ID,
		Data:    R.JSON{"token": secret, "name": tkn.Name, "user_id": tkn.UserID, "created_at": tkn.CreatedAt},
	})
}

func (u *userHandlers) tokenFindCtrl(w http.ResponseWriter, r *http.Request) {
	id, ok := u.urlID(w, r)
	if !ok {
		return
	}

	tokens, err := u.dataStore.FindTokens(r.Context(), id)
	if err != nil {
		SendErrorJSON(w, r, u.l, storeErrorStatus(err), err, "failed to find tokens")
		return
	}
	R.RenderJSON(w, responseMessage{ID: id, Data: tokens})
}

func (u *userHandlers) tokenDeleteCtrl(w http.ResponseWriter, r *http.Request) {
	id, ok := u.urlID(w, r)
	if !ok {
		return
	}

	if err := u.dataStore.DeleteToken(r.Context(), id); err != nil {
		SendErrorJSON(w, r, u.l, storeErrorStatus(err), err, "failed to delete token")
		return
	}
	R.RenderJSON(w, responseMessage{Message: "token deleted", ID: id})
}

// urlID extracts numeric id from url of request, error response is sent when id is invalid
func (u *userHandlers) urlID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		SendErrorJSON(w, r, u.l, http.StatusBadRequest, err, "failed to parse id with api")
		return 0, false
	}
	return id, true
}

// storeErrorStatus maps storage errors to http status
func storeErrorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrAlreadyExists):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
