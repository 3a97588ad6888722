package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"
	R "github.com/go-pkgz/rest"
	"github.com/pkg/errors"

	"github.com/zebox/oci-registry/app/store"
	"github.com/zebox/oci-registry/app/store/engine"
	"github.com/zebox/oci-registry/app/store/service"
)

const defaultRepositoriesLimit = 100

// repositoryHandlers implement controllers for repositories management and their members
type repositoryHandlers struct {
	endpointsHandler
	registryService registryService
}

var membersPath = regexp.MustCompile(`^(.+)/members(?:/(\d+))?/?$`)

// repositoryUpdate is body of repository update request
type repositoryUpdate struct {
	Private *bool `json:"private"`
}

func (rp *repositoryHandlers) repositoryFindCtrl(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	offset, limit := int64(0), int64(defaultRepositoriesLimit)
	var err error
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.ParseInt(v, 10, 64); err != nil || offset < 0 {
			SendErrorJSON(w, r, rp.l, http.StatusBadRequest, errors.Errorf("offset %q", v), "invalid offset value")
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.ParseInt(v, 10, 64); err != nil || limit <= 0 {
			SendErrorJSON(w, r, rp.l, http.StatusBadRequest, errors.Errorf("limit %q", v), "invalid limit value")
			return
		}
	}

	filter := engine.QueryFilter{Range: [2]int64{offset, offset + limit}}
	if search := q.Get("q"); search != "" {
		filter.Filters = map[string]interface{}{"q": search}
	}

	result, err := rp.dataStore.FindRepositories(r.Context(), filter)
	if err != nil {
		SendErrorJSON(w, r, rp.l, http.StatusInternalServerError, err, "failed to find repositories")
		return
	}
	if result.Data == nil {
		result.Data = []interface{}{}
	}
	w.Header().Add("Content-Range", fmt.Sprintf("repositories %d-%d/%d", filter.Range[0], filter.Range[1], result.Total))
	R.RenderJSON(w, result)
}

func (rp *repositoryHandlers) repositoryInfoCtrl(w http.ResponseWriter, r *http.Request) {
	details, err := rp.registryService.RepositoryDetails(r.Context(), chi.URLParam(r, "*"))
	if err != nil {
		SendErrorJSON(w, r, rp.l, repositoryErrorStatus(err), err, "failed to get repository")
		return
	}
	R.RenderJSON(w, responseMessage{ID: details.ID, Data: details})
}

// repositoryUpdateCtrl changes private flag of repository
func (rp *repositoryHandlers) repositoryUpdateCtrl(w http.ResponseWriter, r *http.Request) {
	var upd repositoryUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		SendErrorJSON(w, r, rp.l, http.StatusBadRequest, err, "failed to parse repository data")
		return
	}
	if upd.Private == nil {
		SendErrorJSON(w, r, rp.l, http.StatusBadRequest, errors.New("private field required"), "nothing to update")
		return
	}

	name := chi.URLParam(r, "*")
	if err := rp.registryService.SetRepositoryPrivate(r.Context(), name, *upd.Private); err != nil {
		SendErrorJSON(w, r, rp.l, repositoryErrorStatus(err), err, "failed to update repository")
		return
	}

	repo, err := rp.registryService.Repository(r.Context(), name)
	if err != nil {
		SendErrorJSON(w, r, rp.l, repositoryErrorStatus(err), err, "failed to get repository")
		return
	}
	R.RenderJSON(w, responseMessage{Message: "ok", ID: repo.ID, Data: repo})
}

// repositoryDeleteCtrl deletes repository with its content, or removes member when path ends with members/{user_id}
func (rp *repositoryHandlers) repositoryDeleteCtrl(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	if m := membersPath.FindStringSubmatch(path); m != nil && m[2] != "" {
		rp.memberRemove(w, r, m[1], m[2])
		return
	}

	if err := rp.registryService.DeleteRepository(r.Context(), path); err != nil {
		SendErrorJSON(w, r, rp.l, repositoryErrorStatus(err), err, "failed to delete repository")
		return
	}
	R.RenderJSON(w, responseMessage{Message: "repository deleted"})
}

// memberAddCtrl adds user to repository members or changes role of existing member
func (rp *repositoryHandlers) memberAddCtrl(w http.ResponseWriter, r *http.Request) {
	m := membersPath.FindStringSubmatch(chi.URLParam(r, "*"))
	if m == nil || m[2] != "" {
		SendErrorJSON(w, r, rp.l, http.StatusNotFound, errors.New("unknown resource"), "members path expected")
		return
	}

	var member store.Member
	if err := json.NewDecoder(r.Body).Decode(&member); err != nil {
		SendErrorJSON(w, r, rp.l, http.StatusBadRequest, err, "failed to parse member data")
		return
	}
	if !store.CheckMemberRole(member.Role) {
		SendErrorJSON(w, r, rp.l, http.StatusBadRequest, errors.Errorf("role %q", member.Role), "member role should be owner or contributor")
		return
	}

	repo, err := rp.registryService.Repository(r.Context(), m[1])
	if err != nil {
		SendErrorJSON(w, r, rp.l, repositoryErrorStatus(err), err, "failed to get repository")
		return
	}
	if _, err = rp.dataStore.GetUser(r.Context(), member.UserID); err != nil {
		SendErrorJSON(w, r, rp.l, storeErrorStatus(err), err, "failed to get user")
		return
	}

	member.RepositoryID = repo.ID
	if err = rp.dataStore.AddMember(r.Context(), member); err != nil {
		SendErrorJSON(w, r, rp.l, storeErrorStatus(err), err, "failed to add member")
		return
	}
	rp.l.Logf("[INFO] user %d added to %s as %s", member.UserID, repo.Name, member.Role)
	R.RenderJSON(w, responseMessage{Message: "member added", ID: repo.ID, Data: member})
}

func (rp *repositoryHandlers) memberRemove(w http.ResponseWriter, r *http.Request, name, userID string) {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		SendErrorJSON(w, r, rp.l, http.StatusBadRequest, err, "failed to parse user id")
		return
	}

	repo, err := rp.registryService.Repository(r.Context(), name)
	if err != nil {
		SendErrorJSON(w, r, rp.l, repositoryErrorStatus(err), err, "failed to get repository")
		return
	}
	if err = rp.dataStore.RemoveMember(r.Context(), repo.ID, id); err != nil {
		SendErrorJSON(w, r, rp.l, storeErrorStatus(err), err, "failed to remove member")
		return
	}
	R.RenderJSON(w, responseMessage{Message: "member removed", ID: repo.ID})
}

func repositoryErrorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrRepositoryUnknown):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNameInvalid):
		return http.StatusBadRequest
	}
	return storeErrorStatus(err)
}
