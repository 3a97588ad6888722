package registry

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/docker/distribution/registry/auth/token"
	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"

	"github.com/zebox/oci-registry/app/oci"
	"github.com/zebox/oci-registry/app/store"
	"github.com/zebox/oci-registry/app/store/engine"
)

const repositoryResource = "repository"

// Authorization errors
var (
	ErrUnauthorized      = errors.New("authentication required")
	ErrForbidden         = errors.New("requested access to the resource is denied")
	ErrScopeInvalid      = errors.New("invalid scope")
	ErrRepositoryUnknown = errors.New("repository name not known to registry")
)

// ChallengeError is ErrUnauthorized with the value of WWW-Authenticate header for the client
type ChallengeError struct {
	Challenge string
}

func (e *ChallengeError) Error() string { return ErrUnauthorized.Error() }

// Unwrap allows errors.Is(err, ErrUnauthorized)
func (e *ChallengeError) Unwrap() error { return ErrUnauthorized }

// Accounts defines storage methods used by authorizer
type Accounts interface {
	GetUser(ctx context.Context, id interface{}) (user store.User, err error)
	GetTokenByHash(ctx context.Context, hash string) (token store.APIToken, err error)
	GetRepository(ctx context.Context, name string) (repo store.Repository, err error)
}

// TokenService issues and checks bearer tokens
type TokenService interface {
	Generate(ctx context.Context, req TokenRequest) (ClientToken, error)
	Verify(ctx context.Context, raw, service string) (*token.ClaimSet, error)
	Revoke(ctx context.Context, raw, service string) error
}

// AuthConfig defines authorization behaviour of registry API
type AuthConfig struct {
	Disabled bool   // every request authorized anonymously
	Realm    string // URL of token endpoint
	Service  string // name of the registry service, audience of tokens
}

// Access is required access of a request. Empty Repository means any valid token is enough.
type Access struct {
	Repository string
	Actions    []string
	MustExist  bool // repository should exist before access checked
}

// Identity is an authorized requester, zero User is an anonymous one
type Identity struct {
	User         store.User
	Unrestricted bool // access to every repository
}

// Authorizer makes access decisions for registry API requests and issues scoped tokens
type Authorizer struct {
	AuthConfig
	Accounts Accounts
	Tokens   TokenService
	L        log.L
}

// NewAuthorizer makes authorizer instance
func NewAuthorizer(cfg AuthConfig, accounts Accounts, tokens TokenService, l log.L) *Authorizer {
	if l == nil {
		l = log.Default()
	}
	return &Authorizer{AuthConfig: cfg, Accounts: accounts, Tokens: tokens, L: l}
}

// Authorize checks request has access. It returns ErrRepositoryUnknown when repository should exist and doesn't,
// *ChallengeError when request has no valid bearer token and ErrForbidden when valid token doesn't allow the access.
func (a *Authorizer) Authorize(r *http.Request, access Access) (Identity, error) {
	ctx := r.Context()

	var repo *store.Repository
	if access.Repository != "" {
		found, err := a.Accounts.GetRepository(ctx, access.Repository)
		switch {
		case err == nil:
			repo = &found
		case errors.Is(err, engine.ErrNotFound):
			if access.MustExist {
				return Identity{}, ErrRepositoryUnknown
			}
		default:
			return Identity{}, err
		}
	}

	if a.Disabled {
		return Identity{Unrestricted: true}, nil
	}

	raw, isBearer := bearerToken(r)
	if !isBearer {
		return Identity{}, a.challenge(access)
	}

	claims, err := a.Tokens.Verify(ctx, raw, a.Service)
	if err != nil {
		a.L.Logf("[DEBUG] bearer token rejected: %v", err)
		return Identity{}, a.challenge(access)
	}

	user, err := a.Accounts.GetUser(ctx, claims.Subject)
	if err != nil || user.Disabled {
		a.L.Logf("[DEBUG] subject %q of token isn't active user", claims.Subject)
		return Identity{}, a.challenge(access)
	}

	identity := Identity{User: user, Unrestricted: user.IsAdmin() || user.IsManager()}
	if access.Repository == "" {
		return identity, nil
	}

	granted := grantedActions(claims.Access, access.Repository)
	for _, action := range access.Actions {
		if !granted[action] {
			a.L.Logf("[DEBUG] token of %s has no %s access to %s", user.Login, action, access.Repository)
			return identity, ErrForbidden
		}
		if !allowed(user, repo, action) {
			a.L.Logf("[DEBUG] user %s isn't allowed %s at %s", user.Login, action, access.Repository)
			return identity, ErrForbidden
		}
	}
	return identity, nil
}

// IssueToken exchanges basic credentials of request for a token with requested scopes
// narrowed to actions the user has
func (a *Authorizer) IssueToken(r *http.Request) (ClientToken, error) {
	ctx := r.Context()
	user, err := a.basicUser(ctx, r)
	if err != nil {
		return ClientToken{}, err
	}

	var access []*token.ResourceActions
	for _, scope := range r.URL.Query()["scope"] {
		for _, s := range strings.Fields(scope) {
			requested, errScope := ParseScope(s)
			if errScope != nil {
				return ClientToken{}, errScope
			}
			if requested == nil {
				continue
			}
			if requested.Actions, err = a.narrow(ctx, user, requested.Name, requested.Actions); err != nil {
				return ClientToken{}, err
			}
			access = append(access, requested)
		}
	}

	ct, err := a.Tokens.Generate(ctx, TokenRequest{Account: user.Login, Service: a.Service, Access: access})
	if err != nil {
		return ClientToken{}, err
	}
	a.L.Logf("[DEBUG] token issued for %s, scopes: %v", user.Login, r.URL.Query()["scope"])
	return ct, nil
}

// RevokeToken invalidates bearer token of request
func (a *Authorizer) RevokeToken(r *http.Request) error {
	raw, ok := bearerToken(r)
	if !ok {
		return &ChallengeError{Challenge: a.basicChallenge()}
	}
	if err := a.Tokens.Revoke(r.Context(), raw, a.Service); err != nil {
		if errors.Is(err, ErrTokenInvalid) {
			return &ChallengeError{Challenge: a.basicChallenge()}
		}
		return err
	}
	return nil
}

// basicUser resolves user by basic credentials. Password is either API token of the user or account password.
func (a *Authorizer) basicUser(ctx context.Context, r *http.Request) (store.User, error) {
	login, secret, ok := r.BasicAuth()
	if !ok || login == "" || secret == "" {
		return store.User{}, &ChallengeError{Challenge: a.basicChallenge()}
	}

	user, err := a.Accounts.GetUser(ctx, login)
	if err != nil {
		if !errors.Is(err, engine.ErrNotFound) {
			return store.User{}, err
		}
		return store.User{}, &ChallengeError{Challenge: a.basicChallenge()}
	}
	if user.Disabled {
		return store.User{}, &ChallengeError{Challenge: a.basicChallenge()}
	}

	apiToken, err := a.Accounts.GetTokenByHash(ctx, store.HashAPIToken(secret))
	if err == nil && apiToken.UserID == user.ID {
		return user, nil
	}
	if err != nil && !errors.Is(err, engine.ErrNotFound) {
		return store.User{}, err
	}

	if store.ComparePassword(user.Password, secret) {
		return user, nil
	}
	a.L.Logf("[WARN] invalid credentials of %s from %s", login, r.RemoteAddr)
	return store.User{}, &ChallengeError{Challenge: a.basicChallenge()}
}

// narrow drops actions the user isn't allowed at repository
func (a *Authorizer) narrow(ctx context.Context, user store.User, name string, requested []string) ([]string, error) {
	var repo *store.Repository
	found, err := a.Accounts.GetRepository(ctx, name)
	switch {
	case err == nil:
		repo = &found
	case !errors.Is(err, engine.ErrNotFound):
		return nil, err
	}

	res := []string{}
	seen := map[string]bool{}
	for _, action := range requested {
		if action == "*" {
			for _, all := range []string{store.ActionPull, store.ActionPush, store.ActionDelete} {
				if !seen[all] && allowed(user, repo, all) {
					seen[all] = true
					res = append(res, all)
				}
			}
			continue
		}
		if !seen[action] && allowed(user, repo, action) {
			seen[action] = true
			res = append(res, action)
		}
	}
	return res, nil
}

// allowed checks user may do action at repository, nil repository isn't created yet
func allowed(user store.User, repo *store.Repository, action string) bool {
	if user.IsAdmin() {
		return true
	}

	switch action {
	case store.ActionPull:
		return repo == nil || !repo.Private || user.IsManager() || repo.IsMember(user.ID)
	case store.ActionPush:
		return repo == nil || user.IsManager() || repo.IsMember(user.ID)
	case store.ActionDelete:
		return repo != nil && repo.IsOwner(user.ID)
	}
	return false
}

func (a *Authorizer) challenge(access Access) error {
	c := fmt.Sprintf("Bearer realm=%q,service=%q", a.Realm, a.Service)
	if access.Repository != "" {
		c += fmt.Sprintf(",scope=%q", FormatScope(access.Repository, access.Actions))
	}
	return &ChallengeError{Challenge: c}
}

func (a *Authorizer) basicChallenge() string {
	return fmt.Sprintf("Basic realm=%q", a.Realm)
}

// ParseScope parses `repository:<name>:<actions>` scope. Scopes of other resource types return nil.
func ParseScope(scope string) (*token.ResourceActions, error) {
	first := strings.Index(scope, ":")
	last := strings.LastIndex(scope, ":")
	if first <= 0 || last == first {
		return nil, errors.Wrapf(ErrScopeInvalid, "%q", scope)
	}

	resource := scope[:first]
	if resource != repositoryResource {
		return nil, nil
	}

	name, err := oci.NormalizeName(scope[first+1 : last])
	if err != nil {
		return nil, errors.Wrapf(ErrScopeInvalid, "%q: %v", scope, err)
	}

	actions := []string{}
	for _, action := range strings.Split(scope[last+1:], ",") {
		if action = strings.TrimSpace(action); action != "" {
			actions = append(actions, action)
		}
	}
	if len(actions) == 0 {
		return nil, errors.Wrapf(ErrScopeInvalid, "%q has no actions", scope)
	}
	return &token.ResourceActions{Type: repositoryResource, Name: name, Actions: actions}, nil
}

// FormatScope returns repository scope value
func FormatScope(name string, actions []string) string {
	return fmt.Sprintf("%s:%s:%s", repositoryResource, name, strings.Join(actions, ","))
}

func grantedActions(access []*token.ResourceActions, name string) map[string]bool {
	res := map[string]bool{}
	for _, ra := range access {
		if ra == nil || ra.Type != repositoryResource || ra.Name != name {
			continue
		}
		for _, action := range ra.Actions {
			res[action] = true
		}
	}
	return res
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}
