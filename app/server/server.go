package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/didip/tollbooth/v6"
	"github.com/didip/tollbooth_chi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-pkgz/auth"
	"github.com/go-pkgz/auth/token"
	log "github.com/go-pkgz/lgr"
	R "github.com/go-pkgz/rest"
	"github.com/gorilla/handlers"
	"github.com/pkg/errors"

	"github.com/zebox/oci-registry/app/store"
	"github.com/zebox/oci-registry/app/store/engine"
	"github.com/zebox/oci-registry/app/store/service"
)

// Server the main service instance
type Server struct {
	Hostname      string
	Listen        string // listen on host:port scope
	Port          int    // main service port, default 80 on
	SSLConfig     SSLConfig
	Authenticator *auth.Service    // admin api authenticator
	AccessLog     io.Writer        // access logger
	L             log.L            // system logger
	Storage       engine.Interface // main storage instance interface
	DataService   registryService  // content of registry
	Registry      authorizer       // access decisions and tokens of registry API
	DeleteEnabled bool
	RateLimit     float64 // requests per second of a client at token and admin endpoints, 10 when unset

	ctx         context.Context
	httpsServer *http.Server
	httpServer  *http.Server
	lock        sync.Mutex
}

// endpointsHandler contain main endpoints properties for used inside handlers
type endpointsHandler struct {
	dataStore     engine.Interface
	authenticator *auth.Service
	l             log.L
}

// registryService extends registry operations by repository management used by admin api
type registryService interface {
	dataService
	RepositoryDetails(ctx context.Context, name string) (service.RepositoryDetails, error)
	Repository(ctx context.Context, name string) (store.Repository, error)
	SetRepositoryPrivate(ctx context.Context, name string, private bool) error
	DeleteRepository(ctx context.Context, name string) error
}

// responseMessage is the uniform response message pattern for various frontend framework like react-admin and other
type responseMessage struct {
	Error   bool        `json:"error"`
	Message string      `json:"message"`
	ID      int64       `json:"id"`
	Data    interface{} `json:"data"`
}

// Run starts http(s) servers and blocks until they stop
func (s *Server) Run(ctx context.Context) error {

	s.ctx = ctx

	if s.Listen == "*" {
		s.Listen = ""
	}

	if s.DataService == nil || s.Registry == nil {
		return errors.New("registry data service and authorizer are required")
	}

	switch s.SSLConfig.SSLMode {
	case SSLNone:
		log.Printf("[INFO] activate http registry server on %s:%d", s.Listen, s.Port)

		s.lock.Lock()
		s.httpServer = s.makeHTTPServer(fmt.Sprintf("%s:%d", s.Listen, s.Port), s.routes())
		s.httpServer.ErrorLog = log.ToStdLogger(log.Default(), "WARN")
		s.lock.Unlock()

		return s.httpServer.ListenAndServe()

	case SSLStatic:
		log.Printf("[INFO] activate https server in 'static' mode on %s:%d", s.Listen, s.SSLConfig.Port)

		s.lock.Lock()
		s.httpsServer = s.makeHTTPSServer(fmt.Sprintf("%s:%d", s.Listen, s.SSLConfig.Port), s.routes(), nil)
		s.httpsServer.ErrorLog = log.ToStdLogger(log.Default(), "WARN")

		// define redirection from http -> https
		s.httpServer = s.makeHTTPServer(fmt.Sprintf("%s:%d", s.Listen, s.Port), s.httpToHTTPSRouter())
		s.httpServer.ErrorLog = log.ToStdLogger(log.Default(), "WARN")
		s.lock.Unlock()

		go func() {
			log.Printf("[INFO] activate http redirect server on %s:%d", s.Listen, s.Port)
			err := s.httpServer.ListenAndServe()
			log.Printf("[WARN] http redirect server terminated, %s", err)
		}()

		return s.httpsServer.ListenAndServeTLS(s.SSLConfig.Cert, s.SSLConfig.Key)

	case SSLAuto:
		log.Printf("[INFO] activate https server in 'auto' mode on %s:%d", s.Listen, s.SSLConfig.Port)

		m := s.makeAutocertManager()
		s.lock.Lock()
		s.httpsServer = s.makeHTTPSServer(fmt.Sprintf("%s:%d", s.Listen, s.SSLConfig.Port), s.routes(), m)
		s.httpsServer.ErrorLog = log.ToStdLogger(log.Default(), "WARN")

		// define redirection handler for ACME challenge verification
		s.httpServer = s.makeHTTPServer(fmt.Sprintf("%s:%d", s.Listen, s.Port), s.httpChallengeRouter(m))
		s.httpServer.ErrorLog = log.ToStdLogger(log.Default(), "WARN")

		s.lock.Unlock()

		go func() {
			log.Printf("[INFO] activate http challenge server on port %d", s.Port)

			err := s.httpServer.ListenAndServe()
			log.Printf("[WARN] http challenge server terminated, %s", err)
		}()

		return s.httpsServer.ListenAndServeTLS("", "")
	}

	return errors.Errorf("unknown ssl mode %d", s.SSLConfig.SSLMode)
}

// Shutdown http server instance
func (s *Server) Shutdown() {
	log.Print("[WARN] shutdown registry server")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.lock.Lock()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("[DEBUG] http shutdown error, %s", err)
		}
		log.Print("[DEBUG] shutdown http server completed")
	}

	if s.httpsServer != nil {
		log.Print("[WARN] shutdown https server")
		if err := s.httpsServer.Shutdown(ctx); err != nil {
			log.Printf("[DEBUG] https shutdown error, %s", err)
		}
		log.Print("[DEBUG] shutdown https server completed")
	}

	if s.Storage != nil {
		if err := s.Storage.Close(ctx); err != nil {
			log.Printf("[ERROR] failed to close storage connection, %v", err)
		}
	}
	s.lock.Unlock()
}

func (s *Server) routes() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.Throttle(1000), middleware.RealIP, middleware.RequestID, R.Recoverer(log.Default()))
	router.Use(R.Ping)
	router.Use(accessLogHandler(s.AccessLog))

	// initialing main endpoints properties for use in handlers
	eh := endpointsHandler{
		dataStore:     s.Storage,
		authenticator: s.Authenticator,
		l:             s.logger(),
	}

	rh := registryHandlers{
		endpointsHandler: eh,
		dataService:      s.DataService,
		authorizer:       s.Registry,
		deleteEnabled:    s.DeleteEnabled,
	}

	rateLimit := s.RateLimit
	if rateLimit <= 0 {
		rateLimit = 10
	}

	// blobs transfer may take long time, registry api has no timeout
	router.Route("/v2", func(r chi.Router) {
		r.Use(apiVersionHeader)
		r.Get("/", rh.base)
		r.Get("/_catalog", rh.catalog)
		r.HandleFunc("/*", rh.dispatch)
	})

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))
		r.Use(tollbooth_chi.LimitHandler(tollbooth.NewLimiter(rateLimit, nil)), middleware.NoCache)
		r.Get("/auth/token", rh.tokenAuth)
		r.Delete("/auth/token", rh.tokenRevoke)
	})

	if s.Authenticator == nil {
		return router
	}

	authHandler, _ := s.Authenticator.Handlers()
	authMiddleware := s.Authenticator.Middleware()

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins:   []string{s.Hostname, "http://127.0.0.1:3000", "https://127.0.0.1:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-XSRF-Token", "X-JWT"},
		ExposedHeaders:   []string{"Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	// admin api and its login endpoints
	router.Route("/api/v1", func(rootAPI chi.Router) {
		rootAPI.Use(corsMiddleware.Handler)
		rootAPI.Use(middleware.Timeout(30 * time.Second))
		rootAPI.Use(tollbooth_chi.LimitHandler(tollbooth.NewLimiter(rateLimit, nil)), middleware.NoCache)

		rootAPI.Mount("/auth", authHandler)

		rootAPI.Group(func(rootRoute chi.Router) {
			rootRoute.Use(authMiddleware.Trace, authMiddleware.Auth)
			rootRoute.Use(authMiddleware.RBAC("admin"))

			// this route expose api for manipulation with User entries and their api tokens
			uh := userHandlers{eh}
			rootRoute.Route("/users", func(routeUser chi.Router) {
				routeUser.Get("/", uh.userFindCtrl)
				routeUser.Post("/", uh.userCreateCtrl)
				routeUser.Get("/{id}", uh.userInfoCtrl)
				routeUser.Put("/{id}", uh.userUpdateCtrl)
				routeUser.Delete("/{id}", uh.userDeleteCtrl)

				routeUser.Get("/{id}/tokens", uh.tokenFindCtrl)
				routeUser.Post("/{id}/tokens", uh.tokenCreateCtrl)
			})
			rootRoute.Delete("/tokens/{id}", uh.tokenDeleteCtrl)

			// repository names contain slashes, handlers parse the rest of path
			repoH := repositoryHandlers{endpointsHandler: eh, registryService: s.DataService}
			rootRoute.Route("/repositories", func(routeRepo chi.Router) {
				routeRepo.Get("/", repoH.repositoryFindCtrl)
				routeRepo.Get("/*", repoH.repositoryInfoCtrl)
				routeRepo.Put("/*", repoH.repositoryUpdateCtrl)
				routeRepo.Delete("/*", repoH.repositoryDeleteCtrl)
				routeRepo.Post("/*", repoH.memberAddCtrl)
			})
		})
	})

	return router
}

func (s *Server) logger() log.L {
	if s.L == nil {
		return log.Default()
	}
	return s.L
}

// accessLogHandler the handler will log all request for access to the server
func accessLogHandler(wr io.Writer) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if wr == nil {
			return next
		}
		return handlers.CombinedLoggingHandler(wr, next)
	}
}

// makeHTTPServer has no write timeout, blobs download time depends on size of blob only
func (s *Server) makeHTTPServer(addr string, router http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
}

// ClaimUpdateFn will either add or update token extra data with token claims it call when new token or refresh
func (s *Server) ClaimUpdateFn(claims token.Claims) token.Claims {
	if claims.User == nil {
		return claims
	}

	u, err := s.Storage.GetUser(s.context(), claims.User.Name)
	if err != nil {
		log.Printf("[ERROR] can't get user info from store %v", err)
		return claims
	}

	claims.User.SetRole(u.Role)
	if claims.User.Attributes == nil {
		claims.User.Attributes = make(map[string]interface{})
	}

	claims.User.SetBoolAttr("disabled", u.Disabled)
	claims.User.Attributes["uid"] = u.ID
	return claims
}

// BasicAuthCheckerFn will be checking credentials with basic authenticate method
func (s *Server) BasicAuthCheckerFn(user, password string) (bool, token.User, error) {
	claim := token.User{}

	u, err := s.Storage.GetUser(s.context(), user)
	if err != nil {
		log.Printf("[WARN] failed to check login credentials for user [%s]  err: %v", user, err)
		return false, claim, err
	}

	if u.Disabled {
		return false, claim, errors.Errorf("User with login '%s' disabled", user)
	}

	if !store.ComparePassword(u.Password, password) {
		return false, claim, errors.Errorf("password incorrect for login %s", user)
	}

	claim.Name = u.Login
	claim.SetRole(u.Role)

	if claim.Attributes == nil {
		claim.Attributes = make(map[string]interface{})
	}
	claim.Attributes["uid"] = u.ID
	claim.ID = strconv.FormatInt(u.ID, 10)
	return true, claim, nil
}

// Check will be checking user credentials with OAuth method
// It's method pass when add auth local provider
func (s *Server) Check(user, password string) (ok bool, err error) {
	ok, _, err = s.BasicAuthCheckerFn(user, password)
	return ok, err
}

// Validate will validate token claims for OAuth provider
func (s *Server) Validate(_ string, claims token.Claims) bool {
	if claims.User == nil {
		return false
	}
	return !claims.User.BoolAttr("disabled")
}

func (s *Server) context() context.Context {
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}
