package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-pkgz/auth"
	"github.com/go-pkgz/auth/avatar"
	"github.com/go-pkgz/auth/token"
	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/zebox/oci-registry/app/registry"
	"github.com/zebox/oci-registry/app/server"
	"github.com/zebox/oci-registry/app/sessions"
	"github.com/zebox/oci-registry/app/store/blobs"
	"github.com/zebox/oci-registry/app/store/engine"
	"github.com/zebox/oci-registry/app/store/engine/embedded"
	"github.com/zebox/oci-registry/app/store/service"
)

// run wires components defined by options and serves until ctx canceled
func run(ctx context.Context, opts *Options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// setup logger for access requests
	accessLogger, err := createLoggerToFile(opts)
	if err != nil {
		return errors.Wrap(err, "failed to setup logging to file, set logging to stdout")
	}
	defer func() {
		if logErr := accessLogger.Close(); logErr != nil {
			log.Printf("[WARN] can't close access log, %v", logErr)
		}
	}()

	durations, err := parseDurations(map[string]string{
		"auth.jwt-ttl":               opts.Auth.TokenDuration,
		"auth.cookie-ttl":            opts.Auth.CookieDuration,
		"registry.token-ttl":         opts.Registry.TokenTTL,
		"registry.session-ttl":       opts.Registry.SessionTTL,
		"store.maintenance-interval": opts.Store.MaintenanceInterval,
		"store.orphan-grace":         opts.Store.OrphanGrace,
		"notify.timeout":             opts.Notify.Timeout,
		"notify.backoff":             opts.Notify.Backoff,
	})
	if err != nil {
		return err
	}

	sslConfig, err := makeSSLConfig(opts)
	if err != nil {
		return fmt.Errorf("failed to make config of ssl server params: %w", err)
	}
	hostname := checkHostnameForURL(opts.HostName, opts.SSL.Type)

	dataStore, err := makeDataStore(ctx, opts.Store)
	if err != nil {
		return err
	}

	blobStore, err := blobs.NewFileSystem(opts.Store.Blobs.Path, log.Default())
	if err != nil {
		return errors.Wrap(err, "failed to prepare blobs storage")
	}

	cache, err := makeSessionCache(ctx, opts.Cache, durations["registry.session-ttl"])
	if err != nil {
		return err
	}
	defer func() {
		if errClose := cache.Close(); errClose != nil {
			log.Printf("[WARN] can't close session cache, %v", errClose)
		}
	}()

	dataService := &service.DataService{
		Storage:  dataStore,
		Blobs:    blobStore,
		Sessions: cache,
		Sink: service.NewNotificationSink(service.NotifyConfig{
			Endpoints: opts.Notify.Endpoints,
			Timeout:   durations["notify.timeout"],
			Threshold: opts.Notify.Threshold,
			Backoff:   durations["notify.backoff"],
		}),
		Config: service.Config{
			Hostname:      hostname,
			SessionTTL:    durations["registry.session-ttl"],
			OrphanGrace:   durations["store.orphan-grace"],
			PrivateOnly:   opts.Registry.PrivateOnly,
			DeleteEnabled: opts.Registry.DeleteEnabled,
			ContentTypes:  opts.Registry.ContentTypes,
		},
		L: log.Default(),
	}
	dataService.RepositoriesMaintenance(ctx, durations["store.maintenance-interval"])

	authorizer, err := makeAuthorizer(opts.Registry, hostname, cache, dataStore, durations["registry.token-ttl"])
	if err != nil {
		return err
	}

	srv := server.Server{
		Hostname:      hostname,
		Listen:        opts.Listen,
		Port:          opts.Port,
		AccessLog:     accessLogger,
		L:             log.Default(),
		SSLConfig:     sslConfig,
		Storage:       dataStore,
		DataService:   dataService,
		Registry:      authorizer,
		DeleteEnabled: opts.Registry.DeleteEnabled,
		RateLimit:     float64(opts.Auth.RateLimit),
	}

	authService := auth.NewService(auth.Opts{
		SecretReader: token.SecretFunc(func(string) (string, error) { // secret key for JWT
			return opts.Auth.TokenSecret, nil
		}),
		ClaimsUpd:        token.ClaimsUpdFunc(srv.ClaimUpdateFn),
		TokenDuration:    durations["auth.jwt-ttl"],
		CookieDuration:   durations["auth.cookie-ttl"],
		Issuer:           opts.Auth.IssuerName,
		URL:              hostname,
		BasicAuthChecker: srv.BasicAuthCheckerFn,
		AvatarStore:      avatar.NewNoOp(),
		SecureCookies:    opts.SSL.Type != "none",
		DisableXSRF:      true,
		Validator:        &srv, // call Validate func for check token claims
		JWTQuery:         "jwt",
		Logger:           log.Default(),
	})
	authService.AddDirectProvider("local", &srv)
	srv.Authenticator = authService

	// shutdown server instance on context cancellation
	go func() {
		<-ctx.Done()
		log.Print("[INFO] shutdown initiated")
		srv.Shutdown()
	}()

	err = srv.Run(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		log.Printf("[WARN] registry server closed, %v", err)
		return nil
	}
	return err
}

// parseDurations parses named duration options, the name is used by error message only
func parseDurations(values map[string]string) (map[string]time.Duration, error) {
	res := make(map[string]time.Duration, len(values))
	for name, v := range values {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid value of %s", name)
		}
		res[name] = d
	}
	return res, nil
}

// checkHostnameForURL check hostname URL for valid format with specific scheme
func checkHostnameForURL(hostname, sslMode string) string {
	if !strings.HasPrefix(hostname, "http") && sslMode == "none" {
		return "http://" + hostname
	}

	if !strings.HasPrefix(hostname, "http") && sslMode != "none" {
		return "https://" + hostname
	}

	return hostname
}

// makeAuthorizer prepares token service with signing keys and authorizer of registry api
func makeAuthorizer(opts RegistryGroup, hostname string, cache sessions.Cache, accounts registry.Accounts,
	tokenTTL time.Duration) (*registry.Authorizer, error) {
	tokens, err := registry.NewRegistryToken(cache,
		registry.CertsName(registry.Certs{
			RootPath:      opts.Certs.Path,
			KeyPath:       opts.Certs.Key,
			PublicKeyPath: opts.Certs.PublicKey,
		}),
		registry.TokenIssuer(opts.Issuer),
		registry.TokenExpiration(tokenTTL),
		registry.TokenLogger(log.Default()),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare registry token service")
	}

	realm := opts.Realm
	if realm == "" {
		realm = strings.TrimSuffix(hostname, "/") + "/auth/token"
	}
	if opts.AuthDisabled {
		log.Printf("[WARN] authorization of registry api disabled, every request is allowed")
	}

	return registry.NewAuthorizer(registry.AuthConfig{
		Disabled: opts.AuthDisabled,
		Realm:    realm,
		Service:  opts.Service,
	}, accounts, tokens, log.Default()), nil
}

// makeSessionCache creates cache of upload sessions and issued tokens
func makeSessionCache(ctx context.Context, opts CacheGroup, ttl time.Duration) (sessions.Cache, error) {
	log.Printf("[INFO] make session cache, type=%s", opts.Type)

	switch opts.Type {
	case "memory":
		return sessions.NewMemory(ttl)
	case "redis":
		return sessions.NewRedis(ctx, sessions.RedisConfig{
			Addr:     opts.Redis.Addr,
			Password: opts.Redis.Password,
			DB:       opts.Redis.DB,
		})
	default:
		return nil, errors.Errorf("unsupported session cache type %s", opts.Type)
	}
}

func sizeParse(inp string) (uint64, error) {
	if inp == "" {
		return 0, errors.New("empty value")
	}
	for i, sfx := range []string{"k", "m", "g", "t"} {
		if strings.HasSuffix(inp, strings.ToUpper(sfx)) || strings.HasSuffix(inp, strings.ToLower(sfx)) {
			val, err := strconv.Atoi(inp[:len(inp)-1])
			if err != nil {
				return 0, fmt.Errorf("can't parse %s: %w", inp, err)
			}
			return uint64(float64(val) * math.Pow(float64(1024), float64(i+1))), nil
		}
	}
	return strconv.ParseUint(inp, 10, 64)
}

// nopWriteCloser keeps stdout open when access log closed
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// createLoggerToFile setup logger to file with rotation and backup
// forward to stdout if logger to file isn't enabled
func createLoggerToFile(opts *Options) (accessLog io.WriteCloser, err error) {
	if !opts.Logger.Enabled {
		return nopWriteCloser{os.Stdout}, nil
	}

	maxSize, perr := sizeParse(opts.Logger.MaxSize)
	if perr != nil {
		return nopWriteCloser{os.Stdout}, fmt.Errorf("can't parse logger MaxSize: %w", perr)
	}

	maxSize /= 1048576

	log.Printf("[INFO] logger enabled for %s, max size %dM", opts.Logger.FileName, maxSize)
	rotated := &lumberjack.Logger{
		Filename:   opts.Logger.FileName,
		MaxSize:    int(maxSize), // in MB
		MaxBackups: opts.Logger.MaxBackups,
		Compress:   true,
		LocalTime:  true,
	}
	if opts.Logger.StdOut {
		return multiWriteCloser{Writer: io.MultiWriter(os.Stdout, rotated), closer: rotated}, nil
	}
	return rotated, nil
}

// multiWriteCloser duplicates access log to stdout and closes file writer only
type multiWriteCloser struct {
	io.Writer
	closer io.Closer
}

func (m multiWriteCloser) Close() error { return m.closer.Close() }

func makeDataStore(ctx context.Context, storeOpts StoreGroup) (iStore engine.Interface, err error) {
	log.Printf("[INFO] make data store, type=%s", storeOpts.Type)

	switch storeOpts.Type {
	case "embed":
		password := storeOpts.AdminPassword
		engine.SetAdminDefaultPassword(&ctx, &password)

		e := embedded.NewEmbedded(storeOpts.Embed.Path)
		if err = e.Connect(ctx); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unsupported store type %s", storeOpts.Type)
	}
}

func redirectHTTPPort(port int) int {
	// don't set default if any ssl.http-port defined by user
	if port != 0 {
		return port
	}

	return 80
}

// fqdns cleans space suffixes and prefixes which can sneak in from docker compose
func fqdns(domains []string) (res []string) {
	for _, v := range domains {
		res = append(res, strings.TrimSpace(v))
	}
	return res
}

// makeSSLConfig setup SSL config for use in main service
func makeSSLConfig(opts *Options) (config server.SSLConfig, err error) {
	switch opts.SSL.Type {
	case "none":
		config.SSLMode = server.SSLNone
	case "static":
		if opts.SSL.Cert == "" {
			return config, errors.New("path to cert.pem is required")
		}
		if opts.SSL.Key == "" {
			return config, errors.New("path to key.pem is required")
		}
		config.SSLMode = server.SSLStatic
		config.Cert = opts.SSL.Cert
		config.Key = opts.SSL.Key
		config.Port = opts.SSL.Port
		config.RedirHTTPPort = redirectHTTPPort(opts.SSL.RedirHTTPPort)
	case "auto":
		config.SSLMode = server.SSLAuto
		config.ACMELocation = opts.SSL.ACMELocation
		config.ACMEEmail = opts.SSL.ACMEEmail
		config.FQDNs = fqdns(opts.SSL.FQDNs)
		config.Port = opts.SSL.Port
		config.RedirHTTPPort = redirectHTTPPort(opts.SSL.RedirHTTPPort)
	default:
		return config, fmt.Errorf("invalid value %q for SSL_TYPE, allowed values are: none, static or auto", opts.SSL.Type)
	}
	return config, nil
}
