// Option is a main set of service option
// Some ideas and piece of code borrow from projects of Umputun (https://github.com/umputun)

package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// configReader implement different file read implementation (json, yml, toml etc.)
type configReader interface {
	ReadConfigFromFile(pathToFile string, opts *Options) error
}

// Options the main parameters for the service
type Options struct {
	Listen     string `long:"listen" env:"RO_LISTEN" default:"*" description:"listen on host:port (127.0.0.1:80/443 without)" json:"listen" yaml:"listen"`
	HostName   string `long:"hostname" env:"RO_HOST_NAME" default:"localhost" description:"public hostname of registry, used by Location headers and token realm" json:"hostname" yaml:"hostname"`
	Port       int    `long:"port" env:"RO_PORT" description:"Main web-service port. Default:80" default:"80" json:"port" yaml:"port"`
	ConfigPath string `long:"config-file" env:"RO_CONFIG_FILE" description:"Path to config file" json:"-" yaml:"-"`

	Registry RegistryGroup `group:"registry" namespace:"registry" env-namespace:"RO_REGISTRY" json:"registry" yaml:"registry"`
	Store    StoreGroup    `group:"store" namespace:"store" env-namespace:"RO_STORE" json:"store" yaml:"store"`
	Cache    CacheGroup    `group:"cache" namespace:"cache" env-namespace:"RO_CACHE" json:"cache" yaml:"cache"`
	Notify   NotifyGroup   `group:"notify" namespace:"notify" env-namespace:"RO_NOTIFY" json:"notify" yaml:"notify"`

	Auth struct {
		TokenSecret    string `long:"token-secret" env:"TOKEN_SECRET" description:"Main secret for admin api token sign" json:"token_secret" yaml:"token_secret"`
		IssuerName     string `long:"jwt-issuer" env:"ISSUER_NAME" default:"oci-registry" description:"Admin api token issuer signature" json:"issuer_name" yaml:"issuer_name"`
		TokenDuration  string `long:"jwt-ttl" env:"JWT_TTL" default:"1h" description:"Define JWT expired timeout" json:"jwt_ttl" yaml:"jwt_ttl"`
		CookieDuration string `long:"cookie-ttl" env:"COOKIE_TTL" default:"24h" description:"Define cookies expired timeout" json:"cookie_ttl" yaml:"cookie_ttl"`
		RateLimit      int    `long:"rate-limit" env:"RATE_LIMIT" default:"10" description:"requests per second of a client at token and admin endpoints" json:"rate_limit" yaml:"rate_limit"`
	} `group:"auth" namespace:"auth" env-namespace:"RO_AUTH" json:"auth" yaml:"auth"`

	Logger struct {
		StdOut     bool   `long:"stdout" env:"STDOUT" description:"enable stdout logging" json:"stdout" yaml:"stdout"`
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable access and error rotated logs" json:"enabled" yaml:"enabled"`
		FileName   string `long:"file" env:"FILE"  default:"access.log" description:"location of access log" json:"filename" yaml:"filename"`
		MaxSize    string `long:"max-size" env:"SIZE" default:"10M" description:"maximum size before it gets rotated" json:"max_size"  yaml:"max_size"`
		MaxBackups int    `long:"max-backups" env:"BACKUPS" default:"10" description:"maximum number of old log files to retain" json:"max_backups" yaml:"max_backups"`
	} `group:"logger" namespace:"logger" env-namespace:"RO_LOGGER" json:"logger" yaml:"logger"`

	SSL struct {
		Type          string   `long:"type" env:"TYPE" description:"ssl (auto) support. Default is 'none'" choice:"none" choice:"static" choice:"auto" default:"none" json:"type" yaml:"type"` // nolint
		Cert          string   `long:"cert" env:"CERT" description:"path to cert.pem file" json:"cert" yaml:"cert"`
		Key           string   `long:"key" env:"KEY" description:"path to key.pem file" json:"key" yaml:"key"`
		ACMELocation  string   `long:"acme-location" env:"ACME_LOCATION" description:"dir where certificates will be stored by autocert manager" default:"./acme" json:"acme_location" yaml:"acme_location"`
		ACMEEmail     string   `long:"acme-email" env:"ACME_EMAIL" description:"admin email for certificate notifications" json:"acme_email" yaml:"acme_email"`
		Port          int      `long:"port" env:"PORT" description:"Main web-service secure SSL port. Default:443" default:"443" json:"port" yaml:"port"`
		RedirHTTPPort int      `long:"http-port" env:"ACME_HTTP_PORT" description:"http port for redirect to https and acme challenge test (default: 80)" json:"redir_http_port" yaml:"redir_http_port"`
		FQDNs         []string `long:"fqdn" env:"ACME_FQDN" env-delim:"," description:"FQDN(s) for ACME certificates" json:"acme_fqdns" yaml:"acme_fqdns"`
	} `group:"ssl" namespace:"ssl" env-namespace:"RO_SSL" json:"ssl" yaml:"ssl"`

	Debug bool `long:"debug" env:"RO_DEBUG" description:"enable the debug mode" json:"debug" yaml:"debug"`

	// implement interface for parse different types of config files
	configReader
}

// RegistryGroup defines behaviour of distribution api and its token authorization
type RegistryGroup struct {
	Service       string   `long:"service" env:"SERVICE" default:"oci-registry" description:"name of registry service, audience of issued tokens" json:"service" yaml:"service"`
	Issuer        string   `long:"issuer" env:"ISSUER" default:"oci-registry-token-issuer" description:"issuer of registry tokens" json:"issuer" yaml:"issuer"`
	Realm         string   `long:"realm" env:"REALM" description:"URL of token endpoint, <hostname>/auth/token when empty" json:"realm" yaml:"realm"`
	TokenTTL      string   `long:"token-ttl" env:"TOKEN_TTL" default:"10m" description:"lifetime of registry token" json:"token_ttl" yaml:"token_ttl"`
	SessionTTL    string   `long:"session-ttl" env:"SESSION_TTL" default:"10m" description:"lifetime of idle upload session" json:"session_ttl" yaml:"session_ttl"`
	DeleteEnabled bool     `long:"delete-enabled" env:"DELETE_ENABLED" description:"allow delete of manifests and blobs" json:"delete_enabled" yaml:"delete_enabled"`
	AuthDisabled  bool     `long:"auth-disabled" env:"AUTH_DISABLED" description:"every request of registry api is allowed anonymously" json:"auth_disabled" yaml:"auth_disabled"`
	PrivateOnly   bool     `long:"private-only" env:"PRIVATE_ONLY" description:"repositories created by push are private" json:"private_only" yaml:"private_only"`
	ContentTypes  []string `long:"content-types" env:"CONTENT_TYPES" env-delim:"," default:"application/octet-stream" description:"allowed content types of monolithic blob upload" json:"content_types" yaml:"content_types"`
	Certs         struct {
		Path      string `long:"path" env:"CERT_PATH" description:"A path to directory where signing keys of tokens are stored, generated when absent" json:"path" yaml:"path"`
		Key       string `long:"key" env:"KEY_PATH" description:"A path of private signing key file" json:"key" yaml:"key"`
		PublicKey string `long:"public-key" env:"PUBLIC_KEY_PATH" description:"A path of public signing key file" json:"public_key" yaml:"public_key"`
	} `group:"certs" namespace:"certs" env-namespace:"CERTS" json:"certs" yaml:"certs"`
}

// StoreGroup options which defined main storage instance
// Type implement as options for add support for different storage
type StoreGroup struct {
	Type                string `long:"type" env:"DB_TYPE" description:"type of storage" choice:"embed" default:"embed" json:"type" yaml:"type"` // nolint
	AdminPassword       string `long:"admin-password" env:"ADMIN_PASSWORD" description:"Define password for default admin user when storage create first" default:"admin" json:"admin_password" yaml:"admin_password"`
	MaintenanceInterval string `long:"maintenance-interval" env:"MAINTENANCE_INTERVAL" default:"1h" description:"interval of abandoned uploads and orphan blobs cleanup" json:"maintenance_interval" yaml:"maintenance_interval"`
	OrphanGrace         string `long:"orphan-grace" env:"ORPHAN_GRACE" default:"24h" description:"age of blob not used by any image before it's collected" json:"orphan_grace" yaml:"orphan_grace"`
	Embed               struct {
		Path string `long:"path" env:"DB_PATH" default:"./data.db" description:"path to the sqlite file" json:"path" yaml:"path"`
	} `group:"embed" namespace:"embed" env-namespace:"EMBED" json:"embed" yaml:"embed"`
	Blobs struct {
		Path string `long:"path" env:"BLOBS_PATH" default:"./blobs" description:"root directory of blobs content" json:"path" yaml:"path"`
	} `group:"blobs" namespace:"blobs" env-namespace:"BLOBS" json:"blobs" yaml:"blobs"`
}

// CacheGroup defines session cache used by uploads and tokens
type CacheGroup struct {
	Type  string `long:"type" env:"TYPE" description:"type of session cache" choice:"memory" choice:"redis" default:"memory" json:"type" yaml:"type"` // nolint
	Redis struct {
		Addr     string `long:"addr" env:"ADDR" default:"localhost:6379" description:"address of redis server" json:"addr" yaml:"addr"`
		Password string `long:"password" env:"PASSWORD" description:"password of redis server" json:"password" yaml:"password"`
		DB       int    `long:"db" env:"DB" description:"number of redis database" json:"db" yaml:"db"`
	} `group:"redis" namespace:"redis" env-namespace:"REDIS" json:"redis" yaml:"redis"`
}

// NotifyGroup defines webhook endpoints receiving registry events
type NotifyGroup struct {
	Endpoints []string `long:"endpoint" env:"ENDPOINTS" env-delim:"," description:"URL(s) of endpoints receiving registry events" json:"endpoints" yaml:"endpoints"`
	Timeout   string   `long:"timeout" env:"TIMEOUT" default:"5s" description:"timeout of event delivery" json:"timeout" yaml:"timeout"`
	Threshold int      `long:"threshold" env:"THRESHOLD" default:"10" description:"failures count before endpoint is backed off" json:"threshold" yaml:"threshold"`
	Backoff   string   `long:"backoff" env:"BACKOFF" default:"1s" description:"back off time of failed endpoint" json:"backoff" yaml:"backoff"`
}

func parseArgs(args []string) (*Options, error) {
	var options Options
	_, errParse := flags.ParseArgs(&options, args)

	// if config file undefined throw error when flag parse
	if options.ConfigPath == "" && errParse != nil {
		return nil, errors.Wrap(errParse, "failed to parse options")
	}

	// try read config from config file
	if options.ConfigPath != "" {
		ext := filepath.Ext(options.ConfigPath)
		switch ext {
		case ".json":
			options.configReader = new(jsonConfigParser)
		case ".yml", ".yaml":
			options.configReader = new(yamlConfigParser)
		default:
			return nil, errors.Errorf("config parser for %q not implemented", ext)
		}
		if errReadCfg := options.ReadConfigFromFile(options.ConfigPath, &options); errReadCfg != nil {
			return nil, errReadCfg
		}
	}

	if options.Port > 65535 || options.Port < 1 {
		return nil, errors.New("wrong port value")
	}

	if options.Auth.TokenSecret == "" {
		options.Auth.TokenSecret = generateRandomSecureToken(64)
		log.Print("[WARN] No TokenSecret secret provided - generated random secret. To provide a TokenSecret, fill in " +
			"'token_secret' at 'auth' section in the configuration file, set the 'RO_AUTH_TOKEN_SECRET' environment variable " +
			"or use '--auth.token-secret' CLI flag.")
	}

	return &options, nil
}

// jsonConfigParser implementation of json file config parser
type jsonConfigParser struct{}

// ReadConfigFromFile the implement configReader interface method for json config file
func (j *jsonConfigParser) ReadConfigFromFile(pathToFile string, options *Options) error {
	data, errParse := os.ReadFile(filepath.Clean(pathToFile))
	if errParse != nil {
		return errors.Wrap(errParse, "failed to read json config file")
	}

	if errParse = json.Unmarshal(data, options); errParse != nil {
		return errors.Wrap(errParse, "failed to unmarshal json config data")
	}
	return nil
}

// yamlConfigParser implementation of yaml file config parser
type yamlConfigParser struct{}

// ReadConfigFromFile the implement configReader interface method for yaml config file
func (y *yamlConfigParser) ReadConfigFromFile(pathToFile string, options *Options) error {
	data, errParse := os.ReadFile(filepath.Clean(pathToFile))
	if errParse != nil {
		return errors.Wrap(errParse, "failed to read yaml config file")
	}
	if errParse = yaml.Unmarshal(data, options); errParse != nil {
		return errors.Wrap(errParse, "failed to unmarshal yaml config data")
	}
	return nil
}

// generateRandomSecureToken generates random secure token for sign JWT for authenticate.
// It's call if TokenSecret undefined in config parameters.
func generateRandomSecureToken(length int) string {
	b := make([]byte, length)
	if _, errRead := rand.Read(b); errRead != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
