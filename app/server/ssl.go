package server

// ssl modes follow https://github.com/umputun/reproxy/blob/master/app/proxy/ssl.go

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	log "github.com/go-pkgz/lgr"
	"golang.org/x/crypto/acme/autocert"

	R "github.com/go-pkgz/rest"
)

// sslMode defines ssl mode for rest server
type sslMode int8

const (
	// SSLNone defines to run http server only
	SSLNone sslMode = iota

	// SSLStatic defines to run both https and http server. Redirect http to https
	SSLStatic

	// SSLAuto defines to run both https and http server. Redirect http to https. Https server with autocert support
	SSLAuto
)

// SSLConfig holds all ssl params for rest server
type SSLConfig struct {
	SSLMode       sslMode
	Cert          string
	Key           string
	ACMELocation  string
	ACMEEmail     string
	FQDNs         []string
	Port          int // secure port, 443 when zero
	RedirHTTPPort int
}

// httpToHTTPSRouter redirects every plain http request to the https listener. Used in 'static' ssl mode.
func (s *Server) httpToHTTPSRouter() http.Handler {
	log.Printf("[DEBUG] create http-to-https redirect routes")
	return R.Wrap(s.redirectHandler(), R.Recoverer(log.Default()))
}

// httpChallengeRouter answers ACME "http-01" challenges and redirects the rest to https.
// Used in 'auto' ssl mode.
func (s *Server) httpChallengeRouter(m *autocert.Manager) http.Handler {
	log.Printf("[DEBUG] create http-challenge routes")
	return R.Wrap(m.HTTPHandler(s.redirectHandler()), R.Recoverer(log.Default()))
}

// redirectHandler keeps method and body of registry requests, so 307 is used for any verb.
// Registry clients probe /v2/ over http first and expect the api version header there too.
func (s *Server) redirectHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v2" || strings.HasPrefix(r.URL.Path, "/v2/") {
			w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
		}
		http.Redirect(w, r, s.secureURL(r), http.StatusTemporaryRedirect)
	})
}

// secureURL builds https location of request, the default port is omitted
func (s *Server) secureURL(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(r.Host); err == nil {
		host = h
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]" // ipv6 literal
	}
	if port := s.SSLConfig.Port; port != 0 && port != 443 {
		host += ":" + strconv.Itoa(port)
	}
	u := url.URL{Scheme: "https", Host: host, Path: r.URL.Path, RawQuery: r.URL.RawQuery}
	return u.String()
}

// makeAutocertManager issues certificates for configured FQDNs, or for host of public registry url
func (s *Server) makeAutocertManager() *autocert.Manager {
	domains := s.SSLConfig.FQDNs
	if len(domains) == 0 && s.Hostname != "" {
		if u, err := url.Parse(s.Hostname); err == nil && u.Hostname() != "" {
			domains = []string{u.Hostname()}
		}
	}
	log.Printf("[DEBUG] autocert manager for domains: %+v, location: %s, email: %q",
		domains, s.SSLConfig.ACMELocation, s.SSLConfig.ACMEEmail)
	return &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Cache:      autocert.DirCache(s.SSLConfig.ACMELocation),
		HostPolicy: autocert.HostWhitelist(domains...),
		Email:      s.SSLConfig.ACMEEmail,
	}
}

// makeHTTPSServer makes https server, certificates taken from manager when it defined or from static files otherwise
func (s *Server) makeHTTPSServer(address string, router http.Handler, m *autocert.Manager) *http.Server {
	server := s.makeHTTPServer(address, router)
	server.TLSConfig = s.makeTLSConfig()
	if m != nil {
		server.TLSConfig.GetCertificate = m.GetCertificate
		server.TLSConfig.NextProtos = append(server.TLSConfig.NextProtos, "acme-tls/1")
	}
	return server
}

func (s *Server) makeTLSConfig() *tls.Config {
	return &tls.Config{
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"h2", "http/1.1"},
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
			tls.CurveP384,
		},
	}
}
