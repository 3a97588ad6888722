package registry

// Token implements bearer tokens of the registry authentication scheme described at
// https://docs.docker.com/registry/spec/auth/jwt/.
// A client gets 401 with WWW-Authenticate challenge from the registry API, exchanges its basic credentials
// at the token endpoint for a short-lived JWT scoped to repository actions and sends the JWT with following requests.
// Every issued token id (jti) is kept live in the session cache until the token expires,
// removing it revokes the token before expiration.

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/distribution/registry/auth/token"
	"github.com/docker/libtrust"
	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/zebox/oci-registry/app/sessions"
)

const (
	defaultTokenIssuer     = "oci-registry"
	defaultTokenExpiration = 10 * time.Minute

	// default names of generated keys
	certsDirName   = ".registry-certs"
	privateKeyName = "registry_auth.key"
	publicKeyName  = "registry_auth.pub"
)

// ErrTemplateCertFileAlreadyExist is a format of error returned when generated key overwrites a file
var ErrTemplateCertFileAlreadyExist = "cert file '%s' already exist"

// ErrTokenInvalid returned when bearer token can't be verified or was revoked
var ErrTokenInvalid = errors.New("invalid token")

// TokenRequest is data of a token issued for authenticated client
type TokenRequest struct {
	// Bind to 'sub' claim, name of the client which requested token
	Account string

	// Bind to 'aud' claim, the service which will verify the token
	Service string

	// Granted repository actions
	Access []*token.ResourceActions
}

// Certs defines paths of signing key pair files. Missing files are generated,
// generation doesn't overwrite existing files.
type Certs struct {
	RootPath      string
	KeyPath       string
	PublicKeyPath string
}

// ClientToken is Bearer token representing authorized access for a client
type ClientToken struct {
	// An opaque Bearer token that clients should supply to subsequent requests in the Authorization header.
	Token string `json:"token"`

	// For compatibility with OAuth 2.0 the token is returned under the name access_token too.
	AccessToken string `json:"access_token"`

	// Lifetime of token in seconds
	ExpiresIn int `json:"expires_in"`

	// RFC3339 time of issue
	IssuedAt string `json:"issued_at"`
}

type registryToken struct {
	Certs

	// token claims field
	tokenIssuer string

	// token life, jti is kept in cache for the same time
	tokenExpiration time.Duration

	// keys for JWT signature
	privateKey libtrust.PrivateKey
	publicKey  libtrust.PublicKey

	cache sessions.Cache
	l     log.L
}

// TokenOption defines optional parameter of token service
type TokenOption func(option *registryToken)

// TokenExpiration option define custom token expiration time
func TokenExpiration(expiration time.Duration) TokenOption {
	return func(rt *registryToken) {
		rt.tokenExpiration = expiration
	}
}

// TokenIssuer option define token issuer, typically the fqdn of the authorization server
func TokenIssuer(issuer string) TokenOption {
	if issuer == "" {
		issuer = defaultTokenIssuer
	}
	return func(rt *registryToken) {
		rt.tokenIssuer = issuer
	}
}

// TokenLogger define logger instance
func TokenLogger(l log.L) TokenOption {
	return func(rt *registryToken) {
		rt.l = l
	}
}

// CertsName define custom paths of key files
func CertsName(certs Certs) TokenOption {
	return func(rt *registryToken) {
		if certs.RootPath != "" {
			rt.RootPath = certs.RootPath
			rt.KeyPath = filepath.Join(certs.RootPath, privateKeyName)
			rt.PublicKeyPath = filepath.Join(certs.RootPath, publicKeyName)
		}
		if certs.KeyPath != "" {
			rt.KeyPath = certs.KeyPath
		}
		if certs.PublicKeyPath != "" {
			rt.PublicKeyPath = certs.PublicKeyPath
		}
	}
}

// NewRegistryToken will construct new token service with keys loaded from files or generated
// and allow re-define default option for token generator
func NewRegistryToken(cache sessions.Cache, opts ...TokenOption) (*registryToken, error) {
	if cache == nil {
		return nil, errors.New("session cache is required for token service")
	}

	rt := &registryToken{
		tokenExpiration: defaultTokenExpiration,
		tokenIssuer:     defaultTokenIssuer,
		cache:           cache,
		l:               log.Default(),
	}

	// keys are kept at home directory of user which process executed app by default
	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.Wrap(err, "failed to obtain home directory for user which process run")
	}
	rt.RootPath = filepath.Join(userHomeDir, certsDirName)
	rt.KeyPath = filepath.Join(rt.RootPath, privateKeyName)
	rt.PublicKeyPath = filepath.Join(rt.RootPath, publicKeyName)

	for _, opt := range opts {
		opt(rt)
	}

	if rt.tokenExpiration < time.Second {
		return nil, errors.Errorf("token expiration time %v is invalid, should be one second at least", rt.tokenExpiration)
	}

	if err = os.MkdirAll(rt.RootPath, 0o700); err != nil {
		return nil, errors.Wrap(err, "failed to create directory for save keys")
	}

	if err = rt.loadCerts(); err != nil {
		rt.l.Logf("[INFO] signing keys not loaded (%v), generate new ones", err)
		if err = rt.createCerts(); err != nil {
			return nil, err
		}
	}

	return rt, nil
}

// Generate signs token with requested access and registers its id in the session cache
func (rt *registryToken) Generate(ctx context.Context, req TokenRequest) (ClientToken, error) {
	// sign any string to get the used signing Algorithm for the private key
	_, algo, err := rt.privateKey.Sign(strings.NewReader(""), 0)
	if err != nil {
		return ClientToken{}, err
	}

	header := token.Header{
		Type:       "JWT",
		SigningAlg: algo,
		KeyID:      rt.publicKey.KeyID(),
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return ClientToken{}, err
	}

	now := time.Now()
	access := req.Access
	if access == nil {
		access = []*token.ResourceActions{}
	}
	claim := token.ClaimSet{
		Issuer:     rt.tokenIssuer,
		Subject:    req.Account,
		Audience:   req.Service,
		Expiration: now.Add(rt.tokenExpiration).Unix(),
		NotBefore:  now.Unix(),
		IssuedAt:   now.Unix(),
		JWTID:      uuid.NewString(),
		Access:     access,
	}
	claimJSON, err := json.Marshal(claim)
	if err != nil {
		return ClientToken{}, err
	}

	payload := fmt.Sprintf("%s%s%s", encodeToBase64(headerJSON), token.TokenSeparator, encodeToBase64(claimJSON))
	sig, sigAlgo, err := rt.privateKey.Sign(strings.NewReader(payload), 0)
	if err != nil {
		return ClientToken{}, err
	}
	if sigAlgo != algo {
		return ClientToken{}, errors.Errorf("signing algorithm changed from %s to %s", algo, sigAlgo)
	}

	if err = rt.cache.Put(ctx, sessions.TokenPrefix+claim.JWTID, req.Account, rt.tokenExpiration); err != nil {
		return ClientToken{}, errors.Wrap(err, "failed to register token id")
	}

	tokenString := fmt.Sprintf("%s%s%s", payload, token.TokenSeparator, encodeToBase64(sig))
	return ClientToken{
		Token:       tokenString,
		AccessToken: tokenString,
		ExpiresIn:   int(rt.tokenExpiration.Seconds()),
		IssuedAt:    now.UTC().Format(time.RFC3339),
	}, nil
}

// Verify checks signature, issuer, audience and time claims of raw token
// and requires its id is live in the session cache
func (rt *registryToken) Verify(ctx context.Context, raw, service string) (*token.ClaimSet, error) {
	t, err := token.NewToken(raw)
	if err != nil {
		return nil, errors.Wrap(ErrTokenInvalid, err.Error())
	}

	opts := token.VerifyOptions{
		TrustedIssuers:    []string{rt.tokenIssuer},
		AcceptedAudiences: []string{service},
		TrustedKeys:       map[string]libtrust.PublicKey{rt.publicKey.KeyID(): rt.publicKey},
	}
	if err = t.Verify(opts); err != nil {
		return nil, errors.Wrap(ErrTokenInvalid, err.Error())
	}

	if t.Claims.JWTID == "" {
		return nil, errors.Wrap(ErrTokenInvalid, "token id is empty")
	}
	owner, ok, err := rt.cache.Get(ctx, sessions.TokenPrefix+t.Claims.JWTID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to check token id")
	}
	if !ok || owner != t.Claims.Subject {
		return nil, errors.Wrap(ErrTokenInvalid, "token revoked or expired")
	}
	return t.Claims, nil
}

// Revoke invalidates id of the token, following requests with it are unauthenticated
func (rt *registryToken) Revoke(ctx context.Context, raw, service string) error {
	claims, err := rt.Verify(ctx, raw, service)
	if err != nil {
		return err
	}
	if err = rt.cache.Invalidate(ctx, sessions.TokenPrefix+claims.JWTID); err != nil {
		return errors.Wrap(err, "failed to revoke token")
	}
	rt.l.Logf("[DEBUG] token %s of %s revoked", claims.JWTID, claims.Subject)
	return nil
}

func (rt *registryToken) createCerts() (err error) {
	rt.privateKey, err = libtrust.GenerateRSA2048PrivateKey()
	if err != nil {
		return err
	}

	rt.publicKey, err = libtrust.FromCryptoPublicKey(rt.privateKey.CryptoPublicKey())
	if err != nil {
		return err
	}
	return rt.saveKeys()
}

func (rt *registryToken) loadCerts() (err error) {
	if _, err = os.Stat(rt.Certs.RootPath); err != nil {
		return err
	}

	rt.privateKey, err = libtrust.LoadKeyFile(rt.Certs.KeyPath)
	if err != nil {
		return err
	}

	rt.publicKey, err = libtrust.LoadPublicKeyFile(rt.Certs.PublicKeyPath)
	if err != nil {
		return err
	}

	if rt.publicKey.KeyID() != rt.privateKey.PublicKey().KeyID() {
		return errors.Errorf("public key %s doesn't match private key %s", rt.PublicKeyPath, rt.KeyPath)
	}
	return nil
}

func (rt registryToken) saveKeys() error {
	var errExist error
	// check if keys already exist
	if _, err := os.Stat(rt.KeyPath); err == nil {
		errExist = multierror.Append(errExist, errors.Errorf(ErrTemplateCertFileAlreadyExist, rt.KeyPath))
	}
	if _, err := os.Stat(rt.PublicKeyPath); err == nil {
		errExist = multierror.Append(errExist, errors.Errorf(ErrTemplateCertFileAlreadyExist, rt.PublicKeyPath))
	}
	if errExist != nil {
		return errExist
	}

	// trying save new keys to files
	if err := libtrust.SaveKey(rt.KeyPath, rt.privateKey); err != nil {
		return errors.Wrap(err, "failed to save private key to file")
	}
	if err := libtrust.SavePublicKey(rt.PublicKeyPath, rt.publicKey); err != nil {
		return errors.Wrap(err, "failed to save public key to file")
	}
	rt.l.Logf("[INFO] signing keys saved to %s", rt.RootPath)
	return nil
}

func encodeToBase64(b []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(b), "=")
}
