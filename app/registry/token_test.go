package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/distribution/registry/auth/token"
	log "github.com/go-pkgz/lgr"
	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zebox/oci-registry/app/sessions"
)

func prepareTestToken(t *testing.T, opts ...TokenOption) (*registryToken, sessions.Cache) {
	cache, err := sessions.NewMemory(time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	opts = append([]TokenOption{CertsName(Certs{RootPath: t.TempDir()}), TokenLogger(log.NoOp)}, opts...)
	rt, err := NewRegistryToken(cache, opts...)
	require.NoError(t, err)
	return rt, cache
}

func TestNewRegistryToken(t *testing.T) {
	rt, cache := prepareTestToken(t)
	assert.Equal(t, defaultTokenExpiration, rt.tokenExpiration)
	assert.Equal(t, defaultTokenIssuer, rt.tokenIssuer)
	assert.FileExists(t, rt.KeyPath)
	assert.FileExists(t, rt.PublicKeyPath)

	// keys loaded from files on next start
	loaded, err := NewRegistryToken(cache, CertsName(rt.Certs), TokenExpiration(time.Minute), TokenIssuer("registry.example.com"))
	require.NoError(t, err)
	assert.Equal(t, rt.publicKey.KeyID(), loaded.publicKey.KeyID())
	assert.Equal(t, time.Minute, loaded.tokenExpiration)
	assert.Equal(t, "registry.example.com", loaded.tokenIssuer)

	_, err = NewRegistryToken(cache, CertsName(rt.Certs), TokenExpiration(0))
	assert.Error(t, err)

	_, err = NewRegistryToken(nil, CertsName(rt.Certs))
	assert.Error(t, err)
}

func TestRegistryToken_SaveKeysDoesNotOverwrite(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, privateKeyName)
	require.NoError(t, os.WriteFile(keyPath, []byte("not a key"), 0o600))

	cache, err := sessions.NewMemory(time.Minute)
	require.NoError(t, err)
	defer cache.Close()

	_, err = NewRegistryToken(cache, CertsName(Certs{RootPath: dir}), TokenLogger(log.NoOp))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exist")
}

func TestRegistryToken_Generate(t *testing.T) {
	rt, cache := prepareTestToken(t, TokenIssuer("OLYMP TESTER"), TokenExpiration(time.Minute))
	ctx := context.Background()

	ct, err := rt.Generate(ctx, TokenRequest{
		Account: "martian",
		Service: "registry.test",
		Access:  []*token.ResourceActions{{Type: "repository", Name: "team/app", Actions: []string{"pull", "push"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, ct.Token, ct.AccessToken)
	assert.Equal(t, 60, ct.ExpiresIn)
	issued, err := time.Parse(time.RFC3339, ct.IssuedAt)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), issued, time.Minute)

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(ct.Token, claims, func(token *jwt.Token) (interface{}, error) {
		return rt.publicKey.CryptoPublicKey(), nil
	})
	require.NoError(t, err)
	assert.True(t, parsed.Valid)
	assert.Equal(t, "RS256", parsed.Header["alg"])
	assert.Equal(t, rt.publicKey.KeyID(), parsed.Header["kid"])
	assert.Equal(t, "OLYMP TESTER", claims["iss"])
	assert.Equal(t, "martian", claims["sub"])
	assert.Equal(t, "registry.test", claims["aud"])
	for _, field := range []string{"exp", "nbf", "iat", "jti", "access"} {
		assert.Contains(t, claims, field)
	}
	assert.Equal(t, claims["exp"].(float64)-claims["iat"].(float64), float64(60), "expiration equals session ttl")

	access := claims["access"].([]interface{})
	require.Len(t, access, 1)
	entry := access[0].(map[string]interface{})
	assert.Equal(t, "repository", entry["type"])
	assert.Equal(t, "team/app", entry["name"])
	assert.Equal(t, []interface{}{"pull", "push"}, entry["actions"])

	owner, ok, err := cache.Get(ctx, sessions.TokenPrefix+claims["jti"].(string))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "martian", owner)
}

func TestRegistryToken_VerifyAndRevoke(t *testing.T) {
	rt, _ := prepareTestToken(t)
	ctx := context.Background()

	ct, err := rt.Generate(ctx, TokenRequest{Account: "dev", Service: "registry.test"})
	require.NoError(t, err)

	claims, err := rt.Verify(ctx, ct.Token, "registry.test")
	require.NoError(t, err)
	assert.Equal(t, "dev", claims.Subject)
	assert.Empty(t, claims.Access)

	_, err = rt.Verify(ctx, ct.Token, "other.service")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = rt.Verify(ctx, "garbage", "registry.test")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	// token signed by other key
	other, _ := prepareTestToken(t)
	foreign, err := other.Generate(ctx, TokenRequest{Account: "dev", Service: "registry.test"})
	require.NoError(t, err)
	_, err = rt.Verify(ctx, foreign.Token, "registry.test")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	// tampered payload
	parts := strings.Split(ct.Token, ".")
	tampered := parts[0] + "." + encodeToBase64([]byte(`{"sub":"admin"}`)) + "." + parts[2]
	_, err = rt.Verify(ctx, tampered, "registry.test")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	require.NoError(t, rt.Revoke(ctx, ct.Token, "registry.test"))
	_, err = rt.Verify(ctx, ct.Token, "registry.test")
	assert.ErrorIs(t, err, ErrTokenInvalid)
	assert.ErrorIs(t, rt.Revoke(ctx, ct.Token, "registry.test"), ErrTokenInvalid)
}
