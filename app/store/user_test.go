package store

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUser_HashAndSalt(t *testing.T) {
	testUser := User{
		Login:    "test_login",
		Name:     "test_user",
		Password: "test_password",
	}

	err := testUser.HashAndSalt()
	require.NoError(t, err)
	hashCheckRegExp := regexp.MustCompile(`(?m)^\$2[ayb]\$.{56}$`)
	assert.True(t, hashCheckRegExp.MatchString(testUser.Password))
}

func TestComparePassword(t *testing.T) {
	testUser := User{
		Login:    "test_login",
		Name:     "test_user",
		Password: "test_password",
	}

	err := testUser.HashAndSalt()
	require.NoError(t, err)

	assert.True(t, ComparePassword(testUser.Password, "test_password"))
	assert.False(t, ComparePassword(testUser.Password, "fake_password"))
}

func TestCheckRoleInList(t *testing.T) {
	for _, r := range roles {
		assert.True(t, CheckRoleInList(r))
	}
	assert.False(t, CheckRoleInList("fakeRoles"))

	assert.True(t, User{Role: "admin"}.IsAdmin())
	assert.False(t, User{Role: "user"}.IsAdmin())
	assert.True(t, User{Role: "manager"}.IsManager())
}

func TestNewAPIToken(t *testing.T) {
	secret, hash, err := NewAPIToken()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(secret, apiTokenPrefix))
	assert.Len(t, secret, len(apiTokenPrefix)+64)
	assert.Equal(t, hash, HashAPIToken(secret))
	assert.Len(t, hash, 64)

	secret2, hash2, err := NewAPIToken()
	require.NoError(t, err)
	assert.NotEqual(t, secret, secret2)
	assert.NotEqual(t, hash, hash2)
}
