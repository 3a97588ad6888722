package store

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

// List user roles
var (
	// roles define access right for different user roles
	// admin - has full access for every repository and the admin API
	// manager - allow pull and push for every repository, delete stays with repository owners
	// user - access defined by repository membership and the private flag
	roles = []string{"admin", "manager", "user"}
)

const apiTokenPrefix = "oci_"

// User holds user-related info
type User struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Login       string `json:"login"`
	Password    string `json:"password,omitempty"`
	Role        string `json:"role"` // role name selected by index from roles item
	Disabled    bool   `json:"blocked"`
	Description string `json:"description"`
}

// APIToken is an opaque secret used as basic-auth password for the token endpoint.
// Only sha256 of the secret is stored.
type APIToken struct {
	ID        int64  `json:"id"`
	UserID    int64  `json:"user_id"`
	Name      string `json:"name"`
	Hash      string `json:"-"`
	CreatedAt int64  `json:"created_at"`
}

// HashAndSalt encrypted user password
func (u *User) HashAndSalt() error {
	hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
	if err != nil {
		return multierror.Append(err, errors.New("failed to crypt user password"))
	}
	u.Password = string(hash)
	return nil
}

// IsAdmin checks user has admin role
func (u User) IsAdmin() bool {
	return u.Role == "admin"
}

// IsManager checks user has manager role
func (u User) IsManager() bool {
	return u.Role == "manager"
}

// ComparePassword checking password for match
func ComparePassword(passwordHash, passwordString string) bool {
	return bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(passwordString)) == nil
}

// CheckRoleInList checking role assigned to user when add or update for exist in roles (allowed role list roles)
func CheckRoleInList(role string) bool {
	for _, existedRole := range roles {
		if role == existedRole {
			return true
		}
	}
	return false
}

// NewAPIToken generates random token secret and returns it with hash for store
func NewAPIToken() (secret, hash string, err error) {
	b := make([]byte, 32)
	if _, err = rand.Read(b); err != nil {
		return "", "", errors.Wrap(err, "failed to generate api token")
	}
	secret = apiTokenPrefix + hex.EncodeToString(b)
	return secret, HashAPIToken(secret), nil
}

// HashAPIToken returns hash of token secret used as lookup key
func HashAPIToken(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}
