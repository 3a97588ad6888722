// Member is the main instance of object which define access right of users to a repository

package store

// Member roles
const (
	MemberOwner       = "owner"
	MemberContributor = "contributor"
)

// Repository actions, defined with https://docs.docker.com/registry/spec/auth/scope
const (
	ActionPull   = "pull"
	ActionPush   = "push"
	ActionDelete = "delete"
)

// Member binds a user to a repository with a role
type Member struct {
	RepositoryID int64  `json:"repository_id"`
	UserID       int64  `json:"user_id"`
	Login        string `json:"login,omitempty"` // filled on fetch only
	Role         string `json:"role"`            // owner or contributor
}

// Repository is a named collection of blobs and images
type Repository struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"` // unique and immutable
	Private      bool    `json:"private"`
	CreatedAt    int64   `json:"created_at"`
	Owners       []int64 `json:"owners"`
	Contributors []int64 `json:"contributors"`
}

// CheckMemberRole checks role is known
func CheckMemberRole(role string) bool {
	return role == MemberOwner || role == MemberContributor
}

// IsOwner checks user is in repository owners
func (r Repository) IsOwner(userID int64) bool {
	return containsID(r.Owners, userID)
}

// IsMember checks user is either owner or contributor of repository
func (r Repository) IsMember(userID int64) bool {
	return containsID(r.Owners, userID) || containsID(r.Contributors, userID)
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
