package embedded

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/zebox/oci-registry/app/store"
)

// AddMember adds user to repository members or changes role of existing member
func (e *Embedded) AddMember(ctx context.Context, member store.Member) (err error) {
	if !store.CheckMemberRole(member.Role) {
		return errors.Errorf("member role '%s' not allowed", member.Role)
	}
	if member.RepositoryID == 0 || member.UserID == 0 {
		return errors.New("required member fields not set: RepositoryID, UserID")
	}
	_, err = e.db.ExecContext(ctx,
		fmt.Sprintf("INSERT OR REPLACE INTO %s (repository_id, user_id, role) values(?, ?, ?)", membersTable),
		member.RepositoryID, member.UserID, member.Role)
	return errors.Wrap(err, "failed to add member")
}

// RemoveMember removes user from repository members
func (e *Embedded) RemoveMember(ctx context.Context, repositoryID, userID int64) (err error) {
	res, err := e.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE repository_id = ? AND user_id = ?", membersTable), repositoryID, userID)
	if err != nil {
		return errors.Wrap(err, "failed to remove member")
	}
	return checkAffected(res)
}

// FindMembers returns members of repository with logins of users
func (e *Embedded) FindMembers(ctx context.Context, repositoryID int64) (members []store.Member, err error) {
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(`SELECT m.repository_id, m.user_id, COALESCE(u.login, ''), m.role
		FROM %s m LEFT JOIN %s u ON u.id = m.user_id WHERE m.repository_id = ? ORDER BY m.user_id`, membersTable, usersTable), repositoryID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get members")
	}
	defer func() { _ = rows.Close() }()

	members = []store.Member{}
	for rows.Next() {
		var m store.Member
		if err = rows.Scan(&m.RepositoryID, &m.UserID, &m.Login, &m.Role); err != nil {
			return nil, errors.Wrap(err, "failed scan member data")
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (e *Embedded) fillMembers(ctx context.Context, repo *store.Repository) error {
	members, err := e.FindMembers(ctx, repo.ID)
	if err != nil {
		return err
	}
	repo.Owners, repo.Contributors = []int64{}, []int64{}
	for _, m := range members {
		switch m.Role {
		case store.MemberOwner:
			repo.Owners = append(repo.Owners, m.UserID)
		case store.MemberContributor:
			repo.Contributors = append(repo.Contributors, m.UserID)
		}
	}
	return nil
}
