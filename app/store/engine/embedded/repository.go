package embedded

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"
	"github.com/zebox/oci-registry/app/store"
	"github.com/zebox/oci-registry/app/store/engine"
)

// CreateRepository create a new repository record, initial owners and contributors are added as members
func (e *Embedded) CreateRepository(ctx context.Context, repo *store.Repository) (err error) {
	if repo.Name == "" {
		return errors.New("required repository fields not set: Name")
	}

	return e.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (name, private, created_at) values(?, ?, ?)", repositoriesTable),
			repo.Name, repo.Private, repo.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return errors.Wrapf(engine.ErrAlreadyExists, "repository %s", repo.Name)
			}
			return errors.Wrap(err, "failed to create repository")
		}
		if repo.ID, err = result.LastInsertId(); err != nil {
			return err
		}

		for role, ids := range map[string][]int64{store.MemberOwner: repo.Owners, store.MemberContributor: repo.Contributors} {
			for _, id := range ids {
				if _, err = tx.ExecContext(ctx,
					fmt.Sprintf("INSERT OR REPLACE INTO %s (repository_id, user_id, role) values(?, ?, ?)", membersTable),
					repo.ID, id, role); err != nil {
					return errors.Wrap(err, "failed to add repository member")
				}
			}
		}
		return nil
	})
}

// GetRepository get repository data by name, members are filled
func (e *Embedded) GetRepository(ctx context.Context, name string) (repo store.Repository, err error) {
	err = e.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id, name, private, created_at FROM %s WHERE name = ?", repositoriesTable), name).
		Scan(&repo.ID, &repo.Name, &repo.Private, &repo.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return repo, engine.ErrNotFound
	}
	if err != nil {
		return repo, errors.Wrap(err, "failed to get repository")
	}
	return repo, e.fillMembers(ctx, &repo)
}

// FindRepositories fetch list of existed repositories
func (e *Embedded) FindRepositories(ctx context.Context, filter engine.QueryFilter) (repos engine.ListResponse, err error) {
	searchFields := []string{"name"} // set key filed for search query

	if repos.Total, err = e.getTotalRecordsExcludeRange(ctx, repositoriesTable, filter, searchFields); err != nil || repos.Total == 0 {
		return repos, err
	}

	f := filtersBuilder(filter, searchFields...)
	queryString := fmt.Sprintf("SELECT id, name, private, created_at FROM %s %s", repositoriesTable, f.allClauses) //nolint:gosec // query sanitizing calling before

	rows, err := e.db.QueryContext(ctx, queryString)
	if err != nil {
		return repos, errors.Wrap(err, "failed to get repositories list")
	}

	var result []store.Repository
	for rows.Next() {
		var repo store.Repository
		if err = rows.Scan(&repo.ID, &repo.Name, &repo.Private, &repo.CreatedAt); err != nil {
			_ = rows.Close()
			return repos, errors.Wrap(err, "failed scan repository data")
		}
		result = append(result, repo)
	}
	_ = rows.Close()
	if err = rows.Err(); err != nil {
		return repos, err
	}

	repos.Data = []interface{}{}
	for i := range result {
		if err = e.fillMembers(ctx, &result[i]); err != nil {
			return repos, err
		}
		repos.Data = append(repos.Data, result[i])
	}
	return repos, nil
}

// UpdateRepository updates mutable repository fields, the name is immutable
func (e *Embedded) UpdateRepository(ctx context.Context, repo store.Repository) (err error) {
	res, err := e.db.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET private = ? WHERE id = ?", repositoriesTable), repo.Private, repo.ID)
	if err != nil {
		return errors.Wrap(err, "failed to update repository")
	}
	return checkAffected(res)
}

// DeleteRepository deletes repository record with its members, images, tags, annotations and blob rows
func (e *Embedded) DeleteRepository(ctx context.Context, id int64) (err error) {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", repositoriesTable), id)
		if err != nil {
			return errors.Wrap(err, "failed to delete repository")
		}
		if err = checkAffected(res); err != nil {
			return err
		}

		cascade := []string{
			fmt.Sprintf("DELETE FROM %s WHERE image_id IN (SELECT id FROM %s WHERE repository_id = ?)", annotationsTable, imagesTable),
			fmt.Sprintf("DELETE FROM %s WHERE image_id IN (SELECT id FROM %s WHERE repository_id = ?)", imageBlobsTable, imagesTable),
			fmt.Sprintf("DELETE FROM %s WHERE repository_id = ?", tagsTable),
			fmt.Sprintf("DELETE FROM %s WHERE repository_id = ?", imagesTable),
			fmt.Sprintf("DELETE FROM %s WHERE repository_id = ?", blobsTable),
			fmt.Sprintf("DELETE FROM %s WHERE repository_id = ?", membersTable),
		}
		for _, q := range cascade {
			if _, err = tx.ExecContext(ctx, q, id); err != nil {
				return errors.Wrap(err, "failed to delete repository content")
			}
		}
		return nil
	})
}
