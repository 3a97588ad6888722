package embedded

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"
	"github.com/zebox/oci-registry/app/store"
	"github.com/zebox/oci-registry/app/store/engine"
)

const blobFields = "id, repository_id, digest, media_type, size, created_at"

// CreateBlob adds blob record, (repository, digest) pair should be unique
func (e *Embedded) CreateBlob(ctx context.Context, blob *store.Blob) (err error) {
	if blob.RepositoryID == 0 || blob.Digest == "" {
		return errors.New("required blob fields not set: RepositoryID, Digest")
	}

	res, err := e.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (repository_id, digest, media_type, size, created_at) values(?, ?, ?, ?, ?)", blobsTable),
		blob.RepositoryID, blob.Digest, blob.MediaType, blob.Size, blob.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(engine.ErrAlreadyExists, "blob %s", blob.Digest)
		}
		return errors.Wrap(err, "failed to add blob")
	}
	blob.ID, err = res.LastInsertId()
	return err
}

// GetBlob finds blob of repository by digest
func (e *Embedded) GetBlob(ctx context.Context, repositoryID int64, digest string) (blob store.Blob, err error) {
	return e.scanBlob(e.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE repository_id = ? AND digest = ?", blobFields, blobsTable), repositoryID, digest))
}

// GetBlobByID finds blob by record id
func (e *Embedded) GetBlobByID(ctx context.Context, id int64) (blob store.Blob, err error) {
	return e.scanBlob(e.db.QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", blobFields, blobsTable), id))
}

// UpdateBlob sets digest, media type and size of blob, used when upload finalized
func (e *Embedded) UpdateBlob(ctx context.Context, blob store.Blob) (err error) {
	res, err := e.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET digest = ?, media_type = ?, size = ? WHERE id = ?", blobsTable),
		blob.Digest, blob.MediaType, blob.Size, blob.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(engine.ErrAlreadyExists, "blob %s", blob.Digest)
		}
		return errors.Wrap(err, "failed to update blob")
	}
	return checkAffected(res)
}

// DeleteBlob removes blob record with its links to images
func (e *Embedded) DeleteBlob(ctx context.Context, id int64) (err error) {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", blobsTable), id)
		if err != nil {
			return errors.Wrap(err, "failed to delete blob")
		}
		if err = checkAffected(res); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE blob_id = ?", imageBlobsTable), id)
		return errors.Wrap(err, "failed to delete blob links")
	})
}

// FindBlobs returns finalized blobs of repository
func (e *Embedded) FindBlobs(ctx context.Context, repositoryID int64) (blobs []store.Blob, err error) {
	return e.queryBlobs(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE repository_id = ? AND digest NOT LIKE '%s%%' ORDER BY id",
		blobFields, blobsTable, store.SessionDigestPrefix), repositoryID)
}

// BlobReferences counts images linked to blob
func (e *Embedded) BlobReferences(ctx context.Context, blobID int64) (count int64, err error) {
	err = e.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE blob_id = ?", imageBlobsTable), blobID).Scan(&count)
	return count, errors.Wrap(err, "failed to count blob references")
}

// StaleSessionBlobs returns blobs with unfinished upload created before timestamp
func (e *Embedded) StaleSessionBlobs(ctx context.Context, createdBefore int64) (blobs []store.Blob, err error) {
	return e.queryBlobs(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE digest LIKE '%s%%' AND created_at < ? ORDER BY id",
		blobFields, blobsTable, store.SessionDigestPrefix), createdBefore)
}

// OrphanBlobs returns finalized blobs created before timestamp and not linked to any image
func (e *Embedded) OrphanBlobs(ctx context.Context, createdBefore int64) (blobs []store.Blob, err error) {
	return e.queryBlobs(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE digest NOT LIKE '%s%%' AND created_at < ?
		AND id NOT IN (SELECT blob_id FROM %s) ORDER BY id`,
		blobFields, blobsTable, store.SessionDigestPrefix, imageBlobsTable), createdBefore)
}

func (e *Embedded) queryBlobs(ctx context.Context, query string, args ...interface{}) (blobs []store.Blob, err error) {
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get blobs")
	}
	defer func() { _ = rows.Close() }()

	blobs = []store.Blob{}
	for rows.Next() {
		var b store.Blob
		if err = rows.Scan(&b.ID, &b.RepositoryID, &b.Digest, &b.MediaType, &b.Size, &b.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed scan blob data")
		}
		blobs = append(blobs, b)
	}
	return blobs, rows.Err()
}

func (e *Embedded) scanBlob(row *sql.Row) (blob store.Blob, err error) {
	err = row.Scan(&blob.ID, &blob.RepositoryID, &blob.Digest, &blob.MediaType, &blob.Size, &blob.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return blob, engine.ErrNotFound
	}
	return blob, errors.Wrap(err, "failed to get blob")
}
