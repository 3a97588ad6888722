package embedded

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"
	"github.com/zebox/oci-registry/app/store"
	"github.com/zebox/oci-registry/app/store/engine"
)

const imageFields = "id, repository_id, version, media_type, manifest, created_at, updated_at"

// CreateImage adds image record, (repository, version) pair should be unique
func (e *Embedded) CreateImage(ctx context.Context, image *store.Image) (err error) {
	if image.RepositoryID == 0 || image.Version == "" {
		return errors.New("required image fields not set: RepositoryID, Version")
	}
	res, err := e.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (repository_id, version, media_type, manifest, created_at, updated_at) values(?, ?, ?, ?, ?, ?)", imagesTable),
		image.RepositoryID, image.Version, image.MediaType, image.Manifest, image.CreatedAt, image.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(engine.ErrAlreadyExists, "image %s", image.Version)
		}
		return errors.Wrap(err, "failed to add image")
	}
	image.ID, err = res.LastInsertId()
	return err
}

// GetImage finds image of repository by version (manifest digest)
func (e *Embedded) GetImage(ctx context.Context, repositoryID int64, version string) (image store.Image, err error) {
	return e.scanImage(e.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE repository_id = ? AND version = ?", imageFields, imagesTable), repositoryID, version))
}

// GetImageByTag finds image which tag points to
func (e *Embedded) GetImageByTag(ctx context.Context, repositoryID int64, tag string) (image store.Image, err error) {
	return e.scanImage(e.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE id = (SELECT image_id FROM %s WHERE repository_id = ? AND name = ?)",
			imageFields, imagesTable, tagsTable), repositoryID, tag))
}

// UpdateImage replaces manifest, version and media type of image
func (e *Embedded) UpdateImage(ctx context.Context, image store.Image) (err error) {
	res, err := e.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET version = ?, media_type = ?, manifest = ?, updated_at = ? WHERE id = ?", imagesTable),
		image.Version, image.MediaType, image.Manifest, image.UpdatedAt, image.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(engine.ErrAlreadyExists, "image %s", image.Version)
		}
		return errors.Wrap(err, "failed to update image")
	}
	return checkAffected(res)
}

// DeleteImage removes image with its tags, annotations and blob links. Blobs rows stay.
func (e *Embedded) DeleteImage(ctx context.Context, id int64) (err error) {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", imagesTable), id)
		if err != nil {
			return errors.Wrap(err, "failed to delete image")
		}
		if err = checkAffected(res); err != nil {
			return err
		}
		for _, table := range []string{tagsTable, annotationsTable, imageBlobsTable} {
			if _, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE image_id = ?", table), id); err != nil {
				return errors.Wrapf(err, "failed to delete image %s", table)
			}
		}
		return nil
	})
}

// FindImages returns images of repository with tags
func (e *Embedded) FindImages(ctx context.Context, repositoryID int64) (images []store.Image, err error) {
	rows, err := e.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE repository_id = ? ORDER BY id", imageFields, imagesTable), repositoryID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get images")
	}

	images = []store.Image{}
	for rows.Next() {
		var img store.Image
		if err = rows.Scan(&img.ID, &img.RepositoryID, &img.Version, &img.MediaType, &img.Manifest, &img.CreatedAt, &img.UpdatedAt); err != nil {
			_ = rows.Close()
			return nil, errors.Wrap(err, "failed scan image data")
		}
		images = append(images, img)
	}
	_ = rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	for i := range images {
		if images[i].Tags, err = e.ImageTags(ctx, images[i].ID); err != nil {
			return nil, err
		}
	}
	return images, nil
}

// SetTag points tag to image, tag is created when missed
func (e *Embedded) SetTag(ctx context.Context, repositoryID, imageID int64, name string) (err error) {
	_, err = e.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (repository_id, image_id, name) values(?, ?, ?)
			ON CONFLICT(repository_id, name) DO UPDATE SET image_id = excluded.image_id`, tagsTable),
		repositoryID, imageID, name)
	return errors.Wrapf(err, "failed to set tag %s", name)
}

// DeleteTag removes tag of repository
func (e *Embedded) DeleteTag(ctx context.Context, repositoryID int64, name string) (err error) {
	res, err := e.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE repository_id = ? AND name = ?", tagsTable), repositoryID, name)
	if err != nil {
		return errors.Wrapf(err, "failed to delete tag %s", name)
	}
	return checkAffected(res)
}

// FindTags returns tag names of repository in lexical order
func (e *Embedded) FindTags(ctx context.Context, repositoryID int64) (tags []string, err error) {
	return e.queryStrings(ctx, fmt.Sprintf("SELECT name FROM %s WHERE repository_id = ? ORDER BY name", tagsTable), repositoryID)
}

// ImageTags returns tag names pointing to image
func (e *Embedded) ImageTags(ctx context.Context, imageID int64) (tags []string, err error) {
	return e.queryStrings(ctx, fmt.Sprintf("SELECT name FROM %s WHERE image_id = ? ORDER BY name", tagsTable), imageID)
}

// SetAnnotations replaces all annotations of image
func (e *Embedded) SetAnnotations(ctx context.Context, imageID int64, annotations map[string]string) (err error) {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE image_id = ?", annotationsTable), imageID); err != nil {
			return errors.Wrap(err, "failed to clear annotations")
		}
		for k, v := range annotations {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("INSERT INTO %s (image_id, name, value) values(?, ?, ?)", annotationsTable), imageID, k, v); err != nil {
				return errors.Wrapf(err, "failed to add annotation %s", k)
			}
		}
		return nil
	})
}

// GetAnnotations returns annotations of image
func (e *Embedded) GetAnnotations(ctx context.Context, imageID int64) (annotations map[string]string, err error) {
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf("SELECT name, value FROM %s WHERE image_id = ?", annotationsTable), imageID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get annotations")
	}
	defer func() { _ = rows.Close() }()

	annotations = map[string]string{}
	for rows.Next() {
		var k, v string
		if err = rows.Scan(&k, &v); err != nil {
			return nil, errors.Wrap(err, "failed scan annotation")
		}
		annotations[k] = v
	}
	return annotations, rows.Err()
}

// LinkBlob associates blob with image, repeated link is a no-op
func (e *Embedded) LinkBlob(ctx context.Context, imageID, blobID int64) (err error) {
	_, err = e.db.ExecContext(ctx, fmt.Sprintf("INSERT OR IGNORE INTO %s (image_id, blob_id) values(?, ?)", imageBlobsTable), imageID, blobID)
	return errors.Wrap(err, "failed to link blob")
}

// UnlinkBlob removes association of blob with image
func (e *Embedded) UnlinkBlob(ctx context.Context, imageID, blobID int64) (err error) {
	_, err = e.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE image_id = ? AND blob_id = ?", imageBlobsTable), imageID, blobID)
	return errors.Wrap(err, "failed to unlink blob")
}

// ImageBlobs returns blobs linked to image
func (e *Embedded) ImageBlobs(ctx context.Context, imageID int64) (blobs []store.Blob, err error) {
	return e.queryBlobs(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE id IN (SELECT blob_id FROM %s WHERE image_id = ?) ORDER BY id",
		blobFields, blobsTable, imageBlobsTable), imageID)
}

func (e *Embedded) queryStrings(ctx context.Context, query string, args ...interface{}) (res []string, err error) {
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query")
	}
	defer func() { _ = rows.Close() }()

	res = []string{}
	for rows.Next() {
		var s string
		if err = rows.Scan(&s); err != nil {
			return nil, errors.Wrap(err, "failed scan value")
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (e *Embedded) scanImage(row *sql.Row) (image store.Image, err error) {
	err = row.Scan(&image.ID, &image.RepositoryID, &image.Version, &image.MediaType, &image.Manifest, &image.CreatedAt, &image.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return image, engine.ErrNotFound
	}
	return image, errors.Wrap(err, "failed to get image")
}
