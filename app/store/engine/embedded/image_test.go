package embedded

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zebox/oci-registry/app/store"
	"github.com/zebox/oci-registry/app/store/engine"
)

func TestEmbedded_Images(t *testing.T) {
	ctx, ctxCancel := context.WithCancel(context.Background())
	var wg = new(sync.WaitGroup)
	db := prepareTestDB(ctx, t, wg)

	img := &store.Image{RepositoryID: 1, Version: "sha256:v1", MediaType: "application/vnd.oci.image.manifest.v1+json",
		Manifest: []byte(`{"schemaVersion":2}`), CreatedAt: 1, UpdatedAt: 1}
	require.NoError(t, db.CreateImage(ctx, img))

	res, err := db.GetImage(ctx, 1, "sha256:v1")
	require.NoError(t, err)
	assert.Equal(t, *img, res)

	assert.ErrorIs(t, db.CreateImage(ctx, &store.Image{RepositoryID: 1, Version: "sha256:v1"}), engine.ErrAlreadyExists)
	assert.Error(t, db.CreateImage(ctx, &store.Image{RepositoryID: 1}))

	img.Version = "sha256:v2"
	img.Manifest = []byte(`{"schemaVersion":2,"layers":[]}`)
	img.UpdatedAt = 2
	require.NoError(t, db.UpdateImage(ctx, *img))

	_, err = db.GetImage(ctx, 1, "sha256:v1")
	assert.ErrorIs(t, err, engine.ErrNotFound)
	res, err = db.GetImage(ctx, 1, "sha256:v2")
	require.NoError(t, err)
	assert.Equal(t, img.Manifest, res.Manifest)

	assert.ErrorIs(t, db.UpdateImage(ctx, store.Image{ID: 100, Version: "sha256:x"}), engine.ErrNotFound)

	ctxCancel()
	wg.Wait()
}

func TestEmbedded_Tags(t *testing.T) {
	ctx, ctxCancel := context.WithCancel(context.Background())
	var wg = new(sync.WaitGroup)
	db := prepareTestDB(ctx, t, wg)

	img1 := &store.Image{RepositoryID: 1, Version: "sha256:v1"}
	img2 := &store.Image{RepositoryID: 1, Version: "sha256:v2"}
	require.NoError(t, db.CreateImage(ctx, img1))
	require.NoError(t, db.CreateImage(ctx, img2))

	for _, tag := range []string{"d", "b", "a", "c"} {
		require.NoError(t, db.SetTag(ctx, 1, img1.ID, tag))
	}
	tags, err := db.FindTags(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, tags)

	// move tag to another image
	require.NoError(t, db.SetTag(ctx, 1, img2.ID, "a"))
	res, err := db.GetImageByTag(ctx, 1, "a")
	require.NoError(t, err)
	assert.Equal(t, img2.ID, res.ID)

	tags, err = db.ImageTags(ctx, img1.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "d"}, tags)

	_, err = db.GetImageByTag(ctx, 1, "unknown")
	assert.ErrorIs(t, err, engine.ErrNotFound)
	_, err = db.GetImageByTag(ctx, 2, "a")
	assert.ErrorIs(t, err, engine.ErrNotFound)

	require.NoError(t, db.DeleteTag(ctx, 1, "b"))
	assert.ErrorIs(t, db.DeleteTag(ctx, 1, "b"), engine.ErrNotFound)

	images, err := db.FindImages(ctx, 1)
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, []string{"c", "d"}, images[0].Tags)
	assert.Equal(t, []string{"a"}, images[1].Tags)

	// image delete cascades tags
	require.NoError(t, db.DeleteImage(ctx, img1.ID))
	tags, err = db.FindTags(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, tags)
	assert.ErrorIs(t, db.DeleteImage(ctx, img1.ID), engine.ErrNotFound)

	ctxCancel()
	wg.Wait()
}

func TestEmbedded_AnnotationsAndLinks(t *testing.T) {
	ctx, ctxCancel := context.WithCancel(context.Background())
	var wg = new(sync.WaitGroup)
	db := prepareTestDB(ctx, t, wg)

	img := &store.Image{RepositoryID: 1, Version: "sha256:v1"}
	require.NoError(t, db.CreateImage(ctx, img))

	require.NoError(t, db.SetAnnotations(ctx, img.ID, map[string]string{"a": "1", "b": "2"}))
	require.NoError(t, db.SetAnnotations(ctx, img.ID, map[string]string{"c": "3"}))
	ann, err := db.GetAnnotations(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"c": "3"}, ann)

	x := &store.Blob{RepositoryID: 1, Digest: "sha256:x"}
	y := &store.Blob{RepositoryID: 1, Digest: "sha256:y"}
	require.NoError(t, db.CreateBlob(ctx, x))
	require.NoError(t, db.CreateBlob(ctx, y))

	require.NoError(t, db.LinkBlob(ctx, img.ID, x.ID))
	require.NoError(t, db.LinkBlob(ctx, img.ID, x.ID)) // repeated link
	require.NoError(t, db.LinkBlob(ctx, img.ID, y.ID))

	blobs, err := db.ImageBlobs(ctx, img.ID)
	require.NoError(t, err)
	require.Len(t, blobs, 2)
	assert.Equal(t, "sha256:x", blobs[0].Digest)

	refs, err := db.BlobReferences(ctx, x.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), refs)

	require.NoError(t, db.UnlinkBlob(ctx, img.ID, x.ID))
	refs, err = db.BlobReferences(ctx, x.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), refs)

	// blob delete removes its links
	require.NoError(t, db.DeleteBlob(ctx, y.ID))
	blobs, err = db.ImageBlobs(ctx, img.ID)
	require.NoError(t, err)
	assert.Empty(t, blobs)

	ctxCancel()
	wg.Wait()
}
