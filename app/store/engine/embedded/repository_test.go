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

func TestEmbedded_CreateRepository(t *testing.T) {
	ctx, ctxCancel := context.WithCancel(context.Background())
	var wg = new(sync.WaitGroup)
	db := prepareTestDB(ctx, t, wg)

	repo := &store.Repository{Name: "team/app", Private: true, CreatedAt: 100, Owners: []int64{1}, Contributors: []int64{2, 3}}
	require.NoError(t, db.CreateRepository(ctx, repo))
	assert.NotEqual(t, int64(0), repo.ID)

	res, err := db.GetRepository(ctx, "team/app")
	require.NoError(t, err)
	assert.Equal(t, *repo, res)

	err = db.CreateRepository(ctx, &store.Repository{Name: "team/app"})
	assert.ErrorIs(t, err, engine.ErrAlreadyExists)

	assert.Error(t, db.CreateRepository(ctx, &store.Repository{}))

	_, err = db.GetRepository(ctx, "team/unknown")
	assert.ErrorIs(t, err, engine.ErrNotFound)

	ctxCancel()
	wg.Wait()
}

func TestEmbedded_FindRepositories(t *testing.T) {
	ctx, ctxCancel := context.WithCancel(context.Background())
	var wg = new(sync.WaitGroup)
	db := prepareTestDB(ctx, t, wg)

	require.NoError(t, db.CreateRepository(ctx, &store.Repository{Name: "public/one"}))
	require.NoError(t, db.CreateRepository(ctx, &store.Repository{Name: "private/two", Private: true, Owners: []int64{5}}))
	require.NoError(t, db.CreateRepository(ctx, &store.Repository{Name: "private/three", Private: true, Contributors: []int64{6}}))

	repos, err := db.FindRepositories(ctx, engine.QueryFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), repos.Total)
	require.Len(t, repos.Data, 3)
	assert.Equal(t, []int64{5}, repos.Data[1].(store.Repository).Owners)

	// visible for member 5: public and own private
	repos, err = db.FindRepositories(ctx, engine.QueryFilter{Filters: map[string]interface{}{engine.RepositoriesByMember: int64(5)}})
	require.NoError(t, err)
	require.Equal(t, int64(2), repos.Total)
	assert.Equal(t, "public/one", repos.Data[0].(store.Repository).Name)
	assert.Equal(t, "private/two", repos.Data[1].(store.Repository).Name)

	repos, err = db.FindRepositories(ctx, engine.QueryFilter{Filters: map[string]interface{}{"q": "private"}, Range: [2]int64{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), repos.Total)
	require.Len(t, repos.Data, 1)
	assert.Equal(t, "private/three", repos.Data[0].(store.Repository).Name)

	repos, err = db.FindRepositories(ctx, engine.QueryFilter{Sort: []string{"name", "asc"}})
	require.NoError(t, err)
	assert.Equal(t, "private/three", repos.Data[0].(store.Repository).Name)

	ctxCancel()
	wg.Wait()
}

func TestEmbedded_UpdateRepository(t *testing.T) {
	ctx, ctxCancel := context.WithCancel(context.Background())
	var wg = new(sync.WaitGroup)
	db := prepareTestDB(ctx, t, wg)

	repo := &store.Repository{Name: "team/app"}
	require.NoError(t, db.CreateRepository(ctx, repo))

	repo.Private = true
	repo.Name = "renamed" // name is immutable
	require.NoError(t, db.UpdateRepository(ctx, *repo))

	res, err := db.GetRepository(ctx, "team/app")
	require.NoError(t, err)
	assert.True(t, res.Private)

	assert.ErrorIs(t, db.UpdateRepository(ctx, store.Repository{ID: 100}), engine.ErrNotFound)

	ctxCancel()
	wg.Wait()
}

func TestEmbedded_DeleteRepository(t *testing.T) {
	ctx, ctxCancel := context.WithCancel(context.Background())
	var wg = new(sync.WaitGroup)
	db := prepareTestDB(ctx, t, wg)

	repo := &store.Repository{Name: "team/app", Owners: []int64{1}}
	require.NoError(t, db.CreateRepository(ctx, repo))
	other := &store.Repository{Name: "team/other"}
	require.NoError(t, db.CreateRepository(ctx, other))

	blob := &store.Blob{RepositoryID: repo.ID, Digest: "sha256:aaa", Size: 3}
	require.NoError(t, db.CreateBlob(ctx, blob))
	otherBlob := &store.Blob{RepositoryID: other.ID, Digest: "sha256:aaa", Size: 3}
	require.NoError(t, db.CreateBlob(ctx, otherBlob))

	img := &store.Image{RepositoryID: repo.ID, Version: "sha256:bbb", Manifest: []byte("{}")}
	require.NoError(t, db.CreateImage(ctx, img))
	require.NoError(t, db.SetTag(ctx, repo.ID, img.ID, "latest"))
	require.NoError(t, db.SetAnnotations(ctx, img.ID, map[string]string{"k": "v"}))
	require.NoError(t, db.LinkBlob(ctx, img.ID, blob.ID))

	require.NoError(t, db.DeleteRepository(ctx, repo.ID))

	_, err := db.GetRepository(ctx, "team/app")
	assert.ErrorIs(t, err, engine.ErrNotFound)
	_, err = db.GetBlobByID(ctx, blob.ID)
	assert.ErrorIs(t, err, engine.ErrNotFound)
	_, err = db.GetImage(ctx, repo.ID, "sha256:bbb")
	assert.ErrorIs(t, err, engine.ErrNotFound)
	ann, err := db.GetAnnotations(ctx, img.ID)
	require.NoError(t, err)
	assert.Empty(t, ann)
	members, err := db.FindMembers(ctx, repo.ID)
	require.NoError(t, err)
	assert.Empty(t, members)
	refs, err := db.BlobReferences(ctx, blob.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), refs)

	// content of other repository untouched
	_, err = db.GetBlob(ctx, other.ID, "sha256:aaa")
	assert.NoError(t, err)

	assert.ErrorIs(t, db.DeleteRepository(ctx, repo.ID), engine.ErrNotFound)

	ctxCancel()
	wg.Wait()
}
