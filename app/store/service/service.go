// Package service implements content storage of the registry: blob uploads, manifests and tags
// of repositories, notifications about changes and maintenance of stored data.
// Index rows are kept by engine.Interface, bytes of blobs by a BlobStore.
package service

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/docker/distribution/notifications"
	log "github.com/go-pkgz/lgr"
	"github.com/hashicorp/go-multierror"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/zebox/oci-registry/app/oci"
	"github.com/zebox/oci-registry/app/sessions"
	"github.com/zebox/oci-registry/app/store"
	"github.com/zebox/oci-registry/app/store/blobs"
	"github.com/zebox/oci-registry/app/store/engine"
)

const (
	defaultSessionTTL  = 10 * time.Minute
	defaultOrphanGrace = 24 * time.Hour
)

// ErrMaintenanceRunning returned when maintenance called while previous run isn't finished
var ErrMaintenanceRunning = errors.New("maintenance task currently running")

// BlobStore keeps bytes of blobs and upload sessions
type BlobStore interface {
	CreateSession(session string) error
	SessionSize(session string) (int64, error)
	WriteAt(session string, offset int64, r io.Reader, length int64) (int64, error)
	VerifySession(session, declared string) (digest.Digest, int64, error)
	CommitSession(session, repository string, d digest.Digest) error
	DeleteSession(session string) error
	PurgeSessions(before time.Time) (int, error)

	WriteBlob(repository, declared string, r io.Reader) (digest.Digest, int64, error)
	Open(repository string, d digest.Digest) (io.ReadSeekCloser, int64, error)
	Stat(repository string, d digest.Digest) (int64, error)
	Delete(repository string, d digest.Digest) error
	Link(source, target string, d digest.Digest) error
	DeleteRepository(repository string) error
}

// Config defines behaviour of registry storage
type Config struct {
	Hostname      string        // public URL of registry, used by event records
	SessionTTL    time.Duration // lifetime of upload session
	OrphanGrace   time.Duration // age of blob not used by any image before it's collected
	PrivateOnly   bool          // repositories created by push are private
	DeleteEnabled bool
	ContentTypes  []string // allowed content types of monolithic blob upload, empty allows any
}

// DataService is service which allow manipulation of registry content
type DataService struct {
	Storage  engine.Interface
	Blobs    BlobStore
	Sessions sessions.Cache
	Sink     notifications.Sink // optional receiver of registry events
	Config

	L log.L

	// writes touching one repository are serialized
	locks keyedMutex

	// used for checks status of garbage collector
	// it prevents stacking task in queue and run in parallels
	isWorking bool
	mutex     sync.Mutex
}

// RepositoryDetails describes repository with its content
type RepositoryDetails struct {
	store.Repository
	Tags  []string `json:"tags"`
	Blobs int      `json:"blobs"`
}

// Repository returns repository by name
func (ds *DataService) Repository(ctx context.Context, name string) (store.Repository, error) {
	name, err := normalizeName(name)
	if err != nil {
		return store.Repository{}, err
	}

	repo, err := ds.Storage.GetRepository(ctx, name)
	if errors.Is(err, engine.ErrNotFound) {
		return repo, ErrRepositoryUnknown
	}
	return repo, err
}

// RepositoryDetails returns repository with its tags and number of blobs
func (ds *DataService) RepositoryDetails(ctx context.Context, name string) (details RepositoryDetails, err error) {
	if details.Repository, err = ds.Repository(ctx, name); err != nil {
		return details, err
	}
	if details.Tags, err = ds.Storage.FindTags(ctx, details.ID); err != nil {
		return details, err
	}
	list, err := ds.Storage.FindBlobs(ctx, details.ID)
	if err != nil {
		return details, err
	}
	details.Blobs = len(list)
	return details, nil
}

// SetRepositoryPrivate changes visibility of repository
func (ds *DataService) SetRepositoryPrivate(ctx context.Context, name string, private bool) error {
	repo, err := ds.Repository(ctx, name)
	if err != nil {
		return err
	}
	repo.Private = private
	return ds.Storage.UpdateRepository(ctx, repo)
}

// DeleteRepository removes repository with all images, tags and blobs
func (ds *DataService) DeleteRepository(ctx context.Context, name string) error {
	repo, err := ds.Repository(ctx, name)
	if err != nil {
		return err
	}

	unlock := ds.locks.Lock(repo.Name)
	defer unlock()

	if err = ds.Storage.DeleteRepository(ctx, repo.ID); err != nil {
		return errors.Wrapf(err, "failed to delete repository %s", repo.Name)
	}
	if err = ds.Blobs.DeleteRepository(repo.Name); err != nil {
		return err
	}

	ds.logger().Logf("[INFO] repository %s deleted", repo.Name)
	ds.notify(ctx, notifications.EventActionDelete, eventTarget{Repository: repo.Name})
	return nil
}

// Catalog returns sorted names of repositories visible to the actor of context.
// Listing starts after name 'last' when it's found, n < 0 returns all names.
func (ds *DataService) Catalog(ctx context.Context, n int, last string) (names []string, more bool, err error) {
	filter := engine.QueryFilter{Sort: []string{"name", "asc"}}
	if actor := ActorFromContext(ctx); !actor.Unrestricted {
		filter.Filters = map[string]interface{}{engine.RepositoriesByMember: actor.UserID}
	}

	repos, err := ds.Storage.FindRepositories(ctx, filter)
	if err != nil {
		return nil, false, err
	}

	for _, r := range repos.Data {
		names = append(names, r.(store.Repository).Name)
	}
	sort.Strings(names)
	names, more = paginate(names, n, last)
	return names, more, nil
}

// ensureRepository returns repository by name and creates it when missing.
// The actor of context becomes an owner of created repository.
func (ds *DataService) ensureRepository(ctx context.Context, name string) (store.Repository, error) {
	repo, err := ds.Storage.GetRepository(ctx, name)
	if err == nil || !errors.Is(err, engine.ErrNotFound) {
		return repo, err
	}

	repo = store.Repository{Name: name, Private: ds.PrivateOnly, CreatedAt: time.Now().Unix()}
	if actor := ActorFromContext(ctx); actor.UserID != 0 {
		repo.Owners = []int64{actor.UserID}
	}

	err = ds.Storage.CreateRepository(ctx, &repo)
	if errors.Is(err, engine.ErrAlreadyExists) {
		// created by concurrent push
		return ds.Storage.GetRepository(ctx, name)
	}
	if err != nil {
		return repo, errors.Wrapf(err, "failed to create repository %s", name)
	}

	ds.logger().Logf("[INFO] repository %s created, private: %v", name, repo.Private)
	return repo, nil
}

// repositoryName resolves name of repository by id
func (ds *DataService) repositoryName(ctx context.Context, id int64) (string, error) {
	repos, err := ds.Storage.FindRepositories(ctx, engine.QueryFilter{IDs: []int64{id}})
	if err != nil {
		return "", err
	}
	if repos.Total == 0 || len(repos.Data) == 0 {
		return "", ErrRepositoryUnknown
	}
	return repos.Data[0].(store.Repository).Name, nil
}

// RepositoriesMaintenance starts background task which removes abandoned uploads
// and blobs which aren't used by any image
func (ds *DataService) RepositoriesMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)

	// starting garbage collector background task
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				ds.logger().Logf("[DEBUG] repositories maintaining task stopped")
				return
			case <-ticker.C:
				if err := ds.doGarbageCollector(ctx); err != nil {
					ds.logger().Logf("[ERROR] %v", err)
				}
			}
		}
	}()
}

func (ds *DataService) doGarbageCollector(ctx context.Context) error {
	ds.mutex.Lock()
	if ds.isWorking {
		ds.mutex.Unlock()
		return ErrMaintenanceRunning
	}
	ds.isWorking = true
	ds.mutex.Unlock()

	defer func() {
		ds.mutex.Lock()
		ds.isWorking = false
		ds.mutex.Unlock()
	}()

	now := time.Now()
	var result error

	sessionsDeadline := now.Add(-ds.sessionTTL())
	stale, err := ds.Storage.StaleSessionBlobs(ctx, sessionsDeadline.Unix())
	if err != nil {
		return errors.Wrap(err, "failed to find stale upload sessions")
	}
	for _, b := range stale {
		if errClean := ds.dropSession(ctx, sessionID(b), b); errClean != nil {
			result = multierror.Append(result, errClean)
		}
	}

	if _, err = ds.Blobs.PurgeSessions(sessionsDeadline); err != nil {
		result = multierror.Append(result, err)
	}
	if err = ds.Sessions.DeleteExpired(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	orphans, err := ds.Storage.OrphanBlobs(ctx, now.Add(-ds.orphanGrace()).Unix())
	if err != nil {
		return multierror.Append(result, errors.Wrap(err, "failed to find orphan blobs"))
	}

	names := map[int64]string{}
	for _, b := range orphans {
		name, ok := names[b.RepositoryID]
		if !ok {
			if name, err = ds.repositoryName(ctx, b.RepositoryID); err != nil {
				result = multierror.Append(result, err)
				continue
			}
			names[b.RepositoryID] = name
		}

		unlock := ds.locks.Lock(name)
		if errGC := ds.collectBlob(ctx, name, b); errGC != nil {
			result = multierror.Append(result, errGC)
		}
		unlock()
	}

	ds.logger().Logf("[DEBUG] garbage collector task complete, stale sessions: %d, orphan blobs: %d", len(stale), len(orphans))
	if result != nil {
		return errors.Wrap(result, "garbage collector finished with errors")
	}
	return nil
}

// collectBlob deletes blob when no image refers it, the caller holds repository lock
func (ds *DataService) collectBlob(ctx context.Context, repository string, b store.Blob) error {
	refs, err := ds.Storage.BlobReferences(ctx, b.ID)
	if err != nil {
		return err
	}
	if refs > 0 {
		return nil
	}

	if err = ds.Storage.DeleteBlob(ctx, b.ID); err != nil && !errors.Is(err, engine.ErrNotFound) {
		return errors.Wrapf(err, "failed to delete blob %s", b.Digest)
	}

	d, err := oci.ParseDigest(b.Digest)
	if err != nil {
		return nil
	}
	if err = ds.Blobs.Delete(repository, d); err != nil && !errors.Is(err, blobs.ErrNotFound) {
		return err
	}
	ds.logger().Logf("[DEBUG] blob %s of %s collected", b.Digest, repository)
	return nil
}

func (ds *DataService) sessionTTL() time.Duration {
	if ds.SessionTTL <= 0 {
		return defaultSessionTTL
	}
	return ds.SessionTTL
}

func (ds *DataService) orphanGrace() time.Duration {
	if ds.OrphanGrace <= 0 {
		return defaultOrphanGrace
	}
	return ds.OrphanGrace
}

func (ds *DataService) logger() log.L {
	if ds.L == nil {
		return log.Default()
	}
	return ds.L
}

// paginate returns up to n items following 'last'. Unknown 'last' starts from the beginning.
func paginate(items []string, n int, last string) (page []string, more bool) {
	start := 0
	if last != "" {
		for i, v := range items {
			if v == last {
				start = i + 1
				break
			}
		}
	}

	end := len(items)
	if n >= 0 && start+n < end {
		end = start + n
	}
	if start >= end {
		return []string{}, false
	}
	return items[start:end], end < len(items)
}

func normalizeName(name string) (string, error) {
	normalized, err := oci.NormalizeName(name)
	if err != nil {
		return "", errors.Wrap(ErrNameInvalid, err.Error())
	}
	return normalized, nil
}

// keyedMutex provides lock per key, entries are dropped when unused
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

// Lock acquires lock of key and returns function releasing it
func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*refLock{}
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
