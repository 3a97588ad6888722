package service

import (
	"context"
	"fmt"
	"io"
	"mime"
	"strconv"
	"strings"
	"time"

	"github.com/docker/distribution/notifications"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/zebox/oci-registry/app/oci"
	"github.com/zebox/oci-registry/app/sessions"
	"github.com/zebox/oci-registry/app/store"
	"github.com/zebox/oci-registry/app/store/blobs"
	"github.com/zebox/oci-registry/app/store/engine"
)

const defaultBlobMediaType = "application/octet-stream"

// Upload is state of chunked blob upload
type Upload struct {
	ID         string // session id: <repository id>.<blob id>.<random>
	Repository string
	Size       int64 // bytes received
}

// Chunk is a part of upload data. Start < 0 means the chunk has no declared range
// and continues received data. Length < 0 means the length is unknown.
type Chunk struct {
	Start, End int64
	Length     int64
	Body       io.Reader
}

// StartUpload opens upload session of blob in repository. Missing repository is created.
func (ds *DataService) StartUpload(ctx context.Context, name string) (Upload, error) {
	name, err := normalizeName(name)
	if err != nil {
		return Upload{}, err
	}
	repo, err := ds.ensureRepository(ctx, name)
	if err != nil {
		return Upload{}, err
	}

	blob := &store.Blob{
		RepositoryID: repo.ID,
		Digest:       store.NewSessionDigest(),
		MediaType:    defaultBlobMediaType,
		CreatedAt:    time.Now().Unix(),
	}
	if err = ds.Storage.CreateBlob(ctx, blob); err != nil {
		return Upload{}, errors.Wrap(err, "failed to create upload session")
	}

	id := sessionID(*blob)
	if err = ds.Blobs.CreateSession(blob.SessionToken()); err != nil {
		_ = ds.Storage.DeleteBlob(ctx, blob.ID)
		return Upload{}, err
	}
	if err = ds.Sessions.Put(ctx, sessions.UploadPrefix+id, name, ds.sessionTTL()); err != nil {
		_ = ds.dropSession(ctx, id, *blob)
		return Upload{}, errors.Wrap(err, "failed to register upload session")
	}

	ds.logger().Logf("[DEBUG] upload %s started at %s", id, name)
	return Upload{ID: id, Repository: name}, nil
}

// UploadStatus returns progress of live upload session
func (ds *DataService) UploadStatus(ctx context.Context, name, id string) (Upload, error) {
	name, blob, err := ds.liveSession(ctx, name, id)
	if err != nil {
		return Upload{}, err
	}
	size, err := ds.Blobs.SessionSize(blob.SessionToken())
	if err != nil {
		return Upload{}, sessionDataError(err)
	}
	return Upload{ID: id, Repository: name, Size: size}, nil
}

// WriteChunk appends chunk to upload. Session stays open for following chunks.
func (ds *DataService) WriteChunk(ctx context.Context, name, id string, chunk Chunk) (Upload, error) {
	name, blob, err := ds.liveSession(ctx, name, id)
	if err != nil {
		return Upload{}, err
	}

	unlock := ds.locks.Lock(sessions.UploadPrefix + id)
	defer unlock()

	size, err := ds.writeChunk(blob, chunk)
	if err != nil {
		return Upload{}, err
	}
	return Upload{ID: id, Repository: name, Size: size}, nil
}

// FinishUpload closes upload session with optional last chunk and stores the blob under declared digest.
// Session is consumed before any data written, a repeated call with the same id fails.
func (ds *DataService) FinishUpload(ctx context.Context, name, id, declared string, chunk *Chunk) (store.Blob, error) {
	name, err := normalizeName(name)
	if err != nil {
		return store.Blob{}, err
	}
	if _, err = oci.ParseDigest(declared); err != nil {
		return store.Blob{}, err
	}

	_, blobID, _, err := parseSessionID(id)
	if err != nil {
		return store.Blob{}, err
	}
	if err = ds.consumeSession(ctx, name, id); err != nil {
		return store.Blob{}, err
	}

	blob, err := ds.sessionBlob(ctx, id, blobID)
	if err != nil {
		return store.Blob{}, err
	}

	unlock := ds.locks.Lock(sessions.UploadPrefix + id)
	defer unlock()

	if chunk != nil && chunk.Body != nil && chunk.Length != 0 {
		if _, err = ds.writeChunk(blob, *chunk); err != nil {
			if errors.Is(err, ErrRangeInvalid) || errors.Is(err, ErrSizeInvalid) {
				// received data is kept, the client may retry the failed range
				if errPut := ds.Sessions.Put(ctx, sessions.UploadPrefix+id, name, ds.sessionTTL()); errPut != nil {
					ds.logger().Logf("[WARN] failed to restore upload session %s: %v", id, errPut)
				}
			}
			return store.Blob{}, err
		}
	}

	d, size, err := ds.Blobs.VerifySession(blob.SessionToken(), declared)
	if err != nil {
		if errors.Is(err, blobs.ErrNotFound) {
			return store.Blob{}, ErrBlobUploadUnknown
		}
		if errDrop := ds.dropSession(ctx, id, blob); errDrop != nil {
			ds.logger().Logf("[WARN] failed to drop upload session %s: %v", id, errDrop)
		}
		return store.Blob{}, err
	}

	repoUnlock := ds.locks.Lock(name)
	defer repoUnlock()

	existing, err := ds.Storage.GetBlob(ctx, blob.RepositoryID, d.String())
	if err == nil {
		// identical content stored already
		if errDrop := ds.dropSession(ctx, id, blob); errDrop != nil {
			ds.logger().Logf("[WARN] failed to drop upload session %s: %v", id, errDrop)
		}
		ds.logger().Logf("[DEBUG] upload %s deduplicated to blob %s", id, d)
		if err = ds.linkWaitingImages(ctx, name, existing); err != nil {
			return store.Blob{}, errors.Wrapf(err, "failed to link blob %s", d)
		}
		return existing, nil
	}
	if !errors.Is(err, engine.ErrNotFound) {
		return store.Blob{}, err
	}

	if err = ds.Blobs.CommitSession(blob.SessionToken(), name, d); err != nil {
		return store.Blob{}, err
	}
	blob.Digest = d.String()
	blob.Size = size
	if err = ds.Storage.UpdateBlob(ctx, blob); err != nil {
		return store.Blob{}, errors.Wrapf(err, "failed to finalize blob %s", d)
	}
	if err = ds.linkWaitingImages(ctx, name, blob); err != nil {
		return store.Blob{}, errors.Wrapf(err, "failed to link blob %s", d)
	}

	ds.logger().Logf("[DEBUG] upload %s finished as blob %s of %s, size %d", id, d, name, size)
	ds.notify(ctx, notifications.EventActionPush, eventTarget{Repository: name, MediaType: blob.MediaType, Digest: d, Size: size})
	return blob, nil
}

// CancelUpload drops upload session with received data
func (ds *DataService) CancelUpload(ctx context.Context, name, id string) error {
	name, err := normalizeName(name)
	if err != nil {
		return err
	}
	_, blobID, _, err := parseSessionID(id)
	if err != nil {
		return err
	}
	if err = ds.consumeSession(ctx, name, id); err != nil {
		return err
	}

	blob, err := ds.sessionBlob(ctx, id, blobID)
	if err != nil {
		return err
	}
	return ds.dropSession(ctx, id, blob)
}

// PutBlob stores whole blob with one request. Content with the same digest stored already isn't an error.
func (ds *DataService) PutBlob(ctx context.Context, name, declared, contentType string, length int64, body io.Reader) (store.Blob, error) {
	name, err := normalizeName(name)
	if err != nil {
		return store.Blob{}, err
	}
	if contentType, err = ds.checkContentType(contentType); err != nil {
		return store.Blob{}, err
	}
	if _, err = oci.ParseDigest(declared); err != nil {
		return store.Blob{}, err
	}

	repo, err := ds.ensureRepository(ctx, name)
	if err != nil {
		return store.Blob{}, err
	}

	if length >= 0 {
		body = &exactReader{r: body, left: length}
	}
	d, size, err := ds.Blobs.WriteBlob(name, declared, body)
	if err != nil {
		return store.Blob{}, err
	}

	unlock := ds.locks.Lock(name)
	defer unlock()

	existing, err := ds.Storage.GetBlob(ctx, repo.ID, d.String())
	if err == nil {
		if err = ds.linkWaitingImages(ctx, name, existing); err != nil {
			return store.Blob{}, errors.Wrapf(err, "failed to link blob %s", d)
		}
		return existing, nil
	}
	if !errors.Is(err, engine.ErrNotFound) {
		return store.Blob{}, err
	}

	blob := store.Blob{RepositoryID: repo.ID, Digest: d.String(), MediaType: contentType, Size: size, CreatedAt: time.Now().Unix()}
	if err = ds.Storage.CreateBlob(ctx, &blob); err != nil {
		return store.Blob{}, errors.Wrapf(err, "failed to create blob %s", d)
	}
	if err = ds.linkWaitingImages(ctx, name, blob); err != nil {
		return store.Blob{}, errors.Wrapf(err, "failed to link blob %s", d)
	}

	ds.logger().Logf("[DEBUG] blob %s of %s stored, size %d", d, name, size)
	ds.notify(ctx, notifications.EventActionPush, eventTarget{Repository: name, MediaType: contentType, Digest: d, Size: size})
	return blob, nil
}

// MountBlob makes blob of repository 'from' available in repository 'name' without upload.
// When the source blob can't be used an upload session is started instead and mounted is false.
func (ds *DataService) MountBlob(ctx context.Context, name, from, declared string) (blob store.Blob, mounted bool, upload Upload, err error) {
	if name, err = normalizeName(name); err != nil {
		return blob, false, upload, err
	}

	source, d, ok := ds.mountSource(ctx, from, declared)
	if !ok {
		upload, err = ds.StartUpload(ctx, name)
		return blob, false, upload, err
	}

	repo, err := ds.ensureRepository(ctx, name)
	if err != nil {
		return blob, false, upload, err
	}

	unlock := ds.locks.Lock(name)
	defer unlock()

	if blob, err = ds.Storage.GetBlob(ctx, repo.ID, d.String()); err == nil {
		if err = ds.linkWaitingImages(ctx, name, blob); err != nil {
			return blob, false, upload, errors.Wrapf(err, "failed to link blob %s", d)
		}
		return blob, true, upload, nil
	}
	if !errors.Is(err, engine.ErrNotFound) {
		return blob, false, upload, err
	}

	if err = ds.Blobs.Link(source.Name, name, d); err != nil {
		return blob, false, upload, err
	}
	blob = store.Blob{RepositoryID: repo.ID, Digest: d.String(), MediaType: source.blob.MediaType, Size: source.blob.Size, CreatedAt: time.Now().Unix()}
	if err = ds.Storage.CreateBlob(ctx, &blob); err != nil {
		return blob, false, upload, errors.Wrapf(err, "failed to create mounted blob %s", d)
	}
	if err = ds.linkWaitingImages(ctx, name, blob); err != nil {
		return blob, false, upload, errors.Wrapf(err, "failed to link blob %s", d)
	}

	ds.logger().Logf("[DEBUG] blob %s mounted from %s to %s", d, source.Name, name)
	ds.notify(ctx, notifications.EventActionMount, eventTarget{Repository: name, FromRepository: source.Name,
		MediaType: blob.MediaType, Digest: d, Size: blob.Size})
	return blob, true, upload, nil
}

type mountSource struct {
	store.Repository
	blob store.Blob
}

// mountSource returns source of mount when it exists and visible to the actor
func (ds *DataService) mountSource(ctx context.Context, from, declared string) (source mountSource, d digest.Digest, ok bool) {
	var err error
	if d, err = oci.ParseDigest(declared); err != nil || from == "" {
		return source, d, false
	}
	if source.Repository, err = ds.Repository(ctx, from); err != nil {
		return source, d, false
	}
	if actor := ActorFromContext(ctx); source.Private && !actor.Unrestricted && !source.IsMember(actor.UserID) {
		return source, d, false
	}
	if source.blob, err = ds.Storage.GetBlob(ctx, source.ID, d.String()); err != nil {
		return source, d, false
	}
	return source, d, true
}

// Blob returns blob of repository
func (ds *DataService) Blob(ctx context.Context, name, ref string) (store.Blob, error) {
	repo, err := ds.Repository(ctx, name)
	if err != nil {
		return store.Blob{}, err
	}
	d, err := oci.ParseDigest(ref)
	if err != nil {
		return store.Blob{}, ErrBlobUnknown
	}

	blob, err := ds.Storage.GetBlob(ctx, repo.ID, d.String())
	if errors.Is(err, engine.ErrNotFound) {
		return blob, ErrBlobUnknown
	}
	return blob, err
}

// OpenBlob returns blob with reader of its content
func (ds *DataService) OpenBlob(ctx context.Context, name, ref string) (store.Blob, io.ReadSeekCloser, error) {
	blob, err := ds.Blob(ctx, name, ref)
	if err != nil {
		return blob, nil, err
	}

	repoName, _ := normalizeName(name)
	rc, size, err := ds.Blobs.Open(repoName, digest.Digest(blob.Digest))
	if err != nil {
		if errors.Is(err, blobs.ErrNotFound) {
			ds.logger().Logf("[ERROR] data of blob %s at %s is missing", blob.Digest, repoName)
			return blob, nil, ErrBlobUnknown
		}
		return blob, nil, err
	}
	blob.Size = size

	ds.notify(ctx, notifications.EventActionPull, eventTarget{Repository: repoName, MediaType: blob.MediaType,
		Digest: digest.Digest(blob.Digest), Size: size})
	return blob, rc, nil
}

// DeleteBlob removes blob from repository
func (ds *DataService) DeleteBlob(ctx context.Context, name, ref string) error {
	if !ds.DeleteEnabled {
		return ErrDeleteDisabled
	}
	blob, err := ds.Blob(ctx, name, ref)
	if err != nil {
		return err
	}

	repoName, _ := normalizeName(name)
	unlock := ds.locks.Lock(repoName)
	defer unlock()

	if err = ds.Storage.DeleteBlob(ctx, blob.ID); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return ErrBlobUnknown
		}
		return err
	}
	if err = ds.Blobs.Delete(repoName, digest.Digest(blob.Digest)); err != nil && !errors.Is(err, blobs.ErrNotFound) {
		return err
	}

	ds.notify(ctx, notifications.EventActionDelete, eventTarget{Repository: repoName, Digest: digest.Digest(blob.Digest)})
	return nil
}

// writeChunk validates chunk range against received data and appends it
func (ds *DataService) writeChunk(blob store.Blob, chunk Chunk) (int64, error) {
	session := blob.SessionToken()
	size, err := ds.Blobs.SessionSize(session)
	if err != nil {
		return 0, sessionDataError(err)
	}

	length := chunk.Length
	if chunk.Start >= 0 {
		rangeLength := chunk.End - chunk.Start + 1
		if length >= 0 && length != rangeLength {
			return size, errors.Wrapf(ErrRangeInvalid, "range %d-%d doesn't match content length %d", chunk.Start, chunk.End, length)
		}
		if size == 0 && chunk.Start != 0 {
			return size, errors.Wrapf(ErrRangeInvalid, "first chunk starts at %d", chunk.Start)
		}
		if chunk.Start != size {
			return size, errors.Wrapf(ErrRangeInvalid, "chunk starts at %d, received %d", chunk.Start, size)
		}
		length = rangeLength
	}

	size, err = ds.Blobs.WriteAt(session, size, chunk.Body, length)
	switch {
	case errors.Is(err, blobs.ErrOffsetMismatch):
		return size, errors.Wrap(ErrRangeInvalid, err.Error())
	case errors.Is(err, blobs.ErrSizeMismatch) && chunk.Start >= 0:
		return size, errors.Wrap(ErrRangeInvalid, err.Error())
	case errors.Is(err, blobs.ErrSizeMismatch):
		return size, errors.Wrap(ErrSizeInvalid, err.Error())
	case err != nil:
		return size, sessionDataError(err)
	}
	return size, nil
}

// liveSession checks session id is live and belongs to repository
func (ds *DataService) liveSession(ctx context.Context, name, id string) (string, store.Blob, error) {
	name, err := normalizeName(name)
	if err != nil {
		return "", store.Blob{}, err
	}
	_, blobID, _, err := parseSessionID(id)
	if err != nil {
		return "", store.Blob{}, err
	}

	owner, ok, err := ds.Sessions.Get(ctx, sessions.UploadPrefix+id)
	if err != nil {
		return "", store.Blob{}, errors.Wrap(err, "failed to get upload session")
	}
	if !ok || owner != name {
		return "", store.Blob{}, ErrBlobUploadUnknown
	}

	blob, err := ds.sessionBlob(ctx, id, blobID)
	return name, blob, err
}

// consumeSession takes live session of repository, only one caller succeeds for the same id
func (ds *DataService) consumeSession(ctx context.Context, name, id string) error {
	owner, ok, err := ds.Sessions.Get(ctx, sessions.UploadPrefix+id)
	if err != nil {
		return errors.Wrap(err, "failed to get upload session")
	}
	if !ok || owner != name {
		return ErrBlobUploadUnknown
	}

	if _, ok, err = ds.Sessions.Consume(ctx, sessions.UploadPrefix+id); err != nil {
		return errors.Wrap(err, "failed to consume upload session")
	}
	if !ok {
		return ErrBlobUploadUnknown
	}
	return nil
}

// sessionBlob returns placeholder blob of session
func (ds *DataService) sessionBlob(ctx context.Context, id string, blobID int64) (store.Blob, error) {
	blob, err := ds.Storage.GetBlobByID(ctx, blobID)
	if errors.Is(err, engine.ErrNotFound) {
		return blob, ErrBlobUploadUnknown
	}
	if err != nil {
		return blob, err
	}
	if !blob.IsSession() || sessionID(blob) != id {
		return blob, ErrBlobUploadUnknown
	}
	return blob, nil
}

// dropSession removes everything belongs to upload session
func (ds *DataService) dropSession(ctx context.Context, id string, blob store.Blob) error {
	if err := ds.Sessions.Invalidate(ctx, sessions.UploadPrefix+id); err != nil {
		return err
	}
	if err := ds.Blobs.DeleteSession(blob.SessionToken()); err != nil {
		return err
	}
	if err := ds.Storage.DeleteBlob(ctx, blob.ID); err != nil && !errors.Is(err, engine.ErrNotFound) {
		return errors.Wrapf(err, "failed to delete session blob %d", blob.ID)
	}
	return nil
}

func (ds *DataService) checkContentType(contentType string) (string, error) {
	if contentType == "" {
		contentType = defaultBlobMediaType
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", errors.Wrap(ErrContentTypeUnsupported, err.Error())
	}
	if len(ds.ContentTypes) == 0 {
		return mediaType, nil
	}
	for _, allowed := range ds.ContentTypes {
		if strings.EqualFold(allowed, mediaType) {
			return mediaType, nil
		}
	}
	return "", errors.Wrapf(ErrContentTypeUnsupported, "%q", mediaType)
}

// sessionID builds upload id of session blob
func sessionID(blob store.Blob) string {
	return fmt.Sprintf("%d.%d.%s", blob.RepositoryID, blob.ID, blob.SessionToken())
}

func parseSessionID(id string) (repositoryID, blobID int64, token string, err error) {
	parts := strings.SplitN(id, ".", 3)
	if len(parts) != 3 || parts[2] == "" {
		return 0, 0, "", ErrBlobUploadUnknown
	}
	if repositoryID, err = strconv.ParseInt(parts[0], 10, 64); err != nil {
		return 0, 0, "", ErrBlobUploadUnknown
	}
	if blobID, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
		return 0, 0, "", ErrBlobUploadUnknown
	}
	return repositoryID, blobID, parts[2], nil
}

func sessionDataError(err error) error {
	if errors.Is(err, blobs.ErrNotFound) {
		return ErrBlobUploadUnknown
	}
	return err
}

// exactReader fails when content length differs from declared one
type exactReader struct {
	r    io.Reader
	left int64
}

func (e *exactReader) Read(p []byte) (int, error) {
	if e.left <= 0 {
		var one [1]byte
		if n, _ := io.ReadFull(e.r, one[:]); n > 0 {
			return 0, errors.Wrap(ErrSizeInvalid, "body is longer than content length")
		}
		return 0, io.EOF
	}

	if int64(len(p)) > e.left {
		p = p[:e.left]
	}
	n, err := e.r.Read(p)
	e.left -= int64(n)
	if err == io.EOF && e.left > 0 {
		return n, errors.Wrap(ErrSizeInvalid, "body is shorter than content length")
	}
	return n, err
}
