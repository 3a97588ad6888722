// Package blobs keeps bytes of registry blobs on a local filesystem.
// Upload sessions are plain files under `_uploads` which grow chunk by chunk and move
// to a content addressed path when an upload is finished.
package blobs

import (
	"io"
	"os"
	"path/filepath"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/hashicorp/go-multierror"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/zebox/oci-registry/app/oci"
)

const (
	uploadsDirName = "_uploads"
	reposDirName   = "repositories"

	// blobsDirName can't clash with repository path component, they start with alphanumeric
	blobsDirName = "_blobs"
)

var (
	// ErrNotFound returned when blob or session file doesn't exist
	ErrNotFound = errors.New("blob data not found")

	// ErrOffsetMismatch returned when chunk doesn't start at the end of received data
	ErrOffsetMismatch = errors.New("chunk offset doesn't match upload size")

	// ErrSizeMismatch returned when received chunk length differs from declared one
	ErrSizeMismatch = errors.New("chunk size doesn't match declared length")
)

// FileSystem stores blobs under root directory:
//
//	<root>/_uploads/<session>
//	<root>/repositories/<repository>/_blobs/<algorithm>/<hex[0:2]>/<hex>
type FileSystem struct {
	root string
	l    log.L
}

// NewFileSystem creates blob storage at root path
func NewFileSystem(root string, l log.L) (*FileSystem, error) {
	if root == "" {
		return nil, errors.New("blobs root path is required")
	}
	if l == nil {
		l = log.Default()
	}

	for _, dir := range []string{filepath.Join(root, uploadsDirName), filepath.Join(root, reposDirName)} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, errors.Wrapf(err, "failed to create blobs directory %s", dir)
		}
	}
	return &FileSystem{root: root, l: l}, nil
}

// CreateSession creates empty file for upload session
func (fs *FileSystem) CreateSession(session string) error {
	f, err := os.OpenFile(fs.sessionPath(session), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640) //nolint:gosec
	if err != nil {
		return errors.Wrapf(err, "failed to create session file %s", session)
	}
	return f.Close()
}

// SessionSize returns number of bytes received by session
func (fs *FileSystem) SessionSize(session string) (int64, error) {
	return fileSize(fs.sessionPath(session))
}

// WriteAt appends chunk to session data. The chunk must start exactly at current size.
// A positive length is the declared chunk size, received data with other length is
// rolled back and ErrSizeMismatch returned. Negative length accepts the whole reader.
func (fs *FileSystem) WriteAt(session string, offset int64, r io.Reader, length int64) (size int64, err error) {
	f, err := os.OpenFile(fs.sessionPath(session), os.O_WRONLY, 0) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, errors.Wrapf(err, "failed to open session file %s", session)
	}
	defer func() {
		if errClose := f.Close(); errClose != nil && err == nil {
			err = errors.Wrap(errClose, "failed to close session file")
		}
	}()

	current, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.Wrap(err, "failed to seek session file")
	}
	if current != offset {
		return current, errors.Wrapf(ErrOffsetMismatch, "offset %d, stored %d", offset, current)
	}

	src := r
	if length >= 0 {
		// one extra byte reveals a body longer than declared
		src = io.LimitReader(r, length+1)
	}

	n, err := io.Copy(f, src)
	if err == nil && length >= 0 && n != length {
		err = errors.Wrapf(ErrSizeMismatch, "declared %d, received %d", length, n)
	}
	if err != nil {
		if errTrunc := f.Truncate(current); errTrunc != nil {
			fs.l.Logf("[ERROR] failed to roll back session %s to %d bytes: %v", session, current, errTrunc)
		}
		return current, err
	}
	return current + n, nil
}

// VerifySession checks session data against declared digest
func (fs *FileSystem) VerifySession(session, declared string) (digest.Digest, int64, error) {
	path := fs.sessionPath(session)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", 0, ErrNotFound
	}
	return oci.VerifyFile(declared, path)
}

// CommitSession moves session data to content addressed path of repository.
// Already stored content with the same digest is kept and session data dropped.
func (fs *FileSystem) CommitSession(session, repository string, d digest.Digest) error {
	src := fs.sessionPath(session)
	dst := fs.blobPath(repository, d)

	if _, err := os.Stat(dst); err == nil {
		fs.l.Logf("[DEBUG] blob %s already stored at %s, drop session data", d, repository)
		return fs.DeleteSession(session)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return errors.Wrap(err, "failed to create blob directory")
	}
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return errors.Wrapf(err, "failed to move session %s to blob %s", session, d)
	}
	return nil
}

// DeleteSession removes session data, missing data isn't an error
func (fs *FileSystem) DeleteSession(session string) error {
	if err := os.Remove(fs.sessionPath(session)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete session %s", session)
	}
	return nil
}

// PurgeSessions removes upload files not modified since the time given.
// It catches data of sessions which index rows are gone already.
func (fs *FileSystem) PurgeSessions(before time.Time) (count int, err error) {
	dir := filepath.Join(fs.root, uploadsDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read uploads directory")
	}

	for _, entry := range entries {
		info, errInfo := entry.Info()
		if errInfo != nil || entry.IsDir() || !info.ModTime().Before(before) {
			continue
		}
		if errRemove := os.Remove(filepath.Join(dir, entry.Name())); errRemove != nil && !os.IsNotExist(errRemove) {
			err = multierror.Append(err, errRemove)
			continue
		}
		count++
	}
	return count, err
}

// WriteBlob stores whole blob content at once. The content is written to a temporary file
// and verified against declared digest before it gets the final path.
func (fs *FileSystem) WriteBlob(repository, declared string, r io.Reader) (d digest.Digest, size int64, err error) {
	tmp, err := os.CreateTemp(filepath.Join(fs.root, uploadsDirName), "whole-*")
	if err != nil {
		return "", 0, errors.Wrap(err, "failed to create temporary blob file")
	}
	defer func() {
		if tmp != nil {
			_ = tmp.Close()
			if errRemove := os.Remove(tmp.Name()); errRemove != nil && !os.IsNotExist(errRemove) {
				fs.l.Logf("[WARN] failed to remove temporary blob file %s: %v", tmp.Name(), errRemove)
			}
		}
	}()

	cw := &countingWriter{w: tmp}
	if d, err = oci.Verify(declared, io.TeeReader(r, cw)); err != nil {
		return d, 0, err
	}
	if err = tmp.Sync(); err != nil {
		return "", 0, errors.Wrap(err, "failed to sync blob file")
	}
	if err = tmp.Close(); err != nil {
		return "", 0, errors.Wrap(err, "failed to close blob file")
	}

	dst := fs.blobPath(repository, d)
	if _, errStat := os.Stat(dst); errStat == nil {
		return d, cw.n, nil
	}
	if err = os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", 0, errors.Wrap(err, "failed to create blob directory")
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return "", 0, errors.Wrapf(err, "failed to move blob %s", d)
	}
	tmp = nil
	return d, cw.n, nil
}

// Open returns reader of blob content and its size
func (fs *FileSystem) Open(repository string, d digest.Digest) (io.ReadSeekCloser, int64, error) {
	f, err := os.Open(fs.blobPath(repository, d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, errors.Wrapf(err, "failed to open blob %s", d)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, errors.Wrapf(err, "failed to stat blob %s", d)
	}
	return f, info.Size(), nil
}

// Stat returns size of stored blob
func (fs *FileSystem) Stat(repository string, d digest.Digest) (int64, error) {
	return fileSize(fs.blobPath(repository, d))
}

// Delete removes blob content of repository
func (fs *FileSystem) Delete(repository string, d digest.Digest) error {
	if err := os.Remove(fs.blobPath(repository, d)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return errors.Wrapf(err, "failed to delete blob %s", d)
	}
	return nil
}

// Link makes blob of source repository available at target repository without upload.
// Hard link is used when possible, otherwise content is copied.
func (fs *FileSystem) Link(source, target string, d digest.Digest) error {
	src := fs.blobPath(source, d)
	dst := fs.blobPath(target, d)

	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return errors.Wrapf(err, "failed to stat blob %s", d)
	}
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return errors.Wrap(err, "failed to create blob directory")
	}

	if err := os.Link(src, dst); err == nil {
		return nil
	} else if os.IsExist(err) {
		return nil
	} else {
		fs.l.Logf("[DEBUG] can't link blob %s from %s, copy it: %v", d, source, err)
	}

	in, err := os.Open(src) //nolint:gosec
	if err != nil {
		return errors.Wrapf(err, "failed to open blob %s", d)
	}
	defer func() { _ = in.Close() }()

	_, _, err = fs.WriteBlob(target, d.String(), in)
	return err
}

// DeleteRepository removes all blobs of repository
func (fs *FileSystem) DeleteRepository(repository string) error {
	if err := os.RemoveAll(fs.repositoryPath(repository)); err != nil {
		return errors.Wrapf(err, "failed to delete blobs of %s", repository)
	}
	return nil
}

func (fs *FileSystem) sessionPath(session string) string {
	return filepath.Join(fs.root, uploadsDirName, filepath.Base(session))
}

func (fs *FileSystem) repositoryPath(repository string) string {
	return filepath.Join(fs.root, reposDirName, filepath.FromSlash(repository), blobsDirName)
}

func (fs *FileSystem) blobPath(repository string, d digest.Digest) string {
	hex := d.Encoded()
	prefix := hex
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(fs.repositoryPath(repository), d.Algorithm().String(), prefix, hex)
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, errors.Wrapf(err, "failed to stat %s", path)
	}
	return info.Size(), nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
