// Package oci implements content digests, image reference parsing and protocol value grammars
// used by the registry API.
package oci

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

var (
	// ErrDigestUnsupported returned when a declared digest uses an unknown hash algorithm
	ErrDigestUnsupported = errors.New("unsupported digest algorithm")

	// ErrDigestMismatch returned when content doesn't match a declared digest
	ErrDigestMismatch = errors.New("content digest mismatch")

	// ErrDigestInvalid returned when a declared digest value is malformed
	ErrDigestInvalid = errors.New("invalid digest format")
)

// Digest returns canonical (sha256) digest of content
func Digest(b []byte) digest.Digest {
	return digest.FromBytes(b)
}

// Hex returns bare lowercase sha256 hex of content
func Hex(b []byte) string {
	return digest.FromBytes(b).Encoded()
}

// ParseDigest parses a client declared digest. Hex part is accepted in any case and lowercased.
func ParseDigest(declared string) (digest.Digest, error) {
	i := strings.Index(declared, ":")
	if i <= 0 || i == len(declared)-1 {
		return "", ErrDigestInvalid
	}
	d := digest.Digest(strings.ToLower(declared[:i]) + ":" + strings.ToLower(declared[i+1:]))
	if err := d.Validate(); err != nil {
		if errors.Is(err, digest.ErrDigestUnsupported) {
			return "", ErrDigestUnsupported
		}
		return "", errors.Wrap(ErrDigestInvalid, err.Error())
	}
	return d, nil
}

// Verify reads content until EOF and checks it against declared digest.
// The algorithm named by declared digest is used for recompute.
func Verify(declared string, content io.Reader) (digest.Digest, error) {
	d, err := ParseDigest(declared)
	if err != nil {
		return "", err
	}

	computed, err := d.Algorithm().FromReader(content)
	if err != nil {
		return "", errors.Wrap(err, "failed to read content for digest")
	}

	if computed != d {
		return computed, errors.Wrapf(ErrDigestMismatch, "declared %s, computed %s", d, computed)
	}
	return d, nil
}

// VerifyBytes checks byte slice against declared digest
func VerifyBytes(declared string, b []byte) (digest.Digest, error) {
	return Verify(declared, bytes.NewReader(b))
}

// VerifyFile checks a stored file against declared digest and returns the file size
func VerifyFile(declared, path string) (d digest.Digest, size int64, err error) {
	f, err := os.Open(path) //nolint:gosec // path built by the blob store
	if err != nil {
		return "", 0, errors.Wrapf(err, "failed to open %s", path)
	}
	defer func() { _ = f.Close() }()

	cr := &countingReader{r: f}
	d, err = Verify(declared, cr)
	return d, cr.n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
