package store

import (
	"strings"

	"github.com/google/uuid"
)

// registry implements entities which keep index of content stored by the registry.
// Bytes of blobs live in a blob store, rows here refer to them by repository and digest.

// SessionDigestPrefix marks digest placeholder of a blob which upload isn't finished
const SessionDigestPrefix = "session-"

// Blob is content-addressed object of a repository. (RepositoryID, Digest) is unique.
type Blob struct {
	ID           int64  `json:"id"`
	RepositoryID int64  `json:"repository_id"`
	Digest       string `json:"digest"` // algo:hex or session placeholder while upload in progress
	MediaType    string `json:"media_type"`
	Size         int64  `json:"size"`
	CreatedAt    int64  `json:"created_at"`
}

// Image is a stored manifest. (RepositoryID, Version) is unique.
type Image struct {
	ID           int64             `json:"id"`
	RepositoryID int64             `json:"repository_id"`
	Version      string            `json:"version"` // digest of manifest bytes
	MediaType    string            `json:"media_type"`
	Manifest     []byte            `json:"-"` // raw bytes as pushed
	CreatedAt    int64             `json:"created_at"`
	UpdatedAt    int64             `json:"updated_at"`
	Tags         []string          `json:"tags,omitempty"`
	Annotations  map[string]string `json:"annotations,omitempty"`
}

// Tag is a mutable name of an image
type Tag struct {
	ID           int64  `json:"id"`
	RepositoryID int64  `json:"repository_id"`
	ImageID      int64  `json:"image_id"`
	Name         string `json:"name"`
}

// Annotation is a key/value pair of image manifest
type Annotation struct {
	ImageID int64  `json:"image_id"`
	Key     string `json:"key"`
	Value   string `json:"value"`
}

// NewSessionDigest returns unique digest placeholder for a blob in upload
func NewSessionDigest() string {
	return SessionDigestPrefix + uuid.NewString()
}

// IsSession checks blob upload isn't finished
func (b Blob) IsSession() bool {
	return strings.HasPrefix(b.Digest, SessionDigestPrefix)
}

// SessionToken returns random part of placeholder digest
func (b Blob) SessionToken() string {
	return strings.TrimPrefix(b.Digest, SessionDigestPrefix)
}
