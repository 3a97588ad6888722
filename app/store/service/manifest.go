package service

import (
	"context"
	"encoding/json"
	"mime"
	"sort"
	"time"

	"github.com/docker/distribution/manifest/manifestlist"
	"github.com/docker/distribution/manifest/schema2"
	"github.com/docker/distribution/notifications"
	"github.com/hashicorp/go-multierror"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"

	"github.com/zebox/oci-registry/app/oci"
	"github.com/zebox/oci-registry/app/store"
	"github.com/zebox/oci-registry/app/store/engine"
)

// MaxManifestSize is the largest accepted manifest body
const MaxManifestSize = 4 << 20

var manifestMediaTypes = map[string]bool{
	v1.MediaTypeImageManifest:         true,
	v1.MediaTypeImageIndex:            true,
	schema2.MediaTypeManifest:         true,
	manifestlist.MediaTypeManifestList: true,
}

// manifest holds fields of image manifest and image index used by the registry
type manifest struct {
	SchemaVersion int               `json:"schemaVersion"`
	MediaType     string            `json:"mediaType,omitempty"`
	Config        *v1.Descriptor    `json:"config,omitempty"`
	Layers        []v1.Descriptor   `json:"layers,omitempty"`
	Manifests     []v1.Descriptor   `json:"manifests,omitempty"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

// PutManifest stores manifest of repository under tag or digest reference.
// Blobs referred by manifest are linked to the image, blobs no longer referred are collected.
func (ds *DataService) PutManifest(ctx context.Context, name, reference, contentType string, body []byte) (store.Image, error) {
	name, err := normalizeName(name)
	if err != nil {
		return store.Image{}, err
	}

	m, mediaType, err := parseManifest(contentType, body)
	if err != nil {
		return store.Image{}, err
	}

	var version digest.Digest
	tag := ""
	if oci.IsDigest(reference) {
		if version, err = oci.VerifyBytes(reference, body); err != nil {
			return store.Image{}, err
		}
	} else {
		if err = oci.ValidateTag(reference); err != nil {
			return store.Image{}, errors.Wrap(ErrTagInvalid, err.Error())
		}
		tag = reference
		version = oci.Digest(body)
	}

	repo, err := ds.ensureRepository(ctx, name)
	if err != nil {
		return store.Image{}, err
	}

	unlock := ds.locks.Lock(name)
	defer unlock()

	now := time.Now().Unix()
	img, err := ds.Storage.GetImage(ctx, repo.ID, version.String())
	switch {
	case err == nil:
		// the same content pushed already, only the tag may move
	case errors.Is(err, engine.ErrNotFound):
		img, err = ds.replaceOrCreateImage(ctx, name, repo.ID, tag, store.Image{
			RepositoryID: repo.ID,
			Version:      version.String(),
			MediaType:    mediaType,
			Manifest:     body,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		if err != nil {
			return store.Image{}, err
		}
	default:
		return store.Image{}, err
	}

	if tag != "" {
		if err = ds.moveTag(ctx, name, repo.ID, img.ID, tag); err != nil {
			return store.Image{}, err
		}
	}

	if err = ds.syncImageBlobs(ctx, name, repo.ID, img.ID, m.references()); err != nil {
		return store.Image{}, err
	}
	if err = ds.Storage.SetAnnotations(ctx, img.ID, m.Annotations); err != nil {
		return store.Image{}, errors.Wrap(err, "failed to save annotations")
	}
	img.Annotations = m.Annotations

	ds.logger().Logf("[DEBUG] manifest %s of %s stored, reference %s", img.Version, name, reference)
	ds.notify(ctx, notifications.EventActionPush, eventTarget{Repository: name, Tag: tag, MediaType: img.MediaType,
		Digest: digest.Digest(img.Version), Size: int64(len(img.Manifest)), Manifest: true})
	return img, nil
}

// Manifest resolves image of repository by tag, then by digest
func (ds *DataService) Manifest(ctx context.Context, name, reference string) (store.Image, error) {
	repo, err := ds.Repository(ctx, name)
	if err != nil {
		return store.Image{}, err
	}

	img, tag, err := ds.resolve(ctx, repo.ID, reference)
	if err != nil {
		return img, err
	}

	ds.notify(ctx, notifications.EventActionPull, eventTarget{Repository: repo.Name, Tag: tag, MediaType: img.MediaType,
		Digest: digest.Digest(img.Version), Size: int64(len(img.Manifest)), Manifest: true})
	return img, nil
}

// DeleteManifest removes tag, or image with its tags when reference is a digest.
// Blobs left without images are collected.
func (ds *DataService) DeleteManifest(ctx context.Context, name, reference string) error {
	if !ds.DeleteEnabled {
		return ErrDeleteDisabled
	}
	repo, err := ds.Repository(ctx, name)
	if err != nil {
		return err
	}

	unlock := ds.locks.Lock(repo.Name)
	defer unlock()

	img, tag, err := ds.resolve(ctx, repo.ID, reference)
	if err != nil {
		return err
	}

	if tag != "" {
		if err = ds.Storage.DeleteTag(ctx, repo.ID, tag); err != nil {
			if errors.Is(err, engine.ErrNotFound) {
				return ErrManifestUnknown
			}
			return err
		}
		ds.logger().Logf("[DEBUG] tag %s of %s deleted", tag, repo.Name)
		ds.notify(ctx, notifications.EventActionDelete, eventTarget{Repository: repo.Name, Tag: tag, Manifest: true})

		// image goes with its last tag, the same way as when the tag moves away
		tags, errTags := ds.Storage.ImageTags(ctx, img.ID)
		if errTags != nil || len(tags) > 0 {
			return errTags
		}
		if err = ds.deleteImage(ctx, repo.Name, img); err != nil {
			return err
		}
		ds.logger().Logf("[DEBUG] untagged manifest %s of %s deleted", img.Version, repo.Name)
		return nil
	}

	if err = ds.deleteImage(ctx, repo.Name, img); err != nil {
		return err
	}
	ds.logger().Logf("[DEBUG] manifest %s of %s deleted", img.Version, repo.Name)
	ds.notify(ctx, notifications.EventActionDelete, eventTarget{Repository: repo.Name, Digest: digest.Digest(img.Version),
		MediaType: img.MediaType, Manifest: true})
	return nil
}

// ListTags returns sorted tags of repository. Listing starts after tag 'last' when it's found,
// otherwise from the first tag. n < 0 returns all tags.
func (ds *DataService) ListTags(ctx context.Context, name string, n int, last string) (tags []string, more bool, err error) {
	repo, err := ds.Repository(ctx, name)
	if err != nil {
		return nil, false, err
	}
	if tags, err = ds.Storage.FindTags(ctx, repo.ID); err != nil {
		return nil, false, err
	}
	sort.Strings(tags)
	tags, more = paginate(tags, n, last)
	return tags, more, nil
}

// resolve finds image by tag first, then by digest. Tag is empty when image found by digest.
func (ds *DataService) resolve(ctx context.Context, repositoryID int64, reference string) (img store.Image, tag string, err error) {
	if oci.ValidateTag(reference) == nil {
		img, err = ds.Storage.GetImageByTag(ctx, repositoryID, reference)
		if err == nil {
			return img, reference, nil
		}
		if !errors.Is(err, engine.ErrNotFound) {
			return img, "", err
		}
	}

	if d, errDigest := oci.ParseDigest(reference); errDigest == nil {
		img, err = ds.Storage.GetImage(ctx, repositoryID, d.String())
		if err == nil {
			return img, "", nil
		}
		if !errors.Is(err, engine.ErrNotFound) {
			return img, "", err
		}
	}
	return store.Image{}, "", ErrManifestUnknown
}

// replaceOrCreateImage updates image held by the tag in place when the tag is its only name,
// otherwise creates a new image
func (ds *DataService) replaceOrCreateImage(ctx context.Context, name string, repositoryID int64, tag string, img store.Image) (store.Image, error) {
	if tag != "" {
		current, err := ds.Storage.GetImageByTag(ctx, repositoryID, tag)
		if err != nil && !errors.Is(err, engine.ErrNotFound) {
			return img, err
		}
		if err == nil {
			tags, errTags := ds.Storage.ImageTags(ctx, current.ID)
			if errTags != nil {
				return img, errTags
			}
			if len(tags) == 1 {
				img.ID = current.ID
				img.CreatedAt = current.CreatedAt
				if err = ds.Storage.UpdateImage(ctx, img); err != nil {
					return img, errors.Wrapf(err, "failed to update image %s", tag)
				}
				ds.logger().Logf("[DEBUG] image %s of %s replaced by %s", current.Version, name, img.Version)
				return img, nil
			}
		}
	}

	if err := ds.Storage.CreateImage(ctx, &img); err != nil {
		return img, errors.Wrap(err, "failed to create image")
	}
	return img, nil
}

// moveTag points tag to image. Previous image of the tag is deleted when left without tags.
func (ds *DataService) moveTag(ctx context.Context, name string, repositoryID, imageID int64, tag string) error {
	previous, err := ds.Storage.GetImageByTag(ctx, repositoryID, tag)
	if err != nil && !errors.Is(err, engine.ErrNotFound) {
		return err
	}
	if err == nil && previous.ID == imageID {
		return nil
	}

	if err = ds.Storage.SetTag(ctx, repositoryID, imageID, tag); err != nil {
		return errors.Wrapf(err, "failed to set tag %s", tag)
	}
	if previous.ID == 0 {
		return nil
	}

	tags, err := ds.Storage.ImageTags(ctx, previous.ID)
	if err != nil || len(tags) > 0 {
		return err
	}
	return ds.deleteImage(ctx, name, previous)
}

// deleteImage removes image and collects its blobs, the caller holds repository lock
func (ds *DataService) deleteImage(ctx context.Context, name string, img store.Image) error {
	linked, err := ds.Storage.ImageBlobs(ctx, img.ID)
	if err != nil {
		return err
	}
	if err = ds.Storage.DeleteImage(ctx, img.ID); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return ErrManifestUnknown
		}
		return err
	}

	var result error
	for _, b := range linked {
		if errGC := ds.collectBlob(ctx, name, b); errGC != nil {
			result = multierror.Append(result, errGC)
		}
	}
	return result
}

// syncImageBlobs links blobs referred by manifest and unlinks others.
// Unknown digests are skipped, blobs may be pushed after the manifest.
func (ds *DataService) syncImageBlobs(ctx context.Context, name string, repositoryID, imageID int64, refs []digest.Digest) error {
	linked, err := ds.Storage.ImageBlobs(ctx, imageID)
	if err != nil {
		return err
	}

	wanted := make(map[string]bool, len(refs))
	for _, d := range refs {
		wanted[d.String()] = true
	}

	current := make(map[string]bool, len(linked))
	var result error
	for _, b := range linked {
		current[b.Digest] = true
		if wanted[b.Digest] {
			continue
		}
		if err = ds.Storage.UnlinkBlob(ctx, imageID, b.ID); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err = ds.collectBlob(ctx, name, b); err != nil {
			result = multierror.Append(result, err)
		}
	}

	for d := range wanted {
		if current[d] {
			continue
		}
		b, errGet := ds.Storage.GetBlob(ctx, repositoryID, d)
		if errors.Is(errGet, engine.ErrNotFound) {
			ds.logger().Logf("[DEBUG] blob %s of %s isn't pushed yet, skip link", d, name)
			continue
		}
		if errGet != nil {
			result = multierror.Append(result, errGet)
			continue
		}
		if err = ds.Storage.LinkBlob(ctx, imageID, b.ID); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

// linkWaitingImages links blob to images of repository whose manifest refers it.
// Manifest may be pushed before its blobs, the caller holds repository lock.
func (ds *DataService) linkWaitingImages(ctx context.Context, name string, blob store.Blob) error {
	images, err := ds.Storage.FindImages(ctx, blob.RepositoryID)
	if err != nil {
		return err
	}

	var result error
	for _, img := range images {
		var m manifest
		if errParse := json.Unmarshal(img.Manifest, &m); errParse != nil {
			continue
		}
		for _, d := range m.references() {
			if d.String() != blob.Digest {
				continue
			}
			if err = ds.Storage.LinkBlob(ctx, img.ID, blob.ID); err != nil {
				result = multierror.Append(result, err)
				break
			}
			ds.logger().Logf("[DEBUG] blob %s of %s linked to image %s", blob.Digest, name, img.Version)
			break
		}
	}
	return result
}

// parseManifest validates manifest body and returns it with effective media type
func parseManifest(contentType string, body []byte) (m manifest, mediaType string, err error) {
	if len(body) > MaxManifestSize {
		return m, "", errors.Wrapf(ErrManifestInvalid, "manifest size exceeds %d bytes", MaxManifestSize)
	}
	if err = json.Unmarshal(body, &m); err != nil {
		return m, "", errors.Wrap(ErrManifestInvalid, err.Error())
	}
	if m.SchemaVersion != 2 {
		return m, "", errors.Wrapf(ErrManifestInvalid, "unsupported schema version %d", m.SchemaVersion)
	}

	if contentType != "" {
		if mt, _, errParse := mime.ParseMediaType(contentType); errParse == nil {
			mediaType = mt
		}
	}
	if !manifestMediaTypes[mediaType] {
		mediaType = m.MediaType
	}
	if !manifestMediaTypes[mediaType] {
		switch {
		case m.Manifests != nil:
			mediaType = v1.MediaTypeImageIndex
		case m.Config != nil:
			mediaType = v1.MediaTypeImageManifest
		default:
			return m, "", errors.Wrapf(ErrManifestInvalid, "unknown media type %q", contentType)
		}
	}

	for _, d := range m.descriptors() {
		if _, errDigest := oci.ParseDigest(d.Digest.String()); errDigest != nil {
			return m, "", errors.Wrapf(ErrManifestInvalid, "descriptor digest %q: %v", d.Digest, errDigest)
		}
	}
	return m, mediaType, nil
}

func (m manifest) descriptors() []v1.Descriptor {
	var res []v1.Descriptor
	if m.Config != nil {
		res = append(res, *m.Config)
	}
	res = append(res, m.Layers...)
	return append(res, m.Manifests...)
}

// references returns digests of blobs referred by manifest: config and layers
func (m manifest) references() []digest.Digest {
	blobs := m.Layers
	if m.Config != nil {
		blobs = append([]v1.Descriptor{*m.Config}, blobs...)
	}

	res := make([]digest.Digest, 0, len(blobs))
	for _, desc := range blobs {
		if d, err := oci.ParseDigest(desc.Digest.String()); err == nil {
			res = append(res, d)
		}
	}
	return res
}
