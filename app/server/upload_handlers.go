package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/zebox/oci-registry/app/oci"
	"github.com/zebox/oci-registry/app/registry"
	"github.com/zebox/oci-registry/app/store"
	"github.com/zebox/oci-registry/app/store/service"
)

var pushAccess = []string{store.ActionPush, store.ActionPull}

func (rh *registryHandlers) getBlob(w http.ResponseWriter, r *http.Request, p registryPath) {
	r, ok := rh.authorize(w, r, registry.Access{Repository: p.name, Actions: []string{store.ActionPull}, MustExist: true})
	if !ok {
		return
	}

	blob, rc, err := rh.dataService.OpenBlob(r.Context(), p.name, p.reference)
	if err != nil {
		SendRegistryError(w, r, rh.l, err)
		return
	}
	defer func() {
		if errClose := rc.Close(); errClose != nil {
			rh.l.Logf("[WARN] failed to close blob %s of %s: %v", blob.Digest, p.name, errClose)
		}
	}()

	w.Header().Set("Content-Type", blob.MediaType)
	w.Header().Set(headerContentDigest, blob.Digest)
	w.Header().Set("Cache-Control", "max-age=31536000")
	http.ServeContent(w, r, "", time.Time{}, rc)
}

func (rh *registryHandlers) headBlob(w http.ResponseWriter, r *http.Request, p registryPath) {
	r, ok := rh.authorize(w, r, registry.Access{Repository: p.name, Actions: []string{store.ActionPull}, MustExist: true})
	if !ok {
		return
	}

	blob, err := rh.dataService.Blob(r.Context(), p.name, p.reference)
	if err != nil {
		SendRegistryError(w, r, rh.l, err)
		return
	}

	w.Header().Set("Content-Type", blob.MediaType)
	w.Header().Set("Content-Length", strconv.FormatInt(blob.Size, 10))
	w.Header().Set(headerContentDigest, blob.Digest)
	w.WriteHeader(http.StatusOK)
}

func (rh *registryHandlers) deleteBlob(w http.ResponseWriter, r *http.Request, p registryPath) {
	if !rh.deleteEnabled {
		SendRegistryError(w, r, rh.l, service.ErrDeleteDisabled)
		return
	}
	r, ok := rh.authorize(w, r, registry.Access{Repository: p.name, Actions: []string{store.ActionDelete}, MustExist: true})
	if !ok {
		return
	}

	if err := rh.dataService.DeleteBlob(r.Context(), p.name, p.reference); err != nil {
		SendRegistryError(w, r, rh.l, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// startUpload opens upload session, stores monolithic blob when digest defined
// or mounts blob from other repository
func (rh *registryHandlers) startUpload(w http.ResponseWriter, r *http.Request, p registryPath) {
	r, ok := rh.authorize(w, r, registry.Access{Repository: p.name, Actions: pushAccess})
	if !ok {
		return
	}
	if r.Header.Get("Content-Length") == "" && len(r.TransferEncoding) == 0 {
		SendRegistryError(w, r, rh.l, errLengthRequired)
		return
	}

	q := r.URL.Query()
	if mount := q.Get("mount"); mount != "" {
		blob, mounted, upload, err := rh.dataService.MountBlob(r.Context(), p.name, q.Get("from"), mount)
		if err != nil {
			SendRegistryError(w, r, rh.l, err)
			return
		}
		if mounted {
			blobCreated(w, p.name, blob.Digest)
			return
		}
		uploadAccepted(w, upload, http.StatusAccepted)
		return
	}

	if declared := q.Get("digest"); declared != "" {
		if err := decompressRequest(r); err != nil {
			SendRegistryError(w, r, rh.l, errors.Wrap(service.ErrBlobUploadInvalid, err.Error()))
			return
		}
		blob, err := rh.dataService.PutBlob(r.Context(), p.name, declared, r.Header.Get("Content-Type"), r.ContentLength, r.Body)
		if err != nil {
			SendRegistryError(w, r, rh.l, err)
			return
		}
		blobCreated(w, p.name, blob.Digest)
		return
	}

	upload, err := rh.dataService.StartUpload(r.Context(), p.name)
	if err != nil {
		SendRegistryError(w, r, rh.l, err)
		return
	}
	uploadAccepted(w, upload, http.StatusAccepted)
}

func (rh *registryHandlers) patchUpload(w http.ResponseWriter, r *http.Request, p registryPath) {
	r, ok := rh.authorize(w, r, registry.Access{Repository: p.name, Actions: pushAccess})
	if !ok {
		return
	}

	chunk, err := requestChunk(r)
	if err != nil {
		SendRegistryError(w, r, rh.l, err)
		return
	}
	upload, err := rh.dataService.WriteChunk(r.Context(), p.name, p.reference, chunk)
	if err != nil {
		SendRegistryError(w, r, rh.l, err)
		return
	}
	uploadAccepted(w, upload, http.StatusAccepted)
}

// finishUpload closes upload session, body of request is the last chunk
func (rh *registryHandlers) finishUpload(w http.ResponseWriter, r *http.Request, p registryPath) {
	r, ok := rh.authorize(w, r, registry.Access{Repository: p.name, Actions: pushAccess})
	if !ok {
		return
	}

	declared := r.URL.Query().Get("digest")
	if declared == "" {
		SendRegistryError(w, r, rh.l, errors.Wrap(oci.ErrDigestInvalid, "digest parameter required"))
		return
	}

	chunk, err := requestChunk(r)
	if err != nil {
		SendRegistryError(w, r, rh.l, err)
		return
	}
	blob, err := rh.dataService.FinishUpload(r.Context(), p.name, p.reference, declared, &chunk)
	if err != nil {
		SendRegistryError(w, r, rh.l, err)
		return
	}
	blobCreated(w, p.name, blob.Digest)
}

func (rh *registryHandlers) uploadStatus(w http.ResponseWriter, r *http.Request, p registryPath) {
	r, ok := rh.authorize(w, r, registry.Access{Repository: p.name, Actions: pushAccess})
	if !ok {
		return
	}

	upload, err := rh.dataService.UploadStatus(r.Context(), p.name, p.reference)
	if err != nil {
		SendRegistryError(w, r, rh.l, err)
		return
	}
	uploadAccepted(w, upload, http.StatusNoContent)
}

func (rh *registryHandlers) cancelUpload(w http.ResponseWriter, r *http.Request, p registryPath) {
	r, ok := rh.authorize(w, r, registry.Access{Repository: p.name, Actions: pushAccess})
	if !ok {
		return
	}

	if err := rh.dataService.CancelUpload(r.Context(), p.name, p.reference); err != nil {
		SendRegistryError(w, r, rh.l, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requestChunk makes chunk from body of request. Request without Content-Range continues received data.
func requestChunk(r *http.Request) (service.Chunk, error) {
	if err := decompressRequest(r); err != nil {
		return service.Chunk{}, errors.Wrap(service.ErrBlobUploadInvalid, err.Error())
	}

	chunk := service.Chunk{Start: -1, End: -1, Length: r.ContentLength, Body: r.Body}
	if v := r.Header.Get("Content-Range"); v != "" {
		start, end, err := oci.ParseContentRange(v)
		if err != nil {
			return chunk, err
		}
		chunk.Start, chunk.End = start, end
	}
	return chunk, nil
}

func uploadAccepted(w http.ResponseWriter, upload service.Upload, status int) {
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", upload.Repository, upload.ID))
	w.Header().Set("Range", oci.FormatRange(upload.Size))
	w.Header().Set(headerUploadUUID, upload.ID)
	if status != http.StatusNoContent {
		w.Header().Set("Content-Length", "0")
	}
	w.WriteHeader(status)
}

func blobCreated(w http.ResponseWriter, name, digest string) {
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", name, digest))
	w.Header().Set(headerContentDigest, digest)
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusCreated)
}
