package service

import "github.com/pkg/errors"

// Errors of registry operations. Callers translate them to protocol statuses,
// every miss is returned as a value and never as a panic.
var (
	ErrNameInvalid            = errors.New("invalid repository name")
	ErrRepositoryUnknown      = errors.New("repository name not known to registry")
	ErrBlobUnknown            = errors.New("blob unknown to registry")
	ErrBlobUploadUnknown      = errors.New("blob upload unknown to registry")
	ErrBlobUploadInvalid      = errors.New("blob upload invalid")
	ErrRangeInvalid           = errors.New("requested range not satisfiable")
	ErrSizeInvalid            = errors.New("provided length did not match content length")
	ErrContentTypeUnsupported = errors.New("content type of blob isn't allowed")
	ErrManifestUnknown        = errors.New("manifest unknown")
	ErrManifestInvalid        = errors.New("manifest invalid")
	ErrTagInvalid             = errors.New("manifest tag did not match URI")
	ErrPaginationInvalid      = errors.New("invalid number of results requested")
	ErrDeleteDisabled         = errors.New("delete operations are disabled")
)
