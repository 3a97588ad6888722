package server

// httpErrors is helper for render http errors with logging and misc parameters
// this idea borrow from package https://github.com/go-pkgz/rest and extended for use in this project

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"strings"

	"github.com/docker/distribution/registry/api/errcode"
	v2 "github.com/docker/distribution/registry/api/v2"
	"github.com/go-pkgz/rest/logger"
	"github.com/pkg/errors"

	"github.com/zebox/oci-registry/app/oci"
	"github.com/zebox/oci-registry/app/registry"
	"github.com/zebox/oci-registry/app/store/service"
)

// codePaginationNumberInvalid isn't described by errcode descriptors of distribution v2.8
const codePaginationNumberInvalid = "PAGINATION_NUMBER_INVALID"

// errors of request shape detected by handlers
var (
	errLengthRequired   = errors.New("content length required")
	errMethodNotAllowed = errors.New("method not allowed")
)

// registryErrors maps errors of registry operations to protocol status and error code,
// the first matched entry wins
var registryErrors = []struct {
	err    error
	status int
	code   string
}{
	{registry.ErrUnauthorized, http.StatusUnauthorized, errcode.ErrorCodeUnauthorized.String()},
	{registry.ErrForbidden, http.StatusForbidden, errcode.ErrorCodeDenied.String()},
	{registry.ErrScopeInvalid, http.StatusBadRequest, errcode.ErrorCodeUnsupported.String()},
	{registry.ErrRepositoryUnknown, http.StatusNotFound, v2.ErrorCodeNameUnknown.String()},
	{service.ErrRepositoryUnknown, http.StatusNotFound, v2.ErrorCodeNameUnknown.String()},
	{service.ErrNameInvalid, http.StatusBadRequest, v2.ErrorCodeNameInvalid.String()},
	{service.ErrBlobUnknown, http.StatusNotFound, v2.ErrorCodeBlobUnknown.String()},
	{service.ErrBlobUploadUnknown, http.StatusBadRequest, v2.ErrorCodeBlobUploadUnknown.String()},
	{service.ErrBlobUploadInvalid, http.StatusBadRequest, v2.ErrorCodeBlobUploadInvalid.String()},
	{service.ErrRangeInvalid, http.StatusRequestedRangeNotSatisfiable, v2.ErrorCodeBlobUploadInvalid.String()},
	{oci.ErrContentRangeInvalid, http.StatusBadRequest, v2.ErrorCodeBlobUploadInvalid.String()},
	{service.ErrSizeInvalid, http.StatusBadRequest, v2.ErrorCodeSizeInvalid.String()},
	{errLengthRequired, http.StatusLengthRequired, v2.ErrorCodeSizeInvalid.String()},
	{service.ErrContentTypeUnsupported, http.StatusUnsupportedMediaType, errcode.ErrorCodeUnsupported.String()},
	{service.ErrManifestUnknown, http.StatusNotFound, v2.ErrorCodeManifestUnknown.String()},
	{service.ErrManifestInvalid, http.StatusBadRequest, v2.ErrorCodeManifestInvalid.String()},
	{service.ErrTagInvalid, http.StatusBadRequest, v2.ErrorCodeTagInvalid.String()},
	{service.ErrPaginationInvalid, http.StatusBadRequest, codePaginationNumberInvalid},
	{service.ErrDeleteDisabled, http.StatusMethodNotAllowed, errcode.ErrorCodeUnsupported.String()},
	{errMethodNotAllowed, http.StatusMethodNotAllowed, errcode.ErrorCodeUnsupported.String()},
	{oci.ErrDigestInvalid, http.StatusBadRequest, v2.ErrorCodeDigestInvalid.String()},
	{oci.ErrDigestMismatch, http.StatusBadRequest, v2.ErrorCodeDigestInvalid.String()},
	{oci.ErrDigestUnsupported, http.StatusBadRequest, v2.ErrorCodeDigestInvalid.String()},
}

// registryErrorEntry is an item of error envelope of registry API
type registryErrorEntry struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Detail  interface{} `json:"detail,omitempty"`
}

type registryErrorEnvelope struct {
	Errors []registryErrorEntry `json:"errors"`
}

// SendErrorJSON sends {error: msg} with error code and logging error and caller
func SendErrorJSON(w http.ResponseWriter, r *http.Request, l logger.Backend, code int, err error, msg string) {
	if l != nil {
		l.Logf("%s", errDetailsMsg(r, code, err, msg))
	}
	errorResponse := responseMessage{
		Error:   true,
		Message: fmt.Sprintf("%s: %s", err, msg),
	}
	renderJSONWithStatus(w, errorResponse, code)
}

// SendRegistryError sends {errors: [{code, message}]} envelope with status mapped from err.
// Unauthorized answer carries WWW-Authenticate challenge of the error.
func SendRegistryError(w http.ResponseWriter, r *http.Request, l logger.Backend, err error) {
	status, code := registryErrorStatus(err)
	if l != nil {
		level := "[DEBUG]"
		if status >= http.StatusInternalServerError {
			level = "[ERROR]"
		}
		l.Logf("%s %s", level, errDetailsMsg(r, status, err, code))
	}

	var challenge *registry.ChallengeError
	if errors.As(err, &challenge) {
		w.Header().Set("WWW-Authenticate", challenge.Challenge)
	}

	message := http.StatusText(status)
	if err != nil && status < http.StatusInternalServerError {
		message = err.Error()
	}
	renderJSONWithStatus(w, registryErrorEnvelope{Errors: []registryErrorEntry{{Code: code, Message: message}}}, status)
}

func registryErrorStatus(err error) (status int, code string) {
	for _, e := range registryErrors {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, errcode.ErrorCodeUnknown.String()
}

// renderJSONWithStatus sends data as json and enforces status code
func renderJSONWithStatus(w http.ResponseWriter, data interface{}, code int) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(buf.Bytes())
}

func errDetailsMsg(r *http.Request, code int, err error, msg string) string {

	q := r.URL.String()
	if qun, e := url.QueryUnescape(q); e == nil {
		q = qun
	}

	srcFileInfo := ""
	if pc, file, line, ok := runtime.Caller(2); ok {
		fnameElems := strings.Split(file, "/")
		funcNameElems := strings.Split(runtime.FuncForPC(pc).Name(), "/")
		srcFileInfo = fmt.Sprintf(" [caused by %s:%d %s]", strings.Join(fnameElems[len(fnameElems)-3:], "/"),
			line, funcNameElems[len(funcNameElems)-1])
	}

	remoteIP := r.RemoteAddr
	if pos := strings.Index(remoteIP, ":"); pos >= 0 {
		remoteIP = remoteIP[:pos]
	}
	if err == nil {
		err = errors.New("no error")
	}
	return fmt.Sprintf("%s - %v - %d - %s - %s%s", msg, err, code, remoteIP, q, srcFileInfo)
}
