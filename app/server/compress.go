package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// decompressRequest replaces body of request encoded with gzip or zstd by decoded stream.
// Length of decoded content is unknown, Content-Length of request is reset.
func decompressRequest(r *http.Request) error {
	encoding := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding")))

	var reader io.ReadCloser
	switch encoding {
	case "", "identity":
		return nil
	case "gzip":
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return errors.Wrap(err, "failed to create gzip decoder")
		}
		reader = zr
	case "zstd":
		zr, err := zstd.NewReader(r.Body)
		if err != nil {
			return errors.Wrap(err, "failed to create zstd decoder")
		}
		reader = zr.IOReadCloser()
	default:
		return errors.Errorf("content encoding %q isn't supported", encoding)
	}

	r.Body = &decodedBody{ReadCloser: reader, origin: r.Body}
	r.ContentLength = -1
	r.Header.Del("Content-Length")
	r.Header.Del("Content-Encoding")
	return nil
}

// decodedBody closes both decoder and original body
type decodedBody struct {
	io.ReadCloser
	origin io.Closer
}

func (d *decodedBody) Close() error {
	err := d.ReadCloser.Close()
	if errOrigin := d.origin.Close(); err == nil {
		err = errOrigin
	}
	return err
}
