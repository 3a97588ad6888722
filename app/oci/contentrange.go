package oci

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var contentRangeRegexp = regexp.MustCompile(`^([0-9]+)-([0-9]+)$`)

// ErrContentRangeInvalid returned for malformed Content-Range values
var ErrContentRangeInvalid = errors.New("invalid content range")

// ParseContentRange parses inclusive `start-end` range, optionally prefixed with `bytes `
func ParseContentRange(v string) (start, end int64, err error) {
	v = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(v), "bytes"))
	v = strings.TrimPrefix(v, "=")

	m := contentRangeRegexp.FindStringSubmatch(v)
	if m == nil {
		return 0, 0, errors.Wrapf(ErrContentRangeInvalid, "%q", v)
	}

	if start, err = strconv.ParseInt(m[1], 10, 64); err != nil {
		return 0, 0, errors.Wrap(ErrContentRangeInvalid, err.Error())
	}
	if end, err = strconv.ParseInt(m[2], 10, 64); err != nil {
		return 0, 0, errors.Wrap(ErrContentRangeInvalid, err.Error())
	}
	if end < start {
		return 0, 0, errors.Wrapf(ErrContentRangeInvalid, "end %d before start %d", end, start)
	}
	return start, end, nil
}

// FormatRange returns value for Range header of an upload with size bytes received
func FormatRange(size int64) string {
	if size <= 0 {
		return "0-0"
	}
	return fmt.Sprintf("0-%d", size-1)
}
