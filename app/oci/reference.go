package oci

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/docker/distribution/reference"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// grammars tried in order from the strictest to the loosest, first match wins
var (
	// registry:port/repo or registry.tld/repo
	reducedReferenceRegexp = regexp.MustCompile(`^(?:(?P<registry>[^/@]+[.:][^/@]*)/)?` +
		`(?P<repo>[^:@/]+)(?::(?P<tag>[^:@]+))?(?:@(?P<digest>.+))?$`)

	// registry/collection.../repo
	defaultReferenceRegexp = regexp.MustCompile(`^(?:(?P<registry>[^/@]+)/)?` +
		`(?P<collection>(?:[^:@/]+/)+)(?P<repo>[^:@/]+)(?::(?P<tag>[^:@]+))?(?:@(?P<digest>.+))?$`)

	// docker-style, optional registry with optional collection
	dockerReferenceRegexp = regexp.MustCompile(`^(?:(?P<registry>[^/@]+[.:][^/@]*)/)?` +
		`(?P<collection>(?:[^:@/]+/)+)?(?P<repo>[^:@/]+)(?::(?P<tag>[^:@]+))?(?:@(?P<digest>.+))?$`)

	referenceGrammars = []*regexp.Regexp{reducedReferenceRegexp, defaultReferenceRegexp, dockerReferenceRegexp}

	anchoredTagRegexp = regexp.MustCompile(`^` + reference.TagRegexp.String() + `$`)
)

// ErrReferenceInvalid returned when a reference doesn't match any known grammar
var ErrReferenceInvalid = errors.New("invalid image reference")

// ParseOptions controls defaults applied by ParseReference
type ParseOptions struct {
	Defaults          bool   // apply DefaultCollection and DefaultTag when missing
	DefaultCollection string // "library" when empty
	DefaultTag        string // "latest" when empty
	Lowercase         bool   // lowercase collection, repo and tag
}

// DefaultParseOptions used for normalize user provided references
var DefaultParseOptions = ParseOptions{Defaults: true, DefaultCollection: "library", DefaultTag: "latest", Lowercase: true}

// Reference is a parsed image reference
type Reference struct {
	Registry   string        `json:"registry,omitempty"`
	Collection string        `json:"collection,omitempty"`
	Repo       string        `json:"repo"`
	Tag        string        `json:"tag,omitempty"`
	Digest     digest.Digest `json:"digest,omitempty"`
	URL        string        `json:"url"` // [registry/][collection/]repo
}

// ParseReference parses `registry/collection/repo:tag@digest` style references
func ParseReference(raw string, opts ParseOptions) (ref Reference, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ref, ErrReferenceInvalid
	}

	var groups map[string]string
	for _, re := range referenceGrammars {
		if m := re.FindStringSubmatch(raw); m != nil {
			groups = make(map[string]string, len(m))
			for i, name := range re.SubexpNames() {
				if name != "" {
					groups[name] = m[i]
				}
			}
			break
		}
	}
	if groups == nil || groups["repo"] == "" {
		return ref, errors.Wrapf(ErrReferenceInvalid, "can't parse %q", raw)
	}

	ref.Registry = groups["registry"]
	ref.Collection = strings.TrimSuffix(groups["collection"], "/")
	ref.Repo = groups["repo"]
	ref.Tag = groups["tag"]

	if opts.Defaults {
		if ref.Collection == "" {
			ref.Collection = opts.DefaultCollection
			if ref.Collection == "" {
				ref.Collection = "library"
			}
		}
		if ref.Tag == "" {
			ref.Tag = opts.DefaultTag
			if ref.Tag == "" {
				ref.Tag = "latest"
			}
		}
	}

	if opts.Lowercase {
		ref.Collection = strings.ToLower(ref.Collection)
		ref.Repo = strings.ToLower(ref.Repo)
		ref.Tag = strings.ToLower(ref.Tag)
	}

	if v := groups["digest"]; v != "" {
		if ref.Digest, err = ParseDigest(v); err != nil {
			return ref, errors.Wrapf(ErrReferenceInvalid, "digest %q: %v", v, err)
		}
	}

	parts := make([]string, 0, 3)
	for _, p := range []string{ref.Registry, ref.Collection, ref.Repo} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	ref.URL = strings.Join(parts, "/")
	return ref, nil
}

// Identity returns the digest when present, otherwise the tag
func (r Reference) Identity() string {
	if r.Digest != "" {
		return r.Digest.String()
	}
	return r.Tag
}

// String returns canonical form URL[:tag][@digest]
func (r Reference) String() string {
	s := r.URL
	if r.Tag != "" {
		s = fmt.Sprintf("%s:%s", s, r.Tag)
	}
	if r.Digest != "" {
		s = fmt.Sprintf("%s@%s", s, r.Digest)
	}
	return s
}

// NormalizeName validates repository name taken from a request path and returns it in normalized form
func NormalizeName(name string) (string, error) {
	ref, err := ParseReference(name, ParseOptions{Lowercase: true})
	if err != nil {
		return "", err
	}
	if ref.Tag != "" || ref.Digest != "" {
		return "", errors.Wrapf(ErrReferenceInvalid, "repository name %q contains tag or digest", name)
	}
	if err = ValidateName(ref.URL); err != nil {
		return "", err
	}
	return ref.URL, nil
}

// ValidateName checks repository name against distribution name grammar
func ValidateName(name string) error {
	if _, err := reference.WithName(name); err != nil {
		return errors.Wrapf(ErrReferenceInvalid, "repository name %q: %v", name, err)
	}
	return nil
}

// ValidateTag checks tag against distribution tag grammar
func ValidateTag(tag string) error {
	if !anchoredTagRegexp.MatchString(tag) {
		return errors.Wrapf(ErrReferenceInvalid, "tag %q", tag)
	}
	return nil
}

// IsDigest reports whether manifest reference looks like a digest (algo:hex)
func IsDigest(ref string) bool {
	return strings.Contains(ref, ":")
}
