package oci

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReference(t *testing.T) {
	dgst := "sha256:" + helloSHA256

	tbl := []struct {
		raw  string
		opts ParseOptions
		res  Reference
	}{
		{"busybox", DefaultParseOptions,
			Reference{Collection: "library", Repo: "busybox", Tag: "latest", URL: "library/busybox"}},
		{"busybox", ParseOptions{},
			Reference{Repo: "busybox", URL: "busybox"}},
		{"localhost:5000/busybox:1.0", DefaultParseOptions,
			Reference{Registry: "localhost:5000", Collection: "library", Repo: "busybox", Tag: "1.0",
				URL: "localhost:5000/library/busybox"}},
		{"registry.example.com/app", ParseOptions{},
			Reference{Registry: "registry.example.com", Repo: "app", URL: "registry.example.com/app"}},
		{"ghcr.io/Team/Sub/App:V2", DefaultParseOptions,
			Reference{Registry: "ghcr.io", Collection: "team/sub", Repo: "app", Tag: "v2", URL: "ghcr.io/team/sub/app"}},
		{"team/app:1.0@" + dgst, ParseOptions{Lowercase: true},
			Reference{Collection: "team", Repo: "app", Tag: "1.0", Digest: "sha256:" + helloSHA256, URL: "team/app"}},
	}

	for i, tt := range tbl {
		ref, err := ParseReference(tt.raw, tt.opts)
		require.NoError(t, err, "case %d", i)
		assert.Equal(t, tt.res, ref, "case %d", i)
	}
}

func TestParseReference_DigestPrecedence(t *testing.T) {
	ref, err := ParseReference("team/app:1.0@sha256:"+helloSHA256, DefaultParseOptions)
	require.NoError(t, err)
	assert.Equal(t, "sha256:"+helloSHA256, ref.Identity())
	assert.Equal(t, "team/app:1.0@sha256:"+helloSHA256, ref.String())

	ref, err = ParseReference("team/app:1.0", DefaultParseOptions)
	require.NoError(t, err)
	assert.Equal(t, "1.0", ref.Identity())
	assert.Equal(t, "team/app:1.0", ref.String())
}

func TestParseReference_Errors(t *testing.T) {
	for _, raw := range []string{"", "  ", "team/app@sha256:zz", "team/app@", "team/:tag"} {
		_, err := ParseReference(raw, DefaultParseOptions)
		assert.ErrorIs(t, err, ErrReferenceInvalid, raw)
	}
}

func TestNormalizeName(t *testing.T) {
	tbl := []struct {
		name, res string
		ok        bool
	}{
		{"r", "r", true},
		{"team/app", "team/app", true},
		{"a/b/c/d", "a/b/c/d", true},
		{"Team/App", "team/app", true},
		{"team/app:latest", "", false},
		{"team/app@sha256:" + helloSHA256, "", false},
		{"-bad/name", "", false},
		{"", "", false},
	}
	for _, tt := range tbl {
		res, err := NormalizeName(tt.name)
		if !tt.ok {
			assert.Error(t, err, tt.name)
			continue
		}
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.res, res)
	}
}

func TestValidateTag(t *testing.T) {
	assert.NoError(t, ValidateTag("latest"))
	assert.NoError(t, ValidateTag("v1.0.0-rc_1"))
	assert.Error(t, ValidateTag(".hidden"))
	assert.Error(t, ValidateTag(""))
	assert.Error(t, ValidateTag("sha256:abc"))
}

func TestIsDigest(t *testing.T) {
	assert.True(t, IsDigest("sha256:"+helloSHA256))
	assert.False(t, IsDigest("latest"))
}
