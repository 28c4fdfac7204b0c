package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocatorAccepts(t *testing.T) {
	for path, want := range map[string]string{
		"/http://example.test/ok":       "http://example.test/ok",
		"/https://example.test:8443/a":  "https://example.test:8443/a",
		"/about:blank":                  "about:blank",
		"/data:text/html,hi":            "data:text/html,hi",
		"/ftp://files.example.test/a":   "ftp://files.example.test/a",
		"/gopher://example.test/":       "gopher://example.test/",
		"http://no-leading-slash.test/": "http://no-leading-slash.test/",
	} {
		u, err := ParseLocator(path, false)
		require.NoError(t, err, path)
		assert.Equal(t, want, u.String())
	}
}

func TestParseLocatorRejects(t *testing.T) {
	for _, path := range []string{
		"/",
		"",
		"/not a url%zz",
		"/example.test/no-scheme",
		"/http:///missing-host",
		"/javascript:alert(1)",
		"/:nope",
	} {
		_, err := ParseLocator(path, false)
		assert.ErrorIs(t, err, ErrBadLocator, path)
	}
}

func TestParseLocatorFileURLs(t *testing.T) {
	_, err := ParseLocator("/file:///etc/passwd", false)
	assert.ErrorIs(t, err, ErrBadLocator)

	u, err := ParseLocator("/file:///tmp/page.html", true)
	require.NoError(t, err)
	assert.Equal(t, "file:///tmp/page.html", u.String())
}
