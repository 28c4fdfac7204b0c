package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrBadLocator = errors.New("bad locator")

// ParseLocator turns a request path into the page to render: the leading
// slash is dropped and the rest must be an absolute URL. URLs with an
// authority need a host. file URLs read the server's own disk and are
// rejected unless allowFile is set.
func ParseLocator(path string, allowFile bool) (*url.URL, error) {
	raw := strings.TrimPrefix(path, "/")
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty path, expected /<absolute url>", ErrBadLocator)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadLocator, err)
	}
	scheme := strings.ToLower(u.Scheme)
	switch {
	case scheme == "":
		return nil, fmt.Errorf("%w: %q has no scheme", ErrBadLocator, raw)
	case scheme == "file":
		if !allowFile {
			return nil, fmt.Errorf("%w: file URLs are disabled", ErrBadLocator)
		}
	case scheme == "javascript":
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrBadLocator, u.Scheme)
	case u.Opaque == "" && u.Hostname() == "" && scheme != "about" && scheme != "data":
		return nil, fmt.Errorf("%w: %q has no host", ErrBadLocator, raw)
	}
	return u, nil
}
