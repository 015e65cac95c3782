package downloader

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"
)

// Key is the canonical identity of a fetchable image.
type Key string

// KeyFilter rewrites a parsed URL before it becomes a Key, for example to
// drop signature query parameters. It must not modify u.
type KeyFilter func(u *url.URL) *url.URL

// Normalize turns a descriptor into a Key.
func Normalize(descriptor string) (Key, error) {
	key, _, err := normalize(descriptor, nil)
	return key, err
}

// normalize returns the Key and the URL to fetch. The fetched URL keeps what
// the filter strips from the key.
func normalize(descriptor string, filter KeyFilter) (Key, *url.URL, error) {
	descriptor = strings.TrimSpace(descriptor)
	if descriptor == "" {
		return "", nil, fmt.Errorf("%w: empty descriptor", ErrInvalidResource)
	}
	u, err := url.Parse(descriptor)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidResource, err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidResource, u.Scheme)
	}
	if u.Host == "" {
		return "", nil, fmt.Errorf("%w: missing host in %q", ErrInvalidResource, descriptor)
	}

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}

	keyURL := u
	if filter != nil {
		copied := *u
		if filtered := filter(&copied); filtered != nil {
			keyURL = filtered
		}
	}
	return Key(keyURL.String()), u, nil
}

// ScaleFromKey infers the display scale from an "@2x" or "@3x" suffix on
// the file name, defaulting to 1.
func ScaleFromKey(key Key) float64 {
	u, err := url.Parse(string(key))
	if err != nil {
		return 1
	}
	name := path.Base(u.Path)
	name = strings.TrimSuffix(name, path.Ext(name))
	switch {
	case strings.HasSuffix(name, "@3x"):
		return 3
	case strings.HasSuffix(name, "@2x"):
		return 2
	default:
		return 1
	}
}

// StripQuery is a KeyFilter that drops the query string.
func StripQuery(u *url.URL) *url.URL {
	u.RawQuery = ""
	u.ForceQuery = false
	return u
}
