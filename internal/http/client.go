package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound         = errors.New("http: resource not found")
	ErrForbidden        = errors.New("http: access forbidden")
	ErrUnauthorized     = errors.New("http: unauthorized")
	ErrServerError      = errors.New("http: server error")
	ErrUnexpectedStatus = errors.New("http: unexpected status code")
	ErrTooManyRedirects = errors.New("http: too many redirects")
)

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 16
	MaxIdleConnsPerHost int

	// Timeout bounds a whole request including reading the body.
	// Default: 30s
	Timeout time.Duration

	// UserAgent is sent with every request unless the request sets one.
	// Default: "picfetch/1.0"
	UserAgent string

	// MaxRedirects is the maximum number of redirects followed per request.
	// Default: 10
	MaxRedirects int
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 16,
		Timeout:             30 * time.Second,
		UserAgent:           "picfetch/1.0",
		MaxRedirects:        10,
	}
}

// RedirectHandler decides whether a redirect is followed. It has the contract
// of http.Client.CheckRedirect and may rewrite req in place.
type RedirectHandler func(req *http.Request, via []*http.Request) error

type redirectKey struct{}

// WithRedirectHandler attaches a redirect handler to requests made with ctx.
func WithRedirectHandler(ctx context.Context, h RedirectHandler) context.Context {
	return context.WithValue(ctx, redirectKey{}, h)
}

// Client is an HTTP client tuned for many small concurrent downloads.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) *Client {
	def := DefaultOptions()
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = def.MaxRedirects
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 4,
		IdleConnTimeout:     90 * time.Second,
	}

	c := &Client{opts: opts}
	c.client = &http.Client{
		Transport:     transport,
		Timeout:       opts.Timeout,
		CheckRedirect: c.checkRedirect,
	}
	return c
}

// Do sends req. The response status is not checked; see CheckStatusCode.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	return c.client.Do(req)
}

func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= c.opts.MaxRedirects {
		return fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, len(via))
	}
	if h, ok := req.Context().Value(redirectKey{}).(RedirectHandler); ok && h != nil {
		return h(req, via)
	}
	return nil
}

// CheckStatusCode returns an appropriate error for non-success status codes.
func CheckStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code >= 500:
		return fmt.Errorf("%w: %d", ErrServerError, code)
	default:
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, code)
	}
}

// CleanETag removes quotes and the weak prefix from an ETag value.
func CleanETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)
	return etag
}

// ParseChallenge extracts the scheme and realm from a WWW-Authenticate header
// value such as `Basic realm="images"`.
func ParseChallenge(header string) (scheme, realm string) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ""
	}
	scheme, params, _ := strings.Cut(header, " ")
	for _, p := range strings.Split(params, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if ok && strings.EqualFold(k, "realm") {
			realm = strings.Trim(v, `"`)
			break
		}
	}
	return scheme, realm
}
