// Package http provides the low-level HTTP client behind transport.HTTPSession.
//
// This package handles:
//   - Connection pooling for many concurrent image fetches
//   - Per-request redirect hooks carried on the request context
//   - Status code classification into sentinel errors
//   - WWW-Authenticate challenge parsing and ETag cleanup
//
// It deliberately does not retry: retry and backoff policy belong to the caller.
//
// # Usage
//
//	client := http.NewClient(http.DefaultOptions())
//
//	ctx = http.WithRedirectHandler(ctx, func(req *nethttp.Request, via []*nethttp.Request) error {
//	    return nil // follow
//	})
//	req, _ := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, url, nil)
//	resp, err := client.Do(req)
//	if err == nil {
//	    err = http.CheckStatusCode(resp.StatusCode)
//	}
package http
