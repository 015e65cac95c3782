package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if opts.MaxIdleConnsPerHost != 16 {
		t.Errorf("expected 16 idle conns, got %d", opts.MaxIdleConnsPerHost)
	}
	if opts.Timeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %v", opts.Timeout)
	}
	if opts.MaxRedirects != 10 {
		t.Errorf("expected 10 redirects, got %d", opts.MaxRedirects)
	}
}

func TestDoSetsUserAgent(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	client := NewClient(Options{UserAgent: "test-agent"})
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if got != "test-agent" {
		t.Errorf("expected user agent 'test-agent', got %q", got)
	}
}

func TestRedirectHandlerFromContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(DefaultOptions())

	var calls int
	ctx := WithRedirectHandler(context.Background(), func(req *http.Request, via []*http.Request) error {
		calls++
		return http.ErrUseLastResponse
	})
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/old", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if calls != 1 {
		t.Errorf("expected handler called once, got %d", calls)
	}
	if resp.StatusCode != http.StatusFound {
		t.Errorf("expected redirect response to be returned, got %d", resp.StatusCode)
	}
}

func TestTooManyRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	}))
	defer server.Close()

	client := NewClient(Options{MaxRedirects: 2})
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	_, err := client.Do(req)
	if !errors.Is(err, ErrTooManyRedirects) {
		t.Errorf("expected ErrTooManyRedirects, got %v", err)
	}
}

func TestCheckStatusCode(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{200, nil},
		{204, nil},
		{404, ErrNotFound},
		{403, ErrForbidden},
		{401, ErrUnauthorized},
		{500, ErrServerError},
		{503, ErrServerError},
		{418, ErrUnexpectedStatus},
	}

	for _, tt := range tests {
		err := CheckStatusCode(tt.code)
		if tt.want == nil {
			if err != nil {
				t.Errorf("CheckStatusCode(%d) = %v, want nil", tt.code, err)
			}
			continue
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("CheckStatusCode(%d) = %v, want %v", tt.code, err, tt.want)
		}
	}
}

func TestCleanETag(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{`"abc123"`, "abc123"},
		{`W/"abc123"`, "abc123"},
		{"abc123", "abc123"},
		{`""`, ""},
	}

	for _, tt := range tests {
		if got := CleanETag(tt.input); got != tt.expected {
			t.Errorf("CleanETag(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestParseChallenge(t *testing.T) {
	tests := []struct {
		header string
		scheme string
		realm  string
	}{
		{`Basic realm="images"`, "Basic", "images"},
		{`Bearer realm="cdn", error="invalid_token"`, "Bearer", "cdn"},
		{`Basic`, "Basic", ""},
		{``, "", ""},
	}

	for _, tt := range tests {
		scheme, realm := ParseChallenge(tt.header)
		if scheme != tt.scheme || realm != tt.realm {
			t.Errorf("ParseChallenge(%q) = (%q, %q), want (%q, %q)", tt.header, scheme, realm, tt.scheme, tt.realm)
		}
	}
}
