package transport

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/httptrace"
	"time"

	picfetchhttp "github.com/ligustah/picfetch/internal/http"
)

// HTTPOptions configures an HTTPSession.
type HTTPOptions struct {
	// Client configures the underlying HTTP client.
	Client picfetchhttp.Options

	// SpillThreshold is the Content-Length above which an allowed response
	// is accumulated in a file instead of memory. Negative disables it.
	// Default: 8MB
	SpillThreshold int64

	// MaxChallengeAttempts bounds how often one task answers a 401 with a
	// credential. Default: 3
	MaxChallengeAttempts int
}

// DefaultHTTPOptions returns options with sensible defaults.
func DefaultHTTPOptions() HTTPOptions {
	return HTTPOptions{
		Client:               picfetchhttp.DefaultOptions(),
		SpillThreshold:       8 * 1024 * 1024,
		MaxChallengeAttempts: 3,
	}
}

// HTTPSession runs tasks over HTTP.
type HTTPSession struct {
	sessionBase
	client *picfetchhttp.Client
	opts   HTTPOptions
}

// NewHTTPSession creates a session reporting to mux.
func NewHTTPSession(mux *Multiplexer, opts HTTPOptions) *HTTPSession {
	def := DefaultHTTPOptions()
	if opts.SpillThreshold == 0 {
		opts.SpillThreshold = def.SpillThreshold
	}
	if opts.MaxChallengeAttempts <= 0 {
		opts.MaxChallengeAttempts = def.MaxChallengeAttempts
	}
	s := &HTTPSession{
		client: picfetchhttp.NewClient(opts.Client),
		opts:   opts,
	}
	s.init(mux)
	return s
}

// SpillThreshold returns the configured spill threshold.
func (s *HTTPSession) SpillThreshold() int64 { return s.opts.SpillThreshold }

// NewTask creates a suspended GET task for req.
func (s *HTTPSession) NewTask(req *Request) (Task, error) {
	t, err := s.newTask(req, s.run)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *HTTPSession) run(t *task) {
	m := &Metrics{Start: time.Now()}
	resp, err := s.roundTrip(t, m)
	if err != nil {
		t.finish(m, err)
		return
	}
	defer resp.Body.Close()

	err = t.deliver(newHTTPResponse(resp), resp.Body, m, s.opts.SpillThreshold)
	t.finish(m, err)
}

// roundTrip sends the request, following redirects and answering
// challenges through the multiplexer.
func (s *HTTPSession) roundTrip(t *task, m *Metrics) (*http.Response, error) {
	ctx := httptrace.WithClientTrace(t.ctx, newClientTrace(m))
	ctx = picfetchhttp.WithRedirectHandler(ctx, func(req *http.Request, via []*http.Request) error {
		return s.redirect(t, m, req)
	})

	var cred *Credential
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.req.URL.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		for k, v := range t.req.Header {
			req.Header[k] = append([]string(nil), v...)
		}
		if cred != nil {
			req.SetBasicAuth(cred.Username, cred.Password)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("do request: %w", err)
		}

		auth := resp.Header.Get("WWW-Authenticate")
		if resp.StatusCode != http.StatusUnauthorized || auth == "" || attempt >= s.opts.MaxChallengeAttempts {
			return resp, nil
		}

		scheme, realm := picfetchhttp.ParseChallenge(auth)
		disp := t.emit(ChallengeEvent{ID: t.currentID(), Challenge: &Challenge{
			Scheme:           scheme,
			Realm:            realm,
			Host:             resp.Request.URL.Host,
			PreviousFailures: attempt,
			Response:         newHTTPResponse(resp),
		}})
		switch disp.Challenge {
		case ChallengeUseCredential:
			if disp.Credential == nil {
				return resp, nil
			}
			resp.Body.Close()
			cred = disp.Credential
		case ChallengeCancel:
			resp.Body.Close()
			return nil, ErrTaskCancelled
		default:
			return resp, nil
		}
	}
}

func (s *HTTPSession) redirect(t *task, m *Metrics, req *http.Request) error {
	proposed := &Request{URL: req.URL, Header: req.Header.Clone()}
	var resp *Response
	if req.Response != nil {
		resp = newHTTPResponse(req.Response)
	}
	disp := t.emit(RedirectEvent{ID: t.currentID(), Redirect: &Redirect{Response: resp, Request: proposed}})
	if disp.Redirect == nil {
		return http.ErrUseLastResponse
	}
	m.RedirectCount++
	if disp.Redirect != proposed {
		if disp.Redirect.URL.Host != req.URL.Host {
			req.Host = ""
		}
		req.URL = disp.Redirect.URL
		for k, v := range disp.Redirect.Header {
			req.Header[k] = v
		}
	}
	return nil
}

func newHTTPResponse(resp *http.Response) *Response {
	return &Response{
		URL:           resp.Request.URL,
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		ContentType:   resp.Header.Get("Content-Type"),
		ETag:          picfetchhttp.CleanETag(resp.Header.Get("ETag")),
	}
}

func newClientTrace(m *Metrics) *httptrace.ClientTrace {
	var dnsStart, connectStart, tlsStart time.Time
	return &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) { dnsStart = time.Now() },
		DNSDone: func(httptrace.DNSDoneInfo) {
			m.DNS += time.Since(dnsStart)
		},
		ConnectStart: func(string, string) { connectStart = time.Now() },
		ConnectDone: func(string, string, error) {
			m.Connect += time.Since(connectStart)
		},
		TLSHandshakeStart: func() { tlsStart = time.Now() },
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			m.TLS += time.Since(tlsStart)
		},
		GotConn: func(info httptrace.GotConnInfo) {
			m.ReusedConn = info.Reused
		},
		GotFirstResponseByte: func() {
			m.FirstByte = time.Since(m.Start)
		},
	}
}
