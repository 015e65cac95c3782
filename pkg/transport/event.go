package transport

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// TaskID identifies a transport task within a session. Zero is reserved for
// session-scoped events.
type TaskID uint64

// Request describes one fetch.
type Request struct {
	URL    *url.URL
	Header http.Header
}

// NewRequest parses rawURL into a Request.
func NewRequest(rawURL string, header http.Header) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	if header == nil {
		header = make(http.Header)
	}
	return &Request{URL: u, Header: header}, nil
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	u := *r.URL
	return &Request{URL: &u, Header: r.Header.Clone()}
}

// Response is the metadata of a transport response. ContentLength is -1 when
// unknown.
type Response struct {
	URL           *url.URL
	StatusCode    int
	Header        http.Header
	ContentLength int64
	ContentType   string
	ETag          string
}

// Progress reports bytes received so far. Total is -1 when unknown.
type Progress struct {
	Completed int64
	Total     int64
}

// Fraction returns Completed/Total in [0, 1], or -1 when Total is unknown.
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return -1
	}
	f := float64(p.Completed) / float64(p.Total)
	if f > 1 {
		f = 1
	}
	return f
}

// Metrics collects task timings.
type Metrics struct {
	Start         time.Time
	End           time.Time
	DNS           time.Duration
	Connect       time.Duration
	TLS           time.Duration
	FirstByte     time.Duration
	RedirectCount int
	BytesReceived int64
	ReusedConn    bool
}

// Duration is the total task time.
func (m *Metrics) Duration() time.Duration {
	return m.End.Sub(m.Start)
}

// Credential answers an authentication challenge.
type Credential struct {
	Username string
	Password string
}

// Challenge describes an authentication challenge from the server.
type Challenge struct {
	Scheme           string
	Realm            string
	Host             string
	PreviousFailures int
	Response         *Response
}

// Redirect describes a redirect the server asked for. Request is the
// follow-up the session proposes.
type Redirect struct {
	Response *Response
	Request  *Request
}

// Event is one callback from a session. It is one of ResponseEvent,
// DataEvent, RedirectEvent, ChallengeEvent, MetricsEvent or CompletionEvent.
type Event interface {
	Task() TaskID
	isEvent()
}

// ResponseEvent is sent once the response headers are known.
type ResponseEvent struct {
	ID       TaskID
	Response *Response
}

// DataEvent carries one chunk of body data. The session does not reuse Data.
type DataEvent struct {
	ID   TaskID
	Data []byte
}

// RedirectEvent asks whether a redirect should be followed.
type RedirectEvent struct {
	ID       TaskID
	Redirect *Redirect
}

// ChallengeEvent asks how to answer an authentication challenge. ID is zero
// for session-scoped challenges.
type ChallengeEvent struct {
	ID        TaskID
	Challenge *Challenge
}

// MetricsEvent reports the task's timings just before completion.
type MetricsEvent struct {
	ID      TaskID
	Metrics *Metrics
}

// CompletionEvent is the last event of a task. Err is nil on success, which
// includes non-2xx responses.
type CompletionEvent struct {
	ID  TaskID
	Err error
}

func (e ResponseEvent) Task() TaskID   { return e.ID }
func (e DataEvent) Task() TaskID       { return e.ID }
func (e RedirectEvent) Task() TaskID   { return e.ID }
func (e ChallengeEvent) Task() TaskID  { return e.ID }
func (e MetricsEvent) Task() TaskID    { return e.ID }
func (e CompletionEvent) Task() TaskID { return e.ID }

func (ResponseEvent) isEvent()   {}
func (DataEvent) isEvent()       {}
func (RedirectEvent) isEvent()   {}
func (ChallengeEvent) isEvent()  {}
func (MetricsEvent) isEvent()    {}
func (CompletionEvent) isEvent() {}

// ResponseDisposition answers a ResponseEvent.
type ResponseDisposition int

const (
	// ResponseAllow continues receiving the body in memory.
	ResponseAllow ResponseDisposition = iota
	// ResponseCancel stops the task.
	ResponseCancel
	// ResponseBecomeDownload continues the body into a spill file.
	ResponseBecomeDownload
)

func (d ResponseDisposition) String() string {
	switch d {
	case ResponseAllow:
		return "allow"
	case ResponseCancel:
		return "cancel"
	case ResponseBecomeDownload:
		return "become-download"
	default:
		return fmt.Sprintf("ResponseDisposition(%d)", int(d))
	}
}

// ChallengeDisposition answers a ChallengeEvent.
type ChallengeDisposition int

const (
	// ChallengePerformDefault lets the session handle the challenge; for
	// HTTP this means the 401 response is delivered as is.
	ChallengePerformDefault ChallengeDisposition = iota
	// ChallengeUseCredential retries with Disposition.Credential.
	ChallengeUseCredential
	// ChallengeCancel fails the task.
	ChallengeCancel
	// ChallengeReject declines this protection space.
	ChallengeReject
)

func (d ChallengeDisposition) String() string {
	switch d {
	case ChallengePerformDefault:
		return "default"
	case ChallengeUseCredential:
		return "use-credential"
	case ChallengeCancel:
		return "cancel"
	case ChallengeReject:
		return "reject"
	default:
		return fmt.Sprintf("ChallengeDisposition(%d)", int(d))
	}
}

// Disposition is the multiplexer's answer to an event. Only the fields that
// belong to the event's kind are meaningful.
type Disposition struct {
	Response ResponseDisposition

	// Redirect is the request to follow, or nil to stop at the redirect
	// response.
	Redirect *Request

	Challenge  ChallengeDisposition
	Credential *Credential
}

// defaultDisposition is the answer given when no handler decides.
func defaultDisposition(ev Event) Disposition {
	var d Disposition
	if e, ok := ev.(RedirectEvent); ok && e.Redirect != nil {
		d.Redirect = e.Redirect.Request
	}
	return d
}
