package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/ligustah/picfetch/internal/logger"
)

var (
	// ErrTaskRegistered is returned by Register and Upgrade when a delegate
	// already exists for the task id.
	ErrTaskRegistered = errors.New("transport: task already registered")

	// ErrUnknownTask is returned by Upgrade when no delegate exists for the
	// source task id.
	ErrUnknownTask = errors.New("transport: unknown task")
)

// Result is the outcome handed to Handlers.Complete.
type Result struct {
	// Response is nil when the task failed before headers arrived.
	Response *Response

	// Value is the Serialize result, or the raw body when Serialize is nil.
	Value any

	Metrics *Metrics
	Err     error
}

// Handlers are the per-task callbacks. Response, Redirect and Challenge run on
// the session goroutine and must return quickly. Progress and Complete run on
// the completion executor, Serialize on the worker executor. Every field is
// optional.
type Handlers struct {
	Response  func(id TaskID, resp *Response) ResponseDisposition
	Redirect  func(id TaskID, r *Redirect) *Request
	Challenge func(id TaskID, c *Challenge) (ChallengeDisposition, *Credential)
	Progress  func(id TaskID, p Progress)
	Metrics   func(id TaskID, m *Metrics)
	Serialize func(id TaskID, resp *Response, body []byte) (any, error)
	Complete  func(id TaskID, res Result)
}

// SessionChallengeHandler answers challenges that are not tied to a task, and
// task challenges whose delegate has no Challenge handler.
type SessionChallengeHandler func(c *Challenge) (ChallengeDisposition, *Credential)

// TaskDelegate is the multiplexer's state for one task.
type TaskDelegate struct {
	handlers Handlers

	mu       sync.Mutex
	id       TaskID
	origin   TaskID
	buf      bytes.Buffer
	file     *os.File
	received int64
	response *Response
	metrics  *Metrics
}

// ID returns the task id the delegate is currently registered under.
func (d *TaskDelegate) ID() TaskID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

// Origin returns the id the delegate was first registered under.
func (d *TaskDelegate) Origin() TaskID {
	return d.origin
}

// Progress returns bytes received against the expected length.
func (d *TaskDelegate) Progress() Progress {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.progressLocked()
}

// Response returns the response metadata, or nil before headers arrive.
func (d *TaskDelegate) Response() *Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.response
}

// Spilled reports whether the body is accumulated in a file.
func (d *TaskDelegate) Spilled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file != nil
}

func (d *TaskDelegate) progressLocked() Progress {
	total := int64(-1)
	if d.response != nil && d.response.ContentLength >= 0 {
		total = d.response.ContentLength
	}
	return Progress{Completed: d.received, Total: total}
}

func (d *TaskDelegate) setResponse(r *Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.response = r
}

func (d *TaskDelegate) setMetrics(m *Metrics) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics = m
}

func (d *TaskDelegate) append(p []byte) (Progress, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.received += int64(len(p))
	if d.file != nil {
		if _, err := d.file.Write(p); err != nil {
			return d.progressLocked(), fmt.Errorf("write spill file: %w", err)
		}
	} else {
		d.buf.Write(p)
	}
	return d.progressLocked(), nil
}

// spill moves the buffered bytes into a temp file under dir.
func (d *TaskDelegate) spill(dir string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file != nil {
		return nil
	}
	f, err := os.CreateTemp(dir, "picfetch-*.download")
	if err != nil {
		return fmt.Errorf("create spill file: %w", err)
	}
	if _, err := f.Write(d.buf.Bytes()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("write spill file: %w", err)
	}
	d.buf = bytes.Buffer{}
	d.file = f
	return nil
}

// finish returns the accumulated body and releases the spill file.
func (d *TaskDelegate) finish() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return d.buf.Bytes(), nil
	}
	f := d.file
	d.file = nil
	defer func() {
		f.Close()
		os.Remove(f.Name())
	}()
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind spill file: %w", err)
	}
	body, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read spill file: %w", err)
	}
	return body, nil
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithWorker sets the executor that runs Handlers.Serialize.
// Default: GoExecutor.
func WithWorker(e Executor) Option {
	return func(m *Multiplexer) { m.worker = e }
}

// WithCompletion sets the executor that runs Handlers.Progress and
// Handlers.Complete. Default: GoExecutor.
func WithCompletion(e Executor) Option {
	return func(m *Multiplexer) { m.completion = e }
}

// WithSessionChallenge sets the handler for challenges with TaskID zero and
// for task challenges without a Challenge handler.
func WithSessionChallenge(h SessionChallengeHandler) Option {
	return func(m *Multiplexer) { m.sessionChallenge = h }
}

// WithSpillDir sets the directory for download spill files.
// Default: os.TempDir().
func WithSpillDir(dir string) Option {
	return func(m *Multiplexer) { m.spillDir = dir }
}

// WithLogger overrides the package logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Multiplexer) { m.log = l }
}

// Multiplexer routes a session's events to per-task delegates.
type Multiplexer struct {
	worker           Executor
	completion       Executor
	sessionChallenge SessionChallengeHandler
	spillDir         string
	log              *slog.Logger

	mu        sync.Mutex
	delegates map[TaskID]*TaskDelegate
}

// NewMultiplexer creates an empty Multiplexer.
func NewMultiplexer(opts ...Option) *Multiplexer {
	m := &Multiplexer{
		worker:     GoExecutor{},
		completion: GoExecutor{},
		delegates:  make(map[TaskID]*TaskDelegate),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.Logger("transport")
	}
	return m
}

// Register stores delegate state for task. It must be called before the task
// is resumed.
func (m *Multiplexer) Register(task Task, h Handlers) error {
	id := task.ID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.delegates[id]; ok {
		return fmt.Errorf("%w: %d", ErrTaskRegistered, id)
	}
	m.delegates[id] = &TaskDelegate{handlers: h, id: id, origin: id}
	return nil
}

// Lookup returns the delegate registered for id.
func (m *Multiplexer) Lookup(id TaskID) (*TaskDelegate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.delegates[id]
	return d, ok
}

// Unregister drops the delegate for id. A spill file, if any, is removed.
func (m *Multiplexer) Unregister(id TaskID) {
	m.mu.Lock()
	d, ok := m.delegates[id]
	delete(m.delegates, id)
	m.mu.Unlock()

	if ok {
		d.release()
	}
}

// Upgrade moves the delegate for from to the id to and switches it to
// file-backed accumulation.
func (m *Multiplexer) Upgrade(from, to TaskID) error {
	m.mu.Lock()
	d, ok := m.delegates[from]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownTask, from)
	}
	if _, exists := m.delegates[to]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrTaskRegistered, to)
	}
	delete(m.delegates, from)
	m.delegates[to] = d
	m.mu.Unlock()

	d.mu.Lock()
	d.id = to
	d.mu.Unlock()

	if err := d.spill(m.spillDir); err != nil {
		// The delegate keeps accumulating in memory.
		m.log.Warn("spill failed", "from", from, "to", to, "error", err)
	}
	m.log.Debug("task upgraded to download", "from", from, "to", to)
	return nil
}

// Len returns the number of registered delegates.
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.delegates)
}

// HandleEvent dispatches ev to its delegate and returns the answer for events
// that need one. It never panics.
func (m *Multiplexer) HandleEvent(ev Event) (disp Disposition) {
	disp = defaultDisposition(ev)

	id := ev.Task()
	if id == 0 {
		return m.handleSessionEvent(ev, disp)
	}

	d, ok := m.Lookup(id)
	if !ok {
		m.log.Debug("event for unknown task", "task", id, "event", fmt.Sprintf("%T", ev))
		return disp
	}

	defer func() {
		if r := recover(); r != nil {
			m.log.Error("task handler panicked", "task", id, "event", fmt.Sprintf("%T", ev), "panic", r)
			disp = defaultDisposition(ev)
		}
	}()

	h := d.handlers
	switch e := ev.(type) {
	case ResponseEvent:
		d.setResponse(e.Response)
		if h.Response != nil {
			disp.Response = h.Response(d.origin, e.Response)
		}
	case DataEvent:
		p, err := d.append(e.Data)
		if err != nil {
			m.log.Warn("buffer data", "task", id, "error", err)
		}
		if h.Progress != nil {
			origin := d.origin
			m.completion.Go(func() {
				defer m.recoverCallback("progress", origin)
				h.Progress(origin, p)
			})
		}
	case RedirectEvent:
		if h.Redirect != nil {
			disp.Redirect = h.Redirect(d.origin, e.Redirect)
		}
	case ChallengeEvent:
		switch {
		case h.Challenge != nil:
			disp.Challenge, disp.Credential = h.Challenge(d.origin, e.Challenge)
		case m.sessionChallenge != nil:
			disp.Challenge, disp.Credential = m.sessionChallenge(e.Challenge)
		}
	case MetricsEvent:
		d.setMetrics(e.Metrics)
		if h.Metrics != nil {
			h.Metrics(d.origin, e.Metrics)
		}
	case CompletionEvent:
		m.complete(id, d, e.Err)
	}
	return disp
}

func (m *Multiplexer) handleSessionEvent(ev Event, disp Disposition) Disposition {
	e, ok := ev.(ChallengeEvent)
	if !ok || m.sessionChallenge == nil {
		return disp
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("session challenge handler panicked", "panic", r)
		}
	}()
	disp.Challenge, disp.Credential = m.sessionChallenge(e.Challenge)
	return disp
}

// complete schedules serialization and the completion callback, then drops
// the delegate.
func (m *Multiplexer) complete(id TaskID, d *TaskDelegate, taskErr error) {
	defer m.Unregister(id)

	body, bodyErr := d.finish()
	d.mu.Lock()
	resp, metrics := d.response, d.metrics
	d.mu.Unlock()

	h, origin := d.handlers, d.origin
	m.worker.Go(func() {
		res := Result{Response: resp, Metrics: metrics, Err: taskErr}
		if res.Err == nil {
			res.Err = bodyErr
		}
		if res.Err == nil {
			res.Value = body
			if h.Serialize != nil {
				res.Value, res.Err = m.serialize(h.Serialize, origin, resp, body)
			}
		}
		if h.Complete == nil {
			return
		}
		m.completion.Go(func() {
			defer m.recoverCallback("complete", origin)
			h.Complete(origin, res)
		})
	})
}

func (m *Multiplexer) serialize(fn func(TaskID, *Response, []byte) (any, error), id TaskID, resp *Response, body []byte) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("serialize panicked", "task", id, "panic", r)
			err = fmt.Errorf("transport: serialize panicked: %v", r)
		}
	}()
	return fn(id, resp, body)
}

func (m *Multiplexer) recoverCallback(callback string, id TaskID) {
	if r := recover(); r != nil {
		m.log.Error("callback panicked", "callback", callback, "task", id, "panic", r)
	}
}

func (d *TaskDelegate) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file != nil {
		d.file.Close()
		os.Remove(d.file.Name())
		d.file = nil
	}
}

// StaticCredential answers Basic challenges with cred. A credential that was
// already rejected once is not offered again.
func StaticCredential(cred Credential) SessionChallengeHandler {
	return func(c *Challenge) (ChallengeDisposition, *Credential) {
		if !strings.EqualFold(c.Scheme, "basic") || c.PreviousFailures > 0 {
			return ChallengePerformDefault, nil
		}
		answer := cred
		return ChallengeUseCredential, &answer
	}
}
