package downloader

import (
	"bytes"
	"image/color"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"

	"github.com/ligustah/picfetch/internal/logger"
	"github.com/ligustah/picfetch/pkg/transport"
)

var inline = transport.ExecutorFunc(func(fn func()) { fn() })

// fakeSession hands out tasks whose outcome the test decides.
type fakeSession struct {
	mux *transport.Multiplexer

	// holdCancel keeps a running task alive after Cancel, so the test can
	// still complete it.
	holdCancel bool

	// createDelay and createErr shape NewTask.
	createDelay time.Duration
	createErr   error

	mu      sync.Mutex
	nextID  transport.TaskID
	created []*fakeTask
	started chan *fakeTask
}

func newFakeSession(t *testing.T) *fakeSession {
	t.Helper()
	return &fakeSession{
		mux: transport.NewMultiplexer(
			transport.WithWorker(inline),
			transport.WithCompletion(inline),
			transport.WithSpillDir(t.TempDir()),
			transport.WithLogger(logger.Discard()),
		),
		started: make(chan *fakeTask, 64),
	}
}

func (s *fakeSession) NewTask(req *transport.Request) (transport.Task, error) {
	time.Sleep(s.createDelay)
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t := &fakeTask{s: s, id: s.nextID, req: req.Clone()}
	s.created = append(s.created, t)
	return t, nil
}

func (s *fakeSession) Multiplexer() *transport.Multiplexer { return s.mux }
func (s *fakeSession) Close() error                        { return nil }

func (s *fakeSession) createdCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created)
}

func (s *fakeSession) waitStarted(t *testing.T) *fakeTask {
	t.Helper()
	select {
	case task := <-s.started:
		return task
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a task to start")
		return nil
	}
}

func (s *fakeSession) assertNoStart(t *testing.T) {
	t.Helper()
	select {
	case task := <-s.started:
		t.Fatalf("unexpected start of %s", task.req.URL)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeTask struct {
	s         *fakeSession
	id        transport.TaskID
	req       *transport.Request
	state     atomic.Int32
	cancelled atomic.Bool
}

func (t *fakeTask) ID() transport.TaskID        { return t.id }
func (t *fakeTask) Request() *transport.Request { return t.req }
func (t *fakeTask) State() transport.TaskState  { return transport.TaskState(t.state.Load()) }
func (t *fakeTask) url() string                 { return t.req.URL.String() }
func (t *fakeTask) emit(ev transport.Event)     { t.s.mux.HandleEvent(ev) }
func (t *fakeTask) wasCancelled() bool          { return t.cancelled.Load() }

func (t *fakeTask) Resume() {
	if t.state.CompareAndSwap(int32(transport.TaskSuspended), int32(transport.TaskRunning)) {
		t.s.started <- t
	}
}

func (t *fakeTask) Cancel() {
	t.cancelled.Store(true)
	for {
		st := t.State()
		if st == transport.TaskCompleted {
			return
		}
		if st == transport.TaskRunning && t.s.holdCancel {
			return
		}
		if t.state.CompareAndSwap(int32(st), int32(transport.TaskCompleted)) {
			go t.emit(transport.CompletionEvent{ID: t.id, Err: transport.ErrTaskCancelled})
			return
		}
	}
}

// respond delivers a full response and completes the task.
func (t *fakeTask) respond(status int, body []byte) {
	t.state.Store(int32(transport.TaskCompleted))
	t.emit(transport.ResponseEvent{ID: t.id, Response: &transport.Response{
		URL:           t.req.URL,
		StatusCode:    status,
		Header:        make(http.Header),
		ContentLength: int64(len(body)),
	}})
	for len(body) > 0 {
		n := min(len(body), 512)
		t.emit(transport.DataEvent{ID: t.id, Data: body[:n]})
		body = body[n:]
	}
	t.emit(transport.CompletionEvent{ID: t.id})
}

func (t *fakeTask) succeed(body []byte) { t.respond(http.StatusOK, body) }

func (t *fakeTask) fail(err error) {
	t.state.Store(int32(transport.TaskCompleted))
	t.emit(transport.CompletionEvent{ID: t.id, Err: err})
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

// recorder collects callback outcomes.
type recorder struct {
	results  chan *Result
	errs     chan error
	progress atomic.Int64
}

func newRecorder() *recorder {
	return &recorder{
		results: make(chan *Result, 16),
		errs:    make(chan error, 16),
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		Success:  func(res *Result) { r.results <- res },
		Failure:  func(err error) { r.errs <- err },
		Progress: func(p transport.Progress) { r.progress.Store(p.Completed) },
	}
}

func (r *recorder) result(t *testing.T) *Result {
	t.Helper()
	select {
	case res := <-r.results:
		return res
	case err := <-r.errs:
		t.Fatalf("expected success, got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for success")
	}
	return nil
}

func (r *recorder) err(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errs:
		return err
	case res := <-r.results:
		t.Fatalf("expected failure, got result for %s", res.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure")
	}
	return nil
}

func (r *recorder) assertSilent(t *testing.T) {
	t.Helper()
	select {
	case res := <-r.results:
		t.Fatalf("unexpected result for %s", res.Key)
	case err := <-r.errs:
		t.Fatalf("unexpected failure %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}
