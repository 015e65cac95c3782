package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

var (
	// ErrTaskCancelled is the completion error of a canceled task.
	ErrTaskCancelled = errors.New("transport: task cancelled")

	// ErrSessionClosed is returned by NewTask after Close.
	ErrSessionClosed = errors.New("transport: session closed")
)

// chunkSize is the size of the DataEvent chunks sessions emit.
const chunkSize = 32 * 1024

// TaskState is the lifecycle state of a Task.
type TaskState int32

const (
	TaskSuspended TaskState = iota
	TaskRunning
	TaskCanceling
	TaskCompleted
)

func (s TaskState) String() string {
	switch s {
	case TaskSuspended:
		return "suspended"
	case TaskRunning:
		return "running"
	case TaskCanceling:
		return "canceling"
	case TaskCompleted:
		return "completed"
	default:
		return fmt.Sprintf("TaskState(%d)", int32(s))
	}
}

// Task is one transport operation. It does nothing until Resume.
type Task interface {
	ID() TaskID
	Request() *Request
	State() TaskState

	// Resume starts a suspended task. Other states ignore it.
	Resume()

	// Cancel stops the task. A task canceled before Resume still delivers a
	// CompletionEvent carrying ErrTaskCancelled.
	Cancel()
}

// Session creates tasks and reports their events to its Multiplexer.
type Session interface {
	NewTask(req *Request) (Task, error)
	Multiplexer() *Multiplexer
	Close() error
}

// sessionBase holds what every session implementation shares.
type sessionBase struct {
	mux    *Multiplexer
	ids    atomic.Uint64
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

func (s *sessionBase) init(mux *Multiplexer) {
	s.mux = mux
	s.ctx, s.cancel = context.WithCancel(context.Background())
}

// Multiplexer returns the multiplexer the session reports to.
func (s *sessionBase) Multiplexer() *Multiplexer { return s.mux }

// Close cancels every running task. Tasks already created still deliver a
// completion event.
func (s *sessionBase) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.cancel()
	}
	return nil
}

func (s *sessionBase) nextID() TaskID {
	return TaskID(s.ids.Add(1))
}

func (s *sessionBase) newTask(req *Request, run func(t *task)) (*task, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if req == nil || req.URL == nil {
		return nil, errors.New("transport: request without url")
	}
	t := &task{
		id:      s.nextID(),
		req:     req.Clone(),
		session: s,
		run:     run,
	}
	t.ctx, t.cancel = context.WithCancel(s.ctx)
	t.current.Store(uint64(t.id))
	return t, nil
}

// task implements Task for every session.
type task struct {
	id      TaskID
	req     *Request
	session *sessionBase
	run     func(t *task)

	ctx     context.Context
	cancel  context.CancelFunc
	state   atomic.Int32
	current atomic.Uint64
}

func (t *task) ID() TaskID        { return t.id }
func (t *task) Request() *Request { return t.req }
func (t *task) State() TaskState  { return TaskState(t.state.Load()) }

func (t *task) Resume() {
	if t.state.CompareAndSwap(int32(TaskSuspended), int32(TaskRunning)) {
		go t.run(t)
	}
}

func (t *task) Cancel() {
	for {
		switch s := TaskState(t.state.Load()); s {
		case TaskSuspended:
			if t.state.CompareAndSwap(int32(s), int32(TaskCompleted)) {
				t.cancel()
				go t.emit(CompletionEvent{ID: t.currentID(), Err: ErrTaskCancelled})
				return
			}
		case TaskRunning:
			if t.state.CompareAndSwap(int32(s), int32(TaskCanceling)) {
				t.cancel()
				return
			}
		default:
			return
		}
	}
}

func (t *task) currentID() TaskID {
	return TaskID(t.current.Load())
}

func (t *task) emit(ev Event) Disposition {
	return t.session.mux.HandleEvent(ev)
}

// deliver reports resp and streams body as data events. An allowed body
// longer than spillThreshold is upgraded to a download; zero disables that.
func (t *task) deliver(resp *Response, body io.Reader, m *Metrics, spillThreshold int64) error {
	disp := t.emit(ResponseEvent{ID: t.currentID(), Response: resp})
	if disp.Response == ResponseAllow && spillThreshold > 0 && resp.ContentLength > spillThreshold {
		disp.Response = ResponseBecomeDownload
	}
	switch disp.Response {
	case ResponseCancel:
		return ErrTaskCancelled
	case ResponseBecomeDownload:
		to := t.session.nextID()
		if err := t.session.mux.Upgrade(t.currentID(), to); err != nil {
			return fmt.Errorf("upgrade to download: %w", err)
		}
		t.current.Store(uint64(to))
	}

	buf := make([]byte, chunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			m.BytesReceived += int64(n)
			t.emit(DataEvent{ID: t.currentID(), Data: chunk})
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
	}
}

// finish emits metrics and the completion event.
func (t *task) finish(m *Metrics, err error) {
	if err != nil && (t.ctx.Err() != nil || t.State() == TaskCanceling) {
		err = ErrTaskCancelled
	}
	m.End = time.Now()
	t.emit(MetricsEvent{ID: t.currentID(), Metrics: m})
	t.state.Store(int32(TaskCompleted))
	t.emit(CompletionEvent{ID: t.currentID(), Err: err})
	t.cancel()
}
