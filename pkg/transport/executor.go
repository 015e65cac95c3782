package transport

import "sync"

// Executor runs callbacks off the session's goroutine.
type Executor interface {
	Go(fn func())
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func())

// Go calls f(fn).
func (f ExecutorFunc) Go(fn func()) { f(fn) }

// GoExecutor runs every callback on its own goroutine.
type GoExecutor struct{}

// Go starts fn on a new goroutine.
func (GoExecutor) Go(fn func()) { go fn() }

// SerialExecutor runs callbacks one at a time in submission order on a single
// goroutine. The queue is unbounded so Go never blocks.
type SerialExecutor struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

// NewSerialExecutor starts a SerialExecutor.
func NewSerialExecutor() *SerialExecutor {
	s := &SerialExecutor{done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

// Go queues fn. Calls after Close are dropped.
func (s *SerialExecutor) Go(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, fn)
	s.cond.Signal()
}

// Close stops accepting work, runs what is already queued and waits for the
// goroutine to exit. It must not be called from a queued callback.
func (s *SerialExecutor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
	<-s.done
}

func (s *SerialExecutor) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		fn()
	}
}
