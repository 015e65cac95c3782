package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	picfetchhttp "github.com/ligustah/picfetch/internal/http"
	"github.com/ligustah/picfetch/internal/logger"
	"github.com/ligustah/picfetch/pkg/imagecache"
	"github.com/ligustah/picfetch/pkg/transport"
)

// Receipt identifies one request for cancellation.
type Receipt struct {
	Key Key
	ID  uuid.UUID
}

// Stats is a snapshot of the coordinator's load.
type Stats struct {
	Active   int
	Pending  int
	InFlight int
}

type taskState int

const (
	taskCreating taskState = iota
	taskPending
	taskActive
)

type responseHandler struct {
	id      uuid.UUID
	cb      Callbacks
	context any

	// done is set on the completion executor once the outcome runs.
	done atomic.Bool
}

// mergedTask is the one transport task serving every request for a key.
// task is nil while the state is taskCreating.
type mergedTask struct {
	key      Key
	taskID   transport.TaskID
	task     transport.Task
	handlers []*responseHandler
	state    taskState
	started  time.Time
}

// terminal is a finished transport task on its way to the scheduler loop.
type terminal struct {
	key      Key
	taskID   transport.TaskID
	image    *imagecache.Image
	response *transport.Response
	err      error
}

// Coordinator coalesces, throttles and caches image downloads.
type Coordinator struct {
	cfg        Config
	session    transport.Session
	mux        *transport.Multiplexer
	cache      *imagecache.Cache
	failed     *lru.Cache[Key, error]
	completion transport.Executor
	ownsExec   *transport.SerialExecutor
	obs        Observer
	log        *slog.Logger

	mu     sync.Mutex
	tasks  map[Key]*mergedTask
	active map[transport.TaskID]*mergedTask
	sched  *scheduler[*mergedTask]
	closed bool

	terminals chan terminal
	quit      chan struct{}
	done      chan struct{}
}

// New creates a Coordinator running tasks on session and caching decoded
// images in cache. A nil cache disables caching.
func New(session transport.Session, cache *imagecache.Cache, cfg Config) (*Coordinator, error) {
	if session == nil {
		return nil, fmt.Errorf("%w: nil session", ErrInvalidConfig)
	}
	def := DefaultConfig()
	if cfg.MaxActiveDownloads == 0 {
		cfg.MaxActiveDownloads = def.MaxActiveDownloads
	}
	if cfg.MaxActiveDownloads < 0 {
		return nil, fmt.Errorf("%w: max active downloads must be at least 1", ErrInvalidConfig)
	}
	if cfg.Ordering != FIFO && cfg.Ordering != LIFO {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, cfg.Ordering)
	}
	if cfg.FailedKeyMemory == 0 {
		cfg.FailedKeyMemory = def.FailedKeyMemory
	}

	c := &Coordinator{
		cfg:        cfg,
		session:    session,
		mux:        session.Multiplexer(),
		cache:      cache,
		completion: cfg.Completion,
		obs:        cfg.Observer,
		log:        cfg.Logger,
		tasks:      make(map[Key]*mergedTask),
		active:     make(map[transport.TaskID]*mergedTask),
		sched:      newScheduler[*mergedTask](cfg.MaxActiveDownloads, cfg.Ordering),
		terminals:  make(chan terminal, 64),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if cfg.FailedKeyMemory > 0 {
		failed, err := lru.New[Key, error](cfg.FailedKeyMemory)
		if err != nil {
			return nil, fmt.Errorf("create failed-key memory: %w", err)
		}
		c.failed = failed
	}
	if c.completion == nil {
		c.ownsExec = transport.NewSerialExecutor()
		c.completion = c.ownsExec
	}
	if c.obs == nil {
		c.obs = noopObserver{}
	}
	if c.log == nil {
		c.log = logger.Logger("downloader")
	}

	go c.loop()
	return c, nil
}

// Request asks for the image named by descriptor. The returned Receipt
// cancels this request only. A nil Receipt with a nil error means the
// request was answered from the cache.
//
// Errors known up front are returned and also delivered to cb.Failure.
func (c *Coordinator) Request(descriptor string, opts Options, cb Callbacks) (*Receipt, error) {
	key, u, err := normalize(descriptor, c.cfg.KeyFilter)
	if err != nil {
		c.fail(cb, err)
		return nil, err
	}
	h := &responseHandler{id: uuid.New(), cb: cb, context: opts.Context}
	receipt := &Receipt{Key: key, ID: h.id}

	if r, ok, err := c.attach(key, h); ok {
		if err != nil {
			c.fail(cb, err)
		}
		return r, err
	}

	if !opts.IgnoreCache && !opts.RefreshCached && c.cache != nil {
		if img, ok := c.cache.Lookup(string(key)); ok {
			c.log.Debug("cache hit", "key", key)
			c.deliver([]*responseHandler{h}, &Result{Key: key, Image: img, FromCache: true}, nil)
			return nil, nil
		}
	}

	if !opts.RetryFailed && c.failed != nil {
		if prev, ok := c.failed.Get(key); ok {
			err := fmt.Errorf("%w: %s: %w", ErrPreviouslyFailed, key, prev)
			c.fail(cb, err)
			return nil, err
		}
	}

	// Claim key before creating the task so concurrent requests attach here.
	mt := &mergedTask{key: key, state: taskCreating, handlers: []*responseHandler{h}}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.fail(cb, ErrClosed)
		return nil, ErrClosed
	}
	if existing, ok := c.tasks[key]; ok {
		existing.handlers = append(existing.handlers, h)
		c.mu.Unlock()
		c.obs.RequestCoalesced()
		return receipt, nil
	}
	c.tasks[key] = mt
	c.mu.Unlock()

	task, err := c.newTask(key, u, opts.Header)
	if err != nil {
		c.abandon(mt, err)
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		// Close already failed every handler of the placeholder.
		c.mu.Unlock()
		c.mux.Unregister(task.ID())
		task.Cancel()
		return nil, ErrClosed
	}
	if c.tasks[key] != mt {
		c.mu.Unlock()
		c.mux.Unregister(task.ID())
		task.Cancel()
		return receipt, nil
	}
	mt.task = task
	mt.taskID = task.ID()
	mt.state = taskPending
	start := c.sched.offer(mt)
	if start {
		c.markActiveLocked(mt)
	}
	active, pending := c.sched.activeCount(), c.sched.pendingCount()
	c.mu.Unlock()

	c.obs.Queue(active, pending)
	if start {
		c.log.Debug("download started", "key", key, "task", mt.taskID, "active", active)
		c.obs.DownloadStarted()
		task.Resume()
	} else {
		c.log.Debug("download queued", "key", key, "task", mt.taskID, "pending", pending)
		c.obs.DownloadQueued()
	}
	return receipt, nil
}

// newTask creates the transport task for key and registers it with the
// multiplexer.
func (c *Coordinator) newTask(key Key, u *url.URL, header http.Header) (transport.Task, error) {
	task, err := c.session.NewTask(&transport.Request{URL: u, Header: mergeHeader(c.cfg.Header, header)})
	if err != nil {
		return nil, &TransportError{Key: key, Err: err}
	}
	if err := c.mux.Register(task, c.handlersFor(key)); err != nil {
		task.Cancel()
		return nil, &TransportError{Key: key, Err: err}
	}
	return task, nil
}

// abandon drops a placeholder whose task could not be created and fails
// every request attached to it.
func (c *Coordinator) abandon(mt *mergedTask, err error) {
	c.mu.Lock()
	if c.tasks[mt.key] == mt {
		delete(c.tasks, mt.key)
	}
	handlers := mt.handlers
	mt.handlers = nil
	c.mu.Unlock()

	c.log.Warn("download not created", "key", mt.key, "handlers", len(handlers), "error", err)
	c.deliver(handlers, nil, err)
}

// attach adds h to the in-flight task for key. It reports false when there
// is none.
func (c *Coordinator) attach(key Key, h *responseHandler) (*Receipt, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, true, ErrClosed
	}
	mt, exists := c.tasks[key]
	if !exists {
		return nil, false, nil
	}
	mt.handlers = append(mt.handlers, h)
	c.obs.RequestCoalesced()
	c.log.Debug("request coalesced", "key", key, "task", mt.taskID, "handlers", len(mt.handlers))
	return &Receipt{Key: key, ID: h.id}, true, nil
}

// Cancel withdraws the request behind r. The caller's Failure callback
// receives ErrCancelled; other requests for the same key are unaffected.
// Canceling twice, or after the outcome was delivered, does nothing.
func (c *Coordinator) Cancel(r *Receipt) {
	if r == nil {
		return
	}

	c.mu.Lock()
	mt, ok := c.tasks[r.Key]
	if !ok {
		c.mu.Unlock()
		return
	}
	idx := -1
	for i, h := range mt.handlers {
		if h.id == r.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return
	}
	h := mt.handlers[idx]
	mt.handlers = append(mt.handlers[:idx], mt.handlers[idx+1:]...)

	var stop, unregister bool
	if len(mt.handlers) == 0 {
		delete(c.tasks, r.Key)
		// A placeholder's creator sees the key is gone and discards its task.
		stop = mt.state != taskCreating
		if mt.state == taskPending {
			c.sched.withdraw(mt)
			unregister = true
		}
		// An active task keeps its slot until its terminal event arrives.
	}
	active, pending := c.sched.activeCount(), c.sched.pendingCount()
	c.mu.Unlock()

	if unregister {
		c.mux.Unregister(mt.taskID)
	}
	if stop {
		c.log.Debug("download abandoned", "key", r.Key, "task", mt.taskID, "started", !unregister)
		mt.task.Cancel()
		c.obs.Queue(active, pending)
		if unregister {
			c.obs.DownloadFinished("cancelled", 0)
		}
	}
	c.deliver([]*responseHandler{h}, nil, fmt.Errorf("%w: %s", ErrCancelled, r.Key))
}

// Fetch requests descriptor and waits for the outcome. Canceling ctx
// cancels the request.
func (c *Coordinator) Fetch(ctx context.Context, descriptor string, opts Options) (*Result, error) {
	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	r, err := c.Request(descriptor, opts, Callbacks{
		Success: func(res *Result) { done <- outcome{res: res} },
		Failure: func(err error) { done <- outcome{err: err} },
	})
	if err != nil {
		return nil, err
	}

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		c.Cancel(r)
		return nil, ctx.Err()
	}
}

// Stats returns the current load.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Active:   c.sched.activeCount(),
		Pending:  c.sched.pendingCount(),
		InFlight: len(c.tasks),
	}
}

// Close cancels every outstanding request with ErrClosed and stops the
// coordinator. It does not close the session or the cache.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.sched.drain()
	var handlers []*responseHandler
	var running []transport.Task
	for _, mt := range c.tasks {
		handlers = append(handlers, mt.handlers...)
		mt.handlers = nil
	}
	for _, mt := range c.active {
		running = append(running, mt.task)
	}
	c.tasks = make(map[Key]*mergedTask)
	c.mu.Unlock()

	for _, mt := range pending {
		c.discard(mt)
	}
	for _, t := range running {
		t.Cancel()
	}
	c.deliver(handlers, nil, ErrClosed)

	close(c.quit)
	<-c.done
	if c.ownsExec != nil {
		c.ownsExec.Close()
	}
	return nil
}

// handlersFor builds the multiplexer callbacks for a task fetching key.
// They carry only the key and task id and resolve coordinator state when
// they run.
func (c *Coordinator) handlersFor(key Key) transport.Handlers {
	return transport.Handlers{
		Progress: func(id transport.TaskID, p transport.Progress) {
			c.onProgress(id, p)
		},
		Serialize: func(id transport.TaskID, resp *transport.Response, body []byte) (any, error) {
			if resp == nil {
				return nil, &TransportError{Key: key, Err: errors.New("no response")}
			}
			if err := picfetchhttp.CheckStatusCode(resp.StatusCode); err != nil {
				return nil, &TransportError{Key: key, StatusCode: resp.StatusCode, Err: err}
			}
			img, err := decode(key, body, c.cfg.Decode)
			if err != nil {
				return nil, &TransportError{Key: key, StatusCode: resp.StatusCode, Err: err}
			}
			return img, nil
		},
		Complete: func(id transport.TaskID, res transport.Result) {
			t := terminal{key: key, taskID: id, response: res.Response}
			switch {
			case res.Err == nil:
				img, ok := res.Value.(*imagecache.Image)
				if !ok {
					t.err = &TransportError{Key: key, Err: fmt.Errorf("unexpected body type %T", res.Value)}
				}
				t.image = img
			case errors.Is(res.Err, transport.ErrTaskCancelled):
				t.err = fmt.Errorf("%w: %s", ErrCancelled, key)
			default:
				var te *TransportError
				if errors.As(res.Err, &te) {
					t.err = te
				} else {
					t.err = &TransportError{Key: key, Err: res.Err}
				}
			}
			select {
			case c.terminals <- t:
			case <-c.quit:
			}
		},
	}
}

func (c *Coordinator) loop() {
	defer close(c.done)
	for {
		select {
		case t := <-c.terminals:
			c.onTaskTerminal(t)
		case <-c.quit:
			return
		}
	}
}

// onTaskTerminal retires a finished task, admits the next queued one and
// delivers the outcome.
func (c *Coordinator) onTaskTerminal(t terminal) {
	cancelled := errors.Is(t.err, ErrCancelled)
	if t.err == nil && c.cache != nil && c.cache.ShouldCache(string(t.key), t.image) {
		if err := c.cache.Insert(string(t.key), t.image); err != nil {
			c.log.Debug("image not cached", "key", t.key, "error", err)
		}
	}
	if c.failed != nil {
		switch {
		case t.err == nil:
			c.failed.Remove(t.key)
		case !cancelled:
			c.failed.Add(t.key, t.err)
		}
	}

	c.mu.Lock()
	mt, ok := c.active[t.taskID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.active, t.taskID)
	if c.tasks[mt.key] == mt {
		delete(c.tasks, mt.key)
	}
	handlers := mt.handlers
	mt.handlers = nil
	next, promoted := c.sched.release()
	if promoted {
		c.markActiveLocked(next)
	}
	active, pending := c.sched.activeCount(), c.sched.pendingCount()
	c.mu.Unlock()

	elapsed := time.Since(mt.started)
	switch {
	case t.err == nil:
		c.obs.DownloadFinished("success", elapsed)
	case cancelled:
		c.obs.DownloadFinished("cancelled", elapsed)
	default:
		c.log.Warn("download failed", "key", t.key, "error", t.err, "handlers", len(handlers))
		c.obs.DownloadFinished("failure", elapsed)
	}
	c.obs.Queue(active, pending)

	if promoted {
		c.log.Debug("download started", "key", next.key, "task", next.taskID, "active", active)
		c.obs.DownloadStarted()
		next.task.Resume()
	}

	if t.err != nil {
		c.deliver(handlers, nil, t.err)
		return
	}
	c.deliver(handlers, &Result{Key: t.key, Image: t.image, Response: t.response}, nil)
}

func (c *Coordinator) onProgress(id transport.TaskID, p transport.Progress) {
	c.mu.Lock()
	mt, ok := c.active[id]
	var handlers []*responseHandler
	if ok {
		for _, h := range mt.handlers {
			if h.cb.Progress != nil {
				handlers = append(handlers, h)
			}
		}
	}
	c.mu.Unlock()

	if len(handlers) == 0 {
		return
	}
	c.completion.Go(func() {
		for _, h := range handlers {
			// The outcome may have been queued ahead of this update.
			if h.done.Load() {
				continue
			}
			h := h
			c.call(func() { h.cb.Progress(p) })
		}
	})
}

func (c *Coordinator) markActiveLocked(mt *mergedTask) {
	mt.state = taskActive
	mt.started = time.Now()
	c.active[mt.taskID] = mt
}

// discard drops a task that was never started.
func (c *Coordinator) discard(mt *mergedTask) {
	c.mux.Unregister(mt.taskID)
	mt.task.Cancel()
}

// deliver schedules one outcome per handler on the completion executor.
// Each handler gets its own Result so Context stays per request.
func (c *Coordinator) deliver(handlers []*responseHandler, res *Result, err error) {
	if len(handlers) == 0 {
		return
	}
	c.completion.Go(func() {
		for _, h := range handlers {
			h := h
			h.done.Store(true)
			if err != nil {
				if h.cb.Failure != nil {
					c.call(func() { h.cb.Failure(err) })
				}
				continue
			}
			if h.cb.Success != nil {
				r := *res
				r.Context = h.context
				c.call(func() { h.cb.Success(&r) })
			}
		}
	})
}

func (c *Coordinator) fail(cb Callbacks, err error) {
	c.deliver([]*responseHandler{{cb: cb}}, nil, err)
}

// call runs a caller callback, containing panics.
func (c *Coordinator) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("callback panicked", "panic", r)
		}
	}()
	fn()
}

func mergeHeader(base, extra http.Header) http.Header {
	h := base.Clone()
	if h == nil {
		h = make(http.Header)
	}
	for k, v := range extra {
		h[k] = append([]string(nil), v...)
	}
	return h
}
