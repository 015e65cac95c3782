package pressure

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pbnjay/memory"
	"github.com/raulk/go-watchdog"

	"github.com/ligustah/picfetch/internal/logger"
)

// ErrUnknownMemory is returned when no limit is configured and the total
// system memory cannot be determined.
var ErrUnknownMemory = errors.New("cannot determine system memory")

// minGOGC keeps the watchdog from scheduling collections back to back.
const minGOGC = 25

// Options configures a Monitor.
type Options struct {
	// Limit is the heap budget in bytes. Zero derives it from Fraction and
	// the total system memory.
	Limit uint64

	// Fraction of total system memory used when Limit is zero.
	// Default: 0.8
	Fraction float64

	// MinInterval is the minimum time between two pressure callbacks.
	// Default: 10s
	MinInterval time.Duration

	// PollInterval is how often usage is sampled.
	// Default: 1s
	PollInterval time.Duration

	// OnPressure runs when usage reaches the limit.
	OnPressure func(usage, limit uint64)

	// DriveGC lets the watchdog adjust GOGC to keep the heap under Limit.
	// The watchdog is process-wide, so only one monitor should set this.
	DriveGC bool

	// Usage reports current heap usage. Default: runtime heap allocation.
	Usage func() uint64

	// Clock is used for debouncing. Default: the wall clock.
	Clock clock.Clock

	// Logger overrides the package logger. Optional.
	Logger *slog.Logger
}

// Monitor invokes a callback when heap usage crosses a limit.
type Monitor struct {
	opts  Options
	limit uint64
	log   *slog.Logger

	mu         sync.Mutex
	last       time.Time
	running    bool
	done       chan struct{}
	wg         sync.WaitGroup
	unregister func()
	stopGC     func()
}

// New creates a monitor. It does not watch anything until Start.
func New(opts Options) (*Monitor, error) {
	if opts.Fraction == 0 {
		opts.Fraction = 0.8
	}
	if opts.Fraction < 0 || opts.Fraction > 1 {
		return nil, fmt.Errorf("pressure fraction must be in (0, 1], got %v", opts.Fraction)
	}
	if opts.MinInterval == 0 {
		opts.MinInterval = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Usage == nil {
		opts.Usage = heapAlloc
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Logger("pressure")
	}
	if opts.OnPressure == nil {
		opts.OnPressure = func(uint64, uint64) {}
	}

	limit := opts.Limit
	if limit == 0 {
		total := memory.TotalMemory()
		if total == 0 {
			return nil, ErrUnknownMemory
		}
		limit = uint64(float64(total) * opts.Fraction)
	}

	return &Monitor{opts: opts, limit: limit, log: opts.Logger}, nil
}

// Limit returns the effective heap budget in bytes.
func (m *Monitor) Limit() uint64 { return m.limit }

// Start begins sampling usage every PollInterval. With DriveGC it also
// starts the GC watchdog and samples after every collection.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.done = make(chan struct{})

	ticker := m.opts.Clock.Ticker(m.opts.PollInterval)
	m.wg.Add(1)
	go func(done <-chan struct{}) {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Check()
			case <-done:
				return
			}
		}
	}(m.done)

	if m.opts.DriveGC {
		watchdog.Logger = &watchdogLogger{log: m.log}
		err, stop := watchdog.HeapDriven(m.limit, minGOGC, watchdog.NewWatermarkPolicy(0.50, 0.75, 0.90, 0.95))
		if err != nil {
			m.log.Warn("GC watchdog not started", "error", err)
		} else {
			m.stopGC = stop
			// Notifees run on the watchdog goroutine.
			m.unregister = watchdog.RegisterPostGCNotifee(func() { go m.Check() })
		}
	}

	m.log.Debug("memory pressure monitor started", "limit", m.limit, "drive_gc", m.stopGC != nil)
}

// Stop halts sampling and releases the GC watchdog.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.done)
	unregister, stopGC := m.unregister, m.stopGC
	m.unregister, m.stopGC = nil, nil
	m.mu.Unlock()

	m.wg.Wait()
	if unregister != nil {
		unregister()
	}
	if stopGC != nil {
		stopGC()
	}
}

// Check samples usage and runs the pressure callback if the limit is reached
// and the previous callback is at least MinInterval old. It reports whether
// the callback ran.
func (m *Monitor) Check() bool {
	usage := m.opts.Usage()
	if usage < m.limit {
		return false
	}

	now := m.opts.Clock.Now()
	m.mu.Lock()
	if !m.last.IsZero() && now.Sub(m.last) < m.opts.MinInterval {
		m.mu.Unlock()
		return false
	}
	m.last = now
	m.mu.Unlock()

	m.log.Warn("memory pressure", "usage", usage, "limit", m.limit)
	m.opts.OnPressure(usage, m.limit)
	return true
}

// Trigger runs the pressure callback unconditionally.
func (m *Monitor) Trigger() {
	usage := m.opts.Usage()
	m.mu.Lock()
	m.last = m.opts.Clock.Now()
	m.mu.Unlock()

	m.log.Info("memory pressure triggered", "usage", usage, "limit", m.limit)
	m.opts.OnPressure(usage, m.limit)
}

func heapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// watchdogLogger routes watchdog output through slog.
type watchdogLogger struct {
	log *slog.Logger
}

func (l *watchdogLogger) Debugf(template string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(template, args...))
}

func (l *watchdogLogger) Infof(template string, args ...interface{}) {
	l.log.Info(fmt.Sprintf(template, args...))
}

func (l *watchdogLogger) Warnf(template string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(template, args...))
}

func (l *watchdogLogger) Errorf(template string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(template, args...))
}
