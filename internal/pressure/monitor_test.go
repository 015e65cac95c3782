package pressure

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligustah/picfetch/internal/logger"
)

type fakeUsage struct {
	v atomic.Uint64
}

func (f *fakeUsage) get() uint64 { return f.v.Load() }

func newTestMonitor(t *testing.T, limit uint64) (*Monitor, *fakeUsage, *clock.Mock, *atomic.Int32) {
	t.Helper()
	usage := &fakeUsage{}
	mock := clock.NewMock()
	var calls atomic.Int32
	m, err := New(Options{
		Limit:       limit,
		MinInterval: time.Second,
		Usage:       usage.get,
		Clock:       mock,
		Logger:      logger.Discard(),
		OnPressure:  func(uint64, uint64) { calls.Add(1) },
	})
	require.NoError(t, err)
	return m, usage, mock, &calls
}

func TestCheckBelowLimit(t *testing.T) {
	m, usage, _, calls := newTestMonitor(t, 1000)
	usage.v.Store(999)

	assert.False(t, m.Check())
	assert.Equal(t, int32(0), calls.Load())
}

func TestCheckAtLimit(t *testing.T) {
	m, usage, _, calls := newTestMonitor(t, 1000)
	usage.v.Store(1000)

	assert.True(t, m.Check())
	assert.Equal(t, int32(1), calls.Load())
}

func TestCheckDebounces(t *testing.T) {
	m, usage, mock, calls := newTestMonitor(t, 1000)
	usage.v.Store(2000)

	require.True(t, m.Check())
	assert.False(t, m.Check())

	mock.Add(500 * time.Millisecond)
	assert.False(t, m.Check())

	mock.Add(500 * time.Millisecond)
	assert.True(t, m.Check())
	assert.Equal(t, int32(2), calls.Load())
}

func TestTriggerIgnoresLimit(t *testing.T) {
	m, usage, _, calls := newTestMonitor(t, 1000)
	usage.v.Store(10)

	m.Trigger()
	assert.Equal(t, int32(1), calls.Load())

	// A trigger also restarts the debounce window.
	usage.v.Store(5000)
	assert.False(t, m.Check())
}

func TestLimitFromSystemMemory(t *testing.T) {
	m, err := New(Options{Fraction: 0.5, Logger: logger.Discard()})
	if err == ErrUnknownMemory {
		t.Skip("total memory not available on this platform")
	}
	require.NoError(t, err)
	assert.Greater(t, m.Limit(), uint64(0))
}

func TestInvalidFraction(t *testing.T) {
	_, err := New(Options{Limit: 1, Fraction: 1.5})
	assert.Error(t, err)
}

func TestStartPolls(t *testing.T) {
	usage := &fakeUsage{}
	usage.v.Store(1 << 40)
	mock := clock.NewMock()
	fired := make(chan struct{}, 1)
	m, err := New(Options{
		Limit:        1,
		PollInterval: time.Second,
		Usage:        usage.get,
		Clock:        mock,
		Logger:       logger.Discard(),
		OnPressure: func(uint64, uint64) {
			select {
			case fired <- struct{}{}:
			default:
			}
		},
	})
	require.NoError(t, err)

	m.Start()
	defer m.Stop()

	// The ticker goroutine may not be waiting yet; keep advancing.
	deadline := time.After(5 * time.Second)
	for {
		mock.Add(time.Second)
		select {
		case <-fired:
			return
		case <-deadline:
			t.Fatal("pressure callback did not run")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStopIsIdempotent(t *testing.T) {
	m, _, _, _ := newTestMonitor(t, 1000)
	m.Stop()
	m.Start()
	m.Stop()
	m.Stop()
}
