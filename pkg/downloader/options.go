package downloader

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ligustah/picfetch/pkg/imagecache"
	"github.com/ligustah/picfetch/pkg/transport"
)

// Ordering selects which queued download is admitted next.
type Ordering int

const (
	// FIFO admits queued downloads in arrival order.
	FIFO Ordering = iota
	// LIFO admits the most recently queued download first.
	LIFO
)

func (o Ordering) String() string {
	switch o {
	case FIFO:
		return "fifo"
	case LIFO:
		return "lifo"
	default:
		return fmt.Sprintf("Ordering(%d)", int(o))
	}
}

// ParseOrdering parses "fifo" or "lifo".
func ParseOrdering(s string) (Ordering, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fifo", "":
		return FIFO, nil
	case "lifo":
		return LIFO, nil
	default:
		return FIFO, fmt.Errorf("%w: unknown ordering %q", ErrInvalidConfig, s)
	}
}

// DecodeOptions bounds decoded image size. Larger images are scaled down to
// fit, keeping the aspect ratio. Zero means unbounded.
type DecodeOptions struct {
	MaxWidth  int
	MaxHeight int
}

// Observer receives coordinator activity. Implementations must be safe for
// concurrent use and must not call back into the coordinator.
type Observer interface {
	RequestCoalesced()
	DownloadQueued()
	DownloadStarted()
	// DownloadFinished reports a terminal outcome: "success", "failure" or
	// "cancelled".
	DownloadFinished(outcome string, elapsed time.Duration)
	Queue(active, pending int)
}

type noopObserver struct{}

func (noopObserver) RequestCoalesced()                      {}
func (noopObserver) DownloadQueued()                        {}
func (noopObserver) DownloadStarted()                       {}
func (noopObserver) DownloadFinished(string, time.Duration) {}
func (noopObserver) Queue(int, int)                         {}

// Config configures a Coordinator.
type Config struct {
	// MaxActiveDownloads caps concurrently running transport tasks.
	// Default: 6
	MaxActiveDownloads int

	// Ordering selects the admission order of queued downloads.
	// Default: FIFO
	Ordering Ordering

	// Header is sent with every request. Options.Header entries win.
	Header http.Header

	// Decode bounds decoded image dimensions.
	Decode DecodeOptions

	// FailedKeyMemory is how many failed keys are remembered. Requests for a
	// remembered key fail with ErrPreviouslyFailed unless RetryFailed is set.
	// Default: 256. Negative disables the memory.
	FailedKeyMemory int

	// KeyFilter rewrites URLs before they become keys. Optional.
	KeyFilter KeyFilter

	// Completion runs every caller callback. Default: a SerialExecutor owned
	// by the coordinator.
	Completion transport.Executor

	// Observer receives activity signals. Optional.
	Observer Observer

	// Logger overrides the package logger. Optional.
	Logger *slog.Logger
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxActiveDownloads: 6,
		Ordering:           FIFO,
		FailedKeyMemory:    256,
	}
}

// Options tune a single request.
type Options struct {
	// IgnoreCache skips the cache lookup. The result is still cached.
	IgnoreCache bool

	// RefreshCached skips the cache lookup so the cached copy is replaced by
	// a fresh download.
	RefreshCached bool

	// RetryFailed bypasses the failed-key memory.
	RetryFailed bool

	// Header is merged over Config.Header. It only applies when this request
	// starts a new transport task.
	Header http.Header

	// Context is handed back unchanged in Result.Context.
	Context any
}

// Callbacks receive the outcome of one request. Exactly one of Success and
// Failure is called, once. Every field is optional.
type Callbacks struct {
	Success  func(res *Result)
	Failure  func(err error)
	Progress func(p transport.Progress)
}

// Result is a successful outcome.
type Result struct {
	Key   Key
	Image *imagecache.Image

	// Response is nil for cache hits.
	Response *transport.Response

	FromCache bool
	Context   any
}
