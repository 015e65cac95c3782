package logger

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	loggers sync.Map // subsystem -> *slog.Logger
	levels  sync.Map // subsystem -> *slog.LevelVar

	outputMu sync.RWMutex
	output   io.Writer = os.Stderr

	envOnce sync.Once
	envCfg  Config
)

// Logger returns the logger of a subsystem, creating it on first use.
// Every record carries a "subsystem" attribute.
func Logger(subsystem string) *slog.Logger {
	if l, ok := loggers.Load(subsystem); ok {
		return l.(*slog.Logger)
	}

	envOnce.Do(func() { envCfg = ConfigFromEnv() })

	lv := new(slog.LevelVar)
	lv.Set(envCfg.LevelFor(subsystem))
	actualLevel, _ := levels.LoadOrStore(subsystem, lv)

	opts := &slog.HandlerOptions{Level: actualLevel.(*slog.LevelVar)}
	var h slog.Handler
	if envCfg.Format == FormatJSON {
		h = slog.NewJSONHandler(dynamicWriter{}, opts)
	} else {
		h = slog.NewTextHandler(dynamicWriter{}, opts)
	}

	l, _ := loggers.LoadOrStore(subsystem, slog.New(h).With("subsystem", subsystem))
	return l.(*slog.Logger)
}

// SetLevel changes the level of an existing subsystem logger at runtime.
func SetLevel(subsystem string, level slog.Level) {
	if lv, ok := levels.Load(subsystem); ok {
		lv.(*slog.LevelVar).Set(level)
	}
}

// SetOutput redirects every subsystem logger.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	output = w
	outputMu.Unlock()
}

// Discard returns a logger that drops everything. Useful in tests and as a
// default for optional logger fields.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type dynamicWriter struct{}

func (dynamicWriter) Write(p []byte) (int, error) {
	outputMu.RLock()
	w := output
	outputMu.RUnlock()
	return w.Write(p)
}
