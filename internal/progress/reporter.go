package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures the progress reporter.
type Options struct {
	// TotalImages is the number of images in the batch.
	TotalImages int

	// MaxActive is the download concurrency (for display).
	MaxActive int

	// Output is where to write progress output.
	// Default: os.Stderr
	Output io.Writer

	// UpdateInterval is how often to update the progress display.
	// Default: 500ms
	UpdateInterval time.Duration

	// Source names the batch input (for display).
	Source string
}

// Reporter outputs human-readable progress information.
type Reporter struct {
	opts Options

	mu             sync.Mutex
	completedBytes atomic.Int64
	downloaded     atomic.Int32
	cached         atomic.Int32
	failed         atomic.Int32
	inProgress     atomic.Int32
	startTime      time.Time
	lastUpdate     time.Time
	lastBytes      int64
	stopCh         chan struct{}
	doneCh         chan struct{}
	started        bool
	stopped        bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 500 * time.Millisecond
	}

	return &Reporter{
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins outputting progress information.
func (r *Reporter) Start() {
	r.mu.Lock()
	r.started = true
	r.startTime = time.Now()
	r.lastUpdate = r.startTime
	r.mu.Unlock()

	fmt.Fprintf(r.opts.Output, "[picfetch] Fetching %d images from %s | Max active: %d\n",
		r.opts.TotalImages,
		r.opts.Source,
		r.opts.MaxActive,
	)

	go r.updateLoop()
}

// Stop stops the progress reporter and prints the final status.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	r.mu.Unlock()

	close(r.stopCh)
	if started {
		<-r.doneCh
	}
}

// ImageStarted marks an image as in progress.
func (r *Reporter) ImageStarted() {
	r.inProgress.Add(1)
}

// ImageCompleted marks an image as done. size is the encoded body size, zero
// for cache hits.
func (r *Reporter) ImageCompleted(size int64, fromCache bool) {
	r.completedBytes.Add(size)
	if fromCache {
		r.cached.Add(1)
	} else {
		r.downloaded.Add(1)
	}
	r.inProgress.Add(-1)
}

// ImageFailed marks an image as failed (removes from in-progress).
func (r *Reporter) ImageFailed() {
	r.failed.Add(1)
	r.inProgress.Add(-1)
}

// Counts returns downloaded, cached and failed totals.
func (r *Reporter) Counts() (downloaded, cached, failed int) {
	return int(r.downloaded.Load()), int(r.cached.Load()), int(r.failed.Load())
}

// updateLoop periodically updates the progress display.
func (r *Reporter) updateLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinalStatus()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

func (r *Reporter) finished() int {
	downloaded, cached, failed := r.Counts()
	return downloaded + cached + failed
}

// printProgress outputs the current progress.
func (r *Reporter) printProgress() {
	now := time.Now()
	completed := r.completedBytes.Load()
	done := r.finished()

	// Calculate speed
	elapsed := now.Sub(r.lastUpdate).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	bytesThisPeriod := completed - r.lastBytes
	speed := float64(bytesThisPeriod) / elapsed

	r.lastUpdate = now
	r.lastBytes = completed

	// Calculate percentage and ETA from image counts
	var percent float64
	eta := "calculating..."
	if r.opts.TotalImages > 0 {
		percent = float64(done) / float64(r.opts.TotalImages) * 100
		if total := now.Sub(r.startTime); done > 0 && total > 0 {
			perImage := total / time.Duration(done)
			eta = formatDuration(perImage * time.Duration(r.opts.TotalImages-done))
		}
	}

	downloaded, cached, failed := r.Counts()
	fmt.Fprintf(r.opts.Output, "\r[picfetch] Progress: %.1f%% | %d / %d | %s | Speed: %s/s | ETA: %s    ",
		percent,
		done,
		r.opts.TotalImages,
		formatBytes(completed),
		formatBytes(int64(speed)),
		eta,
	)
	fmt.Fprintf(r.opts.Output, "\n[picfetch] Images: %d downloaded | %d cached | %d failed | %d in-progress    \033[A",
		downloaded,
		cached,
		failed,
		r.inProgress.Load(),
	)
}

// printFinalStatus outputs the final status.
func (r *Reporter) printFinalStatus() {
	completed := r.completedBytes.Load()
	duration := time.Since(r.startTime)
	avgSpeed := float64(completed) / duration.Seconds()
	downloaded, cached, failed := r.Counts()

	fmt.Fprintf(r.opts.Output, "\r[picfetch] Progress: %d / %d | %s | Complete!    \n",
		r.finished(),
		r.opts.TotalImages,
		formatBytes(completed),
	)
	fmt.Fprintf(r.opts.Output, "[picfetch] Images: %d downloaded | %d cached | %d failed | 0 in-progress    \n",
		downloaded,
		cached,
		failed,
	)
	fmt.Fprintf(r.opts.Output, "[picfetch] Total time: %s | Average speed: %s/s\n",
		formatDuration(duration),
		formatBytes(int64(avgSpeed)),
	)
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes is exported for use by other packages.
func FormatBytes(b int64) string {
	return formatBytes(b)
}

// ParseBytes parses a human-readable byte string (e.g., "256MB"). Units are
// binary: KB and KiB both mean 1024 bytes.
func ParseBytes(s string) (int64, error) {
	var multiplier int64 = 1
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)

	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"TIB", 1 << 40}, {"GIB", 1 << 30}, {"MIB", 1 << 20}, {"KIB", 1 << 10},
		{"TB", 1 << 40}, {"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(upper, u.suffix) {
			multiplier = u.multiplier
			s = strings.TrimSpace(s[:len(s)-len(u.suffix)])
			break
		}
	}

	var value float64
	_, err := fmt.Sscanf(s, "%f", &value)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid byte string: %s", s)
	}

	return int64(value * float64(multiplier)), nil
}
