package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ligustah/picfetch/pkg/downloader"
	"github.com/ligustah/picfetch/pkg/imagecache"
)

const namespace = "picfetch"

var (
	_ downloader.Observer = (*Collector)(nil)
	_ imagecache.Observer = (*Collector)(nil)
)

// Collector holds the Prometheus metrics.
type Collector struct {
	coalesced prometheus.Counter
	queued    prometheus.Counter
	started   prometheus.Counter
	finished  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	active    prometheus.Gauge
	pending   prometheus.Gauge

	cacheLookups      *prometheus.CounterVec
	cacheEvictions    prometheus.Counter
	cacheEvictedBytes prometheus.Counter
	cacheCost         prometheus.Gauge

	pressureFlushes prometheus.Counter
}

// New creates a Collector and registers it with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downloader",
			Name:      "coalesced_requests_total",
			Help:      "Requests attached to an in-flight download.",
		}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downloader",
			Name:      "queued_total",
			Help:      "Downloads that had to wait for a free slot.",
		}),
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downloader",
			Name:      "started_total",
			Help:      "Downloads started.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downloader",
			Name:      "finished_total",
			Help:      "Downloads finished, by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "downloader",
			Name:      "duration_seconds",
			Help:      "Time from start to terminal outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"outcome"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "downloader",
			Name:      "active",
			Help:      "Downloads currently running.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "downloader",
			Name:      "pending",
			Help:      "Downloads waiting for a slot.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups, by result.",
		}, []string{"result"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entries evicted by purge passes.",
		}),
		cacheEvictedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evicted_bytes_total",
			Help:      "Estimated bytes freed by purge passes.",
		}),
		cacheCost: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "cost_bytes",
			Help:      "Estimated bytes held by the cache.",
		}),
		pressureFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pressure",
			Name:      "flushes_total",
			Help:      "Cache flushes caused by memory pressure.",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.coalesced, c.queued, c.started, c.finished, c.duration, c.active, c.pending,
		c.cacheLookups, c.cacheEvictions, c.cacheEvictedBytes, c.cacheCost,
		c.pressureFlushes,
	} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return c, nil
}

func (c *Collector) RequestCoalesced() { c.coalesced.Inc() }
func (c *Collector) DownloadQueued()   { c.queued.Inc() }
func (c *Collector) DownloadStarted()  { c.started.Inc() }

func (c *Collector) DownloadFinished(outcome string, elapsed time.Duration) {
	c.finished.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		c.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	}
}

func (c *Collector) Queue(active, pending int) {
	c.active.Set(float64(active))
	c.pending.Set(float64(pending))
}

func (c *Collector) CacheHit()  { c.cacheLookups.WithLabelValues("hit").Inc() }
func (c *Collector) CacheMiss() { c.cacheLookups.WithLabelValues("miss").Inc() }

func (c *Collector) CacheEvicted(entries int, bytes int64) {
	c.cacheEvictions.Add(float64(entries))
	c.cacheEvictedBytes.Add(float64(bytes))
}

func (c *Collector) CacheCost(total int64) { c.cacheCost.Set(float64(total)) }

// PressureFlush counts a cache flush caused by memory pressure.
func (c *Collector) PressureFlush() { c.pressureFlushes.Inc() }
