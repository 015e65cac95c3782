package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/multierr"

	"github.com/ligustah/picfetch/internal/config"
	"github.com/ligustah/picfetch/internal/logger"
	"github.com/ligustah/picfetch/internal/metrics"
	"github.com/ligustah/picfetch/internal/pressure"
	"github.com/ligustah/picfetch/pkg/downloader"
	"github.com/ligustah/picfetch/pkg/imagecache"
	"github.com/ligustah/picfetch/pkg/transport"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)

	configPath := fs.String("config", "", "YAML config file")
	listen := fs.String("listen", "", "Listen address (default :8080)")
	source := fs.String("source", "", "Bucket URL to read mirrored images from instead of HTTP")
	maxActive := fs.Int("max-active", 0, "Maximum concurrent downloads")
	ordering := fs.String("ordering", "", "Queue ordering: fifo or lifo")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: picfetch serve [options]

Serve images over HTTP. GET /image?url=<url> responds with the decoded image
as PNG; concurrent requests for the same URL share one download. Prometheus
metrics are exposed on /metrics. SIGUSR1 flushes the image cache.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}
	cfg = cfg.Merge(config.Config{
		MaxActiveDownloads: *maxActive,
		Ordering:           *ordering,
		Source:             *source,
		Listen:             *listen,
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}

	app := fx.New(serveOptions(cfg), fx.NopLogger)
	if err := app.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}

	sig := <-app.Done()
	fmt.Fprintf(os.Stderr, "\n[picfetch] Received %s, shutting down...\n", sig)

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}
	return ExitSuccess
}

// serveOptions assembles the serve application.
func serveOptions(cfg config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			newRegistry,
			func(r *prometheus.Registry) prometheus.Registerer { return r },
			func(r *prometheus.Registry) prometheus.Gatherer { return r },
		),
		metrics.Module,
		fx.Provide(
			newServeCache,
			newServeSession,
			newServeCoordinator,
			newServePressure,
			newServer,
		),
		fx.Invoke(registerServer, registerFlushSignal),
	)
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newServeCache(cfg config.Config, obs imagecache.Observer) (*imagecache.Cache, error) {
	return imagecache.New(cacheOptions(cfg, obs))
}

func newServeSession(lc fx.Lifecycle, cfg config.Config) (transport.Session, error) {
	mux, stopMux := newMultiplexer(cfg)
	session, closeSource, err := openSession(context.Background(), cfg, mux)
	if err != nil {
		stopMux()
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			defer stopMux()
			return multierr.Combine(session.Close(), closeSource())
		},
	})
	return session, nil
}

func newServeCoordinator(lc fx.Lifecycle, cfg config.Config, session transport.Session, cache *imagecache.Cache, obs downloader.Observer) (*downloader.Coordinator, error) {
	coordCfg, err := coordinatorConfig(cfg, obs)
	if err != nil {
		return nil, err
	}
	coord, err := downloader.New(session, cache, coordCfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			return coord.Close()
		},
	})
	return coord, nil
}

// newServePressure builds the monitor that flushes the cache. It only
// samples when pressure monitoring is enabled; Trigger works either way.
func newServePressure(lc fx.Lifecycle, cfg config.Config, cache *imagecache.Cache, collector *metrics.Collector) (*pressure.Monitor, error) {
	log := logger.Logger("serve")
	opts := pressure.Options{
		Limit:       uint64(cfg.Pressure.Limit),
		Fraction:    cfg.Pressure.Fraction,
		MinInterval: cfg.Pressure.MinInterval,
		DriveGC:     cfg.Pressure.DriveGC,
		OnPressure: func(usage, limit uint64) {
			n := cache.Len()
			cache.RemoveAll()
			collector.PressureFlush()
			log.Info("image cache flushed", "entries", n, "usage", usage, "limit", limit)
		},
	}
	if !cfg.Pressure.Enabled {
		opts.Limit = math.MaxUint64
	}
	m, err := pressure.New(opts)
	if err != nil {
		return nil, err
	}
	if cfg.Pressure.Enabled {
		lc.Append(fx.Hook{
			OnStart: func(_ context.Context) error {
				m.Start()
				return nil
			},
			OnStop: func(_ context.Context) error {
				m.Stop()
				return nil
			},
		})
	}
	return m, nil
}

func newServer(cfg config.Config, coord *downloader.Coordinator, gatherer prometheus.Gatherer) *http.Server {
	return &http.Server{
		Addr:              cfg.Listen,
		Handler:           newImageHandler(coord, gatherer, logger.Logger("serve")),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func registerServer(lc fx.Lifecycle, srv *http.Server) {
	log := logger.Logger("serve")
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			log.Info("serving", "addr", ln.Addr().String())
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

// registerFlushSignal flushes the cache through the pressure monitor on
// SIGUSR1.
func registerFlushSignal(lc fx.Lifecycle, m *pressure.Monitor) {
	sigCh := make(chan os.Signal, 1)
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			signal.Notify(sigCh, syscall.SIGUSR1)
			go func() {
				for {
					select {
					case <-sigCh:
						m.Trigger()
					case <-done:
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			signal.Stop(sigCh)
			close(done)
			return nil
		},
	})
}
