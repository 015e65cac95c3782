package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/multierr"
	"gocloud.dev/blob"
	"golang.org/x/sync/errgroup"

	"github.com/ligustah/picfetch/internal/config"
	"github.com/ligustah/picfetch/internal/logger"
	"github.com/ligustah/picfetch/internal/progress"
	"github.com/ligustah/picfetch/pkg/downloader"
	"github.com/ligustah/picfetch/pkg/imagecache"
	"github.com/ligustah/picfetch/pkg/transport"
)

// maxInFlightFetches bounds the goroutines waiting on the coordinator. The
// coordinator's own limit decides how many of them transfer at once.
const maxInFlightFetches = 256

// runFetch downloads and decodes a batch of images. Duplicate URLs share a
// single transfer.
func runFetch(args []string) int {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)

	configPath := fs.String("config", "", "YAML config file")
	input := fs.String("input", "", "File with one URL per line (- for stdin)")
	source := fs.String("source", "", "Bucket URL to read mirrored images from instead of HTTP")
	save := fs.String("save", "", "Bucket URL to write decoded images to as PNG")
	maxActive := fs.Int("max-active", 0, "Maximum concurrent downloads")
	ordering := fs.String("ordering", "", "Queue ordering: fifo or lifo")
	stripQuery := fs.Bool("strip-query", false, "Ignore query strings when deduplicating URLs")
	showProgress := fs.Bool("progress", false, "Show progress output")
	timeout := fs.Duration("timeout", 0, "Overall time limit (0 = none)")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: picfetch fetch [options] [url...]

Download and decode a batch of images. URLs come from the arguments and
from -input. With -save, every decoded image is written to the bucket as
<host>/<path>.png.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	urls, err := readURLs(*input, fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	if len(urls) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no URLs given")
		fs.Usage()
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
		Progress:           *showProgress,
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\n[picfetch] Received interrupt, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return fetchBatch(ctx, cfg, urls, fetchOptions{
		save:       *save,
		stripQuery: *stripQuery,
	})
}

type fetchOptions struct {
	save       string
	stripQuery bool
}

func fetchBatch(ctx context.Context, cfg config.Config, urls []string, opts fetchOptions) int {
	log := logger.Logger("fetch")

	cache, err := imagecache.New(cacheOptions(cfg, nil))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}

	mux, stopMux := newMultiplexer(cfg)
	defer stopMux()
	session, closeSource, err := openSession(ctx, cfg, mux)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	defer closeSource()
	defer session.Close()

	var reporter *progress.Reporter
	if cfg.Progress {
		source := cfg.Source
		if source == "" {
			source = "http"
		}
		reporter = progress.NewReporter(progress.Options{
			TotalImages:    len(urls),
			MaxActive:      cfg.MaxActiveDownloads,
			UpdateInterval: time.Second,
			Source:         source,
		})
		reporter.Start()
		defer reporter.Stop()
	}

	coordCfg, err := coordinatorConfig(cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}
	if opts.stripQuery {
		coordCfg.KeyFilter = downloader.StripQuery
	}
	coord, err := downloader.New(session, cache, coordCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}
	defer coord.Close()

	var target *blob.Bucket
	if opts.save != "" {
		target, err = blob.OpenBucket(ctx, opts.save)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening bucket: %v\n", err)
			return ExitStorageError
		}
		defer target.Close()
	}

	var (
		mu       sync.Mutex
		failures error
		saved    sync.Map
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInFlightFetches)
	for _, u := range urls {
		u := u
		g.Go(func() error {
			if reporter != nil {
				reporter.ImageStarted()
			}
			res, err := coord.Fetch(gctx, u, downloader.Options{})
			if err != nil {
				if reporter != nil {
					reporter.ImageFailed()
				}
				log.Warn("fetch failed", "url", u, "error", err)
				mu.Lock()
				failures = multierr.Append(failures, fmt.Errorf("%s: %w", u, err))
				mu.Unlock()
				return nil
			}
			if reporter != nil {
				reporter.ImageCompleted(resultSize(res), res.FromCache)
			}

			if target == nil {
				return nil
			}
			// Duplicates resolve to the same key; write it once.
			if _, dup := saved.LoadOrStore(res.Key, struct{}{}); dup {
				return nil
			}
			if err := saveImage(gctx, target, res); err != nil {
				return fmt.Errorf("save %s: %w", u, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	if ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "[picfetch] Fetch interrupted")
		return ExitGeneralError
	}

	errs := multierr.Errors(failures)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		fmt.Fprintf(os.Stderr, "[picfetch] %d of %d images failed\n", len(errs), len(urls))
		return ExitFetchFailed
	}

	fmt.Fprintf(os.Stderr, "[picfetch] Fetched %d images\n", len(urls))
	return ExitSuccess
}

// resultSize is the transferred size when known, else the decoded estimate.
func resultSize(res *downloader.Result) int64 {
	if res.Response != nil && res.Response.ContentLength > 0 {
		return res.Response.ContentLength
	}
	return imagecache.DefaultCost(res.Image)
}

// saveImage writes the decoded image as PNG under the object key its source
// URL maps to.
func saveImage(ctx context.Context, bkt *blob.Bucket, res *downloader.Result) error {
	req, err := transport.NewRequest(string(res.Key), nil)
	if err != nil {
		return err
	}
	key := strings.TrimSuffix(transport.ObjectKey("", req), "/") + ".png"

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, res.Image.Image, imaging.PNG); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := bkt.WriteAll(ctx, key, buf.Bytes(), &blob.WriterOptions{ContentType: "image/png"}); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
