package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/ligustah/picfetch/internal/config"
	picfetchhttp "github.com/ligustah/picfetch/internal/http"
	"github.com/ligustah/picfetch/pkg/downloader"
	"github.com/ligustah/picfetch/pkg/imagecache"
	"github.com/ligustah/picfetch/pkg/transport"
)

// loadConfig layers defaults, an optional YAML file and the environment.
// Flag overrides are merged by the caller.
func loadConfig(path string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		fileCfg, err := config.LoadFromFile(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = fileCfg
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func cacheOptions(cfg config.Config, obs imagecache.Observer) imagecache.Options {
	return imagecache.Options{
		Capacity:        cfg.Cache.Capacity,
		PreferredTarget: cfg.Cache.PreferredTarget,
		Observer:        obs,
	}
}

func httpOptions(cfg config.Config) transport.HTTPOptions {
	client := picfetchhttp.DefaultOptions()
	if cfg.HTTP.Timeout != 0 {
		client.Timeout = cfg.HTTP.Timeout
	}
	if cfg.HTTP.UserAgent != "" {
		client.UserAgent = cfg.HTTP.UserAgent
	}
	if cfg.HTTP.MaxIdleConnsPerHost != 0 {
		client.MaxIdleConnsPerHost = cfg.HTTP.MaxIdleConnsPerHost
	}
	if cfg.HTTP.MaxRedirects != 0 {
		client.MaxRedirects = cfg.HTTP.MaxRedirects
	}
	return transport.HTTPOptions{
		Client:               client,
		SpillThreshold:       cfg.HTTP.SpillThreshold,
		MaxChallengeAttempts: cfg.HTTP.MaxChallengeAttempts,
	}
}

// newMultiplexer returns a multiplexer whose callbacks run in event order
// on one goroutine, so a task's progress never trails its completion. stop
// releases that goroutine once the session is closed.
func newMultiplexer(cfg config.Config) (mux *transport.Multiplexer, stop func()) {
	completion := transport.NewSerialExecutor()
	opts := []transport.Option{transport.WithCompletion(completion)}
	if cfg.HTTP.Username != "" {
		opts = append(opts, transport.WithSessionChallenge(transport.StaticCredential(transport.Credential{
			Username: cfg.HTTP.Username,
			Password: cfg.HTTP.Password,
		})))
	}
	return transport.NewMultiplexer(opts...), completion.Close
}

// openSession returns an HTTP session, or a blob session when cfg.Source
// names a bucket. The returned func releases the bucket.
func openSession(ctx context.Context, cfg config.Config, mux *transport.Multiplexer) (transport.Session, func() error, error) {
	if cfg.Source == "" {
		return transport.NewHTTPSession(mux, httpOptions(cfg)), func() error { return nil }, nil
	}

	bkt, err := blob.OpenBucket(ctx, cfg.Source)
	if err != nil {
		return nil, nil, fmt.Errorf("open source bucket: %w", err)
	}
	return transport.NewBlobSession(mux, bkt, transport.BlobOptions{
		SpillThreshold: cfg.HTTP.SpillThreshold,
	}), bkt.Close, nil
}

func coordinatorConfig(cfg config.Config, obs downloader.Observer) (downloader.Config, error) {
	ordering, err := downloader.ParseOrdering(cfg.Ordering)
	if err != nil {
		return downloader.Config{}, err
	}
	return downloader.Config{
		MaxActiveDownloads: cfg.MaxActiveDownloads,
		Ordering:           ordering,
		FailedKeyMemory:    cfg.FailedKeyMemory,
		Decode: downloader.DecodeOptions{
			MaxWidth:  cfg.Decode.MaxWidth,
			MaxHeight: cfg.Decode.MaxHeight,
		},
		Observer: obs,
	}, nil
}

// readURLs collects image URLs from args and from the file at path, one per
// line. "-" reads standard input. Blank lines and # comments are skipped.
func readURLs(path string, args []string) ([]string, error) {
	urls := append([]string(nil), args...)
	if path == "" {
		return urls, nil
	}

	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read url list: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, nil
}
