package main

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"

	"github.com/disintegration/imaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ligustah/picfetch/pkg/downloader"
)

// newImageHandler routes /image, /metrics and /healthz.
//
// GET /image?url=<u>[&refresh=1] fetches u through the coordinator and
// responds with the decoded image re-encoded as PNG. X-Cache reports whether
// the image came from the cache.
func newImageHandler(coord *downloader.Coordinator, gatherer prometheus.Gatherer, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/image", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		src := r.URL.Query().Get("url")
		if src == "" {
			http.Error(w, "missing url parameter", http.StatusBadRequest)
			return
		}

		res, err := coord.Fetch(r.Context(), src, downloader.Options{
			RefreshCached: r.URL.Query().Get("refresh") == "1",
		})
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			log.Debug("image request failed", "url", src, "error", err)
			http.Error(w, err.Error(), statusFor(err))
			return
		}

		var buf bytes.Buffer
		if err := imaging.Encode(&buf, res.Image.Image, imaging.PNG); err != nil {
			log.Warn("encode failed", "key", res.Key, "error", err)
			http.Error(w, "encode failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		if res.FromCache {
			w.Header().Set("X-Cache", "hit")
		} else {
			w.Header().Set("X-Cache", "miss")
		}
		if r.Method == http.MethodHead {
			return
		}
		w.Write(buf.Bytes())
	})
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// statusFor maps a coordinator error to a response status. Upstream 404s
// pass through; other transport failures are bad gateways.
func statusFor(err error) int {
	var te *downloader.TransportError
	switch {
	case errors.Is(err, downloader.ErrInvalidResource):
		return http.StatusBadRequest
	case errors.As(err, &te) && te.StatusCode == http.StatusNotFound:
		return http.StatusNotFound
	case errors.Is(err, downloader.ErrTransport), errors.Is(err, downloader.ErrPreviouslyFailed):
		return http.StatusBadGateway
	case errors.Is(err, downloader.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
