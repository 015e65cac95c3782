package transport

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// BlobOptions configures a BlobSession.
type BlobOptions struct {
	// Prefix is prepended to every object key.
	Prefix string

	// SpillThreshold works as in HTTPOptions. Zero disables it.
	SpillThreshold int64
}

// BlobSession serves requests from a bucket, so a mirrored set of images can
// stand in for their origin. The object key for a URL is its host followed
// by its path.
type BlobSession struct {
	sessionBase
	bucket *blob.Bucket
	opts   BlobOptions
}

// NewBlobSession creates a session reading from bucket and reporting to mux.
// The caller keeps ownership of bucket.
func NewBlobSession(mux *Multiplexer, bucket *blob.Bucket, opts BlobOptions) *BlobSession {
	s := &BlobSession{bucket: bucket, opts: opts}
	s.init(mux)
	return s
}

// NewTask creates a suspended task reading the object for req.
func (s *BlobSession) NewTask(req *Request) (Task, error) {
	t, err := s.newTask(req, s.run)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ObjectKey returns the object key for a request URL.
func (s *BlobSession) ObjectKey(req *Request) string {
	return ObjectKey(s.opts.Prefix, req)
}

// ObjectKey maps a request URL to an object key below prefix.
func ObjectKey(prefix string, req *Request) string {
	key := req.URL.Host + "/" + strings.TrimPrefix(req.URL.Path, "/")
	if prefix != "" {
		key = strings.TrimSuffix(prefix, "/") + "/" + key
	}
	return key
}

func (s *BlobSession) run(t *task) {
	m := &Metrics{Start: time.Now()}
	key := s.ObjectKey(t.req)

	r, err := s.bucket.NewReader(t.ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) != gcerrors.NotFound {
			t.finish(m, fmt.Errorf("open object %s: %w", key, err))
			return
		}
		resp := &Response{
			URL:           t.req.URL,
			StatusCode:    http.StatusNotFound,
			Header:        make(http.Header),
			ContentLength: 0,
		}
		t.finish(m, t.deliver(resp, strings.NewReader(""), m, 0))
		return
	}
	defer r.Close()
	m.FirstByte = time.Since(m.Start)

	header := make(http.Header)
	header.Set("Content-Type", r.ContentType())
	header.Set("Content-Length", strconv.FormatInt(r.Size(), 10))
	if mod := r.ModTime(); !mod.IsZero() {
		header.Set("Last-Modified", mod.UTC().Format(http.TimeFormat))
	}
	resp := &Response{
		URL:           t.req.URL,
		StatusCode:    http.StatusOK,
		Header:        header,
		ContentLength: r.Size(),
		ContentType:   r.ContentType(),
	}
	t.finish(m, t.deliver(resp, r, m, s.opts.SpillThreshold))
}
