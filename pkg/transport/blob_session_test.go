package transport

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"
)

func newTestBlobSession(t *testing.T, opts BlobOptions) (*BlobSession, *blob.Bucket) {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })

	mux := newTestMux(t, inline, inline)
	s := NewBlobSession(mux, bucket, opts)
	t.Cleanup(func() { s.Close() })
	return s, bucket
}

func TestObjectKey(t *testing.T) {
	req, err := NewRequest("https://cdn.example.com/img/a.png?sig=1", nil)
	require.NoError(t, err)

	assert.Equal(t, "cdn.example.com/img/a.png", ObjectKey("", req))
	assert.Equal(t, "mirror/cdn.example.com/img/a.png", ObjectKey("mirror/", req))
}

func TestBlobSessionFetch(t *testing.T) {
	s, bucket := newTestBlobSession(t, BlobOptions{})
	ctx := context.Background()
	require.NoError(t, bucket.WriteAll(ctx, "cdn.example.com/a.png", []byte("pixels"), &blob.WriterOptions{
		ContentType: "image/png",
	}))

	_, done := startTask(t, s, "https://cdn.example.com/a.png", Handlers{})
	res := waitResult(t, done)

	require.NoError(t, res.Err)
	assert.Equal(t, []byte("pixels"), res.Value)
	assert.Equal(t, http.StatusOK, res.Response.StatusCode)
	assert.Equal(t, "image/png", res.Response.ContentType)
	assert.Equal(t, int64(6), res.Response.ContentLength)
	assert.Equal(t, int64(6), res.Metrics.BytesReceived)
}

func TestBlobSessionMissingObject(t *testing.T) {
	s, _ := newTestBlobSession(t, BlobOptions{})

	_, done := startTask(t, s, "https://cdn.example.com/missing.png", Handlers{})
	res := waitResult(t, done)

	require.NoError(t, res.Err)
	assert.Equal(t, http.StatusNotFound, res.Response.StatusCode)
}

func TestBlobSessionPrefix(t *testing.T) {
	s, bucket := newTestBlobSession(t, BlobOptions{Prefix: "mirror"})
	require.NoError(t, bucket.WriteAll(context.Background(), "mirror/cdn.example.com/b.png", []byte("b"), nil))

	_, done := startTask(t, s, "https://cdn.example.com/b.png", Handlers{})
	res := waitResult(t, done)

	require.NoError(t, res.Err)
	assert.Equal(t, []byte("b"), res.Value)
}

func TestBlobSessionCancelBeforeResume(t *testing.T) {
	s, _ := newTestBlobSession(t, BlobOptions{})
	req, err := NewRequest("https://cdn.example.com/a.png", nil)
	require.NoError(t, err)
	task, err := s.NewTask(req)
	require.NoError(t, err)

	done := make(chan Result, 1)
	require.NoError(t, s.Multiplexer().Register(task, Handlers{
		Complete: func(id TaskID, res Result) { done <- res },
	}))
	task.Cancel()

	res := waitResult(t, done)
	assert.ErrorIs(t, res.Err, ErrTaskCancelled)
}
