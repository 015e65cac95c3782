package main

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ligustah/picfetch/internal/config"
	"github.com/ligustah/picfetch/pkg/downloader"
	"github.com/ligustah/picfetch/pkg/transport"
)

func TestRunDispatch(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no args", nil, ExitInvalidArgs},
		{"help", []string{"help"}, ExitSuccess},
		{"version", []string{"version"}, ExitSuccess},
		{"unknown", []string{"bogus"}, ExitInvalidArgs},
		{"fetch without urls", []string{"fetch"}, ExitInvalidArgs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(tt.args); got != tt.want {
				t.Errorf("run(%v) = %d, want %d", tt.args, got, tt.want)
			}
		})
	}
}

func TestReadURLs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "urls.txt")
	content := "# images\nhttp://a.example/1.png\n\n  http://a.example/2.png  \n#http://skipped\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	urls, err := readURLs(path, []string{"http://b.example/x.png"})
	if err != nil {
		t.Fatalf("readURLs: %v", err)
	}
	want := []string{"http://b.example/x.png", "http://a.example/1.png", "http://a.example/2.png"}
	if len(urls) != len(want) {
		t.Fatalf("got %v, want %v", urls, want)
	}
	for i := range want {
		if urls[i] != want[i] {
			t.Errorf("url %d = %q, want %q", i, urls[i], want[i])
		}
	}
}

func TestReadURLsMissingFile(t *testing.T) {
	if _, err := readURLs(filepath.Join(t.TempDir(), "nope"), nil); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestCoordinatorConfig(t *testing.T) {
	cfg := config.Default()
	cfg.MaxActiveDownloads = 3
	cfg.Ordering = "LIFO"
	cfg.Decode.MaxWidth = 640

	got, err := coordinatorConfig(cfg, nil)
	if err != nil {
		t.Fatalf("coordinatorConfig: %v", err)
	}
	if got.MaxActiveDownloads != 3 {
		t.Errorf("MaxActiveDownloads = %d, want 3", got.MaxActiveDownloads)
	}
	if got.Ordering != downloader.LIFO {
		t.Errorf("Ordering = %v, want LIFO", got.Ordering)
	}
	if got.Decode.MaxWidth != 640 {
		t.Errorf("Decode.MaxWidth = %d, want 640", got.Decode.MaxWidth)
	}

	cfg.Ordering = "random"
	if _, err := coordinatorConfig(cfg, nil); err == nil {
		t.Error("expected error for unknown ordering")
	}
}

func TestHTTPOptions(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Timeout = 5 * time.Second
	cfg.HTTP.UserAgent = "test-agent"
	cfg.HTTP.SpillThreshold = -1

	opts := httpOptions(cfg)
	if opts.Client.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", opts.Client.Timeout)
	}
	if opts.Client.UserAgent != "test-agent" {
		t.Errorf("UserAgent = %q", opts.Client.UserAgent)
	}
	if opts.SpillThreshold != -1 {
		t.Errorf("SpillThreshold = %d, want -1", opts.SpillThreshold)
	}
}

type stubTask struct{ id transport.TaskID }

func (t stubTask) ID() transport.TaskID        { return t.id }
func (t stubTask) Request() *transport.Request { return nil }
func (t stubTask) State() transport.TaskState  { return transport.TaskRunning }
func (t stubTask) Resume()                     {}
func (t stubTask) Cancel()                     {}

func TestMultiplexerCallbackOrder(t *testing.T) {
	mux, stop := newMultiplexer(config.Default())
	defer stop()

	var mu sync.Mutex
	var calls []string
	done := make(chan struct{})
	err := mux.Register(stubTask{id: 1}, transport.Handlers{
		Progress: func(_ transport.TaskID, _ transport.Progress) {
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			calls = append(calls, "progress")
			mu.Unlock()
		},
		Complete: func(_ transport.TaskID, _ transport.Result) {
			mu.Lock()
			calls = append(calls, "complete")
			mu.Unlock()
			close(done)
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	for i := 0; i < 3; i++ {
		mux.HandleEvent(transport.DataEvent{ID: 1, Data: []byte("chunk")})
	}
	mux.HandleEvent(transport.CompletionEvent{ID: 1})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"progress", "progress", "progress", "complete"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}
