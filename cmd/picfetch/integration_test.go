//go:build integration

package main

import (
	"context"
	"net/url"
	"testing"
	"time"

	_ "gocloud.dev/blob/s3blob"

	"github.com/ligustah/picfetch/internal/config"
	"github.com/ligustah/picfetch/internal/testutils"
	"github.com/ligustah/picfetch/pkg/transport"
)

func TestCLIIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	images := []testutils.TestImage{
		{Name: "photos/one.png", Data: testutils.GeneratePNG(t, 64, 48)},
		{Name: "photos/two@2x.png", Data: testutils.GeneratePNG(t, 32, 32)},
	}

	t.Log("Starting image server...")
	server := testutils.StartImageServer(t, images)

	t.Log("Starting Minio container...")
	minio := testutils.StartMinioContainer(t, ctx, "picfetch-test-bucket")
	defer func() {
		if err := minio.Close(ctx); err != nil {
			t.Logf("failed to terminate minio container: %v", err)
		}
	}()

	t.Run("fetch_and_save", func(t *testing.T) {
		exitCode := runFetch([]string{
			"-save", minio.BucketURL,
			"-max-active", "2",
			server.ImageURL(images[0].Name),
			server.ImageURL(images[1].Name),
			server.ImageURL(images[0].Name),
		})
		if exitCode != ExitSuccess {
			t.Fatalf("fetch failed with exit code %d", exitCode)
		}

		bkt, err := minio.OpenBucket(ctx)
		if err != nil {
			t.Fatalf("open bucket: %v", err)
		}
		defer bkt.Close()

		for _, img := range images {
			u, _ := url.Parse(server.ImageURL(img.Name))
			key := transport.ObjectKey("", &transport.Request{URL: u}) + ".png"
			ok, err := bkt.Exists(ctx, key)
			if err != nil {
				t.Fatalf("exists %s: %v", key, err)
			}
			if !ok {
				t.Errorf("missing saved object %s", key)
			}
		}
	})

	t.Run("fetch_from_bucket_source", func(t *testing.T) {
		minio.Seed(t, ctx, map[string][]byte{
			"mirror.example/a.png": testutils.GeneratePNG(t, 16, 16),
		})

		exitCode := runFetch([]string{
			"-source", minio.BucketURL,
			"https://mirror.example/a.png",
		})
		if exitCode != ExitSuccess {
			t.Fatalf("fetch from bucket failed with exit code %d", exitCode)
		}

		exitCode = runFetch([]string{
			"-source", minio.BucketURL,
			"https://mirror.example/missing.png",
		})
		if exitCode != ExitFetchFailed {
			t.Fatalf("expected exit code %d for missing object, got %d", ExitFetchFailed, exitCode)
		}
	})
}

func TestCLICoalescesHeldRequests(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	img := testutils.TestImage{Name: "slow.png", Data: testutils.GeneratePNG(t, 20, 20)}
	server := testutils.StartImageServer(t, []testutils.TestImage{img})
	server.Hold()

	urls := make([]string, 20)
	for i := range urls {
		urls[i] = server.ImageURL(img.Name)
	}

	done := make(chan int, 1)
	go func() {
		done <- fetchBatch(context.Background(), config.Default(), urls, fetchOptions{})
	}()

	deadline := time.Now().Add(10 * time.Second)
	for server.Hits("/"+img.Name) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	server.Release()

	select {
	case code := <-done:
		if code != ExitSuccess {
			t.Fatalf("fetch failed with exit code %d", code)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("fetch did not finish")
	}

	if n := server.Hits("/" + img.Name); n != 1 {
		t.Errorf("server saw %d requests, want 1", n)
	}
}
