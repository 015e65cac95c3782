// Package downloader coordinates image fetches on top of a transport.Session.
//
// A Coordinator guarantees that concurrent requests for the same resource
// share a single transport task, that no more than MaxActiveDownloads tasks
// run at once, and that queued tasks are admitted in FIFO or LIFO order.
// Decoded images are stored in an imagecache.Cache and served from it on
// later requests.
//
// Every request returns a Receipt. Canceling a receipt only affects its own
// callbacks: the shared task keeps running for the remaining callers, and is
// only stopped once nobody is waiting for it.
//
// All callbacks run on the coordinator's completion executor, never while the
// coordinator holds a lock, so they may call back into the Coordinator.
//
// # Usage
//
//	mux := transport.NewMultiplexer()
//	session := transport.NewHTTPSession(mux, transport.DefaultHTTPOptions())
//	cache, _ := imagecache.New(imagecache.DefaultOptions())
//	coord, _ := downloader.New(session, cache, downloader.DefaultConfig())
//	defer coord.Close()
//
//	res, err := coord.Fetch(ctx, "https://example.com/a@2x.png", downloader.Options{})
package downloader
