// Package metrics exports coordinator, cache and memory-pressure activity as
// Prometheus metrics.
//
// A Collector implements both downloader.Observer and imagecache.Observer,
// so one instance is handed to the coordinator and the cache. Module wires it
// into an fx application.
package metrics
