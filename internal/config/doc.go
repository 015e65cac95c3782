// Package config defines configuration structures for the picfetch CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (PICFETCH_ prefix)
//   - YAML configuration file
//
// Later sources override earlier ones: defaults, then the file, then the
// environment, then flags merged with Merge.
//
// # Structure
//
//	type Config struct {
//	    MaxActiveDownloads int
//	    Ordering           string // "fifo" or "lifo"
//	    FailedKeyMemory    int
//	    Source             string // optional mirror bucket URL
//	    Listen             string
//	    Progress           bool
//	    Cache              CacheConfig
//	    HTTP               HTTPConfig
//	    Decode             DecodeConfig
//	    Pressure           PressureConfig
//	}
//
// Byte sizes are written like "100MB" and durations like "30s".
package config
