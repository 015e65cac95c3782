// Package logger provides subsystem-scoped structured loggers built on log/slog.
//
// Each package asks for its own logger once:
//
//	var log = logger.Logger("downloader")
//
//	log.Debug("task admitted", "key", key, "active", active)
//
// Levels and output format come from the environment:
//
//	PICFETCH_LOG_LEVEL=downloader=debug,warn   # per-subsystem levels, then the default
//	PICFETCH_LOG_FORMAT=json                   # text (default) or json
//
// Loggers write to stderr unless [SetOutput] redirects them. The output writer is
// resolved on every record, so redirecting after loggers were created still applies.
package logger
