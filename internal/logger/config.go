package logger

import (
	"log/slog"
	"os"
	"strings"
)

// Format selects the slog handler.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Config is the parsed logging environment.
type Config struct {
	DefaultLevel    slog.Level
	SubsystemLevels map[string]slog.Level
	Format          Format
}

// LevelFor returns the configured level of a subsystem.
func (c Config) LevelFor(subsystem string) slog.Level {
	if level, ok := c.SubsystemLevels[subsystem]; ok {
		return level
	}
	return c.DefaultLevel
}

// ConfigFromEnv reads PICFETCH_LOG_LEVEL and PICFETCH_LOG_FORMAT.
func ConfigFromEnv() Config {
	return ParseConfig(os.Getenv("PICFETCH_LOG_LEVEL"), os.Getenv("PICFETCH_LOG_FORMAT"))
}

// ParseConfig parses a level spec such as "downloader=debug,transport=warn,info"
// and a format name. Unknown level names are ignored.
func ParseConfig(levelSpec, format string) Config {
	cfg := Config{
		DefaultLevel:    slog.LevelInfo,
		SubsystemLevels: make(map[string]slog.Level),
	}

	for _, part := range strings.Split(levelSpec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if subsystem, name, ok := strings.Cut(part, "="); ok {
			if level, ok := parseLevel(name); ok {
				cfg.SubsystemLevels[strings.TrimSpace(subsystem)] = level
			}
			continue
		}
		if level, ok := parseLevel(part); ok {
			cfg.DefaultLevel = level
		}
	}

	if strings.EqualFold(strings.TrimSpace(format), "json") {
		cfg.Format = FormatJSON
	}
	return cfg
}

func parseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return 0, false
}
