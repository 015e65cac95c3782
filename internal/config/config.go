package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ligustah/picfetch/internal/progress"
)

// Config defines configuration for the picfetch CLI.
type Config struct {
	MaxActiveDownloads int            `yaml:"max_active_downloads"`
	Ordering           string         `yaml:"ordering"`
	FailedKeyMemory    int            `yaml:"failed_key_memory"`
	Source             string         `yaml:"source"`
	Listen             string         `yaml:"listen"`
	Progress           bool           `yaml:"progress"`
	Cache              CacheConfig    `yaml:"cache"`
	HTTP               HTTPConfig     `yaml:"http"`
	Decode             DecodeConfig   `yaml:"decode"`
	Pressure           PressureConfig `yaml:"pressure"`
}

// CacheConfig defines the image cache budget in bytes.
type CacheConfig struct {
	Capacity        int64 `yaml:"capacity"`
	PreferredTarget int64 `yaml:"preferred_target"`
}

// HTTPConfig defines transport behavior.
type HTTPConfig struct {
	Timeout              time.Duration `yaml:"timeout"`
	UserAgent            string        `yaml:"user_agent"`
	MaxIdleConnsPerHost  int           `yaml:"max_idle_conns_per_host"`
	MaxRedirects         int           `yaml:"max_redirects"`
	MaxChallengeAttempts int           `yaml:"max_challenge_attempts"`
	SpillThreshold       int64         `yaml:"spill_threshold"`
	Username             string        `yaml:"username"`
	Password             string        `yaml:"password"`
}

// DecodeConfig bounds decoded image dimensions. Zero is unbounded.
type DecodeConfig struct {
	MaxWidth  int `yaml:"max_width"`
	MaxHeight int `yaml:"max_height"`
}

// PressureConfig defines when the cache is flushed under memory pressure.
type PressureConfig struct {
	Enabled bool `yaml:"enabled"`

	// Limit is the heap size in bytes that counts as pressure. Zero derives
	// it from Fraction of total system memory.
	Limit    int64   `yaml:"limit"`
	Fraction float64 `yaml:"fraction"`

	// MinInterval is the minimum time between two flushes.
	MinInterval time.Duration `yaml:"min_interval"`

	// DriveGC lets the GC watchdog tune GOGC against Limit.
	DriveGC bool `yaml:"drive_gc"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		MaxActiveDownloads: 6,
		Ordering:           "fifo",
		FailedKeyMemory:    256,
		Listen:             ":8080",
		Cache: CacheConfig{
			Capacity:        100 * 1024 * 1024, // 100MB
			PreferredTarget: 60 * 1024 * 1024,  // 60MB
		},
		HTTP: HTTPConfig{
			Timeout:              30 * time.Second,
			UserAgent:            "picfetch/1.0",
			MaxIdleConnsPerHost:  16,
			MaxRedirects:         10,
			MaxChallengeAttempts: 3,
			SpillThreshold:       8 * 1024 * 1024, // 8MB
		},
		Pressure: PressureConfig{
			Enabled:     true,
			Fraction:    0.8,
			MinInterval: 10 * time.Second,
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string sizes and durations.
type yamlConfig struct {
	MaxActiveDownloads int                `yaml:"max_active_downloads"`
	Ordering           string             `yaml:"ordering"`
	FailedKeyMemory    int                `yaml:"failed_key_memory"`
	Source             string             `yaml:"source"`
	Listen             string             `yaml:"listen"`
	Progress           bool               `yaml:"progress"`
	Cache              yamlCacheConfig    `yaml:"cache"`
	HTTP               yamlHTTPConfig     `yaml:"http"`
	Decode             DecodeConfig       `yaml:"decode"`
	Pressure           yamlPressureConfig `yaml:"pressure"`
}

type yamlCacheConfig struct {
	Capacity        string `yaml:"capacity"`
	PreferredTarget string `yaml:"preferred_target"`
}

type yamlHTTPConfig struct {
	Timeout              string `yaml:"timeout"`
	UserAgent            string `yaml:"user_agent"`
	MaxIdleConnsPerHost  int    `yaml:"max_idle_conns_per_host"`
	MaxRedirects         int    `yaml:"max_redirects"`
	MaxChallengeAttempts int    `yaml:"max_challenge_attempts"`
	SpillThreshold       string `yaml:"spill_threshold"`
	Username             string `yaml:"username"`
	Password             string `yaml:"password"`
}

type yamlPressureConfig struct {
	Enabled     *bool   `yaml:"enabled"`
	Limit       string  `yaml:"limit"`
	Fraction    float64 `yaml:"fraction"`
	MinInterval string  `yaml:"min_interval"`
	DriveGC     bool    `yaml:"drive_gc"`
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.MaxActiveDownloads != 0 {
		cfg.MaxActiveDownloads = yc.MaxActiveDownloads
	}
	if yc.Ordering != "" {
		cfg.Ordering = yc.Ordering
	}
	if yc.FailedKeyMemory != 0 {
		cfg.FailedKeyMemory = yc.FailedKeyMemory
	}
	if yc.Source != "" {
		cfg.Source = yc.Source
	}
	if yc.Listen != "" {
		cfg.Listen = yc.Listen
	}
	cfg.Progress = yc.Progress

	if err := setBytes(&cfg.Cache.Capacity, yc.Cache.Capacity, "cache.capacity"); err != nil {
		return Config{}, err
	}
	if err := setBytes(&cfg.Cache.PreferredTarget, yc.Cache.PreferredTarget, "cache.preferred_target"); err != nil {
		return Config{}, err
	}

	if err := setDuration(&cfg.HTTP.Timeout, yc.HTTP.Timeout, "http.timeout"); err != nil {
		return Config{}, err
	}
	if yc.HTTP.UserAgent != "" {
		cfg.HTTP.UserAgent = yc.HTTP.UserAgent
	}
	if yc.HTTP.MaxIdleConnsPerHost != 0 {
		cfg.HTTP.MaxIdleConnsPerHost = yc.HTTP.MaxIdleConnsPerHost
	}
	if yc.HTTP.MaxRedirects != 0 {
		cfg.HTTP.MaxRedirects = yc.HTTP.MaxRedirects
	}
	if yc.HTTP.MaxChallengeAttempts != 0 {
		cfg.HTTP.MaxChallengeAttempts = yc.HTTP.MaxChallengeAttempts
	}
	if err := setBytes(&cfg.HTTP.SpillThreshold, yc.HTTP.SpillThreshold, "http.spill_threshold"); err != nil {
		return Config{}, err
	}
	if yc.HTTP.Username != "" {
		cfg.HTTP.Username = yc.HTTP.Username
	}
	if yc.HTTP.Password != "" {
		cfg.HTTP.Password = yc.HTTP.Password
	}

	cfg.Decode = yc.Decode

	if yc.Pressure.Enabled != nil {
		cfg.Pressure.Enabled = *yc.Pressure.Enabled
	}
	if err := setBytes(&cfg.Pressure.Limit, yc.Pressure.Limit, "pressure.limit"); err != nil {
		return Config{}, err
	}
	if yc.Pressure.Fraction != 0 {
		cfg.Pressure.Fraction = yc.Pressure.Fraction
	}
	if err := setDuration(&cfg.Pressure.MinInterval, yc.Pressure.MinInterval, "pressure.min_interval"); err != nil {
		return Config{}, err
	}
	cfg.Pressure.DriveGC = yc.Pressure.DriveGC

	return cfg, nil
}

func setBytes(dst *int64, v, name string) error {
	if v == "" {
		return nil
	}
	size, err := progress.ParseBytes(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = size
	return nil
}

func setDuration(dst *time.Duration, v, name string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, v, name string) error {
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = n
	return nil
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the PICFETCH_ prefix.
func (c *Config) LoadFromEnv() error {
	if err := setInt(&c.MaxActiveDownloads, os.Getenv("PICFETCH_MAX_ACTIVE_DOWNLOADS"), "PICFETCH_MAX_ACTIVE_DOWNLOADS"); err != nil {
		return err
	}
	if v := os.Getenv("PICFETCH_ORDERING"); v != "" {
		c.Ordering = v
	}
	if err := setInt(&c.FailedKeyMemory, os.Getenv("PICFETCH_FAILED_KEY_MEMORY"), "PICFETCH_FAILED_KEY_MEMORY"); err != nil {
		return err
	}
	if v := os.Getenv("PICFETCH_SOURCE"); v != "" {
		c.Source = v
	}
	if v := os.Getenv("PICFETCH_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("PICFETCH_PROGRESS"); v != "" {
		c.Progress = parseBool(v)
	}
	if err := setBytes(&c.Cache.Capacity, os.Getenv("PICFETCH_CACHE_CAPACITY"), "PICFETCH_CACHE_CAPACITY"); err != nil {
		return err
	}
	if err := setBytes(&c.Cache.PreferredTarget, os.Getenv("PICFETCH_CACHE_PREFERRED_TARGET"), "PICFETCH_CACHE_PREFERRED_TARGET"); err != nil {
		return err
	}
	if err := setDuration(&c.HTTP.Timeout, os.Getenv("PICFETCH_HTTP_TIMEOUT"), "PICFETCH_HTTP_TIMEOUT"); err != nil {
		return err
	}
	if v := os.Getenv("PICFETCH_HTTP_USER_AGENT"); v != "" {
		c.HTTP.UserAgent = v
	}
	if err := setBytes(&c.HTTP.SpillThreshold, os.Getenv("PICFETCH_HTTP_SPILL_THRESHOLD"), "PICFETCH_HTTP_SPILL_THRESHOLD"); err != nil {
		return err
	}
	if v := os.Getenv("PICFETCH_HTTP_USERNAME"); v != "" {
		c.HTTP.Username = v
	}
	if v := os.Getenv("PICFETCH_HTTP_PASSWORD"); v != "" {
		c.HTTP.Password = v
	}
	if v := os.Getenv("PICFETCH_PRESSURE_ENABLED"); v != "" {
		c.Pressure.Enabled = parseBool(v)
	}
	if err := setBytes(&c.Pressure.Limit, os.Getenv("PICFETCH_PRESSURE_LIMIT"), "PICFETCH_PRESSURE_LIMIT"); err != nil {
		return err
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.MaxActiveDownloads < 1 {
		return errors.New("config: max_active_downloads must be at least 1")
	}
	switch strings.ToLower(c.Ordering) {
	case "fifo", "lifo":
	default:
		return fmt.Errorf("config: ordering must be fifo or lifo, got %q", c.Ordering)
	}
	if c.Cache.Capacity <= 0 {
		return errors.New("config: cache.capacity must be positive")
	}
	if c.Cache.PreferredTarget <= 0 || c.Cache.PreferredTarget >= c.Cache.Capacity {
		return errors.New("config: cache.preferred_target must be positive and below cache.capacity")
	}
	if c.HTTP.Timeout < 0 {
		return errors.New("config: http.timeout must not be negative")
	}
	if c.Decode.MaxWidth < 0 || c.Decode.MaxHeight < 0 {
		return errors.New("config: decode bounds must not be negative")
	}
	if c.Pressure.Enabled && c.Pressure.Limit == 0 && (c.Pressure.Fraction <= 0 || c.Pressure.Fraction > 1) {
		return errors.New("config: pressure.fraction must be in (0, 1]")
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.MaxActiveDownloads != 0 {
		c.MaxActiveDownloads = override.MaxActiveDownloads
	}
	if override.Ordering != "" {
		c.Ordering = override.Ordering
	}
	if override.FailedKeyMemory != 0 {
		c.FailedKeyMemory = override.FailedKeyMemory
	}
	if override.Source != "" {
		c.Source = override.Source
	}
	if override.Listen != "" {
		c.Listen = override.Listen
	}
	if override.Progress {
		c.Progress = override.Progress
	}
	if override.Cache.Capacity != 0 {
		c.Cache.Capacity = override.Cache.Capacity
	}
	if override.Cache.PreferredTarget != 0 {
		c.Cache.PreferredTarget = override.Cache.PreferredTarget
	}
	if override.HTTP.Timeout != 0 {
		c.HTTP.Timeout = override.HTTP.Timeout
	}
	if override.HTTP.UserAgent != "" {
		c.HTTP.UserAgent = override.HTTP.UserAgent
	}
	if override.HTTP.SpillThreshold != 0 {
		c.HTTP.SpillThreshold = override.HTTP.SpillThreshold
	}
	if override.HTTP.Username != "" {
		c.HTTP.Username = override.HTTP.Username
	}
	if override.HTTP.Password != "" {
		c.HTTP.Password = override.HTTP.Password
	}
	if override.Decode.MaxWidth != 0 {
		c.Decode.MaxWidth = override.Decode.MaxWidth
	}
	if override.Decode.MaxHeight != 0 {
		c.Decode.MaxHeight = override.Decode.MaxHeight
	}
	return c
}
