package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.MaxActiveDownloads != 6 {
		t.Errorf("expected default max active downloads 6, got %d", cfg.MaxActiveDownloads)
	}
	if cfg.Ordering != "fifo" {
		t.Errorf("expected default ordering fifo, got %q", cfg.Ordering)
	}
	if cfg.Cache.Capacity != 100*1024*1024 {
		t.Errorf("expected default cache capacity 100MB, got %d", cfg.Cache.Capacity)
	}
	if cfg.Cache.PreferredTarget != 60*1024*1024 {
		t.Errorf("expected default preferred target 60MB, got %d", cfg.Cache.PreferredTarget)
	}
	if cfg.HTTP.Timeout != 30*time.Second {
		t.Errorf("expected default http timeout 30s, got %v", cfg.HTTP.Timeout)
	}
	if !cfg.Pressure.Enabled {
		t.Error("expected pressure monitoring enabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	yamlContent := `
max_active_downloads: 4
ordering: lifo
failed_key_memory: 32
source: mem://
progress: true
cache:
  capacity: 200MB
  preferred_target: 150MB
http:
  timeout: 5s
  user_agent: test/1.0
  spill_threshold: 1MB
  username: alice
decode:
  max_width: 1024
pressure:
  enabled: false
  min_interval: 1m
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.MaxActiveDownloads != 4 {
		t.Errorf("expected max active downloads 4, got %d", cfg.MaxActiveDownloads)
	}
	if cfg.Ordering != "lifo" {
		t.Errorf("expected ordering lifo, got %q", cfg.Ordering)
	}
	if cfg.FailedKeyMemory != 32 {
		t.Errorf("expected failed key memory 32, got %d", cfg.FailedKeyMemory)
	}
	if cfg.Source != "mem://" {
		t.Errorf("expected source mem://, got %q", cfg.Source)
	}
	if !cfg.Progress {
		t.Error("expected progress true")
	}
	if cfg.Cache.Capacity != 200*1024*1024 {
		t.Errorf("expected cache capacity 200MB, got %d", cfg.Cache.Capacity)
	}
	if cfg.Cache.PreferredTarget != 150*1024*1024 {
		t.Errorf("expected preferred target 150MB, got %d", cfg.Cache.PreferredTarget)
	}
	if cfg.HTTP.Timeout != 5*time.Second {
		t.Errorf("expected http timeout 5s, got %v", cfg.HTTP.Timeout)
	}
	if cfg.HTTP.UserAgent != "test/1.0" {
		t.Errorf("expected user agent test/1.0, got %q", cfg.HTTP.UserAgent)
	}
	if cfg.HTTP.SpillThreshold != 1024*1024 {
		t.Errorf("expected spill threshold 1MB, got %d", cfg.HTTP.SpillThreshold)
	}
	if cfg.HTTP.Username != "alice" {
		t.Errorf("expected username alice, got %q", cfg.HTTP.Username)
	}
	if cfg.HTTP.MaxRedirects != 10 {
		t.Errorf("expected default max redirects kept, got %d", cfg.HTTP.MaxRedirects)
	}
	if cfg.Decode.MaxWidth != 1024 {
		t.Errorf("expected decode max width 1024, got %d", cfg.Decode.MaxWidth)
	}
	if cfg.Pressure.Enabled {
		t.Error("expected pressure disabled")
	}
	if cfg.Pressure.MinInterval != time.Minute {
		t.Errorf("expected pressure min interval 1m, got %v", cfg.Pressure.MinInterval)
	}
}

func TestLoadFromYAMLBadValues(t *testing.T) {
	tests := []string{
		"cache:\n  capacity: lots\n",
		"http:\n  timeout: soon\n",
		"pressure:\n  limit: -\n",
	}

	for _, content := range tests {
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
			t.Fatalf("write config file: %v", err)
		}
		if _, err := LoadFromFile(configPath); err == nil {
			t.Errorf("expected error for %q", content)
		}
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PICFETCH_MAX_ACTIVE_DOWNLOADS", "12")
	t.Setenv("PICFETCH_ORDERING", "lifo")
	t.Setenv("PICFETCH_CACHE_CAPACITY", "1GB")
	t.Setenv("PICFETCH_CACHE_PREFERRED_TARGET", "512MB")
	t.Setenv("PICFETCH_HTTP_TIMEOUT", "500ms")
	t.Setenv("PICFETCH_PROGRESS", "true")
	t.Setenv("PICFETCH_PRESSURE_ENABLED", "0")

	cfg := Default()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}

	if cfg.MaxActiveDownloads != 12 {
		t.Errorf("expected max active downloads 12, got %d", cfg.MaxActiveDownloads)
	}
	if cfg.Ordering != "lifo" {
		t.Errorf("expected ordering lifo, got %q", cfg.Ordering)
	}
	if cfg.Cache.Capacity != 1024*1024*1024 {
		t.Errorf("expected cache capacity 1GB, got %d", cfg.Cache.Capacity)
	}
	if cfg.Cache.PreferredTarget != 512*1024*1024 {
		t.Errorf("expected preferred target 512MB, got %d", cfg.Cache.PreferredTarget)
	}
	if cfg.HTTP.Timeout != 500*time.Millisecond {
		t.Errorf("expected http timeout 500ms, got %v", cfg.HTTP.Timeout)
	}
	if !cfg.Progress {
		t.Error("expected progress true")
	}
	if cfg.Pressure.Enabled {
		t.Error("expected pressure disabled")
	}
}

func TestLoadFromEnvInvalid(t *testing.T) {
	t.Setenv("PICFETCH_MAX_ACTIVE_DOWNLOADS", "many")

	cfg := Default()
	if err := cfg.LoadFromEnv(); err == nil {
		t.Error("expected error for non-numeric PICFETCH_MAX_ACTIVE_DOWNLOADS")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "zero max active downloads",
			modify:  func(c *Config) { c.MaxActiveDownloads = 0 },
			wantErr: true,
		},
		{
			name:    "unknown ordering",
			modify:  func(c *Config) { c.Ordering = "random" },
			wantErr: true,
		},
		{
			name:    "uppercase ordering",
			modify:  func(c *Config) { c.Ordering = "LIFO" },
			wantErr: false,
		},
		{
			name:    "preferred target equals capacity",
			modify:  func(c *Config) { c.Cache.PreferredTarget = c.Cache.Capacity },
			wantErr: true,
		},
		{
			name:    "zero preferred target",
			modify:  func(c *Config) { c.Cache.PreferredTarget = 0 },
			wantErr: true,
		},
		{
			name:    "negative timeout",
			modify:  func(c *Config) { c.HTTP.Timeout = -time.Second },
			wantErr: true,
		},
		{
			name:    "bad pressure fraction",
			modify:  func(c *Config) { c.Pressure.Fraction = 1.5 },
			wantErr: true,
		},
		{
			name: "explicit pressure limit ignores fraction",
			modify: func(c *Config) {
				c.Pressure.Fraction = 0
				c.Pressure.Limit = 512 * 1024 * 1024
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	base := Default()
	base.Source = "mem://"

	override := Config{
		MaxActiveDownloads: 2,
		Ordering:           "lifo",
		HTTP:               HTTPConfig{UserAgent: "override/1.0"},
	}

	merged := base.Merge(override)

	if merged.Source != "mem://" {
		t.Errorf("expected Source preserved, got %s", merged.Source)
	}
	if merged.Cache.Capacity != 100*1024*1024 {
		t.Errorf("expected cache capacity preserved, got %d", merged.Cache.Capacity)
	}
	if merged.HTTP.Timeout != 30*time.Second {
		t.Errorf("expected http timeout preserved, got %v", merged.HTTP.Timeout)
	}

	if merged.MaxActiveDownloads != 2 {
		t.Errorf("expected MaxActiveDownloads overridden to 2, got %d", merged.MaxActiveDownloads)
	}
	if merged.Ordering != "lifo" {
		t.Errorf("expected Ordering overridden to lifo, got %s", merged.Ordering)
	}
	if merged.HTTP.UserAgent != "override/1.0" {
		t.Errorf("expected UserAgent overridden, got %s", merged.HTTP.UserAgent)
	}
}

func TestLoadYAMLFileNotFound(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadYAMLInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	_, err := LoadFromFile(configPath)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}
