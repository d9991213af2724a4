package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CHATLENS_CONFIG_DIR", t.TempDir())
	t.Setenv("CHATLENS_DATA_DIR", t.TempDir())
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("CHATLENS_DSN", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Gemini.Model != "gemini-2.5-flash" {
		t.Errorf("default model = %q", cfg.Gemini.Model)
	}
	if cfg.Batch.BatchSize != 10 {
		t.Errorf("default batch size = %d, want 10", cfg.Batch.BatchSize)
	}
	if cfg.Batch.RateLimitRPM != 240 {
		t.Errorf("default rpm = %d, want 240", cfg.Batch.RateLimitRPM)
	}
	if cfg.Store.ChunkSize != 500 {
		t.Errorf("default chunk size = %d, want 500", cfg.Store.ChunkSize)
	}
	if cfg.Store.Path == "" {
		t.Error("store path should default under the data dir")
	}
	if cfg.Cache.TTLSeconds != 86400 {
		t.Errorf("default cache ttl = %d, want 86400", cfg.Cache.TTLSeconds)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHATLENS_CONFIG_DIR", dir)
	t.Setenv("CHATLENS_DATA_DIR", t.TempDir())
	t.Setenv("GEMINI_API_KEY", "env-key")
	t.Setenv("REDIS_URL", "")
	t.Setenv("CHATLENS_DSN", "")

	yaml := []byte("gemini:\n  api_key: file-key\n  model: gemini-2.0-pro\nbatch:\n  batch_size: 5\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Gemini.APIKey != "env-key" {
		t.Errorf("env should override file, got %q", cfg.Gemini.APIKey)
	}
	if cfg.Gemini.Model != "gemini-2.0-pro" {
		t.Errorf("model from file = %q", cfg.Gemini.Model)
	}
	if cfg.Batch.BatchSize != 5 {
		t.Errorf("batch size from file = %d", cfg.Batch.BatchSize)
	}
	// Unset fields keep defaults
	if cfg.Batch.RateLimitRPM != 240 {
		t.Errorf("rpm default lost, got %d", cfg.Batch.RateLimitRPM)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.Batch.BatchSize = 0 }},
		{"zero rpm", func(c *Config) { c.Batch.RateLimitRPM = 0 }},
		{"zero chunk size", func(c *Config) { c.Store.ChunkSize = 0 }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }},
		{"unknown source", func(c *Config) { c.Ingest.Source = "kafka" }},
		{"no model", func(c *Config) { c.Gemini.Model = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
