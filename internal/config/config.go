package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the chatlens configuration
type Config struct {
	Gemini  GeminiConfig  `yaml:"gemini"`
	Batch   BatchConfig   `yaml:"batch"`
	Store   StoreConfig   `yaml:"store"`
	Cache   CacheConfig   `yaml:"cache"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// GeminiConfig configures the analysis model client
type GeminiConfig struct {
	APIKey         string  `yaml:"api_key"`
	Model          string  `yaml:"model"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	MaxRetries     int     `yaml:"max_retries"`
	Temperature    float32 `yaml:"temperature"`
}

// BatchConfig controls batch orchestration
type BatchConfig struct {
	BatchSize     int    `yaml:"batch_size"`
	RateLimitRPM  int    `yaml:"rate_limit_rpm"`
	MaxChats      int    `yaml:"max_chats"`
	CheckpointDir string `yaml:"checkpoint_dir"`
}

// StoreConfig configures the analysis result store.
// Driver is "sqlite" (local file) or "postgres" (warehouse DSN).
type StoreConfig struct {
	Driver    string `yaml:"driver"`
	Path      string `yaml:"path"`
	DSN       string `yaml:"dsn"`
	ChunkSize int    `yaml:"chunk_size"`
}

// CacheConfig configures the Redis response cache
type CacheConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// IngestConfig configures where conversations come from.
// Source is "file" (JSON export) or "warehouse" (chats table).
type IngestConfig struct {
	Source   string `yaml:"source"`
	Path     string `yaml:"path"`
	WatchDir string `yaml:"watch_dir"`
	Table    string `yaml:"table"`
	DSN      string `yaml:"dsn"`
	DaysBack int    `yaml:"days_back"`
}

// MetricsConfig configures operational metric computation.
// AgentEmailDomains marks senders as agents by email suffix on exports
// that lack sender types.
type MetricsConfig struct {
	Timezone          string   `yaml:"timezone"`
	AgentEmailDomains []string `yaml:"agent_email_domains"`
}

// GetConfigDir returns the XDG-compliant config directory
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("CHATLENS_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "chatlens"), nil
}

// GetDataDir returns the platform-specific data directory
func GetDataDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("CHATLENS_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Chatlens"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "chatlens"), nil
	}

	return filepath.Join(home, ".local", "share", "chatlens"), nil
}

// Defaults returns a config with every default applied.
func Defaults() *Config {
	return &Config{
		Gemini: GeminiConfig{
			Model:          "gemini-2.5-flash",
			TimeoutSeconds: 60,
			MaxRetries:     3,
			Temperature:    0.3,
		},
		Batch: BatchConfig{
			BatchSize:    10,
			RateLimitRPM: 240,
			MaxChats:     300,
		},
		Store: StoreConfig{
			Driver:    "sqlite",
			ChunkSize: 500,
		},
		Cache: CacheConfig{
			URL:        "redis://localhost:6379/0",
			TTLSeconds: 86400,
		},
		Ingest: IngestConfig{
			Source:   "file",
			Table:    "chats",
			DaysBack: 7,
		},
		Metrics: MetricsConfig{
			Timezone: "America/Sao_Paulo",
		},
	}
}

// Load loads config from the config file, then layers env overrides.
// A .env file in the working directory is read first so local runs
// do not need exported variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()

	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnv()

	if cfg.Store.Path == "" {
		dataDir, err := GetDataDir()
		if err != nil {
			return nil, err
		}
		cfg.Store.Path = filepath.Join(dataDir, "chatlens.db")
	}
	if cfg.Batch.CheckpointDir == "" {
		dataDir, err := GetDataDir()
		if err != nil {
			return nil, err
		}
		cfg.Batch.CheckpointDir = filepath.Join(dataDir, "checkpoints")
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Gemini.APIKey = v
	}
	if v := os.Getenv("GEMINI_MODEL"); v != "" {
		c.Gemini.Model = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Cache.URL = v
		c.Cache.Enabled = true
	}
	if v := os.Getenv("CHATLENS_DSN"); v != "" {
		c.Store.Driver = "postgres"
		c.Store.DSN = v
	}
	if v := os.Getenv("CHATLENS_RATE_LIMIT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Batch.RateLimitRPM = n
		}
	}
}

// Validate fails fast on settings that would only surface mid-run.
func (c *Config) Validate() error {
	if c.Gemini.Model == "" {
		return fmt.Errorf("gemini.model must be set")
	}
	if c.Gemini.MaxRetries < 1 {
		return fmt.Errorf("gemini.max_retries must be at least 1, got %d", c.Gemini.MaxRetries)
	}
	if c.Batch.BatchSize < 1 {
		return fmt.Errorf("batch.batch_size must be at least 1, got %d", c.Batch.BatchSize)
	}
	if c.Batch.RateLimitRPM < 1 {
		return fmt.Errorf("batch.rate_limit_rpm must be at least 1, got %d", c.Batch.RateLimitRPM)
	}
	if c.Store.ChunkSize < 1 {
		return fmt.Errorf("store.chunk_size must be at least 1, got %d", c.Store.ChunkSize)
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	switch c.Ingest.Source {
	case "file", "warehouse":
	default:
		return fmt.Errorf("ingest.source must be file or warehouse, got %q", c.Ingest.Source)
	}
	return nil
}

// Save saves the config to the config file
func (c *Config) Save() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
