package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the ~/.privateer/config.toml file: CLI-wide defaults for
// a region's metadata/blocks/stash layout and handler pool size.
type Config struct {
	DefaultMetaPath   string `toml:"default_meta_path,omitempty" json:"default_meta_path"`
	DefaultBlocksPath string `toml:"default_blocks_path,omitempty" json:"default_blocks_path"`
	DefaultStashPath  string `toml:"default_stash_path,omitempty" json:"default_stash_path"`
	Workers           int    `toml:"workers,omitempty" json:"workers"`
	Compress          bool   `toml:"compress,omitempty" json:"compress"`
}

// homeOverride is set by the --home flag or PRIVATEER_HOME env var.
var homeOverride string

// SetHome allows the CLI to pass in the --home / PRIVATEER_HOME value.
func SetHome(dir string) {
	homeOverride = dir
}

// Home returns the CLI's config directory path.
// Precedence: --home flag / SetHome > PRIVATEER_HOME env > ~/.privateer
func Home() string {
	if homeOverride != "" {
		return homeOverride
	}
	if v := os.Getenv("PRIVATEER_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".privateer")
	}
	return filepath.Join(home, ".privateer")
}

// ConfigPath returns the full path to config.toml.
func ConfigPath() string {
	return filepath.Join(Home(), "config.toml")
}

// EnsureDir creates the config home directory if it does not exist.
func EnsureDir() error {
	return os.MkdirAll(Home(), 0o755)
}

// Load reads config.toml and returns a Config struct.
// If the file does not exist, it returns a zero-value Config (defaults).
func Load() (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config.toml: %w", err)
	}
	return cfg, nil
}

// Save writes the Config struct back to config.toml, replacing it
// atomically so a crash mid-write never leaves a truncated file behind.
func Save(cfg *Config) error {
	if err := EnsureDir(); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := atomic.WriteFile(ConfigPath(), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing config.toml: %w", err)
	}
	return nil
}

// Get retrieves a single config value by key.
func Get(key string) (string, error) {
	cfg, err := Load()
	if err != nil {
		return "", err
	}
	switch key {
	case "default_meta_path":
		return cfg.DefaultMetaPath, nil
	case "default_blocks_path":
		return cfg.DefaultBlocksPath, nil
	case "default_stash_path":
		return cfg.DefaultStashPath, nil
	case "workers":
		return fmt.Sprintf("%d", cfg.Workers), nil
	case "compress":
		return fmt.Sprintf("%t", cfg.Compress), nil
	default:
		return "", fmt.Errorf("unknown config key: %s", key)
	}
}

// Set sets a single config value by key and persists it.
func Set(key, value string) error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	switch key {
	case "default_meta_path":
		cfg.DefaultMetaPath = value
	case "default_blocks_path":
		cfg.DefaultBlocksPath = value
	case "default_stash_path":
		cfg.DefaultStashPath = value
	case "workers":
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
			return fmt.Errorf("invalid workers value %q: %w", value, err)
		}
		cfg.Workers = n
	case "compress":
		cfg.Compress = value == "true" || value == "1"
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	return Save(cfg)
}
