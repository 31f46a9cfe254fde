// Package config loads and persists the capture application's settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/entrhq/capture/pkg/storage"
)

// Streams selects which capture streams new sessions record.
type Streams struct {
	Screenshots bool `yaml:"screenshots"`
	Audio       bool `yaml:"audio"`
	Video       bool `yaml:"video"`
}

// Summarizer configures post-session summary generation.
type Summarizer struct {
	// Backend is "keyword" (offline, default) or "openai".
	Backend string `yaml:"backend"`
	Model   string `yaml:"model,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
}

// Config is the full application configuration.
type Config struct {
	// StorageRoot is where session data lives. Empty selects
	// ~/.capture.
	StorageRoot string `yaml:"storage_root"`

	Streams Streams `yaml:"streams"`

	// Quality is one of low, medium, high, ultra.
	Quality string `yaml:"quality"`

	// StopTimeoutSeconds bounds how long stopping waits for capture
	// backends to flush. Zero selects the default.
	StopTimeoutSeconds int `yaml:"stop_timeout_seconds"`

	// ReserveBytes is the disk space floor writes must not cross. Zero
	// selects the built-in reserve.
	ReserveBytes uint64 `yaml:"reserve_bytes"`

	Summarizer Summarizer `yaml:"summarizer"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Streams: Streams{Screenshots: true, Audio: true},
		Quality: "medium",
		Summarizer: Summarizer{
			Backend: "keyword",
		},
	}
}

// Load reads the config file at path. A missing file is not an error: the
// defaults are returned so first runs need no setup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config atomically (temp file then rename).
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encoding: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("config: creating config directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("config: writing temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("config: replacing %s: %w", path, err)
	}
	return nil
}

// Validate checks field values without touching the filesystem.
func (c *Config) Validate() error {
	if _, ok := qualityPresets[c.Quality]; !ok {
		return fmt.Errorf("config: unknown quality %q (want low, medium, high, or ultra)", c.Quality)
	}
	switch c.Summarizer.Backend {
	case "", "keyword", "openai":
	default:
		return fmt.Errorf("config: unknown summarizer backend %q", c.Summarizer.Backend)
	}
	if c.StopTimeoutSeconds < 0 {
		return fmt.Errorf("config: stop_timeout_seconds must not be negative")
	}
	return nil
}

var qualityPresets = map[string]storage.QualityPreset{
	"low":    storage.QualityLow,
	"medium": storage.QualityMedium,
	"high":   storage.QualityHigh,
	"ultra":  storage.QualityUltra,
}

// CaptureConfig maps the config onto a session capture configuration.
func (c *Config) CaptureConfig() storage.CaptureConfig {
	return storage.CaptureConfig{
		Screenshots: c.Streams.Screenshots,
		Audio:       c.Streams.Audio,
		Video:       c.Streams.Video,
		Quality:     qualityPresets[c.Quality],
	}
}

// StopTimeout returns the configured stop bound, or zero when the caller
// should use its default.
func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSeconds) * time.Second
}

// ResolveStorageRoot expands the storage root, defaulting to ~/.capture.
func (c *Config) ResolveStorageRoot() (string, error) {
	if c.StorageRoot != "" {
		return c.StorageRoot, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolving home directory: %w", err)
	}
	return filepath.Join(home, ".capture"), nil
}
