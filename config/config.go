// Package config loads the daemon configuration from a YAML or TOML
// file (selected by extension) with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from strings like "30s"
// in YAML, TOML and environment variables.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalYAML accepts the same "30s" form as UnmarshalText; yaml.v3
// does not consult TextUnmarshaler on its own.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// HeartbeatConfig tunes peer liveness probing on the sync channel.
type HeartbeatConfig struct {
	Interval        Duration `yaml:"interval" toml:"interval" env:"HOTMOD_HEARTBEAT_INTERVAL"`
	TimeoutMultiple int      `yaml:"timeout_multiple" toml:"timeout_multiple" env:"HOTMOD_HEARTBEAT_TIMEOUT_MULTIPLE"`
}

// AutoSaveConfig controls the periodic state persistence task.
type AutoSaveConfig struct {
	Enabled  bool     `yaml:"enabled" toml:"enabled" env:"HOTMOD_AUTOSAVE_ENABLED"`
	Interval Duration `yaml:"interval" toml:"interval" env:"HOTMOD_AUTOSAVE_INTERVAL"`
}

// RetentionConfig controls history trimming. Only history entries are
// trimmed; current records and snapshots are kept indefinitely.
type RetentionConfig struct {
	MaxAge        Duration `yaml:"max_age" toml:"max_age" env:"HOTMOD_RETENTION_MAX_AGE"`
	SweepInterval Duration `yaml:"sweep_interval" toml:"sweep_interval" env:"HOTMOD_RETENTION_SWEEP_INTERVAL"`
}

// Config is the daemon configuration.
type Config struct {
	Listen      string          `yaml:"listen" toml:"listen" env:"HOTMOD_LISTEN"`
	StatePath   string          `yaml:"state_path" toml:"state_path" env:"HOTMOD_STATE_PATH"`
	ManifestDir string          `yaml:"manifest_dir" toml:"manifest_dir" env:"HOTMOD_MANIFEST_DIR"`
	LogLevel    string          `yaml:"log_level" toml:"log_level" env:"HOTMOD_LOG_LEVEL"`
	Heartbeat   HeartbeatConfig `yaml:"heartbeat" toml:"heartbeat"`
	AutoSave    AutoSaveConfig  `yaml:"autosave" toml:"autosave"`
	Retention   RetentionConfig `yaml:"retention" toml:"retention"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:    ":8420",
		StatePath: "hotmod.db",
		LogLevel:  "info",
		Heartbeat: HeartbeatConfig{
			Interval:        Duration(30 * time.Second),
			TimeoutMultiple: 3,
		},
		AutoSave: AutoSaveConfig{
			Enabled:  true,
			Interval: Duration(time.Minute),
		},
		Retention: RetentionConfig{
			MaxAge:        Duration(7 * 24 * time.Hour),
			SweepInterval: Duration(time.Hour),
		},
	}
}

// Load reads the configuration file at path (empty path skips the
// file), then applies environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return nil, fmt.Errorf("parse yaml config %s: %w", path, err)
			}
		case ".toml":
			if err := toml.Unmarshal(raw, &cfg); err != nil {
				return nil, fmt.Errorf("parse toml config %s: %w", path, err)
			}
		default:
			return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	return &cfg, nil
}
