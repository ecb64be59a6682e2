// Package config provides configuration loading for the ingestion pipeline.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Source is one configured ingestion unit. Immutable during a run.
type Source struct {
	Name          string         `yaml:"name" json:"name"`
	Kind          string         `yaml:"kind" json:"kind"`
	Options       map[string]any `yaml:"options" json:"options"`
	Destination   string         `yaml:"destination" json:"destination"`
	CheckpointKey string         `yaml:"checkpoint_key" json:"checkpoint_key"`
}

// Config is the effective pipeline configuration.
type Config struct {
	LakeRoot         string   `yaml:"lake_root" json:"lake_root"`
	StateDSN         string   `yaml:"state_dsn" json:"state_dsn"`
	DefaultPartition string   `yaml:"default_partition" json:"default_partition"`
	Sources          []Source `yaml:"sources" json:"sources"`

	// Path records where the config was loaded from (not serialized).
	Path string `yaml:"-" json:"-"`
}

// Resolve determines the config file path. Precedence: explicit argument,
// PIPELINE_CONFIG_PATH, config.<PIPELINE_ENV>.yaml next to the base file,
// then config.yaml in the working directory.
func Resolve(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config path %s: %w", explicit, err)
		}
		return explicit, nil
	}
	if envPath := os.Getenv("PIPELINE_CONFIG_PATH"); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return "", fmt.Errorf("PIPELINE_CONFIG_PATH=%s: %w", envPath, err)
		}
		return envPath, nil
	}
	base := "config.yaml"
	if envName := os.Getenv("PIPELINE_ENV"); envName != "" {
		candidate := filepath.Join(filepath.Dir(base), fmt.Sprintf("config.%s.yaml", envName))
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return base, nil
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Path = path
	if cfg.StateDSN == "" {
		cfg.StateDSN = getEnv("PIPELINE_STATE_DB", "./pipeline_state.db")
	}
	if cfg.DefaultPartition == "" {
		cfg.DefaultPartition = "ingest_date"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces structural config invariants. Source kinds are checked
// against the extractor registry by the orchestrator before any pass starts.
func (c *Config) Validate() error {
	if c.LakeRoot == "" {
		return fmt.Errorf("config: lake_root is required")
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for _, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("config: source with empty name")
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("config: duplicate source name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.Kind == "" {
			return fmt.Errorf("config: source %q has no kind", s.Name)
		}
		if s.Destination == "" {
			return fmt.Errorf("config: source %q has no destination", s.Name)
		}
	}
	return nil
}

// Hash returns a stable SHA-256 digest of the effective configuration,
// used for silver lineage metadata.
func (c *Config) Hash() string {
	payload := map[string]any{
		"config":      c,
		"config_path": c.Path,
	}
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
