// Package config holds the replay settings. Values are layered: built-in
// defaults, then an optional YAML file, then DUMPREPLAY_* environment
// variables. Command line flags are applied last by the caller.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mrhapile/dumpreplay/internal/snapshot"
)

// Config holds all dumpreplay configuration.
type Config struct {
	Heap    HeapConfig    `yaml:"heap"`
	Output  OutputConfig  `yaml:"output"`
	Logging LoggingConfig `yaml:"logging"`

	// CarryState forwards pages found missing by one segment into the
	// mapping of the next
	CarryState bool `yaml:"carry_state"`

	// Jobs bounds the number of checkpoints run concurrently in legacy mode
	Jobs int `yaml:"jobs"`
}

// HeapConfig describes the scratch heap mapped into every session
type HeapConfig struct {
	Base Uint64 `yaml:"base"`
	Size Uint64 `yaml:"size"`
}

// OutputConfig controls where continuous runs write their artifacts.
type OutputConfig struct {
	Prefix string `yaml:"prefix"` // output folder is <dump root>/<prefix>_<unix time>
}

// LoggingConfig configures the console logger.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`
}

// Uint64 accepts YAML integers as well as "0x" prefixed strings
type Uint64 uint64

func (u *Uint64) UnmarshalYAML(node *yaml.Node) error {
	v, err := snapshot.ParseUint(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*u = Uint64(v)
	return nil
}

func (u Uint64) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("%#x", uint64(u)), nil
}

// DefaultConfig returns the built-in settings
func DefaultConfig() *Config {
	return &Config{
		Heap: HeapConfig{
			Base: 0x1000000,
			Size: 0x90000,
		},
		Output: OutputConfig{
			Prefix: "continuous_output",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Jobs: 1,
	}
}

// Load reads the YAML file at path on top of the defaults and applies
// environment overrides. An empty path or a missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("DUMPREPLAY_HEAP_BASE"); v != "" {
		n, err := snapshot.ParseUint(v)
		if err != nil {
			return fmt.Errorf("DUMPREPLAY_HEAP_BASE: %w", err)
		}
		c.Heap.Base = Uint64(n)
	}
	if v := os.Getenv("DUMPREPLAY_HEAP_SIZE"); v != "" {
		n, err := snapshot.ParseUint(v)
		if err != nil {
			return fmt.Errorf("DUMPREPLAY_HEAP_SIZE: %w", err)
		}
		c.Heap.Size = Uint64(n)
	}
	if v := os.Getenv("DUMPREPLAY_OUTPUT_PREFIX"); v != "" {
		c.Output.Prefix = v
	}
	if v := os.Getenv("DUMPREPLAY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DUMPREPLAY_LOG_JSON"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DUMPREPLAY_LOG_JSON: %w", err)
		}
		c.Logging.JSON = b
	}
	if v := os.Getenv("DUMPREPLAY_CARRY_STATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DUMPREPLAY_CARRY_STATE: %w", err)
		}
		c.CarryState = b
	}
	if v := os.Getenv("DUMPREPLAY_JOBS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DUMPREPLAY_JOBS: %w", err)
		}
		c.Jobs = n
	}
	return nil
}

// Validate checks the settings for values the runner can't work with
func (c *Config) Validate() error {
	if c.Heap.Size == 0 {
		return fmt.Errorf("heap size must be positive")
	}
	if c.Output.Prefix == "" || strings.ContainsAny(c.Output.Prefix, `/\`) {
		return fmt.Errorf("invalid output prefix %q", c.Output.Prefix)
	}
	if c.Jobs < 1 {
		return fmt.Errorf("jobs must be at least 1, got %d", c.Jobs)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}
