// Package config provides configuration loading and management for segmentation3d.
// It handles loading configuration from YAML or TOML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"segmentation3d/internal/models"
)

// Config represents the application configuration
type Config struct {
	// Rendering holds the global style defaults per representation kind
	Rendering struct {
		// RenderInactiveSegmentations controls whether representations that are
		// not active in a viewport are drawn at all
		RenderInactiveSegmentations bool `yaml:"renderInactiveSegmentations" toml:"renderInactiveSegmentations"`

		Labelmap map[string]any `yaml:"labelmap" toml:"labelmap"`
		Contour  map[string]any `yaml:"contour" toml:"contour"`
		Surface  map[string]any `yaml:"surface" toml:"surface"`
	} `yaml:"rendering" toml:"rendering"`

	// Workers configures the background pool used for interpolation
	Workers struct {
		// Capacity is the number of tasks that may run at once
		Capacity int `yaml:"capacity" toml:"capacity"`

		// IdleTimeout is how long an idle worker is kept before being reclaimed
		IdleTimeout Duration `yaml:"idleTimeout" toml:"idleTimeout"`

		// Compress enables snappy compression of task payloads
		Compress bool `yaml:"compress" toml:"compress"`
	} `yaml:"workers" toml:"workers"`

	// Interpolation holds defaults for labelmap slice interpolation
	Interpolation struct {
		Axis                int  `yaml:"axis" toml:"axis"`
		HeuristicAlignment  bool `yaml:"heuristicAlignment" toml:"heuristicAlignment"`
		PreviewSegmentIndex int  `yaml:"previewSegmentIndex" toml:"previewSegmentIndex"`
	} `yaml:"interpolation" toml:"interpolation"`

	// ColorLUT controls default palette allocation
	ColorLUT struct {
		// ShareDefault reuses one default table for every representation
		// registered without an explicit index
		ShareDefault bool `yaml:"shareDefault" toml:"shareDefault"`
	} `yaml:"colorLUT" toml:"colorLUT"`

	// Logging selects log destination and level
	Logging struct {
		Logfile string `yaml:"logfile" toml:"logfile"`
		MaxSize int    `yaml:"maxLogSize" toml:"max_log_size"`
		MaxAge  int    `yaml:"maxLogAge" toml:"max_log_age"`
		Level   string `yaml:"level" toml:"level"`
	} `yaml:"logging" toml:"logging"`
}

// Duration is a time.Duration that reads from strings such as "60s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML decodes a scalar duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Rendering.RenderInactiveSegmentations = true
	cfg.Rendering.Labelmap = map[string]any{
		"renderOutline":                  true,
		"renderFill":                     true,
		"renderFillInactive":             true,
		"renderOutlineInactive":          true,
		"outlineWidthActive":             3.0,
		"outlineWidthInactive":           2.0,
		"outlineOpacity":                 1.0,
		"outlineOpacityInactive":         0.85,
		"fillAlpha":                      0.5,
		"fillAlphaInactive":              0.4,
		"activeSegmentOutlineWidthDelta": 0.0,
	}
	cfg.Rendering.Contour = map[string]any{
		"renderOutline":          true,
		"renderFill":             false,
		"outlineWidthActive":     2.0,
		"outlineWidthInactive":   1.0,
		"outlineOpacity":         1.0,
		"outlineOpacityInactive": 0.85,
		"fillAlpha":              0.5,
		"fillAlphaInactive":      0.1,
		"outlineDashActive":      "",
		"outlineDashInactive":    "",
	}
	cfg.Rendering.Surface = map[string]any{
		"opacity":         1.0,
		"opacityInactive": 0.5,
	}

	cfg.Workers.Capacity = 1
	cfg.Workers.IdleTimeout = Duration{60 * time.Second}
	cfg.Workers.Compress = true

	cfg.Interpolation.Axis = 2
	cfg.Interpolation.HeuristicAlignment = false
	cfg.Interpolation.PreviewSegmentIndex = 255

	cfg.Logging.Level = "info"

	return cfg
}

// GlobalStyles returns the rendering defaults keyed by representation kind.
func (c *Config) GlobalStyles() map[models.RepresentationKind]models.Style {
	return map[models.RepresentationKind]models.Style{
		models.Labelmap: models.Style(c.Rendering.Labelmap).Clone(),
		models.Contour:  models.Style(c.Rendering.Contour).Clone(),
		models.Surface:  models.Style(c.Rendering.Surface).Clone(),
	}
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadConfig loads configuration from a YAML or TOML file, chosen by extension.
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if isTOML(configPath) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML or TOML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	f, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	defer f.Close()

	if isTOML(configPath) {
		if err := toml.NewEncoder(f).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		return nil
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
