// Package config provides configuration loading and management for burstscope.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"burstscope/pkg/detection"
)

// ErrInvalidConfig is returned when a configuration fails validation
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the application configuration loaded from YAML
type Config struct {
	// Detection parameters of the difference-of-Gaussians detector
	Detection struct {
		// SigmaSmall is the narrow blur in pixels
		SigmaSmall float64 `yaml:"sigmaSmall" validate:"gt=0"`

		// SigmaLarge is the wide blur in pixels
		SigmaLarge float64 `yaml:"sigmaLarge" validate:"gt=0,gtfield=SigmaSmall"`

		// ThresholdRel is the detection threshold relative to the strongest response
		ThresholdRel float64 `yaml:"thresholdRel" validate:"gte=0,lte=1"`

		// MinDistance is the minimum separation between spots in pixels
		MinDistance int `yaml:"minDistance" validate:"min=1"`

		// ExcludeBorder drops spots this close to the frame edge
		ExcludeBorder int `yaml:"excludeBorder" validate:"min=0"`

		// Truncate is the Gaussian kernel half-width in standard deviations
		Truncate float64 `yaml:"truncate" validate:"gt=0"`
	} `yaml:"detection"`

	// Processing parameters
	Processing struct {
		// NumWorkers specifies how many time points are analyzed in parallel
		NumWorkers int `yaml:"numWorkers" validate:"min=1"`

		// Channel is the zero-based channel extracted from multi-channel stacks
		Channel int `yaml:"channel" validate:"min=0"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Dir receives every output file
		Dir string `yaml:"dir" validate:"required"`

		// CSV writes the spot table
		CSV bool `yaml:"csv"`

		// SQLite is the spot database path, empty to disable
		SQLite string `yaml:"sqlite"`

		// Summary writes a JSON report per stack
		Summary bool `yaml:"summary"`

		// Chart writes an HTML bar chart of spot counts per time point
		Chart bool `yaml:"chart"`

		// Overlay renders the QC figure of one random time point
		Overlay bool `yaml:"overlay"`

		// OverlaySeed picks the QC time point; 0 uses the current time
		OverlaySeed int64 `yaml:"overlaySeed"`

		// SaveIntermediaryResults determines whether to save filtered responses
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// IntermediaryDir is relative to Dir unless absolute
		IntermediaryDir string `yaml:"intermediaryDir"`
	} `yaml:"output"`

	// Logging parameters
	Logging struct {
		Level  string `yaml:"level" validate:"oneof=trace debug info warn warning error disabled off"`
		Format string `yaml:"format" validate:"oneof=console json"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	d := detection.DefaultParams()
	cfg.Detection.SigmaSmall = d.SigmaSmall
	cfg.Detection.SigmaLarge = d.SigmaLarge
	cfg.Detection.ThresholdRel = d.ThresholdRel
	cfg.Detection.MinDistance = d.MinDistance
	cfg.Detection.ExcludeBorder = d.ExcludeBorder
	cfg.Detection.Truncate = d.Truncate

	cfg.Processing.NumWorkers = runtime.NumCPU()
	cfg.Processing.Channel = 0

	cfg.Output.Dir = "outputs"
	cfg.Output.CSV = true
	cfg.Output.Summary = true
	cfg.Output.Overlay = true
	cfg.Output.IntermediaryDir = "intermediary_results"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"

	return cfg
}

// DetectionParams converts the detection section to detector parameters
func (c *Config) DetectionParams() detection.Params {
	return detection.Params{
		SigmaSmall:    c.Detection.SigmaSmall,
		SigmaLarge:    c.Detection.SigmaLarge,
		ThresholdRel:  c.Detection.ThresholdRel,
		MinDistance:   c.Detection.MinDistance,
		ExcludeBorder: c.Detection.ExcludeBorder,
		Truncate:      c.Detection.Truncate,
	}
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// validatorInstance returns the shared validator, reporting fields by yaml name
func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("yaml")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			return tag
		})
		validate = v
	})
	return validate
}

// Validate checks every field against its constraints and reports all
// violations at once
func (c *Config) Validate() error {
	err := validatorInstance().Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s=%v fails %s=%s", field, fe.Value(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s fails %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

// ReadConfig reads a YAML file over the defaults without validating it, so
// callers can apply overrides first. A missing file yields the defaults.
func ReadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Keys absent from the file keep their defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return cfg, nil
}

// LoadConfig loads configuration from a YAML file and validates it
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg, err := ReadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// IntermediaryPath resolves the intermediary directory against the output directory
func (c *Config) IntermediaryPath() string {
	if filepath.IsAbs(c.Output.IntermediaryDir) {
		return c.Output.IntermediaryDir
	}
	return filepath.Join(c.Output.Dir, c.Output.IntermediaryDir)
}
