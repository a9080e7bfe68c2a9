package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DetectorOrder is the fixed iteration order for detectors within a step.
// Sampling, aggregation and logging all follow this order.
var DetectorOrder = []string{"absorbance", "fluorescence_1", "fluorescence_2"}

// Config represents the application configuration.
type Config struct {
	Serial    SerialConfig              `yaml:"serial"`
	Detectors map[string]DetectorConfig `yaml:"detectors"`
	Steps     []StepConfig              `yaml:"steps"`
	Protocol  ProtocolConfig            `yaml:"protocol"`
	Threshold ThresholdConfig           `yaml:"threshold"`
	LogLevel  string                    `yaml:"log_level"`
	Mock      MockConfig                `yaml:"mock"`
}

// SerialConfig contains the pulse counter serial port configuration.
type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// DetectorConfig contains the pin and channel assignments for one detector.
// Immutable for the lifetime of a run.
type DetectorConfig struct {
	ExcitePin int `yaml:"excite_pin"` // excitation output (e.g., LED control)
	InputPin  int `yaml:"input_pin"`  // pulse counting input
	Channel   int `yaml:"channel"`    // multiplexer channel
}

// SampleConfig contains the per-detector acquisition settings for a step.
type SampleConfig struct {
	SampleCount int     `yaml:"sample_count"` // 0 = skip this detector
	DurationMS  int     `yaml:"duration_ms"`
	Intensity   float64 `yaml:"intensity"` // excitation intensity, percent (0-100)
}

// StepConfig contains the acquisition settings for all detectors in one
// protocol step, keyed by detector name.
type StepConfig map[string]SampleConfig

// ProtocolConfig contains the step synchronization parameters.
type ProtocolConfig struct {
	WaitTimeoutMS  int `yaml:"wait_timeout_ms"`  // 0 = wait indefinitely
	PollIntervalMS int `yaml:"poll_interval_ms"` // controller completion poll period
}

// ThresholdConfig contains the absorbance threshold dispatch settings.
type ThresholdConfig struct {
	Value         float64 `yaml:"value"`          // median pulse rate threshold (Hz)
	OverSequence  string  `yaml:"over_sequence"`  // sub-sequence file replayed when rate >= value
	UnderSequence string  `yaml:"under_sequence"` // sub-sequence file replayed when rate < value
}

// MockConfig contains mock pulse counter configuration.
type MockConfig struct {
	BaseRate  float64 `yaml:"base_rate"`  // pulse rate at full excitation (Hz)
	NoiseRate float64 `yaml:"noise_rate"` // dark count rate (Hz)
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port: "/dev/ttyACM0",
			Baud: 115200,
		},
		Detectors: map[string]DetectorConfig{
			"absorbance":     {ExcitePin: 5, InputPin: 2, Channel: 0},
			"fluorescence_1": {ExcitePin: 6, InputPin: 2, Channel: 1},
			"fluorescence_2": {ExcitePin: 7, InputPin: 2, Channel: 2},
		},
		Steps: nil,
		Protocol: ProtocolConfig{
			WaitTimeoutMS:  30000,
			PollIntervalMS: 100,
		},
		Threshold: ThresholdConfig{
			Value: 0,
		},
		LogLevel: "info",
		Mock: MockConfig{
			BaseRate:  50000,
			NoiseRate: 100,
		},
	}
}

// DefaultSample returns the default acquisition settings for a detector.
// Absorbance runs at reduced excitation intensity; fluorescence detectors
// excite at full intensity.
func DefaultSample(detector string) SampleConfig {
	intensity := 100.0
	if detector == "absorbance" {
		intensity = 23.0
	}
	return SampleConfig{
		SampleCount: 0,
		DurationMS:  1000,
		Intensity:   intensity,
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, return defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for out-of-range values.
func (c *Config) Validate() error {
	for i, step := range c.Steps {
		for name, s := range step {
			if _, ok := c.Detectors[name]; !ok {
				return fmt.Errorf("step %d references unknown detector %q", i, name)
			}
			if s.SampleCount < 0 {
				return fmt.Errorf("step %d detector %q: sample_count must be >= 0", i, name)
			}
			if s.DurationMS < 0 {
				return fmt.Errorf("step %d detector %q: duration_ms must be >= 0", i, name)
			}
			if s.Intensity < 0 || s.Intensity > 100 {
				return fmt.Errorf("step %d detector %q: intensity must be within 0-100", i, name)
			}
		}
	}
	if c.Protocol.WaitTimeoutMS < 0 {
		return fmt.Errorf("protocol: wait_timeout_ms must be >= 0")
	}
	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.Baud == 0 {
		c.Serial.Baud = def.Serial.Baud
	}

	if len(c.Detectors) == 0 {
		c.Detectors = def.Detectors
	}

	if c.Protocol.PollIntervalMS == 0 {
		c.Protocol.PollIntervalMS = def.Protocol.PollIntervalMS
	}

	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}

	if c.Mock.BaseRate == 0 {
		c.Mock.BaseRate = def.Mock.BaseRate
	}
	if c.Mock.NoiseRate == 0 {
		c.Mock.NoiseRate = def.Mock.NoiseRate
	}

	// Fill unset acquisition fields per step from detector defaults.
	for _, step := range c.Steps {
		for name, s := range step {
			defSample := DefaultSample(name)
			if s.DurationMS == 0 {
				s.DurationMS = defSample.DurationMS
			}
			if s.Intensity == 0 {
				s.Intensity = defSample.Intensity
			}
			step[name] = s
		}
	}
}
