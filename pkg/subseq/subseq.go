// Package subseq loads stored hardware actuation sub-sequences.
package subseq

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Step is one stored hardware directive: a channel-state vector, a waveform
// and a hold duration applied before the next directive is issued.
type Step struct {
	Channels   []bool  `yaml:"channels"`
	Voltage    float64 `yaml:"voltage"`
	Frequency  float64 `yaml:"frequency"`
	DurationMS int     `yaml:"duration_ms"`
}

type file struct {
	Steps []Step `yaml:"steps"`
}

// Load reads an ordered sub-sequence from a YAML file.
func Load(path string) ([]Step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sub-sequence %s: %w", path, err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse sub-sequence %s: %w", path, err)
	}

	for i, s := range f.Steps {
		if s.DurationMS < 0 {
			return nil, fmt.Errorf("sub-sequence %s: step %d: duration_ms must be >= 0", path, i)
		}
	}

	return f.Steps, nil
}

// AdaptChannels fits a stored channel-state vector to a controller's channel
// count: longer vectors are truncated, shorter ones zero-padded.
func AdaptChannels(states []bool, channels int) []bool {
	result := make([]bool, channels)
	copy(result, states)
	return result
}
