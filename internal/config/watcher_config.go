package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// WatcherConfig is the optional YAML overrides file (WATCHER_CONFIG).
// The watcher rereads it every sync cycle and rebuilds the agents when it
// changes, so operators can adjust sampling and agent tunables without
// restarting the DaemonSet.
type WatcherConfig struct {
	// ScalyrSamplingRules override per-pod sampling annotations cluster-wide.
	ScalyrSamplingRules []SamplingOverride `yaml:"scalyr_sampling_rules"`

	// ScalyrTunables are optional agent scalars copied into the rendered
	// config when present.
	ScalyrTunables ScalyrTunables `yaml:"scalyr_tunables"`

	raw []byte
}

// SamplingOverride selects containers by application/component (empty
// matches everything) and replaces their sampling annotation. Probability,
// when set, applies the override to a stable pseudo-random share of
// containers.
type SamplingOverride struct {
	Application string   `yaml:"application"`
	Component   string   `yaml:"component"`
	Probability *float64 `yaml:"probability"`
	// Value replaces the pod's scalyr-sampling-rules annotation, so it uses
	// the same format: a JSON list of {"container", "sampling-rules"}
	// objects filtered by container name.
	Value string `yaml:"value"`
}

// ScalyrTunables mirror the optional scalars of the Scalyr agent config.
// Pointer fields distinguish "unset" from zero.
type ScalyrTunables struct {
	CompressionType          string   `yaml:"compression_type"`
	CompressionLevel         *int     `yaml:"compression_level"`
	MaxLineSize              *int     `yaml:"max_line_size"`
	MaxLogOffsetSize         *int64   `yaml:"max_log_offset_size"`
	MaxExistingLogOffsetSize *int64   `yaml:"max_existing_log_offset_size"`
	MaxAllowedRequestSize    *int     `yaml:"max_allowed_request_size"`
	ReadPageSize             *int     `yaml:"read_page_size"`
	PipelineThreshold        *float64 `yaml:"pipeline_threshold"`
	MaxSendRateEnforcement   string   `yaml:"max_send_rate_enforcement"`
}

// LoadWatcherConfig reads and parses the overrides file. An empty path
// yields an empty configuration; a read or parse failure is an error so a
// broken file never silently drops overrides.
func LoadWatcherConfig(path string) (*WatcherConfig, error) {
	if path == "" {
		return &WatcherConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read watcher config %q: %w", path, err)
	}

	expanded := []byte(expandEnvWithDefaults(string(data)))

	var cfg WatcherConfig
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse watcher config %q: %w", path, err)
	}
	cfg.raw = expanded
	return &cfg, nil
}

// Equal reports whether two loaded files carry identical content. Used by
// the watch loop to detect when agents need a rebuild.
func (w *WatcherConfig) Equal(other *WatcherConfig) bool {
	if w == nil || other == nil {
		return w == other
	}
	return bytes.Equal(w.raw, other.raw)
}
