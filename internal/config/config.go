// Package config loads and validates the watcher configuration.
//
// DESIGN: Environment-first. Every setting has a WATCHER_* variable; the
// command-line flags only provide defaults, the environment always wins.
// This mirrors how the watcher runs in a DaemonSet, where everything is
// injected via the pod spec and the downward API.
//
// FILES:
//   - config.go:         Config, env loading, Validate()
//   - watcher_config.go: the optional hot-reloadable YAML overrides file
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Default locations, overridable via env.
const (
	DefaultContainersPath   = "/mnt/containers/"
	DefaultScalyrConfigPath = "/etc/scalyr-agent-2/agent.json"
)

// Config is the resolved watcher configuration.
type Config struct {
	ContainersPath string        // mounted docker containers dir
	Agents         []string      // agent names to run
	ClusterID      string        // kubernetes cluster ID
	KubeURL        string        // optional API proxy, bypasses service account auth
	StrictLabels   []string      // pods must carry all of these labels
	Interval       time.Duration // sync loop interval
	ConfigFile     string        // optional YAML overrides file (hot reloaded)
	StatePath      string        // optional sqlite path for watcher state
	Debug          bool

	// Node/cluster identity, set via the downward API.
	NodeName           string
	ClusterAlias       string
	ClusterEnvironment string

	Scalyr      ScalyrConfig
	AppDynamics AppDynamicsConfig
	Symlinker   SymlinkerConfig
}

// ScalyrConfig holds the Scalyr agent settings.
type ScalyrConfig struct {
	APIKeyFile      string // file containing the write API key, re-read on every flush
	DestPath        string // directory the per-container log symlinks live in
	ConfigPath      string // rendered agent.json location
	Server          string // optional non-default Scalyr endpoint
	EnableProfiling bool
	ParseLinesJSON  string // "parser[=mapped],..." parsers whose lines are JSON

	JournaldEnabled     bool
	JournaldPath        string
	JournaldAttributes  string // JSON object
	JournaldExtraFields string // JSON object
	JournaldWriteRate   int
	JournaldWriteBurst  int
}

// AppDynamicsConfig holds the AppDynamics job-file agent settings.
type AppDynamicsConfig struct {
	DestPath string
}

// SymlinkerConfig holds the symlinker agent settings.
type SymlinkerConfig struct {
	Dir string
}

// Flags are the command-line defaults that the environment may override.
type Flags struct {
	ContainersPath string
	Agents         string
	ClusterID      string
	KubeURL        string
	StrictLabels   string
	Interval       int
	Debug          bool
}

// Load resolves the configuration from flags and environment.
func Load(flags Flags) (*Config, error) {
	cfg := &Config{
		ContainersPath: envOr("WATCHER_CONTAINERS_PATH", flags.ContainersPath),
		ClusterID:      envOr("WATCHER_CLUSTER_ID", flags.ClusterID),
		KubeURL:        envOr("WATCHER_KUBE_URL", flags.KubeURL),
		ConfigFile:     os.Getenv("WATCHER_CONFIG"),
		StatePath:      os.Getenv("WATCHER_STATE_PATH"),
		Debug:          flags.Debug || os.Getenv("WATCHER_DEBUG") != "",

		NodeName:           os.Getenv("CLUSTER_NODE_NAME"),
		ClusterAlias:       envOr("CLUSTER_ALIAS", "none"),
		ClusterEnvironment: envOr("CLUSTER_ENVIRONMENT", "production"),
	}

	cfg.Agents = splitList(strings.ToLower(envOr("WATCHER_AGENTS", flags.Agents)))
	cfg.StrictLabels = splitList(envOr("WATCHER_STRICT_LABELS", flags.StrictLabels))

	interval := flags.Interval
	if raw := os.Getenv("WATCHER_INTERVAL"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid WATCHER_INTERVAL: %q", raw)
		}
		interval = parsed
	}
	cfg.Interval = time.Duration(interval) * time.Second

	cfg.Scalyr = ScalyrConfig{
		APIKeyFile:      os.Getenv("WATCHER_SCALYR_API_KEY_FILE"),
		DestPath:        os.Getenv("WATCHER_SCALYR_DEST_PATH"),
		ConfigPath:      envOr("WATCHER_SCALYR_CONFIG_PATH", DefaultScalyrConfigPath),
		Server:          os.Getenv("WATCHER_SCALYR_SERVER"),
		EnableProfiling: strings.EqualFold(os.Getenv("WATCHER_SCALYR_ENABLE_PROFILING"), "true"),
		ParseLinesJSON:  os.Getenv("WATCHER_SCALYR_PARSE_LINES_JSON"),

		JournaldEnabled:     os.Getenv("WATCHER_SCALYR_JOURNALD") != "",
		JournaldPath:        os.Getenv("WATCHER_SCALYR_JOURNALD_PATH"),
		JournaldAttributes:  envOr("WATCHER_SCALYR_JOURNALD_ATTRIBUTES", "{}"),
		JournaldExtraFields: envOr("WATCHER_SCALYR_JOURNALD_EXTRA_FIELDS", "{}"),
	}

	var err error
	if cfg.Scalyr.JournaldWriteRate, err = envInt("WATCHER_SCALYR_JOURNALD_WRITE_RATE"); err != nil {
		return nil, err
	}
	if cfg.Scalyr.JournaldWriteBurst, err = envInt("WATCHER_SCALYR_JOURNALD_WRITE_BURST"); err != nil {
		return nil, err
	}

	cfg.AppDynamics = AppDynamicsConfig{
		DestPath: os.Getenv("WATCHER_APPDYNAMICS_DEST_PATH"),
	}
	cfg.Symlinker = SymlinkerConfig{
		Dir: os.Getenv("WATCHER_SYMLINK_DIR"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings every deployment needs. Agent-specific
// requirements are enforced by the agent factories.
func (c *Config) Validate() error {
	if c.ContainersPath == "" {
		return fmt.Errorf("containers path is required")
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent is required (WATCHER_AGENTS)")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("invalid interval: %s (must be positive)", c.Interval)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return v, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// expandEnvWithDefaults expands environment variables inside the overrides
// file. Supports both ${VAR} and ${VAR:-default} syntax.
func expandEnvWithDefaults(s string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) > 2 {
			defaultValue = parts[2]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}
