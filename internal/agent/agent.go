// Package agent defines the contract between the watcher loop and the log
// processor agents.
//
// DESIGN: The watcher discovers containers and hands each agent the same
// stream of log targets. Each has a different output format (Scalyr agent
// config, AppDynamics job files, symlink trees). Agents abstract the
// differences behind a small interface:
//
// FLOW:
//  1. Watcher builds LogTargets for new containers
//  2. Watcher calls Reset() on each agent at the start of a sync cycle
//  3. AddLogTarget/RemoveLogTarget update the agent's desired state
//  4. Flush() writes the agent's output; failures are per-agent and do not
//     abort the cycle
//
// To add a new agent: implement Agent and register a Factory in the
// Registry.
package agent

import "github.com/podlog/kube-log-watcher/internal/config"

// LogTarget carries everything an agent may want to know about one
// container's log file.
type LogTarget struct {
	// ID is the container ID.
	ID string

	ContainerPath string
	LogFileName   string
	LogFilePath   string

	Image        string
	ImageVersion string

	// Pod labels the platform cares about. Application is empty when the
	// pod carries no application label.
	Application string
	Component   string
	Environment string
	Version     string
	Release     string

	ClusterID     string
	PodName       string
	Namespace     string
	ContainerName string
	NodeName      string

	PodLabels      map[string]string
	PodAnnotations map[string]string
}

// Agent keeps some log-shipping output in sync with the watched containers.
// Implementations are driven by a single goroutine and need not be
// thread-safe.
type Agent interface {
	// Name returns the agent identifier (e.g. "scalyr").
	Name() string

	// Reset is called at the start of every sync cycle.
	Reset()

	// AddLogTarget records a newly discovered container.
	AddLogTarget(target *LogTarget)

	// RemoveLogTarget drops a stale container and cleans up its output.
	RemoveLogTarget(containerID string)

	// Flush writes the agent output for the current target set.
	Flush() error
}

// Factory builds an agent from the watcher configuration and the optional
// hot-reloadable overrides file.
type Factory func(cfg *config.Config, overrides *config.WatcherConfig) (Agent, error)
