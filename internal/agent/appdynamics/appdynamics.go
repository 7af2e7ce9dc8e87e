// Package appdynamics writes per-container job files for the AppDynamics
// analytics agent. Unlike the Scalyr agent there is no single config file:
// one job file per container, written once and removed when the container
// goes away.
package appdynamics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/flosch/pongo2/v6"
	"github.com/rs/zerolog/log"

	"github.com/podlog/kube-log-watcher/internal/agent"
	"github.com/podlog/kube-log-watcher/internal/config"
)

// Name is the registry name of this agent.
const Name = "appdynamics"

// Pod labels selecting the AppDynamics application and tier.
const (
	AppLabel  = "appdynamics_app"
	TierLabel = "appdynamics_tier"
)

// The output is JSON, so HTML autoescaping must stay off: a "&" in a log
// file path would otherwise render as "&amp;".
const jobTemplate = `{% autoescape off %}{
    "enabled": true,
    "version": 1,
    "name": "container-{{ container_id }}",
    "source": {
        "type": "logfile",
        "path": "{{ log_file_path }}",
        "nameValuePairSeparator": "="
    },
    "fields": {
        "application": "{{ application }}",
        "component": "{{ component }}",
        "environment": "{{ environment }}",
        "version": "{{ version }}",
        "release": "{{ release }}",
        "pod": "{{ pod_name }}",
        "namespace": "{{ namespace }}",
        "container": "{{ container_name }}",
        "node": "{{ node_name }}",
        "cluster": "{{ cluster_id }}"{% if app_name %},
        "app_name": "{{ app_name }}",
        "app_tier": "{{ app_tier }}"{% endif %}
    }
}
{% endautoescape %}`

type job struct {
	path string
	ctx  pongo2.Context
}

// Agent maintains the per-container job files.
type Agent struct {
	destPath  string
	clusterID string
	tpl       *pongo2.Template

	jobs     map[string]job
	firstRun bool
}

// New builds the AppDynamics agent.
func New(cfg *config.Config, _ *config.WatcherConfig) (agent.Agent, error) {
	if cfg.AppDynamics.DestPath == "" {
		return nil, fmt.Errorf("env variable WATCHER_APPDYNAMICS_DEST_PATH must be set")
	}

	tpl, err := pongo2.FromString(jobTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing job template: %w", err)
	}

	log.Info().Msg("AppDynamics agent initialization complete")
	return &Agent{
		destPath:  cfg.AppDynamics.DestPath,
		clusterID: cfg.ClusterID,
		tpl:       tpl,
		jobs:      make(map[string]job),
		firstRun:  true,
	}, nil
}

// Name implements agent.Agent.
func (a *Agent) Name() string { return "AppDynamics" }

// Reset implements agent.Agent.
func (a *Agent) Reset() {}

// AddLogTarget records a job file for the container.
func (a *Agent) AddLogTarget(target *agent.LogTarget) {
	a.jobs[target.ID] = job{
		path: a.jobFilePath(target.ID),
		ctx: pongo2.Context{
			"container_id":   target.ID,
			"log_file_path":  target.LogFilePath,
			"application":    target.Application,
			"component":      target.Component,
			"environment":    target.Environment,
			"version":        target.Version,
			"release":        target.Release,
			"pod_name":       target.PodName,
			"namespace":      target.Namespace,
			"container_name": target.ContainerName,
			"node_name":      target.NodeName,
			"cluster_id":     a.clusterID,
			"app_name":       target.PodLabels[AppLabel],
			"app_tier":       target.PodLabels[TierLabel],
		},
	}
}

// RemoveLogTarget deletes the container's job file.
func (a *Agent) RemoveLogTarget(containerID string) {
	jobFile := a.jobFilePath(containerID)

	if _, ok := a.jobs[containerID]; !ok {
		log.Warn().Str("container_id", containerID).Msg("Failed to remove log target")
	}
	delete(a.jobs, containerID)

	if err := os.Remove(jobFile); err != nil && !os.IsNotExist(err) {
		log.Error().Err(err).Str("job_file", jobFile).Msg("AppDynamics agent failed to remove job file")
	} else {
		log.Debug().Str("container_id", containerID).Msg("AppDynamics agent removed container job file")
	}
}

// Flush writes missing job files.
func (a *Agent) Flush() error {
	for id, j := range a.jobs {
		if !a.firstRun {
			if _, err := os.Stat(j.path); err == nil {
				continue
			}
		}

		rendered, err := a.tpl.Execute(j.ctx)
		if err != nil {
			log.Error().Err(err).Str("job_file", j.path).Msg("AppDynamics agent failed to render job file")
			continue
		}
		if err := os.WriteFile(j.path, []byte(rendered), 0644); err != nil {
			log.Error().Err(err).Str("job_file", j.path).Msg("AppDynamics agent failed to write job file")
			continue
		}
		log.Debug().Str("container_id", id).Str("job_file", j.path).Msg("AppDynamics agent updated job file")
	}

	a.firstRun = false
	return nil
}

func (a *Agent) jobFilePath(containerID string) string {
	return filepath.Join(a.destPath, fmt.Sprintf("container-%s-jobfile.job", containerID))
}
