// Package watcher drives the discovery/sync loop.
//
// DESIGN: Plain polling. Every interval the watcher scans the mounted
// containers directory, resolves pod metadata for containers it has not
// seen before, hands the resulting log targets to every agent and flushes
// them. Agent failures are isolated per agent and never abort a cycle; a
// failed cycle is retried after half the interval.
//
// FLOW:
//  1. reload the overrides file, rebuild agents if it changed
//  2. scan containers, diff against the watched set in the store
//  3. Reset → AddLogTarget*/RemoveLogTarget* → Flush on each agent
//  4. update the watched set
package watcher

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/podlog/kube-log-watcher/internal/agent"
	"github.com/podlog/kube-log-watcher/internal/config"
	"github.com/podlog/kube-log-watcher/internal/kube"
	"github.com/podlog/kube-log-watcher/internal/store"
)

// PodGetter is the slice of the kube client the watcher needs.
type PodGetter interface {
	GetPod(ctx context.Context, name, namespace string) (*kube.Pod, error)
}

// Watcher keeps the agents in sync with the containers on the node.
type Watcher struct {
	cfg      *config.Config
	registry *agent.Registry
	pods     PodGetter
	state    store.Store

	agents       []agent.Agent
	watcherCfg   *config.WatcherConfig
	bootstrapped bool
}

// New builds a watcher with its initial agent set.
func New(cfg *config.Config, registry *agent.Registry, pods PodGetter, state store.Store) (*Watcher, error) {
	watcherCfg, err := config.LoadWatcherConfig(cfg.ConfigFile)
	if err != nil {
		return nil, err
	}

	agents, err := registry.Build(cfg.Agents, cfg, watcherCfg)
	if err != nil {
		return nil, err
	}

	return &Watcher{
		cfg:        cfg,
		registry:   registry,
		pods:       pods,
		state:      state,
		agents:     agents,
		watcherCfg: watcherCfg,
	}, nil
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		delay := w.cfg.Interval
		if err := w.Sync(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			delay = w.cfg.Interval / 2
			sentry.CaptureException(err)
			log.Error().Err(err).Dur("retry_in", delay).Msg("Sync failed, retrying")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// Sync runs one discovery/sync cycle.
func (w *Watcher) Sync(ctx context.Context) error {
	logger := log.With().Str("sync_id", uuid.New().String()).Logger()

	if err := w.reloadWatcherConfig(ctx, logger); err != nil {
		return err
	}

	containers, err := ScanContainers(w.cfg.ContainersPath)
	if err != nil {
		return err
	}

	watched, err := w.state.IDs(ctx)
	if err != nil {
		return err
	}

	// On the first cycle the agents hold no state yet, so every running
	// container is handed over even when a persistent store remembers it.
	// The agents themselves decide whether their output needs a rewrite.
	fresh := containers
	if w.bootstrapped {
		fresh = nil
		for _, c := range containers {
			if _, ok := watched[c.ID]; !ok {
				fresh = append(fresh, c)
			}
		}
	}
	targets := w.buildTargets(ctx, logger, fresh)

	existing := make(map[string]struct{}, len(containers))
	for _, c := range containers {
		existing[c.ID] = struct{}{}
	}
	var stale []string
	for id := range watched {
		if _, ok := existing[id]; !ok {
			stale = append(stale, id)
		}
	}

	for _, a := range w.agents {
		a.Reset()
		for _, target := range targets {
			a.AddLogTarget(target)
		}
		for _, id := range stale {
			a.RemoveLogTarget(id)
		}
		if err := a.Flush(); err != nil {
			sentry.CaptureException(err)
			logger.Error().Err(err).Str("agent", a.Name()).Msg("Failed to sync log config with agent")
		}
	}

	added := 0
	for _, target := range targets {
		if _, ok := watched[target.ID]; !ok {
			added++
		}
		if err := w.state.Add(ctx, store.Record{
			ContainerID: target.ID,
			PodName:     target.PodName,
			Namespace:   target.Namespace,
		}); err != nil {
			return err
		}
	}
	for _, id := range stale {
		if err := w.state.Remove(ctx, id); err != nil {
			return err
		}
	}
	w.bootstrapped = true

	logger.Info().Int("added", added).Int("removed", len(stale)).
		Int("watching", len(watched)+added-len(stale)).
		Msg("Sync cycle complete")
	return nil
}

// reloadWatcherConfig rereads the overrides file and rebuilds the agents
// when it changed. The watched set is cleared so every container is
// re-added under the new configuration.
func (w *Watcher) reloadWatcherConfig(ctx context.Context, logger zerolog.Logger) error {
	if w.cfg.ConfigFile == "" {
		return nil
	}

	fresh, err := config.LoadWatcherConfig(w.cfg.ConfigFile)
	if err != nil {
		logger.Error().Err(err).Msg("Cannot read watcher configuration file")
		return nil // keep running with the previous overrides
	}
	if fresh.Equal(w.watcherCfg) {
		return nil
	}

	logger.Info().Msg("Reloading agents with new configuration")
	agents, err := w.registry.Build(w.cfg.Agents, w.cfg, fresh)
	if err != nil {
		return err
	}
	w.agents = agents
	w.watcherCfg = fresh
	return w.state.Clear(ctx)
}

// buildTargets resolves pod metadata for the given containers and turns
// them into log targets. Containers whose pod is gone or which fail the
// strict-labels requirement are skipped.
func (w *Watcher) buildTargets(ctx context.Context, logger zerolog.Logger, containers []Container) []*agent.LogTarget {
	var targets []*agent.LogTarget

	for _, c := range containers {
		if kube.IsPauseContainer(c.Image) {
			continue
		}

		podName := labelValue(c.Labels, "pod.name")
		containerName := labelValue(c.Labels, "container.name")
		namespace := labelValue(c.Labels, "pod.namespace")

		pod, err := w.pods.GetPod(ctx, podName, namespace)
		if err != nil {
			if errors.Is(err, kube.ErrPodNotFound) {
				logger.Warn().Str("pod", podName).Str("container", containerName).
					Msg("Cannot find pod, skipping container")
			} else {
				logger.Error().Err(err).Str("container_id", c.ID).
					Msg("Failed to create log target for container")
			}
			continue
		}

		if missing := missingLabels(w.cfg.StrictLabels, pod.Labels); len(missing) > 0 {
			logger.Warn().Strs("missing_labels", missing).
				Str("container", containerName).Str("pod", podName).
				Msg("Required labels absent, skipping container")
			continue
		}

		image, imageVersion := imageParts(c.Image)

		environment := pod.Labels["environment"]
		if environment == "" {
			environment = w.cfg.ClusterEnvironment
		}

		targets = append(targets, &agent.LogTarget{
			ID:            c.ID,
			ContainerPath: filepath.Join(w.cfg.ContainersPath, c.ID),
			LogFileName:   c.ID + "-json.log",
			LogFilePath:   c.LogFile,

			Image:        image,
			ImageVersion: imageVersion,

			Application: pod.Labels["application"],
			Component:   pod.Labels["component"],
			Environment: environment,
			Version:     pod.Labels["version"],
			Release:     pod.Labels["release"],

			ClusterID:     w.cfg.ClusterID,
			PodName:       podName,
			Namespace:     namespace,
			ContainerName: containerName,
			NodeName:      w.cfg.NodeName,

			PodLabels:      pod.Labels,
			PodAnnotations: pod.Annotations,
		})
	}

	return targets
}

func missingLabels(required []string, labels map[string]string) []string {
	var missing []string
	for _, label := range required {
		if _, ok := labels[label]; !ok {
			missing = append(missing, label)
		}
	}
	return missing
}
