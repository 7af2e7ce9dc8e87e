// Package symlinker creates symlinks to container log files with the pod
// metadata embedded in the directory structure. A log shipping agent that
// watches the symlink tree (e.g. Fluentd) then needs no generated
// configuration at all: everything it wants to know is in the file name.
package symlinker

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/rs/zerolog/log"

	"github.com/podlog/kube-log-watcher/internal/agent"
	"github.com/podlog/kube-log-watcher/internal/config"
)

// Name is the registry name of this agent.
const Name = "symlinker"

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

func sanitize(s string) string {
	return unsafeChars.ReplaceAllString(s, "_")
}

// Agent maintains the symlink tree.
type Agent struct {
	dir string
}

// New builds the symlinker agent. The base directory must exist.
func New(cfg *config.Config, _ *config.WatcherConfig) (agent.Agent, error) {
	dir := cfg.Symlinker.Dir
	if dir == "" {
		return nil, fmt.Errorf("env variable WATCHER_SYMLINK_DIR must be set")
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("symlink base directory %s does not exist", dir)
	}
	log.Info().Msg("Symlinker agent initialized")
	return &Agent{dir: dir}, nil
}

// Name implements agent.Agent.
func (a *Agent) Name() string { return "Symlinker" }

// Reset implements agent.Agent.
func (a *Agent) Reset() {}

// AddLogTarget creates the metadata symlink for the container, rebuilding
// the tree when the metadata changed.
func (a *Agent) AddLogTarget(target *agent.LogTarget) {
	log.Debug().Str("container_id", target.ID).Msg("Symlinker: add log target")

	component := target.Component
	if component == "" {
		component = target.Application
	}
	version := target.Version
	if version == "" {
		version = "none"
	}

	topDir := filepath.Join(a.dir, sanitize(target.ID))
	linkDir := filepath.Join(topDir,
		sanitize(target.Application),
		sanitize(component),
		sanitize(target.Namespace),
		sanitize(target.Environment),
		sanitize(version),
		sanitize(target.ContainerName),
	)
	link := filepath.Join(linkDir, sanitize(target.PodName)+".log")

	if _, err := os.Stat(topDir); err == nil {
		if dest, err := os.Readlink(link); err == nil && dest == target.LogFilePath {
			log.Debug().Str("container_id", target.ID).Msg("Symlinker: link already exists")
			return
		}
		log.Info().Str("container_id", target.ID).Msg("Symlinker: metadata changed, creating new symlink")
		if err := os.RemoveAll(topDir); err != nil {
			log.Error().Err(err).Str("dir", topDir).Msg("Symlinker failed to remove directory")
			return
		}
	}

	if err := os.MkdirAll(linkDir, 0755); err != nil {
		log.Error().Err(err).Str("dir", linkDir).Msg("Symlinker failed to create link directory")
		return
	}
	if err := os.Symlink(target.LogFilePath, link); err != nil {
		log.Error().Err(err).Str("link", link).Msg("Symlinker failed to create symlink")
		return
	}
	log.Debug().Str("link", link).Str("target", target.LogFilePath).Msg("Symlinker: created symlink")
}

// RemoveLogTarget drops the container's symlink directory.
func (a *Agent) RemoveLogTarget(containerID string) {
	linkDir := filepath.Join(a.dir, sanitize(containerID))
	if err := os.RemoveAll(linkDir); err != nil {
		log.Error().Err(err).Str("dir", linkDir).Msg("Symlinker failed to remove link directory")
		return
	}
	log.Debug().Str("dir", linkDir).Msg("Symlinker: removed directory")
}

// Flush prunes container directories whose link target disappeared.
func (a *Agent) Flush() error {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return fmt.Errorf("reading symlink directory %s: %w", a.dir, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		containerDir := filepath.Join(a.dir, entry.Name())
		if hasLiveLink(containerDir) {
			continue
		}
		if err := os.RemoveAll(containerDir); err != nil {
			log.Error().Err(err).Str("dir", containerDir).Msg("Symlinker failed to prune directory")
		}
	}
	return nil
}

// hasLiveLink reports whether the container directory still holds a .log
// symlink whose target exists.
func hasLiveLink(containerDir string) bool {
	live := false
	filepath.WalkDir(containerDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(path) != ".log" {
			return nil
		}
		if _, err := os.Stat(path); err == nil { // Stat follows the link
			live = true
			return filepath.SkipAll
		}
		return nil
	})
	return live
}
