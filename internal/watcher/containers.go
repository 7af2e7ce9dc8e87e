package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// Container is one entry discovered under the mounted containers path.
type Container struct {
	ID      string
	LogFile string
	Image   string
	Labels  map[string]string
}

// ScanContainers collects the containers under containersPath. A container
// is only eligible when both its config.v2.json and its <id>-json.log file
// are present; anything else is still being created or torn down.
func ScanContainers(containersPath string) ([]Container, error) {
	entries, err := os.ReadDir(containersPath)
	if err != nil {
		return nil, fmt.Errorf("reading containers path %q: %w", containersPath, err)
	}

	var containers []Container
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		dir := filepath.Join(containersPath, id)

		logFile := filepath.Join(dir, id+"-json.log")
		if _, err := os.Stat(logFile); err != nil {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(dir, "config.v2.json"))
		if err != nil {
			continue
		}
		if !gjson.ValidBytes(raw) {
			log.Error().Str("container_id", id).Msg("Failed while retrieving config for container")
			continue
		}

		labels := make(map[string]string)
		gjson.GetBytes(raw, "Config.Labels").ForEach(func(key, value gjson.Result) bool {
			labels[key.String()] = value.String()
			return true
		})

		containers = append(containers, Container{
			ID:      id,
			LogFile: logFile,
			Image:   gjson.GetBytes(raw, "Config.Image").String(),
			Labels:  labels,
		})
		log.Debug().Str("container_id", id).Msg("Collected config for container")
	}

	log.Info().Int("count", len(containers)).Msg("Collected container configs")
	return containers, nil
}

// labelValue finds a label by key suffix. Docker namespaces the kubernetes
// labels (io.kubernetes.pod.name and the like), so callers match on the
// trailing part.
func labelValue(labels map[string]string, suffix string) string {
	for key, value := range labels {
		if strings.HasSuffix(key, suffix) {
			return value
		}
	}
	return ""
}

// imageParts splits a docker image reference into name and version.
func imageParts(image string) (string, string) {
	last := image
	if idx := strings.LastIndex(image, "/"); idx >= 0 {
		last = image[idx+1:]
	}
	if idx := strings.LastIndex(last, ":"); idx >= 0 {
		return last[:idx], last[idx+1:]
	}
	return last, "latest"
}
