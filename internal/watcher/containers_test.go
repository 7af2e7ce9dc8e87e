package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeContainer(t *testing.T, root, id, configJSON string, withLog bool) {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0755))
	if configJSON != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.v2.json"), []byte(configJSON), 0644))
	}
	if withLog {
		require.NoError(t, os.WriteFile(filepath.Join(dir, id+"-json.log"), []byte("{}\n"), 0644))
	}
}

func TestScanContainers(t *testing.T) {
	root := t.TempDir()

	writeContainer(t, root, "cont-1", `{
		"Config": {
			"Image": "registry.example.org/app-1:v1",
			"Labels": {"io.kubernetes.pod.name": "pod-1", "io.kubernetes.pod.namespace": "default"}
		}
	}`, true)
	writeContainer(t, root, "cont-no-log", `{"Config": {"Image": "x"}}`, false)
	writeContainer(t, root, "cont-no-config", "", true)
	writeContainer(t, root, "cont-bad-json", `{broken`, true)
	require.NoError(t, os.WriteFile(filepath.Join(root, "not-a-dir"), nil, 0644))

	containers, err := ScanContainers(root)
	require.NoError(t, err)
	require.Len(t, containers, 1)

	c := containers[0]
	assert.Equal(t, "cont-1", c.ID)
	assert.Equal(t, filepath.Join(root, "cont-1", "cont-1-json.log"), c.LogFile)
	assert.Equal(t, "registry.example.org/app-1:v1", c.Image)
	assert.Equal(t, "pod-1", c.Labels["io.kubernetes.pod.name"])
}

func TestScanContainersMissingPath(t *testing.T) {
	_, err := ScanContainers("/nonexistent/containers")
	assert.Error(t, err)
}

func TestLabelValue(t *testing.T) {
	labels := map[string]string{
		"io.kubernetes.pod.name":       "pod-1",
		"io.kubernetes.container.name": "main",
	}
	assert.Equal(t, "pod-1", labelValue(labels, "pod.name"))
	assert.Equal(t, "main", labelValue(labels, "container.name"))
	assert.Empty(t, labelValue(labels, "pod.namespace"))
}

func TestImageParts(t *testing.T) {
	tests := []struct {
		image       string
		wantName    string
		wantVersion string
	}{
		{"registry.example.org/base/app-1:v1.2", "app-1", "v1.2"},
		{"app-1:latest", "app-1", "latest"},
		{"app-1", "app-1", "latest"},
		{"localhost:5000/app-1", "app-1", "latest"},
	}

	for _, tt := range tests {
		t.Run(tt.image, func(t *testing.T) {
			name, version := imageParts(tt.image)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantVersion, version)
		})
	}
}

func TestScanContainersSkipsUnreadableConfig(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("cont-%d", i)
		writeContainer(t, root, id, `{"Config": {"Image": "app:v1", "Labels": {}}}`, true)
	}

	containers, err := ScanContainers(root)
	require.NoError(t, err)
	assert.Len(t, containers, 3)
}
