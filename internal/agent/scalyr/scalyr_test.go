package scalyr

import (
	stdjson "encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podlog/kube-log-watcher/internal/agent"
	"github.com/podlog/kube-log-watcher/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	keyFile := filepath.Join(t.TempDir(), "api-key")
	require.NoError(t, os.WriteFile(keyFile, []byte("scalyr-key-123\n"), 0600))

	return &config.Config{
		ClusterID:          "kube-cluster",
		ClusterAlias:       "alias-1",
		ClusterEnvironment: "production",
		NodeName:           "node-1",
		Scalyr: config.ScalyrConfig{
			APIKeyFile: keyFile,
			DestPath:   t.TempDir(),
			ConfigPath: filepath.Join(t.TempDir(), "agent.json"),
		},
	}
}

func testTarget(t *testing.T, id string) *agent.LogTarget {
	t.Helper()

	logFile := filepath.Join(t.TempDir(), id+"-json.log")
	require.NoError(t, os.WriteFile(logFile, []byte("{}\n"), 0644))

	return &agent.LogTarget{
		ID:            id,
		LogFilePath:   logFile,
		LogFileName:   id + "-json.log",
		Application:   "app-1",
		Component:     "api",
		Environment:   "production", // duplicated in server attributes, must be dropped
		Version:       "v1",
		Release:       "2016",
		ClusterID:     "kube-cluster",
		PodName:       "pod-1",
		Namespace:     "default",
		ContainerName: "cont",
		NodeName:      "node-1",
	}
}

func newTestAgent(t *testing.T, cfg *config.Config, overrides *config.WatcherConfig) *Agent {
	t.Helper()
	if overrides == nil {
		overrides = &config.WatcherConfig{}
	}
	a, err := New(cfg, overrides)
	require.NoError(t, err)
	return a.(*Agent)
}

func TestNewValidation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scalyr.APIKeyFile = ""
	_, err := New(cfg, &config.WatcherConfig{})
	assert.ErrorContains(t, err, "WATCHER_SCALYR_API_KEY_FILE")

	cfg = testConfig(t)
	cfg.Scalyr.APIKeyFile = "/nonexistent/key"
	_, err = New(cfg, &config.WatcherConfig{})
	assert.ErrorContains(t, err, "API key file")

	cfg = testConfig(t)
	cfg.Scalyr.DestPath = "/nonexistent/dest"
	_, err = New(cfg, &config.WatcherConfig{})
	assert.ErrorContains(t, err, "destination path")
}

func TestAddLogTargetAndFlush(t *testing.T) {
	cfg := testConfig(t)
	a := newTestAgent(t, cfg, nil)

	target := testTarget(t, "cont-1")
	a.AddLogTarget(target)
	require.NoError(t, a.Flush())

	data, err := os.ReadFile(cfg.Scalyr.ConfigPath)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, stdjson.Unmarshal(data, &doc))
	assert.Equal(t, "scalyr-key-123", doc["api_key"], "key is trimmed")

	logs := doc["logs"].([]interface{})
	require.Len(t, logs, 1)
	entry := logs[0].(map[string]interface{})

	// The log path is the friendly symlink, and the symlink exists.
	wantPath := filepath.Join(cfg.Scalyr.DestPath, "cont-1", "app-1-v1.log")
	assert.Equal(t, wantPath, entry["path"])
	linkDest, err := os.Readlink(wantPath)
	require.NoError(t, err)
	assert.Equal(t, target.LogFilePath, linkDest)

	attrs := entry["attributes"].(map[string]interface{})
	assert.Equal(t, "app-1", attrs["application"])
	_, hasEnvironment := attrs["environment"]
	assert.False(t, hasEnvironment, "attributes duplicated in server_attributes are dropped")
	_, hasParser := attrs["parser"]
	assert.False(t, hasParser, "default parser matches server attributes")

	// Redaction rules always carry the JWT rule.
	rules := entry["redaction_rules"].([]interface{})
	require.Len(t, rules, 1)

	serverAttrs := doc["server_attributes"].(map[string]interface{})
	assert.Equal(t, "kube-cluster", serverAttrs["serverHost"])
	assert.Equal(t, "alias-1", serverAttrs["cluster_alias"])
}

func TestFlushSkipsUnchangedConfig(t *testing.T) {
	cfg := testConfig(t)
	a := newTestAgent(t, cfg, nil)

	a.AddLogTarget(testTarget(t, "cont-1"))
	require.NoError(t, a.Flush())

	// Tamper with the file; an unchanged target set must not rewrite it.
	require.NoError(t, os.WriteFile(cfg.Scalyr.ConfigPath, []byte(`{"logs": [{"path": "`+a.logs["cont-1"].Path+`"}]}`), 0644))
	require.NoError(t, a.Flush())

	data, err := os.ReadFile(cfg.Scalyr.ConfigPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "api_key", "config must not be rewritten when nothing changed")
}

func TestFlushPreservesConfigAcrossRestart(t *testing.T) {
	cfg := testConfig(t)
	a := newTestAgent(t, cfg, nil)
	target := testTarget(t, "cont-1")
	a.AddLogTarget(target)
	require.NoError(t, a.Flush())

	// Mark the file so a rewrite is detectable.
	data, err := os.ReadFile(cfg.Scalyr.ConfigPath)
	require.NoError(t, err)
	marked := strings.Replace(string(data), `"api_key"`, `"note": "sentinel",`+"\n  "+`"api_key"`, 1)
	require.NoError(t, os.WriteFile(cfg.Scalyr.ConfigPath, []byte(marked), 0644))

	// A fresh agent over the same config, as after a process restart.
	restarted := newTestAgent(t, cfg, nil)
	restarted.AddLogTarget(target)
	require.NoError(t, restarted.Flush())

	data, err = os.ReadFile(cfg.Scalyr.ConfigPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "sentinel",
		"an unchanged config must not be rewritten after a restart")
}

func TestFlushRewritesOnKeyRotation(t *testing.T) {
	cfg := testConfig(t)
	a := newTestAgent(t, cfg, nil)

	a.AddLogTarget(testTarget(t, "cont-1"))
	require.NoError(t, a.Flush())

	require.NoError(t, os.WriteFile(cfg.Scalyr.APIKeyFile, []byte("rotated-key"), 0600))
	require.NoError(t, a.Flush())

	data, err := os.ReadFile(cfg.Scalyr.ConfigPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "rotated-key")
}

func TestRemoveLogTarget(t *testing.T) {
	cfg := testConfig(t)
	a := newTestAgent(t, cfg, nil)

	a.AddLogTarget(testTarget(t, "cont-1"))
	require.NoError(t, a.Flush())

	containerDir := filepath.Join(cfg.Scalyr.DestPath, "cont-1")
	_, err := os.Stat(containerDir)
	require.NoError(t, err)

	a.RemoveLogTarget("cont-1")
	require.NoError(t, a.Flush())

	_, err = os.Stat(containerDir)
	assert.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(cfg.Scalyr.ConfigPath)
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, stdjson.Unmarshal(data, &doc))
	assert.Empty(t, doc["logs"])
}

func TestAddLogTargetSkipsMissingLogFile(t *testing.T) {
	cfg := testConfig(t)
	a := newTestAgent(t, cfg, nil)

	target := testTarget(t, "cont-1")
	target.LogFilePath = "/nonexistent/cont-1-json.log"
	a.AddLogTarget(target)

	assert.Empty(t, a.logs)
}

func TestParseLinesAsJSONMapping(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scalyr.ParseLinesJSON = "access-log=access_json"
	a := newTestAgent(t, cfg, nil)

	target := testTarget(t, "cont-1")
	target.PodAnnotations = map[string]string{
		AnnotationParser: `[{"container": "cont", "parser": "access-log"}]`,
	}
	a.AddLogTarget(target)

	l := a.logs["cont-1"]
	assert.True(t, l.ParseLinesAsJSON)
	parser, _ := l.Attributes.Get("parser")
	assert.Equal(t, "access_json", parser)
}

func TestSamplingOverrides(t *testing.T) {
	zero := 0.0
	one := 1.0
	two := 2.0

	overrideValue := `[{"container": "cont", "sampling-rules": [{"match_expression": "x", "sampling_rate": "0"}]}]`

	cfg := testConfig(t)
	a := newTestAgent(t, cfg, &config.WatcherConfig{
		ScalyrSamplingRules: []config.SamplingOverride{
			{Application: "other-app", Value: `[]`},
			{Application: "app-1", Component: "api", Probability: &one, Value: overrideValue},
		},
	})

	target := testTarget(t, "cont-1")
	rules := a.samplingRules(target)
	require.NotNil(t, rules)
	assert.Contains(t, string(rules), "match_expression")
	assert.NotContains(t, string(rules), `"container"`,
		"the override value is filtered like an annotation, wrappers never leak")

	t.Run("override for another container yields no rules", func(t *testing.T) {
		a := newTestAgent(t, testConfig(t), &config.WatcherConfig{
			ScalyrSamplingRules: []config.SamplingOverride{
				{Value: `[{"container": "other-container", "sampling-rules": [{"match_expression": "x", "sampling_rate": "0"}]}]`},
			},
		})
		assert.Nil(t, a.samplingRules(target))
	})

	t.Run("pod annotation is replaced, not merged", func(t *testing.T) {
		a := newTestAgent(t, testConfig(t), &config.WatcherConfig{
			ScalyrSamplingRules: []config.SamplingOverride{
				{Application: "app-1", Value: overrideValue},
			},
		})
		annotated := testTarget(t, "cont-1")
		annotated.PodAnnotations = map[string]string{
			AnnotationSamplingRules: `[{"container": "cont", "sampling-rules": [{"match_expression": "from-annotation", "sampling_rate": "1"}]}]`,
		}
		rules := a.samplingRules(annotated)
		require.NotNil(t, rules)
		assert.NotContains(t, string(rules), "from-annotation")
		assert.Equal(t, `[{"container": "cont", "sampling-rules": [{"match_expression": "from-annotation", "sampling_rate": "1"}]}]`,
			annotated.PodAnnotations[AnnotationSamplingRules], "the target's annotations are not mutated")
	})

	t.Run("probability zero never matches", func(t *testing.T) {
		a := newTestAgent(t, testConfig(t), &config.WatcherConfig{
			ScalyrSamplingRules: []config.SamplingOverride{
				{Probability: &zero, Value: `[]`},
			},
		})
		_, ok := a.overrideFor(target)
		assert.False(t, ok)
	})

	t.Run("invalid rules are dropped", func(t *testing.T) {
		a := newTestAgent(t, testConfig(t), &config.WatcherConfig{
			ScalyrSamplingRules: []config.SamplingOverride{
				{Probability: &two, Value: `[]`},
				{Value: `not json`},
			},
		})
		assert.Empty(t, a.overrides)
	})
}

func TestParseJSONParsersMapping(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]string
	}{
		{
			name: "empty",
			raw:  "",
			want: map[string]string{},
		},
		{
			name: "bare parser maps to itself",
			raw:  "access-log",
			want: map[string]string{"access-log": "access-log"},
		},
		{
			name: "mapping with spaces",
			raw:  " access-log = access_json , json ",
			want: map[string]string{"access-log": "access_json", "json": "json"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseJSONParsersMapping(tt.raw))
		})
	}
}

func TestJournaldFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scalyr.JournaldEnabled = true
	cfg.Scalyr.JournaldPath = "/var/log/journal"
	cfg.Scalyr.JournaldAttributes = `{"cluster": "kube-cluster"}`
	cfg.Scalyr.JournaldExtraFields = `{"unit": "ssh"}`
	a := newTestAgent(t, cfg, nil)

	require.NotNil(t, a.journald)
	assert.Equal(t, "/var/log/journal", a.journald.JournalPath)
	unit, _ := a.journald.ExtraFields.Get("unit")
	assert.Equal(t, "ssh", unit)

	cfg.Scalyr.JournaldAttributes = `{broken`
	_, err := New(cfg, &config.WatcherConfig{})
	assert.ErrorContains(t, err, "WATCHER_SCALYR_JOURNALD_ATTRIBUTES")
}
