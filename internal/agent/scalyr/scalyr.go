package scalyr

import (
	stdjson "encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/podlog/kube-log-watcher/internal/agent"
	"github.com/podlog/kube-log-watcher/internal/config"
)

// Name is the registry name of this agent.
const Name = "scalyr"

// Agent renders the Scalyr agent configuration for the watched containers.
//
// The config file is rewritten only when it would actually change: when the
// API key rotates or when the set of log paths moves. A restart with the
// same containers leaves the file untouched.
type Agent struct {
	cfg       config.ScalyrConfig
	clusterID string

	apiKey           string
	serverAttributes Attributes
	tunables         Tunables
	journald         *JournaldMonitor
	jsonParsers      map[string]string
	overrides        []config.SamplingOverride

	logs     map[string]Log
	order    []string
	firstRun bool
}

// New builds the Scalyr agent. It fails when the API key file, destination
// path or config directory are missing, so a misconfigured deployment dies
// loudly at startup.
func New(cfg *config.Config, overrides *config.WatcherConfig) (agent.Agent, error) {
	sc := cfg.Scalyr

	if sc.APIKeyFile == "" || sc.DestPath == "" {
		return nil, fmt.Errorf("env variables WATCHER_SCALYR_API_KEY_FILE and WATCHER_SCALYR_DEST_PATH must be set")
	}
	if info, err := os.Stat(filepath.Dir(sc.ConfigPath)); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("config path %s does not exist", sc.ConfigPath)
	}
	if info, err := os.Stat(sc.APIKeyFile); err != nil || info.IsDir() {
		return nil, fmt.Errorf("API key file %s does not exist", sc.APIKeyFile)
	}
	if info, err := os.Stat(sc.DestPath); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("destination path %s does not exist", sc.DestPath)
	}

	if entries, err := os.ReadDir(sc.DestPath); err == nil {
		log.Info().Int("count", len(entries)).Msg("Scalyr agent found watched containers")
	}

	a := &Agent{
		cfg:         cfg.Scalyr,
		clusterID:   cfg.ClusterID,
		jsonParsers: parseJSONParsersMapping(sc.ParseLinesJSON),
		overrides:   validSamplingOverrides(overrides.ScalyrSamplingRules),
		tunables:    tunablesFromConfig(overrides.ScalyrTunables),
		logs:        make(map[string]Log),
		firstRun:    true,
	}

	// Assembled once; attribute order is part of the output contract.
	a.serverAttributes = Attributes{
		{Key: "serverHost", Value: cfg.ClusterID},
		{Key: "cluster", Value: cfg.ClusterID},
		{Key: "cluster_environment", Value: cfg.ClusterEnvironment},
		{Key: "cluster_alias", Value: cfg.ClusterAlias},
		{Key: "environment", Value: cfg.ClusterEnvironment},
		{Key: "node", Value: cfg.NodeName},
		{Key: "parser", Value: DefaultParser},
	}

	if sc.JournaldEnabled {
		attrs, err := ParseAttributes(sc.JournaldAttributes)
		if err != nil {
			return nil, fmt.Errorf("invalid WATCHER_SCALYR_JOURNALD_ATTRIBUTES: %w", err)
		}
		extra, err := ParseAttributes(sc.JournaldExtraFields)
		if err != nil {
			return nil, fmt.Errorf("invalid WATCHER_SCALYR_JOURNALD_EXTRA_FIELDS: %w", err)
		}
		a.journald = &JournaldMonitor{
			JournalPath: sc.JournaldPath,
			Attributes:  attrs,
			ExtraFields: extra,
			WriteRate:   sc.JournaldWriteRate,
			WriteBurst:  sc.JournaldWriteBurst,
		}
	}

	log.Info().Msg("Scalyr agent initialization complete")
	return a, nil
}

// Name implements agent.Agent.
func (a *Agent) Name() string { return "Scalyr" }

// Reset implements agent.Agent.
func (a *Agent) Reset() {}

// AddLogTarget registers a container's log file for shipping.
func (a *Agent) AddLogTarget(target *agent.LogTarget) {
	logPath := a.adjustTargetLogPath(target)
	if logPath == "" {
		log.Warn().Str("container", target.ContainerName).Str("pod", target.PodName).
			Msg("Scalyr agent skipped log config for container")
		return
	}

	parser := parserFor(target.PodAnnotations, target.ContainerName, target.PodName)
	parseLinesAsJSON := false
	if mapped, ok := a.jsonParsers[parser]; ok {
		parseLinesAsJSON = true
		parser = mapped
	} else if _, ok := a.jsonParsers["*"]; ok {
		parseLinesAsJSON = true
	}

	attributes := a.logAttributes(target, parser)

	samplingRules := a.samplingRules(target)
	redactionRules := redactionRulesFor(target.PodAnnotations, target.ContainerName, target.PodName)

	if _, exists := a.logs[target.ID]; !exists {
		a.order = append(a.order, target.ID)
	}
	a.logs[target.ID] = Log{
		Path:             logPath,
		Attributes:       attributes,
		SamplingRules:    samplingRules,
		RedactionRules:   redactionRules,
		ParseLinesAsJSON: parseLinesAsJSON,
	}
}

// RemoveLogTarget forgets a container and removes its symlink directory.
func (a *Agent) RemoveLogTarget(containerID string) {
	if _, ok := a.logs[containerID]; !ok {
		log.Warn().Str("container_id", containerID).Msg("Failed to remove log target")
	}
	delete(a.logs, containerID)
	for i, id := range a.order {
		if id == containerID {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}

	containerDir := filepath.Join(a.cfg.DestPath, containerID)
	if err := os.RemoveAll(containerDir); err != nil {
		log.Warn().Err(err).Str("dir", containerDir).Msg("Scalyr agent failed to remove container directory")
	}
}

// Flush renders and writes agent.json if the key or the log paths changed.
func (a *Agent) Flush() error {
	currentPaths, currentKey := a.currentConfig()

	newPaths := make(map[string]struct{}, len(a.logs))
	for _, l := range a.logs {
		newPaths[l.Path] = struct{}{}
	}

	keyBytes, err := os.ReadFile(a.cfg.APIKeyFile)
	if err != nil {
		return fmt.Errorf("reading API key file: %w", err)
	}
	newKey := strings.TrimSpace(string(keyBytes))

	// A restarted watcher re-adds the running containers to a fresh agent.
	// Seeding the key from the existing file lets the comparison below leave
	// an unchanged config alone instead of rewriting it on every start.
	if a.firstRun {
		a.apiKey = currentKey
	}

	keyChanged := a.apiKey != newKey
	if keyChanged {
		a.apiKey = newKey
		if !a.firstRun {
			log.Info().Msg("Scalyr API key updated")
		}
	}

	if !keyChanged && pathsEqual(newPaths, currentPaths) {
		a.firstRun = false
		return nil
	}

	rendered, err := Render(a.renderContext())
	if err != nil {
		return err
	}
	if err := os.WriteFile(a.cfg.ConfigPath, rendered, 0644); err != nil {
		return fmt.Errorf("writing config file %s: %w", a.cfg.ConfigPath, err)
	}

	a.firstRun = false
	log.Info().Str("path", a.cfg.ConfigPath).
		Int("added", diffCount(newPaths, currentPaths)).
		Int("removed", diffCount(currentPaths, newPaths)).
		Msg("Scalyr agent updated config file")
	return nil
}

func (a *Agent) renderContext() *Context {
	ctx := &Context{
		APIKey:           a.apiKey,
		ScalyrServer:     a.cfg.Server,
		EnableProfiling:  a.cfg.EnableProfiling,
		Tunables:         a.tunables,
		ServerAttributes: a.serverAttributes,
		JournaldMonitor:  a.journald,
		Logs:             make([]Log, 0, len(a.order)),
	}
	for _, id := range a.order {
		ctx.Logs = append(ctx.Logs, a.logs[id])
	}
	return ctx
}

// logAttributes picks the per-log attributes, dropping empty values and
// values already carried identically by the server attributes.
func (a *Agent) logAttributes(target *agent.LogTarget, parser string) Attributes {
	candidates := Attributes{
		{Key: "application", Value: target.Application},
		{Key: "component", Value: target.Component},
		{Key: "environment", Value: target.Environment},
		{Key: "version", Value: target.Version},
		{Key: "release", Value: target.Release},
		{Key: "pod", Value: target.PodName},
		{Key: "namespace", Value: target.Namespace},
		{Key: "container", Value: target.ContainerName},
		{Key: "container_id", Value: target.ID},
		{Key: "parser", Value: parser},
	}

	var attrs Attributes
	for _, kv := range candidates {
		if kv.Value == "" {
			continue
		}
		if server, ok := a.serverAttributes.Get(kv.Key); ok && server == kv.Value {
			continue
		}
		attrs = append(attrs, kv)
	}
	return attrs
}

// samplingRules resolves the sampling rules for a target. A matching
// cluster-wide override replaces the pod's sampling annotation; the
// override value is in annotation format and goes through the same
// per-container filtering.
func (a *Agent) samplingRules(target *agent.LogTarget) stdjson.RawMessage {
	annotations := target.PodAnnotations
	if value, ok := a.overrideFor(target); ok {
		log.Warn().Str("container_id", target.ID).
			Str("application", target.Application).Str("component", target.Component).
			Msg("Overwriting container sampling annotation")
		annotations = make(map[string]string, len(target.PodAnnotations)+1)
		for k, v := range target.PodAnnotations {
			annotations[k] = v
		}
		annotations[AnnotationSamplingRules] = value
	}
	return samplingRulesFor(annotations, target.ContainerName, target.PodName)
}

func (a *Agent) overrideFor(target *agent.LogTarget) (string, bool) {
	for _, rule := range a.overrides {
		if rule.Application != "" && rule.Application != target.Application {
			continue
		}
		if rule.Component != "" && rule.Component != target.Component {
			continue
		}
		if rule.Probability != nil {
			crc := crc32.ChecksumIEEE([]byte(target.ID))
			if float64(crc%100+1) > *rule.Probability*100 {
				continue
			}
		}
		return rule.Value, true
	}
	return "", false
}

// adjustTargetLogPath symlinks the container's log file under the watched
// destination so the shipped file gets a friendly name. Returns "" when the
// source log file is gone.
func (a *Agent) adjustTargetLogPath(target *agent.LogTarget) string {
	if _, err := os.Stat(target.LogFilePath); err != nil {
		return ""
	}

	application := target.Application
	if application == "" {
		application = target.PodName
	}
	if application == "" {
		application = "none"
	}
	version := target.Version
	if version == "" {
		version = "none"
	}

	parent := filepath.Join(a.cfg.DestPath, target.ID)
	dst := filepath.Join(parent, fmt.Sprintf("%s-%s.log", application, version))

	if err := os.MkdirAll(parent, 0755); err != nil {
		log.Error().Err(err).Str("dir", parent).Msg("Scalyr agent failed to adjust log path")
		return ""
	}
	if _, err := os.Lstat(dst); err != nil {
		if err := os.Symlink(target.LogFilePath, dst); err != nil {
			log.Error().Err(err).Str("link", dst).Msg("Scalyr agent failed to adjust log path")
			return ""
		}
	}
	return dst
}

// currentConfig reads the log paths and API key back from the existing
// config file.
func (a *Agent) currentConfig() (map[string]struct{}, string) {
	paths := make(map[string]struct{})

	data, err := os.ReadFile(a.cfg.ConfigPath)
	if err != nil {
		log.Warn().Str("path", a.cfg.ConfigPath).Msg("Scalyr agent cannot find config file")
		return paths, ""
	}

	logs := gjson.GetBytes(data, "logs")
	logs.ForEach(func(_, entry gjson.Result) bool {
		if p := entry.Get("path").String(); p != "" {
			paths[p] = struct{}{}
		}
		return true
	})
	log.Debug().Int("count", len(paths)).Msg("Scalyr agent loaded existing log targets")
	return paths, gjson.GetBytes(data, "api_key").String()
}

// validSamplingOverrides drops malformed override rules with a warning,
// keeping the rest usable.
func validSamplingOverrides(rules []config.SamplingOverride) []config.SamplingOverride {
	var valid []config.SamplingOverride
	for _, rule := range rules {
		if rule.Probability != nil && (*rule.Probability < 0 || *rule.Probability > 1) {
			log.Warn().Str("application", rule.Application).Str("component", rule.Component).
				Msg("Cannot parse sampling rule: probability must be between 0 and 1")
			continue
		}
		if !gjson.Valid(rule.Value) {
			log.Warn().Str("application", rule.Application).Str("component", rule.Component).
				Msg("Cannot parse sampling rule: value is not valid JSON")
			continue
		}
		valid = append(valid, rule)
	}
	return valid
}

// parseJSONParsersMapping parses WATCHER_SCALYR_PARSE_LINES_JSON, a comma
// separated list of "parser" or "parser=mapped" entries.
func parseJSONParsersMapping(raw string) map[string]string {
	mapping := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		k, v := entry, entry
		if idx := strings.Index(entry, "="); idx >= 0 {
			k, v = entry[:idx], entry[idx+1:]
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k != "" && v != "" {
			mapping[k] = v
		}
	}
	return mapping
}

func tunablesFromConfig(t config.ScalyrTunables) Tunables {
	return Tunables{
		CompressionType:          t.CompressionType,
		CompressionLevel:         t.CompressionLevel,
		MaxLineSize:              t.MaxLineSize,
		MaxLogOffsetSize:         t.MaxLogOffsetSize,
		MaxExistingLogOffsetSize: t.MaxExistingLogOffsetSize,
		MaxAllowedRequestSize:    t.MaxAllowedRequestSize,
		ReadPageSize:             t.ReadPageSize,
		PipelineThreshold:        t.PipelineThreshold,
		MaxSendRateEnforcement:   t.MaxSendRateEnforcement,
	}
}

func pathsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for p := range a {
		if _, ok := b[p]; !ok {
			return false
		}
	}
	return true
}

func diffCount(a, b map[string]struct{}) int {
	n := 0
	for p := range a {
		if _, ok := b[p]; !ok {
			n++
		}
	}
	return n
}
