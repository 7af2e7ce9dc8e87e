// Package scalyr keeps the Scalyr agent configuration in sync with the set
// of watched containers.
//
// DESIGN: The agent config (`agent.json`) is not produced by text
// templating. It is built from typed values and marshaled in one shot, so
// the output is valid JSON by construction: no trailing commas, no escaping
// hazards, empty collections render as []. Field order follows the shape
// the Scalyr agent documents, attribute mappings keep insertion order.
//
// FILES:
//   - config.go:      Context (renderer input) and the wire document
//   - render.go:      Render() with required-field validation
//   - attributes.go:  insertion-ordered attribute mapping
//   - annotations.go: pod annotation parsing (parser/sampling/redaction)
//   - scalyr.go:      the watcher agent wrapping the renderer
package scalyr

import (
	stdjson "encoding/json"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Journald monitor write limits applied when the context leaves them unset.
const (
	DefaultWriteRate  = 10000
	DefaultWriteBurst = 200000
)

// journaldMonitorModule is the Scalyr builtin that tails the systemd journal.
const journaldMonitorModule = "scalyr_agent.builtin_monitors.journald_monitor"

// Context is the input of Render: everything that varies per deployment.
type Context struct {
	APIKey          string
	ScalyrServer    string
	EnableProfiling bool
	Tunables        Tunables

	// ServerAttributes is required and attached to every shipped event.
	ServerAttributes Attributes

	Logs            []Log
	JournaldMonitor *JournaldMonitor
}

// Tunables are optional agent scalars, emitted only when set.
type Tunables struct {
	CompressionType          string   `json:"compressionType,omitempty"`
	CompressionLevel         *int     `json:"compressionLevel,omitempty"`
	MaxLineSize              *int     `json:"max_line_size,omitempty"`
	MaxLogOffsetSize         *int64   `json:"max_log_offset_size,omitempty"`
	MaxExistingLogOffsetSize *int64   `json:"max_existing_log_offset_size,omitempty"`
	MaxAllowedRequestSize    *int     `json:"max_allowed_request_size,omitempty"`
	ReadPageSize             *int     `json:"read_page_size,omitempty"`
	PipelineThreshold        *float64 `json:"pipeline_threshold,omitempty"`
	MaxSendRateEnforcement   string   `json:"max_send_rate_enforcement,omitempty"`
}

// Log describes one watched log file.
//
// SamplingRules and RedactionRules are opaque to the renderer: they come in
// as JSON arrays (from pod annotations or the watcher config) and are
// embedded verbatim after validation.
type Log struct {
	Path             string
	Attributes       Attributes
	SamplingRules    stdjson.RawMessage
	RedactionRules   stdjson.RawMessage
	ParseLinesAsJSON bool
}

// JournaldMonitor describes the optional systemd journal monitor.
type JournaldMonitor struct {
	JournalPath string
	Attributes  Attributes
	ExtraFields Attributes
	WriteRate   int
	WriteBurst  int
}

// ---------------------------------------------------------------------------
// Wire document. Field order here is the field order of the rendered file.
// ---------------------------------------------------------------------------

type document struct {
	APIKey                             string `json:"api_key"`
	ImplicitMetricMonitor              bool   `json:"implicit_metric_monitor"`
	ImplicitAgentProcessMetricsMonitor bool   `json:"implicit_agent_process_metrics_monitor"`

	Tunables

	EnableProfiling  bool       `json:"enable_profiling,omitempty"`
	ServerAttributes Attributes `json:"server_attributes"`
	ScalyrServer     string     `json:"scalyr_server,omitempty"`

	Logs         []logEntry     `json:"logs"`
	Monitors     []monitorEntry `json:"monitors"`
	JournaldLogs []journaldLog  `json:"journald_logs"`
}

type logEntry struct {
	Path             string             `json:"path"`
	RenameLogfile    string             `json:"rename_logfile"`
	SamplingRules    stdjson.RawMessage `json:"sampling_rules,omitempty"`
	RedactionRules   stdjson.RawMessage `json:"redaction_rules,omitempty"`
	ParseLinesAsJSON bool               `json:"parse_lines_as_json,omitempty"`
	Attributes       Attributes         `json:"attributes"`
}

type monitorEntry struct {
	Module                  string     `json:"module"`
	MonitorLogWriteRate     int        `json:"monitor_log_write_rate"`
	MonitorLogMaxWriteBurst int        `json:"monitor_log_max_write_burst"`
	JournalPath             string     `json:"journal_path,omitempty"`
	Attributes              Attributes `json:"attributes,omitempty"`
	JournalFields           Attributes `json:"journal_fields,omitempty"`
}

type journaldLog struct {
	JournaldUnit string     `json:"journald_unit"`
	Attributes   Attributes `json:"attributes,omitempty"`
}
