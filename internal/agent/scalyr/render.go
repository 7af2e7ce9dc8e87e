package scalyr

import (
	stdjson "encoding/json"
	"fmt"
	"net/url"

	"github.com/tidwall/gjson"
)

// Render produces the agent.json document for the given context.
//
// Rendering is all-or-nothing: any missing required field or malformed
// opaque rule set fails with an error naming the field, and no partial
// output is returned. The result is always parseable JSON and the
// logs/monitors/journald_logs arrays are present even when empty.
func Render(ctx *Context) ([]byte, error) {
	if ctx.APIKey == "" {
		return nil, fmt.Errorf("scalyr config: missing required field %q", "api_key")
	}
	if len(ctx.ServerAttributes) == 0 {
		return nil, fmt.Errorf("scalyr config: missing required field %q", "server_attributes")
	}

	doc := document{
		APIKey:           ctx.APIKey,
		Tunables:         ctx.Tunables,
		EnableProfiling:  ctx.EnableProfiling,
		ServerAttributes: ctx.ServerAttributes,
		ScalyrServer:     ctx.ScalyrServer,
		Logs:             make([]logEntry, 0, len(ctx.Logs)),
		Monitors:         []monitorEntry{},
		JournaldLogs:     []journaldLog{},
	}

	for i, l := range ctx.Logs {
		entry, err := renderLog(l)
		if err != nil {
			return nil, fmt.Errorf("scalyr config: logs[%d]: %w", i, err)
		}
		doc.Logs = append(doc.Logs, entry)
	}

	if m := ctx.JournaldMonitor; m != nil {
		doc.Monitors = append(doc.Monitors, renderMonitor(m))
		doc.JournaldLogs = append(doc.JournaldLogs, journaldLog{
			JournaldUnit: ".*",
			Attributes:   m.Attributes,
		})
	}

	out, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("scalyr config: %w", err)
	}
	return out, nil
}

func renderLog(l Log) (logEntry, error) {
	if l.Path == "" {
		return logEntry{}, fmt.Errorf("missing required field %q", "path")
	}
	if err := validateRules(l.SamplingRules); err != nil {
		return logEntry{}, fmt.Errorf("field %q: %w", "sampling_rules", err)
	}
	if err := validateRules(l.RedactionRules); err != nil {
		return logEntry{}, fmt.Errorf("field %q: %w", "redaction_rules", err)
	}

	return logEntry{
		Path:             l.Path,
		RenameLogfile:    renameLogfile(l.Attributes),
		SamplingRules:    l.SamplingRules,
		RedactionRules:   l.RedactionRules,
		ParseLinesAsJSON: l.ParseLinesAsJSON,
		Attributes:       l.Attributes,
	}, nil
}

func renderMonitor(m *JournaldMonitor) monitorEntry {
	entry := monitorEntry{
		Module:                  journaldMonitorModule,
		MonitorLogWriteRate:     m.WriteRate,
		MonitorLogMaxWriteBurst: m.WriteBurst,
		JournalPath:             m.JournalPath,
		Attributes:              m.Attributes,
	}
	if entry.MonitorLogWriteRate == 0 {
		entry.MonitorLogWriteRate = DefaultWriteRate
	}
	if entry.MonitorLogMaxWriteBurst == 0 {
		entry.MonitorLogMaxWriteBurst = DefaultWriteBurst
	}
	// journal_fields only when extra fields were actually supplied.
	if len(m.ExtraFields) > 0 {
		entry.JournalFields = m.ExtraFields
	}
	return entry
}

// renameLogfile builds the friendly upload name for a log file from its
// attributes. The interpolated values end up in URL positions, so they are
// www-form encoded ("+" for spaces); the attributes object keeps the raw
// strings.
func renameLogfile(attrs Attributes) string {
	application, _ := attrs.Get("application")
	component, _ := attrs.Get("component")
	containerID, _ := attrs.Get("container_id")
	version, _ := attrs.Get("version")

	return fmt.Sprintf("/%s/%s.log?container=%s&version=%s",
		url.QueryEscape(application),
		url.QueryEscape(component),
		url.QueryEscape(containerID),
		url.QueryEscape(version),
	)
}

// validateRules checks that an opaque rule set is a JSON array. Rule
// contents are consumer-side directives and are passed through untouched.
func validateRules(raw stdjson.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("malformed JSON")
	}
	if !gjson.ParseBytes(raw).IsArray() {
		return fmt.Errorf("expected a JSON array")
	}
	return nil
}
