package scalyr

import (
	stdjson "encoding/json"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// Pod annotations understood by the Scalyr agent. Each value is a
// serialized JSON list of per-container overrides, e.g.
//
//	kubernetes-log-watcher/scalyr-parser:
//	  '[{"container": "my-container", "parser": "my-custom-parser"}]'
//	kubernetes-log-watcher/scalyr-sampling-rules:
//	  '[{"container": "c", "sampling-rules": [{"match_expression": "...", "sampling_rate": "0"}]}]'
//	kubernetes-log-watcher/scalyr-redaction-rules:
//	  '[{"container": "c", "redaction-rules": [{"match_expression": "..."}]}]'
const (
	AnnotationParser         = "kubernetes-log-watcher/scalyr-parser"
	AnnotationSamplingRules  = "kubernetes-log-watcher/scalyr-sampling-rules"
	AnnotationRedactionRules = "kubernetes-log-watcher/scalyr-redaction-rules"
)

// DefaultParser is assumed for containers without a parser annotation.
const DefaultParser = "json"

// jwtRedactionRule is appended to every container's redaction rules so
// leaked bearer tokens never reach the backend.
var jwtRedactionRule = stdjson.RawMessage(`{"match_expression": "eyJ[a-zA-Z0-9/+_=-]{5,}\\.eyJ[a-zA-Z0-9/+_=-]{5,}\\.[a-zA-Z0-9/+_=-]{5,}", "replacement": "+++JWT_TOKEN_REDACTED+++"}`)

// containerAnnotation finds the entry for containerName inside the JSON
// list stored under annotation key and returns its resultKey member.
// A missing annotation, a malformed value or a value that is not a list all
// yield a non-existing result.
func containerAnnotation(annotations map[string]string, containerName, podName, key, resultKey string) gjson.Result {
	raw, ok := annotations[key]
	if !ok {
		return gjson.Result{}
	}
	if !gjson.Valid(raw) {
		log.Error().Str("annotation", key).Str("container", containerName).Str("pod", podName).
			Msg("Failed to load annotation")
		return gjson.Result{}
	}
	parsed := gjson.Parse(raw)
	if !parsed.IsArray() {
		log.Warn().Str("annotation", key).Str("pod", podName).Str("type", parsed.Type.String()).
			Msg("Invalid annotation, expected a list")
		return gjson.Result{}
	}

	var match gjson.Result
	parsed.ForEach(func(_, candidate gjson.Result) bool {
		if candidate.Get("container").String() == containerName {
			match = candidate.Get(resultKey)
			return false
		}
		return true
	})
	return match
}

// parserFor returns the log parser configured for the container, or
// DefaultParser when no annotation applies.
func parserFor(annotations map[string]string, containerName, podName string) string {
	res := containerAnnotation(annotations, containerName, podName, AnnotationParser, "parser")
	if !res.Exists() || res.String() == "" {
		return DefaultParser
	}
	return res.String()
}

// samplingRulesFor returns the container's sampling rules as an opaque JSON
// array, or nil when none are annotated.
func samplingRulesFor(annotations map[string]string, containerName, podName string) stdjson.RawMessage {
	res := containerAnnotation(annotations, containerName, podName, AnnotationSamplingRules, "sampling-rules")
	if !res.Exists() || !res.IsArray() {
		return nil
	}
	return stdjson.RawMessage(res.Raw)
}

// redactionRulesFor returns the container's redaction rules with the JWT
// rule appended. The result is never empty.
func redactionRulesFor(annotations map[string]string, containerName, podName string) stdjson.RawMessage {
	rules := []stdjson.RawMessage{}

	res := containerAnnotation(annotations, containerName, podName, AnnotationRedactionRules, "redaction-rules")
	if res.Exists() {
		if res.IsArray() {
			res.ForEach(func(_, rule gjson.Result) bool {
				rules = append(rules, stdjson.RawMessage(rule.Raw))
				return true
			})
		} else {
			log.Warn().Str("container", containerName).Str("pod", podName).Str("type", res.Type.String()).
				Msg("Invalid redaction rule annotation, expected a list")
		}
	}

	rules = append(rules, jwtRedactionRule)

	out, err := json.Marshal(rules)
	if err != nil {
		// []json.RawMessage of validated fragments cannot fail to marshal.
		return stdjson.RawMessage(`[` + string(jwtRedactionRule) + `]`)
	}
	return out
}
