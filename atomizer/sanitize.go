package atomizer

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Wrapper-stripping ("key assassin") pass. Ingested files frequently arrive
// wrapped in transport artifacts: log line prefixes, JSON envelopes whose
// only payload is the text itself, and runaway trailing newlines. The
// original file on disk is never touched; only the stored body is cleaned.

var (
	logPrefixRe = regexp.MustCompile(`(?m)^\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?\s*\[[A-Z]+\]\s*`)

	trailingNewlinesRe = regexp.MustCompile(`\n{3,}$`)
)

// payloadFields are the envelope field names recognized as "the content".
var payloadFields = []string{"content", "text", "body", "message", "payload"}

// Sanitize strips recognizable wrapper artifacts from raw text and returns
// the body that will be stored and indexed.
func Sanitize(raw string) string {
	body := unwrapEnvelope(raw)
	body = logPrefixRe.ReplaceAllString(body, "")
	body = trailingNewlinesRe.ReplaceAllString(body, "\n\n")
	return body
}

// unwrapEnvelope detects a JSON object whose only string payload field is
// the content and returns that payload. Anything else passes through
// unchanged, including JSON documents with real structure.
func unwrapEnvelope(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return raw
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return raw
	}

	var payload string
	found := 0
	for _, field := range payloadFields {
		rawVal, ok := obj[field]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(rawVal, &s); err != nil {
			return raw // payload field is not a plain string
		}
		payload = s
		found++
	}
	if found != 1 {
		return raw
	}

	// The payload must be the only substantial field; small metadata
	// fields (timestamps, ids) alongside it still count as an envelope.
	for key, val := range obj {
		if isPayloadField(key) {
			continue
		}
		if len(val) > 64 {
			return raw
		}
	}
	return payload
}

func isPayloadField(key string) bool {
	for _, f := range payloadFields {
		if key == f {
			return true
		}
	}
	return false
}
