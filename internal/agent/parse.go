package agent

import (
	"encoding/json"
	"strings"
)

// Event is one loosely-typed NDJSON stream line. Unknown event shapes parse
// into Raw and are skipped by the extractors.
type Event struct {
	Type string
	Raw  map[string]any
}

// ParseEvent parses a single stream line. Partial or non-JSON lines fail and
// the caller keeps them buffered until a newline arrives.
func ParseEvent(line []byte) (Event, error) {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return Event{}, err
	}
	msgType, _ := raw["type"].(string)
	return Event{Type: strings.TrimSpace(msgType), Raw: raw}, nil
}

// Output is the parsed envelope of a finished invocation.
type Output struct {
	Text      string
	SessionID string
}

// ParseOutput decodes an agent CLI's stdout according to its backend parser.
func ParseOutput(parser, stdout string) Output {
	switch parser {
	case "codex":
		return parseCodex(stdout)
	case "cursor":
		return parseCursor(stdout)
	default:
		return parseClaude(stdout)
	}
}

// parseClaude handles the Claude envelope: either one JSON object with
// "result" and "session_id", or an NDJSON stream whose final "result" event
// carries both. Text deltas accumulate as a fallback when the run was killed
// before the result event.
func parseClaude(stdout string) Output {
	var out Output
	var deltas strings.Builder
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		event, err := ParseEvent([]byte(line))
		if err != nil {
			continue
		}
		if sid, ok := event.Raw["session_id"].(string); ok && sid != "" {
			out.SessionID = sid
		}
		if result, ok := event.Raw["result"].(string); ok {
			out.Text = result
			continue
		}
		if delta := claudeTextDelta(event); delta != "" {
			deltas.WriteString(delta)
		}
	}
	if out.Text == "" {
		out.Text = deltas.String()
	}
	return out
}

func claudeTextDelta(event Event) string {
	if event.Type != "stream_event" && event.Type != "assistant" {
		return ""
	}
	if ev, ok := event.Raw["event"].(map[string]any); ok {
		if delta, ok := ev["delta"].(map[string]any); ok {
			if deltaType, _ := delta["type"].(string); deltaType == "text_delta" {
				text, _ := delta["text"].(string)
				return text
			}
		}
	}
	if msg, ok := event.Raw["message"].(map[string]any); ok {
		return contentText(msg["content"])
	}
	return ""
}

// parseCodex handles the Codex NDJSON envelope: the last agent message event
// is the result; the session id comes from the session configuration event.
func parseCodex(stdout string) Output {
	var out Output
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		event, err := ParseEvent([]byte(line))
		if err != nil {
			continue
		}
		msg, _ := event.Raw["msg"].(map[string]any)
		msgType := event.Type
		if msgType == "" && msg != nil {
			msgType, _ = msg["type"].(string)
		}
		switch msgType {
		case "session_configured", "session_meta":
			out.SessionID = firstString(event.Raw, msg, "session_id", "id")
		case "agent_message", "assistant":
			if text := firstString(event.Raw, msg, "message", "text", "content"); text != "" {
				out.Text = text
			}
		}
	}
	return out
}

// parseCursor handles the Cursor NDJSON envelope: assistant events carry
// cumulative text snapshots, so the last one wins.
func parseCursor(stdout string) Output {
	var out Output
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		event, err := ParseEvent([]byte(line))
		if err != nil {
			continue
		}
		if sid, ok := event.Raw["session_id"].(string); ok && sid != "" {
			out.SessionID = sid
		}
		switch event.Type {
		case "assistant":
			if msg, ok := event.Raw["message"].(map[string]any); ok {
				if text := contentText(msg["content"]); text != "" {
					out.Text = text
				}
			}
		case "result":
			if text, ok := event.Raw["result"].(string); ok && text != "" {
				out.Text = text
			}
		}
	}
	return out
}

// StreamDelta extracts the incremental text and thinking segments from one
// stream event, per backend. Used by the chat poller.
func StreamDelta(parser string, event Event) (text, thinking string) {
	switch parser {
	case "codex":
		msg, _ := event.Raw["msg"].(map[string]any)
		msgType := event.Type
		if msgType == "" && msg != nil {
			msgType, _ = msg["type"].(string)
		}
		switch msgType {
		case "agent_message_delta":
			return firstString(event.Raw, msg, "delta", "text"), ""
		case "agent_reasoning_delta", "agent_reasoning":
			return "", firstString(event.Raw, msg, "delta", "text")
		}
		return "", ""
	case "cursor":
		// Cursor snapshots are cumulative; the poller diffs against what it
		// already rendered.
		if event.Type == "assistant" {
			if msg, ok := event.Raw["message"].(map[string]any); ok {
				return contentText(msg["content"]), ""
			}
		}
		return "", ""
	default:
		if delta := claudeTextDelta(event); delta != "" {
			return delta, ""
		}
		if ev, ok := event.Raw["event"].(map[string]any); ok {
			if delta, ok := ev["delta"].(map[string]any); ok {
				if deltaType, _ := delta["type"].(string); deltaType == "thinking_delta" {
					thinking, _ := delta["thinking"].(string)
					return "", thinking
				}
			}
		}
		return "", ""
	}
}

// CumulativeStream reports whether a backend's stream deltas are cumulative
// snapshots rather than increments.
func CumulativeStream(parser string) bool {
	return parser == "cursor"
}

func contentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var sb strings.Builder
		for _, item := range v {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if entryType, _ := entry["type"].(string); entryType == "text" {
				if text, ok := entry["text"].(string); ok {
					sb.WriteString(text)
				}
			}
		}
		return sb.String()
	default:
		return ""
	}
}

func firstString(outer, inner map[string]any, keys ...string) string {
	for _, m := range []map[string]any{inner, outer} {
		if m == nil {
			continue
		}
		for _, key := range keys {
			if val, ok := m[key].(string); ok && strings.TrimSpace(val) != "" {
				return val
			}
		}
	}
	return ""
}
