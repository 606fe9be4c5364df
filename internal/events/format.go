package events

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"
)

const (
	maxTextLength     = 200
	maxToolInput      = 100
	truncateIndicator = "..."
)

// Format converts an Event to a human-readable string for display in the
// status view and control-plane tooling.
func Format(ev Event) string {
	switch ev.EventKind {
	case KindQuery:
		return formatQuery(ev)
	case KindResponse:
		return formatResponse(ev)
	case KindToolUse:
		return formatToolUse(ev)
	case KindError:
		return formatErrorPayload(ev)
	default:
		return fmt.Sprintf("%s event", ev.EventKind)
	}
}

// FormatWithTimestamp formats an event with a timestamp prefix.
func FormatWithTimestamp(ev Event) string {
	ts := time.UnixMilli(ev.TimestampMs).Format("15:04:05")
	detail := Format(ev)
	if detail == "" {
		return fmt.Sprintf("[%s] %s", ts, ev.EventKind)
	}
	return fmt.Sprintf("[%s] %s", ts, detail)
}

func formatQuery(ev Event) string {
	q, err := DecodeQuery(ev)
	if err != nil {
		return "query: (unparseable)"
	}
	return fmt.Sprintf("query: %s", Truncate(SafeString(q.Text), maxTextLength))
}

func formatResponse(ev Event) string {
	r, err := DecodeResponse(ev)
	if err != nil {
		return "response: (unparseable)"
	}
	if r.Error != nil && *r.Error != "" {
		return fmt.Sprintf("response: ERROR %s", Truncate(SafeString(*r.Error), maxTextLength))
	}
	if r.LatencyMs != nil {
		return fmt.Sprintf("response: %s (%dms)", Truncate(SafeString(r.Text), maxTextLength), *r.LatencyMs)
	}
	return fmt.Sprintf("response: %s", Truncate(SafeString(r.Text), maxTextLength))
}

// toolUsePayload mirrors the tool_use event payload shape emitted by the
// FrameParser/StreamSplitter analysis tap.
type toolUsePayload struct {
	ToolName string         `json:"toolName"`
	Input    map[string]any `json:"input"`
}

func formatToolUse(ev Event) string {
	var t toolUsePayload
	if err := json.Unmarshal(ev.Payload, &t); err != nil || t.ToolName == "" {
		return "tool: (unknown)"
	}
	detail := ExtractToolDetail(t.ToolName, t.Input)
	if detail != "" {
		return fmt.Sprintf("tool: %s %s", t.ToolName, detail)
	}
	return fmt.Sprintf("tool: %s", t.ToolName)
}

type errorPayload struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func formatErrorPayload(ev Event) string {
	var e errorPayload
	if err := json.Unmarshal(ev.Payload, &e); err != nil {
		return "ERROR: (unparseable)"
	}
	severity := strings.ToUpper(SafeString(e.Severity))
	if severity == "" {
		severity = "ERROR"
	}
	return fmt.Sprintf("%s: %s", severity, Truncate(SafeString(e.Message), maxTextLength))
}

// ExtractToolDetail extracts relevant detail from tool input based on tool name.
func ExtractToolDetail(toolName string, input map[string]any) string {
	if input == nil {
		return ""
	}

	switch toolName {
	case "Bash":
		if cmd, ok := getStringValue(input, "command"); ok {
			return Truncate(cmd, maxToolInput)
		}
	case "Read", "Write", "Edit":
		if path, ok := getStringValue(input, "file_path"); ok {
			return filepath.Base(path)
		}
	case "Glob":
		if pattern, ok := getStringValue(input, "pattern"); ok {
			return Truncate(pattern, maxToolInput)
		}
	case "Grep":
		if pattern, ok := getStringValue(input, "pattern"); ok {
			return Truncate(pattern, maxToolInput)
		}
	case "WebFetch":
		if url, ok := getStringValue(input, "url"); ok {
			return Truncate(url, maxToolInput)
		}
	}

	return ""
}

// getStringValue safely extracts a string value from a map.
func getStringValue(m map[string]any, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Truncate shortens text to maxLen, adding indicator if truncated.
func Truncate(s string, maxLen int) string {
	s = SafeString(s)
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= len(truncateIndicator) {
		return truncateIndicator
	}
	return s[:maxLen-len(truncateIndicator)] + truncateIndicator
}

// ansiRegex matches ANSI escape sequences.
var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// StripANSI removes ANSI escape sequences from a string.
func StripANSI(s string) string {
	return ansiRegex.ReplaceAllString(s, "")
}

// SafeString sanitizes a string for display by removing control characters
// and limiting newlines.
func SafeString(s string) string {
	s = StripANSI(s)
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")

	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if r == ' ' || !unicode.IsControl(r) {
			sb.WriteRune(r)
		}
	}

	result := sb.String()
	for strings.Contains(result, "  ") {
		result = strings.ReplaceAll(result, "  ", " ")
	}

	return strings.TrimSpace(result)
}
