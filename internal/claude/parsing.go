package claude

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// streamMessage represents a JSON line from the CLI's stream-json output
type streamMessage struct {
	Type    string `json:"type"`    // "system", "assistant", "user", "result"
	Subtype string `json:"subtype"` // "init", "success", "error_during_execution", etc.
	Message struct {
		Content []struct {
			Type      string          `json:"type"` // "text", "tool_use", "tool_result"
			ID        string          `json:"id,omitempty"`
			Text      string          `json:"text,omitempty"`
			Name      string          `json:"name,omitempty"`
			Input     json.RawMessage `json:"input,omitempty"`
			ToolUseID string          `json:"tool_use_id,omitempty"`
		} `json:"content"`
		Usage *Usage `json:"usage,omitempty"`
	} `json:"message"`
	Result        string   `json:"result,omitempty"` // Final result text
	IsError       bool     `json:"is_error,omitempty"`
	Error         string   `json:"error,omitempty"`
	Errors        []string `json:"errors,omitempty"`
	SessionID     string   `json:"session_id,omitempty"`
	DurationMs    int      `json:"duration_ms,omitempty"`
	NumTurns      int      `json:"num_turns,omitempty"`
	TotalCostUSD  float64  `json:"total_cost_usd,omitempty"`
	Usage         *Usage   `json:"usage,omitempty"`
}

// turnOutcome holds what the final "result" line reports.
type turnOutcome struct {
	text         string
	stopReason   string
	errText      string
	usage        Usage
	numTurns     int
	durationMs   int
	totalCostUSD float64
}

// streamEvent is one parsed line: zero or more content chunks, the
// session id if present, and the turn outcome on the final line.
type streamEvent struct {
	chunks    []Chunk
	sessionID string
	result    *turnOutcome
}

// parseStreamLine parses one line of stream-json output. Malformed or
// unrecognized lines are skipped with a warning; the stream carries on.
func parseStreamLine(line string, log *slog.Logger) *streamEvent {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var msg streamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		log.Warn("skipping malformed stream line", "error", err, "line", truncateForLog(line))
		return nil
	}
	if msg.Type == "" {
		log.Warn("skipping unrecognized stream line", "line", truncateForLog(line))
		return nil
	}

	ev := &streamEvent{sessionID: msg.SessionID}

	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			log.Debug("agent session initialized", "cliSessionID", msg.SessionID)
		}

	case "assistant":
		for _, content := range msg.Message.Content {
			switch content.Type {
			case "text":
				if content.Text != "" {
					ev.chunks = append(ev.chunks, Chunk{
						Type:    ChunkTypeText,
						Content: content.Text,
					})
				}
			case "tool_use":
				desc := extractToolInputDescription(content.Name, content.Input)
				ev.chunks = append(ev.chunks, Chunk{
					Type:      ChunkTypeToolUse,
					ToolName:  content.Name,
					ToolInput: desc,
					ToolUseID: content.ID,
					RawInput:  content.Input,
				})
				log.Debug("tool use", "tool", content.Name, "input", desc, "id", content.ID)
			}
		}

	case "user":
		// User messages in stream-json are tool results
		for _, content := range msg.Message.Content {
			if content.Type == "tool_result" || content.ToolUseID != "" {
				ev.chunks = append(ev.chunks, Chunk{
					Type:      ChunkTypeToolResult,
					ToolUseID: content.ToolUseID,
				})
			}
		}

	case "result":
		outcome := &turnOutcome{
			text:         msg.Result,
			stopReason:   stopReasonFor(msg.Subtype),
			numTurns:     msg.NumTurns,
			durationMs:   msg.DurationMs,
			totalCostUSD: msg.TotalCostUSD,
		}
		if msg.Usage != nil {
			outcome.usage = *msg.Usage
		}
		if msg.IsError || msg.Subtype != "success" {
			outcome.errText = resultErrorText(&msg)
		}
		log.Debug("result received", "subtype", msg.Subtype, "isError", msg.IsError)
		ev.result = outcome

	default:
		log.Debug("ignoring stream message", "type", msg.Type)
	}

	return ev
}

// stopReasonFor maps the result subtype to a caller-facing stop reason.
func stopReasonFor(subtype string) string {
	if subtype == "" || subtype == "success" {
		return "end_turn"
	}
	return subtype
}

// resultErrorText picks the most specific error text from a failed
// result line.
func resultErrorText(msg *streamMessage) string {
	if msg.Error != "" {
		return msg.Error
	}
	if len(msg.Errors) > 0 {
		return strings.Join(msg.Errors, "; ")
	}
	if msg.Result != "" {
		return msg.Result
	}
	return "agent reported " + msg.Subtype
}

// toolInputConfig defines how to extract a description from a tool's input.
type toolInputConfig struct {
	Field       string // JSON field to extract
	ShortenPath bool   // Whether to shorten file paths to just filename
	MaxLen      int    // Maximum length before truncation (0 = no limit)
}

var toolInputConfigs = map[string]toolInputConfig{
	"Read":  {Field: "file_path", ShortenPath: true},
	"Edit":  {Field: "file_path", ShortenPath: true},
	"Write": {Field: "file_path", ShortenPath: true},

	"Glob":      {Field: "pattern"},
	"Grep":      {Field: "pattern", MaxLen: 30},
	"WebSearch": {Field: "query"},

	"Bash": {Field: "command", MaxLen: 40},

	"Task": {Field: "description"},

	"WebFetch": {Field: "url", MaxLen: 40},
}

// DefaultToolInputMaxLen is the default max length for tool descriptions.
const DefaultToolInputMaxLen = 40

// extractToolInputDescription extracts a brief, human-readable
// description from tool input.
func extractToolInputDescription(toolName string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}

	var inputMap map[string]any
	if err := json.Unmarshal(input, &inputMap); err != nil {
		return ""
	}

	if cfg, ok := toolInputConfigs[toolName]; ok {
		if value, exists := inputMap[cfg.Field].(string); exists {
			return formatToolInput(value, cfg.ShortenPath, cfg.MaxLen)
		}
	}

	// Default: return first string value found
	for _, v := range inputMap {
		if s, ok := v.(string); ok && s != "" {
			return truncateString(s, DefaultToolInputMaxLen)
		}
	}
	return ""
}

func formatToolInput(value string, shorten bool, maxLen int) string {
	if shorten {
		value = shortenPath(value)
	}
	if maxLen > 0 {
		value = truncateString(value, maxLen)
	}
	return value
}

// truncateString truncates a string to maxLen characters with "..." suffix.
func truncateString(s string, maxLen int) string {
	if maxLen > 0 && len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

// shortenPath returns just the filename or last path component
func shortenPath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) > 0 {
		return parts[len(parts)-1]
	}
	return path
}

// truncateForLog truncates long strings for log messages
func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
