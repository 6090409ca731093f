// Package claude drives the Claude CLI as a per-turn headless
// subprocess. Each turn spawns one process with --print and
// --output-format stream-json, feeds it the prompt on stdin, and reads
// line-delimited JSON until the process exits.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zhubert/ensemble/internal/logger"
)

// ChunkType represents the type of streaming chunk
type ChunkType string

const (
	ChunkTypeText       ChunkType = "text"        // Regular text content
	ChunkTypeToolUse    ChunkType = "tool_use"    // Claude is calling a tool
	ChunkTypeToolResult ChunkType = "tool_result" // Tool execution result
)

// Chunk represents a piece of streaming response
type Chunk struct {
	Type      ChunkType
	Content   string          // Text content (for text chunks)
	ToolName  string          // Tool being used (for tool_use chunks)
	ToolInput string          // Brief description of tool input
	ToolUseID string          // Tool use ID (tool_use and tool_result chunks)
	RawInput  json.RawMessage // Full tool input (for tool_use chunks)
}

// Usage holds token counters reported by the CLI.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// TurnRequest describes one conversation turn.
type TurnRequest struct {
	Prompt  string
	WorkDir string
	// ResumeToken is the CLI's own session id from a previous turn.
	// Empty on the first turn.
	ResumeToken string
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	Text string
	// ContinuationToken is the CLI session id to pass as ResumeToken
	// on the next turn.
	ContinuationToken string
	StopReason        string
	Usage             Usage
	ToolCalls         json.RawMessage
	NumTurns          int
	DurationMs        int
	TotalCostUSD      float64
}

// Runner is the agent interface the chat service depends on. The real
// implementation shells out to the Claude CLI; tests substitute a mock.
type Runner interface {
	// Complete runs one turn and returns the full response text.
	Complete(ctx context.Context, req TurnRequest) (*TurnResult, error)
	// Stream runs one turn, invoking onChunk for each piece of output
	// as it arrives, and returns the accumulated result.
	Stream(ctx context.Context, req TurnRequest, onChunk func(Chunk)) (*TurnResult, error)
}

// StreamInputMessage is the format sent to the CLI via stdin in
// stream-json input mode.
type StreamInputMessage struct {
	Type    string `json:"type"` // "user"
	Message struct {
		Role    string `json:"role"` // "user"
		Content []struct {
			Type string `json:"type"` // "text"
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

func textInputMessage(prompt string) StreamInputMessage {
	msg := StreamInputMessage{Type: "user"}
	msg.Message.Role = "user"
	msg.Message.Content = []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{{Type: "text", Text: prompt}}
	return msg
}

// ClientConfig holds the settings for the CLI client.
type ClientConfig struct {
	Executable  string        // CLI binary, e.g. "claude"
	Model       string        // optional model override
	APIKey      string        // optional; passed via environment
	TurnTimeout time.Duration // per-turn deadline, force-kills the subprocess
}

// Client runs turns against the real Claude CLI.
type Client struct {
	config ClientConfig
	log    *slog.Logger
}

// NewClient returns a CLI-backed runner.
func NewClient(config ClientConfig) *Client {
	if config.Executable == "" {
		config.Executable = "claude"
	}
	if config.TurnTimeout <= 0 {
		config.TurnTimeout = 5 * time.Minute
	}
	return &Client{
		config: config,
		log:    logger.ComponentLogger("Claude"),
	}
}

// BuildTurnArgs constructs the CLI arguments for a turn.
func BuildTurnArgs(req TurnRequest, model string) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if req.ResumeToken != "" {
		args = append(args, "--resume", req.ResumeToken)
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	return args
}

// Complete runs one turn and returns the full response text.
func (c *Client) Complete(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	return c.run(ctx, req, nil)
}

// Stream runs one turn, forwarding chunks as they arrive.
func (c *Client) Stream(ctx context.Context, req TurnRequest, onChunk func(Chunk)) (*TurnResult, error) {
	if onChunk == nil {
		return nil, fmt.Errorf("claude: Stream requires a chunk callback")
	}
	return c.run(ctx, req, onChunk)
}

// toolCallRecord is the persisted shape of a tool invocation. Description
// is the brief human-readable summary extracted from the input.
type toolCallRecord struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
}

func (c *Client) run(ctx context.Context, req TurnRequest, onChunk func(Chunk)) (*TurnResult, error) {
	const op = "claude.Run"

	ctx, cancel := context.WithTimeout(ctx, c.config.TurnTimeout)
	defer cancel()

	var env []string
	if c.config.APIKey != "" {
		env = []string{"ANTHROPIC_API_KEY=" + c.config.APIKey}
	}

	args := BuildTurnArgs(req, c.config.Model)
	c.log.Debug("starting turn",
		"workDir", req.WorkDir,
		"resume", req.ResumeToken != "",
		"command", c.config.Executable+" "+strings.Join(args, " "))

	proc, err := startProcess(ctx, c.config.Executable, req.WorkDir, args, env, c.log)
	if err != nil {
		return nil, Classify(op, err, "")
	}
	defer proc.stop()

	inputJSON, err := json.Marshal(textInputMessage(req.Prompt))
	if err != nil {
		return nil, fmt.Errorf("claude: encoding input: %w", err)
	}
	if err := proc.writeInput(append(inputJSON, '\n')); err != nil {
		return nil, Classify(op, err, proc.stderrOutput())
	}
	proc.closeStdin()

	startTime := time.Now()
	result := &TurnResult{}
	var text strings.Builder
	var toolCalls []toolCallRecord

	for {
		line, readErr := proc.readLine()
		if readErr != nil {
			break
		}
		ev := parseStreamLine(line, c.log)
		if ev == nil {
			continue
		}
		if ev.sessionID != "" {
			result.ContinuationToken = ev.sessionID
		}
		for _, chunk := range ev.chunks {
			if chunk.Type == ChunkTypeText {
				text.WriteString(chunk.Content)
			}
			if chunk.Type == ChunkTypeToolUse {
				toolCalls = append(toolCalls, toolCallRecord{
					Name:        chunk.ToolName,
					Description: chunk.ToolInput,
					Input:       chunk.RawInput,
				})
			}
			if onChunk != nil {
				onChunk(chunk)
			}
		}
		if ev.result != nil {
			result.StopReason = ev.result.stopReason
			result.Usage = ev.result.usage
			result.NumTurns = ev.result.numTurns
			result.DurationMs = ev.result.durationMs
			result.TotalCostUSD = ev.result.totalCostUSD
			if ev.result.errText != "" {
				waitErr := proc.wait()
				return nil, Classify(op, waitErr, ev.result.errText)
			}
			if text.Len() == 0 && ev.result.text != "" {
				text.WriteString(ev.result.text)
			}
		}
	}

	waitErr := proc.wait()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, Classify(op, context.DeadlineExceeded, proc.stderrOutput())
	}
	if ctx.Err() == context.Canceled {
		return nil, Classify(op, context.Canceled, proc.stderrOutput())
	}
	if waitErr != nil {
		return nil, Classify(op, waitErr, proc.stderrOutput())
	}

	result.Text = text.String()
	if result.StopReason == "" {
		result.StopReason = "end_turn"
	}
	if len(toolCalls) > 0 {
		encoded, err := json.Marshal(toolCalls)
		if err == nil {
			result.ToolCalls = encoded
		}
	}

	c.log.Debug("turn complete",
		"elapsed", time.Since(startTime),
		"inputTokens", result.Usage.InputTokens,
		"outputTokens", result.Usage.OutputTokens,
		"stopReason", result.StopReason)

	return result, nil
}

var _ Runner = (*Client)(nil)
