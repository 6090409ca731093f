package claude

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zhubert/ensemble/internal/errors"
)

// writeFakeCLI writes a shell script that stands in for the claude
// binary. The script consumes stdin, then runs the given body.
func writeFakeCLI(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-claude")
	script := "#!/bin/sh\ncat >/dev/null\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("Failed to write fake CLI: %v", err)
	}
	return path
}

func TestBuildTurnArgs_FirstTurn(t *testing.T) {
	args := BuildTurnArgs(TurnRequest{Prompt: "hi"}, "")
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--print") {
		t.Errorf("missing --print: %v", args)
	}
	if !strings.Contains(joined, "--output-format stream-json") {
		t.Errorf("missing output format: %v", args)
	}
	if strings.Contains(joined, "--resume") {
		t.Errorf("first turn must not resume: %v", args)
	}
}

func TestBuildTurnArgs_Resume(t *testing.T) {
	args := BuildTurnArgs(TurnRequest{Prompt: "hi", ResumeToken: "cli-7"}, "sonnet")
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--resume cli-7") {
		t.Errorf("missing resume token: %v", args)
	}
	if !strings.Contains(joined, "--model sonnet") {
		t.Errorf("missing model: %v", args)
	}
}

func TestClient_Complete(t *testing.T) {
	bin := writeFakeCLI(t, `
printf '%s\n' '{"type":"system","subtype":"init","session_id":"cli-sess-1"}'
printf '%s\n' '{"type":"assistant","message":{"content":[{"type":"text","text":"Hello "}]}}'
printf '%s\n' '{"type":"assistant","message":{"content":[{"type":"text","text":"there"}]}}'
printf '%s\n' '{"type":"result","subtype":"success","result":"Hello there","session_id":"cli-sess-1","num_turns":1,"duration_ms":10,"usage":{"input_tokens":5,"output_tokens":2}}'`)

	c := NewClient(ClientConfig{Executable: bin, TurnTimeout: 10 * time.Second})
	result, err := c.Complete(context.Background(), TurnRequest{Prompt: "hi", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if result.Text != "Hello there" {
		t.Errorf("Text = %q", result.Text)
	}
	if result.ContinuationToken != "cli-sess-1" {
		t.Errorf("ContinuationToken = %q", result.ContinuationToken)
	}
	if result.StopReason != "end_turn" {
		t.Errorf("StopReason = %q", result.StopReason)
	}
	if result.Usage.InputTokens != 5 {
		t.Errorf("Usage = %+v", result.Usage)
	}
}

func TestClient_Stream(t *testing.T) {
	bin := writeFakeCLI(t, `
printf '%s\n' '{"type":"assistant","message":{"content":[{"type":"text","text":"chunk one "}]}}'
printf '%s\n' 'garbage line that is not json'
printf '%s\n' '{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu-1","name":"Bash","input":{"command":"ls"}}]}}'
printf '%s\n' '{"type":"assistant","message":{"content":[{"type":"text","text":"chunk two"}]}}'
printf '%s\n' '{"type":"result","subtype":"success","session_id":"cli-sess-2"}'`)

	c := NewClient(ClientConfig{Executable: bin, TurnTimeout: 10 * time.Second})

	var texts []string
	var tools []string
	result, err := c.Stream(context.Background(), TurnRequest{Prompt: "go", WorkDir: t.TempDir()}, func(chunk Chunk) {
		switch chunk.Type {
		case ChunkTypeText:
			texts = append(texts, chunk.Content)
		case ChunkTypeToolUse:
			tools = append(tools, chunk.ToolName)
		}
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if len(texts) != 2 || texts[0] != "chunk one " || texts[1] != "chunk two" {
		t.Errorf("texts = %v", texts)
	}
	if len(tools) != 1 || tools[0] != "Bash" {
		t.Errorf("tools = %v", tools)
	}
	if result.Text != "chunk one chunk two" {
		t.Errorf("accumulated Text = %q", result.Text)
	}
	if len(result.ToolCalls) == 0 {
		t.Fatal("ToolCalls not recorded")
	}
	var recorded []toolCallRecord
	if err := json.Unmarshal(result.ToolCalls, &recorded); err != nil {
		t.Fatalf("unmarshal ToolCalls: %v", err)
	}
	if len(recorded) != 1 || recorded[0].Name != "Bash" {
		t.Fatalf("recorded = %+v", recorded)
	}
	if recorded[0].Description != "ls" {
		t.Errorf("Description = %q, want the extracted command", recorded[0].Description)
	}
	if len(recorded[0].Input) == 0 {
		t.Error("raw Input not recorded")
	}
}

func TestClient_ErrorResult(t *testing.T) {
	bin := writeFakeCLI(t, `
printf '%s\n' '{"type":"result","subtype":"error_during_execution","is_error":true,"errors":["API Error: 529 overloaded"]}'`)

	c := NewClient(ClientConfig{Executable: bin, TurnTimeout: 10 * time.Second})
	_, err := c.Complete(context.Background(), TurnRequest{Prompt: "hi", WorkDir: t.TempDir()})
	if !errors.Is(err, errors.KindAgent) {
		t.Errorf("expected KindAgent, got %v", err)
	}
}

func TestClient_ProcessFailure(t *testing.T) {
	bin := writeFakeCLI(t, `
echo "dial tcp: connection refused" >&2
exit 1`)

	c := NewClient(ClientConfig{Executable: bin, TurnTimeout: 10 * time.Second})
	_, err := c.Complete(context.Background(), TurnRequest{Prompt: "hi", WorkDir: t.TempDir()})
	if !errors.Is(err, errors.KindNetwork) {
		t.Errorf("expected KindNetwork, got %v", err)
	}
}

func TestClient_Timeout(t *testing.T) {
	bin := writeFakeCLI(t, `sleep 5`)

	c := NewClient(ClientConfig{Executable: bin, TurnTimeout: 100 * time.Millisecond})
	start := time.Now()
	_, err := c.Complete(context.Background(), TurnRequest{Prompt: "hi", WorkDir: t.TempDir()})
	if !errors.Is(err, errors.KindTimeout) {
		t.Fatalf("expected KindTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout took %v, subprocess was not killed promptly", elapsed)
	}
}

func TestClient_MissingExecutable(t *testing.T) {
	c := NewClient(ClientConfig{Executable: "definitely-not-a-real-binary-xyz", TurnTimeout: time.Second})
	_, err := c.Complete(context.Background(), TurnRequest{Prompt: "hi", WorkDir: t.TempDir()})
	if err == nil {
		t.Fatal("expected error for missing executable")
	}
	if !errors.Is(err, errors.KindNotFound) {
		t.Errorf("expected KindNotFound, got %v", err)
	}
}

func TestMockRunner_Scripted(t *testing.T) {
	m := NewMockRunner()
	m.QueueTurn(MockTurn{
		Chunks: []Chunk{{Type: ChunkTypeText, Content: "partial "}},
		Result: &TurnResult{Text: "partial done", ContinuationToken: "tok-1"},
	})

	var got []string
	result, err := m.Stream(context.Background(), TurnRequest{Prompt: "p"}, func(chunk Chunk) {
		got = append(got, chunk.Content)
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if len(got) != 1 || got[0] != "partial " {
		t.Errorf("chunks = %v", got)
	}
	if result.ContinuationToken != "tok-1" {
		t.Errorf("ContinuationToken = %q", result.ContinuationToken)
	}

	if _, err := m.Complete(context.Background(), TurnRequest{Prompt: "q"}); err == nil {
		t.Error("expected error when scripted turns run out")
	}

	calls := m.Calls()
	if len(calls) != 2 || calls[0].Prompt != "p" || calls[1].Prompt != "q" {
		t.Errorf("calls = %+v", calls)
	}
}
