package claude

import (
	"context"
	"fmt"
	"sync"
)

// MockTurn scripts one turn of agent behavior for tests. Chunks are
// delivered before the turn resolves; Err, when set, is returned after
// the chunks (simulating a mid-stream failure).
type MockTurn struct {
	Chunks []Chunk
	Result *TurnResult
	Err    error
}

// MockRunner is a scripted Runner for tests. Turns are consumed in
// FIFO order; running out of scripted turns is an error.
type MockRunner struct {
	mu    sync.Mutex
	turns []MockTurn
	calls []TurnRequest
}

// NewMockRunner returns an empty mock. Queue turns before use.
func NewMockRunner() *MockRunner {
	return &MockRunner{}
}

// QueueTurn appends a scripted turn.
func (m *MockRunner) QueueTurn(turn MockTurn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turn)
}

// Calls returns the requests seen so far.
func (m *MockRunner) Calls() []TurnRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TurnRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockRunner) next(req TurnRequest) (MockTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if len(m.turns) == 0 {
		return MockTurn{}, fmt.Errorf("mock runner: no scripted turn for request %q", req.Prompt)
	}
	turn := m.turns[0]
	m.turns = m.turns[1:]
	return turn, nil
}

func (m *MockRunner) Complete(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	turn, err := m.next(req)
	if err != nil {
		return nil, err
	}
	if turn.Err != nil {
		return nil, turn.Err
	}
	return turn.Result, nil
}

func (m *MockRunner) Stream(ctx context.Context, req TurnRequest, onChunk func(Chunk)) (*TurnResult, error) {
	turn, err := m.next(req)
	if err != nil {
		return nil, err
	}
	for _, chunk := range turn.Chunks {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		onChunk(chunk)
	}
	if turn.Err != nil {
		return nil, turn.Err
	}
	return turn.Result, nil
}

var _ Runner = (*MockRunner)(nil)
