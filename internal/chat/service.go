// Package chat runs agent turns against sessions: it persists the user
// message, drives the Claude CLI, and persists the assistant reply.
package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zhubert/ensemble/internal/claude"
	"github.com/zhubert/ensemble/internal/errors"
	"github.com/zhubert/ensemble/internal/ids"
	"github.com/zhubert/ensemble/internal/logger"
	"github.com/zhubert/ensemble/internal/store"
)

// MetadataKeyClaudeSession is the session metadata key holding the CLI
// continuation token captured from the first turn.
const MetadataKeyClaudeSession = "claude_session_id"

// Turn is the outcome of one completed agent turn.
type Turn struct {
	Message    *store.Message
	StopReason string
	Usage      claude.Usage
}

// Service coordinates one agent turn at a time per session.
type Service struct {
	store  *store.Store
	runner claude.Runner
	log    *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

func NewService(st *store.Store, runner claude.Runner) *Service {
	return &Service{
		store:    st,
		runner:   runner,
		log:      logger.ComponentLogger("Chat"),
		inFlight: make(map[string]bool),
	}
}

// acquire marks a session as having a turn in flight. The session holds a
// single working tree, so concurrent turns would race on it.
func (s *Service) acquire(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[sessionID] {
		return errors.E(errors.Op("chat.SendMessage"), errors.KindConflict,
			"a message is already being processed for this session")
	}
	s.inFlight[sessionID] = true
	return nil
}

func (s *Service) release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, sessionID)
}

// SendMessage runs a complete turn and returns the persisted assistant
// message.
func (s *Service) SendMessage(ctx context.Context, sessionID, content string) (*Turn, error) {
	return s.send(ctx, sessionID, content, nil)
}

// StreamMessage runs a turn, forwarding each chunk to onChunk as it
// arrives. If the turn fails after at least one text chunk was emitted,
// the accumulated partial text is persisted before the error is returned.
func (s *Service) StreamMessage(ctx context.Context, sessionID, content string, onChunk func(claude.Chunk)) (*Turn, error) {
	return s.send(ctx, sessionID, content, onChunk)
}

func (s *Service) send(ctx context.Context, sessionID, content string, onChunk func(claude.Chunk)) (*Turn, error) {
	if strings.TrimSpace(content) == "" {
		return nil, errors.InvalidMessage("message content cannot be empty")
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if err := s.acquire(sessionID); err != nil {
		return nil, err
	}
	defer s.release(sessionID)

	log := logger.WithSession(sessionID)

	// The user message is durable even if the turn fails.
	userMsg := &store.Message{
		ID:        ids.NewMessageID(),
		SessionID: sessionID,
		Role:      store.RoleUser,
		Content:   content,
		Timestamp: time.Now(),
	}
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, err
	}

	req := claude.TurnRequest{
		Prompt:      content,
		WorkDir:     sess.RootDirectory,
		ResumeToken: sess.Metadata[MetadataKeyClaudeSession],
	}

	var (
		partial strings.Builder
		saved   bool
	)
	wrappedChunk := onChunk
	if onChunk != nil {
		wrappedChunk = func(chunk claude.Chunk) {
			switch chunk.Type {
			case claude.ChunkTypeText:
				partial.WriteString(chunk.Content)
			case claude.ChunkTypeToolUse:
				log.Info("tool invocation", "tool", chunk.ToolName, "input", chunk.ToolInput)
			}
			onChunk(chunk)
		}
	}

	var result *claude.TurnResult
	if wrappedChunk != nil {
		result, err = s.runner.Stream(ctx, req, wrappedChunk)
	} else {
		result, err = s.runner.Complete(ctx, req)
	}
	if err != nil {
		// Keep whatever text made it out before the failure.
		if partial.Len() > 0 && !saved {
			saved = true
			s.savePartial(sessionID, partial.String(), log)
		}
		return nil, err
	}

	assistantMsg := &store.Message{
		ID:        ids.NewMessageID(),
		SessionID: sessionID,
		Role:      store.RoleAssistant,
		Content:   result.Text,
		ToolCalls: result.ToolCalls,
		Timestamp: time.Now(),
	}
	if err := s.store.AppendMessage(ctx, assistantMsg); err != nil {
		log.Error("failed to persist assistant message", "error", err)
		return nil, err
	}

	if result.ContinuationToken != "" {
		if _, ok := sess.Metadata[MetadataKeyClaudeSession]; !ok {
			if err := s.store.MergeMetadata(ctx, sessionID, map[string]string{
				MetadataKeyClaudeSession: result.ContinuationToken,
			}); err != nil {
				log.Warn("failed to store continuation token", "error", err)
			}
		}
	}

	log.Debug("turn complete",
		"stopReason", result.StopReason,
		"numTurns", result.NumTurns,
		"inputTokens", result.Usage.InputTokens,
		"outputTokens", result.Usage.OutputTokens)

	return &Turn{Message: assistantMsg, StopReason: result.StopReason, Usage: result.Usage}, nil
}

// savePartial persists accumulated streamed text after a mid-turn failure.
// Uses a background context since the turn context may already be dead.
func (s *Service) savePartial(sessionID, text string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := &store.Message{
		ID:        ids.NewMessageID(),
		SessionID: sessionID,
		Role:      store.RoleAssistant,
		Content:   text,
		Timestamp: time.Now(),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		log.Error("failed to persist partial response", "error", err)
		return
	}
	log.Warn("persisted partial response after turn failure", "length", len(text))
}

// History returns the session's messages in chronological order.
func (s *Service) History(ctx context.Context, sessionID string) ([]*store.Message, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, sessionID)
}
