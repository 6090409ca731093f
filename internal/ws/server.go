package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/zhubert/ensemble/internal/chat"
	"github.com/zhubert/ensemble/internal/claude"
	"github.com/zhubert/ensemble/internal/errors"
	"github.com/zhubert/ensemble/internal/ids"
	"github.com/zhubert/ensemble/internal/logger"
	"github.com/zhubert/ensemble/internal/store"
)

const writeTimeout = 5 * time.Second

// SessionResolver checks session existence on connect.
type SessionResolver interface {
	Get(ctx context.Context, id string) (*store.Session, error)
}

// Streamer runs one streaming turn. Satisfied by *chat.Service.
type Streamer interface {
	StreamMessage(ctx context.Context, sessionID, content string, onChunk func(claude.Chunk)) (*chat.Turn, error)
}

// Server handles WebSocket connections at /ws/{sessionID}.
type Server struct {
	sessions SessionResolver
	chat     Streamer
	log      *slog.Logger
}

func NewServer(sessions SessionResolver, streamer Streamer) *Server {
	return &Server{
		sessions: sessions,
		chat:     streamer,
		log:      logger.ComponentLogger("WS"),
	}
}

// Routes registers the gateway endpoint on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{sessionID}", s.handleSession)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}

	if !ids.ValidSessionID(sessionID) {
		conn.Close(CloseInvalidSessionID, "invalid session id")
		return
	}
	if _, err := s.sessions.Get(r.Context(), sessionID); err != nil {
		if errors.Is(err, errors.KindNotFound) {
			conn.Close(CloseSessionNotFound, "session not found")
		} else {
			s.log.Error("session lookup failed", "sessionID", sessionID, "error", err)
			conn.Close(websocket.StatusInternalError, "session lookup failed")
		}
		return
	}

	// The connection context dies when the client disconnects, which
	// cancels any in-flight turn and kills its subprocess.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &client{
		conn:      conn,
		ctx:       ctx,
		cancel:    cancel,
		sessionID: sessionID,
		server:    s,
		log:       logger.WithSession(sessionID),
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c.send(serverFrame{Type: frameTypeConnected, SessionID: sessionID})
	c.readLoop()
}

// client is the per-connection state.
type client struct {
	conn      *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	sessionID string
	server    *Server
	log       *slog.Logger

	writeMu sync.Mutex
	turnWG  sync.WaitGroup
}

func (c *client) readLoop() {
	// Cancel before waiting so an in-flight turn is not waited on forever.
	defer c.turnWG.Wait()
	defer c.cancel()
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		c.dispatch(data)
	}
}

func (c *client) dispatch(data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.send(errorFrame(errorInvalidJSON, "malformed JSON frame", errors.KindInvalid.Code()))
		return
	}

	switch frame.Type {
	case frameTypePing:
		c.send(serverFrame{Type: frameTypePong})
	case frameTypeMessage:
		if strings.TrimSpace(frame.Content) == "" {
			c.send(errorFrame(errorInvalidMessage, "message content cannot be empty", errors.KindInvalid.Code()))
			return
		}
		c.turnWG.Add(1)
		go func() {
			defer c.turnWG.Done()
			c.runTurn(frame.Content)
		}()
	default:
		c.send(errorFrame(errorInvalidMessageType, "unknown message type: "+frame.Type, errors.KindInvalid.Code()))
	}
}

// runTurn streams one agent turn back over the connection. Errors are
// reported as frames; the connection stays open for further messages.
func (c *client) runTurn(content string) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic during turn", "panic", r)
			c.send(errorFrame(errorInternal, "internal error", errors.KindInternal.Code()))
		}
	}()

	index := 0
	turn, err := c.server.chat.StreamMessage(c.ctx, c.sessionID, content, func(chunk claude.Chunk) {
		if chunk.Type != claude.ChunkTypeText || chunk.Content == "" {
			return
		}
		c.send(chunkFrame(chunk.Content, index))
		index++
	})
	if err != nil {
		kind := errors.GetKind(err)
		c.send(errorFrame(kind.String(), err.Error(), kind.Code()))
		return
	}

	stopReason := turn.StopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}
	c.send(serverFrame{Type: frameTypeDone, StopReason: stopReason})
}

// send writes a frame, dropping it silently if the connection is gone.
// Chunk delivery after disconnect is suppressed, not an error.
func (c *client) send(frame serverFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("failed to marshal frame", "type", frame.Type, "error", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.log.Debug("frame write failed", "type", frame.Type, "error", err)
	}
}
