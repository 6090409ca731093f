// Package ws exposes the chat service over a duplex WebSocket protocol.
// Frames are JSON objects discriminated by a "type" field.
package ws

import "nhooyr.io/websocket"

// Close codes for connection-level failures. Per-turn errors are reported
// as error frames and never close the connection.
const (
	// CloseInvalidSessionID rejects a session id that does not match the
	// sess_<uuid> shape.
	CloseInvalidSessionID websocket.StatusCode = 4400
	// CloseSessionNotFound rejects a well-formed id with no session.
	CloseSessionNotFound websocket.StatusCode = 4404
)

// Inbound frame types.
const (
	frameTypePing    = "ping"
	frameTypeMessage = "message"
)

// Outbound frame types.
const (
	frameTypeConnected    = "connected"
	frameTypePong         = "pong"
	frameTypeContentChunk = "content_chunk"
	frameTypeDone         = "done"
	frameTypeError        = "error"
)

// Protocol-level error names carried in the error frame's "error" field.
// Turn-level errors carry the error kind string instead.
const (
	errorInvalidJSON        = "InvalidJSON"
	errorInvalidMessageType = "InvalidMessageType"
	errorInvalidMessage     = "InvalidMessage"
	errorInternal           = "InternalError"
)

type clientFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

type serverFrame struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId,omitempty"`
	Content    string `json:"content,omitempty"`
	Index      *int   `json:"index,omitempty"`
	StopReason string `json:"stopReason,omitempty"`
	Error      string `json:"error,omitempty"`
	Message    string `json:"message,omitempty"`
	Code       string `json:"code,omitempty"`
}

func chunkFrame(content string, index int) serverFrame {
	i := index
	return serverFrame{Type: frameTypeContentChunk, Content: content, Index: &i}
}

func errorFrame(name, message, code string) serverFrame {
	return serverFrame{Type: frameTypeError, Error: name, Message: message, Code: code}
}
