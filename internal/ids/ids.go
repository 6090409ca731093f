// Package ids generates and validates the prefix-tagged identifiers
// used across the store and the wire protocol.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

const (
	// SessionPrefix tags session identifiers.
	SessionPrefix = "sess_"
	// MessagePrefix tags message identifiers.
	MessagePrefix = "msg_"
)

// NewSessionID returns a new session identifier of the form sess_<uuid>.
func NewSessionID() string {
	return SessionPrefix + uuid.New().String()
}

// NewMessageID returns a new message identifier of the form msg_<uuid>.
func NewMessageID() string {
	return MessagePrefix + uuid.New().String()
}

// ValidSessionID reports whether s has the sess_<uuid> shape.
func ValidSessionID(s string) bool {
	return validTagged(s, SessionPrefix)
}

// ValidMessageID reports whether s has the msg_<uuid> shape.
func ValidMessageID(s string) bool {
	return validTagged(s, MessagePrefix)
}

func validTagged(s, prefix string) bool {
	raw, ok := strings.CutPrefix(s, prefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(raw)
	return err == nil
}

// BranchName derives the git branch name for a session id.
func BranchName(sessionID string) string {
	return "session/" + sessionID
}
