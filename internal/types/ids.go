// internal/types/ids.go
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type RoomID string
type SessionID string
type UserID string
type MessageID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

// NewLocalSessionID returns a time-based placeholder session ID, used when
// the backend cannot allocate a real session and the mapping must still be
// usable in local-only mode.
func NewLocalSessionID() SessionID {
	return SessionID(fmt.Sprintf("local-%d", time.Now().UnixNano()))
}

// IsLocalSessionID reports whether the ID is a local-only placeholder.
func IsLocalSessionID(id SessionID) bool {
	return strings.HasPrefix(string(id), "local-")
}

// NewMessageID derives a synthetic local message ID from the message source
// and its remote timestamp in milliseconds.
func NewMessageID(source string, timestampMs int64) MessageID {
	return MessageID(fmt.Sprintf("%s-%d", source, timestampMs))
}
