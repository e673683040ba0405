// internal/types/interfaces.go
package types

import (
	"context"
)

// KVStore is the injectable persistence substrate. Implementations must be
// safe for concurrent use. Get returns ok=false when the key is absent.
type KVStore interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// RoomClient is the room protocol client. ListMessages makes no ordering
// guarantee; callers must sort.
type RoomClient interface {
	ListMembers(ctx context.Context, roomID RoomID) ([]*Participant, error)
	ListMessages(ctx context.Context, roomID RoomID, limit int) ([]*RemoteMessage, error)
	SendMessage(ctx context.Context, roomID RoomID, text string) error
	JoinRoom(ctx context.Context, roomID RoomID) error
	InviteUser(ctx context.Context, roomID RoomID, userID UserID) error
}

// BackendClient is the local agent backend. ReplaceHistory is the preferred
// bulk persistence path; AppendMessage is the single-message fallback.
type BackendClient interface {
	CreateSession(ctx context.Context, title string) (*Session, error)
	GetSession(ctx context.Context, id SessionID) (*Session, error)
	UpdateDescription(ctx context.Context, id SessionID, text string) error
	AppendMessage(ctx context.Context, id SessionID, msg *LocalMessage) error
	ReplaceHistory(ctx context.Context, id SessionID, msgs []*LocalMessage) error
}
