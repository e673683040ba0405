// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

// Membership states as reported by the room protocol.
type Membership string

const (
	MembershipJoin   Membership = "join"
	MembershipLeave  Membership = "leave"
	MembershipInvite Membership = "invite"
	MembershipBan    Membership = "ban"
)

// EventKind classifies how a membership transition happened.
type EventKind string

const (
	EventJoin   EventKind = "join"
	EventLeave  EventKind = "leave"
	EventKick   EventKind = "kick"
	EventInvite EventKind = "invite"
	EventBan    EventKind = "ban"
)

// Role distinguishes who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type RoomMetadata struct {
	Name         string    `json:"name,omitempty"`
	Topic        string    `json:"topic,omitempty"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	MemberCount  int       `json:"member_count"`
	IsDirect     bool      `json:"is_direct"`
	IsEncrypted  bool      `json:"is_encrypted"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

type Participant struct {
	UserID       UserID     `json:"user_id"`
	DisplayName  string     `json:"display_name,omitempty"`
	AvatarURL    string     `json:"avatar_url,omitempty"`
	JoinedAt     time.Time  `json:"joined_at"`
	LeftAt       *time.Time `json:"left_at,omitempty"`
	Membership   Membership `json:"membership"`
	LastActivity time.Time  `json:"last_activity"`
}

// MembershipEntry is one row of a room's append-only membership log.
// Entries are never mutated once written.
type MembershipEntry struct {
	UserID     UserID     `json:"user_id"`
	Membership Membership `json:"membership"`
	At         time.Time  `json:"at"`
	Kind       EventKind  `json:"kind"`
	Inviter    UserID     `json:"inviter,omitempty"`
}

// RoomState is the tracked snapshot of a room. It is owned exclusively by
// its parent SessionMapping and evolves in place.
type RoomState struct {
	Metadata          RoomMetadata            `json:"metadata"`
	Participants      map[UserID]*Participant `json:"participants"`
	MembershipHistory []MembershipEntry       `json:"membership_history"`
}

// SessionMapping links one remote room to one local session. The registry
// keeps both directions bijective.
type SessionMapping struct {
	RoomID          RoomID     `json:"room_id"`
	SessionID       SessionID  `json:"session_id"`
	CreatedAt       time.Time  `json:"created_at"`
	LastUsed        time.Time  `json:"last_used"`
	Participants    []UserID   `json:"participants"`
	Title           string     `json:"title,omitempty"`
	RoomState       *RoomState `json:"room_state,omitempty"`
	IsCollaborative bool       `json:"is_collaborative"`
}

type SenderInfo struct {
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// RemoteMessage is a message fetched from the room protocol. Timestamp is
// milliseconds since epoch, as the wire format reports it. FormattedBody
// carries the HTML variant when the event declares one.
type RemoteMessage struct {
	ID            string      `json:"id"`
	Content       string      `json:"content"`
	FormattedBody string      `json:"formatted_body,omitempty"`
	Timestamp     int64       `json:"timestamp"`
	Sender        UserID      `json:"sender"`
	Role          Role        `json:"role"`
	SenderInfo    *SenderInfo `json:"sender_info,omitempty"`
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// LocalMessage mirrors one entry of the backend session's conversation.
// Created is integer seconds since epoch.
type LocalMessage struct {
	ID      MessageID     `json:"id"`
	Role    Role          `json:"role"`
	Content []ContentPart `json:"content"`
	Created int64         `json:"created"`
	Sender  UserID        `json:"sender,omitempty"`
}

// Text returns the concatenated text content of the message.
func (m *LocalMessage) Text() string {
	var out string
	for _, part := range m.Content {
		if part.Type == "text" {
			out += part.Text
		}
	}
	return out
}

// Session is the backend's view of a conversation.
type Session struct {
	ID           SessionID       `json:"id"`
	Description  string          `json:"description,omitempty"`
	Conversation []*LocalMessage `json:"conversation"`
}

// RoomEvent is one event from the room protocol's event stream, with the
// type-specific payload left raw for the handler to decode. Timestamp is
// milliseconds since epoch.
type RoomEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	RoomID    RoomID          `json:"room_id"`
	Sender    UserID          `json:"sender"`
	StateKey  string          `json:"state_key,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Content   json.RawMessage `json:"content"`
}

// SyncResult reports the outcome of one reconciliation pass. Errors holds
// non-fatal failures collected along the way; AddedCount == 0 is the normal
// steady state once histories have converged.
type SyncResult struct {
	Success     bool     `json:"success"`
	RemoteCount int      `json:"remote_count"`
	LocalCount  int      `json:"local_count"`
	AddedCount  int      `json:"added_count"`
	Errors      []string `json:"errors,omitempty"`
}
