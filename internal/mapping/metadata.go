// internal/mapping/metadata.go
package mapping

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/user/roomsync/internal/types"
)

// Recovery token format appended to a backend session's description:
//
//	<human-readable prefix> [MATRIX_METADATA:<base64(JSON)>]
//
// The token lets a lost local registry be rebuilt from backend session data
// alone, so the encode/decode pair must round-trip exactly.
var metadataPattern = regexp.MustCompile(`\[MATRIX_METADATA:([A-Za-z0-9+/=]+)\]`)

type embeddedMetadata struct {
	RoomID       types.RoomID   `json:"roomId"`
	Participants []types.UserID `json:"participants"`
	Title        string         `json:"title,omitempty"`
	IsDM         bool           `json:"isDM"`
	CreatedAt    int64          `json:"createdAt"`
}

func isDM(m *types.SessionMapping) bool {
	if m.RoomState != nil {
		return m.RoomState.Metadata.IsDirect
	}
	return len(m.Participants) <= 2
}

// EmbedMetadata renders the description string carrying the recovery token.
func EmbedMetadata(m *types.SessionMapping) string {
	prefix := m.Title
	if prefix == "" {
		prefix = fmt.Sprintf("Matrix room %s", m.RoomID)
	}

	meta := embeddedMetadata{
		RoomID:       m.RoomID,
		Participants: m.Participants,
		Title:        m.Title,
		IsDM:         isDM(m),
		CreatedAt:    m.CreatedAt.Unix(),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		// embeddedMetadata contains only marshalable fields
		return prefix
	}
	token := base64.StdEncoding.EncodeToString(data)
	return fmt.Sprintf("%s [MATRIX_METADATA:%s]", prefix, token)
}

// ExtractMetadata parses a description produced by EmbedMetadata back into
// a mapping skeleton. Returns ok=false when no valid token is present.
func ExtractMetadata(description string) (*types.SessionMapping, bool) {
	match := metadataPattern.FindStringSubmatch(description)
	if match == nil {
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(match[1])
	if err != nil {
		return nil, false
	}
	var meta embeddedMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, false
	}
	if meta.RoomID == "" {
		return nil, false
	}

	m := &types.SessionMapping{
		RoomID:       meta.RoomID,
		Participants: meta.Participants,
		Title:        meta.Title,
		CreatedAt:    time.Unix(meta.CreatedAt, 0),
	}
	if meta.IsDM {
		m.RoomState = &types.RoomState{
			Metadata:     types.RoomMetadata{IsDirect: true},
			Participants: make(map[types.UserID]*types.Participant),
		}
	}
	return m, true
}
