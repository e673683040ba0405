// internal/mapping/codec.go
package mapping

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/user/roomsync/internal/types"
)

// The persisted registry is an array of [roomID, mapping] pairs rather than
// a JSON object, and participant maps inside room state use the same
// array-of-pairs shape. Existing stored registries use this layout, so the
// codec has to keep producing and accepting it.

type storedRoomState struct {
	Metadata          types.RoomMetadata      `json:"metadata"`
	Participants      []participantPair       `json:"participants"`
	MembershipHistory []types.MembershipEntry `json:"membershipHistory"`
}

type storedMapping struct {
	RoomID          types.RoomID    `json:"roomId"`
	SessionID       types.SessionID `json:"sessionId"`
	CreatedAt       time.Time       `json:"createdAt"`
	LastUsed        time.Time       `json:"lastUsed"`
	Participants    []types.UserID  `json:"participants"`
	Title           string          `json:"title,omitempty"`
	RoomState       *storedRoomState `json:"roomState,omitempty"`
	IsCollaborative bool            `json:"isCollaborative"`
}

// participantPair serializes as ["userID", {participant}].
type participantPair struct {
	UserID      types.UserID
	Participant *types.Participant
}

func (p participantPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.UserID, p.Participant})
}

func (p *participantPair) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("participant pair: %w", err)
	}
	if err := json.Unmarshal(raw[0], &p.UserID); err != nil {
		return fmt.Errorf("participant pair key: %w", err)
	}
	if err := json.Unmarshal(raw[1], &p.Participant); err != nil {
		return fmt.Errorf("participant pair value: %w", err)
	}
	return nil
}

// mappingPair serializes as ["roomID", {mapping}].
type mappingPair struct {
	RoomID  types.RoomID
	Mapping *storedMapping
}

func (p mappingPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.RoomID, p.Mapping})
}

func (p *mappingPair) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("mapping pair: %w", err)
	}
	if err := json.Unmarshal(raw[0], &p.RoomID); err != nil {
		return fmt.Errorf("mapping pair key: %w", err)
	}
	if err := json.Unmarshal(raw[1], &p.Mapping); err != nil {
		return fmt.Errorf("mapping pair value: %w", err)
	}
	return nil
}

func toStored(m *types.SessionMapping) *storedMapping {
	stored := &storedMapping{
		RoomID:          m.RoomID,
		SessionID:       m.SessionID,
		CreatedAt:       m.CreatedAt,
		LastUsed:        m.LastUsed,
		Participants:    m.Participants,
		Title:           m.Title,
		IsCollaborative: m.IsCollaborative,
	}
	if m.RoomState != nil {
		rs := &storedRoomState{
			Metadata:          m.RoomState.Metadata,
			MembershipHistory: m.RoomState.MembershipHistory,
		}
		ids := make([]types.UserID, 0, len(m.RoomState.Participants))
		for id := range m.RoomState.Participants {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			rs.Participants = append(rs.Participants, participantPair{
				UserID:      id,
				Participant: m.RoomState.Participants[id],
			})
		}
		stored.RoomState = rs
	}
	return stored
}

func fromStored(stored *storedMapping) *types.SessionMapping {
	m := &types.SessionMapping{
		RoomID:          stored.RoomID,
		SessionID:       stored.SessionID,
		CreatedAt:       stored.CreatedAt,
		LastUsed:        stored.LastUsed,
		Participants:    stored.Participants,
		Title:           stored.Title,
		IsCollaborative: stored.IsCollaborative,
	}
	if stored.RoomState != nil {
		rs := &types.RoomState{
			Metadata:          stored.RoomState.Metadata,
			Participants:      make(map[types.UserID]*types.Participant, len(stored.RoomState.Participants)),
			MembershipHistory: stored.RoomState.MembershipHistory,
		}
		for _, pair := range stored.RoomState.Participants {
			rs.Participants[pair.UserID] = pair.Participant
		}
		m.RoomState = rs
	}
	return m
}

// encodeRegistry marshals the registry, sorted by room ID for stable output.
func encodeRegistry(byRoom map[types.RoomID]*types.SessionMapping) ([]byte, error) {
	ids := make([]types.RoomID, 0, len(byRoom))
	for id := range byRoom {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	pairs := make([]mappingPair, 0, len(ids))
	for _, id := range ids {
		pairs = append(pairs, mappingPair{RoomID: id, Mapping: toStored(byRoom[id])})
	}
	return json.Marshal(pairs)
}

func decodeRegistry(data []byte) (map[types.RoomID]*types.SessionMapping, error) {
	var pairs []mappingPair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, err
	}
	byRoom := make(map[types.RoomID]*types.SessionMapping, len(pairs))
	for _, pair := range pairs {
		if pair.Mapping == nil {
			continue
		}
		byRoom[pair.RoomID] = fromStored(pair.Mapping)
	}
	return byRoom, nil
}
