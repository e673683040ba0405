// internal/roomstate/events.go
package roomstate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/user/roomsync/internal/types"
)

type memberEventContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// HandleRoomEvent decodes a raw state event and applies it to the tracker.
// It satisfies the dispatch handler signature, so it can be registered
// directly against the "m.room." prefix. Unrecognized state types are
// ignored without error.
func (t *Tracker) HandleRoomEvent(ctx context.Context, ev *types.RoomEvent) error {
	switch ev.Type {
	case "m.room.member":
		return t.handleMember(ctx, ev)
	case "m.room.name":
		var content struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			return fmt.Errorf("decode room name: %w", err)
		}
		return t.ApplyMetadataEvent(ctx, ev.RoomID, &MetadataPatch{Name: &content.Name})
	case "m.room.topic":
		var content struct {
			Topic string `json:"topic"`
		}
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			return fmt.Errorf("decode room topic: %w", err)
		}
		return t.ApplyMetadataEvent(ctx, ev.RoomID, &MetadataPatch{Topic: &content.Topic})
	case "m.room.avatar":
		var content struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			return fmt.Errorf("decode room avatar: %w", err)
		}
		return t.ApplyMetadataEvent(ctx, ev.RoomID, &MetadataPatch{AvatarURL: &content.URL})
	case "m.room.encryption":
		encrypted := true
		return t.ApplyMetadataEvent(ctx, ev.RoomID, &MetadataPatch{IsEncrypted: &encrypted})
	}
	return nil
}

func (t *Tracker) handleMember(ctx context.Context, ev *types.RoomEvent) error {
	if ev.StateKey == "" {
		return fmt.Errorf("member event missing state key")
	}
	var content memberEventContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return fmt.Errorf("decode member event: %w", err)
	}

	membership := types.Membership(content.Membership)
	event := &MembershipEvent{
		RoomID:     ev.RoomID,
		UserID:     types.UserID(ev.StateKey),
		Sender:     ev.Sender,
		Membership: membership,
		At:         time.UnixMilli(ev.Timestamp),
	}
	if membership == types.MembershipInvite {
		event.Inviter = ev.Sender
	}
	if err := t.ApplyMembershipEvent(ctx, event); err != nil {
		return err
	}
	if content.DisplayName != "" || content.AvatarURL != "" {
		return t.updateProfile(ctx, ev.RoomID, types.UserID(ev.StateKey), &content)
	}
	return nil
}

func (t *Tracker) updateProfile(ctx context.Context, roomID types.RoomID, userID types.UserID, content *memberEventContent) error {
	_, err := t.store.Mutate(ctx, roomID, func(m *types.SessionMapping) {
		if m.RoomState == nil {
			return
		}
		p, ok := m.RoomState.Participants[userID]
		if !ok {
			return
		}
		if content.DisplayName != "" {
			p.DisplayName = content.DisplayName
		}
		if content.AvatarURL != "" {
			p.AvatarURL = content.AvatarURL
		}
	})
	return err
}
