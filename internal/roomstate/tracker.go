// internal/roomstate/tracker.go
package roomstate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/user/roomsync/internal/mapping"
	"github.com/user/roomsync/internal/types"
)

// Tracker translates raw membership and metadata events from the room
// protocol into RoomState updates on the owning mapping. State for unknown
// rooms is created implicitly so no event is dropped.
type Tracker struct {
	store *mapping.Store
}

func New(store *mapping.Store) *Tracker {
	return &Tracker{store: store}
}

// MembershipEvent is one raw membership change from the protocol stream.
// Sender is the acting user; UserID is the affected user. They differ for
// kicks, bans, and invites.
type MembershipEvent struct {
	RoomID     types.RoomID
	UserID     types.UserID
	Sender     types.UserID
	Membership types.Membership
	At         time.Time
	Inviter    types.UserID
}

// classify derives the event kind from the transition. A leave is
// self-initiated when the acting user is the affected user; otherwise it
// was a kick.
func classify(prev types.Membership, ev *MembershipEvent) types.EventKind {
	switch ev.Membership {
	case types.MembershipJoin:
		return types.EventJoin
	case types.MembershipInvite:
		return types.EventInvite
	case types.MembershipBan:
		return types.EventBan
	case types.MembershipLeave:
		if (prev == types.MembershipJoin || prev == types.MembershipInvite) &&
			ev.Sender != "" && ev.Sender != ev.UserID {
			return types.EventKick
		}
		return types.EventLeave
	}
	return types.EventLeave
}

// ApplyMembershipEvent upserts the participant, appends to the immutable
// membership history, and recomputes the derived room metadata.
func (t *Tracker) ApplyMembershipEvent(ctx context.Context, ev *MembershipEvent) error {
	if ev.RoomID == "" || ev.UserID == "" {
		return fmt.Errorf("membership event missing room or user")
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err := t.store.Mutate(ctx, ev.RoomID, func(m *types.SessionMapping) {
		state := ensureState(m, at)

		prev := types.Membership("")
		participant, ok := state.Participants[ev.UserID]
		if ok {
			prev = participant.Membership
		} else {
			participant = &types.Participant{UserID: ev.UserID}
			state.Participants[ev.UserID] = participant
		}

		kind := classify(prev, ev)

		participant.Membership = ev.Membership
		participant.LastActivity = at
		switch ev.Membership {
		case types.MembershipJoin:
			participant.JoinedAt = at
			participant.LeftAt = nil
		case types.MembershipLeave, types.MembershipBan:
			left := at
			participant.LeftAt = &left
		}

		state.MembershipHistory = append(state.MembershipHistory, types.MembershipEntry{
			UserID:     ev.UserID,
			Membership: ev.Membership,
			At:         at,
			Kind:       kind,
			Inviter:    ev.Inviter,
		})

		recomputeMetadata(m, state, at)
	})
	if err != nil {
		return fmt.Errorf("apply membership event: %w", err)
	}

	slog.Debug("membership event applied",
		"room_id", string(ev.RoomID), "user_id", string(ev.UserID), "membership", string(ev.Membership))
	return nil
}

// MemberLister is the slice of the room client the tracker needs to seed a
// roster.
type MemberLister interface {
	ListMembers(ctx context.Context, roomID types.RoomID) ([]*types.Participant, error)
}

// SeedParticipants primes the room's participant set from a full member
// listing. A mapping created from a message event would otherwise start with
// an empty roster until membership events trickle in. Participants already
// tracked are left untouched, and no membership history is invented for the
// seeded ones.
func (t *Tracker) SeedParticipants(ctx context.Context, rooms MemberLister, roomID types.RoomID) error {
	if roomID == "" {
		return fmt.Errorf("seed participants missing room")
	}
	members, err := rooms.ListMembers(ctx, roomID)
	if err != nil {
		return fmt.Errorf("list members for %s: %w", roomID, err)
	}
	if len(members) == 0 {
		return nil
	}

	now := time.Now()
	_, err = t.store.Mutate(ctx, roomID, func(m *types.SessionMapping) {
		state := ensureState(m, now)
		for _, member := range members {
			if member == nil || member.UserID == "" {
				continue
			}
			if _, ok := state.Participants[member.UserID]; ok {
				continue
			}
			seeded := *member
			state.Participants[member.UserID] = &seeded
		}
		recomputeMetadata(m, state, now)
	})
	if err != nil {
		return fmt.Errorf("seed participants: %w", err)
	}
	slog.Debug("participants seeded", "room_id", string(roomID), "count", len(members))
	return nil
}

// MetadataPatch is a partial update of room metadata; nil fields are left
// untouched.
type MetadataPatch struct {
	Name        *string
	Topic       *string
	AvatarURL   *string
	IsDirect    *bool
	IsEncrypted *bool
}

// ApplyMetadataEvent merges the patch into the room's metadata. Participant
// records are never touched here.
func (t *Tracker) ApplyMetadataEvent(ctx context.Context, roomID types.RoomID, patch *MetadataPatch) error {
	if roomID == "" {
		return fmt.Errorf("metadata event missing room")
	}

	_, err := t.store.Mutate(ctx, roomID, func(m *types.SessionMapping) {
		state := ensureState(m, time.Now())
		if patch.Name != nil {
			state.Metadata.Name = *patch.Name
			m.Title = *patch.Name
		}
		if patch.Topic != nil {
			state.Metadata.Topic = *patch.Topic
		}
		if patch.AvatarURL != nil {
			state.Metadata.AvatarURL = *patch.AvatarURL
		}
		if patch.IsDirect != nil {
			state.Metadata.IsDirect = *patch.IsDirect
		}
		if patch.IsEncrypted != nil {
			state.Metadata.IsEncrypted = *patch.IsEncrypted
		}
		state.Metadata.LastActivity = time.Now()
	})
	if err != nil {
		return fmt.Errorf("apply metadata event: %w", err)
	}
	return nil
}

// ensureState lazily creates the RoomState on first event.
func ensureState(m *types.SessionMapping, at time.Time) *types.RoomState {
	if m.RoomState == nil {
		m.RoomState = &types.RoomState{
			Metadata:     types.RoomMetadata{CreatedAt: at},
			Participants: make(map[types.UserID]*types.Participant),
		}
	}
	if m.RoomState.Participants == nil {
		m.RoomState.Participants = make(map[types.UserID]*types.Participant)
	}
	return m.RoomState
}

// recomputeMetadata maintains the derived fields: member count always
// equals the number of joined participants, the cached participant set on
// the mapping mirrors joined users, and the collaborative flag latches once
// more than two users have been active together.
func recomputeMetadata(m *types.SessionMapping, state *types.RoomState, at time.Time) {
	joined := make([]types.UserID, 0, len(state.Participants))
	for id, p := range state.Participants {
		if p.Membership == types.MembershipJoin {
			joined = append(joined, id)
		}
	}
	sort.Slice(joined, func(i, j int) bool { return joined[i] < joined[j] })
	state.Metadata.MemberCount = len(joined)
	state.Metadata.LastActivity = at
	m.Participants = joined
	if len(joined) > 2 {
		m.IsCollaborative = true
	}
}
