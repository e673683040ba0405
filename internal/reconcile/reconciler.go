// internal/reconcile/reconciler.go
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/user/roomsync/internal/types"
)

// toleranceSeconds is how far apart (either direction) a remote and local
// timestamp may be and still refer to the same message. Cross-system clocks
// and network hops introduce sub-10s skew; the window is fixed, not
// per-call configurable.
const toleranceSeconds = 5

// DefaultMessageLimit bounds how much remote history one pass fetches.
const DefaultMessageLimit = 100

// Options tune a single reconciliation pass.
type Options struct {
	MessageLimit int
}

// Reconciler diffs the canonical remote history of a room against the local
// session mirror and applies the remote-only delta locally. The direction is
// strictly remote→local; local-only messages are never pushed back.
type Reconciler struct {
	rooms   types.RoomClient
	backend types.BackendClient
}

func New(rooms types.RoomClient, backend types.BackendClient) *Reconciler {
	return &Reconciler{rooms: rooms, backend: backend}
}

// Reconcile fetches both histories, finds remote messages absent locally,
// and persists them in chronological order. Fetch and write failures are
// collected into the result, never raised; a failed local fetch degrades to
// "local is empty" so the pass can still converge by adding everything.
func (r *Reconciler) Reconcile(ctx context.Context, roomID types.RoomID, sessionID types.SessionID, opts Options) *types.SyncResult {
	result := &types.SyncResult{Success: true}

	limit := opts.MessageLimit
	if limit <= 0 {
		limit = DefaultMessageLimit
	}

	remote, err := r.rooms.ListMessages(ctx, roomID, limit)
	if err != nil {
		result.Success = false
		result.Errors = append(result.Errors, fmt.Sprintf("fetch remote messages: %v", err))
		return result
	}
	// The source makes no ordering guarantee.
	sort.SliceStable(remote, func(i, j int) bool { return remote[i].Timestamp < remote[j].Timestamp })
	result.RemoteCount = len(remote)

	var local []*types.LocalMessage
	session, err := r.backend.GetSession(ctx, sessionID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("fetch local history: %v", err))
	} else {
		local = session.Conversation
	}
	result.LocalCount = len(local)

	missing := diff(remote, local)
	if len(missing) == 0 {
		return result
	}

	added := convert(missing)
	result.AddedCount = len(added)
	r.persist(ctx, sessionID, local, added, result)

	slog.Info("history reconciled",
		"room_id", string(roomID), "session_id", string(sessionID),
		"remote", result.RemoteCount, "local", result.LocalCount,
		"added", result.AddedCount, "errors", len(result.Errors))
	return result
}

// diff returns the remote messages with no local counterpart. A local
// message counts as a counterpart when it sits within the tolerance window
// of the remote timestamp and its normalized text matches exactly. The two
// systems share no message ID space, so matching is content+time only.
func diff(remote []*types.RemoteMessage, local []*types.LocalMessage) []*types.RemoteMessage {
	// Index local messages by integer-second timestamp for O(1) candidate
	// lookup per window offset.
	bySecond := make(map[int64][]*types.LocalMessage, len(local))
	for _, msg := range local {
		bySecond[msg.Created] = append(bySecond[msg.Created], msg)
	}

	var missing []*types.RemoteMessage
	for _, msg := range remote {
		text := normalizeContent(remoteText(msg))
		if text == "" {
			// Empty remote messages are never mirrored.
			continue
		}
		second := msg.Timestamp / 1000
		matched := false
		for offset := int64(-toleranceSeconds); offset <= toleranceSeconds && !matched; offset++ {
			for _, candidate := range bySecond[second+offset] {
				if normalizeContent(candidate.Text()) == text {
					matched = true
					break
				}
			}
		}
		if !matched {
			missing = append(missing, msg)
		}
	}
	return missing
}

// convert turns missing remote messages into local message shapes, in
// ascending timestamp order.
func convert(missing []*types.RemoteMessage) []*types.LocalMessage {
	// Already ascending from the fetch sort; re-assert for safety.
	sort.SliceStable(missing, func(i, j int) bool { return missing[i].Timestamp < missing[j].Timestamp })

	out := make([]*types.LocalMessage, 0, len(missing))
	for _, msg := range missing {
		text := strings.TrimSpace(remoteText(msg))
		if text == "" {
			continue
		}
		role := msg.Role
		if role == "" {
			role = types.RoleUser
		}
		out = append(out, &types.LocalMessage{
			ID:      types.NewMessageID("matrix", msg.Timestamp),
			Role:    role,
			Content: []types.ContentPart{{Type: "text", Text: text}},
			Created: msg.Timestamp / 1000,
			Sender:  msg.Sender,
		})
	}
	return out
}

// persist writes the missing messages to the backend. The bulk replace path
// is preferred; when it fails, each message is appended individually and
// individual failures are collected without aborting the loop.
func (r *Reconciler) persist(ctx context.Context, sessionID types.SessionID, local, added []*types.LocalMessage, result *types.SyncResult) {
	merged := make([]*types.LocalMessage, 0, len(local)+len(added))
	merged = append(merged, local...)
	merged = append(merged, added...)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Created < merged[j].Created })

	err := r.backend.ReplaceHistory(ctx, sessionID, merged)
	if err == nil {
		return
	}
	result.Errors = append(result.Errors, fmt.Sprintf("bulk replace failed: %v", err))
	slog.Warn("bulk replace failed, falling back to per-message append",
		"session_id", string(sessionID), "error", err)

	for _, msg := range added {
		if err := r.backend.AppendMessage(ctx, sessionID, msg); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("append message %s: %v", msg.ID, err))
		}
	}
}
