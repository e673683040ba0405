// internal/reconcile/reconciler_test.go
package reconcile

import (
	"context"
	"fmt"
	"testing"

	"github.com/user/roomsync/internal/types"
)

type fakeRooms struct {
	messages []*types.RemoteMessage
	err      error
}

func (f *fakeRooms) ListMessages(_ context.Context, _ types.RoomID, limit int) ([]*types.RemoteMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.messages) > limit {
		return f.messages[:limit], nil
	}
	return append([]*types.RemoteMessage(nil), f.messages...), nil
}

func (f *fakeRooms) ListMembers(context.Context, types.RoomID) ([]*types.Participant, error) {
	return nil, nil
}
func (f *fakeRooms) SendMessage(context.Context, types.RoomID, string) error   { return nil }
func (f *fakeRooms) JoinRoom(context.Context, types.RoomID) error              { return nil }
func (f *fakeRooms) InviteUser(context.Context, types.RoomID, types.UserID) error { return nil }

type fakeBackend struct {
	conversation []*types.LocalMessage
	failGet      bool
	failReplace  bool
	failAppends  map[types.MessageID]bool
	appendOrder  []types.MessageID
}

func (f *fakeBackend) CreateSession(_ context.Context, title string) (*types.Session, error) {
	return &types.Session{ID: "sess-1", Description: title}, nil
}

func (f *fakeBackend) GetSession(_ context.Context, id types.SessionID) (*types.Session, error) {
	if f.failGet {
		return nil, fmt.Errorf("backend timeout")
	}
	return &types.Session{ID: id, Conversation: f.conversation}, nil
}

func (f *fakeBackend) UpdateDescription(context.Context, types.SessionID, string) error { return nil }

func (f *fakeBackend) AppendMessage(_ context.Context, _ types.SessionID, msg *types.LocalMessage) error {
	if f.failAppends[msg.ID] {
		return fmt.Errorf("append rejected")
	}
	f.conversation = append(f.conversation, msg)
	f.appendOrder = append(f.appendOrder, msg.ID)
	return nil
}

func (f *fakeBackend) ReplaceHistory(_ context.Context, _ types.SessionID, msgs []*types.LocalMessage) error {
	if f.failReplace {
		return fmt.Errorf("bulk endpoint unavailable")
	}
	f.conversation = msgs
	return nil
}

func remoteMsg(tsMs int64, content string) *types.RemoteMessage {
	return &types.RemoteMessage{
		ID:        fmt.Sprintf("$%d", tsMs),
		Content:   content,
		Timestamp: tsMs,
		Sender:    "@a:hs",
		Role:      types.RoleUser,
	}
}

func localMsg(createdSec int64, text string) *types.LocalMessage {
	return &types.LocalMessage{
		ID:      types.NewMessageID("matrix", createdSec*1000),
		Role:    types.RoleUser,
		Content: []types.ContentPart{{Type: "text", Text: text}},
		Created: createdSec,
	}
}

func TestReconcileConcreteScenario(t *testing.T) {
	rooms := &fakeRooms{messages: []*types.RemoteMessage{
		remoteMsg(1000_000, "hi"),
		remoteMsg(2000_000, "yo"),
	}}
	backend := &fakeBackend{conversation: []*types.LocalMessage{localMsg(1000, "hi")}}
	r := New(rooms, backend)

	result := r.Reconcile(context.Background(), "!room:hs", "sess-1", Options{})
	if !result.Success {
		t.Fatalf("expected success, errors: %v", result.Errors)
	}
	if result.RemoteCount != 2 || result.LocalCount != 1 || result.AddedCount != 1 {
		t.Errorf("counts remote=%d local=%d added=%d, want 2/1/1",
			result.RemoteCount, result.LocalCount, result.AddedCount)
	}
	if len(backend.conversation) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(backend.conversation))
	}
	if backend.conversation[0].Created != 1000 || backend.conversation[1].Created != 2000 {
		t.Errorf("persisted order [%d,%d], want [1000,2000]",
			backend.conversation[0].Created, backend.conversation[1].Created)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	rooms := &fakeRooms{messages: []*types.RemoteMessage{
		remoteMsg(1000_000, "hello"),
		remoteMsg(2000_000, "world"),
	}}
	backend := &fakeBackend{}
	r := New(rooms, backend)
	ctx := context.Background()

	first := r.Reconcile(ctx, "!room:hs", "sess-1", Options{})
	if first.AddedCount != 2 {
		t.Fatalf("first pass added %d, want 2", first.AddedCount)
	}
	second := r.Reconcile(ctx, "!room:hs", "sess-1", Options{})
	if second.AddedCount != 0 {
		t.Errorf("second pass added %d, want 0", second.AddedCount)
	}
	if len(backend.conversation) != 2 {
		t.Errorf("conversation grew to %d", len(backend.conversation))
	}
}

func TestToleranceWindowBoundary(t *testing.T) {
	const baseSec = 1700000000
	cases := []struct {
		name      string
		localSec  int64
		wantAdded int
	}{
		{"five seconds late matches", baseSec + 5, 0},
		{"five seconds early matches", baseSec - 5, 0},
		{"six seconds late misses", baseSec + 6, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rooms := &fakeRooms{messages: []*types.RemoteMessage{remoteMsg(baseSec*1000, "same text")}}
			backend := &fakeBackend{conversation: []*types.LocalMessage{localMsg(tc.localSec, "same text")}}
			result := New(rooms, backend).Reconcile(context.Background(), "!room:hs", "sess-1", Options{})
			if result.AddedCount != tc.wantAdded {
				t.Errorf("added %d, want %d", result.AddedCount, tc.wantAdded)
			}
		})
	}
}

func TestContentNormalization(t *testing.T) {
	rooms := &fakeRooms{messages: []*types.RemoteMessage{remoteMsg(1000_000, "  Hello   WORLD \n")}}
	backend := &fakeBackend{conversation: []*types.LocalMessage{localMsg(1000, "hello world")}}
	result := New(rooms, backend).Reconcile(context.Background(), "!room:hs", "sess-1", Options{})
	if result.AddedCount != 0 {
		t.Errorf("whitespace/case variants should match, added %d", result.AddedCount)
	}
}

func TestChronologicalMergeOfUnorderedRemote(t *testing.T) {
	rooms := &fakeRooms{messages: []*types.RemoteMessage{
		remoteMsg(3000, "third"),
		remoteMsg(1000, "first"),
		remoteMsg(2000, "second"),
	}}
	backend := &fakeBackend{}
	result := New(rooms, backend).Reconcile(context.Background(), "!room:hs", "sess-1", Options{})
	if result.AddedCount != 3 {
		t.Fatalf("added %d, want 3", result.AddedCount)
	}
	got := make([]int64, 0, len(backend.conversation))
	for _, m := range backend.conversation {
		got = append(got, m.Created)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("persisted order %v, want [1 2 3]", got)
	}
}

func TestEmptyMessagesSkipped(t *testing.T) {
	rooms := &fakeRooms{messages: []*types.RemoteMessage{
		remoteMsg(1000_000, "   \n\t "),
		remoteMsg(2000_000, ""),
		remoteMsg(3000_000, "real"),
	}}
	backend := &fakeBackend{}
	result := New(rooms, backend).Reconcile(context.Background(), "!room:hs", "sess-1", Options{})
	if result.AddedCount != 1 {
		t.Errorf("added %d, want 1 (blank messages skipped)", result.AddedCount)
	}
}

func TestLocalFetchFailureDegradesToEmpty(t *testing.T) {
	rooms := &fakeRooms{messages: []*types.RemoteMessage{remoteMsg(1000_000, "hi")}}
	backend := &fakeBackend{failGet: true}
	result := New(rooms, backend).Reconcile(context.Background(), "!room:hs", "sess-1", Options{})
	if !result.Success {
		t.Error("local fetch failure must not abort the pass")
	}
	if len(result.Errors) == 0 {
		t.Error("expected fetch error collected")
	}
	if result.AddedCount != 1 {
		t.Errorf("added %d, want 1 (everything re-added)", result.AddedCount)
	}
}

func TestRemoteFetchFailure(t *testing.T) {
	rooms := &fakeRooms{err: fmt.Errorf("homeserver unreachable")}
	backend := &fakeBackend{}
	result := New(rooms, backend).Reconcile(context.Background(), "!room:hs", "sess-1", Options{})
	if result.Success {
		t.Error("expected success=false without remote history")
	}
	if len(result.Errors) != 1 {
		t.Errorf("expected 1 error, got %v", result.Errors)
	}
}

func TestBulkReplaceFallsBackToAppend(t *testing.T) {
	rooms := &fakeRooms{messages: []*types.RemoteMessage{
		remoteMsg(1000_000, "one"),
		remoteMsg(2000_000, "two"),
		remoteMsg(3000_000, "three"),
	}}
	backend := &fakeBackend{
		failReplace: true,
		failAppends: map[types.MessageID]bool{types.NewMessageID("matrix", 2000_000): true},
	}
	result := New(rooms, backend).Reconcile(context.Background(), "!room:hs", "sess-1", Options{})

	// Bulk failure plus one append failure; the other appends still land.
	if len(result.Errors) != 2 {
		t.Errorf("expected 2 errors (bulk + one append), got %v", result.Errors)
	}
	if len(backend.appendOrder) != 2 {
		t.Fatalf("expected 2 appended messages, got %d", len(backend.appendOrder))
	}
	if backend.appendOrder[0] != types.NewMessageID("matrix", 1000_000) ||
		backend.appendOrder[1] != types.NewMessageID("matrix", 3000_000) {
		t.Errorf("append order wrong: %v", backend.appendOrder)
	}
}

func TestFormattedBodyIdempotent(t *testing.T) {
	msg := remoteMsg(1000_000, "hello world fallback")
	msg.FormattedBody = "<p>hello <strong>world</strong></p>"
	rooms := &fakeRooms{messages: []*types.RemoteMessage{msg}}
	backend := &fakeBackend{}
	r := New(rooms, backend)
	ctx := context.Background()

	first := r.Reconcile(ctx, "!room:hs", "sess-1", Options{})
	if first.AddedCount != 1 {
		t.Fatalf("first pass added %d, want 1", first.AddedCount)
	}
	// The stored flattened form must match itself on the next pass.
	second := r.Reconcile(ctx, "!room:hs", "sess-1", Options{})
	if second.AddedCount != 0 {
		t.Errorf("second pass added %d, want 0", second.AddedCount)
	}
}

func TestMessageLimitRespected(t *testing.T) {
	var msgs []*types.RemoteMessage
	for i := int64(1); i <= 10; i++ {
		msgs = append(msgs, remoteMsg(i*1000_000, fmt.Sprintf("msg %d", i)))
	}
	rooms := &fakeRooms{messages: msgs}
	backend := &fakeBackend{}
	result := New(rooms, backend).Reconcile(context.Background(), "!room:hs", "sess-1", Options{MessageLimit: 4})
	if result.RemoteCount != 4 {
		t.Errorf("remote count %d, want 4", result.RemoteCount)
	}
}
