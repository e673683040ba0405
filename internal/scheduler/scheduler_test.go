// internal/scheduler/scheduler_test.go
package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/user/roomsync/internal/kvstore"
	"github.com/user/roomsync/internal/mapping"
	"github.com/user/roomsync/internal/reconcile"
	"github.com/user/roomsync/internal/syncer"
	"github.com/user/roomsync/internal/types"
)

type fakeRooms struct {
	mu     sync.Mutex
	listed []types.RoomID
}

func (f *fakeRooms) ListMessages(_ context.Context, roomID types.RoomID, _ int) ([]*types.RemoteMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listed = append(f.listed, roomID)
	return []*types.RemoteMessage{
		{ID: "$1", Content: "hello", Timestamp: 1000, Sender: "@alice:hs", Role: types.RoleUser},
	}, nil
}

func (f *fakeRooms) ListMembers(context.Context, types.RoomID) ([]*types.Participant, error) {
	return nil, nil
}
func (f *fakeRooms) SendMessage(context.Context, types.RoomID, string) error      { return nil }
func (f *fakeRooms) JoinRoom(context.Context, types.RoomID) error                 { return nil }
func (f *fakeRooms) InviteUser(context.Context, types.RoomID, types.UserID) error { return nil }

type fakeBackend struct{}

func (fakeBackend) CreateSession(_ context.Context, title string) (*types.Session, error) {
	return &types.Session{ID: types.NewSessionID(), Description: title}, nil
}
func (fakeBackend) GetSession(_ context.Context, id types.SessionID) (*types.Session, error) {
	return &types.Session{ID: id}, nil
}
func (fakeBackend) UpdateDescription(context.Context, types.SessionID, string) error { return nil }
func (fakeBackend) AppendMessage(context.Context, types.SessionID, *types.LocalMessage) error {
	return nil
}
func (fakeBackend) ReplaceHistory(context.Context, types.SessionID, []*types.LocalMessage) error {
	return nil
}

func newScheduler(t *testing.T, cfg Config) (*Scheduler, *mapping.Store, *fakeRooms) {
	t.Helper()
	kv := kvstore.NewFile(filepath.Join(t.TempDir(), "kv.json"))
	store := mapping.NewStore(kv, fakeBackend{})
	rooms := &fakeRooms{}
	coord := syncer.New(reconcile.New(rooms, fakeBackend{}), store, 2)
	return New(store, coord, cfg), store, rooms
}

func TestSweepRemovesStaleMappings(t *testing.T) {
	s, store, _ := newScheduler(t, Config{MaxAge: time.Nanosecond})
	ctx := context.Background()

	if _, err := store.CreateMapping(ctx, "!stale:hs", nil, ""); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	s.Sweep(ctx)
	if _, ok, _ := store.LookupByRoomID(ctx, "!stale:hs"); ok {
		t.Error("mapping past the retention window should be swept")
	}

	long, _, _ := newScheduler(t, Config{MaxAge: 30 * 24 * time.Hour})
	long.mappings = store
	store.CreateMapping(ctx, "!fresh:hs", nil, "")
	long.Sweep(ctx)
	if _, ok, _ := store.LookupByRoomID(ctx, "!fresh:hs"); !ok {
		t.Error("fresh mapping should survive a 30-day sweep")
	}
}

func TestResyncAllCoversEveryRoom(t *testing.T) {
	s, store, rooms := newScheduler(t, Config{})
	ctx := context.Background()

	store.CreateMapping(ctx, "!a:hs", nil, "")
	store.CreateMapping(ctx, "!b:hs", nil, "")

	s.ResyncAll(ctx)

	rooms.mu.Lock()
	defer rooms.mu.Unlock()
	seen := map[types.RoomID]bool{}
	for _, id := range rooms.listed {
		seen[id] = true
	}
	if !seen["!a:hs"] || !seen["!b:hs"] {
		t.Errorf("resync missed rooms: %v", rooms.listed)
	}
}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	s, _, _ := newScheduler(t, Config{SweepSchedule: "not a cron expr"})
	if err := s.Start(context.Background()); err == nil {
		t.Error("expected invalid schedule to error")
	}
	s.Stop()
}

func TestStartAcceptsSecondsField(t *testing.T) {
	s, _, _ := newScheduler(t, Config{
		SweepSchedule:  "*/30 * * * * *",
		ResyncSchedule: "@every 15m",
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("six-field schedule rejected: %v", err)
	}
	s.Stop()
}
