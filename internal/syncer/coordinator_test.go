// internal/syncer/coordinator_test.go
package syncer

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/user/roomsync/internal/kvstore"
	"github.com/user/roomsync/internal/mapping"
	"github.com/user/roomsync/internal/reconcile"
	"github.com/user/roomsync/internal/types"
)

// blockingRooms parks ListMessages until released, so tests can hold a sync
// in flight deterministically.
type blockingRooms struct {
	mu      sync.Mutex
	started map[types.RoomID]chan struct{}
	release chan struct{}
	err     error
}

func newBlockingRooms() *blockingRooms {
	return &blockingRooms{
		started: make(map[types.RoomID]chan struct{}),
		release: make(chan struct{}),
	}
}

func (f *blockingRooms) startedFor(roomID types.RoomID) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.started[roomID]
	if !ok {
		ch = make(chan struct{}, 8)
		f.started[roomID] = ch
	}
	return ch
}

func (f *blockingRooms) ListMessages(_ context.Context, roomID types.RoomID, _ int) ([]*types.RemoteMessage, error) {
	f.startedFor(roomID) <- struct{}{}
	<-f.release
	if f.err != nil {
		return nil, f.err
	}
	return nil, nil
}

func (f *blockingRooms) ListMembers(context.Context, types.RoomID) ([]*types.Participant, error) {
	return nil, nil
}
func (f *blockingRooms) SendMessage(context.Context, types.RoomID, string) error   { return nil }
func (f *blockingRooms) JoinRoom(context.Context, types.RoomID) error              { return nil }
func (f *blockingRooms) InviteUser(context.Context, types.RoomID, types.UserID) error { return nil }

type stubBackend struct{}

func (stubBackend) CreateSession(_ context.Context, title string) (*types.Session, error) {
	return &types.Session{ID: types.NewSessionID(), Description: title}, nil
}
func (stubBackend) GetSession(_ context.Context, id types.SessionID) (*types.Session, error) {
	return &types.Session{ID: id}, nil
}
func (stubBackend) UpdateDescription(context.Context, types.SessionID, string) error { return nil }
func (stubBackend) AppendMessage(context.Context, types.SessionID, *types.LocalMessage) error {
	return nil
}
func (stubBackend) ReplaceHistory(context.Context, types.SessionID, []*types.LocalMessage) error {
	return nil
}

func newCoordinator(t *testing.T, rooms types.RoomClient) (*Coordinator, *mapping.Store) {
	t.Helper()
	kv := kvstore.NewFile(filepath.Join(t.TempDir(), "kv.json"))
	store := mapping.NewStore(kv, stubBackend{})
	r := reconcile.New(rooms, stubBackend{})
	return New(r, store, 4), store
}

func TestSingleFlightPerRoom(t *testing.T) {
	rooms := newBlockingRooms()
	coord, store := newCoordinator(t, rooms)
	ctx := context.Background()

	m, err := store.CreateMapping(ctx, "!room:hs", nil, "")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var first *types.SyncResult
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = coord.SyncRoom(ctx, "!room:hs", m.SessionID, reconcile.Options{})
	}()

	// Wait for the first sync to be inside the remote fetch.
	<-rooms.startedFor("!room:hs")
	if !coord.InFlight("!room:hs") {
		t.Fatal("expected room marked in flight")
	}

	// Second caller is rejected immediately, not queued.
	second := coord.SyncRoom(ctx, "!room:hs", m.SessionID, reconcile.Options{})
	if second.Success {
		t.Error("expected second concurrent sync rejected")
	}
	if len(second.Errors) != 1 || second.Errors[0] != "sync already in progress" {
		t.Errorf("unexpected rejection errors: %v", second.Errors)
	}

	close(rooms.release)
	wg.Wait()
	if !first.Success {
		t.Errorf("first sync should succeed: %v", first.Errors)
	}

	// After completion a third call proceeds normally.
	third := coord.SyncRoom(ctx, "!room:hs", m.SessionID, reconcile.Options{})
	if !third.Success {
		t.Errorf("third sync should proceed: %v", third.Errors)
	}
}

func TestDifferentRoomsRunInParallel(t *testing.T) {
	rooms := newBlockingRooms()
	coord, store := newCoordinator(t, rooms)
	ctx := context.Background()

	a, _ := store.CreateMapping(ctx, "!a:hs", nil, "")
	b, _ := store.CreateMapping(ctx, "!b:hs", nil, "")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		coord.SyncRoom(ctx, "!a:hs", a.SessionID, reconcile.Options{})
	}()
	go func() {
		defer wg.Done()
		coord.SyncRoom(ctx, "!b:hs", b.SessionID, reconcile.Options{})
	}()

	// Both must enter their remote fetch concurrently.
	waitStarted := func(roomID types.RoomID) {
		select {
		case <-rooms.startedFor(roomID):
		case <-time.After(2 * time.Second):
			t.Fatalf("sync for %s never started", roomID)
		}
	}
	waitStarted("!a:hs")
	waitStarted("!b:hs")

	close(rooms.release)
	wg.Wait()
}

func TestLastSyncRecordedOnFailure(t *testing.T) {
	rooms := newBlockingRooms()
	rooms.err = fmt.Errorf("homeserver unreachable")
	close(rooms.release)
	coord, store := newCoordinator(t, rooms)
	ctx := context.Background()

	m, _ := store.CreateMapping(ctx, "!room:hs", nil, "")
	result := coord.SyncRoom(ctx, "!room:hs", m.SessionID, reconcile.Options{})
	if result.Success {
		t.Error("expected failed sync")
	}
	if _, ok := coord.LastSyncTime("!room:hs"); !ok {
		t.Error("last-sync time must be recorded on failure too")
	}
	if coord.InFlight("!room:hs") {
		t.Error("room must be released after failure")
	}
}

func TestValidateMapping(t *testing.T) {
	rooms := newBlockingRooms()
	close(rooms.release)
	coord, store := newCoordinator(t, rooms)
	ctx := context.Background()

	m, err := store.CreateMapping(ctx, "!room:hs", nil, "")
	if err != nil {
		t.Fatal(err)
	}

	if !coord.ValidateMapping(ctx, "!room:hs", m.SessionID) {
		t.Error("expected valid mapping to validate")
	}
	if coord.ValidateMapping(ctx, "!room:hs", "wrong-session") {
		t.Error("mismatched session must not validate")
	}
	if coord.ValidateMapping(ctx, "!other:hs", m.SessionID) {
		t.Error("unknown room must not validate")
	}
}

func TestSyncBumpsMappingLastUsed(t *testing.T) {
	rooms := newBlockingRooms()
	close(rooms.release)
	coord, store := newCoordinator(t, rooms)
	ctx := context.Background()

	m, _ := store.CreateMapping(ctx, "!room:hs", nil, "")
	before := m.LastUsed

	time.Sleep(10 * time.Millisecond)
	coord.SyncRoom(ctx, "!room:hs", m.SessionID, reconcile.Options{})

	after, _, _ := store.LookupByRoomID(ctx, "!room:hs")
	if !after.LastUsed.After(before) {
		t.Error("sync should bump mapping LastUsed")
	}
}
