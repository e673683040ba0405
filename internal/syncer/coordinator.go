// internal/syncer/coordinator.go
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/roomsync/internal/mapping"
	"github.com/user/roomsync/internal/reconcile"
	"github.com/user/roomsync/internal/types"
)

// Coordinator is the orchestration entry point for room syncs. Per room it
// enforces logical single-flight: a sync request for a room that is already
// running is rejected immediately, never queued. Syncs for different rooms
// run in parallel up to a global concurrency cap.
type Coordinator struct {
	reconciler *reconcile.Reconciler
	mappings   *mapping.Store
	semaphore  *semaphore.Weighted

	mu         sync.Mutex
	inProgress map[types.RoomID]bool
	lastSync   map[types.RoomID]time.Time
}

// New creates a Coordinator allowing up to maxConcurrent simultaneous syncs
// across different rooms.
func New(reconciler *reconcile.Reconciler, mappings *mapping.Store, maxConcurrent int64) *Coordinator {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Coordinator{
		reconciler: reconciler,
		mappings:   mappings,
		semaphore:  semaphore.NewWeighted(maxConcurrent),
		inProgress: make(map[types.RoomID]bool),
		lastSync:   make(map[types.RoomID]time.Time),
	}
}

// tryAcquire marks the room as running. Returns false when a sync for the
// room is already in flight.
func (c *Coordinator) tryAcquire(roomID types.RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inProgress[roomID] {
		return false
	}
	c.inProgress[roomID] = true
	return true
}

func (c *Coordinator) release(roomID types.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inProgress, roomID)
	c.lastSync[roomID] = time.Now()
}

// SyncRoom runs one reconcile-and-persist pass for the room. The second
// concurrent caller for the same room gets an immediate rejection; errors
// from the pass itself are surfaced only through the result, never raised.
func (c *Coordinator) SyncRoom(ctx context.Context, roomID types.RoomID, sessionID types.SessionID, opts reconcile.Options) *types.SyncResult {
	if !c.tryAcquire(roomID) {
		return &types.SyncResult{
			Success: false,
			Errors:  []string{"sync already in progress"},
		}
	}
	// Last-sync time is recorded and the room released on every exit path,
	// success and partial failure alike.
	defer c.release(roomID)

	if err := c.semaphore.Acquire(ctx, 1); err != nil {
		return &types.SyncResult{Success: false, Errors: []string{err.Error()}}
	}
	defer c.semaphore.Release(1)

	result := c.reconciler.Reconcile(ctx, roomID, sessionID, opts)

	if err := c.mappings.Touch(ctx, roomID); err != nil {
		slog.Warn("bump mapping after sync failed", "room_id", string(roomID), "error", err)
	}
	return result
}

// LastSyncTime returns when the room last finished a sync pass.
func (c *Coordinator) LastSyncTime(roomID types.RoomID) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.lastSync[roomID]
	return at, ok
}

// InFlight reports whether a sync for the room is currently running.
func (c *Coordinator) InFlight(roomID types.RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inProgress[roomID]
}

// ValidateMapping cross-checks that the registry's forward and reverse
// lookups both resolve to the expected pair. A mismatch is logged, not
// fatal; callers decide whether to rebuild the mapping.
func (c *Coordinator) ValidateMapping(ctx context.Context, roomID types.RoomID, sessionID types.SessionID) bool {
	byRoom, ok, err := c.mappings.LookupByRoomID(ctx, roomID)
	if err != nil || !ok || byRoom.SessionID != sessionID {
		slog.Error("mapping validation failed on forward lookup",
			"room_id", string(roomID), "session_id", string(sessionID), "error", err)
		return false
	}
	bySession, ok, err := c.mappings.LookupBySessionID(ctx, sessionID)
	if err != nil || !ok || bySession.RoomID != roomID {
		slog.Error("mapping validation failed on reverse lookup",
			"room_id", string(roomID), "session_id", string(sessionID), "error", err)
		return false
	}
	return true
}
