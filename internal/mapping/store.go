// internal/mapping/store.go
package mapping

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/user/roomsync/internal/types"
)

// StorageKey is the single key under which the whole registry is persisted.
const StorageKey = "matrix_session_mappings"

// Store is the durable registry linking rooms to sessions. It is the sole
// owner of the bijection invariant (one room, one session, both directions)
// and the only component that writes to its storage key.
type Store struct {
	kv      types.KVStore
	backend types.BackendClient

	mu     sync.RWMutex
	byRoom map[types.RoomID]*types.SessionMapping
	loaded bool
}

// NewStore creates a Store over the given key-value substrate. The backend
// client is used to allocate real sessions; it may be nil, in which case
// every mapping gets a local-only placeholder session ID.
func NewStore(kv types.KVStore, backend types.BackendClient) *Store {
	return &Store{
		kv:      kv,
		backend: backend,
		byRoom:  make(map[types.RoomID]*types.SessionMapping),
	}
}

// load reads the registry blob from storage once. Caller must hold s.mu.
func (s *Store) load(ctx context.Context) error {
	if s.loaded {
		return nil
	}

	data, ok, err := s.kv.Get(ctx, StorageKey)
	if err != nil {
		return fmt.Errorf("read mapping registry: %w", err)
	}
	if ok {
		byRoom, err := decodeRegistry(data)
		if err != nil {
			return fmt.Errorf("decode mapping registry: %w", err)
		}
		s.byRoom = byRoom
	}
	s.loaded = true
	return nil
}

// persist writes the full registry back to storage. Caller must hold s.mu.
func (s *Store) persist(ctx context.Context) error {
	data, err := encodeRegistry(s.byRoom)
	if err != nil {
		return fmt.Errorf("encode mapping registry: %w", err)
	}
	if err := s.kv.Set(ctx, StorageKey, data); err != nil {
		return fmt.Errorf("write mapping registry: %w", err)
	}
	return nil
}

// clone deep-copies a mapping. Registry entries are mutated in place under
// s.mu, so pointers into the registry must never escape the lock; every
// public read path hands out a snapshot instead.
func clone(m *types.SessionMapping) *types.SessionMapping {
	if m == nil {
		return nil
	}
	out := *m
	out.Participants = append([]types.UserID(nil), m.Participants...)
	if m.RoomState != nil {
		rs := &types.RoomState{
			Metadata:          m.RoomState.Metadata,
			Participants:      make(map[types.UserID]*types.Participant, len(m.RoomState.Participants)),
			MembershipHistory: append([]types.MembershipEntry(nil), m.RoomState.MembershipHistory...),
		}
		for id, p := range m.RoomState.Participants {
			cp := *p
			if p.LeftAt != nil {
				left := *p.LeftAt
				cp.LeftAt = &left
			}
			rs.Participants[id] = &cp
		}
		out.RoomState = rs
	}
	return &out
}

// pushDescription re-stamps the recovery token on the backend session.
// RecoverFromSession reads the description on a cold cache, so the token has
// to track title and participant changes, not just the creation-time
// snapshot. Best-effort: a failed stamp only degrades recovery fidelity.
func (s *Store) pushDescription(ctx context.Context, sessionID types.SessionID, description string) {
	if s.backend == nil || types.IsLocalSessionID(sessionID) {
		return
	}
	if err := s.backend.UpdateDescription(ctx, sessionID, description); err != nil {
		slog.Warn("embed mapping metadata failed", "session_id", string(sessionID), "error", err)
	}
}

// allocateSessionID asks the backend for a real session, falling back to a
// local placeholder ID when the backend is unavailable. The mapping must
// keep working with degraded backend linkage.
func (s *Store) allocateSessionID(ctx context.Context, title string) types.SessionID {
	if s.backend == nil {
		return types.NewLocalSessionID()
	}
	session, err := s.backend.CreateSession(ctx, title)
	if err != nil {
		slog.Warn("backend session allocation failed, using local fallback", "error", err)
		return types.NewLocalSessionID()
	}
	return session.ID
}

// sessionInUse reports whether sessionID is already claimed by a room other
// than roomID. Caller must hold s.mu.
func (s *Store) sessionInUse(sessionID types.SessionID, roomID types.RoomID) bool {
	for _, m := range s.byRoom {
		if m.SessionID == sessionID && m.RoomID != roomID {
			return true
		}
	}
	return false
}

// CreateMapping registers a room with a freshly allocated session. If the
// room is already mapped the existing mapping is returned untouched.
func (s *Store) CreateMapping(ctx context.Context, roomID types.RoomID, participants []types.UserID, title string) (*types.SessionMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		return nil, err
	}

	if existing, ok := s.byRoom[roomID]; ok {
		return clone(existing), nil
	}

	sessionID := s.allocateSessionID(ctx, title)
	if s.sessionInUse(sessionID, roomID) {
		slog.Error("allocated session already mapped to another room, regenerating",
			"session_id", string(sessionID), "room_id", string(roomID))
		sessionID = types.NewLocalSessionID()
	}

	now := time.Now()
	m := &types.SessionMapping{
		RoomID:       roomID,
		SessionID:    sessionID,
		CreatedAt:    now,
		LastUsed:     now,
		Participants: append([]types.UserID(nil), participants...),
		Title:        title,
	}
	if len(participants) > 2 {
		m.IsCollaborative = true
	}
	s.byRoom[roomID] = m

	if err := s.persist(ctx); err != nil {
		return nil, err
	}

	// Stamp the recovery token into the backend session description so the
	// mapping survives a lost local cache.
	s.pushDescription(ctx, sessionID, EmbedMetadata(m))

	slog.Info("mapping created", "room_id", string(roomID), "session_id", string(sessionID))
	return clone(m), nil
}

// EnsureMappingExists returns the mapping for roomID, creating one when
// absent. Used by recovery flows reopening a room on a cold cache.
func (s *Store) EnsureMappingExists(ctx context.Context, roomID types.RoomID, title string) (*types.SessionMapping, error) {
	if m, ok, err := s.LookupByRoomID(ctx, roomID); err != nil {
		return nil, err
	} else if ok {
		return m, nil
	}
	return s.CreateMapping(ctx, roomID, nil, title)
}

// LookupByRoomID returns the mapping for roomID. Absence is reported via
// ok=false, never as an error.
func (s *Store) LookupByRoomID(ctx context.Context, roomID types.RoomID) (*types.SessionMapping, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		return nil, false, err
	}
	m, ok := s.byRoom[roomID]
	return clone(m), ok, nil
}

// LookupBySessionID is the reverse lookup. Linear over the registry; the
// registry stays small enough (one entry per room) for that not to matter.
func (s *Store) LookupBySessionID(ctx context.Context, sessionID types.SessionID) (*types.SessionMapping, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		return nil, false, err
	}
	for _, m := range s.byRoom {
		if m.SessionID == sessionID {
			return clone(m), true, nil
		}
	}
	return nil, false, nil
}

// List returns all mappings sorted by room ID.
func (s *Store) List(ctx context.Context) ([]*types.SessionMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		return nil, err
	}
	out := make([]*types.SessionMapping, 0, len(s.byRoom))
	for _, m := range s.byRoom {
		out = append(out, clone(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out, nil
}

// UpdateParticipants replaces the cached participant set and bumps LastUsed.
func (s *Store) UpdateParticipants(ctx context.Context, roomID types.RoomID, participants []types.UserID) error {
	return s.mutate(ctx, roomID, func(m *types.SessionMapping) {
		m.Participants = append([]types.UserID(nil), participants...)
		if len(participants) > 2 {
			m.IsCollaborative = true
		}
	})
}

// UpdateTitle sets the mapping title and bumps LastUsed.
func (s *Store) UpdateTitle(ctx context.Context, roomID types.RoomID, title string) error {
	return s.mutate(ctx, roomID, func(m *types.SessionMapping) {
		m.Title = title
	})
}

// Touch bumps LastUsed, keeping the mapping out of the TTL sweep.
func (s *Store) Touch(ctx context.Context, roomID types.RoomID) error {
	return s.mutate(ctx, roomID, func(*types.SessionMapping) {})
}

// mutate applies fn to an existing mapping under the lock, bumps LastUsed,
// and persists. Unknown rooms are an error; callers that need implicit
// creation go through Mutate.
func (s *Store) mutate(ctx context.Context, roomID types.RoomID, fn func(*types.SessionMapping)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		return err
	}
	m, ok := s.byRoom[roomID]
	if !ok {
		return fmt.Errorf("no mapping for room %s", roomID)
	}
	before := EmbedMetadata(m)
	fn(m)
	m.LastUsed = time.Now()
	if err := s.persist(ctx); err != nil {
		return err
	}
	if description := EmbedMetadata(m); description != before {
		s.pushDescription(ctx, m.SessionID, description)
	}
	return nil
}

// Mutate runs fn against the mapping for roomID and persists the registry.
// The mapping is created first when absent, so event consumers never drop
// updates for rooms they have not seen before. fn runs under the registry
// lock and must not retain its argument; the returned mapping is a snapshot.
func (s *Store) Mutate(ctx context.Context, roomID types.RoomID, fn func(*types.SessionMapping)) (*types.SessionMapping, error) {
	if _, err := s.EnsureMappingExists(ctx, roomID, ""); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byRoom[roomID]
	if !ok {
		return nil, fmt.Errorf("no mapping for room %s", roomID)
	}
	before := EmbedMetadata(m)
	fn(m)
	m.LastUsed = time.Now()
	if err := s.persist(ctx); err != nil {
		return nil, err
	}
	if description := EmbedMetadata(m); description != before {
		s.pushDescription(ctx, m.SessionID, description)
	}
	return clone(m), nil
}

// Remove deletes the mapping for roomID (explicit user-initiated removal).
func (s *Store) Remove(ctx context.Context, roomID types.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		return err
	}
	if _, ok := s.byRoom[roomID]; !ok {
		return nil
	}
	delete(s.byRoom, roomID)
	return s.persist(ctx)
}

// CleanupStale removes mappings whose LastUsed is older than maxAge and
// returns how many were purged.
func (s *Store) CleanupStale(ctx context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for roomID, m := range s.byRoom {
		if m.LastUsed.Before(cutoff) {
			delete(s.byRoom, roomID)
			removed++
			slog.Info("purged stale mapping", "room_id", string(roomID), "last_used", m.LastUsed)
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.persist(ctx)
}

// RecoverFromSession rebuilds a mapping from the recovery token embedded in
// a backend session's description. This is the cold-cache disaster path:
// the session exists remotely but the local registry has never seen it.
func (s *Store) RecoverFromSession(ctx context.Context, sessionID types.SessionID) (*types.SessionMapping, error) {
	if s.backend == nil {
		return nil, fmt.Errorf("no backend configured")
	}
	session, err := s.backend.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("fetch session %s: %w", sessionID, err)
	}
	recovered, ok := ExtractMetadata(session.Description)
	if !ok {
		return nil, fmt.Errorf("session %s carries no embedded metadata", sessionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		return nil, err
	}
	if existing, ok := s.byRoom[recovered.RoomID]; ok {
		return clone(existing), nil
	}
	if s.sessionInUse(sessionID, recovered.RoomID) {
		return nil, fmt.Errorf("session %s already mapped to another room", sessionID)
	}

	recovered.SessionID = sessionID
	recovered.LastUsed = time.Now()
	s.byRoom[recovered.RoomID] = recovered
	if err := s.persist(ctx); err != nil {
		return nil, err
	}

	slog.Info("mapping recovered from session metadata",
		"room_id", string(recovered.RoomID), "session_id", string(sessionID))
	return clone(recovered), nil
}
