// internal/matrix/stream.go
package matrix

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/user/roomsync/internal/dispatch"
	"github.com/user/roomsync/internal/types"
)

const syncTokenKey = "matrix_sync_token"

// Stream long-polls the homeserver's event stream and routes each event
// through the dispatch registry. The since token is persisted so a restart
// resumes where the previous run left off.
type Stream struct {
	client     *Client
	registry   *dispatch.Registry
	kv         types.KVStore
	timeout    time.Duration
	retryDelay time.Duration
}

// NewStream creates a stream over the given client and registry.
func NewStream(client *Client, registry *dispatch.Registry, kv types.KVStore) *Stream {
	return &Stream{
		client:     client,
		registry:   registry,
		kv:         kv,
		timeout:    30 * time.Second,
		retryDelay: 5 * time.Second,
	}
}

// Start polls until the context is cancelled.
func (s *Stream) Start(ctx context.Context) {
	since := s.loadToken(ctx)
	slog.Info("event stream starting", "resume", since != "")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		resp, err := s.client.Sync(ctx, since, s.timeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("sync poll failed", "error", err)
			select {
			case <-time.After(s.retryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, ev := range resp.Events() {
			if err := s.registry.Dispatch(ctx, ev); err != nil {
				if errors.Is(err, dispatch.ErrNoHandler) {
					continue
				}
				slog.Warn("event handler failed",
					"type", ev.Type, "room_id", ev.RoomID, "error", err)
			}
		}

		since = resp.NextBatch
		s.saveToken(ctx, since)
	}
}

func (s *Stream) loadToken(ctx context.Context) string {
	value, ok, err := s.kv.Get(ctx, syncTokenKey)
	if err != nil {
		slog.Warn("load sync token", "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	return string(value)
}

func (s *Stream) saveToken(ctx context.Context, token string) {
	if token == "" {
		return
	}
	if err := s.kv.Set(ctx, syncTokenKey, []byte(token)); err != nil {
		slog.Warn("save sync token", "error", err)
	}
}
