// internal/httpapi/server.go
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/user/roomsync/internal/mapping"
	"github.com/user/roomsync/internal/reconcile"
	"github.com/user/roomsync/internal/syncer"
	"github.com/user/roomsync/internal/types"
)

// Server is a lightweight HTTP handler for the local admin API.
type Server struct {
	mappings *mapping.Store
	coord    *syncer.Coordinator
	mux      *http.ServeMux
}

// NewServer creates a Server over the mapping store and sync coordinator.
func NewServer(mappings *mapping.Store, coord *syncer.Coordinator) *Server {
	s := &Server{
		mappings: mappings,
		coord:    coord,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/mappings", s.handleListMappings)
	s.mux.HandleFunc("GET /api/mappings/{roomID}", s.handleGetMapping)
	s.mux.HandleFunc("POST /api/sync/{roomID}", s.handleSync)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type mappingResponse struct {
	RoomID          string   `json:"room_id"`
	SessionID       string   `json:"session_id"`
	Title           string   `json:"title,omitempty"`
	Participants    []string `json:"participants"`
	IsCollaborative bool     `json:"is_collaborative"`
	CreatedAt       string   `json:"created_at"`
	LastUsed        string   `json:"last_used"`
	LastSync        string   `json:"last_sync,omitempty"`
	InFlight        bool     `json:"in_flight"`
}

func (s *Server) toResponse(m *types.SessionMapping) mappingResponse {
	resp := mappingResponse{
		RoomID:          string(m.RoomID),
		SessionID:       string(m.SessionID),
		Title:           m.Title,
		Participants:    make([]string, 0, len(m.Participants)),
		IsCollaborative: m.IsCollaborative,
		CreatedAt:       m.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		LastUsed:        m.LastUsed.Format("2006-01-02T15:04:05Z07:00"),
		InFlight:        s.coord.InFlight(m.RoomID),
	}
	for _, p := range m.Participants {
		resp.Participants = append(resp.Participants, string(p))
	}
	if at, ok := s.coord.LastSyncTime(m.RoomID); ok {
		resp.LastSync = at.Format("2006-01-02T15:04:05Z07:00")
	}
	return resp
}

func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	all, err := s.mappings.List(r.Context())
	if err != nil {
		slog.Error("list mappings failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	result := make([]mappingResponse, 0, len(all))
	for _, m := range all {
		result = append(result, s.toResponse(m))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastUsed > result[j].LastUsed
	})
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetMapping(w http.ResponseWriter, r *http.Request) {
	roomID := types.RoomID(r.PathValue("roomID"))
	m, ok, err := s.mappings.LookupByRoomID(r.Context(), roomID)
	if err != nil {
		slog.Error("lookup mapping failed", "room_id", roomID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no mapping for room"})
		return
	}
	writeJSON(w, http.StatusOK, s.toResponse(m))
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	roomID := types.RoomID(r.PathValue("roomID"))
	m, ok, err := s.mappings.LookupByRoomID(r.Context(), roomID)
	if err != nil {
		slog.Error("lookup mapping failed", "room_id", roomID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no mapping for room"})
		return
	}

	opts := reconcile.Options{}
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			opts.MessageLimit = n
		}
	}

	result := s.coord.SyncRoom(r.Context(), roomID, m.SessionID, opts)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusConflict
		for _, e := range result.Errors {
			if e != "sync already in progress" {
				status = http.StatusBadGateway
				break
			}
		}
	}
	writeJSON(w, status, result)
}
