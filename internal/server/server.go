// Package server exposes the HTTP and WebSocket API of the Leeriya
// collaborative music service: room creation and join over REST, plus the
// control and audio fan-out endpoints over WebSocket.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stevenp1015/leeriya/internal/observe"
	"github.com/stevenp1015/leeriya/internal/room"
	"github.com/stevenp1015/leeriya/internal/state"
	"github.com/stevenp1015/leeriya/internal/token"
)

// Config holds the server-scoped settings.
type Config struct {
	// TokenSecret signs join tokens.
	TokenSecret string

	// TokenTTL is how long issued join tokens stay valid.
	TokenTTL time.Duration

	// BaseURL is the public base URL used to build join links. Empty means
	// relative paths.
	BaseURL string

	// CORSOrigins lists allowed cross-origin values; "*" allows any.
	CORSOrigins []string
}

// Server routes HTTP and WebSocket traffic to the room manager.
type Server struct {
	cfg     Config
	rooms   *room.Manager
	metrics *observe.Metrics
}

// New creates a server over the given room manager.
func New(cfg Config, rooms *room.Manager) *Server {
	return &Server{
		cfg:     cfg,
		rooms:   rooms,
		metrics: observe.DefaultMetrics(),
	}
}

// Handler returns the fully assembled HTTP handler: API routes wrapped in
// request metrics and CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/rooms", s.handleCreateRoom)
	mux.HandleFunc("POST /api/rooms/{roomID}/join", s.handleJoinRoom)
	mux.HandleFunc("GET /api/rooms/{roomID}/state", s.handleRoomState)
	mux.HandleFunc("GET /ws/rooms/{roomID}/control", s.handleControlWS)
	mux.HandleFunc("GET /ws/rooms/{roomID}/audio", s.handleAudioWS)
	mux.Handle("GET /metrics", promhttp.Handler())

	var h http.Handler = mux
	h = observe.Middleware(s.metrics)(h)
	h = corsMiddleware(s.cfg.CORSOrigins)(h)
	return h
}

// handleHealth serves the liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createRoomResponse is the JSON body returned from room creation.
type createRoomResponse struct {
	RoomID  string `json:"room_id"`
	JoinURL string `json:"join_url"`
}

// handleCreateRoom handles POST /api/rooms.
func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	rm := s.rooms.CreateRoom()
	writeJSON(w, http.StatusOK, createRoomResponse{
		RoomID:  rm.ID(),
		JoinURL: s.joinURL(r, rm.ID()),
	})
}

// joinRequest is the JSON body for the join endpoint. PreferredRole is
// optional; when omitted the room picks the first free role.
type joinRequest struct {
	PreferredRole *state.Role `json:"preferred_role"`
}

// joinResponse is the JSON body returned from the join endpoint.
type joinResponse struct {
	RoomID string     `json:"room_id"`
	Role   state.Role `json:"role"`
	Token  string     `json:"token"`
}

// handleJoinRoom handles POST /api/rooms/{roomID}/join. A successful join
// reserves a role and returns a signed token that the WebSocket endpoints
// accept for the reservation's lifetime.
func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")

	// An empty body is a valid join request (no preferred role).
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PreferredRole != nil && !req.PreferredRole.IsValid() {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("invalid preferred_role %q", *req.PreferredRole))
		return
	}

	rm, err := s.rooms.GetRoom(roomID)
	if err != nil {
		httpError(w, http.StatusNotFound, "Room not found")
		return
	}

	role, err := rm.ReserveRole(req.PreferredRole)
	if err != nil {
		httpError(w, http.StatusConflict, err.Error())
		return
	}

	tok, err := token.Create(map[string]any{
		"room_id": roomID,
		"role":    string(role),
	}, s.cfg.TokenSecret, s.cfg.TokenTTL)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, joinResponse{RoomID: roomID, Role: role, Token: tok})
}

// handleRoomState handles GET /api/rooms/{roomID}/state with a point-in-time
// snapshot of the room.
func (s *Server) handleRoomState(w http.ResponseWriter, r *http.Request) {
	rm, err := s.rooms.GetRoom(r.PathValue("roomID"))
	if err != nil {
		httpError(w, http.StatusNotFound, "Room not found")
		return
	}
	writeJSON(w, http.StatusOK, rm.Snapshot())
}

// joinURL builds the browser join link for a freshly created room.
func (s *Server) joinURL(r *http.Request, roomID string) string {
	base := strings.TrimRight(s.cfg.BaseURL, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return base + "/?room=" + roomID
}

// errorResponse is the JSON error body shared by all REST endpoints.
type errorResponse struct {
	Detail string `json:"detail"`
}

func httpError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"detail":"encoding failure"}`, http.StatusInternalServerError)
	}
}
