package room

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/stevenp1015/leeriya/internal/observe"
)

// reapInterval is how often the background reaper sweeps for idle rooms.
const reapInterval = 20 * time.Second

// Manager is the registry of live rooms. Lookups and creation are guarded by
// its own mutex; per-room operations never run under the manager lock.
type Manager struct {
	cfg     Config
	factory SessionFactory
	metrics *observe.Metrics

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewManager creates an empty manager. Every room it creates gets cfg and a
// session built by factory.
func NewManager(cfg Config, factory SessionFactory) *Manager {
	return &Manager{
		cfg:     cfg,
		factory: factory,
		metrics: observe.DefaultMetrics(),
		rooms:   make(map[string]*Room),
	}
}

// CreateRoom creates and registers a room with a fresh UUID.
func (m *Manager) CreateRoom() *Room {
	r := New(uuid.NewString(), m.cfg, m.factory)

	m.mu.Lock()
	m.rooms[r.ID()] = r
	m.mu.Unlock()

	m.metrics.ActiveRooms.Add(context.Background(), 1,
		metric.WithAttributes(observe.Attr("room_id", r.ID())))
	slog.Info("room created", "room_id", r.ID())
	return r
}

// GetRoom returns the room with the given ID or [ErrNotFound].
func (m *Manager) GetRoom(id string) (*Room, error) {
	m.mu.Lock()
	r, ok := m.rooms[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

// RoomIDs returns the IDs of all live rooms.
func (m *Manager) RoomIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	return ids
}

// CloseRoomIfIdle destroys the room if it has no subscribers and has been
// untouched for longer than the idle timeout.
// Returns true when the room was removed. Called after every subscriber
// disconnect and from the periodic reaper.
func (m *Manager) CloseRoomIfIdle(id string) bool {
	m.mu.Lock()
	r, ok := m.rooms[id]
	m.mu.Unlock()
	if !ok || !r.IsIdle() {
		return false
	}

	// Re-check under the manager lock so two concurrent sweeps cannot both
	// claim the removal.
	m.mu.Lock()
	if _, still := m.rooms[id]; !still {
		m.mu.Unlock()
		return false
	}
	delete(m.rooms, id)
	m.mu.Unlock()

	if err := r.Close(); err != nil {
		slog.Warn("closing idle room", "room_id", id, "error", err)
	}
	m.metrics.ActiveRooms.Add(context.Background(), -1,
		metric.WithAttributes(observe.Attr("room_id", id)))
	slog.Info("room reaped", "room_id", id)
	return true
}

// CloseIdleRooms sweeps every room once, destroying the idle ones.
func (m *Manager) CloseIdleRooms() {
	for _, id := range m.RoomIDs() {
		m.CloseRoomIfIdle(id)
	}
}

// CloseAll destroys every room regardless of idleness. Used during shutdown;
// close errors are logged and absorbed.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()

	for _, r := range rooms {
		if err := r.Close(); err != nil {
			slog.Warn("closing room on shutdown", "room_id", r.ID(), "error", err)
		}
		m.metrics.ActiveRooms.Add(context.Background(), -1,
			metric.WithAttributes(observe.Attr("room_id", r.ID())))
	}
}

// Run drives the periodic idle-room reaper until ctx is cancelled. It sweeps
// once immediately so restarts do not wait a full interval.
func (m *Manager) Run(ctx context.Context) {
	m.CloseIdleRooms()

	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CloseIdleRooms()
		}
	}
}
