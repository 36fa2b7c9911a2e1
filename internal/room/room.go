// Package room implements the per-room runtime: the concurrent aggregate
// that reconciles the shared control surface, drives the generator session,
// and fans out state snapshots and audio frames to subscribers. It also
// holds the process-wide manager with its idle reaper and the control-event
// dispatcher.
//
// Lock discipline: every mutation enters the room lock, mutates, advances
// UpdatedAt, captures a deep snapshot, and exits the lock. Generator I/O and
// fan-out sends always run outside the lock against the captured snapshot
// and a copy of the subscriber list, so no slow peer can stall the room.
package room

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/stevenp1015/leeriya/internal/lyria"
	"github.com/stevenp1015/leeriya/internal/observe"
	"github.com/stevenp1015/leeriya/internal/state"
)

// sendTimeout bounds a single fan-out write to one subscriber. A send that
// exceeds it counts as failed and the subscriber is evicted.
const sendTimeout = 5 * time.Second

// ControlSink is the room's view of a control subscriber: a bidirectional
// JSON channel bound to a role. The room borrows sinks for fan-out; it never
// opens or tears down the underlying transport.
type ControlSink interface {
	SendJSON(ctx context.Context, v any) error
}

// AudioSink is the room's view of an audio subscriber: a one-way binary
// channel receiving raw PCM frames.
type AudioSink interface {
	SendJSON(ctx context.Context, v any) error
	SendBytes(ctx context.Context, chunk []byte) error
}

// Config holds the room-scoped tuning knobs.
type Config struct {
	// ReservationTTL is how long a role reservation granted at join time
	// stays valid without a control socket registering.
	ReservationTTL time.Duration

	// IdleTimeout is how long a room may sit with no subscribers and no
	// mutations before the reaper closes it.
	IdleTimeout time.Duration
}

// SessionFactory builds the generator session for a new room, wiring the
// room's audio fan-out in as the frame callback.
type SessionFactory func(onChunk lyria.ChunkFunc) lyria.Session

// Room is the per-room aggregate. It owns the authoritative [state.RoomState],
// the generator session, both subscriber sets, and the pending role
// reservations. All exported methods are safe for concurrent use.
type Room struct {
	id  string
	cfg Config

	mu           sync.Mutex
	state        *state.RoomState
	control      map[ControlSink]state.Role
	audio        map[AudioSink]struct{}
	reservations map[state.Role]time.Time
	started      bool

	session lyria.Session
	metrics *observe.Metrics

	// now is the room's clock; replaced in tests.
	now func() time.Time
}

// New creates a room with the given ID. The factory receives the room's
// audio broadcast as the frame callback; the resulting session is owned by
// the room and closed exactly once in [Room.Close].
func New(id string, cfg Config, factory SessionFactory) *Room {
	r := &Room{
		id:           id,
		cfg:          cfg,
		control:      make(map[ControlSink]state.Role),
		audio:        make(map[AudioSink]struct{}),
		reservations: make(map[state.Role]time.Time),
		metrics:      observe.DefaultMetrics(),
		now:          time.Now,
	}
	r.state = state.NewRoomState(id, r.now())
	r.session = factory(r.BroadcastAudio)
	return r
}

// ID returns the room's opaque identifier.
func (r *Room) ID() string { return r.id }

// EnsureSession lazily starts the generator session on the first subscriber
// registration and primes it with the current state. Subsequent calls are
// no-ops.
func (r *Room) EnsureSession(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	snap := r.state.Clone()
	r.mu.Unlock()

	if err := r.session.Start(ctx); err != nil {
		r.mu.Lock()
		r.started = false
		r.mu.Unlock()
		return err
	}
	return r.session.ApplyState(ctx, snap)
}

// Close shuts down the generator session. Called exactly once by the
// manager when the room is destroyed.
func (r *Room) Close() error {
	return r.session.Close()
}

// ── Role reservation ──────────────────────────────────────────────────────────

// ReserveRole claims a free role for a joining participant, preferring the
// requested one. Expired reservations are swept first. The reservation is
// consumed when the matching control socket registers and otherwise expires
// silently after the configured TTL.
func (r *Room) ReserveRole(preferred *state.Role) (state.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for role, expiry := range r.reservations {
		if !expiry.After(now) {
			delete(r.reservations, role)
		}
	}

	unavailable := make(map[state.Role]bool, 2)
	for _, role := range r.control {
		unavailable[role] = true
	}
	for role := range r.reservations {
		unavailable[role] = true
	}

	order := []state.Role{state.RoleA, state.RoleB}
	if preferred != nil && preferred.IsValid() {
		order = []state.Role{*preferred, preferred.Other()}
	}

	for _, role := range order {
		if !unavailable[role] {
			r.reservations[role] = now.Add(r.cfg.ReservationTTL)
			return role, nil
		}
	}
	return "", ErrCapacity
}

// ── Subscriber management ─────────────────────────────────────────────────────

// RegisterControl binds sink to role, consumes the matching reservation,
// and marks the participant connected with no active control. At most one
// control subscriber per role may exist; a second registration for the same
// role fails with [ErrRoleTaken].
func (r *Room) RegisterControl(sink ControlSink, role state.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.control {
		if existing == role {
			return ErrRoleTaken
		}
	}

	r.control[sink] = role
	delete(r.reservations, role)
	if p := r.state.Participants[role]; p != nil {
		p.Connected = true
		p.ActiveControl = nil
	}
	r.state.Touch(r.now())

	r.metrics.ControlSubscribers.Add(context.Background(), 1)
	return nil
}

// UnregisterControl removes sink and marks its participant disconnected.
// Unknown sinks are ignored.
func (r *Room) UnregisterControl(sink ControlSink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	role, ok := r.control[sink]
	if !ok {
		return
	}
	delete(r.control, sink)
	if p := r.state.Participants[role]; p != nil {
		p.Connected = false
		p.ActiveControl = nil
	}
	r.state.Touch(r.now())

	r.metrics.ControlSubscribers.Add(context.Background(), -1)
}

// RegisterAudio adds sink to the audio fan-out set.
func (r *Room) RegisterAudio(sink AudioSink) {
	r.mu.Lock()
	r.audio[sink] = struct{}{}
	r.mu.Unlock()

	r.metrics.AudioSubscribers.Add(context.Background(), 1)
}

// UnregisterAudio removes sink from the audio fan-out set. Unknown sinks
// are ignored.
func (r *Room) UnregisterAudio(sink AudioSink) {
	r.mu.Lock()
	_, ok := r.audio[sink]
	delete(r.audio, sink)
	r.mu.Unlock()

	if ok {
		r.metrics.AudioSubscribers.Add(context.Background(), -1)
	}
}

// SendAudioFormat sends the one-shot server.audio_format envelope to a
// freshly registered audio subscriber.
func (r *Room) SendAudioFormat(ctx context.Context, sink AudioSink) error {
	return sink.SendJSON(ctx, state.Envelope{
		Type: "server.audio_format",
		Payload: map[string]any{
			"sampleRateHz": lyria.SampleRateHz,
			"channels":     lyria.Channels,
			"encoding":     lyria.Encoding,
		},
	})
}

// Snapshot returns a deep copy of the current room state.
func (r *Room) Snapshot() *state.RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

// IsIdle reports whether the room has no subscribers of either kind and has
// not been mutated for at least the idle timeout.
func (r *Room) IsIdle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.control) > 0 || len(r.audio) > 0 {
		return false
	}
	return r.now().Sub(r.state.UpdatedAt) >= r.cfg.IdleTimeout
}

// ── Mutations ─────────────────────────────────────────────────────────────────

// AddPrompt validates and appends a new weighted prompt with a
// server-assigned ID, then reconciles the generator.
func (r *Room) AddPrompt(ctx context.Context, role state.Role, text string, weight float64) (*state.RoomState, error) {
	prompt := state.NewWeightedPrompt(text, weight, role)
	if err := prompt.Validate(); err != nil {
		return nil, joinInvalid(err)
	}

	r.mu.Lock()
	r.state.Prompts = append(r.state.Prompts, prompt)
	r.state.Touch(r.now())
	snap := r.state.Clone()
	r.mu.Unlock()

	r.metrics.RecordMutation(ctx, "prompt.add")
	return snap, r.session.ApplyState(ctx, snap)
}

// UpdatePromptWeight mutates the identified prompt's weight in place,
// preserving insertion order.
func (r *Room) UpdatePromptWeight(ctx context.Context, promptID string, weight float64) (*state.RoomState, error) {
	if weight < -10 || weight > 10 {
		return nil, joinInvalid(ErrInvalidArgument)
	}

	r.mu.Lock()
	found := false
	for i := range r.state.Prompts {
		if r.state.Prompts[i].ID == promptID {
			r.state.Prompts[i].Weight = weight
			found = true
			break
		}
	}
	if !found {
		r.mu.Unlock()
		return nil, ErrPromptNotFound
	}
	r.state.Touch(r.now())
	snap := r.state.Clone()
	r.mu.Unlock()

	r.metrics.RecordMutation(ctx, "prompt.update_weight")
	return snap, r.session.ApplyState(ctx, snap)
}

// RemovePrompt removes the identified prompt.
func (r *Room) RemovePrompt(ctx context.Context, promptID string) (*state.RoomState, error) {
	r.mu.Lock()
	kept := r.state.Prompts[:0]
	found := false
	for _, p := range r.state.Prompts {
		if p.ID == promptID {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	if !found {
		r.mu.Unlock()
		return nil, ErrPromptNotFound
	}
	r.state.Prompts = kept
	r.state.Touch(r.now())
	snap := r.state.Clone()
	r.mu.Unlock()

	r.metrics.RecordMutation(ctx, "prompt.remove")
	return snap, r.session.ApplyState(ctx, snap)
}

// ApplyMusicConfigPatch merges a canonical snake_case patch over the current
// config, re-validates the whole bundle, and replaces it atomically. The
// returned requiresReset is true iff the patch changed bpm or scale, which
// mandates a generator reset_context immediately after.
func (r *Room) ApplyMusicConfigPatch(ctx context.Context, patch map[string]any) (*state.RoomState, bool, error) {
	r.mu.Lock()
	current := r.state.MusicConfig
	next, err := current.Merge(patch)
	if err != nil {
		r.mu.Unlock()
		return nil, false, joinInvalid(err)
	}
	requiresReset := next.BPM != current.BPM || next.Scale != current.Scale

	r.state.MusicConfig = next
	r.state.Touch(r.now())
	snap := r.state.Clone()
	r.mu.Unlock()

	r.metrics.RecordMutation(ctx, "control.patch")
	return snap, requiresReset, r.session.ApplyState(ctx, snap)
}

// HandlePlaybackCommand executes a transport command. play/pause/stop also
// update the room's playback state; reset_context does not. The matching
// generator call is dispatched first, then the full state is re-applied.
func (r *Room) HandlePlaybackCommand(ctx context.Context, command string) (*state.RoomState, error) {
	command = strings.ToLower(strings.TrimSpace(command))

	r.mu.Lock()
	switch command {
	case "play":
		r.state.PlaybackState = state.PlaybackPlaying
	case "pause":
		r.state.PlaybackState = state.PlaybackPaused
	case "stop":
		r.state.PlaybackState = state.PlaybackStopped
	case "reset_context":
		// Transport state unchanged.
	default:
		r.mu.Unlock()
		return nil, joinInvalid(ErrInvalidArgument)
	}
	r.state.Touch(r.now())
	snap := r.state.Clone()
	r.mu.Unlock()

	var err error
	switch command {
	case "play":
		err = r.session.Play(ctx)
	case "pause":
		err = r.session.Pause(ctx)
	case "stop":
		err = r.session.Stop(ctx)
	case "reset_context":
		err = r.session.ResetContext(ctx)
	}
	if err != nil {
		return nil, err
	}

	r.metrics.RecordMutation(ctx, "playback.command")
	return snap, r.session.ApplyState(ctx, snap)
}

// SetActiveControl updates a participant's active-control marker. A nil
// controlID clears it.
func (r *Room) SetActiveControl(role state.Role, controlID *string) *state.RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p := r.state.Participants[role]; p != nil {
		p.ActiveControl = controlID
	}
	r.state.Touch(r.now())
	return r.state.Clone()
}

// ── Fan-out ───────────────────────────────────────────────────────────────────

// BroadcastState snapshots the current state and sends it to every control
// subscriber in parallel, outside the room lock. Subscribers whose send
// fails are evicted and their participant marked disconnected; failures
// never propagate to other subscribers.
func (r *Room) BroadcastState(ctx context.Context) {
	r.mu.Lock()
	snap := r.state.Clone()
	sinks := make([]ControlSink, 0, len(r.control))
	for sink := range r.control {
		sinks = append(sinks, sink)
	}
	r.mu.Unlock()

	if len(sinks) == 0 {
		return
	}

	start := time.Now()
	env := state.Envelope{Type: "server.state_snapshot", Payload: snap}

	var staleMu sync.Mutex
	var stale []ControlSink

	g := new(errgroup.Group)
	for _, sink := range sinks {
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			defer cancel()
			if err := sink.SendJSON(sendCtx, env); err != nil {
				staleMu.Lock()
				stale = append(stale, sink)
				staleMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	r.metrics.BroadcastDuration.Record(ctx, time.Since(start).Seconds())

	if len(stale) == 0 {
		return
	}
	r.evictControl(stale)
}

// evictControl removes stale control sinks and marks their participants
// disconnected in a single critical section.
func (r *Room) evictControl(stale []ControlSink) {
	removed := 0
	r.mu.Lock()
	for _, sink := range stale {
		role, ok := r.control[sink]
		if !ok {
			continue
		}
		delete(r.control, sink)
		if p := r.state.Participants[role]; p != nil {
			p.Connected = false
			p.ActiveControl = nil
		}
		removed++
	}
	if removed > 0 {
		r.state.Touch(r.now())
	}
	r.mu.Unlock()

	if removed > 0 {
		ctx := context.Background()
		r.metrics.ControlSubscribers.Add(ctx, int64(-removed))
		r.metrics.StaleSubscribers.Add(ctx, int64(removed),
			metric.WithAttributes(observe.Attr("channel", "control")))
		slog.Debug("evicted stale control subscribers", "room_id", r.id, "count", removed)
	}
}

// BroadcastAudio fans one PCM frame out to every audio subscriber in
// parallel. There is no per-subscriber queue: a slow subscriber delays only
// its own send, and a failed one is dropped without retransmission.
func (r *Room) BroadcastAudio(chunk []byte) {
	r.mu.Lock()
	sinks := make([]AudioSink, 0, len(r.audio))
	for sink := range r.audio {
		sinks = append(sinks, sink)
	}
	r.mu.Unlock()

	if len(sinks) == 0 {
		return
	}

	var staleMu sync.Mutex
	var stale []AudioSink

	g := new(errgroup.Group)
	for _, sink := range sinks {
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := sink.SendBytes(sendCtx, chunk); err != nil {
				staleMu.Lock()
				stale = append(stale, sink)
				staleMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	ctx := context.Background()
	r.metrics.AudioFrames.Add(ctx, 1)

	if len(stale) == 0 {
		return
	}
	removed := 0
	r.mu.Lock()
	for _, sink := range stale {
		if _, ok := r.audio[sink]; ok {
			delete(r.audio, sink)
			removed++
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		r.metrics.AudioSubscribers.Add(ctx, int64(-removed))
		r.metrics.StaleSubscribers.Add(ctx, int64(removed),
			metric.WithAttributes(observe.Attr("channel", "audio")))
	}
}

// subscriberCounts returns the current control and audio subscriber counts.
func (r *Room) subscriberCounts() (control, audio int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.control), len(r.audio)
}

// reservedRoles returns the currently reserved roles in stable order.
// Test helper.
func (r *Room) reservedRoles() []state.Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	roles := make([]state.Role, 0, len(r.reservations))
	for role := range r.reservations {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// joinInvalid tags err as an invalid-argument failure while preserving the
// original message for the client-facing server.error payload.
func joinInvalid(err error) error {
	if err == nil || err == ErrInvalidArgument {
		return ErrInvalidArgument
	}
	return &invalidArgumentError{cause: err}
}

type invalidArgumentError struct{ cause error }

func (e *invalidArgumentError) Error() string { return e.cause.Error() }

func (e *invalidArgumentError) Is(target error) bool { return target == ErrInvalidArgument }

func (e *invalidArgumentError) Unwrap() error { return e.cause }
