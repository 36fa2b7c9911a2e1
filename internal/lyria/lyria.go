// Package lyria defines the generator session capability set shared by the
// deterministic mock synthesizer and the remote Lyria realtime adapter.
//
// A session is owned by exactly one room. The room pushes full state
// snapshots into the session via [Session.ApplyState]; the session pushes
// raw PCM frames back through the room-supplied [ChunkFunc]. Rooms depend
// on the capability set only, never on a concrete variant.
package lyria

import (
	"context"
	"time"

	"github.com/stevenp1015/leeriya/internal/state"
)

// Audio frame format produced by every session variant: interleaved stereo
// 16-bit little-endian PCM at 48kHz, one frame per 20ms tick.
const (
	SampleRateHz  = 48_000
	Channels      = 2
	Encoding      = "pcm16"
	FrameDuration = 20 * time.Millisecond

	// FrameSamples is samples per channel per frame; FrameBytes is the
	// resulting buffer size (samples × channels × 2 bytes).
	FrameSamples = SampleRateHz * 20 / 1000
	FrameBytes   = FrameSamples * Channels * 2
)

// ChunkFunc receives one newly allocated audio frame per invocation. It is
// called from the session's producer goroutine; implementations must not
// retain the buffer beyond the call unless they copy it.
type ChunkFunc func(chunk []byte)

// Session is the generator capability set exposed to a room.
//
// Start and Close are idempotent; Close is safe whether or not Start
// succeeded. ApplyState accepts the full current room state: it updates the
// session's internal configuration and resumes or suspends generation to
// match the snapshot's playback state (stopping additionally resets the
// generator's internal phase/context).
type Session interface {
	Start(ctx context.Context) error
	Close() error

	ApplyState(ctx context.Context, st *state.RoomState) error

	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	ResetContext(ctx context.Context) error
}

// Config selects and parameterises the session variant.
type Config struct {
	// UseMock forces the deterministic local synthesizer.
	UseMock bool

	// APIKey authenticates against the live service. When empty the mock is
	// used unconditionally.
	APIKey string

	// Model is the live-music model identifier (e.g. "models/lyria-realtime-exp").
	Model string

	// BaseURL overrides the live service's WebSocket endpoint. Used in tests
	// to point at a local mock server.
	BaseURL string
}

// NewSession constructs the session variant selected by cfg. The remote
// variant still falls back to an embedded mock if live initialisation fails
// at Start time.
func NewSession(cfg Config, onChunk ChunkFunc) Session {
	if cfg.UseMock || cfg.APIKey == "" {
		return NewMock(onChunk)
	}
	return NewGemini(cfg, onChunk)
}
