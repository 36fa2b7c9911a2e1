package lyria

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stevenp1015/leeriya/internal/state"
)

// playingState returns a snapshot with playback running so the mock produces
// frames.
func playingState() *state.RoomState {
	st := state.NewRoomState("room-1", time.Now())
	st.PlaybackState = state.PlaybackPlaying
	return st
}

func TestFrameConstants(t *testing.T) {
	t.Parallel()

	// 20ms of 48kHz stereo PCM16.
	if FrameSamples != SampleRateHz/50 {
		t.Errorf("FrameSamples = %d; want %d", FrameSamples, SampleRateHz/50)
	}
	if FrameBytes != FrameSamples*Channels*2 {
		t.Errorf("FrameBytes = %d; want %d", FrameBytes, FrameSamples*Channels*2)
	}
}

func TestRenderFrame_SizeAndDeterminism(t *testing.T) {
	t.Parallel()

	a := NewMock(func([]byte) {})
	b := NewMock(func([]byte) {})

	fa := a.renderFrame()
	fb := b.renderFrame()

	if len(fa) != FrameBytes {
		t.Fatalf("frame length = %d; want %d", len(fa), FrameBytes)
	}
	if !bytes.Equal(fa, fb) {
		t.Error("identical state should render identical frames")
	}

	// The phase advanced, so the next frame differs.
	if bytes.Equal(fa, a.renderFrame()) {
		t.Error("consecutive frames should differ")
	}
}

func TestRenderFrame_ConfigChangesAudio(t *testing.T) {
	t.Parallel()

	base := NewMock(func([]byte) {})
	bright := NewMock(func([]byte) {})
	bright.cfg.Brightness = 0.9

	if bytes.Equal(base.renderFrame(), bright.renderFrame()) {
		t.Error("brightness change should alter the rendered frame")
	}

	weighted := NewMock(func([]byte) {})
	weighted.promptWeights = []float64{3, -1}
	if bytes.Equal(NewMock(func([]byte) {}).renderFrame(), weighted.renderFrame()) {
		t.Error("prompt weights should alter the rendered frame")
	}
}

func TestRenderFrame_PhaseWraps(t *testing.T) {
	t.Parallel()

	m := NewMock(func([]byte) {})
	m.phase = 9_999.9
	m.renderFrame()
	if m.phase > 10_000 {
		t.Errorf("phase = %v; should wrap below 10000", m.phase)
	}
}

func TestMock_ProducesFramesWhilePlaying(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var frames [][]byte
	m := NewMock(func(chunk []byte) {
		mu.Lock()
		frames = append(frames, chunk)
		mu.Unlock()
	})
	t.Cleanup(func() { _ = m.Close() })

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.ApplyState(context.Background(), playingState()); err != nil {
		t.Fatalf("ApplyState: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(frames)
		mu.Unlock()
		if n >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d frames after 2s", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, f := range frames[:3] {
		if len(f) != FrameBytes {
			t.Errorf("frame %d length = %d; want %d", i, len(f), FrameBytes)
		}
	}
}

func TestMock_PausedProducesNothing(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	count := 0
	m := NewMock(func([]byte) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	t.Cleanup(func() { _ = m.Close() })

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Default snapshot is paused; the loop should stay silent.
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("paused mock produced %d frames", count)
	}
}

func TestMock_StopResetsPhase(t *testing.T) {
	t.Parallel()

	m := NewMock(func([]byte) {})
	m.renderFrame()
	if m.phase == 0 {
		t.Fatal("rendering should advance the phase")
	}

	st := playingState()
	st.PlaybackState = state.PlaybackStopped
	if err := m.ApplyState(context.Background(), st); err != nil {
		t.Fatalf("ApplyState: %v", err)
	}
	if m.phase != 0 {
		t.Errorf("phase = %v after stop; want 0", m.phase)
	}
}

func TestMock_PauseKeepsPhase(t *testing.T) {
	t.Parallel()

	m := NewMock(func([]byte) {})
	m.renderFrame()
	before := m.phase

	st := playingState()
	st.PlaybackState = state.PlaybackPaused
	if err := m.ApplyState(context.Background(), st); err != nil {
		t.Fatalf("ApplyState: %v", err)
	}
	if m.phase != before {
		t.Errorf("phase = %v after pause; want %v", m.phase, before)
	}
}

func TestMock_ResetContextResetsPhaseOnly(t *testing.T) {
	t.Parallel()

	m := NewMock(func([]byte) {})
	m.playing = true
	m.renderFrame()

	if err := m.ResetContext(context.Background()); err != nil {
		t.Fatalf("ResetContext: %v", err)
	}
	if m.phase != 0 {
		t.Errorf("phase = %v; want 0", m.phase)
	}
	if !m.playing {
		t.Error("reset_context should not change playback")
	}
}

func TestMock_StartIdempotent(t *testing.T) {
	t.Parallel()

	m := NewMock(func([]byte) {})
	t.Cleanup(func() { _ = m.Close() })

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
}

func TestMock_CloseIdempotent(t *testing.T) {
	t.Parallel()

	m := NewMock(func([]byte) {})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	// Closed sessions refuse to restart.
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start after Close: %v", err)
	}
}

func TestMock_CloseWithoutStart(t *testing.T) {
	t.Parallel()

	m := NewMock(func([]byte) {})
	if err := m.Close(); err != nil {
		t.Fatalf("Close without Start: %v", err)
	}
}

func TestNewSession_SelectsBackend(t *testing.T) {
	t.Parallel()

	noop := func([]byte) {}

	if _, ok := NewSession(Config{UseMock: true, APIKey: "key"}, noop).(*Mock); !ok {
		t.Error("UseMock should select the mock backend")
	}
	if _, ok := NewSession(Config{}, noop).(*Mock); !ok {
		t.Error("missing api key should select the mock backend")
	}
	if _, ok := NewSession(Config{APIKey: "key"}, noop).(*Gemini); !ok {
		t.Error("api key without UseMock should select the live backend")
	}
}
