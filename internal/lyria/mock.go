package lyria

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/stevenp1015/leeriya/internal/state"
)

// Compile-time assertion that Mock satisfies the session contract.
var _ Session = (*Mock)(nil)

// Mock is the deterministic local synthesizer used in dev and tests. It
// renders additive-synthesis PCM frames whose parameters are a monotone
// function of the room's music config and the average prompt weight, so
// identical state always produces identical audio.
type Mock struct {
	onChunk ChunkFunc

	mu            sync.Mutex
	started       bool
	closed        bool
	playing       bool
	phase         float64
	cfg           state.MusicConfig
	promptWeights []float64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMock creates a mock session that delivers frames to onChunk.
func NewMock(onChunk ChunkFunc) *Mock {
	return &Mock{
		onChunk: onChunk,
		cfg:     state.DefaultMusicConfig(),
	}
}

// Start launches the 20ms producer loop. Idempotent.
func (m *Mock) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.closed {
		return nil
	}
	m.started = true

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(loopCtx)
	return nil
}

// Close stops the producer loop and waits for it to exit. Safe to call
// whether or not Start ran, and safe to call repeatedly.
func (m *Mock) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.playing = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// ApplyState adopts the snapshot's config and prompt weights and aligns the
// producer with its playback state. Stopping also resets the phase.
func (m *Mock) ApplyState(_ context.Context, st *state.RoomState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cfg = st.MusicConfig
	m.promptWeights = st.PromptWeights()

	switch st.PlaybackState {
	case state.PlaybackPlaying:
		m.playing = true
	case state.PlaybackPaused:
		m.playing = false
	case state.PlaybackStopped:
		m.playing = false
		m.phase = 0
	}
	return nil
}

// Play resumes frame production.
func (m *Mock) Play(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playing = true
	return nil
}

// Pause suspends frame production without touching the phase accumulator.
func (m *Mock) Pause(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playing = false
	return nil
}

// Stop suspends production and resets the phase accumulator.
func (m *Mock) Stop(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playing = false
	m.phase = 0
	return nil
}

// ResetContext resets the phase accumulator; playback state is unchanged.
func (m *Mock) ResetContext(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = 0
	return nil
}

// run emits one frame per tick while playing. The cadence is best-effort
// wall clock; drift is acceptable.
func (m *Mock) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			if !m.playing {
				m.mu.Unlock()
				continue
			}
			chunk := m.renderFrame()
			m.mu.Unlock()

			m.onChunk(chunk)
		}
	}
}

// renderFrame produces one frame of interleaved stereo PCM16 and advances
// the phase accumulator. Callers hold m.mu.
func (m *Mock) renderFrame() []byte {
	cfg := m.cfg

	promptBias := 0.0
	if len(m.promptWeights) > 0 {
		sum := 0.0
		for _, w := range m.promptWeights {
			sum += w
		}
		promptBias = sum / float64(len(m.promptWeights))
	}

	baseFreq := 90.0 + float64(cfg.BPM)*0.55 + cfg.Brightness*180.0 + promptBias*8.0
	switch cfg.MusicGenerationMode {
	case state.ModeDiversity:
		baseFreq *= 1.07
	case state.ModeVocalization:
		baseFreq *= 1.18
	}

	lfoFreq := 0.35 + cfg.Density*0.8
	guidanceMix := math.Min(math.Max(cfg.Guidance/6.0, 0.05), 1.0)

	amplitude := 0.12 + cfg.Density*0.26
	if cfg.MuteBass {
		amplitude *= 0.7
	}
	if cfg.OnlyBassAndDrums {
		amplitude *= 0.85
	}

	step := 2.0 * math.Pi * baseFreq / SampleRateHz
	lfoStep := 2.0 * math.Pi * lfoFreq / SampleRateHz

	pcm := make([]byte, FrameBytes)
	for idx := 0; idx < FrameSamples; idx++ {
		fi := float64(idx)
		lfo := math.Sin(m.phase*0.08 + fi*lfoStep)
		carrier := math.Sin(m.phase + fi*step)
		overtone := math.Sin(m.phase*1.9 + fi*step*1.92)

		sample := carrier*(0.75+0.25*guidanceMix) + overtone*0.35*(0.5+guidanceMix)
		sample *= 1.0 + 0.25*lfo
		sample *= amplitude
		if cfg.MuteDrums {
			sample *= 0.8
		}

		left := clampUnit(sample)
		right := clampUnit(sample*0.92 + 0.08*math.Sin(m.phase*0.5))

		binary.LittleEndian.PutUint16(pcm[idx*4:], uint16(int16(math.Round(left*32767.0))))
		binary.LittleEndian.PutUint16(pcm[idx*4+2:], uint16(int16(math.Round(right*32767.0))))
	}

	m.phase += FrameSamples * step
	if m.phase > 10_000 {
		m.phase = math.Mod(m.phase, 10_000)
	}
	return pcm
}

func clampUnit(x float64) float64 {
	return math.Max(-1.0, math.Min(1.0, x))
}
