package lyria

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/stevenp1015/leeriya/internal/state"
)

// Compile-time assertion that Gemini satisfies the session contract.
var _ Session = (*Gemini)(nil)

const (
	defaultModel   = "models/lyria-realtime-exp"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	// receiveRetryDelay is the back-off applied after a non-cancellation
	// error in the receive loop.
	receiveRetryDelay = 250 * time.Millisecond
)

// defaultPrompt keeps a live session steerable when the room's prompt list
// is empty; the service rejects an empty weighted-prompt set.
var defaultPrompt = weightedPrompt{Text: "minimal techno", Weight: 1.0}

// Gemini adapts the Lyria realtime music service (BidiGenerateMusic over
// WebSocket) to the [Session] contract.
//
// If live initialisation fails for any reason, the session downgrades to an
// embedded [Mock] and stays on it for the rest of its lifetime; the room
// keeps running either way.
type Gemini struct {
	apiKey  string
	model   string
	baseURL string
	onChunk ChunkFunc

	fallback *Mock

	mu        sync.Mutex
	usingMock bool
	running   bool
	closed    bool
	conn      *websocket.Conn
	latest    *state.RoomState

	ctx      context.Context
	cancel   context.CancelFunc
	recvDone chan struct{}
}

// NewGemini creates a remote session for cfg. The connection is not dialled
// until [Gemini.Start].
func NewGemini(cfg Config, onChunk ChunkFunc) *Gemini {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Gemini{
		apiKey:   cfg.APIKey,
		model:    model,
		baseURL:  baseURL,
		onChunk:  onChunk,
		fallback: NewMock(onChunk),
	}
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model string `json:"model"`
}

type weightedPrompt struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	WeightedPrompts []weightedPrompt `json:"weightedPrompts"`
}

type generationConfigMessage struct {
	MusicGenerationConfig musicGenerationConfig `json:"musicGenerationConfig"`
}

type musicGenerationConfig struct {
	Guidance            float64 `json:"guidance"`
	BPM                 int     `json:"bpm"`
	Density             float64 `json:"density"`
	Brightness          float64 `json:"brightness"`
	Scale               string  `json:"scale"`
	MuteBass            bool    `json:"muteBass"`
	MuteDrums           bool    `json:"muteDrums"`
	OnlyBassAndDrums    bool    `json:"onlyBassAndDrums"`
	MusicGenerationMode string  `json:"musicGenerationMode"`
	Temperature         float64 `json:"temperature"`
	TopK                int     `json:"topK"`
	Seed                *int    `json:"seed,omitempty"`
	AudioFormat         string  `json:"audioFormat"`
	SampleRateHz        int     `json:"sampleRateHz"`
}

type playbackControlMessage struct {
	PlaybackControl string `json:"playbackControl"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
}

type serverContent struct {
	AudioChunks []audioChunk `json:"audioChunks,omitempty"`
}

type audioChunk struct {
	Data string `json:"data"` // base64-encoded PCM16
}

// ── Session methods ───────────────────────────────────────────────────────────

// Start dials the live service and launches the receive loop. If anything in
// live initialisation fails the session logs, switches to the embedded mock,
// and reports success: the session is running in both branches. Idempotent.
func (g *Gemini) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running || g.closed {
		return nil
	}

	if err := g.startLiveLocked(ctx); err != nil {
		slog.Warn("lyria: live session init failed; falling back to mock", "err", err)
		g.usingMock = true
		if err := g.fallback.Start(ctx); err != nil {
			return fmt.Errorf("lyria: start mock fallback: %w", err)
		}
	}
	g.running = true
	return nil
}

// startLiveLocked dials, sends the setup message, starts the receive loop,
// and re-applies the latest known room state. Callers hold g.mu.
func (g *Gemini) startLiveLocked(ctx context.Context) error {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateMusic?key=%s",
		g.baseURL, g.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	// Frames are 3840 bytes of PCM before base64; lift the default read limit.
	conn.SetReadLimit(1 << 20)

	sessCtx, cancel := context.WithCancel(context.Background())
	g.conn = conn
	g.ctx = sessCtx
	g.cancel = cancel
	g.recvDone = make(chan struct{})

	if err := g.writeJSON(setupMessage{Setup: setupConfig{Model: g.model}}); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		g.conn = nil
		return fmt.Errorf("setup: %w", err)
	}

	go g.receiveLoop()

	// Push the latest known room state so a generator that restarts
	// mid-session resumes where the room left off.
	if st := g.latest; st != nil {
		if err := g.applyLiveLocked(st); err != nil {
			slog.Warn("lyria: re-apply state after live start", "err", err)
		}
	}
	return nil
}

// Close cancels the receive loop, awaits it, and tears down the connection.
// On the mock branch it simply delegates. Idempotent.
func (g *Gemini) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.running = false
	usingMock := g.usingMock
	cancel := g.cancel
	recvDone := g.recvDone
	conn := g.conn
	g.mu.Unlock()

	if usingMock {
		return g.fallback.Close()
	}

	if cancel != nil {
		cancel()
		<-recvDone
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	return nil
}

// ApplyState translates the snapshot into service calls: weighted prompts,
// generation config, then a playback-control command matching the snapshot.
func (g *Gemini) ApplyState(ctx context.Context, st *state.RoomState) error {
	g.mu.Lock()
	g.latest = st
	if g.usingMock {
		g.mu.Unlock()
		return g.fallback.ApplyState(ctx, st)
	}
	defer g.mu.Unlock()

	if g.conn == nil {
		return nil
	}
	return g.applyLiveLocked(st)
}

// applyLiveLocked sends prompts, config, and the playback command for st
// over the live connection. Callers hold g.mu.
func (g *Gemini) applyLiveLocked(st *state.RoomState) error {
	prompts := make([]weightedPrompt, 0, len(st.Prompts))
	for _, p := range st.Prompts {
		prompts = append(prompts, weightedPrompt{Text: p.Text, Weight: p.Weight})
	}
	if len(prompts) == 0 {
		prompts = []weightedPrompt{defaultPrompt}
	}
	if err := g.writeJSON(clientContentMessage{ClientContent: clientContent{WeightedPrompts: prompts}}); err != nil {
		return fmt.Errorf("lyria: set weighted prompts: %w", err)
	}

	cfg := st.MusicConfig
	gen := musicGenerationConfig{
		Guidance:            cfg.Guidance,
		BPM:                 cfg.BPM,
		Density:             cfg.Density,
		Brightness:          cfg.Brightness,
		Scale:               string(cfg.Scale),
		MuteBass:            cfg.MuteBass,
		MuteDrums:           cfg.MuteDrums,
		OnlyBassAndDrums:    cfg.OnlyBassAndDrums,
		MusicGenerationMode: string(cfg.MusicGenerationMode),
		Temperature:         cfg.Temperature,
		TopK:                cfg.TopK,
		Seed:                cfg.Seed,
		AudioFormat:         Encoding,
		SampleRateHz:        SampleRateHz,
	}
	if err := g.writeJSON(generationConfigMessage{MusicGenerationConfig: gen}); err != nil {
		return fmt.Errorf("lyria: set generation config: %w", err)
	}

	switch st.PlaybackState {
	case state.PlaybackPlaying:
		return g.sendPlaybackLocked("PLAY")
	case state.PlaybackPaused:
		return g.sendPlaybackLocked("PAUSE")
	case state.PlaybackStopped:
		return g.sendPlaybackLocked("STOP")
	}
	return nil
}

// Play resumes generation on the live service.
func (g *Gemini) Play(ctx context.Context) error { return g.playback(ctx, "PLAY", g.fallback.Play) }

// Pause suspends generation on the live service.
func (g *Gemini) Pause(ctx context.Context) error { return g.playback(ctx, "PAUSE", g.fallback.Pause) }

// Stop halts generation and discards the service's musical context.
func (g *Gemini) Stop(ctx context.Context) error { return g.playback(ctx, "STOP", g.fallback.Stop) }

// ResetContext discards the service's musical context without stopping.
func (g *Gemini) ResetContext(ctx context.Context) error {
	return g.playback(ctx, "RESET_CONTEXT", g.fallback.ResetContext)
}

// playback routes a transport command to the live connection or, on the
// mock branch, to the delegate method.
func (g *Gemini) playback(ctx context.Context, command string, mock func(context.Context) error) error {
	g.mu.Lock()
	if g.usingMock {
		g.mu.Unlock()
		return mock(ctx)
	}
	defer g.mu.Unlock()

	if g.conn == nil {
		return nil
	}
	return g.sendPlaybackLocked(command)
}

func (g *Gemini) sendPlaybackLocked(command string) error {
	if err := g.writeJSON(playbackControlMessage{PlaybackControl: command}); err != nil {
		return fmt.Errorf("lyria: playback %s: %w", command, err)
	}
	return nil
}

// writeJSON marshals v and writes it as a text WebSocket frame.
func (g *Gemini) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return g.conn.Write(g.ctx, websocket.MessageText, data)
}

// receiveLoop reads server messages and forwards each audio chunk's payload
// to the room's callback. It loops while the session is supposed to be
// alive: cancellation exits promptly, any other error logs and retries
// after a short delay.
func (g *Gemini) receiveLoop() {
	defer close(g.recvDone)

	for {
		_, data, err := g.conn.Read(g.ctx)
		if err != nil {
			if g.ctx.Err() != nil {
				return
			}
			slog.Warn("lyria: receive error; retrying", "err", err, "delay", receiveRetryDelay)
			select {
			case <-g.ctx.Done():
				return
			case <-time.After(receiveRetryDelay):
			}
			continue
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}
		if msg.ServerContent == nil {
			continue
		}
		for _, chunk := range msg.ServerContent.AudioChunks {
			audio, err := base64.StdEncoding.DecodeString(chunk.Data)
			if err != nil || len(audio) == 0 {
				continue
			}
			g.onChunk(audio)
		}
	}
}
