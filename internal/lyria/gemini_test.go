package lyria_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/stevenp1015/leeriya/internal/lyria"
	"github.com/stevenp1015/leeriya/internal/state"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startLyriaServer launches a test WebSocket server standing in for the
// realtime music service. The handler receives the accepted connection; the
// server is closed when the test finishes.
func startLyriaServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// newLive creates a live session pointing at the test server.
func newLive(srv *httptest.Server, onChunk lyria.ChunkFunc) *lyria.Gemini {
	return lyria.NewGemini(lyria.Config{
		APIKey:  "test-api-key",
		BaseURL: wsURL(srv),
	}, onChunk)
}

// playingSnapshot returns a room snapshot in the playing state with one
// prompt attached.
func playingSnapshot() *state.RoomState {
	st := state.NewRoomState("room-1", time.Now())
	st.Prompts = append(st.Prompts, state.NewWeightedPrompt("acid house", 1.5, state.RoleA))
	st.PlaybackState = state.PlaybackPlaying
	return st
}

// ── Start / setup ─────────────────────────────────────────────────────────────

func TestStart_SendsSetupWithModelAndKey(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model string `json:"model"`
		} `json:"setup"`
	}
	received := make(chan setupMsg, 1)
	query := make(chan string, 1)

	srv := startLyriaServer(t, func(conn *websocket.Conn, r *http.Request) {
		query <- r.URL.RawQuery
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	g := newLive(srv, func([]byte) {})
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer g.Close()

	select {
	case msg := <-received:
		if msg.Setup.Model != "models/lyria-realtime-exp" {
			t.Errorf("model = %q; want models/lyria-realtime-exp", msg.Setup.Model)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}

	select {
	case q := <-query:
		if !strings.Contains(q, "key=test-api-key") {
			t.Errorf("URL query %q should contain the api key", q)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for query")
	}
}

func TestStart_Idempotent(t *testing.T) {
	t.Parallel()

	dials := make(chan struct{}, 4)
	srv := startLyriaServer(t, func(conn *websocket.Conn, _ *http.Request) {
		dials <- struct{}{}
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	g := newLive(srv, func([]byte) {})
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer g.Close()
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	<-dials
	select {
	case <-dials:
		t.Error("second Start should not dial again")
	case <-time.After(100 * time.Millisecond):
	}
}

// ── ApplyState ────────────────────────────────────────────────────────────────

func TestApplyState_SendsPromptsConfigAndPlayback(t *testing.T) {
	t.Parallel()

	type promptsMsg struct {
		ClientContent struct {
			WeightedPrompts []struct {
				Text   string  `json:"text"`
				Weight float64 `json:"weight"`
			} `json:"weightedPrompts"`
		} `json:"clientContent"`
	}
	type configMsg struct {
		MusicGenerationConfig struct {
			BPM          int    `json:"bpm"`
			Scale        string `json:"scale"`
			AudioFormat  string `json:"audioFormat"`
			SampleRateHz int    `json:"sampleRateHz"`
		} `json:"musicGenerationConfig"`
	}
	type playbackMsg struct {
		PlaybackControl string `json:"playbackControl"`
	}

	prompts := make(chan promptsMsg, 1)
	cfgs := make(chan configMsg, 1)
	playback := make(chan playbackMsg, 1)

	srv := startLyriaServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // setup

		var pm promptsMsg
		readJSON(t, conn, &pm)
		prompts <- pm

		var cm configMsg
		readJSON(t, conn, &cm)
		cfgs <- cm

		var pb playbackMsg
		readJSON(t, conn, &pb)
		playback <- pb

		<-conn.CloseRead(context.Background()).Done()
	})

	g := newLive(srv, func([]byte) {})
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer g.Close()

	if err := g.ApplyState(context.Background(), playingSnapshot()); err != nil {
		t.Fatalf("ApplyState: %v", err)
	}

	select {
	case pm := <-prompts:
		ps := pm.ClientContent.WeightedPrompts
		if len(ps) != 1 || ps[0].Text != "acid house" || ps[0].Weight != 1.5 {
			t.Errorf("unexpected prompts: %+v", ps)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for weighted prompts")
	}

	select {
	case cm := <-cfgs:
		gen := cm.MusicGenerationConfig
		if gen.BPM != 130 {
			t.Errorf("bpm = %d; want 130", gen.BPM)
		}
		if gen.Scale != "SCALE_UNSPECIFIED" {
			t.Errorf("scale = %q; want SCALE_UNSPECIFIED", gen.Scale)
		}
		if gen.AudioFormat != "pcm16" || gen.SampleRateHz != 48000 {
			t.Errorf("audio format = %s/%d; want pcm16/48000", gen.AudioFormat, gen.SampleRateHz)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for generation config")
	}

	select {
	case pb := <-playback:
		if pb.PlaybackControl != "PLAY" {
			t.Errorf("playbackControl = %q; want PLAY", pb.PlaybackControl)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for playback control")
	}
}

func TestApplyState_EmptyPromptsSendDefault(t *testing.T) {
	t.Parallel()

	type promptsMsg struct {
		ClientContent struct {
			WeightedPrompts []struct {
				Text   string  `json:"text"`
				Weight float64 `json:"weight"`
			} `json:"weightedPrompts"`
		} `json:"clientContent"`
	}
	prompts := make(chan promptsMsg, 1)

	srv := startLyriaServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // setup

		var pm promptsMsg
		readJSON(t, conn, &pm)
		prompts <- pm

		<-conn.CloseRead(context.Background()).Done()
	})

	g := newLive(srv, func([]byte) {})
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer g.Close()

	st := state.NewRoomState("room-1", time.Now())
	if err := g.ApplyState(context.Background(), st); err != nil {
		t.Fatalf("ApplyState: %v", err)
	}

	select {
	case pm := <-prompts:
		ps := pm.ClientContent.WeightedPrompts
		if len(ps) != 1 || ps[0].Text == "" || ps[0].Weight != 1.0 {
			t.Errorf("empty prompt list should send the default prompt; got %+v", ps)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for weighted prompts")
	}
}

// ── Playback commands ─────────────────────────────────────────────────────────

func TestPlaybackCommands_SendControlMessages(t *testing.T) {
	t.Parallel()

	commands := make(chan string, 4)

	srv := startLyriaServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // setup
		for range 4 {
			var msg struct {
				PlaybackControl string `json:"playbackControl"`
			}
			readJSON(t, conn, &msg)
			commands <- msg.PlaybackControl
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	g := newLive(srv, func([]byte) {})
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer g.Close()

	ctx := context.Background()
	if err := g.Play(ctx); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := g.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := g.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := g.ResetContext(ctx); err != nil {
		t.Fatalf("ResetContext: %v", err)
	}

	want := []string{"PLAY", "PAUSE", "STOP", "RESET_CONTEXT"}
	for _, w := range want {
		select {
		case got := <-commands:
			if got != w {
				t.Errorf("playbackControl = %q; want %q", got, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for %s", w)
		}
	}
}

// ── Audio forwarding ──────────────────────────────────────────────────────────

func TestReceiveLoop_ForwardsAudioChunks(t *testing.T) {
	t.Parallel()

	wantPCM := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	encoded := base64.StdEncoding.EncodeToString(wantPCM)

	srv := startLyriaServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // setup

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"audioChunks": []map[string]any{
					{"data": encoded},
				},
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	chunks := make(chan []byte, 1)
	g := newLive(srv, func(chunk []byte) {
		select {
		case chunks <- chunk:
		default:
		}
	})
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer g.Close()

	select {
	case chunk := <-chunks:
		if string(chunk) != string(wantPCM) {
			t.Errorf("chunk = %v; want %v", chunk, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio chunk")
	}
}

func TestReceiveLoop_SkipsMalformedFrames(t *testing.T) {
	t.Parallel()

	wantPCM := []byte{0x01, 0x02}
	encoded := base64.StdEncoding.EncodeToString(wantPCM)

	srv := startLyriaServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // setup

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		// Garbage, then a chunk with bad base64, then a good one.
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"audioChunks": []map[string]any{{"data": "!!!"}},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"audioChunks": []map[string]any{{"data": encoded}},
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	chunks := make(chan []byte, 1)
	g := newLive(srv, func(chunk []byte) {
		select {
		case chunks <- chunk:
		default:
		}
	})
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer g.Close()

	select {
	case chunk := <-chunks:
		if string(chunk) != string(wantPCM) {
			t.Errorf("chunk = %v; want %v", chunk, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio chunk")
	}
}

// ── Mock fallback ─────────────────────────────────────────────────────────────

func TestStart_FallsBackToMockOnDialFailure(t *testing.T) {
	t.Parallel()

	chunks := make(chan []byte, 1)
	g := lyria.NewGemini(lyria.Config{
		APIKey:  "key",
		BaseURL: "ws://127.0.0.1:1", // nothing listens here
	}, func(chunk []byte) {
		select {
		case chunks <- chunk:
		default:
		}
	})
	t.Cleanup(func() { _ = g.Close() })

	// Start reports success even though the dial failed.
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The embedded mock now serves the session end to end.
	if err := g.ApplyState(context.Background(), playingSnapshot()); err != nil {
		t.Fatalf("ApplyState: %v", err)
	}

	select {
	case chunk := <-chunks:
		if len(chunk) != lyria.FrameBytes {
			t.Errorf("fallback frame length = %d; want %d", len(chunk), lyria.FrameBytes)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fallback mock produced no frames")
	}
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startLyriaServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	g := newLive(srv, func([]byte) {})
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := g.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestClose_WithoutStart(t *testing.T) {
	t.Parallel()

	g := lyria.NewGemini(lyria.Config{APIKey: "key"}, func([]byte) {})
	if err := g.Close(); err != nil {
		t.Fatalf("Close without Start: %v", err)
	}
}

// ── Concurrency ───────────────────────────────────────────────────────────────

func TestApplyState_ConcurrentCallsDoNotRace(t *testing.T) {
	t.Parallel()

	srv := startLyriaServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx := context.Background()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	g := newLive(srv, func([]byte) {})
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer g.Close()

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 8 {
				_ = g.ApplyState(context.Background(), playingSnapshot())
			}
		})
	}
	wg.Wait()
}
