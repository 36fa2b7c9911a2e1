package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/stevenp1015/leeriya/internal/room"
	"github.com/stevenp1015/leeriya/internal/state"
	"github.com/stevenp1015/leeriya/internal/token"
)

// Application close codes, in the WebSocket private range.
const (
	closeUnauthorized websocket.StatusCode = 4401
	closeNotFound     websocket.StatusCode = 4404
	closeConflict     websocket.StatusCode = 4409
)

// wsConn adapts a [websocket.Conn] to the room's sink interfaces. The mutex
// serialises writes, since room fan-out and per-socket error replies can race.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) SendJSON(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, b)
}

func (c *wsConn) SendBytes(ctx context.Context, chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageBinary, chunk)
}

var (
	_ room.ControlSink = (*wsConn)(nil)
	_ room.AudioSink   = (*wsConn)(nil)
)

// sendError reports a failure to the originating socket only, as a
// "server.error" envelope. Best effort; send failures surface on the next
// read instead.
func (c *wsConn) sendError(ctx context.Context, msg string) {
	_ = c.SendJSON(ctx, state.Envelope{
		Type:    "server.error",
		Payload: map[string]any{"message": msg},
	})
}

// authorize verifies the query token and checks it was issued for roomID
// with a usable role.
func (s *Server) authorize(r *http.Request, roomID string) (state.Role, error) {
	tok := r.URL.Query().Get("token")
	if tok == "" {
		return "", errors.New("missing token")
	}
	payload, err := token.Verify(tok, s.cfg.TokenSecret)
	if err != nil {
		return "", err
	}
	tokenRoomID, _ := payload["room_id"].(string)
	roleStr, _ := payload["role"].(string)
	if tokenRoomID != roomID {
		return "", errors.New("token room mismatch")
	}
	role := state.Role(roleStr)
	if !role.IsValid() {
		return "", errors.New("invalid role in token")
	}
	return role, nil
}

// acceptWS upgrades the request. Origin enforcement is handled by the CORS
// middleware config, so the upgrade itself accepts any origin.
func acceptWS(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
}

// handleControlWS handles GET /ws/rooms/{roomID}/control. The socket joins
// the room's control fan-out for its token's role, receives a state snapshot
// immediately, and submits control events until it disconnects.
func (s *Server) handleControlWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")

	conn, err := acceptWS(w, r)
	if err != nil {
		slog.Debug("control socket upgrade failed", "room_id", roomID, "error", err)
		return
	}
	sink := &wsConn{conn: conn}
	ctx := r.Context()

	role, err := s.authorize(r, roomID)
	if err != nil {
		sink.sendError(ctx, err.Error())
		_ = conn.Close(closeUnauthorized, "unauthorized")
		return
	}

	rm, err := s.rooms.GetRoom(roomID)
	if err != nil {
		_ = conn.Close(closeNotFound, "Room not found")
		return
	}

	if err := rm.EnsureSession(ctx); err != nil {
		sink.sendError(ctx, "generator unavailable")
		_ = conn.Close(websocket.StatusInternalError, "generator unavailable")
		return
	}
	if err := rm.RegisterControl(sink, role); err != nil {
		sink.sendError(ctx, err.Error())
		_ = conn.Close(closeConflict, "role already connected")
		return
	}
	defer func() {
		rm.UnregisterControl(sink)
		rm.BroadcastState(context.Background())
		s.rooms.CloseRoomIfIdle(roomID)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	rm.BroadcastState(ctx)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			slog.Debug("control socket closed", "room_id", roomID, "role", role, "reason", err)
			return
		}

		var evt room.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			sink.sendError(ctx, "malformed event: "+err.Error())
			continue
		}
		if err := room.Dispatch(ctx, rm, role, evt); err != nil {
			sink.sendError(ctx, err.Error())
		}
	}
}

// handleAudioWS handles GET /ws/rooms/{roomID}/audio. The socket joins the
// room's audio fan-out, receives a format announcement, and then streams
// binary PCM frames until it disconnects. Inbound messages are drained and
// ignored.
func (s *Server) handleAudioWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")

	conn, err := acceptWS(w, r)
	if err != nil {
		slog.Debug("audio socket upgrade failed", "room_id", roomID, "error", err)
		return
	}
	sink := &wsConn{conn: conn}
	ctx := r.Context()

	if _, err := s.authorize(r, roomID); err != nil {
		sink.sendError(ctx, err.Error())
		_ = conn.Close(closeUnauthorized, "unauthorized")
		return
	}

	rm, err := s.rooms.GetRoom(roomID)
	if err != nil {
		_ = conn.Close(closeNotFound, "Room not found")
		return
	}

	if err := rm.EnsureSession(ctx); err != nil {
		sink.sendError(ctx, "generator unavailable")
		_ = conn.Close(websocket.StatusInternalError, "generator unavailable")
		return
	}
	rm.RegisterAudio(sink)
	defer func() {
		rm.UnregisterAudio(sink)
		s.rooms.CloseRoomIfIdle(roomID)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	if err := rm.SendAudioFormat(ctx, sink); err != nil {
		return
	}

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			slog.Debug("audio socket closed", "room_id", roomID, "reason", err)
			return
		}
	}
}
