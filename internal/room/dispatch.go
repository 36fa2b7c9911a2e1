package room

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stevenp1015/leeriya/internal/state"
)

// Event is an inbound control envelope as read off a control socket.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Dispatch maps an authenticated control event from role to the matching
// room mutation and broadcasts the resulting snapshot. Errors are returned
// to the caller, which reports them to the originating subscriber only; the
// room is never torn down by a failed dispatch.
func Dispatch(ctx context.Context, r *Room, role state.Role, evt Event) error {
	switch evt.Type {
	case "control.patch":
		var payload struct {
			Patch map[string]any `json:"patch"`
		}
		if err := decodePayload(evt.Payload, &payload); err != nil {
			return err
		}
		patch := state.NormalizePatch(payload.Patch)
		_, requiresReset, err := r.ApplyMusicConfigPatch(ctx, patch)
		if err != nil {
			return err
		}
		if requiresReset {
			if _, err := r.HandlePlaybackCommand(ctx, "reset_context"); err != nil {
				return err
			}
		}
		r.BroadcastState(ctx)
		return nil

	case "prompt.add":
		var payload struct {
			Text   string   `json:"text"`
			Weight *float64 `json:"weight"`
		}
		if err := decodePayload(evt.Payload, &payload); err != nil {
			return err
		}
		text := strings.TrimSpace(payload.Text)
		if text == "" {
			return fmt.Errorf("%w: prompt text is required", ErrInvalidArgument)
		}
		weight := 1.0
		if payload.Weight != nil {
			weight = *payload.Weight
		}
		if _, err := r.AddPrompt(ctx, role, text, weight); err != nil {
			return err
		}
		r.BroadcastState(ctx)
		return nil

	case "prompt.update_weight":
		var payload struct {
			PromptID string  `json:"promptId"`
			Weight   float64 `json:"weight"`
		}
		if err := decodePayload(evt.Payload, &payload); err != nil {
			return err
		}
		if _, err := r.UpdatePromptWeight(ctx, strings.TrimSpace(payload.PromptID), payload.Weight); err != nil {
			return err
		}
		r.BroadcastState(ctx)
		return nil

	case "prompt.remove":
		var payload struct {
			PromptID string `json:"promptId"`
		}
		if err := decodePayload(evt.Payload, &payload); err != nil {
			return err
		}
		if _, err := r.RemovePrompt(ctx, strings.TrimSpace(payload.PromptID)); err != nil {
			return err
		}
		r.BroadcastState(ctx)
		return nil

	case "playback.command":
		var payload struct {
			Command string `json:"command"`
		}
		if err := decodePayload(evt.Payload, &payload); err != nil {
			return err
		}
		if _, err := r.HandlePlaybackCommand(ctx, payload.Command); err != nil {
			return err
		}
		r.BroadcastState(ctx)
		return nil

	case "control.interaction":
		var payload struct {
			Active    bool   `json:"active"`
			ControlID string `json:"controlId"`
		}
		if err := decodePayload(evt.Payload, &payload); err != nil {
			return err
		}
		// Empty control IDs are coerced to nil; active=false always clears.
		var controlID *string
		if id := strings.TrimSpace(payload.ControlID); payload.Active && id != "" {
			controlID = &id
		}
		r.SetActiveControl(role, controlID)
		r.BroadcastState(ctx)
		return nil

	case "ping":
		// Ignore; transport-level ping/pong also works.
		return nil
	}

	return fmt.Errorf("%w: %q", ErrUnsupportedEvent, evt.Type)
}

// decodePayload unmarshals raw into dst, treating an absent payload as an
// empty object.
func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: malformed payload: %v", ErrInvalidArgument, err)
	}
	return nil
}
