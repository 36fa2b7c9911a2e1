// Package state defines the shared room state model: weighted prompts, the
// music-generation config bundle, participant slots, and the snapshot shape
// broadcast to control subscribers.
//
// All mutation of a [RoomState] happens inside the owning room's lock; this
// package only provides the data types, deep-copy snapshots, and validation.
package state

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Role identifies one of the two fixed seats in a room.
type Role string

const (
	RoleA Role = "A"
	RoleB Role = "B"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	return r == RoleA || r == RoleB
}

// Other returns the opposite role. The zero value maps to RoleA's opposite.
func (r Role) Other() Role {
	if r == RoleA {
		return RoleB
	}
	return RoleA
}

// RoleColors maps each role to its fixed display colour.
var RoleColors = map[Role]string{
	RoleA: "#2f7bff",
	RoleB: "#ff4a4a",
}

// PlaybackState is the room-level transport state.
type PlaybackState string

const (
	PlaybackPaused  PlaybackState = "paused"
	PlaybackPlaying PlaybackState = "playing"
	PlaybackStopped PlaybackState = "stopped"
)

// IsValid reports whether p is a recognised playback state.
func (p PlaybackState) IsValid() bool {
	switch p {
	case PlaybackPaused, PlaybackPlaying, PlaybackStopped:
		return true
	}
	return false
}

// MusicGenerationMode selects the generator's sampling strategy.
type MusicGenerationMode string

const (
	ModeQuality      MusicGenerationMode = "QUALITY"
	ModeDiversity    MusicGenerationMode = "DIVERSITY"
	ModeVocalization MusicGenerationMode = "VOCALIZATION"
)

// Scale is one of the thirteen musical-scale labels the generator accepts.
type Scale string

const (
	ScaleCMajorAMinor        Scale = "C_MAJOR_A_MINOR"
	ScaleDFlatMajorBFlatMin  Scale = "D_FLAT_MAJOR_B_FLAT_MINOR"
	ScaleDMajorBMinor        Scale = "D_MAJOR_B_MINOR"
	ScaleEFlatMajorCMinor    Scale = "E_FLAT_MAJOR_C_MINOR"
	ScaleEMajorDFlatMinor    Scale = "E_MAJOR_D_FLAT_MINOR"
	ScaleFMajorDMinor        Scale = "F_MAJOR_D_MINOR"
	ScaleGFlatMajorEFlatMin  Scale = "G_FLAT_MAJOR_E_FLAT_MINOR"
	ScaleGMajorEMinor        Scale = "G_MAJOR_E_MINOR"
	ScaleAFlatMajorFMinor    Scale = "A_FLAT_MAJOR_F_MINOR"
	ScaleAMajorGFlatMinor    Scale = "A_MAJOR_G_FLAT_MINOR"
	ScaleBFlatMajorGMinor    Scale = "B_FLAT_MAJOR_G_MINOR"
	ScaleBMajorAFlatMinor    Scale = "B_MAJOR_A_FLAT_MINOR"
	ScaleUnspecified         Scale = "SCALE_UNSPECIFIED"
)

// WeightedPrompt is a single steering prompt with its blend weight.
// Order within [RoomState.Prompts] is insertion order and survives mutation.
type WeightedPrompt struct {
	ID        string  `json:"id"`
	Text      string  `json:"text" validate:"required,max=300"`
	Weight    float64 `json:"weight" validate:"gte=-10,lte=10"`
	CreatedBy Role    `json:"created_by" validate:"oneof=A B"`
}

// NewWeightedPrompt creates a prompt with a fresh server-assigned ID.
func NewWeightedPrompt(text string, weight float64, createdBy Role) WeightedPrompt {
	return WeightedPrompt{
		ID:        uuid.NewString(),
		Text:      text,
		Weight:    weight,
		CreatedBy: createdBy,
	}
}

// Validate checks the prompt's text and weight constraints.
func (p WeightedPrompt) Validate() error {
	return validate.Struct(p)
}

// MusicConfig is the bundle of independently validated generator knobs.
// Every numeric field satisfies its range constraint at all times; patches
// that would violate a range are rejected wholesale (see [MusicConfig.Merge]).
type MusicConfig struct {
	Guidance   float64 `json:"guidance" validate:"gte=0,lte=6"`
	BPM        int     `json:"bpm" validate:"gte=60,lte=200"`
	Density    float64 `json:"density" validate:"gte=0,lte=1"`
	Brightness float64 `json:"brightness" validate:"gte=0,lte=1"`
	Scale      Scale   `json:"scale" validate:"oneof=C_MAJOR_A_MINOR D_FLAT_MAJOR_B_FLAT_MINOR D_MAJOR_B_MINOR E_FLAT_MAJOR_C_MINOR E_MAJOR_D_FLAT_MINOR F_MAJOR_D_MINOR G_FLAT_MAJOR_E_FLAT_MINOR G_MAJOR_E_MINOR A_FLAT_MAJOR_F_MINOR A_MAJOR_G_FLAT_MINOR B_FLAT_MAJOR_G_MINOR B_MAJOR_A_FLAT_MINOR SCALE_UNSPECIFIED"`

	MuteBass         bool `json:"mute_bass"`
	MuteDrums        bool `json:"mute_drums"`
	OnlyBassAndDrums bool `json:"only_bass_and_drums"`

	MusicGenerationMode MusicGenerationMode `json:"music_generation_mode" validate:"oneof=QUALITY DIVERSITY VOCALIZATION"`
	Temperature         float64             `json:"temperature" validate:"gte=0,lte=3"`
	TopK                int                 `json:"top_k" validate:"gte=1,lte=1000"`
	Seed                *int                `json:"seed" validate:"omitempty,gte=0,lte=2147483647"`
}

// DefaultMusicConfig returns a MusicConfig with every knob at its default.
func DefaultMusicConfig() MusicConfig {
	return MusicConfig{
		Guidance:            4.0,
		BPM:                 130,
		Density:             0.5,
		Brightness:          0.5,
		Scale:               ScaleUnspecified,
		MusicGenerationMode: ModeQuality,
		Temperature:         1.1,
		TopK:                40,
	}
}

// Validate checks every field of the bundle against its range constraint.
func (c MusicConfig) Validate() error {
	return validate.Struct(c)
}

// ParticipantState describes one of the two seats. Both seats always exist,
// even while disconnected.
type ParticipantState struct {
	Role      Role   `json:"role"`
	Color     string `json:"color"`
	Connected bool   `json:"connected"`

	// ActiveControl is the opaque ID of the widget this peer is currently
	// manipulating, or nil.
	ActiveControl *string `json:"active_control"`
}

// RoomState is the authoritative, externally observable state of a room.
type RoomState struct {
	RoomID        string                      `json:"room_id"`
	Prompts       []WeightedPrompt            `json:"prompts"`
	MusicConfig   MusicConfig                 `json:"music_config"`
	Participants  map[Role]*ParticipantState  `json:"participants"`
	PlaybackState PlaybackState               `json:"playback_state"`
	CreatedAt     time.Time                   `json:"created_at"`
	UpdatedAt     time.Time                   `json:"updated_at"`
}

// NewRoomState returns the initial state for a room: no prompts, default
// config, both seats present and disconnected, playback paused.
func NewRoomState(roomID string, now time.Time) *RoomState {
	now = now.UTC()
	return &RoomState{
		RoomID:      roomID,
		Prompts:     []WeightedPrompt{},
		MusicConfig: DefaultMusicConfig(),
		Participants: map[Role]*ParticipantState{
			RoleA: {Role: RoleA, Color: RoleColors[RoleA]},
			RoleB: {Role: RoleB, Color: RoleColors[RoleB]},
		},
		PlaybackState: PlaybackPaused,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy of s. Snapshots handed to generators and
// broadcasts are always clones so fan-out never reads torn state.
func (s *RoomState) Clone() *RoomState {
	cp := *s

	cp.Prompts = make([]WeightedPrompt, len(s.Prompts))
	copy(cp.Prompts, s.Prompts)

	if s.MusicConfig.Seed != nil {
		seed := *s.MusicConfig.Seed
		cp.MusicConfig.Seed = &seed
	}

	cp.Participants = make(map[Role]*ParticipantState, len(s.Participants))
	for role, p := range s.Participants {
		pc := *p
		if p.ActiveControl != nil {
			ac := *p.ActiveControl
			pc.ActiveControl = &ac
		}
		cp.Participants[role] = &pc
	}
	return &cp
}

// Touch advances UpdatedAt. Callers hold the room lock.
func (s *RoomState) Touch(now time.Time) {
	s.UpdatedAt = now.UTC()
}

// PromptWeights returns the weights of all current prompts in order.
func (s *RoomState) PromptWeights() []float64 {
	ws := make([]float64, len(s.Prompts))
	for i, p := range s.Prompts {
		ws[i] = p.Weight
	}
	return ws
}

// Envelope is the wire envelope shared by every WebSocket message,
// client-to-server and server-to-client alike.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// validate is the shared validator instance. validator.Validate is safe for
// concurrent use and caches struct metadata, so one instance serves the
// whole package.
var validate = validator.New(validator.WithRequiredStructEnabled())
