package state

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// patchKeyAliases maps the camelCase aliases accepted on inbound config
// patches to their canonical snake_case keys. Outbound snapshots are always
// snake_case.
var patchKeyAliases = map[string]string{
	"musicGenerationMode": "music_generation_mode",
	"muteBass":            "mute_bass",
	"muteDrums":           "mute_drums",
	"onlyBassAndDrums":    "only_bass_and_drums",
	"topK":                "top_k",
}

// NormalizePatch returns a copy of raw with camelCase alias keys rewritten to
// their canonical snake_case form. Unknown keys pass through unchanged and
// are rejected later by [MusicConfig.Merge].
func NormalizePatch(raw map[string]any) map[string]any {
	patch := make(map[string]any, len(raw))
	for key, value := range raw {
		if canonical, ok := patchKeyAliases[key]; ok {
			key = canonical
		}
		patch[key] = value
	}
	return patch
}

// Merge overlays patch onto c and re-validates the full resulting bundle.
// The merge is atomic: on any decode or validation failure the receiver is
// untouched and the zero MusicConfig is returned with the error.
//
// Patch keys must already be canonical snake_case (see [NormalizePatch]).
func (c MusicConfig) Merge(patch map[string]any) (MusicConfig, error) {
	current, err := json.Marshal(c)
	if err != nil {
		return MusicConfig{}, fmt.Errorf("state: encode current config: %w", err)
	}

	merged := map[string]any{}
	if err := json.Unmarshal(current, &merged); err != nil {
		return MusicConfig{}, fmt.Errorf("state: decode current config: %w", err)
	}
	for key, value := range patch {
		merged[key] = value
	}

	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return MusicConfig{}, fmt.Errorf("state: encode merged config: %w", err)
	}

	var next MusicConfig
	dec := json.NewDecoder(bytes.NewReader(mergedJSON))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&next); err != nil {
		return MusicConfig{}, fmt.Errorf("state: invalid config patch: %w", err)
	}

	if err := next.Validate(); err != nil {
		return MusicConfig{}, fmt.Errorf("state: config patch out of range: %w", err)
	}
	return next, nil
}
