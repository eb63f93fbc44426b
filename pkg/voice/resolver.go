package voice

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// PresetKeys are the preset names offered to users. Their voice ids come
// from configuration.
var PresetKeys = []string{"friendly_female", "firm_female", "calm_female", "warm_female"}

// PreferenceStore returns a user's saved voice.
type PreferenceStore interface {
	VoicePreference(ctx context.Context, userID string) (string, error)
}

// Resolver picks the voice for a user. An explicit preset wins over the
// user's stored preference, which wins over the default.
type Resolver struct {
	presets     map[string]string
	defaultID   string
	preferences PreferenceStore
}

func NewResolver(presets map[string]string, defaultID string, prefs PreferenceStore) *Resolver {
	if presets == nil {
		presets = map[string]string{}
	}
	return &Resolver{presets: presets, defaultID: defaultID, preferences: prefs}
}

// Preset returns the voice id registered under key.
func (r *Resolver) Preset(key string) (string, bool) {
	id, ok := r.presets[strings.TrimSpace(key)]
	return id, ok && id != ""
}

// Configured lists preset names that have a voice id.
func (r *Resolver) Configured() []string {
	keys := make([]string, 0, len(r.presets))
	for k, id := range r.presets {
		if id == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Resolver) Resolve(ctx context.Context, userID, preset string) string {
	if preset != "" {
		if id, ok := r.Preset(preset); ok {
			return id
		}
		log.Debug().Str("component", "voice").Str("preset", preset).Msg("unknown voice preset")
	}
	if userID != "" && r.preferences != nil {
		id, err := r.preferences.VoicePreference(ctx, userID)
		if err != nil {
			log.Warn().Err(err).Str("component", "voice").Str("user_id", userID).Msg("voice preference lookup failed")
		} else if id != "" {
			return id
		}
	}
	return r.defaultID
}
