package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"safelink/store"
)

// ErrInvalidSettings is returned when an update would leave settings with an
// unknown mode or sensitivity.
var ErrInvalidSettings = errors.New("invalid settings")

// KeySettings is the store key holding Settings.
const KeySettings = "safelink_settings"

// Mode says what happens when a rule matches.
type Mode string

const (
	ModeWarn     Mode = "warn"
	ModeDisabled Mode = "disabled"
)

// Settings are the user-facing switches. They are persisted as one object;
// the last writer wins.
type Settings struct {
	SiteBlockMode     Mode        `json:"siteBlockMode"`
	PhraseBlockMode   Mode        `json:"phraseBlockMode"`
	PhraseSensitivity Sensitivity `json:"phraseSensitivity"`
}

// DefaultSettings warns on sites and phrases with medium sensitivity.
func DefaultSettings() Settings {
	return Settings{
		SiteBlockMode:     ModeWarn,
		PhraseBlockMode:   ModeWarn,
		PhraseSensitivity: Medium,
	}
}

// Validate checks every field.
func (s Settings) Validate() error {
	if s.SiteBlockMode != ModeWarn && s.SiteBlockMode != ModeDisabled {
		return fmt.Errorf("%w: siteBlockMode %q", ErrInvalidSettings, s.SiteBlockMode)
	}
	if s.PhraseBlockMode != ModeWarn && s.PhraseBlockMode != ModeDisabled {
		return fmt.Errorf("%w: phraseBlockMode %q", ErrInvalidSettings, s.PhraseBlockMode)
	}
	if !s.PhraseSensitivity.Valid() {
		return fmt.Errorf("%w: phraseSensitivity %q", ErrInvalidSettings, s.PhraseSensitivity)
	}
	return nil
}

// Settings returns the persisted settings over the defaults. A store error
// or a malformed value yields the defaults.
func (e *Engine) Settings(ctx context.Context) Settings {
	s := DefaultSettings()
	m, err := e.store.Get(ctx, KeySettings)
	if err != nil {
		log.Printf("Failed to read settings, using defaults: %v", err)
		return s
	}
	raw, ok := m[KeySettings]
	if !ok {
		return s
	}
	if err := json.Unmarshal(raw, &s); err != nil || s.Validate() != nil {
		log.Printf("Warning: stored settings are invalid, using defaults")
		return DefaultSettings()
	}
	return s
}

// UpdateSettings overlays the fields present in patch on the current
// settings, validates the result and persists it whole.
func (e *Engine) UpdateSettings(ctx context.Context, patch json.RawMessage) (Settings, error) {
	s := e.Settings(ctx)
	if len(patch) > 0 {
		if err := json.Unmarshal(patch, &s); err != nil {
			return Settings{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
		}
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	if err := store.SetJSON(ctx, e.store, map[string]any{KeySettings: s}); err != nil {
		return Settings{}, fmt.Errorf("save settings: %w", err)
	}
	log.Printf("Settings updated: site=%s phrase=%s sensitivity=%s",
		s.SiteBlockMode, s.PhraseBlockMode, s.PhraseSensitivity)
	return s, nil
}
