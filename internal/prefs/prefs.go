// Package prefs stores per-user query preferences.
package prefs

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Toggleable settings.
const (
	SettingReasoning       = "reasoning"
	SettingReturnCitations = "return_citations"
	SettingReturnImages    = "return_images"
)

// ErrUnknownSetting is returned by Toggle for anything but a boolean setting.
var ErrUnknownSetting = errors.New("unknown setting")

// Preferences are a user's defaults for queries on one channel.
type Preferences struct {
	Model           string `json:"model"`
	Focus           string `json:"focus"`
	Mode            string `json:"mode"`
	Reasoning       bool   `json:"reasoning"`
	ReturnCitations bool   `json:"return_citations"`
	ReturnImages    bool   `json:"return_images"`
}

// Default returns the preferences of a user who never changed anything.
func Default() Preferences {
	return Preferences{
		Model:           "sonar",
		Focus:           "web",
		Mode:            "busca",
		Reasoning:       false,
		ReturnCitations: true,
		ReturnImages:    true,
	}
}

// Store reads and writes preferences. Get returns Default for unknown users.
type Store interface {
	Get(ctx context.Context, userID int64, channel string) (Preferences, error)
	Set(ctx context.Context, userID int64, channel string, p Preferences) error
	// Toggle flips a boolean setting and returns its new value.
	Toggle(ctx context.Context, userID int64, channel, setting string) (bool, error)
}

func toggle(p *Preferences, setting string) (bool, error) {
	var field *bool
	switch setting {
	case SettingReasoning:
		field = &p.Reasoning
	case SettingReturnCitations:
		field = &p.ReturnCitations
	case SettingReturnImages:
		field = &p.ReturnImages
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownSetting, setting)
	}
	*field = !*field
	return *field, nil
}

type prefKey struct {
	userID  int64
	channel string
}

// MemoryStore keeps preferences in a map.
type MemoryStore struct {
	mu    sync.Mutex
	prefs map[prefKey]Preferences
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{prefs: make(map[prefKey]Preferences)}
}

func (s *MemoryStore) Get(_ context.Context, userID int64, channel string) (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.prefs[prefKey{userID, channel}]; ok {
		return p, nil
	}
	return Default(), nil
}

func (s *MemoryStore) Set(_ context.Context, userID int64, channel string, p Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[prefKey{userID, channel}] = p
	return nil
}

func (s *MemoryStore) Toggle(_ context.Context, userID int64, channel, setting string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := prefKey{userID, channel}
	p, ok := s.prefs[k]
	if !ok {
		p = Default()
	}
	v, err := toggle(&p, setting)
	if err != nil {
		return false, err
	}
	s.prefs[k] = p
	return v, nil
}
