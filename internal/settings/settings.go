// Package settings persists mutable player preferences across restarts.
// Unlike the static YAML config this data changes at runtime, so it lives in
// a small JSON file rewritten atomically on every update.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Model tiers, cheapest first. The tier indexes into the configured model
// names, so the store never sees concrete model ids.
const (
	TierBase = 0
	TierPro  = 1
	TierMax  = 2
)

// Settings is the persisted preference set.
type Settings struct {
	ModelTier int  `json:"modelTier"`
	Autosave  bool `json:"autosave"`
}

func defaults() Settings {
	return Settings{ModelTier: TierBase, Autosave: true}
}

// Store is a file-backed settings holder. Reads are served from memory;
// writes clamp, persist and then notify subscribers.
type Store struct {
	path string

	mu      sync.Mutex
	current Settings
	subs    map[int]func(Settings)
	nextSub int
}

// Open loads the settings file at path, creating defaults when it does not
// exist. A corrupt file is an error rather than silently reset. An empty
// path keeps settings in memory only.
func Open(path string) (*Store, error) {
	s := &Store{path: path, current: defaults(), subs: make(map[int]func(Settings))}
	if path == "" {
		return s, nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}
	var loaded Settings
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return nil, fmt.Errorf("settings: parse %s: %w", path, err)
	}
	loaded.ModelTier = clampTier(loaded.ModelTier)
	s.current = loaded
	return s, nil
}

// Current returns the settings snapshot.
func (s *Store) Current() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SetModelTier updates the model tier, clamped to the known range.
func (s *Store) SetModelTier(tier int) error {
	return s.update(func(v *Settings) { v.ModelTier = clampTier(tier) })
}

// SetAutosave toggles run autosaving.
func (s *Store) SetAutosave(enabled bool) error {
	return s.update(func(v *Settings) { v.Autosave = enabled })
}

// Subscribe registers fn to run after every successful update. The returned
// function cancels the subscription.
func (s *Store) Subscribe(fn func(Settings)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) update(apply func(*Settings)) error {
	s.mu.Lock()
	next := s.current
	apply(&next)
	if err := s.persist(next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.current = next
	subs := make([]func(Settings), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(next)
	}
	return nil
}

// persist writes to a temp file in the same directory and renames it over
// the target, so a crash mid-write never leaves a truncated file.
func (s *Store) persist(v Settings) error {
	if s.path == "" {
		return nil
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".settings-*")
	if err != nil {
		return fmt.Errorf("settings: create temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("settings: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("settings: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("settings: replace %s: %w", s.path, err)
	}
	return nil
}

func clampTier(tier int) int {
	if tier < TierBase {
		return TierBase
	}
	if tier > TierMax {
		return TierMax
	}
	return tier
}
