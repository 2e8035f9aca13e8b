package config

import (
	"sync/atomic"

	"github.com/amon-ai/amon/internal/event"
	"github.com/amon-ai/amon/pkg/types"
)

// Store holds the current settings. Readers never block; Set swaps the
// whole value.
type Store struct {
	current atomic.Pointer[types.Settings]
	bus     *event.Bus
}

// NewStore creates a store holding s. bus may be nil.
func NewStore(s *types.Settings, bus *event.Bus) *Store {
	st := &Store{bus: bus}
	if s == nil {
		s = Defaults()
	}
	st.current.Store(s)
	return st
}

// Settings returns the current settings.
func (s *Store) Settings() types.Settings {
	return *s.current.Load()
}

// Set validates next, installs it and announces the change.
func (s *Store) Set(next *types.Settings) error {
	if err := Validate(next); err != nil {
		return err
	}
	s.current.Store(next)
	if s.bus != nil {
		s.bus.Publish(event.Event{
			Type: event.SettingsChanged,
			Data: event.SettingsChangedData{Settings: Redact(*next)},
		})
	}
	return nil
}
