package pipeline

import (
	"sync/atomic"

	"github.com/loqalabs/loqa-interpreter/internal/protocol"
)

// Settings are the session options the pipeline reads while running.
type Settings struct {
	Voice string
	Speed float64
	Mode  protocol.Mode
	Topic string
}

// SettingsStore publishes Settings snapshots. Readers never block writers.
type SettingsStore struct {
	v atomic.Pointer[Settings]
}

func NewSettingsStore(initial Settings) *SettingsStore {
	s := &SettingsStore{}
	s.v.Store(&initial)
	return s
}

func (s *SettingsStore) Load() Settings {
	return *s.v.Load()
}

// Update applies fn to a copy of the current settings and publishes it.
func (s *SettingsStore) Update(fn func(*Settings)) Settings {
	for {
		old := s.v.Load()
		next := *old
		fn(&next)
		if s.v.CompareAndSwap(old, &next) {
			return next
		}
	}
}
