package nearby

import (
	"context"
	"sync"

	"github.com/DoyleJ11/gpose-together/internal/config"
	"github.com/DoyleJ11/gpose-together/internal/world"
)

// Service owns the Nearby Poses result set. The whole set is replaced on
// every sample.
type Service struct {
	index   *Index
	fetcher *Fetcher

	mu       sync.Mutex
	settings config.Nearby
	self     world.Snapshot
	hasSelf  bool
	entries  []Entry

	// map the last landed fetch was made for, when a position was known
	fetchedMap uint32
	fetchedFor bool
}

func NewService(index *Index, fetcher *Fetcher, settings config.Nearby) *Service {
	return &Service{index: index, fetcher: fetcher, settings: settings.Clamped()}
}

// Refresh fetches new shared poses (subject to the cooldown) and recomputes
// entries against the last sampled position. Moving to another map since the
// last fetch skips the cooldown, since the relay answers per map.
func (s *Service) Refresh(ctx context.Context) error {
	s.mu.Lock()
	mapID, known := s.self.MapID, s.hasSelf
	if known && s.fetchedFor && s.fetchedMap != mapID {
		s.fetcher.Expire()
	}
	s.mu.Unlock()

	if _, err := s.fetcher.Fetch(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchedMap, s.fetchedFor = mapID, known
	if s.hasSelf {
		s.recompute()
	}
	return nil
}

// Sample records the local player's position and recomputes entries.
func (s *Service) Sample(self world.Snapshot) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.self = self
	s.hasSelf = true
	s.recompute()
	return s.entries
}

func (s *Service) recompute() {
	s.entries = s.index.Refresh(s.fetcher.Poses(), s.self, FilterFrom(s.settings))
}

func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries
}

// Markers are the entries to draw in the world, empty when markers are off.
func (s *Service) Markers() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.settings.DrawMarkers {
		return nil
	}
	return s.entries
}

// ShouldSample reports whether positions should keep being sampled.
func (s *Service) ShouldSample(viewOpen bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return viewOpen || s.settings.KeepActiveOutside
}

func (s *Service) Settings() config.Nearby {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// SetSettings applies new filter settings and recomputes immediately.
func (s *Service) SetSettings(n config.Nearby) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = n.Clamped()
	if s.hasSelf {
		s.recompute()
	}
}
