// Package telem keeps a short in-memory history of reported fixes and
// daemon events
package telem

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/starfail/rfloc/pkg/geo"
)

// Event represents a daemon event (sync failures, blacklisting, restarts)
type Event struct {
	Timestamp time.Time   `json:"timestamp"`
	Level     string      `json:"level"`
	Type      string      `json:"type"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
}

// Config for the telemetry store
type Config struct {
	MaxFixes       int
	MaxEvents      int
	RetentionHours int

	// Now stamps events and anchors the retention window. Defaults to
	// time.Now.
	Now func() time.Time
}

// Store holds recent fixes and events with bounded retention
type Store struct {
	mu            sync.RWMutex
	fixes         []geo.Fix
	events        []Event
	maxFixes      int
	maxEvents     int
	retentionTime time.Duration
	now           func() time.Time
}

// NewStore creates a telemetry store; zero config values take defaults.
func NewStore(config Config) *Store {
	if config.MaxFixes <= 0 {
		config.MaxFixes = 1000
	}
	if config.MaxEvents <= 0 {
		config.MaxEvents = 500
	}
	if config.RetentionHours <= 0 {
		config.RetentionHours = 24
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Store{
		fixes:         make([]geo.Fix, 0, config.MaxFixes),
		events:        make([]Event, 0, config.MaxEvents),
		maxFixes:      config.MaxFixes,
		maxEvents:     config.MaxEvents,
		retentionTime: time.Duration(config.RetentionHours) * time.Hour,
		now:           config.Now,
	}
}

// Now returns the store's notion of the current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// Report records a fix. It satisfies the locator's sink interface.
func (s *Store) Report(_ context.Context, fix geo.Fix) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fixes = keepRecent(append(s.fixes, fix), s.maxFixes)
	s.fixes = dropBefore(s.fixes, s.now().Add(-s.retentionTime), func(f geo.Fix) time.Time { return f.Time })
	return nil
}

// AddEvent stores a daemon event, stamping it if needed.
func (s *Store) AddEvent(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	s.events = keepRecent(append(s.events, event), s.maxEvents)
}

// LastFix returns the most recent fix.
func (s *Store) LastFix() (geo.Fix, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.fixes) == 0 {
		return geo.Fix{}, false
	}
	return s.fixes[len(s.fixes)-1], true
}

// GetFixes returns up to limit of the most recent fixes, oldest first.
// A non-positive limit returns all of them.
func (s *Store) GetFixes(limit int) []geo.Fix {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.fixes, limit)
}

// GetEvents returns up to limit of the most recent events, oldest first.
func (s *Store) GetEvents(limit int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.events, limit)
}

// Cleanup removes data older than the retention window.
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.retentionTime)
	s.fixes = dropBefore(s.fixes, cutoff, func(f geo.Fix) time.Time { return f.Time })
	s.events = dropBefore(s.events, cutoff, func(e Event) time.Time { return e.Timestamp })
}

// GetStats returns storage statistics
func (s *Store) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statsLocked()
}

func (s *Store) statsLocked() map[string]interface{} {
	return map[string]interface{}{
		"total_fixes":     len(s.fixes),
		"total_events":    len(s.events),
		"retention_hours": s.retentionTime.Hours(),
	}
}

// ExportJSON exports all data as JSON for debugging
func (s *Store) ExportJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	export := struct {
		Timestamp time.Time              `json:"timestamp"`
		Fixes     []geo.Fix              `json:"fixes"`
		Events    []Event                `json:"events"`
		Stats     map[string]interface{} `json:"stats"`
	}{
		Timestamp: s.now(),
		Fixes:     s.fixes,
		Events:    s.events,
		Stats:     s.statsLocked(),
	}

	data, err := json.Marshal(export)
	if err != nil {
		return nil, fmt.Errorf("failed to export telemetry: %w", err)
	}
	return data, nil
}

func keepRecent[T any](in []T, limit int) []T {
	if len(in) <= limit {
		return in
	}
	n := copy(in, in[len(in)-limit:])
	return in[:n]
}

func tail[T any](in []T, limit int) []T {
	start := 0
	if limit > 0 && limit < len(in) {
		start = len(in) - limit
	}
	out := make([]T, len(in)-start)
	copy(out, in[start:])
	return out
}

// dropBefore removes leading items stamped at or before cutoff. Items are
// assumed to be in time order.
func dropBefore[T any](in []T, cutoff time.Time, stamp func(T) time.Time) []T {
	keep := 0
	for keep < len(in) && !stamp(in[keep]).After(cutoff) {
		keep++
	}
	if keep == 0 {
		return in
	}
	n := copy(in, in[keep:])
	return in[:n]
}
