// Package timeline keeps a bounded, time-ordered buffer of events and
// reconstructs historical state by replaying them. Out-of-order arrivals
// are placed by binary search so the stored sequence is always
// non-decreasing by timestamp.
package timeline

import (
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/gtwatch/internal/model"
)

const (
	// DefaultMaxAge drops events older than three hours.
	DefaultMaxAge = 3 * time.Hour

	// DefaultMaxEvents caps the buffer size; oldest entries go first.
	DefaultMaxEvents = 10000
)

// Event types the replay fold understands.
const (
	TypeSnapshot     = "snapshot"
	TypeHooksUpdated = "hooks:updated"
)

// Marker is a lightweight reference to one buffered event.
type Marker struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
}

// Bounds describes the covered time range.
type Bounds struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Count int       `json:"count"`
}

// Stats reports buffer occupancy and limits.
type Stats struct {
	Count     int           `json:"count"`
	Oldest    time.Time     `json:"oldest"`
	Newest    time.Time     `json:"newest"`
	MaxEvents int           `json:"maxEvents"`
	MaxAge    time.Duration `json:"maxAge"`
}

// Buffer is the bounded ordered event sequence.
type Buffer struct {
	mu        sync.RWMutex
	events    []model.Event
	maxAge    time.Duration
	maxEvents int
}

// New creates a buffer. Non-positive limits fall back to the defaults.
func New(maxAge time.Duration, maxEvents int) *Buffer {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Buffer{maxAge: maxAge, maxEvents: maxEvents}
}

// Add inserts an event in timestamp order, stamping it with the current
// time if unset, then prunes by age and size.
func (b *Buffer) Add(e model.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Insertion point: first index whose timestamp is after e's. Events
	// with equal timestamps keep arrival order.
	i := sort.Search(len(b.events), func(i int) bool {
		return b.events[i].Timestamp.After(e.Timestamp)
	})
	b.events = append(b.events, model.Event{})
	copy(b.events[i+1:], b.events[i:])
	b.events[i] = e

	b.pruneLocked()
}

func (b *Buffer) pruneLocked() {
	cutoff := time.Now().Add(-b.maxAge)
	i := sort.Search(len(b.events), func(i int) bool {
		return !b.events[i].Timestamp.Before(cutoff)
	})
	if i > 0 {
		b.events = append([]model.Event(nil), b.events[i:]...)
	}
	if len(b.events) > b.maxEvents {
		b.events = append([]model.Event(nil), b.events[len(b.events)-b.maxEvents:]...)
	}
}

// All returns a copy of the buffered events, oldest first.
func (b *Buffer) All() []model.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]model.Event(nil), b.events...)
}

// EventsBetween returns the events with start <= timestamp <= end.
func (b *Buffer) EventsBetween(start, end time.Time) []model.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	lo := sort.Search(len(b.events), func(i int) bool {
		return !b.events[i].Timestamp.Before(start)
	})
	hi := sort.Search(len(b.events), func(i int) bool {
		return b.events[i].Timestamp.After(end)
	})
	if lo >= hi {
		return nil
	}
	return append([]model.Event(nil), b.events[lo:hi]...)
}

// EventAtTime returns the most recent event at or before t, or nil.
func (b *Buffer) EventAtTime(t time.Time) *model.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	i := sort.Search(len(b.events), func(i int) bool {
		return b.events[i].Timestamp.After(t)
	})
	if i == 0 {
		return nil
	}
	e := b.events[i-1]
	return &e
}

// StateAtTime reconstructs the observable state as of t by folding buffered
// events: snapshot events replace the whole state, hooks:updated events
// merge their hook map. The result is tagged as a replay.
func (b *Buffer) StateAtTime(t time.Time) model.Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	state := model.Snapshot{
		Rigs:   map[string]model.Rig{},
		Agents: map[string][]model.Agent{},
		Beads:  map[string][]model.Bead{},
		Hooks:  map[string]map[string]model.Hook{},
	}

	for _, e := range b.events {
		if e.Timestamp.After(t) {
			break
		}
		switch e.Type {
		case TypeSnapshot:
			if snap, ok := e.Data["snapshot"].(model.Snapshot); ok {
				state = snap
			}
		case TypeHooksUpdated:
			hooks, ok := e.Data["hooks"].(map[string]map[string]model.Hook)
			if !ok {
				continue
			}
			if state.Hooks == nil {
				state.Hooks = map[string]map[string]model.Hook{}
			}
			for rig, agents := range hooks {
				if state.Hooks[rig] == nil {
					state.Hooks[rig] = map[string]model.Hook{}
				}
				for agent, hook := range agents {
					state.Hooks[rig][agent] = hook
				}
			}
		}
		state.LastUpdated = e.Timestamp
	}

	state.IsReplay = true
	return state
}

// Markers returns one marker per buffered event, oldest first.
func (b *Buffer) Markers() []Marker {
	b.mu.RLock()
	defer b.mu.RUnlock()

	markers := make([]Marker, len(b.events))
	for i, e := range b.events {
		markers[i] = Marker{Timestamp: e.Timestamp, Type: e.Type}
	}
	return markers
}

// TimelineBounds reports the covered range and event count.
func (b *Buffer) TimelineBounds() Bounds {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bounds := Bounds{Count: len(b.events)}
	if len(b.events) > 0 {
		bounds.Start = b.events[0].Timestamp
		bounds.End = b.events[len(b.events)-1].Timestamp
	}
	return bounds
}

// Stats reports occupancy and configured limits.
func (b *Buffer) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{Count: len(b.events), MaxEvents: b.maxEvents, MaxAge: b.maxAge}
	if len(b.events) > 0 {
		s.Oldest = b.events[0].Timestamp
		s.Newest = b.events[len(b.events)-1].Timestamp
	}
	return s
}

// Clear discards all buffered events.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
}
