package timeline

import (
	"fmt"
	"testing"
	"time"

	"github.com/steveyegge/gtwatch/internal/model"
)

func eventAt(ts time.Time, typ string) model.Event {
	return model.Event{Type: typ, Timestamp: ts}
}

func TestAddKeepsOrder(t *testing.T) {
	b := New(0, 0)
	base := time.Now().Add(-time.Minute)

	// Insert out of order.
	for _, offset := range []int{5, 1, 3, 2, 4, 0} {
		b.Add(eventAt(base.Add(time.Duration(offset)*time.Second), fmt.Sprintf("e%d", offset)))
	}

	events := b.All()
	if len(events) != 6 {
		t.Fatalf("len = %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.Before(events[i-1].Timestamp) {
			t.Fatalf("events out of order at %d", i)
		}
	}
	if events[0].Type != "e0" || events[5].Type != "e5" {
		t.Errorf("order = %s..%s", events[0].Type, events[5].Type)
	}
}

func TestAddStampsMissingTimestamp(t *testing.T) {
	b := New(0, 0)
	b.Add(model.Event{Type: "x"})
	events := b.All()
	if len(events) != 1 || events[0].Timestamp.IsZero() {
		t.Fatal("missing timestamp was not assigned")
	}
}

func TestMaxEventsCap(t *testing.T) {
	b := New(time.Hour, 10)
	base := time.Now().Add(-time.Minute)
	for i := 0; i < 25; i++ {
		b.Add(eventAt(base.Add(time.Duration(i)*time.Millisecond), fmt.Sprintf("e%d", i)))
	}
	events := b.All()
	if len(events) != 10 {
		t.Fatalf("len = %d, want 10", len(events))
	}
	// Newest retained.
	if events[9].Type != "e24" || events[0].Type != "e15" {
		t.Errorf("window = %s..%s, want e15..e24", events[0].Type, events[9].Type)
	}
}

func TestMaxAgePruning(t *testing.T) {
	b := New(time.Minute, 0)
	b.Add(eventAt(time.Now().Add(-2*time.Hour), "stale"))
	b.Add(eventAt(time.Now(), "fresh"))
	events := b.All()
	if len(events) != 1 || events[0].Type != "fresh" {
		t.Errorf("events = %v", events)
	}
}

func TestEventsBetweenInclusive(t *testing.T) {
	b := New(0, 0)
	base := time.Now().Add(-time.Minute)
	for i := 0; i < 10; i++ {
		b.Add(eventAt(base.Add(time.Duration(i)*time.Second), fmt.Sprintf("e%d", i)))
	}

	got := b.EventsBetween(base.Add(2*time.Second), base.Add(5*time.Second))
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4 (inclusive bounds)", len(got))
	}
	if got[0].Type != "e2" || got[3].Type != "e5" {
		t.Errorf("range = %s..%s", got[0].Type, got[3].Type)
	}
}

// Concatenating adjacent non-overlapping ranges covers the whole buffer.
func TestRangePartitionCoversAll(t *testing.T) {
	b := New(0, 0)
	base := time.Now().Add(-time.Minute)
	for i := 0; i < 9; i++ {
		b.Add(eventAt(base.Add(time.Duration(i)*time.Second), fmt.Sprintf("e%d", i)))
	}

	var joined []model.Event
	joined = append(joined, b.EventsBetween(base, base.Add(2*time.Second))...)
	joined = append(joined, b.EventsBetween(base.Add(3*time.Second), base.Add(5*time.Second))...)
	joined = append(joined, b.EventsBetween(base.Add(6*time.Second), base.Add(8*time.Second))...)

	all := b.All()
	if len(joined) != len(all) {
		t.Fatalf("joined %d events, buffer holds %d", len(joined), len(all))
	}
	for i := range all {
		if joined[i].Type != all[i].Type {
			t.Errorf("position %d: %s != %s", i, joined[i].Type, all[i].Type)
		}
	}
}

func TestEventAtTime(t *testing.T) {
	b := New(0, 0)
	base := time.Now().Add(-time.Minute)
	b.Add(eventAt(base, "first"))
	b.Add(eventAt(base.Add(10*time.Second), "second"))

	if e := b.EventAtTime(base.Add(-time.Second)); e != nil {
		t.Errorf("expected nil before first event, got %v", e.Type)
	}
	if e := b.EventAtTime(base.Add(5 * time.Second)); e == nil || e.Type != "first" {
		t.Errorf("at +5s got %v, want first", e)
	}
	if e := b.EventAtTime(base.Add(10 * time.Second)); e == nil || e.Type != "second" {
		t.Errorf("at +10s got %v, want second (inclusive)", e)
	}
}

func TestStateAtTimeReplay(t *testing.T) {
	b := New(0, 0)
	base := time.Now().Add(-time.Minute)

	h0 := model.Snapshot{
		Rigs: map[string]model.Rig{"r": {Name: "r"}},
		Hooks: map[string]map[string]model.Hook{
			"r": {"witness": {Rig: "r", Agent: "witness", Bead: "gt-1"}},
		},
	}
	b.Add(model.Event{
		Type:      TypeSnapshot,
		Timestamp: base,
		Data:      map[string]any{"snapshot": h0},
	})
	b.Add(model.Event{
		Type:      TypeHooksUpdated,
		Timestamp: base.Add(10 * time.Second),
		Data: map[string]any{
			"hooks": map[string]map[string]model.Hook{
				"r": {"a1": {Rig: "r", Agent: "a1", Bead: "gt-2"}},
			},
		},
	})

	mid := b.StateAtTime(base.Add(5 * time.Second))
	if !mid.IsReplay {
		t.Error("mid state not tagged as replay")
	}
	if _, ok := mid.Hooks["r"]["a1"]; ok {
		t.Error("hooks:updated applied too early")
	}
	if mid.Hooks["r"]["witness"].Bead != "gt-1" {
		t.Errorf("mid hooks = %+v", mid.Hooks)
	}

	late := b.StateAtTime(base.Add(15 * time.Second))
	if !late.IsReplay {
		t.Error("late state not tagged as replay")
	}
	if late.Hooks["r"]["a1"].Bead != "gt-2" {
		t.Errorf("merged hook missing: %+v", late.Hooks)
	}
	if late.Hooks["r"]["witness"].Bead != "gt-1" {
		t.Errorf("snapshot hook lost in merge: %+v", late.Hooks)
	}
}

func TestBoundsAndStats(t *testing.T) {
	b := New(0, 0)
	if bounds := b.TimelineBounds(); bounds.Count != 0 {
		t.Errorf("empty bounds = %+v", bounds)
	}
	base := time.Now().Add(-time.Minute)
	b.Add(eventAt(base, "a"))
	b.Add(eventAt(base.Add(time.Second), "b"))

	bounds := b.TimelineBounds()
	if bounds.Count != 2 || !bounds.Start.Equal(base) || !bounds.End.Equal(base.Add(time.Second)) {
		t.Errorf("bounds = %+v", bounds)
	}
	stats := b.Stats()
	if stats.Count != 2 || stats.MaxEvents != DefaultMaxEvents {
		t.Errorf("stats = %+v", stats)
	}
	markers := b.Markers()
	if len(markers) != 2 || markers[0].Type != "a" {
		t.Errorf("markers = %+v", markers)
	}
}

func TestClear(t *testing.T) {
	b := New(0, 0)
	b.Add(eventAt(time.Now(), "x"))
	b.Clear()
	if len(b.All()) != 0 {
		t.Error("buffer not cleared")
	}
}
