package metrics

import (
	"testing"
	"time"

	"github.com/steveyegge/gtwatch/internal/model"
)

func TestSuccessRateEmptyIsHundred(t *testing.T) {
	c := New(0, 0)
	if got := c.Snapshot().SuccessRate; got != 100 {
		t.Errorf("successRate = %v, want 100 with no polls", got)
	}
}

func TestRecordPoll(t *testing.T) {
	c := New(0, 0)
	c.RecordPoll(100*time.Millisecond, true)
	c.RecordPoll(300*time.Millisecond, true)
	c.RecordPoll(200*time.Millisecond, false)

	snap := c.Snapshot()
	if snap.TotalPolls != 3 || snap.SuccessfulPolls != 2 || snap.FailedPolls != 1 {
		t.Errorf("counters = %d/%d/%d", snap.TotalPolls, snap.SuccessfulPolls, snap.FailedPolls)
	}
	if snap.AvgPollDuration != 200 {
		t.Errorf("avgPollDuration = %d, want 200", snap.AvgPollDuration)
	}
	if snap.SuccessRate != 66.7 {
		t.Errorf("successRate = %v, want 66.7", snap.SuccessRate)
	}
}

func TestRotateBucketsEvents(t *testing.T) {
	c := New(0, 0)
	for i := 0; i < 7; i++ {
		c.RecordEvent()
	}
	c.Rotate()
	c.RecordEvent()
	c.Rotate()

	snap := c.Snapshot()
	if len(snap.EventVolume) != 2 || snap.EventVolume[0] != 7 || snap.EventVolume[1] != 1 {
		t.Errorf("eventVolume = %v", snap.EventVolume)
	}
	if len(snap.Timestamps) != 2 {
		t.Errorf("timestamps = %d", len(snap.Timestamps))
	}
	if snap.TotalEvents != 8 {
		t.Errorf("totalEvents = %d", snap.TotalEvents)
	}
}

func TestUpdateFrequencyLastFive(t *testing.T) {
	c := New(0, 0)
	for _, n := range []int{100, 1, 2, 3, 4, 5} {
		for i := 0; i < n; i++ {
			c.RecordEvent()
		}
		c.Rotate()
	}
	// The 100-event bucket is outside the most-recent-5 window.
	if got := c.Snapshot().UpdateFrequency; got != 3 {
		t.Errorf("updateFrequency = %v, want 3", got)
	}
}

func TestBufferCap(t *testing.T) {
	c := New(4, 0)
	for i := 0; i < 10; i++ {
		c.RecordPoll(time.Duration(i)*time.Millisecond, true)
		c.Rotate()
	}
	snap := c.Snapshot()
	if len(snap.PollDurations) != 4 || len(snap.EventVolume) != 4 {
		t.Errorf("buffers = %d/%d, want 4", len(snap.PollDurations), len(snap.EventVolume))
	}
	// Newest retained.
	if snap.PollDurations[3] != 9 {
		t.Errorf("pollDurations = %v", snap.PollDurations)
	}
}

func TestObserveActivity(t *testing.T) {
	c := New(0, 0)
	agents := map[string][]model.Agent{
		"r": {
			{Rig: "r", Name: "a1", Status: model.AgentRunning},
			{Rig: "r", Name: "a2", Status: model.AgentIdle},
			{Rig: "r", Name: "a3", Status: model.AgentStopped},
			{Rig: "r", Name: "a4", Status: model.AgentRunning},
		},
	}
	hooks := map[string]map[string]model.Hook{
		"r": {"a2": {Rig: "r", Agent: "a2", Bead: "gt-1"}},
	}
	c.RecordAgentError("r", "a4")
	c.ObserveActivity(agents, hooks)

	got := c.Snapshot().AgentActivity
	want := model.ActivityCounts{Active: 1, Hooked: 1, Idle: 1, Error: 1}
	if got != want {
		t.Errorf("activity = %+v, want %+v", got, want)
	}
}

// An error sighting outside the window expires; the agent returns to its
// run-state bucket.
func TestAgentErrorExpires(t *testing.T) {
	c := New(0, 0)
	c.RecordAgentError("r", "a1")
	c.mu.Lock()
	c.agentErrors["r/a1"] = time.Now().Add(-agentErrorWindow - time.Minute)
	c.mu.Unlock()

	agents := map[string][]model.Agent{
		"r": {{Rig: "r", Name: "a1", Status: model.AgentRunning}},
	}
	c.ObserveActivity(agents, nil)

	got := c.Snapshot().AgentActivity
	want := model.ActivityCounts{Active: 1}
	if got != want {
		t.Errorf("activity = %+v, want %+v", got, want)
	}
}

func TestWsCounters(t *testing.T) {
	c := New(0, 0)
	c.RecordWsConnection()
	c.RecordWsConnection()
	c.RecordWsMessage()
	c.RecordWsDisconnection()
	c.RecordWsDisconnection()
	c.RecordWsDisconnection() // below zero is clamped

	snap := c.Snapshot()
	if snap.WsConnections != 0 || snap.TotalWsConnections != 2 || snap.TotalWsMessages != 1 {
		t.Errorf("ws = %d/%d/%d", snap.WsConnections, snap.TotalWsConnections, snap.TotalWsMessages)
	}
}
