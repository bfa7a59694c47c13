// Package metrics collects poll and event throughput for the watcher
// itself: rolling sample buffers, lifetime counters, and the derived rates
// the dashboard and health calculator read.
package metrics

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/steveyegge/gtwatch/internal/model"
)

const (
	// DefaultBufferSize bounds the rolling sample buffers.
	DefaultBufferSize = 60

	// DefaultRotateInterval is the event-volume bucket width.
	DefaultRotateInterval = time.Minute

	// frequencyWindow is how many recent buckets feed updateFrequency.
	frequencyWindow = 5

	// agentErrorWindow is how long an error-level log line keeps its
	// agent in the error activity bucket.
	agentErrorWindow = 5 * time.Minute
)

// Collector accumulates observations from the poller, the watchers, and
// the push hub. All methods are safe for concurrent use.
type Collector struct {
	bufferSize     int
	rotateInterval time.Duration

	mu            sync.Mutex
	pollDurations []int64
	eventVolume   []int
	timestamps    []time.Time
	intervalCount int

	totalPolls         int64
	successfulPolls    int64
	failedPolls        int64
	totalEvents        int64
	wsConnections      int64
	totalWsConnections int64
	totalWsMessages    int64

	activity model.ActivityCounts

	// agentErrors maps "rig/agent" to the last error-level log sighting.
	agentErrors map[string]time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a collector. Non-positive arguments fall back to defaults.
func New(bufferSize int, rotateInterval time.Duration) *Collector {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if rotateInterval <= 0 {
		rotateInterval = DefaultRotateInterval
	}
	return &Collector{
		bufferSize:     bufferSize,
		rotateInterval: rotateInterval,
		agentErrors:    map[string]time.Time{},
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start runs the interval rotation loop until Stop or context cancel.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.rotateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Rotate()
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop halts the rotation loop. Safe to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// RecordPoll records one poller cycle observation.
func (c *Collector) RecordPoll(duration time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pollDurations = appendBounded(c.pollDurations, duration.Milliseconds(), c.bufferSize)
	c.totalPolls++
	if success {
		c.successfulPolls++
	} else {
		c.failedPolls++
	}
}

// RecordEvent counts one ingested event toward the current interval.
func (c *Collector) RecordEvent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intervalCount++
	c.totalEvents++
}

// Rotate closes the current event-volume interval: the interval count is
// appended to the rolling buffer with a timestamp and reset.
func (c *Collector) Rotate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventVolume = appendBounded(c.eventVolume, c.intervalCount, c.bufferSize)
	c.timestamps = appendBounded(c.timestamps, time.Now(), c.bufferSize)
	c.intervalCount = 0
}

// RecordAgentError marks an agent as having emitted an error-level log
// line. The mark feeds the error activity bucket until it expires.
func (c *Collector) RecordAgentError(rig, agent string) {
	if rig == "" || agent == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentErrors[rig+"/"+agent] = time.Now()
}

// ObserveActivity rebuilds the agent-activity counts from the current
// agents and hooks. Agents with an error-level log sighting inside the
// window land in the error bucket regardless of run state.
func (c *Collector) ObserveActivity(agents map[string][]model.Agent, hooks map[string]map[string]model.Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-agentErrorWindow)
	for key, at := range c.agentErrors {
		if at.Before(cutoff) {
			delete(c.agentErrors, key)
		}
	}

	var counts model.ActivityCounts
	for rig, list := range agents {
		for _, a := range list {
			hook, hooked := hooks[rig][a.Name]
			_, erred := c.agentErrors[a.Key()]
			switch {
			case erred:
				counts.Error++
			case a.Status == model.AgentRunning:
				counts.Active++
			case hooked && hook.Bead != "":
				counts.Hooked++
			default:
				counts.Idle++
			}
		}
	}
	c.activity = counts
}

// RecordWsConnection counts a new push-channel client.
func (c *Collector) RecordWsConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wsConnections++
	c.totalWsConnections++
}

// RecordWsDisconnection counts a push-channel client leaving.
func (c *Collector) RecordWsDisconnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wsConnections > 0 {
		c.wsConnections--
	}
}

// RecordWsMessage counts one inbound client message.
func (c *Collector) RecordWsMessage() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalWsMessages++
}

// Snapshot computes the published metrics view.
func (c *Collector) Snapshot() model.MetricsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := model.MetricsSnapshot{
		PollDurations:      append([]int64(nil), c.pollDurations...),
		EventVolume:        append([]int(nil), c.eventVolume...),
		Timestamps:         append([]time.Time(nil), c.timestamps...),
		TotalPolls:         c.totalPolls,
		SuccessfulPolls:    c.successfulPolls,
		FailedPolls:        c.failedPolls,
		TotalEvents:        c.totalEvents,
		WsConnections:      c.wsConnections,
		TotalWsConnections: c.totalWsConnections,
		TotalWsMessages:    c.totalWsMessages,
		AgentActivity:      c.activity,
	}

	if len(c.pollDurations) > 0 {
		var sum int64
		for _, d := range c.pollDurations {
			sum += d
		}
		snap.AvgPollDuration = sum / int64(len(c.pollDurations))
	}

	recent := c.eventVolume
	if len(recent) > frequencyWindow {
		recent = recent[len(recent)-frequencyWindow:]
	}
	if len(recent) > 0 {
		var sum int
		for _, v := range recent {
			sum += v
		}
		snap.UpdateFrequency = round1(float64(sum) / float64(len(recent)))
	}

	if c.totalPolls == 0 {
		snap.SuccessRate = 100
	} else {
		snap.SuccessRate = round1(100 * float64(c.successfulPolls) / float64(c.totalPolls))
	}
	return snap
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func appendBounded[T any](s []T, v T, max int) []T {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}
