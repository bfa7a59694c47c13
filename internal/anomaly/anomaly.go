// Package anomaly watches the derived metrics for threshold breaches and
// behavioral oddities (flapping agents, stale data, error bursts) and
// manages the resulting alert lifecycle.
package anomaly

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/gtwatch/internal/bus"
	"github.com/steveyegge/gtwatch/internal/model"
)

// Alert types.
const (
	TypeSlowResponse  = "SLOW_RESPONSE"
	TypeLowSuccess    = "LOW_SUCCESS_RATE"
	TypeAgentError    = "AGENT_ERROR"
	TypeFlapping      = "AGENT_STATUS_FLAPPING"
	TypeHighErrorRate = "HIGH_ERROR_RATE"
	TypeStaleData     = "STALE_DATA"
)

// Thresholds are the tunable detection limits, exposed over the API.
type Thresholds struct {
	SlowResponseWarnMs  int64   `json:"slowResponseWarnMs"`
	SlowResponseCritMs  int64   `json:"slowResponseCritMs"`
	LowSuccessWarnPct   float64 `json:"lowSuccessWarnPct"`
	LowSuccessCritPct   float64 `json:"lowSuccessCritPct"`
	MinPollsForSuccess  int64   `json:"minPollsForSuccess"`
	FlapCount           int     `json:"flapCount"`
	FlapWindowMs        int64   `json:"flapWindowMs"`
	ErrorRateWarnPerMin int     `json:"errorRateWarnPerMin"`
	ErrorRateCritPerMin int     `json:"errorRateCritPerMin"`
	StaleAfterMs        int64   `json:"staleAfterMs"`
	CooldownMs          int64   `json:"cooldownMs"`
}

// DefaultThresholds returns the stock limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SlowResponseWarnMs:  2000,
		SlowResponseCritMs:  5000,
		LowSuccessWarnPct:   90,
		LowSuccessCritPct:   70,
		MinPollsForSuccess:  5,
		FlapCount:           5,
		FlapWindowMs:        60_000,
		ErrorRateWarnPerMin: 5,
		ErrorRateCritPerMin: 15,
		StaleAfterMs:        30_000,
		CooldownMs:          60_000,
	}
}

// DefaultMaxAlerts caps the active alert list.
const DefaultMaxAlerts = 100

const tickInterval = 5 * time.Second

// Detector is the threshold engine. Safe for concurrent use.
type Detector struct {
	bus       *bus.Bus
	maxAlerts int

	mu          sync.Mutex
	thresholds  Thresholds
	alerts      []model.Alert
	lastRaised  map[string]time.Time
	flaps       map[string][]time.Time
	errorTimes  []time.Time
	lastUpdate  time.Time
	lastMetrics *model.MetricsSnapshot

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a detector publishing alerts on b.
func New(b *bus.Bus, maxAlerts int) *Detector {
	if maxAlerts <= 0 {
		maxAlerts = DefaultMaxAlerts
	}
	return &Detector{
		bus:        b,
		maxAlerts:  maxAlerts,
		thresholds: DefaultThresholds(),
		lastRaised: map[string]time.Time{},
		flaps:      map[string][]time.Time{},
		lastUpdate: time.Now(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs the periodic evaluation tick until Stop or context cancel.
func (d *Detector) Start(ctx context.Context) {
	go func() {
		defer close(d.done)
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.tick()
			case <-ctx.Done():
				return
			case <-d.stop:
				return
			}
		}
	}()
}

// Stop halts the tick loop. Safe to call more than once.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.done
}

func (d *Detector) tick() {
	d.mu.Lock()
	last := d.lastMetrics
	stale := time.Since(d.lastUpdate).Milliseconds() >= d.thresholds.StaleAfterMs
	staleFor := time.Since(d.lastUpdate)
	d.mu.Unlock()

	if last != nil {
		d.EvaluateMetrics(*last)
	}
	if stale {
		d.raise(TypeStaleData, model.SeverityWarning, "service",
			fmt.Sprintf("no data update in %s", staleFor.Truncate(time.Second)),
			map[string]any{"staleMs": staleFor.Milliseconds()})
	}
}

// ObserveUpdate marks fresh data arrival for the stale-data check.
func (d *Detector) ObserveUpdate() {
	d.mu.Lock()
	d.lastUpdate = time.Now()
	d.mu.Unlock()
}

// EvaluateMetrics applies the metric thresholds to one snapshot.
func (d *Detector) EvaluateMetrics(m model.MetricsSnapshot) {
	d.mu.Lock()
	d.lastMetrics = &m
	t := d.thresholds
	d.mu.Unlock()

	if m.AvgPollDuration >= t.SlowResponseCritMs {
		d.raise(TypeSlowResponse, model.SeverityCritical, "poller",
			fmt.Sprintf("average poll duration %dms", m.AvgPollDuration),
			map[string]any{"avgPollDuration": m.AvgPollDuration})
	} else if m.AvgPollDuration >= t.SlowResponseWarnMs {
		d.raise(TypeSlowResponse, model.SeverityWarning, "poller",
			fmt.Sprintf("average poll duration %dms", m.AvgPollDuration),
			map[string]any{"avgPollDuration": m.AvgPollDuration})
	}

	if m.TotalPolls >= t.MinPollsForSuccess {
		if m.SuccessRate < t.LowSuccessCritPct {
			d.raise(TypeLowSuccess, model.SeverityCritical, "poller",
				fmt.Sprintf("poll success rate %.1f%%", m.SuccessRate),
				map[string]any{"successRate": m.SuccessRate})
		} else if m.SuccessRate < t.LowSuccessWarnPct {
			d.raise(TypeLowSuccess, model.SeverityWarning, "poller",
				fmt.Sprintf("poll success rate %.1f%%", m.SuccessRate),
				map[string]any{"successRate": m.SuccessRate})
		}
	}

	if m.AgentActivity.Error > 0 {
		d.raise(TypeAgentError, model.SeverityWarning, "fleet",
			fmt.Sprintf("%d agent(s) in error state", m.AgentActivity.Error),
			map[string]any{"errorCount": m.AgentActivity.Error})
	}
}

// ProcessAgentStatusChange feeds one agent transition into the flapping
// window for the keyed agent.
func (d *Detector) ProcessAgentStatusChange(agentKey, to, from string) {
	now := time.Now()

	d.mu.Lock()
	t := d.thresholds
	window := time.Duration(t.FlapWindowMs) * time.Millisecond
	times := append(d.flaps[agentKey], now)
	trimmed := times[:0]
	for _, ts := range times {
		if now.Sub(ts) <= window {
			trimmed = append(trimmed, ts)
		}
	}
	d.flaps[agentKey] = trimmed
	count := len(trimmed)
	d.mu.Unlock()

	if to == "error" {
		d.raise(TypeAgentError, model.SeverityWarning, agentKey,
			fmt.Sprintf("%s entered error state", agentKey),
			map[string]any{"from": from, "to": to})
	}
	if count >= t.FlapCount {
		d.raise(TypeFlapping, model.SeverityWarning, agentKey,
			fmt.Sprintf("%s changed status %d times in %s", agentKey, count, window),
			map[string]any{"changeCount": count, "windowMs": t.FlapWindowMs})
	}
}

// ProcessLog feeds error-level logs into the one-minute error-rate window.
func (d *Detector) ProcessLog(entry model.LogEntry) {
	if entry.Level != model.LevelError {
		return
	}
	now := time.Now()

	d.mu.Lock()
	t := d.thresholds
	times := append(d.errorTimes, now)
	trimmed := times[:0]
	for _, ts := range times {
		if now.Sub(ts) <= time.Minute {
			trimmed = append(trimmed, ts)
		}
	}
	d.errorTimes = trimmed
	count := len(trimmed)
	d.mu.Unlock()

	if count >= t.ErrorRateCritPerMin {
		d.raise(TypeHighErrorRate, model.SeverityCritical, "logs",
			fmt.Sprintf("%d error logs in the last minute", count),
			map[string]any{"count": count})
	} else if count >= t.ErrorRateWarnPerMin {
		d.raise(TypeHighErrorRate, model.SeverityWarning, "logs",
			fmt.Sprintf("%d error logs in the last minute", count),
			map[string]any{"count": count})
	}
}

// raise opens an alert unless the (type, entity) pair is cooling down.
func (d *Detector) raise(alertType, severity, entityKey, message string, details map[string]any) {
	key := alertType + ":" + entityKey
	now := time.Now()

	d.mu.Lock()
	cooldown := time.Duration(d.thresholds.CooldownMs) * time.Millisecond
	if last, ok := d.lastRaised[key]; ok && now.Sub(last) < cooldown {
		d.mu.Unlock()
		return
	}
	d.lastRaised[key] = now

	alert := model.Alert{
		ID:        uuid.NewString(),
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		Details:   details,
		Timestamp: now,
	}
	d.alerts = append([]model.Alert{alert}, d.alerts...)
	if len(d.alerts) > d.maxAlerts {
		d.alerts = d.alerts[:d.maxAlerts]
	}
	d.mu.Unlock()

	if d.bus != nil {
		d.bus.Publish(bus.TopicAlert, alert)
	}
}

// Active returns the active alerts, newest first.
func (d *Detector) Active() []model.Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.Alert(nil), d.alerts...)
}

// Acknowledge marks an alert acknowledged.
func (d *Detector) Acknowledge(id string) bool {
	return d.update(id, func(a *model.Alert) {
		now := time.Now()
		a.Acknowledged = true
		a.AcknowledgedAt = &now
	})
}

// Resolve marks an alert resolved.
func (d *Detector) Resolve(id string) bool {
	return d.update(id, func(a *model.Alert) {
		now := time.Now()
		a.Resolved = true
		a.ResolvedAt = &now
	})
}

func (d *Detector) update(id string, fn func(*model.Alert)) bool {
	d.mu.Lock()
	var updated *model.Alert
	for i := range d.alerts {
		if d.alerts[i].ID == id {
			fn(&d.alerts[i])
			cp := d.alerts[i]
			updated = &cp
			break
		}
	}
	d.mu.Unlock()

	if updated == nil {
		return false
	}
	if d.bus != nil {
		d.bus.Publish(bus.TopicAlertUpdated, *updated)
	}
	return true
}

// Dismiss removes an alert from the active list.
func (d *Detector) Dismiss(id string) bool {
	d.mu.Lock()
	found := false
	for i := range d.alerts {
		if d.alerts[i].ID == id {
			d.alerts = append(d.alerts[:i], d.alerts[i+1:]...)
			found = true
			break
		}
	}
	d.mu.Unlock()

	if !found {
		return false
	}
	if d.bus != nil {
		d.bus.Publish(bus.TopicAlertDismissed, map[string]string{"id": id})
	}
	return true
}

// GetThresholds returns the current limits.
func (d *Detector) GetThresholds() Thresholds {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.thresholds
}

// SetThresholds replaces the limits.
func (d *Detector) SetThresholds(t Thresholds) {
	d.mu.Lock()
	d.thresholds = t
	d.mu.Unlock()
}
