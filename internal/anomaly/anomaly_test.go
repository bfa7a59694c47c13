package anomaly

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/steveyegge/gtwatch/internal/bus"
	"github.com/steveyegge/gtwatch/internal/model"
)

func newTestDetector(t *testing.T) (*Detector, *bus.Bus) {
	t.Helper()
	b := bus.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(b.Close)
	return New(b, 0), b
}

func findAlert(alerts []model.Alert, typ string) *model.Alert {
	for i := range alerts {
		if alerts[i].Type == typ {
			return &alerts[i]
		}
	}
	return nil
}

func TestFlappingFiresAfterFiveChanges(t *testing.T) {
	d, _ := newTestDetector(t)

	statuses := []string{"running", "stopped"}
	for i := 0; i < 5; i++ {
		d.ProcessAgentStatusChange("r/a1", statuses[i%2], statuses[(i+1)%2])
	}

	alerts := d.Active()
	a := findAlert(alerts, TypeFlapping)
	if a == nil {
		t.Fatalf("no flapping alert in %+v", alerts)
	}
	if a.Details["changeCount"] != 5 {
		t.Errorf("changeCount = %v, want 5", a.Details["changeCount"])
	}
	if len(alerts) != 1 {
		t.Errorf("alerts = %d, want exactly 1 (cooldown)", len(alerts))
	}
}

func TestFourChangesDoNotFire(t *testing.T) {
	d, _ := newTestDetector(t)
	statuses := []string{"running", "stopped"}
	for i := 0; i < 4; i++ {
		d.ProcessAgentStatusChange("r/a1", statuses[i%2], statuses[(i+1)%2])
	}
	if a := findAlert(d.Active(), TypeFlapping); a != nil {
		t.Errorf("flapping fired at 4 changes: %+v", a)
	}
}

func TestCooldownSuppressesDuplicates(t *testing.T) {
	d, _ := newTestDetector(t)

	slow := model.MetricsSnapshot{AvgPollDuration: 3000}
	d.EvaluateMetrics(slow)
	d.EvaluateMetrics(slow)
	d.EvaluateMetrics(slow)

	if got := len(d.Active()); got != 1 {
		t.Errorf("alerts = %d, want 1 within cooldown window", got)
	}
}

func TestSlowResponseSeverity(t *testing.T) {
	d, _ := newTestDetector(t)
	d.EvaluateMetrics(model.MetricsSnapshot{AvgPollDuration: 2500})
	a := findAlert(d.Active(), TypeSlowResponse)
	if a == nil || a.Severity != model.SeverityWarning {
		t.Errorf("alert = %+v, want warning", a)
	}

	d2, _ := newTestDetector(t)
	d2.EvaluateMetrics(model.MetricsSnapshot{AvgPollDuration: 6000})
	a = findAlert(d2.Active(), TypeSlowResponse)
	if a == nil || a.Severity != model.SeverityCritical {
		t.Errorf("alert = %+v, want critical", a)
	}
}

func TestLowSuccessNeedsMinimumPolls(t *testing.T) {
	d, _ := newTestDetector(t)
	d.EvaluateMetrics(model.MetricsSnapshot{TotalPolls: 3, SuccessRate: 50})
	if a := findAlert(d.Active(), TypeLowSuccess); a != nil {
		t.Errorf("fired with only 3 polls: %+v", a)
	}

	d.EvaluateMetrics(model.MetricsSnapshot{TotalPolls: 6, SuccessRate: 85})
	a := findAlert(d.Active(), TypeLowSuccess)
	if a == nil || a.Severity != model.SeverityWarning {
		t.Errorf("alert = %+v, want warning at 85%%", a)
	}

	d2, _ := newTestDetector(t)
	d2.EvaluateMetrics(model.MetricsSnapshot{TotalPolls: 6, SuccessRate: 50})
	a = findAlert(d2.Active(), TypeLowSuccess)
	if a == nil || a.Severity != model.SeverityCritical {
		t.Errorf("alert = %+v, want critical at 50%%", a)
	}
}

func TestAgentErrorFromActivity(t *testing.T) {
	d, _ := newTestDetector(t)
	d.EvaluateMetrics(model.MetricsSnapshot{AgentActivity: model.ActivityCounts{Error: 2}})
	if a := findAlert(d.Active(), TypeAgentError); a == nil {
		t.Error("no AGENT_ERROR alert")
	}
}

func TestHighErrorRate(t *testing.T) {
	d, _ := newTestDetector(t)
	for i := 0; i < 5; i++ {
		d.ProcessLog(model.LogEntry{Level: model.LevelError, Message: "boom"})
	}
	a := findAlert(d.Active(), TypeHighErrorRate)
	if a == nil || a.Severity != model.SeverityWarning {
		t.Errorf("alert = %+v, want warning at 5/min", a)
	}
	// Info logs never count.
	d2, _ := newTestDetector(t)
	for i := 0; i < 20; i++ {
		d2.ProcessLog(model.LogEntry{Level: model.LevelInfo, Message: "fine"})
	}
	if len(d2.Active()) != 0 {
		t.Error("info logs raised an alert")
	}
}

func TestStaleDataOnTick(t *testing.T) {
	d, _ := newTestDetector(t)
	d.mu.Lock()
	d.lastUpdate = time.Now().Add(-time.Minute)
	d.mu.Unlock()

	d.tick()
	if a := findAlert(d.Active(), TypeStaleData); a == nil {
		t.Error("no STALE_DATA alert after a silent minute")
	}

	// Fresh data suppresses it.
	d2, _ := newTestDetector(t)
	d2.ObserveUpdate()
	d2.tick()
	if a := findAlert(d2.Active(), TypeStaleData); a != nil {
		t.Errorf("stale alert with fresh data: %+v", a)
	}
}

func TestAlertLifecycle(t *testing.T) {
	d, b := newTestDetector(t)

	var updated, dismissed int
	b.Subscribe(bus.TopicAlertUpdated, func(bus.Message) { updated++ })
	b.Subscribe(bus.TopicAlertDismissed, func(bus.Message) { dismissed++ })

	d.EvaluateMetrics(model.MetricsSnapshot{AvgPollDuration: 3000})
	id := d.Active()[0].ID

	if !d.Acknowledge(id) {
		t.Fatal("acknowledge failed")
	}
	a := d.Active()[0]
	if !a.Acknowledged || a.AcknowledgedAt == nil {
		t.Errorf("alert = %+v", a)
	}

	if !d.Resolve(id) {
		t.Fatal("resolve failed")
	}
	a = d.Active()[0]
	if !a.Resolved || a.ResolvedAt == nil {
		t.Errorf("alert = %+v", a)
	}

	if !d.Dismiss(id) {
		t.Fatal("dismiss failed")
	}
	if len(d.Active()) != 0 {
		t.Error("alert still active after dismiss")
	}
	if updated != 2 || dismissed != 1 {
		t.Errorf("publications: updated=%d dismissed=%d", updated, dismissed)
	}

	if d.Acknowledge("nope") || d.Resolve("nope") || d.Dismiss("nope") {
		t.Error("unknown id reported success")
	}
}

func TestActiveListCap(t *testing.T) {
	d, _ := newTestDetector(t)
	d.maxAlerts = 10
	// Distinct entity keys dodge the cooldown.
	for i := 0; i < 25; i++ {
		d.ProcessAgentStatusChange("r/errorer"+string(rune('a'+i)), "error", "running")
	}
	if got := len(d.Active()); got != 10 {
		t.Errorf("alerts = %d, want capped at 10", got)
	}
}

func TestSetThresholds(t *testing.T) {
	d, _ := newTestDetector(t)
	th := d.GetThresholds()
	th.SlowResponseWarnMs = 100
	d.SetThresholds(th)

	d.EvaluateMetrics(model.MetricsSnapshot{AvgPollDuration: 150})
	if a := findAlert(d.Active(), TypeSlowResponse); a == nil {
		t.Error("custom threshold not applied")
	}
}
