package parse

import (
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/steveyegge/gtwatch/internal/model"
)

func TestParseRigListText(t *testing.T) {
	output := `Rigs:
  gastown
    Polecats: 3 | Crew: 2
    Agents: [witness refinery mayor]
  beads
    Polecats: 0 | Crew: 1
    Agents: [witness]
`
	rigs := ParseRigList(output)
	if len(rigs) != 2 {
		t.Fatalf("expected 2 rigs, got %d: %v", len(rigs), rigs)
	}
	g := rigs["gastown"]
	if g.Polecats != 3 || g.Crew != 2 {
		t.Errorf("gastown counts = %d/%d, want 3/2", g.Polecats, g.Crew)
	}
	if !reflect.DeepEqual(g.Agents, []string{"witness", "refinery", "mayor"}) {
		t.Errorf("gastown agents = %v", g.Agents)
	}
}

func TestParseRigListJSON(t *testing.T) {
	output := `{"gastown":{"polecats":5,"crew":1,"agents":["witness"],"status":"active"}}`
	rigs := ParseRigList(output)
	if len(rigs) != 1 {
		t.Fatalf("expected 1 rig, got %d", len(rigs))
	}
	if rigs["gastown"].Polecats != 5 || rigs["gastown"].Status != "active" {
		t.Errorf("unexpected rig: %+v", rigs["gastown"])
	}
}

func TestParseRigListGarbage(t *testing.T) {
	if rigs := ParseRigList("not a rig listing at all"); len(rigs) != 0 {
		t.Errorf("expected empty map, got %v", rigs)
	}
}

func TestParseBeadsText(t *testing.T) {
	output := `
○ gt-abc1 [P1] Fix the flux capacitor
● gt-abc2 [P3] Refactor the refinery
✓ gt-abc3 Ship it
✗ gt-abc4 [P4] Wontfix
this line is noise
? gt-abc5 Triage me
`
	beads := ParseBeadsText(output)
	if len(beads) != 5 {
		t.Fatalf("expected 5 beads, got %d", len(beads))
	}
	want := []struct {
		id       string
		status   model.BeadStatus
		priority model.Priority
		title    string
	}{
		{"gt-abc1", model.BeadOpen, model.PriorityCritical, "Fix the flux capacitor"},
		{"gt-abc2", model.BeadHooked, model.PriorityNormal, "Refactor the refinery"},
		{"gt-abc3", model.BeadDone, "", "Ship it"},
		{"gt-abc4", model.BeadClosed, model.PriorityLow, "Wontfix"},
		{"gt-abc5", model.BeadOpen, "", "Triage me"},
	}
	for i, w := range want {
		b := beads[i]
		if b.ID != w.id || b.Status != w.status || b.Priority != w.priority || b.Title != w.title {
			t.Errorf("bead %d = %+v, want %+v", i, b, w)
		}
	}
}

func TestParseBeadsJSON(t *testing.T) {
	output := `[{"id":"gt-1","title":"One","status":"in_progress","priority":"P2"},
	            {"id":"gt-2","title":"Two","status":"closed","priority":"low"}]`
	beads := ParseBeads(output)
	if len(beads) != 2 {
		t.Fatalf("expected 2 beads, got %d", len(beads))
	}
	if beads[0].Status != model.BeadInProgress || beads[0].Priority != model.PriorityHigh {
		t.Errorf("bead 0 = %+v", beads[0])
	}
	if beads[1].Status != model.BeadClosed || beads[1].Priority != model.PriorityLow {
		t.Errorf("bead 1 = %+v", beads[1])
	}
}

// Rendering a bead to text and re-parsing it preserves status and priority
// for every canonical combination.
func TestBeadTextRoundTrip(t *testing.T) {
	statuses := []model.BeadStatus{model.BeadOpen, model.BeadHooked, model.BeadDone, model.BeadClosed}
	priorities := []model.Priority{model.PriorityCritical, model.PriorityHigh, model.PriorityNormal, model.PriorityLow, ""}
	for _, s := range statuses {
		for _, p := range priorities {
			b := model.Bead{ID: "gt-x1", Title: "Round trip", Status: s, Priority: p}
			got := ParseBeadsText(RenderBeadText(b))
			if len(got) != 1 {
				t.Fatalf("status=%s priority=%s: parsed %d beads", s, p, len(got))
			}
			if got[0].Status != s || got[0].Priority != p {
				t.Errorf("status=%s priority=%s: got %s/%s", s, p, got[0].Status, got[0].Priority)
			}
		}
	}
}

// ParseBeads over already-textual output is idempotent with ParseBeadsText.
func TestParseBeadsTextIdempotent(t *testing.T) {
	output := "○ gt-abc1 [P1] Fix the flux capacitor\n● gt-abc2 Work work"
	direct := ParseBeadsText(output)
	viaParse := ParseBeads(output)
	if !reflect.DeepEqual(direct, viaParse) {
		t.Errorf("ParseBeads %v != ParseBeadsText %v", viaParse, direct)
	}
}

func TestParseBeadDetails(t *testing.T) {
	output := `● gt-abc1: Fix the flux capacitor

Status: in_progress
Priority: P1
Type: bug

DESCRIPTION
The capacitor needs more flux.
It currently has none.

DEPENDENCIES
  → ○ gt-dep1:
  → ● gt-dep2:

NOTES
ignore this
`
	bead := ParseBeadDetails(output)
	if bead == nil {
		t.Fatal("expected a bead")
	}
	if bead.ID != "gt-abc1" {
		t.Errorf("id = %q", bead.ID)
	}
	if bead.Status != model.BeadInProgress || bead.Priority != model.PriorityCritical {
		t.Errorf("status/priority = %s/%s", bead.Status, bead.Priority)
	}
	if !strings.Contains(bead.Description, "more flux") || strings.Contains(bead.Description, "ignore this") {
		t.Errorf("description = %q", bead.Description)
	}
	if !reflect.DeepEqual(bead.DependsOn, []string{"gt-dep1", "gt-dep2"}) {
		t.Errorf("dependsOn = %v", bead.DependsOn)
	}
}

func TestParseHookOutput(t *testing.T) {
	output := `Hook Status: attached
Role: witness
AUTONOMOUS MODE
Hooked: gt-abc1: Fix the flux capacitor
Molecule: mol-77
Attached: 2026-08-24T10:00:00Z
`
	hook := ParseHookOutput(output, "witness")
	if hook == nil {
		t.Fatal("expected a hook")
	}
	if hook.Agent != "witness" || hook.Bead != "gt-abc1" {
		t.Errorf("agent/bead = %s/%s", hook.Agent, hook.Bead)
	}
	if hook.Title != "Fix the flux capacitor" {
		t.Errorf("title = %q", hook.Title)
	}
	if !hook.AutonomousMode || hook.Molecule != "mol-77" {
		t.Errorf("autonomous/molecule = %v/%s", hook.AutonomousMode, hook.Molecule)
	}
	if hook.AttachedAt != "2026-08-24T10:00:00Z" {
		t.Errorf("attachedAt = %q", hook.AttachedAt)
	}
}

// The trailing colon of `Hooked: gt-abc:` must never leak into the bead id.
func TestParseHookOutputTrailingColon(t *testing.T) {
	hook := ParseHookOutput("Hooked: gt-abc:\n", "nux")
	if hook == nil {
		t.Fatal("expected a hook")
	}
	if hook.Bead != "gt-abc" {
		t.Errorf("bead = %q, want gt-abc", hook.Bead)
	}
}

func TestParseHookOutputNoHook(t *testing.T) {
	if hook := ParseHookOutput("No hook attached.\n", "nux"); hook != nil {
		t.Errorf("expected nil, got %+v", hook)
	}
	if hook := ParseHookOutput("", "nux"); hook != nil {
		t.Errorf("expected nil for empty output, got %+v", hook)
	}
}

func TestParseLogLine(t *testing.T) {
	tests := []struct {
		line    string
		level   model.LogLevel
		message string
	}{
		{"[2026-08-24T10:00:00Z] [ERROR] boom", model.LevelError, "boom"},
		{"[2026-08-24T10:00:00Z] [warn] careful", model.LevelWarn, "careful"},
		{"2026-08-24T10:00:00Z something failed badly", model.LevelError, "something failed badly"},
		{"plain warning text", model.LevelWarn, "plain warning text"},
		{"debug: entering loop", model.LevelDebug, "debug: entering loop"},
		{"all quiet", model.LevelInfo, "all quiet"},
	}
	for _, tt := range tests {
		got := ParseLogLine(tt.line)
		if got.Level != tt.level {
			t.Errorf("%q: level = %s, want %s", tt.line, got.Level, tt.level)
		}
		if got.Message != tt.message {
			t.Errorf("%q: message = %q, want %q", tt.line, got.Message, tt.message)
		}
	}
}

func TestParseLogLineTimestamp(t *testing.T) {
	got := ParseLogLine("[2026-08-24T10:00:00Z] [INFO] hello")
	if got.Timestamp.IsZero() {
		t.Error("expected parsed timestamp")
	}
	if got.Timestamp.Hour() != 10 {
		t.Errorf("hour = %d", got.Timestamp.Hour())
	}
}

func TestNormalizeErrorPattern(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Connection refused from 10.0.0.1", "Connection refused from <ip>"},
		{"Connection refused from 10.0.0.2", "Connection refused from <ip>"},
		{"read /home/gt/gastown/town.log failed", "read <path> failed"},
		{"worker polecats/nux stalled", "worker <agent> stalled"},
		{"request 12345 rejected", "request <num> rejected"},
		{"dial tcp :443 refused", "dial tcp :<port> refused"},
		{"session deadbeefcafe1234 gone", "session <id> gone"},
		{"elapsed   04:05:06   total", "elapsed <time> total"},
	}
	for _, tt := range tests {
		if got := NormalizeErrorPattern(tt.in); got != tt.want {
			t.Errorf("NormalizeErrorPattern(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeErrorPatternTruncates(t *testing.T) {
	long := strings.Repeat("x", 500)
	got := NormalizeErrorPattern(long)
	if len(got) != maxPatternLen+3 || !strings.HasSuffix(got, "...") {
		t.Errorf("len = %d, suffix = %q", len(got), got[len(got)-3:])
	}
}

// The cap must land on a rune boundary, never mid-character.
func TestNormalizeErrorPatternTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("x", maxPatternLen-1) + strings.Repeat("界", 40)
	got := NormalizeErrorPattern(long)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated pattern is not valid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("missing ellipsis: %q", got)
	}
	if len(got) > maxPatternLen+3 {
		t.Errorf("len = %d, want at most %d", len(got), maxPatternLen+3)
	}
}

func TestNormalizeStatusAndPriority(t *testing.T) {
	if NormalizeBeadStatus("P1") != model.BeadOpen {
		t.Error("unknown status should default to open")
	}
	if NormalizePriority("P1") != model.PriorityCritical || NormalizePriority("CRITICAL") != model.PriorityCritical {
		t.Error("P1/critical should both normalize to critical")
	}
	if NormalizePriority("urgent") != "" {
		t.Error("unknown priority should be empty")
	}
}
