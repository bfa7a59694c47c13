package patterns

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/gtwatch/internal/model"
)

func errLog(msg, rig, agent string) model.LogEntry {
	return model.LogEntry{
		Level:     model.LevelError,
		Message:   msg,
		Rig:       rig,
		Agent:     agent,
		Timestamp: time.Now(),
	}
}

func TestConnectionRefusedCollapses(t *testing.T) {
	a := New(nil, 0, 0, 0)
	a.Process(errLog("Connection refused from 10.0.0.1", "r", "a1"))
	a.Process(errLog("Connection refused from 10.0.0.2", "r", "a1"))
	a.Process(errLog("Connection refused from 10.0.0.3", "r", "a1"))

	got := a.Patterns()
	if len(got) != 1 {
		t.Fatalf("clusters = %d, want 1", len(got))
	}
	p := got[0]
	if p.Count != 3 {
		t.Errorf("count = %d", p.Count)
	}
	if !strings.Contains(p.Pattern, "<ip>") {
		t.Errorf("pattern = %q, want <ip> placeholder", p.Pattern)
	}
	if p.IsSystemic {
		t.Error("single-agent cluster marked systemic")
	}
}

func TestSystemicWhenAgentsDiffer(t *testing.T) {
	a := New(nil, 0, 0, 0)
	a.Process(errLog("Connection refused from 10.0.0.1", "r", "a1"))
	a.Process(errLog("Connection refused from 10.0.0.2", "r", "a2"))

	got := a.Patterns()
	if len(got) != 1 || !got[0].IsSystemic {
		t.Errorf("patterns = %+v, want one systemic cluster", got)
	}
	if len(got[0].AffectedAgents) != 2 {
		t.Errorf("affectedAgents = %v", got[0].AffectedAgents)
	}
}

func TestInfoLogsIgnored(t *testing.T) {
	a := New(nil, 0, 0, 0)
	a.Process(model.LogEntry{Level: model.LevelInfo, Message: "all fine"})
	if len(a.Patterns()) != 0 {
		t.Error("info log created a cluster")
	}
}

func TestLevelsDoNotMerge(t *testing.T) {
	a := New(nil, 0, 0, 0)
	a.Process(errLog("disk quota exceeded on volume alpha", "r", "a1"))
	warn := errLog("disk quota exceeded on volume beta", "r", "a1")
	warn.Level = model.LevelWarn
	a.Process(warn)

	if got := a.Patterns(); len(got) != 2 {
		t.Errorf("clusters = %d, want 2 (levels kept apart)", len(got))
	}
}

func TestSimilarJoinBelowExactMatch(t *testing.T) {
	a := New(nil, 0, 0, 0)
	// Same shape, one differing token out of many: Jaccard above 0.7.
	a.Process(errLog("failed to open session for polecat alpha retry limit reached", "r", "a1"))
	a.Process(errLog("failed to open session for polecat alpha retry limit exceeded", "r", "a1"))

	got := a.Patterns()
	if len(got) != 1 || got[0].Count != 2 {
		t.Errorf("patterns = %+v, want one joined cluster", got)
	}
}

func TestSortByCountThenRecency(t *testing.T) {
	a := New(nil, 0, 0, 0)
	a.Process(errLog("alpha subsystem unreachable entirely", "r", "a1"))
	for i := 0; i < 3; i++ {
		a.Process(errLog("frequent checksum mismatch detected somewhere", "r", "a1"))
	}

	got := a.Patterns()
	if len(got) != 2 || got[0].Count != 3 {
		t.Errorf("order = %+v", got)
	}
}

func TestCapacityPruneDropsLowScore(t *testing.T) {
	a := New(nil, 3, 0, 0)
	// A frequent cluster that must survive pruning.
	for i := 0; i < 10; i++ {
		a.Process(errLog("frequent checksum mismatch detected somewhere", "r", "a1"))
	}
	for i := 0; i < 4; i++ {
		a.Process(errLog(fmt.Sprintf("oneoff kind%d problem variant%d unique%d", i, i*7, i*13), "r", "a1"))
	}

	got := a.Patterns()
	if len(got) != 3 {
		t.Fatalf("clusters = %d, want capped at 3", len(got))
	}
	if got[0].Count != 10 {
		t.Errorf("frequent cluster pruned: %+v", got)
	}
}

func TestSummary(t *testing.T) {
	a := New(nil, 0, 0, 0)
	a.Process(errLog("Connection refused from 10.0.0.1", "r1", "a1"))
	a.Process(errLog("Connection refused from 10.0.0.2", "r2", "a2"))
	warn := errLog("slow disk write on volume alpha", "r1", "a1")
	warn.Level = model.LevelWarn
	a.Process(warn)

	s := a.Summary()
	if s.TotalPatterns != 2 || s.TotalErrors != 2 || s.TotalWarnings != 1 {
		t.Errorf("summary = %+v", s)
	}
	if s.Systemic != 1 {
		t.Errorf("systemic = %d", s.Systemic)
	}
	if len(s.Top) != 2 {
		t.Errorf("top = %d", len(s.Top))
	}
}

func TestExamplesAndRecentBounded(t *testing.T) {
	a := New(nil, 0, 0, 4)
	for i := 0; i < 10; i++ {
		a.Process(errLog(fmt.Sprintf("Connection refused from 10.0.0.%d", i), "r", "a1"))
	}
	p := a.Patterns()[0]
	if len(p.Examples) != 3 {
		t.Errorf("examples = %d, want 3", len(p.Examples))
	}
	if len(p.RecentErrors) != 4 {
		t.Errorf("recentErrors = %d, want 4", len(p.RecentErrors))
	}
	// Newest first.
	if !strings.Contains(p.RecentErrors[0].Message, "10.0.0.9") {
		t.Errorf("recent[0] = %q", p.RecentErrors[0].Message)
	}
}
