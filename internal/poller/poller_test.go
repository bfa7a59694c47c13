package poller

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/gtwatch/internal/bus"
	"github.com/steveyegge/gtwatch/internal/gtcmd"
	"github.com/steveyegge/gtwatch/internal/metrics"
	"github.com/steveyegge/gtwatch/internal/model"
	"github.com/steveyegge/gtwatch/internal/state"
)

const (
	gtScript = `case "$1" in
rig) printf '%s\n' '{"alpha":{"polecats":1,"crew":1,"agents":["nux"]}}' ;;
hook) printf '%s\n' '{"alpha":{"nux":{"bead":"gt-7","title":"Fix pump"}}}' ;;
esac
`
	bdScript = `printf '%s\n' '[{"id":"gt-7","title":"Fix pump","status":"in_progress"}]'
`
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestPoller(t *testing.T, runner *gtcmd.Runner) (*Poller, *state.Manager, *bus.Bus, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(logger)
	t.Cleanup(b.Close)
	st := state.NewManager(b, logger)
	collector := metrics.New(0, 0)
	gtDir := t.TempDir()
	p := New(runner, st, collector, gtDir, time.Hour, logger)
	return p, st, b, gtDir
}

func scriptedRunner(t *testing.T) *gtcmd.Runner {
	t.Helper()
	bin := t.TempDir()
	gt := writeScript(t, bin, "gt", gtScript)
	bd := writeScript(t, bin, "bd", bdScript)
	return gtcmd.NewWithPaths(gt, bd)
}

func TestCycleIngestsAllSources(t *testing.T) {
	p, st, _, gtDir := newTestPoller(t, scriptedRunner(t))
	if err := os.MkdirAll(filepath.Join(gtDir, "alpha", "polecats", "nux"), 0o755); err != nil {
		t.Fatal(err)
	}

	// Rigs land in the first cycle; the rig-scoped sub-polls pick them up
	// in the second.
	ctx := context.Background()
	p.runCycle(ctx)
	p.runCycle(ctx)

	rigs := st.Rigs()
	if rigs["alpha"].Polecats != 1 || rigs["alpha"].Crew != 1 {
		t.Errorf("rigs = %+v", rigs)
	}
	hooks := st.Hooks()
	if hooks["alpha"]["nux"].Bead != "gt-7" {
		t.Errorf("hooks = %+v", hooks)
	}
	beads := st.Beads("alpha")
	if len(beads) != 1 || beads[0].ID != "gt-7" || beads[0].Status != model.BeadInProgress {
		t.Errorf("beads = %+v", beads)
	}

	snap, ok := st.Metrics()
	if !ok || snap.TotalPolls != 2 || snap.SuccessRate != 100 {
		t.Errorf("metrics = %+v ok=%v", snap, ok)
	}
}

func TestFailingSourceKeepsLastKnownState(t *testing.T) {
	runner := gtcmd.NewWithPaths("/nonexistent/gt", "/nonexistent/bd")
	p, st, b, _ := newTestPoller(t, runner)

	var rigUpdates int
	unsub := b.Subscribe(bus.TopicUpdate, func(msg bus.Message) {
		if payload, ok := msg.Payload.(state.UpdatePayload); ok && payload.Kind == "rigs" {
			rigUpdates++
		}
	})
	defer unsub()

	st.UpdateRigs(map[string]model.Rig{"alpha": {Name: "alpha", Polecats: 2}})

	ctx := context.Background()
	p.runCycle(ctx)

	if recs := errorsFor(st, "rigs"); len(recs) != 1 || recs[0].Severity != model.SeverityWarning || recs[0].RetryCount != 1 {
		t.Errorf("after 1 cycle: %+v", recs)
	}

	p.runCycle(ctx)
	p.runCycle(ctx)

	// Exactly one record per source, escalated to error severity.
	recs := errorsFor(st, "rigs")
	if len(recs) != 1 {
		t.Fatalf("rigs error records = %d, want 1", len(recs))
	}
	if recs[0].RetryCount != 3 || recs[0].Severity != "error" {
		t.Errorf("record = %+v", recs[0])
	}

	// Last known rigs survive every failed cycle, and no rigs update was
	// published beyond the seed.
	if st.Rigs()["alpha"].Polecats != 2 {
		t.Errorf("rigs = %+v, want seeded rig retained", st.Rigs())
	}
	if rigUpdates != 1 {
		t.Errorf("rigs updates = %d, want 1 (seed only)", rigUpdates)
	}
}

func TestRecoveryResetsFailureCounter(t *testing.T) {
	p, st, _, gtDir := newTestPoller(t, gtcmd.NewWithPaths("/nonexistent/gt", "/nonexistent/bd"))
	if err := os.MkdirAll(filepath.Join(gtDir, "alpha"), 0o755); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	p.runCycle(ctx)
	p.runCycle(ctx)

	p.runner = scriptedRunner(t)
	p.runCycle(ctx)

	p.mu.Lock()
	n := p.failures["rigs"]
	p.mu.Unlock()
	if n != 0 {
		t.Errorf("failures[rigs] = %d after recovery", n)
	}
	if st.Rigs()["alpha"].Polecats != 1 {
		t.Errorf("rigs = %+v, want fresh data", st.Rigs())
	}
}

func errorsFor(st *state.Manager, source string) []model.ErrorRecord {
	var out []model.ErrorRecord
	for _, rec := range st.Errors() {
		if rec.Source == source {
			out = append(out, rec)
		}
	}
	return out
}

func TestProbeStatus(t *testing.T) {
	now := time.Now()

	if status, _ := probeStatus("alpha", "nux", "", "12345 node [GAS TOWN] alpha/nux --work", "", now); status != model.AgentRunning {
		t.Errorf("tagged process: %v", status)
	}
	if status, _ := probeStatus("alpha", "nux", "", "[gastown] alpha/nux", "", now); status != model.AgentRunning {
		t.Errorf("tag variant: %v", status)
	}

	status, up := probeStatus("alpha", "nux", "", "", "GT-ALPHA-NUX\nother\n", now)
	if status != model.AgentRunning || !up {
		t.Errorf("session match: %v up=%v", status, up)
	}
	if status, _ := probeStatus("hq", "mayor", "", "", "hq-mayor\n", now); status != model.AgentRunning {
		t.Errorf("hq session: %v", status)
	}
	if status, _ := probeStatus("alpha", "nux", "", "", "nuxedo\n", now); status == model.AgentRunning {
		t.Error("prefix session name should not match")
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".feed.jsonl"), []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if status, _ := probeStatus("alpha", "nux", dir, "", "", now); status != model.AgentIdle {
		t.Errorf("fresh feed file: %v", status)
	}

	mailDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(mailDir, "mail"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(mailDir, "mail", "msg-1"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	if status, _ := probeStatus("alpha", "nux", mailDir, "", "", now); status != model.AgentIdle {
		t.Errorf("fresh mail: %v", status)
	}

	if status, _ := probeStatus("alpha", "nux", t.TempDir(), "", "", now); status != model.AgentStopped {
		t.Errorf("quiet dir: %v", status)
	}
	// Files older than the recency window do not count.
	if status, _ := probeStatus("alpha", "nux", dir, "", "", now.Add(2*time.Minute)); status != model.AgentStopped {
		t.Errorf("stale feed file: %v", status)
	}
}

func TestDiscoverAgents(t *testing.T) {
	p, st, _, gtDir := newTestPoller(t, scriptedRunner(t))
	for _, dir := range []string{
		"mayor",
		"alpha/witness",
		"alpha/refinery",
		"alpha/crew/toe",
		"alpha/polecats/nux",
		"alpha/polecats/bad name",
	} {
		if err := os.MkdirAll(filepath.Join(gtDir, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	st.UpdateRigs(map[string]model.Rig{"alpha": {Name: "alpha"}})

	refs, err := p.discoverAgents()
	if err != nil {
		t.Fatal(err)
	}
	if len(refs["hq"]) != 1 || refs["hq"][0].role != model.RoleMayor {
		t.Errorf("hq = %+v", refs["hq"])
	}

	roles := map[string]model.AgentRole{}
	for _, ref := range refs["alpha"] {
		roles[ref.name] = ref.role
	}
	want := map[string]model.AgentRole{
		"witness":  model.RoleWitness,
		"refinery": model.RoleRefinery,
		"toe":      model.RoleCrew,
		"nux":      model.RolePolecat,
	}
	if len(roles) != len(want) {
		t.Fatalf("alpha agents = %v", roles)
	}
	for name, role := range want {
		if roles[name] != role {
			t.Errorf("%s role = %v, want %v", name, roles[name], role)
		}
	}
}

func TestRejectedIdentifierSkipsExecution(t *testing.T) {
	// A rig name failing the whitelist never reaches the CLI, so even a
	// broken binary produces no error for it.
	p, st, _, gtDir := newTestPoller(t, gtcmd.NewWithPaths("/nonexistent/gt", "/nonexistent/bd"))
	if err := os.MkdirAll(filepath.Join(gtDir, "bad rig"), 0o755); err != nil {
		t.Fatal(err)
	}
	st.UpdateRigs(map[string]model.Rig{"bad rig": {Name: "bad rig"}})

	if err := p.pollBeads(context.Background()); err != nil {
		t.Errorf("pollBeads = %v, want skip without executing", err)
	}
}

func TestDecodeHookMap(t *testing.T) {
	byRig, ok := decodeHookMap(`{"alpha":{"nux":{"bead":"gt-9:","title":"T"}}}`)
	if !ok {
		t.Fatal("valid JSON rejected")
	}
	hook := byRig["alpha"]["nux"]
	if hook.Bead != "gt-9" {
		t.Errorf("bead = %q, want trailing colon trimmed", hook.Bead)
	}
	if hook.Rig != "alpha" || hook.Agent != "nux" {
		t.Errorf("keys not stamped: %+v", hook)
	}

	if _, ok := decodeHookMap("Hooked: gt-9: Title\n"); ok {
		t.Error("text output accepted as JSON")
	}
}

func TestRequestPollTriggersCycle(t *testing.T) {
	p, st, _, _ := newTestPoller(t, scriptedRunner(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for len(st.Rigs()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("initial cycle never ingested rigs")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Coalesced requests do not block.
	p.RequestPoll()
	p.RequestPoll()
}
