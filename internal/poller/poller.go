// Package poller drives the periodic ingestion cycle: four concurrent
// sub-polls (rigs, agents, beads, hooks) against the gt/bd CLIs and the
// workspace filesystem, feeding the state manager. Sub-poll failures leave
// the previously known entity set in place and surface as escalating error
// records instead of partial updates.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/steveyegge/gtwatch/internal/gtcmd"
	"github.com/steveyegge/gtwatch/internal/metrics"
	"github.com/steveyegge/gtwatch/internal/model"
	"github.com/steveyegge/gtwatch/internal/parse"
	"github.com/steveyegge/gtwatch/internal/state"
	"github.com/steveyegge/gtwatch/internal/util"
)

// DefaultInterval is the poll cycle cadence.
const DefaultInterval = 5 * time.Second

// recencyWindow is how fresh an agent's files must be to count as idle
// rather than stopped.
const recencyWindow = 60 * time.Second

// maxFailureLogs caps consecutive-failure logging per source so a dead CLI
// does not fill the service log.
const maxFailureLogs = 3

// Poller runs the ingestion cycle.
type Poller struct {
	runner    *gtcmd.Runner
	state     *state.Manager
	collector *metrics.Collector
	logger    *slog.Logger

	gtDir    string
	interval time.Duration

	mu       sync.Mutex
	failures map[string]int

	pollNow  chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a poller over the workspace rooted at gtDir.
func New(runner *gtcmd.Runner, st *state.Manager, collector *metrics.Collector, gtDir string, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		runner:    runner,
		state:     st,
		collector: collector,
		logger:    logger,
		gtDir:     gtDir,
		interval:  interval,
		failures:  map[string]int{},
		pollNow:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the poll loop. The first cycle runs immediately.
func (p *Poller) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		p.runCycle(ctx)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-p.pollNow:
				p.runCycle(ctx)
			case <-ticker.C:
				p.runCycle(ctx)
			}
		}
	}()
}

// Stop terminates the poll loop and waits for the in-flight cycle.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

// RequestPoll schedules an immediate cycle. A request arriving while one is
// already pending is coalesced.
func (p *Poller) RequestPoll() {
	select {
	case p.pollNow <- struct{}{}:
	default:
	}
}

// runCycle executes the four sub-polls concurrently and records the cycle
// as one metrics observation.
func (p *Poller) runCycle(ctx context.Context) {
	start := time.Now()

	// Process and session listings are shared across every agent probe in
	// the cycle. A probe tool failure degrades to an empty listing.
	psOut, err := gtcmd.Ps(ctx)
	if err != nil {
		p.logger.Debug("process listing unavailable", "error", err)
	}
	tmuxOut, _ := gtcmd.TmuxSessions(ctx)

	var wg sync.WaitGroup
	var failed atomic.Bool
	sub := func(source string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				failed.Store(true)
				p.recordFailure(source, err)
				return
			}
			p.clearFailure(source)
		}()
	}
	sub("rigs", func() error { return p.pollRigs(ctx) })
	sub("agents", func() error { return p.pollAgents(ctx, psOut, tmuxOut) })
	sub("beads", func() error { return p.pollBeads(ctx) })
	sub("hooks", func() error { return p.pollHooks(ctx) })
	wg.Wait()

	if p.collector != nil {
		p.collector.RecordPoll(time.Since(start), !failed.Load())
		snap := p.state.Snapshot()
		p.collector.ObserveActivity(snap.Agents, snap.Hooks)
		p.state.UpdateMetrics(p.collector.Snapshot())
	}
}

// recordFailure bumps the source's consecutive-failure counter, logs the
// first few, and upserts the source's error record. The stable per-source
// id keeps one escalating record instead of one per cycle.
func (p *Poller) recordFailure(source string, err error) {
	p.mu.Lock()
	p.failures[source]++
	n := p.failures[source]
	p.mu.Unlock()

	if n <= maxFailureLogs {
		p.logger.Warn("sub-poll failed", "source", source, "consecutive", n, "error", err)
	}
	severity := model.SeverityWarning
	if n >= 3 {
		severity = "error"
	}
	p.state.AddError(model.ErrorRecord{
		ID:         "err-poll-" + source,
		Message:    fmt.Sprintf("%s poll failed: %v", source, err),
		Severity:   severity,
		Source:     source,
		RetryCount: n,
	})
}

func (p *Poller) clearFailure(source string) {
	p.mu.Lock()
	if p.failures[source] > 0 {
		p.logger.Info("sub-poll recovered", "source", source, "after", p.failures[source])
	}
	p.failures[source] = 0
	p.mu.Unlock()
}

func (p *Poller) pollRigs(ctx context.Context) error {
	out, err := util.Retry(ctx, util.DefaultRetryConfig(), func() (string, error) {
		return p.runner.Gt(ctx, gtcmd.ListTimeout, "rig", "list", "--json")
	})
	if err != nil {
		return err
	}
	p.state.UpdateRigs(parse.ParseRigList(out))
	return nil
}

// agentRef is a discovered agent directory awaiting a status probe.
type agentRef struct {
	rig  string
	name string
	role model.AgentRole
	dir  string
}

func (p *Poller) pollAgents(ctx context.Context, psOut, tmuxOut string) error {
	refsByRig, err := util.Retry(ctx, util.DefaultRetryConfig(), func() (map[string][]agentRef, error) {
		return p.discoverAgents()
	})
	if err != nil {
		return err
	}

	hooks := p.state.Hooks()
	now := time.Now()
	for rig, refs := range refsByRig {
		agents := make([]model.Agent, 0, len(refs))
		for _, ref := range refs {
			status, sessionUp := probeStatus(ref.rig, ref.name, ref.dir, psOut, tmuxOut, now)
			agent := model.Agent{
				Rig:            ref.rig,
				Name:           ref.name,
				Role:           ref.role,
				Status:         status,
				SessionRunning: sessionUp,
			}
			if hook, ok := hooks[ref.rig][ref.name]; ok && hook.Bead != "" {
				agent.HasWork = true
				agent.CurrentBead = hook.Bead
			}
			agents = append(agents, agent)
		}
		p.state.UpdateAgents(rig, agents)
	}
	return nil
}

// discoverAgents walks the workspace for agent directories. Each rig holds
// witness and refinery singletons plus crew/ and polecats/ member
// directories; the town-level mayor reports under the hq pseudo-rig.
func (p *Poller) discoverAgents() (map[string][]agentRef, error) {
	out := map[string][]agentRef{}

	if dir := filepath.Join(p.gtDir, "mayor"); dirExists(dir) {
		out["hq"] = []agentRef{{rig: "hq", name: "mayor", role: model.RoleMayor, dir: dir}}
	}

	for rig := range p.state.Rigs() {
		if !gtcmd.ValidIdentifier(rig) {
			continue
		}
		rigDir := filepath.Join(p.gtDir, rig)
		if !dirExists(rigDir) {
			out[rig] = nil
			continue
		}
		var refs []agentRef
		for _, role := range []model.AgentRole{model.RoleWitness, model.RoleRefinery} {
			if dir := filepath.Join(rigDir, string(role)); dirExists(dir) {
				refs = append(refs, agentRef{rig: rig, name: string(role), role: role, dir: dir})
			}
		}
		for sub, role := range map[string]model.AgentRole{
			"crew":     model.RoleCrew,
			"polecats": model.RolePolecat,
		} {
			entries, err := os.ReadDir(filepath.Join(rigDir, sub))
			if err != nil {
				continue
			}
			for _, e := range entries {
				if !e.IsDir() || !gtcmd.ValidIdentifier(e.Name()) {
					continue
				}
				refs = append(refs, agentRef{
					rig:  rig,
					name: e.Name(),
					role: role,
					dir:  filepath.Join(rigDir, sub, e.Name()),
				})
			}
		}
		out[rig] = refs
	}
	return out, nil
}

// probeStatus derives an agent's run state: a tagged process or a live
// terminal session means running; recent activity files mean idle; anything
// else is stopped.
func probeStatus(rig, agent, dir, psOut, tmuxOut string, now time.Time) (model.AgentStatus, bool) {
	sessionUp := sessionListed(rig, agent, tmuxOut)
	if processTagged(rig, agent, psOut) || sessionUp {
		return model.AgentRunning, sessionUp
	}
	if recentlyActive(dir, now) {
		return model.AgentIdle, false
	}
	return model.AgentStopped, false
}

// processTagged scans the process listing for the canonical agent tag. The
// agent identifiers never reach a command line; the listing is filtered by
// substring only.
func processTagged(rig, agent string, psOut string) bool {
	if psOut == "" {
		return false
	}
	lower := strings.ToLower(psOut)
	for _, tag := range []string{
		"[gas town] " + rig + "/" + agent,
		"[gastown] " + rig + "/" + agent,
		"gt-" + rig + "-" + agent + " ",
	} {
		if strings.Contains(lower, strings.ToLower(tag)) {
			return true
		}
	}
	return false
}

// sessionListed matches the known session naming schemes, case-insensitive.
func sessionListed(rig, agent, tmuxOut string) bool {
	if tmuxOut == "" {
		return false
	}
	candidates := []string{
		"gt-" + rig + "-" + agent,
		"hq-" + agent,
		rig + "-" + agent,
		agent,
	}
	for _, line := range strings.Split(tmuxOut, "\n") {
		name := strings.ToLower(strings.TrimSpace(line))
		if name == "" {
			continue
		}
		for _, c := range candidates {
			if name == strings.ToLower(c) {
				return true
			}
		}
	}
	return false
}

// recentlyActive reports whether any of the agent's activity files were
// touched within the recency window.
func recentlyActive(dir string, now time.Time) bool {
	if dir == "" {
		return false
	}
	for _, name := range []string{".events.jsonl", ".feed.jsonl", "session.json"} {
		if info, err := os.Stat(filepath.Join(dir, name)); err == nil {
			if now.Sub(info.ModTime()) < recencyWindow {
				return true
			}
		}
	}
	entries, err := os.ReadDir(filepath.Join(dir, "mail"))
	if err != nil {
		return false
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < recencyWindow {
			return true
		}
	}
	return false
}

func (p *Poller) pollBeads(ctx context.Context) error {
	var errs []error
	for rig := range p.state.Rigs() {
		if !gtcmd.ValidIdentifier(rig) {
			continue
		}
		dir := filepath.Join(p.gtDir, rig)
		if !dirExists(dir) {
			continue
		}
		out, err := util.Retry(ctx, util.DefaultRetryConfig(), func() (string, error) {
			return p.runner.BdInDir(ctx, dir, gtcmd.ListTimeout, "list", "--json")
		})
		if err != nil {
			// Keep this rig's last known beads; other rigs still update.
			errs = append(errs, fmt.Errorf("rig %s: %w", rig, err))
			continue
		}
		p.state.UpdateBeads(rig, parse.ParseBeads(out))
	}
	return errors.Join(errs...)
}

func (p *Poller) pollHooks(ctx context.Context) error {
	out, err := util.Retry(ctx, util.DefaultRetryConfig(), func() (string, error) {
		return p.runner.Gt(ctx, gtcmd.ListTimeout, "hook", "--json")
	})
	if err != nil {
		return err
	}

	byRig, ok := decodeHookMap(out)
	if !ok {
		byRig = p.pollHooksText(ctx)
	}

	// Every known rig is written, so an agent dropping its hook clears the
	// entry instead of leaving it stale.
	for rig := range p.state.Rigs() {
		p.state.UpdateHooks(rig, byRig[rig])
	}
	for rig, hooks := range byRig {
		if _, known := p.state.Rigs()[rig]; !known {
			p.state.UpdateHooks(rig, hooks)
		}
	}
	return nil
}

// decodeHookMap parses the JSON form of the hook listing: rig → agent →
// hook. Rig and agent keys are stamped onto each record.
func decodeHookMap(out string) (map[string]map[string]model.Hook, bool) {
	trimmed := strings.TrimSpace(out)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var raw map[string]map[string]model.Hook
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, false
	}
	for rig, agents := range raw {
		for agent, hook := range agents {
			hook.Rig = rig
			hook.Agent = agent
			hook.Bead = strings.TrimSuffix(hook.Bead, ":")
			agents[agent] = hook
		}
	}
	return raw, true
}

// pollHooksText is the fallback for gt builds without --json: one hook
// query per known agent, parsed from the text form. Identifiers that fail
// the whitelist are skipped without executing anything.
func (p *Poller) pollHooksText(ctx context.Context) map[string]map[string]model.Hook {
	byRig := map[string]map[string]model.Hook{}
	snap := p.state.Snapshot()
	for rig, agents := range snap.Agents {
		if !gtcmd.ValidIdentifier(rig) {
			continue
		}
		for _, a := range agents {
			if !gtcmd.ValidIdentifier(a.Name) {
				continue
			}
			out, err := p.runner.Gt(ctx, gtcmd.DefaultTimeout, "hook", rig, a.Name)
			if err != nil {
				continue
			}
			hook := parse.ParseHookOutput(out, a.Name)
			if hook == nil {
				continue
			}
			hook.Rig = rig
			if byRig[rig] == nil {
				byRig[rig] = map[string]model.Hook{}
			}
			byRig[rig][a.Name] = *hook
		}
	}
	return byRig
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
