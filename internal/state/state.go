// Package state holds the authoritative in-memory model of the observed
// town. All writers go through the Manager's operations; each operation
// mutates under the writer lock and then publishes on the bus, so a
// subscriber observing a publication always reads post-mutation state.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/steveyegge/gtwatch/internal/bus"
	"github.com/steveyegge/gtwatch/internal/model"
	"github.com/steveyegge/gtwatch/internal/util"
)

// Retention caps. Histories, events, and completions retain newest-first.
const (
	MaxEvents      = 100
	MaxMail        = 50
	MaxLogs        = 500
	MaxErrors      = 50
	MaxHistory     = 50
	MaxCompletions = 50
)

// AgentChange describes one detected agent status transition, carried on
// update publications for the anomaly detector and alerting engine.
type AgentChange struct {
	Key       string    `json:"key"` // rig/name
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// CompletionRecord pairs a completion with the agent that earned it.
type CompletionRecord struct {
	AgentKey   string           `json:"agentKey"`
	Completion model.Completion `json:"completion"`
}

// UpdatePayload rides on the update topic.
type UpdatePayload struct {
	Kind        string             `json:"kind"` // rigs, agents, beads, hooks, stats
	Rig         string             `json:"rig,omitempty"`
	Changes     []AgentChange      `json:"changes,omitempty"`
	Completions []CompletionRecord `json:"completions,omitempty"`
}

// Manager owns the live entity maps and histories.
type Manager struct {
	bus    *bus.Bus
	logger *slog.Logger

	// opMu serializes write operations so mutation and publication stay
	// ordered; mu guards the data for concurrent readers.
	opMu sync.Mutex
	mu   sync.RWMutex

	rigs   map[string]model.Rig
	agents map[string][]model.Agent
	beads  map[string][]model.Bead
	hooks  map[string]map[string]model.Hook

	events []model.Event
	mail   []model.Mail
	logs   []model.LogEntry
	errors []model.ErrorRecord

	agentHistory map[string][]model.StatusChange
	beadHistory  map[string][]model.StatusChange
	agentStats   map[string]model.AgentStats

	// previousStatus and previousBeadStatus back change detection;
	// taskStartTimes backs completion durations. All three are
	// persisted so a restart does not fabricate transitions.
	previousStatus     map[string]string
	previousBeadStatus map[string]string
	taskStartTimes     map[string]time.Time

	lastUpdated time.Time
	lastMetrics *model.MetricsSnapshot
}

// NewManager creates an empty state manager publishing on b.
func NewManager(b *bus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bus:                b,
		logger:             logger,
		rigs:               map[string]model.Rig{},
		agents:             map[string][]model.Agent{},
		beads:              map[string][]model.Bead{},
		hooks:              map[string]map[string]model.Hook{},
		agentHistory:       map[string][]model.StatusChange{},
		beadHistory:        map[string][]model.StatusChange{},
		agentStats:         map[string]model.AgentStats{},
		previousStatus:     map[string]string{},
		previousBeadStatus: map[string]string{},
		taskStartTimes:     map[string]time.Time{},
	}
}

// UpdateRigs replaces the whole rig map.
func (m *Manager) UpdateRigs(rigs map[string]model.Rig) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if rigs == nil {
		rigs = map[string]model.Rig{}
	}
	m.rigs = rigs
	m.lastUpdated = time.Now()
	m.mu.Unlock()

	m.bus.Publish(bus.TopicUpdate, UpdatePayload{Kind: "rigs"})
}

// UpdateAgents replaces one rig's agent slice. Status transitions are
// appended to the agent's history; unchanged statuses leave the history
// untouched.
func (m *Manager) UpdateAgents(rig string, agents []model.Agent) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	now := time.Now()
	var changes []AgentChange

	m.mu.Lock()
	m.agents[rig] = agents
	for _, a := range agents {
		key := a.Key()
		prev, seen := m.previousStatus[key]
		cur := string(a.Status)
		if seen && prev == cur {
			continue
		}
		if seen {
			change := model.StatusChange{From: prev, To: cur, Timestamp: now}
			m.agentHistory[key] = util.PrependBounded(m.agentHistory[key], change, MaxHistory)
			changes = append(changes, AgentChange{Key: key, From: prev, To: cur, Timestamp: now})
		}
		m.previousStatus[key] = cur
	}
	m.lastUpdated = now
	m.mu.Unlock()

	m.bus.Publish(bus.TopicUpdate, UpdatePayload{Kind: "agents", Rig: rig, Changes: changes})
}

// UpdateBeads replaces one rig's bead slice. Status transitions append to
// the bead's history and emit bead_status_change events; a transition to
// done while a hook in the same rig references the bead records a
// completion for that agent.
func (m *Manager) UpdateBeads(rig string, beads []model.Bead) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	now := time.Now()
	var events []model.Event
	var completions []CompletionRecord

	m.mu.Lock()
	for i := range beads {
		beads[i].Rig = rig
	}
	m.beads[rig] = beads
	for _, b := range beads {
		key := rig + "/" + b.ID
		prev, seen := m.previousBeadStatus[key]
		cur := string(b.Status)
		if seen && prev == cur {
			continue
		}
		if seen {
			change := model.StatusChange{From: prev, To: cur, Timestamp: now}
			m.beadHistory[key] = util.PrependBounded(m.beadHistory[key], change, MaxHistory)
			events = append(events, model.Event{
				Type:      "bead_status_change",
				Timestamp: now,
				Rig:       rig,
				Message:   fmt.Sprintf("%s: %s → %s", b.ID, prev, cur),
				Data:      map[string]any{"beadId": b.ID, "from": prev, "to": cur},
			})
		}
		m.previousBeadStatus[key] = cur

		switch b.Status {
		case model.BeadInProgress:
			if _, ok := m.taskStartTimes[key]; !ok {
				m.taskStartTimes[key] = now
			}
		case model.BeadDone:
			if !seen || prev == cur {
				break
			}
			var duration int64
			if start, ok := m.taskStartTimes[key]; ok {
				duration = now.Sub(start).Milliseconds()
				delete(m.taskStartTimes, key)
			}
			// Rig-scoped hook lookup: only an agent hooked in this rig
			// can claim the completion, so bead ids reused across rigs
			// cannot collide.
			if agent, ok := m.hookedAgentLocked(rig, b.ID); ok {
				completions = append(completions, CompletionRecord{
					AgentKey: rig + "/" + agent,
					Completion: model.Completion{
						BeadID:      b.ID,
						Title:       b.Title,
						CompletedAt: now,
						DurationMs:  duration,
					},
				})
			}
		}
	}
	for _, c := range completions {
		m.applyCompletionLocked(c.AgentKey, c.Completion)
	}
	m.lastUpdated = now
	m.mu.Unlock()

	m.bus.Publish(bus.TopicUpdate, UpdatePayload{Kind: "beads", Rig: rig})
	for _, e := range events {
		m.appendAndPublishEventNoLock(e)
	}
	if len(completions) > 0 {
		m.bus.Publish(bus.TopicUpdate, UpdatePayload{Kind: "stats", Rig: rig, Completions: completions})
	}
}

// hookedAgentLocked finds the agent whose hook in rig references beadID.
func (m *Manager) hookedAgentLocked(rig, beadID string) (string, bool) {
	for agent, hook := range m.hooks[rig] {
		if hook.Bead == beadID {
			return agent, true
		}
	}
	return "", false
}

// UpdateHooks replaces one rig's agent→hook map.
func (m *Manager) UpdateHooks(rig string, hooks map[string]model.Hook) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if hooks == nil {
		hooks = map[string]model.Hook{}
	}
	m.hooks[rig] = hooks
	m.lastUpdated = time.Now()
	m.mu.Unlock()

	m.bus.Publish(bus.TopicUpdate, UpdatePayload{Kind: "hooks", Rig: rig})
}

// AddEvent records an event (newest-first, capped) and publishes it.
func (m *Manager) AddEvent(e model.Event) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.appendAndPublishEventNoLock(e)
}

// AddMail records a mail notification and publishes a mail event.
func (m *Manager) AddMail(mail model.Mail) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if mail.Timestamp.IsZero() {
		mail.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.mail = util.PrependBounded(m.mail, mail, MaxMail)
	m.mu.Unlock()

	m.appendAndPublishEventNoLock(model.Event{
		Type:      "mail",
		Timestamp: mail.Timestamp,
		Rig:       mail.Rig,
		Agent:     mail.To,
		Message:   mail.Preview,
		Data:      map[string]any{"mail": mail},
	})
}

// AddLog records a parsed log entry and publishes a log event.
func (m *Manager) AddLog(entry model.LogEntry) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.logs = util.PrependBounded(m.logs, entry, MaxLogs)
	m.mu.Unlock()

	m.appendAndPublishEventNoLock(model.Event{
		Type:      "log",
		Timestamp: entry.Timestamp,
		Rig:       entry.Rig,
		Agent:     entry.Agent,
		Message:   entry.Message,
		Data:      map[string]any{"log": entry},
	})
}

// appendAndPublishEventNoLock records and publishes an event; the caller
// must hold opMu.
func (m *Manager) appendAndPublishEventNoLock(e model.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.events = util.PrependBounded(m.events, e, MaxEvents)
	m.mu.Unlock()
	m.bus.Publish(bus.TopicEvent, e)
}

// AddError records a structured ingestion error, assigns it an id, and
// publishes on both the error and event topics. A record arriving with an
// id already present replaces the existing record, so a repeatedly failing
// source keeps one escalating entry instead of flooding the stream.
func (m *Manager) AddError(rec model.ErrorRecord) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	preassigned := rec.ID != ""
	if !preassigned {
		rec.ID = fmt.Sprintf("err-%d-%04x", rec.Timestamp.UnixMilli(), rand.Intn(0x10000))
	}
	if rec.Severity == "" {
		rec.Severity = model.SeverityWarning
	}

	m.mu.Lock()
	replaced := false
	if preassigned {
		for i := range m.errors {
			if m.errors[i].ID == rec.ID {
				m.errors[i] = rec
				replaced = true
				break
			}
		}
	}
	if !replaced {
		m.errors = util.PrependBounded(m.errors, rec, MaxErrors)
	}
	m.mu.Unlock()

	m.bus.Publish(bus.TopicError, rec)
	m.appendAndPublishEventNoLock(model.Event{
		Type:      "error",
		Timestamp: rec.Timestamp,
		Message:   rec.Message,
		Data:      map[string]any{"error": rec},
	})
}

// UpdateMetrics stores the latest collector snapshot and publishes it.
func (m *Manager) UpdateMetrics(snap model.MetricsSnapshot) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	m.lastMetrics = &snap
	m.mu.Unlock()

	m.bus.Publish(bus.TopicMetrics, snap)
}

// UpdateAgentStats appends a completion for the keyed agent and recomputes
// the aggregate stats.
func (m *Manager) UpdateAgentStats(agentKey string, c model.Completion) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	m.applyCompletionLocked(agentKey, c)
	m.mu.Unlock()

	m.bus.Publish(bus.TopicUpdate, UpdatePayload{
		Kind:        "stats",
		Completions: []CompletionRecord{{AgentKey: agentKey, Completion: c}},
	})
}

func (m *Manager) applyCompletionLocked(agentKey string, c model.Completion) {
	stats := m.agentStats[agentKey]
	stats.Completions = util.PrependBounded(stats.Completions, c, MaxCompletions)
	stats.TotalCompleted++

	var sum int64
	var known int
	for _, comp := range stats.Completions {
		if comp.DurationMs > 0 {
			sum += comp.DurationMs
			known++
		}
	}
	if known > 0 {
		stats.AvgDuration = float64(sum) / float64(known)
	} else {
		stats.AvgDuration = 0
	}
	m.agentStats[agentKey] = stats
}

// Snapshot returns a copy of the full observable state.
func (m *Manager) Snapshot() model.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() model.Snapshot {
	snap := model.Snapshot{
		Rigs:         make(map[string]model.Rig, len(m.rigs)),
		Agents:       make(map[string][]model.Agent, len(m.agents)),
		Beads:        make(map[string][]model.Bead, len(m.beads)),
		Hooks:        make(map[string]map[string]model.Hook, len(m.hooks)),
		Events:       append([]model.Event(nil), m.events...),
		Mail:         append([]model.Mail(nil), m.mail...),
		Logs:         append([]model.LogEntry(nil), m.logs...),
		Errors:       append([]model.ErrorRecord(nil), m.errors...),
		AgentHistory: make(map[string][]model.StatusChange, len(m.agentHistory)),
		BeadHistory:  make(map[string][]model.StatusChange, len(m.beadHistory)),
		AgentStats:   make(map[string]model.AgentStats, len(m.agentStats)),
		LastUpdated:  m.lastUpdated,
	}
	for k, v := range m.rigs {
		snap.Rigs[k] = v
	}
	for k, v := range m.agents {
		snap.Agents[k] = append([]model.Agent(nil), v...)
	}
	for k, v := range m.beads {
		snap.Beads[k] = append([]model.Bead(nil), v...)
	}
	for rig, agents := range m.hooks {
		cp := make(map[string]model.Hook, len(agents))
		for a, h := range agents {
			cp[a] = h
		}
		snap.Hooks[rig] = cp
	}
	for k, v := range m.agentHistory {
		snap.AgentHistory[k] = append([]model.StatusChange(nil), v...)
	}
	for k, v := range m.beadHistory {
		snap.BeadHistory[k] = append([]model.StatusChange(nil), v...)
	}
	for k, v := range m.agentStats {
		cp := v
		cp.Completions = append([]model.Completion(nil), v.Completions...)
		snap.AgentStats[k] = cp
	}
	return snap
}

// Rigs returns a copy of the rig map.
func (m *Manager) Rigs() map[string]model.Rig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make(map[string]model.Rig, len(m.rigs))
	for k, v := range m.rigs {
		cp[k] = v
	}
	return cp
}

// Hooks returns a copy of the rig→agent→hook map.
func (m *Manager) Hooks() map[string]map[string]model.Hook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make(map[string]map[string]model.Hook, len(m.hooks))
	for rig, agents := range m.hooks {
		inner := make(map[string]model.Hook, len(agents))
		for a, h := range agents {
			inner[a] = h
		}
		cp[rig] = inner
	}
	return cp
}

// AgentHistory returns a copy of the status history for one agent key.
func (m *Manager) AgentHistory(key string) []model.StatusChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.StatusChange(nil), m.agentHistory[key]...)
}

// AgentHistories returns a copy of every agent's status history.
func (m *Manager) AgentHistories() map[string][]model.StatusChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make(map[string][]model.StatusChange, len(m.agentHistory))
	for k, v := range m.agentHistory {
		cp[k] = append([]model.StatusChange(nil), v...)
	}
	return cp
}

// BeadHistories returns a copy of every bead's status history.
func (m *Manager) BeadHistories() map[string][]model.StatusChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make(map[string][]model.StatusChange, len(m.beadHistory))
	for k, v := range m.beadHistory {
		cp[k] = append([]model.StatusChange(nil), v...)
	}
	return cp
}

// BeadHistory returns a copy of the status history for one bead key.
func (m *Manager) BeadHistory(key string) []model.StatusChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.StatusChange(nil), m.beadHistory[key]...)
}

// AgentStats returns the stats for one agent key.
func (m *Manager) AgentStats(key string) (model.AgentStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats, ok := m.agentStats[key]
	if ok {
		stats.Completions = append([]model.Completion(nil), stats.Completions...)
	}
	return stats, ok
}

// AllAgentStats returns a copy of every agent's stats.
func (m *Manager) AllAgentStats() map[string]model.AgentStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make(map[string]model.AgentStats, len(m.agentStats))
	for k, v := range m.agentStats {
		s := v
		s.Completions = append([]model.Completion(nil), v.Completions...)
		cp[k] = s
	}
	return cp
}

// Errors returns a copy of the recorded error stream, newest first.
func (m *Manager) Errors() []model.ErrorRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.ErrorRecord(nil), m.errors...)
}

// Events returns a copy of the recorded events, newest first.
func (m *Manager) Events() []model.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Event(nil), m.events...)
}

// FindBead looks up a bead by rig and id.
func (m *Manager) FindBead(rig, id string) (model.Bead, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.beads[rig] {
		if b.ID == id {
			return b, true
		}
	}
	return model.Bead{}, false
}

// AllBeads returns a copy of every rig's beads.
func (m *Manager) AllBeads() map[string][]model.Bead {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make(map[string][]model.Bead, len(m.beads))
	for k, v := range m.beads {
		cp[k] = append([]model.Bead(nil), v...)
	}
	return cp
}

// Beads returns a copy of one rig's beads.
func (m *Manager) Beads(rig string) []model.Bead {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Bead(nil), m.beads[rig]...)
}

// LastUpdated reports the time of the most recent mutation.
func (m *Manager) LastUpdated() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastUpdated
}

// Metrics returns the most recent collector snapshot, if any.
func (m *Manager) Metrics() (model.MetricsSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastMetrics == nil {
		return model.MetricsSnapshot{}, false
	}
	return *m.lastMetrics, true
}

// persistedState is the on-disk snapshot shape. The change-detection maps
// ride along so a restart does not emit spurious transitions.
type persistedState struct {
	model.Snapshot
	PreviousStatus     map[string]string    `json:"previousStatus"`
	PreviousBeadStatus map[string]string    `json:"previousBeadStatus"`
	TaskStartTimes     map[string]time.Time `json:"taskStartTimes,omitempty"`
}

// Save writes the reconstitutable state to path atomically.
func (m *Manager) Save(path string) error {
	m.mu.RLock()
	ps := persistedState{
		Snapshot:           m.snapshotLocked(),
		PreviousStatus:     m.previousStatus,
		PreviousBeadStatus: m.previousBeadStatus,
		TaskStartTimes:     m.taskStartTimes,
	}
	data, err := json.Marshal(ps)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	if err := util.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	return nil
}

// Load restores a saved snapshot. A missing file is not an error; a corrupt
// file is logged and ignored so the watcher can start cold.
func (m *Manager) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading state: %w", err)
	}
	var ps persistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		m.logger.Warn("discarding corrupt state snapshot", "path", path, "error", err)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ps.Rigs != nil {
		m.rigs = ps.Rigs
	}
	if ps.Agents != nil {
		m.agents = ps.Agents
	}
	if ps.Beads != nil {
		m.beads = ps.Beads
	}
	if ps.Hooks != nil {
		m.hooks = ps.Hooks
	}
	m.events = ps.Events
	m.mail = ps.Mail
	m.logs = ps.Logs
	m.errors = ps.Errors
	if ps.AgentHistory != nil {
		m.agentHistory = ps.AgentHistory
	}
	if ps.BeadHistory != nil {
		m.beadHistory = ps.BeadHistory
	}
	if ps.AgentStats != nil {
		m.agentStats = ps.AgentStats
	}
	if ps.PreviousStatus != nil {
		m.previousStatus = ps.PreviousStatus
	}
	if ps.PreviousBeadStatus != nil {
		m.previousBeadStatus = ps.PreviousBeadStatus
	}
	if ps.TaskStartTimes != nil {
		m.taskStartTimes = ps.TaskStartTimes
	}
	m.lastUpdated = ps.LastUpdated
	return nil
}
