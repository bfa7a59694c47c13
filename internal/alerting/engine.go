// Package alerting evaluates user-authored rules against state updates,
// events, and metrics, and executes their actions on trigger.
package alerting

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/gtwatch/internal/bus"
	"github.com/steveyegge/gtwatch/internal/model"
)

const (
	// DefaultCooldown applies when a rule does not set its own.
	DefaultCooldown = 60 * time.Second

	// statusRecency bounds how old a status transition may be and still
	// satisfy an agent_status or bead_status condition.
	statusRecency = 10 * time.Second

	// maxTriggerHistory bounds the retained trigger log.
	maxTriggerHistory = 100

	webhookTimeout = 5 * time.Second
)

// StateReader is the slice of the state manager the engine evaluates
// against.
type StateReader interface {
	AgentHistories() map[string][]model.StatusChange
	BeadHistories() map[string][]model.StatusChange
	FindBead(rig, id string) (model.Bead, bool)
}

// Trigger is one recorded rule firing.
type Trigger struct {
	ID        string         `json:"id"`
	RuleID    string         `json:"ruleId"`
	RuleName  string         `json:"ruleName"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
}

// RuleStats aggregates per-rule firing counts.
type RuleStats struct {
	RuleID        string     `json:"ruleId"`
	TriggerCount  int        `json:"triggerCount"`
	LastTriggered *time.Time `json:"lastTriggered,omitempty"`
}

// Engine evaluates rules. Safe for concurrent use.
type Engine struct {
	bus    *bus.Bus
	state  StateReader
	store  *Store
	logger *slog.Logger
	client *http.Client

	mu            sync.Mutex
	lastMetrics   model.MetricsSnapshot
	errorWindows  map[string][]time.Time
	beadTimers    map[string]bool
	lastTriggered map[string]time.Time
	history       []Trigger
	stats         map[string]*RuleStats
	patternCache  map[string]*regexp.Regexp
}

// NewEngine creates a rules engine over the given store and state.
func NewEngine(b *bus.Bus, state StateReader, store *Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		bus:           b,
		state:         state,
		store:         store,
		logger:        logger,
		client:        &http.Client{Timeout: webhookTimeout},
		errorWindows:  map[string][]time.Time{},
		beadTimers:    map[string]bool{},
		lastTriggered: map[string]time.Time{},
		stats:         map[string]*RuleStats{},
		patternCache:  map[string]*regexp.Regexp{},
	}
}

// Store returns the underlying rule store for the API layer.
func (e *Engine) Store() *Store { return e.store }

// HandleUpdate evaluates rules after a state mutation.
func (e *Engine) HandleUpdate() {
	e.evaluateAll(nil)
}

// HandleEvent evaluates rules against one event, feeding error-count
// windows first.
func (e *Engine) HandleEvent(ev model.Event) {
	if ev.Type == "log" {
		if entry, ok := ev.Data["log"].(model.LogEntry); ok && entry.Level == model.LevelError {
			key := entry.Rig + "/" + entry.Agent
			e.mu.Lock()
			e.errorWindows[key] = append(e.errorWindows[key], time.Now())
			e.mu.Unlock()
		}
	}
	e.evaluateAll(&ev)
}

// HandleMetrics caches the snapshot and evaluates metric conditions.
func (e *Engine) HandleMetrics(m model.MetricsSnapshot) {
	e.mu.Lock()
	e.lastMetrics = m
	e.mu.Unlock()
	e.evaluateAll(nil)
}

func (e *Engine) evaluateAll(ev *model.Event) {
	now := time.Now()
	for _, rule := range e.store.List() {
		if !rule.Enabled {
			continue
		}
		cooldown := DefaultCooldown
		if rule.Cooldown > 0 {
			cooldown = time.Duration(rule.Cooldown) * time.Second
		}
		e.mu.Lock()
		last, fired := e.lastTriggered[rule.ID]
		e.mu.Unlock()
		if fired && now.Sub(last) < cooldown {
			continue
		}
		if e.evalCondition(rule, rule.Condition, ev) {
			e.trigger(rule, ev)
		}
	}
}

func (e *Engine) evalCondition(rule model.Rule, c model.Condition, ev *model.Event) bool {
	switch c.Type {
	case model.CondAgentStatus:
		return e.evalAgentStatus(c)
	case model.CondBeadStatus:
		return e.evalBeadStatus(c)
	case model.CondBeadDuration:
		return e.evalBeadDuration(rule, c)
	case model.CondMetricThreshold:
		return e.evalMetricThreshold(c)
	case model.CondEventPattern:
		return e.evalEventPattern(c, ev)
	case model.CondErrorCount:
		return e.evalErrorCount(c)
	case model.CondComposite:
		return e.evalComposite(rule, c, ev)
	default:
		return false
	}
}

func (e *Engine) evalAgentStatus(c model.Condition) bool {
	for key, hist := range e.state.AgentHistories() {
		if len(hist) == 0 {
			continue
		}
		rig, agent := splitKey(key)
		if !wildcardMatch(c.Rig, rig) || !wildcardMatch(c.Agent, agent) {
			continue
		}
		latest := hist[0]
		if time.Since(latest.Timestamp) > statusRecency {
			continue
		}
		if !wildcardMatch(c.To, latest.To) {
			continue
		}
		if c.From != "" && !wildcardMatch(c.From, latest.From) {
			continue
		}
		return true
	}
	return false
}

func (e *Engine) evalBeadStatus(c model.Condition) bool {
	for key, hist := range e.state.BeadHistories() {
		if len(hist) == 0 {
			continue
		}
		rig, id := splitKey(key)
		if !wildcardMatch(c.Rig, rig) {
			continue
		}
		latest := hist[0]
		if time.Since(latest.Timestamp) > statusRecency {
			continue
		}
		if !wildcardMatch(c.To, latest.To) {
			continue
		}
		if c.From != "" && !wildcardMatch(c.From, latest.From) {
			continue
		}
		if c.Priority != "" && c.Priority != "*" {
			bead, ok := e.state.FindBead(rig, id)
			if !ok || string(bead.Priority) != c.Priority {
				continue
			}
		}
		return true
	}
	return false
}

// evalBeadDuration fires once per (rule, bead) stay: the timer entry is
// cleared when the bead leaves the watched status.
func (e *Engine) evalBeadDuration(rule model.Rule, c model.Condition) bool {
	now := time.Now()
	for key, hist := range e.state.BeadHistories() {
		rig, id := splitKey(key)
		if !wildcardMatch(c.Rig, rig) {
			continue
		}
		timerKey := rule.ID + "|" + key
		bead, ok := e.state.FindBead(rig, id)
		if !ok || string(bead.Status) != c.Status {
			e.mu.Lock()
			delete(e.beadTimers, timerKey)
			e.mu.Unlock()
			continue
		}
		var entered time.Time
		for _, change := range hist { // newest first
			if change.To == c.Status {
				entered = change.Timestamp
				break
			}
		}
		if entered.IsZero() {
			continue
		}
		if now.Sub(entered).Milliseconds() < c.DurationMs {
			continue
		}
		e.mu.Lock()
		seen := e.beadTimers[timerKey]
		e.beadTimers[timerKey] = true
		e.mu.Unlock()
		if !seen {
			return true
		}
	}
	return false
}

func (e *Engine) evalMetricThreshold(c model.Condition) bool {
	e.mu.Lock()
	m := e.lastMetrics
	e.mu.Unlock()

	value, ok := metricValue(m, c.Metric)
	if !ok {
		return false
	}
	switch c.Operator {
	case ">":
		return value > c.Value
	case ">=":
		return value >= c.Value
	case "<":
		return value < c.Value
	case "<=":
		return value <= c.Value
	case "==":
		return value == c.Value
	case "!=":
		return value != c.Value
	default:
		return false
	}
}

func metricValue(m model.MetricsSnapshot, path string) (float64, bool) {
	switch path {
	case "avgPollDuration":
		return float64(m.AvgPollDuration), true
	case "updateFrequency":
		return m.UpdateFrequency, true
	case "successRate":
		return m.SuccessRate, true
	case "totalPolls":
		return float64(m.TotalPolls), true
	case "failedPolls":
		return float64(m.FailedPolls), true
	case "totalEvents":
		return float64(m.TotalEvents), true
	case "wsConnections":
		return float64(m.WsConnections), true
	case "agentActivity.active":
		return float64(m.AgentActivity.Active), true
	case "agentActivity.hooked":
		return float64(m.AgentActivity.Hooked), true
	case "agentActivity.idle":
		return float64(m.AgentActivity.Idle), true
	case "agentActivity.error":
		return float64(m.AgentActivity.Error), true
	default:
		return 0, false
	}
}

func (e *Engine) evalEventPattern(c model.Condition, ev *model.Event) bool {
	if ev == nil {
		return false
	}
	if c.EventType != "" && c.EventType != "*" && c.EventType != ev.Type {
		return false
	}
	if src := firstNonEmpty(c.Source, c.Rig); src != "" && src != "*" && src != ev.Rig {
		return false
	}
	if c.Level != "" && c.Level != "*" {
		entry, ok := ev.Data["log"].(model.LogEntry)
		if !ok || string(entry.Level) != c.Level {
			return false
		}
	}
	if c.Pattern == "" {
		return true
	}
	re := e.compilePattern(c.Pattern)
	if re == nil {
		return false
	}
	if re.MatchString(ev.Message) {
		return true
	}
	for _, field := range []string{"content", "action"} {
		if s, ok := ev.Data[field].(string); ok && re.MatchString(s) {
			return true
		}
	}
	return false
}

func (e *Engine) compilePattern(pattern string) *regexp.Regexp {
	e.mu.Lock()
	defer e.mu.Unlock()
	if re, ok := e.patternCache[pattern]; ok {
		return re
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		e.logger.Warn("invalid rule pattern", "pattern", pattern, "error", err)
		re = nil
	}
	e.patternCache[pattern] = re
	return re
}

func (e *Engine) evalErrorCount(c model.Condition) bool {
	window := time.Duration(c.WindowMs) * time.Millisecond
	if window <= 0 {
		window = time.Minute
	}
	cutoff := time.Now().Add(-window)

	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for key, times := range e.errorWindows {
		rig, agent := splitKey(key)
		if !wildcardMatch(c.Rig, rig) || !wildcardMatch(c.Agent, agent) {
			continue
		}
		kept := times[:0]
		for _, ts := range times {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		e.errorWindows[key] = kept
		total += len(kept)
	}
	return c.Count > 0 && total >= c.Count
}

func (e *Engine) evalComposite(rule model.Rule, c model.Condition, ev *model.Event) bool {
	if len(c.Conditions) == 0 {
		return false
	}
	if strings.EqualFold(c.Logic, "OR") {
		for _, sub := range c.Conditions {
			if e.evalCondition(rule, sub, ev) {
				return true
			}
		}
		return false
	}
	for _, sub := range c.Conditions {
		if !e.evalCondition(rule, sub, ev) {
			return false
		}
	}
	return true
}

func (e *Engine) trigger(rule model.Rule, ev *model.Event) {
	now := time.Now()
	context := map[string]any{"condition": rule.Condition.Type}
	if ev != nil {
		context["eventType"] = ev.Type
		if ev.Rig != "" {
			context["rig"] = ev.Rig
		}
		if ev.Message != "" {
			context["message"] = ev.Message
		}
	}
	trig := Trigger{
		ID:        uuid.NewString(),
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Timestamp: now,
		Context:   context,
	}

	e.mu.Lock()
	e.lastTriggered[rule.ID] = now
	e.history = append([]Trigger{trig}, e.history...)
	if len(e.history) > maxTriggerHistory {
		e.history = e.history[:maxTriggerHistory]
	}
	st := e.stats[rule.ID]
	if st == nil {
		st = &RuleStats{RuleID: rule.ID}
		e.stats[rule.ID] = st
	}
	st.TriggerCount++
	ts := now
	st.LastTriggered = &ts
	e.mu.Unlock()

	e.logger.Info("alert rule triggered", "rule", rule.Name, "ruleId", rule.ID)
	for _, action := range rule.Actions {
		e.execute(rule, trig, action)
	}
}

func (e *Engine) execute(rule model.Rule, trig Trigger, action model.Action) {
	switch action.Type {
	case "log":
		msg := action.Message
		if msg == "" {
			msg = "rule " + rule.Name + " fired"
		}
		switch action.Level {
		case "error":
			e.logger.Error(msg, "rule", rule.Name)
		case "warn":
			e.logger.Warn(msg, "rule", rule.Name)
		default:
			e.logger.Info(msg, "rule", rule.Name)
		}
	case "webhook":
		e.postWebhook(rule, trig, action)
	default:
		// toast and any other UI action reach clients through the bus.
		if e.bus != nil {
			e.bus.Publish(bus.TopicAlert, model.Alert{
				ID:        trig.ID,
				Type:      "rule",
				Severity:  model.SeverityInfo,
				Message:   rule.Name,
				Details:   trig.Context,
				Timestamp: trig.Timestamp,
			})
		}
	}
}

func (e *Engine) postWebhook(rule model.Rule, trig Trigger, action model.Action) {
	body, err := json.Marshal(map[string]any{
		"alert": map[string]any{
			"id":        trig.ID,
			"rule":      rule.Name,
			"timestamp": trig.Timestamp,
			"context":   trig.Context,
		},
	})
	if err != nil {
		e.logger.Warn("webhook payload marshal failed", "rule", rule.Name, "error", err)
		return
	}
	req, err := http.NewRequest(http.MethodPost, action.URL, bytes.NewReader(body))
	if err != nil {
		e.logger.Warn("webhook request build failed", "rule", rule.Name, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range action.Headers {
		req.Header.Set(k, v)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Warn("webhook delivery failed", "rule", rule.Name, "url", action.URL, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.logger.Warn("webhook rejected", "rule", rule.Name, "url", action.URL, "status", resp.StatusCode)
	}
}

// TestRule evaluates a rule's condition against a sample event without
// recording a trigger or running actions.
func (e *Engine) TestRule(rule model.Rule, ev *model.Event) bool {
	return e.evalCondition(rule, rule.Condition, ev)
}

// History returns the recorded triggers, newest first.
func (e *Engine) History() []Trigger {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Trigger(nil), e.history...)
}

// Stats returns the per-rule firing stats, or zeroes for a silent rule.
func (e *Engine) Stats(ruleID string) RuleStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st := e.stats[ruleID]; st != nil {
		return *st
	}
	return RuleStats{RuleID: ruleID}
}

func splitKey(key string) (string, string) {
	if i := strings.Index(key, "/"); i >= 0 {
		return key[:i], key[i+1:]
	}
	return "", key
}

// wildcardMatch treats empty and "*" as match-anything.
func wildcardMatch(pattern, value string) bool {
	return pattern == "" || pattern == "*" || pattern == value
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
