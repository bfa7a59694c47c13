// Package model defines the entity types shared across the gtwatch data
// plane: rigs, agents, beads, hooks, and the derived records (events,
// metrics, health, alerts, forecasts) that flow over the bus and the push
// channel. JSON tags match the dashboard wire format.
package model

import "time"

// AgentStatus is the derived run state of an agent.
type AgentStatus string

const (
	AgentRunning AgentStatus = "running"
	AgentIdle    AgentStatus = "idle"
	AgentStopped AgentStatus = "stopped"
	AgentUnknown AgentStatus = "unknown"
)

// AgentRole identifies the agent's role within a rig.
type AgentRole string

const (
	RolePolecat  AgentRole = "polecat"
	RoleCrew     AgentRole = "crew"
	RoleWitness  AgentRole = "witness"
	RoleRefinery AgentRole = "refinery"
	RoleMayor    AgentRole = "mayor"
)

// BeadStatus is the lifecycle state of a bead.
type BeadStatus string

const (
	BeadOpen       BeadStatus = "open"
	BeadHooked     BeadStatus = "hooked"
	BeadInProgress BeadStatus = "in_progress"
	BeadDone       BeadStatus = "done"
	BeadClosed     BeadStatus = "closed"
)

// Priority is the normalized bead priority. Empty means unset.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rig is a top-level project containing agents. Rigs are replaced wholesale
// on each successful poll; they are never partially mutated.
type Rig struct {
	Name     string   `json:"name"`
	Polecats int      `json:"polecats"`
	Crew     int      `json:"crew"`
	Agents   []string `json:"agents,omitempty"`
	Status   string   `json:"status,omitempty"`
}

// Agent is a process associated with a rig directory, keyed by (rig, name).
type Agent struct {
	Rig            string      `json:"rig"`
	Name           string      `json:"name"`
	Role           AgentRole   `json:"role"`
	Status         AgentStatus `json:"status"`
	HasWork        bool        `json:"hasWork"`
	CurrentBead    string      `json:"currentBead,omitempty"`
	SessionRunning bool        `json:"sessionRunning"`
}

// Key returns the canonical "rig/name" key for history and stats maps.
func (a Agent) Key() string { return a.Rig + "/" + a.Name }

// Bead is a unit of work tracked by the external issue tool, keyed by
// (rig, id). Timestamps are carried verbatim from the CLI output.
type Bead struct {
	ID          string     `json:"id"`
	Rig         string     `json:"rig,omitempty"`
	Title       string     `json:"title"`
	Status      BeadStatus `json:"status"`
	Priority    Priority   `json:"priority,omitempty"`
	Labels      []string   `json:"labels,omitempty"`
	Owner       string     `json:"owner,omitempty"`
	Assignee    string     `json:"assignee,omitempty"`
	Type        string     `json:"type,omitempty"`
	Description string     `json:"description,omitempty"`
	DependsOn   []string   `json:"dependsOn,omitempty"`
	CreatedAt   string     `json:"createdAt,omitempty"`
	UpdatedAt   string     `json:"updatedAt,omitempty"`
	ClosedAt    string     `json:"closedAt,omitempty"`
}

// Hook is the association between an agent and the bead it is working on,
// keyed by (rig, agent). Absence means the agent has no hooked work.
type Hook struct {
	Rig            string `json:"rig"`
	Agent          string `json:"agent"`
	Bead           string `json:"bead,omitempty"`
	Title          string `json:"title,omitempty"`
	Molecule       string `json:"molecule,omitempty"`
	AutonomousMode bool   `json:"autonomousMode"`
	AttachedAt     string `json:"attachedAt,omitempty"`
}

// Mail is a delivered mail notification derived from a mailbox file.
type Mail struct {
	Rig       string    `json:"rig"`
	To        string    `json:"to"`
	From      string    `json:"from,omitempty"`
	Preview   string    `json:"preview"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}

// LogLevel is a parsed log severity.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogEntry is one parsed line from a tailed log file.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Rig       string    `json:"rig,omitempty"`
	Agent     string    `json:"agent,omitempty"`
	LogType   string    `json:"logType,omitempty"`
	Source    string    `json:"source,omitempty"`
}

// Event is a generic timeline event. Type-specific payloads ride in Data.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Rig       string         `json:"rig,omitempty"`
	Agent     string         `json:"agent,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// ErrorRecord is a structured ingestion error surfaced to clients.
type ErrorRecord struct {
	ID         string    `json:"id"`
	Message    string    `json:"message"`
	Severity   string    `json:"severity"` // warning or error
	Source     string    `json:"source,omitempty"`
	RetryCount int       `json:"retryCount,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// StatusChange is one entry in an agent or bead status history,
// newest-first.
type StatusChange struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// Completion records a bead reaching done while hooked by an agent.
// DurationMs is zero when the start transition was never observed.
type Completion struct {
	BeadID      string    `json:"beadId"`
	Title       string    `json:"title,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
	DurationMs  int64     `json:"duration,omitempty"`
}

// AgentStats aggregates completions for one agent.
type AgentStats struct {
	Completions    []Completion `json:"completions"`
	TotalCompleted int          `json:"totalCompleted"`
	AvgDuration    float64      `json:"avgDuration"`
}

// ActivityCounts buckets agents by current hook activity.
type ActivityCounts struct {
	Active int `json:"active"`
	Hooked int `json:"hooked"`
	Idle   int `json:"idle"`
	Error  int `json:"error"`
}

// MetricsSnapshot is the collector's published view: rolling buffers,
// counters, and derived rates.
type MetricsSnapshot struct {
	PollDurations []int64     `json:"pollDurations"`
	EventVolume   []int       `json:"eventVolume"`
	Timestamps    []time.Time `json:"timestamps"`

	TotalPolls         int64 `json:"totalPolls"`
	SuccessfulPolls    int64 `json:"successfulPolls"`
	FailedPolls        int64 `json:"failedPolls"`
	TotalEvents        int64 `json:"totalEvents"`
	WsConnections      int64 `json:"wsConnections"`
	TotalWsConnections int64 `json:"totalWsConnections"`
	TotalWsMessages    int64 `json:"totalWsMessages"`

	AvgPollDuration int64          `json:"avgPollDuration"`
	UpdateFrequency float64        `json:"updateFrequency"`
	SuccessRate     float64        `json:"successRate"`
	AgentActivity   ActivityCounts `json:"agentActivity"`
}

// HealthComponents are the four weighted sub-scores.
type HealthComponents struct {
	Uptime     float64 `json:"uptime"`
	ErrorRate  float64 `json:"errorRate"`
	Throughput float64 `json:"throughput"`
	Latency    float64 `json:"latency"`
}

// HealthScore is the composite 0-100 service health.
type HealthScore struct {
	Score      int              `json:"score"`
	Status     string           `json:"status"` // healthy, degraded, critical
	Components HealthComponents `json:"components"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Alert severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is an anomaly- or rule-triggered notification with an
// open -> acknowledged -> resolved | dismissed lifecycle.
type Alert struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Severity       string         `json:"severity"`
	Message        string         `json:"message"`
	Details        map[string]any `json:"details,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Acknowledged   bool           `json:"acknowledged"`
	Resolved       bool           `json:"resolved"`
	AcknowledgedAt *time.Time     `json:"acknowledgedAt,omitempty"`
	ResolvedAt     *time.Time     `json:"resolvedAt,omitempty"`
}

// Condition types for alerting rules.
const (
	CondAgentStatus     = "agent_status"
	CondBeadStatus      = "bead_status"
	CondBeadDuration    = "bead_duration"
	CondMetricThreshold = "metric_threshold"
	CondEventPattern    = "event_pattern"
	CondErrorCount      = "error_count"
	CondComposite       = "composite"
)

// Condition is a tagged rule condition; the populated fields depend on Type.
// Composite conditions carry Logic and nested Conditions.
type Condition struct {
	Type string `json:"type"`

	Rig      string `json:"rig,omitempty"`
	Agent    string `json:"agent,omitempty"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	Priority string `json:"priority,omitempty"`

	Status     string `json:"status,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`

	Metric   string  `json:"metric,omitempty"`
	Operator string  `json:"operator,omitempty"`
	Value    float64 `json:"value,omitempty"`

	EventType string `json:"eventType,omitempty"`
	Source    string `json:"source,omitempty"`
	Level     string `json:"level,omitempty"`
	Pattern   string `json:"pattern,omitempty"`

	Count    int   `json:"count,omitempty"`
	WindowMs int64 `json:"windowMs,omitempty"`

	Logic      string      `json:"logic,omitempty"` // AND or OR
	Conditions []Condition `json:"conditions,omitempty"`
}

// Action is a rule action executed best-effort on trigger.
type Action struct {
	Type    string            `json:"type"` // log, webhook, toast
	Level   string            `json:"level,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Message string            `json:"message,omitempty"`
}

// Rule is a user-authored alerting rule.
type Rule struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	Cooldown  int       `json:"cooldown,omitempty"` // seconds, default 60
	Condition Condition `json:"condition"`
	Actions   []Action  `json:"actions,omitempty"`
}

// PatternCluster is one error-pattern group produced by the analyzer.
type PatternCluster struct {
	Pattern        string     `json:"pattern"`
	Level          LogLevel   `json:"level"`
	Count          int        `json:"count"`
	FirstSeen      time.Time  `json:"firstSeen"`
	LastSeen       time.Time  `json:"lastSeen"`
	AffectedAgents []string   `json:"affectedAgents"`
	AffectedRigs   []string   `json:"affectedRigs"`
	RecentErrors   []LogEntry `json:"recentErrors,omitempty"`
	Examples       []string   `json:"examples,omitempty"`
	IsSystemic     bool       `json:"isSystemic"`
}

// PatternSummary aggregates analyzer totals.
type PatternSummary struct {
	TotalPatterns int              `json:"totalPatterns"`
	TotalErrors   int              `json:"totalErrors"`
	TotalWarnings int              `json:"totalWarnings"`
	Systemic      int              `json:"systemic"`
	Top           []PatternCluster `json:"top,omitempty"`
}

// HorizonForecast is one forecast horizon.
type HorizonForecast struct {
	Minutes       int     `json:"minutes"`
	Predicted     float64 `json:"predicted"`
	Lower         float64 `json:"lower"`
	Upper         float64 `json:"upper"`
	Spike         bool    `json:"spike"`
	SpikeSeverity string  `json:"spikeSeverity,omitempty"` // medium or high
}

// BeadETA is a per-bead completion estimate.
type BeadETA struct {
	BeadID        string `json:"beadId"`
	Title         string `json:"title,omitempty"`
	Status        string `json:"status"`
	QueuePosition int    `json:"queuePosition"`
	ETAMs         int64  `json:"etaMs"`
}

// Forecast is the load forecaster's published output.
type Forecast struct {
	GeneratedAt  time.Time         `json:"generatedAt"`
	Insufficient bool              `json:"insufficient,omitempty"`
	DataPoints   int               `json:"dataPoints"`
	Level        float64           `json:"level"`
	Trend        float64           `json:"trend"`
	StdErr       float64           `json:"stderr"`
	Horizons     []HorizonForecast `json:"horizons,omitempty"`
	QueueDepth   float64           `json:"queueDepth"`
	BeadETAs     []BeadETA         `json:"beadETAs,omitempty"`
	Confidence   float64           `json:"confidence"`
}

// Snapshot is the full observable state sent to clients on connect and
// persisted across restarts.
type Snapshot struct {
	Rigs         map[string]Rig             `json:"rigs"`
	Agents       map[string][]Agent         `json:"agents"`
	Beads        map[string][]Bead          `json:"beads"`
	Hooks        map[string]map[string]Hook `json:"hooks"`
	Events       []Event                    `json:"events"`
	Mail         []Mail                     `json:"mail"`
	Logs         []LogEntry                 `json:"logs"`
	Errors       []ErrorRecord              `json:"errors"`
	AgentHistory map[string][]StatusChange  `json:"agentHistory"`
	BeadHistory  map[string][]StatusChange  `json:"beadHistory"`
	AgentStats   map[string]AgentStats      `json:"agentStats"`
	LastUpdated  time.Time                  `json:"lastUpdated"`
	IsReplay     bool                       `json:"isReplay,omitempty"`
}
