// Package parse converts gt/bd CLI output, JSONL payloads, and log lines
// into typed records. All functions are pure and tolerate malformed input:
// unrecognized text yields empty collections or nil, never an error.
package parse

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/steveyegge/gtwatch/internal/model"
)

// NormalizeBeadStatus maps CLI status symbols and words onto the canonical
// bead lifecycle states. Unknown input maps to open.
func NormalizeBeadStatus(s string) model.BeadStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "?", "○", "o", "open", "ready":
		return model.BeadOpen
	case "●", "hooked":
		return model.BeadHooked
	case "in_progress", "in-progress", "inprogress", "active":
		return model.BeadInProgress
	case "✓", "done", "complete", "completed":
		return model.BeadDone
	case "✗", "x", "closed":
		return model.BeadClosed
	default:
		return model.BeadOpen
	}
}

// NormalizePriority maps P1-P4 and word forms onto canonical priorities.
// Unknown input yields the empty priority.
func NormalizePriority(s string) model.Priority {
	switch strings.ToLower(strings.Trim(strings.TrimSpace(s), "[]")) {
	case "p1", "critical":
		return model.PriorityCritical
	case "p2", "high":
		return model.PriorityHigh
	case "p3", "normal":
		return model.PriorityNormal
	case "p4", "low":
		return model.PriorityLow
	default:
		return ""
	}
}

// rigNameRe matches a rig name line in `gt rig list` text output: exactly
// two leading spaces then a bare identifier.
var rigNameRe = regexp.MustCompile(`^  ([A-Za-z0-9_-]+)\s*$`)

var (
	rigCountsRe = regexp.MustCompile(`Polecats:\s*(\d+)\s*\|\s*Crew:\s*(\d+)`)
	rigAgentsRe = regexp.MustCompile(`Agents:\s*\[([^\]]*)\]`)
)

// rigListJSON is the shape of `gt rig list --json`.
type rigListJSON struct {
	Polecats int      `json:"polecats"`
	Crew     int      `json:"crew"`
	Agents   []string `json:"agents"`
	Status   string   `json:"status"`
}

// ParseRigList parses `gt rig list` output, accepting either the --json map
// form or the indented text listing.
func ParseRigList(output string) map[string]model.Rig {
	rigs := make(map[string]model.Rig)

	trimmed := strings.TrimSpace(output)
	if strings.HasPrefix(trimmed, "{") {
		var raw map[string]rigListJSON
		if err := json.Unmarshal([]byte(trimmed), &raw); err == nil {
			for name, r := range raw {
				rigs[name] = model.Rig{
					Name:     name,
					Polecats: r.Polecats,
					Crew:     r.Crew,
					Agents:   r.Agents,
					Status:   r.Status,
				}
			}
			return rigs
		}
	}

	var current string
	for _, line := range strings.Split(output, "\n") {
		if m := rigNameRe.FindStringSubmatch(line); m != nil {
			current = m[1]
			rigs[current] = model.Rig{Name: current}
			continue
		}
		if current == "" {
			continue
		}
		rig := rigs[current]
		if m := rigCountsRe.FindStringSubmatch(line); m != nil {
			rig.Polecats, _ = strconv.Atoi(m[1])
			rig.Crew, _ = strconv.Atoi(m[2])
		}
		if m := rigAgentsRe.FindStringSubmatch(line); m != nil {
			rig.Agents = strings.Fields(m[1])
		}
		rigs[current] = rig
	}
	return rigs
}

// beadJSON is the shape of one entry in `bd list --json`.
type beadJSON struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Status      string   `json:"status"`
	Priority    string   `json:"priority"`
	Labels      []string `json:"labels"`
	Owner       string   `json:"owner"`
	Assignee    string   `json:"assignee"`
	Type        string   `json:"issue_type"`
	Description string   `json:"description"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
	ClosedAt    string   `json:"closed_at"`
}

func (b beadJSON) toBead() model.Bead {
	return model.Bead{
		ID:          b.ID,
		Title:       b.Title,
		Status:      NormalizeBeadStatus(b.Status),
		Priority:    NormalizePriority(b.Priority),
		Labels:      b.Labels,
		Owner:       b.Owner,
		Assignee:    b.Assignee,
		Type:        b.Type,
		Description: b.Description,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
		ClosedAt:    b.ClosedAt,
	}
}

// ParseBeads parses `bd list` output, accepting the --json array form or
// the symbol-prefixed text listing.
func ParseBeads(output string) []model.Bead {
	trimmed := strings.TrimSpace(output)
	if strings.HasPrefix(trimmed, "[") {
		var raw []beadJSON
		if err := json.Unmarshal([]byte(trimmed), &raw); err == nil {
			beads := make([]model.Bead, 0, len(raw))
			for _, b := range raw {
				if b.ID == "" {
					continue
				}
				beads = append(beads, b.toBead())
			}
			return beads
		}
	}
	return ParseBeadsText(output)
}

// beadSymbols maps a leading status symbol to its bead status.
var beadSymbols = map[string]model.BeadStatus{
	"?": model.BeadOpen,
	"○": model.BeadOpen,
	"●": model.BeadHooked,
	"✓": model.BeadDone,
	"✗": model.BeadClosed,
}

var priorityTokenRe = regexp.MustCompile(`(?i)^\[?(P[1-4]|critical|high|normal|low)\]?$`)

// ParseBeadsText parses the symbol-prefixed text listing, one bead per
// line: `<symbol> <id> [P2] <title>`. Lines without a recognized leading
// symbol are skipped.
func ParseBeadsText(output string) []model.Bead {
	var beads []model.Bead
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		status, ok := beadSymbols[fields[0]]
		if !ok {
			continue
		}
		bead := model.Bead{
			ID:     strings.TrimSuffix(fields[1], ":"),
			Status: status,
		}
		rest := fields[2:]
		var title []string
		for _, tok := range rest {
			if bead.Priority == "" && priorityTokenRe.MatchString(tok) {
				bead.Priority = NormalizePriority(tok)
				continue
			}
			title = append(title, tok)
		}
		bead.Title = strings.Join(title, " ")
		beads = append(beads, bead)
	}
	return beads
}

// RenderBeadText renders a bead back into the text-listing line form. The
// parsers and renderer round-trip: re-parsing a rendered bead preserves its
// status and priority.
func RenderBeadText(b model.Bead) string {
	sym := "?"
	switch b.Status {
	case model.BeadOpen:
		sym = "○"
	case model.BeadHooked, model.BeadInProgress:
		sym = "●"
	case model.BeadDone:
		sym = "✓"
	case model.BeadClosed:
		sym = "✗"
	}
	var sb strings.Builder
	sb.WriteString(sym)
	sb.WriteString(" ")
	sb.WriteString(b.ID)
	switch b.Priority {
	case model.PriorityCritical:
		sb.WriteString(" [P1]")
	case model.PriorityHigh:
		sb.WriteString(" [P2]")
	case model.PriorityNormal:
		sb.WriteString(" [P3]")
	case model.PriorityLow:
		sb.WriteString(" [P4]")
	}
	if b.Title != "" {
		sb.WriteString(" ")
		sb.WriteString(b.Title)
	}
	return sb.String()
}

var (
	detailHeaderRe = regexp.MustCompile(`^[A-Z][A-Z ]+:?\s*$`)
	detailDepRe    = regexp.MustCompile(`^\s+→\s*[○●]\s*([A-Za-z0-9_-]+):?`)
	detailTitleRe  = regexp.MustCompile(`^[○●✓✗?]\s+([A-Za-z0-9_-]+):?\s*(.*)$`)
	detailFieldRe  = regexp.MustCompile(`^(Status|Priority|Type|Owner|Assignee):\s*(.+)$`)
)

// ParseBeadDetails parses `bd show <id>` text output into a single bead.
// The description is the block under the DESCRIPTION header, terminated by
// the next uppercase section header. Dependencies come from indented
// `→ ○ id:` lines. Returns nil when no bead line is found.
func ParseBeadDetails(output string) *model.Bead {
	trimmed := strings.TrimSpace(output)
	if strings.HasPrefix(trimmed, "{") {
		var raw beadJSON
		if err := json.Unmarshal([]byte(trimmed), &raw); err == nil && raw.ID != "" {
			b := raw.toBead()
			return &b
		}
	}

	var bead *model.Bead
	var desc []string
	inDesc := false
	for _, line := range strings.Split(output, "\n") {
		if bead == nil {
			if m := detailTitleRe.FindStringSubmatch(line); m != nil {
				bead = &model.Bead{ID: m[1], Title: strings.TrimSpace(m[2])}
				if fields := strings.Fields(line); len(fields) > 0 {
					bead.Status = NormalizeBeadStatus(fields[0])
				}
			}
			continue
		}
		if m := detailDepRe.FindStringSubmatch(line); m != nil {
			bead.DependsOn = append(bead.DependsOn, m[1])
			continue
		}
		if detailHeaderRe.MatchString(strings.TrimSpace(line)) {
			header := strings.TrimSuffix(strings.TrimSpace(line), ":")
			inDesc = header == "DESCRIPTION"
			continue
		}
		if m := detailFieldRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil && !inDesc {
			switch m[1] {
			case "Status":
				bead.Status = NormalizeBeadStatus(m[2])
			case "Priority":
				bead.Priority = NormalizePriority(m[2])
			case "Type":
				bead.Type = strings.TrimSpace(m[2])
			case "Owner":
				bead.Owner = strings.TrimSpace(m[2])
			case "Assignee":
				bead.Assignee = strings.TrimSpace(m[2])
			}
			continue
		}
		if inDesc {
			desc = append(desc, line)
		}
	}
	if bead != nil {
		bead.Description = strings.TrimSpace(strings.Join(desc, "\n"))
	}
	return bead
}

var (
	hookedRe   = regexp.MustCompile(`Hooked:\s*([A-Za-z0-9_-]+):?\s*(.*)`)
	moleculeRe = regexp.MustCompile(`Molecule:\s*([A-Za-z0-9_.-]+)`)
	attachedRe = regexp.MustCompile(`Attached:\s*(\S.*)`)
)

// ParseHookOutput parses `gt hook` text output for one agent. Returns nil
// when the output carries no recognizable hook markers. The trailing colon
// some gt builds emit after the bead id is always trimmed.
func ParseHookOutput(output, agent string) *model.Hook {
	if !strings.Contains(output, "Hook Status:") &&
		!strings.Contains(output, "Hooked:") &&
		!strings.Contains(output, "Role:") {
		return nil
	}
	hook := &model.Hook{Agent: agent}
	found := false
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.Contains(line, "AUTONOMOUS MODE"):
			hook.AutonomousMode = true
			found = true
		case strings.HasPrefix(line, "Hooked:"):
			if m := hookedRe.FindStringSubmatch(line); m != nil {
				hook.Bead = strings.TrimSuffix(m[1], ":")
				hook.Title = strings.TrimSpace(m[2])
				found = true
			}
		case strings.HasPrefix(line, "Molecule:"):
			if m := moleculeRe.FindStringSubmatch(line); m != nil {
				hook.Molecule = m[1]
				found = true
			}
		case strings.HasPrefix(line, "Attached:"):
			if m := attachedRe.FindStringSubmatch(line); m != nil {
				hook.AttachedAt = strings.TrimSpace(m[1])
				found = true
			}
		case strings.HasPrefix(line, "Hook Status:"), strings.HasPrefix(line, "Role:"):
			found = true
		}
	}
	if !found {
		return nil
	}
	return hook
}

var (
	bracketLogRe = regexp.MustCompile(`^\[([^\]]+)\]\s+\[(\w+)\]\s*(.*)$`)
	isoLogRe     = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?)\s+(.*)$`)
)

func normalizeLevel(s string) model.LogLevel {
	switch strings.ToLower(s) {
	case "debug", "dbg", "trace":
		return model.LevelDebug
	case "warn", "warning":
		return model.LevelWarn
	case "error", "err", "fatal":
		return model.LevelError
	default:
		return model.LevelInfo
	}
}

// InferLevel detects a severity from free-form log text by keyword scan.
func InferLevel(line string) model.LogLevel {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "error") || strings.Contains(lower, "fail"):
		return model.LevelError
	case strings.Contains(lower, "warn"):
		return model.LevelWarn
	case strings.Contains(lower, "debug"):
		return model.LevelDebug
	default:
		return model.LevelInfo
	}
}

// ParseLogLine parses a single log line. It tries `[ts] [LEVEL] message`,
// then an ISO-timestamp prefix, then falls back to keyword severity
// inference over the whole line. The zero time means no timestamp was
// present; callers stamp those with the observation time.
func ParseLogLine(line string) model.LogEntry {
	if m := bracketLogRe.FindStringSubmatch(line); m != nil {
		entry := model.LogEntry{Level: normalizeLevel(m[2]), Message: m[3]}
		if ts, err := time.Parse(time.RFC3339, m[1]); err == nil {
			entry.Timestamp = ts
		}
		return entry
	}
	if m := isoLogRe.FindStringSubmatch(line); m != nil {
		entry := model.LogEntry{Level: InferLevel(m[2]), Message: m[2]}
		if ts, err := time.Parse(time.RFC3339, m[1]); err == nil {
			entry.Timestamp = ts
		}
		return entry
	}
	return model.LogEntry{Level: InferLevel(line), Message: line}
}
