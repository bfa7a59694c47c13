// Package patterns clusters error and warning logs online. Each incoming
// log is normalized to a pattern key; near-duplicate keys are merged by
// token similarity so a path or id difference does not fragment a cluster.
package patterns

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/steveyegge/gtwatch/internal/bus"
	"github.com/steveyegge/gtwatch/internal/model"
	"github.com/steveyegge/gtwatch/internal/parse"
	"github.com/steveyegge/gtwatch/internal/util"
)

// Defaults.
const (
	DefaultMaxPatterns         = 100
	DefaultSimilarity          = 0.7
	DefaultMaxErrorsPerPattern = 50
	maxExamples                = 3
)

type cluster struct {
	pattern   string
	tokens    map[string]struct{}
	level     model.LogLevel
	count     int
	firstSeen time.Time
	lastSeen  time.Time
	agents    map[string]struct{}
	rigs      map[string]struct{}
	recent    []model.LogEntry
	examples  []string
}

// Analyzer is the online clustering engine. Safe for concurrent use.
type Analyzer struct {
	bus                 *bus.Bus
	maxPatterns         int
	similarity          float64
	maxErrorsPerPattern int

	mu       sync.Mutex
	clusters map[string]*cluster
}

// New creates an analyzer publishing summaries on b. Non-positive limits
// fall back to defaults.
func New(b *bus.Bus, maxPatterns int, similarity float64, maxErrorsPerPattern int) *Analyzer {
	if maxPatterns <= 0 {
		maxPatterns = DefaultMaxPatterns
	}
	if similarity <= 0 {
		similarity = DefaultSimilarity
	}
	if maxErrorsPerPattern <= 0 {
		maxErrorsPerPattern = DefaultMaxErrorsPerPattern
	}
	return &Analyzer{
		bus:                 b,
		maxPatterns:         maxPatterns,
		similarity:          similarity,
		maxErrorsPerPattern: maxErrorsPerPattern,
		clusters:            map[string]*cluster{},
	}
}

// Process folds one log entry into the clusters. Levels below warn are
// ignored. The updated summary is published on the errorPatterns topic.
func (a *Analyzer) Process(entry model.LogEntry) {
	if entry.Level != model.LevelError && entry.Level != model.LevelWarn {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	pattern := parse.NormalizeErrorPattern(entry.Message)
	if pattern == "" {
		return
	}

	a.mu.Lock()
	c := a.clusters[pattern]
	if c == nil {
		c = a.findSimilarLocked(pattern, entry.Level)
	}
	if c == nil {
		c = &cluster{
			pattern:   pattern,
			tokens:    tokenSet(pattern),
			level:     entry.Level,
			firstSeen: entry.Timestamp,
			agents:    map[string]struct{}{},
			rigs:      map[string]struct{}{},
		}
		a.clusters[pattern] = c
	}

	c.count++
	c.lastSeen = entry.Timestamp
	if entry.Agent != "" {
		c.agents[entry.Agent] = struct{}{}
	}
	if entry.Rig != "" {
		c.rigs[entry.Rig] = struct{}{}
	}
	c.recent = util.PrependBounded(c.recent, entry, a.maxErrorsPerPattern)
	if len(c.examples) < maxExamples && !contains(c.examples, entry.Message) {
		c.examples = append(c.examples, entry.Message)
	}
	a.pruneLocked()
	summary := a.summaryLocked()
	a.mu.Unlock()

	if a.bus != nil {
		a.bus.Publish(bus.TopicErrorPatterns, summary)
	}
}

func (a *Analyzer) findSimilarLocked(pattern string, level model.LogLevel) *cluster {
	tokens := tokenSet(pattern)
	for _, c := range a.clusters {
		if c.level != level {
			continue
		}
		if jaccard(tokens, c.tokens) >= a.similarity {
			return c
		}
	}
	return nil
}

// pruneLocked drops the lowest-scoring cluster when over capacity. Recent,
// frequent, wide-scope patterns survive.
func (a *Analyzer) pruneLocked() {
	for len(a.clusters) > a.maxPatterns {
		var worstKey string
		worstScore := 0.0
		first := true
		for key, c := range a.clusters {
			score := float64(c.count)*10 +
				float64(len(c.agents)+len(c.rigs))*5 -
				time.Since(c.lastSeen).Minutes()
			if first || score < worstScore {
				worstKey, worstScore, first = key, score, false
			}
		}
		delete(a.clusters, worstKey)
	}
}

// Patterns returns the clusters sorted by count descending, ties broken by
// most recent lastSeen.
func (a *Analyzer) Patterns() []model.PatternCluster {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.patternsLocked()
}

func (a *Analyzer) patternsLocked() []model.PatternCluster {
	out := make([]model.PatternCluster, 0, len(a.clusters))
	for _, c := range a.clusters {
		out = append(out, c.export())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// Summary aggregates totals and the top five clusters.
func (a *Analyzer) Summary() model.PatternSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summaryLocked()
}

func (a *Analyzer) summaryLocked() model.PatternSummary {
	all := a.patternsLocked()
	s := model.PatternSummary{TotalPatterns: len(all)}
	for _, p := range all {
		switch p.Level {
		case model.LevelError:
			s.TotalErrors += p.Count
		case model.LevelWarn:
			s.TotalWarnings += p.Count
		}
		if p.IsSystemic {
			s.Systemic++
		}
	}
	if len(all) > 5 {
		all = all[:5]
	}
	s.Top = all
	return s
}

func (c *cluster) export() model.PatternCluster {
	out := model.PatternCluster{
		Pattern:      c.pattern,
		Level:        c.level,
		Count:        c.count,
		FirstSeen:    c.firstSeen,
		LastSeen:     c.lastSeen,
		RecentErrors: append([]model.LogEntry(nil), c.recent...),
		Examples:     append([]string(nil), c.examples...),
		IsSystemic:   len(c.agents) > 1 || len(c.rigs) > 1,
	}
	for agent := range c.agents {
		out.AffectedAgents = append(out.AffectedAgents, agent)
	}
	for rig := range c.rigs {
		out.AffectedRigs = append(out.AffectedRigs, rig)
	}
	sort.Strings(out.AffectedAgents)
	sort.Strings(out.AffectedRigs)
	return out
}

func tokenSet(s string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, tok := range strings.Fields(s) {
		set[tok] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
