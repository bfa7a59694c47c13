// Package health derives a composite 0-100 service health score from the
// metrics snapshot: four weighted sub-scores with a rolling score history.
package health

import (
	"math"
	"sync"
	"time"

	"github.com/steveyegge/gtwatch/internal/model"
)

// Component weights.
const (
	weightErrorRate  = 0.35
	weightUptime     = 0.30
	weightLatency    = 0.20
	weightThroughput = 0.15
)

// DefaultHistorySize bounds the rolling score and frequency histories.
const DefaultHistorySize = 60

// Calculator computes health scores. Safe for concurrent use.
type Calculator struct {
	historySize int

	mu          sync.Mutex
	history     []model.HealthScore
	freqHistory []float64
}

// NewCalculator creates a calculator with the given history bound.
func NewCalculator(historySize int) *Calculator {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Calculator{historySize: historySize}
}

// Compute derives the health score from a metrics snapshot and appends it
// to the rolling history.
func (c *Calculator) Compute(m model.MetricsSnapshot) model.HealthScore {
	c.mu.Lock()
	defer c.mu.Unlock()

	components := model.HealthComponents{
		Latency:    latencyScore(m.AvgPollDuration),
		Uptime:     uptimeScore(m.AgentActivity),
		ErrorRate:  errorRateScore(m.SuccessRate),
		Throughput: c.throughputScoreLocked(m.UpdateFrequency),
	}

	weighted := components.ErrorRate*weightErrorRate +
		components.Uptime*weightUptime +
		components.Latency*weightLatency +
		components.Throughput*weightThroughput

	score := model.HealthScore{
		Score:      int(math.Round(weighted)),
		Components: components,
		Timestamp:  time.Now(),
	}
	switch {
	case score.Score >= 80:
		score.Status = "healthy"
	case score.Score >= 50:
		score.Status = "degraded"
	default:
		score.Status = "critical"
	}

	c.freqHistory = appendBounded(c.freqHistory, m.UpdateFrequency, c.historySize)
	c.history = appendBounded(c.history, score, c.historySize)
	return score
}

// History returns the rolling score history, oldest first.
func (c *Calculator) History() []model.HealthScore {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.HealthScore(nil), c.history...)
}

// Latest returns the most recent score, if any.
func (c *Calculator) Latest() (model.HealthScore, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) == 0 {
		return model.HealthScore{}, false
	}
	return c.history[len(c.history)-1], true
}

// latencyScore interpolates linearly between the anchor points
// (100ms,100) (250,80) (500,50) (1000,20) (2000,0).
func latencyScore(avgMs int64) float64 {
	anchors := []struct {
		ms    float64
		score float64
	}{
		{100, 100}, {250, 80}, {500, 50}, {1000, 20}, {2000, 0},
	}
	v := float64(avgMs)
	if v <= anchors[0].ms {
		return 100
	}
	for i := 1; i < len(anchors); i++ {
		if v <= anchors[i].ms {
			lo, hi := anchors[i-1], anchors[i]
			frac := (v - lo.ms) / (hi.ms - lo.ms)
			return lo.score + frac*(hi.score-lo.score)
		}
	}
	return 0
}

// uptimeScore favors fleets whose agents are running, with a small bonus
// for agents actively working.
func uptimeScore(a model.ActivityCounts) float64 {
	total := a.Active + a.Hooked + a.Idle + a.Error
	if total == 0 {
		return 75
	}
	running := a.Active + a.Hooked + a.Idle
	base := float64(running) / float64(total) * 100
	bonus := float64(a.Active+a.Hooked) / float64(total) * 10
	return math.Min(100, base+bonus)
}

func errorRateScore(successRate float64) float64 {
	switch {
	case successRate >= 99.9:
		return 100
	case successRate >= 99:
		return 95
	case successRate >= 98:
		return 90
	case successRate >= 95:
		return 75
	case successRate >= 90:
		return 50
	case successRate >= 80:
		return 25
	default:
		return successRate / 4
	}
}

// throughputScoreLocked compares the current update frequency to its
// historical mean. With no history there is no basis for comparison, so
// the component is neutral (100); a zero historical mean with nonzero
// current frequency scores a cautious 60.
func (c *Calculator) throughputScoreLocked(current float64) float64 {
	if len(c.freqHistory) == 0 {
		return 100
	}
	var sum float64
	for _, v := range c.freqHistory {
		sum += v
	}
	mean := sum / float64(len(c.freqHistory))
	if mean == 0 {
		if current == 0 {
			return 100
		}
		return 60
	}
	ratio := current / mean
	switch {
	case ratio >= 0.7 && ratio <= 1.5:
		return 100
	case ratio >= 0.5 && ratio <= 2.0:
		return 80
	case ratio >= 0.3 && ratio <= 3.0:
		return 60
	case ratio >= 0.1:
		return 40
	default:
		return 20
	}
}

func appendBounded[T any](s []T, v T, max int) []T {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}
