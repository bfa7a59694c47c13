// Package forecast predicts fleet load with Holt's linear exponential
// smoothing over the recent agent-activity series, plus queue-depth and
// per-bead completion estimates.
package forecast

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/gtwatch/internal/bus"
	"github.com/steveyegge/gtwatch/internal/model"
)

const (
	alpha = 0.3
	beta  = 0.7

	// DefaultInterval is the derivation cadence.
	DefaultInterval = 30 * time.Second

	// historyWindow bounds the sample series.
	historyWindow = time.Hour

	// minPoints is the smallest series worth smoothing.
	minPoints = 10

	// fullWindowPoints is the sample count treated as "complete data"
	// for the confidence share.
	fullWindowPoints = 60
)

var horizons = []int{5, 15, 30, 60}

// StateSource provides the queue inputs for ETA estimation.
type StateSource interface {
	AllBeads() map[string][]model.Bead
	AllAgentStats() map[string]model.AgentStats
}

type sample struct {
	at   time.Time
	load float64
}

// Forecaster owns the sample series and the derivation tick.
type Forecaster struct {
	bus      *bus.Bus
	state    StateSource
	interval time.Duration

	mu      sync.Mutex
	samples []sample
	latest  *model.Forecast

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a forecaster publishing on b.
func New(b *bus.Bus, state StateSource, interval time.Duration) *Forecaster {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Forecaster{
		bus:      b,
		state:    state,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the derivation loop until Stop or context cancel.
func (f *Forecaster) Start(ctx context.Context) {
	go func() {
		defer close(f.done)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fc := f.Compute()
				if f.bus != nil {
					f.bus.Publish(bus.TopicForecast, fc)
				}
			case <-ctx.Done():
				return
			case <-f.stop:
				return
			}
		}
	}()
}

// Stop halts the loop. Safe to call more than once.
func (f *Forecaster) Stop() {
	f.stopOnce.Do(func() { close(f.stop) })
	<-f.done
}

// Observe appends one load sample (active + hooked agents).
func (f *Forecaster) Observe(activity model.ActivityCounts) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	f.samples = append(f.samples, sample{at: now, load: float64(activity.Active + activity.Hooked)})
	cutoff := now.Add(-historyWindow)
	for len(f.samples) > 0 && f.samples[0].at.Before(cutoff) {
		f.samples = f.samples[1:]
	}
}

// Latest returns the most recently computed forecast, if any.
func (f *Forecaster) Latest() (model.Forecast, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return model.Forecast{}, false
	}
	return *f.latest, true
}

// Compute derives a forecast from the current series.
func (f *Forecaster) Compute() model.Forecast {
	f.mu.Lock()
	series := append([]sample(nil), f.samples...)
	f.mu.Unlock()

	now := time.Now()
	fc := model.Forecast{GeneratedAt: now, DataPoints: len(series)}
	if len(series) < minPoints {
		fc.Insufficient = true
		f.setLatest(fc)
		return fc
	}

	loads := make([]float64, len(series))
	for i, s := range series {
		loads[i] = s.load
	}
	level, trend, stderr := holt(loads)
	fc.Level = level
	fc.Trend = trend
	fc.StdErr = stderr

	// Average spacing in minutes converts horizon minutes to steps.
	span := series[len(series)-1].at.Sub(series[0].at).Minutes()
	avgInterval := span / float64(len(series)-1)
	if avgInterval <= 0 {
		avgInterval = f.interval.Minutes()
	}

	mean, stddev := meanStddev(loads)
	for _, h := range horizons {
		steps := float64(h) / avgInterval
		predicted := math.Max(0, level+trend*steps)
		half := stderr * 1.96 * math.Sqrt(1+steps*0.1)
		hf := model.HorizonForecast{
			Minutes:   h,
			Predicted: predicted,
			Lower:     math.Max(0, predicted-half),
			Upper:     predicted + half,
		}
		if predicted > mean+2*stddev {
			hf.Spike = true
			hf.SpikeSeverity = "high"
		} else if predicted > mean+1.5*stddev {
			hf.Spike = true
			hf.SpikeSeverity = "medium"
		}
		fc.Horizons = append(fc.Horizons, hf)
	}

	f.estimateQueue(&fc)
	fc.Confidence = f.confidence(series, loads, mean, stddev, now)
	f.setLatest(fc)
	return fc
}

func (f *Forecaster) setLatest(fc model.Forecast) {
	f.mu.Lock()
	cp := fc
	f.latest = &cp
	f.mu.Unlock()
}

// estimateQueue fills the queue-depth prediction and per-bead ETAs from a
// constant completion rate averaged over the fleet's stats.
func (f *Forecaster) estimateQueue(fc *model.Forecast) {
	if f.state == nil {
		return
	}

	var pending []model.Bead
	for _, beads := range f.state.AllBeads() {
		for _, b := range beads {
			switch b.Status {
			case model.BeadOpen, model.BeadHooked, model.BeadInProgress:
				pending = append(pending, b)
			}
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return statusRank(pending[i].Status) > statusRank(pending[j].Status)
	})

	var avgDuration float64
	workers := 0
	var durations int
	for _, stats := range f.state.AllAgentStats() {
		if stats.TotalCompleted == 0 {
			continue
		}
		workers++
		if stats.AvgDuration > 0 {
			avgDuration += stats.AvgDuration
			durations++
		}
	}
	if durations > 0 {
		avgDuration /= float64(durations)
	}
	if workers == 0 {
		workers = 1
	}

	if avgDuration > 0 {
		// Completions the fleet can absorb in the 30-minute horizon.
		perMinute := float64(workers) / (avgDuration / 60000)
		fc.QueueDepth = math.Max(0, float64(len(pending))-perMinute*30)
	} else {
		fc.QueueDepth = float64(len(pending))
	}

	if avgDuration <= 0 {
		return
	}
	for i, b := range pending {
		eta := float64(i)/float64(workers)*avgDuration + avgDuration
		if b.Status == model.BeadInProgress {
			eta *= 0.5
		}
		fc.BeadETAs = append(fc.BeadETAs, model.BeadETA{
			BeadID:        b.ID,
			Title:         b.Title,
			Status:        string(b.Status),
			QueuePosition: i,
			ETAMs:         int64(eta),
		})
	}
}

func statusRank(s model.BeadStatus) int {
	switch s {
	case model.BeadInProgress:
		return 2
	case model.BeadHooked:
		return 1
	default:
		return 0
	}
}

// confidence combines data quantity (0.4), freshness (0.3, decaying over
// five minutes), and consistency (0.3, shrinking with variation).
func (f *Forecaster) confidence(series []sample, loads []float64, mean, stddev float64, now time.Time) float64 {
	quantity := 0.4 * math.Min(1, float64(len(series))/fullWindowPoints)

	age := now.Sub(series[len(series)-1].at)
	freshness := 0.3 * math.Max(0, 1-age.Minutes()/5)

	consistency := 0.3
	if mean > 0 {
		cv := stddev / mean
		consistency = 0.3 * math.Max(0, 1-cv)
	}
	return quantity + freshness + consistency
}

// holt runs Holt's linear smoothing and returns the final level, trend,
// and the RMS of one-step-ahead residuals.
func holt(series []float64) (level, trend, stderr float64) {
	level = series[0]
	if len(series) > 1 {
		trend = series[1] - series[0]
	}
	var sumSq float64
	n := 0
	for _, y := range series[1:] {
		predicted := level + trend
		residual := y - predicted
		sumSq += residual * residual
		n++

		lastLevel := level
		level = alpha*y + (1-alpha)*(level+trend)
		trend = beta*(level-lastLevel) + (1-beta)*trend
	}
	if n > 0 {
		stderr = math.Sqrt(sumSq / float64(n))
	}
	return level, trend, stderr
}

func meanStddev(series []float64) (mean, stddev float64) {
	if len(series) == 0 {
		return 0, 0
	}
	for _, v := range series {
		mean += v
	}
	mean /= float64(len(series))
	var sumSq float64
	for _, v := range series {
		d := v - mean
		sumSq += d * d
	}
	stddev = math.Sqrt(sumSq / float64(len(series)))
	return mean, stddev
}
