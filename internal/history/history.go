// Package history persists metrics and completion history in an embedded
// SQLite database with three retention tiers: raw minute samples, hourly
// aggregates, and daily aggregates.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/steveyegge/gtwatch/internal/model"
)

// Retention windows and caps.
const (
	RawRetention    = 24 * time.Hour
	HourlyRetention = 30 * 24 * time.Hour
	DailyRetention  = 365 * 24 * time.Hour

	MaxCompletionsPerAgent = 1000

	// maintenanceEvery triggers a promotion/cleanup pass after this many
	// inserts, in addition to the periodic save tick.
	maintenanceEvery = 100

	saveInterval = 5 * time.Minute
)

// Sample is one raw observation from a poll cycle.
type Sample struct {
	Timestamp      time.Time            `json:"timestamp"`
	PollDurationMs int64                `json:"pollDuration"`
	EventVolume    int                  `json:"eventVolume"`
	Activity       model.ActivityCounts `json:"activity"`
}

// Point is one series entry returned by QueryRange. Raw points carry
// count=1 with avg=min=max.
type Point struct {
	Timestamp   time.Time `json:"timestamp"`
	PollAvg     float64   `json:"pollAvg"`
	PollMin     int64     `json:"pollMin"`
	PollMax     int64     `json:"pollMax"`
	PollCount   int       `json:"pollCount"`
	EventTotal  int       `json:"eventTotal"`
	EventAvg    float64   `json:"eventAvg"`
	EventMax    int       `json:"eventMax"`
	ActiveAvg   float64   `json:"activeAvg"`
	ActiveMax   int       `json:"activeMax"`
	HookedAvg   float64   `json:"hookedAvg"`
	HookedMax   int       `json:"hookedMax"`
}

// Summary reports period statistics plus IQR anomaly indices.
type Summary struct {
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Points         int       `json:"points"`
	PollAvg        float64   `json:"pollAvg"`
	PollMin        int64     `json:"pollMin"`
	PollMax        int64     `json:"pollMax"`
	EventTotal     int       `json:"eventTotal"`
	AnomalyIndices []int     `json:"anomalyIndices"`
}

// Efficiency aggregates an agent's completion record.
type Efficiency struct {
	Agent       string             `json:"agent"`
	Count       int                `json:"count"`
	AvgDuration float64            `json:"avgDuration"`
	MinDuration int64              `json:"minDuration"`
	MaxDuration int64              `json:"maxDuration"`
	Recent      []model.Completion `json:"recent"`
}

// StorageInfo describes database occupancy for the storage endpoint.
type StorageInfo struct {
	Path        string `json:"path"`
	RawRows     int    `json:"rawRows"`
	HourlyRows  int    `json:"hourlyRows"`
	DailyRows   int    `json:"dailyRows"`
	Completions int    `json:"completions"`
}

// Store is the tiered metrics database. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	dirty   bool
	inserts int

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Open creates or opens the database at path and ensures the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}
	s := &Store{
		db:     db,
		path:   path,
		logger: logger,
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS raw_metrics (
			ts INTEGER NOT NULL,
			poll_duration INTEGER NOT NULL,
			event_volume INTEGER NOT NULL,
			active INTEGER NOT NULL,
			hooked INTEGER NOT NULL,
			idle INTEGER NOT NULL,
			error INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_raw_ts ON raw_metrics(ts)`,
		`CREATE TABLE IF NOT EXISTS hourly_metrics (
			hour_ts INTEGER PRIMARY KEY,
			poll_avg REAL, poll_min INTEGER, poll_max INTEGER, poll_count INTEGER,
			event_total INTEGER, event_avg REAL, event_max INTEGER,
			active_avg REAL, active_max INTEGER,
			hooked_avg REAL, hooked_max INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS daily_metrics (
			day_ts INTEGER PRIMARY KEY,
			poll_avg REAL, poll_min INTEGER, poll_max INTEGER, poll_count INTEGER,
			event_total INTEGER, event_avg REAL, event_max INTEGER,
			active_avg REAL, active_max INTEGER,
			hooked_avg REAL, hooked_max INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS completions (
			agent TEXT NOT NULL,
			bead_id TEXT NOT NULL,
			title TEXT,
			completed_at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_completions_agent ON completions(agent, completed_at)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrating history db: %w", err)
		}
	}
	return nil
}

// Start runs the periodic save/maintenance tick.
func (s *Store) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(saveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Flush()
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the tick loop and runs a final flush.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	s.Flush()
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	s.Flush()
	return s.db.Close()
}

// RecordMetrics appends one raw sample.
func (s *Store) RecordMetrics(sample Sample) error {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.now()
	}
	_, err := s.db.Exec(
		`INSERT INTO raw_metrics (ts, poll_duration, event_volume, active, hooked, idle, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sample.Timestamp.UnixMilli(), sample.PollDurationMs, sample.EventVolume,
		sample.Activity.Active, sample.Activity.Hooked, sample.Activity.Idle, sample.Activity.Error,
	)
	if err != nil {
		return fmt.Errorf("recording metrics: %w", err)
	}
	s.noteInsert()
	return nil
}

// RecordAgentCompletion appends a completion for an agent, trimming the
// per-agent log to its cap.
func (s *Store) RecordAgentCompletion(agent string, c model.Completion) error {
	if c.CompletedAt.IsZero() {
		c.CompletedAt = s.now()
	}
	_, err := s.db.Exec(
		`INSERT INTO completions (agent, bead_id, title, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		agent, c.BeadID, c.Title, c.CompletedAt.UnixMilli(), c.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("recording completion: %w", err)
	}
	_, err = s.db.Exec(
		`DELETE FROM completions WHERE agent = ? AND rowid NOT IN (
			SELECT rowid FROM completions WHERE agent = ?
			ORDER BY completed_at DESC LIMIT ?
		)`, agent, agent, MaxCompletionsPerAgent,
	)
	if err != nil {
		return fmt.Errorf("trimming completions: %w", err)
	}
	s.noteInsert()
	return nil
}

func (s *Store) noteInsert() {
	s.mu.Lock()
	s.dirty = true
	s.inserts++
	due := s.inserts%maintenanceEvery == 0
	s.mu.Unlock()
	if due {
		s.Flush()
	}
}

// Flush runs promotion and retention cleanup when there is unsaved work.
// Idempotent: a clean store is a no-op.
func (s *Store) Flush() {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	s.dirty = false
	s.mu.Unlock()

	if err := s.promote(); err != nil {
		s.logger.Warn("history promotion failed", "error", err)
	}
	if err := s.cleanup(); err != nil {
		s.logger.Warn("history cleanup failed", "error", err)
	}
}

// promote builds hourly aggregates from raw samples older than one hour
// and daily aggregates from hourly rows older than thirty days. Re-running
// over the same rows rewrites identical aggregates.
func (s *Store) promote() error {
	now := s.now()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO hourly_metrics
		SELECT (ts / 3600000) * 3600000 AS hour_ts,
		       AVG(poll_duration), MIN(poll_duration), MAX(poll_duration), COUNT(*),
		       SUM(event_volume), AVG(event_volume), MAX(event_volume),
		       AVG(active), MAX(active),
		       AVG(hooked), MAX(hooked)
		FROM raw_metrics
		WHERE ts < ?
		GROUP BY hour_ts`,
		now.Add(-time.Hour).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("promoting hourly: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO daily_metrics
		SELECT (hour_ts / 86400000) * 86400000 AS day_ts,
		       AVG(poll_avg), MIN(poll_min), MAX(poll_max), SUM(poll_count),
		       SUM(event_total), AVG(event_avg), MAX(event_max),
		       AVG(active_avg), MAX(active_max),
		       AVG(hooked_avg), MAX(hooked_max)
		FROM hourly_metrics
		WHERE hour_ts < ?
		GROUP BY day_ts`,
		now.Add(-HourlyRetention).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("promoting daily: %w", err)
	}
	return nil
}

func (s *Store) cleanup() error {
	now := s.now()
	for _, q := range []struct {
		stmt   string
		cutoff time.Time
	}{
		{`DELETE FROM raw_metrics WHERE ts < ?`, now.Add(-RawRetention)},
		{`DELETE FROM hourly_metrics WHERE hour_ts < ?`, now.Add(-HourlyRetention)},
		{`DELETE FROM daily_metrics WHERE day_ts < ?`, now.Add(-DailyRetention)},
	} {
		if _, err := s.db.Exec(q.stmt, q.cutoff.UnixMilli()); err != nil {
			return fmt.Errorf("history retention: %w", err)
		}
	}
	return nil
}

// QueryRange returns the series between start and end at the requested
// interval. "auto" picks minute for ranges up to two hours, hour up to
// seven days, day beyond.
func (s *Store) QueryRange(start, end time.Time, interval string) ([]Point, error) {
	if interval == "" || interval == "auto" {
		span := end.Sub(start)
		switch {
		case span <= 2*time.Hour:
			interval = "minute"
		case span <= 7*24*time.Hour:
			interval = "hour"
		default:
			interval = "day"
		}
	}
	switch interval {
	case "minute":
		return s.queryRaw(start, end)
	case "hour":
		return s.queryHourly(start, end)
	case "day":
		return s.queryAggregated(`SELECT day_ts, poll_avg, poll_min, poll_max, poll_count,
			event_total, event_avg, event_max, active_avg, active_max, hooked_avg, hooked_max
			FROM daily_metrics WHERE day_ts >= ? AND day_ts <= ? ORDER BY day_ts`, start, end)
	default:
		return nil, fmt.Errorf("unknown interval %q", interval)
	}
}

func (s *Store) queryRaw(start, end time.Time) ([]Point, error) {
	rows, err := s.db.Query(
		`SELECT ts, poll_duration, event_volume, active, hooked
		 FROM raw_metrics WHERE ts >= ? AND ts <= ? ORDER BY ts`,
		start.UnixMilli(), end.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying raw metrics: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var ts, poll int64
		var events, active, hooked int
		if err := rows.Scan(&ts, &poll, &events, &active, &hooked); err != nil {
			return nil, err
		}
		points = append(points, Point{
			Timestamp: time.UnixMilli(ts),
			PollAvg:   float64(poll), PollMin: poll, PollMax: poll, PollCount: 1,
			EventTotal: events, EventAvg: float64(events), EventMax: events,
			ActiveAvg: float64(active), ActiveMax: active,
			HookedAvg: float64(hooked), HookedMax: hooked,
		})
	}
	return points, rows.Err()
}

// queryHourly returns hourly rows augmented by aggregating raw samples in
// the window that have not been promoted yet.
func (s *Store) queryHourly(start, end time.Time) ([]Point, error) {
	points, err := s.queryAggregated(`SELECT hour_ts, poll_avg, poll_min, poll_max, poll_count,
		event_total, event_avg, event_max, active_avg, active_max, hooked_avg, hooked_max
		FROM hourly_metrics WHERE hour_ts >= ? AND hour_ts <= ? ORDER BY hour_ts`, start, end)
	if err != nil {
		return nil, err
	}
	promoted := make(map[int64]bool, len(points))
	for _, p := range points {
		promoted[p.Timestamp.UnixMilli()] = true
	}

	extra, err := s.queryAggregated(`SELECT (ts / 3600000) * 3600000 AS hour_ts,
		AVG(poll_duration), MIN(poll_duration), MAX(poll_duration), COUNT(*),
		SUM(event_volume), AVG(event_volume), MAX(event_volume),
		AVG(active), MAX(active), AVG(hooked), MAX(hooked)
		FROM raw_metrics WHERE ts >= ? AND ts <= ?
		GROUP BY hour_ts ORDER BY hour_ts`, start, end)
	if err != nil {
		return nil, err
	}
	for _, p := range extra {
		if !promoted[p.Timestamp.UnixMilli()] {
			points = append(points, p)
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })
	return points, nil
}

func (s *Store) queryAggregated(query string, start, end time.Time) ([]Point, error) {
	rows, err := s.db.Query(query, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("querying aggregates: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var ts int64
		var p Point
		if err := rows.Scan(&ts, &p.PollAvg, &p.PollMin, &p.PollMax, &p.PollCount,
			&p.EventTotal, &p.EventAvg, &p.EventMax,
			&p.ActiveAvg, &p.ActiveMax, &p.HookedAvg, &p.HookedMax); err != nil {
			return nil, err
		}
		p.Timestamp = time.UnixMilli(ts)
		points = append(points, p)
	}
	return points, rows.Err()
}

// GetSummary computes period stats and flags anomalous poll durations by
// the 1.5 x IQR rule.
func (s *Store) GetSummary(start, end time.Time) (Summary, error) {
	points, err := s.queryRaw(start, end)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{Start: start, End: end, Points: len(points)}
	if len(points) == 0 {
		return sum, nil
	}

	durations := make([]float64, len(points))
	var total float64
	sum.PollMin = points[0].PollMin
	for i, p := range points {
		durations[i] = p.PollAvg
		total += p.PollAvg
		if p.PollMin < sum.PollMin {
			sum.PollMin = p.PollMin
		}
		if p.PollMax > sum.PollMax {
			sum.PollMax = p.PollMax
		}
		sum.EventTotal += p.EventTotal
	}
	sum.PollAvg = total / float64(len(points))

	sorted := append([]float64(nil), durations...)
	sort.Float64s(sorted)
	q1 := quantile(sorted, 0.25)
	q3 := quantile(sorted, 0.75)
	iqr := q3 - q1
	lo, hi := q1-1.5*iqr, q3+1.5*iqr
	for i, d := range durations {
		if d < lo || d > hi {
			sum.AnomalyIndices = append(sum.AnomalyIndices, i)
		}
	}
	return sum, nil
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[lo+1]*frac
}

// GetAgentEfficiency aggregates completions for one agent, or the whole
// fleet when agent is "all" or empty.
func (s *Store) GetAgentEfficiency(agent string, start, end time.Time) (Efficiency, error) {
	query := `SELECT agent, bead_id, title, completed_at, duration_ms FROM completions
		WHERE completed_at >= ? AND completed_at <= ?`
	args := []any{start.UnixMilli(), end.UnixMilli()}
	if agent != "" && agent != "all" {
		query += ` AND agent = ?`
		args = append(args, agent)
	}
	query += ` ORDER BY completed_at DESC LIMIT 100`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return Efficiency{}, fmt.Errorf("querying completions: %w", err)
	}
	defer rows.Close()

	eff := Efficiency{Agent: agent}
	var total int64
	var known int
	for rows.Next() {
		var who, beadID string
		var title sql.NullString
		var at, dur int64
		if err := rows.Scan(&who, &beadID, &title, &at, &dur); err != nil {
			return Efficiency{}, err
		}
		c := model.Completion{BeadID: beadID, Title: title.String, CompletedAt: time.UnixMilli(at), DurationMs: dur}
		eff.Recent = append(eff.Recent, c)
		eff.Count++
		if dur > 0 {
			total += dur
			known++
			if eff.MinDuration == 0 || dur < eff.MinDuration {
				eff.MinDuration = dur
			}
			if dur > eff.MaxDuration {
				eff.MaxDuration = dur
			}
		}
	}
	if known > 0 {
		eff.AvgDuration = float64(total) / float64(known)
	}
	return eff, rows.Err()
}

// Storage reports row counts for the storage endpoint.
func (s *Store) Storage() (StorageInfo, error) {
	info := StorageInfo{Path: s.path}
	for _, q := range []struct {
		stmt string
		dst  *int
	}{
		{`SELECT COUNT(*) FROM raw_metrics`, &info.RawRows},
		{`SELECT COUNT(*) FROM hourly_metrics`, &info.HourlyRows},
		{`SELECT COUNT(*) FROM daily_metrics`, &info.DailyRows},
		{`SELECT COUNT(*) FROM completions`, &info.Completions},
	} {
		if err := s.db.QueryRow(q.stmt).Scan(q.dst); err != nil {
			return info, fmt.Errorf("history storage stats: %w", err)
		}
	}
	return info, nil
}
