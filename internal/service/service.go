// Package service wires the full watcher together: singleton lock, state
// restore, the poller/watcher/analyzer pipeline, the HTTP and push server,
// and ordered shutdown.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gofrs/flock"

	"github.com/steveyegge/gtwatch/internal/alerting"
	"github.com/steveyegge/gtwatch/internal/anomaly"
	"github.com/steveyegge/gtwatch/internal/bus"
	"github.com/steveyegge/gtwatch/internal/config"
	"github.com/steveyegge/gtwatch/internal/forecast"
	"github.com/steveyegge/gtwatch/internal/gtcmd"
	"github.com/steveyegge/gtwatch/internal/health"
	"github.com/steveyegge/gtwatch/internal/history"
	"github.com/steveyegge/gtwatch/internal/metrics"
	"github.com/steveyegge/gtwatch/internal/model"
	"github.com/steveyegge/gtwatch/internal/patterns"
	"github.com/steveyegge/gtwatch/internal/poller"
	"github.com/steveyegge/gtwatch/internal/server"
	"github.com/steveyegge/gtwatch/internal/state"
	"github.com/steveyegge/gtwatch/internal/timeline"
	"github.com/steveyegge/gtwatch/internal/watcher"
)

const (
	// snapshotInterval is the cadence of full-state timeline snapshots.
	snapshotInterval = 5 * time.Minute

	// shutdownGrace bounds each stop step during teardown.
	shutdownGrace = time.Second
)

// Service owns every long-lived component and their start/stop ordering.
type Service struct {
	cfg    config.Config
	logger *slog.Logger

	lock       *flock.Flock
	bus        *bus.Bus
	state      *state.Manager
	collector  *metrics.Collector
	health     *health.Calculator
	detector   *anomaly.Detector
	analyzer   *patterns.Analyzer
	engine     *alerting.Engine
	forecaster *forecast.Forecaster
	history    *history.Store
	timeline   *timeline.Buffer
	poller     *poller.Poller
	files      *watcher.FileWatcher
	logs       *watcher.LogsWatcher
	server     *server.Server

	unsubscribe []func()
	snapStop    chan struct{}
	snapDone    chan struct{}

	filesUp bool
	logsUp  bool
}

// New assembles the service. Nothing is started and no lock is taken yet;
// Run does both.
func New(cfg config.Config, logger *slog.Logger) (*Service, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	b := bus.New(logger)
	st := state.NewManager(b, logger)
	collector := metrics.New(0, 0)

	rules, err := alerting.NewStore(cfg.RulesPath())
	if err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}
	hist, err := history.Open(cfg.HistoryPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}

	s := &Service{
		cfg:        cfg,
		logger:     logger,
		lock:       flock.New(cfg.LockPath()),
		bus:        b,
		state:      st,
		collector:  collector,
		health:     health.NewCalculator(0),
		detector:   anomaly.New(b, 0),
		analyzer:   patterns.New(b, 0, 0, 0),
		engine:     alerting.NewEngine(b, st, rules, logger),
		forecaster: forecast.New(b, st, 0),
		history:    hist,
		timeline:   timeline.New(0, 0),
		snapStop:   make(chan struct{}),
		snapDone:   make(chan struct{}),
	}
	runner := gtcmd.New()
	s.poller = poller.New(runner, st, collector, cfg.GTDir, cfg.PollInterval, logger)
	s.files = watcher.NewFileWatcher(cfg.GTDir, st, logger)
	s.logs = watcher.NewLogsWatcher(cfg.GTDir, st, logger)
	s.server = server.New(server.Deps{
		State:             st,
		Bus:               b,
		Collector:         collector,
		Health:            s.health,
		Detector:          s.detector,
		Engine:            s.engine,
		Forecaster:        s.forecaster,
		History:           hist,
		Timeline:          s.timeline,
		Poller:            s.poller,
		Logger:            logger,
		Runner:            runner,
		GTDir:             cfg.GTDir,
		BroadcastInterval: cfg.MetricsBroadcastInterval,
	})
	return s, nil
}

// Run takes the singleton lock, restores persisted state, starts every
// component, and blocks until ctx is cancelled. Teardown runs in reverse
// start order before Run returns.
func (s *Service) Run(ctx context.Context) error {
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock %s: %w", s.cfg.LockPath(), err)
	}
	if !locked {
		return fmt.Errorf("another instance holds %s", s.cfg.LockPath())
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("releasing lock", "error", err)
		}
	}()

	if err := s.state.Load(s.cfg.StatePath()); err != nil {
		s.logger.Warn("state restore failed, starting fresh", "error", err)
	}

	s.subscribe()

	s.history.Start(ctx)
	s.collector.Start(ctx)
	s.detector.Start(ctx)
	s.forecaster.Start(ctx)
	s.poller.Start(ctx)
	if err := s.files.Start(ctx); err != nil {
		s.logger.Warn("file watcher unavailable", "error", err)
	} else {
		s.filesUp = true
	}
	if err := s.logs.Start(ctx); err != nil {
		s.logger.Warn("log watcher unavailable", "error", err)
	} else {
		s.logsUp = true
	}
	go s.snapshotLoop()

	if err := s.server.Listen(ctx, s.cfg.Port); err != nil {
		s.stop()
		return err
	}
	s.logger.Info("gtwatch up",
		"port", s.cfg.Port,
		"gt_dir", s.cfg.GTDir,
		"poll_interval", s.cfg.PollInterval)

	<-ctx.Done()
	s.logger.Info("shutting down")
	s.shutdownServer()
	s.stop()
	return nil
}

// subscribe wires the bus topics into the analyzers, the alerting engine,
// the timeline, and the historical store.
func (s *Service) subscribe() {
	s.unsubscribe = append(s.unsubscribe,
		s.bus.Subscribe(bus.TopicUpdate, s.onUpdate),
		s.bus.Subscribe(bus.TopicEvent, s.onEvent),
		s.bus.Subscribe(bus.TopicMetrics, s.onMetrics),
	)
}

func (s *Service) onUpdate(msg bus.Message) {
	payload, ok := msg.Payload.(state.UpdatePayload)
	if !ok {
		return
	}
	s.detector.ObserveUpdate()
	s.engine.HandleUpdate()

	if payload.Kind == "hooks" {
		s.timeline.Add(model.Event{
			Type:      timeline.TypeHooksUpdated,
			Timestamp: msg.Timestamp,
			Rig:       payload.Rig,
			Data:      map[string]any{"hooks": s.state.Hooks()},
		})
	}
	for _, ch := range payload.Changes {
		s.detector.ProcessAgentStatusChange(ch.Key, ch.To, ch.From)
	}
	for _, c := range payload.Completions {
		if err := s.history.RecordAgentCompletion(c.AgentKey, c.Completion); err != nil {
			s.logger.Warn("recording completion", "agent", c.AgentKey, "error", err)
		}
	}
}

func (s *Service) onEvent(msg bus.Message) {
	ev, ok := msg.Payload.(model.Event)
	if !ok {
		return
	}
	s.collector.RecordEvent()
	s.timeline.Add(ev)
	if ev.Type == "log" {
		if entry, ok := ev.Data["log"].(model.LogEntry); ok {
			s.analyzer.Process(entry)
			s.detector.ProcessLog(entry)
			if entry.Level == model.LevelError {
				s.collector.RecordAgentError(entry.Rig, entry.Agent)
			}
		}
	}
	s.engine.HandleEvent(ev)
}

func (s *Service) onMetrics(msg bus.Message) {
	m, ok := msg.Payload.(model.MetricsSnapshot)
	if !ok {
		return
	}
	s.detector.EvaluateMetrics(m)
	s.engine.HandleMetrics(m)
	s.forecaster.Observe(m.AgentActivity)

	sample := history.Sample{Timestamp: msg.Timestamp, Activity: m.AgentActivity}
	if n := len(m.PollDurations); n > 0 {
		sample.PollDurationMs = m.PollDurations[n-1]
	}
	if n := len(m.EventVolume); n > 0 {
		sample.EventVolume = m.EventVolume[n-1]
	}
	if err := s.history.RecordMetrics(sample); err != nil {
		s.logger.Warn("recording metrics sample", "error", err)
	}
}

// snapshotLoop seeds the timeline with a full-state snapshot at startup and
// refreshes it periodically so replay always has a base to fold from.
func (s *Service) snapshotLoop() {
	defer close(s.snapDone)
	s.addSnapshot()
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.addSnapshot()
		case <-s.snapStop:
			return
		}
	}
}

func (s *Service) addSnapshot() {
	s.timeline.Add(model.Event{
		Type: timeline.TypeSnapshot,
		Data: map[string]any{"snapshot": s.state.Snapshot()},
	})
}

func (s *Service) shutdownServer() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	s.server.Shutdown(ctx)
}

// stop tears down in reverse start order. Every component's Stop is
// idempotent, so a partially started service shuts down the same way.
func (s *Service) stop() {
	close(s.snapStop)
	<-s.snapDone
	if s.logsUp {
		s.logs.Stop()
	}
	if s.filesUp {
		s.files.Stop()
	}
	s.poller.Stop()
	s.forecaster.Stop()
	s.detector.Stop()
	s.collector.Stop()

	for _, unsub := range s.unsubscribe {
		unsub()
	}

	s.history.Flush()
	s.history.Stop()
	if err := s.history.Close(); err != nil {
		s.logger.Warn("closing history", "error", err)
	}
	if err := s.state.Save(s.cfg.StatePath()); err != nil {
		s.logger.Error("persisting state", "error", err)
	} else {
		s.logger.Info("state persisted", "path", s.cfg.StatePath())
	}
	s.bus.Close()
}
