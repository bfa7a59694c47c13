// Package server exposes the watcher over HTTP and the push channel: a
// JSON read API for snapshots, metrics, alerts, rules, and timeline
// queries, plus a fan-out hub broadcasting bus publications to connected
// clients.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/steveyegge/gtwatch/internal/alerting"
	"github.com/steveyegge/gtwatch/internal/anomaly"
	"github.com/steveyegge/gtwatch/internal/bus"
	"github.com/steveyegge/gtwatch/internal/forecast"
	"github.com/steveyegge/gtwatch/internal/gtcmd"
	"github.com/steveyegge/gtwatch/internal/health"
	"github.com/steveyegge/gtwatch/internal/history"
	"github.com/steveyegge/gtwatch/internal/metrics"
	"github.com/steveyegge/gtwatch/internal/model"
	"github.com/steveyegge/gtwatch/internal/state"
	"github.com/steveyegge/gtwatch/internal/timeline"
)

// DefaultBroadcastInterval is the push-channel metrics cadence.
const DefaultBroadcastInterval = 5 * time.Second

// Pollable schedules an immediate ingestion cycle.
type Pollable interface {
	RequestPoll()
}

// Deps carries the subsystems the server reads from.
type Deps struct {
	State      *state.Manager
	Bus        *bus.Bus
	Collector  *metrics.Collector
	Health     *health.Calculator
	Detector   *anomaly.Detector
	Engine     *alerting.Engine
	Forecaster *forecast.Forecaster
	History    *history.Store
	Timeline   *timeline.Buffer
	Poller     Pollable
	Logger     *slog.Logger

	// Runner and GTDir enable live `bd show` enrichment on the bead
	// detail endpoint; with a nil Runner the cached record is served.
	Runner *gtcmd.Runner
	GTDir  string

	// BroadcastInterval overrides the metrics frame cadence.
	BroadcastInterval time.Duration
}

// Server is the HTTP and push-channel front end.
type Server struct {
	Deps
	hub  *Hub
	http *http.Server

	stop chan struct{}
	done chan struct{}
}

// New wires a server over deps.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.BroadcastInterval <= 0 {
		deps.BroadcastInterval = DefaultBroadcastInterval
	}
	s := &Server{
		Deps: deps,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	s.hub = NewHub(deps.Collector, deps.Logger, s.initialFrame, s.handleClientMessage)
	return s
}

// Hub exposes the push-channel hub, for shutdown sequencing.
func (s *Server) Hub() *Hub { return s.hub }

// Listen binds the listener and starts serving. A bind failure is a
// startup failure and is returned to the caller.
func (s *Server) Listen(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	s.http = &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.Logger.Error("http server stopped", "error", err)
		}
	}()
	s.Start(ctx)
	s.Logger.Info("listening", "addr", addr)
	return nil
}

// Start launches the broadcast and bus-forwarding loops without binding a
// listener; Listen calls it after the bind succeeds.
func (s *Server) Start(ctx context.Context) {
	go s.broadcastLoop(ctx)
	go s.forwardLoop(ctx)
}

// Shutdown closes the listener, tells every client the service is going
// away, and stops the broadcast loops.
func (s *Server) Shutdown(ctx context.Context) {
	close(s.stop)
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			s.Logger.Warn("http shutdown", "error", err)
		}
	}
	s.hub.Shutdown()
	<-s.done
}

// broadcastLoop pushes a metrics frame on every tick, piggy-backing the
// health score and its rolling history.
func (s *Server) broadcastLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.BroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			m, ok := s.State.Metrics()
			if !ok {
				m = s.Collector.Snapshot()
			}
			score := s.Health.Compute(m)
			s.hub.Broadcast("metrics", map[string]any{
				"metrics":       m,
				"health":        score,
				"healthHistory": s.Health.History(),
			})
		}
	}
}

// forwardLoop relays bus publications to the push channel. Only frame
// types clients understand are forwarded.
func (s *Server) forwardLoop(ctx context.Context) {
	ch, cancel := s.Bus.Channel(256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			switch msg.Topic {
			case bus.TopicEvent:
				s.hub.Broadcast("event", msg.Payload)
			case bus.TopicError:
				s.hub.Broadcast("error", msg.Payload)
			case bus.TopicAlert:
				s.hub.Broadcast("alert", msg.Payload)
			case bus.TopicAlertUpdated:
				s.hub.Broadcast("alertUpdated", msg.Payload)
			case bus.TopicAlertDismissed:
				s.hub.Broadcast("alertDismissed", msg.Payload)
			case bus.TopicErrorPatterns:
				s.hub.Broadcast("errorPatterns", msg.Payload)
			}
		}
	}
}

// initialFrame is the mandatory first frame for a new client.
func (s *Server) initialFrame() ([]byte, error) {
	return json.Marshal(frame{Type: "state", Data: s.State.Snapshot()})
}

// clientCommand is the advisory inbound message shape. Unknown types are
// ignored.
type clientCommand struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp,omitempty"`
}

// handleClientMessage interprets advisory client commands, replying on the
// sending client only.
func (s *Server) handleClientMessage(c *Client, raw []byte) {
	var cmd clientCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return
	}
	switch cmd.Type {
	case "requestPoll", "poll":
		if s.Poller != nil {
			s.Poller.RequestPoll()
		}
	case "timeline:state":
		t, err := parseTimeParam(cmd.Timestamp)
		if err != nil {
			return
		}
		s.hub.SendTo(c, "timeline:state", s.Timeline.StateAtTime(t))
	case "timeline:bounds":
		s.hub.SendTo(c, "timeline:bounds", s.Timeline.TimelineBounds())
	}
}

// ServeHTTP routes API and push-channel requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.URL.Path == "/ws" {
		s.hub.HandleWS(w, r)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api")
	switch {
	case path == "/state" && r.Method == http.MethodGet:
		s.handleState(w)
	case path == "/rigs" && r.Method == http.MethodGet:
		s.handleRigs(w)
	case path == "/hooks" && r.Method == http.MethodGet:
		s.respond(w, s.State.Hooks())
	case path == "/health" && r.Method == http.MethodGet:
		s.handleHealth(w)
	case path == "/forecast" && r.Method == http.MethodGet:
		s.handleForecast(w)
	case path == "/poll" && r.Method == http.MethodPost:
		s.handlePoll(w)
	case path == "/events/export" && r.Method == http.MethodGet:
		s.handleEventsExport(w, r)
	case strings.HasPrefix(path, "/beads/") && r.Method == http.MethodGet:
		s.handleBeadDetail(w, r, strings.TrimPrefix(path, "/beads/"))
	case strings.HasPrefix(path, "/alerts"):
		s.routeAlerts(w, r, strings.TrimPrefix(path, "/alerts"))
	case strings.HasPrefix(path, "/rules"):
		s.routeRules(w, r, strings.TrimPrefix(path, "/rules"))
	case strings.HasPrefix(path, "/metrics/"):
		s.routeMetrics(w, r, strings.TrimPrefix(path, "/metrics/"))
	case strings.HasPrefix(path, "/timeline"):
		s.routeTimeline(w, r, strings.TrimPrefix(path, "/timeline"))
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// stateResponse is the snapshot plus the latest collector view.
type stateResponse struct {
	model.Snapshot
	Metrics *model.MetricsSnapshot `json:"metrics,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter) {
	resp := stateResponse{Snapshot: s.State.Snapshot()}
	if m, ok := s.State.Metrics(); ok {
		resp.Metrics = &m
	}
	s.respond(w, resp)
}

func (s *Server) handleRigs(w http.ResponseWriter) {
	rigs := s.State.Rigs()
	names := make([]string, 0, len(rigs))
	for name := range rigs {
		names = append(names, name)
	}
	sort.Strings(names)
	s.respond(w, names)
}

func (s *Server) handleHealth(w http.ResponseWriter) {
	score, ok := s.Health.Latest()
	if !ok {
		if m, have := s.State.Metrics(); have {
			score = s.Health.Compute(m)
		} else {
			score = s.Health.Compute(s.Collector.Snapshot())
		}
	}
	s.respond(w, map[string]any{
		"health":  score,
		"history": s.Health.History(),
	})
}

func (s *Server) handleForecast(w http.ResponseWriter) {
	fc, ok := s.Forecaster.Latest()
	if !ok {
		fc = s.Forecaster.Compute()
	}
	s.respond(w, fc)
}

func (s *Server) handlePoll(w http.ResponseWriter) {
	if s.Poller != nil {
		s.Poller.RequestPoll()
	}
	w.WriteHeader(http.StatusAccepted)
	s.respond(w, map[string]string{"status": "scheduled"})
}

func (s *Server) routeTimeline(w http.ResponseWriter, r *http.Request, rest string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch {
	case rest == "" || rest == "/":
		s.respond(w, map[string]any{
			"bounds":  s.Timeline.TimelineBounds(),
			"markers": s.Timeline.Markers(),
			"stats":   s.Timeline.Stats(),
		})
	case strings.HasPrefix(rest, "/state/"):
		t, err := parseTimeParam(strings.TrimPrefix(rest, "/state/"))
		if err != nil {
			http.Error(w, "bad timestamp", http.StatusBadRequest)
			return
		}
		s.respond(w, s.Timeline.StateAtTime(t))
	case rest == "/events":
		start, end, err := timeRange(r, time.Hour)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.respond(w, s.Timeline.EventsBetween(start, end))
	case rest == "/events/all":
		s.respond(w, s.Timeline.All())
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) respond(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Debug("response encode failed", "error", err)
	}
}

// parseTimeParam accepts RFC3339 or epoch milliseconds.
func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q", v)
	}
	return time.UnixMilli(ms), nil
}

// timeRange reads start/end query params, defaulting to the trailing span.
func timeRange(r *http.Request, span time.Duration) (start, end time.Time, err error) {
	end = time.Now()
	start = end.Add(-span)
	if v := r.URL.Query().Get("start"); v != "" {
		if start, err = parseTimeParam(v); err != nil {
			return
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		if end, err = parseTimeParam(v); err != nil {
			return
		}
	}
	return
}
