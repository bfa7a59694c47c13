package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/steveyegge/gtwatch/internal/anomaly"
	"github.com/steveyegge/gtwatch/internal/model"
)

// routeAlerts serves the anomaly alert list and lifecycle transitions.
// rest is the path after /api/alerts.
func (s *Server) routeAlerts(w http.ResponseWriter, r *http.Request, rest string) {
	rest = strings.TrimPrefix(rest, "/")
	switch {
	case rest == "" && r.Method == http.MethodGet:
		s.respond(w, s.Detector.Active())
	case rest == "history" && r.Method == http.MethodGet:
		s.respond(w, s.Engine.History())
	case rest == "thresholds" && r.Method == http.MethodGet:
		s.respond(w, s.Detector.GetThresholds())
	case rest == "thresholds" && r.Method == http.MethodPut:
		var t anomaly.Thresholds
		if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
			http.Error(w, "invalid thresholds", http.StatusBadRequest)
			return
		}
		s.Detector.SetThresholds(t)
		s.respond(w, s.Detector.GetThresholds())
	default:
		s.routeAlertByID(w, r, rest)
	}
}

func (s *Server) routeAlertByID(w http.ResponseWriter, r *http.Request, rest string) {
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	var ok bool
	switch {
	case r.Method == http.MethodPost && action == "acknowledge":
		ok = s.Detector.Acknowledge(id)
	case r.Method == http.MethodPost && action == "resolve":
		ok = s.Detector.Resolve(id)
	case r.Method == http.MethodDelete && action == "":
		ok = s.Detector.Dismiss(id)
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if !ok {
		http.Error(w, "unknown alert", http.StatusNotFound)
		return
	}
	s.respond(w, map[string]string{"id": id, "status": "ok"})
}

// routeRules serves rule CRUD, toggling, dry-run testing, and stats.
// rest is the path after /api/rules.
func (s *Server) routeRules(w http.ResponseWriter, r *http.Request, rest string) {
	rest = strings.TrimPrefix(rest, "/")
	store := s.Engine.Store()

	if rest == "" {
		switch r.Method {
		case http.MethodGet:
			s.respond(w, store.List())
		case http.MethodPost:
			var rule model.Rule
			if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
				http.Error(w, "invalid rule", http.StatusBadRequest)
				return
			}
			created, err := store.Create(rule)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			s.respond(w, created)
		case http.MethodPut:
			var rule model.Rule
			if err := json.NewDecoder(r.Body).Decode(&rule); err != nil || rule.ID == "" {
				http.Error(w, "invalid rule", http.StatusBadRequest)
				return
			}
			found, err := store.Update(rule)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !found {
				http.Error(w, "unknown rule", http.StatusNotFound)
				return
			}
			s.respond(w, rule)
		case http.MethodDelete:
			id := r.URL.Query().Get("id")
			s.deleteRule(w, id)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	if rest == "test" && r.Method == http.MethodPost {
		var req struct {
			Rule  model.Rule   `json:"rule"`
			Event *model.Event `json:"event,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		s.respond(w, map[string]bool{"matched": s.Engine.TestRule(req.Rule, req.Event)})
		return
	}

	id, action, _ := strings.Cut(rest, "/")
	switch {
	case r.Method == http.MethodPost && action == "toggle":
		rule, found, err := store.Toggle(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !found {
			http.Error(w, "unknown rule", http.StatusNotFound)
			return
		}
		s.respond(w, rule)
	case r.Method == http.MethodGet && action == "stats":
		s.respond(w, s.Engine.Stats(id))
	case r.Method == http.MethodDelete && action == "":
		s.deleteRule(w, id)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) deleteRule(w http.ResponseWriter, id string) {
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	found, err := s.Engine.Store().Delete(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "unknown rule", http.StatusNotFound)
		return
	}
	s.respond(w, map[string]string{"id": id, "status": "deleted"})
}
