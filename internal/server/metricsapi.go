package server

import (
	"net/http"
	"time"
)

// routeMetrics serves the historical store. rest is the path after
// /api/metrics/.
func (s *Server) routeMetrics(w http.ResponseWriter, r *http.Request, rest string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch rest {
	case "history":
		start, end, err := timeRange(r, time.Hour)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		interval := r.URL.Query().Get("interval")
		if interval == "" {
			interval = "auto"
		}
		points, err := s.History.QueryRange(start, end, interval)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.respond(w, points)
	case "summary":
		start, end, err := timeRange(r, 24*time.Hour)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		summary, err := s.History.GetSummary(start, end)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.respond(w, summary)
	case "agents":
		start, end, err := timeRange(r, 24*time.Hour)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		agent := r.URL.Query().Get("agent")
		eff, err := s.History.GetAgentEfficiency(agent, start, end)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.respond(w, eff)
	case "storage":
		info, err := s.History.Storage()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.respond(w, info)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}
