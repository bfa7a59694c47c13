package server

import (
	"encoding/csv"
	"net/http"
	"strings"

	"github.com/steveyegge/gtwatch/internal/model"
)

// exportColumns is the fixed CSV header for the event export.
var exportColumns = []string{
	"timestamp", "type", "source", "from", "to", "subject", "message", "action", "preview",
}

// handleEventsExport serves the recorded event stream filtered by rig,
// type, and free-text search, as JSON or CSV.
func (s *Server) handleEventsExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rig := q.Get("rig")
	typ := q.Get("type")
	search := strings.ToLower(q.Get("search"))

	var events []model.Event
	for _, ev := range s.State.Events() {
		if rig != "" && ev.Rig != rig {
			continue
		}
		if typ != "" && ev.Type != typ {
			continue
		}
		if search != "" && !matchesSearch(ev, search) {
			continue
		}
		events = append(events, ev)
	}

	if q.Get("format") != "csv" {
		s.respond(w, events)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="events.csv"`)
	cw := csv.NewWriter(w)
	_ = cw.Write(exportColumns)
	for _, ev := range events {
		_ = cw.Write(exportRow(ev))
	}
	cw.Flush()
}

func matchesSearch(ev model.Event, search string) bool {
	if strings.Contains(strings.ToLower(ev.Message), search) ||
		strings.Contains(strings.ToLower(ev.Type), search) {
		return true
	}
	for _, key := range []string{"content", "action", "subject"} {
		if v, ok := ev.Data[key].(string); ok && strings.Contains(strings.ToLower(v), search) {
			return true
		}
	}
	return false
}

// exportRow flattens an event into the export columns. Mail events carry
// their sender, recipient, and preview; bead transitions fill from/to.
func exportRow(ev model.Event) []string {
	source := ev.Rig
	if ev.Agent != "" {
		source = ev.Rig + "/" + ev.Agent
	}
	row := map[string]string{
		"timestamp": ev.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		"type":      ev.Type,
		"source":    source,
		"message":   ev.Message,
	}
	for _, key := range []string{"from", "to", "subject", "action", "preview"} {
		if v, ok := ev.Data[key].(string); ok {
			row[key] = v
		}
	}
	switch mail := ev.Data["mail"].(type) {
	case model.Mail:
		row["from"] = mail.From
		row["to"] = mail.To
		row["preview"] = mail.Preview
	case map[string]any:
		// Reloaded snapshots carry mail as decoded JSON.
		for col, key := range map[string]string{"from": "from", "to": "to", "preview": "preview"} {
			if v, ok := mail[key].(string); ok {
				row[col] = v
			}
		}
	}

	out := make([]string, len(exportColumns))
	for i, col := range exportColumns {
		out[i] = row[col]
	}
	return out
}
