package server

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/steveyegge/gtwatch/internal/gtcmd"
	"github.com/steveyegge/gtwatch/internal/model"
	"github.com/steveyegge/gtwatch/internal/parse"
)

// handleBeadDetail serves one bead by rig and id: the cached record from
// the last poll, enriched with description and dependencies from a live
// `bd show` when a runner is configured. rest is "<rig>/<id>".
func (s *Server) handleBeadDetail(w http.ResponseWriter, r *http.Request, rest string) {
	rig, id, ok := strings.Cut(rest, "/")
	if !ok || !gtcmd.ValidIdentifier(rig) || !gtcmd.ValidIdentifier(id) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	bead, cached := s.State.FindBead(rig, id)
	detail := s.fetchBeadDetail(r, rig, id)
	if !cached && detail == nil {
		http.Error(w, "unknown bead", http.StatusNotFound)
		return
	}
	if detail != nil {
		bead = mergeBeadDetail(bead, *detail)
	}
	bead.Rig = rig
	s.respond(w, bead)
}

// fetchBeadDetail asks bd for the full record. Any failure degrades to the
// cached view.
func (s *Server) fetchBeadDetail(r *http.Request, rig, id string) *model.Bead {
	if s.Runner == nil {
		return nil
	}
	dir := filepath.Join(s.GTDir, rig)
	out, err := s.Runner.BdInDir(r.Context(), dir, gtcmd.DefaultTimeout, "show", id, "--json")
	if err != nil {
		s.Logger.Debug("bead detail fetch failed", "rig", rig, "bead", id, "error", err)
		return nil
	}
	return parse.ParseBeadDetails(out)
}

// mergeBeadDetail overlays non-empty detail fields onto the cached bead.
func mergeBeadDetail(base, detail model.Bead) model.Bead {
	if base.ID == "" {
		base = detail
		return base
	}
	if detail.Title != "" {
		base.Title = detail.Title
	}
	if detail.Status != "" {
		base.Status = detail.Status
	}
	if detail.Priority != "" {
		base.Priority = detail.Priority
	}
	if detail.Type != "" {
		base.Type = detail.Type
	}
	if detail.Owner != "" {
		base.Owner = detail.Owner
	}
	if detail.Assignee != "" {
		base.Assignee = detail.Assignee
	}
	if detail.Description != "" {
		base.Description = detail.Description
	}
	if len(detail.DependsOn) > 0 {
		base.DependsOn = detail.DependsOn
	}
	return base
}
