package server

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/steveyegge/gtwatch/internal/gtcmd"
	"github.com/steveyegge/gtwatch/internal/model"
)

func TestBeadDetailFromCache(t *testing.T) {
	env := newTestEnv(t)
	env.st.UpdateBeads("alpha", []model.Bead{
		{ID: "gt-7", Title: "Fix pump", Status: model.BeadInProgress},
	})

	var bead model.Bead
	getJSON(t, env.ts.URL+"/api/beads/alpha/gt-7", &bead)
	if bead.Title != "Fix pump" || bead.Rig != "alpha" {
		t.Errorf("bead = %+v", bead)
	}

	resp, err := http.Get(env.ts.URL + "/api/beads/alpha/ghost")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown bead = %d", resp.StatusCode)
	}
}

func TestBeadDetailEnrichedByShow(t *testing.T) {
	env := newTestEnv(t)

	bin := t.TempDir()
	script := filepath.Join(bin, "bd")
	body := `#!/bin/sh
echo '{"id":"gt-7","title":"Fix pump","status":"in_progress","description":"Pump loses pressure under load"}'
`
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	env.srv.Runner = gtcmd.NewWithPaths("", script)
	env.srv.GTDir = t.TempDir()
	if err := os.MkdirAll(filepath.Join(env.srv.GTDir, "alpha"), 0o755); err != nil {
		t.Fatal(err)
	}

	env.st.UpdateBeads("alpha", []model.Bead{
		{ID: "gt-7", Title: "Fix pump", Status: model.BeadInProgress},
	})

	var bead model.Bead
	getJSON(t, env.ts.URL+"/api/beads/alpha/gt-7", &bead)
	if bead.Description != "Pump loses pressure under load" {
		t.Errorf("description = %q", bead.Description)
	}
	if bead.Title != "Fix pump" || bead.Rig != "alpha" {
		t.Errorf("bead = %+v", bead)
	}
}
