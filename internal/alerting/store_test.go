package alerting

import (
	"path/filepath"
	"testing"

	"github.com/steveyegge/gtwatch/internal/model"
)

func TestStoreSeedsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	s, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.List()) == 0 {
		t.Fatal("no default rules seeded")
	}

	// A second store on the same path loads the file, not the seeds.
	s2, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(s2.List()) != len(s.List()) {
		t.Errorf("reloaded %d rules, seeded %d", len(s2.List()), len(s.List()))
	}
}

func TestStoreCRUD(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	s, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	seeded := len(s.List())

	r, err := s.Create(model.Rule{Name: "mine", Enabled: true,
		Condition: model.Condition{Type: model.CondAgentStatus, To: "stopped"}})
	if err != nil {
		t.Fatal(err)
	}
	if r.ID == "" {
		t.Fatal("no id assigned")
	}

	r.Name = "renamed"
	if ok, err := s.Update(r); err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}
	got, ok := s.Get(r.ID)
	if !ok || got.Name != "renamed" {
		t.Errorf("get = %+v", got)
	}

	toggled, ok, err := s.Toggle(r.ID)
	if err != nil || !ok || toggled.Enabled {
		t.Errorf("toggle: %+v ok=%v err=%v", toggled, ok, err)
	}

	// Mutations persist across reload.
	s2, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	got, ok = s2.Get(r.ID)
	if !ok || got.Name != "renamed" || got.Enabled {
		t.Errorf("reloaded rule = %+v", got)
	}

	if ok, err := s.Delete(r.ID); err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	if len(s.List()) != seeded {
		t.Errorf("rules = %d, want %d after delete", len(s.List()), seeded)
	}

	if ok, _ := s.Update(model.Rule{ID: "ghost"}); ok {
		t.Error("updated a missing rule")
	}
	if ok, _ := s.Delete("ghost"); ok {
		t.Error("deleted a missing rule")
	}
}
