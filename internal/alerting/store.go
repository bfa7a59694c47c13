package alerting

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/steveyegge/gtwatch/internal/model"
	"github.com/steveyegge/gtwatch/internal/util"
)

// Store persists alerting rules as a JSON array. Every mutation rewrites
// the file.
type Store struct {
	path string

	mu    sync.Mutex
	rules []model.Rule
}

// NewStore loads rules from path, seeding the defaults when the file does
// not exist yet.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		s.rules = defaultRules()
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("reading rules: %w", err)
	default:
		if err := json.Unmarshal(data, &s.rules); err != nil {
			return nil, fmt.Errorf("parsing rules: %w", err)
		}
	}
	return s, nil
}

func defaultRules() []model.Rule {
	return []model.Rule{
		{
			ID:      uuid.NewString(),
			Name:    "Agent entered error state",
			Enabled: true,
			Condition: model.Condition{
				Type: model.CondAgentStatus,
				Rig:  "*", Agent: "*", To: "error",
			},
			Actions: []model.Action{{Type: "log", Level: "error"}, {Type: "toast"}},
		},
		{
			ID:      uuid.NewString(),
			Name:    "Error burst",
			Enabled: true,
			Condition: model.Condition{
				Type: model.CondErrorCount,
				Rig:  "*", Agent: "*",
				Count: 10, WindowMs: 60_000,
			},
			Actions: []model.Action{{Type: "log", Level: "warn"}},
		},
		{
			ID:      uuid.NewString(),
			Name:    "Bead stuck in progress",
			Enabled: false,
			Condition: model.Condition{
				Type: model.CondBeadDuration,
				Rig:  "*", Status: "in_progress", DurationMs: 30 * 60 * 1000,
			},
			Actions: []model.Action{{Type: "log", Level: "warn"}, {Type: "toast"}},
		},
	}
}

// List returns a copy of all rules.
func (s *Store) List() []model.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Rule(nil), s.rules...)
}

// Get returns one rule by id.
func (s *Store) Get(id string) (model.Rule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rules {
		if r.ID == id {
			return r, true
		}
	}
	return model.Rule{}, false
}

// Create adds a rule, assigning an id if absent.
func (s *Store) Create(r model.Rule) (model.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.rules = append(s.rules, r)
	return r, s.saveLocked()
}

// Update replaces the rule with the same id.
func (s *Store) Update(r model.Rule) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rules {
		if s.rules[i].ID == r.ID {
			s.rules[i] = r
			return true, s.saveLocked()
		}
	}
	return false, nil
}

// Delete removes a rule by id.
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rules {
		if s.rules[i].ID == id {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			return true, s.saveLocked()
		}
	}
	return false, nil
}

// Toggle flips a rule's enabled flag.
func (s *Store) Toggle(id string) (model.Rule, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rules {
		if s.rules[i].ID == id {
			s.rules[i].Enabled = !s.rules[i].Enabled
			return s.rules[i], true, s.saveLocked()
		}
	}
	return model.Rule{}, false, nil
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.rules, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling rules: %w", err)
	}
	if err := util.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing rules: %w", err)
	}
	return nil
}
