package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"relaybot/internal/model"
	logx "relaybot/pkg/logx"
)

// rulesFile mirrors the persisted settings document; only the custom reply
// rules matter here.
type rulesFile struct {
	Settings struct {
		CustomRules []model.Rule `json:"customRules"`
	} `json:"settings"`
}

// RuleStore loads the ordered reply-rule list. Workers keep their own
// snapshot and re-read on a timer, so this type stays a dumb reader.
type RuleStore struct {
	path string
	log  logx.Logger

	mu sync.Mutex
}

func NewRuleStore(dir string, log logx.Logger) *RuleStore {
	return &RuleStore{path: filepath.Join(dir, "rules.json"), log: log}
}

// Load returns the current rule list in file order. A missing file is an
// empty list; a corrupt file logs and returns empty rather than failing the
// owning worker.
func (s *RuleStore) Load() []model.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("rule store read failed", logx.String("path", s.path), logx.Err(err))
		}
		return nil
	}
	var f rulesFile
	if err := json.Unmarshal(b, &f); err != nil {
		s.log.Error("rule store parse failed", logx.String("path", s.path), logx.Err(err))
		return nil
	}
	return f.Settings.CustomRules
}

// Save replaces the rule list. Used by the control surface only.
func (s *RuleStore) Save(rules []model.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var f rulesFile
	f.Settings.CustomRules = rules
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
