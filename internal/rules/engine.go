// Package rules matches inbound message text against the configured reply
// rules.
package rules

import (
	"regexp"
	"slices"
	"strings"
	"sync"

	"relaybot/internal/model"
	logx "relaybot/pkg/logx"
)

// Source abstracts the rule store so tests can feed rules directly.
type Source interface {
	Load() []model.Rule
}

// Engine holds an ordered snapshot of reply rules. Apply is first-match-wins
// in snapshot order; ReloadIfChanged swaps the snapshot only when the store
// content actually differs, so the periodic hot-reload stays quiet.
type Engine struct {
	src Source
	log logx.Logger

	mu    sync.RWMutex
	rules []model.Rule
}

func NewEngine(src Source, log logx.Logger) *Engine {
	e := &Engine{src: src, log: log}
	if src != nil {
		e.rules = src.Load()
	}
	return e
}

// Apply returns the first matching rule's reply for text, trimmed for the
// equals comparison. A malformed regex logs and is skipped, never fatal.
func (e *Engine) Apply(text string) (reply string, matched bool) {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	msg := strings.TrimSpace(text)
	for _, r := range rules {
		keyword := strings.TrimSpace(r.Keyword)
		if keyword == "" {
			continue
		}
		switch r.MatchType {
		case model.MatchEquals:
			if msg == keyword {
				return r.Reply, true
			}
		case model.MatchContains:
			if strings.Contains(msg, keyword) {
				return r.Reply, true
			}
		case model.MatchRegex:
			re, err := regexp.Compile(keyword)
			if err != nil {
				e.log.Error("invalid rule regex", logx.String("pattern", keyword), logx.Err(err))
				continue
			}
			if re.MatchString(msg) {
				return r.Reply, true
			}
		}
	}
	return "", false
}

// ReloadIfChanged re-reads the source and reports whether the snapshot
// changed. Equal content (by value) is not a change.
func (e *Engine) ReloadIfChanged() bool {
	if e.src == nil {
		return false
	}
	fresh := e.src.Load()

	e.mu.Lock()
	defer e.mu.Unlock()
	if slices.Equal(fresh, e.rules) {
		return false
	}
	e.rules = fresh
	e.log.Info("reply rules reloaded", logx.Int("count", len(fresh)))
	return true
}

// Snapshot returns the current rule list for status surfaces.
func (e *Engine) Snapshot() []model.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.rules)
}
