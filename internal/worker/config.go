package worker

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"relaybot/internal/backend"
	"relaybot/internal/rules"
	"relaybot/internal/store"
	logx "relaybot/pkg/logx"
)

// ModelDisabled is the sentinel that turns off the AI fallback: the worker
// then replies from rules only.
const ModelDisabled = "disabled"

// AIClient generates a reply when no rule matched. Synchronous; the worker
// calls it inside its processing mutex.
type AIClient interface {
	Complete(ctx context.Context, persona, message string) (string, error)
}

// Config is immutable once the worker is constructed.
type Config struct {
	Backend    backend.Backend
	Dispatcher *backend.Dispatcher
	Rules      *rules.Engine
	AI         AIClient
	History    store.HistorySink
	Log        logx.Logger

	// Contacts holds one or more listener targets separated by ";" (ASCII
	// or full-width).
	Contacts string

	// Model tags the worker's purpose and names the AI model; ModelDisabled
	// keeps the worker rules-only.
	Model   string
	Persona string

	OnlyWhenMentioned bool
	MentionBack       bool
	ReplyDelay        time.Duration
	MinReplyInterval  time.Duration

	// GroupWatch selects the log-only variant: record every accepted
	// message, run extraction rules, flag sensitive words. Never replies.
	GroupWatch      bool
	SensitiveWords  []string
	ExtractPatterns []string
	DataDir         string
}

func (c Config) validate() error {
	if c.Backend == nil {
		return errors.New("worker: backend is required")
	}
	if len(splitContacts(c.Contacts)) == 0 {
		return errors.New("worker: at least one contact is required")
	}
	if !c.GroupWatch && c.Dispatcher == nil {
		return errors.New("worker: dispatcher is required for a replying worker")
	}
	return nil
}

// splitContacts splits the contact list on ";" (full-width accepted), trims,
// and drops empties.
func splitContacts(raw string) []string {
	raw = strings.ReplaceAll(raw, "；", ";")
	parts := strings.Split(raw, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// compileExtractors compiles extraction patterns, logging and skipping the
// malformed ones.
func compileExtractors(patterns []string, log logx.Logger) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			log.Error("invalid extraction pattern", logx.String("pattern", p), logx.Err(err))
			continue
		}
		out = append(out, re)
	}
	return out
}
