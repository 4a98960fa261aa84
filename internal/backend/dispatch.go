package backend

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
)

// Quota gates every outbound send. Check reports whether a send may proceed;
// Commit records one sent message after a confirmed success.
type Quota interface {
	Check() error
	Commit()
}

// ErrQuotaExhausted is returned by Quota implementations when the daily
// budget is spent.
var ErrQuotaExhausted = errors.New("message quota exhausted")

const stickerPrefix = "sticker:"

// Dispatcher interprets message content and performs the quota-gated send.
//
// Content forms, probed in order:
//   - quoted text ('...' or "...") is unwrapped once before the path probe
//   - an existing file path is sent as a file
//   - "sticker:1,3,5" sends one of the listed sticker indices (1-based),
//     chosen at random
//   - anything else is sent as plain text
type Dispatcher struct {
	Backend Backend
	Quota   Quota
}

// Send delivers content to a recipient. The quota is checked before the send
// and committed only after the backend confirms success, so a failed send
// never consumes budget.
func (d *Dispatcher) Send(ctx context.Context, to, content string) error {
	if d.Backend == nil {
		return errors.New("dispatcher: backend not configured")
	}
	if !d.Backend.Online() {
		return errors.New("backend offline")
	}

	probe := unquote(strings.TrimSpace(content))

	var send func() error
	switch {
	case fileExists(probe):
		send = func() error { return d.Backend.SendFile(ctx, to, probe) }
	case strings.HasPrefix(probe, stickerPrefix):
		idx, err := pickStickerIndex(probe)
		if err != nil {
			return err
		}
		send = func() error { return d.Backend.SendSticker(ctx, to, idx) }
	default:
		send = func() error { return d.Backend.SendText(ctx, to, content) }
	}

	if d.Quota != nil {
		if err := d.Quota.Check(); err != nil {
			return err
		}
	}
	if err := send(); err != nil {
		return err
	}
	if d.Quota != nil {
		d.Quota.Commit()
	}
	return nil
}

// unquote strips one matching pair of surrounding quotes, and only when the
// quote character appears exactly twice (so "say \"hi\"" stays intact).
func unquote(s string) string {
	if len(s) < 2 {
		return s
	}
	q := s[0]
	if (q == '\'' || q == '"') && s[len(s)-1] == q && strings.Count(s, string(q)) == 2 {
		return s[1 : len(s)-1]
	}
	return s
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

// pickStickerIndex parses "sticker:1,3,5" (full-width commas accepted) and
// returns one listed index at random, converted to 0-based.
func pickStickerIndex(directive string) (int, error) {
	raw := strings.TrimPrefix(directive, stickerPrefix)
	raw = strings.ReplaceAll(raw, "，", ",")
	parts := strings.Split(raw, ",")
	indices := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			return 0, fmt.Errorf("invalid sticker directive %q: expected comma-separated indices", directive)
		}
		indices = append(indices, n)
	}
	if len(indices) == 0 {
		return 0, fmt.Errorf("invalid sticker directive %q: no indices", directive)
	}
	return indices[rand.Intn(len(indices))] - 1, nil
}
