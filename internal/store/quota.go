package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"relaybot/internal/backend"
	"relaybot/internal/model"
	logx "relaybot/pkg/logx"
)

// QuotaGate owns the daily send budget. In-process callers are serialized by
// the mutex; the file itself has no cross-process atomicity, which is a known
// gap carried over deliberately (see DESIGN.md).
//
// QuotaGate implements backend.Quota.
type QuotaGate struct {
	path string
	log  logx.Logger

	mu sync.Mutex

	now func() time.Time // test seam
}

var _ backend.Quota = (*QuotaGate)(nil)

func NewQuotaGate(dir string, log logx.Logger) *QuotaGate {
	return &QuotaGate{path: filepath.Join(dir, "quota.json"), log: log, now: time.Now}
}

func (q *QuotaGate) loadLocked() model.Quota {
	b, err := os.ReadFile(q.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			q.log.Warn("quota read failed", logx.String("path", q.path), logx.Err(err))
		}
		return q.defaultLocked()
	}
	var quota model.Quota
	if err := json.Unmarshal(b, &quota); err != nil {
		q.log.Error("quota file corrupt, using defaults", logx.Err(err))
		return q.defaultLocked()
	}
	if !model.ValidAccountLevel(quota.AccountLevel) {
		quota.AccountLevel = model.AccountFree
	}
	return q.resetIfStaleLocked(quota)
}

func (q *QuotaGate) defaultLocked() model.Quota {
	return model.Quota{
		AccountLevel:  model.AccountFree,
		DailyLimit:    model.FreeDailyLimit,
		LastResetDate: q.today(),
	}
}

func (q *QuotaGate) today() string {
	return q.now().Format("2006-01-02")
}

// resetIfStaleLocked zeroes the counter lazily on the first touch of a new
// day; there is no background reset requirement beyond this plus the
// housekeeping cron sweep.
func (q *QuotaGate) resetIfStaleLocked(quota model.Quota) model.Quota {
	if quota.LastResetDate != q.today() {
		quota.UsedToday = 0
		quota.Blocked = false
		quota.LastResetDate = q.today()
		if err := q.saveLocked(quota); err != nil {
			q.log.Error("quota reset save failed", logx.Err(err))
		}
	}
	return quota
}

func (q *QuotaGate) saveLocked(quota model.Quota) error {
	// Keep the stored limit consistent with the tier for anyone reading the
	// file directly; reads never trust it.
	quota.DailyLimit = model.LimitFor(quota.AccountLevel)
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(quota, "", "  ")
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

// Info returns the current quota snapshot with tier-derived limit and the
// daily reset applied.
func (q *QuotaGate) Info() model.Quota {
	q.mu.Lock()
	defer q.mu.Unlock()
	quota := q.loadLocked()
	quota.DailyLimit = model.LimitFor(quota.AccountLevel)
	return quota
}

// Check reports whether one more send fits in today's budget.
func (q *QuotaGate) Check() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	quota := q.loadLocked()
	limit := model.LimitFor(quota.AccountLevel)
	if limit < 0 {
		return nil
	}
	if quota.UsedToday >= limit {
		return backend.ErrQuotaExhausted
	}
	return nil
}

// Commit records one sent message. The count is re-checked so a racing
// caller cannot push usage past the limit inside this process.
func (q *QuotaGate) Commit() {
	q.mu.Lock()
	defer q.mu.Unlock()

	quota := q.loadLocked()
	limit := model.LimitFor(quota.AccountLevel)
	if limit >= 0 && quota.UsedToday >= limit {
		return
	}
	quota.UsedToday++
	if limit >= 0 && quota.UsedToday >= limit {
		quota.Blocked = true
	}
	if err := q.saveLocked(quota); err != nil {
		q.log.Error("quota save failed", logx.Err(err))
	}
}

// SetLevel updates the account tier, clamping usage into the new limit.
func (q *QuotaGate) SetLevel(level model.AccountLevel) error {
	if !model.ValidAccountLevel(level) {
		return fmt.Errorf("invalid account level %q", level)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	quota := q.loadLocked()
	quota.AccountLevel = level
	limit := model.LimitFor(level)
	if limit < 0 {
		quota.Blocked = false
	} else {
		if quota.UsedToday > limit {
			quota.UsedToday = limit
		}
		quota.Blocked = quota.UsedToday >= limit
	}
	return q.saveLocked(quota)
}

// ResetDaily is the housekeeping entry point; it forces the date check.
func (q *QuotaGate) ResetDaily() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.loadLocked()
}
