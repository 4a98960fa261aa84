package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"relaybot/internal/model"
	"relaybot/internal/store"
	logx "relaybot/pkg/logx"
)

const (
	clockDriftWarn = time.Hour
	slowTaskWarn   = 5 * time.Second
	clockJumpLimit = 5 * time.Second

	minAdaptive = 100 * time.Millisecond
	maxAdaptive = 5 * time.Second
	hotAdaptive = 500 * time.Millisecond

	minSleep = 50 * time.Millisecond
	maxSleep = 5 * time.Second
)

// Scheduler owns the due-task polling loop: one dedicated goroutine that
// loads the task store, fires whatever is due, and sleeps on an adaptive,
// second-aligned cadence. The loop self-stops when no pending tasks remain;
// callers must Start() again once new work may exist.
type Scheduler struct {
	tasks *store.TaskStore
	exec  *Executor
	log   logx.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}

	// lastSystemTime detects wall-clock jumps between passes.
	lastSystemTime time.Time

	// Execution durations per task id. Volatile by design: the map is lost
	// on restart and that is accepted, not a bug to fix here.
	emu       sync.Mutex
	execTimes map[string]time.Duration
}

func New(tasks *store.TaskStore, exec *Executor, log logx.Logger) *Scheduler {
	return &Scheduler{
		tasks:     tasks,
		exec:      exec,
		log:       log,
		execTimes: map[string]time.Duration{},
	}
}

// Start spawns the polling loop. No-op when already running.
func (s *Scheduler) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.log.Warn("scheduler already running")
		return false
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.lastSystemTime = time.Now()

	go s.run(ctx, s.stopCh, s.done)
	s.log.Info("scheduler started")
	return true
}

// Stop signals the loop and waits for it to exit, bounded to five seconds.
// Safe to call from anywhere except inside the loop itself (the loop uses
// the non-waiting internal form for its idle self-stop).
func (s *Scheduler) Stop() bool {
	return s.stop(true)
}

func (s *Scheduler) stop(wait bool) bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.log.Warn("scheduler already stopped")
		return false
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()

	s.log.Info("scheduler stopping")
	if wait && done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.log.Warn("scheduler loop did not exit within grace period")
		}
	}
	return true
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context, stopCh chan struct{}, done chan struct{}) {
	defer close(done)

	lastCheck := time.Now()
	consecutiveErrors := 0
	adaptive := time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			s.log.Info("scheduler stopped")
			return
		default:
		}

		executed, err := s.pass(ctx)
		if err != nil {
			consecutiveErrors++
			wait := errorBackoff(consecutiveErrors)
			s.log.Error("scheduler pass failed",
				logx.Int("consecutive", consecutiveErrors), logx.Duration("retry_in", wait), logx.Err(err))
			if !s.sleep(ctx, stopCh, wait) {
				return
			}
			continue
		}
		consecutiveErrors = 0

		timeDiff := time.Since(lastCheck)
		lastCheck = time.Now()

		if executed == 0 {
			// A large inter-iteration delta means the wall clock moved under
			// us; recalibrate by looping again immediately.
			if timeDiff > clockJumpLimit || timeDiff < -clockJumpLimit {
				s.log.Warn("clock jump detected, recalibrating", logx.Duration("delta", timeDiff))
				continue
			}

			if adaptive > minAdaptive {
				adaptive = min(time.Duration(float64(adaptive)*1.1), maxAdaptive)
			}

			wait := sleepUntilNextSecond(time.Now(), adaptive)
			if !s.sleep(ctx, stopCh, wait) {
				return
			}
		} else {
			// Stay aggressive right after activity to catch closely spaced
			// due times.
			adaptive = hotAdaptive
		}
	}
}

// pass runs one checkAndExecuteTasks iteration, converting a panic into an
// error so the loop can back off instead of dying.
func (s *Scheduler) pass(ctx context.Context) (executed int, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in scheduler pass", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			executed = 0
			err = fmt.Errorf("scheduler pass panicked: %v", r)
		}
	}()
	return s.checkAndExecuteTasks(ctx), nil
}

// checkAndExecuteTasks performs one scheduling pass: drift check, load,
// filter, fire whatever is due, and self-stop when nothing is pending.
func (s *Scheduler) checkAndExecuteTasks(ctx context.Context) int {
	now := time.Now()
	if !s.lastSystemTime.IsZero() {
		drift := now.Sub(s.lastSystemTime)
		if drift < -clockDriftWarn {
			s.log.Warn("system clock moved backward", logx.Duration("delta", drift))
		} else if drift > clockDriftWarn {
			s.log.Warn("system clock jumped forward", logx.Duration("delta", drift))
		}
	}
	s.lastSystemTime = now

	tasks := s.tasks.Load()

	pending := 0
	for _, t := range tasks {
		if t.Status == model.TaskPending {
			pending++
		}
	}
	if pending == 0 {
		s.log.Info("no pending tasks, scheduler stopping itself")
		s.stop(false)
		return 0
	}

	executed := 0
	for id, t := range tasks {
		if t.Status != model.TaskPending || t.SendTime == "" {
			continue
		}

		due, err := t.Due(now)
		if err != nil {
			s.log.Error("task has invalid send time",
				logx.String("task", id), logx.String("sendTime", t.SendTime), logx.Err(err))
			if uerr := s.tasks.UpdateStatus(id, model.TaskFailed, err.Error()); uerr != nil {
				s.log.Error("task status update failed", logx.String("task", id), logx.Err(uerr))
			}
			continue
		}
		if !due {
			continue
		}

		start := time.Now()
		s.exec.ExecuteTask(ctx, id, t)
		executed++

		dur := time.Since(start)
		s.recordDuration(id, dur)
		if dur > slowTaskWarn {
			s.log.Warn("task execution slow", logx.String("task", id), logx.Duration("took", dur))
		}
	}

	if executed > 0 {
		s.log.Info("scheduling pass done",
			logx.Int("executed", executed),
			logx.Float64("avg_seconds", s.averageExecSeconds()))
	} else {
		s.log.Debug("no due tasks")
	}
	return executed
}

func (s *Scheduler) recordDuration(id string, d time.Duration) {
	s.emu.Lock()
	s.execTimes[id] = d
	s.emu.Unlock()
}

func (s *Scheduler) averageExecSeconds() float64 {
	s.emu.Lock()
	defer s.emu.Unlock()
	if len(s.execTimes) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range s.execTimes {
		total += d
	}
	return total.Seconds() / float64(len(s.execTimes))
}

// sleep waits for d or until cancellation; it reports false when the loop
// should exit.
func (s *Scheduler) sleep(ctx context.Context, stopCh chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		s.log.Info("scheduler stopped")
		return false
	case <-t.C:
		return true
	}
}

// sleepUntilNextSecond returns the idle sleep: the shorter of the time to the
// next wall-clock second boundary and the adaptive interval, clamped to
// [50ms, 5s]. Tasks scheduled "on the second" stay responsive while idle CPU
// drops.
func sleepUntilNextSecond(now time.Time, adaptive time.Duration) time.Duration {
	toBoundary := time.Second - time.Duration(now.Nanosecond())
	wait := min(toBoundary, adaptive)
	if wait < minSleep {
		wait = minSleep
	}
	if wait > maxSleep {
		wait = maxSleep
	}
	return wait
}

// errorBackoff grows 2^n seconds for the first three consecutive failures,
// then stays flat at 30s.
func errorBackoff(consecutive int) time.Duration {
	if consecutive <= 3 {
		d := time.Duration(1<<uint(consecutive)) * time.Second
		if d > 30*time.Second {
			d = 30 * time.Second
		}
		return d
	}
	return 30 * time.Second
}
