package worker

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"relaybot/internal/backend"
	logx "relaybot/pkg/logx"
)

const (
	ruleReloadEvery = 10 * time.Second
	pollIdleSleep   = 100 * time.Millisecond
	pollErrorSleep  = time.Second
)

// Worker listens for inbound messages on behalf of one contact set and
// reacts per the configured rules. One goroutine per worker; all message
// processing inside it is serialized by procMu.
//
// Lifecycle: Created -> Initializing -> Listening <-> Paused -> Stopped.
// Initialization either registers every target (plus a probe send) or
// unwinds completely; there is no partial state after a failure.
type Worker struct {
	cfg     Config
	log     logx.Logger
	targets []string
	atMe    string

	extractors []*regexp.Regexp

	// procMu serializes message processing for this worker. Blocking I/O
	// (send, AI call) happens while held, so a slow call delays this
	// worker's queue only.
	procMu sync.Mutex

	stateMu   sync.Mutex
	running   bool
	listening []string
	startAt   time.Time
	lastReply struct {
		content string
		at      time.Time
	}

	pauseMu sync.Mutex
	pauseC  *sync.Cond
	paused  bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func New(cfg Config) (*Worker, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := cfg.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Worker{
		cfg:        cfg,
		log:        log.With(logx.String("worker", cfg.Contacts+"|"+cfg.Model)),
		targets:    splitContacts(cfg.Contacts),
		atMe:       "@" + cfg.Backend.SelfName(),
		extractors: compileExtractors(cfg.ExtractPatterns, log),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	w.pauseC = sync.NewCond(&w.pauseMu)
	return w, nil
}

// Run is the worker's main loop. Blocks until stopped or initialization
// fails; always leaves the backend clean of this worker's listeners.
func (w *Worker) Run(ctx context.Context) {
	w.stateMu.Lock()
	w.running = true
	w.startAt = time.Now()
	w.stateMu.Unlock()
	w.log.Info("worker starting", logx.Int("targets", len(w.targets)))

	defer func() {
		w.cleanup(ctx)
		w.stateMu.Lock()
		w.running = false
		w.stateMu.Unlock()
		close(w.done)
		w.log.Info("worker stopped")
	}()

	if !w.initListeners(ctx) {
		return
	}

	lastReload := time.Now()
	for !w.shouldStop() {
		w.waitWhilePaused()
		if w.shouldStop() {
			return
		}

		if w.cfg.Rules != nil && time.Since(lastReload) >= ruleReloadEvery {
			w.cfg.Rules.ReloadIfChanged()
			lastReload = time.Now()
		}

		batches, err := w.cfg.Backend.Poll(ctx)
		if err != nil {
			w.log.Error("poll failed", logx.Err(err))
			if !w.idle(pollErrorSleep) {
				return
			}
			continue
		}

		for chat, messages := range batches {
			if w.shouldStop() {
				return
			}
			for _, m := range messages {
				if w.shouldStop() {
					return
				}
				if w.ignorable(chat, m) {
					continue
				}
				w.procMu.Lock()
				if w.cfg.GroupWatch {
					w.processGroupWatch(chat, m)
				} else {
					w.processMessage(ctx, chat, m)
				}
				w.procMu.Unlock()
			}
		}

		if !w.idle(pollIdleSleep) {
			return
		}
	}
}

// initListeners registers every configured target and sends the probe
// message. Any failure unwinds whatever already succeeded; no partial
// registration survives.
func (w *Worker) initListeners(ctx context.Context) bool {
	for _, target := range w.targets {
		if w.shouldStop() {
			w.log.Warn("listener initialization interrupted")
			return false
		}
		if err := w.cfg.Backend.AddListener(ctx, target); err != nil {
			w.log.Error("listener registration failed", logx.String("target", target), logx.Err(err))
			return false
		}
		w.stateMu.Lock()
		w.listening = append(w.listening, target)
		w.stateMu.Unlock()
		w.log.Info("listener registered", logx.String("target", target))
	}

	// Probe send verifies each target actually resolves before the loop
	// starts; a bad contact name fails startup instead of polling forever.
	for _, target := range w.targets {
		if w.shouldStop() {
			return false
		}
		if err := w.cfg.Backend.SendText(ctx, target, " "); err != nil {
			w.log.Error("probe send failed", logx.String("target", target), logx.Err(err))
			return false
		}
	}
	return true
}

func (w *Worker) cleanup(ctx context.Context) {
	w.stateMu.Lock()
	targets := w.listening
	w.listening = nil
	w.stateMu.Unlock()

	for _, target := range targets {
		if err := w.cfg.Backend.RemoveListener(ctx, target); err != nil {
			w.log.Error("listener removal failed", logx.String("target", target), logx.Err(err))
		}
	}
}

// ignorable classifies messages that must be skipped before processing:
// system traffic, our own messages, non-friend types, empty content, and
// chats we were never configured for.
func (w *Worker) ignorable(chat string, m backend.Message) bool {
	if m.Type != backend.MessageFriend {
		return true
	}
	if m.Sender == "Self" || m.Sender == w.cfg.Backend.SelfName() {
		return true
	}
	if strings.TrimSpace(m.Content) == "" {
		return true
	}
	for _, t := range w.targets {
		if t == chat {
			return false
		}
	}
	return true
}

// ---- control surface ----

// Stop signals the loop and wakes a paused wait so cancellation is observed.
// Does not wait for teardown; Done() reports that.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.Resume()
}

func (w *Worker) Pause() {
	w.pauseMu.Lock()
	w.paused = true
	w.pauseMu.Unlock()
	w.log.Info("worker paused")
}

func (w *Worker) Resume() {
	w.pauseMu.Lock()
	w.paused = false
	w.pauseMu.Unlock()
	w.pauseC.Broadcast()
}

func (w *Worker) Paused() bool {
	w.pauseMu.Lock()
	defer w.pauseMu.Unlock()
	return w.paused
}

func (w *Worker) Running() bool {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.running
}

// Ready reports that at least one listener registration succeeded; the
// manager's bounded startup wait polls this.
func (w *Worker) Ready() bool {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return len(w.listening) > 0
}

func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) Uptime() time.Duration {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	if w.startAt.IsZero() {
		return 0
	}
	return time.Since(w.startAt)
}

// ---- internals ----

func (w *Worker) shouldStop() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

func (w *Worker) waitWhilePaused() {
	w.pauseMu.Lock()
	for w.paused {
		w.pauseC.Wait()
	}
	w.pauseMu.Unlock()
}

// idle sleeps for d unless stopped first; reports false on stop.
func (w *Worker) idle(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.stopCh:
		return false
	case <-t.C:
		return true
	}
}
