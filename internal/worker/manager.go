package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	logx "relaybot/pkg/logx"
)

const (
	startupWait = 5 * time.Second
	startupPoll = 50 * time.Millisecond
)

// Status is the control-surface view of one worker.
type Status struct {
	Running       bool  `json:"running"`
	UptimeSeconds int64 `json:"uptime"`
	Paused        bool  `json:"paused"`
}

// Manager is the process-wide worker registry keyed by (contacts, model).
// It is an explicitly constructed instance handed to the API layer, not a
// package-level singleton.
type Manager struct {
	log logx.Logger

	mu      sync.Mutex
	workers map[string]*Worker
}

func NewManager(log logx.Logger) *Manager {
	return &Manager{log: log, workers: map[string]*Worker{}}
}

// Key builds the registry key for a (contacts, model) pair.
func Key(contacts, model string) string {
	return contacts + "|" + model
}

// StartWorker atomically reserves the key, spawns the worker, and waits
// (bounded) for its first successful listener registration. On failure the
// worker is stopped and evicted; the registry never holds a dead entry from
// a failed start.
func (m *Manager) StartWorker(ctx context.Context, cfg Config) error {
	key := Key(cfg.Contacts, cfg.Model)

	w, err := New(cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.workers[key]; exists {
		m.mu.Unlock()
		return fmt.Errorf("worker %s already running", key)
	}
	m.workers[key] = w
	m.mu.Unlock()

	go w.Run(ctx)

	deadline := time.Now().Add(startupWait)
	for {
		if w.Ready() {
			m.log.Info("worker started", logx.String("key", key))
			return nil
		}
		select {
		case <-w.Done():
			m.evict(key)
			return fmt.Errorf("worker %s failed during initialization", key)
		default:
		}
		if time.Now().After(deadline) {
			w.Stop()
			m.evict(key)
			return fmt.Errorf("worker %s did not register any listener within %s", key, startupWait)
		}
		time.Sleep(startupPoll)
	}
}

// StopWorker signals stop and removes the entry. Synchronous with respect to
// the registry only; goroutine teardown finishes on its own.
func (m *Manager) StopWorker(contacts, model string) bool {
	key := Key(contacts, model)
	m.mu.Lock()
	w, ok := m.workers[key]
	if ok {
		delete(m.workers, key)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	w.Stop()
	m.log.Info("worker stop requested", logx.String("key", key))
	return true
}

func (m *Manager) PauseWorker(contacts, model string) bool {
	if w, ok := m.get(contacts, model); ok {
		w.Pause()
		return true
	}
	return false
}

func (m *Manager) ResumeWorker(contacts, model string) bool {
	if w, ok := m.get(contacts, model); ok {
		w.Resume()
		return true
	}
	return false
}

// WorkerStatus returns the status for a key, or ok=false when absent.
func (m *Manager) WorkerStatus(contacts, model string) (Status, bool) {
	w, ok := m.get(contacts, model)
	if !ok {
		return Status{}, false
	}
	return Status{
		Running:       w.Running(),
		UptimeSeconds: int64(w.Uptime().Seconds()),
		Paused:        w.Paused(),
	}, true
}

// ListWorkers returns the registry keys, sorted for stable output.
func (m *Manager) ListWorkers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.workers))
	for k := range m.workers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StopAll signals every worker and clears the registry.
func (m *Manager) StopAll() {
	m.mu.Lock()
	workers := m.workers
	m.workers = map[string]*Worker{}
	m.mu.Unlock()
	for _, w := range workers {
		w.Stop()
	}
	if len(workers) > 0 {
		m.log.Info("all workers stopped", logx.Int("count", len(workers)))
	}
}

func (m *Manager) evict(key string) {
	m.mu.Lock()
	delete(m.workers, key)
	m.mu.Unlock()
}

func (m *Manager) get(contacts, model string) (*Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[Key(contacts, model)]
	return w, ok
}
