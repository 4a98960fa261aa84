package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"relaybot/internal/model"
	logx "relaybot/pkg/logx"
)

// TaskStore persists the whole task collection as one JSON object keyed by
// task id. There is no per-task locking: every mutation is a load, modify,
// atomic-rename save under the store mutex, which matches how small the
// collection is expected to stay.
type TaskStore struct {
	path string
	log  logx.Logger

	mu sync.Mutex
}

func NewTaskStore(dir string, log logx.Logger) *TaskStore {
	return &TaskStore{path: filepath.Join(dir, "tasks.json"), log: log}
}

// Load reads the full collection. A missing or corrupt file yields an empty
// collection, never an error surfaced to the scheduler loop.
func (s *TaskStore) Load() map[string]model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *TaskStore) loadLocked() map[string]model.Task {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("task store read failed", logx.String("path", s.path), logx.Err(err))
		}
		return map[string]model.Task{}
	}
	var tasks map[string]model.Task
	if err := json.Unmarshal(b, &tasks); err != nil {
		s.log.Error("task store corrupt, starting empty", logx.String("path", s.path), logx.Err(err))
		return map[string]model.Task{}
	}
	if tasks == nil {
		tasks = map[string]model.Task{}
	}
	return tasks
}

func (s *TaskStore) saveLocked(tasks map[string]model.Task) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *TaskStore) Get(id string) (model.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.loadLocked()[id]
	return t, ok
}

// Add inserts a task, stamping id/createdAt/updatedAt when absent.
func (s *TaskStore) Add(t model.Task) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		return model.Task{}, errors.New("task id is required")
	}
	now := time.Now().Format(time.RFC3339)
	if t.CreatedAt == "" {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = model.TaskPending
	}
	if t.RepeatType == "" {
		t.RepeatType = model.RepeatNone
	}

	tasks := s.loadLocked()
	if _, exists := tasks[t.ID]; exists {
		return model.Task{}, fmt.Errorf("task %s already exists", t.ID)
	}
	tasks[t.ID] = t
	if err := s.saveLocked(tasks); err != nil {
		return model.Task{}, err
	}
	return t, nil
}

// Delete removes a task. Deletion is an API concern; the scheduler never
// calls this.
func (s *TaskStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := s.loadLocked()
	if _, ok := tasks[id]; !ok {
		return false
	}
	delete(tasks, id)
	if err := s.saveLocked(tasks); err != nil {
		s.log.Error("task store save failed", logx.String("task", id), logx.Err(err))
		return false
	}
	return true
}

// UpdateStatus transitions a task's status and stamps updatedAt. A task never
// moves backward from completed/failed to pending; such a call is rejected.
func (s *TaskStore) UpdateStatus(id string, status model.TaskStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := s.loadLocked()
	t, ok := tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	if status == model.TaskPending && (t.Status == model.TaskCompleted || t.Status == model.TaskFailed) {
		return fmt.Errorf("task %s: cannot move %s back to pending", id, t.Status)
	}
	t.Status = status
	t.UpdatedAt = time.Now().Format(time.RFC3339)
	if status == model.TaskFailed {
		t.ErrorMessage = errMsg
	} else {
		t.ErrorMessage = ""
	}
	tasks[id] = t
	return s.saveLocked(tasks)
}

// Counts returns pending/completed/failed totals in one pass.
func (s *TaskStore) Counts() (pending, completed, failed int) {
	for _, t := range s.Load() {
		switch t.Status {
		case model.TaskPending:
			pending++
		case model.TaskCompleted:
			completed++
		case model.TaskFailed:
			failed++
		}
	}
	return
}
