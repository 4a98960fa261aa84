package store

import (
	"os"
	"path/filepath"
	"testing"

	"relaybot/internal/model"
	logx "relaybot/pkg/logx"
)

func newTestTasks(t *testing.T) *TaskStore {
	t.Helper()
	return NewTaskStore(t.TempDir(), logx.Nop())
}

func TestTaskAddStampsDefaults(t *testing.T) {
	t.Parallel()
	s := newTestTasks(t)

	created, err := s.Add(model.Task{
		ID:             "t1",
		Recipient:      "alice",
		SendTime:       "2026-09-01T08:00:00",
		MessageContent: "morning",
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if created.Status != model.TaskPending {
		t.Fatalf("status = %s, want pending", created.Status)
	}
	if created.RepeatType != model.RepeatNone {
		t.Fatalf("repeatType = %s, want none", created.RepeatType)
	}
	if created.CreatedAt == "" || created.UpdatedAt == "" {
		t.Fatal("timestamps must be stamped")
	}

	if _, err := s.Add(model.Task{ID: "t1", Recipient: "x", SendTime: "y", MessageContent: "z"}); err == nil {
		t.Fatal("duplicate id must be rejected")
	}
	if _, err := s.Add(model.Task{Recipient: "x"}); err == nil {
		t.Fatal("missing id must be rejected")
	}
}

func TestTaskPersistsAcrossStores(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s := NewTaskStore(dir, logx.Nop())
	if _, err := s.Add(model.Task{ID: "t1", Recipient: "alice", SendTime: "2026-09-01T08:00:00", MessageContent: "hi"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s2 := NewTaskStore(dir, logx.Nop())
	got, ok := s2.Get("t1")
	if !ok {
		t.Fatal("task not found after reopen")
	}
	if got.Recipient != "alice" || got.SendTime != "2026-09-01T08:00:00" {
		t.Fatalf("task = %+v", got)
	}
}

func TestTaskUpdateStatus(t *testing.T) {
	t.Parallel()
	s := newTestTasks(t)
	if _, err := s.Add(model.Task{ID: "t1", Recipient: "alice", SendTime: "x", MessageContent: "hi"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := s.UpdateStatus("t1", model.TaskFailed, "boom"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	got, _ := s.Get("t1")
	if got.Status != model.TaskFailed || got.ErrorMessage != "boom" {
		t.Fatalf("task = %+v", got)
	}

	// Terminal states never move back to pending.
	if err := s.UpdateStatus("t1", model.TaskPending, ""); err == nil {
		t.Fatal("failed -> pending must be rejected")
	}

	// failed -> completed is allowed and clears the error.
	if err := s.UpdateStatus("t1", model.TaskCompleted, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	got, _ = s.Get("t1")
	if got.Status != model.TaskCompleted || got.ErrorMessage != "" {
		t.Fatalf("task = %+v", got)
	}

	if err := s.UpdateStatus("missing", model.TaskCompleted, ""); err == nil {
		t.Fatal("unknown id must be rejected")
	}
}

func TestTaskDelete(t *testing.T) {
	t.Parallel()
	s := newTestTasks(t)
	if _, err := s.Add(model.Task{ID: "t1", Recipient: "alice", SendTime: "x", MessageContent: "hi"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !s.Delete("t1") {
		t.Fatal("Delete returned false")
	}
	if s.Delete("t1") {
		t.Fatal("second Delete must return false")
	}
	if _, ok := s.Get("t1"); ok {
		t.Fatal("deleted task still present")
	}
}

func TestTaskCounts(t *testing.T) {
	t.Parallel()
	s := newTestTasks(t)
	add := func(id string, st model.TaskStatus) {
		if _, err := s.Add(model.Task{ID: id, Recipient: "a", SendTime: "x", MessageContent: "m", Status: st}); err != nil {
			t.Fatalf("Add %s: %v", id, err)
		}
	}
	add("p1", model.TaskPending)
	add("p2", model.TaskPending)
	add("c1", model.TaskCompleted)
	add("f1", model.TaskFailed)

	pending, completed, failed := s.Counts()
	if pending != 2 || completed != 1 || failed != 1 {
		t.Fatalf("counts = %d/%d/%d, want 2/1/1", pending, completed, failed)
	}
}

func TestTaskCorruptFileStartsEmpty(t *testing.T) {
	t.Parallel()
	s := newTestTasks(t)
	// Write garbage where the store expects JSON.
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(s.path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := s.Load(); len(got) != 0 {
		t.Fatalf("load = %v, want empty", got)
	}
}
