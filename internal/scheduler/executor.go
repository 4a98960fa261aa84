package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/backend"
	"relaybot/internal/model"
	"relaybot/internal/repeat"
	"relaybot/internal/store"
	logx "relaybot/pkg/logx"
)

// Executor dispatches one due task. Every failure path ends in a status
// update on the task; nothing escapes to the caller.
type Executor struct {
	tasks *store.TaskStore
	disp  *backend.Dispatcher
	log   logx.Logger
}

func NewExecutor(tasks *store.TaskStore, disp *backend.Dispatcher, log logx.Logger) *Executor {
	return &Executor{tasks: tasks, disp: disp, log: log}
}

func (e *Executor) ExecuteTask(ctx context.Context, id string, t model.Task) {
	if !e.disp.Backend.Online() {
		e.log.Warn("backend offline, task skipped", logx.String("task", id))
		e.fail(id, "backend offline")
		return
	}

	if t.Recipient == "" || t.MessageContent == "" {
		e.log.Warn("task data incomplete", logx.String("task", id))
		e.fail(id, "task data incomplete")
		return
	}

	if err := e.disp.Send(ctx, t.Recipient, t.MessageContent); err != nil {
		e.log.Error("task send failed", logx.String("task", id), logx.Err(err))
		e.fail(id, err.Error())
		return
	}

	if err := e.tasks.UpdateStatus(id, model.TaskCompleted, ""); err != nil {
		e.log.Error("task status update failed", logx.String("task", id), logx.Err(err))
	}
	e.log.Info("task executed", logx.String("task", id), logx.String("recipient", t.Recipient))

	e.expandRepeat(t)
}

func (e *Executor) fail(id, reason string) {
	if err := e.tasks.UpdateStatus(id, model.TaskFailed, reason); err != nil {
		e.log.Error("task status update failed", logx.String("task", id), logx.Err(err))
	}
}

// expandRepeat persists the follow-up occurrence of a recurring task as a new
// pending task under a fresh id. The original task is left completed.
func (e *Executor) expandRepeat(t model.Task) {
	if t.RepeatType == model.RepeatNone || t.RepeatType == "" {
		return
	}

	orig, hasZone, err := model.ParseSendTime(t.SendTime)
	if err != nil {
		e.log.Error("repeat expansion: unparseable send time",
			logx.String("task", t.ID), logx.String("sendTime", t.SendTime), logx.Err(err))
		return
	}

	next, ok := repeat.NextOccurrence(orig.Truncate(time.Second), t.RepeatType, t.RepeatDays)
	if !ok {
		return
	}

	nt := t
	nt.ID = uuid.NewString()
	nt.SendTime = model.FormatSendTime(next, hasZone)
	nt.Status = model.TaskPending
	nt.CreatedAt = time.Now().Format(time.RFC3339)
	nt.ErrorMessage = ""

	if _, err := e.tasks.Add(nt); err != nil {
		e.log.Error("repeat expansion: persist failed", logx.String("task", t.ID), logx.Err(err))
		return
	}
	e.log.Info("repeat task scheduled",
		logx.String("from", t.ID), logx.String("task", nt.ID), logx.String("sendTime", nt.SendTime))
}
