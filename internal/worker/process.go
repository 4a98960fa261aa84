package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"relaybot/internal/backend"
	"relaybot/internal/model"
	logx "relaybot/pkg/logx"
)

// processMessage handles one inbound message for the reply-capable variant.
// Called with procMu held. Exactly one history entry is written per message
// that reaches the dedup step or beyond; a mention-gated drop writes none.
func (w *Worker) processMessage(ctx context.Context, chat string, m backend.Message) {
	receiveTime := time.Now()

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("panic processing message", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			w.writeHistory(model.MessageHistory{
				Sender:  m.Sender,
				Message: m.Content,
				Status:  model.HistoryFailed,
			})
		}
	}()

	info := w.cfg.Backend.ChatInfo(chat)
	content := strings.TrimSpace(m.Content)

	// Mention gating applies to group chats only. A gated drop is silent;
	// the mention marker is stripped before any further matching.
	if info.IsGroup {
		if w.cfg.OnlyWhenMentioned && !strings.Contains(content, w.atMe) {
			return
		}
		content = strings.TrimSpace(strings.ReplaceAll(content, w.atMe, ""))
	}

	// Suppress repeated identical content inside the minimum interval. Only
	// an exact repeat is blocked; different content flows through at any
	// rate.
	w.stateMu.Lock()
	last := w.lastReply
	w.stateMu.Unlock()
	if w.cfg.MinReplyInterval > 0 && content == last.content && !last.at.IsZero() &&
		time.Since(last.at) < w.cfg.MinReplyInterval {
		w.log.Info("duplicate message inside reply interval, blocked", logx.String("sender", m.Sender))
		w.writeHistory(model.MessageHistory{
			Sender:  m.Sender,
			Message: content,
			Status:  model.HistoryBlocked,
		})
		return
	}

	if w.cfg.ReplyDelay > 0 {
		if !w.idle(w.cfg.ReplyDelay) {
			return
		}
	}

	reply, matched := "", false
	if w.cfg.Rules != nil {
		reply, matched = w.cfg.Rules.Apply(content)
	}

	if !matched {
		if w.cfg.AI == nil || w.cfg.Model == ModelDisabled || w.cfg.Model == "" {
			w.writeHistory(model.MessageHistory{
				Sender:       m.Sender,
				Message:      content,
				Status:       model.HistoryNotReplied,
				ResponseTime: round2(time.Since(receiveTime).Seconds()),
			})
			return
		}
		var err error
		reply, err = w.cfg.AI.Complete(ctx, w.cfg.Persona, content)
		if err != nil {
			w.log.Error("ai completion failed", logx.Err(err))
			w.writeHistory(model.MessageHistory{
				Sender:       m.Sender,
				Message:      content,
				Status:       model.HistoryFailed,
				ResponseTime: round2(time.Since(receiveTime).Seconds()),
			})
			return
		}
	}

	outgoing := reply
	if info.IsGroup && w.cfg.MentionBack && m.Sender != "" {
		outgoing = fmt.Sprintf("@%s %s", m.Sender, reply)
	}

	if err := w.cfg.Dispatcher.Send(ctx, chat, outgoing); err != nil {
		w.log.Error("reply dispatch failed", logx.String("chat", chat), logx.Err(err))
		w.writeHistory(model.MessageHistory{
			Sender:       m.Sender,
			Message:      content,
			Reply:        reply,
			Status:       model.HistoryNotReplied,
			ResponseTime: round2(time.Since(receiveTime).Seconds()),
		})
		return
	}

	// Confirmed send: this is the only place the dedup cache moves.
	w.stateMu.Lock()
	w.lastReply.content = content
	w.lastReply.at = time.Now()
	w.stateMu.Unlock()

	w.writeHistory(model.MessageHistory{
		Sender:       m.Sender,
		Message:      content,
		Reply:        reply,
		Status:       model.HistoryReplied,
		ResponseTime: round2(time.Since(receiveTime).Seconds()),
	})
	w.log.Info("reply sent", logx.String("chat", chat), logx.String("sender", m.Sender))
}

func (w *Worker) writeHistory(h model.MessageHistory) {
	if w.cfg.History == nil {
		return
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.cfg.History.Append(ctx, h); err != nil {
		w.log.Error("history append failed", logx.Err(err))
	}
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
