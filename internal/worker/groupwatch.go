package worker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"relaybot/internal/backend"
	logx "relaybot/pkg/logx"
)

// recordedMessage is one line in the per-day, per-chat message log.
type recordedMessage struct {
	Timestamp string `json:"timestamp"`
	Sender    string `json:"sender"`
	Chat      string `json:"chat"`
	Content   string `json:"content"`
}

// collectedEntry is one line in the per-day collected-data log: the captured
// groups of an extraction rule plus the message they came from.
type collectedEntry struct {
	Timestamp string   `json:"timestamp"`
	Pattern   string   `json:"pattern"`
	Fields    []string `json:"fields"`
	Source    string   `json:"source_message"`
}

// processGroupWatch handles one accepted message for the log-only variant.
// It records, extracts, and monitors; it never replies and never alters
// delivery. Called with procMu held.
func (w *Worker) processGroupWatch(chat string, m backend.Message) {
	now := time.Now()
	content := strings.TrimSpace(m.Content)

	w.appendDayLog(chat, "messages", recordedMessage{
		Timestamp: now.Format(time.RFC3339),
		Sender:    m.Sender,
		Chat:      chat,
		Content:   content,
	})

	for _, re := range w.extractors {
		groups := re.FindStringSubmatch(content)
		if groups == nil {
			continue
		}
		fields := groups
		if len(groups) > 1 {
			fields = groups[1:]
		}
		w.appendDayLog(chat, "collected", collectedEntry{
			Timestamp: now.Format(time.RFC3339),
			Pattern:   re.String(),
			Fields:    fields,
			Source:    content,
		})
	}

	for _, word := range w.cfg.SensitiveWords {
		if word != "" && strings.Contains(content, word) {
			// Warn only. No redaction, no blocking.
			w.log.Warn("sensitive word detected",
				logx.String("word", word), logx.String("chat", chat), logx.String("sender", m.Sender))
			break
		}
	}
}

// appendDayLog appends one JSON line to <dataDir>/group_data/<chat>/<kind>_<date>.jsonl.
func (w *Worker) appendDayLog(chat, kind string, entry any) {
	dir := filepath.Join(w.cfg.DataDir, "group_data", sanitizeName(chat))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.log.Error("group log dir create failed", logx.String("dir", dir), logx.Err(err))
		return
	}
	name := kind + "_" + time.Now().Format("2006-01-02") + ".jsonl"
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		w.log.Error("group log open failed", logx.String("file", name), logx.Err(err))
		return
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(entry); err != nil {
		w.log.Error("group log write failed", logx.String("file", name), logx.Err(err))
	}
}

// sanitizeName keeps chat-derived path segments free of separators and
// parent references.
func sanitizeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
	s = strings.ReplaceAll(s, "..", "_")
	if s == "" {
		s = "_"
	}
	return s
}
