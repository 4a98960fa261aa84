package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"relaybot/internal/backend"
	"relaybot/internal/model"
	"relaybot/internal/rules"
	logx "relaybot/pkg/logx"
)

// fakeBackend is an in-memory messaging client for worker tests.
type fakeBackend struct {
	mu        sync.Mutex
	sent      []string
	listeners map[string]bool
	groups    map[string]bool
	addErr    error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{listeners: map[string]bool{}, groups: map[string]bool{}}
}

func (f *fakeBackend) Online() bool     { return true }
func (f *fakeBackend) SelfName() string { return "relaybot" }

func (f *fakeBackend) SendText(_ context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to+":"+text)
	return nil
}

func (f *fakeBackend) SendFile(ctx context.Context, to, path string) error {
	return f.SendText(ctx, to, path)
}

func (f *fakeBackend) SendSticker(context.Context, string, int) error { return nil }

func (f *fakeBackend) AddListener(_ context.Context, target string) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners[target] = true
	return nil
}

func (f *fakeBackend) RemoveListener(_ context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listeners, target)
	return nil
}

func (f *fakeBackend) Poll(context.Context) (map[string][]backend.Message, error) {
	return nil, nil
}

func (f *fakeBackend) ChatInfo(target string) backend.ChatInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return backend.ChatInfo{Name: target, IsGroup: f.groups[target]}
}

// replySents returns outbound messages minus the startup probes.
func (f *fakeBackend) replySents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if !strings.HasSuffix(s, ": ") {
			out = append(out, s)
		}
	}
	return out
}

type memHistory struct {
	mu      sync.Mutex
	entries []model.MessageHistory
}

func (h *memHistory) Append(_ context.Context, e model.MessageHistory) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	return nil
}

func (h *memHistory) byStatus(st model.HistoryStatus) []model.MessageHistory {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []model.MessageHistory
	for _, e := range h.entries {
		if e.Status == st {
			out = append(out, e)
		}
	}
	return out
}

func (h *memHistory) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

type staticRules struct{ rules []model.Rule }

func (s *staticRules) Load() []model.Rule { return s.rules }

type fakeAI struct {
	reply string
	err   error
	calls int
}

func (a *fakeAI) Complete(context.Context, string, string) (string, error) {
	a.calls++
	return a.reply, a.err
}

func newTestWorker(t *testing.T, fb *fakeBackend, hist *memHistory, mutate func(*Config)) *Worker {
	t.Helper()
	eng := rules.NewEngine(&staticRules{rules: []model.Rule{
		{Keyword: "hi", MatchType: model.MatchEquals, Reply: "hello!"},
	}}, logx.Nop())
	cfg := Config{
		Backend:    fb,
		Dispatcher: &backend.Dispatcher{Backend: fb},
		Rules:      eng,
		History:    hist,
		Contacts:   "alice",
		Model:      ModelDisabled,
		DataDir:    t.TempDir(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	w, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func TestProcessMessageRuleReply(t *testing.T) {
	t.Parallel()
	fb := newFakeBackend()
	hist := &memHistory{}
	w := newTestWorker(t, fb, hist, nil)

	w.processMessage(context.Background(), "alice", backend.Message{
		Sender: "alice", Content: "hi", Type: backend.MessageFriend,
	})

	sent := fb.replySents()
	if len(sent) != 1 || sent[0] != "alice:hello!" {
		t.Fatalf("sent = %v, want [alice:hello!]", sent)
	}
	replied := hist.byStatus(model.HistoryReplied)
	if len(replied) != 1 {
		t.Fatalf("replied entries = %d, want 1", len(replied))
	}
	if replied[0].Reply != "hello!" || replied[0].Message != "hi" {
		t.Fatalf("history entry = %+v", replied[0])
	}
}

func TestProcessMessageDuplicateBlocked(t *testing.T) {
	t.Parallel()
	fb := newFakeBackend()
	hist := &memHistory{}
	w := newTestWorker(t, fb, hist, func(c *Config) {
		c.MinReplyInterval = time.Minute
	})

	msg := backend.Message{Sender: "alice", Content: "hi", Type: backend.MessageFriend}
	w.processMessage(context.Background(), "alice", msg)
	w.processMessage(context.Background(), "alice", msg)

	if got := len(fb.replySents()); got != 1 {
		t.Fatalf("sends = %d, want 1", got)
	}
	if got := len(hist.byStatus(model.HistoryReplied)); got != 1 {
		t.Fatalf("replied entries = %d, want 1", got)
	}
	if got := len(hist.byStatus(model.HistoryBlocked)); got != 1 {
		t.Fatalf("blocked entries = %d, want 1", got)
	}

	// Different content inside the same interval still flows through.
	w.processMessage(context.Background(), "alice", backend.Message{
		Sender: "alice", Content: "hi there friend", Type: backend.MessageFriend,
	})
	if got := len(hist.byStatus(model.HistoryBlocked)); got != 1 {
		t.Fatalf("blocked entries after different content = %d, want 1", got)
	}
}

func TestProcessMessageMentionGate(t *testing.T) {
	t.Parallel()
	fb := newFakeBackend()
	fb.groups["devs"] = true
	hist := &memHistory{}
	w := newTestWorker(t, fb, hist, func(c *Config) {
		c.Contacts = "devs"
		c.OnlyWhenMentioned = true
	})

	// No mention: silent drop, no history, no send.
	w.processMessage(context.Background(), "devs", backend.Message{
		Sender: "bob", Content: "hi", Type: backend.MessageFriend,
	})
	if hist.count() != 0 {
		t.Fatalf("history entries = %d, want 0", hist.count())
	}
	if got := len(fb.replySents()); got != 0 {
		t.Fatalf("sends = %d, want 0", got)
	}

	// Mention present: marker stripped, rule matches the remainder.
	w.processMessage(context.Background(), "devs", backend.Message{
		Sender: "bob", Content: "@relaybot hi", Type: backend.MessageFriend,
	})
	if got := len(hist.byStatus(model.HistoryReplied)); got != 1 {
		t.Fatalf("replied entries = %d, want 1", got)
	}
}

func TestProcessMessageMentionBack(t *testing.T) {
	t.Parallel()
	fb := newFakeBackend()
	fb.groups["devs"] = true
	hist := &memHistory{}
	w := newTestWorker(t, fb, hist, func(c *Config) {
		c.Contacts = "devs"
		c.MentionBack = true
	})

	w.processMessage(context.Background(), "devs", backend.Message{
		Sender: "bob", Content: "hi", Type: backend.MessageFriend,
	})
	sent := fb.replySents()
	if len(sent) != 1 || sent[0] != "devs:@bob hello!" {
		t.Fatalf("sent = %v, want [devs:@bob hello!]", sent)
	}
}

func TestProcessMessageNoRuleNoAI(t *testing.T) {
	t.Parallel()
	fb := newFakeBackend()
	hist := &memHistory{}
	w := newTestWorker(t, fb, hist, nil)

	w.processMessage(context.Background(), "alice", backend.Message{
		Sender: "alice", Content: "something unmatched", Type: backend.MessageFriend,
	})
	if got := len(fb.replySents()); got != 0 {
		t.Fatalf("sends = %d, want 0", got)
	}
	if got := len(hist.byStatus(model.HistoryNotReplied)); got != 1 {
		t.Fatalf("not_replied entries = %d, want 1", got)
	}
}

func TestProcessMessageAIFallback(t *testing.T) {
	t.Parallel()
	fb := newFakeBackend()
	hist := &memHistory{}
	ai := &fakeAI{reply: "thought about it"}
	w := newTestWorker(t, fb, hist, func(c *Config) {
		c.Model = "gpt-test"
		c.AI = ai
	})

	w.processMessage(context.Background(), "alice", backend.Message{
		Sender: "alice", Content: "something unmatched", Type: backend.MessageFriend,
	})
	if ai.calls != 1 {
		t.Fatalf("ai calls = %d, want 1", ai.calls)
	}
	replied := hist.byStatus(model.HistoryReplied)
	if len(replied) != 1 || replied[0].Reply != "thought about it" {
		t.Fatalf("replied = %+v", replied)
	}

	// A rule match must not reach the AI.
	w.processMessage(context.Background(), "alice", backend.Message{
		Sender: "alice", Content: "hi", Type: backend.MessageFriend,
	})
	if ai.calls != 1 {
		t.Fatalf("ai calls after rule match = %d, want 1", ai.calls)
	}
}

func TestProcessMessageAIError(t *testing.T) {
	t.Parallel()
	fb := newFakeBackend()
	hist := &memHistory{}
	w := newTestWorker(t, fb, hist, func(c *Config) {
		c.Model = "gpt-test"
		c.AI = &fakeAI{err: errors.New("model unavailable")}
	})

	w.processMessage(context.Background(), "alice", backend.Message{
		Sender: "alice", Content: "something unmatched", Type: backend.MessageFriend,
	})
	if got := len(hist.byStatus(model.HistoryFailed)); got != 1 {
		t.Fatalf("failed entries = %d, want 1", got)
	}
	if got := len(fb.replySents()); got != 0 {
		t.Fatalf("sends = %d, want 0", got)
	}
}

func TestIgnorable(t *testing.T) {
	t.Parallel()
	fb := newFakeBackend()
	w := newTestWorker(t, fb, &memHistory{}, nil)

	tests := []struct {
		name string
		chat string
		msg  backend.Message
		want bool
	}{
		{name: "normal", chat: "alice", msg: backend.Message{Sender: "alice", Content: "hi", Type: backend.MessageFriend}, want: false},
		{name: "system", chat: "alice", msg: backend.Message{Sender: "alice", Content: "hi", Type: backend.MessageSystem}, want: true},
		{name: "own message", chat: "alice", msg: backend.Message{Sender: "relaybot", Content: "hi", Type: backend.MessageFriend}, want: true},
		{name: "self marker", chat: "alice", msg: backend.Message{Sender: "Self", Content: "hi", Type: backend.MessageFriend}, want: true},
		{name: "empty content", chat: "alice", msg: backend.Message{Sender: "alice", Content: "   ", Type: backend.MessageFriend}, want: true},
		{name: "foreign chat", chat: "mallory", msg: backend.Message{Sender: "mallory", Content: "hi", Type: backend.MessageFriend}, want: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := w.ignorable(tt.chat, tt.msg); got != tt.want {
				t.Fatalf("ignorable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGroupWatchRecordsAndExtracts(t *testing.T) {
	t.Parallel()
	fb := newFakeBackend()
	fb.groups["ops"] = true
	hist := &memHistory{}
	dataDir := t.TempDir()
	w := newTestWorker(t, fb, hist, func(c *Config) {
		c.Contacts = "ops"
		c.GroupWatch = true
		c.ExtractPatterns = []string{`order (\d+) from (\w+)`}
		c.SensitiveWords = []string{"secret"}
		c.DataDir = dataDir
	})

	w.processGroupWatch("ops", backend.Message{
		Sender: "bob", Content: "order 42 from carol", Type: backend.MessageFriend,
	})
	w.processGroupWatch("ops", backend.Message{
		Sender: "bob", Content: "this is secret", Type: backend.MessageFriend,
	})

	// Log-only: never replies, never writes reply history.
	if got := len(fb.replySents()); got != 0 {
		t.Fatalf("sends = %d, want 0", got)
	}
	if hist.count() != 0 {
		t.Fatalf("history entries = %d, want 0", hist.count())
	}

	day := time.Now().Format("2006-01-02")
	msgLog := filepath.Join(dataDir, "group_data", "ops", "messages_"+day+".jsonl")
	b, err := os.ReadFile(msgLog)
	if err != nil {
		t.Fatalf("message log missing: %v", err)
	}
	if lines := strings.Count(strings.TrimSpace(string(b)), "\n") + 1; lines != 2 {
		t.Fatalf("message log lines = %d, want 2", lines)
	}

	colLog := filepath.Join(dataDir, "group_data", "ops", "collected_"+day+".jsonl")
	cb, err := os.ReadFile(colLog)
	if err != nil {
		t.Fatalf("collected log missing: %v", err)
	}
	var entry struct {
		Fields []string `json:"fields"`
	}
	if err := json.Unmarshal([]byte(strings.SplitN(strings.TrimSpace(string(cb)), "\n", 2)[0]), &entry); err != nil {
		t.Fatalf("collected entry decode: %v", err)
	}
	if len(entry.Fields) != 2 || entry.Fields[0] != "42" || entry.Fields[1] != "carol" {
		t.Fatalf("collected fields = %v", entry.Fields)
	}
}

func TestSplitContacts(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want []string
	}{
		{raw: "alice", want: []string{"alice"}},
		{raw: "alice;bob", want: []string{"alice", "bob"}},
		{raw: "alice；bob", want: []string{"alice", "bob"}},
		{raw: " alice ; ; bob ", want: []string{"alice", "bob"}},
		{raw: "", want: []string{}},
	}
	for _, tt := range tests {
		got := splitContacts(tt.raw)
		if len(got) != len(tt.want) {
			t.Fatalf("splitContacts(%q) = %v, want %v", tt.raw, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("splitContacts(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		}
	}
}

func TestManagerLifecycle(t *testing.T) {
	t.Parallel()
	fb := newFakeBackend()
	m := NewManager(logx.Nop())
	cfg := Config{
		Backend:    fb,
		Dispatcher: &backend.Dispatcher{Backend: fb},
		History:    &memHistory{},
		Contacts:   "alice",
		Model:      ModelDisabled,
		DataDir:    t.TempDir(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.StartWorker(ctx, cfg); err != nil {
		t.Fatalf("StartWorker: %v", err)
	}
	if err := m.StartWorker(ctx, cfg); err == nil {
		t.Fatal("duplicate key must fail")
	}

	key := Key("alice", ModelDisabled)
	list := m.ListWorkers()
	if len(list) != 1 || list[0] != key {
		t.Fatalf("ListWorkers = %v, want [%s]", list, key)
	}

	st, ok := m.WorkerStatus("alice", ModelDisabled)
	if !ok || !st.Running {
		t.Fatalf("status = %+v (ok=%v), want running", st, ok)
	}

	if !m.PauseWorker("alice", ModelDisabled) {
		t.Fatal("PauseWorker failed")
	}
	if st, _ := m.WorkerStatus("alice", ModelDisabled); !st.Paused {
		t.Fatal("worker should report paused")
	}
	if !m.ResumeWorker("alice", ModelDisabled) {
		t.Fatal("ResumeWorker failed")
	}

	if !m.StopWorker("alice", ModelDisabled) {
		t.Fatal("StopWorker failed")
	}
	if _, ok := m.WorkerStatus("alice", ModelDisabled); ok {
		t.Fatal("stopped worker must leave the registry")
	}
}

func TestManagerStartFailsOnBadListener(t *testing.T) {
	t.Parallel()
	fb := newFakeBackend()
	fb.addErr = errors.New("no such contact")
	m := NewManager(logx.Nop())
	cfg := Config{
		Backend:    fb,
		Dispatcher: &backend.Dispatcher{Backend: fb},
		History:    &memHistory{},
		Contacts:   "ghost",
		Model:      ModelDisabled,
		DataDir:    t.TempDir(),
	}

	if err := m.StartWorker(context.Background(), cfg); err == nil {
		t.Fatal("expected startup failure")
	}
	if got := m.ListWorkers(); len(got) != 0 {
		t.Fatalf("registry = %v, want empty", got)
	}
}

func TestStopWakesPausedWorker(t *testing.T) {
	t.Parallel()
	fb := newFakeBackend()
	w := newTestWorker(t, fb, &memHistory{}, nil)

	go w.Run(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for !w.Ready() {
		if time.Now().After(deadline) {
			t.Fatal("worker never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}

	w.Pause()
	if !w.Paused() {
		t.Fatal("worker should be paused")
	}
	w.Stop()

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not wake the paused worker")
	}
}
