package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

type stubBackend struct {
	online   bool
	texts    []string
	files    []string
	stickers []int
}

func (s *stubBackend) Online() bool     { return s.online }
func (s *stubBackend) SelfName() string { return "bot" }

func (s *stubBackend) SendText(_ context.Context, _, text string) error {
	s.texts = append(s.texts, text)
	return nil
}

func (s *stubBackend) SendFile(_ context.Context, _, path string) error {
	s.files = append(s.files, path)
	return nil
}

func (s *stubBackend) SendSticker(_ context.Context, _ string, index int) error {
	s.stickers = append(s.stickers, index)
	return nil
}

func (s *stubBackend) AddListener(context.Context, string) error    { return nil }
func (s *stubBackend) RemoveListener(context.Context, string) error { return nil }
func (s *stubBackend) Poll(context.Context) (map[string][]Message, error) {
	return nil, nil
}
func (s *stubBackend) ChatInfo(target string) ChatInfo { return ChatInfo{Name: target} }

type countingQuota struct {
	checkErr error
	commits  int
}

func (q *countingQuota) Check() error { return q.checkErr }
func (q *countingQuota) Commit()      { q.commits++ }

func TestSendPlainText(t *testing.T) {
	t.Parallel()
	sb := &stubBackend{online: true}
	q := &countingQuota{}
	d := &Dispatcher{Backend: sb, Quota: q}

	if err := d.Send(context.Background(), "alice", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(sb.texts) != 1 || sb.texts[0] != "hello" {
		t.Fatalf("texts = %v", sb.texts)
	}
	if q.commits != 1 {
		t.Fatalf("commits = %d, want 1", q.commits)
	}
}

func TestSendOffline(t *testing.T) {
	t.Parallel()
	d := &Dispatcher{Backend: &stubBackend{online: false}}
	if err := d.Send(context.Background(), "alice", "hello"); err == nil {
		t.Fatal("offline backend must refuse to send")
	}
}

func TestSendQuotaExhausted(t *testing.T) {
	t.Parallel()
	sb := &stubBackend{online: true}
	q := &countingQuota{checkErr: ErrQuotaExhausted}
	d := &Dispatcher{Backend: sb, Quota: q}

	if err := d.Send(context.Background(), "alice", "hello"); err != ErrQuotaExhausted {
		t.Fatalf("err = %v, want ErrQuotaExhausted", err)
	}
	if len(sb.texts) != 0 {
		t.Fatal("a blocked send must never reach the backend")
	}
	if q.commits != 0 {
		t.Fatal("a blocked send must not consume quota")
	}
}

func TestSendExistingFilePath(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "report.pdf")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	sb := &stubBackend{online: true}
	d := &Dispatcher{Backend: sb}
	if err := d.Send(context.Background(), "alice", path); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(sb.files) != 1 || sb.files[0] != path {
		t.Fatalf("files = %v", sb.files)
	}
	if len(sb.texts) != 0 {
		t.Fatalf("texts = %v, want none", sb.texts)
	}
}

func TestSendQuotedFilePath(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "report.pdf")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	sb := &stubBackend{online: true}
	d := &Dispatcher{Backend: sb}
	if err := d.Send(context.Background(), "alice", `"`+path+`"`); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(sb.files) != 1 {
		t.Fatalf("files = %v, want the unquoted path", sb.files)
	}
}

func TestSendStickerDirective(t *testing.T) {
	t.Parallel()
	sb := &stubBackend{online: true}
	d := &Dispatcher{Backend: sb}

	if err := d.Send(context.Background(), "alice", "sticker:2"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(sb.stickers) != 1 || sb.stickers[0] != 1 {
		t.Fatalf("stickers = %v, want 0-based index 1", sb.stickers)
	}

	// Full-width commas and multiple indices.
	if err := d.Send(context.Background(), "alice", "sticker:1，3，5"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := sb.stickers[len(sb.stickers)-1]
	if got != 0 && got != 2 && got != 4 {
		t.Fatalf("sticker index = %d, want one of 0/2/4", got)
	}

	if err := d.Send(context.Background(), "alice", "sticker:zero"); err == nil {
		t.Fatal("malformed directive must fail")
	}
	if err := d.Send(context.Background(), "alice", "sticker:"); err == nil {
		t.Fatal("empty directive must fail")
	}
}

func TestUnquote(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{in: `"hello"`, want: "hello"},
		{in: `'hello'`, want: "hello"},
		{in: `say "hi" now`, want: `say "hi" now`},
		{in: `"a" and "b"`, want: `"a" and "b"`},
		{in: `"`, want: `"`},
		{in: `plain`, want: `plain`},
	}
	for _, tt := range tests {
		if got := unquote(tt.in); got != tt.want {
			t.Fatalf("unquote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
