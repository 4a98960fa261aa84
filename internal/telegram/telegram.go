// Package telegram adapts gopkg.in/telebot.v4 to the backend seam. Listener
// targets are usernames, titles, or numeric chat IDs; inbound traffic is
// buffered per listener and drained by Poll.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	"relaybot/internal/backend"
	logx "relaybot/pkg/logx"
)

const inboxCap = 256

type Config struct {
	Token       string
	PollTimeout time.Duration

	// RatePerSec caps outbound sends across the whole adapter; zero means
	// one send per second.
	RatePerSec int

	// Stickers maps 0-based indices to Telegram sticker file IDs.
	Stickers []string
}

// listener is one registered target with its resolved chat and inbox.
type listener struct {
	target string
	chat   *tele.Chat
	inbox  []backend.Message
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter

	runMu   sync.Mutex
	running bool

	// mu guards listeners and the chat-ID index. The OnText handler and
	// Poll/AddListener/RemoveListener race on these.
	mu        sync.Mutex
	listeners map[string]*listener
	byChatID  map[int64]*listener

	dropped uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 1
	}
	a := &Adapter{
		cfg:       cfg,
		log:       log,
		bot:       b,
		limiter:   rate.NewLimiter(rate.Limit(perSec), perSec),
		listeners: map[string]*listener{},
		byChatID:  map[int64]*listener{},
	}
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		a.enqueue(m)
		return nil
	})
}

func (a *Adapter) enqueue(m *tele.Message) {
	typ := backend.MessageFriend
	sender := ""
	if m.Sender != nil {
		sender = senderName(m.Sender)
		if a.bot.Me != nil && m.Sender.ID == a.bot.Me.ID {
			typ = backend.MessageSelf
		}
	} else {
		typ = backend.MessageSystem
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	l := a.byChatID[m.Chat.ID]
	if l == nil {
		return
	}
	if len(l.inbox) >= inboxCap {
		a.dropped++
		return
	}
	l.inbox = append(l.inbox, backend.Message{
		Sender:  sender,
		Content: m.Text,
		Type:    typ,
	})
}

// Start launches the long-poll loop. Blocks until ctx is cancelled.
func (a *Adapter) Start(ctx context.Context) {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return
	}
	a.running = true
	a.runMu.Unlock()

	go func() {
		<-ctx.Done()
		a.bot.Stop()
	}()

	a.log.Info("telegram polling started")
	a.bot.Start()
	a.log.Info("telegram polling stopped")

	a.runMu.Lock()
	a.running = false
	a.runMu.Unlock()
}

func (a *Adapter) Online() bool {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.running && a.bot != nil && a.bot.Me != nil
}

func (a *Adapter) SelfName() string {
	if a.bot == nil || a.bot.Me == nil {
		return ""
	}
	if a.bot.Me.Username != "" {
		return a.bot.Me.Username
	}
	return a.bot.Me.FirstName
}

func (a *Adapter) SendText(ctx context.Context, to, text string) error {
	chat, err := a.resolve(to)
	if err != nil {
		return err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err = a.bot.Send(chat, text)
	return err
}

func (a *Adapter) SendFile(ctx context.Context, to, path string) error {
	chat, err := a.resolve(to)
	if err != nil {
		return err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	doc := &tele.Document{File: tele.FromDisk(path)}
	_, err = a.bot.Send(chat, doc)
	return err
}

func (a *Adapter) SendSticker(ctx context.Context, to string, index int) error {
	if index < 0 || index >= len(a.cfg.Stickers) {
		return errors.New("sticker index out of range")
	}
	chat, err := a.resolve(to)
	if err != nil {
		return err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	st := &tele.Sticker{File: tele.File{FileID: a.cfg.Stickers[index]}}
	_, err = a.bot.Send(chat, st)
	return err
}

// AddListener resolves the target against Telegram and starts buffering its
// traffic. An unresolvable target is an error; workers rely on that to fail
// startup on bad contact names.
func (a *Adapter) AddListener(ctx context.Context, target string) error {
	chat, err := a.lookupChat(ctx, target)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.listeners[target]; exists {
		return nil
	}
	l := &listener{target: target, chat: chat}
	a.listeners[target] = l
	a.byChatID[chat.ID] = l
	return nil
}

func (a *Adapter) RemoveListener(_ context.Context, target string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.listeners[target]
	if !ok {
		return nil
	}
	delete(a.listeners, target)
	if l.chat != nil {
		delete(a.byChatID, l.chat.ID)
	}
	return nil
}

// Poll drains every listener inbox. Listeners without traffic are absent
// from the result.
func (a *Adapter) Poll(_ context.Context) (map[string][]backend.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out map[string][]backend.Message
	for target, l := range a.listeners {
		if len(l.inbox) == 0 {
			continue
		}
		if out == nil {
			out = make(map[string][]backend.Message, len(a.listeners))
		}
		out[target] = l.inbox
		l.inbox = nil
	}
	if n := a.dropped; n > 0 {
		a.dropped = 0
		a.log.Warn("inbound messages dropped (inbox full)", logx.Int64("count", int64(n)))
	}
	return out, nil
}

func (a *Adapter) ChatInfo(target string) backend.ChatInfo {
	a.mu.Lock()
	l := a.listeners[target]
	a.mu.Unlock()

	info := backend.ChatInfo{Name: target}
	if l == nil || l.chat == nil {
		return info
	}
	if l.chat.Title != "" {
		info.Name = l.chat.Title
	}
	switch l.chat.Type {
	case tele.ChatGroup, tele.ChatSuperGroup:
		info.IsGroup = true
	}
	return info
}

// resolve maps a target to its registered chat, falling back to a raw
// numeric ID for one-off sends outside any listener.
func (a *Adapter) resolve(target string) (*tele.Chat, error) {
	a.mu.Lock()
	l := a.listeners[target]
	a.mu.Unlock()
	if l != nil && l.chat != nil {
		return l.chat, nil
	}
	if id, err := strconv.ParseInt(target, 10, 64); err == nil {
		return &tele.Chat{ID: id}, nil
	}
	return a.lookupChat(context.Background(), target)
}

func (a *Adapter) lookupChat(_ context.Context, target string) (*tele.Chat, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, errors.New("empty chat target")
	}
	if id, err := strconv.ParseInt(target, 10, 64); err == nil {
		chat, err := a.bot.ChatByID(id)
		if err != nil {
			return nil, err
		}
		return chat, nil
	}
	chat, err := a.bot.ChatByUsername(target)
	if err != nil {
		return nil, err
	}
	return chat, nil
}

func senderName(u *tele.User) string {
	if u.Username != "" {
		return u.Username
	}
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	return name
}
