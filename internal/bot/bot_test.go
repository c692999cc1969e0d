package bot

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"overseer/internal/delivery"
	"overseer/internal/directory"
	"overseer/internal/dispatch"
	"overseer/internal/state"
	"overseer/internal/transport"
	"overseer/pkg/logx"
)

type sent struct {
	chat transport.ChatTarget
	text string
	id   int
}

type fakeAdapter struct {
	mu       sync.Mutex
	nextID   int
	sent     []sent
	deleted  []transport.MessageRef
	answered []string
}

func (a *fakeAdapter) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (a *fakeAdapter) Stop(ctx context.Context) error                               { return nil }

func (a *fakeAdapter) SendText(_ context.Context, chat transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	a.sent = append(a.sent, sent{chat: chat, text: text, id: a.nextID})
	return transport.MessageRef{ChatID: chat.ChatID, ThreadID: chat.ThreadID, MessageID: a.nextID}, nil
}

func (a *fakeAdapter) EditText(context.Context, transport.MessageRef, string, *transport.SendOptions) error {
	return nil
}

func (a *fakeAdapter) DeleteMessage(_ context.Context, ref transport.MessageRef) error {
	a.mu.Lock()
	a.deleted = append(a.deleted, ref)
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) AnswerCallback(_ context.Context, id, _ string) error {
	a.mu.Lock()
	a.answered = append(a.answered, id)
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) last() sent {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		return sent{}
	}
	return a.sent[len(a.sent)-1]
}

type fakeDispatcher struct {
	mu     sync.Mutex
	passes int
	last   dispatch.PassStats
}

func (d *fakeDispatcher) RunPass(context.Context) dispatch.PassStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.passes++
	d.last = dispatch.PassStats{ID: "p1", StartedAt: time.Now(), Pairs: 3, OK: 2, NoOp: 1}
	return d.last
}

func (d *fakeDispatcher) LastPass() dispatch.PassStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

type harness struct {
	bot   *Bot
	ad    *fakeAdapter
	dir   *directory.SQLite
	cache *state.Cache
	disp  *fakeDispatcher
}

func newHarness(t *testing.T, owners ...int64) *harness {
	t.Helper()
	dir, err := directory.Open(context.Background(), directory.Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open directory: %v", err)
	}
	t.Cleanup(func() { _ = dir.Close() })
	if err := dir.AddSlave(context.Background(), directory.Slave{Nickname: "fridge1", PasswordHash: directory.HashPassword("pw")}); err != nil {
		t.Fatalf("add slave: %v", err)
	}
	h := &harness{ad: &fakeAdapter{}, dir: dir, cache: state.NewCache(), disp: &fakeDispatcher{}}
	h.bot = New(h.ad, dir, h.cache, h.disp, logx.Nop(), Options{Owners: owners})
	return h
}

// handle routes one update synchronously.
func (h *harness) handle(t *testing.T, up transport.Update) error {
	t.Helper()
	req, fn := h.bot.route(up)
	if fn == nil {
		t.Fatalf("update not routed: %+v", up)
	}
	return fn(context.Background(), req)
}

func msg(from int64, text string) transport.Update {
	return transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{
		ChatID: from, FromID: from, FromName: "Ada", Text: text,
	}}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in   string
		name string
		args []string
		ok   bool
	}{
		{"/start", "start", nil, true},
		{"/Subscribe@overseer_bot fridge1", "subscribe", []string{"fridge1"}, true},
		{"  /unsubscribe  cryo 2 ", "unsubscribe", []string{"cryo", "2"}, true},
		{"hello", "", nil, false},
		{"/", "", nil, false},
	}
	for _, tc := range cases {
		name, args, ok := parseCommand(tc.in)
		if ok != tc.ok || name != tc.name || strings.Join(args, "|") != strings.Join(tc.args, "|") {
			t.Fatalf("parseCommand(%q)=(%q,%v,%v)", tc.in, name, args, ok)
		}
	}
}

func TestSubscribeUsesReplyAsHandle(t *testing.T) {
	h := newHarness(t)
	if err := h.handle(t, msg(42, "/subscribe fridge1")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	reply := h.ad.last()
	if !strings.Contains(reply.text, "fridge1") || reply.chat.ChatID != 42 {
		t.Fatalf("unexpected reply %+v", reply)
	}

	subs, err := h.dir.ListSubscriptions(context.Background(), 42)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 1 || subs[0].Slave != "fridge1" || subs[0].Handle != reply.id {
		t.Fatalf("subscriptions=%+v want handle %d", subs, reply.id)
	}

	// resubscribing replaces the handle with the newest status message
	if err := h.handle(t, msg(42, "/subscribe fridge1")); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	subs, _ = h.dir.ListSubscriptions(context.Background(), 42)
	if len(subs) != 1 || subs[0].Handle != h.ad.last().id {
		t.Fatalf("handle not replaced: %+v", subs)
	}
}

func TestSubscribeRejectsUnknownAndGroup(t *testing.T) {
	h := newHarness(t)
	if err := h.handle(t, msg(42, "/subscribe nobody")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !strings.Contains(h.ad.last().text, "Unknown slave") {
		t.Fatalf("reply=%q", h.ad.last().text)
	}

	up := msg(42, "/subscribe fridge1")
	up.Message.ChatID = -100
	if err := h.handle(t, up); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !strings.Contains(h.ad.last().text, "private chat") {
		t.Fatalf("reply=%q", h.ad.last().text)
	}
	subs, _ := h.dir.ListSubscriptions(context.Background(), 42)
	if len(subs) != 0 {
		t.Fatalf("expected no subscriptions, got %+v", subs)
	}
}

func TestUnsubscribeAndList(t *testing.T) {
	h := newHarness(t)
	_ = h.handle(t, msg(7, "/subscribe fridge1"))
	h.cache.Write("fridge1", state.Parse("fridge1", []byte(`{"state":"cold"}`)))

	if err := h.handle(t, msg(7, "/list")); err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := h.ad.last().text; !strings.Contains(got, "fridge1 (last update") {
		t.Fatalf("list reply=%q", got)
	}

	if err := h.handle(t, msg(7, "/unsubscribe fridge1")); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if got := h.ad.last().text; !strings.HasPrefix(got, "Unsubscribed") {
		t.Fatalf("unsubscribe reply=%q", got)
	}
	_ = h.handle(t, msg(7, "/unsubscribe fridge1"))
	if got := h.ad.last().text; !strings.Contains(got, "not subscribed") {
		t.Fatalf("second unsubscribe reply=%q", got)
	}
}

func TestOwnerOnlyCommands(t *testing.T) {
	h := newHarness(t, 1)

	err := h.handle(t, msg(2, "/refresh"))
	if !errors.Is(err, errForbidden) {
		t.Fatalf("expected errForbidden, got %v", err)
	}
	if h.disp.passes != 0 {
		t.Fatalf("pass ran for non-owner")
	}

	if err := h.handle(t, msg(1, "/refresh")); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if h.disp.passes != 1 || !strings.Contains(h.ad.last().text, "ok=2 noop=1") {
		t.Fatalf("passes=%d reply=%q", h.disp.passes, h.ad.last().text)
	}

	h.bot.SetOwners([]int64{2})
	if err := h.handle(t, msg(2, "/status")); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(h.ad.last().text, "Last pass") {
		t.Fatalf("status reply=%q", h.ad.last().text)
	}
}

func TestAckDeletesAlert(t *testing.T) {
	h := newHarness(t)
	for _, data := range []string{delivery.AckCallbackData, "OK"} {
		up := transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{
			ID: "cb-" + data, FromID: 5, ChatID: 5, MessageID: 77, Data: data,
		}}
		if err := h.handle(t, up); err != nil {
			t.Fatalf("ack %q: %v", data, err)
		}
	}
	if len(h.ad.deleted) != 2 || h.ad.deleted[0].MessageID != 77 || h.ad.deleted[0].ChatID != 5 {
		t.Fatalf("deleted=%+v", h.ad.deleted)
	}
	if len(h.ad.answered) != 2 {
		t.Fatalf("answered=%v", h.ad.answered)
	}

	other := transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{Data: "something"}}
	if _, fn := h.bot.route(other); fn != nil {
		t.Fatalf("unexpected route for unknown callback data")
	}
}

func TestPanicIsRecovered(t *testing.T) {
	h := MWPanicRecover()(func(context.Context, *Request) error { panic("boom") })
	err := h(context.Background(), &Request{Logger: logx.Nop()})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected panic error, got %v", err)
	}
}

func TestRunProcessesUpdates(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan transport.Update, 4)
	done := make(chan error, 1)
	go func() { done <- h.bot.Run(ctx, updates) }()

	updates <- msg(9, "/start")
	updates <- msg(9, "just chatting")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.HasPrefix(h.ad.last().text, "Hi!") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.HasPrefix(h.ad.last().text, "Hi!") {
		t.Fatalf("greeting not sent")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return")
	}
	h.ad.mu.Lock()
	n := len(h.ad.sent)
	h.ad.mu.Unlock()
	if n != 1 {
		t.Fatalf("sent %d messages, want 1", n)
	}
}
