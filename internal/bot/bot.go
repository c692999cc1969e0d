// Package bot is the chat command surface: subscription management for
// users, status and manual refresh for operators, and alert acknowledgement.
package bot

import (
	"context"
	"strings"
	"sync"
	"time"

	"overseer/internal/delivery"
	"overseer/internal/directory"
	"overseer/internal/dispatch"
	rtsup "overseer/internal/runtime/supervisor"
	"overseer/internal/state"
	"overseer/internal/transport"
	"overseer/pkg/logx"
)

type Directory interface {
	AddUser(ctx context.Context, u directory.Subscriber) error
	GetSlave(ctx context.Context, nickname string) (directory.Slave, error)
	Subscribe(ctx context.Context, subscriber int64, nickname string, handle int) error
	Unsubscribe(ctx context.Context, subscriber int64, nickname string) (bool, error)
	ListSubscriptions(ctx context.Context, subscriber int64) ([]directory.Subscription, error)
}

type Cache interface {
	Read(nickname string) (state.Snapshot, bool)
	Len() int
	Nicknames() []string
}

type Dispatcher interface {
	RunPass(ctx context.Context) dispatch.PassStats
	LastPass() dispatch.PassStats
}

// Request is one routed update.
type Request struct {
	Update   transport.Update
	Chat     transport.ChatTarget
	FromID   int64
	FromName string
	Command  string
	Args     []string
	Logger   logx.Logger

	adapter transport.Adapter
}

func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.adapter.SendText(ctx, r.Chat, text, nil)
	return err
}

type command struct {
	name      string
	usage     string
	ownerOnly bool
	timeout   time.Duration
	handle    HandlerFunc
}

type Options struct {
	Owners  []int64
	Workers int
}

type Bot struct {
	adapter transport.Adapter
	dir     Directory
	cache   Cache
	disp    Dispatcher
	log     logx.Logger

	ownersMu sync.RWMutex
	owners   []int64

	workers  int
	commands map[string]HandlerFunc
	ack      HandlerFunc
	help     []command
}

func New(adapter transport.Adapter, dir Directory, cache Cache, disp Dispatcher, log logx.Logger, opt Options) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	b := &Bot{
		adapter: adapter,
		dir:     dir,
		cache:   cache,
		disp:    disp,
		log:     log,
		owners:  append([]int64(nil), opt.Owners...),
		workers: opt.Workers,
	}
	b.register()
	return b
}

func (b *Bot) SetOwners(owners []int64) {
	b.ownersMu.Lock()
	b.owners = append([]int64(nil), owners...)
	b.ownersMu.Unlock()
}

func (b *Bot) ownersSnapshot() []int64 {
	b.ownersMu.RLock()
	defer b.ownersMu.RUnlock()
	return b.owners
}

func (b *Bot) register() {
	b.help = []command{
		{name: "start", handle: b.onStart},
		{name: "subscribe", usage: "/subscribe <slave>", handle: b.onSubscribe},
		{name: "unsubscribe", usage: "/unsubscribe <slave>", handle: b.onUnsubscribe},
		{name: "list", usage: "/list", handle: b.onList},
		{name: "status", usage: "/status", ownerOnly: true, handle: b.onStatus},
		{name: "refresh", usage: "/refresh", ownerOnly: true, timeout: 5 * time.Minute, handle: b.onRefresh},
	}
	b.commands = make(map[string]HandlerFunc, len(b.help))
	for _, c := range b.help {
		mw := []Middleware{MWPanicRecover(), MWRequestLog()}
		if c.ownerOnly {
			mw = append(mw, MWOwnerOnly(b.ownersSnapshot))
		}
		timeout := c.timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		mw = append(mw, MWTimeout(timeout))
		b.commands[c.name] = Chain(c.handle, mw...)
	}
	b.ack = Chain(b.onAck, MWPanicRecover(), MWRequestLog(), MWTimeout(15*time.Second))
}

// Run routes updates to a bounded pool of handlers until ctx ends or the
// channel closes.
func (b *Bot) Run(ctx context.Context, updates <-chan transport.Update) error {
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(b.log))
	jobs := make(chan func(context.Context), 64)

	for i := 0; i < b.workers; i++ {
		sup.Go0("bot.worker", func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case job := <-jobs:
					job(c)
				}
			}
		})
	}
	b.log.Info("command dispatcher started", logx.Int("workers", b.workers))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		b.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			req, h := b.route(up)
			if h == nil {
				continue
			}
			select {
			case jobs <- func(c context.Context) { _ = h(c, req) }:
			default:
				b.log.Warn("command queue full; dropping update", logx.String("cmd", req.Command))
			}
		}
	}
}

// route resolves an update to its handler; nil means ignore.
func (b *Bot) route(up transport.Update) (*Request, HandlerFunc) {
	req := &Request{Update: up, adapter: b.adapter}
	switch up.Kind {
	case transport.UpdateMessage:
		m := up.Message
		if m == nil {
			return nil, nil
		}
		name, args, ok := parseCommand(m.Text)
		if !ok {
			return nil, nil
		}
		h := b.commands[name]
		if h == nil {
			return nil, nil
		}
		req.Chat = transport.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
		req.FromID = m.FromID
		req.FromName = m.FromName
		req.Command = name
		req.Args = args
		req.Logger = b.log.With(logx.String("cmd", name))
		return req, h

	case transport.UpdateCallback:
		cb := up.Callback
		if cb == nil {
			return nil, nil
		}
		switch cb.Data {
		// "OK" is the button data older deployments attached to alerts
		case delivery.AckCallbackData, "OK":
		default:
			return nil, nil
		}
		req.Chat = transport.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}
		req.FromID = cb.FromID
		req.Command = delivery.AckCallbackData
		req.Logger = b.log.With(logx.String("cmd", req.Command))
		return req, b.ack
	}
	return nil, nil
}

// parseCommand splits "/cmd@bot arg1 arg2".
func parseCommand(text string) (name string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	name, _, _ = strings.Cut(fields[0], "@")
	return strings.ToLower(name), fields[1:], true
}
