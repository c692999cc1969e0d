// Package app wires the relay together and owns its start and stop order.
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"overseer/internal/bot"
	"overseer/internal/config"
	"overseer/internal/delivery"
	"overseer/internal/directory"
	"overseer/internal/dispatch"
	"overseer/internal/eventbus"
	"overseer/internal/ingest"
	"overseer/internal/observability/debug"
	rtsup "overseer/internal/runtime/supervisor"
	"overseer/internal/state"
	"overseer/internal/transport"
	"overseer/internal/transport/telegram"
	"overseer/pkg/logx"
	"overseer/pkg/systemd"
)

// ErrListenerDown is returned by Err when the ingestion listener died.
var ErrListenerDown = errors.New("ingestion listener is down")

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	dir     *directory.SQLite
	cache   *state.Cache
	ingest  *ingest.Server
	adapter *telegram.Adapter
	sink    *delivery.ChatSink
	sched   *dispatch.Scheduler
	bot     *bot.Bot
	debug   *debug.Server

	updates chan transport.Update
}

func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if !cfg.Ingest.HasTLSIdentity() {
		return nil, errors.New("ingest: a TLS identity (cert_file/key_file or pkcs12_file) is required")
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logx.NewConsole("INFO").With(logx.Component("telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	// The operator sink needs its target before it is enabled, otherwise
	// Apply warns about a missing group_log.
	logCfg := loggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Operator.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	logSvc.SetOperatorTarget(parseGroupLog(cfg.Telegram.GroupLog), cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)
	log := root.With(logx.Component("app"))

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	dir, err := directory.Open(ctx, directory.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, root.With(logx.Component("directory")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("directory: %w", err)
	}

	bus := eventbus.New()
	cache := state.NewCache()

	icfg, err := ingest.FromConfig(cfg.Ingest)
	if err != nil {
		_ = dir.Close()
		logSvc.Close()
		return nil, err
	}
	srv := ingest.New(icfg, dir, cache, root.With(logx.Component("ingest")), bus)

	sink := delivery.NewChatSink(ad, cfg.Dispatch.RatePerSec)
	dcfg, err := dispatch.FromConfig(cfg.Dispatch)
	if err != nil {
		_ = dir.Close()
		logSvc.Close()
		return nil, err
	}
	sched := dispatch.New(dcfg, dir, cache, sink, root.With(logx.Component("dispatch")), bus)

	b := bot.New(ad, dir, cache, sched, root.With(logx.Component("bot")), bot.Options{
		Owners: cfg.Telegram.OwnerUserIDs,
	})

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		dir:     dir,
		cache:   cache,
		ingest:  srv,
		adapter: ad,
		sink:    sink,
		sched:   sched,
		bot:     b,
		updates: make(chan transport.Update, 256),
	}
	a.debug = debug.New(debug.Config{
		Enabled: cfg.Debug.Enabled,
		Addr:    cfg.Debug.Addr,
		Token:   cfg.Debug.Token,
	}, a.health, root.With(logx.Component("debug")))
	return a, nil
}

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := dispatch.FromConfig(cfg.Dispatch); err != nil {
			return err
		}
		return nil
	})

	// Slaves connect before anything else so no update is lost while the
	// chat side comes up.
	if err := a.ingest.Launch(a.sup.Context()); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	a.sup.Go("ingest.watch", a.watchIngest)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	a.sup.Go("bot.dispatch", func(c context.Context) error {
		return a.bot.Run(c, a.updates)
	})
	if err := a.debug.Start(a.sup.Context()); err != nil {
		a.log.Warn("debug listener disabled", logx.Err(err))
	}

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
	)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, a.healthy)
	})

	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	}
	a.log.Info("overseer started", logx.String("ingest_addr", a.ingest.Addr().String()))
	return nil
}

// watchIngest turns a dead listener into an app failure so the process
// exits and the service manager can restart it.
func (a *App) watchIngest(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-a.ingest.Done():
	}
	if ctx.Err() != nil {
		return nil
	}
	err := a.ingest.Err()
	if err == nil {
		err = errors.New("listener stopped")
	}
	a.log.Error("ingestion listener is down; shutting down", logx.Err(err))
	return fmt.Errorf("%w: %w", ErrListenerDown, err)
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch d := e.Data.(type) {
			case eventbus.SessionEvent:
				a.log.Debug("event", logx.String("type", e.Type), logx.String("slave", d.Nickname), logx.String("session", d.SessionID))
			case dispatch.PassStats:
				a.log.Debug("event", logx.String("type", e.Type), logx.String("pass", d.ID))
				_, _ = systemd.Status(fmt.Sprintf("%d slaves seen, last pass %d/%d ok", a.cache.Len(), d.OK+d.NoOp, d.Pairs))
			default:
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("ingest", 3*time.Second, a.ingest.Shutdown)
	step("dispatch", 5*time.Second, a.sched.Stop)
	step("debug", time.Second, a.debug.Stop)
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("directory", time.Second, func(context.Context) error { return a.dir.Close() })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

func loggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Operator: logx.OperatorConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// parseGroupLog returns 0 for an empty or malformed chat id.
func parseGroupLog(raw string) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
