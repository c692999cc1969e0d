package app

import (
	"context"
	"strings"

	"overseer/internal/config"
	"overseer/internal/dispatch"
	"overseer/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

// applyConfig applies the hot-reloadable settings of next. Everything else
// is reported as requiring a restart.
func (a *App) applyConfig(prev, next *config.Config) {
	ch := config.Diff(prev, next)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if ch.Has("telegram") || ch.Has("logging") {
		a.logs.SetOperatorTarget(parseGroupLog(next.Telegram.GroupLog), next.Logging.Telegram.ThreadID)
		a.logs.Apply(loggingConfig(next))
	}
	if ch.Has("telegram") {
		a.bot.SetOwners(next.Telegram.OwnerUserIDs)
	}
	if ch.Has("dispatch") {
		dcfg, err := dispatch.FromConfig(next.Dispatch)
		if err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		} else {
			a.sched.Apply(dcfg)
			a.sink.SetRate(next.Dispatch.RatePerSec)
		}
	}
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.Strings("settings", ch.RestartRequired),
		)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Info("config reloaded", fields...)
}
