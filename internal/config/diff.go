package config

import (
	"reflect"
	"sort"
	"strings"

	"overseer/pkg/logx"
)

// Change summarizes a config reload.
type Change struct {
	// Sections lists changed top-level sections, sorted.
	Sections []string
	// RestartRequired lists changed settings that only take effect after a
	// restart.
	RestartRequired []string
	// Attrs are safe structured fields for logging; secrets never appear.
	Attrs []logx.Field
}

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.PollTimeout != nt.PollTimeout ||
		ot.GroupLog != nt.GroupLog || !reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		ch.Sections = append(ch.Sections, "telegram")
		ch.Attrs = append(ch.Attrs,
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
		if ot.Token != nt.Token {
			ch.RestartRequired = append(ch.RestartRequired, "telegram.token")
		}
		if ot.PollTimeout != nt.PollTimeout {
			ch.RestartRequired = append(ch.RestartRequired, "telegram.poll_timeout")
		}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		ch.Sections = append(ch.Sections, "logging")
		ch.Attrs = append(ch.Attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Ingest, newCfg.Ingest) {
		ch.Sections = append(ch.Sections, "ingest")
		ch.RestartRequired = append(ch.RestartRequired, "ingest")
		ch.Attrs = append(ch.Attrs, logx.String("ingest.addr", newCfg.Ingest.Addr()))
	}

	od, nd := oldCfg.Dispatch, newCfg.Dispatch
	if od != nd {
		ch.Sections = append(ch.Sections, "dispatch")
		ch.Attrs = append(ch.Attrs,
			logx.String("dispatch.schedule", nd.Schedule),
			logx.Int("dispatch.workers", nd.Workers),
			logx.String("dispatch.send_timeout", nd.SendTimeout),
			logx.Int("dispatch.rate_per_sec", nd.RatePerSec),
		)
		if od.Workers != nd.Workers {
			ch.RestartRequired = append(ch.RestartRequired, "dispatch.workers")
		}
	}

	if oldCfg.Storage != newCfg.Storage {
		ch.Sections = append(ch.Sections, "storage")
		ch.RestartRequired = append(ch.RestartRequired, "storage")
		ch.Attrs = append(ch.Attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if oldCfg.Debug != newCfg.Debug {
		ch.Sections = append(ch.Sections, "debug")
		ch.RestartRequired = append(ch.RestartRequired, "debug")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.RestartRequired)
	return ch
}
