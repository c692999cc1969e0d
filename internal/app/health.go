package app

import (
	"time"

	"overseer/internal/observability/debug"
)

type healthDetails struct {
	Listener       string    `json:"listener"`
	ActiveSessions int64     `json:"active_sessions"`
	Accepted       uint64    `json:"accepted"`
	Rejected       uint64    `json:"rejected"`
	SlavesSeen     int       `json:"slaves_seen"`
	LastPass       time.Time `json:"last_pass,omitempty"`
	LastPassPairs  int       `json:"last_pass_pairs"`
	LastPassFailed int       `json:"last_pass_failed"`
	EventsDropped  uint64    `json:"events_dropped"`
	LogsDropped    uint64    `json:"operator_logs_dropped"`
}

func (a *App) healthy() bool {
	select {
	case <-a.ingest.Done():
		return false
	default:
		return true
	}
}

func (a *App) health() debug.Report {
	st := a.ingest.Stats()
	pass := a.sched.LastPass()
	d := healthDetails{
		Listener:       "up",
		ActiveSessions: st.Active,
		Accepted:       st.Accepted,
		Rejected:       st.Rejected,
		SlavesSeen:     a.cache.Len(),
		LastPass:       pass.StartedAt,
		LastPassPairs:  pass.Pairs,
		LastPassFailed: pass.Failures(),
		EventsDropped:  a.bus.Dropped(),
		LogsDropped:    a.logs.Dropped(),
	}
	ok := a.healthy()
	if !ok {
		d.Listener = "down"
	}
	return debug.Report{Healthy: ok, Details: d}
}
