// Package state holds the normalized view of a slave's latest update and the
// concurrent cache shared by ingestion and dispatch.
package state

import (
	"strings"
	"time"
)

// TimeLayout renders receipt timestamps in status and alert messages.
const TimeLayout = "2006-01-02 15:04:05"

// PlaceholderToken is replaced with the slave nickname in placeholder
// templates.
const PlaceholderToken = "{nickname}"

// Snapshot is the latest update of one slave.
type Snapshot struct {
	Nickname string
	// ReceivedAt is assigned at parse time and is the only timestamp shown
	// to subscribers.
	ReceivedAt time.Time
	// SentAt is whatever the slave reported; informational only.
	SentAt string
	State  string
	// Alerts keeps the slave's order; empty entries mean "no alert".
	Alerts []string

	placeholder bool
}

// Placeholder builds the snapshot shown for a slave with no cache entry.
// It has no timestamp so rendering it twice yields identical text.
func Placeholder(nickname, template string) Snapshot {
	if template == "" {
		template = PlaceholderToken + ": not connected"
	}
	return Snapshot{
		Nickname:    nickname,
		State:       strings.ReplaceAll(template, PlaceholderToken, nickname),
		placeholder: true,
	}
}

func (s Snapshot) IsPlaceholder() bool { return s.placeholder }

func (s Snapshot) header() string {
	return s.ReceivedAt.Format(TimeLayout) + " - " + s.Nickname
}

// StateMessage is the status message text:
// "<receipt_ts> - <nickname>\n<state>".
func (s Snapshot) StateMessage() string {
	if s.placeholder {
		return s.State
	}
	return s.header() + "\n" + s.State
}

// AlertMessage renders one alert. ok is false for an empty alert, which
// must never be delivered.
func (s Snapshot) AlertMessage(alert string) (msg string, ok bool) {
	if alert == "" {
		return "", false
	}
	return s.header() + "\nAlert! " + alert, true
}

// AlertMessages renders every non-empty alert in order.
func (s Snapshot) AlertMessages() []string {
	var out []string
	for _, a := range s.Alerts {
		if msg, ok := s.AlertMessage(a); ok {
			out = append(out, msg)
		}
	}
	return out
}
