// Package delivery pushes rendered snapshots to subscribers and classifies
// what happened.
package delivery

import (
	"context"
	"errors"
	"net"

	"overseer/internal/transport"
)

// Outcome classifies a single delivery attempt.
type Outcome uint8

const (
	OK Outcome = iota
	// NoOp: the edit carried the current content. Not an error.
	NoOp
	// Transient: timeout, cancellation, network failure or rate limit. The next pass
	// re-reads fresh state, so nothing is retried here.
	Transient
	// Rejected: the platform refused the request.
	Rejected
	// Uncaught: a panic or an error outside the taxonomy.
	Uncaught
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case NoOp:
		return "noop"
	case Transient:
		return "transient"
	case Rejected:
		return "rejected"
	case Uncaught:
		return "uncaught"
	default:
		return "unknown"
	}
}

var (
	ErrNotModified = errors.New("delivery: content not modified")
	ErrTransient   = errors.New("delivery: transient failure")
	ErrRejected    = errors.New("delivery: rejected")
)

// Classify maps a sink error to its outcome.
func Classify(err error) Outcome {
	if err == nil {
		return OK
	}
	var rl *transport.RateLimitedError
	var ne net.Error
	switch {
	case errors.Is(err, ErrNotModified), errors.Is(err, transport.ErrNotModified):
		return NoOp
	case errors.Is(err, ErrRejected), errors.Is(err, transport.ErrRejected):
		return Rejected
	case errors.Is(err, ErrTransient),
		errors.Is(err, transport.ErrUnavailable),
		errors.As(err, &rl),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.As(err, &ne):
		return Transient
	default:
		return Uncaught
	}
}
