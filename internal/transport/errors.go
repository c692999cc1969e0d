package transport

import (
	"errors"
	"fmt"
	"time"
)

// Platform-neutral error classes. Adapters wrap their native errors with
// these so callers can classify failures without importing the platform SDK.
var (
	// ErrNotModified: an edit carried exactly the current content.
	ErrNotModified = errors.New("message not modified")
	// ErrRejected: the platform refused the request (bad request, forbidden,
	// message or chat gone).
	ErrRejected = errors.New("request rejected")
	// ErrUnavailable: network failure or platform-side 5xx.
	ErrUnavailable = errors.New("platform unavailable")
)

// RateLimitedError reports a flood-control rejection with the delay the
// platform asked for.
type RateLimitedError struct {
	After time.Duration
	Err   error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", e.After, e.Err)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }
