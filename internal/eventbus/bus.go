// Package eventbus is a small in-memory fanout for lifecycle signals.
//
// Publish never blocks; a subscriber that falls behind loses events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the relay.
const (
	IngestAuthenticated = "ingest.authenticated"
	IngestAuthFailed    = "ingest.auth_failed"
	IngestDisconnected  = "ingest.disconnected"
	DispatchPass        = "dispatch.pass"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// SessionEvent is the payload of the ingest.* events.
type SessionEvent struct {
	SessionID string
	Nickname  string
	Remote    string
	Reason    string
	Updates   uint64
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

// MemBus owns no goroutines.
type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// Dropped reports how many deliveries were skipped because a subscriber
// buffer was full.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }

func (b *MemBus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// delivery happens under the read lock so unsubscribe (write lock) never
	// closes a channel mid-send
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
