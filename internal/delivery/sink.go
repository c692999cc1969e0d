package delivery

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"overseer/internal/transport"
)

const (
	// AckCallbackData is attached to the button under every alert.
	AckCallbackData = "alert:ack"
	AckButtonText   = "OK"

	// parseMode applies to slave-supplied text unescaped: an unbalanced
	// '_', '*', '`' or '[' in a state makes the platform reject the edit
	// on every pass until the slave's text changes.
	parseMode = "Markdown"
)

// Sink delivers messages to a subscriber's private chat.
type Sink interface {
	// EditMessage replaces the text of the status message handle.
	EditMessage(ctx context.Context, subscriber int64, handle int, text string) error
	// SendMessage posts a new message; ack adds the acknowledgement button.
	SendMessage(ctx context.Context, subscriber int64, text string, ack bool) (int, error)
}

// ChatSink implements Sink over a chat adapter with a shared token bucket
// across all workers.
type ChatSink struct {
	adapter transport.Adapter

	mu      sync.RWMutex
	limiter *rate.Limiter
}

var _ Sink = (*ChatSink)(nil)

// NewChatSink limits outgoing requests to ratePerSec; <=0 disables the limit.
func NewChatSink(adapter transport.Adapter, ratePerSec int) *ChatSink {
	s := &ChatSink{adapter: adapter}
	s.SetRate(ratePerSec)
	return s
}

func (s *ChatSink) SetRate(ratePerSec int) {
	var lim *rate.Limiter
	if ratePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
	}
	s.mu.Lock()
	s.limiter = lim
	s.mu.Unlock()
}

func (s *ChatSink) wait(ctx context.Context) error {
	s.mu.RLock()
	lim := s.limiter
	s.mu.RUnlock()
	if lim == nil {
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		// the deadline would pass before a token frees up
		return ErrTransient
	}
	return nil
}

func (s *ChatSink) EditMessage(ctx context.Context, subscriber int64, handle int, text string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	return s.adapter.EditText(ctx,
		transport.MessageRef{ChatID: subscriber, MessageID: handle},
		text,
		&transport.SendOptions{ParseMode: parseMode},
	)
}

func (s *ChatSink) SendMessage(ctx context.Context, subscriber int64, text string, ack bool) (int, error) {
	if err := s.wait(ctx); err != nil {
		return 0, err
	}
	opt := &transport.SendOptions{ParseMode: parseMode}
	if ack {
		opt.Buttons = []transport.Button{{Text: AckButtonText, Data: AckCallbackData}}
	}
	ref, err := s.adapter.SendText(ctx, transport.ChatTarget{ChatID: subscriber}, text, opt)
	if err != nil {
		return 0, err
	}
	return ref.MessageID, nil
}
