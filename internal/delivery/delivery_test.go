package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"overseer/internal/transport"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OK},
		{"sink not modified", ErrNotModified, NoOp},
		{"transport not modified", fmt.Errorf("%w: telebot", transport.ErrNotModified), NoOp},
		{"rate limited", &transport.RateLimitedError{After: time.Second, Err: errors.New("429")}, Transient},
		{"unavailable", fmt.Errorf("%w: 502", transport.ErrUnavailable), Transient},
		{"deadline", fmt.Errorf("edit: %w", context.DeadlineExceeded), Transient},
		{"canceled", fmt.Errorf("edit: %w", context.Canceled), Transient},
		{"net timeout", timeoutErr{}, Transient},
		{"sink transient", ErrTransient, Transient},
		{"bad request", fmt.Errorf("%w: chat not found", transport.ErrRejected), Rejected},
		{"sink rejected", ErrRejected, Rejected},
		{"other", errors.New("something odd"), Uncaught},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

type recordingAdapter struct {
	mu    sync.Mutex
	sent  []transport.SendOptions
	edits []transport.MessageRef
}

func (a *recordingAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (a *recordingAdapter) Stop(context.Context) error                           { return nil }
func (a *recordingAdapter) SendText(_ context.Context, to transport.ChatTarget, _ string, opt *transport.SendOptions) (transport.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, *opt)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: 40 + len(a.sent)}, nil
}
func (a *recordingAdapter) EditText(_ context.Context, ref transport.MessageRef, _ string, _ *transport.SendOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.edits = append(a.edits, ref)
	return nil
}
func (a *recordingAdapter) DeleteMessage(context.Context, transport.MessageRef) error { return nil }
func (a *recordingAdapter) AnswerCallback(context.Context, string, string) error      { return nil }

func TestChatSinkAckButton(t *testing.T) {
	t.Parallel()

	ad := &recordingAdapter{}
	s := NewChatSink(ad, 0)
	ctx := context.Background()

	if _, err := s.SendMessage(ctx, 5, "plain", false); err != nil {
		t.Fatal(err)
	}
	id, err := s.SendMessage(ctx, 5, "alert", true)
	if err != nil || id != 42 {
		t.Fatalf("SendMessage = %d, %v", id, err)
	}
	if len(ad.sent[0].Buttons) != 0 {
		t.Fatalf("plain message has buttons: %+v", ad.sent[0].Buttons)
	}
	if b := ad.sent[1].Buttons; len(b) != 1 || b[0].Data != AckCallbackData || b[0].Text != AckButtonText {
		t.Fatalf("alert buttons = %+v", b)
	}
	if ad.sent[1].ParseMode != "Markdown" {
		t.Fatalf("parse mode = %q", ad.sent[1].ParseMode)
	}

	if err := s.EditMessage(ctx, 5, 9, "status"); err != nil {
		t.Fatal(err)
	}
	if ad.edits[0] != (transport.MessageRef{ChatID: 5, MessageID: 9}) {
		t.Fatalf("edit ref = %+v", ad.edits[0])
	}
}

func TestChatSinkRateLimitHonorsDeadline(t *testing.T) {
	t.Parallel()

	s := NewChatSink(&recordingAdapter{}, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := s.EditMessage(ctx, 1, 1, "a"); err != nil {
		t.Fatalf("first edit: %v", err)
	}
	err := s.EditMessage(ctx, 1, 1, "b")
	if Classify(err) != Transient {
		t.Fatalf("second edit err = %v, want transient", err)
	}
}
