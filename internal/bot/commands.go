package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"overseer/internal/directory"
	"overseer/internal/dispatch"
	"overseer/internal/transport"
	"overseer/pkg/logx"
)

const greeting = "Hi! I relay live status from lab instruments.\n\n" +
	"/subscribe <slave> - receive a self-updating status message\n" +
	"/unsubscribe <slave> - stop receiving it\n" +
	"/list - your subscriptions"

func (b *Bot) onStart(ctx context.Context, req *Request) error {
	return req.Reply(ctx, greeting)
}

func nicknameArg(req *Request) (string, bool) {
	if len(req.Args) == 0 {
		return "", false
	}
	return strings.Join(req.Args, " "), true
}

func (b *Bot) onSubscribe(ctx context.Context, req *Request) error {
	nick, ok := nicknameArg(req)
	if !ok {
		return req.Reply(ctx, "Usage: /subscribe <slave>")
	}
	// status messages are edited in the subscriber's private chat
	if req.Chat.ChatID != req.FromID {
		return req.Reply(ctx, "Please subscribe from a private chat with me.")
	}
	if _, err := b.dir.GetSlave(ctx, nick); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return req.Reply(ctx, fmt.Sprintf("Unknown slave %q.", nick))
		}
		return err
	}
	if err := b.dir.AddUser(ctx, directory.Subscriber{ID: req.FromID, FullName: req.FromName}); err != nil {
		return err
	}

	// this message becomes the status message that dispatch keeps editing
	ref, err := b.adapter.SendText(ctx, req.Chat, fmt.Sprintf("Fetching updates from %s...", nick), nil)
	if err != nil {
		return err
	}
	if err := b.dir.Subscribe(ctx, req.FromID, nick, ref.MessageID); err != nil {
		return err
	}
	req.Logger.Info("subscribed", logx.Int64("subscriber", req.FromID), logx.String("slave", nick))
	return nil
}

func (b *Bot) onUnsubscribe(ctx context.Context, req *Request) error {
	nick, ok := nicknameArg(req)
	if !ok {
		return req.Reply(ctx, "Usage: /unsubscribe <slave>")
	}
	removed, err := b.dir.Unsubscribe(ctx, req.FromID, nick)
	if err != nil {
		return err
	}
	if !removed {
		return req.Reply(ctx, fmt.Sprintf("You are not subscribed to %s.", nick))
	}
	req.Logger.Info("unsubscribed", logx.Int64("subscriber", req.FromID), logx.String("slave", nick))
	return req.Reply(ctx, fmt.Sprintf("Unsubscribed from %s.", nick))
}

func (b *Bot) onList(ctx context.Context, req *Request) error {
	subs, err := b.dir.ListSubscriptions(ctx, req.FromID)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return req.Reply(ctx, "No subscriptions yet. Use /subscribe <slave>.")
	}
	var sb strings.Builder
	sb.WriteString("Subscriptions:")
	for _, s := range subs {
		mark := "not connected"
		if snap, ok := b.cache.Read(s.Slave); ok {
			mark = "last update " + snap.ReceivedAt.Format(time.DateTime)
		}
		fmt.Fprintf(&sb, "\n- %s (%s)", s.Slave, mark)
	}
	return req.Reply(ctx, sb.String())
}

func (b *Bot) onStatus(ctx context.Context, req *Request) error {
	var sb strings.Builder
	names := b.cache.Nicknames()
	fmt.Fprintf(&sb, "Connected slaves seen: %d", b.cache.Len())
	if len(names) > 0 {
		fmt.Fprintf(&sb, " (%s)", strings.Join(names, ", "))
	}
	sb.WriteString("\n")
	sb.WriteString(formatPass("Last pass", b.disp.LastPass()))
	return req.Reply(ctx, sb.String())
}

func (b *Bot) onRefresh(ctx context.Context, req *Request) error {
	st := b.disp.RunPass(ctx)
	return req.Reply(ctx, formatPass("Pass", st))
}

func formatPass(title string, st dispatch.PassStats) string {
	if st.ID == "" {
		return title + ": none yet"
	}
	if st.Err != nil {
		return fmt.Sprintf("%s %s failed: %v", title, st.StartedAt.Format(time.DateTime), st.Err)
	}
	return fmt.Sprintf("%s %s (%s)\npairs=%d ok=%d noop=%d transient=%d rejected=%d uncaught=%d alerts=%d/%d",
		title, st.StartedAt.Format(time.DateTime), st.Duration.Round(time.Millisecond),
		st.Pairs, st.OK, st.NoOp, st.Transient, st.Rejected, st.Uncaught,
		st.AlertsSent, st.AlertsSent+st.AlertsFailed)
}

func (b *Bot) onAck(ctx context.Context, req *Request) error {
	cb := req.Update.Callback
	err := b.adapter.DeleteMessage(ctx, transport.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID})
	if aerr := b.adapter.AnswerCallback(ctx, cb.ID, ""); aerr != nil {
		req.Logger.Debug("answer callback failed", logx.Err(aerr))
	}
	return err
}
