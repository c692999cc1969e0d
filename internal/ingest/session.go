package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"overseer/internal/directory"
	"overseer/internal/eventbus"
	"overseer/pkg/logx"
)

const (
	handshakeDelim   = "\r\n"
	authFailedPrefix = "Authentication failed: "

	reasonBadCredentials = "Wrong username/password!"
	reasonMalformed      = "Malformed handshake"
)

// AuthError is returned for every rejected slave handshake.
type AuthError struct {
	Nickname string
	Reason   string
	Err      error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed for %q: %s: %v", e.Nickname, e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication failed for %q: %s", e.Nickname, e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// parseHandshake splits the first frame into nickname and password.
func parseHandshake(frame []byte) (nickname, password string, ok bool) {
	parts := strings.Split(string(frame), handshakeDelim)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (s *Server) authenticate(ctx context.Context, frame []byte) (string, error) {
	nick, pw, ok := parseHandshake(frame)
	if !ok {
		return "", &AuthError{Reason: reasonMalformed}
	}
	stored, err := s.creds.SlaveCredential(ctx, nick)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			err = nil
		}
		return nick, &AuthError{Nickname: nick, Reason: reasonBadCredentials, Err: err}
	}
	if !directory.CheckPassword(stored, pw) {
		return nick, &AuthError{Nickname: nick, Reason: reasonBadCredentials}
	}
	return nick, nil
}

// serveConn runs one slave session: handshake, then the update read loop.
// A panic ends only this session.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	sid := uuid.NewString()
	log := s.log.With(logx.String("session", sid), logx.String("remote", remote))

	defer func() {
		if r := recover(); r != nil {
			log.Error("connection worker panicked", logx.Any("panic", r))
		}
		_ = conn.Close()
	}()

	buf := make([]byte, s.cfg.ReadBuffer)

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		log.Warn("handshake read failed", logx.Err(err))
		return
	}

	actx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	nick, err := s.authenticate(actx, buf[:n])
	cancel()
	if err != nil {
		var ae *AuthError
		reason := reasonBadCredentials
		if errors.As(err, &ae) {
			reason = ae.Reason
		}
		log.Warn("authentication failed", logx.String("slave", nick), logx.Err(err))
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
		_, _ = conn.Write([]byte(authFailedPrefix + reason))
		s.publish(eventbus.IngestAuthFailed, eventbus.SessionEvent{SessionID: sid, Nickname: nick, Remote: remote, Reason: reason})
		return
	}

	if _, err := conn.Write([]byte(nick)); err != nil {
		log.Warn("handshake reply failed", logx.String("slave", nick), logx.Err(err))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	log = log.With(logx.String("slave", nick))
	log.Debug("successful handshake")
	s.publish(eventbus.IngestAuthenticated, eventbus.SessionEvent{SessionID: sid, Nickname: nick, Remote: remote})

	updates, reason := s.readLoop(conn, buf, nick, log)
	s.publish(eventbus.IngestDisconnected, eventbus.SessionEvent{
		SessionID: sid, Nickname: nick, Remote: remote, Reason: reason, Updates: updates,
	})
}

// readLoop writes every chunk to the cache until the peer closes, the read
// fails or the server stops. Only the log is decimated.
func (s *Server) readLoop(conn net.Conn, buf []byte, nick string, log logx.Logger) (updates uint64, reason string) {
	var beats int
	for {
		if s.stopped.Load() {
			return updates, "server stopped"
		}
		if s.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		n, err := conn.Read(buf)
		if n > 0 {
			s.cache.Write(nick, s.parser.Parse(nick, buf[:n]))
			updates++
			if beats%s.cfg.HeartbeatEvery == 0 {
				log.Debug("state update", logx.Int("length", n))
				beats = 0
			}
			beats++
		}
		if err == nil {
			continue
		}

		var ne net.Error
		switch {
		case errors.Is(err, io.EOF):
			log.Debug("empty read, closing")
			return updates, "closed by peer"
		case errors.As(err, &ne) && ne.Timeout():
			log.Info("idle timeout, closing", logx.Duration("idle_timeout", s.cfg.IdleTimeout))
			return updates, "idle timeout"
		case errors.Is(err, net.ErrClosed):
			return updates, "server stopped"
		default:
			log.Warn("read failed", logx.Err(err))
			return updates, "read error"
		}
	}
}
