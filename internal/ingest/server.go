// Package ingest runs the TLS listener that authenticates slaves and feeds
// their updates into the state cache.
package ingest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"overseer/internal/config"
	"overseer/internal/eventbus"
	rtsup "overseer/internal/runtime/supervisor"
	"overseer/internal/state"
	"overseer/pkg/logx"
)

// Credentials resolves a slave's stored password hash.
type Credentials interface {
	SlaveCredential(ctx context.Context, nickname string) (string, error)
}

// StateWriter receives every parsed snapshot.
type StateWriter interface {
	Write(nickname string, s state.Snapshot)
}

type Config struct {
	Addr string
	TLS  *tls.Config

	HandshakeTimeout time.Duration
	// IdleTimeout closes a connection without reads for this long; 0 disables.
	IdleTimeout    time.Duration
	MaxConnections int
	// HeartbeatEvery decimates the per-update debug log.
	HeartbeatEvery int
	ReadBuffer     int
}

// FromConfig resolves the listener settings and loads the TLS identity.
func FromConfig(c config.IngestConfig) (Config, error) {
	out := Config{
		Addr:           c.Addr(),
		MaxConnections: c.MaxConnections,
		HeartbeatEvery: c.HeartbeatEvery,
		ReadBuffer:     c.ReadBuffer,
	}
	var err error
	if out.HandshakeTimeout, err = config.ParseDurationOrDefault("ingest.handshake_timeout", c.HandshakeTimeout, 10*time.Second); err != nil {
		return Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("ingest.idle_timeout", c.IdleTimeout); err != nil {
		return Config{}, err
	}
	out.TLS, err = ServerTLSConfig(Identity{
		CertFile:   c.CertFile,
		KeyFile:    c.KeyFile,
		PKCS12File: c.PKCS12File,
		Passphrase: c.KeyPassphrase,
	})
	if err != nil {
		return Config{}, fmt.Errorf("ingest tls: %w", err)
	}
	return out, nil
}

func (c *Config) normalize() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = config.DefaultMaxConnections
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = config.DefaultHeartbeatEvery
	}
	if c.ReadBuffer <= 0 {
		c.ReadBuffer = config.DefaultReadBuffer
	}
}

var errAlreadyLaunched = errors.New("ingest server already launched")

type Server struct {
	cfg    Config
	creds  Credentials
	cache  StateWriter
	parser state.Parser
	log    logx.Logger
	bus    eventbus.Bus

	mu      sync.Mutex
	ln      net.Listener
	sup     *rtsup.Supervisor
	conns   map[net.Conn]struct{}
	stopped atomic.Bool

	slots chan struct{}

	fatal atomic.Value // error
	done  chan struct{}

	active   atomic.Int64
	accepted atomic.Uint64
	rejected atomic.Uint64
}

func New(cfg Config, creds Credentials, cache StateWriter, log logx.Logger, bus eventbus.Bus) *Server {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg:   cfg,
		creds: creds,
		cache: cache,
		log:   log,
		bus:   bus,
		conns: map[net.Conn]struct{}{},
		slots: make(chan struct{}, cfg.MaxConnections),
		done:  make(chan struct{}),
	}
}

// Launch binds the listener and starts the accept loop. Canceling ctx stops
// the server like Stop.
func (s *Server) Launch(ctx context.Context) error {
	if s.cfg.TLS == nil {
		return errors.New("ingest: TLS config is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return errAlreadyLaunched
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("ingest listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.stopped.Store(false)
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	s.log.Info("ingest listening", logx.String("addr", ln.Addr().String()))

	sup := s.sup
	sup.Go("ingest.accept", func(c context.Context) error {
		defer close(s.done)
		return s.acceptLoop(c, ln)
	})
	sup.Go0("ingest.stop_on_cancel", func(c context.Context) {
		select {
		case <-c.Done():
			s.Stop()
		case <-s.done:
		}
	})
	return nil
}

// Stop raises the stop flag and closes the listener. Live connections are
// not interrupted; each worker exits at its next read.
func (s *Server) Stop() {
	s.stopped.Store(true)
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
}

// Shutdown stops the listener, closes live connections and waits for every
// worker to return or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Stop()
	s.mu.Lock()
	sup := s.sup
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Addr is the bound listener address, nil before Launch.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Done is closed when the accept loop has ended, by Stop or by a fatal
// listener failure.
func (s *Server) Done() <-chan struct{} { return s.done }

// Err reports the fatal error that brought the listener down, if any.
func (s *Server) Err() error {
	if err, ok := s.fatal.Load().(error); ok {
		return err
	}
	return nil
}

type Stats struct {
	Active   int64
	Accepted uint64
	Rejected uint64
}

func (s *Server) Stats() Stats {
	return Stats{Active: s.active.Load(), Accepted: s.accepted.Load(), Rejected: s.rejected.Load()}
}

// acceptLoop drives the accept/dispatch machine. A panic here is fatal to
// the whole listener.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ingest listener failed: %v", r)
			s.fatal.Store(err)
			s.log.Error("ingest server is going down", logx.Any("panic", r))
		}
		s.stopped.Store(true)
		_ = ln.Close()
	}()

	var (
		st      = stateAccept
		pending net.Conn
		backoff time.Duration
	)
	for !s.stopped.Load() {
		switch st {
		case stateAccept:
			conn, ev, aerr := s.accept(ctx, ln)
			if ev == evAcceptFailed {
				if aerr == nil {
					return nil
				}
				backoff = nextBackoff(backoff)
				s.log.Warn("ingest accept failed", logx.Err(aerr), logx.Duration("backoff", backoff))
				if !sleepCtx(ctx, backoff) {
					return nil
				}
			} else {
				backoff = 0
			}
			pending = conn
			st = transition(st, ev)

		case stateDispatch:
			s.dispatch(ctx, pending)
			pending = nil
			st = transition(st, evDispatched)
		}
	}
	return nil
}

// accept blocks for one connection and secures it. A nil error with
// evAcceptFailed means the listener was closed for shutdown.
func (s *Server) accept(ctx context.Context, ln net.Listener) (net.Conn, loopEvent, error) {
	raw, err := ln.Accept()
	if err != nil {
		if s.stopped.Load() || errors.Is(err, net.ErrClosed) {
			return nil, evAcceptFailed, nil
		}
		return nil, evAcceptFailed, err
	}
	remote := raw.RemoteAddr().String()
	s.log.Info("connection", logx.String("remote", remote))

	tc := tls.Server(raw, s.cfg.TLS)
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	err = tc.HandshakeContext(hctx)
	cancel()
	if err != nil {
		s.log.Warn("tls handshake failed", logx.String("remote", remote), logx.Err(err))
		_ = raw.Close()
		return nil, evHandshakeFailed, nil
	}
	return tc, evHandshakeOK, nil
}

// dispatch hands conn to a worker without waiting for it. Over the
// connection bound the connection is refused instead.
func (s *Server) dispatch(ctx context.Context, conn net.Conn) {
	if conn == nil {
		return
	}
	select {
	case s.slots <- struct{}{}:
	default:
		s.rejected.Add(1)
		s.log.Warn("connection limit reached; closing",
			logx.String("remote", conn.RemoteAddr().String()),
			logx.Int("max_connections", s.cfg.MaxConnections),
		)
		_ = conn.Close()
		return
	}

	s.accepted.Add(1)
	s.track(conn, true)
	s.sup.Go0("ingest.conn", func(c context.Context) {
		defer func() { <-s.slots }()
		defer s.track(conn, false)
		s.serveConn(c, conn)
	})
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	if add {
		s.conns[c] = struct{}{}
		s.active.Add(1)
	} else if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		s.active.Add(-1)
	}
	s.mu.Unlock()
}

func (s *Server) publish(typ string, data eventbus.SessionEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	return min(d*2, time.Second)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
