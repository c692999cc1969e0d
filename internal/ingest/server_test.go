package ingest

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"overseer/internal/directory"
	"overseer/internal/eventbus"
	"overseer/internal/state"
	"overseer/pkg/logx"
)

type memCreds map[string]string

func (m memCreds) SlaveCredential(_ context.Context, nick string) (string, error) {
	h, ok := m[nick]
	if !ok {
		return "", directory.ErrNotFound
	}
	return h, nil
}

// writeSelfSigned writes a throwaway certificate and key to dir. A non-empty
// passphrase encrypts the key block.
func writeSelfSigned(t *testing.T, dir, passphrase string) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "overseer-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	keyBlock := &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}
	if passphrase != "" {
		keyBlock, err = x509.EncryptPEMBlock(rand.Reader, "EC PRIVATE KEY", keyDER, []byte(passphrase), x509.PEMCipherAES256)
		if err != nil {
			t.Fatal(err)
		}
	}

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(keyBlock), 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

type harness struct {
	srv   *Server
	cache *state.Cache
	bus   *eventbus.MemBus
}

func startServer(t *testing.T, mutate func(*Config), writer StateWriter) *harness {
	t.Helper()
	cert, key := writeSelfSigned(t, t.TempDir(), "")
	tlsCfg, err := ServerTLSConfig(Identity{CertFile: cert, KeyFile: key})
	if err != nil {
		t.Fatalf("ServerTLSConfig: %v", err)
	}
	cfg := Config{Addr: "127.0.0.1:0", TLS: tlsCfg, HandshakeTimeout: 2 * time.Second}
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{cache: state.NewCache(), bus: eventbus.New()}
	if writer == nil {
		writer = h.cache
	}
	creds := memCreds{
		"fridge1": directory.HashPassword("hunter2"),
		"blank":   directory.HashPassword(""),
	}
	h.srv = New(cfg, creds, writer, logx.Nop(), h.bus)
	if err := h.srv.Launch(context.Background()); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.srv.Shutdown(ctx)
	})
	return h
}

func dial(t *testing.T, addr net.Addr) *tls.Conn {
	t.Helper()
	c, err := tls.DialWithDialer(&net.Dialer{Timeout: 2 * time.Second}, "tcp", addr.String(),
		&tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readReply(t *testing.T, c net.Conn) string {
	t.Helper()
	buf := make([]byte, 1024)
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return string(buf[:n])
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAuthenticatedSlaveUpdatesCache(t *testing.T) {
	t.Parallel()
	h := startServer(t, nil, nil)
	events, unsub := h.bus.Subscribe(16)
	defer unsub()

	c := dial(t, h.srv.Addr())
	if _, err := c.Write([]byte("fridge1\r\nhunter2")); err != nil {
		t.Fatal(err)
	}
	if got := readReply(t, c); got != "fridge1" {
		t.Fatalf("reply = %q, want nickname", got)
	}

	payloads := []string{
		"legacy text",
		`{"state":"warming","alerts":["door open"]}`,
		`{"state":"OK","sent_at":"2024-01-01 00:00:00","alerts":["",""]}`,
	}
	for _, p := range payloads {
		if _, err := c.Write([]byte(p)); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, "last payload cached", func() bool {
		s, ok := h.cache.Read("fridge1")
		return ok && s.State == "OK"
	})
	s, _ := h.cache.Read("fridge1")
	if !strings.HasSuffix(s.StateMessage(), " - fridge1\nOK") {
		t.Fatalf("StateMessage = %q", s.StateMessage())
	}
	if len(s.AlertMessages()) != 0 {
		t.Fatalf("alerts = %q", s.AlertMessages())
	}

	_ = c.Close()
	var sawAuth, sawDisconnect bool
	waitFor(t, "session events", func() bool {
		for {
			select {
			case e := <-events:
				switch e.Type {
				case eventbus.IngestAuthenticated:
					sawAuth = true
				case eventbus.IngestDisconnected:
					sawDisconnect = true
					if se := e.Data.(eventbus.SessionEvent); se.Updates != 3 {
						t.Errorf("updates = %d, want 3", se.Updates)
					}
				}
			default:
				return sawAuth && sawDisconnect
			}
		}
	})

	// the cache keeps the last value after disconnect
	if _, ok := h.cache.Read("fridge1"); !ok {
		t.Fatal("entry dropped on disconnect")
	}
}

func TestAuthenticationFailures(t *testing.T) {
	t.Parallel()
	h := startServer(t, nil, nil)

	cases := []struct {
		name  string
		frame string
		nick  string
	}{
		{"unknown nickname", "ghost\r\nhunter2", "ghost"},
		{"wrong password", "fridge1\r\nhunter3", "fridge1"},
		{"empty password", "blank\r\n", "blank"},
		{"missing delimiter", "fridge1 hunter2", "fridge1"},
		{"too many fields", "fridge1\r\nhunter2\r\nextra", "fridge1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := dial(t, h.srv.Addr())
			if _, err := c.Write([]byte(tc.frame)); err != nil {
				t.Fatal(err)
			}
			if got := readReply(t, c); !strings.HasPrefix(got, authFailedPrefix) {
				t.Fatalf("reply = %q", got)
			}
			// server closes after the rejection
			if _, err := c.Read(make([]byte, 16)); err == nil {
				t.Fatal("connection still open")
			}
			if _, ok := h.cache.Read(tc.nick); ok {
				t.Fatalf("cache touched for %q", tc.nick)
			}
		})
	}
}

func TestHandshakeFailureKeepsListening(t *testing.T) {
	t.Parallel()
	h := startServer(t, nil, nil)

	raw, err := net.Dial("tcp", h.srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	_, _ = raw.Write([]byte("this is not tls\r\n\r\n"))
	_ = raw.Close()

	c := dial(t, h.srv.Addr())
	if _, err := c.Write([]byte("fridge1\r\nhunter2")); err != nil {
		t.Fatal(err)
	}
	if got := readReply(t, c); got != "fridge1" {
		t.Fatalf("reply = %q", got)
	}
	select {
	case <-h.srv.Done():
		t.Fatal("listener went down")
	default:
	}
}

type panicWriter struct{}

func (panicWriter) Write(string, state.Snapshot) { panic("cache exploded") }

func TestWorkerPanicIsContained(t *testing.T) {
	t.Parallel()
	h := startServer(t, nil, panicWriter{})

	c := dial(t, h.srv.Addr())
	_, _ = c.Write([]byte("fridge1\r\nhunter2"))
	readReply(t, c)
	_, _ = c.Write([]byte("boom"))
	if _, err := c.Read(make([]byte, 16)); err == nil {
		t.Fatal("expected the session to end")
	}

	c2 := dial(t, h.srv.Addr())
	_, _ = c2.Write([]byte("fridge1\r\nhunter2"))
	if got := readReply(t, c2); got != "fridge1" {
		t.Fatalf("listener unusable after worker panic: %q", got)
	}
	if h.srv.Err() != nil {
		t.Fatalf("Err = %v", h.srv.Err())
	}
}

func TestConnectionLimit(t *testing.T) {
	t.Parallel()
	h := startServer(t, func(c *Config) { c.MaxConnections = 1 }, nil)

	first := dial(t, h.srv.Addr())
	_, _ = first.Write([]byte("fridge1\r\nhunter2"))
	readReply(t, first)

	second := dial(t, h.srv.Addr())
	_, _ = second.Write([]byte("fridge1\r\nhunter2"))
	if _, err := second.Read(make([]byte, 16)); err == nil {
		t.Fatal("second connection was served over the limit")
	}
	waitFor(t, "rejection counted", func() bool { return h.srv.Stats().Rejected == 1 })
}

func TestStopIsAShutdownNotAFault(t *testing.T) {
	t.Parallel()
	h := startServer(t, nil, nil)

	h.srv.Stop()
	select {
	case <-h.srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("accept loop did not exit")
	}
	if err := h.srv.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}
}

type panicListener struct {
	net.Listener
	closed sync.Once
	done   chan struct{}
}

func (l *panicListener) Accept() (net.Conn, error) { panic("accept exploded") }
func (l *panicListener) Close() error {
	l.closed.Do(func() { close(l.done) })
	return nil
}

func TestAcceptLoopPanicIsFatal(t *testing.T) {
	t.Parallel()

	s := New(Config{}, memCreds{}, state.NewCache(), logx.Nop(), nil)
	ln := &panicListener{done: make(chan struct{})}
	err := s.acceptLoop(context.Background(), ln)
	if err == nil || !strings.Contains(err.Error(), "accept exploded") {
		t.Fatalf("acceptLoop err = %v", err)
	}
	if !errors.Is(s.Err(), err) {
		t.Fatalf("Err = %v, want %v", s.Err(), err)
	}
	select {
	case <-ln.done:
	default:
		t.Fatal("listener not closed")
	}
}

func TestTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from serverState
		ev   loopEvent
		want serverState
	}{
		{stateAccept, evHandshakeOK, stateDispatch},
		{stateAccept, evHandshakeFailed, stateAccept},
		{stateAccept, evAcceptFailed, stateAccept},
		{stateDispatch, evDispatched, stateAccept},
		{stateDispatch, evHandshakeOK, stateAccept},
	}
	for _, tc := range cases {
		if got := transition(tc.from, tc.ev); got != tc.want {
			t.Fatalf("transition(%s, %d) = %s, want %s", tc.from, tc.ev, got, tc.want)
		}
	}
}

func TestServerTLSConfigEncryptedKey(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cert, key := writeSelfSigned(t, dir, "s3cret")

	if _, err := ServerTLSConfig(Identity{CertFile: cert, KeyFile: key}); err == nil {
		t.Fatal("encrypted key loaded without passphrase")
	}
	if _, err := ServerTLSConfig(Identity{CertFile: cert, KeyFile: key, Passphrase: "wrong"}); err == nil {
		t.Fatal("encrypted key loaded with wrong passphrase")
	}
	if _, err := ServerTLSConfig(Identity{CertFile: cert, KeyFile: key, Passphrase: "s3cret"}); err != nil {
		t.Fatalf("ServerTLSConfig: %v", err)
	}
	if _, err := ServerTLSConfig(Identity{}); err == nil {
		t.Fatal("empty identity accepted")
	}
	if _, err := ServerTLSConfig(Identity{PKCS12File: filepath.Join(dir, "missing.p12")}); err == nil {
		t.Fatal("missing pkcs12 accepted")
	}
}
