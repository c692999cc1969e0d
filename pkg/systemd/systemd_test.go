package systemd

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func listenNotify(t *testing.T) *net.UnixConn {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", path)
	return conn
}

func readMsg(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(buf[:n])
}

func TestNotifyWithoutSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	ok, err := Ready()
	if ok || err != nil {
		t.Fatalf("Ready()=(%v,%v) want (false,nil)", ok, err)
	}
}

func TestReadyAndStatus(t *testing.T) {
	conn := listenNotify(t)

	if ok, err := Ready(); !ok || err != nil {
		t.Fatalf("Ready()=(%v,%v)", ok, err)
	}
	if got := readMsg(t, conn); got != "READY=1" {
		t.Fatalf("got %q", got)
	}
	if _, err := Status("3 slaves"); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got := readMsg(t, conn); got != "STATUS=3 slaves" {
		t.Fatalf("got %q", got)
	}
}

func TestWatchdogDisabled(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	done := make(chan error, 1)
	go func() { done <- Watchdog(context.Background(), nil) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watchdog: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Watchdog did not return without WATCHDOG_USEC")
	}
}

func TestWatchdogPings(t *testing.T) {
	conn := listenNotify(t)
	t.Setenv("WATCHDOG_USEC", "100000")
	t.Setenv("WATCHDOG_PID", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = Watchdog(ctx, func() bool { return true }) }()

	if got := readMsg(t, conn); !strings.HasPrefix(got, "WATCHDOG=1") {
		t.Fatalf("got %q", got)
	}
}
