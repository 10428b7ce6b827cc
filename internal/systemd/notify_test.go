package systemd

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// listenNotify binds a datagram socket and points NOTIFY_SOCKET at it.
func listenNotify(t *testing.T) *net.UnixConn {
	t.Helper()
	// Short path, unix socket names are limited to ~108 bytes.
	dir, err := os.MkdirTemp("", "sd")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	t.Setenv("NOTIFY_SOCKET", path)
	return conn
}

func readNotify(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("no notification received: %v", err)
	}
	return string(buf[:n])
}

func TestReady(t *testing.T) {
	conn := listenNotify(t)

	NewNotifier().Ready("supervising 3 apps")

	got := readNotify(t, conn)
	if got != "READY=1\nSTATUS=supervising 3 apps" {
		t.Errorf("unexpected notification %q", got)
	}
}

func TestStatusAndStopping(t *testing.T) {
	conn := listenNotify(t)
	n := NewNotifier()

	n.Status("%d running, %d errored", 2, 1)
	if got := readNotify(t, conn); got != "STATUS=2 running, 1 errored" {
		t.Errorf("unexpected status %q", got)
	}

	n.Stopping()
	if got := readNotify(t, conn); got != "STOPPING=1" {
		t.Errorf("unexpected stopping %q", got)
	}
}

func TestNotifyWithoutSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	// Must not fail or block outside systemd.
	NewNotifier().Ready("ok")
}

func TestRunWatchdog(t *testing.T) {
	conn := listenNotify(t)
	t.Setenv("WATCHDOG_USEC", "100000")
	t.Setenv("WATCHDOG_PID", "")

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		NewNotifier().RunWatchdog(ctx)
		close(done)
	}()

	if got := readNotify(t, conn); !strings.HasPrefix(got, "WATCHDOG=1") {
		t.Errorf("unexpected watchdog ping %q", got)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchdog loop did not stop")
	}
}

func TestRunWatchdogDisabled(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")

	done := make(chan struct{})
	go func() {
		NewNotifier().RunWatchdog(t.Context())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected immediate return without a watchdog")
	}
}
