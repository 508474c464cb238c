package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// listenNotify opens a unixgram socket the way systemd does for Type=notify units.
func listenNotify(t *testing.T, path string) net.PacketConn {
	t.Helper()
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", path)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestNotifySystemd_Errors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name   string
		socket string
		want   string
	}{
		{"not under systemd", "", "NOTIFY_SOCKET not set"},
		{"socket missing", filepath.Join(dir, "guardian.sock"), "dial failed"},
		{"socket path is a directory", dir, "dial failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("NOTIFY_SOCKET", tt.socket)

			err := notifySystemd()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestNotifySystemd_Ready(t *testing.T) {
	// guardian runs with RuntimeDirectory=guardian, so the socket sits in a nested dir
	runDir := filepath.Join(t.TempDir(), "run", "guardian")
	if err := os.MkdirAll(runDir, 0o750); err != nil {
		t.Fatal(err)
	}
	sockPath := filepath.Join(runDir, "notify.sock")
	conn := listenNotify(t, sockPath)

	t.Setenv("NOTIFY_SOCKET", sockPath)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 256)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}
	if got := string(buf[:n]); got != "READY=1" {
		t.Errorf("payload = %q, want %q", got, "READY=1")
	}
}

// Each call sends its own READY datagram.
func TestNotifySystemd_Repeated(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "guardian-notify.sock")
	conn := listenNotify(t, sockPath)
	t.Setenv("NOTIFY_SOCKET", sockPath)

	for i := range 2 {
		if err := notifySystemd(); err != nil {
			t.Fatalf("notify %d: %v", i, err)
		}
		buf := make([]byte, 64)
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if got := string(buf[:n]); got != "READY=1" {
			t.Errorf("payload %d = %q, want READY=1", i, got)
		}
	}
}
