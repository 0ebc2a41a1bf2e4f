package tracker

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/mcastellin/p2pmesh/pkg/registry"
)

func newTestTracker(t *testing.T) (*Tracker, *registry.Local) {
	t.Helper()
	reg := registry.NewLocal(registry.Config{NodeID: "node-a"}, nil)
	tr, err := New("127.0.0.1:0", 0, reg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go tr.Serve()
	t.Cleanup(func() { _ = tr.Shutdown() })
	return tr, reg
}

func dial(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRegisterThenDiscover(t *testing.T) {
	tr, reg := newTestTracker(t)

	conn := dial(t, tr.Addr())
	fmt.Fprintf(conn, "REGISTER peerA 8001\n")

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "REGISTERED peerA\n" {
		t.Fatalf("unexpected reply: %q", line)
	}

	if _, ok := reg.FindByID("peer", "peerA"); !ok {
		t.Fatal("expected peerA to be registered in the Local Registry")
	}

	conn2 := dial(t, tr.Addr())
	fmt.Fprintf(conn2, "DISCOVER\n")
	reader2 := bufio.NewReader(conn2)
	line2, err := reader2.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(line2, "peerA@") {
		t.Fatalf("expected DISCOVER reply to mention peerA, got %q", line2)
	}
}

func TestUnknownVerbReturnsError(t *testing.T) {
	tr, _ := newTestTracker(t)

	conn := dial(t, tr.Addr())
	fmt.Fprintf(conn, "FROBNICATE\n")

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(line, "ERROR") {
		t.Fatalf("expected an ERROR reply, got %q", line)
	}
}

func TestRegisterRejectsInvalidPort(t *testing.T) {
	tr, _ := newTestTracker(t)

	conn := dial(t, tr.Addr())
	fmt.Fprintf(conn, "REGISTER peerB not-a-port\n")

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(line, "ERROR") {
		t.Fatalf("expected an ERROR reply, got %q", line)
	}
}
