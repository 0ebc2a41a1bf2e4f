// Package tracker implements the line-oriented REGISTER/DISCOVER protocol
// described in the specification, as a thin facade over the Local
// Registry's "peer" service type: a Tracker owns no state of its own, so
// its view of the peer directory and the Gossip Engine's view are always
// the same data. The accept loop is a plain blocking Accept loop over a
// listener bounded by golang.org/x/net/netutil, so a burst of connects
// can't exhaust file descriptors.
package tracker

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/mcastellin/p2pmesh/pkg/registry"
	"github.com/mcastellin/p2pmesh/pkg/rerrors"
)

// DefaultMaxConnections bounds concurrent tracker connections, mirroring
// the specification's tracker.threadpool.size default.
const DefaultMaxConnections = 10

// Tracker serves the REGISTER/DISCOVER line protocol over TCP.
type Tracker struct {
	registry *registry.Local
	logger   *zap.Logger

	listener net.Listener
	wg       sync.WaitGroup
}

// New binds addr and wraps the listener with a connection ceiling of
// maxConnections (DefaultMaxConnections if <= 0).
func New(addr string, maxConnections int, reg *registry.Local, logger *zap.Logger) (*Tracker, error) {
	if maxConnections <= 0 {
		maxConnections = DefaultMaxConnections
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tracker: listen: %w", err)
	}
	l = netutil.LimitListener(l, maxConnections)

	return &Tracker{registry: reg, logger: logger, listener: l}, nil
}

// Addr returns the tracker's bound network address.
func (t *Tracker) Addr() net.Addr { return t.listener.Addr() }

// Serve accepts connections until the listener is closed by Shutdown.
func (t *Tracker) Serve() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		t.wg.Add(1)
		go t.handleConn(conn)
	}
}

// Shutdown closes the listener and waits for every accepted connection's
// handler to return. Open connections are not closed by Shutdown: a handler
// returns once its client closes the connection or a read/write fails.
func (t *Tracker) Shutdown() error {
	err := t.listener.Close()
	t.wg.Wait()
	return err
}

func (t *Tracker) handleConn(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()

	remoteHost, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		remoteHost = conn.RemoteAddr().String()
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply := t.dispatch(remoteHost, line)
		if _, err := fmt.Fprintf(conn, "%s\n", reply); err != nil {
			return
		}
	}
}

func (t *Tracker) dispatch(remoteHost, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		t.logProtocolViolation("dispatch", errors.New("empty request"))
		return "ERROR empty request"
	}

	switch strings.ToUpper(fields[0]) {
	case "REGISTER":
		return t.handleRegister(remoteHost, fields)
	case "DISCOVER":
		return t.handleDiscover()
	default:
		t.logProtocolViolation("dispatch", fmt.Errorf("unknown verb: %s", fields[0]))
		return fmt.Sprintf("ERROR unknown verb: %s", fields[0])
	}
}

func (t *Tracker) handleRegister(remoteHost string, fields []string) string {
	if len(fields) != 3 {
		t.logProtocolViolation("register", errors.New("usage: REGISTER <peerId> <port>"))
		return "ERROR usage: REGISTER <peerId> <port>"
	}
	peerID := fields[1]
	port, err := strconv.Atoi(fields[2])
	if err != nil || port <= 0 || port > 65535 {
		t.logProtocolViolation("register", fmt.Errorf("invalid port %q", fields[2]))
		return "ERROR invalid port"
	}

	t.registry.Register("peer", peerID, remoteHost, port, nil)
	return fmt.Sprintf("REGISTERED %s", peerID)
}

// logProtocolViolation tags a malformed request with the rerrors taxonomy's
// KindProtocol before logging it. The classification never crosses the
// wire: callers still only ever see the line-protocol "ERROR ..." reply.
func (t *Tracker) logProtocolViolation(op string, cause error) {
	t.logger.Debug("protocol violation", zap.Error(rerrors.New(rerrors.KindProtocol, "tracker: "+op, cause)))
}

func (t *Tracker) handleDiscover() string {
	instances := t.registry.Find("peer")
	parts := make([]string, len(instances))
	for i, inst := range instances {
		parts[i] = fmt.Sprintf("%s@%s:%d", inst.ServiceID, inst.Host, inst.Port)
	}
	return fmt.Sprintf("PEERS [%s]", strings.Join(parts, ", "))
}
