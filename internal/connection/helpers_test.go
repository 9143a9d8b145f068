package connection

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/workspace/remote-server/internal/exthost"
	"github.com/workspace/remote-server/internal/protocol"
)

// tcpPair returns two ends of a loopback TCP connection.
func tcpPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()
	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server, ok := <-accepted
	if !ok {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

// wireClient speaks the frame format directly so tests see every frame.
type wireClient struct {
	t    *testing.T
	conn net.Conn
	dec  protocol.Decoder
	// lastID is the highest regular message id observed.
	lastID uint32
}

func newWireClient(t *testing.T, conn net.Conn) *wireClient {
	return &wireClient{t: t, conn: conn}
}

// serverSide returns a protocol reading the server end of a fresh connection
// and a client for the other end.
func serverSide(t *testing.T) (*protocol.Protocol, *wireClient) {
	t.Helper()
	server, client := tcpPair(t)
	return protocol.New(protocol.NewRawSocket(server, nil)), newWireClient(t, client)
}

func (c *wireClient) write(msg protocol.Message) {
	c.t.Helper()
	if _, err := c.conn.Write(msg.Encode()); err != nil {
		c.t.Fatalf("client write: %v", err)
	}
}

func (c *wireClient) sendRegular(id uint32, data string) {
	c.write(protocol.Message{Type: protocol.MessageRegular, ID: id, Data: []byte(data)})
}

// next returns the next frame, failing the test after a timeout.
func (c *wireClient) next() protocol.Message {
	c.t.Helper()
	msg, err := c.tryNext(2 * time.Second)
	if err != nil {
		c.t.Fatalf("client read: %v", err)
	}
	return msg
}

func (c *wireClient) tryNext(timeout time.Duration) (protocol.Message, error) {
	buf := make([]byte, 4096)
	deadline := time.Now().Add(timeout)
	for {
		msg, ok, err := c.dec.Next()
		if err != nil {
			return protocol.Message{}, err
		}
		if ok {
			return msg, nil
		}
		_ = c.conn.SetReadDeadline(deadline)
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.dec.Feed(buf[:n])
			continue
		}
		if err != nil {
			return protocol.Message{}, err
		}
	}
}

// control reads frames until a control message arrives.
func (c *wireClient) control() protocol.HandshakeMessage {
	c.t.Helper()
	for {
		msg := c.next()
		if msg.Type != protocol.MessageControl {
			continue
		}
		var hs protocol.HandshakeMessage
		if err := json.Unmarshal(msg.Data, &hs); err != nil {
			c.t.Fatalf("decode control %q: %v", msg.Data, err)
		}
		return hs
	}
}

// rawControl reads frames until a control message arrives and returns its body.
func (c *wireClient) rawControl() string {
	c.t.Helper()
	for {
		msg := c.next()
		if msg.Type == protocol.MessageControl {
			return string(msg.Data)
		}
	}
}

// regulars collects regular messages until count new ones have been seen,
// dropping replays of ids already observed.
func (c *wireClient) regulars(count int) []string {
	c.t.Helper()
	var out []string
	for len(out) < count {
		msg := c.next()
		if msg.Type != protocol.MessageRegular || msg.ID <= c.lastID {
			continue
		}
		if msg.ID != c.lastID+1 {
			c.t.Fatalf("gap: id %d after %d", msg.ID, c.lastID)
		}
		c.lastID = msg.ID
		out = append(out, string(msg.Data))
	}
	return out
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type sentSocket struct {
	msg  exthost.SocketMessage
	conn net.Conn
}

type fakeProcess struct {
	pid    int
	events chan exthost.Event

	mu       sync.Mutex
	sent     []sentSocket
	kills    int
	sendErr  error
	exitOnce sync.Once
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, events: make(chan exthost.Event, 16)}
}

func (p *fakeProcess) Pid() int                      { return p.pid }
func (p *fakeProcess) Events() <-chan exthost.Event { return p.events }

func (p *fakeProcess) SendSocket(msg exthost.SocketMessage, conn net.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, sentSocket{msg: msg, conn: conn})
	return nil
}

func (p *fakeProcess) Kill() {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	p.exit(-1)
}

func (p *fakeProcess) exit(code int) {
	p.exitOnce.Do(func() {
		p.events <- exthost.Event{Kind: exthost.EventExit, ExitCode: code}
		close(p.events)
	})
}

func (p *fakeProcess) ready() {
	p.events <- exthost.Event{Kind: exthost.EventReady}
}

func (p *fakeProcess) sentSockets() []sentSocket {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentSocket(nil), p.sent...)
}

func (p *fakeProcess) killCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

type fakeLauncher struct {
	mu        sync.Mutex
	launches  int
	processes []*fakeProcess
	err       error
}

func (l *fakeLauncher) Launch(exthost.LaunchOptions) (exthost.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.launches++
	p := newFakeProcess(1000 + l.launches)
	l.processes = append(l.processes, p)
	return p, nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func (l *fakeLauncher) process(t *testing.T) *fakeProcess {
	t.Helper()
	eventually(t, "extension host launch", func() bool { return l.launchCount() > 0 })
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.processes[0]
}

type recordingSink struct {
	mu    sync.Mutex
	info  []string
	error []string
}

func (s *recordingSink) Info(line string) {
	s.mu.Lock()
	s.info = append(s.info, line)
	s.mu.Unlock()
}

func (s *recordingSink) Error(line string) {
	s.mu.Lock()
	s.error = append(s.error, line)
	s.mu.Unlock()
}

type fixedDebugPort int

func (p fixedDebugPort) DebugPort(string) (int, bool) { return int(p), true }

var errLaunch = errors.New("launch failed")
