package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/workspace/remote-server/internal/config"
	"github.com/workspace/remote-server/internal/exthost"
	"github.com/workspace/remote-server/internal/ipc"
	"github.com/workspace/remote-server/internal/protocol"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Host:                  "127.0.0.1",
		Port:                  0,
		ReconnectionGraceTime: time.Minute,
		HandshakeTimeout:      2 * time.Second,
		ExtHostCommand:        "unused",
		ExtHostKillTimeout:    time.Second,
		WSReadBufferSize:      4096,
		WSWriteBufferSize:     4096,
		TunnelDialTimeout:     time.Second,
		TunnelAllowedHosts:    []string{"127.0.0.1"},
		PersistenceDBPath:     filepath.Join(t.TempDir(), "ledger.db"),
		IdleCheckInterval:     time.Hour,
		DefaultShell:          "/bin/sh",
		DefaultRows:           24,
		DefaultCols:           80,
	}
}

type testServer struct {
	*Server
	http     *httptest.Server
	launcher *fakeLauncher
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)

	launcher := &fakeLauncher{}
	s.SetLauncher(launcher)

	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		hs.Close()
	})
	return &testServer{Server: s, http: hs, launcher: launcher}
}

func (ts *testServer) wsURL(query string) string {
	u := strings.Replace(ts.http.URL, "http", "ws", 1) + "/"
	if query != "" {
		u += "?" + query
	}
	return u
}

func (ts *testServer) getJSON(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(ts.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

// wsClient speaks the frame format over a WebSocket so tests see every frame.
type wsClient struct {
	t      *testing.T
	conn   *websocket.Conn
	dec    protocol.Decoder
	nextID uint32
}

func dial(t *testing.T, url string) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) write(msg protocol.Message) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.BinaryMessage, msg.Encode()))
}

func (c *wsClient) sendControl(v any) {
	c.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(c.t, err)
	c.write(protocol.Message{Type: protocol.MessageControl, Data: data})
}

func (c *wsClient) sendRegular(data []byte) {
	c.nextID++
	c.write(protocol.Message{Type: protocol.MessageRegular, ID: c.nextID, Data: data})
}

func (c *wsClient) next() protocol.Message {
	c.t.Helper()
	for {
		msg, ok, err := c.dec.Next()
		require.NoError(c.t, err)
		if ok {
			return msg
		}
		require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err)
		c.dec.Feed(data)
	}
}

func (c *wsClient) control() string {
	c.t.Helper()
	for {
		if msg := c.next(); msg.Type == protocol.MessageControl {
			return string(msg.Data)
		}
	}
}

func (c *wsClient) handshakeMessage() protocol.HandshakeMessage {
	c.t.Helper()
	var hs protocol.HandshakeMessage
	require.NoError(c.t, json.Unmarshal([]byte(c.control()), &hs))
	return hs
}

// handshake runs auth and connectionType and returns the server's final
// control message.
func (c *wsClient) handshake(authToken string, typ int, args any) string {
	c.t.Helper()
	c.sendControl(protocol.HandshakeMessage{Type: protocol.HandshakeAuth, Auth: authToken})
	sign := c.handshakeMessage()
	if sign.Type != protocol.HandshakeSign {
		return c.lastControl(sign)
	}
	require.NotEmpty(c.t, sign.Data)

	msg := protocol.HandshakeMessage{Type: protocol.HandshakeConnectionType, DesiredConnectionType: typ}
	if args != nil {
		raw, err := json.Marshal(args)
		require.NoError(c.t, err)
		msg.Args = raw
	}
	c.sendControl(msg)
	return c.control()
}

func (c *wsClient) lastControl(hs protocol.HandshakeMessage) string {
	data, _ := json.Marshal(hs)
	return string(data)
}

// call sends an IPC request and waits for its response.
func (c *wsClient) call(id int64, channel, command string, args any) ipc.Response {
	c.t.Helper()
	req := ipc.Request{ID: id, Channel: channel, Command: command}
	if args != nil {
		raw, err := json.Marshal(args)
		require.NoError(c.t, err)
		req.Args = raw
	}
	data, err := json.Marshal(req)
	require.NoError(c.t, err)
	c.sendRegular(data)

	for {
		msg := c.next()
		if msg.Type != protocol.MessageRegular {
			continue
		}
		var resp struct {
			ID     int64           `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  string          `json:"error"`
		}
		require.NoError(c.t, json.Unmarshal(msg.Data, &resp))
		if resp.ID == id {
			return ipc.Response{ID: resp.ID, Result: resp.Result, Error: resp.Error}
		}
	}
}

// closed reports whether the server closed the connection within timeout.
func (c *wsClient) closed(timeout time.Duration) bool {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return false
			}
			return true
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
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

type fakeProcess struct {
	pid    int
	events chan exthost.Event
	mu     sync.Mutex
	sent   []exthost.SocketMessage
	killed bool
}

func (p *fakeProcess) Pid() int                      { return p.pid }
func (p *fakeProcess) Events() <-chan exthost.Event { return p.events }

func (p *fakeProcess) SendSocket(msg exthost.SocketMessage, conn net.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return nil
}

func (p *fakeProcess) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.killed {
		p.killed = true
		close(p.events)
	}
}

func (p *fakeProcess) sentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProcess
}

func (l *fakeLauncher) Launch(exthost.LaunchOptions) (exthost.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := &fakeProcess{pid: 4000 + len(l.procs), events: make(chan exthost.Event, 8)}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) process(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i >= len(l.procs) {
		return nil
	}
	return l.procs[i]
}

// rawClient speaks the frame format over a raw TCP stream.
type rawClient struct {
	t    *testing.T
	conn net.Conn
	dec  protocol.Decoder
}

func newRawClient(t *testing.T, conn net.Conn) *rawClient {
	return &rawClient{t: t, conn: conn}
}

func (c *rawClient) sendControl(v any) {
	c.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(c.t, err)
	_, err = c.conn.Write(protocol.Message{Type: protocol.MessageControl, Data: data}.Encode())
	require.NoError(c.t, err)
}

func (c *rawClient) control() string {
	c.t.Helper()
	buf := make([]byte, 4096)
	for {
		msg, ok, err := c.dec.Next()
		require.NoError(c.t, err)
		if ok {
			if msg.Type == protocol.MessageControl {
				return string(msg.Data)
			}
			continue
		}
		require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		n, err := c.conn.Read(buf)
		require.NoError(c.t, err)
		c.dec.Feed(buf[:n])
	}
}

func (c *rawClient) handshake(typ int) string {
	c.t.Helper()
	c.sendControl(protocol.HandshakeMessage{Type: protocol.HandshakeAuth})
	var sign protocol.HandshakeMessage
	require.NoError(c.t, json.Unmarshal([]byte(c.control()), &sign))
	require.Equal(c.t, protocol.HandshakeSign, sign.Type)
	c.sendControl(protocol.HandshakeMessage{Type: protocol.HandshakeConnectionType, DesiredConnectionType: typ})
	return c.control()
}
