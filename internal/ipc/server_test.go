package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/remote-server/internal/connection"
	"github.com/workspace/remote-server/internal/protocol"
	"github.com/workspace/remote-server/internal/pty"
	"github.com/workspace/remote-server/internal/sysinfo"
)

// testClient is the editor side of one management session.
type testClient struct {
	t          *testing.T
	proto      *protocol.Protocol
	disconnect chan struct{}
	nextID     int64
	events     []Event
}

func connect(t *testing.T, srv *Server, token string) *testClient {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	serverConn := <-accepted

	serverProto := protocol.New(protocol.NewRawSocket(serverConn, nil))
	clientProto := protocol.New(protocol.NewRawSocket(clientConn, nil))
	disconnect := make(chan struct{})
	t.Cleanup(func() {
		serverProto.Dispose()
		clientProto.Dispose()
		serverConn.Close()
		clientConn.Close()
	})

	srv.OnClientConnected(connection.ClientConnection{
		Token:        token,
		Protocol:     serverProto,
		Disconnected: disconnect,
	})
	return &testClient{t: t, proto: clientProto, disconnect: disconnect}
}

// call sends a request and waits for its response, keeping events seen meanwhile.
func (c *testClient) call(channel, command string, args any) Response {
	c.t.Helper()
	c.nextID++
	raw, err := json.Marshal(args)
	require.NoError(c.t, err)
	req, err := json.Marshal(Request{ID: c.nextID, Channel: channel, Command: command, Args: raw})
	require.NoError(c.t, err)
	require.NoError(c.t, c.proto.Send(req))

	for {
		var msg struct {
			ID     int64           `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  string          `json:"error"`
			Event  string          `json:"event"`
			Chan   string          `json:"channel"`
			Data   json.RawMessage `json:"data"`
		}
		require.NoError(c.t, json.Unmarshal(c.recv(), &msg))
		if msg.Event != "" {
			c.events = append(c.events, Event{Channel: msg.Chan, Event: msg.Event, Data: msg.Data})
			continue
		}
		require.Equal(c.t, c.nextID, msg.ID)
		return Response{ID: msg.ID, Result: msg.Result, Error: msg.Error}
	}
}

func (c *testClient) recv() []byte {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := c.proto.Recv(ctx)
	require.NoError(c.t, err)
	return data
}

// waitEvent returns the first event (already seen or new) matching pred.
func (c *testClient) waitEvent(pred func(Event) bool) Event {
	c.t.Helper()
	for i, ev := range c.events {
		if pred(ev) {
			c.events = append(c.events[:i], c.events[i+1:]...)
			return ev
		}
	}
	for {
		var ev struct {
			Channel string          `json:"channel"`
			Event   string          `json:"event"`
			Data    json.RawMessage `json:"data"`
		}
		require.NoError(c.t, json.Unmarshal(c.recv(), &ev))
		e := Event{Channel: ev.Channel, Event: ev.Event, Data: ev.Data}
		if pred(e) {
			return e
		}
	}
}

func outputContains(id, want string) func(Event) bool {
	return func(ev Event) bool {
		if ev.Event != "output" {
			return false
		}
		var out outputEvent
		if err := json.Unmarshal(ev.Data.(json.RawMessage), &out); err != nil {
			return false
		}
		return out.ID == id && strings.Contains(out.Data, want)
	}
}

func resultAs[T any](t *testing.T, resp Response) T {
	t.Helper()
	require.Empty(t, resp.Error)
	var v T
	require.NoError(t, json.Unmarshal(resp.Result.(json.RawMessage), &v))
	return v
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func newTerminalServer(t *testing.T) (*Server, *pty.Manager) {
	manager := pty.NewManager(pty.ManagerConfig{DefaultShell: "/bin/sh", DefaultRows: 24, DefaultCols: 80})
	t.Cleanup(manager.CloseAll)
	srv := NewServer()
	srv.RegisterChannel(TerminalChannelName, NewTerminalChannel(manager))
	return srv, manager
}

func TestEnvironmentData(t *testing.T) {
	start := time.Now().Truncate(time.Second)
	srv := NewServer()
	srv.RegisterChannel(EnvironmentChannelName, &EnvironmentChannel{StartTime: start})
	client := connect(t, srv, "tok-env")

	env := resultAs[EnvironmentData](t, client.call(EnvironmentChannelName, "getEnvironmentData", nil))
	assert.Equal(t, os.Getpid(), env.Pid)
	assert.Equal(t, "tok-env", env.ConnectionToken)
	assert.True(t, env.StartTime.Equal(start))
	assert.NotEmpty(t, env.OS)

	resp := client.call(EnvironmentChannelName, "nope", nil)
	assert.Contains(t, resp.Error, "unknown command")
}

type fakeHost struct {
	metrics *sysinfo.HostMetrics
	err     error
}

func (f fakeHost) Collect() (*sysinfo.HostMetrics, error) { return f.metrics, f.err }

func TestDiagnosticInfo(t *testing.T) {
	srv := NewServer()
	srv.RegisterChannel(EnvironmentChannelName, &EnvironmentChannel{
		StartTime: time.Now().Add(-time.Minute),
		Host:      fakeHost{metrics: &sysinfo.HostMetrics{NumCPU: 4, MemoryPercent: 12.5}},
	})
	client := connect(t, srv, "tok-diag")

	info := resultAs[DiagnosticInfo](t, client.call(EnvironmentChannelName, "getDiagnosticInfo", nil))
	require.NotNil(t, info.Host)
	assert.Equal(t, 4, info.Host.NumCPU)
	assert.Equal(t, 12.5, info.Host.MemoryPercent)
	assert.NotEmpty(t, info.Uptime)
}

func TestDiagnosticInfoCollectError(t *testing.T) {
	srv := NewServer()
	srv.RegisterChannel(EnvironmentChannelName, &EnvironmentChannel{Host: fakeHost{err: errors.New("no procfs")}})
	client := connect(t, srv, "tok")

	resp := client.call(EnvironmentChannelName, "getDiagnosticInfo", nil)
	assert.Contains(t, resp.Error, "no procfs")
}

func TestUnknownChannel(t *testing.T) {
	client := connect(t, NewServer(), "tok")
	resp := client.call("missing", "x", nil)
	assert.Equal(t, "unknown channel: missing", resp.Error)
}

func TestMalformedRequestIsSkipped(t *testing.T) {
	srv := NewServer()
	srv.RegisterChannel(EnvironmentChannelName, &EnvironmentChannel{})
	client := connect(t, srv, "tok")

	require.NoError(t, client.proto.Send([]byte("not json")))
	resp := client.call(EnvironmentChannelName, "getEnvironmentData", nil)
	assert.Empty(t, resp.Error)
}

func TestTerminalLifecycle(t *testing.T) {
	requireShell(t)
	srv, manager := newTerminalServer(t)
	client := connect(t, srv, "tok-a")

	info := resultAs[ProcessInfo](t, client.call(TerminalChannelName, "createProcess", map[string]any{"rows": 30, "cols": 100}))
	require.NotEmpty(t, info.ID)
	assert.Positive(t, info.Pid)

	resp := client.call(TerminalChannelName, "input", map[string]any{"id": info.ID, "data": "echo ipc-$((1+1))\n"})
	require.Empty(t, resp.Error)
	client.waitEvent(outputContains(info.ID, "ipc-2"))

	resp = client.call(TerminalChannelName, "resize", map[string]any{"id": info.ID, "rows": 50, "cols": 150})
	require.Empty(t, resp.Error)
	s, ok := manager.Get(info.ID)
	require.True(t, ok)
	rows, cols := s.Size()
	assert.Equal(t, 50, rows)
	assert.Equal(t, 150, cols)

	resp = client.call(TerminalChannelName, "resize", map[string]any{"id": info.ID, "rows": 0, "cols": 10})
	assert.Contains(t, resp.Error, "invalid size")

	ids := resultAs[[]string](t, client.call(TerminalChannelName, "listProcesses", nil))
	assert.Equal(t, []string{info.ID}, ids)

	resp = client.call(TerminalChannelName, "shutdown", map[string]any{"id": info.ID})
	require.Empty(t, resp.Error)
	assert.Equal(t, 0, manager.Count())

	resp = client.call(TerminalChannelName, "input", map[string]any{"id": info.ID, "data": "x"})
	assert.Contains(t, resp.Error, "terminal not found")
}

func TestTerminalExitEvent(t *testing.T) {
	requireShell(t)
	srv, _ := newTerminalServer(t)
	client := connect(t, srv, "tok-a")

	info := resultAs[ProcessInfo](t, client.call(TerminalChannelName, "createProcess", nil))
	client.call(TerminalChannelName, "input", map[string]any{"id": info.ID, "data": "exit 4\n"})

	ev := client.waitEvent(func(ev Event) bool { return ev.Event == "exit" })
	var exit exitEvent
	require.NoError(t, json.Unmarshal(ev.Data.(json.RawMessage), &exit))
	assert.Equal(t, info.ID, exit.ID)
	assert.Equal(t, 4, exit.Code)
}

func TestTerminalsClosedWhenClientDisconnects(t *testing.T) {
	requireShell(t)
	srv, manager := newTerminalServer(t)
	client := connect(t, srv, "tok-a")
	other := connect(t, srv, "tok-b")

	client.call(TerminalChannelName, "createProcess", nil)
	other.call(TerminalChannelName, "createProcess", nil)
	require.Equal(t, 2, manager.Count())
	require.Equal(t, 2, srv.ClientCount())

	close(client.disconnect)
	require.Eventually(t, func() bool { return manager.Count() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return srv.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestTerminalAttachTransfersOwnership(t *testing.T) {
	requireShell(t)
	srv, manager := newTerminalServer(t)
	first := connect(t, srv, "tok-a")
	second := connect(t, srv, "tok-b")

	info := resultAs[ProcessInfo](t, first.call(TerminalChannelName, "createProcess", nil))
	first.call(TerminalChannelName, "input", map[string]any{"id": info.ID, "data": "echo first-$((2+3))\n"})
	first.waitEvent(outputContains(info.ID, "first-5"))

	resp := second.call(TerminalChannelName, "input", map[string]any{"id": info.ID, "data": "x"})
	assert.Contains(t, resp.Error, "belongs to another client")

	attached := resultAs[AttachResult](t, second.call(TerminalChannelName, "attach", map[string]any{"id": info.ID}))
	assert.Contains(t, attached.Scrollback, "first-5")

	second.call(TerminalChannelName, "input", map[string]any{"id": info.ID, "data": "echo second-$((3+4))\n"})
	second.waitEvent(outputContains(info.ID, "second-7"))

	close(first.disconnect)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, manager.Count())
}
