package connection

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/workspace/remote-server/internal/exthost"
	"github.com/workspace/remote-server/internal/protocol"
)

// ExtensionHostOptions configures the process behind an extension host session.
type ExtensionHostOptions struct {
	Launcher      exthost.Launcher
	LaunchOptions exthost.LaunchOptions
	LogSink       exthost.LogSink
}

// ExtensionHostConnection owns an extension host process. The process
// reads the session socket itself; the server only hands the socket over,
// again after every reconnect. The process outlives its sockets.
type ExtensionHostConnection struct {
	closer

	id    string
	token string
	opts  ExtensionHostOptions

	// sendMu serialises socket hand-offs to the process.
	sendMu sync.Mutex

	mu         sync.Mutex
	proto      *protocol.Protocol
	socket     protocol.Socket
	pending    []byte
	delivered  protocol.Socket
	process    exthost.Process
	ready      bool
	disposed   bool
	reconnects int
}

// NewExtensionHostConnection takes ownership of p. Reading stops at once so
// later bytes stay on the socket for the extension host.
func NewExtensionHostConnection(token string, p *protocol.Protocol, opts ExtensionHostOptions) *ExtensionHostConnection {
	if opts.LogSink == nil {
		opts.LogSink = exthost.NewLogSink(nil)
	}
	buf := p.ReadEntireBuffer()
	return &ExtensionHostConnection{
		closer:  newCloser(),
		id:      uuid.NewString(),
		token:   token,
		opts:    opts,
		proto:   p,
		socket:  p.Socket(),
		pending: buf,
	}
}

func (c *ExtensionHostConnection) ID() string    { return c.id }
func (c *ExtensionHostConnection) Type() Type    { return ExtensionHost }
func (c *ExtensionHostConnection) Token() string { return c.token }

// Pid returns the extension host's process id, or 0 before it started.
func (c *ExtensionHostConnection) Pid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.process == nil {
		return 0
	}
	return c.process.Pid()
}

func (c *ExtensionHostConnection) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := "starting"
	switch {
	case c.disposed:
		state = "disposed"
	case c.ready:
		state = "ready"
	}
	info := Info{
		ID:         c.id,
		Type:       ExtensionHost.String(),
		Token:      RedactToken(c.token),
		State:      state,
		Reconnects: c.reconnects,
	}
	if c.process != nil {
		info.Pid = c.process.Pid()
	}
	return info
}

// Start releases the handshake protocol and spawns the extension host.
func (c *ExtensionHostConnection) Start() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	p := c.proto
	c.proto = nil
	c.mu.Unlock()
	if p != nil {
		p.Dispose()
	}

	if c.opts.Launcher == nil {
		c.Dispose("no extension host launcher configured")
		return
	}
	proc, err := c.opts.Launcher.Launch(c.opts.LaunchOptions)
	if err != nil {
		slog.Error("Failed to start extension host", "token", c.token, "error", err)
		c.Dispose("extension host failed to start")
		return
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		proc.Kill()
		go drain(proc)
		return
	}
	c.process = proc
	c.mu.Unlock()

	slog.Info("Extension host session started", "token", c.token, "id", c.id, "pid", proc.Pid())
	go c.run(proc)
}

// run is the only consumer of the process's events.
func (c *ExtensionHostConnection) run(proc exthost.Process) {
	for ev := range proc.Events() {
		switch ev.Kind {
		case exthost.EventStdout:
			c.opts.LogSink.Info(ev.Line)
		case exthost.EventStderr:
			c.opts.LogSink.Error(ev.Line)
		case exthost.EventReady:
			c.mu.Lock()
			c.ready = true
			c.mu.Unlock()
			c.deliverSocket()
		case exthost.EventExit:
			slog.Info("Extension host exited", "token", c.token, "pid", proc.Pid(), "code", ev.ExitCode)
			c.Dispose("extension host exited")
		case exthost.EventError:
			slog.Error("Extension host failed", "token", c.token, "pid", proc.Pid(), "error", ev.Err)
			c.Dispose("extension host error")
		}
	}
	c.Dispose("extension host events closed")
}

func drain(proc exthost.Process) {
	for range proc.Events() {
	}
}

// deliverSocket hands the current socket and its buffered bytes to the
// process once it is ready. A socket is delivered at most once.
func (c *ExtensionHostConnection) deliverSocket() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.disposed || !c.ready || c.socket == nil || c.socket == c.delivered {
		c.mu.Unlock()
		return
	}
	sock, buf, proc := c.socket, c.pending, c.process
	c.pending = nil
	c.delivered = sock
	c.mu.Unlock()

	held := sock.Pause()
	data := append(append([]byte(nil), buf...), held...)
	msg := exthost.SocketMessage{
		Type:                exthost.MessageSocket,
		InitialDataChunk:    base64.StdEncoding.EncodeToString(data),
		SkipWebSocketFrames: sock.SkipFraming(),
	}
	if err := proc.SendSocket(msg, sock.NetConn()); err != nil {
		slog.Error("Failed to hand socket to extension host", "token", c.token, "error", err)
		c.Dispose("socket hand-off failed")
		return
	}
	// The process holds its own descriptor now.
	_ = sock.Close()
	slog.Info("Socket handed to extension host", "token", c.token, "pid", proc.Pid(), "bytes", len(data))
}

// Reconnect gives the running process the new socket. Before the process
// is ready the newest socket replaces the pending one. The client is
// acknowledged before the socket is handed over.
func (c *ExtensionHostConnection) Reconnect(sock protocol.Socket, buf []byte, ack func() error) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrUnrecognizedReconnectionToken
	}
	old := c.socket
	c.socket = sock
	c.pending = buf
	c.reconnects++
	c.mu.Unlock()

	if old != nil && old != sock {
		_ = old.Close()
	}
	if err := ack(); err != nil {
		// The session owns sock now; Dispose will close it.
		return fmt.Errorf("acknowledge reconnection: %w", err)
	}
	c.deliverSocket()
	return nil
}

// Dispose kills the process if it is alive, closes the socket and fires
// close callbacks once.
func (c *ExtensionHostConnection) Dispose(reason string) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	p, sock, proc := c.proto, c.socket, c.process
	c.proto = nil
	c.mu.Unlock()

	slog.Info("Disposing extension host session", "token", c.token, "id", c.id, "reason", reason)
	if p != nil {
		p.Dispose()
	}
	if proc != nil {
		proc.Kill()
	}
	if sock != nil {
		_ = sock.Close()
	}
	c.fire(reason)
}
