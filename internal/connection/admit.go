package connection

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/workspace/remote-server/internal/exthost"
	"github.com/workspace/remote-server/internal/protocol"
)

// DefaultReconnectionGraceTime is how long a management session waits for
// its client to come back.
const DefaultReconnectionGraceTime = 60 * time.Second

// Outcome says what Admit did with a socket.
type Outcome int

const (
	// Tunneled means the socket bypasses the table; the caller owns it.
	Tunneled Outcome = iota + 1
	// Created means a new session was registered.
	Created
	// Reconnected means an existing session took over the socket.
	Reconnected
)

func (o Outcome) String() string {
	switch o {
	case Tunneled:
		return "tunneled"
	case Created:
		return "created"
	case Reconnected:
		return "reconnected"
	default:
		return "unknown"
	}
}

// Result is the outcome of an admission and the session involved.
type Result struct {
	Outcome Outcome
	Conn    Connection
}

// Admitter admits handshaken sockets into a Table.
type Admitter struct {
	Table *Table

	// GraceTime overrides DefaultReconnectionGraceTime when positive.
	GraceTime     time.Duration
	Launcher      exthost.Launcher
	LaunchOptions exthost.LaunchOptions
	LogSink       exthost.LogSink
	DebugPorts    DebugPortProvider
}

// Admit classifies a socket after its handshake. Lookup and insert for a
// (type, token) happen under the table lock; the acknowledgement is sent
// once the slot is taken. On error the client is told why and the socket
// is closed; no existing session is touched.
func (a *Admitter) Admit(req HandshakeRequest, p *protocol.Protocol) (Result, error) {
	switch req.Type {
	case Tunnel:
		return Result{Outcome: Tunneled}, nil
	case Management, ExtensionHost:
	default:
		return Result{}, reject(p, fmt.Errorf("%w: %d", ErrUnrecognizedConnectionType, int(req.Type)))
	}

	if req.Reconnection {
		return a.reconnect(req, p)
	}
	return a.create(req, p)
}

func (a *Admitter) reconnect(req HandshakeRequest, p *protocol.Protocol) (Result, error) {
	existing, ok := a.Table.Get(req.Type, req.Token)
	if !ok {
		return Result{}, reject(p, fmt.Errorf("%w: %s %q", ErrUnrecognizedReconnectionToken, req.Type, req.Token))
	}

	buf := p.ReadEntireBuffer()
	sock := p.Socket()
	ack := func() error {
		// The handshake wrapper is released either way; the session owns sock.
		defer p.Dispose()
		return a.acknowledge(req.Type, req.Token, p)
	}

	slog.Info("Reconnecting session", "type", req.Type.String(), "token", req.Token, "id", existing.ID())
	if err := existing.Reconnect(sock, buf, ack); err != nil {
		if errors.Is(err, ErrUnrecognizedReconnectionToken) {
			// Disposed after the lookup; the client was not acknowledged.
			return Result{}, reject(p, fmt.Errorf("%w: %s %q", err, req.Type, req.Token))
		}
		return Result{}, err
	}
	return Result{Outcome: Reconnected, Conn: existing}, nil
}

func (a *Admitter) create(req HandshakeRequest, p *protocol.Protocol) (Result, error) {
	token := req.Token
	t := a.Table
	t.mu.Lock()
	if _, exists := t.entries[req.Type][token]; exists {
		t.mu.Unlock()
		return Result{}, reject(p, fmt.Errorf("%w: %s %q", ErrDuplicateReconnectionToken, req.Type, token))
	}
	conn := a.build(req.Type, token, p)
	t.entries[req.Type][token] = conn
	t.mu.Unlock()

	t.changed()
	conn.OnClose(func() { t.remove(req.Type, token, conn) })

	if err := a.acknowledge(req.Type, token, p); err != nil {
		conn.Dispose("acknowledgement failed")
		return Result{}, fmt.Errorf("failed to acknowledge connection: %w", err)
	}

	slog.Info("Session admitted", "type", req.Type.String(), "token", token, "id", conn.ID(), "remote", req.RemoteAddr)
	conn.Start()
	return Result{Outcome: Created, Conn: conn}, nil
}

func (a *Admitter) build(typ Type, token string, p *protocol.Protocol) Connection {
	if typ == ExtensionHost {
		return NewExtensionHostConnection(token, p, ExtensionHostOptions{
			Launcher:      a.Launcher,
			LaunchOptions: a.LaunchOptions,
			LogSink:       a.LogSink,
		})
	}
	grace := a.GraceTime
	if grace <= 0 {
		grace = DefaultReconnectionGraceTime
	}
	return NewManagementConnection(token, p, grace)
}

func (a *Admitter) acknowledge(typ Type, token string, p *protocol.Protocol) error {
	if typ == ExtensionHost {
		var ack protocol.ExtensionHostAck
		if a.DebugPorts != nil {
			if port, ok := a.DebugPorts.DebugPort(token); ok {
				ack.DebugPort = port
			}
		}
		return p.SendControl(ack)
	}
	return p.SendControl(protocol.HandshakeMessage{Type: protocol.HandshakeOK})
}

// reject tells the client why it was refused and closes its socket.
func reject(p *protocol.Protocol, err error) error {
	slog.Warn("Rejecting connection", "error", err)
	p.SendError(Reason(err))
	sock := p.Socket()
	p.Dispose()
	_ = sock.Close()
	return err
}
