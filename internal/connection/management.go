package connection

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/remote-server/internal/protocol"
)

// ManagementState is the lifecycle state of a management session.
type ManagementState int

const (
	StateConnected ManagementState = iota
	StateAwaitingReconnect
	StateDisposed
)

func (s ManagementState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAwaitingReconnect:
		return "awaitingReconnect"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// ManagementConnection is an editor management channel. When its socket
// drops it stays registered for a grace period so the client can reconnect
// and pick up where it left off.
type ManagementConnection struct {
	closer

	id    string
	token string
	proto *protocol.Protocol
	grace time.Duration

	// reconnectMu serialises Reconnect calls.
	reconnectMu sync.Mutex

	mu         sync.Mutex
	state      ManagementState
	socket     protocol.Socket
	timer      *time.Timer
	generation uint64
	reconnects int
}

// NewManagementConnection takes ownership of p.
func NewManagementConnection(token string, p *protocol.Protocol, grace time.Duration) *ManagementConnection {
	c := &ManagementConnection{
		closer: newCloser(),
		id:     uuid.NewString(),
		token:  token,
		proto:  p,
		grace:  grace,
		socket: p.Socket(),
	}
	p.SetSocketCloseHandler(c.onSocketClose)
	go c.watchPeer()
	return c
}

func (c *ManagementConnection) ID() string    { return c.id }
func (c *ManagementConnection) Type() Type    { return Management }
func (c *ManagementConnection) Token() string { return c.token }

// Protocol returns the session's persistent protocol.
func (c *ManagementConnection) Protocol() *protocol.Protocol { return c.proto }

// State returns the current lifecycle state.
func (c *ManagementConnection) State() ManagementState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ManagementConnection) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ID:         c.id,
		Type:       Management.String(),
		Token:      RedactToken(c.token),
		State:      c.state.String(),
		Reconnects: c.reconnects,
	}
}

// Start is a no-op; the protocol is already reading.
func (c *ManagementConnection) Start() {}

// watchPeer disposes the session as soon as the client says goodbye.
func (c *ManagementConnection) watchPeer() {
	select {
	case <-c.proto.Closed():
		c.Dispose("client disconnected")
	case <-c.done:
	}
}

func (c *ManagementConnection) onSocketClose(sock protocol.Socket, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || sock != c.socket {
		return
	}
	if errors.Is(err, protocol.ErrMalformedFrame) {
		// Runs on the protocol's reader; Dispose waits for that reader to exit.
		go c.Dispose("protocol error")
		return
	}

	c.state = StateAwaitingReconnect
	c.generation++
	gen := c.generation
	c.timer = time.AfterFunc(c.grace, func() { c.graceExpired(gen) })
	slog.Info("Management socket closed, waiting for reconnect",
		"token", c.token, "grace", c.grace.String(), "error", err)
}

func (c *ManagementConnection) graceExpired(gen uint64) {
	c.mu.Lock()
	if c.state != StateAwaitingReconnect || c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()
	c.Dispose("reconnection grace time expired")
}

// Reconnect cancels a pending grace timer, moves the protocol onto sock and
// replays everything the client has not acknowledged. The timer is
// cancelled before ack runs, so an acknowledged client always gets the
// session. A failed ack still hands sock to the protocol; its close starts
// a new grace period.
func (c *ManagementConnection) Reconnect(sock protocol.Socket, buf []byte, ack func() error) error {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return ErrUnrecognizedReconnectionToken
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.generation++
	c.state = StateConnected
	c.socket = sock
	c.reconnects++
	c.mu.Unlock()

	ackErr := ack()
	c.proto.BeginAcceptReconnection(sock, buf)
	c.proto.EndAcceptReconnection()
	if ackErr != nil {
		return fmt.Errorf("acknowledge reconnection: %w", ackErr)
	}
	slog.Info("Management session resumed", "token", c.token, "id", c.id)
	return nil
}

// Dispose ends the session: best-effort disconnect notice, protocol
// released, socket closed, close callbacks fired once.
func (c *ManagementConnection) Dispose(reason string) {
	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return
	}
	c.state = StateDisposed
	c.generation++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	slog.Info("Disposing management session", "token", c.token, "id", c.id, "reason", reason)
	c.proto.SendDisconnect()
	sock := c.proto.Socket()
	c.proto.Dispose()
	if sock != nil {
		_ = sock.Close()
	}
	c.fire(reason)
}
