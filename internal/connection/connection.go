// Package connection tracks the long-lived sessions behind upgraded sockets:
// editor management channels and extension host processes. Sessions are
// keyed by a reconnection token so a client can resume after its transport
// drops.
package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/workspace/remote-server/internal/logging"
	"github.com/workspace/remote-server/internal/protocol"
)

// Type is the kind of session a client asks for.
type Type int

const (
	Management    Type = 1
	ExtensionHost Type = 2
	Tunnel        Type = 3
)

func (t Type) String() string {
	switch t {
	case Management:
		return "management"
	case ExtensionHost:
		return "extensionHost"
	case Tunnel:
		return "tunnel"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ParseType maps a wire value to a Type.
func ParseType(n int) (Type, error) {
	switch t := Type(n); t {
	case Management, ExtensionHost, Tunnel:
		return t, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnrecognizedConnectionType, n)
	}
}

var (
	ErrUnrecognizedReconnectionToken = errors.New("unrecognized reconnection token")
	ErrDuplicateReconnectionToken    = errors.New("duplicate reconnection token")
	ErrUnrecognizedConnectionType    = errors.New("unrecognized connection type")
)

// Reason returns the message sent to a client whose admission failed.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrUnrecognizedReconnectionToken):
		return "Unknown reconnection token"
	case errors.Is(err, ErrDuplicateReconnectionToken):
		return "Duplicate reconnection token"
	case errors.Is(err, ErrUnrecognizedConnectionType):
		return "Unknown initial data received"
	default:
		return "Connection refused"
	}
}

// HandshakeRequest is what a client asked for during the handshake.
type HandshakeRequest struct {
	Type         Type
	Token        string
	Reconnection bool
	SkipFraming  bool
	Args         json.RawMessage
	RemoteAddr   string
}

// Connection is an admitted session.
type Connection interface {
	ID() string
	Type() Type
	Token() string
	// Start begins work after the client has been acknowledged.
	Start()
	// Reconnect moves the session onto a new socket. buf holds bytes
	// already read from that socket. ack acknowledges the client once the
	// session has claimed the socket. A session that is already disposed
	// returns ErrUnrecognizedReconnectionToken without calling ack and
	// leaves sock to the caller.
	Reconnect(sock protocol.Socket, buf []byte, ack func() error) error
	// Dispose ends the session. Idempotent.
	Dispose(reason string)
	// Done is closed once the session is disposed.
	Done() <-chan struct{}
	// OnClose registers fn to run once when the session is disposed. If it
	// already is, fn runs immediately.
	OnClose(fn func())
	// CloseReason is the reason given to Dispose, empty while open.
	CloseReason() string
}

// RedactToken returns the form of a reconnection token that may leave the
// process. The full token is enough to take over a session.
func RedactToken(token string) string {
	return logging.ShortToken(token)
}

// Info is a read-only view of a connection for status endpoints. Token is
// always redacted.
type Info struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Token      string `json:"token"`
	State      string `json:"state"`
	Reconnects int    `json:"reconnects"`
	Pid        int    `json:"pid,omitempty"`
}

// describer is implemented by connections that can report their state.
type describer interface {
	Info() Info
}

// closer fires close notifications exactly once.
type closer struct {
	done      chan struct{}
	mu        sync.Mutex
	closed    bool
	reason    string
	callbacks []func()
}

func newCloser() closer {
	return closer{done: make(chan struct{})}
}

func (c *closer) Done() <-chan struct{} {
	return c.done
}

func (c *closer) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}

func (c *closer) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *closer) fire(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.reason = reason
	callbacks := c.callbacks
	c.callbacks = nil
	close(c.done)
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// DebugPortProvider reports the debug port of an extension host session.
type DebugPortProvider interface {
	DebugPort(token string) (int, bool)
}

// NoDebugPort never reports a debugger.
type NoDebugPort struct{}

func (NoDebugPort) DebugPort(string) (int, bool) { return 0, false }

// ClientConnection is a management client handed to the IPC layer.
type ClientConnection struct {
	Token        string
	Protocol     *protocol.Protocol
	Disconnected <-chan struct{}
}

// ClientConnectionHandler attaches per-client state to new management sessions.
type ClientConnectionHandler interface {
	OnClientConnected(c ClientConnection)
}
