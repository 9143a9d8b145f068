package protocol

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handshake message types.
const (
	HandshakeAuth           = "auth"
	HandshakeSign           = "sign"
	HandshakeConnectionType = "connectionType"
	HandshakeOK             = "ok"
	HandshakeError          = "error"
)

// HandshakeMessage is the control message exchanged before a session is admitted.
type HandshakeMessage struct {
	Type                  string          `json:"type"`
	Auth                  string          `json:"auth,omitempty"`
	Data                  string          `json:"data,omitempty"`
	DesiredConnectionType int             `json:"desiredConnectionType,omitempty"`
	Args                  json.RawMessage `json:"args,omitempty"`
	Reason                string          `json:"reason,omitempty"`
}

// ExtensionHostAck acknowledges an extension host connection. DebugPort is
// omitted when no debugger is attached, which makes the message `{}`.
type ExtensionHostAck struct {
	DebugPort int `json:"debugPort,omitempty"`
}

// RecvHandshake reads the next control message and checks its type.
func (p *Protocol) RecvHandshake(ctx context.Context, want string) (HandshakeMessage, error) {
	raw, err := p.RecvControl(ctx)
	if err != nil {
		return HandshakeMessage{}, err
	}
	var msg HandshakeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return HandshakeMessage{}, fmt.Errorf("decode handshake message: %w", err)
	}
	if msg.Type != want {
		return HandshakeMessage{}, fmt.Errorf("unexpected handshake message %q, want %q", msg.Type, want)
	}
	return msg, nil
}

// SendError reports reason to the peer as a handshake error. Best effort.
func (p *Protocol) SendError(reason string) {
	_ = p.SendControl(HandshakeMessage{Type: HandshakeError, Reason: reason})
}
