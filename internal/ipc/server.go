// Package ipc serves editor channels over management sessions. Each regular
// protocol message from a client is a JSON request naming a channel and a
// command; the server answers with a response carrying the same id and may
// push events on any channel.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/workspace/remote-server/internal/connection"
	"github.com/workspace/remote-server/internal/protocol"
)

// Request is a call from a client.
type Request struct {
	ID      int64           `json:"id"`
	Channel string          `json:"channel"`
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// Response answers a Request.
type Response struct {
	ID     int64  `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Event is pushed to a client without a request.
type Event struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Data    any    `json:"data,omitempty"`
}

// Channel handles the commands of one named channel.
type Channel interface {
	Call(ctx context.Context, client *Client, command string, args json.RawMessage) (any, error)
}

// ClientCloser is implemented by channels holding per-client state.
type ClientCloser interface {
	ClientClosed(client *Client)
}

// ErrUnknownCommand is returned by channels for commands they do not implement.
var ErrUnknownCommand = errors.New("unknown command")

// Client is one connected management session.
type Client struct {
	token string
	proto *protocol.Protocol
}

// Token returns the session's reconnection token.
func (c *Client) Token() string {
	return c.token
}

// Emit pushes an event to the client.
func (c *Client) Emit(channel, event string, data any) error {
	payload, err := json.Marshal(Event{Channel: channel, Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return c.proto.Send(payload)
}

func (c *Client) reply(resp Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		payload, _ = json.Marshal(Response{ID: resp.ID, Error: fmt.Sprintf("encode result: %v", err)})
	}
	if err := c.proto.Send(payload); err != nil {
		slog.Debug("Dropping IPC response", "token", c.token, "id", resp.ID, "error", err)
	}
}

// Server dispatches requests from management clients to channels.
type Server struct {
	mu       sync.RWMutex
	channels map[string]Channel
	clients  map[*Client]struct{}
}

// NewServer creates a server with no channels.
func NewServer() *Server {
	return &Server{
		channels: make(map[string]Channel),
		clients:  make(map[*Client]struct{}),
	}
}

// RegisterChannel makes ch reachable under name.
func (s *Server) RegisterChannel(name string, ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[name] = ch
}

// OnClientConnected starts serving a new management session.
func (s *Server) OnClientConnected(c connection.ClientConnection) {
	client := &Client{token: c.Token, proto: c.Protocol}
	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-c.Disconnected:
		case <-ctx.Done():
		}
		cancel()
	}()
	go s.serve(ctx, cancel, client)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// serve handles one client's requests in order until it goes away.
func (s *Server) serve(ctx context.Context, cancel context.CancelFunc, client *Client) {
	defer s.release(client)
	defer cancel()
	slog.Info("IPC client connected", "token", client.token)

	for {
		data, err := client.proto.Recv(ctx)
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			slog.Warn("Malformed IPC request", "token", client.token, "error", err)
			continue
		}
		client.reply(s.dispatch(ctx, client, req))
	}
}

func (s *Server) dispatch(ctx context.Context, client *Client, req Request) Response {
	s.mu.RLock()
	ch, ok := s.channels[req.Channel]
	s.mu.RUnlock()
	if !ok {
		return Response{ID: req.ID, Error: fmt.Sprintf("unknown channel: %s", req.Channel)}
	}
	result, err := ch.Call(ctx, client, req.Command, req.Args)
	if err != nil {
		return Response{ID: req.ID, Error: err.Error()}
	}
	return Response{ID: req.ID, Result: result}
}

func (s *Server) release(client *Client) {
	s.mu.Lock()
	delete(s.clients, client)
	channels := make([]Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	for _, ch := range channels {
		if cc, ok := ch.(ClientCloser); ok {
			cc.ClientClosed(client)
		}
	}
	slog.Info("IPC client disconnected", "token", client.token)
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
