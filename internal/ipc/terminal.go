package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/workspace/remote-server/internal/pty"
)

// TerminalChannelName is the channel for remote terminals.
const TerminalChannelName = "remoteterminal"

// TerminalChannel exposes pty sessions to clients. A terminal belongs to
// the client that created or last attached it and is closed when that
// client goes away.
type TerminalChannel struct {
	manager *pty.Manager
}

// NewTerminalChannel serves terminals from manager.
func NewTerminalChannel(manager *pty.Manager) *TerminalChannel {
	return &TerminalChannel{manager: manager}
}

type createProcessArgs struct {
	Shell string   `json:"shell"`
	Args  []string `json:"args"`
	Cwd   string   `json:"cwd"`
	Env   []string `json:"env"`
	Rows  int      `json:"rows"`
	Cols  int      `json:"cols"`
}

type terminalArgs struct {
	ID   string `json:"id"`
	Data string `json:"data"`
	Rows int    `json:"rows"`
	Cols int    `json:"cols"`
}

// ProcessInfo is returned by createProcess.
type ProcessInfo struct {
	ID  string `json:"id"`
	Pid int    `json:"pid"`
}

// AttachResult is returned by attach.
type AttachResult struct {
	ID         string `json:"id"`
	Scrollback string `json:"scrollback"`
}

type outputEvent struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

type exitEvent struct {
	ID   string `json:"id"`
	Code int    `json:"code"`
}

func (tc *TerminalChannel) Call(_ context.Context, client *Client, command string, raw json.RawMessage) (any, error) {
	switch command {
	case "createProcess":
		var args createProcessArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		s, err := tc.manager.Create(client.Token(), pty.CreateOptions{
			Shell:    args.Shell,
			Args:     args.Args,
			Rows:     args.Rows,
			Cols:     args.Cols,
			Env:      args.Env,
			WorkDir:  args.Cwd,
			Listener: clientListener{client: client},
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Terminal created", "token", client.Token(), "terminal", s.ID, "pid", s.Pid())
		return ProcessInfo{ID: s.ID, Pid: s.Pid()}, nil

	case "listProcesses":
		return tc.manager.IDs(), nil

	case "attach":
		var args terminalArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		_, scrollback, err := tc.manager.Attach(args.ID, client.Token(), clientListener{client: client})
		if err != nil {
			return nil, err
		}
		return AttachResult{ID: args.ID, Scrollback: string(scrollback)}, nil
	}

	var args terminalArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	s, err := tc.owned(client, args.ID)
	if err != nil {
		return nil, err
	}
	switch command {
	case "input":
		if _, err := s.Write([]byte(args.Data)); err != nil {
			return nil, fmt.Errorf("write to terminal: %w", err)
		}
		return nil, nil
	case "resize":
		if args.Rows <= 0 || args.Cols <= 0 {
			return nil, fmt.Errorf("invalid size %dx%d", args.Rows, args.Cols)
		}
		return nil, s.Resize(args.Rows, args.Cols)
	case "shutdown":
		return nil, tc.manager.Close(args.ID)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
}

func (tc *TerminalChannel) owned(client *Client, id string) (*pty.Session, error) {
	s, ok := tc.manager.Get(id)
	if !ok {
		return nil, fmt.Errorf("terminal not found: %s", id)
	}
	if s.Owner() != client.Token() {
		return nil, fmt.Errorf("terminal %s belongs to another client", id)
	}
	return s, nil
}

// ClientClosed closes the client's terminals.
func (tc *TerminalChannel) ClientClosed(client *Client) {
	if n := tc.manager.CloseOwnedBy(client.Token()); n > 0 {
		slog.Info("Closed terminals of departed client", "token", client.Token(), "count", n)
	}
}

// clientListener forwards terminal output to one client as events.
type clientListener struct {
	client *Client
}

func (l clientListener) Output(id string, data []byte) {
	_ = l.client.Emit(TerminalChannelName, "output", outputEvent{ID: id, Data: string(data)})
}

func (l clientListener) Exit(id string, code int) {
	_ = l.client.Emit(TerminalChannelName, "exit", exitEvent{ID: id, Code: code})
}
