// Package exthost spawns and supervises extension host processes. The host
// receives its session socket out of band: the server passes the socket's
// descriptor over a unix side-channel once the host reports it is ready.
package exthost

import (
	"log/slog"
	"net"
	"time"
)

// Side-channel message types.
const (
	MessageSocket = "VSCODE_EXTHOST_IPC_SOCKET"
	MessageReady  = "VSCODE_EXTHOST_IPC_READY"
)

// Environment variables set on every extension host.
const (
	EnvWillSendSocket = "VSCODE_EXTHOST_WILL_SEND_SOCKET"
	EnvIPCFD          = "VSCODE_EXTHOST_IPC_FD"
)

// EventKind classifies a process event.
type EventKind int

const (
	EventStdout EventKind = iota
	EventStderr
	EventReady
	EventExit
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStdout:
		return "stdout"
	case EventStderr:
		return "stderr"
	case EventReady:
		return "ready"
	case EventExit:
		return "exit"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is something the extension host process did.
type Event struct {
	Kind     EventKind
	Line     string
	ExitCode int
	Err      error
}

// SocketMessage hands a session socket to the extension host. It travels
// together with the socket's descriptor.
type SocketMessage struct {
	Type                string `json:"type"`
	InitialDataChunk    string `json:"initialDataChunk"`
	SkipWebSocketFrames bool   `json:"skipWebSocketFrames"`
}

// Process is a running extension host.
type Process interface {
	// Pid returns the OS process id.
	Pid() int
	// Events delivers stdio lines, readiness and termination in order. It is
	// closed after the final Exit or Error event.
	Events() <-chan Event
	// SendSocket passes msg and the descriptor behind conn to the process.
	SendSocket(msg SocketMessage, conn net.Conn) error
	// Kill terminates the process. Safe to call more than once.
	Kill()
}

// Launcher starts extension host processes.
type Launcher interface {
	Launch(opts LaunchOptions) (Process, error)
}

// LaunchOptions configures one extension host.
type LaunchOptions struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
	// KillTimeout is how long Kill waits after SIGTERM before SIGKILL.
	KillTimeout time.Duration
}

// LogSink receives the extension host's output.
type LogSink interface {
	Info(line string)
	Error(line string)
}

type slogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a LogSink writing to logger. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return slogSink{logger: logger}
}

func (s slogSink) Info(line string)  { s.logger.Info("Extension host output", "line", line) }
func (s slogSink) Error(line string) { s.logger.Error("Extension host error output", "line", line) }
