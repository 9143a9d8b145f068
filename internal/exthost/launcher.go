package exthost

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ipcFD is the descriptor number of the side-channel in the child.
const ipcFD = 3

const defaultKillTimeout = 5 * time.Second

// OSLauncher starts extension hosts as child processes.
type OSLauncher struct{}

// Launch starts the process and its stdio and side-channel readers.
func (OSLauncher) Launch(opts LaunchOptions) (Process, error) {
	if opts.Command == "" {
		return nil, errors.New("extension host command is empty")
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create side-channel: %w", err)
	}
	parent := os.NewFile(uintptr(fds[0]), "exthost-ipc")
	child := os.NewFile(uintptr(fds[1]), "exthost-ipc-child")
	defer child.Close()

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Env = append(cmd.Env,
		EnvWillSendSocket+"=true",
		fmt.Sprintf("%s=%d", EnvIPCFD, ipcFD),
	)
	cmd.ExtraFiles = []*os.File{child}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		parent.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		parent.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		parent.Close()
		return nil, fmt.Errorf("failed to start extension host: %w", err)
	}

	fc, err := net.FileConn(parent)
	parent.Close()
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("failed to open side-channel: %w", err)
	}
	ipc, ok := fc.(*net.UnixConn)
	if !ok {
		fc.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, errors.New("side-channel is not a unix socket")
	}

	killTimeout := opts.KillTimeout
	if killTimeout <= 0 {
		killTimeout = defaultKillTimeout
	}
	p := &osProcess{
		cmd:         cmd,
		ipc:         ipc,
		events:      make(chan Event, 64),
		exited:      make(chan struct{}),
		killTimeout: killTimeout,
	}
	slog.Info("Extension host started", "command", opts.Command, "pid", cmd.Process.Pid)

	var stdio sync.WaitGroup
	stdio.Add(2)
	go p.relay(stdout, EventStdout, &stdio)
	go p.relay(stderr, EventStderr, &stdio)
	ipcDone := make(chan struct{})
	go p.readSideChannel(ipcDone)
	go p.wait(&stdio, ipcDone)
	return p, nil
}

type osProcess struct {
	cmd         *exec.Cmd
	ipc         *net.UnixConn
	events      chan Event
	exited      chan struct{}
	killTimeout time.Duration

	writeMu  sync.Mutex
	killOnce sync.Once
}

func (p *osProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *osProcess) Events() <-chan Event {
	return p.events
}

func (p *osProcess) relay(r io.Reader, kind EventKind, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.events <- Event{Kind: kind, Line: scanner.Text()}
	}
}

func (p *osProcess) readSideChannel(done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(p.ipc)
	for scanner.Scan() {
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			slog.Debug("Ignoring malformed extension host message", "error", err)
			continue
		}
		if msg.Type == MessageReady {
			p.events <- Event{Kind: EventReady}
		}
	}
}

// wait reports termination once every reader has drained, so Exit is
// always the last event before the channel closes.
func (p *osProcess) wait(stdio *sync.WaitGroup, ipcDone <-chan struct{}) {
	stdio.Wait()
	err := p.cmd.Wait()
	close(p.exited)
	p.ipc.Close()
	<-ipcDone

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		p.events <- Event{Kind: EventExit}
	case errors.As(err, &exitErr):
		p.events <- Event{Kind: EventExit, ExitCode: exitErr.ExitCode(), Err: err}
	default:
		p.events <- Event{Kind: EventError, Err: err}
	}
	close(p.events)
}

// SendSocket writes msg as one JSON line with conn's descriptor attached.
func (p *osProcess) SendSocket(msg SocketMessage, conn net.Conn) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode socket message: %w", err)
	}
	payload = append(payload, '\n')

	sc, ok := conn.(syscall.Conn)
	if !ok {
		return fmt.Errorf("connection %T has no file descriptor", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return fmt.Errorf("failed to access socket descriptor: %w", err)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	var writeErr error
	if err := raw.Control(func(fd uintptr) {
		_, _, writeErr = p.ipc.WriteMsgUnix(payload, unix.UnixRights(int(fd)), nil)
	}); err != nil {
		return fmt.Errorf("failed to access socket descriptor: %w", err)
	}
	if writeErr != nil {
		return fmt.Errorf("failed to send socket to extension host: %w", writeErr)
	}
	return nil
}

// Kill sends SIGTERM and escalates to SIGKILL if the process outlives the kill timeout.
func (p *osProcess) Kill() {
	p.killOnce.Do(func() {
		select {
		case <-p.exited:
			return
		default:
		}
		slog.Info("Stopping extension host", "pid", p.Pid())
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		go func() {
			select {
			case <-p.exited:
			case <-time.After(p.killTimeout):
				slog.Warn("Extension host ignored SIGTERM, killing", "pid", p.Pid())
				_ = p.cmd.Process.Kill()
			}
		}()
	})
}
