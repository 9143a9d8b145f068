// Package pty runs shells on pseudo-terminals for remote terminal clients.
package pty

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
)

// Listener receives a terminal's output and its exit.
type Listener interface {
	Output(id string, data []byte)
	Exit(id string, code int)
}

// Session is a shell running on a pseudo-terminal.
type Session struct {
	ID        string
	Shell     string
	CreatedAt time.Time

	cmd        *exec.Cmd
	ptmx       *os.File
	scrollback *Scrollback
	onActivity func()
	onExit     func()

	mu         sync.RWMutex
	owner      string
	listener   Listener
	rows       int
	cols       int
	lastActive time.Time
	exitCode   int

	exited    chan struct{}
	closeOnce sync.Once
}

// SessionConfig holds configuration for creating a new session.
type SessionConfig struct {
	ID             string
	Owner          string
	Shell          string
	Args           []string
	Rows           int
	Cols           int
	Env            []string
	WorkDir        string
	ScrollbackSize int
	Listener       Listener
	OnActivity     func()
	// OnExit runs after the shell has exited and the listener was told.
	OnExit func()
}

// NewSession starts the shell and begins relaying its output.
func NewSession(cfg SessionConfig) (*Session, error) {
	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	rows := cfg.Rows
	if rows <= 0 {
		rows = 24
	}
	cols := cfg.Cols
	if cols <= 0 {
		cols = 80
	}

	cmd := exec.Command(shell, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s := &Session{
		ID:         cfg.ID,
		Shell:      shell,
		CreatedAt:  now,
		cmd:        cmd,
		ptmx:       ptmx,
		scrollback: NewScrollback(cfg.ScrollbackSize),
		onActivity: cfg.OnActivity,
		onExit:     cfg.OnExit,
		owner:      cfg.Owner,
		listener:   cfg.Listener,
		rows:       rows,
		cols:       cols,
		lastActive: now,
		exited:     make(chan struct{}),
	}
	go s.relay()
	return s, nil
}

// relay copies output to the scrollback and the listener until the shell
// goes away, then reports its exit.
func (s *Session) relay() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			s.mu.Lock()
			_, _ = s.scrollback.Write(data)
			l := s.listener
			s.lastActive = time.Now()
			s.mu.Unlock()
			if l != nil {
				l.Output(s.ID, data)
			}
			s.activity()
		}
		if err != nil {
			break
		}
	}

	code := 0
	if err := s.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	s.mu.Lock()
	s.exitCode = code
	l := s.listener
	s.mu.Unlock()
	close(s.exited)

	if l != nil {
		l.Exit(s.ID, code)
	}
	if s.onExit != nil {
		s.onExit()
	}
}

func (s *Session) activity() {
	if s.onActivity != nil {
		s.onActivity()
	}
}

// Write sends input to the shell.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
	s.activity()
	return s.ptmx.Write(p)
}

// Resize changes the terminal window size.
func (s *Session) Resize(rows, cols int) error {
	s.mu.Lock()
	s.rows = rows
	s.cols = cols
	s.mu.Unlock()
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Size returns the current window size.
func (s *Session) Size() (rows, cols int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows, s.cols
}

// Attach makes owner and l the terminal's recipients and returns the
// scrollback. Output produced after the snapshot goes to l.
func (s *Session) Attach(owner string, l Listener) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owner = owner
	s.listener = l
	return s.scrollback.Bytes()
}

// Owner returns the client that owns the terminal.
func (s *Session) Owner() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.owner
}

// Pid returns the shell's process id.
func (s *Session) Pid() int {
	return s.cmd.Process.Pid
}

// Exited is closed once the shell has exited.
func (s *Session) Exited() <-chan struct{} {
	return s.exited
}

// ExitCode returns the shell's exit code; valid after Exited is closed.
func (s *Session) ExitCode() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exitCode
}

// GetLastActive returns the last time input or output was seen.
func (s *Session) GetLastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

// Close kills the shell and releases the terminal.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		if cerr := s.ptmx.Close(); cerr != nil && !errors.Is(cerr, io.EOF) && !errors.Is(cerr, os.ErrClosed) {
			err = cerr
		}
	})
	return err
}
