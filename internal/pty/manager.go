package pty

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Manager owns the terminals of all connected clients.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	cfg      ManagerConfig
}

// ManagerConfig holds defaults applied to new terminals.
type ManagerConfig struct {
	DefaultShell   string
	DefaultRows    int
	DefaultCols    int
	WorkDir        string
	Env            []string
	ScrollbackSize int
	// OnActivity is called on terminal input and output.
	OnActivity func()
}

// CreateOptions describes one terminal. Zero values fall back to the manager's defaults.
type CreateOptions struct {
	Shell    string
	Args     []string
	Rows     int
	Cols     int
	Env      []string
	WorkDir  string
	Listener Listener
}

// NewManager creates a new terminal manager.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
	}
}

// Create starts a terminal owned by owner.
func (m *Manager) Create(owner string, opts CreateOptions) (*Session, error) {
	id := uuid.NewString()
	shell := opts.Shell
	if shell == "" {
		shell = m.cfg.DefaultShell
	}
	rows, cols := opts.Rows, opts.Cols
	if rows <= 0 {
		rows = m.cfg.DefaultRows
	}
	if cols <= 0 {
		cols = m.cfg.DefaultCols
	}
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = m.cfg.WorkDir
	}

	session, err := NewSession(SessionConfig{
		ID:             id,
		Owner:          owner,
		Shell:          shell,
		Args:           opts.Args,
		Rows:           rows,
		Cols:           cols,
		Env:            append(append([]string(nil), m.cfg.Env...), opts.Env...),
		WorkDir:        workDir,
		ScrollbackSize: m.cfg.ScrollbackSize,
		Listener:       opts.Listener,
		OnActivity:     m.cfg.OnActivity,
		OnExit:         func() { m.remove(id) },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start terminal: %w", err)
	}

	m.mu.Lock()
	select {
	case <-session.Exited():
		// Exited before registration; OnExit already ran.
	default:
		m.sessions[id] = session
	}
	m.mu.Unlock()
	return session, nil
}

// Get returns a terminal by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Attach hands a terminal to a new owner and returns its scrollback.
func (m *Manager) Attach(id, owner string, l Listener) (*Session, []byte, error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, nil, fmt.Errorf("terminal not found: %s", id)
	}
	return s, s.Attach(owner, l), nil
}

// Close closes one terminal.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("terminal not found: %s", id)
	}
	delete(m.sessions, id)
	m.mu.Unlock()
	return s.Close()
}

// CloseOwnedBy closes every terminal owned by owner and returns how many were closed.
func (m *Manager) CloseOwnedBy(owner string) int {
	m.mu.Lock()
	var owned []*Session
	for id, s := range m.sessions {
		if s.Owner() == owner {
			owned = append(owned, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range owned {
		_ = s.Close()
	}
	return len(owned)
}

// CloseAll closes every terminal.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
}

// IDs lists the open terminals.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of open terminals.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}
