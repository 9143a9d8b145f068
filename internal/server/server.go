// Package server provides the HTTP server for the remote session server.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/workspace/remote-server/internal/auth"
	"github.com/workspace/remote-server/internal/config"
	"github.com/workspace/remote-server/internal/connection"
	"github.com/workspace/remote-server/internal/exthost"
	"github.com/workspace/remote-server/internal/idle"
	"github.com/workspace/remote-server/internal/ipc"
	"github.com/workspace/remote-server/internal/logging"
	"github.com/workspace/remote-server/internal/persistence"
	"github.com/workspace/remote-server/internal/pty"
	"github.com/workspace/remote-server/internal/sysinfo"
)

// Server owns the HTTP listener, the connection table and everything an
// admitted session needs.
type Server struct {
	config       *config.Config
	httpServer   *http.Server
	listener     net.Listener
	table        *connection.Table
	admitter     *connection.Admitter
	validator    auth.Validator
	clients      connection.ClientConnectionHandler
	ipcServer    *ipc.Server
	ptyManager   *pty.Manager
	store        *persistence.Store
	idleDetector *idle.Detector
	host         *sysinfo.Collector
	limiter      *rate.Limiter
	upgrader     websocket.Upgrader
	dialer       net.Dialer
	startTime    time.Time

	tunnelMu sync.Mutex
	tunnels  map[*tunnel]struct{}

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a new server instance.
func New(cfg *config.Config) (*Server, error) {
	var validator auth.Validator = auth.AllowAll{}
	if cfg.JWKSEndpoint != "" {
		v, err := auth.NewJWKSValidator(cfg.JWKSEndpoint, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			return nil, fmt.Errorf("failed to create JWT validator: %w", err)
		}
		validator = v
	} else {
		slog.Warn("JWKS_ENDPOINT not set: handshake auth tokens are not verified")
	}

	var store *persistence.Store
	if cfg.PersistenceDBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.PersistenceDBPath), 0o755); err != nil {
			return nil, fmt.Errorf("create persistence directory: %w", err)
		}
		st, err := persistence.Open(cfg.PersistenceDBPath)
		if err != nil {
			return nil, fmt.Errorf("open persistence store: %w", err)
		}
		if n, err := st.CloseStale("server restarted"); err != nil {
			slog.Warn("Failed to close stale ledger entries", "error", err)
		} else if n > 0 {
			slog.Info("Closed stale ledger entries", "count", n)
		}
		store = st
	}

	s := &Server{
		config:    cfg,
		table:     connection.NewTable(),
		validator: validator,
		store:     store,
		startTime: time.Now().UTC(),
		host:      sysinfo.NewCollector(sysinfo.CollectorConfig{}),
		dialer:    net.Dialer{Timeout: cfg.TunnelDialTimeout},
		tunnels:   make(map[*tunnel]struct{}),
		done:      make(chan struct{}),
	}

	s.idleDetector = idle.NewDetector(idle.DetectorConfig{
		Timeout:       cfg.IdleTimeout,
		CheckInterval: cfg.IdleCheckInterval,
		ActiveCount:   s.activeCount,
	})
	s.table.SetChangeHandler(s.idleDetector.RecordActivity)

	s.ptyManager = pty.NewManager(pty.ManagerConfig{
		DefaultShell:   cfg.DefaultShell,
		DefaultRows:    cfg.DefaultRows,
		DefaultCols:    cfg.DefaultCols,
		ScrollbackSize: cfg.PTYOutputBufferSize,
		OnActivity:     s.idleDetector.RecordActivity,
	})

	s.ipcServer = ipc.NewServer()
	s.ipcServer.RegisterChannel(ipc.EnvironmentChannelName, &ipc.EnvironmentChannel{StartTime: s.startTime, Host: s.host})
	s.ipcServer.RegisterChannel(ipc.TerminalChannelName, ipc.NewTerminalChannel(s.ptyManager))
	s.clients = s.ipcServer

	s.admitter = &connection.Admitter{
		Table:     s.table,
		GraceTime: cfg.ReconnectionGraceTime,
		Launcher:  exthost.OSLauncher{},
		LaunchOptions: exthost.LaunchOptions{
			Command:     cfg.ExtHostCommand,
			Args:        cfg.ExtHostArgs,
			KillTimeout: cfg.ExtHostKillTimeout,
		},
		LogSink:    exthost.NewLogSink(logging.Component("exthost")),
		DebugPorts: connection.NoDebugPort{},
	}

	if cfg.UpgradeRateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.UpgradeRateLimit), max(cfg.UpgradeRateBurst, 1))
	}
	s.upgrader = s.createUpgrader()

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// WriteTimeout stays 0: upgraded connections are long-lived and the
	// deadline would be set on the conn before the handler runs.
	s.httpServer = &http.Server{
		Addr:        cfg.Addr(),
		Handler:     corsMiddleware(mux, cfg.AllowedOrigins),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	return s, nil
}

// SetLauncher replaces the extension host launcher.
func (s *Server) SetLauncher(l exthost.Launcher) {
	s.admitter.Launcher = l
}

// SetValidator replaces the handshake auth validator.
func (s *Server) SetValidator(v auth.Validator) {
	s.validator = v
}

// SetDebugPortProvider sets where extension host debug ports come from.
func (s *Server) SetDebugPortProvider(p connection.DebugPortProvider) {
	s.admitter.DebugPorts = p
}

// SetClientConnectionHandler replaces the handler notified of new
// management sessions. Defaults to the built-in IPC server.
func (s *Server) SetClientConnectionHandler(h connection.ClientConnectionHandler) {
	s.clients = h
}

// Table returns the connection table.
func (s *Server) Table() *connection.Table {
	return s.table
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// IdleShutdown is closed when the idle detector asks for shutdown.
func (s *Server) IdleShutdown() <-chan struct{} {
	return s.idleDetector.ShutdownChannel()
}

// Listen binds the listener. A bind failure is returned immediately so the
// caller can fail at startup.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound listener address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Serve accepts connections until Stop. Listen must have been called.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}
	go s.idleDetector.Start()

	slog.Info("Remote server listening", "addr", s.listener.Addr().String())
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start binds the listener and serves.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop gracefully stops the server and ends every session.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		s.idleDetector.Stop()

		// Hijacked connections are not tracked by Shutdown; close them first.
		s.table.DisposeAll("server shutting down")
		s.closeTunnels()
		s.ptyManager.CloseAll()

		err = s.httpServer.Shutdown(ctx)

		if v, ok := s.validator.(*auth.JWTValidator); ok {
			v.Close()
		}
		if s.store != nil {
			if cerr := s.store.Close(); cerr != nil {
				slog.Warn("Failed to close persistence store", "error", cerr)
			}
		}
	})
	return err
}

func (s *Server) activeCount() int {
	s.tunnelMu.Lock()
	n := len(s.tunnels)
	s.tunnelMu.Unlock()
	return s.table.Len() + n
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /connections", s.handleConnections)

	// Session upgrades. Method and header checks happen in the handler so
	// that bad requests get the right status before any table interaction.
	mux.HandleFunc("/", s.handleUpgrade)
}
