package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/workspace/remote-server/internal/connection"
	"github.com/workspace/remote-server/internal/persistence"
	"github.com/workspace/remote-server/internal/protocol"
)

// Handshake failure reasons sent to the client.
const (
	reasonUnauthorized = "Unauthorized client refused"
	reasonHandshake    = "Handshake failed"
)

var errUnauthorized = errors.New("unauthorized client")

// handleUpgrade accepts a session socket, runs the handshake and admits it.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !headerContainsToken(r.Header, "Upgrade", "websocket") {
		writeError(w, http.StatusBadRequest, "expected a websocket upgrade")
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "too many upgrade requests")
		return
	}
	if !s.checkOrigin(r) {
		writeError(w, http.StatusForbidden, "origin not allowed")
		return
	}

	q := parseUpgradeQuery(r)
	if q.reconnection && q.token == "" {
		writeError(w, http.StatusBadRequest, "reconnection requires a reconnectionToken")
		return
	}

	sock, err := s.upgrade(w, r, q.skipFraming)
	if err != nil {
		slog.Warn("Session upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.serveSession(sock, q, r.RemoteAddr)
}

// serveSession runs the handshake on a fresh socket and hands the result to
// the admitter.
func (s *Server) serveSession(sock protocol.Socket, q upgradeQuery, remoteAddr string) {
	p := protocol.New(sock)

	req, err := s.handshake(p, q, remoteAddr)
	if err != nil {
		slog.Warn("Session handshake failed", "remote", remoteAddr, "error", err)
		if errors.Is(err, errUnauthorized) {
			p.SendError(reasonUnauthorized)
		} else {
			p.SendError(reasonHandshake)
		}
		p.Dispose()
		_ = sock.Close()
		return
	}

	res, err := s.admitter.Admit(req, p)
	if err != nil {
		// The admitter has already told the client and closed the socket.
		slog.Info("Session refused", "type", req.Type.String(), "token", req.Token, "remote", remoteAddr, "reason", connection.Reason(err))
		return
	}

	switch res.Outcome {
	case connection.Tunneled:
		s.serveTunnel(p, req)
	case connection.Created:
		s.onCreated(res.Conn, req)
	case connection.Reconnected:
		s.recordReconnected(res.Conn, remoteAddr)
	}
}

// handshake reads auth and connectionType from the client, bounded by the
// handshake timeout. It has no table or process side effects.
func (s *Server) handshake(p *protocol.Protocol, q upgradeQuery, remoteAddr string) (connection.HandshakeRequest, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.HandshakeTimeout)
	defer cancel()

	authMsg, err := p.RecvHandshake(ctx, protocol.HandshakeAuth)
	if err != nil {
		return connection.HandshakeRequest{}, fmt.Errorf("read auth: %w", err)
	}
	if _, err := s.validator.Validate(authMsg.Auth); err != nil {
		return connection.HandshakeRequest{}, fmt.Errorf("%w: %v", errUnauthorized, err)
	}

	sign := protocol.HandshakeMessage{Type: protocol.HandshakeSign, Data: uuid.NewString()}
	if err := p.SendControl(sign); err != nil {
		return connection.HandshakeRequest{}, fmt.Errorf("send sign request: %w", err)
	}

	ct, err := p.RecvHandshake(ctx, protocol.HandshakeConnectionType)
	if err != nil {
		return connection.HandshakeRequest{}, fmt.Errorf("read connection type: %w", err)
	}

	return connection.HandshakeRequest{
		Type:         connection.Type(ct.DesiredConnectionType),
		Token:        q.token,
		Reconnection: q.reconnection,
		SkipFraming:  q.skipFraming,
		Args:         ct.Args,
		RemoteAddr:   remoteAddr,
	}, nil
}

// onCreated wires a newly admitted session into the ledger and, for
// management sessions, the IPC layer.
func (s *Server) onCreated(conn connection.Connection, req connection.HandshakeRequest) {
	s.recordAdmitted(conn, req.RemoteAddr)
	conn.OnClose(func() { s.recordClosed(conn) })

	if mc, ok := conn.(*connection.ManagementConnection); ok && s.clients != nil {
		s.clients.OnClientConnected(connection.ClientConnection{
			Token:        mc.Token(),
			Protocol:     mc.Protocol(),
			Disconnected: mc.Done(),
		})
	}
}

type pidReporter interface {
	Pid() int
}

func (s *Server) recordAdmitted(conn connection.Connection, remoteAddr string) {
	if s.store == nil {
		return
	}
	rec := persistence.ConnectionRecord{
		ID:         conn.ID(),
		Token:      connection.RedactToken(conn.Token()),
		Type:       conn.Type().String(),
		RemoteAddr: remoteAddr,
	}
	if pr, ok := conn.(pidReporter); ok {
		rec.Pid = pr.Pid()
	}
	if err := s.store.RecordAdmitted(rec); err != nil {
		slog.Warn("Failed to record admitted session", "id", conn.ID(), "error", err)
	}
}

func (s *Server) recordReconnected(conn connection.Connection, remoteAddr string) {
	if s.store == nil {
		return
	}
	if err := s.store.RecordReconnected(conn.ID(), remoteAddr); err != nil {
		slog.Warn("Failed to record reconnect", "id", conn.ID(), "error", err)
	}
}

func (s *Server) recordClosed(conn connection.Connection) {
	if s.store == nil {
		return
	}
	if err := s.store.RecordClosed(conn.ID(), conn.CloseReason()); err != nil {
		slog.Warn("Failed to record closed session", "id", conn.ID(), "error", err)
	}
}
