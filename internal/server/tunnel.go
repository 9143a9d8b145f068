package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/workspace/remote-server/internal/connection"
	"github.com/workspace/remote-server/internal/protocol"
)

// Tunnel failure reasons sent to the client.
const (
	reasonTunnelForbidden   = "Tunnel target not allowed"
	reasonTunnelUnreachable = "Tunnel target unreachable"
)

// errCopyDone ends the copy group once either direction finishes.
var errCopyDone = errors.New("copy finished")

// tunnelArgs is the target carried in a tunnel's connectionType message.
type tunnelArgs struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// tunnel is one live pass-through between a client and a local port.
type tunnel struct {
	client    io.ReadWriteCloser
	target    net.Conn
	closeOnce sync.Once
}

func (t *tunnel) close() {
	t.closeOnce.Do(func() {
		_ = t.client.Close()
		_ = t.target.Close()
	})
}

// serveTunnel dials the requested target and copies bytes both ways until
// either side closes. Tunnels never enter the connection table.
func (s *Server) serveTunnel(p *protocol.Protocol, req connection.HandshakeRequest) {
	fail := func(reason string) {
		p.SendError(reason)
		sock := p.Socket()
		p.Dispose()
		_ = sock.Close()
	}

	var args tunnelArgs
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &args); err != nil {
			slog.Warn("Invalid tunnel arguments", "remote", req.RemoteAddr, "error", err)
			fail(reasonTunnelForbidden)
			return
		}
	}
	if args.Host == "" {
		args.Host = "127.0.0.1"
	}
	if args.Port <= 0 || args.Port > 65535 || !s.tunnelHostAllowed(args.Host) {
		slog.Warn("Tunnel target refused", "host", args.Host, "port", args.Port, "remote", req.RemoteAddr)
		fail(reasonTunnelForbidden)
		return
	}

	addr := net.JoinHostPort(args.Host, strconv.Itoa(args.Port))
	target, err := s.dialer.DialContext(context.Background(), "tcp", addr)
	if err != nil {
		slog.Warn("Tunnel dial failed", "target", addr, "error", err)
		fail(reasonTunnelUnreachable)
		return
	}

	if err := p.SendControl(protocol.HandshakeMessage{Type: protocol.HandshakeOK}); err != nil {
		_ = target.Close()
		fail(reasonTunnelUnreachable)
		return
	}

	t := &tunnel{client: p.Tunnel(), target: target}
	if !s.trackTunnel(t) {
		t.close()
		return
	}
	defer s.untrackTunnel(t)

	slog.Info("Tunnel opened", "target", addr, "remote", req.RemoteAddr)
	s.pipe(t)
	slog.Info("Tunnel closed", "target", addr, "remote", req.RemoteAddr)
}

// pipe copies both directions and closes both ends when either finishes.
func (s *Server) pipe(t *tunnel) {
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		_, err := io.Copy(t.target, t.client)
		if err == nil {
			err = errCopyDone
		}
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(t.client, t.target)
		if err == nil {
			err = errCopyDone
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		t.close()
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, errCopyDone) {
		slog.Debug("Tunnel copy ended", "error", err)
	}
}

func (s *Server) tunnelHostAllowed(host string) bool {
	for _, allowed := range s.config.TunnelAllowedHosts {
		if allowed == "*" || allowed == host {
			return true
		}
	}
	return false
}

func (s *Server) trackTunnel(t *tunnel) bool {
	s.tunnelMu.Lock()
	defer s.tunnelMu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	s.tunnels[t] = struct{}{}
	s.idleDetector.RecordActivity()
	return true
}

func (s *Server) untrackTunnel(t *tunnel) {
	s.tunnelMu.Lock()
	delete(s.tunnels, t)
	s.tunnelMu.Unlock()
	s.idleDetector.RecordActivity()
}

func (s *Server) closeTunnels() {
	s.tunnelMu.Lock()
	tunnels := make([]*tunnel, 0, len(s.tunnels))
	for t := range s.tunnels {
		tunnels = append(tunnels, t)
	}
	s.tunnelMu.Unlock()
	for _, t := range tunnels {
		t.close()
	}
}
