package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/workspace/remote-server/internal/connection"
	"github.com/workspace/remote-server/internal/persistence"
)

// handleHealth handles the health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status": "healthy",
		"connections": map[string]int{
			"management":    s.table.Count(connection.Management),
			"extensionHost": s.table.Count(connection.ExtensionHost),
		},
		"terminals": s.ptyManager.Count(),
		"idle":      s.idleDetector.GetIdleTime().Round(time.Second).String(),
		"uptime":    time.Since(s.startTime).Round(time.Second).String(),
	}
	if deadline := s.idleDetector.GetDeadline(); !deadline.IsZero() {
		response["idleShutdownAt"] = deadline.UTC().Format(time.RFC3339)
	}
	// Host metrics are best effort; procfs may be missing off Linux.
	if m, err := s.host.Collect(); err == nil {
		response["host"] = m
	} else {
		slog.Debug("Host metrics unavailable", "error", err)
	}
	writeJSON(w, http.StatusOK, response)
}

type connectionsResponse struct {
	Live    []connection.Info              `json:"live"`
	History []persistence.ConnectionRecord `json:"history,omitempty"`
}

// handleConnections lists live sessions and, with ?history=true, the ledger.
// Callers authenticate like a handshake, with a Bearer token checked by the
// same validator. Tokens in the listing are redacted.
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if _, err := s.validator.Validate(bearerToken(r)); err != nil {
		slog.Warn("Unauthorized connections listing", "remote", r.RemoteAddr, "error", err)
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	resp := connectionsResponse{Live: s.table.Snapshot()}

	if r.URL.Query().Get("history") == "true" {
		if s.store == nil {
			writeError(w, http.StatusNotFound, "connection history is not enabled")
			return
		}
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}
		history, err := s.store.ListConnections(true, limit)
		if err != nil {
			slog.Error("Failed to list connection history", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to read connection history")
			return
		}
		resp.History = history
	}

	writeJSON(w, http.StatusOK, resp)
}

func bearerToken(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false

		for _, o := range allowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
			if strings.Contains(o, "*.") && matchWildcardOrigin(origin, o) {
				allowed = true
				break
			}
		}

		if allowed && origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
