package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status      string `json:"status"`
	Rooms       int    `json:"rooms"`
	Users       int    `json:"users"`
	Connections int    `json:"connections"`
}

// handleWebSocket upgrades GET /ws/{roomID} and runs the session on the
// request goroutine until the connection ends.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimSpace(r.PathValue("roomID"))
	if roomID == "" {
		http.Error(w, "Missing room id", http.StatusBadRequest)
		return
	}
	token := tokenFromRequest(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", slog.String("remoteAddr", r.RemoteAddr), slog.Any("error", err))
		return
	}

	if !s.beginSession() {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.Transport.WriteWait))
		_ = conn.Close()
		return
	}
	defer s.sessions.Done()

	newSession(s, conn, token, roomID, r.RemoteAddr).Run(s.ctx)
}

// tokenFromRequest reads the token from ?token= or an Authorization bearer
// header, in that order.
func tokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// handleHealth reports liveness together with hub counts.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.hub.Stats()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(HealthResponse{
		Status:      "ok",
		Rooms:       stats.Rooms,
		Users:       stats.Users,
		Connections: stats.Connections,
	}); err != nil {
		s.logger.Warn("Error writing health response", slog.Any("error", err))
	}
}

// handleRoot is a plain liveness message for humans and load balancers.
func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if _, err := w.Write([]byte("RoomChat server is running!")); err != nil {
		s.logger.Warn("Error writing response", slog.Any("error", err))
	}
}
