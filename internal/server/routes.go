package server

import "net/http"

// Routes returns the server's HTTP handler. The WebSocket route sits behind
// the handshake limiter when one is configured.
func (s *Server) Routes() http.Handler {
	var ws http.Handler = http.HandlerFunc(s.handleWebSocket)
	if s.handshake != nil {
		ws = Chain(ws, NewHandshakeLimiter(s.logger, s.handshake))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /ws/{roomID}", ws)
	return Chain(mux, NewRequestLogger(s.logger))
}
