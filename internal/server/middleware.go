package server

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/Tyrowin/roomchat/internal/ratelimit"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares so that the first one listed runs first.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// NewRequestLogger logs every incoming request.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("Incoming HTTP request",
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
				slog.String("ip", clientIP(r)),
			)
			next.ServeHTTP(w, r)
		})
	}
}

// NewHandshakeLimiter refuses upgrade attempts from a client address that
// exceeds limiter's window with 429. The limiter is expected to carry its
// own key prefix. A failing limiter lets the request through.
func NewHandshakeLimiter(logger *slog.Logger, limiter ratelimit.Limiter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			allowed, err := limiter.Allow(r.Context(), ip)
			if err != nil {
				logger.Warn("Handshake limiter unavailable", slog.String("ip", ip), slog.Any("error", err))
			} else if !allowed {
				logger.Warn("Handshake rate limit exceeded", slog.String("ip", ip))
				http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
