package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/filter"
	"github.com/Tyrowin/roomchat/internal/hub"
	"github.com/Tyrowin/roomchat/internal/presence"
	"github.com/Tyrowin/roomchat/internal/ratelimit"
	"github.com/Tyrowin/roomchat/internal/store"
)

// Notifier queues offline notifications for a room.
type Notifier interface {
	NotifyOffline(ctx context.Context, roomID, senderID, text string) (int, error)
}

// Deps are the collaborators a Server is built from.
type Deps struct {
	Logger   *slog.Logger
	Verifier auth.Verifier
	Members  store.Membership
	Messages store.MessageStore
	Presence presence.Store
	Limiter  ratelimit.Limiter
	// HandshakeLimiter gates upgrades per client address; nil disables it.
	HandshakeLimiter ratelimit.Limiter
	Filter           filter.ContentFilter
	Hub              *hub.Hub
	// Notifier may be nil, in which case nobody is notified.
	Notifier Notifier
}

// Server serves room sessions over WebSocket.
type Server struct {
	cfg    config.Config
	logger *slog.Logger

	verifier  auth.Verifier
	members   store.Membership
	messages  store.MessageStore
	presence  presence.Store
	limiter   ratelimit.Limiter
	handshake ratelimit.Limiter
	filter    filter.ContentFilter
	hub       *hub.Hub
	registry  hub.Registry
	notifier  Notifier

	origins  *originPolicy
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	closing    bool
	sessions   sync.WaitGroup
	httpServer *http.Server
}

// New validates deps and builds a Server. cfg is sanitized first.
func New(cfg config.Config, deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, errors.New("server: logger is required")
	case deps.Verifier == nil:
		return nil, errors.New("server: token verifier is required")
	case deps.Members == nil:
		return nil, errors.New("server: membership service is required")
	case deps.Messages == nil:
		return nil, errors.New("server: message store is required")
	case deps.Presence == nil:
		return nil, errors.New("server: presence store is required")
	case deps.Limiter == nil:
		return nil, errors.New("server: rate limiter is required")
	case deps.Hub == nil:
		return nil, errors.New("server: hub is required")
	}

	cfg = config.Sanitize(cfg)
	logger := deps.Logger.With(slog.String("component", "server"))
	contentFilter := deps.Filter
	if contentFilter == nil {
		contentFilter = filter.NewBannedWords(cfg.Filter.BannedWords)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		verifier:  deps.Verifier,
		members:   deps.Members,
		messages:  deps.Messages,
		presence:  deps.Presence,
		limiter:   deps.Limiter,
		handshake: deps.HandshakeLimiter,
		filter:    contentFilter,
		hub:       deps.Hub,
		registry:  deps.Hub,
		notifier:  deps.Notifier,
		origins:   newOriginPolicy(logger, cfg.Server.AllowedOrigins),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	return s, nil
}

// beginSession reserves a slot for a new session unless the server is
// shutting down.
func (s *Server) beginSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions.Add(1)
	return true
}
