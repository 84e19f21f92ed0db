package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/store"
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateJoined
	StateReceiving
	StateRateLimited
	StateRejected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateJoined:
		return "joined"
	case StateReceiving:
		return "receiving"
	case StateRateLimited:
		return "rate_limited"
	case StateRejected:
		return "rejected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// dependencyTimeout bounds each call a session makes to Redis or the store.
const dependencyTimeout = 5 * time.Second

// Session drives one connection from authentication to teardown.
type Session struct {
	srv    *Server
	conn   *websocket.Conn
	token  string
	roomID string
	addr   string
	logger *slog.Logger

	identity auth.Identity
	client   *Client

	state        atomic.Int32
	teardownOnce sync.Once

	// refreshing is set while a presence refresh is in flight; refreshes
	// tracks them so teardown never races a late MarkOnline.
	refreshing atomic.Bool
	refreshes  sync.WaitGroup
}

func newSession(srv *Server, conn *websocket.Conn, token, roomID, addr string) *Session {
	return &Session{
		srv:    srv,
		conn:   conn,
		token:  token,
		roomID: roomID,
		addr:   addr,
		logger: srv.logger.With(slog.String("roomID", roomID), slog.String("remoteAddr", addr)),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

// Run authenticates the connection, joins the room and serves frames until
// the connection ends. Teardown always runs before Run returns.
func (s *Session) Run(ctx context.Context) {
	s.setState(StateAuthenticating)
	if err := s.authenticate(ctx); err != nil {
		s.reject(err)
		s.setState(StateClosed)
		return
	}

	s.client = NewClient(s.conn, s.srv.logger, s.srv.cfg.Transport, s.srv.cfg.Server.MaxMessageSize,
		s.identity.UserID, s.roomID, s.addr)
	s.logger = s.client.logger
	s.client.onPing = s.heartbeat

	defer s.teardown()
	s.join(ctx)

	go s.client.writePump()
	s.setState(StateReceiving)
	s.client.readPump(func(raw []byte) {
		s.handleFrame(ctx, raw)
	})
}

func (s *Session) authenticate(ctx context.Context) error {
	identity, err := s.srv.verifier.VerifyToken(s.token)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuth, err)
	}
	s.identity = identity

	lookupCtx, cancel := context.WithTimeout(ctx, dependencyTimeout)
	defer cancel()
	member, err := s.srv.members.IsMember(lookupCtx, s.roomID, identity.UserID)
	if err != nil {
		return dependencyFailure("membership check", err)
	}
	if !member {
		return fmt.Errorf("%w: user %s in room %s", ErrMembership, identity.UserID, s.roomID)
	}
	return nil
}

// reject closes a connection that never joined. No registry or presence
// state has been touched at this point.
func (s *Session) reject(err error) {
	code, reason := websocket.ClosePolicyViolation, "unauthorized"
	switch {
	case errors.Is(err, ErrMembership):
		reason = "not a member of this room"
	case errors.Is(err, ErrDependency):
		code, reason = websocket.CloseInternalServerErr, "membership lookup failed"
	}
	s.logger.Warn("Rejecting connection", slog.Int("code", code), slog.Any("error", err))

	msg := websocket.FormatCloseMessage(code, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.srv.cfg.Transport.WriteWait)); err != nil {
		s.logger.Debug("Error writing close message", slog.Any("error", err))
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(closeGrace))
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			break
		}
	}
	_ = s.conn.Close()
}

func (s *Session) join(ctx context.Context) {
	s.srv.registry.Register(s.client)
	s.setState(StateJoined)

	presenceCtx, cancel := context.WithTimeout(ctx, dependencyTimeout)
	defer cancel()
	if err := s.srv.presence.MarkOnline(presenceCtx, s.identity.UserID, s.srv.cfg.Presence.TTL); err != nil {
		s.logger.Warn("Failed to mark user online", slog.Any("error", err))
	}
	s.logger.Info("Session joined room", slog.String("username", s.identity.DisplayName))
}

// heartbeat keeps the presence record alive for as long as the connection
// answers pings. It runs on the write pump, so the refresh itself happens
// in the background and a slow store never delays outbound frames.
func (s *Session) heartbeat() {
	if !s.refreshing.CompareAndSwap(false, true) {
		return
	}
	s.refreshes.Add(1)
	go func() {
		defer s.refreshes.Done()
		defer s.refreshing.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), dependencyTimeout)
		defer cancel()
		if err := s.srv.presence.MarkOnline(ctx, s.identity.UserID, s.srv.cfg.Presence.TTL); err != nil {
			s.logger.Warn("Failed to refresh presence", slog.Any("error", err))
		}
	}()
}

func (s *Session) handleFrame(ctx context.Context, raw []byte) {
	// frames read while the close handshake runs belong to a connection
	// the hub no longer serves
	select {
	case <-s.client.Done():
		s.logger.Debug("Dropping frame read after close")
		return
	default:
	}

	if err := s.processFrame(ctx, raw); err != nil {
		switch {
		case errors.Is(err, ErrRateLimited):
			s.setState(StateRateLimited)
			s.logger.Info("Frame rate limited")
		case errors.Is(err, ErrDependency):
			s.logger.Error("Frame failed on a dependency", slog.Any("error", err))
		default:
			s.setState(StateRejected)
			s.logger.Info("Frame rejected", slog.Any("error", err))
		}
		s.reply(newErrorReply(err))
	}
	s.setState(StateReceiving)
}

// processFrame admits, validates, persists and fans out one frame.
func (s *Session) processFrame(ctx context.Context, raw []byte) error {
	allowed, err := s.srv.limiter.Allow(ctx, s.identity.UserID)
	if err != nil {
		s.logger.Warn("Rate limiter unavailable, admitting frame", slog.Any("error", err))
	} else if !allowed {
		return ErrRateLimited
	}

	frame, err := decodeFrame(raw)
	if err != nil {
		return err
	}
	if err := s.srv.filter.Check(frame.Content); err != nil {
		return rejectContent(err)
	}

	msg := &store.Message{
		RoomID:      s.roomID,
		UserID:      s.identity.UserID,
		Username:    s.identity.DisplayName,
		Content:     frame.Content,
		MessageType: frame.MessageType,
		FileURL:     frame.FileURL,
		ReplyTo:     frame.ReplyTo,
		Metadata:    frame.Metadata,
		CreatedAt:   time.Now().UTC(),
	}
	insertCtx, cancel := context.WithTimeout(ctx, dependencyTimeout)
	defer cancel()
	if _, err := s.srv.messages.Insert(insertCtx, msg); err != nil {
		return dependencyFailure("persist message", err)
	}

	payload, err := json.Marshal(OutboundMessage{Type: "message", Message: msg})
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	delivered := s.srv.registry.BroadcastToRoom(s.roomID, payload)
	s.logger.Debug("Message broadcast", slog.String("messageID", msg.ID), slog.Int("delivered", delivered))

	s.notifyOffline(ctx, msg)
	return nil
}

// notifyOffline queues notifications for members who will not see the
// message live. Failures here never reach the sender.
func (s *Session) notifyOffline(ctx context.Context, msg *store.Message) {
	if s.srv.notifier == nil {
		return
	}
	lookupCtx, cancel := context.WithTimeout(ctx, dependencyTimeout)
	defer cancel()

	queued, err := s.srv.notifier.NotifyOffline(lookupCtx, s.roomID, s.identity.UserID, notificationText(msg))
	if err != nil {
		s.logger.Warn("Offline notification targeting failed", slog.Any("error", err))
		return
	}
	if queued > 0 {
		s.logger.Debug("Offline notifications queued", slog.Int("count", queued))
	}
}

func (s *Session) reply(reply ErrorReply) {
	payload, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("Failed to encode reply", slog.Any("error", err))
		return
	}
	if err := s.client.Send(payload); err != nil {
		s.logger.Warn("Failed to queue reply", slog.Any("error", err))
	}
}

// teardown unregisters the connection and clears presence exactly once.
// Presence is left alone when another connection of the same user has
// already taken over.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.setState(StateClosing)
		s.srv.registry.Unregister(s.client)
		s.refreshes.Wait()

		if !s.srv.registry.IsConnected(s.identity.UserID) {
			ctx, cancel := context.WithTimeout(context.Background(), dependencyTimeout)
			defer cancel()
			if err := s.srv.presence.MarkOffline(ctx, s.identity.UserID); err != nil {
				s.logger.Warn("Failed to mark user offline", slog.Any("error", err))
			}
		}
		s.setState(StateClosed)
		s.logger.Info("Session closed")
	})
}

// notificationText is the preview sent to offline members.
func notificationText(msg *store.Message) string {
	return "New message in room " + msg.RoomID + ": " + preview(msg.Content, 80)
}

func preview(content string, limit int) string {
	content = strings.Join(strings.Fields(content), " ")
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	return string(runes[:limit]) + "..."
}
