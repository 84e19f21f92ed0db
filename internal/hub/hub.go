// Package hub coordinates connection registration, room broadcast, and
// connection cleanup for the roomchat WebSocket system via the Hub type.
package hub

import (
	"log/slog"
	"sync"
)

// WebSocket close codes used by the hub when it tears a connection down.
const (
	CloseGoingAway       = 1001
	CloseTryAgainLater   = 1013
	CloseSessionReplaced = 4001
)

// Conn is a live client connection as seen by the hub. A connection belongs
// to exactly one room and one user for its whole life.
type Conn interface {
	ID() string
	UserID() string
	RoomID() string
	// Send queues payload for delivery without blocking. An error means the
	// connection is closed or cannot keep up.
	Send(payload []byte) error
	// Close starts closing the connection with the given close code. It must
	// not block on the hub.
	Close(code int, reason string)
}

// Registry is the capability set sessions depend on. Hub is the in-process
// implementation; a clustered deployment can provide another one.
type Registry interface {
	Register(conn Conn)
	Unregister(conn Conn) bool
	BroadcastToRoom(roomID string, payload []byte) int
	SendToUser(userID string, payload []byte) bool
	IsConnected(userID string) bool
}

// Hub indexes live connections by room and by user. Each room and each user
// slot carries its own lock; the hub-wide mutex only guards the two maps and
// is never held while waiting on a room or user lock.
type Hub struct {
	logger *slog.Logger

	mu    sync.Mutex
	rooms map[string]*room
	users map[string]*userSlot
}

type room struct {
	mu    sync.RWMutex
	conns map[string]Conn
	// dead is set once the room was emptied and dropped from the hub map;
	// holders of a stale pointer must look the room up again.
	dead bool
}

type userSlot struct {
	mu   sync.Mutex
	conn Conn
	dead bool
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Rooms       int `json:"rooms"`
	Users       int `json:"users"`
	Connections int `json:"connections"`
}

var _ Registry = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger.With(slog.String("component", "hub")),
		rooms:  make(map[string]*room),
		users:  make(map[string]*userSlot),
	}
}

// Register adds conn to its room and makes it the user's live connection.
// A previous connection of the same user, in any room, is removed from the
// hub and closed with CloseSessionReplaced. The swap is atomic with respect
// to other Register and Unregister calls for the same user.
func (h *Hub) Register(conn Conn) {
	slot := h.lockUser(conn.UserID())

	prev := slot.conn
	if prev != nil && prev.ID() == conn.ID() {
		slot.mu.Unlock()
		return
	}
	if prev != nil {
		h.removeFromRoom(prev)
	}
	h.addToRoom(conn)
	slot.conn = conn
	slot.mu.Unlock()

	h.logger.Info("Connection registered",
		slog.String("connID", conn.ID()),
		slog.String("userID", conn.UserID()),
		slog.String("roomID", conn.RoomID()),
	)

	if prev != nil {
		h.logger.Info("Closing replaced connection",
			slog.String("connID", prev.ID()),
			slog.String("userID", prev.UserID()),
			slog.String("roomID", prev.RoomID()),
		)
		prev.Close(CloseSessionReplaced, "session replaced")
	}
}

// Unregister removes conn from its room and from the user index. It is a
// no-op when conn is already gone and reports whether anything was removed.
func (h *Hub) Unregister(conn Conn) bool {
	h.mu.Lock()
	slot := h.users[conn.UserID()]
	h.mu.Unlock()

	removed := false
	if slot != nil {
		slot.mu.Lock()
		defer slot.mu.Unlock()
		if !slot.dead && slot.conn != nil && slot.conn.ID() == conn.ID() {
			slot.conn = nil
			slot.dead = true
			h.mu.Lock()
			if h.users[conn.UserID()] == slot {
				delete(h.users, conn.UserID())
			}
			h.mu.Unlock()
			removed = true
		}
	}

	if h.removeFromRoom(conn) {
		removed = true
	}
	if removed {
		h.logger.Info("Connection unregistered",
			slog.String("connID", conn.ID()),
			slog.String("userID", conn.UserID()),
			slog.String("roomID", conn.RoomID()),
		)
	}
	return removed
}

// BroadcastToRoom queues payload on every connection in the room at the time
// of the call and returns how many accepted it. Connections that fail are
// unregistered and closed; the rest still receive the payload.
func (h *Hub) BroadcastToRoom(roomID string, payload []byte) int {
	targets := h.Connections(roomID)
	h.logger.Debug("Broadcasting message", slog.String("roomID", roomID), slog.Int("targets", len(targets)))

	delivered := 0
	var failed []Conn
	for _, conn := range targets {
		if err := conn.Send(payload); err != nil {
			h.logger.Warn("Broadcast delivery failed",
				slog.String("connID", conn.ID()),
				slog.String("userID", conn.UserID()),
				slog.String("roomID", roomID),
				slog.Any("error", err),
			)
			failed = append(failed, conn)
			continue
		}
		delivered++
	}

	h.dropFailed(failed)
	return delivered
}

// SendToUser delivers payload to the user's live connection, if any. It
// reports whether the payload was queued.
func (h *Hub) SendToUser(userID string, payload []byte) bool {
	conn, ok := h.UserConnection(userID)
	if !ok {
		return false
	}
	if err := conn.Send(payload); err != nil {
		h.logger.Warn("Direct delivery failed",
			slog.String("connID", conn.ID()),
			slog.String("userID", userID),
			slog.Any("error", err),
		)
		h.dropFailed([]Conn{conn})
		return false
	}
	return true
}

// IsConnected reports whether the user currently has a live connection.
func (h *Hub) IsConnected(userID string) bool {
	_, ok := h.UserConnection(userID)
	return ok
}

// UserConnection returns the user's live connection.
func (h *Hub) UserConnection(userID string) (Conn, bool) {
	h.mu.Lock()
	slot := h.users[userID]
	h.mu.Unlock()
	if slot == nil {
		return nil, false
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.dead || slot.conn == nil {
		return nil, false
	}
	return slot.conn, true
}

// Connections returns a snapshot of the connections joined to roomID.
func (h *Hub) Connections(roomID string) []Conn {
	h.mu.Lock()
	r := h.rooms[roomID]
	h.mu.Unlock()
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// Stats returns room, user and connection counts.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	stats := Stats{Rooms: len(h.rooms), Users: len(h.users)}
	h.mu.Unlock()

	for _, r := range rooms {
		r.mu.RLock()
		stats.Connections += len(r.conns)
		r.mu.RUnlock()
	}
	return stats
}

// CloseAll closes every registered connection. Sessions unregister
// themselves as their connections finish closing.
func (h *Hub) CloseAll(code int, reason string) int {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	var conns []Conn
	for _, r := range rooms {
		r.mu.RLock()
		for _, conn := range r.conns {
			conns = append(conns, conn)
		}
		r.mu.RUnlock()
	}

	for _, conn := range conns {
		conn.Close(code, reason)
	}
	h.logger.Info("Closed all connections", slog.Int("count", len(conns)))
	return len(conns)
}

func (h *Hub) dropFailed(conns []Conn) {
	for _, conn := range conns {
		if h.Unregister(conn) {
			conn.Close(CloseTryAgainLater, "connection cannot keep up")
		}
	}
}

// lockUser returns the user's live slot, locked.
func (h *Hub) lockUser(userID string) *userSlot {
	for {
		h.mu.Lock()
		slot, ok := h.users[userID]
		if !ok {
			slot = &userSlot{}
			h.users[userID] = slot
		}
		h.mu.Unlock()

		slot.mu.Lock()
		if !slot.dead {
			return slot
		}
		slot.mu.Unlock()
	}
}

func (h *Hub) addToRoom(conn Conn) {
	for {
		h.mu.Lock()
		r, ok := h.rooms[conn.RoomID()]
		if !ok {
			r = &room{conns: make(map[string]Conn)}
			h.rooms[conn.RoomID()] = r
		}
		h.mu.Unlock()

		r.mu.Lock()
		if !r.dead {
			r.conns[conn.ID()] = conn
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
	}
}

func (h *Hub) removeFromRoom(conn Conn) bool {
	h.mu.Lock()
	r := h.rooms[conn.RoomID()]
	h.mu.Unlock()
	if r == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[conn.ID()]; !ok {
		return false
	}
	delete(r.conns, conn.ID())

	if len(r.conns) == 0 {
		r.dead = true
		h.mu.Lock()
		if h.rooms[conn.RoomID()] == r {
			delete(h.rooms, conn.RoomID())
		}
		h.mu.Unlock()
	}
	return true
}
