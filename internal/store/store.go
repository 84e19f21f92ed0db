// Package store holds the persistence collaborators of the messaging
// subsystem: the message store and the room membership service.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// Reaction is one user's emoji on a message.
type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// Message is the persisted chat message. Its JSON form is also the payload
// broadcast to room members.
type Message struct {
	ID          string         `json:"id"`
	RoomID      string         `json:"roomId"`
	UserID      string         `json:"userId"`
	Username    string         `json:"username"`
	Content     string         `json:"content"`
	MessageType string         `json:"messageType"`
	FileURL     *string        `json:"fileUrl"`
	ReplyTo     *string        `json:"replyTo"`
	Reactions   []Reaction     `json:"reactions"`
	Edited      bool           `json:"edited"`
	EditedAt    *time.Time     `json:"editedAt"`
	CreatedAt   time.Time      `json:"createdAt"`
	Metadata    map[string]any `json:"metadata"`
}

// MessageStore persists accepted messages.
type MessageStore interface {
	// Insert stores msg and returns the id assigned to it.
	Insert(ctx context.Context, msg *Message) (string, error)
}

// Membership answers room membership questions.
type Membership interface {
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	ListActiveMembers(ctx context.Context, roomID string) ([]string, error)
}
