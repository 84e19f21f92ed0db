package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	room_id      TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	username     TEXT NOT NULL,
	content      TEXT NOT NULL,
	message_type TEXT NOT NULL DEFAULT 'text',
	file_url     TEXT,
	reply_to     TEXT,
	reactions    TEXT NOT NULL DEFAULT '[]',
	edited       INTEGER NOT NULL DEFAULT 0,
	edited_at    TIMESTAMP,
	created_at   TIMESTAMP NOT NULL,
	metadata     TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages (room_id, created_at);

CREATE TABLE IF NOT EXISTS room_memberships (
	room_id   TEXT NOT NULL,
	user_id   TEXT NOT NULL,
	role      TEXT NOT NULL DEFAULT 'member',
	is_active INTEGER NOT NULL DEFAULT 1,
	joined_at TIMESTAMP NOT NULL,
	PRIMARY KEY (room_id, user_id)
);
`

// SQLite implements MessageStore and Membership on a SQLite database.
type SQLite struct {
	db *sql.DB
}

var (
	_ MessageStore = (*SQLite)(nil)
	_ Membership   = (*SQLite)(nil)
)

// OpenSQLite opens dsn and makes sure the tables exist.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite serialises writers anyway; one connection also keeps
	// ":memory:" databases consistent across calls.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Insert assigns a ULID to msg, stores it and returns the id.
func (s *SQLite) Insert(ctx context.Context, msg *Message) (string, error) {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Reactions == nil {
		msg.Reactions = []Reaction{}
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}

	reactions, err := json.Marshal(msg.Reactions)
	if err != nil {
		return "", fmt.Errorf("encode reactions: %w", err)
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}

	query := `INSERT INTO messages
		(id, room_id, user_id, username, content, message_type, file_url, reply_to,
		 reactions, edited, edited_at, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.RoomID, msg.UserID, msg.Username, msg.Content, msg.MessageType,
		msg.FileURL, msg.ReplyTo, string(reactions), msg.Edited, msg.EditedAt,
		msg.CreatedAt, string(metadata),
	); err != nil {
		return "", fmt.Errorf("insert message into room %s: %w", msg.RoomID, err)
	}
	return msg.ID, nil
}

// Get loads one message by id.
func (s *SQLite) Get(ctx context.Context, id string) (*Message, error) {
	query := `SELECT id, room_id, user_id, username, content, message_type, file_url,
		reply_to, reactions, edited, edited_at, created_at, metadata
		FROM messages WHERE id = ?`

	var (
		msg       Message
		reactions string
		metadata  string
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&msg.ID, &msg.RoomID, &msg.UserID, &msg.Username, &msg.Content, &msg.MessageType,
		&msg.FileURL, &msg.ReplyTo, &reactions, &msg.Edited, &msg.EditedAt, &msg.CreatedAt, &metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query message %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(reactions), &msg.Reactions); err != nil {
		return nil, fmt.Errorf("decode reactions of %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(metadata), &msg.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", id, err)
	}
	return &msg, nil
}

func (s *SQLite) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	var active bool
	err := s.db.QueryRowContext(ctx,
		`SELECT is_active FROM room_memberships WHERE room_id = ? AND user_id = ?`,
		roomID, userID,
	).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query membership of %s in %s: %w", userID, roomID, err)
	}
	return active, nil
}

func (s *SQLite) ListActiveMembers(ctx context.Context, roomID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM room_memberships WHERE room_id = ? AND is_active = 1 ORDER BY joined_at, user_id`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("query members of %s: %w", roomID, err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan member of %s: %w", roomID, err)
		}
		members = append(members, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members of %s: %w", roomID, err)
	}
	return members, nil
}

// AddMember makes userID an active member of roomID, reactivating a
// previous membership if one exists.
func (s *SQLite) AddMember(ctx context.Context, roomID, userID, role string) error {
	if role == "" {
		role = "member"
	}
	query := `INSERT INTO room_memberships (room_id, user_id, role, is_active, joined_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (room_id, user_id) DO UPDATE SET is_active = 1, role = excluded.role`
	if _, err := s.db.ExecContext(ctx, query, roomID, userID, role, time.Now().UTC()); err != nil {
		return fmt.Errorf("add %s to %s: %w", userID, roomID, err)
	}
	return nil
}

// RemoveMember deactivates a membership. Missing memberships yield
// ErrNotFound.
func (s *SQLite) RemoveMember(ctx context.Context, roomID, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE room_memberships SET is_active = 0 WHERE room_id = ? AND user_id = ? AND is_active = 1`,
		roomID, userID,
	)
	if err != nil {
		return fmt.Errorf("remove %s from %s: %w", userID, roomID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove %s from %s: %w", userID, roomID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
