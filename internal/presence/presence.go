// Package presence records which users currently hold a live connection.
//
// Presence is advisory: it only informs the offline-notification decision.
// Every record carries a TTL so that a crashed session which never clears its
// record heals on its own.
package presence

import (
	"context"
	"time"
)

// Store is the presence key-value store.
type Store interface {
	MarkOnline(ctx context.Context, userID string, ttl time.Duration) error
	MarkOffline(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Key returns the storage key for a user's presence record.
func Key(userID string) string {
	return "user:" + userID + ":online"
}
