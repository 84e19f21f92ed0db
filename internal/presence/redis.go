package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores presence as "user:<id>:online" keys with an expiry.
type Redis struct {
	client redis.Cmdable
}

var _ Store = (*Redis)(nil)

func NewRedis(client redis.Cmdable) *Redis {
	return &Redis{client: client}
}

func (r *Redis) MarkOnline(ctx context.Context, userID string, ttl time.Duration) error {
	if err := r.client.Set(ctx, Key(userID), 1, ttl).Err(); err != nil {
		return fmt.Errorf("mark %s online: %w", userID, err)
	}
	return nil
}

func (r *Redis) MarkOffline(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, Key(userID)).Err(); err != nil {
		return fmt.Errorf("mark %s offline: %w", userID, err)
	}
	return nil
}

func (r *Redis) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := r.client.Exists(ctx, Key(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("check presence of %s: %w", userID, err)
	}
	return n > 0, nil
}
