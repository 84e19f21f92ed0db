// Package ratelimit implements sliding-window admission control.
//
// For a key k with window W and limit L, a request at time t is admitted iff
// fewer than L previously admitted requests for k have timestamps strictly
// greater than t-W. Admitted requests are recorded; denied ones are not.
// Stale timestamps are pruned on every check, so no background sweep exists.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Clock returns the current time. Tests substitute a fake one.
type Clock func() time.Time

// Option configures a limiter.
type Option func(*options)

type options struct {
	clock  Clock
	prefix string
}

// WithClock overrides time.Now.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithPrefix namespaces keys, e.g. "addr:" for handshake limiting.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

func buildOptions(opts []Option) options {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func sanitize(limit int, window time.Duration) (int, time.Duration) {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return limit, window
}
