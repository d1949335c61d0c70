// Package dedup remembers provider event ids in Redis so an event is
// handled at most once within the redelivery window.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	KeyPrefix = "event:"
	// DefaultTTL exceeds the provider's redelivery window.
	DefaultTTL       = 7 * 24 * time.Hour
	defaultOpTimeout = 2 * time.Second
)

// ErrUnavailable means Redis could not be reached. MarkFirstSeen still
// reports the event as new alongside it.
var ErrUnavailable = errors.New("dedup: store unavailable")

// Store is a SETNX-based seen-set.
type Store struct {
	client    *redis.Client
	ttl       time.Duration
	opTimeout time.Duration
}

type Option func(*Store)

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

func WithOpTimeout(d time.Duration) Option {
	return func(s *Store) { s.opTimeout = d }
}

func NewStore(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, ttl: DefaultTTL, opTimeout: defaultOpTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func Key(eventID string) string {
	return KeyPrefix + eventID
}

// MarkFirstSeen atomically records eventID and reports whether it was new.
// On Redis errors it fails open: first is true and the error wraps
// ErrUnavailable.
func (s *Store) MarkFirstSeen(ctx context.Context, eventID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	ok, err := s.client.SetNX(ctx, Key(eventID), 1, s.ttl).Result()
	if err != nil {
		return true, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return ok, nil
}

// Release forgets eventID so a redelivery is processed again.
func (s *Store) Release(ctx context.Context, eventID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.Del(ctx, Key(eventID)).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}
