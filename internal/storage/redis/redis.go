// Package redis keeps terminal state in Redis so a terminal can be swapped
// without losing its cart.
package redis

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xenking/pos-terminal/internal/domain/pos"
)

var _ pos.Storage = (*Storage)(nil)

// Storage implements pos.Storage for a single key.
type Storage struct {
	client *goredis.Client
	key    string
}

// New returns a Storage under key. An empty key means pos.DefaultStorageKey.
func New(client *goredis.Client, key string) *Storage {
	if key == "" {
		key = pos.DefaultStorageKey
	}
	return &Storage{client: client, key: key}
}

// Ping checks the server is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Load returns the snapshot stored under the key.
func (s *Storage) Load(ctx context.Context) (*pos.Snapshot, error) {
	b, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, pos.ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("getting %q: %w", s.key, err)
	}
	return pos.UnmarshalSnapshot(b)
}

// Save replaces the snapshot stored under the key. It never expires.
func (s *Storage) Save(ctx context.Context, snap pos.Snapshot) error {
	b, err := pos.MarshalSnapshot(snap)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, b, 0).Err(); err != nil {
		return fmt.Errorf("setting %q: %w", s.key, err)
	}
	return nil
}
