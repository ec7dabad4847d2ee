package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/redis/go-redis/v9"
)

// StateCache implements domain.StateCache using Redis hashes holding the
// JSON-serialized market read model.
//
// Key schema:
//
//	state:{marketID} - hash with field "data" containing JSON
//
// Entries carry a short TTL; pool reserves move on every fill, so the cache
// only has to absorb read bursts between trades.
type StateCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStateCache creates a StateCache backed by the given Client. Entries
// expire after ttl; a non-positive ttl falls back to 30 seconds.
func NewStateCache(c *Client, ttl time.Duration) *StateCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &StateCache{rdb: c.Underlying(), ttl: ttl}
}

func stateKey(marketID string) string { return "state:" + marketID }

// SetState stores a serialized market state document.
func (sc *StateCache) SetState(ctx context.Context, marketID string, data []byte) error {
	key := stateKey(marketID)

	pipe := sc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, sc.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set state %s: %w", marketID, err)
	}
	return nil
}

// GetState retrieves a serialized market state document.
// It returns domain.ErrNotFound when the key does not exist or has expired.
func (sc *StateCache) GetState(ctx context.Context, marketID string) ([]byte, error) {
	data, err := sc.rdb.HGet(ctx, stateKey(marketID), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get state %s: %w", marketID, err)
	}
	return data, nil
}

// Invalidate removes a market state document. Mutating operations call this
// so the next read reflects the post-trade reserves immediately instead of
// waiting out the TTL.
func (sc *StateCache) Invalidate(ctx context.Context, marketID string) error {
	if err := sc.rdb.Del(ctx, stateKey(marketID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate state %s: %w", marketID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.StateCache = (*StateCache)(nil)
