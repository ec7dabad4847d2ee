package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/redis/go-redis/v9"
)

// PriceCache implements domain.PriceCache using Redis hashes.
// Each market's latest price is stored as a hash at key "price:{marketID}"
// with fields "oracle_bps", "spot_bps" and "ts" (Unix nanosecond timestamp).
// Entries expire after the configured TTL so a stalled updater cannot serve
// ancient prices forever.
type PriceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache backed by the given Client. Entries
// written through SetPrice expire after ttl; a non-positive ttl disables
// expiry.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), ttl: ttl}
}

func priceKey(marketID string) string {
	return "price:" + marketID
}

// SetPrice stores the latest oracle and spot price for a market.
func (pc *PriceCache) SetPrice(ctx context.Context, marketID string, pt domain.PricePoint) error {
	key := priceKey(marketID)
	fields := map[string]interface{}{
		"oracle_bps": strconv.FormatUint(pt.OracleBps, 10),
		"spot_bps":   strconv.FormatUint(pt.SpotBps, 10),
		"ts":         strconv.FormatInt(pt.At.UnixNano(), 10),
	}

	pipe := pc.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	if pc.ttl > 0 {
		pipe.Expire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", marketID, err)
	}
	return nil
}

// GetPrice retrieves the latest price point for a market.
// It returns domain.ErrNotFound when the key does not exist or has expired.
func (pc *PriceCache) GetPrice(ctx context.Context, marketID string) (domain.PricePoint, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(marketID)).Result()
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("redis: get price %s: %w", marketID, err)
	}
	if len(vals) == 0 {
		return domain.PricePoint{}, domain.ErrNotFound
	}
	pt, err := parsePricePoint(vals)
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("redis: parse price %s: %w", marketID, err)
	}
	return pt, nil
}

// GetPrices retrieves the latest price points for multiple markets using a
// pipeline. Markets whose keys do not exist are silently omitted from the
// result map.
func (pc *PriceCache) GetPrices(ctx context.Context, marketIDs []string) (map[string]domain.PricePoint, error) {
	if len(marketIDs) == 0 {
		return map[string]domain.PricePoint{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(marketIDs))
	for _, id := range marketIDs {
		cmds[id] = pipe.HGetAll(ctx, priceKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	result := make(map[string]domain.PricePoint, len(marketIDs))
	for id, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		pt, err := parsePricePoint(vals)
		if err != nil {
			continue
		}
		result[id] = pt
	}

	return result, nil
}

func parsePricePoint(vals map[string]string) (domain.PricePoint, error) {
	oracleStr, ok := vals["oracle_bps"]
	if !ok {
		return domain.PricePoint{}, domain.ErrNotFound
	}
	oracle, err := strconv.ParseUint(oracleStr, 10, 64)
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("oracle_bps: %w", err)
	}

	spotStr, ok := vals["spot_bps"]
	if !ok {
		return domain.PricePoint{}, domain.ErrNotFound
	}
	spot, err := strconv.ParseUint(spotStr, 10, 64)
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("spot_bps: %w", err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return domain.PricePoint{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("ts: %w", err)
	}

	return domain.PricePoint{OracleBps: oracle, SpotBps: spot, At: time.Unix(0, tsNano)}, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
