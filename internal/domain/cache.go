package domain

import (
	"context"
	"time"
)

// PricePoint is a cached market price observation in basis points.
type PricePoint struct {
	OracleBps uint64    `json:"oracle_bps"`
	SpotBps   uint64    `json:"spot_bps"`
	At        time.Time `json:"at"`
}

// PriceCache provides fast access to the latest per-market prices for the
// API and the keeper. The engine never reads prices from here.
type PriceCache interface {
	SetPrice(ctx context.Context, marketID string, p PricePoint) error
	GetPrice(ctx context.Context, marketID string) (PricePoint, error)
	GetPrices(ctx context.Context, marketIDs []string) (map[string]PricePoint, error)
}

// StateCache caches serialized market-state documents so API reads do not
// hit the engine on every request. Entries are opaque JSON produced by the
// service layer.
type StateCache interface {
	SetState(ctx context.Context, marketID string, data []byte) error
	GetState(ctx context.Context, marketID string) ([]byte, error)
	Invalidate(ctx context.Context, marketID string) error
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams for engine events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}
