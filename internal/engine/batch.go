package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/calweber/pmrouter/internal/domain"
)

// BatchOpKind selects the operation a batch entry performs.
type BatchOpKind string

const (
	BatchBuy  BatchOpKind = "buy"
	BatchSell BatchOpKind = "sell"
)

// BatchOp is one entry of a batched trade sequence. Amount is collateral
// in for buys and shares in for sells; Min is the matching slippage bound.
type BatchOp struct {
	Kind      BatchOpKind    `json:"kind"`
	MarketID  string         `json:"market_id"`
	Side      domain.Side    `json:"side"`
	Amount    uint64         `json:"amount"`
	Min       uint64         `json:"min"`
	Recipient common.Address `json:"recipient"`
	Deadline  time.Time      `json:"deadline"`
}

// BatchResult carries the outcome of one completed batch entry.
type BatchResult struct {
	Buy  *domain.BuyQuote  `json:"buy,omitempty"`
	Sell *domain.SellQuote `json:"sell,omitempty"`
}

// batchRefunds tallies unspent buy collateral per asset until the single
// flush at the end of the sequence.
type batchRefunds map[common.Hash]uint64

// Batch executes a sequence of trades under one lock acquisition. Buy
// refunds accumulate across the sequence and are paid out once at the end.
// The first failing entry stops the batch: entries already completed stand,
// their refunds are still flushed, and the error names the entry that
// failed.
func (e *Engine) Batch(ctx context.Context, trader common.Address, ops []BatchOp) ([]BatchResult, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("engine: batch: empty sequence: %w", domain.ErrInvalidAmount)
	}
	if err := e.enter(); err != nil {
		return nil, fmt.Errorf("engine: batch: %w", err)
	}
	defer e.exit()

	refunds := make(batchRefunds)
	results := make([]BatchResult, 0, len(ops))
	var opErr error
	for i, op := range ops {
		switch op.Kind {
		case BatchBuy:
			q, err := e.buyLocked(ctx, trader, op.MarketID, op.Side, op.Amount, op.Min, op.Recipient, op.Deadline, refunds)
			if err != nil {
				opErr = fmt.Errorf("engine: batch entry %d: buy %s: %w", i, op.MarketID, err)
			} else {
				results = append(results, BatchResult{Buy: &q})
			}
		case BatchSell:
			q, err := e.sellLocked(ctx, trader, op.MarketID, op.Side, op.Amount, op.Min, op.Recipient, op.Deadline)
			if err != nil {
				opErr = fmt.Errorf("engine: batch entry %d: sell %s: %w", i, op.MarketID, err)
			} else {
				results = append(results, BatchResult{Sell: &q})
			}
		default:
			opErr = fmt.Errorf("engine: batch entry %d: unknown kind %q: %w", i, op.Kind, domain.ErrInvalidAmount)
		}
		if opErr != nil {
			break
		}
	}

	for token, amount := range refunds {
		if amount == 0 {
			continue
		}
		if err := e.ledger.Transfer(ctx, e.addr, trader, token, amount); err != nil {
			e.logger.Error("batch refund flush failed",
				slog.String("trader", trader.Hex()),
				slog.Uint64("amount", amount),
				slog.String("error", err.Error()))
			if opErr == nil {
				opErr = fmt.Errorf("engine: batch refund: %w", err)
			}
		}
	}
	return results, opErr
}
