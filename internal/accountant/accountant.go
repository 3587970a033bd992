// Package accountant derives account equity from the realized cash balance
// and a mark-to-market pass over open positions. Equity is never stored as
// authoritative; the snapshot cache only bounds read amplification from
// frequent pollers.
package accountant

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/halcyon-lab/paper-broker/internal/logger"
	"github.com/halcyon-lab/paper-broker/internal/money"
	"github.com/halcyon-lab/paper-broker/internal/types"
)

// Ledger is the slice of the record store the accountant reads.
type Ledger interface {
	OpenPositions(ctx context.Context) ([]types.Position, error)
	CashBalance(ctx context.Context) (decimal.Decimal, error)
}

// PriceSnapshotter resolves prices for a batch of symbols in one pass.
type PriceSnapshotter interface {
	SnapshotFor(symbols []string) map[string]decimal.Decimal
}

// Accountant computes equity snapshots with a short-TTL cache.
type Accountant struct {
	ledger Ledger
	prices PriceSnapshotter
	logger *logger.Logger
	ttl    time.Duration

	mu       sync.Mutex
	cached   types.EquitySnapshot
	cachedAt time.Time
	now      func() time.Time
}

// New creates an accountant whose cached snapshot stays valid for ttl.
func New(ledger Ledger, prices PriceSnapshotter, ttl time.Duration, logger *logger.Logger) *Accountant {
	return &Accountant{
		ledger: ledger,
		prices: prices,
		logger: logger,
		ttl:    ttl,
		now:    time.Now,
	}
}

// ComputeEquitySnapshot returns the cached snapshot while it is fresh and
// recomputes otherwise. The result is advisory; admission control must use
// FreshSnapshot.
func (a *Accountant) ComputeEquitySnapshot(ctx context.Context) (types.EquitySnapshot, error) {
	a.mu.Lock()
	if !a.cachedAt.IsZero() && a.now().Sub(a.cachedAt) < a.ttl {
		snap := a.cached
		a.mu.Unlock()

		return snap, nil
	}
	a.mu.Unlock()

	return a.FreshSnapshot(ctx)
}

// FreshSnapshot recomputes equity from the ledger, bypassing and refreshing
// the cache. One bulk position read, one batched price lookup.
func (a *Accountant) FreshSnapshot(ctx context.Context) (types.EquitySnapshot, error) {
	cash, err := a.ledger.CashBalance(ctx)
	if err != nil {
		return types.EquitySnapshot{}, err
	}

	positions, err := a.ledger.OpenPositions(ctx)
	if err != nil {
		return types.EquitySnapshot{}, err
	}

	symbols := make([]string, 0, len(positions))
	for _, p := range positions {
		symbols = append(symbols, p.Symbol)
	}

	prices := a.prices.SnapshotFor(symbols)

	var (
		unrealized decimal.Decimal
		margin     decimal.Decimal
		degraded   bool
	)

	for i := range positions {
		p := &positions[i]

		margin = margin.Add(p.NotionalUsd.Div(p.Leverage))

		mark, ok := prices[p.Symbol]
		if !ok || !mark.IsPositive() {
			// No usable mark: the contribution counts as zero instead of
			// poisoning the total.
			degraded = true

			a.logger.Warn("no mark price for open position, equity degraded",
				zap.String("symbol", p.Symbol),
				zap.String("position_id", p.ID))

			continue
		}

		unrealized = unrealized.Add(p.UnrealizedPnl(mark))
	}

	snap := types.EquitySnapshot{
		CashBalance:   cash,
		UnrealizedPnl: money.TruncateUSD(unrealized),
		Equity:        money.TruncateUSD(cash.Add(unrealized)),
		MarginUsed:    money.TruncateUSD(margin),
		OpenPositions: len(positions),
		Degraded:      degraded,
		ComputedAt:    a.now(),
	}

	a.mu.Lock()
	a.cached = snap
	a.cachedAt = snap.ComputedAt
	a.mu.Unlock()

	return snap, nil
}

// Invalidate discards the cached snapshot. Called synchronously by every
// write path so staleness is bounded by the TTL, never by a write.
func (a *Accountant) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cachedAt = time.Time{}
}
