// Package monitor polls open positions against their take-profit and
// stop-loss triggers and closes them autonomously through the execution
// engine's close path.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/halcyon-lab/paper-broker/internal/engine"
	"github.com/halcyon-lab/paper-broker/internal/logger"
	"github.com/halcyon-lab/paper-broker/internal/pricecache"
	"github.com/halcyon-lab/paper-broker/internal/types"
)

// GapPolicy decides which trigger wins when a gapped price satisfies both
// thresholds in the same tick.
type GapPolicy string

const (
	// GapPolicySLFirst evaluates the stop loss before the take profit, the
	// conservative default.
	GapPolicySLFirst GapPolicy = "sl_first"
	// GapPolicyTPFirst evaluates the take profit before the stop loss.
	GapPolicyTPFirst GapPolicy = "tp_first"
)

// Ledger is the read contract the monitor needs.
type Ledger interface {
	OpenPositions(ctx context.Context) ([]types.Position, error)
}

// Closer drives the same close path as a user-initiated close.
type Closer interface {
	ClosePosition(ctx context.Context, id string, opts engine.CloseOptions) (types.Position, error)
}

// Config carries the monitor's polling parameters.
type Config struct {
	// Interval is the tick period.
	Interval time.Duration
	// PriceTTL bounds how long a price is reused within and across ticks.
	PriceTTL time.Duration
	// GapPolicy selects the trigger precedence on gapped prices.
	GapPolicy GapPolicy
}

// Monitor is the autonomous risk loop. It holds its own TTL price source so
// its polling cost never couples to request-path latency.
type Monitor struct {
	ledger Ledger
	closer Closer
	prices pricecache.Source
	logger *logger.Logger
	cfg    Config

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a Monitor reading prices through its own TTL wrapper over the
// given source.
func New(ledger Ledger, closer Closer, prices pricecache.Source, cfg Config, logger *logger.Logger) *Monitor {
	if cfg.GapPolicy == "" {
		cfg.GapPolicy = GapPolicySLFirst
	}

	return &Monitor{
		ledger: ledger,
		closer: closer,
		prices: pricecache.NewTTLSource(prices, cfg.PriceTTL),
		logger: logger,
		cfg:    cfg,
	}
}

// Start spawns the polling loop. The loop stops when ctx is cancelled or
// Stop is called. A stopped monitor may be started again.
func (m *Monitor) Start(ctx context.Context) {
	m.stopOnce = sync.Once{}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go m.run(ctx)
}

// Stop signals the loop and waits for it to exit. Safe to call more than
// once; a no-op if Start was never called.
func (m *Monitor) Stop() {
	if m.stop == nil {
		return
	}

	m.stopOnce.Do(func() {
		close(m.stop)
	})

	<-m.done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("risk monitor started",
		zap.Duration("interval", m.cfg.Interval),
		zap.String("gap_policy", string(m.cfg.GapPolicy)))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("risk monitor stopped", zap.Error(ctx.Err()))

			return
		case <-m.stop:
			m.logger.Info("risk monitor stopped")

			return
		case <-ticker.C:
			if err := m.RunOnce(ctx); err != nil {
				m.logger.Error("risk monitor tick failed", zap.Error(err))
			}
		}
	}
}

// RunOnce executes a single tick: one bulk open-position read, a trigger
// evaluation per position, and a close for each triggered one. Failures on
// individual positions are logged and skipped.
func (m *Monitor) RunOnce(ctx context.Context) error {
	positions, err := m.ledger.OpenPositions(ctx)
	if err != nil {
		return err
	}

	for i := range positions {
		p := &positions[i]

		price, ok := m.prices.LastPrice(p.Symbol)
		if !ok || !price.IsPositive() {
			continue
		}

		reason, triggered := m.evaluate(p, price)
		if !triggered {
			continue
		}

		_, err := m.closer.ClosePosition(ctx, p.ID, engine.CloseOptions{
			ExitPrice: optional.Some(price),
			Reason:    reason,
		})
		if err != nil {
			// One bad position must not stall monitoring of the rest.
			m.logger.Error("failed to close triggered position",
				zap.String("position_id", p.ID),
				zap.String("symbol", p.Symbol),
				zap.String("reason", reason),
				zap.Error(err))

			continue
		}

		m.logger.Info("risk trigger closed position",
			zap.String("position_id", p.ID),
			zap.String("symbol", p.Symbol),
			zap.String("reason", reason),
			zap.String("price", price.String()))
	}

	return nil
}

// evaluate checks the position's triggers against the price in the order
// dictated by the gap policy.
func (m *Monitor) evaluate(p *types.Position, price decimal.Decimal) (string, bool) {
	if m.cfg.GapPolicy == GapPolicyTPFirst {
		if takeProfitHit(p, price) {
			return types.CloseReasonTakeProfit, true
		}

		if stopLossHit(p, price) {
			return types.CloseReasonStopLoss, true
		}

		return "", false
	}

	if stopLossHit(p, price) {
		return types.CloseReasonStopLoss, true
	}

	if takeProfitHit(p, price) {
		return types.CloseReasonTakeProfit, true
	}

	return "", false
}

func takeProfitHit(p *types.Position, price decimal.Decimal) bool {
	if p.TakeProfitPrice.IsNone() {
		return false
	}

	tp := p.TakeProfitPrice.Unwrap()
	if p.Side == types.SideLong {
		return price.GreaterThanOrEqual(tp)
	}

	return price.LessThanOrEqual(tp)
}

func stopLossHit(p *types.Position, price decimal.Decimal) bool {
	if p.StopLossPrice.IsNone() {
		return false
	}

	sl := p.StopLossPrice.Unwrap()
	if p.Side == types.SideLong {
		return price.LessThanOrEqual(sl)
	}

	return price.GreaterThanOrEqual(sl)
}
