// Package engine turns order intents into simulated fills and keeps each
// position's cost basis correct across partial fills and direction flips.
package engine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/halcyon-lab/paper-broker/internal/logger"
	"github.com/halcyon-lab/paper-broker/internal/money"
	"github.com/halcyon-lab/paper-broker/internal/notify"
	"github.com/halcyon-lab/paper-broker/internal/pricecache"
	"github.com/halcyon-lab/paper-broker/internal/types"
	"github.com/halcyon-lab/paper-broker/pkg/errors"
)

// MarginModel selects how required margin is computed during admission
// control.
type MarginModel string

const (
	// MarginModelNotional requires the full notional as margin.
	MarginModelNotional MarginModel = "notional"
	// MarginModelLeveraged divides the notional by the position's leverage.
	MarginModelLeveraged MarginModel = "leveraged"
)

// Ledger is the slice of the record store the simulator writes.
type Ledger interface {
	InsertPosition(ctx context.Context, p types.Position) error
	PositionByID(ctx context.Context, id string) (types.Position, error)
	PositionByRequestID(ctx context.Context, requestID string) (types.Position, bool, error)
	OpenPositions(ctx context.Context) ([]types.Position, error)
	OpenPositionBySymbol(ctx context.Context, symbol string) (types.Position, bool, error)
	UpdateCostBasis(ctx context.Context, id string, quantity, entryPrice, notionalUsd decimal.Decimal) (bool, error)
	SetRiskTargets(ctx context.Context, id string, tp, sl optional.Option[decimal.Decimal]) (bool, error)
	ClosePosition(ctx context.Context, id string, exitPrice, realizedPnl decimal.Decimal, closedAt time.Time) (bool, error)
	AppendFill(ctx context.Context, f types.Fill) error
	FillByRequestID(ctx context.Context, requestID string) (types.Fill, bool, error)
	AdjustCash(ctx context.Context, delta decimal.Decimal) (decimal.Decimal, error)
}

// Equity is the slice of the accountant the simulator consults.
type Equity interface {
	FreshSnapshot(ctx context.Context) (types.EquitySnapshot, error)
	Invalidate()
}

// Config carries the simulator's execution parameters.
type Config struct {
	// SlippageRate shifts market fills against the taker, e.g. 0.0005.
	SlippageRate decimal.Decimal
	// TakerFeeRate prices every fill, always a cash debit.
	TakerFeeRate decimal.Decimal
	// MarginModel selects the admission-control margin formula.
	MarginModel MarginModel
	// MaxFillDelay bounds the simulated exchange latency. Zero disables it.
	MaxFillDelay time.Duration
}

// PlaceResult is the outcome of PlaceOrder. Deduplicated marks a replayed
// request that performed no mutation.
type PlaceResult struct {
	Position     types.Position
	Deduplicated bool
}

// CloseOptions carries optional overrides for ClosePosition.
type CloseOptions struct {
	// ExitPrice overrides the price cache resolution.
	ExitPrice optional.Option[decimal.Decimal]
	// Fee overrides the taker fee computation.
	Fee optional.Option[decimal.Decimal]
	// Reason is recorded on the emitted event.
	Reason string
}

// Simulator is the execution engine. It is safe for concurrent use; fills
// for one symbol apply in submission order under a per-symbol lock, and the
// ledger's conditional writes arbitrate races with the risk monitor.
type Simulator struct {
	ledger Ledger
	prices pricecache.Source
	equity Equity
	events notify.Publisher
	logger *logger.Logger
	cfg    Config

	mu      sync.Mutex
	symbols map[string]*sync.Mutex

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// NewSimulator creates a Simulator.
func NewSimulator(ledger Ledger, prices pricecache.Source, equity Equity, events notify.Publisher, cfg Config, logger *logger.Logger) *Simulator {
	return &Simulator{
		ledger:  ledger,
		prices:  prices,
		equity:  equity,
		events:  events,
		logger:  logger,
		cfg:     cfg,
		symbols: make(map[string]*sync.Mutex),
		now:     time.Now,
		sleep:   sleepWithContext,
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (s *Simulator) symbolLock(symbol string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.symbols[symbol]
	if !ok {
		l = &sync.Mutex{}
		s.symbols[symbol] = l
	}

	return l
}

// simulateLatency imposes the bounded artificial exchange delay.
func (s *Simulator) simulateLatency(ctx context.Context) {
	if s.cfg.MaxFillDelay <= 0 {
		return
	}

	delay := time.Duration(rand.Int63n(int64(s.cfg.MaxFillDelay) + 1))
	s.sleep(ctx, delay)
}

// PlaceOrder executes an order intent. Replayed request ids return the
// original outcome with Deduplicated set and perform no further mutation.
func (s *Simulator) PlaceOrder(ctx context.Context, req types.OrderRequest) (PlaceResult, error) {
	if err := req.Validate(); err != nil {
		return PlaceResult{}, err
	}

	if result, ok, err := s.lookupDedup(ctx, req.RequestID); err != nil {
		return PlaceResult{}, err
	} else if ok {
		return result, nil
	}

	// Orders need a live market price: market fills derive from it, and a
	// limit fill is only accepted once the market is known to be trading.
	marketPrice, ok := s.prices.LastPrice(req.Symbol)
	if !ok || !marketPrice.IsPositive() {
		return PlaceResult{}, errors.Newf(errors.ErrCodeNoMarketPrice, "no market price available for %s", req.Symbol)
	}

	refPrice := marketPrice
	if req.OrderType == types.OrderTypeLimit {
		refPrice = req.LimitPrice.Unwrap()
	}

	order, err := req.Canonicalize(refPrice)
	if err != nil {
		return PlaceResult{}, err
	}

	s.simulateLatency(ctx)

	fillPrice := s.fillPrice(order, marketPrice)
	fee := money.TruncateUSD(fillPrice.Mul(order.Quantity).Mul(s.cfg.TakerFeeRate))

	lock := s.symbolLock(order.Symbol)
	lock.Lock()
	defer lock.Unlock()

	existing, found, err := s.ledger.OpenPositionBySymbol(ctx, order.Symbol)
	if err != nil {
		return PlaceResult{}, err
	}

	switch {
	case !found:
		return s.openNew(ctx, order, fillPrice, fee)
	case existing.Side == order.Side:
		return s.averageIn(ctx, existing, order, fillPrice, fee)
	default:
		return s.closeAgainst(ctx, existing, order, fillPrice, fee)
	}
}

// fillPrice resolves the execution price: limit orders fill at their limit,
// market orders at the cache price shifted against the taker by slippage.
func (s *Simulator) fillPrice(order types.CanonicalOrder, marketPrice decimal.Decimal) decimal.Decimal {
	if order.LimitPrice.IsSome() {
		return money.TruncatePrice(order.LimitPrice.Unwrap())
	}

	one := decimal.NewFromInt(1)
	adjusted := marketPrice.Mul(one.Add(s.cfg.SlippageRate.Mul(order.Side.Sign())))

	return money.TruncatePrice(adjusted)
}

// lookupDedup returns the recorded outcome for a request id, if one exists.
func (s *Simulator) lookupDedup(ctx context.Context, requestID string) (PlaceResult, bool, error) {
	fill, found, err := s.ledger.FillByRequestID(ctx, requestID)
	if err != nil {
		return PlaceResult{}, false, err
	}

	if !found {
		return PlaceResult{}, false, nil
	}

	position, err := s.ledger.PositionByID(ctx, fill.PositionID)
	if err != nil {
		return PlaceResult{}, false, err
	}

	return PlaceResult{Position: position, Deduplicated: true}, true, nil
}

// admit rejects an order whose additional notional would exceed freshly
// computed equity. This is the engine's only form of backpressure.
func (s *Simulator) admit(ctx context.Context, addedQty, fillPrice, leverage decimal.Decimal) error {
	required := addedQty.Mul(fillPrice)
	if s.cfg.MarginModel == MarginModelLeveraged && leverage.GreaterThan(decimal.NewFromInt(1)) {
		required = required.Div(leverage)
	}

	snapshot, err := s.equity.FreshSnapshot(ctx)
	if err != nil {
		return err
	}

	if required.GreaterThan(snapshot.Equity) {
		return errors.Newf(errors.ErrCodeInsufficientEquity,
			"required margin %s exceeds equity %s", money.TruncateUSD(required), snapshot.Equity)
	}

	return nil
}

func (s *Simulator) openNew(ctx context.Context, order types.CanonicalOrder, fillPrice, fee decimal.Decimal) (PlaceResult, error) {
	if err := types.ValidateRiskTargets(order.Side, fillPrice, order.TakeProfit, order.StopLoss); err != nil {
		return PlaceResult{}, err
	}

	if err := s.admit(ctx, order.Quantity, fillPrice, order.Leverage); err != nil {
		return PlaceResult{}, err
	}

	now := s.now()
	position := types.Position{
		ID:              uuid.New().String(),
		RequestID:       optional.Some(order.RequestID),
		OrderID:         uuid.New().String(),
		Symbol:          order.Symbol,
		Side:            order.Side,
		Quantity:        order.Quantity,
		EntryPrice:      fillPrice,
		CurrentPrice:    fillPrice,
		NotionalUsd:     money.TruncateUSD(order.Quantity.Mul(fillPrice)),
		Leverage:        order.Leverage,
		TakeProfitPrice: order.TakeProfit,
		StopLossPrice:   order.StopLoss,
		Status:          types.PositionStatusOpen,
		OpenedAt:        now,
	}

	if err := s.ledger.InsertPosition(ctx, position); err != nil {
		if errors.IsConflict(err) {
			// Another writer created the position for this request between
			// the dedupe lookup and the insert. The uniqueness constraint is
			// the final arbiter; fall back to the existing record.
			return s.conflictFallback(ctx, order.RequestID)
		}

		return PlaceResult{}, err
	}

	if err := s.recordFill(ctx, position.ID, order.RequestID, order.Symbol, order.Side, fillPrice, order.Quantity, fee, now); err != nil {
		return PlaceResult{}, err
	}

	if _, err := s.ledger.AdjustCash(ctx, fee.Neg()); err != nil {
		return PlaceResult{}, err
	}

	s.equity.Invalidate()
	s.publish(types.EventPositionOpened, position, "")

	s.logger.Info("position opened",
		zap.String("position_id", position.ID),
		zap.String("symbol", position.Symbol),
		zap.String("side", string(position.Side)),
		zap.String("quantity", position.Quantity.String()),
		zap.String("entry_price", position.EntryPrice.String()))

	return PlaceResult{Position: position}, nil
}

func (s *Simulator) averageIn(ctx context.Context, existing types.Position, order types.CanonicalOrder, fillPrice, fee decimal.Decimal) (PlaceResult, error) {
	if err := s.admit(ctx, order.Quantity, fillPrice, existing.Leverage); err != nil {
		return PlaceResult{}, err
	}

	now := s.now()

	// The fill insert is the idempotency arbiter: it must land before any
	// cost basis mutation so a replayed request mutates nothing.
	if err := s.recordFill(ctx, existing.ID, order.RequestID, order.Symbol, order.Side, fillPrice, order.Quantity, fee, now); err != nil {
		if errors.IsConflict(err) {
			return s.conflictFallback(ctx, order.RequestID)
		}

		return PlaceResult{}, err
	}

	newQty := money.TruncatePrice(existing.Quantity.Add(order.Quantity))
	// Quantity-weighted average entry price.
	weighted := existing.Quantity.Mul(existing.EntryPrice).Add(order.Quantity.Mul(fillPrice))
	newAvg := money.TruncatePrice(weighted.Div(newQty))
	newNotional := money.TruncateUSD(newQty.Mul(newAvg))

	ok, err := s.ledger.UpdateCostBasis(ctx, existing.ID, newQty, newAvg, newNotional)
	if err != nil {
		return PlaceResult{}, err
	}

	if !ok {
		// The position was closed between the symbol lookup and the update,
		// usually by the risk monitor. The fill is recorded; nothing else may
		// change.
		position, err := s.ledger.PositionByID(ctx, existing.ID)
		if err != nil {
			return PlaceResult{}, err
		}

		return PlaceResult{Position: position}, nil
	}

	if _, err := s.ledger.AdjustCash(ctx, fee.Neg()); err != nil {
		return PlaceResult{}, err
	}

	position, err := s.ledger.PositionByID(ctx, existing.ID)
	if err != nil {
		return PlaceResult{}, err
	}

	s.equity.Invalidate()
	s.publish(types.EventPositionUpdated, position, "")

	s.logger.Info("position averaged in",
		zap.String("position_id", position.ID),
		zap.String("symbol", position.Symbol),
		zap.String("quantity", position.Quantity.String()),
		zap.String("entry_price", position.EntryPrice.String()))

	return PlaceResult{Position: position}, nil
}

// closeAgainst handles a fill in the opposite direction of the open
// position: partial close, full close, or flip into the new direction.
func (s *Simulator) closeAgainst(ctx context.Context, existing types.Position, order types.CanonicalOrder, fillPrice, fee decimal.Decimal) (PlaceResult, error) {
	overlap := decimal.Min(existing.Quantity, order.Quantity)
	excess := money.TruncatePrice(order.Quantity.Sub(existing.Quantity))

	if money.IsPositiveQty(excess) {
		// The flip opens new exposure; only that part needs admission.
		if err := s.admit(ctx, excess, fillPrice, existing.Leverage); err != nil {
			return PlaceResult{}, err
		}
	}

	now := s.now()

	if err := s.recordFill(ctx, existing.ID, order.RequestID, order.Symbol, order.Side, fillPrice, order.Quantity, fee, now); err != nil {
		if errors.IsConflict(err) {
			return s.conflictFallback(ctx, order.RequestID)
		}

		return PlaceResult{}, err
	}

	realized := money.TruncateUSD(fillPrice.Sub(existing.EntryPrice).Mul(overlap).Mul(existing.Side.Sign()))
	net := realized.Sub(fee)

	remaining := money.TruncatePrice(existing.Quantity.Sub(order.Quantity))

	switch {
	case money.IsPositiveQty(remaining):
		// Partial close: entry price is unchanged, quantity shrinks.
		newNotional := money.TruncateUSD(remaining.Mul(existing.EntryPrice))

		ok, err := s.ledger.UpdateCostBasis(ctx, existing.ID, remaining, existing.EntryPrice, newNotional)
		if err != nil {
			return PlaceResult{}, err
		}

		if !ok {
			// A concurrent close already settled the full quantity and its
			// PnL. Crediting the overlap here would pay it twice.
			position, err := s.ledger.PositionByID(ctx, existing.ID)
			if err != nil {
				return PlaceResult{}, err
			}

			return PlaceResult{Position: position}, nil
		}

		if _, err := s.ledger.AdjustCash(ctx, net); err != nil {
			return PlaceResult{}, err
		}

		position, err := s.ledger.PositionByID(ctx, existing.ID)
		if err != nil {
			return PlaceResult{}, err
		}

		s.equity.Invalidate()
		s.publish(types.EventPositionUpdated, position, "")

		s.logger.Info("position partially closed",
			zap.String("position_id", position.ID),
			zap.String("symbol", position.Symbol),
			zap.String("remaining_quantity", position.Quantity.String()),
			zap.String("realized_pnl", net.String()))

		return PlaceResult{Position: position}, nil

	case !money.IsPositiveQty(excess):
		// Quantities match within epsilon: full close.
		won, err := s.ledger.ClosePosition(ctx, existing.ID, fillPrice, net, now)
		if err != nil {
			return PlaceResult{}, err
		}

		if won {
			if _, err := s.ledger.AdjustCash(ctx, net); err != nil {
				return PlaceResult{}, err
			}
		}

		position, err := s.ledger.PositionByID(ctx, existing.ID)
		if err != nil {
			return PlaceResult{}, err
		}

		s.equity.Invalidate()
		s.publish(types.EventPositionClosed, position, types.CloseReasonUser)

		return PlaceResult{Position: position}, nil

	default:
		// Flip: close the old exposure at the fill price and open the
		// excess in the new direction.
		won, err := s.ledger.ClosePosition(ctx, existing.ID, fillPrice, net, now)
		if err != nil {
			return PlaceResult{}, err
		}

		if won {
			if _, err := s.ledger.AdjustCash(ctx, net); err != nil {
				return PlaceResult{}, err
			}
		}

		closed, err := s.ledger.PositionByID(ctx, existing.ID)
		if err != nil {
			return PlaceResult{}, err
		}

		s.publish(types.EventPositionClosed, closed, types.CloseReasonUser)

		flipped := types.Position{
			ID:           uuid.New().String(),
			RequestID:    optional.Some(order.RequestID),
			OrderID:      uuid.New().String(),
			Symbol:       order.Symbol,
			Side:         order.Side,
			Quantity:     excess,
			EntryPrice:   fillPrice,
			CurrentPrice: fillPrice,
			NotionalUsd:  money.TruncateUSD(excess.Mul(fillPrice)),
			Leverage:     existing.Leverage,
			Status:       types.PositionStatusOpen,
			OpenedAt:     now,
		}

		if err := s.ledger.InsertPosition(ctx, flipped); err != nil {
			return PlaceResult{}, err
		}

		s.equity.Invalidate()
		s.publish(types.EventPositionOpened, flipped, "")

		s.logger.Info("position flipped",
			zap.String("closed_position_id", closed.ID),
			zap.String("position_id", flipped.ID),
			zap.String("symbol", flipped.Symbol),
			zap.String("side", string(flipped.Side)),
			zap.String("quantity", flipped.Quantity.String()),
			zap.String("realized_pnl", net.String()))

		return PlaceResult{Position: flipped}, nil
	}
}

func (s *Simulator) recordFill(ctx context.Context, positionID, requestID, symbol string, side types.Side, price, quantity, fee decimal.Decimal, at time.Time) error {
	return s.ledger.AppendFill(ctx, types.Fill{
		ID:         uuid.New().String(),
		PositionID: positionID,
		RequestID:  requestID,
		Symbol:     symbol,
		Side:       side,
		Price:      price,
		Quantity:   quantity,
		Fee:        fee,
		Timestamp:  at,
	})
}

func (s *Simulator) conflictFallback(ctx context.Context, requestID string) (PlaceResult, error) {
	result, ok, err := s.lookupDedup(ctx, requestID)
	if err != nil {
		return PlaceResult{}, err
	}

	if ok {
		return result, nil
	}

	// The conflicting writer inserted the position but its fill is not
	// visible yet; serve the position record instead.
	position, found, err := s.ledger.PositionByRequestID(ctx, requestID)
	if err != nil {
		return PlaceResult{}, err
	}

	if !found {
		return PlaceResult{}, errors.Newf(errors.ErrCodeStorageFailed,
			"request %q conflicted but no record is readable", requestID)
	}

	return PlaceResult{Position: position, Deduplicated: true}, nil
}

// ClosePosition closes an open position. Closing an already closed position
// is a no-op that returns the existing record; concurrent closers are
// arbitrated by the ledger's status compare-and-swap.
func (s *Simulator) ClosePosition(ctx context.Context, id string, opts CloseOptions) (types.Position, error) {
	position, err := s.ledger.PositionByID(ctx, id)
	if err != nil {
		return types.Position{}, err
	}

	if !position.IsOpen() {
		return position, nil
	}

	exitPrice := s.resolveExitPrice(position, opts)
	if !exitPrice.IsPositive() {
		return types.Position{}, errors.Newf(errors.ErrCodeInvalidExitPrice, "no usable exit price for position %q", id)
	}

	fee := opts.Fee.TakeOr(money.TruncateUSD(exitPrice.Mul(position.Quantity).Mul(s.cfg.TakerFeeRate)))
	gross := money.TruncateUSD(exitPrice.Sub(position.EntryPrice).Mul(position.Quantity).Mul(position.Side.Sign()))
	net := gross.Sub(fee)
	now := s.now()

	won, err := s.ledger.ClosePosition(ctx, id, exitPrice, net, now)
	if err != nil {
		return types.Position{}, err
	}

	if !won {
		// Another closer got there first; observe and no-op.
		return s.ledger.PositionByID(ctx, id)
	}

	if _, err := s.ledger.AdjustCash(ctx, net); err != nil {
		return types.Position{}, err
	}

	err = s.recordFill(ctx, id, uuid.New().String(), position.Symbol, position.Side.Opposite(), exitPrice, position.Quantity, fee, now)
	if err != nil {
		s.logger.Error("failed to record closing fill", zap.String("position_id", id), zap.Error(err))
	}

	closed, err := s.ledger.PositionByID(ctx, id)
	if err != nil {
		return types.Position{}, err
	}

	s.equity.Invalidate()

	reason := opts.Reason
	if reason == "" {
		reason = types.CloseReasonUser
	}

	s.publish(types.EventPositionClosed, closed, reason)

	s.logger.Info("position closed",
		zap.String("position_id", closed.ID),
		zap.String("symbol", closed.Symbol),
		zap.String("exit_price", exitPrice.String()),
		zap.String("realized_pnl", net.String()),
		zap.String("reason", reason))

	return closed, nil
}

// resolveExitPrice falls back cache price, then the position's last mark,
// then its entry price.
func (s *Simulator) resolveExitPrice(position types.Position, opts CloseOptions) decimal.Decimal {
	if opts.ExitPrice.IsSome() {
		return money.TruncatePrice(opts.ExitPrice.Unwrap())
	}

	if price, ok := s.prices.LastPrice(position.Symbol); ok && price.IsPositive() {
		return money.TruncatePrice(price)
	}

	if position.CurrentPrice.IsPositive() {
		return position.CurrentPrice
	}

	return position.EntryPrice
}

// CloseAll closes every open position. Individual failures are logged and
// skipped so one bad position cannot block the rest.
func (s *Simulator) CloseAll(ctx context.Context) ([]types.Position, error) {
	open, err := s.ledger.OpenPositions(ctx)
	if err != nil {
		return nil, err
	}

	closed := make([]types.Position, 0, len(open))

	for _, p := range open {
		result, err := s.ClosePosition(ctx, p.ID, CloseOptions{Reason: types.CloseReasonCloseAll})
		if err != nil {
			s.logger.Error("failed to close position during close-all",
				zap.String("position_id", p.ID),
				zap.String("symbol", p.Symbol),
				zap.Error(err))

			continue
		}

		closed = append(closed, result)
	}

	return closed, nil
}

// PatchRiskTargets replaces the take-profit and stop-loss triggers on an
// open position.
func (s *Simulator) PatchRiskTargets(ctx context.Context, id string, tp, sl optional.Option[decimal.Decimal]) (types.Position, error) {
	position, err := s.ledger.PositionByID(ctx, id)
	if err != nil {
		return types.Position{}, err
	}

	if !position.IsOpen() {
		return types.Position{}, errors.Newf(errors.ErrCodePositionClosed, "position %q is closed", id)
	}

	if err := types.ValidateRiskTargets(position.Side, position.EntryPrice, tp, sl); err != nil {
		return types.Position{}, err
	}

	ok, err := s.ledger.SetRiskTargets(ctx, id, tp, sl)
	if err != nil {
		return types.Position{}, err
	}

	if !ok {
		return types.Position{}, errors.Newf(errors.ErrCodePositionClosed, "position %q is closed", id)
	}

	updated, err := s.ledger.PositionByID(ctx, id)
	if err != nil {
		return types.Position{}, err
	}

	s.publish(types.EventPositionUpdated, updated, "")

	return updated, nil
}

// OpenPositions lists open positions with their marks refreshed from the
// price cache.
func (s *Simulator) OpenPositions(ctx context.Context) ([]types.Position, error) {
	open, err := s.ledger.OpenPositions(ctx)
	if err != nil {
		return nil, err
	}

	for i := range open {
		if price, ok := s.prices.LastPrice(open[i].Symbol); ok && price.IsPositive() {
			open[i].CurrentPrice = price
		}
	}

	return open, nil
}

func (s *Simulator) publish(eventType types.EventType, position types.Position, reason string) {
	s.events.Publish(types.Event{
		Type:       eventType,
		Position:   position,
		Reason:     reason,
		OccurredAt: s.now(),
	})
}
