package types

import (
	"time"

	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"

	"github.com/halcyon-lab/paper-broker/internal/money"
	"github.com/halcyon-lab/paper-broker/pkg/errors"
)

type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "OPEN"
	PositionStatusClosed PositionStatus = "CLOSED"
)

// Position represents an open or closed leveraged exposure. Quantity is
// always positive; direction lives in Side.
type Position struct {
	ID        string                  `yaml:"id" json:"id"`
	RequestID optional.Option[string] `yaml:"request_id" json:"request_id"`
	// OrderID references the fill that opened (or last flipped) the position.
	OrderID      string          `yaml:"order_id" json:"order_id"`
	Symbol       string          `yaml:"symbol" json:"symbol"`
	Side         Side            `yaml:"side" json:"side"`
	Quantity     decimal.Decimal `yaml:"quantity" json:"quantity"`
	EntryPrice   decimal.Decimal `yaml:"entry_price" json:"entry_price"`
	// CurrentPrice is refreshed on read while OPEN and frozen at the exit
	// price once CLOSED.
	CurrentPrice    decimal.Decimal                  `yaml:"current_price" json:"current_price"`
	NotionalUsd     decimal.Decimal                  `yaml:"notional_usd" json:"notional_usd"`
	Leverage        decimal.Decimal                  `yaml:"leverage" json:"leverage"`
	TakeProfitPrice optional.Option[decimal.Decimal] `yaml:"take_profit_price" json:"take_profit_price"`
	StopLossPrice   optional.Option[decimal.Decimal] `yaml:"stop_loss_price" json:"stop_loss_price"`
	Status          PositionStatus                   `yaml:"status" json:"status"`
	OpenedAt        time.Time                        `yaml:"opened_at" json:"opened_at"`
	ClosedAt        optional.Option[time.Time]       `yaml:"closed_at" json:"closed_at"`
	RealizedPnlUsd  optional.Option[decimal.Decimal] `yaml:"realized_pnl_usd" json:"realized_pnl_usd"`
}

// IsOpen reports whether the position is still open.
func (p *Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}

// UnrealizedPnl values the position at the given mark price:
// (mark - entry) x quantity for LONG, (entry - mark) x quantity for SHORT.
// The result is truncated to USD precision.
func (p *Position) UnrealizedPnl(mark decimal.Decimal) decimal.Decimal {
	delta := mark.Sub(p.EntryPrice).Mul(p.Side.Sign())

	return money.TruncateUSD(delta.Mul(p.Quantity))
}

// ValidateRiskTargets checks that the given trigger prices sit on the correct
// side of the entry price: take profit in the profitable direction, stop loss
// in the adverse direction.
func ValidateRiskTargets(side Side, entryPrice decimal.Decimal, tp, sl optional.Option[decimal.Decimal]) error {
	if tp.IsSome() {
		tpPrice := tp.Unwrap()
		if !tpPrice.IsPositive() {
			return errors.Newf(errors.ErrCodeInvalidRiskTargets, "take profit must be greater than zero, got %s", tpPrice)
		}

		profitable := tpPrice.GreaterThan(entryPrice)
		if side == SideShort {
			profitable = tpPrice.LessThan(entryPrice)
		}

		if !profitable {
			return errors.Newf(errors.ErrCodeInvalidRiskTargets,
				"take profit %s is not beyond entry %s for %s", tpPrice, entryPrice, side)
		}
	}

	if sl.IsSome() {
		slPrice := sl.Unwrap()
		if !slPrice.IsPositive() {
			return errors.Newf(errors.ErrCodeInvalidRiskTargets, "stop loss must be greater than zero, got %s", slPrice)
		}

		adverse := slPrice.LessThan(entryPrice)
		if side == SideShort {
			adverse = slPrice.GreaterThan(entryPrice)
		}

		if !adverse {
			return errors.Newf(errors.ErrCodeInvalidRiskTargets,
				"stop loss %s is not beyond entry %s in the adverse direction for %s", slPrice, entryPrice, side)
		}
	}

	return nil
}

// Fill is the immutable record of executing a quantity at a price. One or
// more fills compose a position's cost basis.
type Fill struct {
	ID         string          `yaml:"id" json:"id"`
	PositionID string          `yaml:"position_id" json:"position_id"`
	RequestID  string          `yaml:"request_id" json:"request_id"`
	Symbol     string          `yaml:"symbol" json:"symbol"`
	Side       Side            `yaml:"side" json:"side"`
	Price      decimal.Decimal `yaml:"price" json:"price"`
	Quantity   decimal.Decimal `yaml:"quantity" json:"quantity"`
	Fee        decimal.Decimal `yaml:"fee" json:"fee"`
	Timestamp  time.Time       `yaml:"timestamp" json:"timestamp"`
}
