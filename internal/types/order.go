package types

import (
	"github.com/go-playground/validator/v10"
	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"

	"github.com/halcyon-lab/paper-broker/internal/money"
	"github.com/halcyon-lab/paper-broker/pkg/errors"
)

type Side string

type OrderType string

type SizeMode string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

const (
	SizeModeQty  SizeMode = "QTY"
	SizeModeUsdt SizeMode = "USDT"
)

// Opposite returns the other direction.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}

	return SideLong
}

// Sign returns +1 for LONG and -1 for SHORT, the direction factor used in
// every PnL formula.
func (s Side) Sign() decimal.Decimal {
	if s == SideShort {
		return decimal.NewFromInt(-1)
	}

	return decimal.NewFromInt(1)
}

// OrderRequest is the inbound order intent. Size can be expressed either as
// a base-asset quantity (QTY) or as a dollar amount (USDT); Canonicalize
// resolves both modes into a single base-asset quantity before the order
// reaches the execution path.
type OrderRequest struct {
	RequestID string    `yaml:"request_id" json:"request_id" validate:"required"`
	Symbol    string    `yaml:"symbol" json:"symbol" validate:"required"`
	Side      Side      `yaml:"side" json:"side" validate:"required,oneof=LONG SHORT"`
	OrderType OrderType `yaml:"order_type" json:"order_type" validate:"required,oneof=MARKET LIMIT"`
	SizeMode  SizeMode  `yaml:"size_mode" json:"size_mode" validate:"required,oneof=QTY USDT"`
	// Quantity is the base-asset size. Required when SizeMode is QTY.
	Quantity decimal.Decimal `yaml:"quantity" json:"quantity"`
	// QuoteUsd is the dollar size. Required when SizeMode is USDT.
	QuoteUsd decimal.Decimal `yaml:"quote_usd" json:"quote_usd"`
	// LimitPrice is required for LIMIT orders and ignored for MARKET orders.
	LimitPrice optional.Option[decimal.Decimal] `yaml:"limit_price" json:"limit_price"`
	Leverage   decimal.Decimal                  `yaml:"leverage" json:"leverage"`
	// TakeProfit is the take profit trigger price. Can be nil if not set.
	TakeProfit optional.Option[decimal.Decimal] `yaml:"take_profit" json:"take_profit"`
	// StopLoss is the stop loss trigger price. Can be nil if not set.
	StopLoss optional.Option[decimal.Decimal] `yaml:"stop_loss" json:"stop_loss"`
}

// CanonicalOrder is the resolved form every downstream component consumes:
// one symbol, one direction, one positive base-asset quantity, and an
// optional limit price.
type CanonicalOrder struct {
	RequestID  string
	Symbol     string
	Side       Side
	Quantity   decimal.Decimal
	LimitPrice optional.Option[decimal.Decimal]
	Leverage   decimal.Decimal
	TakeProfit optional.Option[decimal.Decimal]
	StopLoss   optional.Option[decimal.Decimal]
}

// Validate validates the OrderRequest struct.
func (r *OrderRequest) Validate() error {
	validate := validator.New()

	if err := validate.Struct(r); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidOrder, "invalid order request", err)
	}

	switch r.SizeMode {
	case SizeModeQty:
		if !money.IsPositiveQty(r.Quantity) {
			return errors.Newf(errors.ErrCodeInvalidQuantity, "quantity must be greater than zero, got %s", r.Quantity)
		}
	case SizeModeUsdt:
		if !r.QuoteUsd.IsPositive() {
			return errors.Newf(errors.ErrCodeInvalidQuantity, "quote amount must be greater than zero, got %s", r.QuoteUsd)
		}
	}

	if r.OrderType == OrderTypeLimit {
		if r.LimitPrice.IsNone() {
			return errors.New(errors.ErrCodeInvalidOrder, "limit order requires a limit price")
		}

		if !r.LimitPrice.Unwrap().IsPositive() {
			return errors.Newf(errors.ErrCodeInvalidOrder, "limit price must be greater than zero, got %s", r.LimitPrice.Unwrap())
		}
	}

	if !r.Leverage.IsZero() && r.Leverage.LessThan(decimal.NewFromInt(1)) {
		return errors.Newf(errors.ErrCodeInvalidOrder, "leverage must be at least 1, got %s", r.Leverage)
	}

	return nil
}

// Canonicalize resolves the {MARKET,LIMIT} x {QTY,USDT} request shape into a
// CanonicalOrder. refPrice is the price used to convert a dollar size into a
// base-asset quantity: the limit price for LIMIT orders, the latest market
// price for MARKET orders. The caller must have validated the request first.
func (r *OrderRequest) Canonicalize(refPrice decimal.Decimal) (CanonicalOrder, error) {
	qty := r.Quantity
	if r.SizeMode == SizeModeUsdt {
		if !refPrice.IsPositive() {
			return CanonicalOrder{}, errors.Newf(errors.ErrCodeNoMarketPrice, "no market price available for %s", r.Symbol)
		}

		qty = money.TruncatePrice(r.QuoteUsd.Div(refPrice))
	}

	if !money.IsPositiveQty(qty) {
		return CanonicalOrder{}, errors.Newf(errors.ErrCodeInvalidQuantity, "resolved quantity must be greater than zero, got %s", qty)
	}

	leverage := r.Leverage
	if leverage.IsZero() {
		leverage = decimal.NewFromInt(1)
	}

	limitPrice := optional.None[decimal.Decimal]()
	if r.OrderType == OrderTypeLimit {
		limitPrice = r.LimitPrice
	}

	return CanonicalOrder{
		RequestID:  r.RequestID,
		Symbol:     r.Symbol,
		Side:       r.Side,
		Quantity:   money.TruncatePrice(qty),
		LimitPrice: limitPrice,
		Leverage:   leverage,
		TakeProfit: r.TakeProfit,
		StopLoss:   r.StopLoss,
	}, nil
}
