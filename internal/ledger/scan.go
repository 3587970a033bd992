package ledger

import (
	"database/sql"
	"time"

	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"

	"github.com/halcyon-lab/paper-broker/internal/money"
	"github.com/halcyon-lab/paper-broker/internal/types"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (types.Position, error) {
	var (
		p           types.Position
		requestID   sql.NullString
		side        string
		quantity    string
		entryPrice  string
		current     string
		notional    string
		leverage    string
		tp          sql.NullString
		sl          sql.NullString
		status      string
		closedAt    sql.NullTime
		realizedPnl sql.NullString
	)

	err := row.Scan(
		&p.ID, &requestID, &p.OrderID, &p.Symbol, &side, &quantity, &entryPrice,
		&current, &notional, &leverage, &tp, &sl, &status, &p.OpenedAt,
		&closedAt, &realizedPnl,
	)
	if err != nil {
		return types.Position{}, err
	}

	p.Side = types.Side(side)
	p.Status = types.PositionStatus(status)

	if requestID.Valid {
		p.RequestID = optional.Some(requestID.String)
	}

	if p.Quantity, err = money.Parse(quantity); err != nil {
		return types.Position{}, err
	}

	if p.EntryPrice, err = money.Parse(entryPrice); err != nil {
		return types.Position{}, err
	}

	if p.CurrentPrice, err = money.Parse(current); err != nil {
		return types.Position{}, err
	}

	if p.NotionalUsd, err = money.Parse(notional); err != nil {
		return types.Position{}, err
	}

	if p.Leverage, err = money.Parse(leverage); err != nil {
		return types.Position{}, err
	}

	if p.TakeProfitPrice, err = parseOptionalDecimal(tp); err != nil {
		return types.Position{}, err
	}

	if p.StopLossPrice, err = parseOptionalDecimal(sl); err != nil {
		return types.Position{}, err
	}

	if p.RealizedPnlUsd, err = parseOptionalDecimal(realizedPnl); err != nil {
		return types.Position{}, err
	}

	if closedAt.Valid {
		p.ClosedAt = optional.Some(closedAt.Time)
	}

	return p, nil
}

func scanFill(row rowScanner) (types.Fill, error) {
	var (
		f        types.Fill
		side     string
		price    string
		quantity string
		fee      string
	)

	err := row.Scan(&f.ID, &f.PositionID, &f.RequestID, &f.Symbol, &side, &price, &quantity, &fee, &f.Timestamp)
	if err != nil {
		return types.Fill{}, err
	}

	f.Side = types.Side(side)

	if f.Price, err = money.Parse(price); err != nil {
		return types.Fill{}, err
	}

	if f.Quantity, err = money.Parse(quantity); err != nil {
		return types.Fill{}, err
	}

	if f.Fee, err = money.Parse(fee); err != nil {
		return types.Fill{}, err
	}

	return f, nil
}

func parseOptionalDecimal(v sql.NullString) (optional.Option[decimal.Decimal], error) {
	if !v.Valid {
		return optional.None[decimal.Decimal](), nil
	}

	d, err := money.Parse(v.String)
	if err != nil {
		return optional.None[decimal.Decimal](), err
	}

	return optional.Some(d), nil
}

func optionalString(v optional.Option[string]) any {
	if v.IsNone() {
		return nil
	}

	return v.Unwrap()
}

func optionalDecimalString(v optional.Option[decimal.Decimal]) any {
	if v.IsNone() {
		return nil
	}

	return v.Unwrap().String()
}

func optionalTime(v optional.Option[time.Time]) any {
	if v.IsNone() {
		return nil
	}

	return v.Unwrap()
}
