// Package ledger is the durable record store for positions, fills, and the
// account cash balance. All decimal amounts are stored as canonical strings
// so values survive round-trips without binary float drift. The store's
// conditional updates (status CAS, balance version CAS) are the single
// synchronization point shared by concurrent writers.
package ledger

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	_ "github.com/marcboeker/go-duckdb"
	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/halcyon-lab/paper-broker/internal/logger"
	"github.com/halcyon-lab/paper-broker/internal/money"
	"github.com/halcyon-lab/paper-broker/internal/types"
	"github.com/halcyon-lab/paper-broker/pkg/errors"
)

const accountID = 1

// maxCashRetries bounds the balance compare-and-swap loop.
const maxCashRetries = 10

type Store struct {
	db     *sql.DB
	logger *logger.Logger
	sq     squirrel.StatementBuilderType
}

// NewStore opens a DuckDB-backed store at path. Use ":memory:" for an
// ephemeral store in tests.
func NewStore(path string, logger *logger.Logger) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageFailed, "failed to open ledger database", err)
	}

	return &Store{
		db:     db,
		logger: logger,
		sq:     squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
	}, nil
}

// Initialize creates the tables and seeds the singleton account row with the
// given starting balance if no account exists yet.
func (s *Store) Initialize(ctx context.Context, initialBalance decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS positions (
			id VARCHAR PRIMARY KEY,
			request_id VARCHAR UNIQUE,
			order_id VARCHAR,
			symbol VARCHAR NOT NULL,
			side VARCHAR NOT NULL,
			quantity VARCHAR NOT NULL,
			entry_price VARCHAR NOT NULL,
			current_price VARCHAR NOT NULL,
			notional_usd VARCHAR NOT NULL,
			leverage VARCHAR NOT NULL,
			take_profit_price VARCHAR,
			stop_loss_price VARCHAR,
			status VARCHAR NOT NULL,
			opened_at TIMESTAMP NOT NULL,
			closed_at TIMESTAMP,
			realized_pnl_usd VARCHAR
		)
	`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStorageFailed, "failed to create positions table", err)
	}

	_, err = s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS fills (
			id VARCHAR PRIMARY KEY,
			position_id VARCHAR NOT NULL,
			request_id VARCHAR UNIQUE NOT NULL,
			symbol VARCHAR NOT NULL,
			side VARCHAR NOT NULL,
			price VARCHAR NOT NULL,
			quantity VARCHAR NOT NULL,
			fee VARCHAR NOT NULL,
			filled_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStorageFailed, "failed to create fills table", err)
	}

	_, err = s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY,
			cash_balance VARCHAR NOT NULL,
			version BIGINT NOT NULL
		)
	`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStorageFailed, "failed to create accounts table", err)
	}

	var existing int

	err = s.sq.Select("COUNT(*)").From("accounts").Where(squirrel.Eq{"id": accountID}).
		RunWith(s.db).QueryRowContext(ctx).Scan(&existing)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStorageFailed, "failed to check account row", err)
	}

	if existing == 0 {
		_, err = s.sq.Insert("accounts").
			Columns("id", "cash_balance", "version").
			Values(accountID, initialBalance.String(), 0).
			RunWith(s.db).ExecContext(ctx)
		if err != nil {
			return errors.Wrap(errors.ErrCodeStorageFailed, "failed to seed account row", err)
		}
	}

	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// isUniqueViolation detects DuckDB duplicate-key constraint errors.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())

	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}

var positionColumns = []string{
	"id", "request_id", "order_id", "symbol", "side", "quantity", "entry_price",
	"current_price", "notional_usd", "leverage", "take_profit_price",
	"stop_loss_price", "status", "opened_at", "closed_at", "realized_pnl_usd",
}

// InsertPosition persists a new position. A request_id collision returns a
// conflict error; callers recover by re-reading the existing record.
func (s *Store) InsertPosition(ctx context.Context, p types.Position) error {
	_, err := s.sq.Insert("positions").
		Columns(positionColumns...).
		Values(
			p.ID, optionalString(p.RequestID), p.OrderID, p.Symbol, string(p.Side),
			p.Quantity.String(), p.EntryPrice.String(), p.CurrentPrice.String(),
			p.NotionalUsd.String(), p.Leverage.String(),
			optionalDecimalString(p.TakeProfitPrice), optionalDecimalString(p.StopLossPrice),
			string(p.Status), p.OpenedAt, optionalTime(p.ClosedAt),
			optionalDecimalString(p.RealizedPnlUsd),
		).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(errors.ErrCodeRequestConflict, err, "position for request %q already exists", p.RequestID.TakeOr(""))
		}

		return errors.Wrap(errors.ErrCodeStorageFailed, "failed to insert position", err)
	}

	return nil
}

// PositionByID returns the position with the given id.
func (s *Store) PositionByID(ctx context.Context, id string) (types.Position, error) {
	row := s.sq.Select(positionColumns...).From("positions").
		Where(squirrel.Eq{"id": id}).
		RunWith(s.db).QueryRowContext(ctx)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Position{}, errors.Newf(errors.ErrCodePositionNotFound, "position %q not found", id)
		}

		return types.Position{}, errors.Wrap(errors.ErrCodeStorageFailed, "failed to read position", err)
	}

	return p, nil
}

// PositionByRequestID returns the position created by the given request, if any.
func (s *Store) PositionByRequestID(ctx context.Context, requestID string) (types.Position, bool, error) {
	row := s.sq.Select(positionColumns...).From("positions").
		Where(squirrel.Eq{"request_id": requestID}).
		RunWith(s.db).QueryRowContext(ctx)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Position{}, false, nil
		}

		return types.Position{}, false, errors.Wrap(errors.ErrCodeStorageFailed, "failed to read position by request id", err)
	}

	return p, true, nil
}

// OpenPositions returns all OPEN positions in one bulk read, oldest first.
func (s *Store) OpenPositions(ctx context.Context) ([]types.Position, error) {
	rows, err := s.sq.Select(positionColumns...).From("positions").
		Where(squirrel.Eq{"status": string(types.PositionStatusOpen)}).
		OrderBy("opened_at ASC").
		RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageFailed, "failed to list open positions", err)
	}
	defer rows.Close()

	var positions []types.Position

	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeStorageFailed, "failed to scan open position", err)
		}

		positions = append(positions, p)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageFailed, "failed to iterate open positions", err)
	}

	return positions, nil
}

// OpenPositionBySymbol returns the OPEN position for a symbol, if one exists.
// The engine keeps at most one open position per symbol.
func (s *Store) OpenPositionBySymbol(ctx context.Context, symbol string) (types.Position, bool, error) {
	row := s.sq.Select(positionColumns...).From("positions").
		Where(squirrel.Eq{"symbol": symbol, "status": string(types.PositionStatusOpen)}).
		OrderBy("opened_at ASC").
		Limit(1).
		RunWith(s.db).QueryRowContext(ctx)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Position{}, false, nil
		}

		return types.Position{}, false, errors.Wrap(errors.ErrCodeStorageFailed, "failed to read open position by symbol", err)
	}

	return p, true, nil
}

// UpdateCostBasis rewrites quantity, entry price, and notional on an OPEN
// position. Returns false when the position is no longer open.
func (s *Store) UpdateCostBasis(ctx context.Context, id string, quantity, entryPrice, notionalUsd decimal.Decimal) (bool, error) {
	res, err := s.sq.Update("positions").
		Set("quantity", quantity.String()).
		Set("entry_price", entryPrice.String()).
		Set("notional_usd", notionalUsd.String()).
		Where(squirrel.Eq{"id": id, "status": string(types.PositionStatusOpen)}).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return false, errors.Wrap(errors.ErrCodeStorageFailed, "failed to update cost basis", err)
	}

	return oneRowAffected(res)
}

// SetRiskTargets rewrites the trigger prices on an OPEN position. Returns
// false when the position is no longer open.
func (s *Store) SetRiskTargets(ctx context.Context, id string, tp, sl optional.Option[decimal.Decimal]) (bool, error) {
	res, err := s.sq.Update("positions").
		Set("take_profit_price", optionalDecimalString(tp)).
		Set("stop_loss_price", optionalDecimalString(sl)).
		Where(squirrel.Eq{"id": id, "status": string(types.PositionStatusOpen)}).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return false, errors.Wrap(errors.ErrCodeStorageFailed, "failed to set risk targets", err)
	}

	return oneRowAffected(res)
}

// ClosePosition transitions a position to CLOSED. The WHERE status='OPEN'
// guard makes the transition a compare-and-swap: exactly one of any number
// of concurrent closers observes true.
func (s *Store) ClosePosition(ctx context.Context, id string, exitPrice, realizedPnl decimal.Decimal, closedAt time.Time) (bool, error) {
	res, err := s.sq.Update("positions").
		Set("status", string(types.PositionStatusClosed)).
		Set("current_price", exitPrice.String()).
		Set("closed_at", closedAt).
		Set("realized_pnl_usd", realizedPnl.String()).
		Where(squirrel.Eq{"id": id, "status": string(types.PositionStatusOpen)}).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return false, errors.Wrap(errors.ErrCodeStorageFailed, "failed to close position", err)
	}

	return oneRowAffected(res)
}

// AppendFill records an immutable execution. The unique request_id is the
// final idempotency arbiter: a conflict means another writer already
// processed this request.
func (s *Store) AppendFill(ctx context.Context, f types.Fill) error {
	_, err := s.sq.Insert("fills").
		Columns("id", "position_id", "request_id", "symbol", "side", "price", "quantity", "fee", "filled_at").
		Values(
			f.ID, f.PositionID, f.RequestID, f.Symbol, string(f.Side),
			f.Price.String(), f.Quantity.String(), f.Fee.String(), f.Timestamp,
		).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(errors.ErrCodeRequestConflict, err, "fill for request %q already exists", f.RequestID)
		}

		return errors.Wrap(errors.ErrCodeStorageFailed, "failed to append fill", err)
	}

	return nil
}

// FillByRequestID returns the fill recorded for a request, if any. This is
// the dedupe lookup consulted before executing an order.
func (s *Store) FillByRequestID(ctx context.Context, requestID string) (types.Fill, bool, error) {
	row := s.sq.Select("id", "position_id", "request_id", "symbol", "side", "price", "quantity", "fee", "filled_at").
		From("fills").
		Where(squirrel.Eq{"request_id": requestID}).
		RunWith(s.db).QueryRowContext(ctx)

	f, err := scanFill(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Fill{}, false, nil
		}

		return types.Fill{}, false, errors.Wrap(errors.ErrCodeStorageFailed, "failed to read fill by request id", err)
	}

	return f, true, nil
}

// FillsForPosition returns a position's fills in execution order.
func (s *Store) FillsForPosition(ctx context.Context, positionID string) ([]types.Fill, error) {
	rows, err := s.sq.Select("id", "position_id", "request_id", "symbol", "side", "price", "quantity", "fee", "filled_at").
		From("fills").
		Where(squirrel.Eq{"position_id": positionID}).
		OrderBy("filled_at ASC").
		RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageFailed, "failed to list fills", err)
	}
	defer rows.Close()

	var fills []types.Fill

	for rows.Next() {
		f, err := scanFill(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeStorageFailed, "failed to scan fill", err)
		}

		fills = append(fills, f)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageFailed, "failed to iterate fills", err)
	}

	return fills, nil
}

// CashBalance returns the account's realized cash balance.
func (s *Store) CashBalance(ctx context.Context) (decimal.Decimal, error) {
	balance, _, err := s.cashBalanceVersion(ctx)

	return balance, err
}

func (s *Store) cashBalanceVersion(ctx context.Context) (decimal.Decimal, int64, error) {
	var (
		raw     string
		version int64
	)

	err := s.sq.Select("cash_balance", "version").From("accounts").
		Where(squirrel.Eq{"id": accountID}).
		RunWith(s.db).QueryRowContext(ctx).Scan(&raw, &version)
	if err != nil {
		return decimal.Zero, 0, errors.Wrap(errors.ErrCodeStorageFailed, "failed to read cash balance", err)
	}

	balance, err := money.Parse(raw)
	if err != nil {
		return decimal.Zero, 0, errors.Wrap(errors.ErrCodeStorageFailed, "corrupt cash balance", err)
	}

	return balance, version, nil
}

// AdjustCash applies a delta to the cash balance via a versioned
// compare-and-swap, retrying on contention. Returns the new balance.
func (s *Store) AdjustCash(ctx context.Context, delta decimal.Decimal) (decimal.Decimal, error) {
	for attempt := 0; attempt < maxCashRetries; attempt++ {
		balance, version, err := s.cashBalanceVersion(ctx)
		if err != nil {
			return decimal.Zero, err
		}

		next := money.TruncateUSD(balance.Add(delta))

		res, err := s.sq.Update("accounts").
			Set("cash_balance", next.String()).
			Set("version", version+1).
			Where(squirrel.Eq{"id": accountID, "version": version}).
			RunWith(s.db).ExecContext(ctx)
		if err != nil {
			return decimal.Zero, errors.Wrap(errors.ErrCodeStorageFailed, "failed to update cash balance", err)
		}

		won, err := oneRowAffected(res)
		if err != nil {
			return decimal.Zero, err
		}

		if won {
			return next, nil
		}

		s.logger.Debug("cash balance contention, retrying", zap.Int("attempt", attempt+1))
	}

	return decimal.Zero, errors.New(errors.ErrCodeBalanceConflict, "cash balance update lost the race too many times")
}

func oneRowAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(errors.ErrCodeStorageFailed, "failed to read rows affected", err)
	}

	return n == 1, nil
}
