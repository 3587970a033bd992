package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"github.com/halcyon-lab/paper-broker/internal/logger"
	"github.com/halcyon-lab/paper-broker/internal/money"
	"github.com/halcyon-lab/paper-broker/internal/types"
	"github.com/halcyon-lab/paper-broker/pkg/errors"
)

type LedgerTestSuite struct {
	suite.Suite
	store *Store
	ctx   context.Context
}

func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerTestSuite))
}

func (suite *LedgerTestSuite) SetupTest() {
	store, err := NewStore(":memory:", logger.NewNopLogger())
	suite.Require().NoError(err)

	suite.ctx = context.Background()
	suite.Require().NoError(store.Initialize(suite.ctx, money.MustParse("10000")))
	suite.store = store
}

func (suite *LedgerTestSuite) TearDownTest() {
	suite.Require().NoError(suite.store.Close())
}

func (suite *LedgerTestSuite) newPosition(symbol string) types.Position {
	return types.Position{
		ID:           uuid.New().String(),
		RequestID:    optional.Some(uuid.New().String()),
		OrderID:      uuid.New().String(),
		Symbol:       symbol,
		Side:         types.SideLong,
		Quantity:     money.MustParse("2"),
		EntryPrice:   money.MustParse("100"),
		CurrentPrice: money.MustParse("100"),
		NotionalUsd:  money.MustParse("200"),
		Leverage:     money.MustParse("1"),
		Status:       types.PositionStatusOpen,
		OpenedAt:     time.Now().UTC().Truncate(time.Microsecond),
	}
}

func (suite *LedgerTestSuite) TestInsertAndReadBack() {
	p := suite.newPosition("BTCUSDT")
	p.TakeProfitPrice = optional.Some(money.MustParse("110.12345678"))

	suite.Require().NoError(suite.store.InsertPosition(suite.ctx, p))

	got, err := suite.store.PositionByID(suite.ctx, p.ID)
	suite.Require().NoError(err)
	suite.Equal(p.Symbol, got.Symbol)
	suite.Equal(types.SideLong, got.Side)
	suite.True(got.Quantity.Equal(p.Quantity))
	suite.True(got.EntryPrice.Equal(p.EntryPrice))
	suite.Require().True(got.TakeProfitPrice.IsSome())
	suite.Equal("110.12345678", got.TakeProfitPrice.Unwrap().String())
	suite.True(got.StopLossPrice.IsNone())
	suite.True(got.ClosedAt.IsNone())
}

func (suite *LedgerTestSuite) TestPositionNotFound() {
	_, err := suite.store.PositionByID(suite.ctx, "missing")
	suite.Require().Error(err)
	suite.True(errors.IsNotFound(err))
}

func (suite *LedgerTestSuite) TestDuplicateRequestIDConflict() {
	p := suite.newPosition("BTCUSDT")
	suite.Require().NoError(suite.store.InsertPosition(suite.ctx, p))

	dup := suite.newPosition("ETHUSDT")
	dup.RequestID = p.RequestID

	err := suite.store.InsertPosition(suite.ctx, dup)
	suite.Require().Error(err)
	suite.True(errors.IsConflict(err))

	got, found, err := suite.store.PositionByRequestID(suite.ctx, p.RequestID.Unwrap())
	suite.Require().NoError(err)
	suite.True(found)
	suite.Equal(p.ID, got.ID)
}

func (suite *LedgerTestSuite) TestOpenPositionsAndBySymbol() {
	btc := suite.newPosition("BTCUSDT")
	eth := suite.newPosition("ETHUSDT")
	suite.Require().NoError(suite.store.InsertPosition(suite.ctx, btc))
	suite.Require().NoError(suite.store.InsertPosition(suite.ctx, eth))

	ok, err := suite.store.ClosePosition(suite.ctx, eth.ID, money.MustParse("105"), money.MustParse("10"), time.Now())
	suite.Require().NoError(err)
	suite.True(ok)

	open, err := suite.store.OpenPositions(suite.ctx)
	suite.Require().NoError(err)
	suite.Require().Len(open, 1)
	suite.Equal(btc.ID, open[0].ID)

	_, found, err := suite.store.OpenPositionBySymbol(suite.ctx, "ETHUSDT")
	suite.Require().NoError(err)
	suite.False(found)

	got, found, err := suite.store.OpenPositionBySymbol(suite.ctx, "BTCUSDT")
	suite.Require().NoError(err)
	suite.True(found)
	suite.Equal(btc.ID, got.ID)
}

func (suite *LedgerTestSuite) TestUpdateCostBasis() {
	p := suite.newPosition("BTCUSDT")
	suite.Require().NoError(suite.store.InsertPosition(suite.ctx, p))

	ok, err := suite.store.UpdateCostBasis(suite.ctx, p.ID, money.MustParse("3"), money.MustParse("105"), money.MustParse("315"))
	suite.Require().NoError(err)
	suite.True(ok)

	got, err := suite.store.PositionByID(suite.ctx, p.ID)
	suite.Require().NoError(err)
	suite.Equal("3", got.Quantity.String())
	suite.Equal("105", got.EntryPrice.String())

	// A closed position rejects further cost basis changes.
	_, err = suite.store.ClosePosition(suite.ctx, p.ID, money.MustParse("110"), money.MustParse("30"), time.Now())
	suite.Require().NoError(err)

	ok, err = suite.store.UpdateCostBasis(suite.ctx, p.ID, money.MustParse("4"), money.MustParse("100"), money.MustParse("400"))
	suite.Require().NoError(err)
	suite.False(ok)
}

func (suite *LedgerTestSuite) TestSetRiskTargets() {
	p := suite.newPosition("BTCUSDT")
	suite.Require().NoError(suite.store.InsertPosition(suite.ctx, p))

	ok, err := suite.store.SetRiskTargets(suite.ctx, p.ID,
		optional.Some(money.MustParse("120")), optional.None[decimal.Decimal]())
	suite.Require().NoError(err)
	suite.True(ok)

	got, err := suite.store.PositionByID(suite.ctx, p.ID)
	suite.Require().NoError(err)
	suite.Require().True(got.TakeProfitPrice.IsSome())
	suite.Equal("120", got.TakeProfitPrice.Unwrap().String())
	suite.True(got.StopLossPrice.IsNone())
}

func (suite *LedgerTestSuite) TestCloseIsCompareAndSwap() {
	p := suite.newPosition("BTCUSDT")
	suite.Require().NoError(suite.store.InsertPosition(suite.ctx, p))

	first, err := suite.store.ClosePosition(suite.ctx, p.ID, money.MustParse("110"), money.MustParse("20"), time.Now())
	suite.Require().NoError(err)
	suite.True(first)

	second, err := suite.store.ClosePosition(suite.ctx, p.ID, money.MustParse("111"), money.MustParse("22"), time.Now())
	suite.Require().NoError(err)
	suite.False(second)

	got, err := suite.store.PositionByID(suite.ctx, p.ID)
	suite.Require().NoError(err)
	suite.Equal(types.PositionStatusClosed, got.Status)
	suite.Equal("110", got.CurrentPrice.String())
	suite.Require().True(got.RealizedPnlUsd.IsSome())
	suite.Equal("20", got.RealizedPnlUsd.Unwrap().String())
	suite.True(got.ClosedAt.IsSome())
}

func (suite *LedgerTestSuite) TestConcurrentCloseSingleWinner() {
	p := suite.newPosition("BTCUSDT")
	suite.Require().NoError(suite.store.InsertPosition(suite.ctx, p))

	const closers = 8

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)

	for i := 0; i < closers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			ok, err := suite.store.ClosePosition(suite.ctx, p.ID, money.MustParse("110"), money.MustParse("20"), time.Now())
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	suite.Equal(1, wins)
}

func (suite *LedgerTestSuite) TestFills() {
	p := suite.newPosition("BTCUSDT")
	suite.Require().NoError(suite.store.InsertPosition(suite.ctx, p))

	f := types.Fill{
		ID:         uuid.New().String(),
		PositionID: p.ID,
		RequestID:  "req-fill-1",
		Symbol:     "BTCUSDT",
		Side:       types.SideLong,
		Price:      money.MustParse("100.5"),
		Quantity:   money.MustParse("2"),
		Fee:        money.MustParse("0.2"),
		Timestamp:  time.Now().UTC().Truncate(time.Microsecond),
	}
	suite.Require().NoError(suite.store.AppendFill(suite.ctx, f))

	dup := f
	dup.ID = uuid.New().String()
	err := suite.store.AppendFill(suite.ctx, dup)
	suite.Require().Error(err)
	suite.True(errors.IsConflict(err))

	got, found, err := suite.store.FillByRequestID(suite.ctx, "req-fill-1")
	suite.Require().NoError(err)
	suite.True(found)
	suite.Equal(f.ID, got.ID)
	suite.Equal("100.5", got.Price.String())

	fills, err := suite.store.FillsForPosition(suite.ctx, p.ID)
	suite.Require().NoError(err)
	suite.Len(fills, 1)
}

func (suite *LedgerTestSuite) TestCashBalance() {
	balance, err := suite.store.CashBalance(suite.ctx)
	suite.Require().NoError(err)
	suite.Equal("10000", balance.String())

	next, err := suite.store.AdjustCash(suite.ctx, money.MustParse("-250.555"))
	suite.Require().NoError(err)
	// Truncated toward zero at 2 dp.
	suite.Equal("9749.44", next.String())

	next, err = suite.store.AdjustCash(suite.ctx, money.MustParse("0.56"))
	suite.Require().NoError(err)
	suite.Equal("9750", next.String())
}

func (suite *LedgerTestSuite) TestConcurrentCashAdjustments() {
	const writers = 10

	var wg sync.WaitGroup

	for i := 0; i < writers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := suite.store.AdjustCash(suite.ctx, money.MustParse("1"))
			suite.NoError(err)
		}()
	}

	wg.Wait()

	balance, err := suite.store.CashBalance(suite.ctx)
	suite.Require().NoError(err)
	suite.Equal("10010", balance.String())
}
