package accountant

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"github.com/halcyon-lab/paper-broker/internal/logger"
	"github.com/halcyon-lab/paper-broker/internal/money"
	"github.com/halcyon-lab/paper-broker/internal/pricecache"
	"github.com/halcyon-lab/paper-broker/internal/types"
)

type fakeLedger struct {
	cash      decimal.Decimal
	positions []types.Position
	openCalls int
}

func (f *fakeLedger) OpenPositions(ctx context.Context) ([]types.Position, error) {
	f.openCalls++

	return f.positions, nil
}

func (f *fakeLedger) CashBalance(ctx context.Context) (decimal.Decimal, error) {
	return f.cash, nil
}

type AccountantTestSuite struct {
	suite.Suite
	ledger *fakeLedger
	cache  *pricecache.Cache
	acct   *Accountant
	ctx    context.Context
}

func TestAccountantSuite(t *testing.T) {
	suite.Run(t, new(AccountantTestSuite))
}

func (suite *AccountantTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.ledger = &fakeLedger{cash: money.MustParse("10000")}
	suite.cache = pricecache.NewCache()
	suite.acct = New(suite.ledger, suite.cache, time.Second, logger.NewNopLogger())
}

func (suite *AccountantTestSuite) openPosition(symbol, side, qty, entry, leverage string) types.Position {
	return types.Position{
		ID:          symbol + "-pos",
		Symbol:      symbol,
		Side:        types.Side(side),
		Quantity:    money.MustParse(qty),
		EntryPrice:  money.MustParse(entry),
		NotionalUsd: money.MustParse(qty).Mul(money.MustParse(entry)),
		Leverage:    money.MustParse(leverage),
		Status:      types.PositionStatusOpen,
	}
}

func (suite *AccountantTestSuite) TestEquityIdentity() {
	suite.ledger.positions = []types.Position{
		suite.openPosition("BTCUSDT", "LONG", "2", "100", "1"),
		suite.openPosition("ETHUSDT", "SHORT", "10", "50", "5"),
	}
	suite.cache.Set("BTCUSDT", money.MustParse("110"), time.Now())
	suite.cache.Set("ETHUSDT", money.MustParse("45"), time.Now())

	snap, err := suite.acct.FreshSnapshot(suite.ctx)
	suite.Require().NoError(err)

	// LONG: (110-100)*2 = 20; SHORT: (50-45)*10 = 50.
	suite.Equal("70", snap.UnrealizedPnl.String())
	suite.Equal("10070", snap.Equity.String())
	suite.True(snap.Equity.Equal(snap.CashBalance.Add(snap.UnrealizedPnl)))
	// Margin: 200/1 + 500/5 = 300.
	suite.Equal("300", snap.MarginUsed.String())
	suite.Equal(2, snap.OpenPositions)
	suite.False(snap.Degraded)
}

func (suite *AccountantTestSuite) TestDegradedOnMissingPrice() {
	suite.ledger.positions = []types.Position{
		suite.openPosition("BTCUSDT", "LONG", "2", "100", "1"),
		suite.openPosition("XRPUSDT", "LONG", "100", "1", "1"),
	}
	suite.cache.Set("BTCUSDT", money.MustParse("110"), time.Now())

	snap, err := suite.acct.FreshSnapshot(suite.ctx)
	suite.Require().NoError(err)

	// The unpriced position contributes zero.
	suite.Equal("20", snap.UnrealizedPnl.String())
	suite.True(snap.Degraded)
}

func (suite *AccountantTestSuite) TestSnapshotCachedWithinTTL() {
	now := time.Unix(1000, 0)
	suite.acct.now = func() time.Time { return now }

	_, err := suite.acct.ComputeEquitySnapshot(suite.ctx)
	suite.Require().NoError(err)
	suite.Equal(1, suite.ledger.openCalls)

	_, err = suite.acct.ComputeEquitySnapshot(suite.ctx)
	suite.Require().NoError(err)
	suite.Equal(1, suite.ledger.openCalls)

	now = now.Add(2 * time.Second)
	_, err = suite.acct.ComputeEquitySnapshot(suite.ctx)
	suite.Require().NoError(err)
	suite.Equal(2, suite.ledger.openCalls)
}

func (suite *AccountantTestSuite) TestInvalidateForcesRecompute() {
	now := time.Unix(1000, 0)
	suite.acct.now = func() time.Time { return now }

	_, err := suite.acct.ComputeEquitySnapshot(suite.ctx)
	suite.Require().NoError(err)
	suite.Equal(1, suite.ledger.openCalls)

	suite.acct.Invalidate()

	_, err = suite.acct.ComputeEquitySnapshot(suite.ctx)
	suite.Require().NoError(err)
	suite.Equal(2, suite.ledger.openCalls)
}

func (suite *AccountantTestSuite) TestFreshSnapshotBypassesCache() {
	_, err := suite.acct.ComputeEquitySnapshot(suite.ctx)
	suite.Require().NoError(err)

	_, err = suite.acct.FreshSnapshot(suite.ctx)
	suite.Require().NoError(err)
	suite.Equal(2, suite.ledger.openCalls)
}
