package engine_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"github.com/halcyon-lab/paper-broker/internal/engine"
	"github.com/halcyon-lab/paper-broker/internal/ledger"
	"github.com/halcyon-lab/paper-broker/internal/logger"
	"github.com/halcyon-lab/paper-broker/internal/money"
	"github.com/halcyon-lab/paper-broker/internal/types"
	"github.com/halcyon-lab/paper-broker/mocks"
	"github.com/halcyon-lab/paper-broker/pkg/errors"
)

// SimulatorMockTestSuite isolates the simulator's collaborator contracts
// with generated mocks instead of the full stack.
type SimulatorMockTestSuite struct {
	suite.Suite
	ctrl  *gomock.Controller
	store *ledger.Store
	ctx   context.Context
}

func TestSimulatorMockSuite(t *testing.T) {
	suite.Run(t, new(SimulatorMockTestSuite))
}

func (suite *SimulatorMockTestSuite) SetupTest() {
	suite.ctrl = gomock.NewController(suite.T())
	suite.ctx = context.Background()

	store, err := ledger.NewStore(":memory:", logger.NewNopLogger())
	suite.Require().NoError(err)
	suite.Require().NoError(store.Initialize(suite.ctx, money.MustParse("10000")))
	suite.store = store
}

func (suite *SimulatorMockTestSuite) TearDownTest() {
	suite.Require().NoError(suite.store.Close())
	suite.ctrl.Finish()
}

func (suite *SimulatorMockTestSuite) marketOrder(qty string) types.OrderRequest {
	return types.OrderRequest{
		RequestID: "req-1",
		Symbol:    "BTCUSDT",
		Side:      types.SideLong,
		OrderType: types.OrderTypeMarket,
		SizeMode:  types.SizeModeQty,
		Quantity:  money.MustParse(qty),
	}
}

func (suite *SimulatorMockTestSuite) TestEquityFailurePropagates() {
	prices := mocks.NewMockSource(suite.ctrl)
	prices.EXPECT().LastPrice("BTCUSDT").Return(money.MustParse("100"), true).AnyTimes()

	equity := mocks.NewMockEquity(suite.ctrl)
	equity.EXPECT().FreshSnapshot(gomock.Any()).
		Return(types.EquitySnapshot{}, errors.New(errors.ErrCodeStorageFailed, "accounts table unavailable"))

	events := mocks.NewMockPublisher(suite.ctrl)

	sim := engine.NewSimulator(suite.store, prices, equity, events, engine.Config{
		SlippageRate: decimal.Zero,
		TakerFeeRate: decimal.Zero,
		MarginModel:  engine.MarginModelNotional,
	}, logger.NewNopLogger())

	_, err := sim.PlaceOrder(suite.ctx, suite.marketOrder("1"))
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeStorageFailed))

	open, lerr := suite.store.OpenPositions(suite.ctx)
	suite.Require().NoError(lerr)
	suite.Empty(open)
}

func (suite *SimulatorMockTestSuite) TestMissingMarkIsUnavailable() {
	prices := mocks.NewMockSource(suite.ctrl)
	prices.EXPECT().LastPrice("BTCUSDT").Return(decimal.Zero, false)

	equity := mocks.NewMockEquity(suite.ctrl)
	events := mocks.NewMockPublisher(suite.ctrl)

	sim := engine.NewSimulator(suite.store, prices, equity, events, engine.Config{
		SlippageRate: decimal.Zero,
		TakerFeeRate: decimal.Zero,
		MarginModel:  engine.MarginModelNotional,
	}, logger.NewNopLogger())

	_, err := sim.PlaceOrder(suite.ctx, suite.marketOrder("1"))
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeNoMarketPrice))
}

func (suite *SimulatorMockTestSuite) TestOpenPublishesExactlyOneEvent() {
	prices := mocks.NewMockSource(suite.ctrl)
	prices.EXPECT().LastPrice("BTCUSDT").Return(money.MustParse("100"), true).AnyTimes()

	equity := mocks.NewMockEquity(suite.ctrl)
	equity.EXPECT().FreshSnapshot(gomock.Any()).Return(types.EquitySnapshot{
		CashBalance: money.MustParse("10000"),
		Equity:      money.MustParse("10000"),
	}, nil)
	equity.EXPECT().Invalidate()

	events := mocks.NewMockPublisher(suite.ctrl)
	events.EXPECT().Publish(gomock.Any()).Do(func(event types.Event) {
		suite.Equal(types.EventPositionOpened, event.Type)
		suite.Equal("BTCUSDT", event.Position.Symbol)
	})

	sim := engine.NewSimulator(suite.store, prices, equity, events, engine.Config{
		SlippageRate: decimal.Zero,
		TakerFeeRate: decimal.Zero,
		MarginModel:  engine.MarginModelNotional,
	}, logger.NewNopLogger())

	result, err := sim.PlaceOrder(suite.ctx, suite.marketOrder("1"))
	suite.Require().NoError(err)
	suite.False(result.Deduplicated)
}
