package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"github.com/halcyon-lab/paper-broker/internal/accountant"
	"github.com/halcyon-lab/paper-broker/internal/engine"
	"github.com/halcyon-lab/paper-broker/internal/ledger"
	"github.com/halcyon-lab/paper-broker/internal/logger"
	"github.com/halcyon-lab/paper-broker/internal/money"
	"github.com/halcyon-lab/paper-broker/internal/notify"
	"github.com/halcyon-lab/paper-broker/internal/pricecache"
)

type ServerTestSuite struct {
	suite.Suite
	store  *ledger.Store
	cache  *pricecache.Cache
	server *httptest.Server
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func (suite *ServerTestSuite) SetupTest() {
	ctx := context.Background()

	store, err := ledger.NewStore(":memory:", logger.NewNopLogger())
	suite.Require().NoError(err)
	suite.Require().NoError(store.Initialize(ctx, money.MustParse("10000")))
	suite.store = store

	suite.cache = pricecache.NewCache()
	suite.cache.Set("BTCUSDT", money.MustParse("100"), time.Now())

	acct := accountant.New(store, suite.cache, 50*time.Millisecond, logger.NewNopLogger())
	sim := engine.NewSimulator(store, suite.cache, acct, notify.Nop{}, engine.Config{
		SlippageRate: decimal.Zero,
		TakerFeeRate: decimal.Zero,
		MarginModel:  engine.MarginModelNotional,
	}, logger.NewNopLogger())

	suite.server = httptest.NewServer(New(sim, acct, logger.NewNopLogger()).Handler())
}

func (suite *ServerTestSuite) TearDownTest() {
	suite.server.Close()
	suite.Require().NoError(suite.store.Close())
}

func (suite *ServerTestSuite) postJSON(path string, body string) (*http.Response, map[string]any) {
	resp, err := http.Post(suite.server.URL+path, "application/json", bytes.NewBufferString(body))
	suite.Require().NoError(err)

	return resp, suite.decode(resp)
}

func (suite *ServerTestSuite) decode(resp *http.Response) map[string]any {
	defer resp.Body.Close()

	var out map[string]any
	suite.Require().NoError(json.NewDecoder(resp.Body).Decode(&out))

	return out
}

func (suite *ServerTestSuite) placeOrder(requestID, side, qty string) map[string]any {
	resp, body := suite.postJSON("/api/v1/orders", `{
		"request_id": "`+requestID+`",
		"symbol": "BTCUSDT",
		"side": "`+side+`",
		"order_type": "MARKET",
		"size_mode": "QTY",
		"quantity": "`+qty+`"
	}`)
	suite.Require().Equal(http.StatusCreated, resp.StatusCode)

	return body
}

func (suite *ServerTestSuite) TestPlaceOrderAndDedup() {
	body := suite.placeOrder("req-1", "LONG", "1")
	suite.Equal(false, body["deduplicated"])

	position := body["position"].(map[string]any)
	suite.Equal("BTCUSDT", position["symbol"])
	suite.Equal("LONG", position["side"])

	resp, body := suite.postJSON("/api/v1/orders", `{
		"request_id": "req-1",
		"symbol": "BTCUSDT",
		"side": "LONG",
		"order_type": "MARKET",
		"size_mode": "QTY",
		"quantity": "1"
	}`)
	suite.Equal(http.StatusOK, resp.StatusCode)
	suite.Equal(true, body["deduplicated"])
}

func (suite *ServerTestSuite) TestValidationErrorIs400() {
	resp, body := suite.postJSON("/api/v1/orders", `{
		"request_id": "req-1",
		"symbol": "BTCUSDT",
		"side": "LONG",
		"order_type": "MARKET",
		"size_mode": "QTY",
		"quantity": "0"
	}`)
	suite.Equal(http.StatusBadRequest, resp.StatusCode)
	suite.NotEmpty(body["error"])
}

func (suite *ServerTestSuite) TestNoMarketPriceIs503() {
	resp, _ := suite.postJSON("/api/v1/orders", `{
		"request_id": "req-1",
		"symbol": "UNKNOWN",
		"side": "LONG",
		"order_type": "MARKET",
		"size_mode": "QTY",
		"quantity": "1"
	}`)
	suite.Equal(http.StatusServiceUnavailable, resp.StatusCode)
}

func (suite *ServerTestSuite) TestInsufficientEquityIs422() {
	resp, _ := suite.postJSON("/api/v1/orders", `{
		"request_id": "req-1",
		"symbol": "BTCUSDT",
		"side": "LONG",
		"order_type": "MARKET",
		"size_mode": "QTY",
		"quantity": "500"
	}`)
	suite.Equal(http.StatusUnprocessableEntity, resp.StatusCode)
}

func (suite *ServerTestSuite) TestClosePosition() {
	body := suite.placeOrder("req-1", "LONG", "1")
	id := body["position"].(map[string]any)["id"].(string)

	resp, closed := suite.postJSON("/api/v1/positions/"+id+"/close", `{"exit_price": "110"}`)
	suite.Equal(http.StatusOK, resp.StatusCode)
	suite.Equal("CLOSED", closed["status"])
}

func (suite *ServerTestSuite) TestCloseUnknownPositionIs404() {
	resp, _ := suite.postJSON("/api/v1/positions/nope/close", "")
	suite.Equal(http.StatusNotFound, resp.StatusCode)
}

func (suite *ServerTestSuite) TestCloseAll() {
	suite.placeOrder("req-1", "LONG", "1")

	resp, body := suite.postJSON("/api/v1/positions/close", "")
	suite.Equal(http.StatusOK, resp.StatusCode)
	suite.Len(body["closed"], 1)
}

func (suite *ServerTestSuite) TestPatchRiskTargets() {
	body := suite.placeOrder("req-1", "LONG", "1")
	id := body["position"].(map[string]any)["id"].(string)

	req, err := http.NewRequest(http.MethodPatch, suite.server.URL+"/api/v1/positions/"+id+"/risk",
		bytes.NewBufferString(`{"take_profit": "120", "stop_loss": "90"}`))
	suite.Require().NoError(err)

	resp, err := http.DefaultClient.Do(req)
	suite.Require().NoError(err)

	updated := suite.decode(resp)
	suite.Equal(http.StatusOK, resp.StatusCode)
	suite.Equal("120", updated["take_profit_price"])

	// Misplaced targets are rejected.
	req, err = http.NewRequest(http.MethodPatch, suite.server.URL+"/api/v1/positions/"+id+"/risk",
		bytes.NewBufferString(`{"take_profit": "50"}`))
	suite.Require().NoError(err)

	resp, err = http.DefaultClient.Do(req)
	suite.Require().NoError(err)
	resp.Body.Close()
	suite.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (suite *ServerTestSuite) TestOpenPositionsAndAccount() {
	resp, body := suite.getJSON("/api/v1/positions")
	suite.Equal(http.StatusOK, resp.StatusCode)
	suite.Empty(body["positions"])

	suite.placeOrder("req-1", "LONG", "2")
	suite.cache.Set("BTCUSDT", money.MustParse("110"), time.Now())

	resp, body = suite.getJSON("/api/v1/positions")
	suite.Equal(http.StatusOK, resp.StatusCode)
	suite.Len(body["positions"], 1)

	resp, account := suite.getJSON("/api/v1/account")
	suite.Equal(http.StatusOK, resp.StatusCode)
	suite.Equal("20", account["unrealized_pnl"])
	suite.Equal("10020", account["equity"])
}

func (suite *ServerTestSuite) getJSON(path string) (*http.Response, map[string]any) {
	resp, err := http.Get(suite.server.URL + path)
	suite.Require().NoError(err)

	return resp, suite.decode(resp)
}
