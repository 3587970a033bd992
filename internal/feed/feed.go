// Package feed streams market prices into the injected price cache. The
// engine itself never dials out; everything it knows about the market
// arrives through here.
package feed

import (
	"context"
	"time"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"

	"github.com/halcyon-lab/paper-broker/internal/logger"
	"github.com/halcyon-lab/paper-broker/internal/money"
	"github.com/halcyon-lab/paper-broker/internal/pricecache"
)

// Feed pushes prices into a cache until stopped.
type Feed interface {
	Start(ctx context.Context) error
	Stop()
}

// AggTradeServe matches binance.WsAggTradeServe so streams can be faked in
// tests.
type AggTradeServe func(symbol string, handler binance.WsAggTradeHandler, errHandler binance.ErrHandler) (doneC, stopC chan struct{}, err error)

// reconnectDelay spaces out resubscribe attempts after a dropped stream.
const reconnectDelay = time.Second

// BinanceFeed subscribes to the aggregated trade stream of each configured
// symbol and writes every trade price into the cache.
type BinanceFeed struct {
	cache   *pricecache.Cache
	symbols []string
	logger  *logger.Logger
	serve   AggTradeServe

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBinanceFeed creates a feed over the live Binance websocket API.
func NewBinanceFeed(cache *pricecache.Cache, symbols []string, logger *logger.Logger) *BinanceFeed {
	return &BinanceFeed{
		cache:   cache,
		symbols: symbols,
		logger:  logger,
		serve:   binance.WsAggTradeServe,
	}
}

// Start subscribes every symbol and keeps each subscription alive until the
// context is cancelled or Stop is called.
func (f *BinanceFeed) Start(ctx context.Context) error {
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})

	go func() {
		defer close(f.done)

		var workers []chan struct{}

		for _, symbol := range f.symbols {
			workerDone := make(chan struct{})
			workers = append(workers, workerDone)

			go func(symbol string) {
				defer close(workerDone)

				f.streamSymbol(ctx, symbol)
			}(symbol)
		}

		for _, w := range workers {
			<-w
		}
	}()

	return nil
}

// streamSymbol maintains one symbol's subscription, resubscribing after
// stream errors until the context ends.
func (f *BinanceFeed) streamSymbol(ctx context.Context, symbol string) {
	for {
		if ctx.Err() != nil {
			return
		}

		doneC, stopC, err := f.serve(symbol, f.handleTrade, func(err error) {
			f.logger.Warn("price stream error", zap.String("symbol", symbol), zap.Error(err))
		})
		if err != nil {
			f.logger.Error("failed to subscribe price stream",
				zap.String("symbol", symbol), zap.Error(err))

			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
				continue
			}
		}

		f.logger.Info("price stream subscribed", zap.String("symbol", symbol))

		select {
		case <-ctx.Done():
			close(stopC)

			return
		case <-doneC:
			f.logger.Warn("price stream dropped, resubscribing", zap.String("symbol", symbol))

			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
		}
	}
}

func (f *BinanceFeed) handleTrade(event *binance.WsAggTradeEvent) {
	price, err := money.Parse(event.Price)
	if err != nil || !price.IsPositive() {
		f.logger.Warn("dropping malformed trade price",
			zap.String("symbol", event.Symbol),
			zap.String("price", event.Price))

		return
	}

	f.cache.Set(event.Symbol, price, time.UnixMilli(event.TradeTime))
}

// Stop cancels every subscription and waits for the workers to exit.
func (f *BinanceFeed) Stop() {
	if f.cancel == nil {
		return
	}

	f.cancel()
	<-f.done
}

// StaticFeed seeds the cache once with fixed prices. Used for tests and
// offline runs.
type StaticFeed struct {
	cache  *pricecache.Cache
	prices map[string]float64
	logger *logger.Logger
}

// NewStaticFeed creates a feed that writes the given prices on Start.
func NewStaticFeed(cache *pricecache.Cache, prices map[string]float64, logger *logger.Logger) *StaticFeed {
	return &StaticFeed{
		cache:  cache,
		prices: prices,
		logger: logger,
	}
}

// Start implements Feed.
func (f *StaticFeed) Start(ctx context.Context) error {
	now := time.Now()

	for symbol, raw := range f.prices {
		price, ok := money.FromFloat(raw)
		if !ok || !price.IsPositive() {
			f.logger.Warn("skipping unusable static price", zap.String("symbol", symbol))

			continue
		}

		f.cache.Set(symbol, price, now)
	}

	return nil
}

// Stop implements Feed.
func (f *StaticFeed) Stop() {}
