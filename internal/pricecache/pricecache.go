// Package pricecache holds the latest trade price per symbol. The cache is
// written by a market data feed and read by the execution and monitoring
// paths; it is always injected, never a package-level singleton.
package pricecache

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Source is the read contract consumed by the engine, the accountant, and
// the risk monitor.
type Source interface {
	// LastPrice returns the latest known price for the symbol. The second
	// return value is false when no price has been observed yet.
	LastPrice(symbol string) (decimal.Decimal, bool)
}

// Quote is a price observation.
type Quote struct {
	Symbol string
	Price  decimal.Decimal
	At     time.Time
}

// Cache is a read-mostly map of symbol to latest price. Writers replace a
// symbol's quote atomically under the lock; readers never see a torn value.
type Cache struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewCache creates an empty price cache.
func NewCache() *Cache {
	return &Cache{
		quotes: make(map[string]Quote),
	}
}

// Set records the latest price for a symbol.
func (c *Cache) Set(symbol string, price decimal.Decimal, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.quotes[symbol] = Quote{Symbol: symbol, Price: price, At: at}
}

// LastPrice implements Source.
func (c *Cache) LastPrice(symbol string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	q, ok := c.quotes[symbol]
	if !ok {
		return decimal.Zero, false
	}

	return q.Price, true
}

// SnapshotFor returns the prices for the given symbols in one pass under a
// single read lock. Symbols with no observed price are absent from the map.
func (c *Cache) SnapshotFor(symbols []string) map[string]decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(symbols))

	for _, s := range symbols {
		if q, ok := c.quotes[s]; ok {
			out[s] = q.Price
		}
	}

	return out
}

// TTLSource wraps a Source and serves repeated lookups for the same symbol
// from a short-lived local copy. Separate consumers hold separate instances
// so the risk monitor's polling cost never couples to request-path latency.
type TTLSource struct {
	source Source
	ttl    time.Duration

	mu      sync.Mutex
	entries map[string]ttlEntry
	now     func() time.Time
}

type ttlEntry struct {
	price     decimal.Decimal
	ok        bool
	fetchedAt time.Time
}

// NewTTLSource wraps source with a per-symbol cache valid for ttl.
func NewTTLSource(source Source, ttl time.Duration) *TTLSource {
	return &TTLSource{
		source:  source,
		ttl:     ttl,
		entries: make(map[string]ttlEntry),
		now:     time.Now,
	}
}

// LastPrice implements Source.
func (t *TTLSource) LastPrice(symbol string) (decimal.Decimal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[symbol]; ok && t.now().Sub(e.fetchedAt) < t.ttl {
		return e.price, e.ok
	}

	price, ok := t.source.LastPrice(symbol)
	t.entries[symbol] = ttlEntry{price: price, ok: ok, fetchedAt: t.now()}

	return price, ok
}

// Static is a fixed price source for tests and offline runs.
type Static map[string]decimal.Decimal

// LastPrice implements Source.
func (s Static) LastPrice(symbol string) (decimal.Decimal, bool) {
	price, ok := s[symbol]

	return price, ok
}
