package services

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// RateSource quotes exchange rates between two currency codes.
type RateSource interface {
	ExchangeRate(ctx context.Context, source, target string) (decimal.Decimal, error)
}

// Rate is a cached quote.
type Rate struct {
	Source    string          `json:"source"`
	Target    string          `json:"target"`
	Rate      decimal.Decimal `json:"rate"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// RateCache keeps one exchange rate for ttl so storefront reads do not hit the gateway each time.
type RateCache struct {
	source RateSource
	asset  string
	fiat   string
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	rate      *Rate
	expiresAt time.Time
}

func NewRateCache(source RateSource, asset, fiat string, ttl time.Duration) *RateCache {
	return &RateCache{source: source, asset: asset, fiat: fiat, ttl: ttl, now: time.Now}
}

// Get returns the cached rate or fetches a fresh one. A stale rate is served when the refresh fails.
func (c *RateCache) Get(ctx context.Context) (*Rate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.rate != nil && now.Before(c.expiresAt) {
		return c.rate, nil
	}

	value, err := c.source.ExchangeRate(ctx, c.asset, c.fiat)
	if err != nil {
		if c.rate != nil {
			return c.rate, nil
		}
		return nil, err
	}

	c.rate = &Rate{Source: c.asset, Target: c.fiat, Rate: value, FetchedAt: now}
	c.expiresAt = now.Add(c.ttl)
	return c.rate, nil
}

// Invalidate drops the cached rate.
func (c *RateCache) Invalidate() {
	c.mu.Lock()
	c.rate = nil
	c.mu.Unlock()
}
