package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRateSource struct {
	calls int
	rate  decimal.Decimal
	err   error
}

func (s *fakeRateSource) ExchangeRate(_ context.Context, _, _ string) (decimal.Decimal, error) {
	s.calls++
	return s.rate, s.err
}

func decimalRub(t *testing.T, v string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(v)
	require.NoError(t, err)
	return d
}

func TestRateCache(t *testing.T) {
	source := &fakeRateSource{rate: decimalRub(t, "92.35")}
	cache := NewRateCache(source, "USDT", "RUB", time.Minute)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	rate, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "USDT", rate.Source)
	assert.Equal(t, "RUB", rate.Target)
	assert.True(t, rate.Rate.Equal(decimalRub(t, "92.35")))

	_, err = cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, source.calls)

	now = now.Add(2 * time.Minute)
	source.rate = decimalRub(t, "93")
	rate, err = cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls)
	assert.True(t, rate.Rate.Equal(decimalRub(t, "93")))

	// A failed refresh serves the last known rate.
	now = now.Add(2 * time.Minute)
	source.err = errors.New("timeout")
	rate, err = cache.Get(ctx)
	require.NoError(t, err)
	assert.True(t, rate.Rate.Equal(decimalRub(t, "93")))

	cache.Invalidate()
	_, err = cache.Get(ctx)
	assert.Error(t, err)
	assert.Equal(t, 4, source.calls)
}
