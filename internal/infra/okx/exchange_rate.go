package okx

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// RateClient polls the exchange-rate endpoint. The rate is only used for
// currency display conversion; it is not part of the price path.
type RateClient struct {
	client       *Client
	onUpdate     func(decimal.Decimal)
	rate         decimal.Decimal
	mu           sync.RWMutex
	pollInterval time.Duration
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewRateClient creates an exchange-rate poller. onUpdate fires whenever
// the rate changes; it may be nil.
func NewRateClient(client *Client, onUpdate func(decimal.Decimal)) *RateClient {
	return &RateClient{
		client:       client,
		onUpdate:     onUpdate,
		rate:         decimal.Zero,
		pollInterval: time.Hour,
	}
}

// Start begins polling. The first fetch happens immediately.
func (c *RateClient) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	if err := c.fetchRate(ctx); err != nil {
		slog.Warn("Initial exchange rate fetch failed", slog.Any("error", err))
		// Keep polling; the next tick retries.
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.fetchRate(ctx); err != nil {
					slog.Warn("Exchange rate fetch failed", slog.Any("error", err))
				}
			}
		}
	}()

	return nil
}

// fetchRate fetches the current rate with retry. Backoff: 1s, 2s, 4s.
func (c *RateClient) fetchRate(ctx context.Context) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if i > 0 {
			delay := time.Duration(1<<uint(i-1)) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		raw, err := c.client.ExchangeRate(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		newRate, err := decimal.NewFromString(raw)
		if err != nil {
			lastErr = err
			continue
		}

		c.mu.Lock()
		oldRate := c.rate
		c.rate = newRate
		c.mu.Unlock()

		if !oldRate.Equal(newRate) && c.onUpdate != nil {
			slog.Info("Exchange rate updated",
				slog.String("rate", newRate.String()),
				slog.String("old_rate", oldRate.String()),
			)
			c.onUpdate(newRate)
		}
		return nil
	}
	return lastErr
}

// Stop stops the polling.
func (c *RateClient) Stop() {
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
	}
}

// Rate returns the last fetched exchange rate.
func (c *RateClient) Rate() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rate
}
