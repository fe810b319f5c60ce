package storage

import (
	"context"
	"encoding/json"
	"strconv"
	"time"
)

// Preference keys.
const (
	KeyWatchlist          = "watchlist"
	KeyPriceCache         = "price_cache"
	KeyExchangeRate       = "exchange_rate"
	KeySelectedInstrument = "selected_instrument"
	KeyRefreshInterval    = "refresh_interval_sec"
)

// Cache validity windows.
const (
	PriceCacheTTL   = 30 * time.Minute
	ExchangeRateTTL = time.Hour
)

type cachedPrices struct {
	Prices  map[string]float64 `json:"prices"`
	SavedAt int64              `json:"saved_at"`
}

// SavePriceCache persists the id→price map with a timestamp.
func SavePriceCache(ctx context.Context, kv KV, prices map[string]float64) error {
	blob, err := json.Marshal(cachedPrices{Prices: prices, SavedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	return kv.Set(ctx, KeyPriceCache, string(blob))
}

// LoadPriceCache returns the cached prices, or nil when the cache is
// missing, unreadable, or older than PriceCacheTTL.
func LoadPriceCache(ctx context.Context, kv KV) (map[string]float64, error) {
	raw, err := kv.Get(ctx, KeyPriceCache)
	if err != nil || raw == "" {
		return nil, err
	}

	var cached cachedPrices
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return nil, err
	}
	if time.Since(time.Unix(cached.SavedAt, 0)) > PriceCacheTTL {
		return nil, nil
	}
	return cached.Prices, nil
}

type cachedRate struct {
	Rate    string `json:"rate"`
	SavedAt int64  `json:"saved_at"`
}

// SaveExchangeRate persists the display exchange rate.
func SaveExchangeRate(ctx context.Context, kv KV, rate string) error {
	blob, err := json.Marshal(cachedRate{Rate: rate, SavedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	return kv.Set(ctx, KeyExchangeRate, string(blob))
}

// LoadExchangeRate returns the cached rate, or "" when missing or stale.
func LoadExchangeRate(ctx context.Context, kv KV) (string, error) {
	raw, err := kv.Get(ctx, KeyExchangeRate)
	if err != nil || raw == "" {
		return "", err
	}

	var cached cachedRate
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return "", err
	}
	if time.Since(time.Unix(cached.SavedAt, 0)) > ExchangeRateTTL {
		return "", nil
	}
	return cached.Rate, nil
}

// SaveSelectedInstrument persists the id shown in the menu bar.
func SaveSelectedInstrument(ctx context.Context, kv KV, instID string) error {
	return kv.Set(ctx, KeySelectedInstrument, instID)
}

// LoadSelectedInstrument returns the persisted displayed id, or "".
func LoadSelectedInstrument(ctx context.Context, kv KV) (string, error) {
	return kv.Get(ctx, KeySelectedInstrument)
}

// SaveRefreshInterval persists the polling interval in seconds.
func SaveRefreshInterval(ctx context.Context, kv KV, seconds int) error {
	return kv.Set(ctx, KeyRefreshInterval, strconv.Itoa(seconds))
}

// LoadRefreshInterval returns the persisted interval, or 0 when unset.
func LoadRefreshInterval(ctx context.Context, kv KV) (int, error) {
	raw, err := kv.Get(ctx, KeyRefreshInterval)
	if err != nil || raw == "" {
		return 0, err
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		return 0, nil // unreadable value is treated as unset
	}
	return seconds, nil
}
