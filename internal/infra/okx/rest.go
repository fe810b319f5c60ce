package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"coinbar/internal/domain"
	"coinbar/internal/infra"
)

// Client talks to the exchange's public market REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *infra.RateLimiter
}

// NewClient creates a REST client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    infra.NewMarketLimiter(),
	}
}

type restEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Tickers fetches the full ticker listing for one instrument type.
func (c *Client) Tickers(ctx context.Context, instType domain.InstrumentType) ([]Ticker, error) {
	q := url.Values{"instType": {InstTypeParam(instType)}}
	var tickers []Ticker
	if err := c.get(ctx, "/api/v5/market/tickers", q, &tickers); err != nil {
		return nil, err
	}
	return tickers, nil
}

// Ticker fetches a single instrument's ticker.
func (c *Client) Ticker(ctx context.Context, instID string) (*Ticker, error) {
	q := url.Values{"instId": {instID}}
	var tickers []Ticker
	if err := c.get(ctx, "/api/v5/market/ticker", q, &tickers); err != nil {
		return nil, err
	}
	if len(tickers) == 0 {
		return nil, fmt.Errorf("no ticker data for %s", instID)
	}
	return &tickers[0], nil
}

type exchangeRateData struct {
	UsdCny string `json:"usdCny"`
}

// ExchangeRate fetches the exchange's USD/CNY reference rate.
func (c *Client) ExchangeRate(ctx context.Context) (string, error) {
	var data []exchangeRateData
	if err := c.get(ctx, "/api/v5/market/exchange-rate", nil, &data); err != nil {
		return "", err
	}
	if len(data) == 0 || data[0].UsdCny == "" {
		return "", fmt.Errorf("empty exchange rate response")
	}
	return data[0].UsdCny, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	c.limiter.Wait()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", infra.DefaultUserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var env restEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Code != "" && env.Code != "0" {
		return fmt.Errorf("API error %s: %s", env.Code, env.Msg)
	}

	return json.Unmarshal(env.Data, out)
}
