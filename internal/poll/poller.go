package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"coinbar/internal/catalog"
	"coinbar/internal/domain"
	"coinbar/internal/event"
	"coinbar/internal/infra"
	"coinbar/internal/infra/okx"
	"coinbar/internal/storage"
	"coinbar/internal/stream"
	"coinbar/internal/watchlist"
)

// Interval bounds in seconds.
const (
	DefaultIntervalSec = 60
	MinIntervalSec     = 10
	MaxIntervalSec     = 300
)

// ClampInterval maps a user-supplied interval to the allowed range.
// Zero or negative means "unset" and yields the default.
func ClampInterval(sec int) time.Duration {
	switch {
	case sec <= 0:
		sec = DefaultIntervalSec
	case sec < MinIntervalSec:
		sec = MinIntervalSec
	case sec > MaxIntervalSec:
		sec = MaxIntervalSec
	}
	return time.Duration(sec) * time.Second
}

// MarketFetcher is the REST surface the poller needs.
type MarketFetcher interface {
	Tickers(ctx context.Context, instType domain.InstrumentType) ([]okx.Ticker, error)
}

// StreamControl lets the poller kick a reconnect when the stream is down.
type StreamControl interface {
	State() stream.State
	Connect(ctx context.Context)
}

// Poller is the periodic REST backstop: it persists the price cache,
// refreshes every watchlisted instrument type over REST, and nudges the
// stream back up when it finds it disconnected. Fetched prices go through
// the same reconciler path as streamed ones.
type Poller struct {
	mu       sync.Mutex
	interval time.Duration

	fetcher MarketFetcher
	strm    StreamControl
	wl      *watchlist.Store
	cat     *catalog.Catalog
	kv      storage.KV
	bus     *event.Bus
	apply   func(ctx context.Context, tickers []okx.Ticker)
	breaker *infra.CircuitBreaker

	kick chan struct{}
}

func New(
	fetcher MarketFetcher,
	strm StreamControl,
	wl *watchlist.Store,
	cat *catalog.Catalog,
	kv storage.KV,
	bus *event.Bus,
	apply func(ctx context.Context, tickers []okx.Ticker),
	intervalSec int,
) *Poller {
	return &Poller{
		interval: ClampInterval(intervalSec),
		fetcher:  fetcher,
		strm:     strm,
		wl:       wl,
		cat:      cat,
		kv:       kv,
		bus:      bus,
		apply:    apply,
		breaker:  infra.NewCircuitBreaker("okx-rest", 3, 2*time.Minute),
		kick:     make(chan struct{}, 1),
	}
}

// Interval returns the current polling period.
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// SetInterval rearms the timer with a clamped interval, persists the
// choice, and triggers an immediate tick so the change is visible without
// waiting a full period.
func (p *Poller) SetInterval(ctx context.Context, sec int) error {
	next := ClampInterval(sec)

	p.mu.Lock()
	p.interval = next
	p.mu.Unlock()

	if err := storage.SaveRefreshInterval(ctx, p.kv, int(next/time.Second)); err != nil {
		return err
	}

	select {
	case p.kick <- struct{}{}:
	default:
	}
	return nil
}

// Run executes the polling loop until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	timer := time.NewTimer(p.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-p.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		p.tick(ctx)
		timer.Reset(p.Interval())
	}
}

// tick runs one polling round.
func (p *Poller) tick(ctx context.Context) {
	if prices := p.cat.Prices(); len(prices) > 0 {
		if err := storage.SavePriceCache(ctx, p.kv, prices); err != nil {
			slog.Warn("Failed to persist price cache", "err", err)
			if p.bus != nil {
				p.bus.PublishError("failed to persist price cache: " + err.Error())
			}
		}
	}

	// The stream owns its own retry schedule; the poller only nudges it
	// when it is fully down. A terminal failed state stays terminal until
	// the user asks for a reconnect.
	if p.strm != nil && p.strm.State() == stream.Disconnected {
		slog.Info("Stream down, requesting reconnect from polling tick")
		p.strm.Connect(ctx)
	}

	p.fetch(ctx)
}

// fetch issues one bulk ticker request per distinct instrument type on the
// watchlist and applies the results for watchlisted instruments.
func (p *Poller) fetch(ctx context.Context) {
	wanted := make(map[string]struct{})
	for _, id := range p.wl.IDs() {
		wanted[id] = struct{}{}
	}
	if len(wanted) == 0 {
		return
	}

	for _, instType := range p.wl.Types() {
		if !p.breaker.Allow() {
			slog.Warn("REST circuit open, skipping poll", "instType", instType)
			continue
		}

		tickers, err := p.fetcher.Tickers(ctx, instType)
		if err != nil {
			p.breaker.RecordFailure()
			slog.Warn("Poll fetch failed", "instType", instType, "err", err)
			continue
		}
		p.breaker.RecordSuccess()

		kept := tickers[:0]
		for _, tk := range tickers {
			if _, ok := wanted[tk.InstID]; ok {
				kept = append(kept, tk)
			}
		}
		if len(kept) > 0 {
			p.apply(ctx, kept)
		}
	}
}
