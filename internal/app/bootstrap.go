package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"coinbar/internal/catalog"
	"coinbar/internal/domain"
	"coinbar/internal/engine"
	"coinbar/internal/event"
	"coinbar/internal/infra"
	"coinbar/internal/infra/okx"
	"coinbar/internal/poll"
	"coinbar/internal/storage"
	"coinbar/internal/stream"
	"coinbar/internal/watchlist"
)

// App wires the engine components together: storage, catalog, stream,
// subscriptions, reconciler, polling fallback and the exchange-rate
// client. The menu-bar shell consumes it through Bus and the exported
// operations.
type App struct {
	Config    *infra.Config
	Bus       *event.Bus
	Catalog   *catalog.Catalog
	Watchlist *watchlist.Store
	Conn      *stream.Conn
	Subs      *stream.Manager
	Engine    *engine.Reconciler
	Poller    *poll.Poller
	Rates     *okx.RateClient

	store      *storage.Store
	unlock     func()
	cachedRate string
}

// New builds the full component graph and restores persisted state. The
// returned App is ready for Run.
func New(ctx context.Context, cfg *infra.Config) (*App, error) {
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	workDir := infra.GetWorkspaceDir()
	if err := infra.EnsureDir(workDir); err != nil {
		return nil, fmt.Errorf("failed to prepare workspace %s: %w", workDir, err)
	}
	unlock, err := infra.CreateLockFile(workDir)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewStore(filepath.Join(workDir, "coinbar.db"))
	if err != nil {
		unlock()
		return nil, err
	}

	a := &App{
		Config:  cfg,
		Bus:     event.NewBus(),
		Catalog: catalog.New(),
		store:   store,
		unlock:  unlock,
	}

	a.Watchlist = watchlist.NewStore(store, a.Catalog, a.Bus)

	// The connection callbacks reference components built after the
	// connection itself; they only fire once Run connects.
	a.Conn = stream.NewConn(cfg.API.OKX.WSURL, stream.Callbacks{
		OnMessage: func(msg []byte) { a.Engine.HandleFrame(msg) },
		OnReady:   func() { a.Subs.RestoreAll() },
		OnStateChange: func(st stream.State, retries int) {
			a.Bus.Publish(event.ConnectionStatusEvent{
				BaseEvent: event.BaseEvent{Ts: time.Now()},
				State:     st.String(),
				Retries:   retries,
			})
			switch st {
			case stream.Disconnected:
				// A fresh connection has no server-side memory; drop
				// the local subscription view so readiness resubscribes
				// everything.
				a.Subs.Clear()
			case stream.Failed:
				a.Bus.PublishError("stream connection failed permanently, use reconnect to retry")
			}
		},
	})
	a.Conn.PingInterval = time.Duration(cfg.Stream.PingIntervalSec) * time.Second
	a.Conn.ReadTimeout = time.Duration(cfg.Stream.ReadTimeoutSec) * time.Second

	a.Subs = stream.NewManager(a.Conn, a.Watchlist.IDs)
	a.Watchlist.SetSubscriber(a.Subs)

	engCfg := engine.Config{
		ThrottleEvery:        cfg.Engine.ThrottleEvery,
		CoalesceWindow:       time.Duration(cfg.Engine.CoalesceWindowMS) * time.Millisecond,
		ChangeThresholdPct:   cfg.Engine.ChangeThresholdPct,
		ChangeCalcMode:       domain.ChangeCalcMode(cfg.Engine.ChangeCalcMode),
		NotificationsEnabled: cfg.Engine.NotificationsEnabled,
	}
	a.Engine = engine.New(engCfg, a.Catalog, a.Subs, a.Bus)

	rest := okx.NewClient(cfg.API.OKX.RestURL)
	a.Rates = okx.NewRateClient(rest, func(rate decimal.Decimal) {
		saveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := storage.SaveExchangeRate(saveCtx, store, rate.String()); err != nil {
			slog.Warn("Failed to persist exchange rate", "err", err)
		}
	})

	intervalSec, err := a.restore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Poller = poll.New(rest, a.Conn, a.Watchlist, a.Catalog, store, a.Bus, a.Engine.ApplyPoll, intervalSec)

	return a, nil
}

// restore loads persisted state: the watchlist, the cached prices for
// instant display, the displayed instrument and the polling interval.
// Returns the effective polling interval in seconds.
func (a *App) restore(ctx context.Context) (int, error) {
	if err := a.Watchlist.Load(ctx); err != nil {
		return 0, err
	}

	prices, err := storage.LoadPriceCache(ctx, a.store)
	if err != nil {
		slog.Warn("Price cache unreadable, starting cold", "err", err)
	}
	for id, price := range prices {
		a.Catalog.SeedPrice(id, price)
	}

	displayed, err := storage.LoadSelectedInstrument(ctx, a.store)
	if err != nil {
		return 0, err
	}
	if displayed == "" || !a.Watchlist.Contains(displayed) {
		if ids := a.Watchlist.IDs(); len(ids) > 0 {
			displayed = ids[0]
		}
	}
	a.Engine.SetDisplayed(displayed)

	if rate, err := storage.LoadExchangeRate(ctx, a.store); err == nil {
		a.cachedRate = rate
	}

	intervalSec, err := storage.LoadRefreshInterval(ctx, a.store)
	if err != nil {
		return 0, err
	}
	if intervalSec == 0 {
		intervalSec = a.Config.Polling.IntervalSec
	}
	return intervalSec, nil
}

// Run connects the stream and drives the update and polling loops until
// ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if err := a.Rates.Start(ctx); err != nil {
		slog.Warn("Exchange rate client failed to start", "err", err)
	}

	a.Conn.Connect(ctx)

	g.Go(func() error {
		a.Engine.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.Poller.Run(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.Conn.Disconnect()
		a.Rates.Stop()
		return ctx.Err()
	})

	err := g.Wait()

	// Best-effort final cache write so a restart shows prices instantly.
	saveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if prices := a.Catalog.Prices(); len(prices) > 0 {
		if serr := storage.SavePriceCache(saveCtx, a.store, prices); serr != nil {
			slog.Warn("Failed to save price cache on shutdown", "err", serr)
		}
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// SelectInstrument changes the menu-bar instrument and persists the
// choice.
func (a *App) SelectInstrument(ctx context.Context, instID string) error {
	if !a.Watchlist.Contains(instID) {
		return fmt.Errorf("instrument %s is not on the watchlist", instID)
	}
	a.Engine.SetDisplayed(instID)
	return storage.SaveSelectedInstrument(ctx, a.store, instID)
}

// Reconnect forces a fresh connection attempt, clearing a terminal
// failed state.
func (a *App) Reconnect(ctx context.Context) {
	a.Conn.Reconnect(ctx)
}

// ExchangeRate returns the live USD/CNY rate, falling back to the
// persisted one when no fetch has succeeded yet.
func (a *App) ExchangeRate() string {
	if rate := a.Rates.Rate(); !rate.IsZero() {
		return rate.String()
	}
	return a.cachedRate
}

// Close releases the storage handle and the workspace lock.
func (a *App) Close() {
	a.Bus.Close()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("Failed to close storage", "err", err)
		}
	}
	if a.unlock != nil {
		a.unlock()
	}
}
