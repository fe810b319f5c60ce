package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"coinbar/internal/app"
	"coinbar/internal/event"
	"coinbar/internal/infra"
)

// Headless runner: drives the full price engine and logs the events a
// menu-bar shell would render.
func main() {
	cfgPath := infra.ResolveConfigPath()
	cfg, err := infra.LoadConfig(cfgPath)
	if err != nil {
		slog.Error("❌ Invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer a.Close()

	// UI stand-in: render engine events as log lines.
	events := a.Bus.Subscribe(128)
	go func() {
		for ev := range events {
			switch e := ev.(type) {
			case event.PricesUpdatedEvent:
				for _, id := range e.InstIDs {
					if st, ok := a.Catalog.State(id); ok {
						slog.Info("💹 Price",
							slog.String("instId", id),
							slog.Float64("last", st.CurrentPrice),
							slog.String("dir", st.Direction().String()),
							slog.Float64("pct24h", st.ChangePercent24h))
					}
				}
			case event.SignificantChangeEvent:
				slog.Warn("📣 Significant move",
					slog.String("instId", e.InstID),
					slog.Float64("from", e.OldPrice),
					slog.Float64("to", e.NewPrice),
					slog.Float64("pct", e.Percent))
			case event.ConnectionStatusEvent:
				slog.Info("🔌 Connection",
					slog.String("state", e.State),
					slog.Int("retries", e.Retries))
			case event.ErrorEvent:
				slog.Error("⚠️ Engine error", slog.String("message", e.Message))
			}
		}
	}()

	slog.Info("🚀 coinbar engine started",
		slog.String("ws", cfg.API.OKX.WSURL),
		slog.Any("watchlist", a.Watchlist.IDs()))

	if err := a.Run(ctx); err != nil {
		slog.Error("Engine stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("👋 Shutdown complete")
}
