package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"coinbar/internal/infra"
	"coinbar/internal/infra/okx"
	"coinbar/internal/stream"
)

// Manual probe against the live stream: subscribes a few instruments and
// prints every ticker frame plus the REST snapshot.
func main() {
	var (
		instIDs  = flag.String("inst", "BTC-USDT,ETH-USDT", "comma-separated instrument ids")
		duration = flag.Duration("for", 30*time.Second, "how long to listen")
	)
	flag.Parse()

	cfg := infra.DefaultConfig()
	ids := strings.Split(*instIDs, ",")

	fmt.Println("=== coinbar stream probe ===")

	rest := okx.NewClient(cfg.API.OKX.RestURL)
	for _, id := range ids {
		tk, err := rest.Ticker(context.Background(), id)
		if err != nil {
			fmt.Printf("❌ REST %s: %v\n", id, err)
			continue
		}
		fmt.Printf("📊 REST %s  last=%s  24h=%.2f%%\n", id, tk.Last, tk.ChangePercent24h())
	}
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var mgr *stream.Manager
	conn := stream.NewConn(cfg.API.OKX.WSURL, stream.Callbacks{
		OnReady: func() { mgr.RestoreAll() },
		OnMessage: func(msg []byte) {
			tickers, err := okx.ParseTickerFrame(msg)
			if err != nil {
				slog.Warn("Bad frame", slog.Any("error", err))
				return
			}
			for _, tk := range tickers {
				fmt.Printf("💹 %s  last=%s  high=%s  low=%s\n", tk.InstID, tk.Last, tk.High24h, tk.Low24h)
			}
		},
		OnStateChange: func(st stream.State, retries int) {
			fmt.Printf("🔌 %s (retries=%d)\n", st, retries)
		},
	})

	mgr = stream.NewManager(conn, func() []string { return ids })

	conn.Connect(ctx)

	select {
	case <-ctx.Done():
	case <-time.After(*duration):
	}

	conn.Disconnect()
	fmt.Println("✅ probe complete")
}
