package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"coinbar/internal/catalog"
	"coinbar/internal/domain"
	"coinbar/internal/event"
	"coinbar/internal/infra"
	"coinbar/internal/infra/okx"
)

// SubscriptionView is the read surface the reconciler needs from the
// subscription manager.
type SubscriptionView interface {
	IsSubscribed(id string) bool
}

// Config tunes the reconciler.
type Config struct {
	// ThrottleEvery: one of every N data frames is fully processed;
	// frames carrying the displayed instrument always are.
	ThrottleEvery int
	// CoalesceWindow bounds the "prices updated" signal rate.
	CoalesceWindow time.Duration
	// ChangeThresholdPct is the significant-change notification bar.
	ChangeThresholdPct   float64
	ChangeCalcMode       domain.ChangeCalcMode
	NotificationsEnabled bool
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		ThrottleEvery:        3,
		CoalesceWindow:       100 * time.Millisecond,
		ChangeThresholdPct:   5,
		ChangeCalcMode:       domain.Calc24h,
		NotificationsEnabled: true,
	}
}

type inboundMsg struct {
	frame    []byte
	tickers  []okx.Ticker
	fromPoll bool
}

// Reconciler is the single-writer update loop: every mutation of market
// state flows through Run's goroutine, in receipt order. Stream frames
// and poll results share the same acceptance path, so the two sources
// can never disagree on semantics.
type Reconciler struct {
	cfg     Config
	catalog *catalog.Catalog
	subs    SubscriptionView
	bus     *event.Bus

	inbox   chan inboundMsg
	counter uint64

	// notifyLimiter drops, never delays, excess significant-change
	// notifications.
	notifyLimiter *infra.RateLimiter

	mu        sync.RWMutex
	displayed string

	dirty map[string]struct{}
}

// New creates a reconciler. Run must be started for updates to apply.
func New(cfg Config, cat *catalog.Catalog, subs SubscriptionView, bus *event.Bus) *Reconciler {
	if cfg.ThrottleEvery < 1 {
		cfg.ThrottleEvery = 1
	}
	return &Reconciler{
		cfg:           cfg,
		catalog:       cat,
		subs:          subs,
		bus:           bus,
		inbox:         make(chan inboundMsg, 256),
		notifyLimiter: infra.NewNotifyLimiter(),
		dirty:         make(map[string]struct{}),
	}
}

// HandleFrame enqueues a raw stream frame. Never blocks: when the inbox
// is full the frame is dropped, which only ever loses pre-acceptance
// ticks. Safe to call from the receive goroutine.
func (r *Reconciler) HandleFrame(msg []byte) {
	select {
	case r.inbox <- inboundMsg{frame: msg}:
	default:
	}
}

// ApplyPoll enqueues REST poll results. Poll data is the correctness
// backstop, so this blocks rather than drops.
func (r *Reconciler) ApplyPoll(ctx context.Context, tickers []okx.Ticker) {
	select {
	case r.inbox <- inboundMsg{tickers: tickers, fromPoll: true}:
	case <-ctx.Done():
	}
}

// SetDisplayed marks the instrument currently shown in the menu bar.
// Its updates bypass both the frame throttle and signal coalescing.
func (r *Reconciler) SetDisplayed(id string) {
	r.mu.Lock()
	r.displayed = id
	r.mu.Unlock()
}

// Displayed returns the currently displayed instrument id.
func (r *Reconciler) Displayed() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.displayed
}

// Run starts the update loop. Must run in exactly one goroutine.
func (r *Reconciler) Run(ctx context.Context) {
	flushTimer := time.NewTimer(r.cfg.CoalesceWindow)
	if !flushTimer.Stop() {
		<-flushTimer.C
	}
	armed := false

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-r.inbox:
			if r.process(m) && !armed && len(r.dirty) > 0 {
				flushTimer.Reset(r.cfg.CoalesceWindow)
				armed = true
			}
		case <-flushTimer.C:
			armed = false
			r.flush()
		}
	}
}

// process applies one inbound message and reports whether any instrument
// was marked dirty.
func (r *Reconciler) process(m inboundMsg) bool {
	tickers := m.tickers

	if m.frame != nil {
		var err error
		tickers, err = okx.ParseTickerFrame(m.frame)
		if err != nil {
			slog.Warn("Dropping bad frame", "err", err)
			return false
		}
		if len(tickers) == 0 {
			return false
		}

		if !r.shouldProcess(tickers) {
			return false
		}
	}

	displayed := r.Displayed()
	changed := false

	for _, tk := range tickers {
		if tk.InstID == "" {
			continue
		}
		// Stream entries for instruments we no longer subscribe are
		// stale or duplicated; drop them. Poll results only need a
		// catalog entry.
		if !m.fromPoll && !r.subs.IsSubscribed(tk.InstID) {
			continue
		}

		if r.applyTicker(tk, displayed) {
			changed = true
		}
	}
	return changed
}

// shouldProcess implements the frame throttle: a deterministic
// round-robin over data frames (every ThrottleEvery-th is processed),
// with an unconditional pass for frames carrying the displayed
// instrument. Round-robin rather than random drop so no background
// instrument can starve indefinitely.
func (r *Reconciler) shouldProcess(tickers []okx.Ticker) bool {
	idx := r.counter
	r.counter++

	if idx%uint64(r.cfg.ThrottleEvery) == 0 {
		return true
	}

	displayed := r.Displayed()
	if displayed == "" {
		return false
	}
	for _, tk := range tickers {
		if tk.InstID == displayed {
			return true
		}
	}
	return false
}

// applyTicker applies one ticker entry through the acceptance rule and
// emits the change signals. Returns true when the update was accepted
// for a non-displayed instrument (i.e. needs a coalesced flush).
func (r *Reconciler) applyTicker(tk okx.Ticker, displayed string) bool {
	last := tk.LastPrice()
	now := time.Now()

	var oldPrice, newPrice, pct float64
	accepted := r.catalog.Update(tk.InstID, func(st *domain.MarketState) bool {
		oldPrice = st.CurrentPrice
		if !st.ApplyPrice(last, now) {
			return false
		}

		if h := tk.HighPrice(); h > 0 {
			st.High24h = h
		}
		if l := tk.LowPrice(); l > 0 {
			st.Low24h = l
		}
		if o := tk.OpenPriceUtc0(); o > 0 {
			st.OpenUtc0 = o
		}
		if o := tk.OpenPriceUtc8(); o > 0 {
			st.OpenUtc8 = o
		}
		st.ChangePercent24h = tk.ChangePercent24h()

		newPrice = st.CurrentPrice
		pct = st.ChangePercent(r.cfg.ChangeCalcMode)
		return true
	})
	if !accepted {
		return false
	}

	// One significant-change check per accepted update, never batched.
	// A fresh entry (no prior price) has no meaningful "old" to report,
	// and the notify limiter keeps a volatile market from spamming.
	if r.cfg.NotificationsEnabled && oldPrice > 0 &&
		abs(pct) >= r.cfg.ChangeThresholdPct && r.notifyLimiter.TryAcquire() {
		r.bus.Publish(event.SignificantChangeEvent{
			BaseEvent: event.BaseEvent{Ts: now},
			InstID:    tk.InstID,
			OldPrice:  oldPrice,
			NewPrice:  newPrice,
			Percent:   pct,
		})
	}

	if tk.InstID == displayed {
		// The displayed instrument signals immediately.
		r.bus.Publish(event.PricesUpdatedEvent{
			BaseEvent: event.BaseEvent{Ts: now},
			InstIDs:   []string{tk.InstID},
		})
		return false
	}

	r.dirty[tk.InstID] = struct{}{}
	return true
}

func (r *Reconciler) flush() {
	if len(r.dirty) == 0 {
		return
	}

	ids := make([]string, 0, len(r.dirty))
	for id := range r.dirty {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	r.dirty = make(map[string]struct{})

	r.bus.Publish(event.PricesUpdatedEvent{
		BaseEvent: event.BaseEvent{Ts: time.Now()},
		InstIDs:   ids,
	})
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
