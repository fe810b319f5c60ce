package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinbar/internal/catalog"
	"coinbar/internal/domain"
	"coinbar/internal/event"
	"coinbar/internal/infra"
	"coinbar/internal/infra/okx"
)

type fakeSubs map[string]bool

func (f fakeSubs) IsSubscribed(id string) bool { return f[id] }

type fixture struct {
	rec    *Reconciler
	cat    *catalog.Catalog
	bus    *event.Bus
	events <-chan event.Event
	cancel context.CancelFunc
}

func newFixture(t *testing.T, cfg Config, subs fakeSubs, ids ...string) *fixture {
	t.Helper()

	cat := catalog.New()
	for _, id := range ids {
		cat.Ensure(domain.NewInstrument(id))
	}

	bus := event.NewBus()
	rec := New(cfg, cat, subs, bus)

	ctx, cancel := context.WithCancel(context.Background())
	go rec.Run(ctx)
	t.Cleanup(cancel)

	return &fixture{rec: rec, cat: cat, bus: bus, events: bus.Subscribe(64), cancel: cancel}
}

func frame(id, last string) []byte {
	return []byte(fmt.Sprintf(`{"arg":{"channel":"tickers","instId":"%s"},"data":[{"instId":"%s","last":"%s","high24h":"31000","low24h":"29000","sodUtc0":"29500"}]}`, id, id, last))
}

func (f *fixture) waitPrice(t *testing.T, id string, want float64) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, ok := f.cat.State(id)
		return ok && st.CurrentPrice == want
	}, 2*time.Second, 5*time.Millisecond, "price for %s never reached %v", id, want)
}

func (f *fixture) nextEvent(t *testing.T, typ event.Type) event.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-f.events:
			if ev.GetType() == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no event of type %d", typ)
		}
	}
}

func TestReconciler_AppliesFrame(t *testing.T) {
	f := newFixture(t, DefaultConfig(), fakeSubs{"BTC-USDT": true}, "BTC-USDT")

	f.rec.HandleFrame(frame("BTC-USDT", "30000"))
	f.waitPrice(t, "BTC-USDT", 30000)

	st, _ := f.cat.State("BTC-USDT")
	assert.Equal(t, 31000.0, st.High24h)
	assert.Equal(t, 29000.0, st.Low24h)
	assert.Equal(t, 29500.0, st.OpenUtc0)

	ev := f.nextEvent(t, event.EvPricesUpdated).(event.PricesUpdatedEvent)
	assert.Contains(t, ev.InstIDs, "BTC-USDT")
}

func TestReconciler_SubscriptionFilter(t *testing.T) {
	f := newFixture(t, DefaultConfig(), fakeSubs{}, "BTC-USDT")

	f.rec.HandleFrame(frame("BTC-USDT", "30000"))
	time.Sleep(100 * time.Millisecond)

	st, _ := f.cat.State("BTC-USDT")
	assert.Zero(t, st.CurrentPrice, "unsubscribed instrument must be ignored")
}

func TestReconciler_ThrottleRoundRobin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ThrottleEvery = 3
	f := newFixture(t, cfg, fakeSubs{"BTC-USDT": true}, "BTC-USDT")

	// Frames 1 and 4 (counter 0 and 3) are processed; the rest dropped.
	for _, price := range []string{"100", "101", "102", "103", "104", "105"} {
		f.rec.HandleFrame(frame("BTC-USDT", price))
	}

	f.waitPrice(t, "BTC-USDT", 103)
	time.Sleep(50 * time.Millisecond)

	st, _ := f.cat.State("BTC-USDT")
	assert.Equal(t, 103.0, st.CurrentPrice)
	assert.Equal(t, 100.0, st.PreviousPrice)
}

func TestReconciler_DisplayedBypassesThrottle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ThrottleEvery = 3
	f := newFixture(t, cfg, fakeSubs{"ETH-USDT": true}, "ETH-USDT")
	f.rec.SetDisplayed("ETH-USDT")

	// Every frame carries the displayed instrument: all are processed.
	for _, price := range []string{"100", "101", "102", "103"} {
		f.rec.HandleFrame(frame("ETH-USDT", price))
	}

	f.waitPrice(t, "ETH-USDT", 103)
	st, _ := f.cat.State("ETH-USDT")
	assert.Equal(t, 102.0, st.PreviousPrice, "no displayed frame may be dropped")
}

func TestReconciler_DisplayedSignalsImmediately(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CoalesceWindow = 10 * time.Second // immediate emit must not wait for this
	f := newFixture(t, cfg, fakeSubs{"BTC-USDT": true}, "BTC-USDT")
	f.rec.SetDisplayed("BTC-USDT")

	f.rec.HandleFrame(frame("BTC-USDT", "30000"))

	start := time.Now()
	ev := f.nextEvent(t, event.EvPricesUpdated).(event.PricesUpdatedEvent)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []string{"BTC-USDT"}, ev.InstIDs)
}

func TestReconciler_EpsilonFilterNoEventStorm(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ThrottleEvery = 1
	cfg.CoalesceWindow = 20 * time.Millisecond
	f := newFixture(t, cfg, fakeSubs{"BTC-USDT": true}, "BTC-USDT")

	f.rec.HandleFrame(frame("BTC-USDT", "30000"))
	f.waitPrice(t, "BTC-USDT", 30000)
	f.nextEvent(t, event.EvPricesUpdated)

	// Identical price: rejected, no further event.
	f.rec.HandleFrame(frame("BTC-USDT", "30000"))
	select {
	case ev := <-f.events:
		t.Errorf("unexpected event %+v for rejected tick", ev)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestReconciler_SignificantChange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ThrottleEvery = 1
	cfg.ChangeThresholdPct = 1
	cfg.ChangeCalcMode = domain.CalcUtc0
	f := newFixture(t, cfg, fakeSubs{"BTC-USDT": true}, "BTC-USDT")

	f.rec.HandleFrame(frame("BTC-USDT", "29500")) // at the UTC0 open: 0%
	f.waitPrice(t, "BTC-USDT", 29500)

	f.rec.HandleFrame(frame("BTC-USDT", "30090")) // +2% vs open 29500

	ev := f.nextEvent(t, event.EvSignificantChange).(event.SignificantChangeEvent)
	assert.Equal(t, "BTC-USDT", ev.InstID)
	assert.Equal(t, 29500.0, ev.OldPrice)
	assert.Equal(t, 30090.0, ev.NewPrice)
	assert.InDelta(t, 2.0, ev.Percent, 0.01)
}

func TestReconciler_NotificationsDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ThrottleEvery = 1
	cfg.ChangeThresholdPct = 0.1
	cfg.NotificationsEnabled = false
	f := newFixture(t, cfg, fakeSubs{"BTC-USDT": true}, "BTC-USDT")

	f.rec.HandleFrame(frame("BTC-USDT", "100"))
	f.waitPrice(t, "BTC-USDT", 100)
	f.rec.HandleFrame(frame("BTC-USDT", "200"))
	f.waitPrice(t, "BTC-USDT", 200)

	deadline := time.After(150 * time.Millisecond)
	for {
		select {
		case ev := <-f.events:
			if ev.GetType() == event.EvSignificantChange {
				t.Fatal("significant change emitted with notifications disabled")
			}
		case <-deadline:
			return
		}
	}
}

func TestReconciler_NotificationRateCapped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ThrottleEvery = 1
	cfg.ChangeThresholdPct = 1
	cfg.ChangeCalcMode = domain.CalcUtc0
	f := newFixture(t, cfg, fakeSubs{"BTC-USDT": true}, "BTC-USDT")
	f.rec.notifyLimiter = infra.NewRateLimiter(2, 0.001)

	// First frame seeds (no old price); the next four all cross the
	// threshold, but only the limiter's burst goes out.
	for _, p := range []string{"100", "110", "121", "133", "146"} {
		f.rec.HandleFrame(frame("BTC-USDT", p))
	}
	f.waitPrice(t, "BTC-USDT", 146)
	time.Sleep(50 * time.Millisecond)

	count := 0
	for {
		select {
		case ev := <-f.events:
			if ev.GetType() == event.EvSignificantChange {
				count++
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 2, count)
}

func TestReconciler_PollBypassesThrottleAndSubscriptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ThrottleEvery = 1000 // stream frames would effectively never pass
	f := newFixture(t, cfg, fakeSubs{}, "BTC-USDT")

	f.rec.ApplyPoll(context.Background(), []okx.Ticker{
		{InstID: "BTC-USDT", Last: "28000"},
		{InstID: "GHOST-USDT", Last: "1"}, // not in catalog: dropped
	})

	f.waitPrice(t, "BTC-USDT", 28000)
}

func TestReconciler_CoalescedEventListsAllDirty(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ThrottleEvery = 1
	cfg.CoalesceWindow = 50 * time.Millisecond
	f := newFixture(t, cfg, fakeSubs{"BTC-USDT": true, "ETH-USDT": true}, "BTC-USDT", "ETH-USDT")

	f.rec.HandleFrame(frame("BTC-USDT", "30000"))
	f.rec.HandleFrame(frame("ETH-USDT", "2000"))

	ev := f.nextEvent(t, event.EvPricesUpdated).(event.PricesUpdatedEvent)
	assert.Equal(t, []string{"BTC-USDT", "ETH-USDT"}, ev.InstIDs)
}

func TestReconciler_MalformedFrameDropped(t *testing.T) {
	f := newFixture(t, DefaultConfig(), fakeSubs{"BTC-USDT": true}, "BTC-USDT")

	f.rec.HandleFrame([]byte(`{"data":`))
	f.rec.HandleFrame(frame("BTC-USDT", "30000"))

	// Processing continues after the bad frame.
	f.waitPrice(t, "BTC-USDT", 30000)
}
