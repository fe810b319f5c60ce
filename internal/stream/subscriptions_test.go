package stream

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinbar/internal/infra/okx"
)

// fakeWire records wire messages instead of sending them.
type fakeWire struct {
	mu      sync.Mutex
	state   State
	sent    []okx.WSRequest
	sendErr error
}

func (w *fakeWire) Send(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sendErr != nil {
		return w.sendErr
	}
	var req okx.WSRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	w.sent = append(w.sent, req)
	return nil
}

func (w *fakeWire) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *fakeWire) requests() []okx.WSRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]okx.WSRequest(nil), w.sent...)
}

func (w *fakeWire) requestsFor(op string) []string {
	var ids []string
	for _, req := range w.requests() {
		if req.Op == op {
			for _, arg := range req.Args {
				ids = append(ids, arg.InstID)
			}
		}
	}
	return ids
}

func newTestManager(wire *fakeWire, watch func() []string) *Manager {
	m := NewManager(wire, watch)
	// Collapse pacing so tests run fast.
	m.limiter = nil
	return m
}

func TestManager_SubscribeIdempotent(t *testing.T) {
	wire := &fakeWire{state: Connected}
	m := newTestManager(wire, func() []string { return []string{"BTC-USDT"} })

	require.NoError(t, m.Subscribe("BTC-USDT"))
	require.NoError(t, m.Subscribe("BTC-USDT"))

	assert.Len(t, wire.requestsFor(okx.OpSubscribe), 1, "double subscribe must send one wire request")
	assert.True(t, m.IsSubscribed("BTC-USDT"))
}

func TestManager_SubscribeRollbackOnSendFailure(t *testing.T) {
	wire := &fakeWire{state: Connected, sendErr: errors.New("broken pipe")}
	m := newTestManager(wire, func() []string { return []string{"BTC-USDT"} })

	err := m.Subscribe("BTC-USDT")
	require.Error(t, err)
	assert.False(t, m.IsSubscribed("BTC-USDT"), "optimistic insert must roll back")
}

func TestManager_SubscribeOfflineRecordsLocally(t *testing.T) {
	wire := &fakeWire{state: Disconnected}
	m := newTestManager(wire, func() []string { return []string{"BTC-USDT"} })

	require.NoError(t, m.Subscribe("BTC-USDT"))
	assert.Empty(t, wire.requests(), "no wire traffic while disconnected")
	assert.True(t, m.IsSubscribed("BTC-USDT"))
}

func TestManager_UnsubscribeGuards(t *testing.T) {
	wire := &fakeWire{state: Connected}
	watch := []string{"BTC-USDT"}
	m := newTestManager(wire, func() []string { return watch })

	require.NoError(t, m.Subscribe("BTC-USDT"))

	// Still favorited: must be a no-op.
	require.NoError(t, m.Unsubscribe("BTC-USDT"))
	assert.True(t, m.IsSubscribed("BTC-USDT"))
	assert.Empty(t, wire.requestsFor(okx.OpUnsubscribe))

	// Not subscribed: also a no-op.
	require.NoError(t, m.Unsubscribe("ETH-USDT"))
	assert.Empty(t, wire.requestsFor(okx.OpUnsubscribe))

	// Removed from the watchlist: now it goes out.
	watch = nil
	require.NoError(t, m.Unsubscribe("BTC-USDT"))
	assert.Equal(t, []string{"BTC-USDT"}, wire.requestsFor(okx.OpUnsubscribe))
	assert.False(t, m.IsSubscribed("BTC-USDT"))
}

func TestManager_ReconcileConverges(t *testing.T) {
	wire := &fakeWire{state: Connected}
	watch := []string{"BTC-USDT", "ETH-USDT"}
	m := newTestManager(wire, func() []string { return watch })

	m.Subscribe("SOL-USDT") // stale leftover

	m.Reconcile(watch, Connected)

	assert.ElementsMatch(t, []string{"BTC-USDT", "ETH-USDT"}, m.Subscribed())
	assert.Equal(t, []string{"SOL-USDT"}, wire.requestsFor(okx.OpUnsubscribe))
}

func TestManager_ReconcileBatching(t *testing.T) {
	wire := &fakeWire{state: Connected}
	watch := []string{"A-USDT", "B-USDT", "C-USDT", "D-USDT", "E-USDT", "F-USDT", "G-USDT", "H-USDT"}
	m := newTestManager(wire, func() []string { return watch })
	m.BatchDelay = 50 * time.Millisecond

	m.Reconcile(watch, Connected)

	immediate := wire.requestsFor(okx.OpSubscribe)
	assert.Len(t, immediate, 5, "first batch goes out immediately")

	require.Eventually(t, func() bool {
		return len(wire.requestsFor(okx.OpSubscribe)) == 8
	}, time.Second, 10*time.Millisecond, "remainder follows after the batch delay")

	assert.ElementsMatch(t, watch, m.Subscribed())
}

func TestManager_EmptyWatchlistTearsDownImmediately(t *testing.T) {
	wire := &fakeWire{state: Connected}
	var watch []string
	m := newTestManager(wire, func() []string { return watch })

	watch = []string{"BTC-USDT", "ETH-USDT"}
	m.Reconcile(watch, Connected)
	require.ElementsMatch(t, watch, m.Subscribed())

	watch = nil
	m.Reconcile(nil, Connected)

	assert.Empty(t, m.Subscribed())
	assert.ElementsMatch(t, []string{"BTC-USDT", "ETH-USDT"}, wire.requestsFor(okx.OpUnsubscribe))
}

func TestManager_RestoreAllResubscribesFullWatchlist(t *testing.T) {
	wire := &fakeWire{state: Connected}
	watch := []string{"BTC-USDT", "ETH-USDT"}
	m := newTestManager(wire, func() []string { return watch })

	// Pretend these survived from the previous session.
	m.Subscribe("BTC-USDT")
	wire.mu.Lock()
	wire.sent = nil
	wire.mu.Unlock()

	m.RestoreAll()

	assert.ElementsMatch(t, watch, wire.requestsFor(okx.OpSubscribe),
		"restore must resubscribe everything, not deltas")
}
