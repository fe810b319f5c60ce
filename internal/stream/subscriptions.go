package stream

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"coinbar/internal/infra"
	"coinbar/internal/infra/okx"
)

// Wire is the transport surface the subscription manager needs.
type Wire interface {
	Send(data []byte) error
	State() State
}

// Manager owns the SubscriptionSet: the instruments believed subscribed
// on the live stream. It reconciles that set against the watchlist,
// batching subscribe requests and spacing them so the transport is never
// flooded. Once reconciliation settles the set is always a subset of the
// watchlist.
type Manager struct {
	mu      sync.Mutex
	wire    Wire
	subs    map[string]struct{}
	pending map[string]struct{}

	limiter   *infra.RateLimiter
	watchlist func() []string // live favorited ids, for the unsubscribe guard

	// BatchSize subscribes go out immediately; the remainder after
	// BatchDelay.
	BatchSize  int
	BatchDelay time.Duration
}

// NewManager creates a subscription manager. watchlist must return the
// current favorited ids; it is consulted on every unsubscribe.
func NewManager(wire Wire, watchlist func() []string) *Manager {
	return &Manager{
		wire:       wire,
		subs:       make(map[string]struct{}),
		pending:    make(map[string]struct{}),
		limiter:    infra.NewSubscribeLimiter(),
		watchlist:  watchlist,
		BatchSize:  5,
		BatchDelay: 2 * time.Second,
	}
}

// IsSubscribed reports whether id is in the subscription set.
func (m *Manager) IsSubscribed(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[id]
	return ok
}

// Subscribed returns a snapshot of the subscription set.
func (m *Manager) Subscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subs))
	for id := range m.subs {
		out = append(out, id)
	}
	return out
}

// Subscribe adds id to the subscription set and, when connected, issues
// the wire request. Idempotent: re-subscribing is a no-op. A failed send
// rolls the optimistic insertion back.
func (m *Manager) Subscribe(id string) error {
	m.mu.Lock()
	if _, ok := m.subs[id]; ok {
		m.mu.Unlock()
		return nil
	}
	if _, ok := m.pending[id]; ok {
		m.mu.Unlock()
		return nil
	}

	if m.wire.State() != Connected {
		// Recorded locally; the restore on the next connect covers it.
		m.subs[id] = struct{}{}
		m.mu.Unlock()
		return nil
	}

	m.subs[id] = struct{}{}
	m.pending[id] = struct{}{}
	m.mu.Unlock()

	if m.limiter != nil {
		m.limiter.Wait()
	}
	err := m.send(okx.OpSubscribe, id)

	m.mu.Lock()
	delete(m.pending, id)
	if err != nil {
		delete(m.subs, id)
	}
	m.mu.Unlock()

	if err != nil {
		slog.Warn("Subscribe failed", "inst_id", id, "err", err)
	}
	return err
}

// Unsubscribe removes id from the subscription set. No-op when the
// instrument is still favorited (never unsubscribe something on the
// watchlist) or not currently subscribed.
func (m *Manager) Unsubscribe(id string) error {
	for _, fav := range m.watchlist() {
		if fav == id {
			return nil
		}
	}

	m.mu.Lock()
	if _, ok := m.subs[id]; !ok {
		m.mu.Unlock()
		return nil
	}
	if _, ok := m.pending[id]; ok {
		m.mu.Unlock()
		return nil
	}

	delete(m.subs, id)
	if m.wire.State() != Connected {
		m.mu.Unlock()
		return nil
	}
	m.pending[id] = struct{}{}
	m.mu.Unlock()

	err := m.send(okx.OpUnsubscribe, id)

	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()

	if err != nil {
		// The local removal stands: worst case the server keeps sending
		// and the reconciler's subscription filter drops the frames.
		slog.Warn("Unsubscribe failed", "inst_id", id, "err", err)
	}
	return err
}

// Reconcile aligns the subscription set with the watchlist.
// Unsubscribes go out immediately, one request per instrument.
// Subscribes are batched: the first BatchSize immediately, the remainder
// after BatchDelay. An empty watchlist tears everything down at once.
func (m *Manager) Reconcile(watch []string, st State) {
	want := make(map[string]struct{}, len(watch))
	for _, id := range watch {
		want[id] = struct{}{}
	}

	m.mu.Lock()
	var toUnsub, toSub []string
	for id := range m.subs {
		if _, ok := want[id]; !ok {
			toUnsub = append(toUnsub, id)
		}
	}
	for _, id := range watch {
		if _, ok := m.subs[id]; !ok {
			toSub = append(toSub, id)
		}
	}
	m.mu.Unlock()

	for _, id := range toUnsub {
		m.Unsubscribe(id)
	}

	if len(watch) == 0 || st != Connected {
		// Nothing left to stream, or record-only mode: Subscribe handles
		// the local bookkeeping without wire traffic.
		for _, id := range toSub {
			m.Subscribe(id)
		}
		return
	}

	immediate := toSub
	if len(toSub) > m.BatchSize {
		immediate = toSub[:m.BatchSize]
		later := append([]string(nil), toSub[m.BatchSize:]...)
		time.AfterFunc(m.BatchDelay, func() {
			for _, id := range later {
				m.Subscribe(id)
			}
		})
	}
	for _, id := range immediate {
		m.Subscribe(id)
	}
}

// RestoreAll re-subscribes the full current watchlist. Called when a
// fresh connection comes up: the server side starts with no subscription
// memory, so deltas are useless.
func (m *Manager) RestoreAll() {
	m.mu.Lock()
	m.subs = make(map[string]struct{})
	m.mu.Unlock()

	m.Reconcile(m.watchlist(), m.wire.State())
}

// Clear drops the local subscription view without wire traffic. Called
// when the connection goes down.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = make(map[string]struct{})
}

func (m *Manager) send(op, id string) error {
	payload, err := json.Marshal(okx.NewTickerRequest(op, id))
	if err != nil {
		return err
	}
	return m.wire.Send(payload)
}
