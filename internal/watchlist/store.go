package watchlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"coinbar/internal/catalog"
	"coinbar/internal/domain"
	"coinbar/internal/event"
	"coinbar/internal/storage"
)

// DefaultInstrumentID seeds an empty watchlist so the app never starts blank.
const DefaultInstrumentID = "BTC-USDT"

// ErrNotPermutation is returned by Reorder when the proposed order does not
// contain exactly the current ids.
var ErrNotPermutation = errors.New("new order is not a permutation of the watchlist")

// Subscriber is the subscription side-effect hook. Add requests a stream
// subscription, Remove an unsubscription; both are best-effort here, the
// subscription manager owns retry/reconcile semantics.
type Subscriber interface {
	Subscribe(id string) error
	Unsubscribe(id string) error
}

// Store is the ordered, unique list of favorited instruments. It is the
// source of truth for what must be streamed, persists after every mutation,
// and keeps the catalog populated for every favorite.
type Store struct {
	mu   sync.RWMutex
	kv   storage.KV
	cat  *catalog.Catalog
	bus  *event.Bus
	subs Subscriber
	list []domain.Instrument
}

// NewStore creates a watchlist store. bus may be nil; when set, failed
// persistence surfaces as a non-fatal error event in addition to the
// returned error.
func NewStore(kv storage.KV, cat *catalog.Catalog, bus *event.Bus) *Store {
	return &Store{kv: kv, cat: cat, bus: bus}
}

// SetSubscriber wires the subscription manager. The manager itself needs
// the store's id list at construction, so this runs after both exist.
func (s *Store) SetSubscriber(subs Subscriber) {
	s.mu.Lock()
	s.subs = subs
	s.mu.Unlock()
}

// Load restores the persisted watchlist. Every stored type is re-derived
// from its id; any disagreement is repaired and the corrected list is
// re-persisted exactly once. An empty result is seeded with the default
// pair.
func (s *Store) Load(ctx context.Context) error {
	raw, err := s.kv.Get(ctx, storage.KeyWatchlist)
	if err != nil {
		return fmt.Errorf("failed to load watchlist: %w", err)
	}

	var stored []domain.Instrument
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			slog.Warn("Watchlist data unreadable, starting fresh", "err", err)
			stored = nil
		}
	}

	seen := make(map[string]struct{}, len(stored))
	list := make([]domain.Instrument, 0, len(stored))
	repaired := false
	for _, inst := range stored {
		if inst.ID == "" {
			repaired = true
			continue
		}
		if _, dup := seen[inst.ID]; dup {
			repaired = true
			continue
		}
		fixed, corrected := inst.Normalize()
		if corrected {
			slog.Warn("Repaired corrupted instrument type",
				"instId", inst.ID, "stored", inst.Type, "derived", fixed.Type)
			repaired = true
		}
		seen[fixed.ID] = struct{}{}
		list = append(list, fixed)
	}

	if len(list) == 0 {
		list = []domain.Instrument{domain.NewInstrument(DefaultInstrumentID)}
		repaired = true
	}

	s.mu.Lock()
	s.list = list
	for _, inst := range list {
		s.cat.Ensure(inst)
	}
	s.mu.Unlock()

	if repaired {
		if err := s.persist(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Add appends an instrument to the watchlist. The authoritative type always
// comes from the id, never from the caller. No-op if already present.
func (s *Store) Add(ctx context.Context, inst domain.Instrument) error {
	fixed, _ := inst.Normalize()

	s.mu.Lock()
	if s.containsLocked(fixed.ID) {
		s.mu.Unlock()
		return nil
	}
	s.list = append(s.list, fixed)
	s.cat.Ensure(fixed)
	subs := s.subs
	s.mu.Unlock()

	if err := s.persist(ctx); err != nil {
		return err
	}
	if subs != nil {
		if err := subs.Subscribe(fixed.ID); err != nil {
			slog.Warn("Subscribe request failed, reconcile will retry", "instId", fixed.ID, "err", err)
		}
	}
	return nil
}

// Remove drops an instrument by id and evicts its market state. The removal
// is persisted before the unsubscribe request so the "still favorited" guard
// sees the final list.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	idx := -1
	for i, inst := range s.list {
		if inst.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return nil
	}
	s.list = append(s.list[:idx], s.list[idx+1:]...)
	s.cat.Remove(id)
	subs := s.subs
	s.mu.Unlock()

	if err := s.persist(ctx); err != nil {
		return err
	}
	if subs != nil {
		if err := subs.Unsubscribe(id); err != nil {
			slog.Warn("Unsubscribe request failed", "instId", id, "err", err)
		}
	}
	return nil
}

// Reorder replaces the list order. Accepted only when newOrder is a
// permutation of the current ids; otherwise the store is unchanged.
func (s *Store) Reorder(ctx context.Context, newOrder []string) error {
	s.mu.Lock()
	if len(newOrder) != len(s.list) {
		s.mu.Unlock()
		return ErrNotPermutation
	}
	byID := make(map[string]domain.Instrument, len(s.list))
	for _, inst := range s.list {
		byID[inst.ID] = inst
	}
	next := make([]domain.Instrument, 0, len(newOrder))
	for _, id := range newOrder {
		inst, ok := byID[id]
		if !ok {
			s.mu.Unlock()
			return ErrNotPermutation
		}
		delete(byID, id)
		next = append(next, inst)
	}
	s.list = next
	s.mu.Unlock()

	return s.persist(ctx)
}

// IDs returns the ordered instrument ids. This is the watchlist view the
// subscription manager reconciles against.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, len(s.list))
	for i, inst := range s.list {
		ids[i] = inst.ID
	}
	return ids
}

// Instruments returns an ordered copy of the list.
func (s *Store) Instruments() []domain.Instrument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Instrument, len(s.list))
	copy(out, s.list)
	return out
}

// Types returns the distinct instrument types present, in list order.
func (s *Store) Types() []domain.InstrumentType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[domain.InstrumentType]struct{}, 4)
	var out []domain.InstrumentType
	for _, inst := range s.list {
		if _, ok := seen[inst.Type]; ok {
			continue
		}
		seen[inst.Type] = struct{}{}
		out = append(out, inst.Type)
	}
	return out
}

func (s *Store) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.containsLocked(id)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.list)
}

func (s *Store) containsLocked(id string) bool {
	for _, inst := range s.list {
		if inst.ID == id {
			return true
		}
	}
	return false
}

func (s *Store) persist(ctx context.Context) error {
	s.mu.RLock()
	data, err := json.Marshal(s.list)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode watchlist: %w", err)
	}
	if err := s.kv.Set(ctx, storage.KeyWatchlist, string(data)); err != nil {
		err = fmt.Errorf("failed to persist watchlist: %w", err)
		if s.bus != nil {
			s.bus.PublishError(err.Error())
		}
		return err
	}
	return nil
}
