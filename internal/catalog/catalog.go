package catalog

import (
	"sort"
	"sync"

	"coinbar/internal/domain"
)

// Catalog owns the MarketState entries, keyed by instrument id.
// Mutations are expected from a single writer (the reconciler loop and
// watchlist calls serialized behind the lock); reads for display take
// copies and may run concurrently.
type Catalog struct {
	mu          sync.RWMutex
	instruments map[string]domain.Instrument
	states      map[string]*domain.MarketState
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		instruments: make(map[string]domain.Instrument),
		states:      make(map[string]*domain.MarketState),
	}
}

// Ensure registers an instrument and creates its market-state entry if
// absent. Existing state is left untouched.
func (c *Catalog) Ensure(inst domain.Instrument) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.instruments[inst.ID] = inst
	if _, ok := c.states[inst.ID]; !ok {
		c.states[inst.ID] = &domain.MarketState{InstID: inst.ID}
	}
}

// SeedPrice primes a fresh entry from a cached price so the display has
// a value before the first live tick. Entries that already hold a live
// price are not overwritten.
func (c *Catalog) SeedPrice(id string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[id]
	if !ok || st.CurrentPrice != 0 || price <= 0 {
		return
	}
	st.CurrentPrice = price
	st.PreviousPrice = price
}

// Update runs fn against the owned state for id under the write lock.
// Returns false when the id is unknown, otherwise fn's result.
// This is the only mutation path for market state.
func (c *Catalog) Update(id string, fn func(*domain.MarketState) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[id]
	if !ok {
		return false
	}
	return fn(st)
}

// Remove drops an instrument and its state.
func (c *Catalog) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.instruments, id)
	delete(c.states, id)
}

// Instrument returns the registered instrument identity.
func (c *Catalog) Instrument(id string) (domain.Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.instruments[id]
	return inst, ok
}

// State returns a copy of the market state for id.
func (c *Catalog) State(id string) (domain.MarketState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.states[id]
	if !ok {
		return domain.MarketState{}, false
	}
	return *st, true
}

// Has reports whether id is registered.
func (c *Catalog) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.states[id]
	return ok
}

// Snapshot returns copies of all market states, ordered by id.
func (c *Catalog) Snapshot() []domain.MarketState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.MarketState, 0, len(c.states))
	for _, st := range c.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstID < out[j].InstID })
	return out
}

// Prices returns the current id→price map for cache persistence.
// Entries without a price yet are skipped.
func (c *Catalog) Prices() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]float64, len(c.states))
	for id, st := range c.states {
		if st.CurrentPrice > 0 {
			out[id] = st.CurrentPrice
		}
	}
	return out
}
