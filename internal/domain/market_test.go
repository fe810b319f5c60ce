package domain

import (
	"testing"
	"time"
)

func TestMarketState_ApplyPrice(t *testing.T) {
	now := time.Now()

	t.Run("Epsilon Filter", func(t *testing.T) {
		m := MarketState{InstID: "BTC-USDT"}
		if !m.ApplyPrice(30000.0, now) {
			t.Fatal("first tick must be accepted")
		}

		// Delta 1e-7 is below the epsilon, must be dropped.
		if m.ApplyPrice(30000.0000001, now) {
			t.Error("sub-epsilon tick accepted")
		}
		if m.CurrentPrice != 30000.0 {
			t.Errorf("price mutated by rejected tick: %v", m.CurrentPrice)
		}

		// Delta 1e-2 clears the epsilon.
		if !m.ApplyPrice(30000.01, now) {
			t.Error("1 cent move rejected")
		}
	})

	t.Run("Rotation Invariant", func(t *testing.T) {
		m := MarketState{InstID: "ETH-USDT"}
		m.ApplyPrice(2000, now)

		prices := []float64{2001, 1999.5, 2050, 2049}
		for _, p := range prices {
			before := m.CurrentPrice
			if !m.ApplyPrice(p, now) {
				t.Fatalf("tick %v rejected", p)
			}
			if m.PreviousPrice != before {
				t.Errorf("previous=%v after update, want %v", m.PreviousPrice, before)
			}
			if m.CurrentPrice != p {
				t.Errorf("current=%v, want %v", m.CurrentPrice, p)
			}
		}
	})

	t.Run("Initial Direction Unchanged", func(t *testing.T) {
		m := MarketState{InstID: "SOL-USDT"}
		m.ApplyPrice(150, now)
		if m.Direction() != DirUnchanged {
			t.Errorf("fresh entry direction = %s, want unchanged", m.Direction())
		}
	})

	t.Run("Direction Tracks Last Update", func(t *testing.T) {
		m := MarketState{InstID: "BTC-USDT"}
		m.ApplyPrice(100, now)
		m.ApplyPrice(101, now)
		if m.Direction() != DirUp {
			t.Errorf("got %s, want up", m.Direction())
		}
		m.ApplyPrice(100.5, now)
		if m.Direction() != DirDown {
			t.Errorf("got %s, want down", m.Direction())
		}
	})

	t.Run("Non-Positive Rejected", func(t *testing.T) {
		m := MarketState{InstID: "BTC-USDT"}
		if m.ApplyPrice(0, now) || m.ApplyPrice(-5, now) {
			t.Error("non-positive price accepted")
		}
	})
}

func TestMarketState_ChangePercent(t *testing.T) {
	m := MarketState{
		CurrentPrice:     110,
		ChangePercent24h: 4.2,
		OpenUtc0:         100,
		OpenUtc8:         0, // unknown
	}

	if got := m.ChangePercent(Calc24h); got != 4.2 {
		t.Errorf("24h mode = %v, want 4.2", got)
	}
	if got := m.ChangePercent(CalcUtc0); got != 10 {
		t.Errorf("utc0 mode = %v, want 10", got)
	}
	if got := m.ChangePercent(CalcUtc8); got != 0 {
		t.Errorf("utc8 with unknown open = %v, want 0", got)
	}
}
