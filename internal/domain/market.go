package domain

import (
	"math"
	"time"
)

// PriceEpsilon is the minimum price delta treated as a real change.
// Ticks closer than this to the stored price are dropped to avoid state
// churn from repeated identical quotes.
const PriceEpsilon = 1e-6

// Direction is the one-update-accurate price movement used for coloring.
type Direction int

const (
	DirUnchanged Direction = iota
	DirUp
	DirDown
)

func (d Direction) String() string {
	switch d {
	case DirUp:
		return "up"
	case DirDown:
		return "down"
	default:
		return "unchanged"
	}
}

// MarketState is the mutable market snapshot for one instrument.
// PreviousPrice rotates exactly once per accepted price change.
type MarketState struct {
	InstID           string    `json:"inst_id"`
	CurrentPrice     float64   `json:"current_price"`
	PreviousPrice    float64   `json:"previous_price"`
	High24h          float64   `json:"high_24h"`
	Low24h           float64   `json:"low_24h"`
	ChangePercent24h float64   `json:"change_percent_24h"`
	OpenUtc0         float64   `json:"open_utc0"`
	OpenUtc8         float64   `json:"open_utc8"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ApplyPrice applies a new price under the epsilon acceptance rule and
// reports whether the tick was accepted. On acceptance the previous price
// rotates before the new value is written, so Direction stays accurate.
// A fresh entry accepts its first tick with PreviousPrice set equal to
// it: the initial state reads "unchanged" instead of a synthesized
// direction.
func (m *MarketState) ApplyPrice(price float64, now time.Time) bool {
	if price <= 0 {
		return false
	}
	if m.CurrentPrice == 0 {
		m.CurrentPrice = price
		m.PreviousPrice = price
		m.UpdatedAt = now
		return true
	}
	if math.Abs(price-m.CurrentPrice) <= PriceEpsilon {
		return false
	}
	m.PreviousPrice = m.CurrentPrice
	m.CurrentPrice = price
	m.UpdatedAt = now
	return true
}

// Direction reports the movement implied by the last accepted update.
func (m *MarketState) Direction() Direction {
	switch {
	case m.CurrentPrice > m.PreviousPrice:
		return DirUp
	case m.CurrentPrice < m.PreviousPrice:
		return DirDown
	default:
		return DirUnchanged
	}
}

// ChangeCalcMode selects the reference price that percent change is
// computed against for significant-change detection.
type ChangeCalcMode string

const (
	Calc24h  ChangeCalcMode = "24h"
	CalcUtc0 ChangeCalcMode = "utc0"
	CalcUtc8 ChangeCalcMode = "utc8"
)

// ChangePercent returns the percent change for the selected mode, or 0
// when the reference price is unknown.
func (m *MarketState) ChangePercent(mode ChangeCalcMode) float64 {
	switch mode {
	case CalcUtc0:
		return percentFrom(m.OpenUtc0, m.CurrentPrice)
	case CalcUtc8:
		return percentFrom(m.OpenUtc8, m.CurrentPrice)
	default:
		return m.ChangePercent24h
	}
}

func percentFrom(open, current float64) float64 {
	if open <= 0 {
		return 0
	}
	return (current - open) / open * 100
}
