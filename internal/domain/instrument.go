package domain

import "strings"

// InstrumentType classifies a tradable instrument.
type InstrumentType string

const (
	TypeSpot      InstrumentType = "spot"
	TypePerpetual InstrumentType = "perpetual"
	TypeFutures   InstrumentType = "futures"
	TypeOption    InstrumentType = "option"
)

// TypeFromID derives the authoritative instrument type from the id suffix.
// The suffix pattern is the single source of truth; a stored type that
// disagrees with it is corruption and must be repaired.
func TypeFromID(id string) InstrumentType {
	switch {
	case strings.HasSuffix(id, "-SWAP"):
		return TypePerpetual
	case strings.HasSuffix(id, "-FUTURES"):
		return TypeFutures
	case strings.HasSuffix(id, "-OPTION"):
		return TypeOption
	default:
		return TypeSpot
	}
}

// Instrument is the immutable identity of a tradable symbol.
type Instrument struct {
	ID            string         `json:"id"`
	BaseCurrency  string         `json:"base_currency"`
	QuoteCurrency string         `json:"quote_currency"`
	Type          InstrumentType `json:"type"`
}

// NewInstrument builds an Instrument from an exchange symbol like
// "BTC-USDT" or "BTC-USDT-SWAP". Base and quote come from the first two
// dash-separated parts, the type from the suffix.
func NewInstrument(id string) Instrument {
	inst := Instrument{ID: id, Type: TypeFromID(id)}
	parts := strings.Split(id, "-")
	if len(parts) >= 2 {
		inst.BaseCurrency = parts[0]
		inst.QuoteCurrency = parts[1]
	}
	return inst
}

// Normalize returns a copy with the type re-derived from the id.
// The second return reports whether the stored type disagreed.
func (i Instrument) Normalize() (Instrument, bool) {
	want := TypeFromID(i.ID)
	if i.Type == want && i.BaseCurrency != "" {
		return i, false
	}
	return NewInstrument(i.ID), i.Type != want
}
