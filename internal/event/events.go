package event

import "time"

// Type defines the kind of outbound event.
type Type uint16

const (
	EvPricesUpdated Type = iota + 1
	EvSignificantChange
	EvConnectionStatus
	EvError
)

// Event is the interface for everything published on the Bus.
type Event interface {
	GetType() Type
	GetTs() time.Time
}

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	Ts time.Time `json:"ts"`
}

func (e BaseEvent) GetTs() time.Time { return e.Ts }

// PricesUpdatedEvent is the coalesced "something on the watchlist moved"
// signal. InstIDs lists the instruments that changed inside the window.
type PricesUpdatedEvent struct {
	BaseEvent
	InstIDs []string `json:"inst_ids"`
}

func (e PricesUpdatedEvent) GetType() Type { return EvPricesUpdated }

// SignificantChangeEvent fires once per accepted update whose percent
// change crosses the configured threshold.
type SignificantChangeEvent struct {
	BaseEvent
	InstID   string  `json:"inst_id"`
	OldPrice float64 `json:"old_price"`
	NewPrice float64 `json:"new_price"`
	Percent  float64 `json:"percent"`
}

func (e SignificantChangeEvent) GetType() Type { return EvSignificantChange }

// ConnectionStatusEvent reports stream state transitions.
type ConnectionStatusEvent struct {
	BaseEvent
	State   string `json:"state"`
	Retries int    `json:"retries"`
}

func (e ConnectionStatusEvent) GetType() Type { return EvConnectionStatus }

// ErrorEvent carries a non-fatal error surfaced to the user.
type ErrorEvent struct {
	BaseEvent
	Message string `json:"message"`
}

func (e ErrorEvent) GetType() Type { return EvError }
