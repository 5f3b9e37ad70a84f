package domain

import "time"

// Tick is one normalized market-data event from the broker feed. Delivery
// order is not strictly guaranteed; consumers tolerate duplicates and minor
// reordering.
type Tick struct {
	Segment    string    `json:"segment"`
	SecurityID string    `json:"security_id"`
	LastPrice  float64   `json:"last_price"`
	Timestamp  time.Time `json:"timestamp"`
}

// Key returns the instrument identity of the tick.
func (t Tick) Key() InstrumentKey {
	return InstrumentKey{Segment: t.Segment, SecurityID: t.SecurityID}
}

// Valid reports whether the tick carries a usable identity and price.
// Invalid ticks are dropped by consumers.
func (t Tick) Valid() bool {
	return t.Key().Valid() && t.LastPrice > 0
}
