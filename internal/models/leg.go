// Package models provides data structures and state management for the
// straddle/strangle position cycle.
package models

import (
	"fmt"
	"math"
	"time"
)

// SharesPerContract is the standard equity option multiplier.
const SharesPerContract = 100.0

// OptionRight identifies the side of an option contract.
type OptionRight string

const (
	// RightCall represents a call option contract
	RightCall OptionRight = "call"
	// RightPut represents a put option contract
	RightPut OptionRight = "put"
)

// Valid returns true if the OptionRight is one of the defined constants.
func (r OptionRight) Valid() bool {
	return r == RightCall || r == RightPut
}

// LegStatus tracks the lifecycle of a single leg.
type LegStatus string

const (
	// LegOpen means the leg is live at the broker
	LegOpen LegStatus = "open"
	// LegClosed means the leg has been bought/sold back
	LegClosed LegStatus = "closed"
)

// Leg is a single option contract within a position. All fields except
// CurrentPrice and Status are immutable once the leg is opened.
type Leg struct {
	Right        OptionRight `json:"right"`
	Strike       float64     `json:"strike"`
	Expiration   time.Time   `json:"expiration"`
	Quantity     int         `json:"quantity"`
	EntryPrice   float64     `json:"entry_price"`
	CurrentPrice float64     `json:"current_price"`
	Status       LegStatus   `json:"status"`
}

// DTE returns the whole days remaining to the leg's expiration, floored at zero.
func (l *Leg) DTE(now time.Time) int {
	n := now.UTC().Truncate(24 * time.Hour)
	exp := l.Expiration.UTC().Truncate(24 * time.Hour)
	days := int(exp.Sub(n).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// Distance returns the absolute distance between the leg's strike and price.
func (l *Leg) Distance(price float64) float64 {
	return math.Abs(l.Strike - price)
}

// Remaining returns the signed distance left before price reaches the strike
// from the short side: positive while out of the money, negative once the
// strike is breached.
func (l *Leg) Remaining(price float64) float64 {
	if l.Right == RightCall {
		return l.Strike - price
	}
	return price - l.Strike
}

// Validate checks leg field consistency.
func (l *Leg) Validate() error {
	if !l.Right.Valid() {
		return fmt.Errorf("leg right %q is invalid", l.Right)
	}
	if l.Strike <= 0 {
		return fmt.Errorf("leg strike must be positive, got %.2f", l.Strike)
	}
	if l.Quantity <= 0 {
		return fmt.Errorf("leg quantity must be positive, got %d", l.Quantity)
	}
	if l.Expiration.IsZero() {
		return fmt.Errorf("leg expiration is not set")
	}
	return nil
}
