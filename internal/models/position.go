package models

import (
	"fmt"
	"math"
	"time"
)

// StraddlePosition is the long-dated at-the-money straddle backbone of the
// strategy. It is closed and replaced, never mutated in place, when the
// strategy recenters or exits.
type StraddlePosition struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	Call          Leg       `json:"call"`
	Put           Leg       `json:"put"`
	InitialStrike float64   `json:"initial_strike"`
	EntryTime     time.Time `json:"entry_time"`
}

// Validate enforces the straddle invariant: both legs share strike and expiry.
func (s *StraddlePosition) Validate() error {
	if err := s.Call.Validate(); err != nil {
		return fmt.Errorf("straddle %s call leg: %w", s.ID, err)
	}
	if err := s.Put.Validate(); err != nil {
		return fmt.Errorf("straddle %s put leg: %w", s.ID, err)
	}
	if s.Call.Right != RightCall || s.Put.Right != RightPut {
		return fmt.Errorf("straddle %s has mismatched leg rights", s.ID)
	}
	if s.Call.Strike != s.Put.Strike {
		return fmt.Errorf("straddle %s legs must share a strike: call %.2f, put %.2f",
			s.ID, s.Call.Strike, s.Put.Strike)
	}
	if !s.Call.Expiration.Equal(s.Put.Expiration) {
		return fmt.Errorf("straddle %s legs must share an expiration: call %s, put %s",
			s.ID, s.Call.Expiration.Format("2006-01-02"), s.Put.Expiration.Format("2006-01-02"))
	}
	return nil
}

// DTE returns days to expiration for the straddle.
func (s *StraddlePosition) DTE(now time.Time) int {
	return s.Call.DTE(now)
}

// Cost returns the total dollars paid to open the straddle.
func (s *StraddlePosition) Cost() float64 {
	return (s.Call.EntryPrice + s.Put.EntryPrice) * SharesPerContract * float64(s.Call.Quantity)
}

// DriftFrom returns how far the underlying has moved from the strike the
// straddle was centered on. Used by the recenter trigger.
func (s *StraddlePosition) DriftFrom(price float64) float64 {
	return math.Abs(price - s.InitialStrike)
}

// StranglePosition is the recurring short out-of-the-money strangle sold
// against the straddle. EntryUnderlying is the underlying price at placement;
// per-leg original distances derive from it and anchor the cushion math.
type StranglePosition struct {
	ID              string    `json:"id"`
	Symbol          string    `json:"symbol"`
	Call            Leg       `json:"call"`
	Put             Leg       `json:"put"`
	EntryUnderlying float64   `json:"entry_underlying_price"`
	CallMultiplier  float64   `json:"call_distance_multiplier"`
	PutMultiplier   float64   `json:"put_distance_multiplier"`
	EntryTime       time.Time `json:"entry_time"`
}

// Validate enforces strangle invariants: OTM legs on opposite sides sharing
// an expiration, with symmetric distance multipliers.
func (s *StranglePosition) Validate(symmetryTolerance float64) error {
	if err := s.Call.Validate(); err != nil {
		return fmt.Errorf("strangle %s call leg: %w", s.ID, err)
	}
	if err := s.Put.Validate(); err != nil {
		return fmt.Errorf("strangle %s put leg: %w", s.ID, err)
	}
	if s.Call.Right != RightCall || s.Put.Right != RightPut {
		return fmt.Errorf("strangle %s has mismatched leg rights", s.ID)
	}
	if !s.Call.Expiration.Equal(s.Put.Expiration) {
		return fmt.Errorf("strangle %s legs must share an expiration", s.ID)
	}
	if s.Call.Strike <= s.Put.Strike {
		return fmt.Errorf("strangle %s call strike %.2f must be above put strike %.2f",
			s.ID, s.Call.Strike, s.Put.Strike)
	}
	if s.HasEntryUnderlying() && symmetryTolerance > 0 {
		if diff := math.Abs(s.CallMultiplier - s.PutMultiplier); diff > symmetryTolerance {
			return fmt.Errorf("strangle %s multiplier asymmetry %.2f exceeds tolerance %.2f",
				s.ID, diff, symmetryTolerance)
		}
	}
	return nil
}

// HasEntryUnderlying reports whether the position recorded the underlying
// price at placement. Legacy positions imported from older ledgers may not
// have it, in which case cushion math falls back to a static threshold.
func (s *StranglePosition) HasEntryUnderlying() bool {
	return s.EntryUnderlying > 0
}

// OriginalDistance returns |strike - entry underlying| for the given leg.
func (s *StranglePosition) OriginalDistance(right OptionRight) float64 {
	switch right {
	case RightCall:
		return s.Call.Distance(s.EntryUnderlying)
	case RightPut:
		return s.Put.Distance(s.EntryUnderlying)
	default:
		return 0
	}
}

// Premium returns the total dollars collected when the strangle was sold.
func (s *StranglePosition) Premium() float64 {
	return (s.Call.EntryPrice + s.Put.EntryPrice) * SharesPerContract * float64(s.Call.Quantity)
}

// DTE returns days to expiration for the strangle.
func (s *StranglePosition) DTE(now time.Time) int {
	return s.Call.DTE(now)
}
