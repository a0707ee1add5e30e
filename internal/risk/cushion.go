// Package risk holds the defensive layers that sit between the engine's
// intent and the broker: the cushion monitor, the trading-action circuit
// breaker, and the bounded emergency liquidation handler.
package risk

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/finchtrading/straddleharvest/internal/models"
	"github.com/finchtrading/straddleharvest/internal/telemetry"
)

// Tier is the monitoring escalation level driven by cushion consumption.
type Tier int

const (
	// TierNormal is routine monitoring at the slow polling cadence
	TierNormal Tier = iota
	// TierVigilant tightens the polling cadence once cushion erodes
	TierVigilant
	// TierChallenged means a short strike is under serious pressure
	TierChallenged
	// TierEmergency means price is at a short strike and the position must go
	TierEmergency
)

// String implements fmt.Stringer.
func (t Tier) String() string {
	switch t {
	case TierNormal:
		return "normal"
	case TierVigilant:
		return "vigilant"
	case TierChallenged:
		return "challenged"
	case TierEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// CushionSettings are the monitor thresholds, sourced from config.
type CushionSettings struct {
	// VigilantCushion is the consumed fraction that escalates to Vigilant.
	VigilantCushion float64
	// ChallengedCushion is the consumed fraction that escalates to Challenged.
	ChallengedCushion float64
	// EmergencyProximityPct triggers Emergency when price is within this
	// fraction of the underlying price from a short strike. Deliberately a
	// fixed absolute threshold, not scaled by entry distance.
	EmergencyProximityPct float64
	// LegacyChallengedPct is the static price-proximity fallback for positions
	// persisted without an entry underlying price.
	LegacyChallengedPct float64
	// NormalInterval and VigilantInterval are the polling cadences.
	NormalInterval   time.Duration
	VigilantInterval time.Duration
}

// Assessment is one cushion evaluation of an open strangle.
type Assessment struct {
	Tier        Tier
	CushionCall float64 // consumed fraction: 0 at entry, 1 at the strike, >1 breached
	CushionPut  float64
	// Effective is the max of the per-leg fractions; tiers key off it.
	Effective float64
	// Legacy marks the static-threshold fallback path.
	Legacy bool
}

// CushionMonitor turns underlying price moves into monitoring tiers. It keeps
// the previous tier so transitions emit exactly one alert each.
type CushionMonitor struct {
	settings CushionSettings
	sink     telemetry.Sink
	logger   *logrus.Logger
	nowFn    func() time.Time
	lastTier Tier
}

// NewCushionMonitor creates a monitor starting at TierNormal.
func NewCushionMonitor(settings CushionSettings, sink telemetry.Sink, logger *logrus.Logger) *CushionMonitor {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &CushionMonitor{
		settings: settings,
		sink:     sink,
		logger:   logger,
		nowFn:    time.Now,
		lastTier: TierNormal,
	}
}

// SetNowFunc overrides the clock for tests.
func (m *CushionMonitor) SetNowFunc(fn func() time.Time) {
	m.nowFn = fn
}

// Interval returns the polling cadence for a tier. Everything above Normal
// uses the tight cadence; Emergency is handled inline rather than by polling
// faster.
func (m *CushionMonitor) Interval(t Tier) time.Duration {
	if t == TierNormal {
		return m.settings.NormalInterval
	}
	return m.settings.VigilantInterval
}

// Assess evaluates the strangle's short strikes against the current
// underlying price, updates the exported gauges, and emits a safety event on
// any tier transition. A nil strangle resets the monitor to Normal.
func (m *CushionMonitor) Assess(strangle *models.StranglePosition, price float64) Assessment {
	var a Assessment
	if strangle == nil || price <= 0 {
		m.publish(a)
		return a
	}

	if strangle.HasEntryUnderlying() {
		a.CushionCall = consumed(strangle.Call.Remaining(price), strangle.OriginalDistance(models.RightCall))
		a.CushionPut = consumed(strangle.Put.Remaining(price), strangle.OriginalDistance(models.RightPut))
		a.Effective = a.CushionCall
		if a.CushionPut > a.Effective {
			a.Effective = a.CushionPut
		}
		switch {
		case m.atStrike(strangle, price):
			a.Tier = TierEmergency
		case a.Effective >= m.settings.ChallengedCushion:
			a.Tier = TierChallenged
		case a.Effective >= m.settings.VigilantCushion:
			a.Tier = TierVigilant
		default:
			a.Tier = TierNormal
		}
	} else {
		// Positions restored without an entry price cannot express consumption
		// as a fraction of the original distance; fall back to static
		// price-proximity thresholds.
		a.Legacy = true
		switch {
		case m.atStrike(strangle, price):
			a.Tier = TierEmergency
		case nearStrike(strangle, price, m.settings.LegacyChallengedPct):
			a.Tier = TierChallenged
		default:
			a.Tier = TierNormal
		}
	}

	m.publish(a)
	return a
}

// consumed maps a leg's signed remaining distance onto a consumed fraction:
// 0 at entry, 1 when price reaches the strike, above 1 once breached. The
// remaining distance must be signed; an absolute distance would shrink the
// fraction again past the strike and read a deep breach as safe.
func consumed(current, original float64) float64 {
	if original <= 0 {
		return 0
	}
	c := 1 - current/original
	if c < 0 {
		return 0
	}
	return c
}

func (m *CushionMonitor) atStrike(s *models.StranglePosition, price float64) bool {
	return nearStrike(s, price, m.settings.EmergencyProximityPct)
}

// nearStrike uses the signed remaining distance so a breached strike stays
// at the emergency tier instead of reading as far away again.
func nearStrike(s *models.StranglePosition, price, pct float64) bool {
	limit := price * pct
	return s.Call.Remaining(price) <= limit || s.Put.Remaining(price) <= limit
}

func (m *CushionMonitor) publish(a Assessment) {
	telemetry.CushionConsumed.WithLabelValues("call").Set(a.CushionCall)
	telemetry.CushionConsumed.WithLabelValues("put").Set(a.CushionPut)
	telemetry.MonitoringTier.Set(float64(a.Tier))

	if a.Tier == m.lastTier {
		return
	}
	prev := m.lastTier
	m.lastTier = a.Tier

	sev := telemetry.SeverityLow
	switch {
	case a.Tier == TierEmergency:
		sev = telemetry.SeverityCritical
	case a.Tier > prev:
		sev = telemetry.SeverityHigh
	}
	m.sink.LogSafetyEvent(telemetry.SafetyEvent{
		Time:     m.nowFn(),
		Severity: sev,
		Kind:     "tier_transition",
		Message:  prev.String() + " -> " + a.Tier.String(),
	})
	telemetry.SafetyEvents.WithLabelValues(string(sev)).Inc()
	if m.logger != nil {
		m.logger.WithFields(logrus.Fields{
			"from":         prev.String(),
			"to":           a.Tier.String(),
			"cushion_call": a.CushionCall,
			"cushion_put":  a.CushionPut,
		}).Info("monitoring tier changed")
	}
}
