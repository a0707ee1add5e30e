package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/finchtrading/straddleharvest/internal/telemetry"
)

// ErrCircuitBreakerHalted is returned from Allow once the breaker has
// tripped. The halt is sticky: only a manual Reset clears it.
var ErrCircuitBreakerHalted = errors.New("trading halted by circuit breaker")

// ErrCooldownActive is returned from Allow while a category-specific cooldown
// is running. Unlike a halt it expires on its own.
var ErrCooldownActive = errors.New("action cooldown active")

// ActionCategory classifies a trading action for failure accounting.
type ActionCategory string

const (
	// ActionEntry covers straddle and strangle opens
	ActionEntry ActionCategory = "entry"
	// ActionExit covers planned closes
	ActionExit ActionCategory = "exit"
	// ActionRoll covers the weekly short-strangle roll
	ActionRoll ActionCategory = "roll"
	// ActionRecenter covers straddle recentering
	ActionRecenter ActionCategory = "recenter"
)

// CooldownKind selects which back-off timer an event starts.
type CooldownKind string

const (
	// CooldownPartialFill follows a partially filled order
	CooldownPartialFill CooldownKind = "partial_fill"
	// CooldownRollFailure follows a failed or rejected roll
	CooldownRollFailure CooldownKind = "roll_failure"
	// CooldownEmergency follows an emergency liquidation
	CooldownEmergency CooldownKind = "emergency"
)

// BreakerSettings are the trading-action breaker knobs, sourced from config.
type BreakerSettings struct {
	// Window is how many recent attempts the failure census covers.
	Window int
	// Threshold trips the breaker when reached either consecutively or in
	// total within the window.
	Threshold int

	PartialFillCooldown time.Duration
	RollFailureCooldown time.Duration
	EmergencyCooldown   time.Duration
}

// FailureRecord is one failed attempt retained for the halt census.
type FailureRecord struct {
	Category ActionCategory `json:"category"`
	At       time.Time      `json:"at"`
}

type attempt struct {
	ok       bool
	category ActionCategory
	at       time.Time
}

// CircuitBreaker halts all trading actions after repeated failures. It is
// distinct from the transport-level breaker wrapping the broker client: this
// one counts trading outcomes (a rejected roll, a failed recenter), not HTTP
// errors, and it never closes itself — a tripped breaker stays tripped until
// an operator calls Reset.
type CircuitBreaker struct {
	mu        sync.Mutex
	settings  BreakerSettings
	attempts  []attempt
	halted    bool
	haltedAt  time.Time
	reason    string
	cooldowns map[CooldownKind]time.Time
	nowFn     func() time.Time
	sink      telemetry.Sink
	logger    *logrus.Logger
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(settings BreakerSettings, sink telemetry.Sink, logger *logrus.Logger) *CircuitBreaker {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &CircuitBreaker{
		settings:  settings,
		cooldowns: make(map[CooldownKind]time.Time),
		nowFn:     time.Now,
		sink:      sink,
		logger:    logger,
	}
}

// SetNowFunc overrides the clock for tests.
func (b *CircuitBreaker) SetNowFunc(fn func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nowFn = fn
}

// Allow reports whether a trading action may proceed. A halt blocks every
// category; an active cooldown blocks only until it expires.
func (b *CircuitBreaker) Allow(cat ActionCategory) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.halted {
		return fmt.Errorf("%w: %s (since %s)", ErrCircuitBreakerHalted, b.reason,
			b.haltedAt.Format(time.RFC3339))
	}
	for kind, until := range b.cooldowns {
		if gatesCategory(kind, cat) && b.nowFn().Before(until) {
			return fmt.Errorf("%w: %s until %s", ErrCooldownActive, kind,
				until.Format(time.RFC3339))
		}
	}
	return nil
}

// gatesCategory maps cooldown kinds onto the categories they block. Partial
// fill and emergency cooldowns block new entries; a roll-failure cooldown
// blocks roll retries only.
func gatesCategory(kind CooldownKind, cat ActionCategory) bool {
	switch kind {
	case CooldownRollFailure:
		return cat == ActionRoll
	case CooldownPartialFill, CooldownEmergency:
		return cat == ActionEntry
	default:
		return false
	}
}

// RecordSuccess logs a successful attempt. Successes dilute the window census
// but never clear a halt.
func (b *CircuitBreaker) RecordSuccess(cat ActionCategory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(attempt{ok: true, category: cat, at: b.nowFn()})
}

// RecordFailure logs a failed attempt and trips the breaker when the census
// crosses the threshold.
func (b *CircuitBreaker) RecordFailure(cat ActionCategory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(attempt{ok: false, category: cat, at: b.nowFn()})

	consecutive := 0
	for i := len(b.attempts) - 1; i >= 0; i-- {
		if b.attempts[i].ok {
			break
		}
		consecutive++
	}
	total := 0
	for _, a := range b.attempts {
		if !a.ok {
			total++
		}
	}

	switch {
	case consecutive >= b.settings.Threshold:
		b.trip(fmt.Sprintf("%d consecutive failures, last %s", consecutive, cat))
	case total >= b.settings.Threshold:
		b.trip(fmt.Sprintf("%d failures in last %d attempts, last %s", total, len(b.attempts), cat))
	}
}

func (b *CircuitBreaker) record(a attempt) {
	b.attempts = append(b.attempts, a)
	if excess := len(b.attempts) - b.settings.Window; excess > 0 {
		b.attempts = b.attempts[excess:]
	}
}

func (b *CircuitBreaker) trip(reason string) {
	if b.halted {
		return
	}
	b.halted = true
	b.haltedAt = b.nowFn()
	b.reason = reason

	b.sink.LogSafetyEvent(telemetry.SafetyEvent{
		Time:     b.haltedAt,
		Severity: telemetry.SeverityCritical,
		Kind:     "circuit_breaker_halt",
		Message:  reason,
	})
	telemetry.SafetyEvents.WithLabelValues(string(telemetry.SeverityCritical)).Inc()
	if b.logger != nil {
		b.logger.WithField("reason", reason).Error("circuit breaker tripped, trading halted until manual reset")
	}
}

// StartCooldown begins (or extends) the back-off timer for an event kind.
func (b *CircuitBreaker) StartCooldown(kind CooldownKind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.cooldownDuration(kind)
	until := b.nowFn().Add(d)
	if existing, ok := b.cooldowns[kind]; !ok || until.After(existing) {
		b.cooldowns[kind] = until
	}
	if b.logger != nil {
		b.logger.WithFields(logrus.Fields{
			"kind":  string(kind),
			"until": until.Format(time.RFC3339),
		}).Warn("action cooldown started")
	}
}

func (b *CircuitBreaker) cooldownDuration(kind CooldownKind) time.Duration {
	switch kind {
	case CooldownPartialFill:
		return b.settings.PartialFillCooldown
	case CooldownRollFailure:
		return b.settings.RollFailureCooldown
	case CooldownEmergency:
		return b.settings.EmergencyCooldown
	default:
		return 0
	}
}

// Halt trips the breaker from outside the failure census, e.g. when
// rehydrating a persisted halt at startup.
func (b *CircuitBreaker) Halt(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trip(reason)
}

// Halted reports the halt flag and its reason.
func (b *CircuitBreaker) Halted() (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.halted, b.reason
}

// Failures returns the failed attempts currently inside the window, oldest
// first. Surfaced on the engine status endpoint.
func (b *CircuitBreaker) Failures() []FailureRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]FailureRecord, 0, len(b.attempts))
	for _, a := range b.attempts {
		if !a.ok {
			out = append(out, FailureRecord{Category: a.category, At: a.at})
		}
	}
	return out
}

// Reset clears the halt, the census, and all cooldowns. Operator action only.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	wasHalted := b.halted
	b.halted = false
	b.reason = ""
	b.attempts = nil
	b.cooldowns = make(map[CooldownKind]time.Time)
	if wasHalted && b.logger != nil {
		b.logger.Warn("circuit breaker manually reset, trading resumed")
	}
}
