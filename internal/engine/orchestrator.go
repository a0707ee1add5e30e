// Package engine drives the position cycle: a single cooperative polling
// loop that refreshes market data once per tick, updates the cushion
// monitor, and sequences entries, recenters, rolls, and exits through the
// cycle state machine. Ticks never overlap; shutdown is honored only between
// ticks so an in-flight action always reaches a terminal outcome.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/finchtrading/straddleharvest/internal/broker"
	"github.com/finchtrading/straddleharvest/internal/config"
	"github.com/finchtrading/straddleharvest/internal/models"
	"github.com/finchtrading/straddleharvest/internal/orders"
	"github.com/finchtrading/straddleharvest/internal/risk"
	"github.com/finchtrading/straddleharvest/internal/storage"
	"github.com/finchtrading/straddleharvest/internal/strategy"
	"github.com/finchtrading/straddleharvest/internal/telemetry"
)

// Params collects the orchestrator's collaborators. All fields are required
// except Sink and Logger.
type Params struct {
	Config     *config.Config
	Broker     broker.Broker
	Store      storage.Store
	Orders     *orders.Manager
	Selector   *strategy.StrikeSelector
	RollEngine *strategy.RollDecisionEngine
	Recenter   *strategy.RecenterManager
	Cushion    *risk.CushionMonitor
	Breaker    *risk.CircuitBreaker
	Emergency  *risk.EmergencyExitHandler
	Sink       telemetry.Sink
	Clock      Clock
	Logger     *logrus.Logger
}

// Orchestrator owns exactly one straddle, one strangle, and one metrics
// value at a time. It is not safe for concurrent use; Run is the only entry
// point once started.
type Orchestrator struct {
	cfg        *config.Config
	broker     broker.Broker
	store      storage.Store
	orders     *orders.Manager
	selector   *strategy.StrikeSelector
	rollEngine *strategy.RollDecisionEngine
	recenter   *strategy.RecenterManager
	cushion    *risk.CushionMonitor
	breaker    *risk.CircuitBreaker
	emergency  *risk.EmergencyExitHandler
	sink       telemetry.Sink
	clock      Clock
	logger     *logrus.Logger

	// mu is held for the whole of a tick and by CurrentStatus; the loop is
	// single-threaded and the lock only exists for dashboard reads.
	mu sync.Mutex

	sm       *models.CycleStateMachine
	straddle *models.StraddlePosition
	strangle *models.StranglePosition
	metrics  models.CycleMetrics

	// defensive blocks new short strangles while VIX is elevated. Set at the
	// defensive ceiling, cleared only once VIX is back under the entry
	// ceiling.
	defensive bool

	sessionDate string
	sessionOpen float64
	lastRollDay string
	lastTier    risk.Tier
}

// New builds an orchestrator and rehydrates any persisted cycle from the
// store, including a sticky circuit-breaker halt.
func New(p Params) (*Orchestrator, error) {
	if p.Config == nil || p.Broker == nil || p.Store == nil || p.Orders == nil ||
		p.Selector == nil || p.RollEngine == nil || p.Recenter == nil ||
		p.Cushion == nil || p.Breaker == nil || p.Emergency == nil || p.Clock == nil {
		return nil, errors.New("engine: missing required collaborator")
	}
	if p.Sink == nil {
		p.Sink = telemetry.NopSink{}
	}

	o := &Orchestrator{
		cfg:        p.Config,
		broker:     p.Broker,
		store:      p.Store,
		orders:     p.Orders,
		selector:   p.Selector,
		rollEngine: p.RollEngine,
		recenter:   p.Recenter,
		cushion:    p.Cushion,
		breaker:    p.Breaker,
		emergency:  p.Emergency,
		sink:       p.Sink,
		clock:      p.Clock,
		logger:     p.Logger,
	}

	snap := p.Store.Snapshot()
	state := models.CycleState(snap.CycleState)
	if state == "" {
		state = models.StateIdle
	}
	o.sm = models.NewCycleStateMachineFromState(state)
	o.sm.SetNowFunc(p.Clock.Now)
	o.straddle = snap.Straddle
	o.strangle = snap.Strangle
	o.metrics = snap.CycleMetrics
	if snap.Halted {
		p.Breaker.Halt(snap.HaltReason)
		o.logf(logrus.WarnLevel, "restored persisted circuit-breaker halt: %s", snap.HaltReason)
	}
	return o, nil
}

// Run executes the tick loop until the context is cancelled. The returned
// error is the context error, or nil on a clean shutdown request.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logf(logrus.InfoLevel, "engine started in state %s: %s", o.sm.Current(), o.sm.Describe())
	for {
		if ctx.Err() != nil {
			o.logf(logrus.InfoLevel, "shutdown requested, stopping between ticks")
			return nil
		}
		interval := o.Tick(ctx)
		if err := o.clock.Sleep(ctx, interval); err != nil {
			o.logf(logrus.InfoLevel, "shutdown requested, stopping between ticks")
			return nil
		}
	}
}

// Tick runs one full cycle iteration and returns how long to sleep before
// the next. Exported so tests can step the loop deterministically.
func (o *Orchestrator) Tick(ctx context.Context) time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()

	telemetry.Ticks.Inc()
	now := o.clock.Now().In(o.cfg.Location())

	if !o.withinSession(ctx, now) {
		if o.sm.Current() == models.StateWaitingOpeningRange {
			o.transition(models.StateIdle, models.ConditionEntryWindowClosed)
		}
		return o.cfg.NormalInterval()
	}

	price, err := o.broker.GetUnderlyingPrice(ctx, o.cfg.Strategy.Symbol)
	if err != nil {
		o.logf(logrus.WarnLevel, "underlying price unavailable, skipping tick: %v", err)
		return o.cushion.Interval(o.lastTier)
	}

	vix, vixErr := o.broker.GetVIX(ctx)
	if vixErr == nil {
		telemetry.VIXLevel.Set(vix)
		o.updateDefensive(vix)
	}

	o.trackSession(now, price)
	if o.sm.HasOpenPositions() && o.strangle != nil && o.dailyMoveBreached(price) {
		o.logf(logrus.ErrorLevel, "daily move beyond %.1f%%, triggering emergency liquidation",
			o.cfg.Monitoring.DailyMoveEmergencyPct*100)
		o.enterEmergency(ctx)
		return o.cushion.Interval(risk.TierNormal)
	}

	switch o.sm.Current() {
	case models.StateIdle:
		o.handleIdle(now, vix, vixErr)
	case models.StateWaitingOpeningRange:
		o.handleOpeningRange(now)
	case models.StateEntering:
		o.handleEntering(ctx, now, price)
	case models.StateFullPosition:
		o.handleFullPosition(ctx, now, price)
	case models.StateRecentering:
		// Only reachable here via rehydration mid-action; the action itself
		// completes within its own tick.
		o.transition(models.StateFullPosition, models.ConditionRecenterFailed)
	case models.StateRolling:
		o.transition(models.StateFullPosition, models.ConditionRollFailed)
	case models.StateExiting:
		o.exitCycle(ctx, "exit_conditions")
	case models.StateEmergencyExit:
		o.runEmergency(ctx)
	}

	tier := o.lastTier
	if o.sm.Current() == models.StateFullPosition {
		tier = o.cushion.Assess(o.strangle, price).Tier
		o.lastTier = tier
	}
	o.snapshot(price, vix)
	return o.cushion.Interval(tier)
}

// withinSession reports whether now is a trading day inside market hours.
func (o *Orchestrator) withinSession(ctx context.Context, now time.Time) bool {
	if open, err := o.broker.IsTradingDay(ctx, now); err == nil && !open {
		return false
	}
	return !now.Before(o.cfg.MarketOpenAt(now)) && now.Before(o.cfg.MarketCloseAt(now))
}

func (o *Orchestrator) updateDefensive(vix float64) {
	switch {
	case vix >= o.cfg.Strategy.VIXDefensiveCeiling && !o.defensive:
		o.defensive = true
		o.safetyEvent(telemetry.SeverityHigh, "defensive_mode",
			fmt.Sprintf("VIX %.1f at or above %.1f, no new shorts until VIX < %.1f",
				vix, o.cfg.Strategy.VIXDefensiveCeiling, o.cfg.Strategy.VIXEntryCeiling))
	case vix < o.cfg.Strategy.VIXEntryCeiling && o.defensive:
		o.defensive = false
		o.safetyEvent(telemetry.SeverityLow, "defensive_mode", fmt.Sprintf("VIX %.1f back under %.1f, shorts permitted",
			vix, o.cfg.Strategy.VIXEntryCeiling))
	}
}

// trackSession records the first observed price of each session for the
// daily-move emergency check.
func (o *Orchestrator) trackSession(now time.Time, price float64) {
	day := now.Format("2006-01-02")
	if day != o.sessionDate {
		o.sessionDate = day
		o.sessionOpen = price
	}
}

func (o *Orchestrator) dailyMoveBreached(price float64) bool {
	if o.sessionOpen <= 0 {
		return false
	}
	move := (price - o.sessionOpen) / o.sessionOpen
	if move < 0 {
		move = -move
	}
	return move >= o.cfg.Monitoring.DailyMoveEmergencyPct
}

func (o *Orchestrator) handleIdle(now time.Time, vix float64, vixErr error) {
	if o.straddle != nil {
		// A previous cycle left the longs open (e.g. shorts closed in
		// defensive mode); re-enter directly without the opening-range wait.
		o.transition(models.StateEntering, models.ConditionLongsCarried)
		return
	}
	if err := o.breaker.Allow(risk.ActionEntry); err != nil {
		return
	}
	if o.defensive {
		return
	}
	if vixErr != nil {
		o.logf(logrus.DebugLevel, "VIX unavailable, entry blocked this tick: %v", vixErr)
		return
	}
	if vix >= o.cfg.Strategy.VIXEntryCeiling {
		o.logf(logrus.DebugLevel, "VIX %.1f at or above entry ceiling %.1f, staying idle", vix, o.cfg.Strategy.VIXEntryCeiling)
		return
	}
	o.transition(models.StateWaitingOpeningRange, models.ConditionEntryWindow)
}

func (o *Orchestrator) handleOpeningRange(now time.Time) {
	ready := o.cfg.MarketOpenAt(now).Add(o.cfg.OpeningRangeDelay())
	if now.Before(ready) {
		o.logf(logrus.InfoLevel, "waiting out the opening range, entry at %s", ready.Format("15:04:05"))
		return
	}
	o.transition(models.StateEntering, models.ConditionOpeningRangeDone)
}

func (o *Orchestrator) handleFullPosition(ctx context.Context, now time.Time, price float64) {
	a := o.cushion.Assess(o.strangle, price)
	o.lastTier = a.Tier

	if a.Tier == risk.TierEmergency && o.strangle != nil {
		o.enterEmergency(ctx)
		return
	}

	// A failed recenter reopen leaves the shorts unhedged; close the cycle
	// rather than carry naked strangles.
	if o.straddle == nil && o.strangle != nil {
		o.transition(models.StateExiting, models.ConditionExitConditions)
		o.exitCycle(ctx, "unhedged")
		return
	}

	// Recenter before any roll so the roll is computed against the fresh
	// underlying reference.
	// A halt blocks recenters and rolls but never the exit check below.
	if o.straddle != nil && o.recenter.ShouldRecenter(o.straddle, price) &&
		o.breaker.Allow(risk.ActionRecenter) == nil {
		o.transition(models.StateRecentering, models.ConditionRecenterTrigger)
		o.doRecenter(ctx, price)
		return
	}

	if a.Tier == risk.TierChallenged && o.strangle != nil &&
		o.breaker.Allow(risk.ActionRoll) == nil {
		o.transition(models.StateRolling, models.ConditionCushionChallenged)
		o.doRoll(ctx, now, price)
		return
	}

	if o.scheduledRollDue(ctx, now) && o.breaker.Allow(risk.ActionRoll) == nil {
		o.transition(models.StateRolling, models.ConditionScheduledRoll)
		o.doRoll(ctx, now, price)
		return
	}

	if o.straddle != nil && o.straddle.DTE(now) <= o.cfg.Strategy.LongExitDTE {
		o.logf(logrus.InfoLevel, "straddle at %d DTE (exit threshold %d), closing cycle",
			o.straddle.DTE(now), o.cfg.Strategy.LongExitDTE)
		o.transition(models.StateExiting, models.ConditionExitConditions)
		o.exitCycle(ctx, "exit_conditions")
	}
}

// scheduledRollDue reports whether the weekly roll should run today: Friday,
// or the prior trading day when Friday is a holiday.
func (o *Orchestrator) scheduledRollDue(ctx context.Context, now time.Time) bool {
	day := now.Format("2006-01-02")
	if day == o.lastRollDay {
		return false
	}
	switch now.Weekday() {
	case time.Friday:
		return true
	case time.Thursday:
		friday := now.AddDate(0, 0, 1)
		open, err := o.broker.IsTradingDay(ctx, friday)
		return err == nil && !open
	default:
		return false
	}
}

func (o *Orchestrator) enterEmergency(ctx context.Context) {
	if o.sm.CanTransition(models.StateEmergencyExit, models.ConditionEmergencyTrigger) {
		o.transition(models.StateEmergencyExit, models.ConditionEmergencyTrigger)
	}
	o.runEmergency(ctx)
}

// transition moves the state machine, logging and persisting. Invalid
// transitions indicate a sequencing bug and are logged loudly, never
// silently swallowed.
func (o *Orchestrator) transition(to models.CycleState, condition string) {
	from := o.sm.Current()
	if err := o.sm.Transition(to, condition); err != nil {
		o.logf(logrus.ErrorLevel, "state machine rejected %s -> %s (%s): %v", from, to, condition, err)
		return
	}
	o.logf(logrus.InfoLevel, "cycle %s -> %s (%s)", from, to, condition)
	o.persist()
}

// persist writes the full cycle state to the ledger after every mutation.
func (o *Orchestrator) persist() {
	halted, reason := o.breaker.Halted()
	err := o.store.Update(func(l *storage.Ledger) {
		l.CycleState = string(o.sm.Current())
		l.Straddle = o.straddle
		l.Strangle = o.strangle
		l.CycleMetrics = o.metrics
		l.Halted = halted
		l.HaltReason = reason
	})
	if err != nil {
		o.logf(logrus.ErrorLevel, "persisting ledger failed: %v", err)
	}
}

func (o *Orchestrator) snapshot(price, vix float64) {
	snap := telemetry.Snapshot{
		Time:       o.clock.Now(),
		CycleState: string(o.sm.Current()),
		Tier:       o.lastTier.String(),
		Underlying: price,
		VIX:        vix,
	}
	if o.straddle != nil {
		snap.StraddleID = o.straddle.ID
	}
	if o.strangle != nil {
		snap.StrangleID = o.strangle.ID
		a := o.cushion.Assess(o.strangle, price)
		snap.CushionCall = a.CushionCall
		snap.CushionPut = a.CushionPut
	}
	o.sink.LogPositionSnapshot(snap)
	telemetry.CyclePnL.Set(o.metrics.RealizedPnL)
}

func (o *Orchestrator) safetyEvent(sev telemetry.Severity, kind, msg string) {
	o.sink.LogSafetyEvent(telemetry.SafetyEvent{
		Time:     o.clock.Now(),
		Severity: sev,
		Kind:     kind,
		Message:  msg,
	})
	telemetry.SafetyEvents.WithLabelValues(string(sev)).Inc()
}

func (o *Orchestrator) logf(level logrus.Level, format string, args ...any) {
	if o.logger == nil {
		return
	}
	o.logger.Logf(level, format, args...)
}

// Status is a point-in-time view for the dashboard.
type Status struct {
	State          string                   `json:"state"`
	Description    string                   `json:"description"`
	Tier           string                   `json:"tier"`
	Defensive      bool                     `json:"defensive"`
	Straddle       *models.StraddlePosition `json:"straddle,omitempty"`
	Strangle       *models.StranglePosition `json:"strangle,omitempty"`
	Metrics        models.CycleMetrics      `json:"cycle_metrics"`
	Halted         bool                     `json:"halted"`
	HaltReason     string                   `json:"halt_reason,omitempty"`
	RecentFailures []risk.FailureRecord     `json:"recent_failures,omitempty"`
	StateVisits    map[string]int           `json:"state_visits,omitempty"`
}

// CurrentStatus reports the engine state for observability surfaces. Callers
// get copies; the dashboard never shares position structs with the loop.
func (o *Orchestrator) CurrentStatus() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	halted, reason := o.breaker.Halted()
	s := Status{
		State:          string(o.sm.Current()),
		Description:    o.sm.Describe(),
		Tier:           o.lastTier.String(),
		Defensive:      o.defensive,
		Metrics:        o.metrics,
		Halted:         halted,
		HaltReason:     reason,
		RecentFailures: o.breaker.Failures(),
	}
	visits := make(map[string]int)
	for _, tr := range models.ValidTransitions {
		if n := o.sm.TransitionCount(tr.To); n > 0 {
			visits[string(tr.To)] = n
		}
	}
	if len(visits) > 0 {
		s.StateVisits = visits
	}
	if o.straddle != nil {
		cp := *o.straddle
		s.Straddle = &cp
	}
	if o.strangle != nil {
		cp := *o.strangle
		s.Strangle = &cp
	}
	return s
}
