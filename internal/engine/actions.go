package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/finchtrading/straddleharvest/internal/broker"
	"github.com/finchtrading/straddleharvest/internal/models"
	"github.com/finchtrading/straddleharvest/internal/risk"
	"github.com/finchtrading/straddleharvest/internal/storage"
	"github.com/finchtrading/straddleharvest/internal/strategy"
	"github.com/finchtrading/straddleharvest/internal/telemetry"
	"github.com/finchtrading/straddleharvest/internal/util"
)

// handleEntering opens the long straddle (unless carried over) and then the
// initial short strangle. Strike selection runs before any order so a "no
// entry this cycle" decision costs nothing.
func (o *Orchestrator) handleEntering(ctx context.Context, now time.Time, price float64) {
	qty := o.cfg.Strategy.Quantity

	if o.straddle == nil {
		strike := util.RoundToStrike(price, o.cfg.Strategy.StrikeIncrement)
		longExp := fridayOnOrAfter(now.AddDate(0, 0, o.cfg.Strategy.LongTargetDTE))

		callQ, putQ, err := o.quotePair(ctx, strike, strike, longExp)
		if err != nil {
			o.logf(logrus.WarnLevel, "straddle quotes unavailable, retrying next tick: %v", err)
			return
		}

		expectedMove, err := strategy.ExpectedMove(callQ.Mid(), putQ.Mid())
		if err != nil {
			o.logf(logrus.WarnLevel, "expected move unavailable, retrying next tick: %v", err)
			return
		}
		straddleDebit := callQ.Ask + putQ.Ask
		straddleCost := straddleDebit * models.SharesPerContract * float64(qty)

		var cand *strategy.Candidate
		if !o.defensive {
			cand, err = o.selector.Select(ctx, price, expectedMove, straddleCost, o.shortExpiry(now))
			if err != nil {
				o.logf(logrus.WarnLevel, "strike selection blocked, retrying next tick: %v", err)
				return
			}
			if cand == nil {
				o.logf(logrus.InfoLevel, "no strangle meets the safety floor, skipping entry this cycle")
				o.transition(models.StateIdle, models.ConditionEntrySkipped)
				return
			}
		}

		if !o.openStraddle(ctx, now, strike, longExp, callQ, putQ) {
			o.recordAction(risk.ActionEntry, false)
			o.transition(models.StateIdle, models.ConditionEntrySkipped)
			return
		}

		if cand == nil {
			// Defensive mode: carry the longs, sell shorts once VIX recedes.
			o.recordAction(risk.ActionEntry, true)
			o.transition(models.StateFullPosition, models.ConditionPositionsOpened)
			return
		}
		if !o.openStrangle(ctx, now, price, cand) {
			// The straddle is already on; unwind the half-built cycle.
			o.recordAction(risk.ActionEntry, false)
			o.transition(models.StateExiting, models.ConditionEntryAborted)
			o.exitCycle(ctx, "entry_aborted")
			return
		}
		o.recordAction(risk.ActionEntry, true)
		o.transition(models.StateFullPosition, models.ConditionPositionsOpened)
		return
	}

	// Longs carried from a prior cycle: only the shorts are missing.
	if !o.defensive {
		cand, err := o.selectStrangle(ctx, now, price)
		if err != nil {
			o.logf(logrus.WarnLevel, "strike selection blocked, retrying next tick: %v", err)
			return
		}
		if cand != nil {
			if o.openStrangle(ctx, now, price, cand) {
				o.recordAction(risk.ActionEntry, true)
			} else {
				o.recordAction(risk.ActionEntry, false)
			}
		}
	}
	o.transition(models.StateFullPosition, models.ConditionPositionsOpened)
}

// openStraddle buys both long legs. Returns false on any failure before a
// position exists.
func (o *Orchestrator) openStraddle(ctx context.Context, now time.Time, strike float64, exp time.Time, callQ, putQ broker.Quote) bool {
	qty := o.cfg.Strategy.Quantity
	symbol := o.cfg.Strategy.Symbol
	debit := util.RoundToTick(callQ.Ask+putQ.Ask, o.cfg.Orders.TickSize)

	res, err := o.orders.Place(ctx, broker.OrderRequest{
		Legs: []broker.OrderLeg{
			{Option: o.key(models.RightCall, strike, exp), Side: broker.SideBuyToOpen, Quantity: qty},
			{Option: o.key(models.RightPut, strike, exp), Side: broker.SideBuyToOpen, Quantity: qty},
		},
		Type:       broker.OrderTypeLimit,
		LimitPrice: debit,
		Tag:        "straddle-" + uuid.NewString()[:8],
	}, debit)
	if err != nil || res.Status != broker.StatusFilled {
		o.logf(logrus.WarnLevel, "straddle entry failed: %v", describeOrder(res, err))
		return false
	}

	o.straddle = &models.StraddlePosition{
		ID:     uuid.NewString(),
		Symbol: symbol,
		Call: models.Leg{Right: models.RightCall, Strike: strike, Expiration: exp,
			Quantity: qty, EntryPrice: callQ.Ask, CurrentPrice: callQ.Mid(), Status: models.LegOpen},
		Put: models.Leg{Right: models.RightPut, Strike: strike, Expiration: exp,
			Quantity: qty, EntryPrice: putQ.Ask, CurrentPrice: putQ.Mid(), Status: models.LegOpen},
		InitialStrike: strike,
		EntryTime:     now,
	}
	o.metrics.StraddleCost += o.straddle.Cost()
	o.tradeEvent("open_straddle", -o.straddle.Cost(),
		fmt.Sprintf("strike %.0f exp %s", strike, exp.Format("2006-01-02")))
	o.persist()
	return true
}

// openStrangle sells both short legs from a selected candidate.
func (o *Orchestrator) openStrangle(ctx context.Context, now time.Time, price float64, cand *strategy.Candidate) bool {
	qty := o.cfg.Strategy.Quantity
	credit := util.RoundToTick(cand.CallQuote.Bid+cand.PutQuote.Bid, o.cfg.Orders.TickSize)

	res, err := o.orders.Place(ctx, broker.OrderRequest{
		Legs: []broker.OrderLeg{
			{Option: o.key(models.RightCall, cand.CallStrike, cand.Expiration), Side: broker.SideSellToOpen, Quantity: qty},
			{Option: o.key(models.RightPut, cand.PutStrike, cand.Expiration), Side: broker.SideSellToOpen, Quantity: qty},
		},
		Type:       broker.OrderTypeLimit,
		LimitPrice: -credit,
		Tag:        "strangle-" + uuid.NewString()[:8],
	}, -credit)
	if err != nil || res.Status != broker.StatusFilled {
		o.logf(logrus.WarnLevel, "strangle entry failed: %v", describeOrder(res, err))
		if res != nil && res.Status == broker.StatusPartial {
			o.breaker.StartCooldown(risk.CooldownPartialFill)
		}
		return false
	}

	o.strangle = &models.StranglePosition{
		ID:     uuid.NewString(),
		Symbol: o.cfg.Strategy.Symbol,
		Call: models.Leg{Right: models.RightCall, Strike: cand.CallStrike, Expiration: cand.Expiration,
			Quantity: qty, EntryPrice: cand.CallQuote.Bid, CurrentPrice: cand.CallQuote.Mid(), Status: models.LegOpen},
		Put: models.Leg{Right: models.RightPut, Strike: cand.PutStrike, Expiration: cand.Expiration,
			Quantity: qty, EntryPrice: cand.PutQuote.Bid, CurrentPrice: cand.PutQuote.Mid(), Status: models.LegOpen},
		EntryUnderlying: price,
		CallMultiplier:  cand.CallMult,
		PutMultiplier:   cand.PutMult,
		EntryTime:       now,
	}
	o.metrics.PremiumCollected += cand.Premium
	o.tradeEvent("open_strangle", cand.Premium,
		fmt.Sprintf("%.0f/%.0f %.2fx tier %s", cand.PutStrike, cand.CallStrike, cand.Multiplier, cand.Tier))
	o.persist()
	return true
}

// doRoll closes the active strangle and re-opens one centered on the current
// price, but only for a net credit. A rejected roll ends the whole cycle.
func (o *Orchestrator) doRoll(ctx context.Context, now time.Time, price float64) {
	day := now.Format("2006-01-02")
	qty := o.cfg.Strategy.Quantity

	if o.strangle == nil {
		// Weekly cadence with no shorts on (defensive gap or a skipped
		// entry): just sell a fresh strangle.
		o.lastRollDay = day
		if o.defensive {
			o.transition(models.StateFullPosition, models.ConditionRollFailed)
			return
		}
		cand, err := o.selectStrangle(ctx, now, price)
		if err != nil || cand == nil {
			o.transition(models.StateFullPosition, models.ConditionRollFailed)
			return
		}
		if o.openStrangle(ctx, now, price, cand) {
			o.recordAction(risk.ActionRoll, true)
			o.transition(models.StateFullPosition, models.ConditionRollComplete)
		} else {
			o.recordAction(risk.ActionRoll, false)
			o.breaker.StartCooldown(risk.CooldownRollFailure)
			o.transition(models.StateFullPosition, models.ConditionRollFailed)
		}
		return
	}

	oldCallQ, oldPutQ, err := o.quotePair(ctx, o.strangle.Call.Strike, o.strangle.Put.Strike, o.strangle.Call.Expiration)
	if err != nil {
		o.logf(logrus.WarnLevel, "roll blocked on stale quotes, retrying next tick: %v", err)
		o.transition(models.StateFullPosition, models.ConditionRollFailed)
		return
	}

	cand, err := o.selectStrangle(ctx, now, price)
	if err != nil {
		o.logf(logrus.WarnLevel, "roll blocked on selection, retrying next tick: %v", err)
		o.transition(models.StateFullPosition, models.ConditionRollFailed)
		return
	}
	if cand == nil {
		// Nothing to roll into at a positive return: same outcome as a
		// debit rejection, the cycle ends.
		o.lastRollDay = day
		o.transition(models.StateExiting, models.ConditionRollRejectedDebit)
		o.exitCycle(ctx, "roll_rejected")
		return
	}

	decision := o.rollEngine.Evaluate(strategy.RollQuotes{
		OldCallAsk: oldCallQ.Ask,
		OldPutAsk:  oldPutQ.Ask,
		NewCallBid: cand.CallQuote.Bid,
		NewPutBid:  cand.PutQuote.Bid,
		Quantity:   qty,
	})
	if !decision.Accept {
		o.lastRollDay = day
		o.safetyEvent(telemetry.SeverityHigh, "roll_rejected",
			fmt.Sprintf("net credit %.2f, closing the cycle", decision.NetCredit))
		// A rejected roll means the shorts are under pressure with no
		// economic way out; liquidate them through the bounded handler
		// rather than a patient limit close.
		o.liquidateStrangle(ctx)
		o.transition(models.StateExiting, models.ConditionRollRejectedDebit)
		o.exitCycle(ctx, "roll_rejected")
		return
	}

	if !o.closeStrangle(ctx, oldCallQ, oldPutQ) {
		o.recordAction(risk.ActionRoll, false)
		o.breaker.StartCooldown(risk.CooldownRollFailure)
		o.transition(models.StateFullPosition, models.ConditionRollFailed)
		return
	}

	if !o.openStrangle(ctx, now, price, cand) {
		// Old shorts are gone, new ones failed; the weekly cadence (or a
		// challenged tick) re-sells after the cooldown.
		o.recordAction(risk.ActionRoll, false)
		o.breaker.StartCooldown(risk.CooldownRollFailure)
		o.transition(models.StateFullPosition, models.ConditionRollFailed)
		return
	}

	o.metrics.RollCount++
	o.lastRollDay = day
	o.recordAction(risk.ActionRoll, true)
	o.transition(models.StateFullPosition, models.ConditionRollComplete)
}

// doRecenter re-strikes the straddle at the new ATM, preserving expiry.
func (o *Orchestrator) doRecenter(ctx context.Context, price float64) {
	plan := o.recenter.Plan(o.straddle, price)
	qty := o.cfg.Strategy.Quantity

	oldCallQ, oldPutQ, err := o.quotePair(ctx, o.straddle.Call.Strike, o.straddle.Put.Strike, plan.Expiration)
	if err != nil {
		o.logf(logrus.WarnLevel, "recenter blocked on stale quotes, retrying next tick: %v", err)
		o.transition(models.StateFullPosition, models.ConditionRecenterFailed)
		return
	}
	newCallQ, newPutQ, err := o.quotePair(ctx, plan.NewStrike, plan.NewStrike, plan.Expiration)
	if err != nil {
		o.logf(logrus.WarnLevel, "recenter blocked on stale quotes, retrying next tick: %v", err)
		o.transition(models.StateFullPosition, models.ConditionRecenterFailed)
		return
	}

	// Close the old longs at the mid; the re-strike is time-sensitive but
	// not distressed.
	credit := util.RoundToTick(oldCallQ.Mid()+oldPutQ.Mid(), o.cfg.Orders.TickSize)
	res, err := o.orders.Place(ctx, broker.OrderRequest{
		Legs: []broker.OrderLeg{
			{Option: o.key(models.RightCall, o.straddle.Call.Strike, plan.Expiration), Side: broker.SideSellToClose, Quantity: qty},
			{Option: o.key(models.RightPut, o.straddle.Put.Strike, plan.Expiration), Side: broker.SideSellToClose, Quantity: qty},
		},
		Type:       broker.OrderTypeLimit,
		LimitPrice: -credit,
		Tag:        "recenter-close-" + uuid.NewString()[:8],
	}, -credit)
	if err != nil || res.Status != broker.StatusFilled {
		o.logf(logrus.WarnLevel, "recenter close failed: %v", describeOrder(res, err))
		o.recordAction(risk.ActionRecenter, false)
		o.transition(models.StateFullPosition, models.ConditionRecenterFailed)
		return
	}
	proceeds := credit * models.SharesPerContract * float64(qty)
	o.metrics.RealizedPnL += proceeds - o.straddle.Cost()
	closedCost := o.straddle.Cost()
	o.straddle = nil
	o.persist()

	// Reopen at the new ATM, same expiry.
	debit := util.RoundToTick(newCallQ.Ask+newPutQ.Ask, o.cfg.Orders.TickSize)
	res, err = o.orders.Place(ctx, broker.OrderRequest{
		Legs: []broker.OrderLeg{
			{Option: o.key(models.RightCall, plan.NewStrike, plan.Expiration), Side: broker.SideBuyToOpen, Quantity: qty},
			{Option: o.key(models.RightPut, plan.NewStrike, plan.Expiration), Side: broker.SideBuyToOpen, Quantity: qty},
		},
		Type:       broker.OrderTypeLimit,
		LimitPrice: debit,
		Tag:        "recenter-open-" + uuid.NewString()[:8],
	}, debit)
	if err != nil || res.Status != broker.StatusFilled {
		o.logf(logrus.ErrorLevel, "recenter reopen failed, cycle is unhedged: %v", describeOrder(res, err))
		o.recordAction(risk.ActionRecenter, false)
		o.transition(models.StateFullPosition, models.ConditionRecenterFailed)
		return
	}

	o.straddle = &models.StraddlePosition{
		ID:     uuid.NewString(),
		Symbol: o.cfg.Strategy.Symbol,
		Call: models.Leg{Right: models.RightCall, Strike: plan.NewStrike, Expiration: plan.Expiration,
			Quantity: qty, EntryPrice: newCallQ.Ask, CurrentPrice: newCallQ.Mid(), Status: models.LegOpen},
		Put: models.Leg{Right: models.RightPut, Strike: plan.NewStrike, Expiration: plan.Expiration,
			Quantity: qty, EntryPrice: newPutQ.Ask, CurrentPrice: newPutQ.Mid(), Status: models.LegOpen},
		InitialStrike: plan.NewStrike,
		EntryTime:     o.clock.Now(),
	}
	o.metrics.StraddleCost += o.straddle.Cost()
	o.metrics.RecenterCount++
	o.recordAction(risk.ActionRecenter, true)
	o.tradeEvent("recenter", proceeds-closedCost,
		fmt.Sprintf("%.0f -> %.0f, drift %.2f", plan.OldStrike, plan.NewStrike, plan.Drift))
	o.transition(models.StateFullPosition, models.ConditionRecenterComplete)
}

// closeStrangle buys back both short legs at the ask. Updates realized P&L
// on success.
func (o *Orchestrator) closeStrangle(ctx context.Context, callQ, putQ broker.Quote) bool {
	qty := o.cfg.Strategy.Quantity
	debit := util.RoundToTick(callQ.Ask+putQ.Ask, o.cfg.Orders.TickSize)

	res, err := o.orders.Place(ctx, broker.OrderRequest{
		Legs: []broker.OrderLeg{
			{Option: o.key(models.RightCall, o.strangle.Call.Strike, o.strangle.Call.Expiration), Side: broker.SideBuyToClose, Quantity: qty},
			{Option: o.key(models.RightPut, o.strangle.Put.Strike, o.strangle.Put.Expiration), Side: broker.SideBuyToClose, Quantity: qty},
		},
		Type:       broker.OrderTypeLimit,
		LimitPrice: debit,
		Tag:        "strangle-close-" + uuid.NewString()[:8],
	}, debit)
	if err != nil || res.Status != broker.StatusFilled {
		o.logf(logrus.WarnLevel, "strangle close failed: %v", describeOrder(res, err))
		return false
	}

	cost := debit * models.SharesPerContract * float64(qty)
	pnl := o.strangle.Premium() - cost
	o.metrics.RealizedPnL += pnl
	o.tradeEvent("close_strangle", -cost, fmt.Sprintf("realized %.2f", pnl))
	o.strangle = nil
	o.persist()
	return true
}

// exitCycle closes everything still open, books the cycle into the ledger,
// and returns the machine to idle. Failures leave the machine in Exiting so
// the next tick retries.
func (o *Orchestrator) exitCycle(ctx context.Context, outcome string) {
	now := o.clock.Now()
	openedAt := now
	if o.straddle != nil {
		openedAt = o.straddle.EntryTime
	} else if o.strangle != nil {
		openedAt = o.strangle.EntryTime
	}

	if o.strangle != nil {
		callQ, putQ, err := o.quotePair(ctx, o.strangle.Call.Strike, o.strangle.Put.Strike, o.strangle.Call.Expiration)
		if err != nil {
			o.logf(logrus.WarnLevel, "exit blocked on stale quotes, retrying next tick: %v", err)
			return
		}
		if !o.closeStrangle(ctx, callQ, putQ) {
			o.recordAction(risk.ActionExit, false)
			return
		}
	}

	if o.straddle != nil {
		callQ, putQ, err := o.quotePair(ctx, o.straddle.Call.Strike, o.straddle.Put.Strike, o.straddle.Call.Expiration)
		if err != nil {
			o.logf(logrus.WarnLevel, "exit blocked on stale quotes, retrying next tick: %v", err)
			return
		}
		qty := o.cfg.Strategy.Quantity
		credit := util.RoundToTick(callQ.Bid+putQ.Bid, o.cfg.Orders.TickSize)
		res, err := o.orders.Place(ctx, broker.OrderRequest{
			Legs: []broker.OrderLeg{
				{Option: o.key(models.RightCall, o.straddle.Call.Strike, o.straddle.Call.Expiration), Side: broker.SideSellToClose, Quantity: qty},
				{Option: o.key(models.RightPut, o.straddle.Put.Strike, o.straddle.Put.Expiration), Side: broker.SideSellToClose, Quantity: qty},
			},
			Type:       broker.OrderTypeLimit,
			LimitPrice: -credit,
			Tag:        "straddle-close-" + uuid.NewString()[:8],
		}, -credit)
		if err != nil || res.Status != broker.StatusFilled {
			o.logf(logrus.WarnLevel, "straddle close failed: %v", describeOrder(res, err))
			o.recordAction(risk.ActionExit, false)
			return
		}
		proceeds := credit * models.SharesPerContract * float64(qty)
		pnl := proceeds - o.straddle.Cost()
		o.metrics.RealizedPnL += pnl
		o.tradeEvent("close_straddle", proceeds, fmt.Sprintf("realized %.2f", pnl))
		// The ledger still holds the straddle until CloseCycle archives it;
		// persisting a nil here first would make the close unbookable.
		o.persist()
	}

	o.recordAction(risk.ActionExit, true)

	rec := storage.CycleRecord{
		ID:               uuid.NewString(),
		Symbol:           o.cfg.Strategy.Symbol,
		OpenedAt:         openedAt,
		ClosedAt:         now,
		Outcome:          outcome,
		PremiumCollected: dollars(o.metrics.PremiumCollected),
		StraddleCost:     dollars(o.metrics.StraddleCost),
		RealizedPnL:      dollars(o.metrics.RealizedPnL),
		RollCount:        o.metrics.RollCount,
		RecenterCount:    o.metrics.RecenterCount,
	}
	if err := o.store.CloseCycle(rec); err != nil {
		if errors.Is(err, storage.ErrNoOpenCycle) {
			// A strangle-only cycle persisted its close already; book the
			// record directly.
			err = o.store.Update(func(l *storage.Ledger) {
				l.History = append(l.History, rec)
				l.Lifetime.MergeCycle(l.CycleMetrics)
				l.CycleMetrics = models.NewCycleMetrics()
				l.CycleState = string(models.StateIdle)
			})
		}
		if err != nil {
			o.logf(logrus.ErrorLevel, "booking cycle failed: %v", err)
		}
	}
	o.logf(logrus.InfoLevel, "cycle closed (%s): realized %.2f over %d rolls, %d recenters",
		outcome, o.metrics.RealizedPnL, o.metrics.RollCount, o.metrics.RecenterCount)

	o.straddle = nil
	o.metrics = models.NewCycleMetrics()
	o.lastTier = risk.TierNormal
	o.transition(models.StateIdle, models.ConditionCycleClosed)
}

// runEmergency liquidates the shorts through the bounded handler and then
// proceeds to a normal exit regardless of outcome.
func (o *Orchestrator) runEmergency(ctx context.Context) {
	if o.strangle != nil {
		ok := o.liquidateStrangle(ctx)
		o.breaker.StartCooldown(risk.CooldownEmergency)
		if !ok && ctx.Err() != nil {
			// Shutdown mid-ladder; the next start rehydrates EmergencyExit
			// and runs the handler again.
			return
		}
	}
	o.transition(models.StateExiting, models.ConditionEmergencyComplete)
	o.exitCycle(ctx, "emergency")
}

// liquidateStrangle runs the bounded emergency close on the open shorts and
// books the outcome. On exhaustion the shorts stay open and flagged; the
// exit path keeps retrying them with patient limit orders.
func (o *Orchestrator) liquidateStrangle(ctx context.Context) bool {
	if o.strangle == nil {
		return true
	}
	res, err := o.emergency.Close(ctx, o.strangle)
	if err != nil {
		o.recordAction(risk.ActionExit, false)
		return false
	}
	cost := res.FilledPrice * models.SharesPerContract * float64(o.strangle.Call.Quantity)
	pnl := o.strangle.Premium() - cost
	o.metrics.RealizedPnL += pnl
	o.tradeEvent("emergency_close", -cost, fmt.Sprintf("realized %.2f", pnl))
	o.strangle = nil
	o.recordAction(risk.ActionExit, true)
	o.persist()
	return true
}

// selectStrangle computes the expected move from the live straddle quotes
// and runs the three-tier selector against the current price.
func (o *Orchestrator) selectStrangle(ctx context.Context, now time.Time, price float64) (*strategy.Candidate, error) {
	if o.straddle == nil {
		return nil, fmt.Errorf("no straddle to derive expected move from: %w", broker.ErrMarketDataUnavailable)
	}
	callQ, putQ, err := o.quotePair(ctx, o.straddle.Call.Strike, o.straddle.Put.Strike, o.straddle.Call.Expiration)
	if err != nil {
		return nil, err
	}
	expectedMove, err := strategy.ExpectedMove(callQ.Mid(), putQ.Mid())
	if err != nil {
		return nil, err
	}
	return o.selector.Select(ctx, price, expectedMove, o.straddle.Cost(), o.shortExpiry(now))
}

// recordAction feeds the trading-action breaker and the action counters.
func (o *Orchestrator) recordAction(cat risk.ActionCategory, ok bool) {
	result := "success"
	if ok {
		o.breaker.RecordSuccess(cat)
	} else {
		o.breaker.RecordFailure(cat)
		result = "failure"
	}
	telemetry.Actions.WithLabelValues(string(cat), result).Inc()
}

func (o *Orchestrator) tradeEvent(action string, amount float64, detail string) {
	o.sink.LogTrade(telemetry.TradeEvent{
		Time:   o.clock.Now(),
		Action: action,
		Symbol: o.cfg.Strategy.Symbol,
		Detail: detail,
		Amount: dollars(amount),
	})
}

func (o *Orchestrator) key(right models.OptionRight, strike float64, exp time.Time) broker.OptionKey {
	return broker.OptionKey{
		Symbol:     o.cfg.Strategy.Symbol,
		Right:      right,
		Strike:     strike,
		Expiration: exp,
	}
}

// quotePair fetches a call and a put quote and requires both to be usable.
func (o *Orchestrator) quotePair(ctx context.Context, callStrike, putStrike float64, exp time.Time) (broker.Quote, broker.Quote, error) {
	callQ, err := o.broker.GetQuote(ctx, o.key(models.RightCall, callStrike, exp))
	if err != nil {
		return broker.Quote{}, broker.Quote{}, err
	}
	putQ, err := o.broker.GetQuote(ctx, o.key(models.RightPut, putStrike, exp))
	if err != nil {
		return broker.Quote{}, broker.Quote{}, err
	}
	if !callQ.Usable() || !putQ.Usable() {
		return broker.Quote{}, broker.Quote{}, broker.ErrMarketDataUnavailable
	}
	return callQ, putQ, nil
}

// shortExpiry picks the weekly expiration for a new strangle: the upcoming
// Friday, or the following one when today is Friday.
func (o *Orchestrator) shortExpiry(now time.Time) time.Time {
	return fridayOnOrAfter(now.AddDate(0, 0, 1))
}

// fridayOnOrAfter advances t to the first Friday on or after it, truncated
// to midnight UTC.
func fridayOnOrAfter(t time.Time) time.Time {
	d := t.UTC().Truncate(24 * time.Hour)
	for d.Weekday() != time.Friday {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

func dollars(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}

func describeOrder(res *broker.OrderResult, err error) string {
	if err != nil {
		return err.Error()
	}
	if res == nil {
		return "no result"
	}
	return string(res.Status)
}
