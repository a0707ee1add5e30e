package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/finchtrading/straddleharvest/internal/broker"
	"github.com/finchtrading/straddleharvest/internal/models"
	"github.com/finchtrading/straddleharvest/internal/telemetry"
	"github.com/finchtrading/straddleharvest/internal/util"
)

// ErrEmergencyCloseExhausted means every liquidation attempt failed and the
// position is still open at the broker. The caller must flag the position for
// manual intervention; the engine does not keep retrying past this point.
var ErrEmergencyCloseExhausted = errors.New("emergency close attempts exhausted, position requires manual intervention")

// EmergencySettings are the liquidation handler knobs, sourced from config.
type EmergencySettings struct {
	// RetryCount caps the limit-order attempts on the slippage ladder.
	RetryCount int
	// RetryDelay separates consecutive attempts.
	RetryDelay time.Duration
	// MarketOrderFallback permits one final market order after the ladder.
	MarketOrderFallback bool
	// SpreadNormalizeWait bounds the pre-liquidation wait for spreads to
	// settle; SpreadNormalizeAttempts quotes are taken inside it, and the
	// handler proceeds regardless of the outcome.
	SpreadNormalizeWait     time.Duration
	SpreadNormalizeAttempts int
	// SpreadRatioThreshold is the spread/mid ratio considered normal.
	SpreadRatioThreshold float64
	// TickSize rounds limit prices.
	TickSize float64
}

// slippageLadder is the fraction added to the mid debit per attempt. Attempts
// past the ladder's end reuse the last rung.
var slippageLadder = []float64{0, 0.05, 0.10}

// OrderPlacer is the validated order path. Liquidations go through it so the
// size caps and fill-deviation alerts apply to emergency orders too;
// satisfied by orders.Manager.
type OrderPlacer interface {
	Place(ctx context.Context, req broker.OrderRequest, expectedPrice float64) (*broker.OrderResult, error)
}

// EmergencyExitHandler liquidates short strangle legs when price reaches a
// short strike. Attempts are strictly bounded: an aggressive-but-capped limit
// ladder, an optional market fallback, then a hard stop with the position
// flagged for manual intervention. Unbounded chasing is exactly what this
// handler exists to prevent.
type EmergencyExitHandler struct {
	broker   broker.Broker
	orders   OrderPlacer
	settings EmergencySettings
	sink     telemetry.Sink
	logger   *logrus.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewEmergencyExitHandler creates a handler that quotes through the broker
// and places through the validated order path.
func NewEmergencyExitHandler(b broker.Broker, placer OrderPlacer, settings EmergencySettings, sink telemetry.Sink, logger *logrus.Logger) *EmergencyExitHandler {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &EmergencyExitHandler{
		broker:   b,
		orders:   placer,
		settings: settings,
		sink:     sink,
		logger:   logger,
		sleep:    ctxSleep,
	}
}

// SetSleepFunc overrides the inter-attempt delay for tests.
func (h *EmergencyExitHandler) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	h.sleep = fn
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Close buys back both short legs of the strangle. It returns the fill result
// on success, ErrEmergencyCloseExhausted once every attempt has failed, or
// the context error if cancelled mid-ladder.
func (h *EmergencyExitHandler) Close(ctx context.Context, strangle *models.StranglePosition) (*broker.OrderResult, error) {
	if strangle == nil {
		return nil, fmt.Errorf("emergency close: no strangle position")
	}

	callKey := broker.OptionKey{
		Symbol: strangle.Symbol, Right: models.RightCall,
		Strike: strangle.Call.Strike, Expiration: strangle.Call.Expiration,
	}
	putKey := broker.OptionKey{
		Symbol: strangle.Symbol, Right: models.RightPut,
		Strike: strangle.Put.Strike, Expiration: strangle.Put.Expiration,
	}

	for attemptNum := 1; attemptNum <= h.settings.RetryCount; attemptNum++ {
		if attemptNum > 1 {
			if err := h.sleep(ctx, h.settings.RetryDelay); err != nil {
				return nil, err
			}
		}

		// Emergencies often coincide with dislocated markets. Give the
		// spread a short, bounded chance to settle before pricing each
		// attempt; never block on it.
		h.waitForSpread(ctx, callKey, putKey)

		debit, err := h.limitDebit(ctx, callKey, putKey, attemptNum)
		if err != nil {
			h.alert(attemptNum, fmt.Sprintf("quote failure on attempt %d: %v", attemptNum, err))
			continue
		}

		res, err := h.orders.Place(ctx, broker.OrderRequest{
			Legs: []broker.OrderLeg{
				{Option: callKey, Side: broker.SideBuyToClose, Quantity: strangle.Call.Quantity},
				{Option: putKey, Side: broker.SideBuyToClose, Quantity: strangle.Put.Quantity},
			},
			Type:       broker.OrderTypeLimit,
			LimitPrice: debit,
			Tag:        "emergency-" + uuid.NewString()[:8],
		}, debit)
		if err == nil && res != nil && res.Status == broker.StatusFilled {
			h.logClosed(strangle, res, attemptNum)
			return res, nil
		}
		h.alert(attemptNum, fmt.Sprintf("attempt %d/%d unfilled (limit %.2f): %v",
			attemptNum, h.settings.RetryCount, debit, describeOutcome(res, err)))

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	if h.settings.MarketOrderFallback {
		res, err := h.orders.Place(ctx, broker.OrderRequest{
			Legs: []broker.OrderLeg{
				{Option: callKey, Side: broker.SideBuyToClose, Quantity: strangle.Call.Quantity},
				{Option: putKey, Side: broker.SideBuyToClose, Quantity: strangle.Put.Quantity},
			},
			Type: broker.OrderTypeMarket,
			Tag:  "emergency-mkt-" + uuid.NewString()[:8],
		}, 0)
		if err == nil && res != nil && res.Status == broker.StatusFilled {
			h.logClosed(strangle, res, h.settings.RetryCount+1)
			return res, nil
		}
		h.alertCritical(fmt.Sprintf("market fallback failed: %v", describeOutcome(res, err)))
	}

	h.alertCritical(fmt.Sprintf("strangle %s still open after %d attempts, flagging for manual intervention",
		strangle.ID, h.settings.RetryCount))
	return nil, ErrEmergencyCloseExhausted
}

// limitDebit prices one ladder attempt: quote both legs, take the combined
// mid, and pay up by the attempt's slippage rung.
func (h *EmergencyExitHandler) limitDebit(ctx context.Context, callKey, putKey broker.OptionKey, attemptNum int) (float64, error) {
	callQ, err := h.broker.GetQuote(ctx, callKey)
	if err != nil {
		return 0, err
	}
	putQ, err := h.broker.GetQuote(ctx, putKey)
	if err != nil {
		return 0, err
	}

	slip := slippageLadder[len(slippageLadder)-1]
	if idx := attemptNum - 1; idx < len(slippageLadder) {
		slip = slippageLadder[idx]
	}
	mid := callQ.Mid() + putQ.Mid()
	return util.RoundToTick(mid*(1+slip), h.settings.TickSize), nil
}

// waitForSpread polls the leg quotes until both spread ratios look normal,
// the attempt budget runs out, or the wait window closes.
func (h *EmergencyExitHandler) waitForSpread(ctx context.Context, callKey, putKey broker.OptionKey) {
	attempts := h.settings.SpreadNormalizeAttempts
	if attempts <= 0 {
		return
	}
	interval := h.settings.SpreadNormalizeWait / time.Duration(attempts)

	for i := 0; i < attempts; i++ {
		callQ, errC := h.broker.GetQuote(ctx, callKey)
		putQ, errP := h.broker.GetQuote(ctx, putKey)
		if errC == nil && errP == nil &&
			callQ.SpreadRatio() < h.settings.SpreadRatioThreshold &&
			putQ.SpreadRatio() < h.settings.SpreadRatioThreshold {
			return
		}
		if i == attempts-1 || h.sleep(ctx, interval) != nil {
			break
		}
	}
	if h.logger != nil {
		h.logger.Warn("spreads did not normalize within the wait window, proceeding with liquidation")
	}
}

// alert escalates with the ladder: early attempts warn, late attempts page.
func (h *EmergencyExitHandler) alert(attemptNum int, msg string) {
	sev := telemetry.SeverityHigh
	if attemptNum >= h.settings.RetryCount-1 {
		sev = telemetry.SeverityCritical
	}
	h.emit(sev, msg)
}

func (h *EmergencyExitHandler) alertCritical(msg string) {
	h.emit(telemetry.SeverityCritical, msg)
}

func (h *EmergencyExitHandler) emit(sev telemetry.Severity, msg string) {
	h.sink.LogSafetyEvent(telemetry.SafetyEvent{
		Time:     time.Now(),
		Severity: sev,
		Kind:     "emergency_exit",
		Message:  msg,
	})
	telemetry.SafetyEvents.WithLabelValues(string(sev)).Inc()
	if h.logger != nil {
		h.logger.Warn(msg)
	}
}

func (h *EmergencyExitHandler) logClosed(s *models.StranglePosition, res *broker.OrderResult, attemptNum int) {
	if h.logger != nil {
		h.logger.WithFields(logrus.Fields{
			"strangle": s.ID,
			"order":    res.ID,
			"debit":    res.FilledPrice,
			"attempt":  attemptNum,
		}).Warn("emergency close filled")
	}
}

func describeOutcome(res *broker.OrderResult, err error) string {
	if err != nil {
		return err.Error()
	}
	if res == nil {
		return "no result"
	}
	return string(res.Status)
}
