package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finchtrading/straddleharvest/internal/broker"
	"github.com/finchtrading/straddleharvest/internal/models"
	"github.com/finchtrading/straddleharvest/internal/orders"
	"github.com/finchtrading/straddleharvest/internal/telemetry"
)

// recordingSink captures safety events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []telemetry.SafetyEvent
}

var _ telemetry.Sink = (*recordingSink)(nil)

func (s *recordingSink) LogTrade(telemetry.TradeEvent) {}

func (s *recordingSink) LogSafetyEvent(ev telemetry.SafetyEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) LogPositionSnapshot(telemetry.Snapshot) {}

func (s *recordingSink) all() []telemetry.SafetyEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]telemetry.SafetyEvent, len(s.events))
	copy(out, s.events)
	return out
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func testCushionSettings() CushionSettings {
	return CushionSettings{
		VigilantCushion:       0.60,
		ChallengedCushion:     0.75,
		EmergencyProximityPct: 0.001,
		LegacyChallengedPct:   0.005,
		NormalInterval:        10 * time.Second,
		VigilantInterval:      2 * time.Second,
	}
}

func testStrangle(entry float64) *models.StranglePosition {
	exp := time.Date(2025, 5, 27, 0, 0, 0, 0, time.UTC)
	return &models.StranglePosition{
		ID:     "g1",
		Symbol: "SPY",
		Call: models.Leg{Right: models.RightCall, Strike: entry + 20, Expiration: exp,
			Quantity: 1, EntryPrice: 0.60, Status: models.LegOpen},
		Put: models.Leg{Right: models.RightPut, Strike: entry - 20, Expiration: exp,
			Quantity: 1, EntryPrice: 0.55, Status: models.LegOpen},
		EntryUnderlying: entry,
		CallMultiplier:  2.0,
		PutMultiplier:   2.0,
		EntryTime:       time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC),
	}
}

func TestCushionAtEntryIsZero(t *testing.T) {
	m := NewCushionMonitor(testCushionSettings(), telemetry.NopSink{}, quietLogger())
	s := testStrangle(450)

	a := m.Assess(s, 450)
	assert.Zero(t, a.CushionCall)
	assert.Zero(t, a.CushionPut)
	assert.Zero(t, a.Effective)
	assert.Equal(t, TierNormal, a.Tier)
}

func TestCushionTiers(t *testing.T) {
	tests := []struct {
		name  string
		price float64
		tier  Tier
	}{
		{"halfway to call strike", 460, TierNormal},
		{"just under vigilant", 461.9, TierNormal},
		{"vigilant at 60 percent", 462, TierVigilant},
		{"challenged at 75 percent", 465, TierChallenged},
		{"put side challenged", 435, TierChallenged},
		{"at the call strike", 470, TierEmergency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewCushionMonitor(testCushionSettings(), telemetry.NopSink{}, quietLogger())
			a := m.Assess(testStrangle(450), tt.price)
			assert.Equal(t, tt.tier, a.Tier)
		})
	}
}

func TestCushionBreachedStrikeStaysEscalated(t *testing.T) {
	m := NewCushionMonitor(testCushionSettings(), telemetry.NopSink{}, quietLogger())

	// 9 points through the 470 call. Consumption keeps growing past 1; an
	// absolute distance would read the breach as a recovered cushion.
	a := m.Assess(testStrangle(450), 479)
	assert.InDelta(t, 1.45, a.CushionCall, 1e-9)
	assert.GreaterOrEqual(t, a.Effective, 1.0)
	assert.Equal(t, TierEmergency, a.Tier)

	// Just through the 430 put on the way down.
	m = NewCushionMonitor(testCushionSettings(), telemetry.NopSink{}, quietLogger())
	a = m.Assess(testStrangle(450), 429.8)
	assert.Greater(t, a.CushionPut, 1.0)
	assert.Equal(t, TierEmergency, a.Tier)

	// The legacy static fallback must hold the breach at emergency too.
	m = NewCushionMonitor(testCushionSettings(), telemetry.NopSink{}, quietLogger())
	s := testStrangle(450)
	s.EntryUnderlying = 0
	a = m.Assess(s, 479)
	assert.True(t, a.Legacy)
	assert.Equal(t, TierEmergency, a.Tier)
}

func TestCushionEffectiveIsMaxOfLegs(t *testing.T) {
	m := NewCushionMonitor(testCushionSettings(), telemetry.NopSink{}, quietLogger())
	a := m.Assess(testStrangle(450), 462)

	// Price up 12 of 20: the call leg is 60% consumed, the put leg recovered.
	assert.InDelta(t, 0.60, a.CushionCall, 1e-9)
	assert.Zero(t, a.CushionPut)
	assert.InDelta(t, 0.60, a.Effective, 1e-9)
}

func TestCushionLegacyFallback(t *testing.T) {
	m := NewCushionMonitor(testCushionSettings(), telemetry.NopSink{}, quietLogger())
	s := testStrangle(450)
	// Older ledgers never stored the entry underlying price.
	s.EntryUnderlying = 0

	a := m.Assess(s, 460)
	assert.True(t, a.Legacy)
	assert.Equal(t, TierNormal, a.Tier)

	// Within 0.5% of the call strike (470): static challenged threshold.
	a = m.Assess(s, 468)
	assert.True(t, a.Legacy)
	assert.Equal(t, TierChallenged, a.Tier)

	a = m.Assess(s, 470)
	assert.Equal(t, TierEmergency, a.Tier)
}

func TestCushionTransitionAlerts(t *testing.T) {
	sink := &recordingSink{}
	m := NewCushionMonitor(testCushionSettings(), sink, quietLogger())
	s := testStrangle(450)

	m.Assess(s, 455) // Normal, no transition
	m.Assess(s, 463) // -> Vigilant
	m.Assess(s, 463.5)
	m.Assess(s, 455) // -> Normal

	events := sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, telemetry.SeverityHigh, events[0].Severity)
	assert.Equal(t, "normal -> vigilant", events[0].Message)
	assert.Equal(t, telemetry.SeverityLow, events[1].Severity)
	assert.Equal(t, "vigilant -> normal", events[1].Message)
}

func TestCushionInterval(t *testing.T) {
	m := NewCushionMonitor(testCushionSettings(), telemetry.NopSink{}, quietLogger())
	assert.Equal(t, 10*time.Second, m.Interval(TierNormal))
	assert.Equal(t, 2*time.Second, m.Interval(TierVigilant))
	assert.Equal(t, 2*time.Second, m.Interval(TierChallenged))
}

func testBreakerSettings() BreakerSettings {
	return BreakerSettings{
		Window:              10,
		Threshold:           5,
		PartialFillCooldown: 30 * time.Minute,
		RollFailureCooldown: 60 * time.Minute,
		EmergencyCooldown:   120 * time.Minute,
	}
}

func TestBreakerTripsOnConsecutiveFailures(t *testing.T) {
	b := NewCircuitBreaker(testBreakerSettings(), telemetry.NopSink{}, quietLogger())

	for i := 0; i < 4; i++ {
		b.RecordFailure(ActionRoll)
		assert.NoError(t, b.Allow(ActionEntry))
	}
	b.RecordFailure(ActionRoll)

	err := b.Allow(ActionEntry)
	assert.ErrorIs(t, err, ErrCircuitBreakerHalted)
}

func TestBreakerTripsOnWindowCensus(t *testing.T) {
	b := NewCircuitBreaker(testBreakerSettings(), telemetry.NopSink{}, quietLogger())

	// Alternating outcomes never reach 5 consecutive, but the 5th failure in
	// the 10-attempt window still trips the breaker.
	for i := 0; i < 4; i++ {
		b.RecordFailure(ActionEntry)
		b.RecordSuccess(ActionEntry)
	}
	assert.NoError(t, b.Allow(ActionEntry))
	b.RecordFailure(ActionEntry)

	assert.ErrorIs(t, b.Allow(ActionEntry), ErrCircuitBreakerHalted)
}

func TestBreakerHaltIsSticky(t *testing.T) {
	b := NewCircuitBreaker(testBreakerSettings(), telemetry.NopSink{}, quietLogger())
	for i := 0; i < 5; i++ {
		b.RecordFailure(ActionExit)
	}
	require.ErrorIs(t, b.Allow(ActionExit), ErrCircuitBreakerHalted)

	// Later successes must not reopen trading.
	b.RecordSuccess(ActionExit)
	assert.ErrorIs(t, b.Allow(ActionExit), ErrCircuitBreakerHalted)
	assert.ErrorIs(t, b.Allow(ActionRoll), ErrCircuitBreakerHalted)

	b.Reset()
	assert.NoError(t, b.Allow(ActionExit))
	halted, _ := b.Halted()
	assert.False(t, halted)
}

func TestBreakerCriticalAlertOnHalt(t *testing.T) {
	sink := &recordingSink{}
	b := NewCircuitBreaker(testBreakerSettings(), sink, quietLogger())
	for i := 0; i < 5; i++ {
		b.RecordFailure(ActionRecenter)
	}

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, telemetry.SeverityCritical, events[0].Severity)
	assert.Equal(t, "circuit_breaker_halt", events[0].Kind)
}

func TestBreakerCooldowns(t *testing.T) {
	b := NewCircuitBreaker(testBreakerSettings(), telemetry.NopSink{}, quietLogger())
	now := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	b.SetNowFunc(func() time.Time { return now })

	b.StartCooldown(CooldownRollFailure)
	assert.ErrorIs(t, b.Allow(ActionRoll), ErrCooldownActive)
	// Cooldowns are per-category: entries stay open during a roll cooldown.
	assert.NoError(t, b.Allow(ActionEntry))

	now = now.Add(59 * time.Minute)
	assert.ErrorIs(t, b.Allow(ActionRoll), ErrCooldownActive)
	now = now.Add(2 * time.Minute)
	assert.NoError(t, b.Allow(ActionRoll))

	b.StartCooldown(CooldownEmergency)
	assert.ErrorIs(t, b.Allow(ActionEntry), ErrCooldownActive)
	now = now.Add(121 * time.Minute)
	assert.NoError(t, b.Allow(ActionEntry))
}

// scriptedBroker serves a fixed quote and scripted order outcomes.
type scriptedBroker struct {
	mu         sync.Mutex
	quote      broker.Quote
	quoteCalls int
	results    []*broker.OrderResult // consumed in order; empty means expired
	orders     []broker.OrderRequest
}

var _ broker.Broker = (*scriptedBroker)(nil)

func (b *scriptedBroker) GetQuote(context.Context, broker.OptionKey) (broker.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quoteCalls++
	return b.quote, nil
}

func (b *scriptedBroker) quoteCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.quoteCalls
}

func (b *scriptedBroker) GetUnderlyingPrice(context.Context, string) (float64, error) {
	return 0, broker.ErrMarketDataUnavailable
}

func (b *scriptedBroker) GetVIX(context.Context) (float64, error) {
	return 0, broker.ErrMarketDataUnavailable
}

func (b *scriptedBroker) IsTradingDay(context.Context, time.Time) (bool, error) {
	return true, nil
}

func (b *scriptedBroker) PlaceOrder(_ context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = append(b.orders, req)
	if len(b.results) == 0 {
		return &broker.OrderResult{ID: "x", Status: broker.StatusExpired}, nil
	}
	res := b.results[0]
	b.results = b.results[1:]
	return res, nil
}

func testEmergencySettings() EmergencySettings {
	return EmergencySettings{
		RetryCount:              5,
		RetryDelay:              5 * time.Second,
		MarketOrderFallback:     false,
		SpreadNormalizeWait:     30 * time.Second,
		SpreadNormalizeAttempts: 3,
		SpreadRatioThreshold:    0.5,
		TickSize:                0.01,
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

// testOrderPath builds a real order manager over the fake broker so the
// handler's orders pass through the same caps and slippage checks as the
// engine's.
func testOrderPath(b broker.Broker, sink telemetry.Sink) *orders.Manager {
	return orders.NewManager(b, orders.Settings{
		MaxContractsPerOrder:      10,
		MaxContractsPerUnderlying: 20,
		SlippageWarnPct:           0.05,
		SlippageCriticalPct:       0.15,
	}, sink, quietLogger())
}

func TestEmergencyCloseFillsOnFirstAttempt(t *testing.T) {
	b := &scriptedBroker{
		quote:   broker.Quote{Bid: 1.90, Ask: 2.10},
		results: []*broker.OrderResult{{ID: "o1", Status: broker.StatusFilled, FilledPrice: 4.00}},
	}
	h := NewEmergencyExitHandler(b, testOrderPath(b, telemetry.NopSink{}), testEmergencySettings(), telemetry.NopSink{}, quietLogger())
	h.SetSleepFunc(noSleep)

	res, err := h.Close(context.Background(), testStrangle(450))
	require.NoError(t, err)
	assert.Equal(t, broker.StatusFilled, res.Status)

	require.Len(t, b.orders, 1)
	req := b.orders[0]
	assert.Equal(t, broker.OrderTypeLimit, req.Type)
	// First rung pays the combined mid with zero slippage.
	assert.InDelta(t, 4.00, req.LimitPrice, 1e-9)
	require.Len(t, req.Legs, 2)
	assert.Equal(t, broker.SideBuyToClose, req.Legs[0].Side)
	assert.Equal(t, broker.SideBuyToClose, req.Legs[1].Side)
}

func TestEmergencyCloseSlippageLadder(t *testing.T) {
	b := &scriptedBroker{quote: broker.Quote{Bid: 1.90, Ask: 2.10}} // every attempt expires
	h := NewEmergencyExitHandler(b, testOrderPath(b, telemetry.NopSink{}), testEmergencySettings(), telemetry.NopSink{}, quietLogger())
	h.SetSleepFunc(noSleep)

	_, err := h.Close(context.Background(), testStrangle(450))
	assert.ErrorIs(t, err, ErrEmergencyCloseExhausted)

	// Five limit attempts, no market fallback. Rungs: mid, +5%, then +10%
	// held for the remaining attempts.
	require.Len(t, b.orders, 5)
	assert.InDelta(t, 4.00, b.orders[0].LimitPrice, 1e-9)
	assert.InDelta(t, 4.20, b.orders[1].LimitPrice, 1e-9)
	for i := 2; i < 5; i++ {
		assert.InDelta(t, 4.40, b.orders[i].LimitPrice, 1e-9)
		assert.Equal(t, broker.OrderTypeLimit, b.orders[i].Type)
	}
}

func TestEmergencyCloseMarketFallback(t *testing.T) {
	b := &scriptedBroker{quote: broker.Quote{Bid: 1.90, Ask: 2.10}}
	// Ladder expires five times, then the market order fills.
	b.results = []*broker.OrderResult{
		{Status: broker.StatusExpired}, {Status: broker.StatusExpired},
		{Status: broker.StatusExpired}, {Status: broker.StatusExpired},
		{Status: broker.StatusExpired},
		{ID: "mkt", Status: broker.StatusFilled, FilledPrice: 4.55},
	}
	settings := testEmergencySettings()
	settings.MarketOrderFallback = true
	h := NewEmergencyExitHandler(b, testOrderPath(b, telemetry.NopSink{}), settings, telemetry.NopSink{}, quietLogger())
	h.SetSleepFunc(noSleep)

	res, err := h.Close(context.Background(), testStrangle(450))
	require.NoError(t, err)
	assert.Equal(t, "mkt", res.ID)

	require.Len(t, b.orders, 6)
	assert.Equal(t, broker.OrderTypeMarket, b.orders[5].Type)
}

func TestEmergencyCloseEscalatesSeverity(t *testing.T) {
	sink := &recordingSink{}
	b := &scriptedBroker{quote: broker.Quote{Bid: 1.90, Ask: 2.10}}
	h := NewEmergencyExitHandler(b, testOrderPath(b, telemetry.NopSink{}), testEmergencySettings(), sink, quietLogger())
	h.SetSleepFunc(noSleep)

	_, err := h.Close(context.Background(), testStrangle(450))
	require.ErrorIs(t, err, ErrEmergencyCloseExhausted)

	events := sink.all()
	require.NotEmpty(t, events)
	assert.Equal(t, telemetry.SeverityHigh, events[0].Severity)
	last := events[len(events)-1]
	assert.Equal(t, telemetry.SeverityCritical, last.Severity)
	assert.Contains(t, last.Message, "manual intervention")
}

func TestEmergencyCloseWaitsForSpreadBeforeEachAttempt(t *testing.T) {
	// Dislocated book that never settles: spread 3.00 on a 2.00 mid.
	b := &scriptedBroker{quote: broker.Quote{Bid: 0.50, Ask: 3.50}}
	settings := testEmergencySettings()
	settings.RetryCount = 2
	settings.SpreadNormalizeAttempts = 2
	h := NewEmergencyExitHandler(b, testOrderPath(b, telemetry.NopSink{}), settings, telemetry.NopSink{}, quietLogger())
	h.SetSleepFunc(noSleep)

	_, err := h.Close(context.Background(), testStrangle(450))
	require.ErrorIs(t, err, ErrEmergencyCloseExhausted)
	require.Len(t, b.orders, 2)

	// Every attempt burns its full normalization budget before pricing:
	// two polling rounds of both legs plus the pricing quotes, per attempt.
	assert.Equal(t, 12, b.quoteCount())
}

func TestEmergencyCloseRespectsOrderCaps(t *testing.T) {
	b := &scriptedBroker{quote: broker.Quote{Bid: 1.90, Ask: 2.10}}
	// A one-contract cap can never admit the two-leg close.
	path := orders.NewManager(b, orders.Settings{
		MaxContractsPerOrder:      1,
		MaxContractsPerUnderlying: 20,
	}, telemetry.NopSink{}, quietLogger())
	h := NewEmergencyExitHandler(b, path, testEmergencySettings(), telemetry.NopSink{}, quietLogger())
	h.SetSleepFunc(noSleep)

	_, err := h.Close(context.Background(), testStrangle(450))
	assert.ErrorIs(t, err, ErrEmergencyCloseExhausted)
	assert.Empty(t, b.orders, "capped orders must not reach the broker")
}

func TestEmergencyCloseAlertsOnFillDeviation(t *testing.T) {
	sink := &recordingSink{}
	b := &scriptedBroker{
		quote:   broker.Quote{Bid: 1.90, Ask: 2.10},
		results: []*broker.OrderResult{{ID: "o1", Status: broker.StatusFilled, FilledPrice: 4.80}},
	}
	h := NewEmergencyExitHandler(b, testOrderPath(b, sink), testEmergencySettings(), telemetry.NopSink{}, quietLogger())
	h.SetSleepFunc(noSleep)

	_, err := h.Close(context.Background(), testStrangle(450))
	require.NoError(t, err)

	// Filled 4.80 against an expected 4.00 debit, a 20% deviation.
	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "slippage", events[0].Kind)
	assert.Equal(t, telemetry.SeverityCritical, events[0].Severity)
}
