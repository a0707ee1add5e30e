package orders

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
	"github.com/finchtrading/straddleharvest/internal/telemetry"
)

type fillBroker struct {
	mu     sync.Mutex
	status broker.OrderStatus
	price  float64
	orders []broker.OrderRequest
}

var _ broker.Broker = (*fillBroker)(nil)

func (b *fillBroker) GetQuote(context.Context, broker.OptionKey) (broker.Quote, error) {
	return broker.Quote{}, broker.ErrMarketDataUnavailable
}

func (b *fillBroker) GetUnderlyingPrice(context.Context, string) (float64, error) {
	return 0, broker.ErrMarketDataUnavailable
}

func (b *fillBroker) GetVIX(context.Context) (float64, error) {
	return 0, broker.ErrMarketDataUnavailable
}

func (b *fillBroker) IsTradingDay(context.Context, time.Time) (bool, error) {
	return true, nil
}

func (b *fillBroker) PlaceOrder(_ context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = append(b.orders, req)
	status := b.status
	if status == "" {
		status = broker.StatusFilled
	}
	return &broker.OrderResult{ID: "o1", Status: status, FilledPrice: b.price}, nil
}

type captureSink struct {
	mu     sync.Mutex
	events []telemetry.SafetyEvent
}

var _ telemetry.Sink = (*captureSink)(nil)

func (s *captureSink) LogTrade(telemetry.TradeEvent) {}

func (s *captureSink) LogSafetyEvent(ev telemetry.SafetyEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) LogPositionSnapshot(telemetry.Snapshot) {}

func (s *captureSink) all() []telemetry.SafetyEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]telemetry.SafetyEvent, len(s.events))
	copy(out, s.events)
	return out
}

func testSettings() Settings {
	return Settings{
		MaxContractsPerOrder:      10,
		MaxContractsPerUnderlying: 20,
		SlippageWarnPct:           0.05,
		SlippageCriticalPct:       0.15,
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func spyKey(right models.OptionRight, strike float64) broker.OptionKey {
	return broker.OptionKey{
		Symbol: "SPY", Right: right, Strike: strike,
		Expiration: time.Date(2025, 5, 27, 0, 0, 0, 0, time.UTC),
	}
}

func strangleOpen(qty int) broker.OrderRequest {
	return broker.OrderRequest{
		Legs: []broker.OrderLeg{
			{Option: spyKey(models.RightCall, 470), Side: broker.SideSellToOpen, Quantity: qty},
			{Option: spyKey(models.RightPut, 430), Side: broker.SideSellToOpen, Quantity: qty},
		},
		Type:       broker.OrderTypeLimit,
		LimitPrice: -1.15,
	}
}

func TestPlaceRejectsOversizedOrder(t *testing.T) {
	b := &fillBroker{}
	m := NewManager(b, testSettings(), telemetry.NopSink{}, quietLogger())

	_, err := m.Place(context.Background(), strangleOpen(6), 0) // 12 contracts
	assert.ErrorIs(t, err, ErrOrderSizeExceeded)
	assert.Empty(t, b.orders, "limit check must run before the broker call")
}

func TestPlaceEnforcesAggregateCap(t *testing.T) {
	b := &fillBroker{}
	m := NewManager(b, testSettings(), telemetry.NopSink{}, quietLogger())

	_, err := m.Place(context.Background(), strangleOpen(5), 0) // 10 open
	require.NoError(t, err)
	_, err = m.Place(context.Background(), strangleOpen(5), 0) // 20 open
	require.NoError(t, err)
	assert.Equal(t, 20, m.OpenContracts("SPY"))

	_, err = m.Place(context.Background(), strangleOpen(1), 0) // would be 22
	assert.ErrorIs(t, err, ErrOrderSizeExceeded)
	assert.Equal(t, 20, m.OpenContracts("SPY"))
}

func TestClosingOrdersFreeTheCensus(t *testing.T) {
	b := &fillBroker{}
	m := NewManager(b, testSettings(), telemetry.NopSink{}, quietLogger())

	_, err := m.Place(context.Background(), strangleOpen(5), 0)
	require.NoError(t, err)

	closeReq := broker.OrderRequest{
		Legs: []broker.OrderLeg{
			{Option: spyKey(models.RightCall, 470), Side: broker.SideBuyToClose, Quantity: 5},
			{Option: spyKey(models.RightPut, 430), Side: broker.SideBuyToClose, Quantity: 5},
		},
		Type:       broker.OrderTypeLimit,
		LimitPrice: 0.80,
	}
	_, err = m.Place(context.Background(), closeReq, 0)
	require.NoError(t, err)
	assert.Zero(t, m.OpenContracts("SPY"))
}

func TestSlippageClassification(t *testing.T) {
	tests := []struct {
		name     string
		expected float64
		filled   float64
		severity telemetry.Severity // "" means no alert
	}{
		{"within tolerance", -1.15, -1.12, ""},
		{"warn at 5 percent", -1.00, -1.05, telemetry.SeverityHigh},
		{"critical at 15 percent", -1.00, -1.20, telemetry.SeverityCritical},
		{"no expected price skips check", 0, -5.00, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &captureSink{}
			b := &fillBroker{price: tt.filled}
			m := NewManager(b, testSettings(), sink, quietLogger())

			_, err := m.Place(context.Background(), strangleOpen(1), tt.expected)
			require.NoError(t, err)

			events := sink.all()
			if tt.severity == "" {
				assert.Empty(t, events)
				return
			}
			require.Len(t, events, 1)
			assert.Equal(t, tt.severity, events[0].Severity)
			assert.Equal(t, "slippage", events[0].Kind)
		})
	}
}

func TestPartialFillRaisesAlert(t *testing.T) {
	sink := &captureSink{}
	b := &fillBroker{status: broker.StatusPartial}
	m := NewManager(b, testSettings(), sink, quietLogger())

	res, err := m.Place(context.Background(), strangleOpen(1), 0)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusPartial, res.Status)

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "partial_fill", events[0].Kind)
	assert.Equal(t, telemetry.SeverityHigh, events[0].Severity)
}
