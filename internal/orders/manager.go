// Package orders sits between the engine and the broker's order endpoint:
// it enforces hard size limits, tracks open contracts per underlying, and
// classifies fills (slippage, partials) for the safety telemetry.
package orders

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/finchtrading/straddleharvest/internal/broker"
	"github.com/finchtrading/straddleharvest/internal/telemetry"
)

// ErrOrderSizeExceeded means the order would breach a hard contract limit.
// Size limits are never overridden at runtime.
var ErrOrderSizeExceeded = errors.New("order exceeds contract size limit")

// Settings are the order-path limits, sourced from config.
type Settings struct {
	// MaxContractsPerOrder caps the summed leg quantities of one order.
	MaxContractsPerOrder int
	// MaxContractsPerUnderlying caps total open short/long contracts per
	// underlying symbol across all positions.
	MaxContractsPerUnderlying int
	// SlippageWarnPct and SlippageCriticalPct classify fill-vs-expected
	// deviation. Alerts are observability only; a filled order is never
	// unwound because it filled badly.
	SlippageWarnPct     float64
	SlippageCriticalPct float64
}

// Manager validates and places orders and keeps the per-underlying contract
// census. Safe for concurrent use.
type Manager struct {
	broker   broker.Broker
	settings Settings
	sink     telemetry.Sink
	logger   *logrus.Logger

	mu   sync.Mutex
	open map[string]int // open contracts per underlying
}

// NewManager creates a manager with an empty contract census.
func NewManager(b broker.Broker, settings Settings, sink telemetry.Sink, logger *logrus.Logger) *Manager {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &Manager{
		broker:   b,
		settings: settings,
		sink:     sink,
		logger:   logger,
		open:     make(map[string]int),
	}
}

// Place validates the request, forwards it to the broker, and classifies the
// outcome. expectedPrice is the net price the engine computed from quotes at
// decision time; pass 0 to skip the slippage check (market orders).
func (m *Manager) Place(ctx context.Context, req broker.OrderRequest, expectedPrice float64) (*broker.OrderResult, error) {
	if len(req.Legs) == 0 {
		return nil, fmt.Errorf("order has no legs")
	}
	symbol := strings.ToUpper(req.Legs[0].Option.Symbol)

	if err := m.checkLimits(symbol, req); err != nil {
		return nil, err
	}

	res, err := m.broker.PlaceOrder(ctx, req)
	if err != nil {
		return nil, err
	}

	switch res.Status {
	case broker.StatusFilled:
		m.applyFill(symbol, req)
		m.checkSlippage(symbol, expectedPrice, res.FilledPrice)
	case broker.StatusPartial:
		// Partial fills still change the book; count them and surface the
		// event so the engine can start its cooldown.
		m.applyFill(symbol, req)
		m.emit(telemetry.SeverityHigh, "partial_fill",
			fmt.Sprintf("order %s partially filled on %s", res.ID, symbol))
	}
	return res, nil
}

// checkLimits enforces both hard caps before any broker round trip.
func (m *Manager) checkLimits(symbol string, req broker.OrderRequest) error {
	orderContracts := 0
	openingDelta := 0
	for _, leg := range req.Legs {
		if leg.Quantity <= 0 {
			return fmt.Errorf("leg %s has non-positive quantity %d", leg.Option, leg.Quantity)
		}
		orderContracts += leg.Quantity
		if isOpening(leg.Side) {
			openingDelta += leg.Quantity
		}
	}
	if orderContracts > m.settings.MaxContractsPerOrder {
		return fmt.Errorf("%w: %d contracts in one order, limit %d",
			ErrOrderSizeExceeded, orderContracts, m.settings.MaxContractsPerOrder)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open[symbol]+openingDelta > m.settings.MaxContractsPerUnderlying {
		return fmt.Errorf("%w: %d open plus %d new on %s, limit %d",
			ErrOrderSizeExceeded, m.open[symbol], openingDelta, symbol,
			m.settings.MaxContractsPerUnderlying)
	}
	return nil
}

func isOpening(side broker.OrderSide) bool {
	return side == broker.SideBuyToOpen || side == broker.SideSellToOpen
}

// applyFill updates the census: opening legs add contracts, closing legs
// remove them.
func (m *Manager) applyFill(symbol string, req broker.OrderRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, leg := range req.Legs {
		if isOpening(leg.Side) {
			m.open[symbol] += leg.Quantity
		} else {
			m.open[symbol] -= leg.Quantity
		}
	}
	if m.open[symbol] <= 0 {
		delete(m.open, symbol)
	}
}

// OpenContracts reports the census for a symbol.
func (m *Manager) OpenContracts(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open[strings.ToUpper(symbol)]
}

// checkSlippage compares the fill to the decision-time price and alerts on
// outsized deviation.
func (m *Manager) checkSlippage(symbol string, expected, filled float64) {
	if expected == 0 {
		return
	}
	dev := math.Abs(filled-expected) / math.Abs(expected)
	switch {
	case dev >= m.settings.SlippageCriticalPct:
		m.emit(telemetry.SeverityCritical, "slippage",
			fmt.Sprintf("%s filled %.2f vs expected %.2f (%.1f%% deviation)",
				symbol, filled, expected, dev*100))
	case dev >= m.settings.SlippageWarnPct:
		m.emit(telemetry.SeverityHigh, "slippage",
			fmt.Sprintf("%s filled %.2f vs expected %.2f (%.1f%% deviation)",
				symbol, filled, expected, dev*100))
	}
}

func (m *Manager) emit(sev telemetry.Severity, kind, msg string) {
	m.sink.LogSafetyEvent(telemetry.SafetyEvent{
		Time:     time.Now(),
		Severity: sev,
		Kind:     kind,
		Message:  msg,
	})
	telemetry.SafetyEvents.WithLabelValues(string(sev)).Inc()
	if m.logger != nil {
		m.logger.WithField("kind", kind).Warn(msg)
	}
}
