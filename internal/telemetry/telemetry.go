// Package telemetry provides the fire-and-forget trade and safety event
// sinks. Emitting is non-blocking from the engine's perspective: events are
// queued on a bounded channel and dropped (with a counter) when the consumer
// falls behind. Failures in this path never affect trading decisions.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Severity ranks safety events.
type Severity string

const (
	// SeverityLow marks informational transitions (e.g. returning to Normal)
	SeverityLow Severity = "low"
	// SeverityHigh marks transitions requiring attention (e.g. entering Vigilant)
	SeverityHigh Severity = "high"
	// SeverityCritical marks fatal conditions requiring manual intervention
	SeverityCritical Severity = "critical"
)

// TradeEvent records an executed (or attempted) trading action.
type TradeEvent struct {
	Time   time.Time
	Action string // open_straddle | open_strangle | roll | recenter | close | emergency_close
	Symbol string
	Detail string
	// Amount is the signed net dollar amount of the action, credits positive.
	Amount decimal.Decimal
}

// SafetyEvent records a risk-path observation: tier transitions, slippage
// alerts, circuit breaker trips, emergency escalations.
type SafetyEvent struct {
	Time     time.Time
	Severity Severity
	Kind     string
	Message  string
}

// Snapshot is a point-in-time view of the open positions for observability.
type Snapshot struct {
	Time          time.Time
	CycleState    string
	Tier          string
	Underlying    float64
	VIX           float64
	StraddleID    string
	StrangleID    string
	CushionCall   float64
	CushionPut    float64
}

// Sink receives engine telemetry. Implementations must not block.
type Sink interface {
	LogTrade(TradeEvent)
	LogSafetyEvent(SafetyEvent)
	LogPositionSnapshot(Snapshot)
}

// LogSink is the default Sink: an async worker draining a bounded queue into
// a logrus logger.
type LogSink struct {
	logger  *logrus.Logger
	queue   chan func()
	dropped atomic.Int64
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// Ensure LogSink implements Sink at compile time.
var _ Sink = (*LogSink)(nil)

// NewLogSink creates and starts a LogSink with the given queue depth.
func NewLogSink(logger *logrus.Logger, depth int) *LogSink {
	if depth <= 0 {
		depth = 256
	}
	s := &LogSink{
		logger: logger,
		queue:  make(chan func(), depth),
	}
	s.wg.Add(1)
	go s.drain()
	return s
}

func (s *LogSink) drain() {
	defer s.wg.Done()
	for fn := range s.queue {
		fn()
	}
}

// enqueue never blocks; events are dropped when the queue is full.
func (s *LogSink) enqueue(fn func()) {
	if s.closed.Load() {
		return
	}
	select {
	case s.queue <- fn:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded due to backpressure.
func (s *LogSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops the worker after the queue drains. Emitting after Close is a
// silent no-op.
func (s *LogSink) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.queue)
		s.wg.Wait()
	}
}

// LogTrade implements Sink.
func (s *LogSink) LogTrade(ev TradeEvent) {
	s.enqueue(func() {
		s.logger.WithFields(logrus.Fields{
			"action": ev.Action,
			"symbol": ev.Symbol,
			"amount": ev.Amount.StringFixed(2),
			"detail": ev.Detail,
		}).Info("trade")
	})
}

// LogSafetyEvent implements Sink.
func (s *LogSink) LogSafetyEvent(ev SafetyEvent) {
	s.enqueue(func() {
		entry := s.logger.WithFields(logrus.Fields{
			"kind":     ev.Kind,
			"severity": string(ev.Severity),
		})
		switch ev.Severity {
		case SeverityCritical:
			entry.Error(ev.Message)
		case SeverityHigh:
			entry.Warn(ev.Message)
		default:
			entry.Info(ev.Message)
		}
	})
}

// LogPositionSnapshot implements Sink.
func (s *LogSink) LogPositionSnapshot(snap Snapshot) {
	s.enqueue(func() {
		s.logger.WithFields(logrus.Fields{
			"state":        snap.CycleState,
			"tier":         snap.Tier,
			"underlying":   snap.Underlying,
			"vix":          snap.VIX,
			"cushion_call": snap.CushionCall,
			"cushion_put":  snap.CushionPut,
		}).Debug("position snapshot")
	})
}

// NopSink discards everything; useful for tests.
type NopSink struct{}

// Ensure NopSink implements Sink at compile time.
var _ Sink = NopSink{}

// LogTrade implements Sink.
func (NopSink) LogTrade(TradeEvent) {}

// LogSafetyEvent implements Sink.
func (NopSink) LogSafetyEvent(SafetyEvent) {}

// LogPositionSnapshot implements Sink.
func (NopSink) LogPositionSnapshot(Snapshot) {}
