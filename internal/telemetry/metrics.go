// Prometheus metrics for observability.
//
// Primary series updated during operation:
//   - engine_ticks_total                      – monitoring loop iterations
//   - engine_actions_total{category,result}   – entry/exit/roll/recenter outcomes
//   - engine_safety_events_total{severity}    – safety alerts by severity
//   - engine_cushion_consumed{leg}            – latest cushion fraction per leg
//   - engine_monitoring_tier                  – 0 Normal, 1 Vigilant, 2 Challenged, 3 Emergency
//   - engine_vix                              – last observed VIX level
//   - engine_cycle_pnl_usd                    – running cycle P&L snapshot
//
// Registered in init() and served by the dashboard at /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Ticks counts monitoring loop iterations.
	Ticks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_ticks_total",
		Help: "Monitoring loop iterations",
	})

	// Actions counts trading actions by category and result.
	Actions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_actions_total",
		Help: "Trading actions by category and result",
	}, []string{"category", "result"})

	// SafetyEvents counts safety alerts by severity.
	SafetyEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_safety_events_total",
		Help: "Safety events by severity",
	}, []string{"severity"})

	// CushionConsumed tracks the latest cushion fraction per short leg.
	CushionConsumed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_cushion_consumed",
		Help: "Cushion consumed per short leg (1.0 = strike reached)",
	}, []string{"leg"})

	// MonitoringTier reports the active tier as an ordinal.
	MonitoringTier = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_monitoring_tier",
		Help: "Active monitoring tier: 0 Normal, 1 Vigilant, 2 Challenged, 3 Emergency",
	})

	// VIXLevel reports the last observed VIX value.
	VIXLevel = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_vix",
		Help: "Last observed VIX level",
	})

	// CyclePnL reports the running cycle P&L snapshot in dollars.
	CyclePnL = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_cycle_pnl_usd",
		Help: "Running cycle P&L in USD",
	})
)

func init() {
	prometheus.MustRegister(
		Ticks, Actions, SafetyEvents, CushionConsumed,
		MonitoringTier, VIXLevel, CyclePnL,
	)
}
