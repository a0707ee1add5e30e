package models

// CycleMetrics accumulates economics for a single position cycle. It is a
// value created fresh when a cycle opens and merged into LifetimeStats
// exactly once, when the cycle is booked at exit. Never carry an instance
// across cycle boundaries.
type CycleMetrics struct {
	PremiumCollected float64 `json:"premium_collected"`
	StraddleCost     float64 `json:"straddle_cost"`
	RealizedPnL      float64 `json:"realized_pnl"`
	RecenterCount    int     `json:"recenter_count"`
	RollCount        int     `json:"roll_count"`
}

// NewCycleMetrics returns a zeroed metrics value for a fresh cycle.
func NewCycleMetrics() CycleMetrics {
	return CycleMetrics{}
}

// LifetimeStats persists across cycles indefinitely.
type LifetimeStats struct {
	TradeCount    int     `json:"trade_count"`
	WinningCycles int     `json:"winning_cycles"`
	LosingCycles  int     `json:"losing_cycles"`
	TotalPnL      float64 `json:"total_pnl"`
	PeakPnL       float64 `json:"peak_pnl"`
	MaxDrawdown   float64 `json:"max_drawdown"`
}

// MergeCycle folds a completed cycle into the lifetime totals. This is the
// only mutation point for LifetimeStats.
func (ls *LifetimeStats) MergeCycle(m CycleMetrics) {
	ls.TradeCount++
	if m.RealizedPnL >= 0 {
		ls.WinningCycles++
	} else {
		ls.LosingCycles++
	}
	ls.TotalPnL += m.RealizedPnL
	if ls.TotalPnL > ls.PeakPnL {
		ls.PeakPnL = ls.TotalPnL
	}
	if dd := ls.PeakPnL - ls.TotalPnL; dd > ls.MaxDrawdown {
		ls.MaxDrawdown = dd
	}
}

// WinRate returns the fraction of completed cycles that closed profitable.
func (ls *LifetimeStats) WinRate() float64 {
	if ls.TradeCount == 0 {
		return 0
	}
	return float64(ls.WinningCycles) / float64(ls.TradeCount)
}
