package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeCycleResetsNothingInPlace(t *testing.T) {
	ls := LifetimeStats{}

	win := NewCycleMetrics()
	win.PremiumCollected = 640
	win.RealizedPnL = 215

	loss := NewCycleMetrics()
	loss.RealizedPnL = -480

	ls.MergeCycle(win)
	ls.MergeCycle(loss)

	assert.Equal(t, 2, ls.TradeCount)
	assert.Equal(t, 1, ls.WinningCycles)
	assert.Equal(t, 1, ls.LosingCycles)
	assert.InDelta(t, -265, ls.TotalPnL, 1e-9)
	assert.InDelta(t, 215, ls.PeakPnL, 1e-9)
	assert.InDelta(t, 480, ls.MaxDrawdown, 1e-9)
	assert.InDelta(t, 0.5, ls.WinRate(), 1e-9)

	// The cycle values themselves are untouched; a new cycle starts from zero.
	assert.InDelta(t, 215, win.RealizedPnL, 1e-9)
	assert.Equal(t, CycleMetrics{}, NewCycleMetrics())
}

func TestWinRateEmpty(t *testing.T) {
	ls := LifetimeStats{}
	assert.Zero(t, ls.WinRate())
}
