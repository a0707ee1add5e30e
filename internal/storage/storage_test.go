package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finchtrading/straddleharvest/internal/models"
)

func tempLedgerPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "ledger.json")
}

func openStraddle() *models.StraddlePosition {
	exp := time.Date(2025, 5, 27, 0, 0, 0, 0, time.UTC)
	return &models.StraddlePosition{
		ID:     "s1",
		Symbol: "SPY",
		Call: models.Leg{Right: models.RightCall, Strike: 450, Expiration: exp,
			Quantity: 1, EntryPrice: 12.0, Status: models.LegOpen},
		Put: models.Leg{Right: models.RightPut, Strike: 450, Expiration: exp,
			Quantity: 1, EntryPrice: 11.5, Status: models.LegOpen},
		InitialStrike: 450,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	path := tempLedgerPath(t)

	s, err := NewJSONStore(path)
	require.NoError(t, err)

	err = s.Update(func(l *Ledger) {
		l.CycleState = string(models.StateFullPosition)
		l.Straddle = openStraddle()
		l.CycleMetrics.PremiumCollected = 213
		l.CycleMetrics.StraddleCost = 2350
	})
	require.NoError(t, err)

	// A new store over the same path resumes the persisted cycle.
	reopened, err := NewJSONStore(path)
	require.NoError(t, err)
	snap := reopened.Snapshot()
	assert.Equal(t, string(models.StateFullPosition), snap.CycleState)
	require.NotNil(t, snap.Straddle)
	assert.Equal(t, "s1", snap.Straddle.ID)
	assert.InDelta(t, 450.0, snap.Straddle.Call.Strike, 1e-9)
	assert.InDelta(t, 213.0, snap.CycleMetrics.PremiumCollected, 1e-9)
}

func TestSnapshotIsACopy(t *testing.T) {
	s, err := NewJSONStore(tempLedgerPath(t))
	require.NoError(t, err)
	require.NoError(t, s.Update(func(l *Ledger) { l.Straddle = openStraddle() }))

	snap := s.Snapshot()
	snap.Straddle.Call.Strike = 999
	snap.CycleState = "mutated"

	fresh := s.Snapshot()
	assert.InDelta(t, 450.0, fresh.Straddle.Call.Strike, 1e-9)
	assert.NotEqual(t, "mutated", fresh.CycleState)
}

func TestCloseCycleArchivesAndResets(t *testing.T) {
	s, err := NewJSONStore(tempLedgerPath(t))
	require.NoError(t, err)

	require.NoError(t, s.Update(func(l *Ledger) {
		l.CycleState = string(models.StateExiting)
		l.Straddle = openStraddle()
		l.CycleMetrics = models.CycleMetrics{
			PremiumCollected: 640,
			StraddleCost:     2350,
			RealizedPnL:      215,
			RollCount:        3,
		}
	}))

	err = s.CloseCycle(CycleRecord{
		ID:               "c1",
		Symbol:           "SPY",
		Outcome:          "scheduled_exit",
		PremiumCollected: decimal.NewFromInt(640),
		RealizedPnL:      decimal.NewFromInt(215),
		RollCount:        3,
	})
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Nil(t, snap.Straddle)
	assert.Nil(t, snap.Strangle)
	assert.Equal(t, string(models.StateIdle), snap.CycleState)
	// The metrics value is fresh for the next cycle.
	assert.Zero(t, snap.CycleMetrics.RealizedPnL)
	assert.Zero(t, snap.CycleMetrics.RollCount)
	// Lifetime stats absorbed the cycle exactly once.
	assert.Equal(t, 1, snap.Lifetime.TradeCount)
	assert.Equal(t, 1, snap.Lifetime.WinningCycles)
	assert.InDelta(t, 215.0, snap.Lifetime.TotalPnL, 1e-9)
	require.Len(t, snap.History, 1)
	assert.True(t, snap.History[0].RealizedPnL.Equal(decimal.NewFromInt(215)))
}

func TestCloseCycleWithNothingOpen(t *testing.T) {
	s, err := NewJSONStore(tempLedgerPath(t))
	require.NoError(t, err)
	assert.ErrorIs(t, s.CloseCycle(CycleRecord{ID: "c1"}), ErrNoOpenCycle)
}

func TestHaltFlagSurvivesRestart(t *testing.T) {
	path := tempLedgerPath(t)
	s, err := NewJSONStore(path)
	require.NoError(t, err)

	require.NoError(t, s.Update(func(l *Ledger) {
		l.Halted = true
		l.HaltReason = "5 consecutive failures, last roll"
	}))

	reopened, err := NewJSONStore(path)
	require.NoError(t, err)
	snap := reopened.Snapshot()
	assert.True(t, snap.Halted)
	assert.Contains(t, snap.HaltReason, "consecutive failures")
}

func TestAtomicWriteLeavesNoTempFile(t *testing.T) {
	path := tempLedgerPath(t)
	s, err := NewJSONStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Update(func(l *Ledger) { l.CycleState = string(models.StateIdle) }))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
