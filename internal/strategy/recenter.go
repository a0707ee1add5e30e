package strategy

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/finchtrading/straddleharvest/internal/models"
	"github.com/finchtrading/straddleharvest/internal/util"
)

// RecenterPlan describes re-striking the long straddle at the new ATM. The
// expiration is always carried over from the closed legs: resetting it would
// defeat the DTE-based exit rule.
type RecenterPlan struct {
	OldStrike  float64
	NewStrike  float64
	Expiration time.Time
	Drift      float64
}

// RecenterManager detects and plans the long-straddle recenter.
type RecenterManager struct {
	threshold       float64
	strikeIncrement float64
	logger          *logrus.Logger
}

// NewRecenterManager creates a manager with the configured drift threshold.
func NewRecenterManager(threshold, strikeIncrement float64, logger *logrus.Logger) *RecenterManager {
	return &RecenterManager{threshold: threshold, strikeIncrement: strikeIncrement, logger: logger}
}

// ShouldRecenter reports whether the underlying has drifted far enough from
// the straddle's initial strike.
func (r *RecenterManager) ShouldRecenter(straddle *models.StraddlePosition, price float64) bool {
	if straddle == nil {
		return false
	}
	return straddle.DriftFrom(price) >= r.threshold
}

// Plan builds the recenter: same expiry, new ATM strike, drift threshold
// reset relative to the new strike.
func (r *RecenterManager) Plan(straddle *models.StraddlePosition, price float64) RecenterPlan {
	plan := RecenterPlan{
		OldStrike:  straddle.InitialStrike,
		NewStrike:  util.RoundToStrike(price, r.strikeIncrement),
		Expiration: straddle.Call.Expiration,
		Drift:      straddle.DriftFrom(price),
	}
	if r.logger != nil {
		r.logger.WithFields(logrus.Fields{
			"old_strike": plan.OldStrike,
			"new_strike": plan.NewStrike,
			"drift":      plan.Drift,
		}).Info("recentering long straddle at new ATM")
	}
	return plan
}
