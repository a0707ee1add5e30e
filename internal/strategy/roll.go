package strategy

import (
	"github.com/sirupsen/logrus"

	"github.com/finchtrading/straddleharvest/internal/models"
)

// RollQuotes carries the four prices a roll decision depends on: asks to
// close the old legs, bids on the replacement legs. Both legs are always
// repriced — recentering moves the threatened leg further away while moving
// the untouched leg closer, which is what generates offsetting credit and
// preserves symmetry.
type RollQuotes struct {
	OldCallAsk float64
	OldPutAsk  float64
	NewCallBid float64
	NewPutBid  float64
	Quantity   int
}

// RollDecision is the outcome of evaluating a proposed roll.
type RollDecision struct {
	Accept      bool
	CostToClose float64
	NewPremium  float64
	NetCredit   float64
}

// RollDecisionEngine applies the "never roll for a debit" rule. A rejection
// is not a retryable failure: it is a definitive signal to exit the cycle.
type RollDecisionEngine struct {
	logger *logrus.Logger
}

// NewRollDecisionEngine creates a roll engine.
func NewRollDecisionEngine(logger *logrus.Logger) *RollDecisionEngine {
	return &RollDecisionEngine{logger: logger}
}

// Evaluate computes the net credit for the proposed roll and accepts iff it
// is strictly positive.
func (e *RollDecisionEngine) Evaluate(q RollQuotes) RollDecision {
	qty := float64(q.Quantity)
	costToClose := (q.OldCallAsk + q.OldPutAsk) * models.SharesPerContract * qty
	newPremium := (q.NewCallBid + q.NewPutBid) * models.SharesPerContract * qty
	netCredit := newPremium - costToClose

	d := RollDecision{
		Accept:      netCredit > 0,
		CostToClose: costToClose,
		NewPremium:  newPremium,
		NetCredit:   netCredit,
	}

	if e.logger != nil {
		entry := e.logger.WithFields(logrus.Fields{
			"cost_to_close": costToClose,
			"new_premium":   newPremium,
			"net_credit":    netCredit,
		})
		if d.Accept {
			entry.Info("roll accepted for a credit")
		} else {
			entry.Warn("roll rejected: would be a debit, exiting cycle")
		}
	}
	return d
}
