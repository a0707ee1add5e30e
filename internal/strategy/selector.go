package strategy

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/finchtrading/straddleharvest/internal/broker"
	"github.com/finchtrading/straddleharvest/internal/models"
	"github.com/finchtrading/straddleharvest/internal/util"
)

// SelectionTier identifies which scan tier produced a candidate.
type SelectionTier string

const (
	// TierOptimal is the descending scan from the ceiling to the floor
	TierOptimal SelectionTier = "optimal"
	// TierFallback is the multiplier floor accepted at any positive net return
	TierFallback SelectionTier = "fallback"
	// TierSafety is the extension scan below the floor down to the safety floor
	TierSafety SelectionTier = "safety"
)

// SelectorConfig holds the strike-selection knobs. All bounds derive from
// the application config; there are no parallel fallback tables.
type SelectorConfig struct {
	Symbol            string
	Quantity          int
	TargetNetReturn   float64
	MultiplierFloor   float64
	MultiplierCeiling float64
	SafetyFloor       float64
	SymmetryTolerance float64
	MultiplierStep    float64
	StrikeIncrement   float64
	WeeklyThetaPct    float64
	FeePerContract    float64
}

// Candidate is a fully-priced symmetric strangle proposal.
type Candidate struct {
	CallStrike float64
	PutStrike  float64
	CallQuote  broker.Quote
	PutQuote   broker.Quote
	CallMult   float64
	PutMult    float64
	Multiplier float64 // requested scan multiplier
	NetReturn  float64
	Premium    float64 // gross dollars collected at the bid
	Tier       SelectionTier
	Expiration time.Time
}

// StrikeSelector scans for symmetric strangle strikes meeting the target net
// return, with fallback tiers. It is a pure decision component: it fetches
// quotes but has no side effects on positions.
type StrikeSelector struct {
	broker broker.Broker
	cfg    SelectorConfig
	logger *logrus.Logger
}

// NewStrikeSelector creates a selector over the given broker.
func NewStrikeSelector(b broker.Broker, cfg SelectorConfig, logger *logrus.Logger) *StrikeSelector {
	return &StrikeSelector{broker: b, cfg: cfg, logger: logger}
}

// Select runs the three-tier scan. A nil candidate with a nil error means
// "no entry this cycle" — a valid decision to skip, not a failure. Quote
// errors propagate and block selection for the current tick only.
func (s *StrikeSelector) Select(
	ctx context.Context,
	underlying, expectedMove, straddleCost float64,
	expiration time.Time,
) (*Candidate, error) {
	if expectedMove <= 0 || straddleCost <= 0 {
		return nil, broker.ErrMarketDataUnavailable
	}

	// Tier 1: scan from the ceiling down, preferring the widest strikes that
	// still clear the target net return.
	for m := s.cfg.MultiplierCeiling; m >= s.cfg.MultiplierFloor-1e-9; m -= s.cfg.MultiplierStep {
		cand, err := s.evaluate(ctx, m, underlying, expectedMove, straddleCost, expiration)
		if err != nil {
			return nil, err
		}
		if cand != nil && cand.NetReturn >= s.cfg.TargetNetReturn {
			cand.Tier = TierOptimal
			s.logChoice(cand)
			return cand, nil
		}
	}

	// Tier 2: the floor strikes are acceptable at any positive net return.
	cand, err := s.evaluate(ctx, s.cfg.MultiplierFloor, underlying, expectedMove, straddleCost, expiration)
	if err != nil {
		return nil, err
	}
	if cand != nil && cand.NetReturn > 0 {
		cand.Tier = TierFallback
		s.logChoice(cand)
		return cand, nil
	}

	// Tier 3: safety extension below the floor, first positive net return wins.
	for m := s.cfg.MultiplierFloor - s.cfg.MultiplierStep; m >= s.cfg.SafetyFloor-1e-9; m -= s.cfg.MultiplierStep {
		cand, err := s.evaluate(ctx, m, underlying, expectedMove, straddleCost, expiration)
		if err != nil {
			return nil, err
		}
		if cand != nil && cand.NetReturn > 0 {
			cand.Tier = TierSafety
			s.logChoice(cand)
			return cand, nil
		}
	}

	if s.logger != nil {
		s.logger.WithFields(logrus.Fields{
			"underlying":    underlying,
			"expected_move": expectedMove,
		}).Info("no multiplier down to the safety floor yields a positive net return, skipping entry")
	}
	return nil, nil
}

// evaluate prices one multiplier. A nil candidate with nil error means the
// multiplier produced an invalid pair (non-OTM after rounding, or a symmetry
// violation) and the scan should move on.
func (s *StrikeSelector) evaluate(
	ctx context.Context,
	mult, underlying, expectedMove, straddleCost float64,
	expiration time.Time,
) (*Candidate, error) {
	callStrike := util.RoundToStrike(underlying+mult*expectedMove, s.cfg.StrikeIncrement)
	putStrike := util.RoundToStrike(underlying-mult*expectedMove, s.cfg.StrikeIncrement)
	if callStrike <= underlying || putStrike >= underlying {
		return nil, nil
	}

	// Effective multipliers after strike rounding; symmetry is enforced on
	// these, not on the requested multiplier.
	callMult := (callStrike - underlying) / expectedMove
	putMult := (underlying - putStrike) / expectedMove
	if math.Abs(callMult-putMult) > s.cfg.SymmetryTolerance {
		return nil, nil
	}

	callQuote, err := s.broker.GetQuote(ctx, broker.OptionKey{
		Symbol: s.cfg.Symbol, Right: models.RightCall, Strike: callStrike, Expiration: expiration,
	})
	if err != nil {
		return nil, err
	}
	putQuote, err := s.broker.GetQuote(ctx, broker.OptionKey{
		Symbol: s.cfg.Symbol, Right: models.RightPut, Strike: putStrike, Expiration: expiration,
	})
	if err != nil {
		return nil, err
	}

	qty := float64(s.cfg.Quantity)
	gross := (callQuote.Bid + putQuote.Bid) * models.SharesPerContract * qty
	theta := straddleCost * s.cfg.WeeklyThetaPct
	fees := s.cfg.FeePerContract * 2 * qty
	net := (gross - theta - fees) / straddleCost

	return &Candidate{
		CallStrike: callStrike,
		PutStrike:  putStrike,
		CallQuote:  callQuote,
		PutQuote:   putQuote,
		CallMult:   callMult,
		PutMult:    putMult,
		Multiplier: mult,
		NetReturn:  net,
		Premium:    gross,
		Expiration: expiration,
	}, nil
}

func (s *StrikeSelector) logChoice(c *Candidate) {
	if s.logger == nil {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"tier":       string(c.Tier),
		"multiplier": c.Multiplier,
		"call":       c.CallStrike,
		"put":        c.PutStrike,
		"net_return": c.NetReturn,
	}).Info("strangle strikes selected")
}
