package broker

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/finchtrading/straddleharvest/internal/models"
	"github.com/finchtrading/straddleharvest/internal/util"
)

// SimBroker is a paper-trading Broker that synthesizes quotes from a random
// walk around a configurable underlying price. It backs paper mode and the
// integration-style tests; fills are immediate at the limit (or mid for
// market orders).
type SimBroker struct {
	mu         sync.Mutex
	underlying float64
	vix        float64
	drift      float64
	orderSeq   int
}

// Ensure SimBroker implements Broker at compile time.
var _ Broker = (*SimBroker)(nil)

// secureFloat64 generates a cryptographically secure random float64 in [0,1).
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// NewSimBroker creates a paper broker centered on the given underlying price.
func NewSimBroker(underlying, vix float64) *SimBroker {
	return &SimBroker{underlying: underlying, vix: vix}
}

// SetUnderlying pins the underlying price, used by tests to force scenarios.
func (s *SimBroker) SetUnderlying(price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.underlying = price
}

// SetVIX pins the VIX level.
func (s *SimBroker) SetVIX(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vix = v
}

// GetUnderlyingPrice returns the simulated underlying with a small random walk.
func (s *SimBroker) GetUnderlyingPrice(_ context.Context, _ string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.underlying += (secureFloat64() - 0.5) * 0.5
	return s.underlying, nil
}

// GetVIX returns the simulated VIX level.
func (s *SimBroker) GetVIX(_ context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vix, nil
}

// IsTradingDay treats weekdays as open.
func (s *SimBroker) IsTradingDay(_ context.Context, day time.Time) (bool, error) {
	wd := day.Weekday()
	return wd != time.Saturday && wd != time.Sunday, nil
}

// GetQuote prices the option with a flat-vol approximation: intrinsic value
// plus a time value proportional to sqrt(DTE) scaled by the VIX level.
func (s *SimBroker) GetQuote(_ context.Context, key OptionKey) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dte := key.Expiration.Sub(time.Now().UTC()).Hours() / 24
	if dte < 0 {
		return Quote{}, fmt.Errorf("expired contract %s: %w", key, ErrMarketDataUnavailable)
	}

	intrinsic := 0.0
	if key.Right == models.RightCall && s.underlying > key.Strike {
		intrinsic = s.underlying - key.Strike
	}
	if key.Right == models.RightPut && s.underlying < key.Strike {
		intrinsic = key.Strike - s.underlying
	}

	// Time value decays toward zero as the strike moves away from spot.
	vol := s.vix / 100
	atmTimeValue := s.underlying * vol * math.Sqrt(math.Max(dte, 0.25)/365)
	distance := math.Abs(s.underlying - key.Strike)
	timeValue := atmTimeValue * math.Exp(-distance/math.Max(atmTimeValue, 0.01)/2)

	mid := intrinsic + timeValue
	if mid < 0.01 {
		mid = 0.01
	}
	spread := math.Max(0.02, mid*0.02)
	// Quotes land on the penny grid the way a real book does: bid down,
	// ask up.
	return Quote{
		Bid: util.FloorToTick(mid-spread/2, 0.01),
		Ask: util.CeilToTick(mid+spread/2, 0.01),
	}, nil
}

// PlaceOrder fills immediately: limit orders at the limit price, market
// orders at the aggregated quote mids.
func (s *SimBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if len(req.Legs) == 0 {
		return nil, fmt.Errorf("order has no legs")
	}

	price := req.LimitPrice
	if req.Type == OrderTypeMarket {
		net := 0.0
		for _, leg := range req.Legs {
			q, err := s.GetQuote(ctx, leg.Option)
			if err != nil {
				return nil, err
			}
			switch leg.Side {
			case SideBuyToOpen, SideBuyToClose:
				net += q.Mid()
			case SideSellToOpen, SideSellToClose:
				net -= q.Mid()
			}
		}
		price = net
	}

	s.mu.Lock()
	s.orderSeq++
	id := s.orderSeq
	s.mu.Unlock()

	return &OrderResult{
		ID:          fmt.Sprintf("sim-%d", id),
		Status:      StatusFilled,
		FilledPrice: price,
	}, nil
}
