// Package broker defines the brokerage collaborator consumed by the engine
// and provides a Tradier-style HTTP implementation, a simulated paper
// implementation, and a circuit-breaker transport decorator.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/finchtrading/straddleharvest/internal/models"
)

// Sentinel errors for the market-data and order paths. The engine maps these
// into its per-tick decision logic; see the risk and engine packages.
var (
	// ErrMarketDataUnavailable indicates a missing, zero, or stale quote.
	// It blocks the dependent decision for the current tick only.
	ErrMarketDataUnavailable = errors.New("market data unavailable")
	// ErrOrderRejected indicates a broker-side order rejection.
	ErrOrderRejected = errors.New("order rejected by broker")
)

// OptionKey identifies a single option contract.
type OptionKey struct {
	Symbol     string
	Right      models.OptionRight
	Strike     float64
	Expiration time.Time
}

// String renders the key in OSI-ish form for logging.
func (k OptionKey) String() string {
	r := "C"
	if k.Right == models.RightPut {
		r = "P"
	}
	return fmt.Sprintf("%s %s %s%.2f", k.Symbol, k.Expiration.Format("2006-01-02"), r, k.Strike)
}

// Quote is a single option quote snapshot.
type Quote struct {
	Bid float64
	Ask float64
}

// Mid returns the bid/ask midpoint.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Spread returns the absolute bid/ask spread.
func (q Quote) Spread() float64 {
	return q.Ask - q.Bid
}

// SpreadRatio returns the spread as a fraction of the midpoint. A wide ratio
// signals a dislocated market; the emergency exit handler waits on it.
func (q Quote) SpreadRatio() float64 {
	mid := q.Mid()
	if mid <= 0 {
		return 1
	}
	return q.Spread() / mid
}

// Usable reports whether the quote can back a trading decision.
func (q Quote) Usable() bool {
	return q.Bid > 0 && q.Ask > 0 && q.Ask >= q.Bid
}

// OrderSide is the open/close direction of an order leg.
type OrderSide string

const (
	// SideBuyToOpen opens a long leg
	SideBuyToOpen OrderSide = "buy_to_open"
	// SideSellToOpen opens a short leg
	SideSellToOpen OrderSide = "sell_to_open"
	// SideBuyToClose closes a short leg
	SideBuyToClose OrderSide = "buy_to_close"
	// SideSellToClose closes a long leg
	SideSellToClose OrderSide = "sell_to_close"
)

// OrderType selects limit or market execution.
type OrderType string

const (
	// OrderTypeLimit places a net-price limit order
	OrderTypeLimit OrderType = "limit"
	// OrderTypeMarket places an unconditional market order
	OrderTypeMarket OrderType = "market"
)

// OrderLeg is one leg of a (possibly multileg) order.
type OrderLeg struct {
	Option   OptionKey
	Side     OrderSide
	Quantity int
}

// OrderRequest describes a multileg order. LimitPrice is the net price for
// the whole spread and is ignored for market orders. Tag is an idempotency
// token passed through to the broker.
type OrderRequest struct {
	Legs       []OrderLeg
	Type       OrderType
	LimitPrice float64
	Tag        string
}

// OrderStatus is the terminal (or last observed) state of an order.
type OrderStatus string

const (
	// StatusFilled means every leg executed in full
	StatusFilled OrderStatus = "filled"
	// StatusPartial means some but not all contracts executed
	StatusPartial OrderStatus = "partial"
	// StatusExpired means a limit order timed out unfilled
	StatusExpired OrderStatus = "expired"
	// StatusRejected means the broker refused the order
	StatusRejected OrderStatus = "rejected"
)

// OrderResult is the outcome of an order placement.
type OrderResult struct {
	ID          string
	Status      OrderStatus
	FilledPrice float64 // net price per spread, signed from the engine's view
}

// Broker is the brokerage collaborator. All methods are blocking round trips
// and may fail with timeouts or rejections; the engine treats each call as
// the tick's single suspension point.
type Broker interface {
	// Market data
	GetQuote(ctx context.Context, key OptionKey) (Quote, error)
	GetUnderlyingPrice(ctx context.Context, symbol string) (float64, error)
	GetVIX(ctx context.Context) (float64, error)
	IsTradingDay(ctx context.Context, day time.Time) (bool, error)

	// Order placement. A limit order blocks until filled or the broker-side
	// wait elapses, returning StatusExpired when unfilled.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
}

// APIError is a broker HTTP error with its status code preserved so callers
// can distinguish permanent rejections from transient failures.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker API error %d: %s", e.Status, e.Message)
}

// IsPermanentAPIError reports whether an error is a 4xx rejection that will
// not succeed on retry (429 is retryable).
func IsPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}
