// Package strategy holds the pure decision logic of the engine: expected
// move derivation, strangle strike selection, roll evaluation, and straddle
// recentering. Nothing in this package places orders.
package strategy

import (
	"fmt"

	"github.com/finchtrading/straddleharvest/internal/broker"
)

// ExpectedMove derives the market-implied weekly move from the short-dated
// ATM straddle price: call mid plus put mid. Missing or zero quotes surface
// as ErrMarketDataUnavailable, which blocks any dependent strike selection
// for the current tick.
func ExpectedMove(callMid, putMid float64) (float64, error) {
	if callMid <= 0 || putMid <= 0 {
		return 0, fmt.Errorf("straddle mids %.2f/%.2f: %w", callMid, putMid, broker.ErrMarketDataUnavailable)
	}
	return callMid + putMid, nil
}
