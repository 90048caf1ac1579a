package execution

import (
	"math"

	"github.com/shopspring/decimal"

	"tradeflow/internal/gateway"
	"tradeflow/logger"
)

// priceEqualTolerance absorbs float noise when comparing prices that have
// already been rounded to the tick.
const priceEqualTolerance = 1e-9

// adjust interpolates linearly from original toward target. The factor is
// clamped to [0, 1] so the result never leaves the interval between the two
// inputs.
func adjust(original, target, factor float64) float64 {
	if factor < 0 {
		factor = 0
	}
	if factor > 1 {
		factor = 1
	}
	return original + (target-original)*factor
}

// roundToIncrement rounds price half-to-even onto the tick grid.
func roundToIncrement(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	d := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	rounded, _ := d.Div(t).RoundBank(0).Mul(t).Float64()
	return rounded
}

// clampMinimum raises non-positive or sub-minimum prices to minPrice.
func clampMinimum(price, minPrice float64) float64 {
	if minPrice <= 0 {
		minPrice = 0.01
	}
	if price < minPrice {
		return minPrice
	}
	return price
}

// shouldEscalate reports whether the re-peg budget is exhausted. Equality
// already escalates.
func shouldEscalate(repegCount, maxRepegs int) bool {
	return repegCount >= maxRepegs
}

// isTerminal reports whether an order status ends monitoring.
func isTerminal(status string) bool {
	switch status {
	case gateway.StatusFilled, gateway.StatusCanceled, gateway.StatusRejected, gateway.StatusExpired:
		return true
	}
	return false
}

func priceInHistory(price float64, history []float64) bool {
	for _, p := range history {
		if math.Abs(p-price) < priceEqualTolerance {
			return true
		}
	}
	return false
}

// dedupeAgainstHistory nudges a candidate price off any previously used
// price. Buys improve upward but never cross the ask; sells improve downward
// but never cross the bid. The result is re-rounded to the tick. If the
// nudged price still collides with history it is returned anyway with a
// warning; a duplicate resubmission is an accepted degraded case.
func dedupeAgainstHistory(newPrice float64, history []float64, side gateway.Side, bid, ask, minImprovement, tick float64, log *logger.Entry) float64 {
	if len(history) == 0 || !priceInHistory(newPrice, history) {
		return newPrice
	}
	if minImprovement <= 0 {
		minImprovement = 0.01
	}

	adjusted := newPrice
	if side == gateway.SideBuy {
		adjusted += minImprovement
		if ask > 0 && adjusted > ask {
			adjusted = ask
		}
	} else {
		adjusted -= minImprovement
		if bid > 0 && adjusted < bid {
			adjusted = bid
		}
	}
	adjusted = roundToIncrement(adjusted, tick)

	if priceInHistory(adjusted, history) && log != nil {
		log.WithFields(logger.Fields{
			"price": adjusted,
			"side":  side,
		}).Warn("re-peg price still collides with history")
	}
	return adjusted
}
