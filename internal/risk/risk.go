// Package risk holds the pure position-sizing arithmetic. Nothing here
// touches the broker; callers supply every input.
package risk

import "math"

// CalculateLotSize converts an account-percentage risk budget into a broker
// compliant lot size.
//
// The raw size is risk_amount / (stop distance * value per point), clamped to
// [lotMin, lotMax] and floored to the nearest lotStep multiple. Returns 0
// when the stop distance or point value is non-positive (risk cannot be
// sized without a distance), and 0 when flooring lands below lotMin: rounding
// the size back up would exceed the configured risk budget, so the trade is
// refused instead.
func CalculateLotSize(accountBalance, riskPercent, stopLossDistance, valuePerPoint, lotMin, lotMax, lotStep float64) float64 {
	if stopLossDistance <= 0 || valuePerPoint <= 0 {
		return 0
	}

	riskAmount := accountBalance * (riskPercent / 100.0)
	stopLossValuePerLot := stopLossDistance * valuePerPoint
	if stopLossValuePerLot <= 0 {
		return 0
	}

	lotSize := riskAmount / stopLossValuePerLot

	// Clamp to the broker's limits before flooring: flooring can only
	// shrink, so the upper bound survives.
	lotSize = math.Max(lotMin, math.Min(lotSize, lotMax))

	if lotStep > 0 {
		lotSize = math.Floor(lotSize/lotStep) * lotStep
	}

	lotSize = math.Round(lotSize*100) / 100

	if lotSize < lotMin || lotSize <= 0 {
		return 0
	}
	return lotSize
}
