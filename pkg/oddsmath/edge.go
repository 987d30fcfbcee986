package oddsmath

import (
	"fmt"
	"math"

	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
)

// CalculateEdgePct returns the model's edge over the market in percentage points
// Edge = (model - market) * 100
//
// Example:
// Model: 0.60 | Market (no-vig): 0.52
// Edge: 8.0
//
// Both inputs must come from the same normalization (both de-vigged or both raw).
// The result is rounded to 9 places so threshold comparisons see 2.0, not 2.0000000000000018.
func CalculateEdgePct(modelProbability, marketProbability float64) (float64, error) {
	if err := ValidateProbability("model probability", modelProbability); err != nil {
		return 0, err
	}
	if err := ValidateProbability("market probability", marketProbability); err != nil {
		return 0, err
	}

	return RoundTo((modelProbability-marketProbability)*100.0, 9), nil
}

// KellyFraction returns the fraction of bankroll to stake
//
// Formula: f* = (b*p - q) / b, where b = decimal - 1, q = 1 - p
// Scaled by fraction (0.25 = quarter Kelly) and floored at zero.
func KellyFraction(probability, decimalOdds, fraction float64) (float64, error) {
	if err := ValidateProbability("probability", probability); err != nil {
		return 0, err
	}
	if decimalOdds <= 1.0 || math.IsNaN(decimalOdds) {
		return 0, contracts.NewValidationError("decimal odds", fmt.Sprintf("%g", decimalOdds), "must be > 1.0")
	}
	if fraction < 0 || fraction > 1 {
		return 0, contracts.NewValidationError("kelly fraction", fmt.Sprintf("%g", fraction), "must be between 0 and 1")
	}

	b := decimalOdds - 1.0
	q := 1.0 - probability
	kelly := (b*probability - q) / b

	return math.Max(0, kelly*fraction), nil
}

// RecommendedStake sizes a bet with fractional Kelly capped at maxPct of bankroll.
// Rounded to the nearest cent.
func RecommendedStake(probability, decimalOdds, bankroll, fraction, maxPct float64) (float64, error) {
	if bankroll < 0 {
		return 0, contracts.NewValidationError("bankroll", fmt.Sprintf("%g", bankroll), "must not be negative")
	}

	kelly, err := KellyFraction(probability, decimalOdds, fraction)
	if err != nil {
		return 0, err
	}

	return RoundTo(bankroll*math.Min(kelly, maxPct), 2), nil
}
