package oddsmath

import (
	"fmt"
	"math"

	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/models"
)

// ErrOneSided is returned when fewer than two outcomes of a market are quoted.
// Normalization is deferred until the other side arrives.
var ErrOneSided = fmt.Errorf("market has fewer than two quoted outcomes: %w", contracts.ErrDataUnavailable)

// ErrMismatchedLines is returned when the sides of a spread or total are quoted at different points
var ErrMismatchedLines = fmt.Errorf("outcomes quoted at different lines: %w", contracts.ErrDataUnavailable)

const lineTolerance = 1e-9

// SameLine reports whether two points are equal. Two missing points (moneyline) match.
func SameLine(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return math.Abs(*a-*b) < lineTolerance
}

// OpposingLines reports whether two selections of one market are priced on the same
// proposition: spread sides mirror each other (-3.5 / +3.5), totals share the point.
func OpposingLines(market string, a, b *float64) bool {
	if market != models.MarketSpreads || a == nil || b == nil {
		return SameLine(a, b)
	}
	return math.Abs(*a+*b) < lineTolerance
}

// RemoveVigProportional removes vig by scaling every implied probability by the overround
//
// Formula:
// 1. totalProb = sum of implied probabilities (typically > 1.0)
// 2. fair_i = prob_i / totalProb
//
// Works for any number of outcomes. A zero-vig book (sum exactly 1.0) is returned unchanged.
//
// Example:
// Side A: -110 (52.38%) | Side B: -110 (52.38%)
// Overround: 104.76%
// Fair: 50% / 50%
func RemoveVigProportional(probabilities []float64) ([]float64, error) {
	if len(probabilities) < 2 {
		return nil, ErrOneSided
	}

	totalProb := 0.0
	for _, prob := range probabilities {
		if err := ValidateProbability("implied probability", prob); err != nil {
			return nil, err
		}
		totalProb += prob
	}

	fair := make([]float64, len(probabilities))
	for i, prob := range probabilities {
		fair[i] = prob / totalProb
	}

	return fair, nil
}

// Overround returns the sum of implied probabilities minus one, as a percentage
// Outcome A: 52.38% | Outcome B: 52.38% → 4.76
func Overround(probabilities []float64) (float64, error) {
	if len(probabilities) == 0 {
		return 0, contracts.NewValidationError("probabilities", "", "none provided")
	}

	totalProb := 0.0
	for _, prob := range probabilities {
		if err := ValidateProbability("implied probability", prob); err != nil {
			return 0, err
		}
		totalProb += prob
	}

	return (totalProb - 1.0) * 100.0, nil
}

// NormalizedQuote is a quote with its parsed price and fair probability
type NormalizedQuote struct {
	Quote              models.OddsQuote
	Price              Price
	ImpliedProbability float64
	NoVigProbability   float64
}

// NormalizeMarket de-vigs the competing outcomes of one (event, market, sportsbook).
// Every quote must belong to the same market at the same book with distinct selections,
// and spread or total sides must be priced on the same line.
// Results are keyed by selection.
func NormalizeMarket(quotes []models.OddsQuote) (map[string]NormalizedQuote, error) {
	if len(quotes) < 2 {
		return nil, ErrOneSided
	}

	first := quotes[0]
	implied := make([]float64, len(quotes))
	parsed := make([]Price, len(quotes))
	seen := make(map[string]bool, len(quotes))

	for i, q := range quotes {
		if q.EventID != first.EventID || q.Market != first.Market || q.Sportsbook != first.Sportsbook {
			return nil, contracts.NewValidationError("market", q.Key().String(), "quotes span more than one market")
		}
		if seen[q.Selection] {
			return nil, contracts.NewValidationError("selection", q.Selection, "quoted twice in one market")
		}
		seen[q.Selection] = true

		if i > 0 && !OpposingLines(first.Market, first.Line, q.Line) {
			return nil, ErrMismatchedLines
		}

		price, err := ParsePrice(q.Price, q.PriceFormat)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", q.Key(), err)
		}
		parsed[i] = price
		implied[i] = price.ImpliedProbability()
	}

	fair, err := RemoveVigProportional(implied)
	if err != nil {
		return nil, err
	}

	out := make(map[string]NormalizedQuote, len(quotes))
	for i, q := range quotes {
		out[q.Selection] = NormalizedQuote{
			Quote:              q,
			Price:              parsed[i],
			ImpliedProbability: implied[i],
			NoVigProbability:   fair[i],
		}
	}

	return out, nil
}

// RoundTo rounds v to the given number of decimal places
func RoundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
