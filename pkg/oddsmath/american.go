package oddsmath

import (
	"fmt"
	"math"
	"strconv"

	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
)

// AmericanToDecimal returns the decimal price for an American line (+150 → 2.50, -150 → 1.67).
// Lines strictly inside ±100 do not exist.
func AmericanToDecimal(american int) (float64, error) {
	if american > -100 && american < 100 {
		return 0, contracts.NewValidationError("american odds", strconv.Itoa(american), "magnitude must be >= 100")
	}

	if american > 0 {
		return (float64(american) / 100.0) + 1.0, nil
	}

	return (100.0 / float64(-american)) + 1.0, nil
}

// DecimalToAmerican rounds to the nearest whole American line (2.50 → +150, 1.67 → -149)
func DecimalToAmerican(decimal float64) (int, error) {
	if decimal <= 1.0 || math.IsNaN(decimal) || math.IsInf(decimal, 0) {
		return 0, contracts.NewValidationError("decimal odds", fmt.Sprintf("%g", decimal), "must be > 1.0")
	}

	if decimal >= 2.0 {
		return int(math.Round((decimal - 1.0) * 100.0)), nil
	}

	return int(math.Round(-100.0 / (decimal - 1.0))), nil
}

// DecimalToImpliedProbability is 1/decimal, vig included
func DecimalToImpliedProbability(decimal float64) (float64, error) {
	if decimal <= 1.0 || math.IsNaN(decimal) || math.IsInf(decimal, 0) {
		return 0, contracts.NewValidationError("decimal odds", fmt.Sprintf("%g", decimal), "must be > 1.0")
	}

	return 1.0 / decimal, nil
}

// ProbabilityToDecimal returns the fair decimal price for p
func ProbabilityToDecimal(probability float64) (float64, error) {
	if err := ValidateProbability("probability", probability); err != nil {
		return 0, err
	}

	return 1.0 / probability, nil
}

// AmericanToImpliedProbability chains AmericanToDecimal and DecimalToImpliedProbability
func AmericanToImpliedProbability(american int) (float64, error) {
	decimal, err := AmericanToDecimal(american)
	if err != nil {
		return 0, err
	}

	return DecimalToImpliedProbability(decimal)
}

// ProbabilityToAmerican returns the fair American line for p
func ProbabilityToAmerican(probability float64) (int, error) {
	decimal, err := ProbabilityToDecimal(probability)
	if err != nil {
		return 0, err
	}

	return DecimalToAmerican(decimal)
}

// ValidateProbability rejects values outside the open interval (0, 1)
func ValidateProbability(field string, p float64) error {
	if math.IsNaN(p) || p <= 0 || p >= 1 {
		return contracts.NewValidationError(field, fmt.Sprintf("%g", p), "must be between 0 and 1")
	}
	return nil
}
