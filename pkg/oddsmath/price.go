package oddsmath

import (
	"math"
	"strconv"
	"strings"

	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/models"
)

// Price is a quoted price converted to the internal decimal representation
type Price struct {
	Raw     string
	Format  models.PriceFormat
	Decimal float64
}

// ImpliedProbability returns the raw (vig-inclusive) implied probability
func (p Price) ImpliedProbability() float64 {
	return 1.0 / p.Decimal
}

// American returns the price as American odds
func (p Price) American() int {
	american, err := DecimalToAmerican(p.Decimal)
	if err != nil {
		return 0
	}
	return american
}

// DetectFormat guesses the quoting convention of a raw price.
// "5/2" is fractional, a leading sign or "EVEN" is American, an unsigned
// integer >= 100 is American, anything else is decimal. Decimal longshots
// written as bare integers ("150") must be parsed with an explicit format.
func DetectFormat(raw string) models.PriceFormat {
	s := strings.TrimSpace(raw)
	switch {
	case strings.Contains(s, "/"):
		return models.PriceFormatFractional
	case strings.HasPrefix(s, "+"), strings.HasPrefix(s, "-"):
		return models.PriceFormatAmerican
	case strings.EqualFold(s, "even"), strings.EqualFold(s, "ev"):
		return models.PriceFormatAmerican
	}

	if n, err := strconv.Atoi(s); err == nil && n >= 100 {
		return models.PriceFormatAmerican
	}

	return models.PriceFormatDecimal
}

// ParsePrice parses a raw price in the given format. An empty format is detected.
// Malformed input is rejected with a validation error.
func ParsePrice(raw string, format models.PriceFormat) (Price, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Price{}, contracts.NewValidationError("price", raw, "empty")
	}

	if format == "" {
		format = DetectFormat(s)
	}

	var (
		decimal float64
		err     error
	)

	switch format {
	case models.PriceFormatAmerican:
		decimal, err = parseAmerican(s)
	case models.PriceFormatDecimal:
		decimal, err = parseDecimal(s)
	case models.PriceFormatFractional:
		decimal, err = parseFractional(s)
	default:
		return Price{}, contracts.NewValidationError("price format", string(format), "unknown format")
	}

	if err != nil {
		return Price{}, err
	}

	return Price{Raw: s, Format: format, Decimal: decimal}, nil
}

// ImpliedProbability parses a raw price and returns its implied probability
func ImpliedProbability(raw string, format models.PriceFormat) (float64, error) {
	price, err := ParsePrice(raw, format)
	if err != nil {
		return 0, err
	}
	return price.ImpliedProbability(), nil
}

func parseAmerican(s string) (float64, error) {
	if strings.EqualFold(s, "even") || strings.EqualFold(s, "ev") {
		return 2.0, nil
	}

	american, err := strconv.Atoi(strings.TrimPrefix(s, "+"))
	if err != nil {
		return 0, contracts.NewValidationError("american odds", s, "not an integer")
	}

	return AmericanToDecimal(american)
}

func parseDecimal(s string) (float64, error) {
	decimal, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, contracts.NewValidationError("decimal odds", s, "not a number")
	}

	if decimal <= 1.0 || math.IsInf(decimal, 0) || math.IsNaN(decimal) {
		return 0, contracts.NewValidationError("decimal odds", s, "must be > 1.0")
	}

	return decimal, nil
}

func parseFractional(s string) (float64, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return 0, contracts.NewValidationError("fractional odds", s, "expected numerator/denominator")
	}

	num, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, contracts.NewValidationError("fractional odds", s, "bad numerator")
	}

	den, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, contracts.NewValidationError("fractional odds", s, "bad denominator")
	}

	if !(num > 0) || !(den > 0) || math.IsInf(num, 0) || math.IsInf(den, 0) {
		return 0, contracts.NewValidationError("fractional odds", s, "numerator and denominator must be positive")
	}

	return 1.0 + num/den, nil
}
