package models

import "time"

// PriceFormat identifies how a sportsbook quoted a price
type PriceFormat string

const (
	PriceFormatAmerican   PriceFormat = "american"   // -110, +150
	PriceFormatDecimal    PriceFormat = "decimal"    // 1.91, 2.50
	PriceFormatFractional PriceFormat = "fractional" // 10/11, 3/2
)

// Market keys used across the pipeline
const (
	MarketH2H     = "h2h"
	MarketSpreads = "spreads"
	MarketTotals  = "totals"
)

// OddsQuote is one immutable observation of a sportsbook price.
// Quotes for the same tuple over time form an append-only series keyed by FetchedAt.
type OddsQuote struct {
	EventID     string      `json:"event_id"`
	SportKey    string      `json:"sport_key"`
	Market      string      `json:"market_key"`
	Selection   string      `json:"outcome_name"`
	Sportsbook  string      `json:"book_key"`
	Price       string      `json:"price"`
	PriceFormat PriceFormat `json:"price_format,omitempty"` // empty = detect
	Line        *float64    `json:"point,omitempty"`        // For spreads/totals
	FetchedAt   time.Time   `json:"fetched_at"`
}

// Key returns the tuple this quote belongs to
func (q OddsQuote) Key() TupleKey {
	return TupleKey{
		EventID:    q.EventID,
		Market:     q.Market,
		Selection:  q.Selection,
		Sportsbook: q.Sportsbook,
	}
}

// TupleKey identifies one selection at one sportsbook. At most one active
// signal and at most one closing line exist per key.
type TupleKey struct {
	EventID    string `json:"event_id"`
	Market     string `json:"market_key"`
	Selection  string `json:"outcome_name"`
	Sportsbook string `json:"book_key"`
}

func (k TupleKey) String() string {
	return k.EventID + "|" + k.Market + "|" + k.Selection + "|" + k.Sportsbook
}

// Event is a scheduled game
type Event struct {
	EventID  string    `json:"event_id"`
	SportKey string    `json:"sport_key"`
	HomeTeam string    `json:"home_team"`
	AwayTeam string    `json:"away_team"`
	StartsAt time.Time `json:"commence_time"`
}

// EventResult is the final (or in-progress) score of an event
type EventResult struct {
	EventID     string     `json:"event_id"`
	SportKey    string     `json:"sport_key"`
	HomeTeam    string     `json:"home_team"`
	AwayTeam    string     `json:"away_team"`
	HomeScore   int        `json:"home_score"`
	AwayScore   int        `json:"away_score"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
