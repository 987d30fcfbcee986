package models

import "time"

// SignalStatus is the lifecycle state of a signal
type SignalStatus string

const (
	SignalStatusActive  SignalStatus = "active"
	SignalStatusExpired SignalStatus = "expired"
	SignalStatusSettled SignalStatus = "settled"
)

// ConfidenceTier buckets edge magnitude
type ConfidenceTier string

const (
	ConfidenceLow    ConfidenceTier = "low"
	ConfidenceMedium ConfidenceTier = "medium"
	ConfidenceHigh   ConfidenceTier = "high"
)

// BetResult is the graded outcome of a settled signal
type BetResult string

const (
	ResultWin  BetResult = "win"
	ResultLoss BetResult = "loss"
	ResultPush BetResult = "push"
)

// Signal is a recommendation produced where model and market disagree
type Signal struct {
	ID         string `json:"id"`
	EventID    string `json:"event_id"`
	SportKey   string `json:"sport_key"`
	Market     string `json:"market_key"`
	Selection  string `json:"outcome_name"`
	Sportsbook string `json:"book_key"`

	// Probabilities are de-vigged unless noted
	ModelProbability      float64 `json:"model_probability"`
	MarketProbability     float64 `json:"market_probability"`
	RawImpliedProbability float64 `json:"raw_implied_probability"`
	EdgePct               float64 `json:"edge_pct"`

	ConfidenceTier   ConfidenceTier `json:"confidence_tier"`
	EntryPrice       string         `json:"entry_price"`
	EntryPriceFormat PriceFormat    `json:"entry_price_format,omitempty"`
	Line             *float64       `json:"point,omitempty"`
	RecommendedStake float64        `json:"recommended_stake"`

	Status      SignalStatus `json:"status"`
	GeneratedAt time.Time    `json:"generated_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	ExpiresAt   time.Time    `json:"expires_at"`

	// Null until a closing line exists; never defaulted to zero
	ClosingPrice *string  `json:"closing_price"`
	CLVPct       *float64 `json:"clv_pct"`
	BeatClose    *bool    `json:"beat_close"`

	Result    *BetResult `json:"result,omitempty"`
	SettledAt *time.Time `json:"settled_at,omitempty"`
}

// Key returns the signal's tuple
func (s Signal) Key() TupleKey {
	return TupleKey{
		EventID:    s.EventID,
		Market:     s.Market,
		Selection:  s.Selection,
		Sportsbook: s.Sportsbook,
	}
}

// ClosingLine is the last price observed for a tuple before event start
type ClosingLine struct {
	EventID            string      `json:"event_id"`
	Market             string      `json:"market_key"`
	Selection          string      `json:"outcome_name"`
	Sportsbook         string      `json:"book_key"`
	Price              string      `json:"price"`
	PriceFormat        PriceFormat `json:"price_format,omitempty"`
	Line               *float64    `json:"point,omitempty"`
	ImpliedProbability float64     `json:"implied_probability"`
	NoVigProbability   *float64    `json:"novig_probability"` // nil when the other side was not quoted
	QuoteFetchedAt     time.Time   `json:"quote_fetched_at"`
	CapturedAt         time.Time   `json:"captured_at"`
}

// Key returns the closing line's tuple
func (c ClosingLine) Key() TupleKey {
	return TupleKey{
		EventID:    c.EventID,
		Market:     c.Market,
		Selection:  c.Selection,
		Sportsbook: c.Sportsbook,
	}
}

// SettledBet records the graded result of one signal
type SettledBet struct {
	SignalID  string    `json:"signal_id"`
	Stake     float64   `json:"stake"`
	Result    BetResult `json:"result"`
	Payout    float64   `json:"payout"`
	ROIPct    float64   `json:"roi_pct"`
	SettledAt time.Time `json:"settled_at"`
}

// SignalOutcome joins a signal with its settlement, if any
type SignalOutcome struct {
	Signal  Signal      `json:"signal"`
	Settled *SettledBet `json:"settled,omitempty"`
}
