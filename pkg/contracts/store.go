package contracts

import (
	"context"
	"time"

	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/models"
)

// QuoteStore holds the append-only odds time series
type QuoteStore interface {
	// InsertQuote appends a quote. Re-inserting an identical (tuple, fetched_at) is a no-op.
	InsertQuote(ctx context.Context, quote models.OddsQuote) error

	// LatestQuotes returns the newest quote per tuple for an event with fetched_at <= asOf
	LatestQuotes(ctx context.Context, eventID string, asOf time.Time) ([]models.OddsQuote, error)

	// LatestQuoteTime returns the newest fetched_at across all quotes, nil when empty
	LatestQuoteTime(ctx context.Context) (*time.Time, error)
}

// QuoteSource fetches the current quote for one tuple at capture time
type QuoteSource interface {
	// CurrentQuote returns the newest quote with fetched_at <= asOf, or ErrDataUnavailable
	CurrentQuote(ctx context.Context, key models.TupleKey, asOf time.Time) (*models.OddsQuote, error)
}

// EventStore holds the schedule
type EventStore interface {
	UpsertEvent(ctx context.Context, event models.Event) error
	GetEvent(ctx context.Context, eventID string) (*models.Event, error)

	// UpcomingEvents returns events with from < starts_at <= to
	UpcomingEvents(ctx context.Context, from, to time.Time) ([]models.Event, error)
}

// SignalFilters narrows signal queries
type SignalFilters struct {
	EventID    string
	Sportsbook string
	Market     string
	Status     models.SignalStatus
	Limit      int
	Offset     int
}

// SignalStore holds signals. Writes are conditional so concurrent jobs
// never produce two active signals for one tuple.
type SignalStore interface {
	// InsertSignal fails with ErrConflict when an active signal exists for the tuple
	InsertSignal(ctx context.Context, signal models.Signal) error

	// ActiveSignal returns the active signal for a tuple or ErrNotFound
	ActiveSignal(ctx context.Context, key models.TupleKey) (*models.Signal, error)

	// UpdateEdge refreshes model probability and edge on an active signal only
	UpdateEdge(ctx context.Context, id string, modelProb, edgePct float64, updatedAt time.Time) error

	// SetCLV writes CLV once. Returns false when CLV was already set.
	SetCLV(ctx context.Context, id string, closingPrice string, clvPct float64, beatClose bool) (bool, error)

	// ExpireSignals marks active signals past expiry with no closing line as expired
	ExpireSignals(ctx context.Context, asOf time.Time) (int, error)

	// SignalsForCapture returns active signals whose event starts in (from, to]
	SignalsForCapture(ctx context.Context, from, to time.Time) ([]models.Signal, error)

	// UnsettledSignals returns active or expired signals for an event
	UnsettledSignals(ctx context.Context, eventID string) ([]models.Signal, error)

	// SignalsMissingCLV returns signals of an event with null CLV
	SignalsMissingCLV(ctx context.Context, eventID string) ([]models.Signal, error)

	GetSignal(ctx context.Context, id string) (*models.Signal, error)
	ListSignals(ctx context.Context, filters SignalFilters) ([]models.Signal, error)

	// LatestSignalTime returns the newest generated_at, nil when empty
	LatestSignalTime(ctx context.Context) (*time.Time, error)
}

// ClosingLineStore holds closing lines, at most one per tuple
type ClosingLineStore interface {
	// InsertClosingLine fails with ErrConflict when the tuple already has one
	InsertClosingLine(ctx context.Context, line models.ClosingLine) error
	GetClosingLine(ctx context.Context, key models.TupleKey) (*models.ClosingLine, error)
	ClosingLinesForEvent(ctx context.Context, eventID string) ([]models.ClosingLine, error)
}

// EventRef names an event awaiting settlement
type EventRef struct {
	EventID  string
	SportKey string
}

// SettlementStore records settlements
type SettlementStore interface {
	// PendingSettlementEvents returns events with active or expired signals that started at or before asOf
	PendingSettlementEvents(ctx context.Context, asOf time.Time) ([]EventRef, error)

	// SettleSignal writes the settled bet and flips the signal to settled atomically.
	// Fails with ErrConflict when the signal is already settled.
	SettleSignal(ctx context.Context, bet models.SettledBet) error
	GetSettledBet(ctx context.Context, signalID string) (*models.SettledBet, error)
	ListSettledBets(ctx context.Context, limit, offset int) ([]models.SettledBet, error)
}

// OutcomeFilters narrows the analytics snapshot
type OutcomeFilters struct {
	From        *time.Time
	To          *time.Time
	SettledOnly bool
	Sportsbook  string
	Market      string
}

// OutcomeReader returns a consistent snapshot of signals joined with settlements
type OutcomeReader interface {
	Outcomes(ctx context.Context, filters OutcomeFilters) ([]models.SignalOutcome, error)
}

// Pinger checks store reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// Store is everything the engine persists
type Store interface {
	QuoteStore
	QuoteSource
	EventStore
	SignalStore
	ClosingLineStore
	SettlementStore
	OutcomeReader
	Pinger
}
