package contracts

import (
	"context"

	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/models"
)

// ModelProvider supplies the model's true probability for a selection
type ModelProvider interface {
	// Probability returns ErrDataUnavailable when the model has no estimate
	Probability(ctx context.Context, eventID, market, selection string) (float64, error)
}

// ResultProvider supplies final event outcomes
type ResultProvider interface {
	// Results returns results for the given events; unknown events are omitted
	Results(ctx context.Context, sportKey string, eventIDs []string) ([]models.EventResult, error)
}

// EventPublisher announces lifecycle transitions downstream
type EventPublisher interface {
	PublishSignal(ctx context.Context, signal models.Signal) error
	PublishClosingLine(ctx context.Context, line models.ClosingLine, signal models.Signal) error
	PublishSettlement(ctx context.Context, bet models.SettledBet, signal models.Signal) error
}
