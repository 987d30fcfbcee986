package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/logger"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/metrics"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/models"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/oddsmath"
	"github.com/redis/go-redis/v9"
)

// QuoteMessage is the odds.raw payload: one quote plus the event it belongs to
type QuoteMessage struct {
	models.OddsQuote
	HomeTeam string     `json:"home_team"`
	AwayTeam string     `json:"away_team"`
	StartsAt *time.Time `json:"commence_time"`
}

// QuoteSink is where ingested odds land
type QuoteSink interface {
	InsertQuote(ctx context.Context, quote models.OddsQuote) error
	UpsertEvent(ctx context.Context, event models.Event) error
}

// OddsIngestor validates and stores quotes from odds.raw
type OddsIngestor struct {
	sink    QuoteSink
	metrics *metrics.Recorder
	log     *logger.Logger
}

// NewOddsIngestor creates an ingestor
func NewOddsIngestor(sink QuoteSink, rec *metrics.Recorder, log *logger.Logger) *OddsIngestor {
	return &OddsIngestor{sink: sink, metrics: rec, log: log.Component("ingest")}
}

// Handle implements Handler
func (i *OddsIngestor) Handle(ctx context.Context, msg redis.XMessage) error {
	data, err := payload(msg)
	if err != nil {
		return err
	}

	var qm QuoteMessage
	if err := json.Unmarshal(data, &qm); err != nil {
		return contracts.NewValidationError("message", msg.ID, fmt.Sprintf("bad quote JSON: %v", err))
	}

	return i.Ingest(ctx, qm)
}

// Ingest stores one quote. Malformed prices are rejected, never coerced.
func (i *OddsIngestor) Ingest(ctx context.Context, qm QuoteMessage) error {
	q := qm.OddsQuote
	if q.EventID == "" || q.Market == "" || q.Selection == "" || q.Sportsbook == "" {
		return contracts.NewValidationError("quote", q.Key().String(), "incomplete tuple")
	}
	if q.FetchedAt.IsZero() {
		return contracts.NewValidationError("fetched_at", "", "missing")
	}

	price, err := oddsmath.ParsePrice(q.Price, q.PriceFormat)
	if err != nil {
		return err
	}
	q.PriceFormat = price.Format

	if qm.StartsAt != nil && qm.HomeTeam != "" && qm.AwayTeam != "" {
		err := i.sink.UpsertEvent(ctx, models.Event{
			EventID:  q.EventID,
			SportKey: q.SportKey,
			HomeTeam: qm.HomeTeam,
			AwayTeam: qm.AwayTeam,
			StartsAt: *qm.StartsAt,
		})
		if err != nil {
			return fmt.Errorf("upsert event: %w", err)
		}
	}

	if err := i.sink.InsertQuote(ctx, q); err != nil {
		return fmt.Errorf("insert quote: %w", err)
	}

	i.metrics.RecordQuote(q.SportKey)
	return nil
}

// ResultSink receives final scores
type ResultSink interface {
	PutResult(ctx context.Context, result models.EventResult) error
}

// EventSettler settles one completed event
type EventSettler interface {
	SettleEvent(ctx context.Context, result models.EventResult, asOf time.Time) error
}

// SettleFunc adapts a function to EventSettler
type SettleFunc func(ctx context.Context, result models.EventResult, asOf time.Time) error

func (f SettleFunc) SettleEvent(ctx context.Context, result models.EventResult, asOf time.Time) error {
	return f(ctx, result, asOf)
}

// ResultIngestor caches results from events.results and settles completed events right away
type ResultIngestor struct {
	sink    ResultSink
	settler EventSettler
	now     func() time.Time
	log     *logger.Logger
}

// NewResultIngestor creates a result ingestor. settler may be nil.
func NewResultIngestor(sink ResultSink, settler EventSettler, log *logger.Logger) *ResultIngestor {
	return &ResultIngestor{sink: sink, settler: settler, now: time.Now, log: log.Component("results")}
}

// Handle implements Handler
func (r *ResultIngestor) Handle(ctx context.Context, msg redis.XMessage) error {
	data, err := payload(msg)
	if err != nil {
		return err
	}

	var result models.EventResult
	if err := json.Unmarshal(data, &result); err != nil {
		return contracts.NewValidationError("message", msg.ID, fmt.Sprintf("bad result JSON: %v", err))
	}
	if result.EventID == "" {
		return contracts.NewValidationError("event_id", "", "missing")
	}

	if err := r.sink.PutResult(ctx, result); err != nil {
		return fmt.Errorf("cache result: %w", err)
	}

	if !result.Completed || r.settler == nil {
		return nil
	}

	asOf := r.now()
	if result.CompletedAt != nil {
		asOf = *result.CompletedAt
	}
	if err := r.settler.SettleEvent(ctx, result, asOf); err != nil {
		return fmt.Errorf("settle event %s: %w", result.EventID, err)
	}

	r.log.Debug("event settled from stream", logger.String("event_id", result.EventID))
	return nil
}
