package capture

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/calculator"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/logger"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/metrics"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/retry"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/models"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/oddsmath"
)

// Config controls closing line capture
type Config struct {
	Window         time.Duration // capture opens this long before start
	MaxQuoteAge    time.Duration // older quotes are not a closing price; defaults to Window
	MaxAttempts    int
	InitialBackoff time.Duration
}

// Store is the read/write set the capturer needs
type Store interface {
	contracts.SignalStore
	contracts.ClosingLineStore
	contracts.QuoteStore
}

// RunStats summarizes one capture pass
type RunStats struct {
	Candidates int
	Captured   int
	Existing   int
	Deferred   int
	Failed     int
	CLVApplied int
}

// Capturer snapshots the last price before kickoff for every open signal
type Capturer struct {
	store     Store
	source    contracts.QuoteSource
	clv       *calculator.CLVCalculator
	publisher contracts.EventPublisher
	metrics   *metrics.Recorder
	log       *logger.Logger
	cfg       Config
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewCapturer creates a capturer. source is usually the store itself; publisher may be nil.
func NewCapturer(store Store, source contracts.QuoteSource, clv *calculator.CLVCalculator, publisher contracts.EventPublisher, rec *metrics.Recorder, log *logger.Logger, cfg Config) *Capturer {
	if cfg.MaxQuoteAge <= 0 {
		cfg.MaxQuoteAge = cfg.Window
	}
	return &Capturer{
		store:     store,
		source:    source,
		clv:       clv,
		publisher: publisher,
		metrics:   rec,
		log:       log.Component("capture"),
		cfg:       cfg,
	}
}

// WithSleep replaces the retry wait. Tests use it to skip real delays.
func (c *Capturer) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Capturer {
	c.sleep = sleep
	return c
}

// Capture processes every active signal whose event starts in (asOf, asOf+window].
// Signals whose event already started are outside the window; their capture is abandoned.
func (c *Capturer) Capture(ctx context.Context, asOf time.Time) (RunStats, error) {
	var stats RunStats

	signals, err := c.store.SignalsForCapture(ctx, asOf, asOf.Add(c.cfg.Window))
	if err != nil {
		return stats, fmt.Errorf("load capture candidates: %w", err)
	}

	var lastFetchErr error
	for _, signal := range signals {
		stats.Candidates++

		if err := c.captureSignal(ctx, signal, asOf, &stats); err != nil {
			if errors.Is(err, contracts.ErrUpstreamUnavailable) {
				stats.Failed++
				lastFetchErr = err
				c.metrics.RecordClosingLine("failed")
				c.log.Warn("closing quote fetch failed, deferring",
					logger.String("signal_id", signal.ID),
					logger.Error(err),
				)
				continue
			}
			return stats, err
		}
	}

	if stats.Captured > 0 || stats.Deferred > 0 {
		c.log.Info("capture complete",
			logger.Int("candidates", stats.Candidates),
			logger.Int("captured", stats.Captured),
			logger.Int("deferred", stats.Deferred),
			logger.Int("clv_applied", stats.CLVApplied),
		)
	}

	if lastFetchErr != nil {
		return stats, fmt.Errorf("%d closing quote fetches failed: %w", stats.Failed, lastFetchErr)
	}
	return stats, nil
}

func (c *Capturer) captureSignal(ctx context.Context, signal models.Signal, asOf time.Time, stats *RunStats) error {
	key := signal.Key()

	existing, err := c.store.GetClosingLine(ctx, key)
	switch {
	case err == nil:
		stats.Existing++
		return c.applyCLV(ctx, signal, *existing, stats)
	case !errors.Is(err, contracts.ErrNotFound):
		return fmt.Errorf("closing line lookup: %w", err)
	}

	quote, err := c.fetchQuote(ctx, key, asOf)
	if err == nil {
		err = c.usableClose(signal, *quote, asOf)
	}
	if err != nil {
		if errors.Is(err, contracts.ErrDataUnavailable) {
			stats.Deferred++
			c.metrics.RecordClosingLine("deferred")
			c.log.Debug("no closing quote yet, deferring",
				logger.String("signal_id", signal.ID),
				logger.String("tuple", key.String()),
				logger.Time("starts_at", signal.ExpiresAt),
				logger.Error(err),
			)
			return nil
		}
		return err
	}

	line, err := c.buildClosingLine(ctx, *quote, asOf)
	if err != nil {
		if errors.Is(err, contracts.ErrValidation) {
			stats.Deferred++
			c.metrics.RecordClosingLine("deferred")
			c.log.Warn("closing quote rejected", logger.String("tuple", key.String()), logger.Error(err))
			return nil
		}
		return err
	}

	if err := c.store.InsertClosingLine(ctx, line); err != nil {
		if !errors.Is(err, contracts.ErrConflict) {
			return fmt.Errorf("insert closing line: %w", err)
		}

		// another run captured first; use the stored line
		c.metrics.RecordClosingLine("duplicate")
		stored, err := c.store.GetClosingLine(ctx, key)
		if err != nil {
			return fmt.Errorf("reload closing line: %w", err)
		}
		stats.Existing++
		return c.applyCLV(ctx, signal, *stored, stats)
	}

	stats.Captured++
	c.metrics.RecordClosingLine("captured")
	c.log.Info("closing line captured",
		logger.String("signal_id", signal.ID),
		logger.String("tuple", key.String()),
		logger.String("entry_price", signal.EntryPrice),
		logger.String("closing_price", line.Price),
		logger.Duration("hold_time_ms", calculator.HoldTime(signal, line)),
	)

	if c.publisher != nil {
		if err := c.publisher.PublishClosingLine(ctx, line, signal); err != nil {
			c.log.Warn("publish closing line failed", logger.String("signal_id", signal.ID), logger.Error(err))
		}
	}

	return c.applyCLV(ctx, signal, line, stats)
}

// fetchQuote retries transient upstream failures a bounded number of times
func (c *Capturer) fetchQuote(ctx context.Context, key models.TupleKey, asOf time.Time) (*models.OddsQuote, error) {
	policy := retry.NewRetryPolicy(c.cfg.MaxAttempts, c.cfg.InitialBackoff).OnlyIf(contracts.ErrUpstreamUnavailable)
	if c.sleep != nil {
		policy.WithSleep(c.sleep)
	}

	var quote *models.OddsQuote
	err := policy.Execute(ctx, func(ctx context.Context) error {
		q, err := c.source.CurrentQuote(ctx, key, asOf)
		if err != nil {
			return err
		}
		quote = q
		return nil
	})
	if err != nil {
		return nil, err
	}
	return quote, nil
}

// usableClose rejects a quote that is too old to stand for the close or that
// prices a different spread or total than the signal was issued at
func (c *Capturer) usableClose(signal models.Signal, quote models.OddsQuote, asOf time.Time) error {
	if age := asOf.Sub(quote.FetchedAt); age > c.cfg.MaxQuoteAge {
		return fmt.Errorf("latest quote is %s old: %w", age.Round(time.Second), contracts.ErrDataUnavailable)
	}
	if !oddsmath.SameLine(signal.Line, quote.Line) {
		return fmt.Errorf("line moved from %s to %s: %w", formatLine(signal.Line), formatLine(quote.Line), contracts.ErrDataUnavailable)
	}
	return nil
}

func formatLine(v *float64) string {
	if v == nil {
		return "none"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// buildClosingLine records raw implied probability and, when the rest of the
// market is quoted at the same book, the de-vigged probability
func (c *Capturer) buildClosingLine(ctx context.Context, quote models.OddsQuote, asOf time.Time) (models.ClosingLine, error) {
	price, err := oddsmath.ParsePrice(quote.Price, quote.PriceFormat)
	if err != nil {
		return models.ClosingLine{}, err
	}

	line := models.ClosingLine{
		EventID:            quote.EventID,
		Market:             quote.Market,
		Selection:          quote.Selection,
		Sportsbook:         quote.Sportsbook,
		Price:              quote.Price,
		PriceFormat:        price.Format,
		Line:               quote.Line,
		ImpliedProbability: price.ImpliedProbability(),
		QuoteFetchedAt:     quote.FetchedAt,
		CapturedAt:         asOf,
	}

	market, err := c.store.LatestQuotes(ctx, quote.EventID, asOf)
	if err != nil {
		return models.ClosingLine{}, fmt.Errorf("load market quotes: %w", err)
	}

	group := []models.OddsQuote{quote}
	for _, q := range market {
		if q.Market != quote.Market || q.Sportsbook != quote.Sportsbook || q.Selection == quote.Selection {
			continue
		}
		if asOf.Sub(q.FetchedAt) > c.cfg.MaxQuoteAge || !oddsmath.OpposingLines(quote.Market, quote.Line, q.Line) {
			continue
		}
		group = append(group, q)
	}

	if normalized, err := oddsmath.NormalizeMarket(group); err == nil {
		novig := normalized[quote.Selection].NoVigProbability
		line.NoVigProbability = &novig
	}

	return line, nil
}

func (c *Capturer) applyCLV(ctx context.Context, signal models.Signal, line models.ClosingLine, stats *RunStats) error {
	if signal.CLVPct != nil {
		return nil
	}

	applied, err := c.clv.Apply(ctx, signal, line)
	if err != nil {
		if errors.Is(err, contracts.ErrValidation) {
			c.log.Warn("clv skipped", logger.String("signal_id", signal.ID), logger.Error(err))
			return nil
		}
		return err
	}
	if applied {
		stats.CLVApplied++
	}
	return nil
}
