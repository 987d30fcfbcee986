package generator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/logger"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/metrics"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/models"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/oddsmath"
	"github.com/google/uuid"
)

// Config controls signal generation
type Config struct {
	MinEdgePct            float64
	MaxEdgePct            float64 // edges above this are treated as bad data
	MaterialEdgeChangePct float64
	MediumTierPct         float64
	HighTierPct           float64
	MaxQuoteAge           time.Duration
	Lookahead             time.Duration
	Bankroll              float64
	KellyFraction         float64
	MaxStakePct           float64
	EnabledMarkets        []string
}

// Store is the read/write set the generator needs
type Store interface {
	contracts.EventStore
	contracts.QuoteStore
	contracts.SignalStore
}

// RunStats summarizes one generation pass
type RunStats struct {
	Events     int
	Markets    int
	Created    int
	Refreshed  int
	Duplicates int
	Skipped    int
}

// Generator compares model probabilities to de-vigged market prices
type Generator struct {
	store     Store
	model     contracts.ModelProvider
	publisher contracts.EventPublisher
	metrics   *metrics.Recorder
	log       *logger.Logger
	cfg       Config
	enabled   map[string]bool
	newID     func() string
}

// NewGenerator creates a generator. publisher may be nil.
func NewGenerator(store Store, model contracts.ModelProvider, publisher contracts.EventPublisher, rec *metrics.Recorder, log *logger.Logger, cfg Config) *Generator {
	enabled := make(map[string]bool, len(cfg.EnabledMarkets))
	for _, m := range cfg.EnabledMarkets {
		enabled[m] = true
	}

	return &Generator{
		store:     store,
		model:     model,
		publisher: publisher,
		metrics:   rec,
		log:       log.Component("generator"),
		cfg:       cfg,
		enabled:   enabled,
		newID:     uuid.NewString,
	}
}

// ConfidenceTier maps edge magnitude to a tier. Monotonic in edge.
func ConfidenceTier(edgePct, mediumPct, highPct float64) models.ConfidenceTier {
	switch {
	case edgePct >= highPct:
		return models.ConfidenceHigh
	case edgePct >= mediumPct:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

// Generate evaluates every upcoming event using quotes as of asOf.
// Store failures abort the run; per-market data problems are logged and skipped.
func (g *Generator) Generate(ctx context.Context, asOf time.Time) (RunStats, error) {
	var stats RunStats

	events, err := g.store.UpcomingEvents(ctx, asOf, asOf.Add(g.cfg.Lookahead))
	if err != nil {
		return stats, fmt.Errorf("load upcoming events: %w", err)
	}

	for _, event := range events {
		stats.Events++
		if err := g.generateEvent(ctx, event, asOf, &stats); err != nil {
			return stats, fmt.Errorf("event %s: %w", event.EventID, err)
		}
	}

	if stats.Created > 0 || stats.Refreshed > 0 {
		g.log.Info("generation complete",
			logger.Int("events", stats.Events),
			logger.Int("created", stats.Created),
			logger.Int("refreshed", stats.Refreshed),
			logger.Int("duplicates", stats.Duplicates),
			logger.Int("skipped", stats.Skipped),
		)
	}

	return stats, nil
}

type marketKey struct {
	market     string
	sportsbook string
}

func (g *Generator) generateEvent(ctx context.Context, event models.Event, asOf time.Time, stats *RunStats) error {
	quotes, err := g.store.LatestQuotes(ctx, event.EventID, asOf)
	if err != nil {
		return fmt.Errorf("load quotes: %w", err)
	}

	groups := make(map[marketKey][]models.OddsQuote)
	for _, q := range quotes {
		if !g.enabled[q.Market] {
			continue
		}
		if asOf.Sub(q.FetchedAt) > g.cfg.MaxQuoteAge {
			continue
		}
		k := marketKey{market: q.Market, sportsbook: q.Sportsbook}
		groups[k] = append(groups[k], q)
	}

	keys := make([]marketKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].market == keys[j].market {
			return keys[i].sportsbook < keys[j].sportsbook
		}
		return keys[i].market < keys[j].market
	})

	for _, k := range keys {
		stats.Markets++

		normalized, err := oddsmath.NormalizeMarket(groups[k])
		if err != nil {
			stats.Skipped++
			g.log.Debug("market skipped",
				logger.String("event_id", event.EventID),
				logger.String("market", k.market),
				logger.String("book", k.sportsbook),
				logger.Error(err),
			)
			continue
		}

		selections := make([]string, 0, len(normalized))
		for sel := range normalized {
			selections = append(selections, sel)
		}
		sort.Strings(selections)

		for _, sel := range selections {
			if err := g.evaluate(ctx, event, normalized[sel], asOf, stats); err != nil {
				return err
			}
		}
	}

	return nil
}

// evaluate decides create / refresh / skip for one selection
func (g *Generator) evaluate(ctx context.Context, event models.Event, nq oddsmath.NormalizedQuote, asOf time.Time, stats *RunStats) error {
	q := nq.Quote

	modelProb, err := g.model.Probability(ctx, q.EventID, q.Market, q.Selection)
	if err != nil {
		if errors.Is(err, contracts.ErrDataUnavailable) {
			stats.Skipped++
			return nil
		}
		return fmt.Errorf("model probability: %w", err)
	}
	if err := oddsmath.ValidateProbability("model probability", modelProb); err != nil {
		stats.Skipped++
		g.log.Warn("invalid model probability", logger.String("tuple", q.Key().String()), logger.Error(err))
		return nil
	}

	existing, err := g.store.ActiveSignal(ctx, q.Key())
	switch {
	case err == nil:
		return g.refresh(ctx, existing, modelProb, asOf, stats)
	case !errors.Is(err, contracts.ErrNotFound):
		return fmt.Errorf("active signal lookup: %w", err)
	}

	edge, err := oddsmath.CalculateEdgePct(modelProb, nq.NoVigProbability)
	if err != nil {
		stats.Skipped++
		return nil
	}

	// the edge must exceed the minimum; equal is not enough
	if edge <= g.cfg.MinEdgePct {
		return nil
	}
	if edge > g.cfg.MaxEdgePct {
		stats.Skipped++
		g.log.Warn("edge above outlier cap, skipping",
			logger.String("tuple", q.Key().String()),
			logger.Float("edge_pct", edge),
		)
		return nil
	}

	stake, err := oddsmath.RecommendedStake(modelProb, nq.Price.Decimal, g.cfg.Bankroll, g.cfg.KellyFraction, g.cfg.MaxStakePct)
	if err != nil {
		stake = 0
	}

	signal := models.Signal{
		ID:                    g.newID(),
		EventID:               q.EventID,
		SportKey:              event.SportKey,
		Market:                q.Market,
		Selection:             q.Selection,
		Sportsbook:            q.Sportsbook,
		ModelProbability:      modelProb,
		MarketProbability:     nq.NoVigProbability,
		RawImpliedProbability: nq.ImpliedProbability,
		EdgePct:               edge,
		ConfidenceTier:        ConfidenceTier(edge, g.cfg.MediumTierPct, g.cfg.HighTierPct),
		EntryPrice:            q.Price,
		EntryPriceFormat:      nq.Price.Format,
		Line:                  q.Line,
		RecommendedStake:      stake,
		Status:                models.SignalStatusActive,
		GeneratedAt:           asOf,
		UpdatedAt:             asOf,
		ExpiresAt:             event.StartsAt,
	}

	if err := g.store.InsertSignal(ctx, signal); err != nil {
		if errors.Is(err, contracts.ErrConflict) {
			stats.Duplicates++
			g.metrics.RecordSignal("duplicate")
			g.log.Debug("active signal already exists", logger.String("tuple", q.Key().String()))
			return nil
		}
		return fmt.Errorf("insert signal: %w", err)
	}

	stats.Created++
	g.metrics.RecordSignal("created")
	g.log.Info("signal created",
		logger.String("signal_id", signal.ID),
		logger.String("tuple", q.Key().String()),
		logger.String("entry_price", signal.EntryPrice),
		logger.Float("edge_pct", signal.EdgePct),
		logger.String("tier", string(signal.ConfidenceTier)),
	)

	if g.publisher != nil {
		if err := g.publisher.PublishSignal(ctx, signal); err != nil {
			g.log.Warn("publish signal failed", logger.String("signal_id", signal.ID), logger.Error(err))
		}
	}

	return nil
}

// refresh updates model probability and edge on an existing active signal when
// the edge at its entry price moved materially. Entry fields and generated_at never change.
func (g *Generator) refresh(ctx context.Context, existing *models.Signal, modelProb float64, asOf time.Time, stats *RunStats) error {
	edge, err := oddsmath.CalculateEdgePct(modelProb, existing.MarketProbability)
	if err != nil {
		stats.Skipped++
		return nil
	}

	if math.Abs(edge-existing.EdgePct) < g.cfg.MaterialEdgeChangePct {
		stats.Duplicates++
		return nil
	}

	if err := g.store.UpdateEdge(ctx, existing.ID, modelProb, edge, asOf); err != nil {
		if errors.Is(err, contracts.ErrNotFound) {
			// settled or expired since the lookup
			return nil
		}
		return fmt.Errorf("update edge: %w", err)
	}

	stats.Refreshed++
	g.metrics.RecordSignal("refreshed")
	g.log.Info("signal edge refreshed",
		logger.String("signal_id", existing.ID),
		logger.Float("old_edge_pct", existing.EdgePct),
		logger.Float("edge_pct", edge),
	)
	return nil
}

// SweepExpired marks active signals whose event started with no closing line or settlement
func (g *Generator) SweepExpired(ctx context.Context, asOf time.Time) (int, error) {
	n, err := g.store.ExpireSignals(ctx, asOf)
	if err != nil {
		return 0, fmt.Errorf("expire signals: %w", err)
	}

	if n > 0 {
		g.metrics.RecordSignals("expired", n)
		g.log.Info("signals expired", logger.Int("count", n), logger.Time("as_of", asOf))
	}

	return n, nil
}
