package performance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/logger"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/models"
)

// Cache stores computed reports for a bounded staleness window
type Cache interface {
	// GetReport returns ErrNotFound on a miss
	GetReport(ctx context.Context, key string) (*models.PerformanceReport, error)
	PutReport(ctx context.Context, key string, report models.PerformanceReport, ttl time.Duration) error
}

// Config controls the aggregator
type Config struct {
	CacheTTL time.Duration
	Location *time.Location
}

// Aggregator serves performance reports from one outcome snapshot per call
type Aggregator struct {
	store contracts.OutcomeReader
	cache Cache
	log   *logger.Logger
	cfg   Config
}

// NewAggregator creates an aggregator. cache may be nil.
func NewAggregator(store contracts.OutcomeReader, cache Cache, log *logger.Logger, cfg Config) *Aggregator {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Aggregator{
		store: store,
		cache: cache,
		log:   log.Component("performance"),
		cfg:   cfg,
	}
}

// Report returns a cached report when one is fresh, otherwise computes it
func (a *Aggregator) Report(ctx context.Context, filters contracts.OutcomeFilters, asOf time.Time) (*models.PerformanceReport, error) {
	key := CacheKey(filters)

	if a.cache != nil && a.cfg.CacheTTL > 0 {
		cached, err := a.cache.GetReport(ctx, key)
		switch {
		case err == nil:
			return cached, nil
		case !errors.Is(err, contracts.ErrNotFound):
			a.log.Warn("performance cache read failed", logger.String("key", key), logger.Error(err))
		}
	}

	rows, err := a.store.Outcomes(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("load outcomes: %w", err)
	}

	report := Build(rows, asOf, a.cfg.Location)

	if a.cache != nil && a.cfg.CacheTTL > 0 {
		if err := a.cache.PutReport(ctx, key, report, a.cfg.CacheTTL); err != nil {
			a.log.Warn("performance cache write failed", logger.String("key", key), logger.Error(err))
		}
	}

	a.log.Debug("performance report computed",
		logger.Int("rows", len(rows)),
		logger.Int("clv_samples", report.CLV.N),
	)

	return &report, nil
}

// Correlation computes one ad-hoc pair, uncached
func (a *Aggregator) Correlation(ctx context.Context, filters contracts.OutcomeFilters, x, y Series) (models.Correlation, error) {
	rows, err := a.store.Outcomes(ctx, filters)
	if err != nil {
		return models.Correlation{}, fmt.Errorf("load outcomes: %w", err)
	}
	return Correlate(rows, x, y), nil
}

// CacheKey derives a stable key from the filters
func CacheKey(f contracts.OutcomeFilters) string {
	parts := []string{"performance", "report"}

	timePart := func(t *time.Time) string {
		if t == nil {
			return "-"
		}
		return strconv.FormatInt(t.Unix(), 10)
	}

	parts = append(parts,
		timePart(f.From),
		timePart(f.To),
		strconv.FormatBool(f.SettledOnly),
		orDash(f.Sportsbook),
		orDash(f.Market),
	)
	return strings.Join(parts, ":")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
