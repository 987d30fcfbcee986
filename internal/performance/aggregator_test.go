package performance_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/logger"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/performance"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/models"
)

// MockOutcomes serves a fixed snapshot and counts reads
type MockOutcomes struct {
	rows        []models.SignalOutcome
	calls       int
	shouldError bool
}

func (m *MockOutcomes) Outcomes(ctx context.Context, filters contracts.OutcomeFilters) ([]models.SignalOutcome, error) {
	m.calls++
	if m.shouldError {
		return nil, contracts.Unavailable("outcomes", errors.New("connection refused"))
	}
	return m.rows, nil
}

// MockCache is an in-process report cache
type MockCache struct {
	reports     map[string]models.PerformanceReport
	shouldError bool
}

func (c *MockCache) GetReport(ctx context.Context, key string) (*models.PerformanceReport, error) {
	if c.shouldError {
		return nil, contracts.ErrUpstreamUnavailable
	}
	r, ok := c.reports[key]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	return &r, nil
}

func (c *MockCache) PutReport(ctx context.Context, key string, report models.PerformanceReport, ttl time.Duration) error {
	if c.shouldError {
		return contracts.ErrUpstreamUnavailable
	}
	c.reports[key] = report
	return nil
}

func TestReport_CachesWithinTTL(t *testing.T) {
	ctx := context.Background()
	store := &MockOutcomes{rows: fixture()}
	cache := &MockCache{reports: map[string]models.PerformanceReport{}}
	agg := performance.NewAggregator(store, cache, logger.Nop(), performance.Config{CacheTTL: 5 * time.Minute})

	first, err := agg.Report(ctx, contracts.OutcomeFilters{}, day)
	if err != nil {
		t.Fatalf("first report: %v", err)
	}
	second, err := agg.Report(ctx, contracts.OutcomeFilters{}, day.Add(time.Minute))
	if err != nil {
		t.Fatalf("second report: %v", err)
	}

	if store.calls != 1 {
		t.Errorf("store reads = %d, want 1", store.calls)
	}
	if !second.GeneratedAt.Equal(first.GeneratedAt) {
		t.Errorf("second report regenerated at %v", second.GeneratedAt)
	}

	// different filters miss the cache
	if _, err := agg.Report(ctx, contracts.OutcomeFilters{Sportsbook: "fanduel"}, day); err != nil {
		t.Fatalf("filtered report: %v", err)
	}
	if store.calls != 2 {
		t.Errorf("store reads = %d, want 2", store.calls)
	}
}

func TestReport_CacheFailureFallsThrough(t *testing.T) {
	store := &MockOutcomes{rows: fixture()}
	cache := &MockCache{shouldError: true}
	agg := performance.NewAggregator(store, cache, logger.Nop(), performance.Config{CacheTTL: time.Minute})

	report, err := agg.Report(context.Background(), contracts.OutcomeFilters{}, day)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Overall.Signals != 4 {
		t.Errorf("signals = %d, want 4", report.Overall.Signals)
	}
}

func TestReport_StoreUnavailable(t *testing.T) {
	agg := performance.NewAggregator(&MockOutcomes{shouldError: true}, nil, logger.Nop(), performance.Config{})

	_, err := agg.Report(context.Background(), contracts.OutcomeFilters{}, day)
	if !errors.Is(err, contracts.ErrUpstreamUnavailable) {
		t.Errorf("error = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestCacheKey(t *testing.T) {
	from := day
	tests := []struct {
		name    string
		filters contracts.OutcomeFilters
		want    string
	}{
		{"empty", contracts.OutcomeFilters{}, "performance:report:-:-:false:-:-"},
		{"full", contracts.OutcomeFilters{From: &from, SettledOnly: true, Sportsbook: "fanduel", Market: "h2h"},
			"performance:report:1768435200:-:true:fanduel:h2h"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := performance.CacheKey(tt.filters); got != tt.want {
				t.Errorf("CacheKey() = %s, want %s", got, tt.want)
			}
		})
	}
}
