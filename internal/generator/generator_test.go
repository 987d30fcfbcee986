package generator_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/generator"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/logger"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/metrics"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/store/memory"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/models"
)

var (
	asOf    = time.Date(2026, 1, 15, 18, 0, 0, 0, time.UTC)
	tipOff  = asOf.Add(3 * time.Hour)
	eventID = "evt-celtics-knicks"
)

// MockModel returns fixed probabilities keyed by selection
type MockModel struct {
	probs       map[string]float64
	shouldError bool
}

func (m *MockModel) Probability(ctx context.Context, eventID, market, selection string) (float64, error) {
	if m.shouldError {
		return 0, contracts.ErrUpstreamUnavailable
	}
	p, ok := m.probs[market+"|"+selection]
	if !ok {
		return 0, contracts.ErrDataUnavailable
	}
	return p, nil
}

// MockPublisher records published signals
type MockPublisher struct {
	signals []models.Signal
}

func (p *MockPublisher) PublishSignal(ctx context.Context, s models.Signal) error {
	p.signals = append(p.signals, s)
	return nil
}

func (p *MockPublisher) PublishClosingLine(ctx context.Context, l models.ClosingLine, s models.Signal) error {
	return nil
}

func (p *MockPublisher) PublishSettlement(ctx context.Context, b models.SettledBet, s models.Signal) error {
	return nil
}

func defaultConfig() generator.Config {
	return generator.Config{
		MinEdgePct:            2.0,
		MaxEdgePct:            20.0,
		MaterialEdgeChangePct: 0.5,
		MediumTierPct:         3.5,
		HighTierPct:           5.0,
		MaxQuoteAge:           10 * time.Minute,
		Lookahead:             48 * time.Hour,
		Bankroll:              1000,
		KellyFraction:         0.25,
		MaxStakePct:           0.01,
		EnabledMarkets:        []string{"h2h", "spreads", "totals"},
	}
}

// seed stores the event and a -110/-110 moneyline (no-vig 0.50 each side) at fanduel
func seed(t *testing.T, store *memory.Store, fetchedAt time.Time, prices ...string) {
	t.Helper()
	ctx := context.Background()

	if err := store.UpsertEvent(ctx, models.Event{
		EventID: eventID, SportKey: "basketball_nba",
		HomeTeam: "Boston Celtics", AwayTeam: "New York Knicks", StartsAt: tipOff,
	}); err != nil {
		t.Fatalf("UpsertEvent: %v", err)
	}

	selections := []string{"Boston Celtics", "New York Knicks"}
	if len(prices) == 0 {
		prices = []string{"-110", "-110"}
	}
	for i, price := range prices {
		q := models.OddsQuote{
			EventID: eventID, SportKey: "basketball_nba", Market: "h2h",
			Selection: selections[i], Sportsbook: "fanduel", Price: price, FetchedAt: fetchedAt,
		}
		if err := store.InsertQuote(ctx, q); err != nil {
			t.Fatalf("InsertQuote: %v", err)
		}
	}
}

func newGenerator(store *memory.Store, model *MockModel, pub *MockPublisher) *generator.Generator {
	var publisher contracts.EventPublisher
	if pub != nil {
		publisher = pub
	}
	return generator.NewGenerator(store, model, publisher, metrics.New(), logger.Nop(), defaultConfig())
}

func TestGenerate_CreatesSignal(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seed(t, store, asOf.Add(-time.Minute))

	model := &MockModel{probs: map[string]float64{"h2h|Boston Celtics": 0.58, "h2h|New York Knicks": 0.42}}
	pub := &MockPublisher{}
	gen := newGenerator(store, model, pub)

	stats, err := gen.Generate(ctx, asOf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Created != 1 {
		t.Fatalf("created = %d, want 1", stats.Created)
	}

	signals, _ := store.ListSignals(ctx, contracts.SignalFilters{})
	if len(signals) != 1 {
		t.Fatalf("stored signals = %d, want 1", len(signals))
	}

	s := signals[0]
	if s.Selection != "Boston Celtics" {
		t.Errorf("selection = %s, want Boston Celtics", s.Selection)
	}
	if s.EntryPrice != "-110" {
		t.Errorf("entry_price = %s, want -110", s.EntryPrice)
	}
	if !s.ExpiresAt.Equal(tipOff) {
		t.Errorf("expires_at = %v, want %v", s.ExpiresAt, tipOff)
	}
	if math.Abs(s.MarketProbability-0.50) > 1e-9 {
		t.Errorf("market_probability = %f, want 0.50", s.MarketProbability)
	}
	if math.Abs(s.EdgePct-8.0) > 1e-6 {
		t.Errorf("edge_pct = %f, want 8.0", s.EdgePct)
	}
	if s.ConfidenceTier != models.ConfidenceHigh {
		t.Errorf("confidence_tier = %s, want high", s.ConfidenceTier)
	}
	if s.Status != models.SignalStatusActive {
		t.Errorf("status = %s, want active", s.Status)
	}
	if s.CLVPct != nil || s.BeatClose != nil {
		t.Error("clv fields should be nil on a new signal")
	}
	if s.RecommendedStake != 10.0 {
		t.Errorf("recommended_stake = %f, want 10.00 (1%% cap)", s.RecommendedStake)
	}
	if len(pub.signals) != 1 {
		t.Errorf("published = %d, want 1", len(pub.signals))
	}
}

func TestGenerate_IdempotentRerun(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seed(t, store, asOf.Add(-time.Minute))

	model := &MockModel{probs: map[string]float64{"h2h|Boston Celtics": 0.58}}
	gen := newGenerator(store, model, nil)

	if _, err := gen.Generate(ctx, asOf); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, _ := store.ListSignals(ctx, contracts.SignalFilters{})

	stats, err := gen.Generate(ctx, asOf.Add(time.Minute))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stats.Created != 0 {
		t.Errorf("second run created = %d, want 0", stats.Created)
	}

	after, _ := store.ListSignals(ctx, contracts.SignalFilters{Status: models.SignalStatusActive})
	if len(after) != 1 {
		t.Fatalf("active signals = %d, want 1", len(after))
	}
	if !after[0].GeneratedAt.Equal(first[0].GeneratedAt) {
		t.Errorf("generated_at changed from %v to %v", first[0].GeneratedAt, after[0].GeneratedAt)
	}
}

func TestGenerate_MaterialEdgeChangeRefreshes(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seed(t, store, asOf.Add(-time.Minute))

	model := &MockModel{probs: map[string]float64{"h2h|Boston Celtics": 0.58}}
	gen := newGenerator(store, model, nil)

	if _, err := gen.Generate(ctx, asOf); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Small wobble is ignored
	model.probs["h2h|Boston Celtics"] = 0.582
	stats, _ := gen.Generate(ctx, asOf.Add(time.Minute))
	if stats.Refreshed != 0 {
		t.Errorf("refreshed on 0.2pt change = %d, want 0", stats.Refreshed)
	}

	model.probs["h2h|Boston Celtics"] = 0.62
	stats, err := gen.Generate(ctx, asOf.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	if stats.Refreshed != 1 {
		t.Fatalf("refreshed = %d, want 1", stats.Refreshed)
	}

	signals, _ := store.ListSignals(ctx, contracts.SignalFilters{})
	s := signals[0]
	if math.Abs(s.EdgePct-12.0) > 1e-6 {
		t.Errorf("edge_pct = %f, want 12.0", s.EdgePct)
	}
	if s.ModelProbability != 0.62 {
		t.Errorf("model_probability = %f, want 0.62", s.ModelProbability)
	}
	if !s.GeneratedAt.Equal(asOf) {
		t.Errorf("generated_at = %v, want %v", s.GeneratedAt, asOf)
	}
	if s.EntryPrice != "-110" || math.Abs(s.MarketProbability-0.5) > 1e-9 {
		t.Errorf("entry fields changed: price=%s market=%f", s.EntryPrice, s.MarketProbability)
	}
}

func TestGenerate_Skips(t *testing.T) {
	tests := []struct {
		name      string
		probs     map[string]float64
		prices    []string
		fetchedAt time.Time
	}{
		{
			name:      "Edge below threshold",
			probs:     map[string]float64{"h2h|Boston Celtics": 0.51},
			fetchedAt: asOf.Add(-time.Minute),
		},
		{
			name:      "Edge equal to threshold",
			probs:     map[string]float64{"h2h|Boston Celtics": 0.52},
			fetchedAt: asOf.Add(-time.Minute),
		},
		{
			name:      "Edge above outlier cap",
			probs:     map[string]float64{"h2h|Boston Celtics": 0.75},
			fetchedAt: asOf.Add(-time.Minute),
		},
		{
			name:      "No model probability",
			probs:     map[string]float64{},
			fetchedAt: asOf.Add(-time.Minute),
		},
		{
			name:      "One side quoted",
			probs:     map[string]float64{"h2h|Boston Celtics": 0.58},
			prices:    []string{"-110"},
			fetchedAt: asOf.Add(-time.Minute),
		},
		{
			name:      "Stale quotes",
			probs:     map[string]float64{"h2h|Boston Celtics": 0.58},
			fetchedAt: asOf.Add(-time.Hour),
		},
		{
			name:      "Malformed price",
			probs:     map[string]float64{"h2h|Boston Celtics": 0.58},
			prices:    []string{"-110", "abc"},
			fetchedAt: asOf.Add(-time.Minute),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := memory.New()
			seed(t, store, tt.fetchedAt, tt.prices...)

			gen := newGenerator(store, &MockModel{probs: tt.probs}, nil)
			stats, err := gen.Generate(ctx, asOf)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if stats.Created != 0 {
				t.Errorf("created = %d, want 0", stats.Created)
			}
		})
	}
}

func TestGenerate_EdgeJustAboveThreshold(t *testing.T) {
	store := memory.New()
	seed(t, store, asOf.Add(-time.Minute))

	gen := newGenerator(store, &MockModel{probs: map[string]float64{"h2h|Boston Celtics": 0.5201}}, nil)
	stats, err := gen.Generate(context.Background(), asOf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Created != 1 {
		t.Errorf("created = %d, want 1", stats.Created)
	}
}

func TestGenerate_MismatchedTotalsSkipped(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seed(t, store, asOf.Add(-time.Minute), "-110")

	over, under := 215.5, 216.5
	for _, q := range []models.OddsQuote{
		{EventID: eventID, SportKey: "basketball_nba", Market: "totals", Selection: "Over", Sportsbook: "fanduel", Price: "+105", Line: &over, FetchedAt: asOf.Add(-time.Minute)},
		{EventID: eventID, SportKey: "basketball_nba", Market: "totals", Selection: "Under", Sportsbook: "fanduel", Price: "-125", Line: &under, FetchedAt: asOf.Add(-time.Minute)},
	} {
		if err := store.InsertQuote(ctx, q); err != nil {
			t.Fatalf("InsertQuote: %v", err)
		}
	}

	model := &MockModel{probs: map[string]float64{"totals|Over": 0.58, "totals|Under": 0.42}}
	stats, err := newGenerator(store, model, nil).Generate(ctx, asOf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Created != 0 {
		t.Errorf("created = %d, want 0 (over and under priced at different points)", stats.Created)
	}
}

func TestGenerate_ModelUpstreamErrorPropagates(t *testing.T) {
	store := memory.New()
	seed(t, store, asOf.Add(-time.Minute))

	gen := newGenerator(store, &MockModel{shouldError: true}, nil)
	_, err := gen.Generate(context.Background(), asOf)
	if !errors.Is(err, contracts.ErrUpstreamUnavailable) {
		t.Errorf("error = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestGenerate_StartedEventIgnored(t *testing.T) {
	store := memory.New()
	seed(t, store, tipOff.Add(-time.Minute))

	gen := newGenerator(store, &MockModel{probs: map[string]float64{"h2h|Boston Celtics": 0.58}}, nil)
	stats, err := gen.Generate(context.Background(), tipOff.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Events != 0 || stats.Created != 0 {
		t.Errorf("stats = %+v, want no events evaluated", stats)
	}
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seed(t, store, asOf.Add(-time.Minute))

	gen := newGenerator(store, &MockModel{probs: map[string]float64{"h2h|Boston Celtics": 0.58}}, nil)
	if _, err := gen.Generate(ctx, asOf); err != nil {
		t.Fatalf("generate: %v", err)
	}

	n, err := gen.SweepExpired(ctx, tipOff.Add(time.Second))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("expired = %d, want 1", n)
	}

	signals, _ := store.ListSignals(ctx, contracts.SignalFilters{})
	if len(signals) != 1 || signals[0].Status != models.SignalStatusExpired {
		t.Errorf("signals = %+v, want one expired signal retained", signals)
	}
}

func TestConfidenceTier(t *testing.T) {
	tests := []struct {
		edge float64
		want models.ConfidenceTier
	}{
		{2.0, models.ConfidenceLow},
		{3.49, models.ConfidenceLow},
		{3.5, models.ConfidenceMedium},
		{4.99, models.ConfidenceMedium},
		{5.0, models.ConfidenceHigh},
		{8.0, models.ConfidenceHigh},
	}

	for _, tt := range tests {
		if got := generator.ConfidenceTier(tt.edge, 3.5, 5.0); got != tt.want {
			t.Errorf("ConfidenceTier(%f) = %s, want %s", tt.edge, got, tt.want)
		}
	}
}
