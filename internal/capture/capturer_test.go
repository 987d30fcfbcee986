package capture_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/calculator"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/capture"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/logger"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/metrics"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/store/memory"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/models"
)

var (
	generatedAt = time.Date(2026, 1, 15, 16, 0, 0, 0, time.UTC)
	tipOff      = generatedAt.Add(4 * time.Hour)
	asOf        = tipOff.Add(-10 * time.Minute)
)

// FlakySource fails with ErrUpstreamUnavailable a fixed number of times
type FlakySource struct {
	inner    contracts.QuoteSource
	failures int
	calls    int
}

func (f *FlakySource) CurrentQuote(ctx context.Context, key models.TupleKey, asOf time.Time) (*models.OddsQuote, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, contracts.Unavailable("odds feed", errors.New("connection reset"))
	}
	return f.inner.CurrentQuote(ctx, key, asOf)
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func testSignal() models.Signal {
	return models.Signal{
		ID:                    "sig-1",
		EventID:               "evt1",
		Market:                "h2h",
		Selection:             "Boston Celtics",
		Sportsbook:            "fanduel",
		ModelProbability:      0.58,
		MarketProbability:     0.50,
		RawImpliedProbability: 110.0 / 210.0,
		EdgePct:               8.0,
		EntryPrice:            "-110",
		Status:                models.SignalStatusActive,
		GeneratedAt:           generatedAt,
		ExpiresAt:             tipOff,
	}
}

func insertQuote(t *testing.T, store *memory.Store, selection, price string, fetchedAt time.Time) {
	t.Helper()
	err := store.InsertQuote(context.Background(), models.OddsQuote{
		EventID: "evt1", Market: "h2h", Selection: selection, Sportsbook: "fanduel",
		Price: price, FetchedAt: fetchedAt,
	})
	if err != nil {
		t.Fatalf("InsertQuote: %v", err)
	}
}

func insertSpread(t *testing.T, store *memory.Store, selection, price string, point float64, fetchedAt time.Time) {
	t.Helper()
	err := store.InsertQuote(context.Background(), models.OddsQuote{
		EventID: "evt1", Market: models.MarketSpreads, Selection: selection, Sportsbook: "fanduel",
		Price: price, Line: &point, FetchedAt: fetchedAt,
	})
	if err != nil {
		t.Fatalf("InsertQuote: %v", err)
	}
}

func newCapturer(store *memory.Store, source contracts.QuoteSource) *capture.Capturer {
	clv := calculator.NewCLVCalculator(store, logger.Nop())
	cfg := capture.Config{Window: 30 * time.Minute, MaxQuoteAge: 15 * time.Minute, MaxAttempts: 3, InitialBackoff: time.Millisecond}
	return capture.NewCapturer(store, source, clv, nil, metrics.New(), logger.Nop(), cfg).WithSleep(noSleep)
}

func TestCapture_CapturesAndComputesCLV(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_ = store.InsertSignal(ctx, testSignal())
	insertQuote(t, store, "Boston Celtics", "-130", asOf.Add(-time.Minute))
	insertQuote(t, store, "New York Knicks", "+110", asOf.Add(-time.Minute))

	stats, err := newCapturer(store, store).Capture(ctx, asOf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Captured != 1 || stats.CLVApplied != 1 {
		t.Fatalf("stats = %+v, want 1 captured with clv", stats)
	}

	line, err := store.GetClosingLine(ctx, testSignal().Key())
	if err != nil {
		t.Fatalf("GetClosingLine: %v", err)
	}
	if line.Price != "-130" {
		t.Errorf("closing price = %s, want -130", line.Price)
	}
	if line.NoVigProbability == nil || math.Abs(*line.NoVigProbability-0.5427) > 0.0001 {
		t.Errorf("no-vig = %v, want 0.5427", line.NoVigProbability)
	}
	if !line.CapturedAt.Equal(asOf) {
		t.Errorf("captured_at = %v, want %v", line.CapturedAt, asOf)
	}

	sig, _ := store.GetSignal(ctx, "sig-1")
	if sig.CLVPct == nil || math.Abs(*sig.CLVPct-4.274) > 0.01 {
		t.Errorf("clv_pct = %v, want ~4.27", sig.CLVPct)
	}
	if sig.BeatClose == nil || !*sig.BeatClose {
		t.Errorf("beat_close = %v, want true", sig.BeatClose)
	}
}

func TestCapture_AtMostOncePerTuple(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_ = store.InsertSignal(ctx, testSignal())
	insertQuote(t, store, "Boston Celtics", "-130", asOf.Add(-time.Minute))
	insertQuote(t, store, "New York Knicks", "+110", asOf.Add(-time.Minute))

	capturer := newCapturer(store, store)
	if _, err := capturer.Capture(ctx, asOf); err != nil {
		t.Fatalf("first capture: %v", err)
	}

	// Price moves again before tip; the stored closing line must not change
	insertQuote(t, store, "Boston Celtics", "-150", asOf.Add(2*time.Minute))

	stats, err := capturer.Capture(ctx, asOf.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("second capture: %v", err)
	}
	if stats.Captured != 0 || stats.Existing != 1 {
		t.Errorf("stats = %+v, want 0 captured, 1 existing", stats)
	}

	line, _ := store.GetClosingLine(ctx, testSignal().Key())
	if line.Price != "-130" {
		t.Errorf("closing price = %s, want -130 (unchanged)", line.Price)
	}
}

func TestCapture_NoQuoteDefersThenAbandons(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_ = store.InsertSignal(ctx, testSignal())

	capturer := newCapturer(store, store)
	stats, err := capturer.Capture(ctx, asOf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Deferred != 1 {
		t.Errorf("deferred = %d, want 1", stats.Deferred)
	}

	// A quote that shows up after tip-off is never used
	insertQuote(t, store, "Boston Celtics", "-130", tipOff.Add(time.Minute))
	stats, _ = capturer.Capture(ctx, tipOff.Add(2*time.Minute))
	if stats.Candidates != 0 {
		t.Errorf("candidates after start = %d, want 0", stats.Candidates)
	}

	if _, err := store.GetClosingLine(ctx, testSignal().Key()); !errors.Is(err, contracts.ErrNotFound) {
		t.Errorf("closing line error = %v, want ErrNotFound", err)
	}
	sig, _ := store.GetSignal(ctx, "sig-1")
	if sig.CLVPct != nil {
		t.Errorf("clv_pct = %v, want nil", *sig.CLVPct)
	}
}

func TestCapture_OutsideWindow(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_ = store.InsertSignal(ctx, testSignal())
	insertQuote(t, store, "Boston Celtics", "-130", generatedAt)

	stats, err := newCapturer(store, store).Capture(ctx, tipOff.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Candidates != 0 {
		t.Errorf("candidates = %d, want 0", stats.Candidates)
	}
}

func TestCapture_RetriesTransientFetchErrors(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_ = store.InsertSignal(ctx, testSignal())
	insertQuote(t, store, "Boston Celtics", "-130", asOf.Add(-time.Minute))

	source := &FlakySource{inner: store, failures: 2}
	stats, err := newCapturer(store, source).Capture(ctx, asOf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Captured != 1 {
		t.Errorf("captured = %d, want 1", stats.Captured)
	}
	if source.calls != 3 {
		t.Errorf("fetch calls = %d, want 3", source.calls)
	}
}

func TestCapture_ExhaustedRetriesSurfaceUpstreamError(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_ = store.InsertSignal(ctx, testSignal())
	insertQuote(t, store, "Boston Celtics", "-130", asOf.Add(-time.Minute))

	source := &FlakySource{inner: store, failures: 10}
	stats, err := newCapturer(store, source).Capture(ctx, asOf)
	if !errors.Is(err, contracts.ErrUpstreamUnavailable) {
		t.Errorf("error = %v, want ErrUpstreamUnavailable", err)
	}
	if stats.Failed != 1 || source.calls != 3 {
		t.Errorf("failed = %d calls = %d, want 1 and 3", stats.Failed, source.calls)
	}
}

func TestCapture_OneSidedCloseUsesRawImplied(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_ = store.InsertSignal(ctx, testSignal())
	insertQuote(t, store, "Boston Celtics", "-110", asOf.Add(-time.Minute))

	if _, err := newCapturer(store, store).Capture(ctx, asOf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	line, _ := store.GetClosingLine(ctx, testSignal().Key())
	if line.NoVigProbability != nil {
		t.Errorf("no-vig = %v, want nil", *line.NoVigProbability)
	}

	sig, _ := store.GetSignal(ctx, "sig-1")
	if sig.CLVPct == nil || math.Abs(*sig.CLVPct) > 1e-6 {
		t.Errorf("clv_pct = %v, want 0", sig.CLVPct)
	}
	if sig.BeatClose == nil || *sig.BeatClose {
		t.Errorf("beat_close = %v, want false", sig.BeatClose)
	}
}

func assertNoClose(t *testing.T, store *memory.Store, key models.TupleKey, signalID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.GetClosingLine(ctx, key); !errors.Is(err, contracts.ErrNotFound) {
		t.Errorf("closing line error = %v, want ErrNotFound", err)
	}
	sig, _ := store.GetSignal(ctx, signalID)
	if sig.CLVPct != nil {
		t.Errorf("clv_pct = %v, want nil", *sig.CLVPct)
	}
}

func TestCapture_StaleQuoteDefers(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_ = store.InsertSignal(ctx, testSignal())
	// last seen at signal time, nearly four hours before the window
	insertQuote(t, store, "Boston Celtics", "-130", generatedAt)
	insertQuote(t, store, "New York Knicks", "+110", generatedAt)

	stats, err := newCapturer(store, store).Capture(ctx, asOf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Deferred != 1 || stats.Captured != 0 {
		t.Errorf("stats = %+v, want 1 deferred", stats)
	}
	assertNoClose(t, store, testSignal().Key(), "sig-1")

	// a fresh quote inside the window is captured on the next pass
	insertQuote(t, store, "Boston Celtics", "-125", asOf.Add(time.Minute))
	stats, err = newCapturer(store, store).Capture(ctx, asOf.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Captured != 1 {
		t.Errorf("captured = %d, want 1", stats.Captured)
	}
	line, _ := store.GetClosingLine(ctx, testSignal().Key())
	if line == nil || line.Price != "-125" {
		t.Errorf("closing line = %+v, want -125", line)
	}
	if line != nil && line.NoVigProbability != nil {
		t.Errorf("no-vig = %v, want nil (opposite side stale)", *line.NoVigProbability)
	}
}

func TestCapture_MovedLineDefers(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	signal := testSignal()
	signal.Market = models.MarketSpreads
	entry := -3.5
	signal.Line = &entry
	_ = store.InsertSignal(ctx, signal)

	// the spread moved four points; these prices are for a different bet
	insertSpread(t, store, "Boston Celtics", "+120", -7.5, asOf.Add(-time.Minute))
	insertSpread(t, store, "New York Knicks", "-140", 7.5, asOf.Add(-time.Minute))

	stats, err := newCapturer(store, store).Capture(ctx, asOf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Deferred != 1 || stats.Captured != 0 {
		t.Errorf("stats = %+v, want 1 deferred", stats)
	}
	assertNoClose(t, store, signal.Key(), signal.ID)
}

func TestCapture_SameLineCaptures(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	signal := testSignal()
	signal.Market = models.MarketSpreads
	entry := -3.5
	signal.Line = &entry
	_ = store.InsertSignal(ctx, signal)

	insertSpread(t, store, "Boston Celtics", "-120", -3.5, asOf.Add(-time.Minute))
	insertSpread(t, store, "New York Knicks", "+100", 3.5, asOf.Add(-time.Minute))

	stats, err := newCapturer(store, store).Capture(ctx, asOf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Captured != 1 || stats.CLVApplied != 1 {
		t.Fatalf("stats = %+v, want 1 captured with clv", stats)
	}

	line, _ := store.GetClosingLine(ctx, signal.Key())
	if line.Line == nil || *line.Line != -3.5 {
		t.Errorf("closing line point = %v, want -3.5", line.Line)
	}
	if line.NoVigProbability == nil {
		t.Error("no-vig = nil, want de-vigged from mirrored side")
	}
}
