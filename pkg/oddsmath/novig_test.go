package oddsmath_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/models"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/oddsmath"
)

func TestRemoveVigProportional(t *testing.T) {
	tests := []struct {
		name  string
		probs []float64
		want  []float64
	}{
		{
			name:  "Standard -110/-110",
			probs: []float64{0.5238, 0.5238},
			want:  []float64{0.50, 0.50},
		},
		{
			name:  "Rescaled pair 0.583/0.460",
			probs: []float64{0.583, 0.460},
			want:  []float64{0.559, 0.441},
		},
		{
			name:  "Zero vig 50/50",
			probs: []float64{0.50, 0.50},
			want:  []float64{0.50, 0.50},
		},
		{
			name:  "Three-way market",
			probs: []float64{0.45, 0.30, 0.30},
			want:  []float64{0.4286, 0.2857, 0.2857},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := oddsmath.RemoveVigProportional(tt.probs)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			sum := 0.0
			for i := range got {
				if math.Abs(got[i]-tt.want[i]) > 0.001 {
					t.Errorf("fair[%d] = %f, want %f", i, got[i], tt.want[i])
				}
				sum += got[i]
			}

			if math.Abs(sum-1.0) > 1e-6 {
				t.Errorf("fair probabilities sum to %f, want 1.0", sum)
			}
		})
	}
}

func TestRemoveVigProportional_OneSidedDefers(t *testing.T) {
	_, err := oddsmath.RemoveVigProportional([]float64{0.52})
	if !errors.Is(err, oddsmath.ErrOneSided) {
		t.Errorf("error = %v, want ErrOneSided", err)
	}
	if !errors.Is(err, contracts.ErrDataUnavailable) {
		t.Errorf("error = %v, want ErrDataUnavailable", err)
	}
}

func TestRemoveVigProportional_InvalidProbability(t *testing.T) {
	_, err := oddsmath.RemoveVigProportional([]float64{1.5, 0.5})
	if !errors.Is(err, contracts.ErrValidation) {
		t.Errorf("error = %v, want ErrValidation", err)
	}
}

func TestRemoveVigProportional_TwoWayPairsSumToOne(t *testing.T) {
	prices := []int{-300, -200, -150, -120, -110, -105, 100, 105, 110, 130, 150, 250}

	for _, a := range prices {
		for _, b := range prices {
			pa, _ := oddsmath.AmericanToImpliedProbability(a)
			pb, _ := oddsmath.AmericanToImpliedProbability(b)

			fair, err := oddsmath.RemoveVigProportional([]float64{pa, pb})
			if err != nil {
				t.Fatalf("(%d, %d) unexpected error: %v", a, b, err)
			}

			if math.Abs(fair[0]+fair[1]-1.0) > 1e-6 {
				t.Errorf("(%d, %d) sum = %f, want 1.0", a, b, fair[0]+fair[1])
			}
		}
	}
}

func TestNormalizeMarket_Moneyline(t *testing.T) {
	now := time.Now()
	quotes := []models.OddsQuote{
		{EventID: "evt1", Market: "h2h", Selection: "Home", Sportsbook: "fanduel", Price: "-150", FetchedAt: now},
		{EventID: "evt1", Market: "h2h", Selection: "Away", Sportsbook: "fanduel", Price: "+130", FetchedAt: now},
	}

	got, err := oddsmath.NormalizeMarket(quotes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	home := got["Home"]
	away := got["Away"]

	if math.Abs(home.ImpliedProbability-0.6) > 1e-6 {
		t.Errorf("home implied = %f, want 0.600", home.ImpliedProbability)
	}
	if math.Abs(away.ImpliedProbability-0.4348) > 0.0001 {
		t.Errorf("away implied = %f, want 0.4348", away.ImpliedProbability)
	}
	if math.Abs(home.NoVigProbability-0.5798) > 0.0001 {
		t.Errorf("home no-vig = %f, want 0.5798", home.NoVigProbability)
	}
	if math.Abs(home.NoVigProbability+away.NoVigProbability-1.0) > 1e-6 {
		t.Errorf("no-vig sum = %f, want 1.0", home.NoVigProbability+away.NoVigProbability)
	}
}

func TestNormalizeMarket_MixedFormats(t *testing.T) {
	quotes := []models.OddsQuote{
		{EventID: "evt1", Market: "totals", Selection: "Over", Sportsbook: "bet365", Price: "10/11"},
		{EventID: "evt1", Market: "totals", Selection: "Under", Sportsbook: "bet365", Price: "-110"},
	}

	got, err := oddsmath.NormalizeMarket(quotes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if math.Abs(got["Over"].NoVigProbability-0.5) > 1e-6 {
		t.Errorf("over no-vig = %f, want 0.5", got["Over"].NoVigProbability)
	}
}

func TestNormalizeMarket_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		quotes  []models.OddsQuote
		wantErr error
	}{
		{
			name: "One side quoted",
			quotes: []models.OddsQuote{
				{EventID: "evt1", Market: "h2h", Selection: "Home", Sportsbook: "fanduel", Price: "-150"},
			},
			wantErr: contracts.ErrDataUnavailable,
		},
		{
			name: "Different books",
			quotes: []models.OddsQuote{
				{EventID: "evt1", Market: "h2h", Selection: "Home", Sportsbook: "fanduel", Price: "-150"},
				{EventID: "evt1", Market: "h2h", Selection: "Away", Sportsbook: "draftkings", Price: "+130"},
			},
			wantErr: contracts.ErrValidation,
		},
		{
			name: "Malformed price",
			quotes: []models.OddsQuote{
				{EventID: "evt1", Market: "h2h", Selection: "Home", Sportsbook: "fanduel", Price: "-150"},
				{EventID: "evt1", Market: "h2h", Selection: "Away", Sportsbook: "fanduel", Price: "lol"},
			},
			wantErr: contracts.ErrValidation,
		},
		{
			name: "Totals at different points",
			quotes: []models.OddsQuote{
				{EventID: "evt1", Market: "totals", Selection: "Over", Sportsbook: "fanduel", Price: "-110", Line: line(215.5)},
				{EventID: "evt1", Market: "totals", Selection: "Under", Sportsbook: "fanduel", Price: "-110", Line: line(216.5)},
			},
			wantErr: contracts.ErrDataUnavailable,
		},
		{
			name: "Spread sides not mirrored",
			quotes: []models.OddsQuote{
				{EventID: "evt1", Market: "spreads", Selection: "Home", Sportsbook: "fanduel", Price: "-110", Line: line(-3.5)},
				{EventID: "evt1", Market: "spreads", Selection: "Away", Sportsbook: "fanduel", Price: "-110", Line: line(4.5)},
			},
			wantErr: contracts.ErrDataUnavailable,
		},
		{
			name: "Duplicate selection",
			quotes: []models.OddsQuote{
				{EventID: "evt1", Market: "h2h", Selection: "Home", Sportsbook: "fanduel", Price: "-150"},
				{EventID: "evt1", Market: "h2h", Selection: "Home", Sportsbook: "fanduel", Price: "-140"},
			},
			wantErr: contracts.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := oddsmath.NormalizeMarket(tt.quotes)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeMarket_MirroredSpread(t *testing.T) {
	quotes := []models.OddsQuote{
		{EventID: "evt1", Market: "spreads", Selection: "Home", Sportsbook: "fanduel", Price: "-110", Line: line(-3.5)},
		{EventID: "evt1", Market: "spreads", Selection: "Away", Sportsbook: "fanduel", Price: "-110", Line: line(3.5)},
	}

	got, err := oddsmath.NormalizeMarket(quotes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(got["Home"].NoVigProbability-0.5) > 1e-9 {
		t.Errorf("home no-vig = %v, want 0.5", got["Home"].NoVigProbability)
	}
}

func TestOpposingLines(t *testing.T) {
	tests := []struct {
		name   string
		market string
		a, b   *float64
		want   bool
	}{
		{"moneyline", models.MarketH2H, nil, nil, true},
		{"spread mirrored", models.MarketSpreads, line(-3.5), line(3.5), true},
		{"spread same side", models.MarketSpreads, line(-3.5), line(-3.5), false},
		{"spread moved", models.MarketSpreads, line(-3.5), line(7.5), false},
		{"total same point", models.MarketTotals, line(215.5), line(215.5), true},
		{"total moved", models.MarketTotals, line(215.5), line(216.5), false},
		{"one side missing", models.MarketTotals, line(215.5), nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := oddsmath.OpposingLines(tt.market, tt.a, tt.b); got != tt.want {
				t.Errorf("OpposingLines = %v, want %v", got, tt.want)
			}
		})
	}
}

func line(v float64) *float64 { return &v }

func TestOverround(t *testing.T) {
	got, err := oddsmath.Overround([]float64{0.5238, 0.5238})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(got-4.76) > 0.01 {
		t.Errorf("Overround = %f, want 4.76", got)
	}
}
