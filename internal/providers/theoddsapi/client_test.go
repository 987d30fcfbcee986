package theoddsapi_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/logger"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/providers/theoddsapi"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/models"
)

const oddsBody = `[{
	"id": "evt1",
	"sport_key": "basketball_nba",
	"commence_time": "2026-01-16T00:30:00Z",
	"home_team": "Boston Celtics",
	"away_team": "New York Knicks",
	"bookmakers": [{
		"key": "fanduel",
		"last_update": "2026-01-15T19:58:00Z",
		"markets": [
			{"key": "h2h", "last_update": "2026-01-15T19:59:00Z", "outcomes": [
				{"name": "Boston Celtics", "price": -150},
				{"name": "New York Knicks", "price": 130}
			]},
			{"key": "spreads", "outcomes": [
				{"name": "Boston Celtics", "price": -110, "point": -3.5},
				{"name": "New York Knicks", "price": -110, "point": 3.5}
			]}
		]
	}]
}]`

const scoresBody = `[
	{"id": "evt1", "sport_key": "basketball_nba", "commence_time": "2026-01-16T00:30:00Z", "completed": true,
	 "home_team": "Boston Celtics", "away_team": "New York Knicks",
	 "scores": [{"name": "New York Knicks", "score": "101"}, {"name": "Boston Celtics", "score": "112"}],
	 "last_update": "2026-01-16T03:05:00Z"},
	{"id": "evt2", "sport_key": "basketball_nba", "commence_time": "2026-01-16T03:00:00Z", "completed": false,
	 "home_team": "Los Angeles Lakers", "away_team": "Golden State Warriors", "scores": null}
]`

func newServer(t *testing.T, status int, body string, seen *http.Request) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			*seen = *r
		}
		w.Header().Set("x-requests-remaining", "480")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func newClient(server *httptest.Server) *theoddsapi.Client {
	return theoddsapi.NewClient("test-key", logger.Nop(),
		theoddsapi.WithBaseURL(server.URL),
		theoddsapi.WithRequestsPerMinute(6000),
	)
}

func TestOdds(t *testing.T) {
	var req http.Request
	server := newServer(t, http.StatusOK, oddsBody, &req)
	fetchedAt := time.Date(2026, 1, 15, 20, 0, 0, 0, time.UTC)

	events, quotes, err := newClient(server).Odds(context.Background(), "basketball_nba", []string{"h2h", "spreads"}, fetchedAt)
	if err != nil {
		t.Fatalf("Odds: %v", err)
	}

	if req.URL.Path != "/v4/sports/basketball_nba/odds" {
		t.Errorf("path = %s", req.URL.Path)
	}
	q := req.URL.Query()
	if q.Get("apiKey") != "test-key" || q.Get("markets") != "h2h,spreads" || q.Get("oddsFormat") != "american" {
		t.Errorf("query = %v", q)
	}

	if len(events) != 1 || events[0].HomeTeam != "Boston Celtics" {
		t.Fatalf("events = %+v", events)
	}
	if len(quotes) != 4 {
		t.Fatalf("quotes = %d, want 4", len(quotes))
	}

	h2h := quotes[0]
	if h2h.Price != "-150" || h2h.PriceFormat != models.PriceFormatAmerican || h2h.Sportsbook != "fanduel" {
		t.Errorf("h2h quote = %+v", h2h)
	}
	if !h2h.FetchedAt.Equal(time.Date(2026, 1, 15, 19, 59, 0, 0, time.UTC)) {
		t.Errorf("h2h fetched_at = %v, want market last_update", h2h.FetchedAt)
	}

	spread := quotes[2]
	if spread.Line == nil || *spread.Line != -3.5 {
		t.Errorf("spread line = %v, want -3.5", spread.Line)
	}
	if !spread.FetchedAt.Equal(time.Date(2026, 1, 15, 19, 58, 0, 0, time.UTC)) {
		t.Errorf("spread fetched_at = %v, want bookmaker last_update", spread.FetchedAt)
	}
}

func TestResults(t *testing.T) {
	var req http.Request
	server := newServer(t, http.StatusOK, scoresBody, &req)

	results, err := newClient(server).Results(context.Background(), "basketball_nba", []string{"evt1", "evt2"})
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if req.URL.Query().Get("eventIds") != "evt1,evt2" {
		t.Errorf("eventIds = %s", req.URL.Query().Get("eventIds"))
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}

	final := results[0]
	if !final.Completed || final.HomeScore != 112 || final.AwayScore != 101 {
		t.Errorf("final = %+v", final)
	}
	if final.CompletedAt == nil {
		t.Error("completed_at = nil")
	}
	if results[1].Completed {
		t.Error("in-progress event reported completed")
	}
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name            string
		status          int
		wantUnavailable bool
	}{
		{"quota exhausted", http.StatusUnauthorized, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
		{"bad request", http.StatusUnprocessableEntity, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newServer(t, tt.status, `{"message":"nope"}`, nil)
			_, err := newClient(server).Results(context.Background(), "basketball_nba", nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, contracts.ErrUpstreamUnavailable); got != tt.wantUnavailable {
				t.Errorf("unavailable = %v, want %v (%v)", got, tt.wantUnavailable, err)
			}
		})
	}
}
