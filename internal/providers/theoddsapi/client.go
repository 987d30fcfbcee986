// Package theoddsapi is a rate-limited client for The Odds API v4.
package theoddsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/logger"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/models"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the production API host
const DefaultBaseURL = "https://api.the-odds-api.com"

// Client fetches odds and scores
type Client struct {
	baseURL    string
	apiKey     string
	regions    string
	daysFrom   int
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logger.Logger
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithRequestsPerMinute sets the request budget
func WithRequestsPerMinute(n int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
	}
}

// WithRegions sets the bookmaker regions queried
func WithRegions(regions string) ClientOption {
	return func(c *Client) {
		c.regions = regions
	}
}

// WithDaysFrom sets how many days of completed scores are returned (1-3)
func WithDaysFrom(days int) ClientOption {
	return func(c *Client) {
		c.daysFrom = days
	}
}

var _ contracts.ResultProvider = (*Client)(nil)

// NewClient creates a client
func NewClient(apiKey string, log *logger.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:  DefaultBaseURL,
		apiKey:   apiKey,
		regions:  "us",
		daysFrom: 3,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
		log:     log.Component("theoddsapi"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// apiOutcome is one priced selection
type apiOutcome struct {
	Name  string      `json:"name"`
	Price json.Number `json:"price"`
	Point *float64    `json:"point"`
}

type apiMarket struct {
	Key        string       `json:"key"`
	LastUpdate *time.Time   `json:"last_update"`
	Outcomes   []apiOutcome `json:"outcomes"`
}

type apiBookmaker struct {
	Key        string      `json:"key"`
	LastUpdate *time.Time  `json:"last_update"`
	Markets    []apiMarket `json:"markets"`
}

type apiOddsEvent struct {
	ID           string         `json:"id"`
	SportKey     string         `json:"sport_key"`
	CommenceTime time.Time      `json:"commence_time"`
	HomeTeam     string         `json:"home_team"`
	AwayTeam     string         `json:"away_team"`
	Bookmakers   []apiBookmaker `json:"bookmakers"`
}

type apiScore struct {
	Name  string `json:"name"`
	Score string `json:"score"`
}

type apiScoreEvent struct {
	ID           string     `json:"id"`
	SportKey     string     `json:"sport_key"`
	CommenceTime time.Time  `json:"commence_time"`
	Completed    bool       `json:"completed"`
	HomeTeam     string     `json:"home_team"`
	AwayTeam     string     `json:"away_team"`
	Scores       []apiScore `json:"scores"`
	LastUpdate   *time.Time `json:"last_update"`
}

// Odds fetches current American prices for the sport and flattens them into
// events and quotes. Quotes without a bookmaker timestamp are stamped fetchedAt.
func (c *Client) Odds(ctx context.Context, sportKey string, markets []string, fetchedAt time.Time) ([]models.Event, []models.OddsQuote, error) {
	params := url.Values{}
	params.Set("regions", c.regions)
	params.Set("markets", strings.Join(markets, ","))
	params.Set("oddsFormat", "american")
	params.Set("dateFormat", "iso")

	var payload []apiOddsEvent
	if err := c.get(ctx, fmt.Sprintf("/v4/sports/%s/odds", sportKey), params, &payload); err != nil {
		return nil, nil, err
	}

	var events []models.Event
	var quotes []models.OddsQuote
	for _, e := range payload {
		events = append(events, models.Event{
			EventID:  e.ID,
			SportKey: e.SportKey,
			HomeTeam: e.HomeTeam,
			AwayTeam: e.AwayTeam,
			StartsAt: e.CommenceTime,
		})

		for _, book := range e.Bookmakers {
			for _, market := range book.Markets {
				stamp := fetchedAt
				if market.LastUpdate != nil {
					stamp = *market.LastUpdate
				} else if book.LastUpdate != nil {
					stamp = *book.LastUpdate
				}

				for _, o := range market.Outcomes {
					quotes = append(quotes, models.OddsQuote{
						EventID:     e.ID,
						SportKey:    e.SportKey,
						Market:      market.Key,
						Selection:   o.Name,
						Sportsbook:  book.Key,
						Price:       o.Price.String(),
						PriceFormat: models.PriceFormatAmerican,
						Line:        o.Point,
						FetchedAt:   stamp,
					})
				}
			}
		}
	}

	return events, quotes, nil
}

// Results implements contracts.ResultProvider
func (c *Client) Results(ctx context.Context, sportKey string, eventIDs []string) ([]models.EventResult, error) {
	params := url.Values{}
	params.Set("daysFrom", strconv.Itoa(c.daysFrom))
	params.Set("dateFormat", "iso")
	if len(eventIDs) > 0 {
		params.Set("eventIds", strings.Join(eventIDs, ","))
	}

	var payload []apiScoreEvent
	if err := c.get(ctx, fmt.Sprintf("/v4/sports/%s/scores", sportKey), params, &payload); err != nil {
		return nil, err
	}

	results := make([]models.EventResult, 0, len(payload))
	for _, e := range payload {
		result, err := toResult(e)
		if err != nil {
			c.log.Warn("skipping unparseable score", logger.String("event_id", e.ID), logger.Error(err))
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

func toResult(e apiScoreEvent) (models.EventResult, error) {
	r := models.EventResult{
		EventID:     e.ID,
		SportKey:    e.SportKey,
		HomeTeam:    e.HomeTeam,
		AwayTeam:    e.AwayTeam,
		Completed:   e.Completed,
		CompletedAt: e.LastUpdate,
	}

	for _, s := range e.Scores {
		score, err := strconv.Atoi(strings.TrimSpace(s.Score))
		if err != nil {
			return r, contracts.NewValidationError("score", s.Score, "not an integer")
		}
		switch s.Name {
		case e.HomeTeam:
			r.HomeScore = score
		case e.AwayTeam:
			r.AwayScore = score
		}
	}

	// a completed event without scores cannot be graded
	if r.Completed && len(e.Scores) == 0 {
		r.Completed = false
	}
	return r, nil
}

// get performs a GET request with rate limiting
func (c *Client) get(ctx context.Context, path string, params url.Values, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	params.Set("apiKey", c.apiKey)
	u := c.baseURL + path + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return contracts.Unavailable("odds api "+path, err)
	}
	defer resp.Body.Close()

	if remaining := resp.Header.Get("x-requests-remaining"); remaining != "" {
		c.log.Debug("odds api quota",
			logger.String("remaining", remaining),
			logger.String("used", resp.Header.Get("x-requests-used")),
		)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return contracts.Unavailable("read odds api response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return contracts.Unavailable("odds api "+path, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200)))
	default:
		return fmt.Errorf("odds api %s: status %d: %s", path, resp.StatusCode, truncate(body, 200))
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
