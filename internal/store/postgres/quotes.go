package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/models"
)

const quoteColumns = `event_id, sport_key, market_key, outcome_name, book_key, price, price_format, point, fetched_at`

// InsertQuote appends a quote; a repeated (tuple, fetched_at) is ignored
func (s *Store) InsertQuote(ctx context.Context, q models.OddsQuote) error {
	query := `
		INSERT INTO odds_quotes (` + quoteColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id, market_key, outcome_name, book_key, fetched_at) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		q.EventID, q.SportKey, q.Market, q.Selection, q.Sportsbook,
		q.Price, string(q.PriceFormat), nullFloat(q.Line), q.FetchedAt,
	)
	return mapError("insert quote", err)
}

// LatestQuotes returns the newest quote per tuple for an event as of asOf
func (s *Store) LatestQuotes(ctx context.Context, eventID string, asOf time.Time) ([]models.OddsQuote, error) {
	query := `
		SELECT DISTINCT ON (market_key, outcome_name, book_key) ` + quoteColumns + `
		FROM odds_quotes
		WHERE event_id = $1 AND fetched_at <= $2
		ORDER BY market_key, outcome_name, book_key, fetched_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, eventID, asOf)
	if err != nil {
		return nil, mapError("latest quotes", err)
	}
	defer rows.Close()

	var quotes []models.OddsQuote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, mapError("scan quote", err)
		}
		quotes = append(quotes, q)
	}
	return quotes, mapError("latest quotes", rows.Err())
}

// CurrentQuote returns the newest quote for one tuple as of asOf
func (s *Store) CurrentQuote(ctx context.Context, key models.TupleKey, asOf time.Time) (*models.OddsQuote, error) {
	query := `
		SELECT ` + quoteColumns + `
		FROM odds_quotes
		WHERE event_id = $1 AND market_key = $2 AND outcome_name = $3 AND book_key = $4
		  AND fetched_at <= $5
		ORDER BY fetched_at DESC
		LIMIT 1
	`

	q, err := scanQuote(s.db.QueryRowContext(ctx, query,
		key.EventID, key.Market, key.Selection, key.Sportsbook, asOf,
	))
	if err == sql.ErrNoRows {
		return nil, contracts.ErrDataUnavailable
	}
	if err != nil {
		return nil, mapError("current quote", err)
	}
	return &q, nil
}

// LatestQuoteTime returns the newest fetched_at, nil when the table is empty
func (s *Store) LatestQuoteTime(ctx context.Context) (*time.Time, error) {
	var latest sql.NullTime
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(fetched_at) FROM odds_quotes`).Scan(&latest); err != nil {
		return nil, mapError("latest quote time", err)
	}
	return timePtr(latest), nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanQuote(row scanner) (models.OddsQuote, error) {
	var q models.OddsQuote
	var format string
	var point sql.NullFloat64

	err := row.Scan(
		&q.EventID, &q.SportKey, &q.Market, &q.Selection, &q.Sportsbook,
		&q.Price, &format, &point, &q.FetchedAt,
	)
	if err != nil {
		return q, err
	}
	q.PriceFormat = models.PriceFormat(format)
	q.Line = floatPtr(point)
	return q, nil
}

// UpsertEvent stores or updates the schedule entry
func (s *Store) UpsertEvent(ctx context.Context, e models.Event) error {
	query := `
		INSERT INTO events (event_id, sport_key, home_team, away_team, commence_time)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO UPDATE SET
			home_team = EXCLUDED.home_team,
			away_team = EXCLUDED.away_team,
			commence_time = EXCLUDED.commence_time
	`
	_, err := s.db.ExecContext(ctx, query, e.EventID, e.SportKey, e.HomeTeam, e.AwayTeam, e.StartsAt)
	return mapError("upsert event", err)
}

func (s *Store) GetEvent(ctx context.Context, eventID string) (*models.Event, error) {
	var e models.Event
	err := s.db.QueryRowContext(ctx,
		`SELECT event_id, sport_key, home_team, away_team, commence_time FROM events WHERE event_id = $1`,
		eventID,
	).Scan(&e.EventID, &e.SportKey, &e.HomeTeam, &e.AwayTeam, &e.StartsAt)
	if err != nil {
		return nil, mapError("get event", err)
	}
	return &e, nil
}

// UpcomingEvents returns events with from < commence_time <= to
func (s *Store) UpcomingEvents(ctx context.Context, from, to time.Time) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, sport_key, home_team, away_team, commence_time
		FROM events
		WHERE commence_time > $1 AND commence_time <= $2
		ORDER BY commence_time
	`, from, to)
	if err != nil {
		return nil, mapError("upcoming events", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(&e.EventID, &e.SportKey, &e.HomeTeam, &e.AwayTeam, &e.StartsAt); err != nil {
			return nil, mapError("scan event", err)
		}
		events = append(events, e)
	}
	return events, mapError("upcoming events", rows.Err())
}
