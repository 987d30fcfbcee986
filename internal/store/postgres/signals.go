package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/models"
)

const signalColumns = `
	id, event_id, sport_key, market_key, outcome_name, book_key,
	model_probability, market_probability, raw_implied_probability, edge_pct,
	confidence_tier, entry_price, entry_price_format, point, recommended_stake,
	status, generated_at, updated_at, expires_at,
	closing_price, clv_pct, beat_close, result, settled_at`

// InsertSignal relies on uq_signals_active_tuple; a second active signal for
// the tuple inserts nothing and reports ErrConflict
func (s *Store) InsertSignal(ctx context.Context, sig models.Signal) error {
	query := `
		INSERT INTO signals (
			id, event_id, sport_key, market_key, outcome_name, book_key,
			model_probability, market_probability, raw_implied_probability, edge_pct,
			confidence_tier, entry_price, entry_price_format, point, recommended_stake,
			status, generated_at, updated_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT DO NOTHING
	`

	res, err := s.db.ExecContext(ctx, query,
		sig.ID, sig.EventID, sig.SportKey, sig.Market, sig.Selection, sig.Sportsbook,
		sig.ModelProbability, sig.MarketProbability, sig.RawImpliedProbability, sig.EdgePct,
		string(sig.ConfidenceTier), sig.EntryPrice, string(sig.EntryPriceFormat), nullFloat(sig.Line), sig.RecommendedStake,
		string(sig.Status), sig.GeneratedAt, sig.UpdatedAt, sig.ExpiresAt,
	)
	if err != nil {
		return mapError("insert signal", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contracts.ErrConflict
	}
	return nil
}

func (s *Store) ActiveSignal(ctx context.Context, key models.TupleKey) (*models.Signal, error) {
	query := `SELECT ` + signalColumns + `
		FROM signals
		WHERE event_id = $1 AND market_key = $2 AND outcome_name = $3 AND book_key = $4
		  AND status = 'active'`

	sig, err := scanSignal(s.db.QueryRowContext(ctx, query, key.EventID, key.Market, key.Selection, key.Sportsbook))
	if err != nil {
		return nil, mapError("active signal", err)
	}
	return &sig, nil
}

// UpdateEdge touches only model probability, edge and updated_at on an active signal
func (s *Store) UpdateEdge(ctx context.Context, id string, modelProb, edgePct float64, updatedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE signals
		SET model_probability = $2, edge_pct = $3, updated_at = $4
		WHERE id = $1 AND status = 'active'
	`, id, modelProb, edgePct, updatedAt)
	if err != nil {
		return mapError("update edge", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contracts.ErrNotFound
	}
	return nil
}

// SetCLV writes once and only after the tuple has a closing line
func (s *Store) SetCLV(ctx context.Context, id string, closingPrice string, clvPct float64, beatClose bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE signals s
		SET closing_price = $2, clv_pct = $3, beat_close = $4
		WHERE s.id = $1 AND s.clv_pct IS NULL
		  AND EXISTS (
			SELECT 1 FROM closing_lines c
			WHERE c.event_id = s.event_id AND c.market_key = s.market_key
			  AND c.outcome_name = s.outcome_name AND c.book_key = s.book_key
		  )
	`, id, closingPrice, clvPct, beatClose)
	if err != nil {
		return false, mapError("set clv", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	// distinguish "already set" from "missing signal" and "no closing line"
	var hasCLV, hasClosing bool
	err = s.db.QueryRowContext(ctx, `
		SELECT s.clv_pct IS NOT NULL,
			EXISTS (
				SELECT 1 FROM closing_lines c
				WHERE c.event_id = s.event_id AND c.market_key = s.market_key
				  AND c.outcome_name = s.outcome_name AND c.book_key = s.book_key
			)
		FROM signals s WHERE s.id = $1
	`, id).Scan(&hasCLV, &hasClosing)
	if err != nil {
		return false, mapError("set clv", err)
	}
	if !hasClosing {
		return false, contracts.ErrDataUnavailable
	}
	return false, nil
}

// ExpireSignals moves active signals past expiry without a closing line to expired
func (s *Store) ExpireSignals(ctx context.Context, asOf time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE signals s
		SET status = 'expired', updated_at = $1
		WHERE s.status = 'active' AND s.expires_at <= $1
		  AND NOT EXISTS (
			SELECT 1 FROM closing_lines c
			WHERE c.event_id = s.event_id AND c.market_key = s.market_key
			  AND c.outcome_name = s.outcome_name AND c.book_key = s.book_key
		  )
	`, asOf)
	if err != nil {
		return 0, mapError("expire signals", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) SignalsForCapture(ctx context.Context, from, to time.Time) ([]models.Signal, error) {
	return s.querySignals(ctx, "signals for capture", `
		SELECT `+signalColumns+` FROM signals
		WHERE status = 'active' AND expires_at > $1 AND expires_at <= $2
		ORDER BY expires_at, id
	`, from, to)
}

func (s *Store) UnsettledSignals(ctx context.Context, eventID string) ([]models.Signal, error) {
	return s.querySignals(ctx, "unsettled signals", `
		SELECT `+signalColumns+` FROM signals
		WHERE event_id = $1 AND status IN ('active', 'expired')
		ORDER BY generated_at DESC, id
	`, eventID)
}

func (s *Store) SignalsMissingCLV(ctx context.Context, eventID string) ([]models.Signal, error) {
	return s.querySignals(ctx, "signals missing clv", `
		SELECT `+signalColumns+` FROM signals
		WHERE event_id = $1 AND clv_pct IS NULL
		ORDER BY generated_at DESC, id
	`, eventID)
}

func (s *Store) GetSignal(ctx context.Context, id string) (*models.Signal, error) {
	sig, err := scanSignal(s.db.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE id = $1`, id))
	if err != nil {
		return nil, mapError("get signal", err)
	}
	return &sig, nil
}

// ListSignals returns signals newest first
func (s *Store) ListSignals(ctx context.Context, filters contracts.SignalFilters) ([]models.Signal, error) {
	query, args := buildSignalQuery(filters)
	return s.querySignals(ctx, "list signals", query, args...)
}

func buildSignalQuery(filters contracts.SignalFilters) (string, []interface{}) {
	query := `SELECT ` + signalColumns + ` FROM signals WHERE 1=1`

	args := []interface{}{}
	argPos := 1

	if filters.EventID != "" {
		query += fmt.Sprintf(" AND event_id = $%d", argPos)
		args = append(args, filters.EventID)
		argPos++
	}
	if filters.Sportsbook != "" {
		query += fmt.Sprintf(" AND book_key = $%d", argPos)
		args = append(args, filters.Sportsbook)
		argPos++
	}
	if filters.Market != "" {
		query += fmt.Sprintf(" AND market_key = $%d", argPos)
		args = append(args, filters.Market)
		argPos++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, string(filters.Status))
		argPos++
	}

	query += " ORDER BY generated_at DESC, id"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, filters.Limit)
		argPos++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filters.Offset)
	}

	return query, args
}

func (s *Store) LatestSignalTime(ctx context.Context) (*time.Time, error) {
	var latest sql.NullTime
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(generated_at) FROM signals`).Scan(&latest); err != nil {
		return nil, mapError("latest signal time", err)
	}
	return timePtr(latest), nil
}

func (s *Store) querySignals(ctx context.Context, op, query string, args ...interface{}) ([]models.Signal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var signals []models.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, mapError(op, err)
		}
		signals = append(signals, sig)
	}
	return signals, mapError(op, rows.Err())
}

// signalRow holds the nullable columns of one signals row while scanning
type signalRow struct {
	sig                  models.Signal
	tier, format, status string
	point, clv           sql.NullFloat64
	closingPrice, result sql.NullString
	beat                 sql.NullBool
	settledAt            sql.NullTime
}

// dest lists scan targets in signalColumns order
func (r *signalRow) dest() []interface{} {
	sig := &r.sig
	return []interface{}{
		&sig.ID, &sig.EventID, &sig.SportKey, &sig.Market, &sig.Selection, &sig.Sportsbook,
		&sig.ModelProbability, &sig.MarketProbability, &sig.RawImpliedProbability, &sig.EdgePct,
		&r.tier, &sig.EntryPrice, &r.format, &r.point, &sig.RecommendedStake,
		&r.status, &sig.GeneratedAt, &sig.UpdatedAt, &sig.ExpiresAt,
		&r.closingPrice, &r.clv, &r.beat, &r.result, &r.settledAt,
	}
}

func (r *signalRow) signal() models.Signal {
	sig := r.sig
	sig.ConfidenceTier = models.ConfidenceTier(r.tier)
	sig.EntryPriceFormat = models.PriceFormat(r.format)
	sig.Status = models.SignalStatus(r.status)
	sig.Line = floatPtr(r.point)
	sig.CLVPct = floatPtr(r.clv)
	sig.SettledAt = timePtr(r.settledAt)

	if r.closingPrice.Valid {
		p := r.closingPrice.String
		sig.ClosingPrice = &p
	}
	if r.beat.Valid {
		b := r.beat.Bool
		sig.BeatClose = &b
	}
	if r.result.Valid {
		res := models.BetResult(r.result.String)
		sig.Result = &res
	}
	return sig
}

func scanSignal(row scanner) (models.Signal, error) {
	var r signalRow
	if err := row.Scan(r.dest()...); err != nil {
		return models.Signal{}, err
	}
	return r.signal(), nil
}
