package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/models"
)

const closingColumns = `
	event_id, market_key, outcome_name, book_key, price, price_format, point,
	implied_probability, novig_probability, quote_fetched_at, captured_at`

// InsertClosingLine writes the first capture for a tuple; later attempts get ErrConflict
func (s *Store) InsertClosingLine(ctx context.Context, line models.ClosingLine) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO closing_lines (`+closingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id, market_key, outcome_name, book_key) DO NOTHING
	`,
		line.EventID, line.Market, line.Selection, line.Sportsbook, line.Price, string(line.PriceFormat),
		nullFloat(line.Line), line.ImpliedProbability, nullFloat(line.NoVigProbability),
		line.QuoteFetchedAt, line.CapturedAt,
	)
	if err != nil {
		return mapError("insert closing line", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contracts.ErrConflict
	}
	return nil
}

func (s *Store) GetClosingLine(ctx context.Context, key models.TupleKey) (*models.ClosingLine, error) {
	line, err := scanClosingLine(s.db.QueryRowContext(ctx, `
		SELECT `+closingColumns+` FROM closing_lines
		WHERE event_id = $1 AND market_key = $2 AND outcome_name = $3 AND book_key = $4
	`, key.EventID, key.Market, key.Selection, key.Sportsbook))
	if err != nil {
		return nil, mapError("get closing line", err)
	}
	return &line, nil
}

func (s *Store) ClosingLinesForEvent(ctx context.Context, eventID string) ([]models.ClosingLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+closingColumns+` FROM closing_lines
		WHERE event_id = $1
		ORDER BY market_key, outcome_name, book_key
	`, eventID)
	if err != nil {
		return nil, mapError("closing lines for event", err)
	}
	defer rows.Close()

	var lines []models.ClosingLine
	for rows.Next() {
		line, err := scanClosingLine(rows)
		if err != nil {
			return nil, mapError("scan closing line", err)
		}
		lines = append(lines, line)
	}
	return lines, mapError("closing lines for event", rows.Err())
}

func scanClosingLine(row scanner) (models.ClosingLine, error) {
	var line models.ClosingLine
	var format string
	var point, novig sql.NullFloat64

	err := row.Scan(
		&line.EventID, &line.Market, &line.Selection, &line.Sportsbook, &line.Price, &format, &point,
		&line.ImpliedProbability, &novig, &line.QuoteFetchedAt, &line.CapturedAt,
	)
	if err != nil {
		return line, err
	}
	line.PriceFormat = models.PriceFormat(format)
	line.Line = floatPtr(point)
	line.NoVigProbability = floatPtr(novig)
	return line, nil
}

// PendingSettlementEvents lists events that have started and still have open signals
func (s *Store) PendingSettlementEvents(ctx context.Context, asOf time.Time) ([]contracts.EventRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT event_id, sport_key
		FROM signals
		WHERE status IN ('active', 'expired') AND expires_at <= $1
		ORDER BY event_id
	`, asOf)
	if err != nil {
		return nil, mapError("pending settlement events", err)
	}
	defer rows.Close()

	var refs []contracts.EventRef
	for rows.Next() {
		var ref contracts.EventRef
		if err := rows.Scan(&ref.EventID, &ref.SportKey); err != nil {
			return nil, mapError("scan event ref", err)
		}
		refs = append(refs, ref)
	}
	return refs, mapError("pending settlement events", rows.Err())
}

// SettleSignal inserts the settled bet and flips the signal in one transaction
func (s *Store) SettleSignal(ctx context.Context, bet models.SettledBet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin settlement", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE signals
		SET status = 'settled', result = $2, settled_at = $3, updated_at = $3
		WHERE id = $1 AND status IN ('active', 'expired')
	`, bet.SignalID, string(bet.Result), bet.SettledAt)
	if err != nil {
		return mapError("mark signal settled", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM signals WHERE id = $1)`, bet.SignalID).Scan(&exists); err != nil {
			return mapError("check signal", err)
		}
		if !exists {
			return contracts.ErrNotFound
		}
		return contracts.ErrConflict
	}

	res, err = tx.ExecContext(ctx, `
		INSERT INTO settled_bets (signal_id, stake, result, payout, roi_pct, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (signal_id) DO NOTHING
	`, bet.SignalID, bet.Stake, string(bet.Result), bet.Payout, bet.ROIPct, bet.SettledAt)
	if err != nil {
		return mapError("insert settled bet", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contracts.ErrConflict
	}

	if err := tx.Commit(); err != nil {
		return mapError("commit settlement", err)
	}
	return nil
}

func (s *Store) GetSettledBet(ctx context.Context, signalID string) (*models.SettledBet, error) {
	var bet models.SettledBet
	var result string
	err := s.db.QueryRowContext(ctx, `
		SELECT signal_id, stake, result, payout, roi_pct, settled_at
		FROM settled_bets WHERE signal_id = $1
	`, signalID).Scan(&bet.SignalID, &bet.Stake, &result, &bet.Payout, &bet.ROIPct, &bet.SettledAt)
	if err != nil {
		return nil, mapError("get settled bet", err)
	}
	bet.Result = models.BetResult(result)
	return &bet, nil
}

func (s *Store) ListSettledBets(ctx context.Context, limit, offset int) ([]models.SettledBet, error) {
	query := `
		SELECT signal_id, stake, result, payout, roi_pct, settled_at
		FROM settled_bets
		ORDER BY settled_at DESC, signal_id`

	args := []interface{}{}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("list settled bets", err)
	}
	defer rows.Close()

	var bets []models.SettledBet
	for rows.Next() {
		var bet models.SettledBet
		var result string
		if err := rows.Scan(&bet.SignalID, &bet.Stake, &result, &bet.Payout, &bet.ROIPct, &bet.SettledAt); err != nil {
			return nil, mapError("scan settled bet", err)
		}
		bet.Result = models.BetResult(result)
		bets = append(bets, bet)
	}
	return bets, mapError("list settled bets", rows.Err())
}

// Outcomes reads signals joined with settlements inside one read-only
// repeatable-read transaction so a single report sees one snapshot
func (s *Store) Outcomes(ctx context.Context, filters contracts.OutcomeFilters) ([]models.SignalOutcome, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, mapError("begin snapshot", err)
	}
	defer tx.Rollback()

	query, args := buildOutcomeQuery(filters)
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("outcomes", err)
	}
	defer rows.Close()

	var out []models.SignalOutcome
	for rows.Next() {
		row, err := scanOutcome(rows)
		if err != nil {
			return nil, mapError("scan outcome", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("outcomes", err)
	}
	return out, nil
}

func buildOutcomeQuery(filters contracts.OutcomeFilters) (string, []interface{}) {
	join := "LEFT JOIN"
	if filters.SettledOnly {
		join = "JOIN"
	}

	query := `
		SELECT ` + prefixed("s.", signalColumns) + `,
			b.stake, b.result, b.payout, b.roi_pct, b.settled_at
		FROM signals s
		` + join + ` settled_bets b ON b.signal_id = s.id
		WHERE 1=1`

	args := []interface{}{}
	if filters.From != nil {
		args = append(args, *filters.From)
		query += fmt.Sprintf(" AND s.generated_at >= $%d", len(args))
	}
	if filters.To != nil {
		args = append(args, *filters.To)
		query += fmt.Sprintf(" AND s.generated_at < $%d", len(args))
	}
	if filters.Sportsbook != "" {
		args = append(args, filters.Sportsbook)
		query += fmt.Sprintf(" AND s.book_key = $%d", len(args))
	}
	if filters.Market != "" {
		args = append(args, filters.Market)
		query += fmt.Sprintf(" AND s.market_key = $%d", len(args))
	}

	query += " ORDER BY s.id"
	return query, args
}

func scanOutcome(rows *sql.Rows) (models.SignalOutcome, error) {
	var r signalRow
	var stake, payout, roi sql.NullFloat64
	var betResult sql.NullString
	var betSettledAt sql.NullTime

	dest := append(r.dest(), &stake, &betResult, &payout, &roi, &betSettledAt)
	if err := rows.Scan(dest...); err != nil {
		return models.SignalOutcome{}, err
	}

	row := models.SignalOutcome{Signal: r.signal()}
	if betResult.Valid {
		row.Settled = &models.SettledBet{
			SignalID:  row.Signal.ID,
			Stake:     stake.Float64,
			Result:    models.BetResult(betResult.String),
			Payout:    payout.Float64,
			ROIPct:    roi.Float64,
			SettledAt: betSettledAt.Time,
		}
	}
	return row, nil
}
