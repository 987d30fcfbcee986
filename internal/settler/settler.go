package settler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/logger"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/metrics"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/models"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/oddsmath"
	"github.com/shopspring/decimal"
)

// Config controls settlement
type Config struct {
	FlatStake float64 // used when a signal has no recommended stake
}

// Store is the read/write set the settler needs
type Store interface {
	contracts.SignalStore
	contracts.SettlementStore
}

// RunStats summarizes one settlement pass
type RunStats struct {
	Events  int
	Settled int
	Already int
	Invalid int
	Pending int
}

// Settler grades signals against final scores
type Settler struct {
	store     Store
	results   contracts.ResultProvider
	publisher contracts.EventPublisher
	metrics   *metrics.Recorder
	log       *logger.Logger
	cfg       Config
}

// NewSettler creates a new settler. publisher may be nil.
func NewSettler(store Store, results contracts.ResultProvider, publisher contracts.EventPublisher, rec *metrics.Recorder, log *logger.Logger, cfg Config) *Settler {
	return &Settler{
		store:     store,
		results:   results,
		publisher: publisher,
		metrics:   rec,
		log:       log.Component("settlement"),
		cfg:       cfg,
	}
}

// Run settles every event that started by asOf and still has open signals
func (s *Settler) Run(ctx context.Context, asOf time.Time) (stats RunStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in settlement run: %v", r)
			s.log.Error("settlement panic", logger.Any("panic", r))
		}
	}()

	pending, err := s.store.PendingSettlementEvents(ctx, asOf)
	if err != nil {
		return stats, fmt.Errorf("query pending events: %w", err)
	}
	if len(pending) == 0 {
		return stats, nil
	}

	bySport := make(map[string][]string)
	for _, ref := range pending {
		bySport[ref.SportKey] = append(bySport[ref.SportKey], ref.EventID)
	}

	for sportKey, eventIDs := range bySport {
		results, err := s.results.Results(ctx, sportKey, eventIDs)
		if err != nil {
			return stats, fmt.Errorf("fetch results for %s: %w", sportKey, err)
		}

		for _, result := range results {
			eventStats, err := s.SettleEvent(ctx, result, asOf)
			if err != nil {
				return stats, fmt.Errorf("settle event %s: %w", result.EventID, err)
			}
			stats.Events++
			stats.Settled += eventStats.Settled
			stats.Already += eventStats.Already
			stats.Invalid += eventStats.Invalid
			stats.Pending += eventStats.Pending
		}
	}

	if stats.Settled > 0 {
		s.log.Info("settlement complete",
			logger.Int("events", stats.Events),
			logger.Int("settled", stats.Settled),
			logger.Int("invalid", stats.Invalid),
		)
	}

	return stats, nil
}

// SettleEvent grades all unsettled (active or expired) signals of a completed event.
// CLV is not required.
func (s *Settler) SettleEvent(ctx context.Context, result models.EventResult, asOf time.Time) (RunStats, error) {
	var stats RunStats

	if !result.Completed {
		stats.Pending++
		return stats, nil
	}

	signals, err := s.store.UnsettledSignals(ctx, result.EventID)
	if err != nil {
		return stats, fmt.Errorf("get unsettled signals: %w", err)
	}

	for _, signal := range signals {
		bet, fresh, err := s.Settle(ctx, signal, result, asOf)
		switch {
		case err == nil && fresh:
			stats.Settled++
			s.metrics.RecordSettlement(string(bet.Result))
		case err == nil:
			stats.Already++
		case errors.Is(err, contracts.ErrValidation):
			stats.Invalid++
			s.log.Warn("signal cannot be graded",
				logger.String("signal_id", signal.ID),
				logger.String("market", signal.Market),
				logger.Error(err),
			)
		default:
			return stats, err
		}
	}

	return stats, nil
}

// Settle grades one signal and records it. Re-settling returns the stored bet
// unchanged with fresh=false.
func (s *Settler) Settle(ctx context.Context, signal models.Signal, result models.EventResult, asOf time.Time) (*models.SettledBet, bool, error) {
	if signal.Status == models.SignalStatusSettled {
		stored, err := s.store.GetSettledBet(ctx, signal.ID)
		return stored, false, err
	}

	outcome, err := Grade(signal, result)
	if err != nil {
		return nil, false, err
	}

	price, err := oddsmath.ParsePrice(signal.EntryPrice, signal.EntryPriceFormat)
	if err != nil {
		return nil, false, err
	}

	stake := signal.RecommendedStake
	if stake <= 0 {
		stake = s.cfg.FlatStake
	}

	payout, roi := Payout(decimal.NewFromFloat(stake), price.Decimal, outcome)

	bet := models.SettledBet{
		SignalID:  signal.ID,
		Stake:     stake,
		Result:    outcome,
		Payout:    payout.InexactFloat64(),
		ROIPct:    roi.InexactFloat64(),
		SettledAt: asOf,
	}

	if err := s.store.SettleSignal(ctx, bet); err != nil {
		if errors.Is(err, contracts.ErrConflict) {
			stored, getErr := s.store.GetSettledBet(ctx, signal.ID)
			if getErr != nil {
				return nil, false, fmt.Errorf("reload settled bet: %w", getErr)
			}
			return stored, false, nil
		}
		return nil, false, fmt.Errorf("record settlement: %w", err)
	}

	s.log.Info("signal settled",
		logger.String("signal_id", signal.ID),
		logger.String("result", string(outcome)),
		logger.Float("payout", bet.Payout),
		logger.Float("roi_pct", bet.ROIPct),
	)

	if s.publisher != nil {
		if err := s.publisher.PublishSettlement(ctx, bet, signal); err != nil {
			s.log.Warn("publish settlement failed", logger.String("signal_id", signal.ID), logger.Error(err))
		}
	}

	return &bet, true, nil
}

// Payout returns the amount returned to the bettor and ROI in percent.
// win = stake * decimal odds, push = stake, loss = 0. ROI = (payout - stake) / stake * 100.
func Payout(stake decimal.Decimal, decimalOdds float64, result models.BetResult) (decimal.Decimal, decimal.Decimal) {
	var payout decimal.Decimal

	switch result {
	case models.ResultWin:
		payout = stake.Mul(decimal.NewFromFloat(decimalOdds)).Round(2)
	case models.ResultPush:
		payout = stake
	default:
		payout = decimal.Zero
	}

	if stake.IsZero() {
		return payout, decimal.Zero
	}

	roi := payout.Sub(stake).Div(stake).Mul(decimal.NewFromInt(100)).Round(4)
	return payout, roi
}

// Grade decides win, loss or push for one signal.
// Exact-line outcomes push. Unknown markets and missing lines are validation errors.
func Grade(signal models.Signal, result models.EventResult) (models.BetResult, error) {
	switch signal.Market {
	case models.MarketH2H:
		return gradeMoneyline(signal, result)
	case models.MarketSpreads:
		return gradeSpread(signal, result)
	case models.MarketTotals:
		return gradeTotal(signal, result)
	default:
		return "", contracts.NewValidationError("market", signal.Market, "cannot settle unknown market")
	}
}

func gradeMoneyline(signal models.Signal, result models.EventResult) (models.BetResult, error) {
	if signal.Selection != result.HomeTeam && signal.Selection != result.AwayTeam {
		return "", contracts.NewValidationError("selection", signal.Selection, "not a team in this event")
	}

	var winner string
	if result.HomeScore > result.AwayScore {
		winner = result.HomeTeam
	} else if result.AwayScore > result.HomeScore {
		winner = result.AwayTeam
	} else {
		return models.ResultPush, nil
	}

	if signal.Selection == winner {
		return models.ResultWin, nil
	}
	return models.ResultLoss, nil
}

func gradeSpread(signal models.Signal, result models.EventResult) (models.BetResult, error) {
	if signal.Line == nil {
		return "", contracts.NewValidationError("line", "", "spread signal has no line")
	}

	var team, opponent float64
	switch signal.Selection {
	case result.HomeTeam:
		team, opponent = float64(result.HomeScore), float64(result.AwayScore)
	case result.AwayTeam:
		team, opponent = float64(result.AwayScore), float64(result.HomeScore)
	default:
		return "", contracts.NewValidationError("selection", signal.Selection, "not a team in this event")
	}

	adjusted := team + *signal.Line
	switch {
	case adjusted > opponent:
		return models.ResultWin, nil
	case adjusted == opponent:
		return models.ResultPush, nil
	default:
		return models.ResultLoss, nil
	}
}

func gradeTotal(signal models.Signal, result models.EventResult) (models.BetResult, error) {
	if signal.Line == nil {
		return "", contracts.NewValidationError("line", "", "total signal has no line")
	}

	total := float64(result.HomeScore + result.AwayScore)
	line := *signal.Line

	switch signal.Selection {
	case "Over":
		if total > line {
			return models.ResultWin, nil
		} else if total == line {
			return models.ResultPush, nil
		}
		return models.ResultLoss, nil
	case "Under":
		if total < line {
			return models.ResultWin, nil
		} else if total == line {
			return models.ResultPush, nil
		}
		return models.ResultLoss, nil
	default:
		return "", contracts.NewValidationError("selection", signal.Selection, "totals selection must be Over or Under")
	}
}
