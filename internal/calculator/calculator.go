package calculator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/logger"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/models"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/oddsmath"
)

// Store is the read/write set the calculator needs
type Store interface {
	contracts.SignalStore
	contracts.ClosingLineStore
}

// CLVCalculator joins closing lines back to signals
type CLVCalculator struct {
	store Store
	log   *logger.Logger
}

// NewCLVCalculator creates a new CLV calculator
func NewCLVCalculator(store Store, log *logger.Logger) *CLVCalculator {
	return &CLVCalculator{
		store: store,
		log:   log.Component("clv"),
	}
}

// ComputeCLV returns closing line value in percentage points and whether the signal beat the close.
//
// CLV = (close_prob - entry_prob) * 100
//
// Both probabilities come from the same procedure: de-vigged when the closing
// line carries a no-vig probability, raw implied on both sides otherwise.
// Positive CLV means the entry price was better than the closing price.
// A close priced at a different spread or total point is rejected.
func ComputeCLV(signal models.Signal, closing models.ClosingLine) (float64, bool, error) {
	if !oddsmath.SameLine(signal.Line, closing.Line) {
		return 0, false, contracts.NewValidationError("closing line", closing.Key().String(), "priced at a different point than the entry")
	}

	var entryProb, closeProb float64

	if closing.NoVigProbability != nil {
		entryProb = signal.MarketProbability
		closeProb = *closing.NoVigProbability
	} else {
		entryProb = signal.RawImpliedProbability
		closeProb = closing.ImpliedProbability
	}

	if err := oddsmath.ValidateProbability("entry probability", entryProb); err != nil {
		return 0, false, err
	}
	if err := oddsmath.ValidateProbability("closing probability", closeProb); err != nil {
		return 0, false, err
	}

	clv := oddsmath.RoundTo((closeProb-entryProb)*100.0, 9)
	return clv, clv > 0, nil
}

// HoldTime is how long the signal was open before the close was captured
func HoldTime(signal models.Signal, closing models.ClosingLine) time.Duration {
	return closing.CapturedAt.Sub(signal.GeneratedAt)
}

// Apply computes CLV for one signal and writes it once.
// Returns false when CLV had already been recorded.
func (c *CLVCalculator) Apply(ctx context.Context, signal models.Signal, closing models.ClosingLine) (bool, error) {
	if signal.Key() != closing.Key() {
		return false, contracts.NewValidationError("closing line", closing.Key().String(), "does not match signal tuple "+signal.Key().String())
	}

	clv, beat, err := ComputeCLV(signal, closing)
	if err != nil {
		return false, fmt.Errorf("compute clv for %s: %w", signal.ID, err)
	}

	applied, err := c.store.SetCLV(ctx, signal.ID, closing.Price, clv, beat)
	if err != nil {
		return false, fmt.Errorf("set clv for %s: %w", signal.ID, err)
	}

	if applied {
		c.log.Info("clv recorded",
			logger.String("signal_id", signal.ID),
			logger.String("entry_price", signal.EntryPrice),
			logger.String("closing_price", closing.Price),
			logger.Float("clv_pct", clv),
			logger.Bool("beat_close", beat),
			logger.Duration("hold_time_ms", HoldTime(signal, closing)),
		)
	}

	return applied, nil
}

// ProcessEvent calculates CLV for every signal of an event that has a closing line but no CLV yet
func (c *CLVCalculator) ProcessEvent(ctx context.Context, eventID string) (int, error) {
	closingLines, err := c.store.ClosingLinesForEvent(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("get closing lines: %w", err)
	}

	if len(closingLines) == 0 {
		return 0, nil
	}

	signals, err := c.store.SignalsMissingCLV(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("get signals: %w", err)
	}

	byKey := make(map[models.TupleKey]models.ClosingLine, len(closingLines))
	for _, line := range closingLines {
		byKey[line.Key()] = line
	}

	processed := 0
	for _, signal := range signals {
		line, ok := byKey[signal.Key()]
		if !ok {
			continue
		}

		applied, err := c.Apply(ctx, signal, line)
		if err != nil {
			if errors.Is(err, contracts.ErrValidation) {
				c.log.Warn("clv skipped", logger.String("signal_id", signal.ID), logger.Error(err))
				continue
			}
			return processed, err
		}
		if applied {
			processed++
		}
	}

	return processed, nil
}
