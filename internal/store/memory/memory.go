// Package memory is a mutex-guarded Store used by tests and dry runs.
// It enforces the same conditional-write rules as the postgres store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/models"
)

// Store keeps everything in maps
type Store struct {
	mu       sync.RWMutex
	quotes   map[models.TupleKey][]models.OddsQuote // sorted by FetchedAt
	events   map[string]models.Event
	signals  map[string]models.Signal
	closing  map[models.TupleKey]models.ClosingLine
	settled  map[string]models.SettledBet
	pingErr  error
	quoteErr error
}

var _ contracts.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		quotes:  make(map[models.TupleKey][]models.OddsQuote),
		events:  make(map[string]models.Event),
		signals: make(map[string]models.Signal),
		closing: make(map[models.TupleKey]models.ClosingLine),
		settled: make(map[string]models.SettledBet),
	}
}

// SetPingError makes Ping fail
func (s *Store) SetPingError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

// SetQuoteError makes CurrentQuote fail
func (s *Store) SetQuoteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quoteErr = err
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pingErr
}

// --- quotes ---

func (s *Store) InsertQuote(ctx context.Context, quote models.OddsQuote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := quote.Key()
	series := s.quotes[key]
	for _, q := range series {
		if q.FetchedAt.Equal(quote.FetchedAt) {
			return nil
		}
	}

	series = append(series, quote)
	sort.SliceStable(series, func(i, j int) bool {
		return series[i].FetchedAt.Before(series[j].FetchedAt)
	})
	s.quotes[key] = series
	return nil
}

func latestAsOf(series []models.OddsQuote, asOf time.Time) (models.OddsQuote, bool) {
	for i := len(series) - 1; i >= 0; i-- {
		if !series[i].FetchedAt.After(asOf) {
			return series[i], true
		}
	}
	return models.OddsQuote{}, false
}

func (s *Store) LatestQuotes(ctx context.Context, eventID string, asOf time.Time) ([]models.OddsQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.OddsQuote
	for key, series := range s.quotes {
		if key.EventID != eventID {
			continue
		}
		if q, ok := latestAsOf(series, asOf); ok {
			out = append(out, q)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().String() < out[j].Key().String()
	})
	return out, nil
}

func (s *Store) CurrentQuote(ctx context.Context, key models.TupleKey, asOf time.Time) (*models.OddsQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.quoteErr != nil {
		return nil, s.quoteErr
	}

	q, ok := latestAsOf(s.quotes[key], asOf)
	if !ok {
		return nil, contracts.ErrDataUnavailable
	}
	return &q, nil
}

func (s *Store) LatestQuoteTime(ctx context.Context) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *time.Time
	for _, series := range s.quotes {
		if len(series) == 0 {
			continue
		}
		t := series[len(series)-1].FetchedAt
		if latest == nil || t.After(*latest) {
			latest = &t
		}
	}
	return latest, nil
}

// --- events ---

func (s *Store) UpsertEvent(ctx context.Context, event models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.EventID] = event
	return nil
}

func (s *Store) GetEvent(ctx context.Context, eventID string) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[eventID]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	return &e, nil
}

func (s *Store) UpcomingEvents(ctx context.Context, from, to time.Time) ([]models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Event
	for _, e := range s.events {
		if e.StartsAt.After(from) && !e.StartsAt.After(to) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

// --- signals ---

func (s *Store) activeLocked(key models.TupleKey) (models.Signal, bool) {
	for _, sig := range s.signals {
		if sig.Status == models.SignalStatusActive && sig.Key() == key {
			return sig, true
		}
	}
	return models.Signal{}, false
}

func (s *Store) InsertSignal(ctx context.Context, signal models.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.signals[signal.ID]; exists {
		return contracts.ErrConflict
	}
	if signal.Status == models.SignalStatusActive {
		if _, exists := s.activeLocked(signal.Key()); exists {
			return contracts.ErrConflict
		}
	}

	s.signals[signal.ID] = signal
	return nil
}

func (s *Store) ActiveSignal(ctx context.Context, key models.TupleKey) (*models.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sig, ok := s.activeLocked(key)
	if !ok {
		return nil, contracts.ErrNotFound
	}
	return &sig, nil
}

func (s *Store) UpdateEdge(ctx context.Context, id string, modelProb, edgePct float64, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sig, ok := s.signals[id]
	if !ok || sig.Status != models.SignalStatusActive {
		return contracts.ErrNotFound
	}

	sig.ModelProbability = modelProb
	sig.EdgePct = edgePct
	sig.UpdatedAt = updatedAt
	s.signals[id] = sig
	return nil
}

func (s *Store) SetCLV(ctx context.Context, id string, closingPrice string, clvPct float64, beatClose bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sig, ok := s.signals[id]
	if !ok {
		return false, contracts.ErrNotFound
	}
	if _, ok := s.closing[sig.Key()]; !ok {
		return false, contracts.ErrDataUnavailable
	}
	if sig.CLVPct != nil {
		return false, nil
	}

	price := closingPrice
	clv := clvPct
	beat := beatClose
	sig.ClosingPrice = &price
	sig.CLVPct = &clv
	sig.BeatClose = &beat
	s.signals[id] = sig
	return true, nil
}

func (s *Store) ExpireSignals(ctx context.Context, asOf time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	for id, sig := range s.signals {
		if sig.Status != models.SignalStatusActive || sig.ExpiresAt.After(asOf) {
			continue
		}
		if _, captured := s.closing[sig.Key()]; captured {
			continue
		}
		if _, settled := s.settled[id]; settled {
			continue
		}
		sig.Status = models.SignalStatusExpired
		sig.UpdatedAt = asOf
		s.signals[id] = sig
		expired++
	}
	return expired, nil
}

func (s *Store) SignalsForCapture(ctx context.Context, from, to time.Time) ([]models.Signal, error) {
	return s.filterSignals(func(sig models.Signal) bool {
		return sig.Status == models.SignalStatusActive &&
			sig.ExpiresAt.After(from) && !sig.ExpiresAt.After(to)
	}), nil
}

func (s *Store) UnsettledSignals(ctx context.Context, eventID string) ([]models.Signal, error) {
	return s.filterSignals(func(sig models.Signal) bool {
		return sig.EventID == eventID &&
			(sig.Status == models.SignalStatusActive || sig.Status == models.SignalStatusExpired)
	}), nil
}

func (s *Store) SignalsMissingCLV(ctx context.Context, eventID string) ([]models.Signal, error) {
	return s.filterSignals(func(sig models.Signal) bool {
		return sig.EventID == eventID && sig.CLVPct == nil
	}), nil
}

func (s *Store) GetSignal(ctx context.Context, id string) (*models.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sig, ok := s.signals[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	return &sig, nil
}

func (s *Store) ListSignals(ctx context.Context, filters contracts.SignalFilters) ([]models.Signal, error) {
	out := s.filterSignals(func(sig models.Signal) bool {
		return (filters.EventID == "" || sig.EventID == filters.EventID) &&
			(filters.Sportsbook == "" || sig.Sportsbook == filters.Sportsbook) &&
			(filters.Market == "" || sig.Market == filters.Market) &&
			(filters.Status == "" || sig.Status == filters.Status)
	})
	return paginate(out, filters.Limit, filters.Offset), nil
}

func (s *Store) LatestSignalTime(ctx context.Context) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *time.Time
	for _, sig := range s.signals {
		t := sig.GeneratedAt
		if latest == nil || t.After(*latest) {
			latest = &t
		}
	}
	return latest, nil
}

// filterSignals returns matches newest first
func (s *Store) filterSignals(keep func(models.Signal) bool) []models.Signal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Signal
	for _, sig := range s.signals {
		if keep(sig) {
			out = append(out, sig)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GeneratedAt.Equal(out[j].GeneratedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].GeneratedAt.After(out[j].GeneratedAt)
	})
	return out
}

func paginate[T any](rows []T, limit, offset int) []T {
	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// --- closing lines ---

func (s *Store) InsertClosingLine(ctx context.Context, line models.ClosingLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.closing[line.Key()]; exists {
		return contracts.ErrConflict
	}
	s.closing[line.Key()] = line
	return nil
}

func (s *Store) GetClosingLine(ctx context.Context, key models.TupleKey) (*models.ClosingLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	line, ok := s.closing[key]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	return &line, nil
}

func (s *Store) ClosingLinesForEvent(ctx context.Context, eventID string) ([]models.ClosingLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ClosingLine
	for key, line := range s.closing {
		if key.EventID == eventID {
			out = append(out, line)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, nil
}

// --- settlements ---

func (s *Store) PendingSettlementEvents(ctx context.Context, asOf time.Time) ([]contracts.EventRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var out []contracts.EventRef
	for _, sig := range s.signals {
		if sig.Status == models.SignalStatusSettled || sig.ExpiresAt.After(asOf) || seen[sig.EventID] {
			continue
		}
		seen[sig.EventID] = true
		out = append(out, contracts.EventRef{EventID: sig.EventID, SportKey: sig.SportKey})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out, nil
}

func (s *Store) SettleSignal(ctx context.Context, bet models.SettledBet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sig, ok := s.signals[bet.SignalID]
	if !ok {
		return contracts.ErrNotFound
	}
	if _, exists := s.settled[bet.SignalID]; exists || sig.Status == models.SignalStatusSettled {
		return contracts.ErrConflict
	}

	result := bet.Result
	settledAt := bet.SettledAt
	sig.Status = models.SignalStatusSettled
	sig.Result = &result
	sig.SettledAt = &settledAt
	sig.UpdatedAt = settledAt

	s.settled[bet.SignalID] = bet
	s.signals[bet.SignalID] = sig
	return nil
}

func (s *Store) GetSettledBet(ctx context.Context, signalID string) (*models.SettledBet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bet, ok := s.settled[signalID]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	return &bet, nil
}

func (s *Store) ListSettledBets(ctx context.Context, limit, offset int) ([]models.SettledBet, error) {
	s.mu.RLock()
	out := make([]models.SettledBet, 0, len(s.settled))
	for _, bet := range s.settled {
		out = append(out, bet)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SettledAt.Equal(out[j].SettledAt) {
			return out[i].SignalID < out[j].SignalID
		}
		return out[i].SettledAt.After(out[j].SettledAt)
	})
	return paginate(out, limit, offset), nil
}

// --- analytics ---

// Outcomes copies matching rows under one read lock
func (s *Store) Outcomes(ctx context.Context, filters contracts.OutcomeFilters) ([]models.SignalOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.SignalOutcome
	for id, sig := range s.signals {
		if filters.From != nil && sig.GeneratedAt.Before(*filters.From) {
			continue
		}
		if filters.To != nil && !sig.GeneratedAt.Before(*filters.To) {
			continue
		}
		if filters.Sportsbook != "" && sig.Sportsbook != filters.Sportsbook {
			continue
		}
		if filters.Market != "" && sig.Market != filters.Market {
			continue
		}

		row := models.SignalOutcome{Signal: sig}
		if bet, ok := s.settled[id]; ok {
			b := bet
			row.Settled = &b
		} else if filters.SettledOnly {
			continue
		}
		out = append(out, row)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Signal.ID < out[j].Signal.ID })
	return out, nil
}
