package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/freshness"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/logger"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/performance"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/models"
	"github.com/go-chi/chi/v5"
)

// QueryStore is the read side the API serves from
type QueryStore interface {
	GetSignal(ctx context.Context, id string) (*models.Signal, error)
	ListSignals(ctx context.Context, filters contracts.SignalFilters) ([]models.Signal, error)
	ClosingLinesForEvent(ctx context.Context, eventID string) ([]models.ClosingLine, error)
	GetSettledBet(ctx context.Context, signalID string) (*models.SettledBet, error)
	ListSettledBets(ctx context.Context, limit, offset int) ([]models.SettledBet, error)
}

// Reporter builds performance reports
type Reporter interface {
	Report(ctx context.Context, filters contracts.OutcomeFilters, asOf time.Time) (*models.PerformanceReport, error)
	Correlation(ctx context.Context, filters contracts.OutcomeFilters, x, y performance.Series) (models.Correlation, error)
}

// HealthChecker produces the freshness report
type HealthChecker interface {
	Check(ctx context.Context, now time.Time) freshness.Report
}

// ErrorResponse is the JSON body of every non-2xx reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	store    QueryStore
	reporter Reporter
	health   HealthChecker
	log      *logger.Logger
	now      func() time.Time
}

// NewHandler creates a new handler with dependencies
func NewHandler(store QueryStore, reporter Reporter, health HealthChecker, log *logger.Logger) *Handler {
	return &Handler{
		store:    store,
		reporter: reporter,
		health:   health,
		log:      log.Component("api"),
		now:      time.Now,
	}
}

// WithClock replaces the wall clock
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// HealthCheck returns the freshness report; 503 when unhealthy
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	report := h.health.Check(ctx, h.now().UTC())

	status := http.StatusOK
	if report.Status == freshness.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	h.respondJSON(w, status, report)
}

// GetSignals lists signals
// Query params: event_id, book, market, status, limit, offset
func (h *Handler) GetSignals(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	q := r.URL.Query()
	filters := contracts.SignalFilters{
		EventID:    q.Get("event_id"),
		Sportsbook: q.Get("book"),
		Market:     q.Get("market"),
		Status:     models.SignalStatus(q.Get("status")),
		Limit:      parseIntParam(r, "limit", 100),
		Offset:     parseIntParam(r, "offset", 0),
	}

	switch filters.Status {
	case "", models.SignalStatusActive, models.SignalStatusExpired, models.SignalStatusSettled:
	default:
		h.respondError(w, http.StatusBadRequest, "status must be active, expired or settled", nil)
		return
	}

	// Validate limit
	if filters.Limit > 500 {
		filters.Limit = 500
	}

	signals, err := h.store.ListSignals(ctx, filters)
	if err != nil {
		h.respondStoreError(w, "failed to retrieve signals", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"signals": signals,
		"count":   len(signals),
		"limit":   filters.Limit,
		"offset":  filters.Offset,
	})
}

// GetSignal retrieves a single signal and its settlement, if any
func (h *Handler) GetSignal(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	signal, err := h.store.GetSignal(ctx, id)
	if err != nil {
		h.respondStoreError(w, "failed to retrieve signal", err)
		return
	}

	outcome := models.SignalOutcome{Signal: *signal}
	if signal.Status == models.SignalStatusSettled {
		bet, err := h.store.GetSettledBet(ctx, id)
		if err != nil && !errors.Is(err, contracts.ErrNotFound) {
			h.respondStoreError(w, "failed to retrieve settlement", err)
			return
		}
		outcome.Settled = bet
	}

	h.respondJSON(w, http.StatusOK, outcome)
}

// GetClosingLines lists closing lines for one event
// Query params: event_id (required)
func (h *Handler) GetClosingLines(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	eventID := r.URL.Query().Get("event_id")
	if eventID == "" {
		h.respondError(w, http.StatusBadRequest, "event_id is required", nil)
		return
	}

	lines, err := h.store.ClosingLinesForEvent(ctx, eventID)
	if err != nil {
		h.respondStoreError(w, "failed to retrieve closing lines", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"closing_lines": lines,
		"count":         len(lines),
	})
}

// GetSettledBets lists settlements, newest first
func (h *Handler) GetSettledBets(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	limit := parseIntParam(r, "limit", 100)
	offset := parseIntParam(r, "offset", 0)
	if limit > 500 {
		limit = 500
	}

	bets, err := h.store.ListSettledBets(ctx, limit, offset)
	if err != nil {
		h.respondStoreError(w, "failed to retrieve settled bets", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"settled_bets": bets,
		"count":        len(bets),
		"limit":        limit,
		"offset":       offset,
	})
}

// GetPerformance returns the full analytics report
// Query params: from, to (RFC3339), book, market, settled_only (default true)
func (h *Handler) GetPerformance(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	filters, err := parseOutcomeFilters(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	report, err := h.reporter.Report(ctx, filters, h.now().UTC())
	if err != nil {
		h.respondStoreError(w, "failed to build performance report", err)
		return
	}

	h.respondJSON(w, http.StatusOK, report)
}

// GetCorrelation correlates two metric series
// Query params: x, y plus the performance filters
func (h *Handler) GetCorrelation(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	filters, err := parseOutcomeFilters(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	x, err := performance.ParseSeries(r.URL.Query().Get("x"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	y, err := performance.ParseSeries(r.URL.Query().Get("y"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	corr, err := h.reporter.Correlation(ctx, filters, x, y)
	if err != nil {
		h.respondStoreError(w, "failed to compute correlation", err)
		return
	}

	h.respondJSON(w, http.StatusOK, corr)
}

func parseOutcomeFilters(r *http.Request) (contracts.OutcomeFilters, error) {
	q := r.URL.Query()
	filters := contracts.OutcomeFilters{
		SettledOnly: true,
		Sportsbook:  q.Get("book"),
		Market:      q.Get("market"),
	}

	if v := q.Get("settled_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filters, contracts.NewValidationError("settled_only", v, "must be a boolean")
		}
		filters.SettledOnly = b
	}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &filters.From}, {"to", &filters.To}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filters, contracts.NewValidationError(p.name, v, "must be RFC3339")
		}
		*p.dst = &t
	}

	if filters.From != nil && filters.To != nil && filters.To.Before(*filters.From) {
		return filters, contracts.NewValidationError("to", q.Get("to"), "must not be before from")
	}

	return filters, nil
}

func parseIntParam(r *http.Request, param string, defaultValue int) int {
	valueStr := r.URL.Query().Get(param)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil || value < 0 {
		return defaultValue
	}

	return value
}

// respondStoreError maps the error taxonomy onto status codes
func (h *Handler) respondStoreError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, contracts.ErrNotFound):
		h.respondError(w, http.StatusNotFound, "not found", nil)
	case errors.Is(err, contracts.ErrValidation):
		h.respondError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, contracts.ErrUpstreamUnavailable):
		h.respondError(w, http.StatusServiceUnavailable, message, err)
	default:
		h.respondError(w, http.StatusInternalServerError, message, err)
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error("encoding response", logger.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string, err error) {
	if err != nil {
		h.log.Error(message, logger.Int("status", status), logger.Error(err))
	}

	h.respondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    status,
	})
}
