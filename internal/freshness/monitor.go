package freshness

import (
	"context"
	"fmt"
	"time"

	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/logger"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/metrics"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
)

// Level is an ordered check result: ok < warning < error
type Level int

const (
	LevelOK Level = iota
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelOK:
		return "ok"
	case LevelWarning:
		return "warning"
	default:
		return "error"
	}
}

// MarshalText renders the level by name in JSON
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Overall system status
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Threshold is a warning/error pair; age strictly above a bound trips it
type Threshold struct {
	Warning time.Duration
	Error   time.Duration
}

// Thresholds per tracked source
type Thresholds struct {
	Signals Threshold
	Odds    Threshold
}

// Observations are the raw inputs to a health evaluation
type Observations struct {
	StoreErr     error
	LastSignalAt *time.Time
	LastQuoteAt  *time.Time
}

// Check is one source's result
type Check struct {
	Name       string     `json:"name"`
	Level      Level      `json:"status"`
	LastSeenAt *time.Time `json:"last_seen_at"`
	AgeSeconds *float64   `json:"age_seconds"`
	Message    string     `json:"message,omitempty"`
}

// Report is the health summary record
type Report struct {
	Status    string    `json:"status"`
	CheckedAt time.Time `json:"checked_at"`
	Checks    []Check   `json:"checks"`
	Error     string    `json:"error,omitempty"`
}

// Evaluate turns observations into a report. A store failure is a hard failure;
// the staleness checks are skipped.
func Evaluate(now time.Time, obs Observations, th Thresholds) Report {
	report := Report{CheckedAt: now}

	if obs.StoreErr != nil {
		report.Status = StatusUnhealthy
		report.Error = obs.StoreErr.Error()
		report.Checks = []Check{{Name: "database", Level: LevelError, Message: obs.StoreErr.Error()}}
		return report
	}

	report.Checks = []Check{
		{Name: "database", Level: LevelOK},
		staleness("signals", now, obs.LastSignalAt, th.Signals),
		staleness("odds", now, obs.LastQuoteAt, th.Odds),
	}

	worst := LevelOK
	for _, c := range report.Checks {
		if c.Level > worst {
			worst = c.Level
		}
	}

	switch worst {
	case LevelOK:
		report.Status = StatusHealthy
	case LevelWarning:
		report.Status = StatusDegraded
	default:
		report.Status = StatusUnhealthy
	}
	return report
}

func staleness(name string, now time.Time, last *time.Time, th Threshold) Check {
	c := Check{Name: name, LastSeenAt: last}
	if last == nil {
		c.Level = LevelError
		c.Message = "no data"
		return c
	}

	age := now.Sub(*last)
	seconds := age.Seconds()
	c.AgeSeconds = &seconds

	switch {
	case age > th.Error:
		c.Level = LevelError
		c.Message = fmt.Sprintf("stale for %s", age.Truncate(time.Second))
	case age > th.Warning:
		c.Level = LevelWarning
		c.Message = fmt.Sprintf("stale for %s", age.Truncate(time.Second))
	default:
		c.Level = LevelOK
	}
	return c
}

// Source is what the monitor reads
type Source interface {
	contracts.Pinger
	LatestSignalTime(ctx context.Context) (*time.Time, error)
	LatestQuoteTime(ctx context.Context) (*time.Time, error)
}

// Monitor gathers observations from the store and evaluates them
type Monitor struct {
	source     Source
	thresholds Thresholds
	metrics    *metrics.Recorder
	log        *logger.Logger
}

// NewMonitor creates a freshness monitor
func NewMonitor(source Source, th Thresholds, rec *metrics.Recorder, log *logger.Logger) *Monitor {
	return &Monitor{
		source:     source,
		thresholds: th,
		metrics:    rec,
		log:        log.Component("freshness"),
	}
}

// Check reads the latest timestamps and evaluates health at now
func (m *Monitor) Check(ctx context.Context, now time.Time) Report {
	var obs Observations

	if err := m.source.Ping(ctx); err != nil {
		obs.StoreErr = contracts.Unavailable("ping", err)
	} else {
		if obs.LastSignalAt, err = m.source.LatestSignalTime(ctx); err != nil {
			obs.StoreErr = fmt.Errorf("latest signal time: %w", err)
		} else if obs.LastQuoteAt, err = m.source.LatestQuoteTime(ctx); err != nil {
			obs.StoreErr = fmt.Errorf("latest quote time: %w", err)
		}
	}

	report := Evaluate(now, obs, m.thresholds)

	for _, c := range report.Checks {
		if c.AgeSeconds != nil {
			m.metrics.RecordStaleness(c.Name, time.Duration(*c.AgeSeconds*float64(time.Second)))
		}
	}

	if report.Status != StatusHealthy {
		m.log.Warn("health degraded",
			logger.String("status", report.Status),
			logger.String("error", report.Error),
		)
	}

	return report
}
