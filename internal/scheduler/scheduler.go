// Package scheduler runs periodic lifecycle jobs.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/logger"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/metrics"
)

// JobFunc performs one run of a job as of now
type JobFunc func(ctx context.Context, now time.Time) error

// Job is a named function run on a fixed interval
type Job struct {
	Name     string
	Interval time.Duration
	Run      JobFunc
}

// Scheduler owns a set of jobs and their tickers
type Scheduler struct {
	jobs    []Job
	metrics *metrics.Recorder
	log     *logger.Logger
	now     func() time.Time
}

// New creates a scheduler
func New(rec *metrics.Recorder, log *logger.Logger) *Scheduler {
	return &Scheduler{
		metrics: rec,
		log:     log.Component("scheduler"),
		now:     time.Now,
	}
}

// WithClock replaces the wall clock passed to jobs
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Add registers a job; it must be called before Start
func (s *Scheduler) Add(name string, interval time.Duration, run JobFunc) {
	s.jobs = append(s.jobs, Job{Name: name, Interval: interval, Run: run})
}

// Start runs every job immediately and then on its interval until ctx is done.
// It blocks until all job loops have returned.
func (s *Scheduler) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.loop(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	s.log.Info("job started", logger.String("job", job.Name), logger.Duration("interval", job.Interval))

	// Run immediately on start
	s.RunOnce(ctx, job)

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx, job)
		case <-ctx.Done():
			s.log.Info("job stopped", logger.String("job", job.Name))
			return
		}
	}
}

// RunOnce executes a single run, recovering panics and recording duration and errors
func (s *Scheduler) RunOnce(ctx context.Context, job Job) (err error) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", job.Name, r)
		}
		s.metrics.RecordJob(job.Name, time.Since(start))
		if err != nil && ctx.Err() == nil {
			s.metrics.RecordError(job.Name)
			s.log.Error("job failed", logger.String("job", job.Name), logger.Error(err))
		}
	}()

	return job.Run(ctx, s.now())
}
