package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/corvohq/batchrun/internal/batch"
	"github.com/corvohq/batchrun/internal/store"
)

// DriverName is the Job.Driver value of jobs stepped by the scheduler.
const DriverName = "scheduler"

// Config holds scheduler configuration.
type Config struct {
	Interval      time.Duration // base tick cadence (default 1s)
	Concurrency   int           // jobs stepped in parallel per tick (default 4)
	StepsPerTick  int           // consecutive steps one job may take per tick (default 1)
	SweepInterval time.Duration // retention sweep cadence (default 1m)
	Retention     time.Duration // keep finished/error jobs this long (default 24h)
	AbandonAfter  time.Duration // delete unfinished jobs idle this long (default 240h)
	DeleteOnFinal bool          // delete jobs as soon as their final results are delivered
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:      1 * time.Second,
		Concurrency:   4,
		StepsPerTick:  1,
		SweepInterval: 1 * time.Minute,
		Retention:     24 * time.Hour,
		AbandonAfter:  240 * time.Hour,
	}
}

// Scheduler is a continuation driver that steps jobs from a background loop,
// plus the periodic retention sweep.
type Scheduler struct {
	runner *batch.Runner
	store  store.Backend
	config Config

	// OnFinal, if set, receives the final results of every job the scheduler completes.
	OnFinal func(jobID string, results map[string]json.RawMessage, redirect string)

	mu        sync.Mutex
	ready     map[string]struct{}
	inflight  map[string]struct{}
	lastSweep time.Time
}

// New creates a Scheduler and registers it with the runner under DriverName.
func New(r *batch.Runner, s store.Backend, config Config) *Scheduler {
	def := DefaultConfig()
	if config.Interval == 0 {
		config.Interval = def.Interval
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.StepsPerTick <= 0 {
		config.StepsPerTick = def.StepsPerTick
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = def.SweepInterval
	}
	if config.Retention == 0 {
		config.Retention = def.Retention
	}
	if config.AbandonAfter == 0 {
		config.AbandonAfter = def.AbandonAfter
	}
	sched := &Scheduler{
		runner:   r,
		store:    s,
		config:   config,
		ready:    map[string]struct{}{},
		inflight: map[string]struct{}{},
	}
	r.RegisterDriver(DriverName, sched)
	return sched
}

// ScheduleNextStep marks the job for the next tick.
func (s *Scheduler) ScheduleNextStep(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready[jobID] = struct{}{}
	return nil
}

func (s *Scheduler) DeliverFinal(ctx context.Context, jobID string, results map[string]json.RawMessage, redirect string) error {
	s.mu.Lock()
	delete(s.ready, jobID)
	s.mu.Unlock()
	if s.OnFinal != nil {
		s.OnFinal(jobID, results, redirect)
	}
	if s.config.DeleteOnFinal {
		return s.store.Delete(ctx, jobID)
	}
	return nil
}

// Pending returns the number of jobs waiting for a step.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready)
}

// Resume marks every persisted pending or running scheduler job ready, so work
// interrupted by a restart continues at its last completed operation.
func (s *Scheduler) Resume(ctx context.Context) (int, error) {
	n := 0
	for _, status := range []string{batch.StatusPending, batch.StatusRunning} {
		jobs, err := s.store.List(ctx, store.Filter{Status: status, Driver: DriverName})
		if err != nil {
			return n, err
		}
		for _, job := range jobs {
			_ = s.ScheduleNextStep(ctx, job.ID)
			n++
		}
	}
	if n > 0 {
		slog.Info("resumed batch jobs", "count", n)
	}
	return n, nil
}

// Run starts the scheduler loop. It blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if _, err := s.Resume(ctx); err != nil {
		slog.Error("resume batch jobs", "error", err)
	}
	slog.Info("scheduler started", "interval", s.config.Interval, "concurrency", s.config.Concurrency)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx, false)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, force bool) {
	s.stepReady(ctx)

	now := time.Now()
	s.mu.Lock()
	due := force || now.Sub(s.lastSweep) >= s.config.SweepInterval
	if due {
		s.lastSweep = now
	}
	s.mu.Unlock()
	if due {
		if _, err := s.Sweep(ctx, now); err != nil {
			slog.Error("sweep batch jobs", "error", err)
		}
	}
}

// RunOnce executes a single scheduler tick, including the sweep. Useful for testing.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.tick(ctx, true)
}

// claim moves ready jobs that are not already being stepped into flight.
func (s *Scheduler) claim() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.ready))
	for id := range s.ready {
		if _, busy := s.inflight[id]; busy {
			continue
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		delete(s.ready, id)
		s.inflight[id] = struct{}{}
	}
	slices.Sort(ids)
	return ids
}

// claimOne marks a single job in flight unless a step already holds it.
func (s *Scheduler) claimOne(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[jobID]; busy {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

// sweepOne deletes a claimed job if it is still older than limit. The listed
// copy may predate a step that finished before the claim.
func (s *Scheduler) sweepOne(ctx context.Context, jobID string, now time.Time, limit time.Duration) (bool, error) {
	job, err := s.store.Load(ctx, jobID)
	if batch.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if now.Sub(job.UpdatedAt) < limit {
		return false, nil
	}
	if err := s.store.Delete(ctx, jobID); err != nil {
		return false, err
	}
	s.mu.Lock()
	delete(s.ready, jobID)
	s.mu.Unlock()
	return true, nil
}

func (s *Scheduler) release(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, jobID)
}

// take consumes the ready mark a step just left for jobID.
func (s *Scheduler) take(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ready[jobID]; !ok {
		return false
	}
	delete(s.ready, jobID)
	return true
}

func (s *Scheduler) stepReady(ctx context.Context) {
	ids := s.claim()
	if len(ids) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(s.config.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			defer s.release(id)
			s.stepJob(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) stepJob(ctx context.Context, jobID string) {
	for i := 0; i < s.config.StepsPerTick; i++ {
		if ctx.Err() != nil {
			// Put it back; the job resumes on the next run.
			_ = s.ScheduleNextStep(ctx, jobID)
			return
		}
		res, err := s.runner.Step(ctx, jobID)
		if err != nil {
			slog.Warn("scheduled step failed", "job_id", jobID, "kind", res.Kind, "error", err)
			return
		}
		if res.Kind != batch.StepContinue {
			return
		}
		if i+1 < s.config.StepsPerTick && !s.take(jobID) {
			return
		}
	}
}

// Sweep deletes finished and failed jobs past the retention period and
// unfinished jobs that have not been stepped within the abandon period.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (int, error) {
	jobs, err := s.store.List(ctx, store.Filter{})
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, job := range jobs {
		limit := s.config.AbandonAfter
		if job.Terminal() {
			limit = s.config.Retention
		}
		if now.Sub(job.UpdatedAt) < limit {
			continue
		}
		if !s.claimOne(job.ID) {
			continue
		}
		ok, err := s.sweepOne(ctx, job.ID, now, limit)
		s.release(job.ID)
		if err != nil {
			return deleted, err
		}
		if !ok {
			continue
		}
		deleted++
		jobsSweptTotal.WithLabelValues(job.Status).Inc()
	}
	if deleted > 0 {
		slog.Info("swept batch jobs", "deleted", deleted)
	}
	return deleted, nil
}
