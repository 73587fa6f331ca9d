// Package scheduler is the background daemon that dispatches due
// discovery runs to a bounded worker pool.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thoth-app/discovery/internal/config"
	"github.com/thoth-app/discovery/internal/domain"
)

// purgeEvery spaces the audit-retention sweeps.
const purgeEvery = time.Hour

// Runner executes one discovery run. Satisfied by discovery.Manager.
type Runner interface {
	Run(ctx context.Context, sc *domain.SourceConfig) (*domain.DiscoveryResult, error)
}

// ConfigLister is the read-only view of source configs the scheduler
// polls.
type ConfigLister interface {
	Get(ctx context.Context, name string) (*domain.SourceConfig, error)
	List(ctx context.Context, activeOnly bool) ([]*domain.SourceConfig, error)
}

// NextRunInfo is one row of the status report.
type NextRunInfo struct {
	SourceName string    `json:"source_name"`
	NextRunAt  time.Time `json:"next_run_at"`
}

// Status is the scheduler's externally visible state.
type Status struct {
	Running        bool          `json:"running"`
	SourcesTotal   int           `json:"sources_total"`
	SourcesEnabled int           `json:"sources_enabled"`
	InFlight       int           `json:"in_flight"`
	NextRuns       []NextRunInfo `json:"next_runs"`
}

// Scheduler polls schedule state on a fixed cadence and dispatches due
// sources. It is the sole writer of ScheduleState; per-source
// single-flight is enforced so the same source never runs twice
// concurrently.
type Scheduler struct {
	cfg     config.SchedulerConfig
	configs ConfigLister
	states  domain.ScheduleStateRepository
	results domain.DiscoveryResultRepository
	runner  Runner

	retention time.Duration
	log       *logrus.Entry

	mu       sync.Mutex
	running  bool
	inFlight map[string]bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	workers   chan struct{}
	lastPurge time.Time
}

func New(cfg config.SchedulerConfig, configs ConfigLister, states domain.ScheduleStateRepository, results domain.DiscoveryResultRepository, runner Runner, retention time.Duration, log *logrus.Entry) *Scheduler {
	size := cfg.WorkerPoolSize
	if size < 1 {
		size = 1
	}
	return &Scheduler{
		cfg:       cfg,
		configs:   configs,
		states:    states,
		results:   results,
		runner:    runner,
		retention: retention,
		log:       log,
		inFlight:  make(map[string]bool),
		workers:   make(chan struct{}, size),
	}
}

// Start recovers from a possible crash and launches the polling loop.
// Idempotent: starting a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	// Runs interrupted by a crash have started_at set but no finish; mark
	// them failed so the next tick can re-dispatch.
	if n, err := s.results.FailUnfinished(ctx); err != nil {
		s.log.WithError(err).Warn("could not fail unfinished runs")
	} else if n > 0 {
		s.log.WithField("runs", n).Info("marked interrupted runs failed")
	}

	s.wg.Add(1)
	go s.loop(loopCtx)
	s.log.WithField("poll_interval", s.cfg.PollInterval).Info("scheduler started")
	return nil
}

// Stop cancels the loop and waits up to timeout for in-flight runs to
// finish.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("scheduler stop timed out after %s", timeout)
	}
}

// Trigger dispatches a run for one source immediately. Idempotent: if a
// run for the source is already in flight it satisfies the trigger and
// the call is a no-op.
func (s *Scheduler) Trigger(ctx context.Context, sourceName string) error {
	sc, err := s.configs.Get(ctx, sourceName)
	if err != nil {
		return err
	}
	if !sc.IsActive {
		return fmt.Errorf("source %s is not active", sourceName)
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is not running")
	}
	if s.inFlight[sc.Name] {
		s.mu.Unlock()
		s.log.WithField("source", sc.Name).Debug("trigger satisfied by in-flight run")
		return nil
	}
	s.inFlight[sc.Name] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runOne(context.Background(), sc)
	return nil
}

// Status reports the scheduler state and the next due time per source.
func (s *Scheduler) Status(ctx context.Context) (*Status, error) {
	all, err := s.configs.List(ctx, false)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	st := &Status{Running: s.running, InFlight: len(s.inFlight)}
	s.mu.Unlock()

	st.SourcesTotal = len(all)
	for _, sc := range all {
		if !sc.IsActive || !sc.Schedule.Enabled {
			continue
		}
		st.SourcesEnabled++
		state, err := s.states.Get(ctx, sc.Name)
		if err != nil || state == nil {
			continue
		}
		st.NextRuns = append(st.NextRuns, NextRunInfo{SourceName: sc.Name, NextRunAt: state.NextRunAt})
	}
	return st, nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick dispatches every due active source and runs the retention sweep
// when it is owed.
func (s *Scheduler) tick(ctx context.Context) {
	configs, err := s.configs.List(ctx, true)
	if err != nil {
		s.log.WithError(err).Error("listing source configs")
		return
	}

	now := time.Now()
	for _, sc := range configs {
		if !sc.Schedule.Enabled {
			continue
		}
		due, err := s.isDue(ctx, sc, now)
		if err != nil {
			s.log.WithError(err).WithField("source", sc.Name).Warn("could not evaluate schedule")
			continue
		}
		if !due {
			continue
		}

		s.mu.Lock()
		if s.inFlight[sc.Name] {
			s.mu.Unlock()
			continue
		}
		s.inFlight[sc.Name] = true
		s.mu.Unlock()

		s.wg.Add(1)
		go s.runOne(ctx, sc)
	}

	s.maybePurge(ctx, now)
}

// isDue reads the schedule state, creating it on first sight so a new
// source runs immediately.
func (s *Scheduler) isDue(ctx context.Context, sc *domain.SourceConfig, now time.Time) (bool, error) {
	state, err := s.states.Get(ctx, sc.Name)
	if err != nil {
		return false, err
	}
	if state == nil {
		state = &domain.ScheduleState{SourceName: sc.Name, NextRunAt: now}
		if err := s.states.Upsert(ctx, state); err != nil {
			return false, err
		}
	}
	return !state.NextRunAt.After(now), nil
}

// runOne executes a single run under a worker slot and persists the
// recomputed schedule state afterwards. The in-flight mark is cleared on
// every exit path.
func (s *Scheduler) runOne(ctx context.Context, sc *domain.SourceConfig) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, sc.Name)
		s.mu.Unlock()
	}()

	select {
	case s.workers <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-s.workers }()

	log := s.log.WithField("source", sc.Name)
	result, err := s.runner.Run(ctx, sc)
	if err != nil {
		log.WithError(err).Error("discovery run errored")
	}

	// next_run_at is recomputed even for cancelled runs so a cancel does
	// not cause an immediate retry.
	completed := time.Now()
	state := &domain.ScheduleState{
		SourceName: sc.Name,
		LastRunAt:  &completed,
	}
	if result != nil {
		state.LastRunOutcome = result.Outcome
		if len(result.Errors) > 0 {
			state.LastError = result.Errors[len(result.Errors)-1].Message
		}
	} else if err != nil {
		state.LastRunOutcome = domain.OutcomeFailed
		state.LastError = err.Error()
	}

	next, nextErr := NextRun(&sc.Schedule, completed)
	if nextErr != nil {
		log.WithError(nextErr).Error("could not compute next run")
		next = completed.Add(s.cfg.PollInterval)
	}
	state.NextRunAt = clampPast(next, time.Now())

	upsertCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.states.Upsert(upsertCtx, state); err != nil {
		log.WithError(err).Error("persisting schedule state")
	}
}

// maybePurge deletes audit rows past the retention window, at most once
// per hour.
func (s *Scheduler) maybePurge(ctx context.Context, now time.Time) {
	if s.retention <= 0 || now.Sub(s.lastPurge) < purgeEvery {
		return
	}
	s.lastPurge = now

	n, err := s.results.PurgeOlderThan(ctx, now.Add(-s.retention))
	if err != nil {
		s.log.WithError(err).Warn("purging old discovery results")
		return
	}
	if n > 0 {
		s.log.WithField("rows", n).Info("purged old discovery results")
	}
}
