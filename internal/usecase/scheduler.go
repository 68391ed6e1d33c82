package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"NewsPipeline/internal/domain"
	"NewsPipeline/internal/metrics"
	"NewsPipeline/internal/ports"
)

// Scheduler wires the ticker driver with due-source polling and the reconciler sweep.
type Scheduler struct {
	driver      ports.Scheduler
	registry    ports.SourceRegistry
	queue       ports.TaskQueue
	reconciler  *Reconciler
	metrics     *metrics.Metrics
	logger      *slog.Logger
	defaultPoll time.Duration
}

// NewScheduler returns a helper to start/stop recurring jobs.
func NewScheduler(driver ports.Scheduler, registry ports.SourceRegistry, queue ports.TaskQueue, reconciler *Reconciler, m *metrics.Metrics, defaultPoll time.Duration, log *slog.Logger) *Scheduler {
	return &Scheduler{
		driver:      driver,
		registry:    registry,
		queue:       queue,
		reconciler:  reconciler,
		metrics:     m,
		logger:      log,
		defaultPoll: defaultPoll,
	}
}

// Tick enqueues fetch tasks for due sources and runs the reconciler sweep.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	snap, err := s.registry.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	var errs []error
	due := 0
	for _, src := range snap.Enabled() {
		if !src.Due(now, s.defaultPoll) {
			continue
		}
		task := domain.Task{Stage: domain.StageFetch, SubjectID: src.ID, ExpectedStatus: domain.ExpectEnabled, AvailableAt: now}
		if err := s.queue.Enqueue(ctx, task); err != nil {
			errs = append(errs, fmt.Errorf("enqueue fetch for %s: %w", src.Name, err))
			continue
		}
		due++
	}

	if s.reconciler != nil {
		if err := s.reconciler.Sweep(ctx, now); err != nil {
			errs = append(errs, fmt.Errorf("reconcile: %w", err))
		}
	}

	s.metrics.Tick(now)
	if s.logger != nil {
		s.logger.Debug("scheduler tick", "sources_due", due)
	}
	return errors.Join(errs...)
}

// Start registers the tick with the provided scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	job := func(trigger time.Time) {
		if err := s.Tick(ctx, trigger); err != nil && s.logger != nil {
			s.logger.Warn("scheduler tick failed", "error", err)
		}
	}

	return s.driver.Start(ctx, job)
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}
