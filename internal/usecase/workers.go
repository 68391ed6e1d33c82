package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"NewsPipeline/internal/domain"
	"NewsPipeline/internal/metrics"
	"NewsPipeline/internal/ports"
)

// Handler processes one claimed task.
type Handler interface {
	Handle(ctx context.Context, task domain.Task) (Outcome, error)
}

// WorkerPool runs a fixed number of claim-handle-ack loops over the queue.
type WorkerPool struct {
	queue         ports.TaskQueue
	handler       Handler
	size          int
	claimInterval time.Duration
	owner         string
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// NewWorkerPool builds a pool; owner prefixes each worker's lease identity.
func NewWorkerPool(queue ports.TaskQueue, handler Handler, size int, claimInterval time.Duration, owner string, m *metrics.Metrics, log *slog.Logger) *WorkerPool {
	if size < 1 {
		size = 1
	}
	if claimInterval <= 0 {
		claimInterval = time.Second
	}
	return &WorkerPool{
		queue:         queue,
		handler:       handler,
		size:          size,
		claimInterval: claimInterval,
		owner:         owner,
		metrics:       m,
		logger:        log,
	}
}

// Run blocks until ctx is cancelled.
func (w *WorkerPool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.size; i++ {
		owner := fmt.Sprintf("%s-%d", w.owner, i)
		g.Go(func() error {
			w.loop(ctx, owner)
			return nil
		})
	}
	return g.Wait()
}

func (w *WorkerPool) loop(ctx context.Context, owner string) {
	for ctx.Err() == nil {
		worked, err := w.RunOnce(ctx, owner)
		if err != nil && ctx.Err() == nil {
			w.warn("worker iteration failed", "worker", owner, "error", err)
		}
		if worked && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(w.claimInterval):
		}
	}
}

// RunOnce claims and processes at most one task; worked is false when the queue had nothing available.
func (w *WorkerPool) RunOnce(ctx context.Context, owner string) (bool, error) {
	task, ok, err := w.queue.Claim(ctx, owner)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	out, err := w.safeHandle(ctx, task)
	if err != nil {
		w.metrics.Inc(metrics.HandlerErrors)
		w.warn("task failed, left for redelivery", "task_id", task.ID, "stage", task.Stage,
			"subject_id", task.SubjectID, "deliveries", task.Deliveries, "error", err)
		return true, nil
	}

	// settle the task even when shutdown started while it was being handled
	settleCtx := context.WithoutCancel(ctx)
	if !out.RetryAt.IsZero() {
		err = w.queue.Defer(settleCtx, task, out.RetryAt)
	} else {
		err = w.queue.Ack(settleCtx, task)
	}
	if errors.Is(err, domain.ErrConflict) {
		w.warn("task lease lost before completion", "task_id", task.ID, "stage", task.Stage)
		return true, nil
	}
	return true, err
}

// Drain processes available tasks until none is left; it returns how many were handled.
func (w *WorkerPool) Drain(ctx context.Context) (int, error) {
	owner := w.owner + "-drain"
	handled := 0
	for ctx.Err() == nil {
		worked, err := w.RunOnce(ctx, owner)
		if err != nil {
			return handled, err
		}
		if !worked {
			return handled, nil
		}
		handled++
	}
	return handled, ctx.Err()
}

func (w *WorkerPool) safeHandle(ctx context.Context, task domain.Task) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s handler: %v", task.Stage, r)
			w.warn("handler panic", "task_id", task.ID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return w.handler.Handle(ctx, task)
}

func (w *WorkerPool) warn(msg string, args ...any) {
	if w.logger != nil {
		w.logger.Warn(msg, args...)
	}
}
