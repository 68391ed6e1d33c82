package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"NewsPipeline/internal/domain"
	"NewsPipeline/internal/ports"
)

// Reconciler re-drives records whose queue task was lost and recovers
// subjects stuck mid-stage after a worker crash.
type Reconciler struct {
	items    ports.NewsRepository
	posts    ports.PostRepository
	queue    ports.TaskQueue
	settings Settings
	logger   *slog.Logger
}

// NewReconciler wires the sweep over the repositories and queue.
func NewReconciler(items ports.NewsRepository, posts ports.PostRepository, queue ports.TaskQueue, settings Settings, log *slog.Logger) *Reconciler {
	return &Reconciler{items: items, posts: posts, queue: queue, settings: settings, logger: log}
}

// Sweep runs every recovery rule once; a failing rule does not stop the others.
func (r *Reconciler) Sweep(ctx context.Context, now time.Time) error {
	return errors.Join(
		r.requeueNew(ctx, now),
		r.requeueAccepted(ctx, now),
		r.recoverGenerating(ctx, now),
		r.recoverPublishing(ctx, now),
		r.requeueDrafts(ctx, now),
	)
}

func (r *Reconciler) requeueNew(ctx context.Context, now time.Time) error {
	items, err := r.items.ListItems(ctx, ports.ItemFilter{
		Status:        domain.ItemNew,
		UpdatedBefore: now.Add(-r.settings.NewItemGrace),
		Limit:         r.settings.SweepLimit,
	})
	if err != nil {
		return fmt.Errorf("list new items: %w", err)
	}
	for _, item := range items {
		if err := r.enqueue(ctx, domain.StageScreen, item.ID, string(domain.ItemNew), now); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) requeueAccepted(ctx context.Context, now time.Time) error {
	items, err := r.items.ListItems(ctx, ports.ItemFilter{
		Status:     domain.ItemAccepted,
		EligibleAt: now,
		Limit:      r.settings.SweepLimit,
	})
	if err != nil {
		return fmt.Errorf("list accepted items: %w", err)
	}
	for _, item := range items {
		if err := r.enqueue(ctx, domain.StageGenerate, item.ID, string(domain.ItemAccepted), now); err != nil {
			return err
		}
	}
	return nil
}

// recoverGenerating settles items whose generation outlived staleAfter.
// The attempt was already counted when the item entered generating.
func (r *Reconciler) recoverGenerating(ctx context.Context, now time.Time) error {
	items, err := r.items.ListItems(ctx, ports.ItemFilter{
		Status:        domain.ItemGenerating,
		UpdatedBefore: now.Add(-r.settings.StaleAfter),
		Limit:         r.settings.SweepLimit,
	})
	if err != nil {
		return fmt.Errorf("list generating items: %w", err)
	}

	var errs []error
	for _, item := range items {
		if err := r.recoverItem(ctx, item, now); err != nil && !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) recoverItem(ctx context.Context, item domain.NewsItem, now time.Time) error {
	post, err := r.posts.PostForItem(ctx, item.ID)
	switch {
	case err == nil:
		state := domain.RetryState{Attempts: item.Retry.Attempts}
		if err := r.items.TransitionItem(ctx, item.ID, domain.ItemGenerating, domain.ItemChange{Status: domain.ItemGenerated, Retry: &state}); err != nil {
			return err
		}
		r.info("stale generation settled from existing post", "item_id", item.ID, "post_id", post.ID)
		if r.settings.AutoPublish && post.Status == domain.PostDraft {
			return r.enqueue(ctx, domain.StagePublish, post.ID, string(domain.PostDraft), now)
		}
		return nil
	case !errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("load post for %s: %w", item.ID, err)
	}

	state := domain.RetryState{
		Attempts:      item.Retry.Attempts,
		LastErrorKind: domain.KindTransient,
		LastError:     "generation interrupted",
	}
	if r.settings.Generate.Exhausted(item.Retry.Attempts) {
		if err := r.items.TransitionItem(ctx, item.ID, domain.ItemGenerating, domain.ItemChange{Status: domain.ItemFailed, Retry: &state}); err != nil {
			return err
		}
		r.warn("stale generation failed, attempts exhausted", "item_id", item.ID, "attempts", item.Retry.Attempts)
		return nil
	}

	state.NextAttemptAt = now.Add(r.settings.Generate.Backoff(item.Retry.Attempts))
	if err := r.items.TransitionItem(ctx, item.ID, domain.ItemGenerating, domain.ItemChange{Status: domain.ItemAccepted, Retry: &state}); err != nil {
		return err
	}
	r.warn("stale generation returned to accepted", "item_id", item.ID, "next_attempt_at", state.NextAttemptAt)
	return r.enqueue(ctx, domain.StageGenerate, item.ID, string(domain.ItemAccepted), state.NextAttemptAt)
}

// recoverPublishing returns interrupted publishes to draft marked uncertain,
// so the next attempt checks the destination before sending again.
func (r *Reconciler) recoverPublishing(ctx context.Context, now time.Time) error {
	posts, err := r.posts.ListPosts(ctx, ports.PostFilter{
		Status:        domain.PostPublishing,
		UpdatedBefore: now.Add(-r.settings.StaleAfter),
		Limit:         r.settings.SweepLimit,
	})
	if err != nil {
		return fmt.Errorf("list publishing posts: %w", err)
	}

	var errs []error
	for _, post := range posts {
		state := domain.RetryState{
			Attempts:      post.Retry.Attempts,
			LastErrorKind: domain.KindUncertain,
			LastError:     "publish interrupted",
		}
		err := r.posts.TransitionPost(ctx, post.ID, domain.PostPublishing, domain.PostChange{Status: domain.PostDraft, Retry: &state})
		if err != nil {
			if !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrNotFound) {
				errs = append(errs, err)
			}
			continue
		}
		r.warn("stale publish returned to draft", "post_id", post.ID)
		if err := r.enqueue(ctx, domain.StagePublish, post.ID, string(domain.PostDraft), now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) requeueDrafts(ctx context.Context, now time.Time) error {
	if !r.settings.AutoPublish {
		return nil
	}
	posts, err := r.posts.ListPosts(ctx, ports.PostFilter{
		Status:        domain.PostDraft,
		UpdatedBefore: now.Add(-r.settings.PublishDelay),
		EligibleAt:    now,
		Limit:         r.settings.PublishBatch,
	})
	if err != nil {
		return fmt.Errorf("list draft posts: %w", err)
	}
	for _, post := range posts {
		if err := r.enqueue(ctx, domain.StagePublish, post.ID, string(domain.PostDraft), now); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) enqueue(ctx context.Context, stage domain.Stage, subjectID, expected string, at time.Time) error {
	if err := r.queue.Enqueue(ctx, domain.Task{Stage: stage, SubjectID: subjectID, ExpectedStatus: expected, AvailableAt: at}); err != nil {
		return fmt.Errorf("enqueue %s for %s: %w", stage, subjectID, err)
	}
	return nil
}

func (r *Reconciler) info(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Info(msg, args...)
	}
}

func (r *Reconciler) warn(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Warn(msg, args...)
	}
}
