package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NewsPipeline/internal/domain"
)

func (h *harness) reconciler() *Reconciler {
	return NewReconciler(h.store, h.store, h.queue, h.settings, nil)
}

// storeItem inserts an item directly and moves it to status.
func (h *harness) storeItem(t *testing.T, src domain.Source, status domain.ItemStatus, retry domain.RetryState) domain.NewsItem {
	t.Helper()
	ctx := context.Background()

	item := domain.NewsItem{
		ID:          uuid.NewString(),
		SourceID:    src.ID,
		ExternalID:  uuid.NewString(),
		Title:       "Title " + string(status),
		Body:        "Body",
		FetchedAt:   h.clock.Now(),
		Fingerprint: uuid.NewString(),
		Status:      domain.ItemNew,
	}
	created, err := h.store.InsertNew(ctx, item)
	require.NoError(t, err)
	require.True(t, created)

	if status != domain.ItemNew || retry != (domain.RetryState{}) {
		require.NoError(t, h.store.TransitionItem(ctx, item.ID, domain.ItemNew, domain.ItemChange{Status: status, Retry: &retry}))
	}
	stored, err := h.store.GetItem(ctx, item.ID)
	require.NoError(t, err)
	return stored
}

func (h *harness) pending(t *testing.T) map[domain.Stage]int {
	t.Helper()
	counts, err := h.queue.Pending(context.Background())
	require.NoError(t, err)
	return counts
}

// TestReconcilerRequeuesLostTasks covers items whose follow-up task was never enqueued.
func TestReconcilerRequeuesLostTasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := h.addSource(t, "feed")

	fresh := h.storeItem(t, src, domain.ItemNew, domain.RetryState{})
	accepted := h.storeItem(t, src, domain.ItemAccepted, domain.RetryState{})
	waiting := h.storeItem(t, src, domain.ItemAccepted, domain.RetryState{Attempts: 1, NextAttemptAt: h.clock.Now().Add(time.Hour)})

	require.NoError(t, h.reconciler().Sweep(ctx, h.clock.Now()))
	assert.Equal(t, map[domain.Stage]int{domain.StageGenerate: 1}, h.pending(t), "new items get a grace period")

	h.clock.Advance(h.settings.NewItemGrace + time.Second)
	require.NoError(t, h.reconciler().Sweep(ctx, h.clock.Now()))
	assert.Equal(t, map[domain.Stage]int{domain.StageScreen: 1, domain.StageGenerate: 1}, h.pending(t), "sweeps do not duplicate tasks")

	h.drain(t)
	for id, want := range map[string]domain.ItemStatus{
		fresh.ID:    domain.ItemGenerated,
		accepted.ID: domain.ItemGenerated,
		waiting.ID:  domain.ItemAccepted,
	} {
		item, err := h.store.GetItem(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, item.Status, id)
	}
}

func TestReconcilerRecoversStaleGeneration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := h.addSource(t, "feed")

	retryable := h.storeItem(t, src, domain.ItemGenerating, domain.RetryState{Attempts: 1})
	exhausted := h.storeItem(t, src, domain.ItemGenerating, domain.RetryState{Attempts: 3})
	finished := h.storeItem(t, src, domain.ItemGenerating, domain.RetryState{Attempts: 1})
	post, _, err := h.store.CreatePost(ctx, domain.Post{ID: uuid.NewString(), NewsItemID: finished.ID, Title: "t", Body: "b", Status: domain.PostDraft})
	require.NoError(t, err)

	require.NoError(t, h.reconciler().Sweep(ctx, h.clock.Now()))
	item, err := h.store.GetItem(ctx, retryable.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemGenerating, item.Status, "recent generations are left alone")

	h.clock.Advance(h.settings.StaleAfter + time.Second)
	now := h.clock.Now()
	require.NoError(t, h.reconciler().Sweep(ctx, now))

	item, err = h.store.GetItem(ctx, retryable.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemAccepted, item.Status)
	assert.Equal(t, 1, item.Retry.Attempts, "the interrupted attempt stays counted")
	assert.Equal(t, now.Add(time.Minute), item.Retry.NextAttemptAt)

	item, err = h.store.GetItem(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemFailed, item.Status)

	item, err = h.store.GetItem(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemGenerated, item.Status)

	h.drain(t)
	post, err = h.store.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostPublished, post.Status)
	assert.Zero(t, h.generator.Calls(), "retry waits for its backoff")

	h.clock.Advance(time.Minute)
	h.drain(t)
	item, err = h.store.GetItem(ctx, retryable.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemGenerated, item.Status)
	assert.Equal(t, 2, item.Retry.Attempts)
}

// TestReconcilerRecoversStalePublish simulates a worker that died after the
// message left but before the post was marked published.
func TestReconcilerRecoversStalePublish(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	post, _, err := h.store.CreatePost(ctx, domain.Post{ID: uuid.NewString(), Title: "t", Body: "b", Status: domain.PostDraft})
	require.NoError(t, err)
	require.NoError(t, h.store.TransitionPost(ctx, post.ID, domain.PostDraft, domain.PostChange{
		Status: domain.PostPublishing,
		Retry:  &domain.RetryState{Attempts: 1},
	}))
	ref, err := h.publisher.Publish(ctx, post)
	require.NoError(t, err)

	h.clock.Advance(h.settings.StaleAfter + time.Second)
	require.NoError(t, h.reconciler().Sweep(ctx, h.clock.Now()))

	stored, err := h.store.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostDraft, stored.Status)
	assert.True(t, stored.Uncertain())

	h.drain(t)
	stored, err = h.store.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostPublished, stored.Status)
	assert.Equal(t, ref, stored.PublishedRef)
	assert.Equal(t, 1, h.publisher.Deliveries(post.ID))
}

func TestReconcilerRequeuesDraftsAfterDelay(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.PublishDelay = 10 * time.Minute })
	ctx := context.Background()

	post, _, err := h.store.CreatePost(ctx, domain.Post{ID: uuid.NewString(), Title: "t", Body: "b", Status: domain.PostDraft})
	require.NoError(t, err)

	require.NoError(t, h.reconciler().Sweep(ctx, h.clock.Now()))
	assert.Empty(t, h.pending(t))

	h.clock.Advance(11 * time.Minute)
	require.NoError(t, h.reconciler().Sweep(ctx, h.clock.Now()))
	assert.Equal(t, map[domain.Stage]int{domain.StagePublish: 1}, h.pending(t))

	h.drain(t)
	stored, err := h.store.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostPublished, stored.Status)
}

func TestReconcilerLeavesDraftsInManualMode(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.AutoPublish = false })
	ctx := context.Background()

	_, _, err := h.store.CreatePost(ctx, domain.Post{ID: uuid.NewString(), Title: "t", Body: "b", Status: domain.PostDraft})
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	require.NoError(t, h.reconciler().Sweep(ctx, h.clock.Now()))
	assert.Empty(t, h.pending(t))
}

func TestSweepJoinsRuleErrors(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Close())

	err := h.reconciler().Sweep(context.Background(), h.clock.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list new items")
	assert.Contains(t, err.Error(), "list draft posts")
}
