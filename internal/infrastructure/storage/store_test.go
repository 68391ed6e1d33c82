package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NewsPipeline/internal/domain"
	"NewsPipeline/internal/ports"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// createTestStore opens a SQLite store in a temporary directory.
func createTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "pipeline.db"), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, clock
}

func newItem(sourceID, externalID, title string) domain.NewsItem {
	return domain.NewsItem{
		ID:          uuid.NewString(),
		SourceID:    sourceID,
		ExternalID:  externalID,
		Title:       title,
		Body:        "body of " + title,
		Fingerprint: domain.Fingerprint(title, "body of "+title),
		Status:      domain.ItemNew,
	}
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, Postgres, d)

	d, err = ParseDialect("sqlite3")
	require.NoError(t, err)
	assert.Equal(t, SQLite, d)

	_, err = ParseDialect("mysql")
	assert.Equal(t, domain.KindConfiguration, domain.KindOf(err))
}

// TestInsertNewIsIdempotent verifies that (source, external id) yields at most
// one row even when many writers race.
func TestInsertNewIsIdempotent(t *testing.T) {
	store, _ := createTestStore(t)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.InsertNew(ctx, newItem("src-1", "https://example.org/a", "Story"))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, inserted)

	items, err := store.ListItems(ctx, ports.ItemFilter{})
	require.NoError(t, err)
	assert.Len(t, items, 1)

	ok, err := store.InsertNew(ctx, newItem("src-2", "https://example.org/a", "Story"))
	require.NoError(t, err)
	assert.True(t, ok, "same external id from another source is a different item")
}

func TestTransitionItemGuard(t *testing.T) {
	store, _ := createTestStore(t)
	ctx := context.Background()

	item := newItem("src", "1", "Title")
	_, err := store.InsertNew(ctx, item)
	require.NoError(t, err)

	err = store.TransitionItem(ctx, item.ID, domain.ItemNew, domain.ItemChange{Status: domain.ItemAccepted})
	require.NoError(t, err)

	err = store.TransitionItem(ctx, item.ID, domain.ItemNew, domain.ItemChange{Status: domain.ItemRejected})
	assert.ErrorIs(t, err, domain.ErrConflict)

	err = store.TransitionItem(ctx, "missing", domain.ItemNew, domain.ItemChange{Status: domain.ItemAccepted})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	next := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	err = store.TransitionItem(ctx, item.ID, domain.ItemAccepted, domain.ItemChange{
		Status: domain.ItemAccepted,
		Retry: &domain.RetryState{
			Attempts:      2,
			NextAttemptAt: next,
			LastErrorKind: domain.KindTransient,
			LastError:     "429",
		},
	})
	require.NoError(t, err)

	got, err := store.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemAccepted, got.Status)
	assert.Equal(t, 2, got.Retry.Attempts)
	assert.True(t, next.Equal(got.Retry.NextAttemptAt))
	assert.Equal(t, domain.KindTransient, got.Retry.LastErrorKind)
	assert.Equal(t, "429", got.Retry.LastError)
}

func TestGetItemNotFound(t *testing.T) {
	store, _ := createTestStore(t)

	_, err := store.GetItem(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// TestEarlierWithFingerprint verifies the earliest item of a fingerprint
// cluster wins and the window bounds the lookup.
func TestEarlierWithFingerprint(t *testing.T) {
	store, clock := createTestStore(t)
	ctx := context.Background()

	first := newItem("rss", "a", "Same story")
	first.FetchedAt = clock.Now()
	_, err := store.InsertNew(ctx, first)
	require.NoError(t, err)

	second := newItem("channel", "b", "Same story")
	second.FetchedAt = clock.Now().Add(time.Minute)
	_, err = store.InsertNew(ctx, second)
	require.NoError(t, err)

	id, found, err := store.EarlierWithFingerprint(ctx, second, clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, first.ID, id)

	_, found, err = store.EarlierWithFingerprint(ctx, first, clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, found, "the earliest item is not a duplicate")

	_, found, err = store.EarlierWithFingerprint(ctx, second, clock.Now().Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, found, "items older than the window are ignored")
}

func TestListItemsFilters(t *testing.T) {
	store, clock := createTestStore(t)
	ctx := context.Background()

	a := newItem("src", "a", "A")
	b := newItem("src", "b", "B")
	for _, it := range []domain.NewsItem{a, b} {
		_, err := store.InsertNew(ctx, it)
		require.NoError(t, err)
	}
	require.NoError(t, store.TransitionItem(ctx, b.ID, domain.ItemNew, domain.ItemChange{
		Status: domain.ItemAccepted,
		Retry:  &domain.RetryState{NextAttemptAt: clock.Now().Add(time.Hour)},
	}))

	items, err := store.ListItems(ctx, ports.ItemFilter{Status: domain.ItemNew})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, a.ID, items[0].ID)

	items, err = store.ListItems(ctx, ports.ItemFilter{Status: domain.ItemAccepted, EligibleAt: clock.Now()})
	require.NoError(t, err)
	assert.Empty(t, items)

	items, err = store.ListItems(ctx, ports.ItemFilter{Status: domain.ItemAccepted, EligibleAt: clock.Now().Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

// TestCreatePostOnePerItem verifies a news item produces at most one post.
func TestCreatePostOnePerItem(t *testing.T) {
	store, _ := createTestStore(t)
	ctx := context.Background()

	first, created, err := store.CreatePost(ctx, domain.Post{ID: uuid.NewString(), NewsItemID: "item-1", Title: "T", Body: "B"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.PostDraft, first.Status)

	again, created, err := store.CreatePost(ctx, domain.Post{ID: uuid.NewString(), NewsItemID: "item-1", Title: "T2", Body: "B2"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "T", again.Title)

	for i := 0; i < 2; i++ {
		_, created, err = store.CreatePost(ctx, domain.Post{ID: uuid.NewString(), Title: "raw", Body: "text"})
		require.NoError(t, err)
		assert.True(t, created, "posts without a news item never collide")
	}
}

func TestTransitionPostWritesReference(t *testing.T) {
	store, clock := createTestStore(t)
	ctx := context.Background()

	post, _, err := store.CreatePost(ctx, domain.Post{ID: uuid.NewString(), Title: "T", Body: "B"})
	require.NoError(t, err)

	require.NoError(t, store.TransitionPost(ctx, post.ID, domain.PostDraft, domain.PostChange{
		Status: domain.PostPublishing,
		Retry:  &domain.RetryState{Attempts: 1},
	}))

	publishedAt := clock.Now()
	require.NoError(t, store.TransitionPost(ctx, post.ID, domain.PostPublishing, domain.PostChange{
		Status:       domain.PostPublished,
		PublishedRef: "101",
		PublishedAt:  publishedAt,
	}))

	got, err := store.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostPublished, got.Status)
	assert.Equal(t, "101", got.PublishedRef)
	assert.Equal(t, 1, got.Retry.Attempts)
	assert.True(t, publishedAt.Equal(got.PublishedAt))

	err = store.TransitionPost(ctx, post.ID, domain.PostPublishing, domain.PostChange{Status: domain.PostPublished})
	assert.ErrorIs(t, err, domain.ErrConflict)

	require.NoError(t, store.DeletePost(ctx, post.ID))
	err = store.TransitionPost(ctx, post.ID, domain.PostPublished, domain.PostChange{Status: domain.PostFailed})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// TestAcquireLeaseSingleFlight verifies only one owner polls a source at a time.
func TestAcquireLeaseSingleFlight(t *testing.T) {
	store, clock := createTestStore(t)
	ctx := context.Background()

	ok, err := store.AcquireLease(ctx, "src", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AcquireLease(ctx, "src", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.AcquireLease(ctx, "src", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a held lease is not re-entrant")

	require.NoError(t, store.ReleaseLease(ctx, "src", "worker-b"))
	ok, err = store.AcquireLease(ctx, "src", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by a non-owner is ignored")

	clock.Advance(2 * time.Minute)
	ok, err = store.AcquireLease(ctx, "src", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be taken over")

	require.NoError(t, store.ReleaseLease(ctx, "src", "worker-b"))
	ok, err = store.AcquireLease(ctx, "src", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTaskQueueClaimAckAndRedelivery(t *testing.T) {
	store, clock := createTestStore(t)
	ctx := context.Background()
	queue := NewTaskQueue(store, QueueConfig{VisibilityTimeout: time.Minute, MaxDeliveries: 3}, nil)

	task := domain.Task{Stage: domain.StageGenerate, SubjectID: "item-1", ExpectedStatus: string(domain.ItemAccepted)}
	require.NoError(t, queue.Enqueue(ctx, task))
	require.NoError(t, queue.Enqueue(ctx, task))

	pending, err := queue.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending[domain.StageGenerate], "identical tasks collapse")

	claimed, ok, err := queue.Claim(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "item-1", claimed.SubjectID)
	assert.Equal(t, 1, claimed.Deliveries)

	_, ok, err = queue.Claim(ctx, "w2")
	require.NoError(t, err)
	assert.False(t, ok, "leased task is invisible")

	clock.Advance(2 * time.Minute)
	redelivered, ok, err := queue.Claim(ctx, "w2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, claimed.ID, redelivered.ID)
	assert.Equal(t, 2, redelivered.Deliveries)

	err = queue.Ack(ctx, claimed)
	assert.ErrorIs(t, err, domain.ErrConflict, "stale owner cannot ack")

	require.NoError(t, queue.Ack(ctx, redelivered))
	_, ok, err = queue.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTaskQueueDefer(t *testing.T) {
	store, clock := createTestStore(t)
	ctx := context.Background()
	queue := NewTaskQueue(store, QueueConfig{VisibilityTimeout: time.Minute, MaxDeliveries: 2}, nil)

	require.NoError(t, queue.Enqueue(ctx, domain.Task{Stage: domain.StagePublish, SubjectID: "post-1", ExpectedStatus: "draft"}))

	for i := 0; i < 3; i++ {
		claimed, ok, err := queue.Claim(ctx, "w1")
		require.NoError(t, err)
		require.True(t, ok, "deferred tasks do not exhaust deliveries")
		require.NoError(t, queue.Defer(ctx, claimed, clock.Now().Add(time.Minute)))

		_, ok, err = queue.Claim(ctx, "w1")
		require.NoError(t, err)
		assert.False(t, ok, "deferred task waits")
		clock.Advance(time.Minute)
	}
}

func TestTaskQueueDeadLettersAfterMaxDeliveries(t *testing.T) {
	store, clock := createTestStore(t)
	ctx := context.Background()
	queue := NewTaskQueue(store, QueueConfig{VisibilityTimeout: time.Minute, MaxDeliveries: 2}, nil)

	require.NoError(t, queue.Enqueue(ctx, domain.Task{Stage: domain.StageScreen, SubjectID: "item", ExpectedStatus: "new"}))

	for i := 0; i < 2; i++ {
		_, ok, err := queue.Claim(ctx, "w")
		require.NoError(t, err)
		require.True(t, ok)
		clock.Advance(2 * time.Minute)
	}

	_, ok, err := queue.Claim(ctx, "w")
	require.NoError(t, err)
	assert.False(t, ok)

	pending, err := queue.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending[domain.StageScreen])
}

func TestEnqueueMovesAvailabilityEarlier(t *testing.T) {
	store, clock := createTestStore(t)
	ctx := context.Background()
	queue := NewTaskQueue(store, QueueConfig{}, nil)

	task := domain.Task{Stage: domain.StageGenerate, SubjectID: "i", ExpectedStatus: "accepted", AvailableAt: clock.Now().Add(time.Hour)}
	require.NoError(t, queue.Enqueue(ctx, task))

	_, ok, err := queue.Claim(ctx, "w")
	require.NoError(t, err)
	assert.False(t, ok)

	task.AvailableAt = clock.Now()
	require.NoError(t, queue.Enqueue(ctx, task))

	_, ok, err = queue.Claim(ctx, "w")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUpsertSourceAndSnapshot(t *testing.T) {
	store, _ := createTestStore(t)
	ctx := context.Background()

	src, err := store.UpsertSource(ctx, domain.Source{
		Name: "Example", Type: domain.SourceFeed, Address: "https://example.org/rss.xml",
		Enabled: true, PollInterval: 30 * time.Minute, Options: map[string]string{"format": "feed"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, src.ID)

	again, err := store.UpsertSource(ctx, domain.Source{
		Name: "Example renamed", Type: domain.SourceFeed, Address: "https://example.org/rss.xml", Enabled: false,
	})
	require.NoError(t, err)
	assert.Equal(t, src.ID, again.ID)
	assert.Equal(t, "Example renamed", again.Name)
	assert.False(t, again.Enabled)

	require.NoError(t, store.SetKeywords(ctx, []string{"Python", "Go", "python", " "}))
	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Go", "Python"}, snap.Keywords)
	require.Len(t, snap.Sources, 1)
	assert.Empty(t, snap.Enabled())

	require.NoError(t, store.SetSourceEnabled(ctx, src.ID, true))
	require.NoError(t, store.SetKeywords(ctx, []string{"Python"}))
	snap, err = store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Python"}, snap.Keywords)
	assert.Len(t, snap.Enabled(), 1)

	all, err := store.ListKeywords(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// TestRecordPollMarksUnhealthy verifies consecutive failures flag a source
// and one success clears the flag.
func TestRecordPollMarksUnhealthy(t *testing.T) {
	store, clock := createTestStore(t)
	ctx := context.Background()

	src, err := store.UpsertSource(ctx, domain.Source{Name: "c", Type: domain.SourceChannel, Address: "golang_news", Enabled: true})
	require.NoError(t, err)

	health, err := store.RecordPoll(ctx, src.ID, clock.Now(), errors.New("timeout"), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, health.ConsecutiveFailures)
	assert.False(t, health.Unhealthy)

	health, err = store.RecordPoll(ctx, src.ID, clock.Now(), errors.New("timeout"), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, health.ConsecutiveFailures)
	assert.True(t, health.Unhealthy)
	assert.Equal(t, "timeout", health.LastError)

	health, err = store.RecordPoll(ctx, src.ID, clock.Now(), nil, 2)
	require.NoError(t, err)
	assert.Zero(t, health.ConsecutiveFailures)
	assert.False(t, health.Unhealthy)
	assert.True(t, clock.Now().Equal(health.LastPolledAt))

	_, err = store.RecordPoll(ctx, "missing", clock.Now(), nil, 2)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCountByStatus(t *testing.T) {
	store, _ := createTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := store.InsertNew(ctx, newItem("src", id, id))
		require.NoError(t, err)
	}

	counts, err := store.CountByStatus(ctx, "news_items")
	require.NoError(t, err)
	assert.Equal(t, 2, counts["new"])

	_, err = store.CountByStatus(ctx, "tasks")
	assert.Error(t, err)
}

// TestDialectPlaceholders verifies each dialect renders its own bind syntax.
func TestDialectPlaceholders(t *testing.T) {
	for dialect, want := range map[Dialect]string{Postgres: "id = $1", SQLite: "id = ?"} {
		query, args, err := New(nil, dialect).sb.Select("id").From("posts").Where(sq.Eq{"id": "post-1"}).ToSql()
		require.NoError(t, err)
		assert.Contains(t, query, want, dialect)
		assert.Equal(t, []any{"post-1"}, args)
	}
}
