package usecase

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"NewsPipeline/internal/domain"
	"NewsPipeline/internal/infrastructure/storage"
	"NewsPipeline/internal/metrics"
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

type fakeFetcher struct {
	mu    sync.Mutex
	items map[string][]domain.RawItem
	err   error
	calls int
}

func (f *fakeFetcher) set(sourceID string, items ...domain.RawItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.items == nil {
		f.items = map[string][]domain.RawItem{}
	}
	f.items[sourceID] = items
}

func (f *fakeFetcher) Fetch(_ context.Context, src domain.Source) ([]domain.RawItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]domain.RawItem(nil), f.items[src.ID]...), nil
}

// fakeGenerator returns queued errors first, then a post derived from the input.
type fakeGenerator struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	inputs []domain.GenerationInput
}

func (g *fakeGenerator) Generate(_ context.Context, in domain.GenerationInput) (domain.GeneratedPost, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.inputs = append(g.inputs, in)
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		return domain.GeneratedPost{}, err
	}
	return domain.GeneratedPost{Title: "Digest: " + in.Title, Body: "Summary of " + in.Body}, nil
}

func (g *fakeGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// fakePublisher is an in-memory destination. A queued error can be marked
// delivered to simulate a message that arrived although the call failed.
type fakePublisher struct {
	mu        sync.Mutex
	errs      []publishResult
	sent      map[string]string
	order     []string
	lookupErr error
	lookups   int
	next      int
}

type publishResult struct {
	err       error
	delivered bool
}

func (p *fakePublisher) Publish(_ context.Context, post domain.Post) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sent == nil {
		p.sent = map[string]string{}
	}
	var res publishResult
	if len(p.errs) > 0 {
		res = p.errs[0]
		p.errs = p.errs[1:]
	}
	if res.err == nil || res.delivered {
		p.next++
		ref := fmt.Sprintf("msg-%d", p.next)
		p.sent[post.ID] = ref
		p.order = append(p.order, post.ID)
	}
	if res.err != nil {
		return "", res.err
	}
	return p.sent[post.ID], nil
}

func (p *fakePublisher) Lookup(_ context.Context, post domain.Post) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookups++
	if p.lookupErr != nil {
		return "", false, p.lookupErr
	}
	ref, ok := p.sent[post.ID]
	return ref, ok, nil
}

func (p *fakePublisher) Deliveries(postID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, id := range p.order {
		if id == postID {
			n++
		}
	}
	return n
}

type harness struct {
	store     *storage.Store
	queue     *storage.TaskQueue
	clock     *testClock
	fetcher   *fakeFetcher
	generator *fakeGenerator
	publisher *fakePublisher
	metrics   *metrics.Metrics
	settings  Settings
	pipeline  *Pipeline
	pool      *WorkerPool
}

func testSettings() Settings {
	s := DefaultSettings()
	s.PublishDelay = 0
	s.Generate = RetryPolicy{MaxAttempts: 3, Base: time.Minute, Multiplier: 2, Cap: 10 * time.Minute}
	s.Publish = RetryPolicy{MaxAttempts: 3, Base: time.Minute, Multiplier: 2, Cap: 10 * time.Minute}
	return s
}

// newHarness wires the pipeline over a temporary SQLite store with fake adapters.
func newHarness(t *testing.T, tweak ...func(*Settings)) *harness {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store, err := storage.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "pipeline.db"), storage.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	settings := testSettings()
	for _, fn := range tweak {
		fn(&settings)
	}

	h := &harness{
		store:     store,
		queue:     storage.NewTaskQueue(store, storage.QueueConfig{VisibilityTimeout: 5 * time.Minute, MaxDeliveries: 5}, nil),
		clock:     clock,
		fetcher:   &fakeFetcher{},
		generator: &fakeGenerator{},
		publisher: &fakePublisher{},
		metrics:   metrics.New(),
		settings:  settings,
	}
	h.pipeline = h.newPipeline("worker-a")
	h.pool = NewWorkerPool(h.queue, h.pipeline, 1, time.Millisecond, "test", h.metrics, nil)
	return h
}

func (h *harness) newPipeline(owner string) *Pipeline {
	return NewPipeline(PipelineDeps{
		Registry:  h.store,
		Health:    h.store,
		Fetcher:   h.fetcher,
		Items:     h.store,
		Posts:     h.store,
		Leases:    h.store,
		Queue:     h.queue,
		Generator: h.generator,
		Publisher: h.publisher,
		Metrics:   h.metrics,
		Settings:  h.settings,
		Owner:     owner,
		Now:       h.clock.Now,
	})
}

func (h *harness) addSource(t *testing.T, name string) domain.Source {
	t.Helper()
	src, err := h.store.UpsertSource(context.Background(), domain.Source{
		Name:    name,
		Type:    domain.SourceFeed,
		Address: "https://" + name + ".example.com/feed",
		Enabled: true,
	})
	require.NoError(t, err)
	return src
}

func (h *harness) setKeywords(t *testing.T, terms ...string) {
	t.Helper()
	require.NoError(t, h.store.SetKeywords(context.Background(), terms))
}

func (h *harness) enqueueFetch(t *testing.T, src domain.Source) {
	t.Helper()
	require.NoError(t, h.queue.Enqueue(context.Background(), domain.Task{
		Stage:          domain.StageFetch,
		SubjectID:      src.ID,
		ExpectedStatus: domain.ExpectEnabled,
	}))
}

func (h *harness) drain(t *testing.T) int {
	t.Helper()
	n, err := h.pool.Drain(context.Background())
	require.NoError(t, err)
	return n
}

func (h *harness) items(t *testing.T) []domain.NewsItem {
	t.Helper()
	items, err := h.store.ListItems(context.Background(), ports.ItemFilter{})
	require.NoError(t, err)
	return items
}

func (h *harness) postFor(t *testing.T, itemID string) domain.Post {
	t.Helper()
	post, err := h.store.PostForItem(context.Background(), itemID)
	require.NoError(t, err)
	return post
}

func rawItem(externalID, title, body string) domain.RawItem {
	return domain.RawItem{
		ExternalID: externalID,
		URL:        "https://example.com/" + externalID,
		Title:      title,
		Body:       body,
	}
}
