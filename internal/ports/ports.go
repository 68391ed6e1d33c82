package ports

import (
	"context"
	"time"

	"NewsPipeline/internal/domain"
)

// SourceRegistry exposes sources and keywords as a read-only snapshot.
type SourceRegistry interface {
	Snapshot(ctx context.Context) (domain.Snapshot, error)
}

// SourceHealthRecorder stores the outcome of a poll.
type SourceHealthRecorder interface {
	RecordPoll(ctx context.Context, sourceID string, at time.Time, pollErr error, threshold int) (domain.SourceHealth, error)
}

// Fetcher pulls one bounded batch of raw items from a source.
type Fetcher interface {
	Fetch(ctx context.Context, source domain.Source) ([]domain.RawItem, error)
}

// NewsRepository persists news items with guarded status transitions.
type NewsRepository interface {
	// InsertNew stores the item unless (source, external id) already exists.
	InsertNew(ctx context.Context, item domain.NewsItem) (bool, error)
	GetItem(ctx context.Context, id string) (domain.NewsItem, error)
	// TransitionItem applies change only while the stored status equals expected.
	TransitionItem(ctx context.Context, id string, expected domain.ItemStatus, change domain.ItemChange) error
	// EarlierWithFingerprint returns the id of an item with the same fingerprint
	// fetched after since and ordered before item.
	EarlierWithFingerprint(ctx context.Context, item domain.NewsItem, since time.Time) (string, bool, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]domain.NewsItem, error)
}

// ItemFilter narrows item listings.
type ItemFilter struct {
	Status        domain.ItemStatus
	UpdatedBefore time.Time
	EligibleAt    time.Time
	Limit         int
}

// PostRepository persists posts with guarded status transitions.
type PostRepository interface {
	// CreatePost stores a post; a post already bound to the same news item is returned instead.
	CreatePost(ctx context.Context, post domain.Post) (domain.Post, bool, error)
	GetPost(ctx context.Context, id string) (domain.Post, error)
	PostForItem(ctx context.Context, newsItemID string) (domain.Post, error)
	TransitionPost(ctx context.Context, id string, expected domain.PostStatus, change domain.PostChange) error
	ListPosts(ctx context.Context, filter PostFilter) ([]domain.Post, error)
}

// PostFilter narrows post listings.
type PostFilter struct {
	Status        domain.PostStatus
	UpdatedBefore time.Time
	EligibleAt    time.Time
	Limit         int
}

// LeaseStore provides per-source single-flight leases.
type LeaseStore interface {
	AcquireLease(ctx context.Context, sourceID, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, sourceID, owner string) error
}

// TaskQueue is the durable at-least-once broker between stages.
type TaskQueue interface {
	Enqueue(ctx context.Context, task domain.Task) error
	Claim(ctx context.Context, owner string) (domain.Task, bool, error)
	Ack(ctx context.Context, task domain.Task) error
	Defer(ctx context.Context, task domain.Task, until time.Time) error
}

// Generator turns item text into post content.
type Generator interface {
	Generate(ctx context.Context, input domain.GenerationInput) (domain.GeneratedPost, error)
}

// Publisher delivers posts to the destination channel.
type Publisher interface {
	Publish(ctx context.Context, post domain.Post) (string, error)
	// Lookup checks whether the post already exists at the destination.
	Lookup(ctx context.Context, post domain.Post) (string, bool, error)
}

// Scheduler controls when recurring jobs execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}

// SourceAdmin mutates the registry.
type SourceAdmin interface {
	UpsertSource(ctx context.Context, src domain.Source) (domain.Source, error)
	SetKeywords(ctx context.Context, terms []string) error
}

// StatusCounter counts records per status for "news_items" or "posts".
type StatusCounter interface {
	CountByStatus(ctx context.Context, table string) (map[string]int, error)
}

// QueueInspector reports queued work per stage.
type QueueInspector interface {
	Pending(ctx context.Context) (map[domain.Stage]int, error)
}
