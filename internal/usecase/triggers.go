package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"NewsPipeline/internal/domain"
	"NewsPipeline/internal/ports"
)

// ErrAlreadyProcessed is returned by triggers whose subject already reached the target state.
var ErrAlreadyProcessed = errors.New("already processed")

const attentionLimit = 20

// TriggerDeps wires the manual operations.
type TriggerDeps struct {
	Items   ports.NewsRepository
	Posts   ports.PostRepository
	Queue   ports.TaskQueue
	Counter ports.StatusCounter
	Pending ports.QueueInspector
	Logger  *slog.Logger
	Now     func() time.Time
	NewID   func() string
}

// Triggers feeds operator requests into the same state machine the workers drive.
type Triggers struct {
	items   ports.NewsRepository
	posts   ports.PostRepository
	queue   ports.TaskQueue
	counter ports.StatusCounter
	pending ports.QueueInspector
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// NewTriggers constructs the manual trigger use case.
func NewTriggers(deps TriggerDeps) *Triggers {
	t := &Triggers{
		items:   deps.Items,
		posts:   deps.Posts,
		queue:   deps.Queue,
		counter: deps.Counter,
		pending: deps.Pending,
		logger:  deps.Logger,
		now:     deps.Now,
		newID:   deps.NewID,
	}
	if t.now == nil {
		t.now = func() time.Time { return time.Now().UTC() }
	}
	if t.newID == nil {
		t.newID = uuid.NewString
	}
	return t
}

// GenerateNow resets an item's attempt budget and queues generation.
func (t *Triggers) GenerateNow(ctx context.Context, itemID string) error {
	item, err := t.items.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	switch item.Status {
	case domain.ItemGenerated:
		return fmt.Errorf("item %s: %w", itemID, ErrAlreadyProcessed)
	case domain.ItemGenerating:
		return fmt.Errorf("item %s is generating: %w", itemID, domain.ErrConflict)
	}

	if item.Status != domain.ItemAccepted || item.Retry.Attempts > 0 || !item.Retry.NextAttemptAt.IsZero() {
		reset := domain.RetryState{}
		if err := t.items.TransitionItem(ctx, itemID, item.Status, domain.ItemChange{Status: domain.ItemAccepted, Retry: &reset}); err != nil {
			return err
		}
	}

	if err := t.enqueue(ctx, domain.StageGenerate, itemID, string(domain.ItemAccepted)); err != nil {
		return err
	}
	t.info("manual generation queued", "item_id", itemID, "previous_status", item.Status)
	return nil
}

// PublishNow resets a draft or failed post and queues publication. An
// uncertain last outcome is kept so the destination is checked first.
func (t *Triggers) PublishNow(ctx context.Context, postID string) error {
	post, err := t.posts.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	switch post.Status {
	case domain.PostPublished:
		return fmt.Errorf("post %s: %w", postID, ErrAlreadyProcessed)
	case domain.PostPublishing:
		return fmt.Errorf("post %s is publishing: %w", postID, domain.ErrConflict)
	}

	reset := domain.RetryState{}
	if post.Retry.LastErrorKind == domain.KindUncertain {
		reset.LastErrorKind = domain.KindUncertain
		reset.LastError = post.Retry.LastError
	}
	if err := t.posts.TransitionPost(ctx, postID, post.Status, domain.PostChange{Status: domain.PostDraft, Retry: &reset}); err != nil {
		return err
	}

	if err := t.enqueue(ctx, domain.StagePublish, postID, string(domain.PostDraft)); err != nil {
		return err
	}
	t.info("manual publish queued", "post_id", postID, "previous_status", post.Status)
	return nil
}

// PublishText creates a draft without a news item and queues the normal publish stage.
func (t *Triggers) PublishText(ctx context.Context, title, body string) (domain.Post, error) {
	title, body = strings.TrimSpace(title), strings.TrimSpace(body)
	if body == "" {
		return domain.Post{}, domain.Permanent("publish text", errors.New("body is empty"))
	}

	post, _, err := t.posts.CreatePost(ctx, domain.Post{
		ID:     t.newID(),
		Title:  title,
		Body:   body,
		Status: domain.PostDraft,
	})
	if err != nil {
		return domain.Post{}, err
	}
	if err := t.enqueue(ctx, domain.StagePublish, post.ID, string(domain.PostDraft)); err != nil {
		return post, err
	}
	t.info("text post queued", "post_id", post.ID)
	return post, nil
}

// StatusReport summarises pipeline state for operators.
type StatusReport struct {
	Items         map[string]int
	Posts         map[string]int
	Pending       map[domain.Stage]int
	FailedItems   []domain.NewsItem
	RejectedItems []domain.NewsItem
	FailedPosts   []domain.Post
}

// Status collects counts per status plus the records that need attention.
func (t *Triggers) Status(ctx context.Context) (StatusReport, error) {
	var (
		report StatusReport
		err    error
	)
	if report.Items, err = t.counter.CountByStatus(ctx, "news_items"); err != nil {
		return report, err
	}
	if report.Posts, err = t.counter.CountByStatus(ctx, "posts"); err != nil {
		return report, err
	}
	if t.pending != nil {
		if report.Pending, err = t.pending.Pending(ctx); err != nil {
			return report, err
		}
	}
	if report.FailedItems, err = t.items.ListItems(ctx, ports.ItemFilter{Status: domain.ItemFailed, Limit: attentionLimit}); err != nil {
		return report, err
	}
	if report.RejectedItems, err = t.items.ListItems(ctx, ports.ItemFilter{Status: domain.ItemRejected, Limit: attentionLimit}); err != nil {
		return report, err
	}
	if report.FailedPosts, err = t.posts.ListPosts(ctx, ports.PostFilter{Status: domain.PostFailed, Limit: attentionLimit}); err != nil {
		return report, err
	}
	return report, nil
}

func (t *Triggers) enqueue(ctx context.Context, stage domain.Stage, subjectID, expected string) error {
	if err := t.queue.Enqueue(ctx, domain.Task{Stage: stage, SubjectID: subjectID, ExpectedStatus: expected, AvailableAt: t.now()}); err != nil {
		return fmt.Errorf("enqueue %s: %w", stage, err)
	}
	return nil
}

func (t *Triggers) info(msg string, args ...any) {
	if t.logger != nil {
		t.logger.Info(msg, args...)
	}
}
