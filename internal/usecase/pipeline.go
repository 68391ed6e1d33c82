package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"NewsPipeline/internal/domain"
	"NewsPipeline/internal/metrics"
	"NewsPipeline/internal/ports"
)

// Settings tunes stage behaviour.
type Settings struct {
	FetchTimeout        time.Duration
	GenerateTimeout     time.Duration
	PublishTimeout      time.Duration
	LeaseTTL            time.Duration
	DedupeWindow        time.Duration
	UnhealthyThreshold  int
	AutoPublish         bool
	PublishDelay        time.Duration
	Generate            RetryPolicy
	Publish             RetryPolicy
	DefaultPollInterval time.Duration
	NewItemGrace        time.Duration
	StaleAfter          time.Duration
	PublishBatch        int
	SweepLimit          int
	Filter              FilterPolicy
}

// DefaultSettings mirrors the shipped configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		FetchTimeout:        30 * time.Second,
		GenerateTimeout:     60 * time.Second,
		PublishTimeout:      30 * time.Second,
		LeaseTTL:            5 * time.Minute,
		DedupeWindow:        72 * time.Hour,
		UnhealthyThreshold:  3,
		AutoPublish:         true,
		PublishDelay:        time.Minute,
		Generate:            RetryPolicy{MaxAttempts: 3, Base: time.Minute, Multiplier: 2, Cap: 30 * time.Minute},
		Publish:             RetryPolicy{MaxAttempts: 3, Base: 2 * time.Minute, Multiplier: 2, Cap: 30 * time.Minute},
		DefaultPollInterval: 30 * time.Minute,
		NewItemGrace:        2 * time.Minute,
		StaleAfter:          10 * time.Minute,
		PublishBatch:        10,
		SweepLimit:          100,
	}
}

// PipelineDeps wires all driven adapters into the orchestration pipeline.
type PipelineDeps struct {
	Registry  ports.SourceRegistry
	Health    ports.SourceHealthRecorder
	Fetcher   ports.Fetcher
	Items     ports.NewsRepository
	Posts     ports.PostRepository
	Leases    ports.LeaseStore
	Queue     ports.TaskQueue
	Generator ports.Generator
	Publisher ports.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Settings  Settings
	// Owner identifies this process in source leases.
	Owner string
	Now   func() time.Time
	NewID func() string
}

// Outcome tells the worker what to do with a handled task: ack it, or
// reschedule it when RetryAt is set.
type Outcome struct {
	RetryAt time.Time
}

func retryAt(t time.Time) Outcome { return Outcome{RetryAt: t} }

// Pipeline implements the stage handlers of the content state machine.
type Pipeline struct {
	registry  ports.SourceRegistry
	health    ports.SourceHealthRecorder
	fetcher   ports.Fetcher
	items     ports.NewsRepository
	posts     ports.PostRepository
	leases    ports.LeaseStore
	queue     ports.TaskQueue
	generator ports.Generator
	publisher ports.Publisher
	dedupe    *Deduplicator
	metrics   *metrics.Metrics
	logger    *slog.Logger
	settings  Settings
	owner     string
	now       func() time.Time
	newID     func() string
}

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps) *Pipeline {
	p := &Pipeline{
		registry:  deps.Registry,
		health:    deps.Health,
		fetcher:   deps.Fetcher,
		items:     deps.Items,
		posts:     deps.Posts,
		leases:    deps.Leases,
		queue:     deps.Queue,
		generator: deps.Generator,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		settings:  deps.Settings,
		owner:     deps.Owner,
		now:       deps.Now,
		newID:     deps.NewID,
	}
	if p.now == nil {
		p.now = func() time.Time { return time.Now().UTC() }
	}
	if p.newID == nil {
		p.newID = uuid.NewString
	}
	if p.owner == "" {
		p.owner = uuid.NewString()
	}
	p.dedupe = NewDeduplicator(p.items, p.settings.DedupeWindow)
	return p
}

// Handle runs the stage named by task. Guard mismatches and vanished
// subjects are no-ops; any returned error leaves the task for redelivery.
func (p *Pipeline) Handle(ctx context.Context, task domain.Task) (Outcome, error) {
	var (
		out Outcome
		err error
	)
	switch task.Stage {
	case domain.StageFetch:
		out, err = p.fetch(ctx, task)
	case domain.StageScreen:
		out, err = p.screen(ctx, task)
	case domain.StageGenerate:
		out, err = p.generate(ctx, task)
	case domain.StagePublish:
		out, err = p.publish(ctx, task)
	default:
		p.warn("unknown stage dropped", "stage", task.Stage, "subject_id", task.SubjectID)
		return Outcome{}, nil
	}

	switch {
	case errors.Is(err, domain.ErrConflict):
		p.debug("status changed underneath task", "stage", task.Stage, "subject_id", task.SubjectID, "error", err)
		return Outcome{}, nil
	case errors.Is(err, domain.ErrNotFound):
		p.debug("task subject vanished", "stage", task.Stage, "subject_id", task.SubjectID)
		return Outcome{}, nil
	case err != nil:
		return Outcome{}, fmt.Errorf("%s %s: %w", task.Stage, task.SubjectID, err)
	}
	return out, nil
}

func (p *Pipeline) fetch(ctx context.Context, task domain.Task) (Outcome, error) {
	snap, err := p.registry.Snapshot(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("load registry: %w", err)
	}
	src, ok := snap.Source(task.SubjectID)
	if !ok {
		return Outcome{}, fmt.Errorf("source %s: %w", task.SubjectID, domain.ErrNotFound)
	}
	state := domain.ExpectEnabled
	if !src.Enabled {
		state = "disabled"
	}
	if err := expectStatus(task, domain.ExpectEnabled, state); err != nil {
		return Outcome{}, err
	}

	// one token per fetch so workers sharing an owner still exclude each other
	token := p.owner + "/" + uuid.NewString()
	acquired, err := p.leases.AcquireLease(ctx, src.ID, token, p.settings.LeaseTTL)
	if err != nil {
		return Outcome{}, fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		p.debug("fetch already running elsewhere", "source_id", src.ID)
		return Outcome{}, nil
	}
	defer func() {
		if err := p.leases.ReleaseLease(context.WithoutCancel(ctx), src.ID, token); err != nil {
			p.warn("release lease failed", "source_id", src.ID, "error", err)
		}
	}()

	fetchCtx, cancel := context.WithTimeout(ctx, p.settings.FetchTimeout)
	raw, fetchErr := p.fetcher.Fetch(fetchCtx, src)
	cancel()

	now := p.now()
	p.recordPoll(ctx, src, now, fetchErr)
	if fetchErr != nil {
		p.metrics.Inc(metrics.FetchFailures)
		p.metrics.RecordError(now, fetchErr)
		p.warn("fetch failed", "source_id", src.ID, "source", src.Name, "kind", domain.KindOf(fetchErr), "error", fetchErr)
		return Outcome{}, nil
	}

	p.metrics.Add(metrics.ItemsFetched, int64(len(raw)))
	inserted := 0
	for _, r := range raw {
		item := domain.NewsItem{
			ID:          p.newID(),
			SourceID:    src.ID,
			ExternalID:  r.ExternalID,
			URL:         r.URL,
			Title:       r.Title,
			Body:        r.Body,
			PublishedAt: r.PublishedAt,
			FetchedAt:   now,
			Fingerprint: domain.Fingerprint(r.Title, r.Body),
			Status:      domain.ItemNew,
		}
		created, err := p.items.InsertNew(ctx, item)
		if err != nil {
			p.warn("store item failed", "source_id", src.ID, "external_id", r.ExternalID, "error", err)
			continue
		}
		if !created {
			continue
		}
		inserted++
		if err := p.enqueue(ctx, domain.StageScreen, item.ID, string(domain.ItemNew), now); err != nil {
			p.warn("enqueue screen failed", "item_id", item.ID, "error", err)
		}
	}

	p.metrics.Add(metrics.ItemsInserted, int64(inserted))
	p.info("source fetched", "source_id", src.ID, "source", src.Name, "fetched", len(raw), "new", inserted)
	return Outcome{}, nil
}

func (p *Pipeline) recordPoll(ctx context.Context, src domain.Source, now time.Time, fetchErr error) {
	if p.health == nil {
		return
	}
	health, err := p.health.RecordPoll(ctx, src.ID, now, fetchErr, p.settings.UnhealthyThreshold)
	if err != nil {
		p.warn("record poll failed", "source_id", src.ID, "error", err)
		return
	}
	if health.Unhealthy && !src.Health.Unhealthy {
		p.metrics.Inc(metrics.SourcesUnhealthy)
		p.warn("source unhealthy", "source_id", src.ID, "source", src.Name,
			"consecutive_failures", health.ConsecutiveFailures, "last_error", health.LastError)
	}
}

func (p *Pipeline) screen(ctx context.Context, task domain.Task) (Outcome, error) {
	item, err := p.items.GetItem(ctx, task.SubjectID)
	if err != nil {
		return Outcome{}, err
	}
	if err := expectStatus(task, string(domain.ItemNew), string(item.Status)); err != nil {
		return Outcome{}, err
	}

	originalID, dup, err := p.dedupe.IsDuplicate(ctx, item)
	if err != nil {
		return Outcome{}, fmt.Errorf("dedupe: %w", err)
	}
	if dup {
		state := domain.RetryState{LastError: "duplicate of " + originalID}
		if err := p.items.TransitionItem(ctx, item.ID, domain.ItemNew, domain.ItemChange{Status: domain.ItemDuplicate, Retry: &state}); err != nil {
			return Outcome{}, err
		}
		p.metrics.Inc(metrics.ItemsDuplicate)
		p.info("duplicate item", "item_id", item.ID, "original_id", originalID)
		return Outcome{}, nil
	}

	snap, err := p.registry.Snapshot(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("load registry: %w", err)
	}

	decision := Screen(item, snap, p.settings.Filter)
	if !decision.Accept {
		state := domain.RetryState{LastErrorKind: domain.KindPermanent, LastError: decision.Reason}
		if err := p.items.TransitionItem(ctx, item.ID, domain.ItemNew, domain.ItemChange{Status: domain.ItemRejected, Retry: &state}); err != nil {
			return Outcome{}, err
		}
		p.metrics.Inc(metrics.ItemsRejected)
		p.debug("item rejected", "item_id", item.ID, "reason", decision.Reason)
		return Outcome{}, nil
	}

	if err := p.items.TransitionItem(ctx, item.ID, domain.ItemNew, domain.ItemChange{Status: domain.ItemAccepted}); err != nil {
		return Outcome{}, err
	}
	p.metrics.Inc(metrics.ItemsAccepted)
	if err := p.enqueue(ctx, domain.StageGenerate, item.ID, string(domain.ItemAccepted), p.now()); err != nil {
		return Outcome{}, err
	}
	return Outcome{}, nil
}

func (p *Pipeline) generate(ctx context.Context, task domain.Task) (Outcome, error) {
	item, err := p.items.GetItem(ctx, task.SubjectID)
	if err != nil {
		return Outcome{}, err
	}
	if err := expectStatus(task, string(domain.ItemAccepted), string(item.Status)); err != nil {
		return Outcome{}, err
	}

	now := p.now()
	if !item.Retry.Eligible(now) {
		return retryAt(item.Retry.NextAttemptAt), nil
	}

	existing, err := p.posts.PostForItem(ctx, item.ID)
	switch {
	case err == nil:
		state := domain.RetryState{Attempts: item.Retry.Attempts}
		if err := p.items.TransitionItem(ctx, item.ID, domain.ItemAccepted, domain.ItemChange{Status: domain.ItemGenerated, Retry: &state}); err != nil {
			return Outcome{}, err
		}
		p.debug("post already exists", "item_id", item.ID, "post_id", existing.ID)
		return Outcome{}, p.schedulePublish(ctx, existing)
	case !errors.Is(err, domain.ErrNotFound):
		return Outcome{}, fmt.Errorf("load post: %w", err)
	}

	attempts := item.Retry.Attempts + 1
	running := item.Retry
	running.Attempts, running.NextAttemptAt = attempts, time.Time{}
	if err := p.items.TransitionItem(ctx, item.ID, domain.ItemAccepted, domain.ItemChange{Status: domain.ItemGenerating, Retry: &running}); err != nil {
		return Outcome{}, err
	}

	genCtx, cancel := context.WithTimeout(ctx, p.settings.GenerateTimeout)
	out, genErr := p.generator.Generate(genCtx, domain.GenerationInput{Title: item.Title, Body: item.Body, URL: item.URL})
	cancel()
	if genErr != nil {
		return p.generationFailed(ctx, item, attempts, genErr)
	}

	title := out.Title
	if title == "" {
		title = item.Title
	}
	post, created, err := p.posts.CreatePost(ctx, domain.Post{
		ID:         p.newID(),
		NewsItemID: item.ID,
		Title:      title,
		Body:       out.Body,
		Status:     domain.PostDraft,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("store post: %w", err)
	}

	done := domain.RetryState{Attempts: attempts}
	if err := p.items.TransitionItem(ctx, item.ID, domain.ItemGenerating, domain.ItemChange{Status: domain.ItemGenerated, Retry: &done}); err != nil {
		return Outcome{}, err
	}
	if created {
		p.metrics.Inc(metrics.PostsGenerated)
	}
	p.info("post generated", "item_id", item.ID, "post_id", post.ID, "attempt", attempts)
	return Outcome{}, p.schedulePublish(ctx, post)
}

func (p *Pipeline) generationFailed(ctx context.Context, item domain.NewsItem, attempts int, genErr error) (Outcome, error) {
	kind := domain.KindOf(genErr)
	state := failureState(attempts, kind, genErr)
	attrs := []any{"item_id", item.ID, "attempt", attempts, "kind", kind, "error", genErr}

	switch {
	case kind == domain.KindPermanent:
		if err := p.items.TransitionItem(ctx, item.ID, domain.ItemGenerating, domain.ItemChange{Status: domain.ItemRejected, Retry: &state}); err != nil {
			return Outcome{}, err
		}
		p.metrics.Inc(metrics.ItemsRejected)
		p.warn("generation rejected content", attrs...)
		return Outcome{}, nil

	case kind == domain.KindConfiguration || p.settings.Generate.Exhausted(attempts):
		if err := p.items.TransitionItem(ctx, item.ID, domain.ItemGenerating, domain.ItemChange{Status: domain.ItemFailed, Retry: &state}); err != nil {
			return Outcome{}, err
		}
		p.metrics.Inc(metrics.StageFailures)
		p.metrics.RecordError(p.now(), genErr)
		p.logErr("generation failed", attrs...)
		return Outcome{}, nil
	}

	state.NextAttemptAt = p.settings.Generate.NextAttempt(p.now(), attempts, genErr)
	if err := p.items.TransitionItem(ctx, item.ID, domain.ItemGenerating, domain.ItemChange{Status: domain.ItemAccepted, Retry: &state}); err != nil {
		return Outcome{}, err
	}
	p.metrics.Inc(metrics.StageRetries)
	p.warn("generation will be retried", append(attrs, "next_attempt_at", state.NextAttemptAt)...)
	return retryAt(state.NextAttemptAt), nil
}

func (p *Pipeline) schedulePublish(ctx context.Context, post domain.Post) error {
	if !p.settings.AutoPublish || post.Status != domain.PostDraft {
		return nil
	}
	return p.enqueue(ctx, domain.StagePublish, post.ID, string(domain.PostDraft), p.now().Add(p.settings.PublishDelay))
}

func (p *Pipeline) publish(ctx context.Context, task domain.Task) (Outcome, error) {
	post, err := p.posts.GetPost(ctx, task.SubjectID)
	if err != nil {
		return Outcome{}, err
	}
	if post.Status == domain.PostPublished {
		p.debug("post already published", "post_id", post.ID, "ref", post.PublishedRef)
		return Outcome{}, nil
	}
	if err := expectStatus(task, string(domain.PostDraft), string(post.Status)); err != nil {
		return Outcome{}, err
	}

	now := p.now()
	if !post.Retry.Eligible(now) {
		return retryAt(post.Retry.NextAttemptAt), nil
	}

	if post.PublishedRef != "" {
		p.info("post reference already stored", "post_id", post.ID, "ref", post.PublishedRef)
		return Outcome{}, p.markPublished(ctx, post, domain.PostDraft, post.PublishedRef, post.Retry.Attempts)
	}

	if post.Retry.LastErrorKind == domain.KindUncertain {
		out, resolved, err := p.reconcileUncertain(ctx, post)
		if err != nil || resolved {
			return out, err
		}
	}

	attempts := post.Retry.Attempts + 1
	running := post.Retry
	running.Attempts, running.NextAttemptAt = attempts, time.Time{}
	if err := p.posts.TransitionPost(ctx, post.ID, domain.PostDraft, domain.PostChange{Status: domain.PostPublishing, Retry: &running}); err != nil {
		return Outcome{}, err
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.settings.PublishTimeout)
	ref, pubErr := p.publisher.Publish(pubCtx, post)
	cancel()
	if pubErr != nil {
		return p.publishFailed(ctx, post, attempts, pubErr)
	}

	return Outcome{}, p.markPublished(ctx, post, domain.PostPublishing, ref, attempts)
}

// reconcileUncertain checks the destination before a retry that could duplicate a message.
func (p *Pipeline) reconcileUncertain(ctx context.Context, post domain.Post) (Outcome, bool, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, p.settings.PublishTimeout)
	ref, found, err := p.publisher.Lookup(lookupCtx, post)
	cancel()

	switch {
	case errors.Is(err, domain.ErrLookupUnsupported):
		state := domain.RetryState{
			Attempts:      post.Retry.Attempts,
			LastErrorKind: domain.KindUncertain,
			LastError:     "delivery outcome unknown and destination cannot be checked; review manually",
		}
		if err := p.posts.TransitionPost(ctx, post.ID, domain.PostDraft, domain.PostChange{Status: domain.PostFailed, Retry: &state}); err != nil {
			return Outcome{}, true, err
		}
		p.metrics.Inc(metrics.StageFailures)
		p.logErr("publish outcome unknown, post needs review", "post_id", post.ID)
		return Outcome{}, true, nil

	case err != nil:
		// a failed lookup spends a publish attempt; the post stays uncertain
		attempts := post.Retry.Attempts + 1
		state := failureState(attempts, domain.KindUncertain, err)
		attrs := []any{"post_id", post.ID, "attempt", attempts, "error", err}
		if p.settings.Publish.Exhausted(attempts) {
			if err := p.posts.TransitionPost(ctx, post.ID, domain.PostDraft, domain.PostChange{Status: domain.PostFailed, Retry: &state}); err != nil {
				return Outcome{}, true, err
			}
			p.metrics.Inc(metrics.StageFailures)
			p.metrics.RecordError(p.now(), err)
			p.logErr("destination lookup failed, post needs review", attrs...)
			return Outcome{}, true, nil
		}

		state.NextAttemptAt = p.settings.Publish.NextAttempt(p.now(), attempts, err)
		if err := p.posts.TransitionPost(ctx, post.ID, domain.PostDraft, domain.PostChange{Status: domain.PostDraft, Retry: &state}); err != nil {
			return Outcome{}, true, err
		}
		p.metrics.Inc(metrics.StageRetries)
		p.warn("destination lookup failed", append(attrs, "next_attempt_at", state.NextAttemptAt)...)
		return retryAt(state.NextAttemptAt), true, nil

	case found:
		p.info("post found at destination", "post_id", post.ID, "ref", ref)
		return Outcome{}, true, p.markPublished(ctx, post, domain.PostDraft, ref, post.Retry.Attempts)
	}

	p.debug("post not found at destination, publishing", "post_id", post.ID)
	return Outcome{}, false, nil
}

func (p *Pipeline) markPublished(ctx context.Context, post domain.Post, from domain.PostStatus, ref string, attempts int) error {
	publishedAt := post.PublishedAt
	if publishedAt.IsZero() {
		publishedAt = p.now()
	}
	state := domain.RetryState{Attempts: attempts}
	if err := p.posts.TransitionPost(ctx, post.ID, from, domain.PostChange{
		Status:       domain.PostPublished,
		PublishedRef: ref,
		PublishedAt:  publishedAt,
		Retry:        &state,
	}); err != nil {
		return err
	}
	p.metrics.Inc(metrics.PostsPublished)
	p.info("post published", "post_id", post.ID, "ref", ref, "attempt", attempts)
	return nil
}

func (p *Pipeline) publishFailed(ctx context.Context, post domain.Post, attempts int, pubErr error) (Outcome, error) {
	kind := domain.KindOf(pubErr)
	uncertain := domain.IsUncertain(pubErr)
	state := failureState(attempts, kind, pubErr)
	if uncertain {
		state.LastErrorKind = domain.KindUncertain
	}
	attrs := []any{"post_id", post.ID, "attempt", attempts, "kind", state.LastErrorKind, "error", pubErr}

	definite := !uncertain && (kind == domain.KindPermanent || kind == domain.KindConfiguration)
	if definite || p.settings.Publish.Exhausted(attempts) {
		if err := p.posts.TransitionPost(ctx, post.ID, domain.PostPublishing, domain.PostChange{Status: domain.PostFailed, Retry: &state}); err != nil {
			return Outcome{}, err
		}
		p.metrics.Inc(metrics.StageFailures)
		p.metrics.RecordError(p.now(), pubErr)
		p.logErr("publish failed", attrs...)
		return Outcome{}, nil
	}

	state.NextAttemptAt = p.settings.Publish.NextAttempt(p.now(), attempts, pubErr)
	if err := p.posts.TransitionPost(ctx, post.ID, domain.PostPublishing, domain.PostChange{Status: domain.PostDraft, Retry: &state}); err != nil {
		return Outcome{}, err
	}
	p.metrics.Inc(metrics.StageRetries)
	p.warn("publish will be retried", append(attrs, "next_attempt_at", state.NextAttemptAt)...)
	return retryAt(state.NextAttemptAt), nil
}

// expectStatus compares the subject's status with the one the task was
// enqueued for. Tasks without an expectation fall back to the stage's entry status.
func expectStatus(task domain.Task, entry, actual string) error {
	expected := task.ExpectedStatus
	if expected == "" {
		expected = entry
	}
	if expected != entry || actual != expected {
		return fmt.Errorf("%s %s is %s, task expects %s: %w", task.Stage, task.SubjectID, actual, expected, domain.ErrConflict)
	}
	return nil
}

func (p *Pipeline) enqueue(ctx context.Context, stage domain.Stage, subjectID, expected string, at time.Time) error {
	return p.queue.Enqueue(ctx, domain.Task{Stage: stage, SubjectID: subjectID, ExpectedStatus: expected, AvailableAt: at})
}

func (p *Pipeline) debug(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Debug(msg, args...)
	}
}

func (p *Pipeline) info(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Info(msg, args...)
	}
}

func (p *Pipeline) warn(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Warn(msg, args...)
	}
}

func (p *Pipeline) logErr(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Error(msg, args...)
	}
}
