package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"

	"NewsPipeline/internal/domain"
	"NewsPipeline/internal/ports"
)

// QueueConfig tunes redelivery.
type QueueConfig struct {
	VisibilityTimeout time.Duration
	MaxDeliveries     int
	ClaimBatch        int
}

// TaskQueue is a table-backed at-least-once queue.
type TaskQueue struct {
	store  *Store
	cfg    QueueConfig
	logger *slog.Logger
}

var (
	_ ports.TaskQueue      = (*TaskQueue)(nil)
	_ ports.QueueInspector = (*TaskQueue)(nil)
)

var taskColumns = []string{"id", "stage", "subject_id", "expected_status", "available_at", "deliveries", "lease_owner"}

// NewTaskQueue wires the queue onto the store's tables.
func NewTaskQueue(store *Store, cfg QueueConfig, log *slog.Logger) *TaskQueue {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 8
	}
	return &TaskQueue{store: store, cfg: cfg, logger: log}
}

// Enqueue adds a task. An identical pending task is kept; an earlier
// availability time replaces a later one while the task is not leased.
func (q *TaskQueue) Enqueue(ctx context.Context, task domain.Task) error {
	now := q.store.now()
	if task.AvailableAt.IsZero() {
		task.AvailableAt = now
	}

	insert := q.store.sb.Insert("tasks").
		Columns("stage", "subject_id", "expected_status", "available_at", "deliveries", "lease_owner", "lease_expires_at", "created_at").
		Values(string(task.Stage), task.SubjectID, task.ExpectedStatus, toMillis(task.AvailableAt), 0, "", 0, toMillis(now)).
		Suffix(`ON CONFLICT (stage, subject_id, expected_status) DO UPDATE SET
			available_at = excluded.available_at
			WHERE tasks.available_at > excluded.available_at AND tasks.lease_expires_at <= ?`, toMillis(now))

	if _, err := q.store.exec(ctx, insert); err != nil {
		return fmt.Errorf("enqueue %s task: %w", task.Stage, err)
	}
	return nil
}

// Claim leases the oldest available task to owner for the visibility timeout.
// Tasks that already used up their deliveries are dead-lettered.
func (q *TaskQueue) Claim(ctx context.Context, owner string) (domain.Task, bool, error) {
	now := q.store.now()
	candidates, err := q.candidates(ctx, now)
	if err != nil {
		return domain.Task{}, false, err
	}

	for _, task := range candidates {
		if task.Deliveries >= q.cfg.MaxDeliveries {
			q.deadLetter(ctx, task, now)
			continue
		}

		claim := q.store.sb.Update("tasks").
			Set("lease_owner", owner).
			Set("lease_expires_at", toMillis(now.Add(q.cfg.VisibilityTimeout))).
			Set("deliveries", sq.Expr("deliveries + 1")).
			Where(sq.Eq{"id": task.ID}).
			Where(sq.LtOrEq{"lease_expires_at": toMillis(now)}).
			Where(sq.LtOrEq{"available_at": toMillis(now)})

		n, err := q.store.exec(ctx, claim)
		if err != nil {
			return domain.Task{}, false, fmt.Errorf("claim task: %w", err)
		}
		if n == 1 {
			task.Deliveries++
			task.LeaseOwner = owner
			return task, true, nil
		}
	}

	return domain.Task{}, false, nil
}

func (q *TaskQueue) candidates(ctx context.Context, now time.Time) ([]domain.Task, error) {
	selectQ := q.store.sb.Select(taskColumns...).From("tasks").
		Where(sq.LtOrEq{"available_at": toMillis(now)}).
		Where(sq.LtOrEq{"lease_expires_at": toMillis(now)}).
		OrderBy("available_at", "id").
		Limit(uint64(q.cfg.ClaimBatch))

	rows, err := q.store.query(ctx, selectQ)
	if err != nil {
		return nil, fmt.Errorf("select tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		var (
			task      domain.Task
			stage     string
			available int64
		)
		if err := rows.Scan(&task.ID, &stage, &task.SubjectID, &task.ExpectedStatus, &available, &task.Deliveries, &task.LeaseOwner); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		task.Stage = domain.Stage(stage)
		task.AvailableAt = fromMillis(available)
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return tasks, nil
}

func (q *TaskQueue) deadLetter(ctx context.Context, task domain.Task, now time.Time) {
	n, err := q.store.exec(ctx, q.store.sb.Delete("tasks").
		Where(sq.Eq{"id": task.ID}).
		Where(sq.LtOrEq{"lease_expires_at": toMillis(now)}))
	if err != nil {
		q.warn("dead-letter task failed", "task_id", task.ID, "error", err)
		return
	}
	if n == 1 {
		q.warn("task dead-lettered", "task_id", task.ID, "stage", task.Stage,
			"subject_id", task.SubjectID, "deliveries", task.Deliveries)
	}
}

// Ack removes a task the owner finished.
func (q *TaskQueue) Ack(ctx context.Context, task domain.Task) error {
	n, err := q.store.exec(ctx, q.store.sb.Delete("tasks").Where(sq.Eq{"id": task.ID, "lease_owner": task.LeaseOwner}))
	if err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("ack task %d: lease lost: %w", task.ID, domain.ErrConflict)
	}
	return nil
}

// Defer releases the lease and makes the task available again at until.
// An explicit reschedule does not count against max deliveries.
func (q *TaskQueue) Defer(ctx context.Context, task domain.Task, until time.Time) error {
	update := q.store.sb.Update("tasks").
		Set("available_at", toMillis(until)).
		Set("lease_owner", "").
		Set("lease_expires_at", 0).
		Set("deliveries", 0).
		Where(sq.Eq{"id": task.ID, "lease_owner": task.LeaseOwner})

	n, err := q.store.exec(ctx, update)
	if err != nil {
		return fmt.Errorf("defer task: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("defer task %d: lease lost: %w", task.ID, domain.ErrConflict)
	}
	return nil
}

// Pending counts tasks per stage, leased or not.
func (q *TaskQueue) Pending(ctx context.Context) (map[domain.Stage]int, error) {
	rows, err := q.store.query(ctx, q.store.sb.Select("stage", "COUNT(*)").From("tasks").GroupBy("stage"))
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := map[domain.Stage]int{}
	for rows.Next() {
		var (
			stage string
			n     int
		)
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[domain.Stage(stage)] = n
	}
	return counts, rows.Err()
}

func (q *TaskQueue) warn(msg string, args ...any) {
	if q.logger != nil {
		q.logger.Warn(msg, args...)
	}
}
