package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"NewsPipeline/internal/domain"
	"NewsPipeline/internal/ports"
)

var _ ports.NewsRepository = (*Store)(nil)

var newsColumns = []string{
	"id", "source_id", "external_id", "url", "title", "body", "published_at", "fetched_at",
	"fingerprint", "status", "attempts", "next_attempt_at", "last_error_kind", "last_error", "updated_at",
}

// InsertNew stores the item unless (source_id, external_id) already exists.
// A concurrent writer losing the race observes false, not an error.
func (s *Store) InsertNew(ctx context.Context, item domain.NewsItem) (bool, error) {
	now := s.now()
	if item.FetchedAt.IsZero() {
		item.FetchedAt = now
	}
	if item.Status == "" {
		item.Status = domain.ItemNew
	}

	insert := s.sb.Insert("news_items").
		Columns(newsColumns...).
		Values(
			item.ID, item.SourceID, item.ExternalID, item.URL, item.Title, item.Body,
			toMillis(item.PublishedAt), toMillis(item.FetchedAt), item.Fingerprint, string(item.Status),
			item.Retry.Attempts, toMillis(item.Retry.NextAttemptAt), string(item.Retry.LastErrorKind),
			item.Retry.LastError, toMillis(now),
		).
		Suffix("ON CONFLICT (source_id, external_id) DO NOTHING")

	n, err := s.exec(ctx, insert)
	if err != nil {
		return false, fmt.Errorf("insert news item: %w", err)
	}
	return n == 1, nil
}

// GetItem loads a news item by id.
func (s *Store) GetItem(ctx context.Context, id string) (domain.NewsItem, error) {
	row, err := s.queryRow(ctx, s.sb.Select(newsColumns...).From("news_items").Where(sq.Eq{"id": id}))
	if err != nil {
		return domain.NewsItem{}, err
	}
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewsItem{}, fmt.Errorf("news item %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.NewsItem{}, fmt.Errorf("load news item: %w", err)
	}
	return item, nil
}

// TransitionItem applies change only while the stored status equals expected.
func (s *Store) TransitionItem(ctx context.Context, id string, expected domain.ItemStatus, change domain.ItemChange) error {
	update := s.sb.Update("news_items").
		Set("status", string(change.Status)).
		Set("updated_at", toMillis(s.now())).
		Where(sq.Eq{"id": id, "status": string(expected)})

	if r := change.Retry; r != nil {
		update = update.
			Set("attempts", r.Attempts).
			Set("next_attempt_at", toMillis(r.NextAttemptAt)).
			Set("last_error_kind", string(r.LastErrorKind)).
			Set("last_error", r.LastError)
	}

	n, err := s.exec(ctx, update)
	if err != nil {
		return fmt.Errorf("transition news item: %w", err)
	}
	if n == 0 {
		return s.guardMiss(ctx, "news_items", id)
	}
	return nil
}

// EarlierWithFingerprint finds an item sharing the fingerprint that was fetched
// inside the window and orders before item by (fetched_at, id).
func (s *Store) EarlierWithFingerprint(ctx context.Context, item domain.NewsItem, since time.Time) (string, bool, error) {
	fetched := toMillis(item.FetchedAt)
	selectQ := s.sb.Select("id").From("news_items").
		Where(sq.Eq{"fingerprint": item.Fingerprint}).
		Where(sq.NotEq{"id": item.ID}).
		Where(sq.GtOrEq{"fetched_at": toMillis(since)}).
		Where(sq.Or{
			sq.Lt{"fetched_at": fetched},
			sq.And{sq.Eq{"fetched_at": fetched}, sq.Lt{"id": item.ID}},
		}).
		OrderBy("fetched_at", "id").
		Limit(1)

	row, err := s.queryRow(ctx, selectQ)
	if err != nil {
		return "", false, err
	}
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lookup fingerprint: %w", err)
	}
	return id, true, nil
}

// ListItems returns items matching filter ordered by last update.
func (s *Store) ListItems(ctx context.Context, filter ports.ItemFilter) ([]domain.NewsItem, error) {
	selectQ := s.sb.Select(newsColumns...).From("news_items").OrderBy("updated_at", "id")
	if filter.Status != "" {
		selectQ = selectQ.Where(sq.Eq{"status": string(filter.Status)})
	}
	if !filter.UpdatedBefore.IsZero() {
		selectQ = selectQ.Where(sq.Lt{"updated_at": toMillis(filter.UpdatedBefore)})
	}
	if !filter.EligibleAt.IsZero() {
		selectQ = selectQ.Where(sq.LtOrEq{"next_attempt_at": toMillis(filter.EligibleAt)})
	}
	if filter.Limit > 0 {
		selectQ = selectQ.Limit(uint64(filter.Limit))
	}

	rows, err := s.query(ctx, selectQ)
	if err != nil {
		return nil, fmt.Errorf("list news items: %w", err)
	}
	defer rows.Close()

	var items []domain.NewsItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan news item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return items, nil
}

// DeleteItem removes a news item; downstream stages treat it as vanished.
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, s.sb.Delete("news_items").Where(sq.Eq{"id": id})); err != nil {
		return fmt.Errorf("delete news item: %w", err)
	}
	return nil
}

func scanItem(row rowScanner) (domain.NewsItem, error) {
	var (
		item                                     domain.NewsItem
		status, kind                             string
		published, fetched, nextAttempt, updated int64
	)
	err := row.Scan(
		&item.ID, &item.SourceID, &item.ExternalID, &item.URL, &item.Title, &item.Body,
		&published, &fetched, &item.Fingerprint, &status, &item.Retry.Attempts, &nextAttempt,
		&kind, &item.Retry.LastError, &updated,
	)
	if err != nil {
		return domain.NewsItem{}, err
	}
	item.Status = domain.ItemStatus(status)
	item.Retry.LastErrorKind = domain.ErrorKind(kind)
	item.PublishedAt = fromMillis(published)
	item.FetchedAt = fromMillis(fetched)
	item.Retry.NextAttemptAt = fromMillis(nextAttempt)
	item.UpdatedAt = fromMillis(updated)
	return item, nil
}
