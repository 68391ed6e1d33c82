package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"NewsPipeline/internal/domain"
	"NewsPipeline/internal/ports"
)

var _ ports.PostRepository = (*Store)(nil)

var postColumns = []string{
	"id", "news_item_id", "title", "body", "status", "published_ref", "attempts", "next_attempt_at",
	"last_error_kind", "last_error", "created_at", "updated_at", "published_at",
}

// CreatePost stores the post. When a post already exists for the same news item
// the stored one is returned and created is false.
func (s *Store) CreatePost(ctx context.Context, post domain.Post) (domain.Post, bool, error) {
	now := s.now()
	if post.Status == "" {
		post.Status = domain.PostDraft
	}
	post.CreatedAt = now
	post.UpdatedAt = now

	insert := s.sb.Insert("posts").
		Columns(postColumns...).
		Values(
			post.ID, nullString(post.NewsItemID), post.Title, post.Body, string(post.Status), post.PublishedRef,
			post.Retry.Attempts, toMillis(post.Retry.NextAttemptAt), string(post.Retry.LastErrorKind),
			post.Retry.LastError, toMillis(now), toMillis(now), toMillis(post.PublishedAt),
		).
		Suffix("ON CONFLICT (news_item_id) DO NOTHING")

	n, err := s.exec(ctx, insert)
	if err != nil {
		return domain.Post{}, false, fmt.Errorf("insert post: %w", err)
	}
	if n == 1 {
		return post, true, nil
	}

	existing, err := s.PostForItem(ctx, post.NewsItemID)
	if err != nil {
		return domain.Post{}, false, err
	}
	return existing, false, nil
}

// GetPost loads a post by id.
func (s *Store) GetPost(ctx context.Context, id string) (domain.Post, error) {
	return s.getPostWhere(ctx, sq.Eq{"id": id}, "post "+id)
}

// PostForItem loads the post generated from a news item.
func (s *Store) PostForItem(ctx context.Context, newsItemID string) (domain.Post, error) {
	if newsItemID == "" {
		return domain.Post{}, fmt.Errorf("post for empty item: %w", domain.ErrNotFound)
	}
	return s.getPostWhere(ctx, sq.Eq{"news_item_id": newsItemID}, "post for item "+newsItemID)
}

func (s *Store) getPostWhere(ctx context.Context, where sq.Eq, label string) (domain.Post, error) {
	row, err := s.queryRow(ctx, s.sb.Select(postColumns...).From("posts").Where(where))
	if err != nil {
		return domain.Post{}, err
	}
	post, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Post{}, fmt.Errorf("%s: %w", label, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Post{}, fmt.Errorf("load post: %w", err)
	}
	return post, nil
}

// TransitionPost applies change only while the stored status equals expected.
// Status, reference and publish time are written in one statement.
func (s *Store) TransitionPost(ctx context.Context, id string, expected domain.PostStatus, change domain.PostChange) error {
	update := s.sb.Update("posts").
		Set("status", string(change.Status)).
		Set("updated_at", toMillis(s.now())).
		Where(sq.Eq{"id": id, "status": string(expected)})

	if change.PublishedRef != "" {
		update = update.Set("published_ref", change.PublishedRef)
	}
	if !change.PublishedAt.IsZero() {
		update = update.Set("published_at", toMillis(change.PublishedAt))
	}
	if r := change.Retry; r != nil {
		update = update.
			Set("attempts", r.Attempts).
			Set("next_attempt_at", toMillis(r.NextAttemptAt)).
			Set("last_error_kind", string(r.LastErrorKind)).
			Set("last_error", r.LastError)
	}

	n, err := s.exec(ctx, update)
	if err != nil {
		return fmt.Errorf("transition post: %w", err)
	}
	if n == 0 {
		return s.guardMiss(ctx, "posts", id)
	}
	return nil
}

// ListPosts returns posts matching filter ordered by last update.
func (s *Store) ListPosts(ctx context.Context, filter ports.PostFilter) ([]domain.Post, error) {
	selectQ := s.sb.Select(postColumns...).From("posts").OrderBy("updated_at", "id")
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
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return posts, nil
}

// DeletePost removes a post; downstream stages treat it as vanished.
func (s *Store) DeletePost(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, s.sb.Delete("posts").Where(sq.Eq{"id": id})); err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	return nil
}

func scanPost(row rowScanner) (domain.Post, error) {
	var (
		post                                        domain.Post
		newsItemID                                  sql.NullString
		status, kind                                string
		nextAttempt, created, updated, publishedAt int64
	)
	err := row.Scan(
		&post.ID, &newsItemID, &post.Title, &post.Body, &status, &post.PublishedRef,
		&post.Retry.Attempts, &nextAttempt, &kind, &post.Retry.LastError,
		&created, &updated, &publishedAt,
	)
	if err != nil {
		return domain.Post{}, err
	}
	post.NewsItemID = newsItemID.String
	post.Status = domain.PostStatus(status)
	post.Retry.LastErrorKind = domain.ErrorKind(kind)
	post.Retry.NextAttemptAt = fromMillis(nextAttempt)
	post.CreatedAt = fromMillis(created)
	post.UpdatedAt = fromMillis(updated)
	post.PublishedAt = fromMillis(publishedAt)
	return post, nil
}
