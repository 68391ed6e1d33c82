package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"NewsPipeline/internal/domain"
	"NewsPipeline/internal/ports"
)

var (
	_ ports.SourceRegistry       = (*Store)(nil)
	_ ports.SourceHealthRecorder = (*Store)(nil)
	_ ports.SourceAdmin          = (*Store)(nil)
)

var sourceColumns = []string{
	"id", "name", "type", "address", "enabled", "poll_interval_ms", "options",
	"consecutive_failures", "last_error", "last_polled_at", "unhealthy", "created_at", "updated_at",
}

// Snapshot returns every source and the active keyword terms.
func (s *Store) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	sources, err := s.ListSources(ctx)
	if err != nil {
		return domain.Snapshot{}, err
	}
	keywords, err := s.ListKeywords(ctx, true)
	if err != nil {
		return domain.Snapshot{}, err
	}

	terms := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		terms = append(terms, kw.Term)
	}
	return domain.Snapshot{Sources: sources, Keywords: terms}, nil
}

// UpsertSource inserts or updates a source identified by (type, address).
func (s *Store) UpsertSource(ctx context.Context, src domain.Source) (domain.Source, error) {
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	options, err := json.Marshal(src.Options)
	if err != nil {
		return domain.Source{}, fmt.Errorf("encode options: %w", err)
	}
	now := toMillis(s.now())

	insert := s.sb.Insert("sources").
		Columns("id", "name", "type", "address", "enabled", "poll_interval_ms", "options", "created_at", "updated_at").
		Values(src.ID, src.Name, string(src.Type), src.Address, src.Enabled, src.PollInterval.Milliseconds(), string(options), now, now).
		Suffix(`ON CONFLICT (type, address) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			poll_interval_ms = excluded.poll_interval_ms,
			options = excluded.options,
			updated_at = excluded.updated_at`)

	if _, err := s.exec(ctx, insert); err != nil {
		return domain.Source{}, fmt.Errorf("upsert source: %w", err)
	}

	return s.getSourceWhere(ctx, sq.Eq{"type": string(src.Type), "address": src.Address})
}

// GetSource loads a source by id.
func (s *Store) GetSource(ctx context.Context, id string) (domain.Source, error) {
	return s.getSourceWhere(ctx, sq.Eq{"id": id})
}

func (s *Store) getSourceWhere(ctx context.Context, where sq.Eq) (domain.Source, error) {
	row, err := s.queryRow(ctx, s.sb.Select(sourceColumns...).From("sources").Where(where))
	if err != nil {
		return domain.Source{}, err
	}
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Source{}, fmt.Errorf("source: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Source{}, fmt.Errorf("load source: %w", err)
	}
	return src, nil
}

// ListSources returns all sources ordered by name.
func (s *Store) ListSources(ctx context.Context) ([]domain.Source, error) {
	rows, err := s.query(ctx, s.sb.Select(sourceColumns...).From("sources").OrderBy("name", "id"))
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var sources []domain.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return sources, nil
}

// SetSourceEnabled toggles polling for a source.
func (s *Store) SetSourceEnabled(ctx context.Context, id string, enabled bool) error {
	n, err := s.exec(ctx, s.sb.Update("sources").
		Set("enabled", enabled).
		Set("updated_at", toMillis(s.now())).
		Where(sq.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("update source: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("source %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// DeleteSource removes a source. Items already fetched from it stay.
func (s *Store) DeleteSource(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, s.sb.Delete("sources").Where(sq.Eq{"id": id})); err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	return nil
}

// RecordPoll stores the outcome of one poll and returns the resulting health.
// The source turns unhealthy once consecutive failures reach threshold.
func (s *Store) RecordPoll(ctx context.Context, sourceID string, at time.Time, pollErr error, threshold int) (domain.SourceHealth, error) {
	update := s.sb.Update("sources").
		Set("last_polled_at", toMillis(at)).
		Where(sq.Eq{"id": sourceID})

	if pollErr == nil {
		update = update.
			Set("consecutive_failures", 0).
			Set("last_error", "").
			Set("unhealthy", false)
	} else {
		if threshold <= 0 {
			threshold = 1
		}
		update = update.
			Set("consecutive_failures", sq.Expr("consecutive_failures + 1")).
			Set("last_error", truncate(pollErr.Error(), 1000)).
			Set("unhealthy", sq.Expr("consecutive_failures + 1 >= ?", threshold))
	}

	n, err := s.exec(ctx, update)
	if err != nil {
		return domain.SourceHealth{}, fmt.Errorf("record poll: %w", err)
	}
	if n == 0 {
		return domain.SourceHealth{}, fmt.Errorf("source %s: %w", sourceID, domain.ErrNotFound)
	}

	src, err := s.GetSource(ctx, sourceID)
	if err != nil {
		return domain.SourceHealth{}, err
	}
	return src.Health, nil
}

// ListKeywords returns keywords, optionally only the active ones.
func (s *Store) ListKeywords(ctx context.Context, activeOnly bool) ([]domain.Keyword, error) {
	selectQ := s.sb.Select("id", "term", "active").From("keywords").OrderBy("term")
	if activeOnly {
		selectQ = selectQ.Where(sq.Eq{"active": true})
	}

	rows, err := s.query(ctx, selectQ)
	if err != nil {
		return nil, fmt.Errorf("list keywords: %w", err)
	}
	defer rows.Close()

	var keywords []domain.Keyword
	for rows.Next() {
		var kw domain.Keyword
		if err := rows.Scan(&kw.ID, &kw.Term, &kw.Active); err != nil {
			return nil, fmt.Errorf("scan keyword: %w", err)
		}
		keywords = append(keywords, kw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return keywords, nil
}

// SetKeywords activates exactly the given terms; other stored terms are deactivated.
func (s *Store) SetKeywords(ctx context.Context, terms []string) error {
	cleaned := make([]string, 0, len(terms))
	seen := map[string]struct{}{}
	for _, term := range terms {
		term = strings.TrimSpace(term)
		key := strings.ToLower(term)
		if term == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		cleaned = append(cleaned, term)
	}

	now := toMillis(s.now())
	for _, term := range cleaned {
		insert := s.sb.Insert("keywords").
			Columns("id", "term", "active", "created_at").
			Values(uuid.NewString(), term, true, now).
			Suffix("ON CONFLICT (term) DO UPDATE SET active = excluded.active")
		if _, err := s.exec(ctx, insert); err != nil {
			return fmt.Errorf("upsert keyword %q: %w", term, err)
		}
	}

	deactivate := s.sb.Update("keywords").Set("active", false)
	if len(cleaned) > 0 {
		deactivate = deactivate.Where(sq.NotEq{"term": cleaned})
	}
	if _, err := s.exec(ctx, deactivate); err != nil {
		return fmt.Errorf("deactivate keywords: %w", err)
	}
	return nil
}

func scanSource(row rowScanner) (domain.Source, error) {
	var (
		src                              domain.Source
		kind, options                    string
		pollMillis, polled, created, upd int64
	)
	err := row.Scan(
		&src.ID, &src.Name, &kind, &src.Address, &src.Enabled, &pollMillis, &options,
		&src.Health.ConsecutiveFailures, &src.Health.LastError, &polled, &src.Health.Unhealthy,
		&created, &upd,
	)
	if err != nil {
		return domain.Source{}, err
	}
	src.Type = domain.SourceType(kind)
	src.PollInterval = time.Duration(pollMillis) * time.Millisecond
	src.Health.LastPolledAt = fromMillis(polled)
	src.CreatedAt = fromMillis(created)
	src.UpdatedAt = fromMillis(upd)
	if options != "" && options != "null" {
		if err := json.Unmarshal([]byte(options), &src.Options); err != nil {
			return domain.Source{}, fmt.Errorf("decode options: %w", err)
		}
	}
	return src, nil
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
