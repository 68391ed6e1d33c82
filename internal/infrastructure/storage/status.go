package storage

import (
	"context"
	"fmt"

	"NewsPipeline/internal/ports"
)

var _ ports.StatusCounter = (*Store)(nil)

// CountByStatus returns row counts per status for news_items or posts.
func (s *Store) CountByStatus(ctx context.Context, table string) (map[string]int, error) {
	if table != "news_items" && table != "posts" {
		return nil, fmt.Errorf("count by status: unknown table %q", table)
	}

	rows, err := s.query(ctx, s.sb.Select("status", "COUNT(*)").From(table).GroupBy("status"))
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", table, err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return counts, nil
}
