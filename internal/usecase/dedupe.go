package usecase

import (
	"context"
	"time"

	"NewsPipeline/internal/domain"
	"NewsPipeline/internal/ports"
)

// Deduplicator finds content duplicates across sources by fingerprint.
type Deduplicator struct {
	items  ports.NewsRepository
	window time.Duration
}

// NewDeduplicator looks back window from each item's fetch time.
func NewDeduplicator(items ports.NewsRepository, window time.Duration) *Deduplicator {
	return &Deduplicator{items: items, window: window}
}

// IsDuplicate reports the id of the earliest-ordered item with the same fingerprint.
// The earliest item by (fetched at, id) is never a duplicate, so concurrent screens agree.
func (d *Deduplicator) IsDuplicate(ctx context.Context, item domain.NewsItem) (string, bool, error) {
	if item.Fingerprint == "" {
		item.Fingerprint = domain.Fingerprint(item.Title, item.Body)
	}
	return d.items.EarlierWithFingerprint(ctx, item, item.FetchedAt.Add(-d.window))
}
