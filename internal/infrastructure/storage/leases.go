package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"NewsPipeline/internal/ports"
)

var _ ports.LeaseStore = (*Store)(nil)

// AcquireLease takes the per-source poll lease when it is free or expired.
// Leases are not re-entrant: owner should be unique per acquisition.
func (s *Store) AcquireLease(ctx context.Context, sourceID, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	insert := s.sb.Insert("source_leases").
		Columns("source_id", "owner", "expires_at").
		Values(sourceID, owner, toMillis(now.Add(ttl))).
		Suffix(`ON CONFLICT (source_id) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
			WHERE source_leases.expires_at <= ?`, toMillis(now))

	n, err := s.exec(ctx, insert)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return n == 1, nil
}

// ReleaseLease drops the lease if owner still holds it.
func (s *Store) ReleaseLease(ctx context.Context, sourceID, owner string) error {
	_, err := s.exec(ctx, s.sb.Delete("source_leases").Where(sq.Eq{"source_id": sourceID, "owner": owner}))
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
