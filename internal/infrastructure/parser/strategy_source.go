package parser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"NewsPipeline/internal/domain"
	"NewsPipeline/internal/ports"
	"NewsPipeline/internal/scanner"
)

// StrategySource implements Fetcher via registered scanner strategies.
type StrategySource struct {
	registry *scanner.Registry
	limit    int
	logger   *slog.Logger
}

var _ ports.Fetcher = (*StrategySource)(nil)

// NewStrategySource wires the scanner registry with the per-poll item limit.
func NewStrategySource(reg *scanner.Registry, limit int, log *slog.Logger) *StrategySource {
	return &StrategySource{
		registry: reg,
		limit:    limit,
		logger:   log,
	}
}

// Fetch runs the scanner matching the source type and returns one bounded batch.
func (s *StrategySource) Fetch(ctx context.Context, source domain.Source) ([]domain.RawItem, error) {
	if s.registry == nil {
		return nil, fmt.Errorf("scanner registry is not configured")
	}
	if !source.Type.Valid() {
		return nil, domain.Configuration("fetch", fmt.Errorf("source %s has unknown type %q", source.Name, source.Type))
	}

	strategy, err := s.registry.Resolve(source.Type)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", source.Name, err)
	}

	s.debug("scan source", "source", source.Name, "type", source.Type)
	results, err := strategy.Scan(ctx, scanner.Request{Source: source, Limit: s.limit})
	if err != nil {
		return nil, fmt.Errorf("scan source %s: %w", source.Name, err)
	}

	items := make([]domain.RawItem, 0, len(results))
	for _, item := range results {
		item.ExternalID = strings.TrimSpace(item.ExternalID)
		if item.ExternalID == "" {
			continue
		}
		item.SourceID = source.ID
		item.Title = strings.TrimSpace(item.Title)
		item.Body = strings.TrimSpace(item.Body)
		items = append(items, item)
	}

	s.debug("source produced items", "source", source.Name, "count", len(items))
	return capItems(items, s.limit), nil
}

func (s *StrategySource) debug(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}
