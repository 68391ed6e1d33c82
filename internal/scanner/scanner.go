package scanner

import (
	"context"
	"fmt"

	"NewsPipeline/internal/domain"
)

// Request carries all parameters required to execute a scan.
type Request struct {
	Source domain.Source
	Limit  int
}

// Option returns a source option or fallback when unset.
func (r Request) Option(key, fallback string) string {
	if v, ok := r.Source.Options[key]; ok && v != "" {
		return v
	}
	return fallback
}

// Scanner captures a single adapter family (web pages and feeds, channels).
type Scanner interface {
	Type() domain.SourceType
	Scan(ctx context.Context, req Request) ([]domain.RawItem, error)
}

// Registry keeps a mapping from source types to their scanners.
type Registry struct {
	scanners map[domain.SourceType]Scanner
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{scanners: map[domain.SourceType]Scanner{}}
}

// Register adds or replaces a scanner implementation.
func (r *Registry) Register(scanner Scanner) {
	if r.scanners == nil {
		r.scanners = map[domain.SourceType]Scanner{}
	}
	r.scanners[scanner.Type()] = scanner
}

// Resolve returns the scanner for a source type.
func (r *Registry) Resolve(kind domain.SourceType) (Scanner, error) {
	if scanner, ok := r.scanners[kind]; ok {
		return scanner, nil
	}
	return nil, domain.Configuration("resolve scanner", fmt.Errorf("no scanner registered for source type %q", kind))
}
