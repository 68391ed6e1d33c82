package llm

import (
	"context"
	"errors"

	"NewsPipeline/internal/domain"
	"NewsPipeline/internal/ports"
)

// Unavailable stands in when no provider key is configured.
type Unavailable struct{}

var _ ports.Generator = Unavailable{}

// Generate always fails with a configuration error.
func (Unavailable) Generate(context.Context, domain.GenerationInput) (domain.GeneratedPost, error) {
	return domain.GeneratedPost{}, domain.Configuration("generate", errors.New("no generation provider configured"))
}
