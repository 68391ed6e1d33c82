package scanner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NewsPipeline/internal/domain"
)

type stubScanner struct{ kind domain.SourceType }

func (s stubScanner) Type() domain.SourceType { return s.kind }

func (s stubScanner) Scan(context.Context, Request) ([]domain.RawItem, error) { return nil, nil }

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	reg.Register(stubScanner{kind: domain.SourceFeed})

	sc, err := reg.Resolve(domain.SourceFeed)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceFeed, sc.Type())

	_, err = reg.Resolve(domain.SourceChannel)
	assert.Equal(t, domain.KindConfiguration, domain.KindOf(err))
}

func TestRequestOption(t *testing.T) {
	req := Request{Source: domain.Source{Options: map[string]string{"title": "h2", "empty": ""}}}
	assert.Equal(t, "h2", req.Option("title", "h1"))
	assert.Equal(t, "p", req.Option("empty", "p"))
	assert.Equal(t, "a", req.Option("missing", "a"))
}
