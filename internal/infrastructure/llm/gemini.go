package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"NewsPipeline/internal/config"
	"NewsPipeline/internal/domain"
	"NewsPipeline/internal/ports"
)

// GeminiClient implements ports.Generator on top of the Gemini API.
type GeminiClient struct {
	client  *genai.Client
	model   *genai.GenerativeModel
	limiter *rate.Limiter
}

var _ ports.Generator = (*GeminiClient)(nil)

// NewGeminiClient opens a Gemini client; extra options are appended after the API key.
func NewGeminiClient(ctx context.Context, cfg config.GeminiConfig, gen config.GeneratorConfig, opts ...option.ClientOption) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, domain.Configuration("gemini", errors.New("api key is empty"))
	}

	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(cfg.APIKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	model := client.GenerativeModel(cfg.Model)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt(gen.SystemPrompt))}}

	return &GeminiClient{client: client, model: model, limiter: newLimiter(gen.MinInterval)}, nil
}

// Close releases the underlying connection.
func (g *GeminiClient) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Close()
}

// Generate asks the model for a labelled post.
func (g *GeminiClient) Generate(ctx context.Context, input domain.GenerationInput) (domain.GeneratedPost, error) {
	if err := wait(ctx, g.limiter); err != nil {
		return domain.GeneratedPost{}, err
	}

	resp, err := g.model.GenerateContent(ctx, genai.Text(userPrompt(input)))
	if err != nil {
		return domain.GeneratedPost{}, classifyGeminiError(err)
	}
	return parseOutput(responseText(resp))
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return b.String()
}

func classifyGeminiError(err error) error {
	const op = "gemini"

	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return domain.Permanent(op, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(op, apiErr.Code, retryAfter(apiErr.Header.Get("Retry-After")), apiErr.Message)
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.ResourceExhausted, codes.Unavailable, codes.DeadlineExceeded, codes.Internal, codes.Aborted:
			return domain.Transient(op, err)
		case codes.Unauthenticated, codes.PermissionDenied, codes.NotFound:
			return domain.Configuration(op, err)
		case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
			return domain.Permanent(op, err)
		}
	}

	return domain.Transient(op, err)
}
