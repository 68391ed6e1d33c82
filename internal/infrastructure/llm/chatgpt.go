package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"NewsPipeline/internal/config"
	"NewsPipeline/internal/domain"
	"NewsPipeline/internal/ports"
)

// ChatGPTClient implements ports.Generator backed by OpenAI-compatible APIs.
type ChatGPTClient struct {
	endpoint     string
	model        string
	apiKey       string
	systemPrompt string
	httpClient   *http.Client
	limiter      *rate.Limiter
}

var _ ports.Generator = (*ChatGPTClient)(nil)

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewChatGPTClient builds a client from configuration.
func NewChatGPTClient(cfg config.ChatGPTConfig, gen config.GeneratorConfig) *ChatGPTClient {
	return &ChatGPTClient{
		endpoint:     cfg.Endpoint,
		model:        cfg.Model,
		apiKey:       cfg.APIKey,
		systemPrompt: systemPrompt(gen.SystemPrompt),
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
		limiter: newLimiter(gen.MinInterval),
	}
}

// Generate sends the item text as a user message and parses the labelled answer.
func (c *ChatGPTClient) Generate(ctx context.Context, input domain.GenerationInput) (domain.GeneratedPost, error) {
	if c == nil {
		return domain.GeneratedPost{}, domain.Configuration("chatgpt", errors.New("client is nil"))
	}
	if c.apiKey == "" || c.endpoint == "" || c.model == "" {
		return domain.GeneratedPost{}, domain.Configuration("chatgpt", errors.New("client misconfigured"))
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: c.systemPrompt},
			{Role: "user", Content: userPrompt(input)},
		},
	})
	if err != nil {
		return domain.GeneratedPost{}, fmt.Errorf("marshal chatgpt payload: %w", err)
	}

	if err := wait(ctx, c.limiter); err != nil {
		return domain.GeneratedPost{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.GeneratedPost{}, domain.Configuration("chatgpt request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.GeneratedPost{}, domain.Transient("chatgpt request", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.GeneratedPost{}, domain.Transient("read chatgpt response", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		detail := strings.TrimSpace(string(raw))
		var parsed chatResponse
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error != nil {
			detail = parsed.Error.Message
		}
		return domain.GeneratedPost{}, classifyStatus("chatgpt", resp.StatusCode, retryAfter(resp.Header.Get("Retry-After")), detail)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return domain.GeneratedPost{}, domain.Transient("decode chatgpt response", err)
	}
	if len(parsed.Choices) == 0 {
		return domain.GeneratedPost{}, domain.Permanent("chatgpt", errEmptyOutput)
	}

	choice := parsed.Choices[0]
	if choice.FinishReason == "content_filter" {
		return domain.GeneratedPost{}, domain.Permanent("chatgpt", errors.New("output blocked by content filter"))
	}
	return parseOutput(choice.Message.Content)
}
