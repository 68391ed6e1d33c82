package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"NewsPipeline/internal/config"
	"NewsPipeline/internal/domain"
	"NewsPipeline/internal/infrastructure/parser"
	"NewsPipeline/internal/ports"
)

const (
	maxMessageRunes = 4096
	ellipsis        = "…"
)

var tagExpr = regexp.MustCompile(`<[^>]+>`)

// ChannelReader lists recent messages of a public channel.
type ChannelReader interface {
	Messages(ctx context.Context, name string) ([]parser.ChannelMessage, error)
}

// Publisher sends posts to a Telegram chat via bot API.
type Publisher struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
	limiter  *rate.Limiter
	channels ChannelReader
}

var _ ports.Publisher = (*Publisher)(nil)

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type botResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
	Parameters struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// NewPublisher registers bot credentials; channels may be nil when lookups are not needed.
func NewPublisher(cfg config.TelegramConfig, channels ChannelReader) *Publisher {
	base := strings.TrimSuffix(cfg.APIBase, "/")
	if base == "" {
		base = "https://api.telegram.org"
	}
	var limiter *rate.Limiter
	if cfg.MinInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	return &Publisher{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		apiBase:  base,
		client:   &http.Client{Timeout: time.Minute},
		limiter:  limiter,
		channels: channels,
	}
}

// Publish posts an HTML message and returns its message id.
func (p *Publisher) Publish(ctx context.Context, post domain.Post) (string, error) {
	if p.botToken == "" || p.chatID == "" || p.client == nil {
		return "", domain.Configuration("telegram publish", errors.New("publisher misconfigured"))
	}

	payload, err := json.Marshal(sendMessageRequest{
		ChatID:    p.chatID,
		Text:      Render(post),
		ParseMode: "HTML",
	})
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return "", domain.Transient("telegram rate limit", err)
		}
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", p.apiBase, p.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", domain.Configuration("telegram request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", &domain.Error{Kind: domain.KindTransient, Op: "telegram send", Err: err, Uncertain: true}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", &domain.Error{Kind: domain.KindTransient, Op: "telegram read", Err: err, Uncertain: true}
	}

	var parsed botResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode != http.StatusOK || !parsed.OK {
		return "", classify(resp.StatusCode, parsed, strings.TrimSpace(string(raw)))
	}
	if decodeErr != nil || parsed.Result.MessageID == 0 {
		return "", &domain.Error{Kind: domain.KindTransient, Op: "telegram decode", Err: fmt.Errorf("unexpected response: %s", raw), Uncertain: true}
	}

	return strconv.FormatInt(parsed.Result.MessageID, 10), nil
}

// Lookup searches the public channel preview for a message matching the post.
func (p *Publisher) Lookup(ctx context.Context, post domain.Post) (string, bool, error) {
	if p.channels == nil || !strings.HasPrefix(p.chatID, "@") {
		return "", false, domain.ErrLookupUnsupported
	}
	name, err := parser.ChannelName(p.chatID)
	if err != nil {
		return "", false, domain.ErrLookupUnsupported
	}

	messages, err := p.channels.Messages(ctx, name)
	if err != nil {
		return "", false, fmt.Errorf("lookup in %s: %w", name, err)
	}

	want := domain.Fingerprint(PlainText(post), "")
	for i := len(messages) - 1; i >= 0; i-- {
		if domain.Fingerprint(messages[i].Text, "") == want {
			return messages[i].ID, true, nil
		}
	}
	return "", false, nil
}

func classify(code int, resp botResponse, raw string) error {
	const op = "telegram send"
	if resp.ErrorCode != 0 {
		code = resp.ErrorCode
	}
	detail := resp.Description
	if detail == "" {
		detail = raw
	}
	err := fmt.Errorf("telegram error %d: %s", code, detail)

	switch {
	case code == http.StatusTooManyRequests:
		return &domain.Error{Kind: domain.KindTransient, Op: op, Err: err, RetryAfter: time.Duration(resp.Parameters.RetryAfter) * time.Second}
	case code >= http.StatusInternalServerError:
		return domain.Transient(op, err)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return domain.Configuration(op, err)
	case strings.Contains(strings.ToLower(detail), "chat not found"):
		return domain.Configuration(op, err)
	default:
		return domain.Permanent(op, err)
	}
}

// Render formats a post as Telegram HTML within the message size limit.
func Render(post domain.Post) string {
	title := strings.TrimSpace(post.Title)
	body := strings.TrimSpace(post.Body)

	header := ""
	if title != "" {
		header = "<b>" + html.EscapeString(title) + "</b>"
		if body != "" {
			header += "\n\n"
		}
	}

	text := header + html.EscapeString(body)
	if utf8.RuneCountInString(text) <= maxMessageRunes {
		return text
	}

	budget := maxMessageRunes - utf8.RuneCountInString(header) - 1
	if budget <= 0 {
		plain := []rune(html.EscapeString(title))
		return string(plain[:min(len(plain), maxMessageRunes)])
	}

	var b strings.Builder
	used := 0
	for _, r := range body {
		escaped := html.EscapeString(string(r))
		n := utf8.RuneCountInString(escaped)
		if used+n > budget {
			break
		}
		b.WriteString(escaped)
		used += n
	}
	return header + b.String() + ellipsis
}

// PlainText is the rendered message as a reader sees it.
func PlainText(post domain.Post) string {
	return html.UnescapeString(tagExpr.ReplaceAllString(Render(post), ""))
}
