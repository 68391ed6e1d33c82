package llm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"NewsPipeline/internal/domain"
)

const (
	maxInputRunes = 6000
	titleLabel    = "TITLE:"
	bodyLabel     = "BODY:"
)

var errEmptyOutput = errors.New("generation returned no text")

func systemPrompt(custom string) string {
	custom = strings.TrimSpace(custom)
	if custom != "" {
		return custom
	}
	return "You rewrite news items into short posts for a tech channel. " +
		"Keep facts, names and numbers intact, drop filler. " +
		"Answer strictly in two labelled parts:\nTITLE: <one line headline>\nBODY: <post text, up to 1500 characters>"
}

func userPrompt(input domain.GenerationInput) string {
	text := strings.TrimSpace(input.Text())
	if utf8.RuneCountInString(text) > maxInputRunes {
		text = string([]rune(text)[:maxInputRunes]) + "\n[TRUNCATED]"
	}
	if input.URL == "" {
		return text
	}
	return text + "\n\nSource: " + input.URL
}

// parseOutput reads the TITLE/BODY answer; unlabelled text falls back to first line and rest.
func parseOutput(raw string) (domain.GeneratedPost, error) {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, "\r", ""))
	if raw == "" {
		return domain.GeneratedPost{}, domain.Permanent("parse generation", errEmptyOutput)
	}

	var (
		title   string
		body    []string
		inBody  bool
		labeled bool
	)
	for _, line := range strings.Split(raw, "\n") {
		plain := strings.TrimSpace(strings.Trim(strings.TrimSpace(line), "*#"))
		switch {
		case hasLabel(plain, titleLabel):
			title = strings.TrimSpace(strings.Trim(plain[len(titleLabel):], "*"))
			inBody, labeled = false, true
		case hasLabel(plain, bodyLabel):
			if rest := strings.TrimSpace(strings.Trim(plain[len(bodyLabel):], "*")); rest != "" {
				body = append(body, rest)
			}
			inBody, labeled = true, true
		case inBody:
			body = append(body, line)
		}
	}

	if !labeled {
		lines := strings.SplitN(raw, "\n", 2)
		title = strings.TrimSpace(lines[0])
		if len(lines) == 2 {
			body = []string{lines[1]}
		}
	}

	post := domain.GeneratedPost{
		Title: strings.TrimSpace(title),
		Body:  strings.TrimSpace(strings.Join(body, "\n")),
	}
	if post.Body == "" {
		if post.Title == "" {
			return domain.GeneratedPost{}, domain.Permanent("parse generation", errEmptyOutput)
		}
		post.Body, post.Title = post.Title, ""
	}
	return post, nil
}

func hasLabel(line, label string) bool {
	return len(line) >= len(label) && strings.EqualFold(line[:len(label)], label)
}

func newLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

func wait(ctx context.Context, limiter *rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return domain.Transient("rate limit", err)
	}
	return nil
}

func retryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := time.Parse(time.RFC1123, header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func classifyStatus(op string, code int, hint time.Duration, detail string) error {
	err := fmt.Errorf("status %d: %s", code, detail)
	switch {
	case code == 429 || code >= 500:
		return &domain.Error{Kind: domain.KindTransient, Op: op, Err: err, RetryAfter: hint}
	case code == 401 || code == 403 || code == 404:
		return domain.Configuration(op, err)
	default:
		return domain.Permanent(op, err)
	}
}
