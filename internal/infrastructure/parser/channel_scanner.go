package parser

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"NewsPipeline/internal/domain"
	"NewsPipeline/internal/scanner"
)

const (
	// DefaultChannelBaseURL hosts the public web preview of channels.
	DefaultChannelBaseURL = "https://t.me"

	minMessageLength = 5
	maxTitleLength   = 100

	photoLabel    = "[Photo]"
	documentLabel = "[Document]"
)

var channelNameExpr = regexp.MustCompile(`^[A-Za-z0-9_]{3,32}$`)

// ChannelMessage is one post scraped from a channel preview page.
type ChannelMessage struct {
	ID          string
	Text        string
	Date        time.Time
	HasPhoto    bool
	HasDocument bool
}

// ChannelScanner reads public channels through their web preview.
type ChannelScanner struct {
	client  *http.Client
	baseURL string
}

var _ scanner.Scanner = (*ChannelScanner)(nil)

// NewChannelScanner wires an HTTP client and the preview host.
func NewChannelScanner(client *http.Client, baseURL string) *ChannelScanner {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if baseURL == "" {
		baseURL = DefaultChannelBaseURL
	}
	return &ChannelScanner{client: client, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// Type identifies the strategy inside the registry.
func (c *ChannelScanner) Type() domain.SourceType {
	return domain.SourceChannel
}

// Scan converts the newest channel messages into raw items.
func (c *ChannelScanner) Scan(ctx context.Context, req scanner.Request) ([]domain.RawItem, error) {
	name, err := ChannelName(req.Source.Address)
	if err != nil {
		return nil, err
	}

	messages, err := c.Messages(ctx, name)
	if err != nil {
		return nil, err
	}

	if req.Limit > 0 && len(messages) > req.Limit {
		messages = messages[len(messages)-req.Limit:]
	}

	items := make([]domain.RawItem, 0, len(messages))
	for _, msg := range messages {
		item, ok := messageToItem(name, msg)
		if ok {
			items = append(items, item)
		}
	}
	return items, nil
}

// Messages returns the messages shown on the channel preview, oldest first.
func (c *ChannelScanner) Messages(ctx context.Context, name string) ([]ChannelMessage, error) {
	pageURL := fmt.Sprintf("%s/s/%s", c.baseURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, domain.Configuration("build request", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.Transient("request channel", err)
	}
	defer resp.Body.Close()

	if err := statusError("fetch channel "+name, resp); err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, domain.Permanent("parse channel", err)
	}

	var messages []ChannelMessage
	doc.Find(".tgme_widget_message[data-post]").Each(func(_ int, sel *goquery.Selection) {
		post, _ := sel.Attr("data-post")
		id := post[strings.LastIndex(post, "/")+1:]
		if id == "" {
			return
		}

		msg := ChannelMessage{
			ID:          id,
			Text:        strings.TrimSpace(textWithBreaks(sel.Find(".tgme_widget_message_text").First())),
			HasPhoto:    sel.Find(".tgme_widget_message_photo_wrap").Length() > 0,
			HasDocument: sel.Find(".tgme_widget_message_document").Length() > 0,
		}
		if stamp, ok := sel.Find(".tgme_widget_message_date time").Attr("datetime"); ok {
			if parsed, err := time.Parse(time.RFC3339, stamp); err == nil {
				msg.Date = parsed.UTC()
			}
		}
		messages = append(messages, msg)
	})

	return messages, nil
}

func textWithBreaks(sel *goquery.Selection) string {
	var b strings.Builder
	sel.Contents().Each(func(_ int, node *goquery.Selection) {
		switch goquery.NodeName(node) {
		case "#text":
			b.WriteString(node.Text())
		case "br":
			b.WriteString("\n")
		default:
			b.WriteString(textWithBreaks(node))
		}
	})
	return b.String()
}

// ChannelName extracts the channel username from "@name", "name" or a t.me link.
func ChannelName(address string) (string, error) {
	name := strings.TrimSpace(address)
	for _, prefix := range []string{"https://", "http://", "t.me/", "telegram.me/", "s/", "@"} {
		name = strings.TrimPrefix(name, prefix)
	}
	if idx := strings.IndexAny(name, "/?#"); idx >= 0 {
		name = name[:idx]
	}
	if !channelNameExpr.MatchString(name) {
		return "", domain.Configuration("channel name", fmt.Errorf("invalid channel address %q", address))
	}
	return name, nil
}

func messageToItem(channel string, msg ChannelMessage) (domain.RawItem, bool) {
	text := msg.Text
	var labels []string
	if msg.HasPhoto {
		labels = append(labels, photoLabel)
	}
	if msg.HasDocument {
		labels = append(labels, documentLabel)
	}
	if len(labels) > 0 {
		text = strings.TrimSpace(text + "\n" + strings.Join(labels, " "))
	}

	if utf8.RuneCountInString(text) < minMessageLength {
		return domain.RawItem{}, false
	}

	lines := strings.Split(text, "\n")
	title := strings.TrimSpace(lines[0])
	if runes := []rune(title); len(runes) > maxTitleLength {
		title = string(runes[:maxTitleLength]) + "..."
	}

	body := strings.TrimSpace(strings.Join(lines[1:], "\n"))
	if body == "" {
		body = text
	}

	published := msg.Date
	if published.IsZero() {
		published = time.Now().UTC()
	}

	return domain.RawItem{
		ExternalID:  msg.ID,
		URL:         fmt.Sprintf("https://t.me/%s/%s", channel, msg.ID),
		Title:       title,
		Body:        body,
		PublishedAt: published,
	}, true
}
