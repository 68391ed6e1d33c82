package parser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"NewsPipeline/internal/domain"
	"NewsPipeline/internal/scanner"
)

const (
	userAgent       = "NewsPipeline/1.0"
	maxDocumentSize = 5 << 20

	defaultContainerSelector = "article, .article, .post, .news-item, .entry"
	defaultTitleSelector     = "h1, h2, h3, .title, .entry-title"
	defaultLinkSelector      = "a"
	defaultSummarySelector   = "p, .summary, .excerpt, .description"
	defaultDateSelector      = "time, .date, .published"
)

var dateLayouts = []string{
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"02.01.2006 15:04",
	"02.01.2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 Jan 2006",
}

// WebScanner reads feed-or-site sources: RSS/Atom feeds via gofeed and
// plain HTML listings via configurable CSS selectors.
type WebScanner struct {
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

var _ scanner.Scanner = (*WebScanner)(nil)

// NewWebScanner wires an HTTP client; a nil client gets a 20s timeout.
func NewWebScanner(client *http.Client, log *slog.Logger) *WebScanner {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &WebScanner{client: client, logger: log, now: func() time.Time { return time.Now().UTC() }}
}

// Type identifies the strategy inside the registry.
func (w *WebScanner) Type() domain.SourceType {
	return domain.SourceFeed
}

// Scan downloads the source once and parses it as a feed or an HTML listing.
func (w *WebScanner) Scan(ctx context.Context, req scanner.Request) ([]domain.RawItem, error) {
	address := strings.TrimSpace(req.Source.Address)
	base, err := url.Parse(address)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, domain.Configuration("scan web source", fmt.Errorf("invalid address %q", address))
	}

	body, contentType, err := w.download(ctx, address)
	if err != nil {
		return nil, err
	}

	var items []domain.RawItem
	switch format := req.Option("format", ""); {
	case format == "feed", format == "" && looksLikeFeed(address, contentType, body):
		items, err = w.parseFeed(body, base)
	default:
		items, err = w.parseHTML(body, base, req)
	}
	if err != nil {
		return nil, err
	}

	w.debug("web source scanned", "source", req.Source.Name, "items", len(items))
	return capItems(items, req.Limit), nil
}

func (w *WebScanner) download(ctx context.Context, address string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address, nil)
	if err != nil {
		return nil, "", domain.Configuration("build request", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, "", domain.Transient("request document", err)
	}
	defer resp.Body.Close()

	if err := statusError("fetch "+address, resp); err != nil {
		return nil, "", err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, "", domain.Transient("read document", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (w *WebScanner) parseFeed(body []byte, base *url.URL) ([]domain.RawItem, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, domain.Permanent("parse feed", err)
	}

	items := make([]domain.RawItem, 0, len(feed.Items))
	for _, entry := range feed.Items {
		if entry == nil {
			continue
		}
		title := cleanText(entry.Title)
		link := resolveLink(base, entry.Link)

		text := entry.Description
		if text == "" {
			text = entry.Content
		}

		published := w.now()
		switch {
		case entry.PublishedParsed != nil:
			published = entry.PublishedParsed.UTC()
		case entry.UpdatedParsed != nil:
			published = entry.UpdatedParsed.UTC()
		}

		externalID := firstNonEmpty(strings.TrimSpace(entry.GUID), link, title)
		if externalID == "" {
			continue
		}

		items = append(items, domain.RawItem{
			ExternalID:  externalID,
			URL:         link,
			Title:       title,
			Body:        stripHTML(text),
			PublishedAt: published,
		})
	}
	return items, nil
}

func (w *WebScanner) parseHTML(body []byte, base *url.URL, req scanner.Request) ([]domain.RawItem, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, domain.Permanent("parse document", err)
	}

	var (
		items           []domain.RawItem
		seen            = map[string]struct{}{}
		titleSelector   = req.Option("title", defaultTitleSelector)
		linkSelector    = req.Option("url", defaultLinkSelector)
		summarySelector = req.Option("summary", defaultSummarySelector)
		dateSelector    = req.Option("date", defaultDateSelector)
	)

	doc.Find(req.Option("container", defaultContainerSelector)).Each(func(_ int, sel *goquery.Selection) {
		title := cleanText(sel.Find(titleSelector).First().Text())
		if title == "" {
			return
		}

		href, ok := sel.Find(linkSelector).First().Attr("href")
		if !ok && goquery.NodeName(sel) == "a" {
			href, _ = sel.Attr("href")
		}
		link := resolveLink(base, href)

		externalID := firstNonEmpty(link, title)
		if _, dup := seen[externalID]; dup {
			return
		}
		seen[externalID] = struct{}{}

		published := w.now()
		dateSel := sel.Find(dateSelector).First()
		if parsed, ok := parseDate(dateSel.AttrOr("datetime", "")); ok {
			published = parsed
		} else if parsed, ok := parseDate(cleanText(dateSel.Text())); ok {
			published = parsed
		}

		items = append(items, domain.RawItem{
			ExternalID:  externalID,
			URL:         link,
			Title:       title,
			Body:        cleanText(sel.Find(summarySelector).First().Text()),
			PublishedAt: published,
		})
	})

	return items, nil
}

func (w *WebScanner) debug(msg string, args ...any) {
	if w.logger != nil {
		w.logger.Debug(msg, args...)
	}
}

func looksLikeFeed(address, contentType string, body []byte) bool {
	lower := strings.ToLower(address)
	if strings.HasSuffix(lower, ".xml") || strings.HasSuffix(lower, ".rss") || strings.HasSuffix(lower, ".atom") {
		return true
	}
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "rss") || strings.Contains(ct, "atom") || strings.Contains(ct, "/xml") {
		return true
	}
	head := strings.ToLower(strings.TrimSpace(string(body[:min(len(body), 512)])))
	if strings.HasPrefix(head, "<rss") || strings.HasPrefix(head, "<feed") {
		return true
	}
	return strings.HasPrefix(head, "<?xml") && !strings.Contains(head, "<html")
}

// statusError classifies non-200 responses: throttling and server errors are transient.
func statusError(op string, resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	err := fmt.Errorf("unexpected status %s", resp.Status)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return domain.Transient(op, err)
	}
	return domain.Permanent(op, err)
}

func parseDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}

func resolveLink(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

func stripHTML(fragment string) string {
	if !strings.Contains(fragment, "<") {
		return cleanText(fragment)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return cleanText(fragment)
	}
	return cleanText(doc.Text())
}

func cleanText(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func capItems(items []domain.RawItem, limit int) []domain.RawItem {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
