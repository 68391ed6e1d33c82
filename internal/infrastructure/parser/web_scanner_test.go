package parser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NewsPipeline/internal/domain"
	"NewsPipeline/internal/scanner"
)

const rssFixture = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Example</title>
    <item>
      <title>Python 3.12 released</title>
      <link>https://example.org/python-312</link>
      <guid>urn:example:1</guid>
      <description><![CDATA[<p>Python 3.12 <b>performance</b> improvements</p>]]></description>
      <pubDate>Mon, 02 Mar 2026 10:00:00 +0000</pubDate>
    </item>
    <item>
      <title>Second</title>
      <link>/relative</link>
      <description>plain text</description>
    </item>
  </channel>
</rss>`

const htmlFixture = `<html><body>
  <article>
    <h2>Fresh article</h2>
    <a href="/news/1">read</a>
    <p>Brand new summary.</p>
    <time datetime="2026-03-02T08:30:00Z">2 March</time>
  </article>
  <article>
    <h2>Fresh article</h2>
    <a href="/news/1">duplicate link</a>
  </article>
  <div class="post">
    <span class="title">Dated by text</span>
    <a href="https://other.example.org/x">x</a>
    <span class="date">2026-02-28</span>
  </div>
  <article><p>no title here</p></article>
</body></html>`

func newTestWebScanner(client *http.Client) *WebScanner {
	w := NewWebScanner(client, nil)
	w.now = func() time.Time { return time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC) }
	return w
}

func TestWebScannerParsesFeed(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(rssFixture))
	}))
	defer server.Close()

	sc := newTestWebScanner(server.Client())
	items, err := sc.Scan(context.Background(), scanner.Request{
		Source: domain.Source{Name: "example", Type: domain.SourceFeed, Address: server.URL + "/feed"},
	})
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "urn:example:1", items[0].ExternalID)
	assert.Equal(t, "Python 3.12 released", items[0].Title)
	assert.Equal(t, "Python 3.12 performance improvements", items[0].Body)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), items[0].PublishedAt)

	assert.Equal(t, server.URL+"/relative", items[1].URL)
	assert.Equal(t, server.URL+"/relative", items[1].ExternalID, "link stands in for a missing guid")
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), items[1].PublishedAt)
}

func TestWebScannerParsesHTMLListing(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(htmlFixture))
	}))
	defer server.Close()

	sc := newTestWebScanner(server.Client())
	items, err := sc.Scan(context.Background(), scanner.Request{
		Source: domain.Source{Name: "site", Type: domain.SourceFeed, Address: server.URL + "/news"},
	})
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, server.URL+"/news/1", items[0].ExternalID)
	assert.Equal(t, "Fresh article", items[0].Title)
	assert.Equal(t, "Brand new summary.", items[0].Body)
	assert.Equal(t, time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC), items[0].PublishedAt)

	assert.Equal(t, "Dated by text", items[1].Title)
	assert.Equal(t, "https://other.example.org/x", items[1].URL)
	assert.Equal(t, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC), items[1].PublishedAt)
}

func TestWebScannerCustomSelectorsAndLimit(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<ul>
			<li class="row"><a class="t" href="/1">One</a></li>
			<li class="row"><a class="t" href="/2">Two</a></li>
			<li class="row"><a class="t" href="/3">Three</a></li>
		</ul>`))
	}))
	defer server.Close()

	sc := newTestWebScanner(server.Client())
	items, err := sc.Scan(context.Background(), scanner.Request{
		Source: domain.Source{
			Address: server.URL,
			Options: map[string]string{"format": "html", "container": "li.row", "title": "a.t", "url": "a.t"},
		},
		Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "One", items[0].Title)
	assert.Equal(t, server.URL+"/2", items[1].URL)
}

func TestWebScannerClassifiesFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
		format string
		want   domain.ErrorKind
	}{
		{name: "server error", status: http.StatusBadGateway, want: domain.KindTransient},
		{name: "rate limited", status: http.StatusTooManyRequests, want: domain.KindTransient},
		{name: "gone", status: http.StatusNotFound, want: domain.KindPermanent},
		{name: "broken feed", status: http.StatusOK, body: "not a feed at all", format: "feed", want: domain.KindPermanent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			sc := newTestWebScanner(server.Client())
			_, err := sc.Scan(context.Background(), scanner.Request{
				Source: domain.Source{Address: server.URL, Options: map[string]string{"format": tc.format}},
			})
			require.Error(t, err)
			assert.Equal(t, tc.want, domain.KindOf(err))
		})
	}
}

func TestWebScannerRejectsInvalidAddress(t *testing.T) {
	t.Parallel()

	_, err := newTestWebScanner(nil).Scan(context.Background(), scanner.Request{Source: domain.Source{Address: "not a url"}})
	assert.Equal(t, domain.KindConfiguration, domain.KindOf(err))
}

func TestLooksLikeFeed(t *testing.T) {
	t.Parallel()

	assert.True(t, looksLikeFeed("https://habr.com/rss.xml", "", nil))
	assert.True(t, looksLikeFeed("https://example.org/feed", "application/atom+xml", nil))
	assert.True(t, looksLikeFeed("https://example.org/feed", "", []byte("  <rss version=\"2.0\">")))
	assert.False(t, looksLikeFeed("https://example.org/news", "text/html", []byte("<!doctype html><html>")))
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	got, ok := parseDate("02.03.2026")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), got)

	_, ok = parseDate("yesterday")
	assert.False(t, ok)
}
