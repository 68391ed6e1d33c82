package parser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NewsPipeline/internal/domain"
	"NewsPipeline/internal/scanner"
)

var channelFixture = `<html><body><section class="tgme_channel_history">
  <div class="tgme_widget_message" data-post="golang_news/40">
    <div class="tgme_widget_message_text">ok</div>
  </div>
  <div class="tgme_widget_message" data-post="golang_news/41">
    <div class="tgme_widget_message_text">Go 1.25 released<br/>Faster builds and <b>new</b> iterators.</div>
    <a class="tgme_widget_message_date" href="https://t.me/golang_news/41"><time datetime="2026-03-02T09:15:00+00:00">09:15</time></a>
  </div>
  <div class="tgme_widget_message" data-post="golang_news/42">
    <a class="tgme_widget_message_photo_wrap" href="#"></a>
    <div class="tgme_widget_message_text">` + strings.Repeat("x", 120) + `</div>
  </div>
  <div class="tgme_widget_message" data-post="golang_news/43">
    <div class="tgme_widget_message_document"></div>
  </div>
</section></body></html>`

func newChannelServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/s/golang_news" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(channelFixture))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestChannelScannerConvertsMessages(t *testing.T) {
	t.Parallel()

	server := newChannelServer(t)
	sc := NewChannelScanner(server.Client(), server.URL)

	items, err := sc.Scan(context.Background(), scanner.Request{
		Source: domain.Source{Type: domain.SourceChannel, Address: "@golang_news"},
	})
	require.NoError(t, err)
	require.Len(t, items, 3, "short message is skipped")

	first := items[0]
	assert.Equal(t, "41", first.ExternalID)
	assert.Equal(t, "https://t.me/golang_news/41", first.URL)
	assert.Equal(t, "Go 1.25 released", first.Title)
	assert.Equal(t, "Faster builds and new iterators.", first.Body)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC), first.PublishedAt)

	long := items[1]
	assert.Equal(t, strings.Repeat("x", 100)+"...", long.Title)
	assert.Equal(t, "[Photo]", long.Body)

	doc := items[2]
	assert.Equal(t, "[Document]", doc.Title)
	assert.Equal(t, "[Document]", doc.Body)
}

func TestChannelScannerKeepsNewestWithinLimit(t *testing.T) {
	t.Parallel()

	server := newChannelServer(t)
	sc := NewChannelScanner(server.Client(), server.URL)

	items, err := sc.Scan(context.Background(), scanner.Request{
		Source: domain.Source{Address: "https://t.me/golang_news"},
		Limit:  2,
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "42", items[0].ExternalID)
	assert.Equal(t, "43", items[1].ExternalID)
}

func TestChannelScannerMissingChannel(t *testing.T) {
	t.Parallel()

	server := newChannelServer(t)
	sc := NewChannelScanner(server.Client(), server.URL)

	_, err := sc.Scan(context.Background(), scanner.Request{Source: domain.Source{Address: "unknown_channel"}})
	require.Error(t, err)
	assert.Equal(t, domain.KindPermanent, domain.KindOf(err))
}

func TestChannelName(t *testing.T) {
	t.Parallel()

	for _, address := range []string{"golang_news", "@golang_news", "https://t.me/golang_news", "t.me/s/golang_news", "https://t.me/golang_news/41"} {
		name, err := ChannelName(address)
		require.NoError(t, err, address)
		assert.Equal(t, "golang_news", name, address)
	}

	_, err := ChannelName("https://t.me/+joinlink")
	assert.Equal(t, domain.KindConfiguration, domain.KindOf(err))
}
