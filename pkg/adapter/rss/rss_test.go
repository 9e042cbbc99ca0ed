package rss

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedspine/feedspine/pkg/adapter"
	"github.com/feedspine/feedspine/pkg/feed"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Example</title>
    <item>
      <title>First post</title>
      <link>https://example.com/1</link>
      <guid>post-1</guid>
      <description>hello</description>
      <pubDate>Mon, 05 Jan 2026 10:00:00 GMT</pubDate>
      <category>news</category>
      <category>tech</category>
    </item>
    <item>
      <title>Second post</title>
      <link>https://example.com/2</link>
      <description>world</description>
    </item>
  </channel>
</rss>`

const sampleAtom = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Example</title>
  <entry>
    <title>Atom entry</title>
    <id>urn:entry-1</id>
    <link rel="alternate" href="https://example.com/a1"/>
    <updated>2026-01-05T10:00:00Z</updated>
    <summary>atom hello</summary>
  </entry>
</feed>`

func testClient() *adapter.Client {
	return adapter.NewClient(adapter.ClientOptions{RequestsPerSec: 1000, Burst: 1000})
}

func newTestAdapter(t *testing.T, url string) adapter.Adapter {
	t.Helper()
	a, err := Factory(adapter.Config{SourceID: "rss-test", URL: url}, testClient())
	require.NoError(t, err)
	return a
}

func TestFetchParsesRSSItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Etag", `"v1"`)
		w.Header().Set("Last-Modified", "Mon, 05 Jan 2026 10:00:00 GMT")
		_, _ = w.Write([]byte(sampleRSS))
	}))
	defer srv.Close()

	res, err := newTestAdapter(t, srv.URL).Fetch(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.False(t, res.HasMore, "rss is a single page")

	first := res.Items[0]
	assert.Equal(t, "rss-test", first.SourceID)
	assert.Equal(t, "post-1", first.ItemID)
	assert.Equal(t, "First post", first.Fields["title"])
	assert.Equal(t, []any{"news", "tech"}, first.Fields["categories"])

	// Missing guid falls back to the link.
	assert.Equal(t, "https://example.com/2", res.Items[1].ItemID)

	assert.Contains(t, res.Checkpoint.Cursor, `"v1"`)
	assert.Contains(t, res.Checkpoint.Cursor, "Mon, 05 Jan 2026")
}

func TestFetchSendsValidatorsAndHonors304(t *testing.T) {
	var gotEtag, gotModified string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEtag = r.Header.Get("If-None-Match")
		gotModified = r.Header.Get("If-Modified-Since")
		if gotEtag == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Etag", `"v1"`)
		w.Header().Set("Last-Modified", "Mon, 05 Jan 2026 10:00:00 GMT")
		_, _ = w.Write([]byte(sampleRSS))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)

	res, err := a.Fetch(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, res.Items, 2)

	cp := res.Checkpoint
	res, err = a.Fetch(context.Background(), &cp)
	require.NoError(t, err)
	assert.Equal(t, `"v1"`, gotEtag)
	assert.Equal(t, "Mon, 05 Jan 2026 10:00:00 GMT", gotModified)
	assert.Empty(t, res.Items, "304 yields an empty page")
	assert.Equal(t, cp.Cursor, res.Checkpoint.Cursor, "cursor unchanged on 304")
}

func TestFetchParsesAtomEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleAtom))
	}))
	defer srv.Close()

	res, err := newTestAdapter(t, srv.URL).Fetch(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "urn:entry-1", res.Items[0].ItemID)
	assert.Equal(t, "https://example.com/a1", res.Items[0].Fields["link"])
	assert.Equal(t, "2026-01-05T10:00:00Z", res.Items[0].Fields["published"])
}

func TestFetchErrorLeavesNoResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	res, err := newTestAdapter(t, srv.URL).Fetch(context.Background(), nil)
	require.Error(t, err)
	assert.Nil(t, res)
}

func TestFetchRejectsNonFeedDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body>not a feed</body></html>`))
	}))
	defer srv.Close()

	_, err := newTestAdapter(t, srv.URL).Fetch(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported feed root")
}

func TestFactoryRequiresURL(t *testing.T) {
	_, err := Factory(adapter.Config{SourceID: "x"}, testClient())
	require.Error(t, err)
}

func TestGarbageCursorIsIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("If-None-Match"))
		_, _ = w.Write([]byte(sampleRSS))
	}))
	defer srv.Close()

	cp := &feed.Checkpoint{SourceID: "rss-test", Cursor: "not-json"}
	res, err := newTestAdapter(t, srv.URL).Fetch(context.Background(), cp)
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)
}
