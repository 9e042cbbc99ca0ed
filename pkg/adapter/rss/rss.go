// Package rss implements the reference feed adapter for RSS 2.0 and
// Atom documents. The whole feed is treated as a single page; the checkpoint
// cursor carries the validators (ETag, Last-Modified) for conditional fetch.
package rss

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/feedspine/feedspine/pkg/adapter"
	"github.com/feedspine/feedspine/pkg/feed"
)

const maxBodyBytes = 16 << 20

// AdapterType is the registry name for this adapter.
const AdapterType = "rss"

// Factory builds an RSS adapter; register it as adapter.Factory under
// AdapterType.
func Factory(cfg adapter.Config, client *adapter.Client) (adapter.Adapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rss adapter %q: url is required", cfg.SourceID)
	}
	return &Adapter{cfg: cfg, client: client, now: time.Now}, nil
}

// Adapter fetches one RSS or Atom feed URL.
type Adapter struct {
	cfg    adapter.Config
	client *adapter.Client
	now    func() time.Time
}

// cursor is the JSON payload stored in the checkpoint's opaque cursor field.
type cursor struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"lastModified,omitempty"`
}

func decodeCursor(cp *feed.Checkpoint) cursor {
	var c cursor
	if cp == nil || cp.Cursor == "" {
		return c
	}
	// A cursor we cannot decode is treated as absent; the next fetch is
	// simply unconditional.
	_ = json.Unmarshal([]byte(cp.Cursor), &c)
	return c
}

func (c cursor) encode() string {
	raw, _ := json.Marshal(c)
	return string(raw)
}

// Fetch retrieves the feed. A 304 Not Modified response yields an empty page
// with the cursor unchanged.
func (a *Adapter) Fetch(ctx context.Context, cp *feed.Checkpoint) (*adapter.FetchResult, error) {
	cur := decodeCursor(cp)

	req, err := http.NewRequest(http.MethodGet, a.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if cur.ETag != "" {
		req.Header.Set("If-None-Match", cur.ETag)
	}
	if cur.LastModified != "" {
		req.Header.Set("If-Modified-Since", cur.LastModified)
	}

	resp, err := a.client.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", a.cfg.URL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return &adapter.FetchResult{
			Checkpoint: feed.Checkpoint{SourceID: a.cfg.SourceID, Cursor: cur.encode()},
		}, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch %s: unexpected status %d", a.cfg.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read feed body: %w", err)
	}

	items, err := parseFeed(body)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", a.cfg.URL, err)
	}

	fetchedAt := a.now().UTC()
	raw := make([]feed.RawItem, 0, len(items))
	for _, it := range items {
		raw = append(raw, feed.RawItem{
			SourceID:  a.cfg.SourceID,
			ItemID:    it.id(),
			Fields:    it.fields(),
			FetchedAt: fetchedAt,
		})
	}

	next := cursor{
		ETag:         resp.Header.Get("Etag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}
	return &adapter.FetchResult{
		Items:      raw,
		Checkpoint: feed.Checkpoint{SourceID: a.cfg.SourceID, Cursor: next.encode()},
	}, nil
}

type item struct {
	Title       string
	Link        string
	GUID        string
	Description string
	Published   string
	Categories  []string
}

// id prefers the explicit GUID, falling back to the link.
func (it item) id() string {
	if it.GUID != "" {
		return it.GUID
	}
	return it.Link
}

func (it item) fields() map[string]any {
	f := map[string]any{
		"title":       it.Title,
		"link":        it.Link,
		"guid":        it.id(),
		"description": it.Description,
	}
	if it.Published != "" {
		f["published"] = it.Published
	}
	if len(it.Categories) > 0 {
		cats := make([]any, len(it.Categories))
		for i, c := range it.Categories {
			cats[i] = c
		}
		f["categories"] = cats
	}
	return f
}

type rssDoc struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Items []struct {
			Title       string   `xml:"title"`
			Link        string   `xml:"link"`
			GUID        string   `xml:"guid"`
			Description string   `xml:"description"`
			PubDate     string   `xml:"pubDate"`
			Categories  []string `xml:"category"`
		} `xml:"item"`
	} `xml:"channel"`
}

type atomDoc struct {
	XMLName xml.Name `xml:"feed"`
	Entries []struct {
		Title   string `xml:"title"`
		ID      string `xml:"id"`
		Updated string `xml:"updated"`
		Summary string `xml:"summary"`
		Links   []struct {
			Rel  string `xml:"rel,attr"`
			Href string `xml:"href,attr"`
		} `xml:"link"`
	} `xml:"entry"`
}

// parseFeed detects the document flavor from the root element.
func parseFeed(body []byte) ([]item, error) {
	root, err := rootElement(body)
	if err != nil {
		return nil, err
	}
	switch root {
	case "rss":
		var doc rssDoc
		if err := xml.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("decode rss: %w", err)
		}
		items := make([]item, 0, len(doc.Channel.Items))
		for _, it := range doc.Channel.Items {
			items = append(items, item{
				Title:       it.Title,
				Link:        it.Link,
				GUID:        it.GUID,
				Description: it.Description,
				Published:   it.PubDate,
				Categories:  it.Categories,
			})
		}
		return items, nil
	case "feed":
		var doc atomDoc
		if err := xml.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("decode atom: %w", err)
		}
		items := make([]item, 0, len(doc.Entries))
		for _, e := range doc.Entries {
			link := ""
			for _, l := range e.Links {
				if l.Rel == "" || l.Rel == "alternate" {
					link = l.Href
					break
				}
			}
			items = append(items, item{
				Title:       e.Title,
				Link:        link,
				GUID:        e.ID,
				Description: e.Summary,
				Published:   e.Updated,
			})
		}
		return items, nil
	default:
		return nil, fmt.Errorf("unsupported feed root element %q", root)
	}
}

func rootElement(body []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", fmt.Errorf("scan root element: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}
