// Package index implements the reference adapter for paginated JSON index
// archives: endpoints of the form `GET <url>?page=N` returning a page of
// items plus the total page count. The checkpoint cursor is the next page
// number, so a resumed run continues exactly where the previous one stopped.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/feedspine/feedspine/pkg/adapter"
	"github.com/feedspine/feedspine/pkg/feed"
)

const maxBodyBytes = 16 << 20

// AdapterType is the registry name for this adapter.
const AdapterType = "index"

// idField names the per-source property selecting which payload field carries
// the item identifier. Defaults to "id".
const idField = "id_field"

// Factory builds an index-archive adapter.
func Factory(cfg adapter.Config, client *adapter.Client) (adapter.Adapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("index adapter %q: url is required", cfg.SourceID)
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("index adapter %q: %w", cfg.SourceID, err)
	}
	field := cfg.Properties[idField]
	if field == "" {
		field = "id"
	}
	return &Adapter{cfg: cfg, client: client, idField: field, now: time.Now}, nil
}

// Adapter pages through one JSON index archive.
type Adapter struct {
	cfg     adapter.Config
	client  *adapter.Client
	idField string
	now     func() time.Time
}

// page is the wire format of one archive page.
type page struct {
	Page       int              `json:"page"`
	TotalPages int              `json:"totalPages"`
	Items      []map[string]any `json:"items"`
}

func decodeCursor(cp *feed.Checkpoint) int {
	if cp == nil || cp.Cursor == "" {
		return 1
	}
	n, err := strconv.Atoi(cp.Cursor)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// Fetch retrieves the page the cursor points at. The returned checkpoint
// carries the next page number only when the whole page decoded cleanly, so
// no page is ever skipped.
func (a *Adapter) Fetch(ctx context.Context, cp *feed.Checkpoint) (*adapter.FetchResult, error) {
	pageNum := decodeCursor(cp)

	u, err := url.Parse(a.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(pageNum))
	if a.cfg.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(a.cfg.PageSize))
	}
	u.RawQuery = q.Encode()

	resp, err := a.client.Get(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("fetch page %d: %w", pageNum, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("fetch page %d: unexpected status %d", pageNum, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read page %d: %w", pageNum, err)
	}
	var p page
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode page %d: %w", pageNum, err)
	}

	fetchedAt := a.now().UTC()
	items := make([]feed.RawItem, 0, len(p.Items))
	for i, fields := range p.Items {
		items = append(items, feed.RawItem{
			SourceID:  a.cfg.SourceID,
			ItemID:    a.itemID(fields, pageNum, i),
			Fields:    fields,
			FetchedAt: fetchedAt,
		})
	}

	hasMore := p.TotalPages > pageNum
	return &adapter.FetchResult{
		Items: items,
		Checkpoint: feed.Checkpoint{
			SourceID: a.cfg.SourceID,
			Cursor:   strconv.Itoa(pageNum + 1),
		},
		HasMore: hasMore,
	}, nil
}

// itemID extracts the configured identifier field, falling back to a
// positional id so a malformed item still lands in the bronze log.
func (a *Adapter) itemID(fields map[string]any, pageNum, pos int) string {
	switch v := fields[a.idField].(type) {
	case string:
		if v != "" {
			return v
		}
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	}
	return fmt.Sprintf("page-%d-item-%d", pageNum, pos)
}
