package pipeline

import (
	"strings"
	"time"

	"github.com/feedspine/feedspine/pkg/config"
	"github.com/feedspine/feedspine/pkg/feed"
)

// keySeparator joins key-field values into one natural key. Field values are
// trimmed before joining; the separator itself never occurs in feed text.
const keySeparator = "\x1f"

// publishedFields are checked in order when extracting a publication time.
var publishedFields = []string{"published", "pubDate", "updated", "date"}

// publishedLayouts are tried in order against the raw time string.
var publishedLayouts = []string{
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02",
}

// Normalize turns one raw item into a record candidate for the source's
// namespace. Structurally invalid items return (nil, nil): they are dropped
// and counted, never fatal for the run.
func Normalize(raw feed.RawItem, src config.Source) (*feed.RecordCandidate, error) {
	key := naturalKey(raw, src)
	if key == "" || len(raw.Fields) == 0 {
		return nil, nil
	}

	content := make(map[string]any, len(raw.Fields))
	for k, v := range raw.Fields {
		content[k] = v
	}

	return &feed.RecordCandidate{
		Region:      src.Region,
		RecordType:  src.RecordType,
		NaturalKey:  key,
		Content:     content,
		ContentHash: feed.HashContent(content),
		PublishedAt: publishedAt(raw.Fields),
	}, nil
}

// naturalKey derives the candidate's stable identity. With key_fields
// configured, every named field must be present and non-empty; otherwise the
// adapter-assigned item id is used.
func naturalKey(raw feed.RawItem, src config.Source) string {
	if len(src.KeyFields) == 0 {
		return strings.TrimSpace(raw.ItemID)
	}
	parts := make([]string, 0, len(src.KeyFields))
	for _, f := range src.KeyFields {
		v, ok := raw.Fields[f].(string)
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			return ""
		}
		parts = append(parts, v)
	}
	return strings.Join(parts, keySeparator)
}

func publishedAt(fields map[string]any) *time.Time {
	for _, name := range publishedFields {
		s, ok := fields[name].(string)
		if !ok || s == "" {
			continue
		}
		for _, layout := range publishedLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				t = t.UTC()
				return &t
			}
		}
	}
	return nil
}
