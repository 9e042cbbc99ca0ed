package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// HashContent computes the SHA-256 digest of a canonical serialization of
// content. The serialization sorts map keys at every nesting level, so field
// order never affects the hash.
func HashContent(content map[string]any) string {
	var sb strings.Builder
	writeCanonical(&sb, content)
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// CanonicalString returns the canonical serialization used for hashing.
// Exposed for the fuzzy change-detection strategy, which scores similarity
// over the same representation the hash is computed from.
func CanonicalString(content map[string]any) string {
	var sb strings.Builder
	writeCanonical(&sb, content)
	return sb.String()
}

func writeCanonical(sb *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeJSONString(sb, k)
			sb.WriteByte(':')
			writeCanonical(sb, val[k])
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, item)
		}
		sb.WriteByte(']')
	case nil:
		sb.WriteString("null")
	case string:
		writeJSONString(sb, val)
	case bool:
		if val {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case json.Number:
		sb.WriteString(val.String())
	case float64:
		// Integral floats render without a fractional part so that values
		// decoded from JSON hash the same as native ints.
		if val == float64(int64(val)) {
			fmt.Fprintf(sb, "%d", int64(val))
		} else {
			fmt.Fprintf(sb, "%g", val)
		}
	case int:
		fmt.Fprintf(sb, "%d", val)
	case int64:
		fmt.Fprintf(sb, "%d", val)
	default:
		// Uncommon types fall back to encoding/json.
		b, err := json.Marshal(val)
		if err != nil {
			fmt.Fprintf(sb, "%q", fmt.Sprintf("%v", val))
			return
		}
		sb.Write(b)
	}
}

func writeJSONString(sb *strings.Builder, s string) {
	b, _ := json.Marshal(s)
	sb.Write(b)
}
