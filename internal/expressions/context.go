package expressions

import "encoding/json"

// CopyMap returns a deep copy of m. Nested maps and slices are copied;
// scalars are shared.
func CopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = CopyValue(v)
	}
	return cp
}

// CopyValue recursively copies maps, slices and raw JSON.
func CopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = CopyValue(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}

// MergeDelta applies delta onto dst key by key. Keys present in dst but
// absent from delta are kept, so the result is always a superset of dst.
// It returns the keys written, sorted.
func MergeDelta(dst, delta map[string]any) []string {
	if len(delta) == 0 {
		return nil
	}
	for k, v := range delta {
		dst[k] = CopyValue(v)
	}
	return mapKeys(delta)
}
