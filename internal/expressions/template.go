package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// Resolve substitutes {{a.b.c}} placeholders in value using ctx.
//
// Strings are resolved in place; maps and slices are resolved element-wise
// into new containers. A string that is exactly one placeholder resolves to
// the referenced value itself, so "{{cart.items}}" yields the slice rather than
// its JSON text. Placeholders whose path cannot be found are left intact.
// Resolve never fails and never mutates its input.
func Resolve(value any, ctx map[string]any) any {
	switch v := value.(type) {
	case string:
		if path, ok := singlePlaceholder(v); ok {
			if val, found := Lookup(ctx, path); found {
				return val
			}
			return v
		}
		return ResolveString(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Resolve(item, ctx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Resolve(item, ctx)
		}
		return out
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = ResolveString(item, ctx)
		}
		return out
	default:
		return value
	}
}

// ResolveString substitutes every resolvable placeholder in s with the
// stringified value. Unresolvable and unclosed placeholders are copied verbatim.
func ResolveString(s string, ctx map[string]any) string {
	if !strings.Contains(s, openDelim) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], openDelim)
		if idx == -1 {
			b.WriteString(s[i:])
			break
		}
		b.WriteString(s[i : i+idx])
		start := i + idx + len(openDelim)

		end := strings.Index(s[start:], closeDelim)
		if end == -1 {
			b.WriteString(s[i+idx:])
			break
		}
		end += start

		token := s[i+idx : end+len(closeDelim)]
		path := strings.TrimSpace(s[start:end])
		if val, ok := Lookup(ctx, path); ok && path != "" {
			b.WriteString(stringify(val))
		} else {
			b.WriteString(token)
		}
		i = end + len(closeDelim)
	}
	return b.String()
}

// HasPlaceholder reports whether s still contains a {{...}} token.
func HasPlaceholder(s string) bool {
	start := strings.Index(s, openDelim)
	return start != -1 && strings.Contains(s[start+len(openDelim):], closeDelim)
}

// Lookup reads a dotted path from ctx. A key containing dots is matched
// directly before the path is split. Numeric segments index into slices.
func Lookup(ctx map[string]any, path string) (any, bool) {
	if ctx == nil || path == "" {
		return nil, false
	}
	if val, ok := ctx[path]; ok {
		return val, true
	}

	var current any = ctx
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, false
		}
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = val
		case []any:
			n, err := strconv.Atoi(seg)
			if err != nil || n < 0 || n >= len(v) {
				return nil, false
			}
			current = v[n]
		default:
			return nil, false
		}
	}
	return current, true
}

// singlePlaceholder reports whether s is exactly one {{path}} token.
// Surrounding text, whitespace included, makes it a string template.
func singlePlaceholder(s string) (string, bool) {
	if !strings.HasPrefix(s, openDelim) || !strings.HasSuffix(s, closeDelim) || len(s) < len(openDelim)+len(closeDelim) {
		return "", false
	}
	inner := s[len(openDelim) : len(s)-len(closeDelim)]
	if strings.Contains(inner, openDelim) || strings.Contains(inner, closeDelim) {
		return "", false
	}
	path := strings.TrimSpace(inner)
	return path, path != ""
}

// stringify renders a resolved value for embedding inside a larger string.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns the sorted keys of m.
func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
