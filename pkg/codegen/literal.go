package codegen

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Literal renders s as a Go string literal. Multi-line text uses a raw literal
// unless it contains a backquote or a carriage return.
func Literal(s string) string {
	if strings.Contains(s, "\n") && !strings.ContainsAny(s, "`\r") {
		return "`" + s + "`"
	}
	return strconv.Quote(s)
}

// valueLiteral renders JSON-like data (as decoded from traces) as a Go expression.
func valueLiteral(v any) string {
	switch val := v.(type) {
	case nil:
		return "nil"
	case string:
		return strconv.Quote(val)
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, strconv.Quote(k)+": "+valueLiteral(val[k]))
		}
		return "map[string]any{" + strings.Join(parts, ", ") + "}"
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, valueLiteral(item))
		}
		return "[]any{" + strings.Join(parts, ", ") + "}"
	case []string:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, strconv.Quote(item))
		}
		return "[]string{" + strings.Join(parts, ", ") + "}"
	case map[any]any:
		// yaml.v3 decodes nested maps with non-string keys this way
		conv := make(map[string]any, len(val))
		for k, item := range val {
			conv[fmt.Sprint(k)] = item
		}
		return valueLiteral(conv)
	default:
		return strconv.Quote(fmt.Sprint(val))
	}
}
