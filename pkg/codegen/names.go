package codegen

import (
	"strings"
	"unicode"
)

// FuncName returns the Go function name of a block: "search results" -> "BlockSearchResults".
func FuncName(label string) string {
	name := camel(label)
	if name == "" {
		name = "Unnamed"
	}
	return "Block" + name
}

// FieldName returns the exported Parameters field for a parameter key.
func FieldName(key string) string {
	name := camel(key)
	if name == "" || unicode.IsDigit(rune(name[0])) {
		return "Param" + name
	}
	return name
}

// RunSignature returns how the runner invokes a compiled block.
func RunSignature(label string) string {
	return FuncName(label) + "(ctx, page, rc)"
}

func camel(s string) string {
	var b strings.Builder
	upper := true
	for _, r := range s {
		if r >= unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r)) {
			upper = true
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
