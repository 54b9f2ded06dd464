package codegen

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/aretw0/scriptforge/pkg/domain"
)

// DefaultMinParamLen is the shortest literal the lookup will parameterize.
const DefaultMinParamLen = 3

var (
	// matches {{ key }}, {{key}} and {{ .key }}
	referencePattern = regexp.MustCompile(`\{\{\s*\.?([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

	braceEscaper = strings.NewReplacer("{{", `{{"{{"}}`, "}}", `{{"}}"}}`)
)

// Lookup maps literal values typed during a run back to the parameters that supplied them.
type Lookup struct {
	byValue  map[string]string
	ordered  []string // values, longest first
	declared map[string]bool
}

// BuildLookup indexes the bindings of declared parameters whose value was typed, selected or
// uploaded by some action. Values shorter than minLen are ignored; when two parameters share a
// value the one declared first wins.
func BuildLookup(tr *domain.Trace, minLen int) *Lookup {
	if minLen <= 0 {
		minLen = DefaultMinParamLen
	}
	l := &Lookup{
		byValue:  make(map[string]string),
		declared: make(map[string]bool),
	}

	var typed []string
	for _, id := range tr.TaskIDs() {
		for _, a := range tr.Actions[id] {
			if a.Type.CarriesValue() && a.Value() != "" {
				typed = append(typed, a.Value())
			}
		}
	}
	for _, b := range tr.Blocks {
		if b.TaskID != "" {
			continue
		}
		for _, a := range b.Actions {
			if a.Type.CarriesValue() && a.Value() != "" {
				typed = append(typed, a.Value())
			}
		}
	}

	for _, p := range tr.Parameters {
		l.declared[p.Key] = true
		raw, ok := tr.Bindings[p.Key]
		if !ok || raw == nil {
			continue
		}
		value := fmt.Sprint(raw)
		if len(value) < minLen {
			continue
		}
		if _, taken := l.byValue[value]; taken {
			continue
		}
		if !slices.ContainsFunc(typed, func(t string) bool { return strings.Contains(t, value) }) {
			continue
		}
		l.byValue[value] = p.Key
		l.ordered = append(l.ordered, value)
	}

	sort.SliceStable(l.ordered, func(i, j int) bool { return len(l.ordered[i]) > len(l.ordered[j]) })
	return l
}

// Key returns the parameter whose value is exactly v.
func (l *Lookup) Key(v string) (string, bool) {
	k, ok := l.byValue[v]
	return k, ok
}

// Len returns the number of indexed values.
func (l *Lookup) Len() int {
	return len(l.ordered)
}

type segment struct {
	text string
	key  string
}

// Parameterize rewrites text into a template over the run parameters. Existing references to
// declared parameters are normalized to {{.key}}, indexed literals are replaced by references and
// any other braces are escaped. The boolean is false when text holds no reference, in which case
// text is returned unchanged.
func (l *Lookup) Parameterize(text string) (string, bool) {
	segs := l.splitReferences(text)
	for _, value := range l.ordered {
		segs = splitValue(segs, value, l.byValue[value])
	}

	hasRef := false
	for _, s := range segs {
		if s.key != "" {
			hasRef = true
			break
		}
	}
	if !hasRef {
		return text, false
	}

	var b strings.Builder
	for _, s := range segs {
		if s.key != "" {
			b.WriteString("{{." + s.key + "}}")
			continue
		}
		b.WriteString(braceEscaper.Replace(s.text))
	}
	return b.String(), true
}

func (l *Lookup) splitReferences(text string) []segment {
	var segs []segment
	last := 0
	for _, m := range referencePattern.FindAllStringSubmatchIndex(text, -1) {
		key := text[m[2]:m[3]]
		if !l.declared[key] {
			continue
		}
		if m[0] > last {
			segs = append(segs, segment{text: text[last:m[0]]})
		}
		segs = append(segs, segment{key: key})
		last = m[1]
	}
	if last < len(text) {
		segs = append(segs, segment{text: text[last:]})
	}
	return segs
}

func splitValue(segs []segment, value, key string) []segment {
	var out []segment
	for _, s := range segs {
		if s.key != "" || !strings.Contains(s.text, value) {
			out = append(out, s)
			continue
		}
		parts := strings.Split(s.text, value)
		for i, p := range parts {
			if i > 0 {
				out = append(out, segment{key: key})
			}
			if p != "" {
				out = append(out, segment{text: p})
			}
		}
	}
	return out
}

// Template returns text in a form that renders back to itself, or to the parameterized prompt
// when it references parameters.
func (l *Lookup) Template(text string) string {
	if s, ok := l.Parameterize(text); ok {
		return s
	}
	return braceEscaper.Replace(text)
}

// References returns the parameter keys a template refers to, in order of first use.
func References(template string) []string {
	var keys []string
	for _, m := range referencePattern.FindAllStringSubmatch(template, -1) {
		if !slices.Contains(keys, m[1]) {
			keys = append(keys, m[1])
		}
	}
	return keys
}
