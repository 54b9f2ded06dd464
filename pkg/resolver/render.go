package resolver

import (
	"regexp"
	"strings"
	"text/template"

	"github.com/aretw0/scriptforge/pkg/domain"
)

// DefaultKey is the cache-key template shared by every run of a workflow on one domain.
const DefaultKey = "default"

// bare {{ key }} references, rewritten to {{.key}} before parsing
var barePattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Render evaluates a logic-less cache-key template against run bindings.
// Missing keys render empty. An empty or "default" result is enriched with the target
// domain of the trace, so runs on different sites never share a script.
// When bindings is nil the trace bindings are used.
func Render(tmpl string, bindings map[string]any, tr *domain.Trace) string {
	if bindings == nil && tr != nil {
		bindings = tr.Bindings
	}

	out := strings.TrimSpace(expand(tmpl, bindings))
	if out != "" && out != DefaultKey {
		return out
	}

	host := ""
	if tr != nil {
		host = tr.TargetDomain()
	}
	if host == "" {
		return DefaultKey
	}
	return DefaultKey + ":" + host
}

func expand(tmpl string, bindings map[string]any) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	t, err := template.New("cache_key").Option("missingkey=zero").Parse(barePattern.ReplaceAllString(tmpl, "{{.$1}}"))
	if err != nil {
		return tmpl
	}
	if bindings == nil {
		bindings = map[string]any{}
	}
	var b strings.Builder
	if err := t.Execute(&b, bindings); err != nil {
		return tmpl
	}
	return strings.ReplaceAll(b.String(), "<no value>", "")
}
