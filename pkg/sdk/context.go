package sdk

import (
	"fmt"
	"maps"
	"strings"
	"sync"
	"text/template"

	"github.com/mitchellh/mapstructure"
)

// RunContext carries the parameters, metadata and block outputs of one program run.
// Safe for concurrent use.
type RunContext struct {
	mu       sync.RWMutex
	params   map[string]any
	outputs  map[string]any
	metadata map[string]string
}

// Override adjusts a RunContext before the first block runs.
type Override func(*RunContext)

// WithMetadata sets a metadata entry.
func WithMetadata(key, value string) Override {
	return func(rc *RunContext) {
		rc.metadata[key] = value
	}
}

// WithParam overrides a single parameter.
func WithParam(key string, value any) Override {
	return func(rc *RunContext) {
		rc.params[key] = value
	}
}

// NewRunContext builds a RunContext from a generated Parameters struct or a plain map.
func NewRunContext(params any, overrides ...Override) (*RunContext, error) {
	rc := &RunContext{
		params:   make(map[string]any),
		outputs:  make(map[string]any),
		metadata: make(map[string]string),
	}

	switch p := params.(type) {
	case nil:
	case map[string]any:
		maps.Copy(rc.params, p)
	default:
		if err := mapstructure.Decode(params, &rc.params); err != nil {
			return nil, fmt.Errorf("failed to decode run parameters: %w", err)
		}
	}

	for _, o := range overrides {
		o(rc)
	}
	return rc, nil
}

// Param returns a parameter formatted as a string, or "" when unset.
func (rc *RunContext) Param(key string) string {
	v := rc.Value(key)
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Value returns the raw parameter value.
func (rc *RunContext) Value(key string) any {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.params[key]
}

// SetOutput stores the result of a block under its label.
func (rc *RunContext) SetOutput(label string, v any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.outputs[label] = v
}

// Output returns the result of an earlier block.
func (rc *RunContext) Output(label string) any {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.outputs[label]
}

// Metadata returns a metadata entry.
func (rc *RunContext) Metadata(key string) string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.metadata[key]
}

// Render expands {{.key}} references in text against the run parameters.
// Unknown keys render empty. Text that is not a valid template is returned unchanged.
func (rc *RunContext) Render(text string) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	tmpl, err := template.New("prompt").Option("missingkey=zero").Parse(text)
	if err != nil {
		return text
	}

	rc.mu.RLock()
	data := maps.Clone(rc.params)
	rc.mu.RUnlock()

	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return text
	}
	return strings.ReplaceAll(b.String(), "<no value>", "")
}
