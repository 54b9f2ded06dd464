package review

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/aretw0/scriptforge/pkg/codegen"
	"github.com/aretw0/scriptforge/pkg/domain"
	"github.com/aretw0/scriptforge/pkg/sdk"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

var prompts = template.Must(template.New("prompts").Funcs(template.FuncMap{
	"join": strings.Join,
	"inc":  func(i int) int { return i + 1 },
}).ParseFS(promptFS, "prompts/*.tmpl"))

func render(name string, data any) (string, error) {
	var b strings.Builder
	if err := prompts.ExecuteTemplate(&b, name, data); err != nil {
		return "", fmt.Errorf("failed to render prompt %s: %w", name, err)
	}
	return b.String(), nil
}

// surface is the part of every drafting prompt that describes what compiled code may use.
type surface struct {
	Label             string
	FuncName          string
	ImportPath        string
	Primitives        []string
	RunContextMethods []string
	ParamKeys         []string
}

func newSurface(label string, paramKeys []string) surface {
	return surface{
		Label:             label,
		FuncName:          codegen.FuncName(label),
		ImportPath:        sdk.ImportPath,
		Primitives:        primitiveCatalog(),
		RunContextMethods: sdk.RunContextMethods,
		ParamKeys:         paramKeys,
	}
}

func primitiveCatalog() []string {
	prims := sdk.Primitives()
	out := make([]string, 0, len(prims))
	for _, name := range sdk.PrimitiveNames() {
		out = append(out, fmt.Sprintf("page.%s(ctx, sdk.%s{%s})", name, name, strings.Join(prims[name], ", ")))
	}
	return out
}

type episodeView struct {
	Error     string
	Branch    string
	Succeeded bool
	Actions   []string
}

type draftData struct {
	surface
	Goal          string
	Source        string
	Episodes      []episodeView
	StaleBranches []string
	Snapshot      string
	Attempt       int
	MaxAttempts   int
	LastError     string
}

type decisionData struct {
	surface
	Goal        string
	Branches    []domain.Branch
	Attempt     int
	MaxAttempts int
	LastError   string
}

func describeActions(actions []domain.ActionRecord) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		var parts []string
		if a.Selector != "" {
			parts = append(parts, "selector="+a.Selector)
		}
		if a.Intention != "" {
			parts = append(parts, "intent="+a.Intention)
		}
		if a.URL != "" {
			parts = append(parts, "url="+a.URL)
		}
		if a.Type.CarriesValue() {
			parts = append(parts, "value=<"+string(a.Type)+">")
		}
		out = append(out, strings.TrimSpace(string(a.Type)+" "+strings.Join(parts, " ")))
	}
	return out
}

func views(episodes []domain.FallbackEpisode) []episodeView {
	out := make([]episodeView, 0, len(episodes))
	for _, ep := range episodes {
		out = append(out, episodeView{
			Error:     ep.Error,
			Branch:    ep.Branch,
			Succeeded: ep.Succeeded,
			Actions:   describeActions(ep.Actions),
		})
	}
	return out
}

// snapshot loads the page snapshot of an episode, truncated to the configured limit.
func (r *Reviewer) snapshot(ctx context.Context, ep domain.FallbackEpisode) string {
	if ep.SnapshotArtifactID == "" || r.artifacts == nil {
		return ""
	}
	data, err := r.artifacts.GetArtifact(ctx, ep.SnapshotArtifactID)
	if err != nil {
		r.logger.Debug("snapshot unavailable", "episode_id", ep.ID, "err", err)
		return ""
	}
	if len(data) > r.snapshotLimit {
		cut := r.snapshotLimit
		for cut > 0 && !utf8.RuneStart(data[cut]) {
			cut--
		}
		data = data[:cut]
	}
	return string(data)
}

func branchNames(branches []domain.StaleBranch) []string {
	out := make([]string, 0, len(branches))
	for _, b := range branches {
		out = append(out, b.BranchLabel)
	}
	sort.Strings(out)
	return out
}
