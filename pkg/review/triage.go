package review

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aretw0/scriptforge/pkg/domain"
	"github.com/aretw0/scriptforge/pkg/ports"
	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const verdictSchema = `{
	"type": "object",
	"required": ["fixable"],
	"properties": {
		"fixable": {"type": "boolean"},
		"reason": {"type": "string"}
	}
}`

var verdictValidator = mustCompileSchema("verdict.json", verdictSchema)

func mustCompileSchema(url, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}

// Verdict is the triage answer for one episode.
type Verdict struct {
	Fixable bool   `mapstructure:"fixable"`
	Reason  string `mapstructure:"reason"`
	// FailOpen is set when the verdict was not given by the model.
	FailOpen bool `mapstructure:"-"`
}

type triageData struct {
	Label    string
	Goal     string
	Error    string
	Actions  []string
	Snapshot string
}

// triage classifies one episode. Episodes where the live agent succeeded always pass; any
// failure to obtain a valid verdict counts as fixable.
func (r *Reviewer) triage(ctx context.Context, block domain.ScriptBlock, ep domain.FallbackEpisode) Verdict {
	if ep.Succeeded {
		return Verdict{Fixable: true, Reason: "live agent completed the block"}
	}

	prompt, err := render("triage.tmpl", triageData{
		Label:    block.Label,
		Goal:     block.Goal,
		Error:    ep.Error,
		Actions:  describeActions(ep.Actions),
		Snapshot: r.snapshot(ctx, ep),
	})
	if err != nil {
		return r.failOpen(ep, err)
	}

	g, err := r.generator.Generate(ctx, prompt, "triage")
	if err != nil {
		return r.failOpen(ep, err)
	}
	v, err := parseVerdict(g)
	if err != nil {
		return r.failOpen(ep, err)
	}
	return v
}

func (r *Reviewer) failOpen(ep domain.FallbackEpisode, err error) Verdict {
	r.logger.Warn("triage unavailable, treating episode as fixable", "episode_id", ep.ID, "block", ep.BlockLabel, "err", err)
	return Verdict{Fixable: true, Reason: "triage unavailable", FailOpen: true}
}

// parseVerdict decodes a triage answer given as a structured object or as JSON text.
func parseVerdict(g ports.Generation) (Verdict, error) {
	var raw []byte
	if g.Structured != nil {
		b, err := json.Marshal(g.Structured)
		if err != nil {
			return Verdict{}, err
		}
		raw = b
	} else {
		text := strings.TrimSpace(g.Text)
		if m := fencePattern.FindStringSubmatch(text); m != nil {
			text = m[1]
		}
		raw = []byte(text)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Verdict{}, fmt.Errorf("triage answer is not JSON: %w", err)
	}
	if err := verdictValidator.Validate(doc); err != nil {
		return Verdict{}, fmt.Errorf("triage answer does not match schema: %w", err)
	}

	var v Verdict
	if err := mapstructure.Decode(doc, &v); err != nil {
		return Verdict{}, err
	}
	return v, nil
}
