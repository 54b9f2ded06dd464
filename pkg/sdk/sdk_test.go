package sdk_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aretw0/scriptforge/pkg/sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPage struct {
	sdk.Page
	agentPrompts []string
	fail         bool
}

func (p *recordingPage) RunAgent(ctx context.Context, opts sdk.RunAgent) (any, error) {
	if p.fail {
		return nil, errors.New("agent gave up")
	}
	p.agentPrompts = append(p.agentPrompts, opts.Prompt)
	return opts.CacheKey, nil
}

type searchParams struct {
	Query string `mapstructure:"query"`
	Limit int    `mapstructure:"limit"`
}

func TestNewRunContext_DecodesStructs(t *testing.T) {
	rc, err := sdk.NewRunContext(searchParams{Query: "shoes", Limit: 3}, sdk.WithMetadata("region", "eu"))
	require.NoError(t, err)

	assert.Equal(t, "shoes", rc.Param("query"))
	assert.Equal(t, "3", rc.Param("limit"))
	assert.Equal(t, 3, rc.Value("limit"))
	assert.Equal(t, "", rc.Param("missing"))
	assert.Equal(t, "eu", rc.Metadata("region"))
}

func TestNewRunContext_MapAndOverrides(t *testing.T) {
	rc, err := sdk.NewRunContext(map[string]any{"query": "a"}, sdk.WithParam("query", "b"))
	require.NoError(t, err)
	assert.Equal(t, "b", rc.Param("query"))
}

func TestRender(t *testing.T) {
	rc, err := sdk.NewRunContext(map[string]any{"email": "me@example.com"})
	require.NoError(t, err)

	assert.Equal(t, "Sign in as me@example.com", rc.Render("Sign in as {{.email}}"))
	assert.Equal(t, "Hello ", rc.Render("Hello {{.unknown}}"))
	assert.Equal(t, "literal {{ braces }}", rc.Render(`literal {{"{{"}} braces {{"}}"}}`))
	assert.Equal(t, "plain", rc.Render("plain"))
}

func TestRunSteps(t *testing.T) {
	page := &recordingPage{}
	rc, err := sdk.NewRunContext(map[string]any{"city": "Lisbon"})
	require.NoError(t, err)

	steps := []sdk.Step{
		{Label: "first", Block: func(ctx context.Context, page sdk.Page, rc *sdk.RunContext) (any, error) {
			return "one", nil
		}},
		{Label: "skipped"},
		sdk.AgentStep("weather", "Find the weather in {{.city}}"),
	}

	ran, err := sdk.RunSteps(context.Background(), page, rc, steps)
	require.NoError(t, err)
	assert.Equal(t, 2, ran)
	assert.Equal(t, "one", rc.Output("first"))
	assert.Equal(t, "weather", rc.Output("weather"))
	assert.Equal(t, []string{"Find the weather in Lisbon"}, page.agentPrompts)
}

func TestRunSteps_StopsOnError(t *testing.T) {
	page := &recordingPage{fail: true}
	rc, err := sdk.NewRunContext(nil)
	require.NoError(t, err)

	ran, err := sdk.RunSteps(context.Background(), page, rc, []sdk.Step{sdk.AgentStep("decide", "go")})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), `block "decide"`)
	assert.Equal(t, 0, ran)
}

func TestPrimitives(t *testing.T) {
	prims := sdk.Primitives()
	assert.Contains(t, prims, "Goto")
	assert.Equal(t, []string{"Selector", "Value", "Prompt", "CacheKey"}, prims["Fill"])
	for name, fields := range prims {
		assert.Contains(t, fields, "CacheKey", "primitive %s must accept a cache key", name)
		assert.Contains(t, sdk.Exports, name)
	}
	assert.Len(t, sdk.PrimitiveNames(), 16)
}
