package version_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aretw0/scriptforge/pkg/adapters/memory"
	"github.com/aretw0/scriptforge/pkg/codegen"
	"github.com/aretw0/scriptforge/pkg/domain"
	"github.com/aretw0/scriptforge/pkg/ports"
	"github.com/aretw0/scriptforge/pkg/resolver"
	"github.com/aretw0/scriptforge/pkg/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const searchPatch = `//scriptforge:block search
func BlockSearch(ctx context.Context, page sdk.Page, rc *sdk.RunContext) (any, error) {
	if err := page.Goto(ctx, sdk.Goto{URL: "https://shop.example.com", CacheKey: "search"}); err != nil {
		return nil, err
	}
	if err := page.Fill(ctx, sdk.Fill{Selector: "#q", Value: rc.Param("query"), CacheKey: "search"}); err != nil {
		return nil, err
	}
	if err := page.Click(ctx, sdk.Click{Selector: "#search-go", Prompt: "Run the search", CacheKey: "search"}); err != nil {
		return nil, err
	}
	return nil, nil
}
`

const checkPatch = `//scriptforge:block check
func BlockCheck(ctx context.Context, page sdk.Page, rc *sdk.RunContext) (any, error) {
	state, err := page.Classify(ctx, sdk.Classify{Prompt: "Is the user logged in?", Options: []string{"in", "out"}, CacheKey: "check"})
	if err != nil {
		return nil, err
	}
	switch state {
	case "in":
		return state, nil
	case "out":
		return state, page.Click(ctx, sdk.Click{Prompt: "Open the login form", CacheKey: "check"})
	default:
		return nil, sdk.ErrUnhandledBranch
	}
}
`

type fixture struct {
	scripts   *memory.Store
	artifacts *memory.ArtifactStore
	resolver  *resolver.Resolver
	writer    *version.Writer
	initial   *version.Result
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{scripts: memory.NewStore(), artifacts: memory.NewArtifactStore()}
	f.resolver = resolver.New(f.scripts)
	f.writer = version.New(f.scripts, f.artifacts, version.WithInvalidator(f.resolver))

	tr := &domain.Trace{
		RunID:      "run-1",
		WorkflowID: "wf",
		Parameters: []domain.Parameter{{Key: "query"}},
		Bindings:   map[string]any{"query": "blue shoes"},
		Blocks: []domain.BlockIR{
			{Label: "search", Type: domain.BlockTask, Goal: "Search for blue shoes", URL: "https://shop.example.com",
				Actions: []domain.ActionRecord{
					{Type: domain.ActionInputText, Selector: "#q", Text: "blue shoes"},
					{Type: domain.ActionClick, Selector: "#go", Intention: "Run the search"},
				}},
			{Label: "check", Type: domain.BlockConditional, Goal: "Decide whether the user is logged in",
				Branches: []domain.Branch{{Label: "in"}, {Label: "out"}}},
			{Label: "total", Type: domain.BlockExtraction, Goal: "Read the order total"},
		},
	}
	prog, err := codegen.New().Emit(tr)
	require.NoError(t, err)

	f.initial, err = f.writer.PublishInitial(context.Background(), prog, "wf", "default:shop.example.com")
	require.NoError(t, err)
	return f
}

func (f *fixture) program(t *testing.T, revisionID string) string {
	t.Helper()
	src, err := codegen.LoadFile(context.Background(), f.scripts, f.artifacts, revisionID, domain.ProgramPath)
	require.NoError(t, err)
	return string(src)
}

func byLabel(blocks []domain.ScriptBlock) map[string]domain.ScriptBlock {
	m := make(map[string]domain.ScriptBlock)
	for _, b := range blocks {
		m[b.Label] = b
	}
	return m
}

func TestPublishInitial(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	assert.Equal(t, 1, f.initial.Script.Version)
	assert.Equal(t, domain.RevisionReady, f.initial.Script.Status)
	require.Len(t, f.initial.Blocks, 3)

	blocks := byLabel(f.initial.Blocks)
	assert.True(t, blocks["check"].RequiresAgent)
	assert.False(t, blocks["check"].Invocable())
	assert.Empty(t, blocks["check"].FileID)
	assert.Equal(t, "BlockSearch(ctx, page, rc)", blocks["search"].RunSignature)

	files, err := f.scripts.ListScriptFiles(ctx, f.initial.Script.RevisionID, "blocks/*.go")
	require.NoError(t, err)
	assert.Len(t, files, 2)

	res, err := f.resolver.Resolve(ctx, "wf", "default:shop.example.com", domain.MappingPublished)
	require.NoError(t, err)
	assert.Equal(t, f.initial.Script.ScriptID, res.Script.ScriptID)
}

func TestPublish_CopyOnWrite(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	v1 := f.initial.Script
	programV1 := f.program(t, v1.RevisionID)
	blocksV1, err := f.scripts.GetScriptBlocks(ctx, v1.RevisionID)
	require.NoError(t, err)

	res, err := f.writer.Publish(ctx, version.Request{
		ScriptID:      v1.ScriptID,
		CacheKeyValue: "default:shop.example.com",
		Patches:       []codegen.Patch{{Label: "search", Source: []byte(searchPatch)}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Script.Version)
	assert.Equal(t, v1.ScriptID, res.Script.ScriptID)
	assert.Equal(t, []string{"search"}, res.Patched)

	// v1 is untouched
	assert.Equal(t, programV1, f.program(t, v1.RevisionID))
	again, err := f.scripts.GetScriptBlocks(ctx, v1.RevisionID)
	require.NoError(t, err)
	assert.Equal(t, blocksV1, again)

	// v2 carries the patch and reuses unchanged files
	programV2 := f.program(t, res.Script.RevisionID)
	assert.Contains(t, programV2, "#search-go")
	assert.NotContains(t, programV2, `Selector: "#go"`)
	assert.Equal(t, strings.Count(programV1, "//scriptforge:block"), strings.Count(programV2, "//scriptforge:block"))

	before, after := byLabel(blocksV1), byLabel(res.Blocks)
	assert.Equal(t, before["total"].FileID, after["total"].FileID, "unpatched blocks are copied by reference")
	assert.NotEqual(t, before["search"].FileID, after["search"].FileID)
	assert.Equal(t, []string{"query"}, after["search"].InputFields)

	files, err := f.scripts.ListScriptFiles(ctx, res.Script.RevisionID, "")
	require.NoError(t, err)
	assert.Len(t, files, 3)

	patched, err := codegen.LoadFile(ctx, f.scripts, f.artifacts, res.Script.RevisionID, "blocks/search.go")
	require.NoError(t, err)
	assert.Equal(t, searchPatch, string(patched))

	latest, err := f.scripts.GetScript(ctx, v1.ScriptID, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
}

func TestPublish_PatchLabelWhitespace(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	res, err := f.writer.Publish(ctx, version.Request{
		ScriptID: f.initial.Script.ScriptID,
		Patches:  []codegen.Patch{{Label: "  search ", Source: []byte(searchPatch)}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"search"}, res.Patched)
	assert.Len(t, res.Blocks, 3, "no block is appended for a whitespace variant")
	assert.Equal(t, 1, strings.Count(f.program(t, res.Script.RevisionID), "func BlockSearch("))
}

func TestPublish_AppendsBlockWithoutMarker(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	confirm := strings.NewReplacer("search", "confirm", "Search", "Confirm").Replace(searchPatch)
	res, err := f.writer.Publish(ctx, version.Request{
		ScriptID: f.initial.Script.ScriptID,
		Patches:  []codegen.Patch{{Label: "confirm", Source: []byte(confirm)}},
	})
	require.NoError(t, err)

	program := f.program(t, res.Script.RevisionID)
	block := strings.Index(program, "//scriptforge:block confirm")
	runner := strings.Index(program, "//scriptforge:runner")
	require.Positive(t, block)
	assert.Less(t, block, runner, "appended blocks go before the runner")
	assert.Contains(t, program, `{Label: "confirm", Block: BlockConfirm}`)

	blocks := byLabel(res.Blocks)
	require.Len(t, blocks, 4)
	assert.Equal(t, 3, blocks["confirm"].Position)
	assert.True(t, blocks["confirm"].Invocable())
}

func TestPublish_CompilesAgentBlock(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	programV1 := f.program(t, f.initial.Script.RevisionID)
	require.Contains(t, programV1, `sdk.AgentStep("check"`)

	res, err := f.writer.Publish(ctx, version.Request{
		ScriptID: f.initial.Script.ScriptID,
		Patches:  []codegen.Patch{{Label: "check", Source: []byte(checkPatch)}},
		Compiled: []string{"check"},
	})
	require.NoError(t, err)

	check := byLabel(res.Blocks)["check"]
	assert.False(t, check.RequiresAgent)
	assert.Equal(t, "BlockCheck(ctx, page, rc)", check.RunSignature)
	assert.NotEmpty(t, check.FileID)

	program := f.program(t, res.Script.RevisionID)
	assert.Contains(t, program, `{Label: "check", Block: BlockCheck}`)
	assert.NotContains(t, program, `sdk.AgentStep("check"`)
	assert.Less(t, strings.Index(program, `{Label: "search"`), strings.Index(program, `{Label: "check"`), "runner keeps block order")
}

func TestPublish_InvalidatesResolver(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	key := "default:shop.example.com"

	res, err := f.resolver.Resolve(ctx, "wf", key, domain.MappingPublished)
	require.NoError(t, err)
	require.Equal(t, 1, res.Script.Version)

	_, err = f.writer.Publish(ctx, version.Request{
		ScriptID:      f.initial.Script.ScriptID,
		CacheKeyValue: key,
		Patches:       []codegen.Patch{{Label: "search", Source: []byte(searchPatch)}},
	})
	require.NoError(t, err)

	res, err = f.resolver.Resolve(ctx, "wf", key, domain.MappingPublished)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Script.Version)
}

func TestPublish_FailureLeavesLatestUnchanged(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := f.writer.Publish(ctx, version.Request{
		ScriptID: f.initial.Script.ScriptID,
		Patches:  []codegen.Patch{{Label: "search", Source: []byte("func BlockSearch( {")}},
	})
	require.Error(t, err)

	_, err = f.writer.Publish(ctx, version.Request{
		ScriptID: f.initial.Script.ScriptID,
		Patches: []codegen.Patch{
			{Label: "search", Source: []byte(searchPatch)},
			{Label: "search", Source: []byte(searchPatch)},
		},
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateLabel)

	latest, err := f.scripts.GetScript(ctx, f.initial.Script.ScriptID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Version)

	_, err = f.writer.Publish(ctx, version.Request{ScriptID: "missing"})
	assert.ErrorIs(t, err, domain.ErrScriptNotFound)
}

// flakyArtifacts fails every write while down is set.
type flakyArtifacts struct {
	ports.ArtifactStore
	down bool
}

func (f *flakyArtifacts) PutArtifact(ctx context.Context, data []byte) (string, error) {
	if f.down {
		return "", errors.New("blob store down")
	}
	return f.ArtifactStore.PutArtifact(ctx, data)
}

func TestPublish_RecoversAfterAbandonedDraft(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	blobs := &flakyArtifacts{ArtifactStore: f.artifacts, down: true}
	writer := version.New(f.scripts, blobs, version.WithInvalidator(f.resolver))
	req := version.Request{
		ScriptID:      f.initial.Script.ScriptID,
		CacheKeyValue: "default:shop.example.com",
		Patches:       []codegen.Patch{{Label: "search", Source: []byte(searchPatch)}},
	}

	_, err := writer.Publish(ctx, req)
	require.ErrorContains(t, err, "blob store down")

	draft, err := f.scripts.GetScript(ctx, f.initial.Script.ScriptID, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.RevisionDraft, draft.Status, "the failed cycle leaves only a draft")
	latest, err := f.scripts.GetScript(ctx, f.initial.Script.ScriptID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Version)

	blobs.down = false
	res, err := writer.Publish(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Script.Version)
	assert.Contains(t, f.program(t, res.Script.RevisionID), "#search-go")

	latest, err = f.scripts.GetScript(ctx, f.initial.Script.ScriptID, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Version)

	// a writer still holding v1 as its base now conflicts
	req.BaseVersion = 1
	_, err = writer.Publish(ctx, req)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
}
