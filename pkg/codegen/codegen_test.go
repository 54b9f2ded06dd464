package codegen_test

import (
	"context"
	"go/parser"
	"go/token"
	"strings"
	"testing"

	"github.com/aretw0/scriptforge/pkg/adapters/memory"
	"github.com/aretw0/scriptforge/pkg/codegen"
	"github.com/aretw0/scriptforge/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTrace() *domain.Trace {
	login := []domain.ActionRecord{
		{Type: domain.ActionInputText, Selector: "#email", Text: "me@example.com", TaskID: "t-login"},
		{Type: domain.ActionInputText, Selector: "#note", Text: "ship to me@example.com {{fast}}", TaskID: "t-login"},
		{Type: domain.ActionClick, Selector: "#submit", Intention: "Submit the form for me@example.com", TaskID: "t-login"},
		{Type: domain.ActionTerminate, TaskID: "t-login"},
	}
	extract := []domain.ActionRecord{
		{Type: domain.ActionExtract, Intention: "Read the order total", TaskID: "t-total",
			Schema: map[string]any{"type": "object", "properties": map[string]any{"total": map[string]any{"type": "number"}}}},
	}
	return &domain.Trace{
		RunID:            "run-1",
		WorkflowID:       "wf-1",
		CacheKeyTemplate: "default",
		Parameters: []domain.Parameter{
			{Key: "email", Type: "string"},
			{Key: "retries", Type: "integer"},
		},
		Bindings: map[string]any{"email": "me@example.com", "retries": 2},
		Blocks: []domain.BlockIR{
			{Label: "login", Type: domain.BlockLogin, URL: "https://shop.example.com/login", Goal: "Sign in as {{ email }}", TaskID: "t-login", Actions: login},
			{Label: "pick plan", Type: domain.BlockConditional, Goal: "Choose plan for {{ email }}",
				Branches: []domain.Branch{{Label: "basic"}, {Label: "pro"}}},
			{Label: "order total", Type: domain.BlockExtraction, TaskID: "t-total", Actions: extract},
		},
		Actions: map[string][]domain.ActionRecord{"t-login": login, "t-total": extract},
	}
}

func TestFuncName(t *testing.T) {
	assert.Equal(t, "BlockSearchResults", codegen.FuncName("search results"))
	assert.Equal(t, "Block2faCode", codegen.FuncName("2fa-code"))
	assert.Equal(t, "BlockUnnamed", codegen.FuncName("!!"))
	assert.Equal(t, "Param1st", codegen.FieldName("1st"))
	assert.Equal(t, "FirstName", codegen.FieldName("first_name"))
}

func TestLiteral(t *testing.T) {
	assert.Equal(t, `"one line"`, codegen.Literal("one line"))
	assert.Equal(t, "`two\nlines`", codegen.Literal("two\nlines"))
	assert.Equal(t, `"has `+"`"+`\nticks"`, codegen.Literal("has `\nticks"))
}

func TestLookup(t *testing.T) {
	tr := sampleTrace()
	tr.Parameters = append(tr.Parameters, domain.Parameter{Key: "contact"}, domain.Parameter{Key: "domain"}, domain.Parameter{Key: "ab"})
	tr.Bindings["contact"] = "me@example.com"
	tr.Bindings["domain"] = "example.com"
	tr.Bindings["ab"] = "me"

	l := codegen.BuildLookup(tr, 3)

	key, ok := l.Key("me@example.com")
	require.True(t, ok)
	assert.Equal(t, "email", key, "first declared parameter wins")

	_, ok = l.Key("me")
	assert.False(t, ok, "values under the minimum length are ignored")

	out, ok := l.Parameterize("Mail me@example.com at example.com")
	require.True(t, ok)
	assert.Equal(t, "Mail {{.email}} at {{.domain}}", out, "longer values are matched first")

	out, ok = l.Parameterize("Sign in as {{ email }} with {{ unrelated }}")
	require.True(t, ok)
	assert.Equal(t, `Sign in as {{.email}} with {{"{{"}} unrelated {{"}}"}}`, out)

	out, ok = l.Parameterize("nothing to see {{here}}")
	assert.False(t, ok)
	assert.Equal(t, "nothing to see {{here}}", out)

	assert.Equal(t, `nothing to see {{"{{"}}here{{"}}"}}`, l.Template("nothing to see {{here}}"))
	assert.Equal(t, []string{"email", "domain"}, codegen.References("{{.email}} {{.domain}} {{.email}}"))
}

func TestEmit(t *testing.T) {
	prog, err := codegen.New().Emit(sampleTrace())
	require.NoError(t, err)

	_, err = parser.ParseFile(token.NewFileSet(), "program.go", prog.Main, parser.ParseComments)
	require.NoError(t, err, string(prog.Main))

	main := string(prog.Main)
	assert.Contains(t, main, "//scriptforge:block login\nfunc BlockLogin(")
	assert.Contains(t, main, "Email string `json:\"email\" mapstructure:\"email\"`")
	assert.Contains(t, main, "Retries int")
	assert.Contains(t, main, `Value: rc.Param("email")`)
	assert.Contains(t, main, `rc.Render("ship to {{.email}} {{\"{{\"}}fast{{\"}}\"}}")`)
	assert.Contains(t, main, `// unsupported action "terminate": no-op`)
	assert.Contains(t, main, `sdk.AgentStep("pick plan", "Choose plan for {{.email}}")`)
	assert.Contains(t, main, `{Label: "order total", Block: BlockOrderTotal}`)
	assert.NotContains(t, main, "me@example.com", "run data never leaks into the program")

	login, ok := prog.Block("login")
	require.True(t, ok)
	assert.Equal(t, "blocks/login.go", login.Path)
	assert.Equal(t, "BlockLogin(ctx, page, rc)", login.RunSignature)
	assert.Equal(t, []string{"email"}, login.InputFields)
	assert.True(t, strings.HasPrefix(string(login.Source), "package blocks"))
	assert.Contains(t, string(login.Source), `sdk.Goto{URL: "https://shop.example.com/login", CacheKey: "login"}`)

	plan, ok := prog.Block("pick plan")
	require.True(t, ok)
	assert.True(t, plan.RequiresAgent)
	assert.Empty(t, plan.RunSignature)
	assert.Nil(t, plan.Source)

	total, ok := prog.Block("order total")
	require.True(t, ok)
	assert.Contains(t, string(total.Source), "out, err := page.Extract(")
	assert.Contains(t, string(total.Source), "return out, nil")
	assert.Contains(t, string(total.Source), `"total": map[string]any{"type": "number"}`)
}

func TestEmit_EmptyTraceValidates(t *testing.T) {
	prog, err := codegen.New().Emit(&domain.Trace{RunID: "r", WorkflowID: "w"})
	require.NoError(t, err)
	assert.Contains(t, string(prog.Main), "if ran == 0 {")
	assert.Contains(t, string(prog.Main), "page.Validate(ctx, sdk.Validate{")
}

func TestEmit_DuplicateLabels(t *testing.T) {
	tr := &domain.Trace{Blocks: []domain.BlockIR{{Label: "search"}, {Label: "Search"}}}
	_, err := codegen.New().Emit(tr)
	assert.ErrorIs(t, err, domain.ErrDuplicateLabel)
}

func TestSplice(t *testing.T) {
	prog, err := codegen.New().Emit(sampleTrace())
	require.NoError(t, err)

	patched := `func BlockLogin(ctx context.Context, page sdk.Page, rc *sdk.RunContext) (any, error) {
	if err := page.Fill(ctx, sdk.Fill{Selector: strings.TrimSpace(" #login-email "), Value: rc.Param("email"), CacheKey: "login"}); err != nil {
		return nil, err
	}
	return nil, nil
}
`
	patchFile := "package blocks\n\nimport (\n\t\"context\"\n\t\"strings\"\n\n\t\"github.com/aretw0/scriptforge/pkg/sdk\"\n)\n\n" + patched

	decision := `//scriptforge:block pick plan
func BlockPickPlan(ctx context.Context, page sdk.Page, rc *sdk.RunContext) (any, error) {
	return pick(ctx, page)
}

func pick(ctx context.Context, page sdk.Page) (any, error) {
	return page.Classify(ctx, sdk.Classify{Prompt: "plan", Options: []string{"basic", "pro"}, CacheKey: "pick plan"})
}
`
	steps := codegen.StepsFor(prog.Blocks)
	steps[1].FuncName = "BlockPickPlan"

	out, err := codegen.Splice(prog.Main, []codegen.Patch{
		{Label: "login", Source: []byte(patchFile)},
		{Label: "pick plan", Source: []byte(decision)},
	}, codegen.RunnerDecl(steps))
	require.NoError(t, err)

	ix, err := codegen.ParseIndex(out)
	require.NoError(t, err)
	assert.Equal(t, []string{"login", "order total", "pick plan"}, ix.Labels(), "missing marker is appended")

	login, ok := ix.Block("login")
	require.True(t, ok)
	assert.Contains(t, ix.Text(login), "#login-email")

	src := string(out)
	assert.Equal(t, 1, strings.Count(src, `"strings"`), "import hoisted once")
	assert.Equal(t, 1, strings.Count(src, `"github.com/aretw0/scriptforge/pkg/sdk"`))
	assert.Contains(t, src, "func pick(")
	assert.Contains(t, src, `{Label: "pick plan", Block: BlockPickPlan}`)
	assert.Less(t, strings.Index(src, "func BlockPickPlan"), strings.Index(src, "func Run("))

	again, err := codegen.Splice(out, []codegen.Patch{{Label: "pick plan", Source: []byte(decision)}}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(again), "func pick("), "helpers replace their previous version")
}

func TestSplice_LabelWhitespace(t *testing.T) {
	tr := &domain.Trace{
		RunID: "r", WorkflowID: "w",
		Blocks: []domain.BlockIR{{Label: "open  page", Type: domain.BlockNavigation, URL: "https://a.example.com"}},
	}
	prog, err := codegen.New().Emit(tr)
	require.NoError(t, err)
	require.Contains(t, string(prog.Main), codegen.BlockMarker+" open page\n")

	patch := `func BlockOpenPage(ctx context.Context, page sdk.Page, rc *sdk.RunContext) (any, error) {
	return nil, page.Goto(ctx, sdk.Goto{URL: "https://b.example.com", CacheKey: "open page"})
}
`
	out, err := codegen.Splice(prog.Main, []codegen.Patch{{Label: "open  page", Source: []byte(patch)}}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(out), "func BlockOpenPage("), "the marked block is replaced, not appended")
	assert.Contains(t, string(out), "https://b.example.com")

	ix, err := codegen.ParseIndex(out)
	require.NoError(t, err)
	_, ok := ix.Block(" open \t page ")
	assert.True(t, ok)

	marked := codegen.BlockMarker + " open   page\n" + patch
	block, _, _, err := codegen.ExtractBlock("open page", []byte(marked))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(block, codegen.BlockMarker+" open   page"), "marker found by normalized label")
}

func TestPersist(t *testing.T) {
	ctx := context.Background()
	scripts := memory.NewStore()
	artifacts := memory.NewArtifactStore()

	prog, err := codegen.New().Emit(sampleTrace())
	require.NoError(t, err)

	rev, err := scripts.CreateScript(ctx, "wf-1", "run-1")
	require.NoError(t, err)

	_, err = codegen.New().Persist(ctx, prog, rev)
	assert.ErrorIs(t, err, codegen.ErrNoStores)

	blocks, err := codegen.New(codegen.WithStores(scripts, artifacts)).Persist(ctx, prog, rev)
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	assert.NotEmpty(t, blocks[0].FileID)
	assert.Empty(t, blocks[1].FileID, "agent-driven blocks have no file")

	data, err := codegen.LoadFile(ctx, scripts, artifacts, rev.RevisionID, domain.ProgramPath)
	require.NoError(t, err)
	assert.Equal(t, prog.Main, data)

	files, err := scripts.ListScriptFiles(ctx, rev.RevisionID, "blocks/**")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestPatchFile(t *testing.T) {
	patch := codegen.Patch{Label: "total", Source: []byte(`package blocks

import (
	"context"
	"strings"

	"github.com/aretw0/scriptforge/pkg/sdk"
)

func BlockTotal(ctx context.Context, page sdk.Page, rc *sdk.RunContext) (any, error) {
	out, err := page.Extract(ctx, sdk.Extract{Prompt: "Read the total", CacheKey: "total"})
	if err != nil {
		return nil, err
	}
	return clean(out), nil
}

func clean(v any) any {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return v
}
`)}

	out, err := codegen.PatchFile(patch)
	require.NoError(t, err)
	src := string(out)

	assert.True(t, strings.HasPrefix(src, "package blocks\n"))
	assert.Contains(t, src, "//scriptforge:block total\nfunc BlockTotal(")
	assert.Contains(t, src, "func clean(v any) any")
	assert.Equal(t, 1, strings.Count(src, `"context"`))
	assert.Contains(t, src, `"strings"`)

	_, err = parser.ParseFile(token.NewFileSet(), "total.go", out, 0)
	assert.NoError(t, err)
}
