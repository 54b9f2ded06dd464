package codegen

import (
	"fmt"
	"go/format"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/aretw0/scriptforge/internal/logging"
	"github.com/aretw0/scriptforge/pkg/domain"
	"github.com/aretw0/scriptforge/pkg/ports"
	"github.com/aretw0/scriptforge/pkg/sdk"
)

// Emitter compiles traces into programs.
type Emitter struct {
	logger      *slog.Logger
	minParamLen int
	scripts     ports.ScriptStore
	artifacts   ports.ArtifactStore
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithLogger sets the emitter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Emitter) {
		e.logger = logger
	}
}

// WithMinParamLen sets the shortest literal that is turned into a parameter reference.
func WithMinParamLen(n int) Option {
	return func(e *Emitter) {
		e.minParamLen = n
	}
}

// WithStores enables Persist.
func WithStores(scripts ports.ScriptStore, artifacts ports.ArtifactStore) Option {
	return func(e *Emitter) {
		e.scripts = scripts
		e.artifacts = artifacts
	}
}

// New creates an Emitter.
func New(opts ...Option) *Emitter {
	e := &Emitter{
		logger:      logging.NewNop(),
		minParamLen: DefaultMinParamLen,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BlockSource is the compiled form of one block.
type BlockSource struct {
	Label    string
	Type     domain.BlockType
	Position int
	// Prompt is the block goal as a template over the run parameters.
	Prompt   string
	FuncName string
	Path     string
	// Decl is the marker directive plus the function declaration, as it appears in program.go.
	Decl []byte
	// Source is the standalone blocks/<label>.go file.
	Source        []byte
	RunSignature  string
	InputFields   []string
	RequiresAgent bool
}

// Program is a compiled trace.
type Program struct {
	WorkflowID string
	RunID      string
	ParamKeys  []string
	Main       []byte
	Blocks     []BlockSource
}

// Block returns the compiled block with the given label.
func (p *Program) Block(label string) (*BlockSource, bool) {
	for i := range p.Blocks {
		if p.Blocks[i].Label == label {
			return &p.Blocks[i], true
		}
	}
	return nil, false
}

// RunnerStep is one entry of the generated Run function.
// An empty FuncName hands the step to the live agent with Prompt.
type RunnerStep struct {
	Label    string
	FuncName string
	Prompt   string
}

// Emit compiles a trace. Unsupported actions become commented no-ops; emission never
// fails because of action content.
func (e *Emitter) Emit(tr *domain.Trace) (*Program, error) {
	lookup := BuildLookup(tr, e.minParamLen)
	prog := &Program{
		WorkflowID: tr.WorkflowID,
		RunID:      tr.RunID,
		ParamKeys:  tr.ParameterKeys(),
	}

	seen := make(map[string]string)
	paths := make(map[string]bool)
	for i, b := range tr.Blocks {
		fn := FuncName(b.Label)
		if prev, ok := seen[fn]; ok {
			return nil, fmt.Errorf("blocks %q and %q compile to %s: %w", prev, b.Label, fn, domain.ErrDuplicateLabel)
		}
		seen[fn] = b.Label

		bs, err := e.emitBlock(b, i, lookup)
		if err != nil {
			return nil, err
		}
		if bs.Path != "" && paths[bs.Path] {
			bs.Path = strings.TrimSuffix(bs.Path, ".go") + "_" + strconv.Itoa(i) + ".go"
		}
		paths[bs.Path] = true
		prog.Blocks = append(prog.Blocks, bs)
	}

	main, err := renderMain(tr, prog.Blocks)
	if err != nil {
		return nil, err
	}
	prog.Main = main

	e.logger.Debug("emitted program", "workflow_id", tr.WorkflowID, "run_id", tr.RunID,
		"blocks", len(prog.Blocks), "parameterized_values", lookup.Len())
	return prog, nil
}

func requiresAgent(t domain.BlockType) bool {
	return t == domain.BlockConditional || t == domain.BlockForLoop
}

func (e *Emitter) emitBlock(b domain.BlockIR, position int, lookup *Lookup) (BlockSource, error) {
	bs := BlockSource{
		Label:    b.Label,
		Type:     b.Type,
		Position: position,
		Prompt:   lookup.Template(b.Goal),
		FuncName: FuncName(b.Label),
	}
	if requiresAgent(b.Type) {
		bs.RequiresAgent = true
		bs.InputFields = References(bs.Prompt)
		return bs, nil
	}

	w := &bodyWriter{label: b.Label, lookup: lookup}
	w.block(b)

	decl := BlockDecl(b.Label, w.String())
	src, err := BlockFile(decl)
	if err != nil {
		return bs, fmt.Errorf("block %q: %w", b.Label, err)
	}
	bs.Decl = []byte(decl)
	bs.Source = src
	bs.Path = domain.BlockPath(b.Label)
	bs.RunSignature = RunSignature(b.Label)
	bs.InputFields = w.refs
	return bs, nil
}

// BlockDecl wraps a function body into a marked block declaration.
func BlockDecl(label, body string) string {
	var b strings.Builder
	b.WriteString(BlockMarker + " " + MarkerLabel(label) + "\n")
	fmt.Fprintf(&b, "func %s(ctx context.Context, page sdk.Page, rc *sdk.RunContext) (any, error) {\n", FuncName(label))
	b.WriteString(body)
	b.WriteString("}\n")
	return b.String()
}

// BlockFile wraps a declaration into a standalone, formatted block file.
func BlockFile(decl string) ([]byte, error) {
	var b strings.Builder
	b.WriteString("package blocks\n\n")
	b.WriteString("import (\n\t\"context\"\n\n\t" + strconv.Quote(sdk.ImportPath) + "\n)\n\n")
	b.WriteString(decl)
	out, err := format.Source([]byte(b.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to format block source: %w", err)
	}
	return out, nil
}

// RunnerDecl renders the marked Run function driving steps in order.
func RunnerDecl(steps []RunnerStep) string {
	var b strings.Builder
	b.WriteString(RunnerMarker + "\n")
	b.WriteString("func Run(ctx context.Context, page sdk.Page, params Parameters, overrides ...sdk.Override) error {\n")
	b.WriteString("\trc, err := sdk.NewRunContext(params, overrides...)\n\tif err != nil {\n\t\treturn err\n\t}\n")
	b.WriteString("\tsteps := []sdk.Step{\n")
	for _, s := range steps {
		if s.FuncName != "" {
			fmt.Fprintf(&b, "\t\t{Label: %s, Block: %s},\n", strconv.Quote(s.Label), s.FuncName)
			continue
		}
		fmt.Fprintf(&b, "\t\tsdk.AgentStep(%s, %s),\n", strconv.Quote(s.Label), Literal(s.Prompt))
	}
	b.WriteString("\t}\n")
	b.WriteString("\tran, err := sdk.RunSteps(ctx, page, rc, steps)\n\tif err != nil {\n\t\treturn err\n\t}\n")
	b.WriteString("\tif ran == 0 {\n")
	b.WriteString("\t\treturn page.Validate(ctx, sdk.Validate{Prompt: \"Confirm the workflow goal was reached\", CacheKey: \"run\"})\n")
	b.WriteString("\t}\n\treturn nil\n}\n")
	return b.String()
}

// StepsFor builds runner steps from compiled blocks.
func StepsFor(blocks []BlockSource) []RunnerStep {
	steps := make([]RunnerStep, 0, len(blocks))
	for _, b := range blocks {
		s := RunnerStep{Label: b.Label, Prompt: b.Prompt}
		if b.RunSignature != "" && !b.RequiresAgent {
			s.FuncName = b.FuncName
		}
		steps = append(steps, s)
	}
	return steps
}

func renderMain(tr *domain.Trace, blocks []BlockSource) ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "// Package program was compiled from run %s of workflow %s.\n", tr.RunID, tr.WorkflowID)
	b.WriteString("package program\n\n")
	b.WriteString("import (\n\t\"context\"\n\n\t" + strconv.Quote(sdk.ImportPath) + "\n)\n\n")

	b.WriteString("// Parameters are the declared inputs of the workflow.\n")
	b.WriteString("type Parameters struct {\n")
	used := make(map[string]int)
	for _, p := range tr.Parameters {
		name := FieldName(p.Key)
		used[name]++
		if n := used[name]; n > 1 {
			name = fmt.Sprintf("%s%d", name, n)
		}
		fmt.Fprintf(&b, "\t%s %s `json:%s mapstructure:%s`\n", name, goType(p.Type), strconv.Quote(p.Key), strconv.Quote(p.Key))
	}
	b.WriteString("}\n\n")

	for _, blk := range blocks {
		if blk.Decl == nil {
			continue
		}
		b.Write(blk.Decl)
		b.WriteString("\n")
	}
	b.WriteString(RunnerDecl(StepsFor(blocks)))

	out, err := format.Source([]byte(b.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to format program: %w", err)
	}
	return out, nil
}

func goType(t string) string {
	switch strings.ToLower(t) {
	case "integer", "int":
		return "int"
	case "boolean", "bool":
		return "bool"
	case "float", "number":
		return "float64"
	case "json", "object":
		return "any"
	default:
		return "string"
	}
}

type field struct {
	name string
	expr string
}

type bodyWriter struct {
	strings.Builder
	label  string
	lookup *Lookup
	refs   []string
	hasOut bool
}

func (w *bodyWriter) block(b domain.BlockIR) {
	actions := b.Actions
	if b.URL != "" && (len(actions) == 0 || actions[0].Type != domain.ActionNavigate) && navigates(b.Type) {
		w.call("Goto", field{"URL", Literal(b.URL)})
	}

	for _, a := range actions {
		w.action(a, b)
	}

	if len(actions) == 0 {
		switch b.Type {
		case domain.BlockExtraction:
			w.extract(b.Goal, b.ExtractionSchema)
		case domain.BlockValidation:
			w.call("Validate", field{"Prompt", w.text(b.Goal)})
		case domain.BlockWait:
			w.call("Wait", field{"Seconds", "1"})
		case domain.BlockGotoURL, domain.BlockNavigation:
		default:
			w.WriteString("\t// no recorded actions\n")
		}
	}

	if b.Type == domain.BlockExtraction && !w.hasOut {
		w.extract(b.Goal, b.ExtractionSchema)
	}
	if w.hasOut {
		w.WriteString("\treturn out, nil\n")
		return
	}
	w.WriteString("\treturn nil, nil\n")
}

func navigates(t domain.BlockType) bool {
	switch t {
	case domain.BlockConditional, domain.BlockForLoop, domain.BlockWait, domain.BlockWorkflowTrigger:
		return false
	}
	return true
}

func (w *bodyWriter) action(a domain.ActionRecord, b domain.BlockIR) {
	switch a.Type {
	case domain.ActionNavigate:
		w.call("Goto", field{"URL", Literal(a.URL)})
	case domain.ActionClick:
		w.call("Click", field{"Selector", lit(a.Selector)}, field{"Prompt", w.text(a.Intention)})
	case domain.ActionInputText:
		w.call("Fill", field{"Selector", lit(a.Selector)}, field{"Value", w.value(a.Text)}, field{"Prompt", w.text(a.Intention)})
	case domain.ActionSelectOption:
		w.call("Select", field{"Selector", lit(a.Selector)}, field{"Value", w.value(a.Text)}, field{"Prompt", w.text(a.Intention)})
	case domain.ActionUploadFile:
		w.call("Upload", field{"Selector", lit(a.Selector)}, field{"FileURL", w.value(a.Value())}, field{"Prompt", w.text(a.Intention)})
	case domain.ActionExtract:
		prompt := a.Intention
		if prompt == "" {
			prompt = b.Goal
		}
		schema := a.Schema
		if len(schema) == 0 {
			schema = b.ExtractionSchema
		}
		w.extract(prompt, schema)
	case domain.ActionWait:
		w.call("Wait", field{"Seconds", strconv.Itoa(max(a.WaitSeconds, 1))})
	case domain.ActionScroll:
		w.call("Scroll", field{"Direction", lit(a.Direction)}, field{"Amount", intLit(a.Amount)})
	case domain.ActionHover:
		w.call("Hover", field{"Selector", lit(a.Selector)}, field{"Prompt", w.text(a.Intention)})
	case domain.ActionKeypress:
		w.call("Press", field{"Key", lit(a.Text)}, field{"Selector", lit(a.Selector)})
	case domain.ActionDownload:
		w.call("Download", field{"Selector", lit(a.Selector)}, field{"Prompt", w.text(a.Intention)})
	case domain.ActionComplete:
		prompt := a.Intention
		if prompt == "" {
			prompt = b.Goal
		}
		w.call("Complete", field{"Prompt", w.text(prompt)})
	case domain.ActionSolveCaptcha:
		w.call("SolveCaptcha")
	default:
		fmt.Fprintf(w, "\t// unsupported action %s: no-op\n", strconv.Quote(string(a.Type)))
	}
}

func (w *bodyWriter) extract(prompt string, schema map[string]any) {
	op := ":="
	if w.hasOut {
		op = "="
	}
	fields := []field{{"Prompt", w.text(prompt)}}
	if len(schema) > 0 {
		fields = append(fields, field{"Schema", valueLiteral(schema)})
	}
	fmt.Fprintf(w, "\tout, err %s page.Extract(ctx, %s)\n", op, w.literal("Extract", fields))
	w.WriteString("\tif err != nil {\n\t\treturn nil, err\n\t}\n")
	w.hasOut = true
}

func (w *bodyWriter) call(primitive string, fields ...field) {
	fmt.Fprintf(w, "\tif err := page.%s(ctx, %s); err != nil {\n\t\treturn nil, err\n\t}\n", primitive, w.literal(primitive, fields))
}

func (w *bodyWriter) literal(primitive string, fields []field) string {
	parts := make([]string, 0, len(fields)+1)
	for _, f := range fields {
		if f.expr == "" {
			continue
		}
		parts = append(parts, f.name+": "+f.expr)
	}
	parts = append(parts, "CacheKey: "+strconv.Quote(w.label))
	return "sdk." + primitive + "{" + strings.Join(parts, ", ") + "}"
}

// text renders prompt text, parameterized when it holds run data.
func (w *bodyWriter) text(s string) string {
	if s == "" {
		return ""
	}
	tmpl, ok := w.lookup.Parameterize(s)
	if !ok {
		return Literal(s)
	}
	w.addRefs(References(tmpl)...)
	return "rc.Render(" + Literal(tmpl) + ")"
}

// value renders a typed value, reading the parameter directly when it matches one exactly.
func (w *bodyWriter) value(s string) string {
	if key, ok := w.lookup.Key(s); ok {
		w.addRefs(key)
		return "rc.Param(" + strconv.Quote(key) + ")"
	}
	if s == "" {
		return ""
	}
	return w.text(s)
}

func (w *bodyWriter) addRefs(keys ...string) {
	for _, k := range keys {
		if !slices.Contains(w.refs, k) {
			w.refs = append(w.refs, k)
		}
	}
}

func lit(s string) string {
	if s == "" {
		return ""
	}
	return Literal(s)
}

func intLit(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}
