package version

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"

	"github.com/aretw0/scriptforge/internal/logging"
	"github.com/aretw0/scriptforge/pkg/codegen"
	"github.com/aretw0/scriptforge/pkg/domain"
	"github.com/aretw0/scriptforge/pkg/observability"
	"github.com/aretw0/scriptforge/pkg/ports"
)

// Invalidator drops cached lookups for a key. *resolver.Resolver implements it.
type Invalidator interface {
	Invalidate(workflowID, cacheKeyValue string) int
}

// Writer publishes revisions.
type Writer struct {
	scripts   ports.ScriptStore
	artifacts ports.ArtifactStore
	emitter   *codegen.Emitter
	cache     Invalidator
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the writer logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) {
		w.logger = logger
	}
}

// WithInvalidator sets the cache invalidated after every publish.
func WithInvalidator(c Invalidator) Option {
	return func(w *Writer) {
		w.cache = c
	}
}

// WithMetrics counts published revisions.
func WithMetrics(m *observability.Metrics) Option {
	return func(w *Writer) {
		w.metrics = m
	}
}

// New creates a Writer.
func New(scripts ports.ScriptStore, artifacts ports.ArtifactStore, opts ...Option) *Writer {
	w := &Writer{
		scripts:   scripts,
		artifacts: artifacts,
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.emitter = codegen.New(codegen.WithLogger(w.logger), codegen.WithStores(scripts, artifacts))
	return w
}

// Request describes a revision built from a base version plus patches.
type Request struct {
	ScriptID string
	// BaseVersion is the revision the patches apply to; 0 selects the latest ready one.
	BaseVersion int
	// WorkflowID defaults to the workflow of the base revision.
	WorkflowID string
	// CacheKeyValue, when set, records a published mapping for the key and invalidates it.
	CacheKeyValue string
	Patches       []codegen.Patch
	// Compiled lists patched labels that the live agent used to run.
	Compiled []string
}

// Result is a published revision.
type Result struct {
	Script  domain.Script
	Blocks  []domain.ScriptBlock
	Patched []string
}

// PublishInitial stores a freshly compiled program as version 1 and publishes it for the key.
func (w *Writer) PublishInitial(ctx context.Context, prog *codegen.Program, workflowID, cacheKeyValue string) (*Result, error) {
	rev, err := w.scripts.CreateScript(ctx, workflowID, prog.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to create script: %w", err)
	}
	log := w.logger.With("workflow_id", workflowID, "script_id", rev.ScriptID, "version", rev.Version)

	if _, err := w.scripts.CreateOrGetWorkflowScriptMapping(ctx, domain.WorkflowScriptMapping{
		WorkflowID: workflowID, CacheKeyValue: cacheKeyValue, ScriptID: rev.ScriptID, Status: domain.MappingPending,
	}); err != nil {
		return nil, fmt.Errorf("failed to record pending mapping: %w", err)
	}

	blocks, err := w.emitter.Persist(ctx, prog, rev)
	if err != nil {
		log.Warn("compile left a draft revision", "err", err)
		return nil, err
	}
	if err := w.finish(ctx, rev, workflowID, cacheKeyValue, "compile"); err != nil {
		return nil, err
	}
	log.Info("script published", "blocks", len(blocks), "cache_key", cacheKeyValue)
	return &Result{Script: *rev, Blocks: blocks}, nil
}

// Publish creates the next version of a script from req. Drafts abandoned by earlier failed
// publishes are skipped, so the new version may be higher than base+1.
func (w *Writer) Publish(ctx context.Context, req Request) (*Result, error) {
	base, err := w.scripts.GetScript(ctx, req.ScriptID, req.BaseVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to load base revision: %w", err)
	}
	if req.WorkflowID == "" {
		req.WorkflowID = base.WorkflowID
	}
	log := w.logger.With("workflow_id", req.WorkflowID, "script_id", base.ScriptID)

	blocks, err := w.scripts.GetScriptBlocks(ctx, base.RevisionID)
	if err != nil {
		return nil, err
	}
	files, err := w.scripts.ListScriptFiles(ctx, base.RevisionID, "")
	if err != nil {
		return nil, err
	}
	main, err := codegen.LoadFile(ctx, w.scripts, w.artifacts, base.RevisionID, domain.ProgramPath)
	if err != nil {
		return nil, err
	}

	// patches address blocks by marker form, so "open  page" patches "open page"
	canonical := make(map[string]string, len(blocks))
	for _, b := range blocks {
		canonical[codegen.MarkerLabel(b.Label)] = b.Label
	}
	req.Patches = slices.Clone(req.Patches)
	for i, p := range req.Patches {
		if l, ok := canonical[codegen.MarkerLabel(p.Label)]; ok {
			req.Patches[i].Label = l
		}
	}

	patches := make(map[string]codegen.Patch, len(req.Patches))
	for _, p := range req.Patches {
		if _, dup := patches[p.Label]; dup {
			return nil, fmt.Errorf("two patches for block %q: %w", p.Label, domain.ErrDuplicateLabel)
		}
		patches[p.Label] = p
	}

	// final block list: base blocks in order, then blocks that only exist as patches
	next := make([]domain.ScriptBlock, 0, len(blocks)+len(req.Patches))
	known := make(map[string]bool, len(blocks))
	for _, b := range blocks {
		known[b.Label] = true
		next = append(next, b)
	}
	var appended []string
	for _, p := range req.Patches {
		if !known[p.Label] {
			appended = append(appended, p.Label)
			next = append(next, domain.ScriptBlock{
				ScriptID: base.ScriptID,
				Label:    p.Label,
				Position: len(next),
				Type:     domain.BlockTask,
			})
		}
	}
	for i := range next {
		if _, ok := patches[next[i].Label]; ok {
			next[i].RunSignature = codegen.RunSignature(next[i].Label)
			next[i].RequiresAgent = false
		}
	}

	runner := ""
	if len(appended) > 0 || flips(blocks, req) {
		runner = codegen.RunnerDecl(steps(next))
	}
	program, err := codegen.Splice(main, req.Patches, runner)
	if err != nil {
		return nil, fmt.Errorf("failed to splice patches: %w", err)
	}

	rev, err := w.scripts.CreateScriptRevision(ctx, base.ScriptID, base.Version+1)
	if err != nil {
		return nil, err
	}
	log = log.With("version", rev.Version)

	if _, err := codegen.StoreFile(ctx, w.scripts, w.artifacts, rev.RevisionID, domain.ProgramPath, program); err != nil {
		return nil, err
	}

	// unpatched files keep their id and artifact; only the revision scope changes
	paths := make(map[string]string, len(files))
	for _, f := range files {
		paths[f.ID] = f.Path
		if f.Path == domain.ProgramPath || isPatchedFile(f, blocks, patches) {
			continue
		}
		f.RevisionID = rev.RevisionID
		if _, err := w.scripts.CreateScriptFile(ctx, f); err != nil {
			return nil, fmt.Errorf("failed to copy %s forward: %w", f.Path, err)
		}
	}

	res := &Result{Script: *rev}
	for _, b := range next {
		p, patched := patches[b.Label]
		b.ID, b.RevisionID = "", rev.RevisionID
		if patched {
			path := domain.BlockPath(b.Label)
			if old, ok := paths[b.FileID]; ok {
				path = old
			}
			f, err := codegen.StoreFile(ctx, w.scripts, w.artifacts, rev.RevisionID, path, p.Source)
			if err != nil {
				return nil, err
			}
			b.FileID = f.ID
			b.InputFields = inputFields(p.Source)
			res.Patched = append(res.Patched, b.Label)
		}
		created, err := w.scripts.CreateScriptBlock(ctx, b)
		if err != nil {
			return nil, fmt.Errorf("failed to record block %q: %w", b.Label, err)
		}
		res.Blocks = append(res.Blocks, *created)
	}

	if err := w.finish(ctx, rev, req.WorkflowID, req.CacheKeyValue, "review"); err != nil {
		return nil, err
	}
	log.Info("revision published", "patched", res.Patched, "appended", appended)
	return res, nil
}

// finish marks rev ready. With a cache key it also records the published mapping and
// invalidates that key. Review publishes leave the key empty: mappings name a script, not a
// version, so the existing mappings already resolve to the new revision and the engine drops
// cached lookups by script id instead.
func (w *Writer) finish(ctx context.Context, rev *domain.Script, workflowID, cacheKeyValue, origin string) error {
	if err := w.scripts.MarkRevisionReady(ctx, rev.RevisionID); err != nil {
		return fmt.Errorf("failed to mark revision ready: %w", err)
	}
	rev.Status = domain.RevisionReady
	w.metrics.Published(origin)

	if cacheKeyValue == "" {
		return nil
	}
	if _, err := w.scripts.CreateOrGetWorkflowScriptMapping(ctx, domain.WorkflowScriptMapping{
		WorkflowID: workflowID, CacheKeyValue: cacheKeyValue, ScriptID: rev.ScriptID, Status: domain.MappingPublished,
	}); err != nil {
		return fmt.Errorf("failed to publish mapping: %w", err)
	}
	if w.cache != nil {
		w.cache.Invalidate(workflowID, cacheKeyValue)
	}
	return nil
}

// flips reports whether a patch compiles a block that used to require the agent.
func flips(blocks []domain.ScriptBlock, req Request) bool {
	for _, b := range blocks {
		if !b.RequiresAgent {
			continue
		}
		for _, p := range req.Patches {
			if p.Label == b.Label {
				return true
			}
		}
		if slices.Contains(req.Compiled, b.Label) {
			return true
		}
	}
	return false
}

func isPatchedFile(f domain.ScriptFile, blocks []domain.ScriptBlock, patches map[string]codegen.Patch) bool {
	for _, b := range blocks {
		if b.FileID == f.ID {
			_, ok := patches[b.Label]
			return ok
		}
	}
	return false
}

func steps(blocks []domain.ScriptBlock) []codegen.RunnerStep {
	out := make([]codegen.RunnerStep, 0, len(blocks))
	for _, b := range blocks {
		s := codegen.RunnerStep{Label: b.Label, Prompt: b.Goal}
		if b.Invocable() {
			s.FuncName = codegen.FuncName(b.Label)
		}
		out = append(out, s)
	}
	return out
}

var paramCallPattern = regexp.MustCompile(`rc\.(?:Param|Value)\("([^"]+)"\)`)

// inputFields lists the parameters a block source reads, in order of first use.
func inputFields(src []byte) []string {
	var out []string
	add := func(k string) {
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	for _, m := range paramCallPattern.FindAllSubmatch(src, -1) {
		add(string(m[1]))
	}
	for _, k := range codegen.References(string(src)) {
		add(k)
	}
	return out
}
