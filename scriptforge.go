package scriptforge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/scriptforge/internal/logging"
	"github.com/aretw0/scriptforge/pkg/codegen"
	"github.com/aretw0/scriptforge/pkg/domain"
	"github.com/aretw0/scriptforge/pkg/locking"
	"github.com/aretw0/scriptforge/pkg/observability"
	"github.com/aretw0/scriptforge/pkg/ports"
	"github.com/aretw0/scriptforge/pkg/resolver"
	"github.com/aretw0/scriptforge/pkg/review"
	"github.com/aretw0/scriptforge/pkg/trace"
	"github.com/aretw0/scriptforge/pkg/validate"
	"github.com/aretw0/scriptforge/pkg/version"
)

// ErrNoGenerator is returned by operations that need a generation model when none is configured.
var ErrNoGenerator = errors.New("no generator configured")

// Stores groups the persistence ports the engine writes to.
type Stores struct {
	Scripts   ports.ScriptStore
	Episodes  ports.EpisodeStore
	Artifacts ports.ArtifactStore
	// Snapshots receives episode page snapshots. It defaults to Artifacts and is usually
	// Artifacts behind a redaction middleware.
	Snapshots ports.ArtifactStore
}

// Engine is the high-level entry point for scriptforge.
// It wires the transformer, emitter, resolver, reviewer and version writer over one set of stores.
type Engine struct {
	runs   ports.RunSource
	stores Stores

	generator   ports.Generator
	metrics     *observability.Metrics
	logger      *slog.Logger
	minParamLen int
	maxDepth    int
	cacheSize   int
	cacheTTL    time.Duration
	reviewOpts  []review.Option
	locker      ports.DistributedLocker

	locks       *locking.Manager
	transformer *trace.Transformer
	emitter     *codegen.Emitter
	resolver    *resolver.Resolver
	writer      *version.Writer
	reviewer    *review.Reviewer
}

// Option defines a functional option for configuring the Engine.
type Option func(*Engine)

// WithLogger sets a custom structured logger for the engine and every component it builds.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithGenerator sets the model used for triage, drafting and decision compilation.
func WithGenerator(g ports.Generator) Option {
	return func(e *Engine) {
		e.generator = g
	}
}

// WithMetrics records Prometheus metrics for every component.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithMinParamLen sets the shortest parameter value the emitter turns back into a reference.
func WithMinParamLen(n int) Option {
	return func(e *Engine) {
		e.minParamLen = n
	}
}

// WithMaxDepth bounds nested-run recursion in the transformer.
func WithMaxDepth(n int) Option {
	return func(e *Engine) {
		e.maxDepth = n
	}
}

// WithCache sizes the resolver cache.
func WithCache(size int, ttl time.Duration) Option {
	return func(e *Engine) {
		e.cacheSize = size
		e.cacheTTL = ttl
	}
}

// WithLocker serializes review cycles and decision publishes across processes.
func WithLocker(l ports.DistributedLocker) Option {
	return func(e *Engine) {
		e.locker = l
	}
}

// WithReviewOptions passes options through to the reviewer.
func WithReviewOptions(opts ...review.Option) Option {
	return func(e *Engine) {
		e.reviewOpts = append(e.reviewOpts, opts...)
	}
}

// New creates an Engine. Every store is required; the generator is only needed for Review and
// CompileDecision.
func New(runs ports.RunSource, stores Stores, opts ...Option) (*Engine, error) {
	if runs == nil || stores.Scripts == nil || stores.Episodes == nil || stores.Artifacts == nil {
		return nil, errors.New("scriptforge: run source and all stores are required")
	}
	e := &Engine{
		runs:        runs,
		stores:      stores,
		logger:      logging.NewNop(),
		minParamLen: codegen.DefaultMinParamLen,
		maxDepth:    trace.DefaultMaxDepth,
		cacheSize:   resolver.DefaultSize,
		cacheTTL:    resolver.DefaultTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.stores.Snapshots == nil {
		e.stores.Snapshots = stores.Artifacts
	}

	lockOpts := []locking.Option{locking.WithLogger(e.logger)}
	if e.locker != nil {
		lockOpts = append(lockOpts, locking.WithLocker(e.locker))
	}
	e.locks = locking.NewManager(lockOpts...)
	e.transformer = trace.New(runs, trace.WithLogger(e.logger), trace.WithMaxDepth(e.maxDepth))
	e.emitter = codegen.New(
		codegen.WithLogger(e.logger),
		codegen.WithMinParamLen(e.minParamLen),
		codegen.WithStores(stores.Scripts, stores.Artifacts),
	)
	e.resolver = resolver.New(stores.Scripts,
		resolver.WithLogger(e.logger),
		resolver.WithMetrics(e.metrics),
		resolver.WithSize(e.cacheSize),
		resolver.WithTTL(e.cacheTTL),
	)
	e.writer = version.New(stores.Scripts, stores.Artifacts,
		version.WithLogger(e.logger),
		version.WithMetrics(e.metrics),
		version.WithInvalidator(e.resolver),
	)
	if e.generator != nil {
		base := []review.Option{
			review.WithLogger(e.logger),
			review.WithMetrics(e.metrics),
			review.WithPipeline(validate.New(validate.WithLogger(e.logger))),
		}
		e.reviewer = review.New(stores.Scripts, stores.Episodes, stores.Artifacts, e.generator,
			append(base, e.reviewOpts...)...)
	}
	return e, nil
}

// Resolver exposes the cache resolver.
func (e *Engine) Resolver() *resolver.Resolver {
	return e.resolver
}

// Metrics returns the metrics the engine records into, or nil.
func (e *Engine) Metrics() *observability.Metrics {
	return e.metrics
}

// Compiled is the result of CompileRun.
type Compiled struct {
	Script        domain.Script
	CacheKeyValue string
	Blocks        []domain.ScriptBlock
	Program       *codegen.Program
}

// CompileRun turns a completed run into version 1 of a new script and publishes it under the
// cache key rendered from the run.
func (e *Engine) CompileRun(ctx context.Context, runID string) (*Compiled, error) {
	start := time.Now()

	tr, err := e.transformer.Transform(ctx, runID)
	if err != nil {
		return nil, err
	}
	prog, err := e.emitter.Emit(tr)
	if err != nil {
		return nil, fmt.Errorf("failed to emit run %s: %w", runID, err)
	}
	key := resolver.Render(tr.CacheKeyTemplate, tr.Bindings, tr)

	res, err := e.writer.PublishInitial(ctx, prog, tr.WorkflowID, key)
	if err != nil {
		return nil, err
	}
	e.metrics.ObserveCompile(time.Since(start).Seconds())
	return &Compiled{Script: res.Script, CacheKeyValue: key, Blocks: res.Blocks, Program: prog}, nil
}

// CacheKeyForRun renders the cache key a run would be published under.
func (e *Engine) CacheKeyForRun(ctx context.Context, runID string) (string, *domain.Trace, error) {
	tr, err := e.transformer.Transform(ctx, runID)
	if err != nil {
		return "", nil, err
	}
	return resolver.Render(tr.CacheKeyTemplate, tr.Bindings, tr), tr, nil
}

// ResolveForRun finds the published script that applies to a run.
func (e *Engine) ResolveForRun(ctx context.Context, runID string) (*resolver.Resolution, error) {
	key, tr, err := e.CacheKeyForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return e.resolver.ResolveKey(ctx, resolver.CacheKey{
		WorkflowID:    tr.WorkflowID,
		CacheKeyValue: key,
		RunID:         runID,
		Status:        domain.MappingPublished,
	})
}

// Resolve finds the published script for an already rendered cache key.
func (e *Engine) Resolve(ctx context.Context, workflowID, cacheKeyValue string) (*resolver.Resolution, error) {
	return e.resolver.Resolve(ctx, workflowID, cacheKeyValue, domain.MappingPublished)
}

// Episode is a fallback report from the runtime. Snapshot, when set, is stored as an artifact.
type Episode struct {
	domain.FallbackEpisode
	Snapshot []byte
}

// RecordEpisode stores a fallback episode for the next review cycle. A non-empty Branch also
// refreshes the branch's last-exercised time.
func (e *Engine) RecordEpisode(ctx context.Context, ep Episode) (*domain.FallbackEpisode, error) {
	if ep.WorkflowID == "" || ep.ScriptID == "" || ep.BlockLabel == "" {
		return nil, errors.New("episode requires workflow_id, script_id and block_label")
	}
	if len(ep.Snapshot) > 0 {
		id, err := e.stores.Snapshots.PutArtifact(ctx, ep.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("failed to store snapshot: %w", err)
		}
		ep.SnapshotArtifactID = id
	}

	stored, err := e.stores.Episodes.RecordEpisode(ctx, ep.FallbackEpisode)
	if err != nil {
		return nil, fmt.Errorf("failed to record episode: %w", err)
	}
	if ep.Branch != "" {
		if err := e.stores.Episodes.RecordBranchHit(ctx, domain.StaleBranch{
			ScriptID: ep.ScriptID, BlockLabel: ep.BlockLabel, BranchLabel: ep.Branch, LastSeen: stored.CreatedAt,
		}); err != nil {
			e.logger.Warn("failed to record branch hit", "episode_id", stored.ID, "err", err)
		}
	}
	e.metrics.Episode(ep.Succeeded)
	e.logger.Info("fallback episode recorded",
		"episode_id", stored.ID,
		"workflow_id", stored.WorkflowID,
		"script_id", stored.ScriptID,
		"block", stored.BlockLabel,
		"succeeded", stored.Succeeded)
	return stored, nil
}

// ReviewReport is the outcome of one script in a review cycle.
type ReviewReport struct {
	Review review.ScriptReview
	// Published is nil when nothing was accepted or publishing failed.
	Published *version.Result
	Err       error
}

// Review runs one self-repair cycle for a workflow: every block with pending episodes is triaged
// and redrafted, accepted patches are published as a new revision per script, and only then are
// their episodes consumed.
func (e *Engine) Review(ctx context.Context, workflowID string) ([]ReviewReport, error) {
	if e.reviewer == nil {
		return nil, ErrNoGenerator
	}
	var (
		reports []ReviewReport
		cycle   error
	)
	err := e.locks.WithLock(ctx, "review:"+workflowID, func(ctx context.Context) error {
		reports, cycle = e.review(ctx, workflowID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reports, cycle
}

func (e *Engine) review(ctx context.Context, workflowID string) ([]ReviewReport, error) {
	reviews, err := e.reviewer.Review(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	reports := make([]ReviewReport, 0, len(reviews))
	var errs []error
	for _, sr := range reviews {
		rep := ReviewReport{Review: sr}
		if patches := sr.Patches(); len(patches) > 0 {
			rep.Published, rep.Err = e.publish(ctx, version.Request{
				ScriptID:    sr.Base.ScriptID,
				BaseVersion: sr.Base.Version,
				WorkflowID:  workflowID,
				Patches:     patches,
				Compiled:    sr.Compiled(),
			})
			if rep.Err == nil {
				rep.Err = e.reviewer.Commit(ctx, sr, rep.Published.Script.Version)
			}
		}
		if rep.Err != nil {
			e.logger.Error("review cycle failed for script", "workflow_id", workflowID, "script_id", sr.Base.ScriptID, "err", rep.Err)
			errs = append(errs, fmt.Errorf("script %s: %w", sr.Base.ScriptID, rep.Err))
		}
		reports = append(reports, rep)
	}
	return reports, errors.Join(errs...)
}

// publish writes a revision under the script lock and drops cached lookups of its script.
func (e *Engine) publish(ctx context.Context, req version.Request) (*version.Result, error) {
	var res *version.Result
	err := e.locks.WithLock(ctx, "script:"+req.ScriptID, func(ctx context.Context) error {
		var err error
		res, err = e.writer.Publish(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.resolver.InvalidateScript(req.ScriptID)
	return res, nil
}

// DecisionOutcome is the result of CompileDecision.
type DecisionOutcome struct {
	Decision  review.DecisionResult
	Published *version.Result
}

// CompileDecision tries to replace the live-agent branch choice of a conditional block with a
// compiled decision. When the model declines or every draft is rejected the block stays
// agent-driven and nothing is published.
func (e *Engine) CompileDecision(ctx context.Context, scriptID, label string) (*DecisionOutcome, error) {
	if e.reviewer == nil {
		return nil, ErrNoGenerator
	}
	s, err := e.stores.Scripts.GetScript(ctx, scriptID, 0)
	if err != nil {
		return nil, err
	}
	wf, err := e.runs.GetWorkflow(ctx, s.WorkflowID)
	if err != nil {
		return nil, err
	}

	var decl *domain.DeclaredBlock
	for i := range wf.Blocks {
		if wf.Blocks[i].Label == label {
			decl = &wf.Blocks[i]
			break
		}
	}
	if decl == nil {
		return nil, fmt.Errorf("block %q not declared in workflow %s", label, wf.ID)
	}

	keys := make([]string, 0, len(wf.Parameters))
	for _, p := range wf.Parameters {
		keys = append(keys, p.Key)
	}
	dec, err := e.reviewer.CompileDecision(ctx, review.DecisionRequest{
		Label:     label,
		Goal:      decl.Goal,
		Branches:  decl.Branches,
		ParamKeys: keys,
	})
	if err != nil {
		return nil, err
	}
	out := &DecisionOutcome{Decision: *dec}
	if dec.Patch == nil {
		return out, nil
	}

	out.Published, err = e.publish(ctx, version.Request{
		ScriptID:    s.ScriptID,
		BaseVersion: s.Version,
		WorkflowID:  s.WorkflowID,
		Patches:     []codegen.Patch{*dec.Patch},
		Compiled:    []string{label},
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Inspection is a read-only view of one revision.
type Inspection struct {
	Script  domain.Script
	Blocks  []domain.ScriptBlock
	Files   []domain.ScriptFile
	Program []byte
}

// Inspect loads a revision with its program text. Version 0 selects the latest ready one.
func (e *Engine) Inspect(ctx context.Context, scriptID string, v int) (*Inspection, error) {
	s, err := e.stores.Scripts.GetScript(ctx, scriptID, v)
	if err != nil {
		return nil, err
	}
	blocks, err := e.stores.Scripts.GetScriptBlocks(ctx, s.RevisionID)
	if err != nil {
		return nil, err
	}
	files, err := e.stores.Scripts.ListScriptFiles(ctx, s.RevisionID, "")
	if err != nil {
		return nil, err
	}
	main, err := codegen.LoadFile(ctx, e.stores.Scripts, e.stores.Artifacts, s.RevisionID, domain.ProgramPath)
	if err != nil {
		return nil, err
	}
	return &Inspection{Script: *s, Blocks: blocks, Files: files, Program: main}, nil
}

// PendingEpisodes lists the unreviewed fallback episodes of one script.
func (e *Engine) PendingEpisodes(ctx context.Context, workflowID, scriptID string) ([]domain.FallbackEpisode, error) {
	eps, err := e.stores.Episodes.ListPendingEpisodes(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	out := eps[:0:0]
	for _, ep := range eps {
		if ep.ScriptID == scriptID {
			out = append(out, ep)
		}
	}
	return out, nil
}

// File returns one source file of a revision.
func (e *Engine) File(ctx context.Context, scriptID string, v int, path string) ([]byte, error) {
	s, err := e.stores.Scripts.GetScript(ctx, scriptID, v)
	if err != nil {
		return nil, err
	}
	return codegen.LoadFile(ctx, e.stores.Scripts, e.stores.Artifacts, s.RevisionID, path)
}

// Diff returns the unified diff of program.go between two versions of a script.
func (e *Engine) Diff(ctx context.Context, scriptID string, from, to int) (string, error) {
	before, err := e.File(ctx, scriptID, from, domain.ProgramPath)
	if err != nil {
		return "", fmt.Errorf("version %d: %w", from, err)
	}
	after, err := e.File(ctx, scriptID, to, domain.ProgramPath)
	if err != nil {
		return "", fmt.Errorf("version %d: %w", to, err)
	}
	return review.Diff(domain.ProgramPath, before, after, 3), nil
}
