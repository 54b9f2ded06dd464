package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aretw0/scriptforge/internal/logging"
	"github.com/aretw0/scriptforge/pkg/codegen"
	"github.com/aretw0/scriptforge/pkg/domain"
	"github.com/aretw0/scriptforge/pkg/observability"
	"github.com/aretw0/scriptforge/pkg/ports"
	"github.com/aretw0/scriptforge/pkg/validate"
	"golang.org/x/sync/errgroup"
)

const (
	// MaxAttempts bounds the drafts per block and cycle.
	MaxAttempts          = 3
	DefaultConcurrency   = 4
	DefaultSnapshotLimit = 4000
	DefaultStaleAfter    = 7 * 24 * time.Hour
)

// Reviewer drafts and validates patches for blocks that fell back to the live agent.
type Reviewer struct {
	scripts   ports.ScriptStore
	episodes  ports.EpisodeStore
	artifacts ports.ArtifactStore
	generator ports.Generator
	pipeline  *validate.Pipeline
	logger    *slog.Logger
	metrics   *observability.Metrics

	maxAttempts   int
	concurrency   int
	snapshotLimit int
	staleAfter    time.Duration
	now           func() time.Time
}

// Option configures a Reviewer.
type Option func(*Reviewer)

// WithLogger sets the reviewer logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reviewer) {
		r.logger = logger
	}
}

// WithMetrics records attempts and triage verdicts.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Reviewer) {
		r.metrics = m
	}
}

// WithPipeline replaces the default validation pipeline.
func WithPipeline(p *validate.Pipeline) Option {
	return func(r *Reviewer) {
		r.pipeline = p
	}
}

// WithMaxAttempts lowers the number of drafts per block. Values above MaxAttempts are capped.
func WithMaxAttempts(n int) Option {
	return func(r *Reviewer) {
		if n > 0 {
			r.maxAttempts = min(n, MaxAttempts)
		}
	}
}

// WithConcurrency sets how many blocks are reviewed at once.
func WithConcurrency(n int) Option {
	return func(r *Reviewer) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithSnapshotLimit truncates page snapshots quoted in prompts.
func WithSnapshotLimit(n int) Option {
	return func(r *Reviewer) {
		if n > 0 {
			r.snapshotLimit = n
		}
	}
}

// WithStaleAfter sets how long a branch may go unexercised before prompts flag it as stale.
func WithStaleAfter(d time.Duration) Option {
	return func(r *Reviewer) {
		if d > 0 {
			r.staleAfter = d
		}
	}
}

// New creates a Reviewer.
func New(scripts ports.ScriptStore, episodes ports.EpisodeStore, artifacts ports.ArtifactStore, generator ports.Generator, opts ...Option) *Reviewer {
	r := &Reviewer{
		scripts:       scripts,
		episodes:      episodes,
		artifacts:     artifacts,
		generator:     generator,
		logger:        logging.NewNop(),
		maxAttempts:   MaxAttempts,
		concurrency:   DefaultConcurrency,
		snapshotLimit: DefaultSnapshotLimit,
		staleAfter:    DefaultStaleAfter,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.pipeline == nil {
		r.pipeline = validate.New(validate.WithLogger(r.logger))
	}
	return r
}

// BlockOutcome is the result of reviewing one block.
type BlockOutcome struct {
	ScriptID string
	Label    string
	State    EpisodeState
	History  []EpisodeState
	Strategy Strategy
	Attempts int
	// Patch is the accepted block file, set when State is StateAccepted.
	Patch *codegen.Patch
	// Compiled is set when the patch compiles a block the live agent used to run.
	Compiled bool
	// EpisodeIDs are the fixable episodes the patch addresses.
	EpisodeIDs []string
	Errors     []string
	Note       string
}

func (o *BlockOutcome) advance(next EpisodeState) {
	if !o.State.CanTransition(next) {
		return
	}
	o.State = next
	o.History = append(o.History, next)
}

// ScriptReview groups the outcomes of one script.
type ScriptReview struct {
	Base      domain.Script
	ParamKeys []string
	Outcomes  []BlockOutcome
}

// Patches returns the accepted patches.
func (sr ScriptReview) Patches() []codegen.Patch {
	var out []codegen.Patch
	for _, o := range sr.Outcomes {
		if o.State == StateAccepted && o.Patch != nil {
			out = append(out, *o.Patch)
		}
	}
	return out
}

// Compiled returns the labels whose patches replace live-agent execution.
func (sr ScriptReview) Compiled() []string {
	var out []string
	for _, o := range sr.Outcomes {
		if o.State == StateAccepted && o.Compiled {
			out = append(out, o.Label)
		}
	}
	return out
}

type job struct {
	script   int
	block    domain.ScriptBlock
	source   []byte
	episodes []domain.FallbackEpisode
}

// Review drafts patches for every block of workflowID with pending episodes.
// Episodes triaged as not fixable are marked reviewed; all other episodes stay pending until
// Commit. Blocks are reviewed concurrently.
func (r *Reviewer) Review(ctx context.Context, workflowID string) ([]ScriptReview, error) {
	pending, err := r.episodes.ListPendingEpisodes(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list episodes of %s: %w", workflowID, err)
	}

	var reviews []ScriptReview
	var jobs []job
	scripts := make(map[string]int)
	labels := make(map[string]map[string]int)
	for _, ep := range pending {
		idx, ok := scripts[ep.ScriptID]
		if !ok {
			sr, err := r.load(ctx, ep.ScriptID)
			if err != nil {
				r.logger.Warn("skipping script", "workflow_id", workflowID, "script_id", ep.ScriptID, "err", err)
				scripts[ep.ScriptID] = -1
				continue
			}
			idx = len(reviews)
			scripts[ep.ScriptID] = idx
			labels[ep.ScriptID] = make(map[string]int)
			reviews = append(reviews, sr.review)
			for _, b := range sr.blocks {
				labels[ep.ScriptID][b.Label] = len(jobs)
				jobs = append(jobs, job{script: idx, block: b, source: sr.sources[b.Label]})
			}
		}
		if idx < 0 {
			continue
		}
		j, ok := labels[ep.ScriptID][ep.BlockLabel]
		if !ok {
			r.logger.Warn("episode refers to an unknown block", "episode_id", ep.ID, "script_id", ep.ScriptID, "block", ep.BlockLabel)
			continue
		}
		jobs[j].episodes = append(jobs[j].episodes, ep)
	}

	outcomes := make([]*BlockOutcome, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, j := range jobs {
		if len(j.episodes) == 0 {
			continue
		}
		paramKeys := reviews[j.script].ParamKeys
		g.Go(func() error {
			out, err := r.reviewBlock(gctx, j, paramKeys)
			outcomes[i] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, j := range jobs {
		if outcomes[i] != nil {
			reviews[j.script].Outcomes = append(reviews[j.script].Outcomes, *outcomes[i])
		}
	}
	return reviews, nil
}

type loaded struct {
	review  ScriptReview
	blocks  []domain.ScriptBlock
	sources map[string][]byte
}

func (r *Reviewer) load(ctx context.Context, scriptID string) (*loaded, error) {
	base, err := r.scripts.GetScript(ctx, scriptID, 0)
	if err != nil {
		return nil, err
	}
	blocks, err := r.scripts.GetScriptBlocks(ctx, base.RevisionID)
	if err != nil {
		return nil, err
	}
	files, err := r.scripts.ListScriptFiles(ctx, base.RevisionID, "")
	if err != nil {
		return nil, err
	}
	main, err := codegen.LoadFile(ctx, r.scripts, r.artifacts, base.RevisionID, domain.ProgramPath)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]domain.ScriptFile, len(files))
	for _, f := range files {
		byID[f.ID] = f
	}

	l := &loaded{
		review:  ScriptReview{Base: *base, ParamKeys: paramKeys(main)},
		blocks:  blocks,
		sources: make(map[string][]byte),
	}
	for _, b := range blocks {
		if b.RequiresAgent {
			continue
		}
		if f, ok := byID[b.FileID]; ok {
			if src, err := r.artifacts.GetArtifact(ctx, f.ArtifactID); err == nil {
				l.sources[b.Label] = src
				continue
			}
		}
		// older revisions carry the block only inside program.go
		if decl, _, _, err := codegen.ExtractBlock(b.Label, main); err == nil {
			if src, err := codegen.BlockFile(decl); err == nil {
				l.sources[b.Label] = src
			}
		}
	}
	return l, nil
}

func (r *Reviewer) reviewBlock(ctx context.Context, j job, paramKeys []string) (*BlockOutcome, error) {
	out := &BlockOutcome{
		ScriptID: j.block.ScriptID,
		Label:    j.block.Label,
		State:    StateReceived,
		History:  []EpisodeState{StateReceived},
	}
	log := r.logger.With("script_id", j.block.ScriptID, "block", j.block.Label)

	var fixable []domain.FallbackEpisode
	for _, ep := range j.episodes {
		v := r.triage(ctx, j.block, ep)
		if v.Fixable {
			r.metrics.Triage("fixable")
			fixable = append(fixable, ep)
			continue
		}
		r.metrics.Triage("not_fixable")
		if err := r.episodes.MarkEpisodeReviewed(ctx, ep.ID, "not fixable: "+v.Reason); err != nil {
			log.Warn("failed to mark episode reviewed", "episode_id", ep.ID, "err", err)
		}
	}
	if len(fixable) == 0 {
		out.advance(StateNotFixable)
		return out, nil
	}
	out.advance(StateFixable)
	for _, ep := range fixable {
		out.EpisodeIDs = append(out.EpisodeIDs, ep.ID)
	}

	out.Strategy = Classify(j.source, fixable)
	data := draftData{
		surface:       newSurface(j.block.Label, paramKeys),
		Goal:          j.block.Goal,
		Source:        string(j.source),
		Episodes:      views(fixable),
		StaleBranches: r.staleBranches(ctx, j.block),
		Snapshot:      r.snapshot(ctx, fixable[len(fixable)-1]),
		MaxAttempts:   r.maxAttempts,
	}
	name := templates[out.Strategy]

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		out.Attempts = attempt
		data.Attempt = attempt
		alog := log.With("attempt", attempt, "strategy", out.Strategy.String())

		prompt, err := render(name, data)
		if err != nil {
			return nil, err
		}
		code, err := r.draft(ctx, prompt, name)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			alog.Warn("draft unusable", "err", err)
			r.metrics.Attempt("unusable")
			out.Errors = append(out.Errors, err.Error())
			data.LastError = err.Error()
			continue
		}
		out.advance(StateDrafted)

		accepted, err := r.check(validate.Input{
			Label:     j.block.Label,
			Source:    code,
			Previous:  j.source,
			ParamKeys: paramKeys,
		})
		if err == nil {
			accepted, err = codegen.PatchFile(codegen.Patch{Label: j.block.Label, Source: accepted})
		}
		if err != nil {
			alog.Info("draft rejected", "err", err)
			r.metrics.Attempt("rejected")
			out.Errors = append(out.Errors, err.Error())
			data.LastError = err.Error()
			continue
		}
		out.advance(StateValidated)

		out.Patch = &codegen.Patch{Label: j.block.Label, Source: accepted}
		out.Compiled = j.block.RequiresAgent || len(j.source) == 0
		out.Note = diffNote(j.block.Label, j.source, accepted)
		out.advance(StateAccepted)
		r.metrics.Attempt("accepted")
		alog.Info("patch accepted")
		return out, nil
	}

	out.advance(StateExhausted)
	log.Warn("review exhausted, block left unpatched", "attempts", out.Attempts)
	return out, nil
}

func (r *Reviewer) draft(ctx context.Context, prompt, name string) ([]byte, error) {
	g, err := r.generator.Generate(ctx, prompt, strings.TrimSuffix(name, ".tmpl"))
	if err != nil {
		return nil, fmt.Errorf("generation failed: %w", err)
	}
	return ExtractCode(g)
}

// check validates a draft, applying the mechanical branch repair when it is the only problem.
func (r *Reviewer) check(in validate.Input) ([]byte, error) {
	err := r.pipeline.Validate(in)
	if err == nil {
		return in.Source, nil
	}
	rep, ok := validate.AsReport(err)
	if !ok || !rep.OnlyRepairable() {
		return nil, err
	}
	repaired, changed := validate.AutoRepair(in.Source)
	if !changed {
		return nil, err
	}
	in.Source = repaired
	if err := r.pipeline.Validate(in); err != nil {
		return nil, err
	}
	r.logger.Debug("draft auto-repaired", "block", in.Label)
	return repaired, nil
}

func (r *Reviewer) staleBranches(ctx context.Context, b domain.ScriptBlock) []string {
	stale, err := r.episodes.ListStaleBranches(ctx, b.ScriptID, b.Label, r.now().Add(-r.staleAfter))
	if err != nil {
		r.logger.Debug("stale branches unavailable", "block", b.Label, "err", err)
		return nil
	}
	return branchNames(stale)
}

// Commit marks the episodes behind accepted patches as reviewed once version has published.
func (r *Reviewer) Commit(ctx context.Context, sr ScriptReview, version int) error {
	var errs []error
	for _, o := range sr.Outcomes {
		if o.State != StateAccepted {
			continue
		}
		note := fmt.Sprintf("patched in v%d: %s", version, o.Note)
		for _, id := range o.EpisodeIDs {
			if err := r.episodes.MarkEpisodeReviewed(ctx, id, note); err != nil {
				errs = append(errs, fmt.Errorf("episode %s: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}

// paramKeys reads the declared parameter keys from the mapstructure tags of the Parameters
// struct in program.go.
func paramKeys(main []byte) []string {
	var keys []string
	for _, m := range paramTagPattern.FindAllSubmatch(main, -1) {
		keys = append(keys, string(m[1]))
	}
	return keys
}
