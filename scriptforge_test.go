package scriptforge_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aretw0/scriptforge"
	"github.com/aretw0/scriptforge/pkg/adapters/memory"
	"github.com/aretw0/scriptforge/pkg/domain"
	"github.com/aretw0/scriptforge/pkg/observability"
	"github.com/aretw0/scriptforge/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const searchPatch = "```go\n" + `package blocks

import (
	"context"

	"github.com/aretw0/scriptforge/pkg/sdk"
)

//scriptforge:block search
func BlockSearch(ctx context.Context, page sdk.Page, rc *sdk.RunContext) (any, error) {
	if err := page.Goto(ctx, sdk.Goto{URL: "https://a.example.com", CacheKey: "search"}); err != nil {
		return nil, err
	}
	if err := page.Fill(ctx, sdk.Fill{Selector: "#q", Value: rc.Param("query"), CacheKey: "search"}); err != nil {
		return nil, err
	}
	if err := page.Wait(ctx, sdk.Wait{Seconds: 1, CacheKey: "search"}); err != nil {
		return nil, err
	}
	if err := page.Click(ctx, sdk.Click{Selector: "#search-go", Prompt: "Run the search", CacheKey: "search"}); err != nil {
		return nil, err
	}
	return nil, nil
}
` + "```\n"

const checkDecision = `//scriptforge:block check
func BlockCheck(ctx context.Context, page sdk.Page, rc *sdk.RunContext) (any, error) {
	state, err := page.Classify(ctx, sdk.Classify{Prompt: "Which plan is selected?", Options: []string{"basic", "pro"}, CacheKey: "check"})
	if err != nil {
		return nil, err
	}
	switch state {
	case "basic":
		return state, nil
	case "pro":
		return state, page.Click(ctx, sdk.Click{Selector: "#upgrade", CacheKey: "check"})
	default:
		return nil, sdk.ErrUnhandledBranch
	}
}
`

// scripted answers prompts by name from queues.
type scripted struct {
	mu      sync.Mutex
	answers map[string][]ports.Generation
}

func (s *scripted) queue(name string, answers ...ports.Generation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.answers == nil {
		s.answers = make(map[string][]ports.Generation)
	}
	s.answers[name] = append(s.answers[name], answers...)
}

func (s *scripted) Generate(_ context.Context, _, name string) (ports.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.answers[name]
	if len(q) == 0 {
		return ports.Generation{}, errors.New("no scripted answer for " + name)
	}
	s.answers[name] = q[1:]
	return q[0], nil
}

func runs() *memory.RunSource {
	src := memory.NewRunSource()
	src.AddWorkflow(domain.Workflow{
		ID:         "wf-shop",
		CacheKey:   "default",
		Parameters: []domain.Parameter{{Key: "query"}},
		Blocks: []domain.DeclaredBlock{
			{Label: "search", Type: domain.BlockTask, Goal: "Search for {{ query }}"},
			{Label: "check", Type: domain.BlockConditional, Goal: "Pick the plan", Branches: []domain.Branch{
				{Label: "basic", Expression: "basic plan badge visible"},
				{Label: "pro", Expression: "pro plan badge visible"},
			}},
		},
	})
	for _, host := range []string{"a", "b"} {
		task := "task-search-" + host
		src.AddRun(domain.WorkflowRun{
			ID:         "run-" + host,
			WorkflowID: "wf-shop",
			Parameters: map[string]any{"query": "blue shoes"},
			Blocks: []domain.ExecutedBlock{
				{Label: "search", Type: domain.BlockTask, TaskID: task},
				{Label: "check", Type: domain.BlockConditional},
			},
			Tasks: map[string]domain.Task{
				task: {ID: task, Goal: "Search for blue shoes", URL: "https://" + host + ".example.com"},
			},
		})
		src.AddActions(task,
			domain.ActionRecord{Type: domain.ActionInputText, Selector: "#q", Text: "blue shoes"},
			domain.ActionRecord{Type: domain.ActionClick, Selector: "#go", Intention: "Run the search"},
		)
	}
	return src
}

func newEngine(t *testing.T, opts ...scriptforge.Option) (*scriptforge.Engine, *memory.EpisodeStore) {
	t.Helper()
	episodes := memory.NewEpisodeStore()
	eng, err := scriptforge.New(runs(), scriptforge.Stores{
		Scripts:   memory.NewStore(),
		Episodes:  episodes,
		Artifacts: memory.NewArtifactStore(),
	}, opts...)
	require.NoError(t, err)
	return eng, episodes
}

func TestEngine_DistinctDomainsGetDistinctScripts(t *testing.T) {
	ctx := context.Background()
	eng, _ := newEngine(t)

	a, err := eng.CompileRun(ctx, "run-a")
	require.NoError(t, err)
	b, err := eng.CompileRun(ctx, "run-b")
	require.NoError(t, err)

	assert.Equal(t, "default:a.example.com", a.CacheKeyValue)
	assert.Equal(t, "default:b.example.com", b.CacheKeyValue)
	assert.NotEqual(t, a.Script.ScriptID, b.Script.ScriptID)

	resA, err := eng.Resolve(ctx, "wf-shop", a.CacheKeyValue)
	require.NoError(t, err)
	resB, err := eng.Resolve(ctx, "wf-shop", b.CacheKeyValue)
	require.NoError(t, err)
	assert.Equal(t, a.Script.ScriptID, resA.Script.ScriptID)
	assert.Equal(t, b.Script.ScriptID, resB.Script.ScriptID)

	viaRun, err := eng.ResolveForRun(ctx, "run-b")
	require.NoError(t, err)
	assert.Equal(t, b.Script.ScriptID, viaRun.Script.ScriptID)
}

func TestEngine_CompileRunErrors(t *testing.T) {
	eng, _ := newEngine(t)
	_, err := eng.CompileRun(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)

	_, err = eng.Review(context.Background(), "wf-shop")
	assert.ErrorIs(t, err, scriptforge.ErrNoGenerator)

	_, err = scriptforge.New(nil, scriptforge.Stores{})
	assert.Error(t, err)
}

func TestEngine_ReviewPublishesAndInvalidates(t *testing.T) {
	ctx := context.Background()
	gen := &scripted{}
	metrics := observability.NewMetrics()
	eng, episodes := newEngine(t, scriptforge.WithGenerator(gen), scriptforge.WithMetrics(metrics))

	compiled, err := eng.CompileRun(ctx, "run-a")
	require.NoError(t, err)
	before, err := eng.Resolve(ctx, "wf-shop", compiled.CacheKeyValue)
	require.NoError(t, err)
	require.Equal(t, 1, before.Script.Version)

	_, err = eng.RecordEpisode(ctx, scriptforge.Episode{
		FallbackEpisode: domain.FallbackEpisode{
			WorkflowID: "wf-shop", ScriptID: compiled.Script.ScriptID, Version: 1, BlockLabel: "search",
			Error:   "selector #go not found",
			Actions: []domain.ActionRecord{{Type: domain.ActionClick, Selector: "#search-go"}},
		},
		Snapshot: []byte("<button id=search-go>Search</button>"),
	})
	require.NoError(t, err)

	gen.queue("triage", ports.Generation{Structured: map[string]any{"fixable": true, "reason": "button renamed"}})
	gen.queue("sequential", ports.Generation{Text: searchPatch})

	reports, err := eng.Review(ctx, "wf-shop")
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.NotNil(t, reports[0].Published)
	assert.Equal(t, 2, reports[0].Published.Script.Version)
	assert.Equal(t, []string{"search"}, reports[0].Published.Patched)

	pending, err := episodes.ListPendingEpisodes(ctx, "wf-shop")
	require.NoError(t, err)
	assert.Empty(t, pending, "accepted episodes are consumed after publishing")

	after, err := eng.Resolve(ctx, "wf-shop", compiled.CacheKeyValue)
	require.NoError(t, err)
	assert.Equal(t, 2, after.Script.Version, "the cached v1 lookup was invalidated")

	diff, err := eng.Diff(ctx, compiled.Script.ScriptID, 1, 2)
	require.NoError(t, err)
	assert.Contains(t, diff, "+++ b/program.go")
	assert.Contains(t, diff, "#search-go")

	v1, err := eng.Inspect(ctx, compiled.Script.ScriptID, 1)
	require.NoError(t, err)
	assert.NotContains(t, string(v1.Program), "#search-go", "v1 is never mutated")
}

func TestEngine_CompileDecision(t *testing.T) {
	ctx := context.Background()
	gen := &scripted{}
	eng, _ := newEngine(t, scriptforge.WithGenerator(gen))

	compiled, err := eng.CompileRun(ctx, "run-a")
	require.NoError(t, err)
	for _, b := range compiled.Blocks {
		if b.Label == "check" {
			require.True(t, b.RequiresAgent)
		}
	}

	gen.queue("decision", ports.Generation{Text: checkDecision})
	out, err := eng.CompileDecision(ctx, compiled.Script.ScriptID, "check")
	require.NoError(t, err)
	require.NotNil(t, out.Published, out.Decision.Errors)
	assert.False(t, out.Decision.Declined)

	latest, err := eng.Inspect(ctx, compiled.Script.ScriptID, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Script.Version)
	for _, b := range latest.Blocks {
		if b.Label == "check" {
			assert.False(t, b.RequiresAgent)
			assert.NotEmpty(t, b.RunSignature)
		}
	}
	assert.Contains(t, string(latest.Program), `{Label: "check", Block: BlockCheck}`)

	gen.queue("decision", ports.Generation{Text: "CANNOT_COMPILE"})
	declined, err := eng.CompileDecision(ctx, compiled.Script.ScriptID, "check")
	require.NoError(t, err)
	assert.True(t, declined.Decision.Declined)
	assert.Nil(t, declined.Published)

	_, err = eng.CompileDecision(ctx, compiled.Script.ScriptID, "nope")
	assert.Error(t, err)
}

func TestEngine_RecordEpisode(t *testing.T) {
	ctx := context.Background()
	eng, episodes := newEngine(t)

	_, err := eng.RecordEpisode(ctx, scriptforge.Episode{})
	assert.Error(t, err)

	ep, err := eng.RecordEpisode(ctx, scriptforge.Episode{
		FallbackEpisode: domain.FallbackEpisode{WorkflowID: "wf", ScriptID: "s", BlockLabel: "check", Branch: "pro", Succeeded: true},
		Snapshot:        []byte("<html/>"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ep.SnapshotArtifactID)

	stale, err := episodes.ListStaleBranches(ctx, "s", "check", ep.CreatedAt.Add(1))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "pro", stale[0].BranchLabel)
}

func TestEngine_ConcurrentReviewsPublishOnce(t *testing.T) {
	ctx := context.Background()
	gen := &scripted{}
	eng, _ := newEngine(t, scriptforge.WithGenerator(gen))

	compiled, err := eng.CompileRun(ctx, "run-a")
	require.NoError(t, err)
	_, err = eng.RecordEpisode(ctx, scriptforge.Episode{
		FallbackEpisode: domain.FallbackEpisode{
			WorkflowID: "wf-shop", ScriptID: compiled.Script.ScriptID, Version: 1, BlockLabel: "search",
			Error:   "selector #go not found",
			Actions: []domain.ActionRecord{{Type: domain.ActionClick, Selector: "#search-go"}},
		},
		Snapshot: []byte("<button id=search-go>Search</button>"),
	})
	require.NoError(t, err)

	pending, err := eng.PendingEpisodes(ctx, "wf-shop", compiled.Script.ScriptID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	other, err := eng.PendingEpisodes(ctx, "wf-shop", "other-script")
	require.NoError(t, err)
	assert.Empty(t, other)

	gen.queue("triage", ports.Generation{Structured: map[string]any{"fixable": true, "reason": "button renamed"}})
	gen.queue("sequential", ports.Generation{Text: searchPatch})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		published []int
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports, err := eng.Review(ctx, "wf-shop")
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, rep := range reports {
				if rep.Published != nil {
					published = append(published, rep.Published.Script.Version)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, []int{2}, published, "only the first cycle sees the pending episode")
	latest, err := eng.Inspect(ctx, compiled.Script.ScriptID, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Script.Version)
}

// recordingStore remembers what it was asked to store.
type recordingStore struct {
	ports.ArtifactStore
	puts [][]byte
}

func (r *recordingStore) PutArtifact(ctx context.Context, data []byte) (string, error) {
	r.puts = append(r.puts, data)
	return r.ArtifactStore.PutArtifact(ctx, data)
}

func TestEngine_SnapshotsUseSnapshotStore(t *testing.T) {
	ctx := context.Background()
	artifacts := memory.NewArtifactStore()
	snapshots := &recordingStore{ArtifactStore: artifacts}
	eng, err := scriptforge.New(runs(), scriptforge.Stores{
		Scripts:   memory.NewStore(),
		Episodes:  memory.NewEpisodeStore(),
		Artifacts: artifacts,
		Snapshots: snapshots,
	})
	require.NoError(t, err)

	_, err = eng.CompileRun(ctx, "run-a")
	require.NoError(t, err)
	assert.Empty(t, snapshots.puts, "program sources bypass the snapshot store")

	_, err = eng.RecordEpisode(ctx, scriptforge.Episode{
		FallbackEpisode: domain.FallbackEpisode{WorkflowID: "wf-shop", ScriptID: "s", BlockLabel: "search"},
		Snapshot:        []byte("<html/>"),
	})
	require.NoError(t, err)
	require.Len(t, snapshots.puts, 1)
	assert.Equal(t, "<html/>", string(snapshots.puts[0]))
}
