package resolver_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/scriptforge/pkg/adapters/memory"
	"github.com/aretw0/scriptforge/pkg/domain"
	"github.com/aretw0/scriptforge/pkg/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func traceOn(url string) *domain.Trace {
	return &domain.Trace{
		RunID:      "run",
		WorkflowID: "wf",
		Bindings:   map[string]any{"region": "eu", "user": "ana"},
		Blocks: []domain.BlockIR{
			{Label: "intro", Type: domain.BlockTask},
			{Label: "open", Type: domain.BlockGotoURL, URL: url},
		},
	}
}

func TestRender(t *testing.T) {
	tr := traceOn("https://a.example.com/login")

	tests := []struct {
		name     string
		template string
		bindings map[string]any
		want     string
	}{
		{"default enriched", "default", nil, "default:a.example.com"},
		{"empty enriched", "", nil, "default:a.example.com"},
		{"bare reference", "{{ region }}", nil, "eu"},
		{"dotted reference", "{{.region}}-{{.user}}", nil, "eu-ana"},
		{"explicit bindings win", "{{ region }}", map[string]any{"region": "us"}, "us"},
		{"missing key renders empty", "{{ tenant }}", nil, "default:a.example.com"},
		{"literal", "shared", nil, "shared"},
		{"broken template kept", "{{ region", nil, "{{ region"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolver.Render(tt.template, tt.bindings, tr))
		})
	}
}

func TestRender_DeterministicPerDomain(t *testing.T) {
	a1 := resolver.Render("default", nil, traceOn("https://a.example.com"))
	a2 := resolver.Render("default", nil, traceOn("https://a.example.com"))
	b := resolver.Render("default", nil, traceOn("b.example.com/path"))

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)
	assert.Equal(t, "default:b.example.com", b)

	assert.Equal(t, "default", resolver.Render("default", nil, &domain.Trace{}), "no domain to enrich with")
	assert.Equal(t, "default", resolver.Render("", nil, nil))
}

type countingStore struct {
	*memory.Store
	lookups atomic.Int32
}

func (s *countingStore) GetWorkflowScriptMapping(ctx context.Context, workflowID, key string, status domain.MappingStatus) (*domain.WorkflowScriptMapping, error) {
	s.lookups.Add(1)
	return s.Store.GetWorkflowScriptMapping(ctx, workflowID, key, status)
}

func publish(t *testing.T, store *countingStore, key string) *domain.Script {
	t.Helper()
	ctx := context.Background()
	s, err := store.CreateScript(ctx, "wf", "run")
	require.NoError(t, err)
	require.NoError(t, store.MarkRevisionReady(ctx, s.RevisionID))
	_, err = store.CreateOrGetWorkflowScriptMapping(ctx, domain.WorkflowScriptMapping{
		WorkflowID: "wf", CacheKeyValue: key, ScriptID: s.ScriptID, Status: domain.MappingPublished,
	})
	require.NoError(t, err)
	return s
}

func TestResolver_CachesHits(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: memory.NewStore()}
	s := publish(t, store, "default:a.example.com")
	r := resolver.New(store)

	res, err := r.Resolve(ctx, "wf", "default:a.example.com", domain.MappingPublished)
	require.NoError(t, err)
	assert.Equal(t, s.ScriptID, res.Script.ScriptID)

	_, err = r.Resolve(ctx, "wf", "default:a.example.com", domain.MappingPublished)
	require.NoError(t, err)
	assert.EqualValues(t, 1, store.lookups.Load(), "second lookup served from cache")
	assert.Equal(t, 1, r.Len())
}

func TestResolver_MissesAreNotCached(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: memory.NewStore()}
	r := resolver.New(store)

	_, err := r.Resolve(ctx, "wf", "default:b.example.com", domain.MappingPublished)
	assert.ErrorIs(t, err, domain.ErrMappingNotFound)
	_, err = r.Resolve(ctx, "wf", "default:b.example.com", domain.MappingPublished)
	assert.ErrorIs(t, err, domain.ErrMappingNotFound)
	assert.EqualValues(t, 2, store.lookups.Load())
	assert.Equal(t, 0, r.Len())
}

func TestResolver_DraftScriptIsNotServed(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: memory.NewStore()}
	s, err := store.CreateScript(ctx, "wf", "run")
	require.NoError(t, err)
	_, err = store.CreateOrGetWorkflowScriptMapping(ctx, domain.WorkflowScriptMapping{
		WorkflowID: "wf", CacheKeyValue: "k", ScriptID: s.ScriptID, Status: domain.MappingPending,
	})
	require.NoError(t, err)

	_, err = resolver.New(store).Resolve(ctx, "wf", "k", domain.MappingPending)
	assert.ErrorIs(t, err, domain.ErrScriptNotFound)
}

func TestResolver_Invalidate(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: memory.NewStore()}
	publish(t, store, "k")
	publish(t, store, "other")
	r := resolver.New(store)

	_, err := r.Resolve(ctx, "wf", "k", domain.MappingPublished)
	require.NoError(t, err)
	_, err = r.ResolveKey(ctx, resolver.CacheKey{WorkflowID: "wf", CacheKeyValue: "k", RunID: "run-7"})
	require.NoError(t, err)
	_, err = r.Resolve(ctx, "wf", "other", domain.MappingPublished)
	require.NoError(t, err)
	require.Equal(t, 3, r.Len())

	assert.Equal(t, 2, r.Invalidate("wf", "k"))
	assert.Equal(t, 1, r.Len())

	time.Sleep(2 * time.Millisecond)
	newer := publish(t, store, "k")
	res, err := r.Resolve(ctx, "wf", "k", domain.MappingPublished)
	require.NoError(t, err)
	assert.Equal(t, newer.ScriptID, res.Script.ScriptID, "invalidated key picks up the newest mapping")
}

func TestResolver_TTL(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: memory.NewStore()}
	publish(t, store, "k")
	r := resolver.New(store, resolver.WithTTL(20*time.Millisecond), resolver.WithSize(1))

	_, err := r.Resolve(ctx, "wf", "k", domain.MappingPublished)
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	_, err = r.Resolve(ctx, "wf", "k", domain.MappingPublished)
	require.NoError(t, err)
	assert.EqualValues(t, 2, store.lookups.Load(), "expired entries fall through to the store")
}

func TestResolver_InvalidateScript(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: memory.NewStore()}
	s := publish(t, store, "k")
	publish(t, store, "other")
	r := resolver.New(store)

	_, err := r.Resolve(ctx, "wf", "k", domain.MappingPublished)
	require.NoError(t, err)
	_, err = r.Resolve(ctx, "wf", "other", domain.MappingPublished)
	require.NoError(t, err)

	assert.Equal(t, 1, r.InvalidateScript(s.ScriptID))
	assert.Equal(t, 1, r.Len())
	assert.Zero(t, r.InvalidateScript("unknown"))
}
