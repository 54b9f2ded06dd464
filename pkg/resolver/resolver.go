package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/scriptforge/internal/logging"
	"github.com/aretw0/scriptforge/pkg/domain"
	"github.com/aretw0/scriptforge/pkg/observability"
	"github.com/aretw0/scriptforge/pkg/ports"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultSize = 256
	DefaultTTL  = 10 * time.Minute
)

// CacheKey identifies one cached lookup.
// RunID and Qualifier narrow a lookup to a single run or caller when set.
type CacheKey struct {
	WorkflowID    string
	CacheKeyValue string
	RunID         string
	Qualifier     string
	Status        domain.MappingStatus
}

// Resolution is the result of a successful lookup.
type Resolution struct {
	Mapping domain.WorkflowScriptMapping
	Script  domain.Script
}

// Resolver looks up compiled scripts through an in-process cache.
type Resolver struct {
	store   ports.ScriptStore
	cache   *expirable.LRU[CacheKey, Resolution]
	size    int
	ttl     time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the resolver logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithSize bounds the number of cached lookups.
func WithSize(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.size = n
		}
	}
}

// WithTTL sets how long a cached lookup stays valid.
func WithTTL(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithMetrics records hits and misses.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// New creates a Resolver over a script store.
func New(store ports.ScriptStore, opts ...Option) *Resolver {
	r := &Resolver{
		store:  store,
		size:   DefaultSize,
		ttl:    DefaultTTL,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cache = expirable.NewLRU[CacheKey, Resolution](r.size, nil, r.ttl)
	return r
}

// Resolve returns the script mapped to (workflowID, cacheKeyValue) with the given status.
// It returns domain.ErrMappingNotFound when no mapping exists, or domain.ErrScriptNotFound when
// the mapped script has no ready revision yet.
func (r *Resolver) Resolve(ctx context.Context, workflowID, cacheKeyValue string, status domain.MappingStatus) (*Resolution, error) {
	return r.ResolveKey(ctx, CacheKey{WorkflowID: workflowID, CacheKeyValue: cacheKeyValue, Status: status})
}

// ResolveKey is Resolve with an explicit cache key.
func (r *Resolver) ResolveKey(ctx context.Context, key CacheKey) (*Resolution, error) {
	if key.Status == "" {
		key.Status = domain.MappingPublished
	}
	if res, ok := r.cache.Get(key); ok {
		r.metrics.Lookup(observability.LookupHit)
		return &res, nil
	}
	r.metrics.Lookup(observability.LookupMiss)

	m, err := r.store.GetWorkflowScriptMapping(ctx, key.WorkflowID, key.CacheKeyValue, key.Status)
	if err != nil {
		if errors.Is(err, domain.ErrMappingNotFound) {
			r.metrics.Lookup(observability.LookupNotFound)
		}
		return nil, fmt.Errorf("failed to resolve %s/%s: %w", key.WorkflowID, key.CacheKeyValue, err)
	}

	s, err := r.store.GetScript(ctx, m.ScriptID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load script %s: %w", m.ScriptID, err)
	}

	res := Resolution{Mapping: *m, Script: *s}
	r.cache.Add(key, res)
	r.logger.Debug("script resolved",
		"workflow_id", key.WorkflowID,
		"cache_key", key.CacheKeyValue,
		"script_id", s.ScriptID,
		"version", s.Version)
	return &res, nil
}

// Invalidate drops every cached lookup for (workflowID, cacheKeyValue), whatever its
// qualifiers or status.
func (r *Resolver) Invalidate(workflowID, cacheKeyValue string) int {
	n := 0
	for _, k := range r.cache.Keys() {
		if k.WorkflowID == workflowID && k.CacheKeyValue == cacheKeyValue {
			if r.cache.Remove(k) {
				n++
			}
		}
	}
	if n > 0 {
		r.logger.Debug("resolver cache invalidated", "workflow_id", workflowID, "cache_key", cacheKeyValue, "entries", n)
	}
	return n
}

// InvalidateScript drops every cached lookup that resolved to scriptID. A new revision keeps
// its script id, so mappings stay valid while the cached revision goes stale.
func (r *Resolver) InvalidateScript(scriptID string) int {
	n := 0
	for _, k := range r.cache.Keys() {
		res, ok := r.cache.Peek(k)
		if ok && res.Mapping.ScriptID == scriptID && r.cache.Remove(k) {
			n++
		}
	}
	return n
}

// Len returns the number of cached lookups.
func (r *Resolver) Len() int {
	return r.cache.Len()
}
