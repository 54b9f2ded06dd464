package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aretw0/scriptforge/pkg/domain"
	"github.com/bmatcuk/doublestar/v4"
	backend "github.com/redis/go-redis/v9"
)

const (
	// DefaultPrefix namespaces every key the store writes.
	DefaultPrefix = "scriptforge:"

	// revisionLockTTL bounds how long a crashed writer can block a script.
	revisionLockTTL = 10 * time.Second
)

// Store implements ports.ScriptStore, ports.EpisodeStore and ports.ArtifactStore on Redis.
//
// Key layout (relative to the prefix):
//
//	script:<id>:versions          ZSET revision id scored by version
//	revision:<id>                 JSON domain.Script
//	revision:<id>:blocks          HASH label -> JSON domain.ScriptBlock
//	revision:<id>:files           HASH path -> JSON domain.ScriptFile
//	mapping:<wf>:<status>:<key>   HASH script id -> JSON domain.WorkflowScriptMapping
//	episode:<id>                  JSON domain.FallbackEpisode
//	episodes:<wf>:pending         ZSET episode id scored by creation time
//	branches:<script>:<label>     HASH branch label -> last seen (unix nanos)
//	artifact:<hash>               raw bytes
type Store struct {
	client *backend.Client
	prefix string
	locker *Locker
	now    func() time.Time
}

// Option defines a functional option for configuring the Store.
type Option func(*Store)

// WithPrefix sets a custom key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a new Redis store from connection settings.
func New(address string, password string, db int, opts ...Option) *Store {
	client := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(client, opts...)
}

// NewFromClient creates a new Redis store using an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: DefaultPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.locker = NewLocker(client, s.prefix)
	return s
}

// Locker returns the lock shared by this store, for serializing engine work across processes.
func (s *Store) Locker() *Locker {
	return s.locker
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// CreateScript creates version 1 of a new script.
func (s *Store) CreateScript(ctx context.Context, workflowID, runID string) (*domain.Script, error) {
	rev := domain.Script{
		ScriptID:   domain.NewScriptID(),
		RevisionID: domain.NewID(),
		Version:    1,
		WorkflowID: workflowID,
		RunID:      runID,
		Status:     domain.RevisionDraft,
		CreatedAt:  s.now(),
	}
	if err := s.putRevision(ctx, rev); err != nil {
		return nil, err
	}
	return &rev, nil
}

// CreateScriptRevision creates a new draft revision. Concurrent writers of the same script
// are serialized by a Redis lock so that version checks and inserts do not interleave.
func (s *Store) CreateScriptRevision(ctx context.Context, scriptID string, version int) (*domain.Script, error) {
	unlock, err := s.locker.Lock(ctx, "script:"+scriptID, revisionLockTTL)
	if err != nil {
		return nil, err
	}
	defer func() { _ = unlock(context.WithoutCancel(ctx)) }()

	ids, err := s.client.ZRange(ctx, s.key("script", scriptID, "versions"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read versions of %s: %w", scriptID, err)
	}
	if len(ids) == 0 {
		return nil, domain.ErrScriptNotFound
	}
	revs := make([]domain.Script, 0, len(ids))
	for _, id := range ids {
		r, err := s.revision(ctx, id)
		if err != nil {
			return nil, err
		}
		revs = append(revs, *r)
	}
	next, ok := domain.NextVersion(revs, version)
	if !ok {
		return nil, fmt.Errorf("version %d of script %s: %w", version, scriptID, domain.ErrVersionConflict)
	}
	base := revs[0]

	rev := domain.Script{
		ScriptID:   scriptID,
		RevisionID: domain.NewID(),
		Version:    next,
		WorkflowID: base.WorkflowID,
		RunID:      base.RunID,
		Status:     domain.RevisionDraft,
		CreatedAt:  s.now(),
	}
	if err := s.putRevision(ctx, rev); err != nil {
		return nil, err
	}
	return &rev, nil
}

func (s *Store) putRevision(ctx context.Context, rev domain.Script) error {
	data, err := json.Marshal(rev)
	if err != nil {
		return fmt.Errorf("failed to marshal revision: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key("revision", rev.RevisionID), data, 0)
	pipe.ZAdd(ctx, s.key("script", rev.ScriptID, "versions"), backend.Z{
		Score:  float64(rev.Version),
		Member: rev.RevisionID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save revision %s: %w", rev.RevisionID, err)
	}
	return nil
}

func (s *Store) revision(ctx context.Context, revisionID string) (*domain.Script, error) {
	data, err := s.client.Get(ctx, s.key("revision", revisionID)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, domain.ErrScriptNotFound
		}
		return nil, fmt.Errorf("failed to load revision %s: %w", revisionID, err)
	}
	var rev domain.Script
	if err := json.Unmarshal(data, &rev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal revision %s: %w", revisionID, err)
	}
	return &rev, nil
}

// GetScript returns a revision by version, or the latest ready one for version 0.
func (s *Store) GetScript(ctx context.Context, scriptID string, version int) (*domain.Script, error) {
	versions := s.key("script", scriptID, "versions")

	if version > 0 {
		score := strconv.Itoa(version)
		ids, err := s.client.ZRangeByScore(ctx, versions, &backend.ZRangeBy{Min: score, Max: score}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read versions of %s: %w", scriptID, err)
		}
		if len(ids) == 0 {
			return nil, domain.ErrScriptNotFound
		}
		return s.revision(ctx, ids[0])
	}

	ids, err := s.client.ZRevRange(ctx, versions, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read versions of %s: %w", scriptID, err)
	}
	for _, id := range ids {
		rev, err := s.revision(ctx, id)
		if err != nil {
			return nil, err
		}
		if rev.Status == domain.RevisionReady {
			return rev, nil
		}
	}
	return nil, domain.ErrScriptNotFound
}

// MarkRevisionReady flips a draft to ready.
func (s *Store) MarkRevisionReady(ctx context.Context, revisionID string) error {
	rev, err := s.revision(ctx, revisionID)
	if err != nil {
		return err
	}
	rev.Status = domain.RevisionReady
	data, err := json.Marshal(rev)
	if err != nil {
		return fmt.Errorf("failed to marshal revision: %w", err)
	}
	return s.client.Set(ctx, s.key("revision", revisionID), data, 0).Err()
}

func (s *Store) requireRevision(ctx context.Context, revisionID string) error {
	n, err := s.client.Exists(ctx, s.key("revision", revisionID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check revision %s: %w", revisionID, err)
	}
	if n == 0 {
		return domain.ErrScriptNotFound
	}
	return nil
}

// CreateScriptBlock stores a block record. HSETNX enforces label uniqueness.
func (s *Store) CreateScriptBlock(ctx context.Context, block domain.ScriptBlock) (*domain.ScriptBlock, error) {
	if err := s.requireRevision(ctx, block.RevisionID); err != nil {
		return nil, err
	}
	if block.ID == "" {
		block.ID = domain.NewID()
	}
	block.CreatedAt = s.now()

	data, err := json.Marshal(block)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal block: %w", err)
	}
	ok, err := s.client.HSetNX(ctx, s.key("revision", block.RevisionID, "blocks"), block.Label, data).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to save block %q: %w", block.Label, err)
	}
	if !ok {
		return nil, fmt.Errorf("block %q: %w", block.Label, domain.ErrDuplicateLabel)
	}
	return &block, nil
}

// GetScriptBlocks returns the blocks of a revision ordered by position.
func (s *Store) GetScriptBlocks(ctx context.Context, revisionID string) ([]domain.ScriptBlock, error) {
	vals, err := s.client.HVals(ctx, s.key("revision", revisionID, "blocks")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load blocks of %s: %w", revisionID, err)
	}
	out := make([]domain.ScriptBlock, 0, len(vals))
	for _, v := range vals {
		var b domain.ScriptBlock
		if err := json.Unmarshal([]byte(v), &b); err != nil {
			return nil, fmt.Errorf("failed to unmarshal block: %w", err)
		}
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CreateScriptFile stores a file record. HSETNX enforces path uniqueness.
func (s *Store) CreateScriptFile(ctx context.Context, file domain.ScriptFile) (*domain.ScriptFile, error) {
	if err := s.requireRevision(ctx, file.RevisionID); err != nil {
		return nil, err
	}
	if file.ID == "" {
		file.ID = domain.NewID()
	}
	file.CreatedAt = s.now()

	data, err := json.Marshal(file)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal file: %w", err)
	}
	ok, err := s.client.HSetNX(ctx, s.key("revision", file.RevisionID, "files"), file.Path, data).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to save file %q: %w", file.Path, err)
	}
	if !ok {
		return nil, fmt.Errorf("file %q: %w", file.Path, domain.ErrDuplicatePath)
	}
	return &file, nil
}

// GetScriptFile returns the file at path in a revision.
func (s *Store) GetScriptFile(ctx context.Context, revisionID, path string) (*domain.ScriptFile, error) {
	data, err := s.client.HGet(ctx, s.key("revision", revisionID, "files"), path).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, domain.ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to load file %q: %w", path, err)
	}
	var f domain.ScriptFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal file %q: %w", path, err)
	}
	return &f, nil
}

// ListScriptFiles returns the files of a revision whose path matches pattern.
func (s *Store) ListScriptFiles(ctx context.Context, revisionID, pattern string) ([]domain.ScriptFile, error) {
	all, err := s.client.HGetAll(ctx, s.key("revision", revisionID, "files")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list files of %s: %w", revisionID, err)
	}
	var out []domain.ScriptFile
	for path, v := range all {
		if pattern != "" {
			ok, err := doublestar.Match(pattern, path)
			if err != nil {
				return nil, fmt.Errorf("invalid file pattern %q: %w", pattern, err)
			}
			if !ok {
				continue
			}
		}
		var f domain.ScriptFile
		if err := json.Unmarshal([]byte(v), &f); err != nil {
			return nil, fmt.Errorf("failed to unmarshal file %q: %w", path, err)
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// CreateOrGetWorkflowScriptMapping records a mapping unless an identical one exists.
func (s *Store) CreateOrGetWorkflowScriptMapping(ctx context.Context, m domain.WorkflowScriptMapping) (*domain.WorkflowScriptMapping, error) {
	key := s.key("mapping", m.WorkflowID, string(m.Status), m.CacheKeyValue)
	m.CreatedAt = s.now()

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mapping: %w", err)
	}
	ok, err := s.client.HSetNX(ctx, key, m.ScriptID, data).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to save mapping: %w", err)
	}
	if ok {
		return &m, nil
	}

	existing, err := s.client.HGet(ctx, key, m.ScriptID).Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to load mapping: %w", err)
	}
	var got domain.WorkflowScriptMapping
	if err := json.Unmarshal(existing, &got); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mapping: %w", err)
	}
	return &got, nil
}

// GetWorkflowScriptMapping returns the most recent mapping for (workflow, key, status).
func (s *Store) GetWorkflowScriptMapping(ctx context.Context, workflowID, cacheKeyValue string, status domain.MappingStatus) (*domain.WorkflowScriptMapping, error) {
	vals, err := s.client.HVals(ctx, s.key("mapping", workflowID, string(status), cacheKeyValue)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load mappings: %w", err)
	}
	var found *domain.WorkflowScriptMapping
	for _, v := range vals {
		var m domain.WorkflowScriptMapping
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal mapping: %w", err)
		}
		if found == nil || m.CreatedAt.After(found.CreatedAt) {
			found = &m
		}
	}
	if found == nil {
		return nil, domain.ErrMappingNotFound
	}
	return found, nil
}

// RecordEpisode stores an episode and indexes it as pending for its workflow.
func (s *Store) RecordEpisode(ctx context.Context, ep domain.FallbackEpisode) (*domain.FallbackEpisode, error) {
	if ep.ID == "" {
		ep.ID = domain.NewID()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = s.now()
	}
	data, err := json.Marshal(ep)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal episode: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key("episode", ep.ID), data, 0)
	if !ep.Reviewed {
		pipe.ZAdd(ctx, s.key("episodes", ep.WorkflowID, "pending"), backend.Z{
			Score:  float64(ep.CreatedAt.UnixNano()),
			Member: ep.ID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to save episode: %w", err)
	}
	return &ep, nil
}

// ListPendingEpisodes returns unreviewed episodes of a workflow, oldest first.
func (s *Store) ListPendingEpisodes(ctx context.Context, workflowID string) ([]domain.FallbackEpisode, error) {
	ids, err := s.client.ZRange(ctx, s.key("episodes", workflowID, "pending"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending episodes: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key("episode", id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load episodes: %w", err)
	}

	out := make([]domain.FallbackEpisode, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var ep domain.FallbackEpisode
		if err := json.Unmarshal([]byte(raw), &ep); err != nil {
			return nil, fmt.Errorf("failed to unmarshal episode: %w", err)
		}
		out = append(out, ep)
	}
	return out, nil
}

// MarkEpisodeReviewed consumes an episode.
func (s *Store) MarkEpisodeReviewed(ctx context.Context, episodeID, note string) error {
	data, err := s.client.Get(ctx, s.key("episode", episodeID)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return domain.ErrEpisodeNotFound
		}
		return fmt.Errorf("failed to load episode %s: %w", episodeID, err)
	}
	var ep domain.FallbackEpisode
	if err := json.Unmarshal(data, &ep); err != nil {
		return fmt.Errorf("failed to unmarshal episode %s: %w", episodeID, err)
	}
	ep.Reviewed = true
	ep.ReviewNote = note
	ep.ReviewedAt = s.now()
	if data, err = json.Marshal(ep); err != nil {
		return fmt.Errorf("failed to marshal episode: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key("episode", episodeID), data, 0)
	pipe.ZRem(ctx, s.key("episodes", ep.WorkflowID, "pending"), episodeID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark episode %s reviewed: %w", episodeID, err)
	}
	return nil
}

// RecordBranchHit keeps the latest time a branch was exercised.
func (s *Store) RecordBranchHit(ctx context.Context, hit domain.StaleBranch) error {
	if hit.LastSeen.IsZero() {
		hit.LastSeen = s.now()
	}
	key := s.key("branches", hit.ScriptID, hit.BlockLabel)

	prev, err := s.client.HGet(ctx, key, hit.BranchLabel).Int64()
	switch {
	case errors.Is(err, backend.Nil):
	case err != nil:
		return fmt.Errorf("failed to load branch %q: %w", hit.BranchLabel, err)
	case prev > hit.LastSeen.UnixNano():
		return nil
	}
	return s.client.HSet(ctx, key, hit.BranchLabel, hit.LastSeen.UnixNano()).Err()
}

// ListStaleBranches returns branches of a block last exercised before the cutoff.
func (s *Store) ListStaleBranches(ctx context.Context, scriptID, blockLabel string, before time.Time) ([]domain.StaleBranch, error) {
	all, err := s.client.HGetAll(ctx, s.key("branches", scriptID, blockLabel)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	var out []domain.StaleBranch
	for label, raw := range all {
		nanos, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt branch timestamp for %q: %w", label, err)
		}
		seen := time.Unix(0, nanos)
		if seen.Before(before) {
			out = append(out, domain.StaleBranch{
				ScriptID: scriptID, BlockLabel: blockLabel, BranchLabel: label, LastSeen: seen,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BranchLabel < out[j].BranchLabel })
	return out, nil
}

// PutArtifact stores data under its content hash.
func (s *Store) PutArtifact(ctx context.Context, data []byte) (string, error) {
	id := domain.ContentHash(data)
	if err := s.client.SetNX(ctx, s.key("artifact", id), data, 0).Err(); err != nil {
		return "", fmt.Errorf("failed to save artifact %s: %w", id, err)
	}
	return id, nil
}

// GetArtifact returns the stored bytes.
func (s *Store) GetArtifact(ctx context.Context, id string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key("artifact", id)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, domain.ErrArtifactNotFound
		}
		return nil, fmt.Errorf("failed to load artifact %s: %w", id, err)
	}
	return data, nil
}
