// Package file persists scripts, fallback episodes and artifacts as JSON documents on the
// local filesystem. Every write goes through a temp file and an atomic rename.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/scriptforge/pkg/domain"
	"github.com/bmatcuk/doublestar/v4"
)

// DefaultBasePath is used when New receives an empty path.
var DefaultBasePath = filepath.Join(".scriptforge", "store")

// Store implements ports.ScriptStore, ports.EpisodeStore and ports.ArtifactStore.
//
// Layout under BasePath:
//
//	scripts/<script id>.json        revision ids of a script, oldest first
//	revisions/<revision id>.json    domain.Script
//	blocks/<revision id>.json       []domain.ScriptBlock
//	files/<revision id>.json        []domain.ScriptFile
//	mappings/<digest>.json          []domain.WorkflowScriptMapping per (workflow, key, status)
//	episodes/<id>.json              domain.FallbackEpisode
//	branches/<digest>.json          branch label -> last seen, per (script, block)
//	artifacts/<hh>/<hash>           raw content
//
// A single process is expected to own a store directory.
type Store struct {
	BasePath string

	mu  sync.Mutex
	now func() time.Time
}

// New creates a Store rooted at basePath.
func New(basePath string) *Store {
	if basePath == "" {
		basePath = DefaultBasePath
	}
	return &Store{BasePath: basePath, now: time.Now}
}

func (s *Store) path(parts ...string) string {
	return filepath.Join(append([]string{s.BasePath}, parts...)...)
}

func digest(parts ...string) string {
	var joined []byte
	for _, p := range parts {
		joined = append(joined, p...)
		joined = append(joined, 0)
	}
	return domain.ContentHash(joined)[:32]
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.putRevision(rev, nil); err != nil {
		return nil, err
	}
	return &rev, nil
}

// CreateScriptRevision creates a new draft revision of an existing script.
func (s *Store) CreateScriptRevision(ctx context.Context, scriptID string, version int) (*domain.Script, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revs, err := s.revisions(scriptID)
	if err != nil {
		return nil, err
	}
	if len(revs) == 0 {
		return nil, domain.ErrScriptNotFound
	}
	next, ok := domain.NextVersion(revs, version)
	if !ok {
		return nil, fmt.Errorf("version %d of script %s: %w", version, scriptID, domain.ErrVersionConflict)
	}

	rev := domain.Script{
		ScriptID:   scriptID,
		RevisionID: domain.NewID(),
		Version:    next,
		WorkflowID: revs[0].WorkflowID,
		RunID:      revs[0].RunID,
		Status:     domain.RevisionDraft,
		CreatedAt:  s.now(),
	}
	ids := make([]string, 0, len(revs)+1)
	for _, r := range revs {
		ids = append(ids, r.RevisionID)
	}
	if err := s.putRevision(rev, ids); err != nil {
		return nil, err
	}
	return &rev, nil
}

// putRevision writes the revision document before the script index, so an interrupted write
// leaves an orphan revision rather than a dangling index entry.
func (s *Store) putRevision(rev domain.Script, ids []string) error {
	if err := writeJSON(s.path("revisions", rev.RevisionID+".json"), rev); err != nil {
		return err
	}
	return writeJSON(s.path("scripts", rev.ScriptID+".json"), append(ids, rev.RevisionID))
}

func (s *Store) revision(revisionID string) (*domain.Script, error) {
	var rev domain.Script
	ok, err := readJSON(s.path("revisions", revisionID+".json"), &rev)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrScriptNotFound
	}
	return &rev, nil
}

func (s *Store) revisions(scriptID string) ([]domain.Script, error) {
	var ids []string
	if _, err := readJSON(s.path("scripts", scriptID+".json"), &ids); err != nil {
		return nil, err
	}
	out := make([]domain.Script, 0, len(ids))
	for _, id := range ids {
		rev, err := s.revision(id)
		if err != nil {
			return nil, err
		}
		out = append(out, *rev)
	}
	return out, nil
}

// GetScript returns a revision by version, or the latest ready one for version 0.
func (s *Store) GetScript(ctx context.Context, scriptID string, version int) (*domain.Script, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revs, err := s.revisions(scriptID)
	if err != nil {
		return nil, err
	}
	var found *domain.Script
	for i := range revs {
		rev := revs[i]
		switch {
		case version > 0 && rev.Version == version:
			return &rev, nil
		case version == 0 && rev.Status == domain.RevisionReady:
			if found == nil || rev.Version > found.Version {
				found = &rev
			}
		}
	}
	if found == nil {
		return nil, domain.ErrScriptNotFound
	}
	return found, nil
}

// MarkRevisionReady flips a draft to ready.
func (s *Store) MarkRevisionReady(ctx context.Context, revisionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rev, err := s.revision(revisionID)
	if err != nil {
		return err
	}
	rev.Status = domain.RevisionReady
	return writeJSON(s.path("revisions", revisionID+".json"), rev)
}

func (s *Store) requireRevision(revisionID string) error {
	_, err := s.revision(revisionID)
	return err
}

// CreateScriptBlock stores a block record.
func (s *Store) CreateScriptBlock(ctx context.Context, block domain.ScriptBlock) (*domain.ScriptBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireRevision(block.RevisionID); err != nil {
		return nil, err
	}
	var blocks []domain.ScriptBlock
	dest := s.path("blocks", block.RevisionID+".json")
	if _, err := readJSON(dest, &blocks); err != nil {
		return nil, err
	}
	for _, b := range blocks {
		if b.Label == block.Label {
			return nil, fmt.Errorf("block %q: %w", block.Label, domain.ErrDuplicateLabel)
		}
	}

	if block.ID == "" {
		block.ID = domain.NewID()
	}
	block.CreatedAt = s.now()
	if err := writeJSON(dest, append(blocks, block)); err != nil {
		return nil, err
	}
	return &block, nil
}

// GetScriptBlocks returns the blocks of a revision ordered by position.
func (s *Store) GetScriptBlocks(ctx context.Context, revisionID string) ([]domain.ScriptBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var blocks []domain.ScriptBlock
	if _, err := readJSON(s.path("blocks", revisionID+".json"), &blocks); err != nil {
		return nil, err
	}
	sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].Position < blocks[j].Position })
	return blocks, nil
}

// CreateScriptFile stores a file record.
func (s *Store) CreateScriptFile(ctx context.Context, file domain.ScriptFile) (*domain.ScriptFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireRevision(file.RevisionID); err != nil {
		return nil, err
	}
	var files []domain.ScriptFile
	dest := s.path("files", file.RevisionID+".json")
	if _, err := readJSON(dest, &files); err != nil {
		return nil, err
	}
	for _, f := range files {
		if f.Path == file.Path {
			return nil, fmt.Errorf("file %q: %w", file.Path, domain.ErrDuplicatePath)
		}
	}

	if file.ID == "" {
		file.ID = domain.NewID()
	}
	file.CreatedAt = s.now()
	if err := writeJSON(dest, append(files, file)); err != nil {
		return nil, err
	}
	return &file, nil
}

// GetScriptFile returns the file at path in a revision.
func (s *Store) GetScriptFile(ctx context.Context, revisionID, path string) (*domain.ScriptFile, error) {
	files, err := s.ListScriptFiles(ctx, revisionID, "")
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if f.Path == path {
			return &f, nil
		}
	}
	return nil, domain.ErrFileNotFound
}

// ListScriptFiles returns the files of a revision whose path matches pattern.
func (s *Store) ListScriptFiles(ctx context.Context, revisionID, pattern string) ([]domain.ScriptFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var files []domain.ScriptFile
	if _, err := readJSON(s.path("files", revisionID+".json"), &files); err != nil {
		return nil, err
	}
	var out []domain.ScriptFile
	for _, f := range files {
		if pattern != "" {
			ok, err := doublestar.Match(pattern, f.Path)
			if err != nil {
				return nil, fmt.Errorf("invalid file pattern %q: %w", pattern, err)
			}
			if !ok {
				continue
			}
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *Store) mappingPath(workflowID, key string, status domain.MappingStatus) string {
	return s.path("mappings", digest(workflowID, key, string(status))+".json")
}

// CreateOrGetWorkflowScriptMapping records a mapping unless an identical one exists.
func (s *Store) CreateOrGetWorkflowScriptMapping(ctx context.Context, m domain.WorkflowScriptMapping) (*domain.WorkflowScriptMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dest := s.mappingPath(m.WorkflowID, m.CacheKeyValue, m.Status)
	var mappings []domain.WorkflowScriptMapping
	if _, err := readJSON(dest, &mappings); err != nil {
		return nil, err
	}
	for _, existing := range mappings {
		if existing.ScriptID == m.ScriptID {
			return &existing, nil
		}
	}
	m.CreatedAt = s.now()
	if err := writeJSON(dest, append(mappings, m)); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetWorkflowScriptMapping returns the most recent mapping for (workflow, key, status).
func (s *Store) GetWorkflowScriptMapping(ctx context.Context, workflowID, cacheKeyValue string, status domain.MappingStatus) (*domain.WorkflowScriptMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var mappings []domain.WorkflowScriptMapping
	if _, err := readJSON(s.mappingPath(workflowID, cacheKeyValue, status), &mappings); err != nil {
		return nil, err
	}
	var found *domain.WorkflowScriptMapping
	for i := range mappings {
		m := mappings[i]
		if found == nil || !m.CreatedAt.Before(found.CreatedAt) {
			found = &m
		}
	}
	if found == nil {
		return nil, domain.ErrMappingNotFound
	}
	return found, nil
}

// RecordEpisode stores an episode, assigning id and timestamp when missing.
func (s *Store) RecordEpisode(ctx context.Context, ep domain.FallbackEpisode) (*domain.FallbackEpisode, error) {
	if ep.ID == "" {
		ep.ID = domain.NewID()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeJSON(s.path("episodes", ep.ID+".json"), ep); err != nil {
		return nil, err
	}
	return &ep, nil
}

// ListPendingEpisodes returns unreviewed episodes of a workflow, oldest first.
func (s *Store) ListPendingEpisodes(ctx context.Context, workflowID string) ([]domain.FallbackEpisode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches, err := doublestar.FilepathGlob(filepath.Join(doublestar.EscapeMeta(s.path("episodes")), "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list episodes: %w", err)
	}

	var out []domain.FallbackEpisode
	for _, m := range matches {
		var ep domain.FallbackEpisode
		if _, err := readJSON(m, &ep); err != nil {
			return nil, err
		}
		if ep.WorkflowID == workflowID && !ep.Reviewed {
			out = append(out, ep)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MarkEpisodeReviewed consumes an episode.
func (s *Store) MarkEpisodeReviewed(ctx context.Context, episodeID, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dest := s.path("episodes", episodeID+".json")
	var ep domain.FallbackEpisode
	ok, err := readJSON(dest, &ep)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrEpisodeNotFound
	}
	ep.Reviewed = true
	ep.ReviewNote = note
	ep.ReviewedAt = s.now()
	return writeJSON(dest, ep)
}

func (s *Store) branchPath(scriptID, blockLabel string) string {
	return s.path("branches", digest(scriptID, blockLabel)+".json")
}

// RecordBranchHit keeps the latest time a branch was exercised.
func (s *Store) RecordBranchHit(ctx context.Context, hit domain.StaleBranch) error {
	if hit.LastSeen.IsZero() {
		hit.LastSeen = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dest := s.branchPath(hit.ScriptID, hit.BlockLabel)
	seen := make(map[string]time.Time)
	if _, err := readJSON(dest, &seen); err != nil {
		return err
	}
	if prev, ok := seen[hit.BranchLabel]; ok && prev.After(hit.LastSeen) {
		return nil
	}
	seen[hit.BranchLabel] = hit.LastSeen
	return writeJSON(dest, seen)
}

// ListStaleBranches returns branches of a block last exercised before the cutoff.
func (s *Store) ListStaleBranches(ctx context.Context, scriptID, blockLabel string, before time.Time) ([]domain.StaleBranch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]time.Time)
	if _, err := readJSON(s.branchPath(scriptID, blockLabel), &seen); err != nil {
		return nil, err
	}
	var out []domain.StaleBranch
	for label, at := range seen {
		if at.Before(before) {
			out = append(out, domain.StaleBranch{ScriptID: scriptID, BlockLabel: blockLabel, BranchLabel: label, LastSeen: at})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BranchLabel < out[j].BranchLabel })
	return out, nil
}

func (s *Store) artifactPath(id string) (string, error) {
	if len(id) < 3 || filepath.Base(id) != id {
		return "", domain.ErrArtifactNotFound
	}
	return s.path("artifacts", id[:2], id), nil
}

// PutArtifact stores data under its content hash. Existing content is not rewritten.
func (s *Store) PutArtifact(ctx context.Context, data []byte) (string, error) {
	id := domain.ContentHash(data)
	dest, err := s.artifactPath(id)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(dest); err == nil {
		return id, nil
	}
	if err := writeAtomic(dest, data); err != nil {
		return "", err
	}
	return id, nil
}

// GetArtifact returns the stored bytes.
func (s *Store) GetArtifact(ctx context.Context, id string) ([]byte, error) {
	src, err := s.artifactPath(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.ErrArtifactNotFound
		}
		return nil, fmt.Errorf("failed to read artifact %s: %w", id, err)
	}
	return data, nil
}
