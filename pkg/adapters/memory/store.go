package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/scriptforge/pkg/domain"
	"github.com/bmatcuk/doublestar/v4"
)

// Store implements ports.ScriptStore in memory.
// Safe for concurrent use. Records are copied on write and on read.
type Store struct {
	mu        sync.RWMutex
	revisions map[string]domain.Script   // revision id -> revision
	byScript  map[string][]string        // script id -> revision ids, oldest first
	blocks    map[string][]domain.ScriptBlock
	files     map[string][]domain.ScriptFile
	mappings  []domain.WorkflowScriptMapping
	now       func() time.Time
}

// NewStore creates a new in-memory script store.
func NewStore() *Store {
	return &Store{
		revisions: make(map[string]domain.Script),
		byScript:  make(map[string][]string),
		blocks:    make(map[string][]domain.ScriptBlock),
		files:     make(map[string][]domain.ScriptFile),
		now:       time.Now,
	}
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
	s.revisions[rev.RevisionID] = rev
	s.byScript[rev.ScriptID] = []string{rev.RevisionID}
	return &rev, nil
}

// CreateScriptRevision creates a new draft revision of an existing script.
func (s *Store) CreateScriptRevision(ctx context.Context, scriptID string, version int) (*domain.Script, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.byScript[scriptID]
	if !ok {
		return nil, domain.ErrScriptNotFound
	}
	revs := make([]domain.Script, 0, len(ids))
	for _, id := range ids {
		revs = append(revs, s.revisions[id])
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
	s.revisions[rev.RevisionID] = rev
	s.byScript[scriptID] = append(ids, rev.RevisionID)
	return &rev, nil
}

// GetScript returns a revision by version, or the latest ready one for version 0.
func (s *Store) GetScript(ctx context.Context, scriptID string, version int) (*domain.Script, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *domain.Script
	for _, id := range s.byScript[scriptID] {
		rev := s.revisions[id]
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

	rev, ok := s.revisions[revisionID]
	if !ok {
		return domain.ErrScriptNotFound
	}
	rev.Status = domain.RevisionReady
	s.revisions[revisionID] = rev
	return nil
}

// CreateScriptBlock stores a block record.
func (s *Store) CreateScriptBlock(ctx context.Context, block domain.ScriptBlock) (*domain.ScriptBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.revisions[block.RevisionID]; !ok {
		return nil, domain.ErrScriptNotFound
	}
	for _, b := range s.blocks[block.RevisionID] {
		if b.Label == block.Label {
			return nil, fmt.Errorf("block %q: %w", block.Label, domain.ErrDuplicateLabel)
		}
	}

	if block.ID == "" {
		block.ID = domain.NewID()
	}
	block.InputFields = slices.Clone(block.InputFields)
	block.CreatedAt = s.now()
	s.blocks[block.RevisionID] = append(s.blocks[block.RevisionID], block)

	ret := block
	ret.InputFields = slices.Clone(block.InputFields)
	return &ret, nil
}

// GetScriptBlocks returns the blocks of a revision ordered by position.
func (s *Store) GetScriptBlocks(ctx context.Context, revisionID string) ([]domain.ScriptBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ScriptBlock, 0, len(s.blocks[revisionID]))
	for _, b := range s.blocks[revisionID] {
		b.InputFields = slices.Clone(b.InputFields)
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// CreateScriptFile stores a file record.
func (s *Store) CreateScriptFile(ctx context.Context, file domain.ScriptFile) (*domain.ScriptFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.revisions[file.RevisionID]; !ok {
		return nil, domain.ErrScriptNotFound
	}
	for _, f := range s.files[file.RevisionID] {
		if f.Path == file.Path {
			return nil, fmt.Errorf("file %q: %w", file.Path, domain.ErrDuplicatePath)
		}
	}

	if file.ID == "" {
		file.ID = domain.NewID()
	}
	file.CreatedAt = s.now()
	s.files[file.RevisionID] = append(s.files[file.RevisionID], file)
	return &file, nil
}

// GetScriptFile returns the file at path in a revision.
func (s *Store) GetScriptFile(ctx context.Context, revisionID, path string) (*domain.ScriptFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, f := range s.files[revisionID] {
		if f.Path == path {
			return &f, nil
		}
	}
	return nil, domain.ErrFileNotFound
}

// ListScriptFiles returns the files of a revision whose path matches pattern.
func (s *Store) ListScriptFiles(ctx context.Context, revisionID, pattern string) ([]domain.ScriptFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ScriptFile
	for _, f := range s.files[revisionID] {
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

// CreateOrGetWorkflowScriptMapping records a mapping unless an identical one exists.
func (s *Store) CreateOrGetWorkflowScriptMapping(ctx context.Context, m domain.WorkflowScriptMapping) (*domain.WorkflowScriptMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.mappings {
		if existing.WorkflowID == m.WorkflowID && existing.CacheKeyValue == m.CacheKeyValue &&
			existing.ScriptID == m.ScriptID && existing.Status == m.Status {
			return &existing, nil
		}
	}
	m.CreatedAt = s.now()
	s.mappings = append(s.mappings, m)
	return &m, nil
}

// GetWorkflowScriptMapping returns the most recent mapping for (workflow, key, status).
func (s *Store) GetWorkflowScriptMapping(ctx context.Context, workflowID, cacheKeyValue string, status domain.MappingStatus) (*domain.WorkflowScriptMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *domain.WorkflowScriptMapping
	for i := range s.mappings {
		m := s.mappings[i]
		if m.WorkflowID != workflowID || m.CacheKeyValue != cacheKeyValue || m.Status != status {
			continue
		}
		// Later insertions win ties.
		if found == nil || !m.CreatedAt.Before(found.CreatedAt) {
			found = &m
		}
	}
	if found == nil {
		return nil, domain.ErrMappingNotFound
	}
	return found, nil
}
