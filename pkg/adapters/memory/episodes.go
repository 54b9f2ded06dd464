package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/scriptforge/pkg/domain"
)

// EpisodeStore implements ports.EpisodeStore in memory.
type EpisodeStore struct {
	mu       sync.RWMutex
	episodes map[string]domain.FallbackEpisode
	branches map[string]domain.StaleBranch
	now      func() time.Time
}

// NewEpisodeStore creates an empty episode store.
func NewEpisodeStore() *EpisodeStore {
	return &EpisodeStore{
		episodes: make(map[string]domain.FallbackEpisode),
		branches: make(map[string]domain.StaleBranch),
		now:      time.Now,
	}
}

// RecordEpisode stores an episode, assigning id and timestamp when missing.
func (s *EpisodeStore) RecordEpisode(ctx context.Context, ep domain.FallbackEpisode) (*domain.FallbackEpisode, error) {
	if ep.ID == "" {
		ep.ID = domain.NewID()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = s.now()
	}
	ep.Actions = slices.Clone(ep.Actions)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.episodes[ep.ID] = ep
	return &ep, nil
}

// ListPendingEpisodes returns unreviewed episodes of a workflow, oldest first.
func (s *EpisodeStore) ListPendingEpisodes(ctx context.Context, workflowID string) ([]domain.FallbackEpisode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.FallbackEpisode
	for _, ep := range s.episodes {
		if ep.WorkflowID != workflowID || ep.Reviewed {
			continue
		}
		ep.Actions = slices.Clone(ep.Actions)
		out = append(out, ep)
	}
	sortEpisodes(out)
	return out, nil
}

// MarkEpisodeReviewed consumes an episode.
func (s *EpisodeStore) MarkEpisodeReviewed(ctx context.Context, episodeID, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ep, ok := s.episodes[episodeID]
	if !ok {
		return domain.ErrEpisodeNotFound
	}
	ep.Reviewed = true
	ep.ReviewNote = note
	ep.ReviewedAt = s.now()
	s.episodes[episodeID] = ep
	return nil
}

// RecordBranchHit keeps the latest time a branch was exercised.
func (s *EpisodeStore) RecordBranchHit(ctx context.Context, hit domain.StaleBranch) error {
	if hit.LastSeen.IsZero() {
		hit.LastSeen = s.now()
	}
	key := hit.ScriptID + "\x00" + hit.BlockLabel + "\x00" + hit.BranchLabel

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.branches[key]; ok && prev.LastSeen.After(hit.LastSeen) {
		return nil
	}
	s.branches[key] = hit
	return nil
}

// ListStaleBranches returns branches of a block last exercised before the cutoff.
func (s *EpisodeStore) ListStaleBranches(ctx context.Context, scriptID, blockLabel string, before time.Time) ([]domain.StaleBranch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.StaleBranch
	for _, b := range s.branches {
		if b.ScriptID == scriptID && b.BlockLabel == blockLabel && b.LastSeen.Before(before) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BranchLabel < out[j].BranchLabel })
	return out, nil
}

func sortEpisodes(eps []domain.FallbackEpisode) {
	sort.Slice(eps, func(i, j int) bool {
		if !eps[i].CreatedAt.Equal(eps[j].CreatedAt) {
			return eps[i].CreatedAt.Before(eps[j].CreatedAt)
		}
		return eps[i].ID < eps[j].ID
	})
}
