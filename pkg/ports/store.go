package ports

import (
	"context"
	"time"

	"github.com/aretw0/scriptforge/pkg/domain"
)

// ScriptStore persists compiled scripts. Revisions are copy-on-write: nothing that was returned
// by a read is ever mutated by a later write.
type ScriptStore interface {
	// CreateScript creates version 1 of a new script in draft status.
	CreateScript(ctx context.Context, workflowID, runID string) (*domain.Script, error)

	// CreateScriptRevision creates a draft revision of scriptID, normally with the given version.
	// A ready revision at or above version fails with domain.ErrVersionConflict. Drafts abandoned
	// at or above version are skipped: the new revision takes the next free version.
	CreateScriptRevision(ctx context.Context, scriptID string, version int) (*domain.Script, error)

	// GetScript returns a revision. Version 0 selects the latest ready revision.
	// Returns domain.ErrScriptNotFound if nothing matches.
	GetScript(ctx context.Context, scriptID string, version int) (*domain.Script, error)

	// MarkRevisionReady flips a draft revision to ready once all of its blocks are committed.
	MarkRevisionReady(ctx context.Context, revisionID string) error

	// CreateScriptBlock stores a block record. Labels are unique per revision
	// (domain.ErrDuplicateLabel otherwise).
	CreateScriptBlock(ctx context.Context, block domain.ScriptBlock) (*domain.ScriptBlock, error)

	// GetScriptBlocks returns the blocks of a revision ordered by position.
	GetScriptBlocks(ctx context.Context, revisionID string) ([]domain.ScriptBlock, error)

	// CreateScriptFile stores a file record for a revision.
	CreateScriptFile(ctx context.Context, file domain.ScriptFile) (*domain.ScriptFile, error)

	// GetScriptFile returns the file stored at path in a revision, or domain.ErrFileNotFound.
	GetScriptFile(ctx context.Context, revisionID, path string) (*domain.ScriptFile, error)

	// ListScriptFiles returns the files of a revision whose path matches a doublestar glob.
	// An empty pattern matches everything.
	ListScriptFiles(ctx context.Context, revisionID, pattern string) ([]domain.ScriptFile, error)

	// CreateOrGetWorkflowScriptMapping records a mapping. If a mapping for the same
	// (workflow, key, script, status) already exists it is returned unchanged.
	CreateOrGetWorkflowScriptMapping(ctx context.Context, m domain.WorkflowScriptMapping) (*domain.WorkflowScriptMapping, error)

	// GetWorkflowScriptMapping returns the most recent mapping for (workflow, key, status),
	// or domain.ErrMappingNotFound.
	GetWorkflowScriptMapping(ctx context.Context, workflowID, cacheKeyValue string, status domain.MappingStatus) (*domain.WorkflowScriptMapping, error)
}

// EpisodeStore holds the fallback history that drives review.
type EpisodeStore interface {
	// RecordEpisode stores a new fallback episode and returns it with its id set.
	RecordEpisode(ctx context.Context, ep domain.FallbackEpisode) (*domain.FallbackEpisode, error)

	// ListPendingEpisodes returns unreviewed episodes of a workflow, oldest first.
	ListPendingEpisodes(ctx context.Context, workflowID string) ([]domain.FallbackEpisode, error)

	// MarkEpisodeReviewed consumes an episode. Returns domain.ErrEpisodeNotFound for unknown ids.
	MarkEpisodeReviewed(ctx context.Context, episodeID, note string) error

	// RecordBranchHit notes that a branch of a compiled block was exercised.
	RecordBranchHit(ctx context.Context, hit domain.StaleBranch) error

	// ListStaleBranches returns the branches of a block last exercised before the cutoff.
	ListStaleBranches(ctx context.Context, scriptID, blockLabel string, before time.Time) ([]domain.StaleBranch, error)
}

// ArtifactStore is a content-addressed blob store.
type ArtifactStore interface {
	// PutArtifact stores data and returns its id. Identical content yields the same id.
	PutArtifact(ctx context.Context, data []byte) (string, error)

	// GetArtifact returns stored bytes or domain.ErrArtifactNotFound.
	GetArtifact(ctx context.Context, id string) ([]byte, error)
}
