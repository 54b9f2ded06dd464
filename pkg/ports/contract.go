package ports

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aretw0/scriptforge/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunScriptStoreContract runs a suite of tests to verify that a ScriptStore implementation
// adheres to the defined interface contract.
func RunScriptStoreContract(t *testing.T, store ScriptStore) {
	ctx := context.Background()
	workflowID := "wf-contract-" + time.Now().Format("20060102150405.000000")

	t.Run("Create and Get Script", func(t *testing.T) {
		s, err := store.CreateScript(ctx, workflowID, "run-1")
		require.NoError(t, err)
		assert.Equal(t, 1, s.Version)
		assert.Equal(t, domain.RevisionDraft, s.Status)

		// Drafts are invisible to latest lookups
		_, err = store.GetScript(ctx, s.ScriptID, 0)
		assert.ErrorIs(t, err, domain.ErrScriptNotFound)

		// but addressable by version
		got, err := store.GetScript(ctx, s.ScriptID, 1)
		require.NoError(t, err)
		assert.Equal(t, s.RevisionID, got.RevisionID)

		require.NoError(t, store.MarkRevisionReady(ctx, s.RevisionID))
		latest, err := store.GetScript(ctx, s.ScriptID, 0)
		require.NoError(t, err)
		assert.Equal(t, domain.RevisionReady, latest.Status)
		assert.Equal(t, workflowID, latest.WorkflowID)
	})

	t.Run("Revisions Are Monotonic", func(t *testing.T) {
		s, err := store.CreateScript(ctx, workflowID, "run-2")
		require.NoError(t, err)
		require.NoError(t, store.MarkRevisionReady(ctx, s.RevisionID))

		rev, err := store.CreateScriptRevision(ctx, s.ScriptID, 2)
		require.NoError(t, err)
		assert.Equal(t, s.ScriptID, rev.ScriptID)
		assert.NotEqual(t, s.RevisionID, rev.RevisionID)

		assert.Equal(t, 2, rev.Version)

		// An abandoned draft does not block the next attempt from the same base
		retry, err := store.CreateScriptRevision(ctx, s.ScriptID, 2)
		require.NoError(t, err)
		assert.Equal(t, 3, retry.Version)

		// Latest stays at v1 until a newer revision is ready
		latest, err := store.GetScript(ctx, s.ScriptID, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, latest.Version)

		require.NoError(t, store.MarkRevisionReady(ctx, retry.RevisionID))
		latest, err = store.GetScript(ctx, s.ScriptID, 0)
		require.NoError(t, err)
		assert.Equal(t, 3, latest.Version)

		// Building on a stale base conflicts with the ready revision
		_, err = store.CreateScriptRevision(ctx, s.ScriptID, 2)
		assert.ErrorIs(t, err, domain.ErrVersionConflict)
		_, err = store.CreateScriptRevision(ctx, s.ScriptID, 3)
		assert.ErrorIs(t, err, domain.ErrVersionConflict)

		_, err = store.CreateScriptRevision(ctx, "missing-script", 2)
		assert.ErrorIs(t, err, domain.ErrScriptNotFound)
	})

	t.Run("Blocks", func(t *testing.T) {
		s, err := store.CreateScript(ctx, workflowID, "run-3")
		require.NoError(t, err)

		for i, label := range []string{"login", "search"} {
			_, err := store.CreateScriptBlock(ctx, domain.ScriptBlock{
				RevisionID:   s.RevisionID,
				ScriptID:     s.ScriptID,
				Label:        label,
				Position:     1 - i,
				RunSignature: fmt.Sprintf("Block%d(ctx, page, rc)", i),
			})
			require.NoError(t, err)
		}

		_, err = store.CreateScriptBlock(ctx, domain.ScriptBlock{RevisionID: s.RevisionID, Label: "login"})
		assert.ErrorIs(t, err, domain.ErrDuplicateLabel)

		blocks, err := store.GetScriptBlocks(ctx, s.RevisionID)
		require.NoError(t, err)
		require.Len(t, blocks, 2)
		assert.Equal(t, "search", blocks[0].Label, "blocks are ordered by position")
		assert.NotEmpty(t, blocks[0].ID)
	})

	t.Run("Files", func(t *testing.T) {
		s, err := store.CreateScript(ctx, workflowID, "run-4")
		require.NoError(t, err)

		for _, p := range []string{domain.ProgramPath, "blocks/login.go", "blocks/search.go"} {
			_, err := store.CreateScriptFile(ctx, domain.ScriptFile{
				RevisionID:  s.RevisionID,
				Path:        p,
				ArtifactID:  "artifact-" + p,
				ContentHash: domain.ContentHash([]byte(p)),
			})
			require.NoError(t, err)
		}

		_, err = store.CreateScriptFile(ctx, domain.ScriptFile{RevisionID: s.RevisionID, Path: domain.ProgramPath})
		assert.ErrorIs(t, err, domain.ErrDuplicatePath)

		f, err := store.GetScriptFile(ctx, s.RevisionID, "blocks/login.go")
		require.NoError(t, err)
		assert.Equal(t, "artifact-blocks/login.go", f.ArtifactID)

		_, err = store.GetScriptFile(ctx, s.RevisionID, "blocks/missing.go")
		assert.ErrorIs(t, err, domain.ErrFileNotFound)

		blockFiles, err := store.ListScriptFiles(ctx, s.RevisionID, "blocks/*.go")
		require.NoError(t, err)
		assert.Len(t, blockFiles, 2)

		all, err := store.ListScriptFiles(ctx, s.RevisionID, "")
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("Mappings", func(t *testing.T) {
		key := "default:a.example.com"
		_, err := store.GetWorkflowScriptMapping(ctx, workflowID, key, domain.MappingPublished)
		assert.ErrorIs(t, err, domain.ErrMappingNotFound)

		first, err := store.CreateOrGetWorkflowScriptMapping(ctx, domain.WorkflowScriptMapping{
			WorkflowID: workflowID, CacheKeyValue: key, ScriptID: "script-a", Status: domain.MappingPublished,
		})
		require.NoError(t, err)

		again, err := store.CreateOrGetWorkflowScriptMapping(ctx, domain.WorkflowScriptMapping{
			WorkflowID: workflowID, CacheKeyValue: key, ScriptID: "script-a", Status: domain.MappingPublished,
		})
		require.NoError(t, err)
		assert.Equal(t, first.CreatedAt.UnixNano(), again.CreatedAt.UnixNano(), "existing mapping is returned")

		time.Sleep(2 * time.Millisecond)
		_, err = store.CreateOrGetWorkflowScriptMapping(ctx, domain.WorkflowScriptMapping{
			WorkflowID: workflowID, CacheKeyValue: key, ScriptID: "script-b", Status: domain.MappingPublished,
		})
		require.NoError(t, err)

		got, err := store.GetWorkflowScriptMapping(ctx, workflowID, key, domain.MappingPublished)
		require.NoError(t, err)
		assert.Equal(t, "script-b", got.ScriptID, "most recent mapping wins")

		_, err = store.GetWorkflowScriptMapping(ctx, workflowID, key, domain.MappingPending)
		assert.ErrorIs(t, err, domain.ErrMappingNotFound)
	})
}

// RunEpisodeStoreContract verifies an EpisodeStore implementation.
func RunEpisodeStoreContract(t *testing.T, store EpisodeStore) {
	ctx := context.Background()
	workflowID := "wf-episodes-" + time.Now().Format("20060102150405.000000")

	t.Run("Record List Review", func(t *testing.T) {
		first, err := store.RecordEpisode(ctx, domain.FallbackEpisode{
			WorkflowID: workflowID, ScriptID: "s1", BlockLabel: "login", Error: "selector not found",
		})
		require.NoError(t, err)
		assert.NotEmpty(t, first.ID)

		_, err = store.RecordEpisode(ctx, domain.FallbackEpisode{
			WorkflowID: workflowID, ScriptID: "s1", BlockLabel: "search", Succeeded: true,
		})
		require.NoError(t, err)

		pending, err := store.ListPendingEpisodes(ctx, workflowID)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "login", pending[0].BlockLabel, "oldest first")

		require.NoError(t, store.MarkEpisodeReviewed(ctx, first.ID, "patched in v2"))

		pending, err = store.ListPendingEpisodes(ctx, workflowID)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "search", pending[0].BlockLabel)

		err = store.MarkEpisodeReviewed(ctx, "missing", "")
		assert.ErrorIs(t, err, domain.ErrEpisodeNotFound)
	})

	t.Run("Stale Branches", func(t *testing.T) {
		old := time.Now().Add(-48 * time.Hour)
		require.NoError(t, store.RecordBranchHit(ctx, domain.StaleBranch{
			ScriptID: "s1", BlockLabel: "check", BranchLabel: "logged_out", LastSeen: old,
		}))
		require.NoError(t, store.RecordBranchHit(ctx, domain.StaleBranch{
			ScriptID: "s1", BlockLabel: "check", BranchLabel: "logged_in", LastSeen: time.Now(),
		}))

		stale, err := store.ListStaleBranches(ctx, "s1", "check", time.Now().Add(-24*time.Hour))
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "logged_out", stale[0].BranchLabel)
	})
}

// RunArtifactStoreContract verifies an ArtifactStore implementation.
func RunArtifactStoreContract(t *testing.T, store ArtifactStore) {
	ctx := context.Background()

	t.Run("Put and Get", func(t *testing.T) {
		id, err := store.PutArtifact(ctx, []byte("package compiled\n"))
		require.NoError(t, err)

		data, err := store.GetArtifact(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "package compiled\n", string(data))
	})

	t.Run("Content Addressed", func(t *testing.T) {
		a, err := store.PutArtifact(ctx, []byte("same"))
		require.NoError(t, err)
		b, err := store.PutArtifact(ctx, []byte("same"))
		require.NoError(t, err)
		c, err := store.PutArtifact(ctx, []byte("different"))
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.NotEqual(t, a, c)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := store.GetArtifact(ctx, "0000")
		assert.ErrorIs(t, err, domain.ErrArtifactNotFound)
	})
}
