package file_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aretw0/scriptforge/pkg/adapters/file"
	"github.com/aretw0/scriptforge/pkg/domain"
	"github.com/aretw0/scriptforge/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_Contracts(t *testing.T) {
	store := file.New(t.TempDir())

	t.Run("ScriptStore", func(t *testing.T) { ports.RunScriptStoreContract(t, store) })
	t.Run("EpisodeStore", func(t *testing.T) { ports.RunEpisodeStoreContract(t, store) })
	t.Run("ArtifactStore", func(t *testing.T) { ports.RunArtifactStoreContract(t, store) })
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := file.New(dir)
	s, err := first.CreateScript(ctx, "wf", "run")
	require.NoError(t, err)
	require.NoError(t, first.MarkRevisionReady(ctx, s.RevisionID))
	id, err := first.PutArtifact(ctx, []byte("package program\n"))
	require.NoError(t, err)

	second := file.New(dir)
	got, err := second.GetScript(ctx, s.ScriptID, 0)
	require.NoError(t, err)
	assert.Equal(t, s.RevisionID, got.RevisionID)

	data, err := second.GetArtifact(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "package program\n", string(data))
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	store := file.New(dir)
	ctx := context.Background()

	_, err := store.RecordEpisode(ctx, domain.FallbackEpisode{WorkflowID: "wf", BlockLabel: "login"})
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "episodes"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".json", filepath.Ext(entries[0].Name()))
}

func TestFileStore_RejectsArtifactTraversal(t *testing.T) {
	store := file.New(t.TempDir())

	_, err := store.GetArtifact(context.Background(), "../../etc/passwd")
	assert.ErrorIs(t, err, domain.ErrArtifactNotFound)
}

func TestFileStore_DefaultPath(t *testing.T) {
	assert.Equal(t, file.DefaultBasePath, file.New("").BasePath)
}
