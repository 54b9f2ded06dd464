package memory_test

import (
	"context"
	"testing"

	"github.com/aretw0/scriptforge/pkg/adapters/memory"
	"github.com/aretw0/scriptforge/pkg/domain"
	"github.com/aretw0/scriptforge/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Contract(t *testing.T) {
	ports.RunScriptStoreContract(t, memory.NewStore())
}

func TestMemoryEpisodeStore_Contract(t *testing.T) {
	ports.RunEpisodeStoreContract(t, memory.NewEpisodeStore())
}

func TestMemoryArtifactStore_Contract(t *testing.T) {
	ports.RunArtifactStoreContract(t, memory.NewArtifactStore())
}

func TestMemoryStore_ReadsAreCopies(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	s, err := store.CreateScript(ctx, "wf", "run")
	require.NoError(t, err)
	_, err = store.CreateScriptBlock(ctx, domain.ScriptBlock{
		RevisionID: s.RevisionID, Label: "fill", InputFields: []string{"email"},
	})
	require.NoError(t, err)

	blocks, err := store.GetScriptBlocks(ctx, s.RevisionID)
	require.NoError(t, err)
	blocks[0].InputFields[0] = "mutated"

	again, err := store.GetScriptBlocks(ctx, s.RevisionID)
	require.NoError(t, err)
	assert.Equal(t, "email", again[0].InputFields[0])
}

func TestLoadFixture(t *testing.T) {
	data := []byte(`
workflows:
  - id: wf-1
    cache_key: "{{ region }}"
    parameters:
      - key: email
    blocks:
      - label: login
        type: login
        goal: Sign in as {{ email }}
runs:
  - id: run-1
    workflow_id: wf-1
    parameters:
      email: me@example.com
    blocks:
      - label: login
        type: login
        task_id: task-1
actions:
  task-1:
    - type: input_text
      selector: "#email"
      text: me@example.com
`)
	src, err := memory.LoadFixture(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1"}, src.RunIDs())

	ctx := context.Background()
	run, err := src.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", run.Parameters["email"])

	actions, err := src.GetActions(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "task-1", actions[0].TaskID)
	assert.Equal(t, domain.ActionInputText, actions[0].Type)

	_, err = src.GetWorkflow(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)
}
