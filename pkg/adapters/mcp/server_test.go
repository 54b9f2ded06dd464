package mcp_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aretw0/scriptforge"
	mcpadapter "github.com/aretw0/scriptforge/pkg/adapters/mcp"
	"github.com/aretw0/scriptforge/pkg/adapters/memory"
	"github.com/aretw0/scriptforge/pkg/domain"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) *client.Client {
	t.Helper()
	src := memory.NewRunSource()
	src.AddWorkflow(domain.Workflow{
		ID:       "wf-shop",
		CacheKey: "default",
		Blocks:   []domain.DeclaredBlock{{Label: "search", Type: domain.BlockTask, Goal: "Search"}},
	})
	src.AddRun(domain.WorkflowRun{
		ID:         "run-a",
		WorkflowID: "wf-shop",
		Blocks:     []domain.ExecutedBlock{{Label: "search", Type: domain.BlockTask, TaskID: "task-a"}},
		Tasks:      map[string]domain.Task{"task-a": {ID: "task-a", URL: "https://a.example.com"}},
	})
	src.AddActions("task-a", domain.ActionRecord{Type: domain.ActionClick, Selector: "#go"})

	eng, err := scriptforge.New(src, scriptforge.Stores{
		Scripts:   memory.NewStore(),
		Episodes:  memory.NewEpisodeStore(),
		Artifacts: memory.NewArtifactStore(),
	})
	require.NoError(t, err)

	c, err := client.NewInProcessClient(mcpadapter.NewServer(eng).MCPServer())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	_, err = c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: "test", Version: "1.0.0"},
		},
	})
	require.NoError(t, err)
	return c
}

func call(t *testing.T, c *client.Client, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := c.CallTool(context.Background(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	})
	require.NoError(t, err)
	return res
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "unexpected content %T", res.Content[0])
	return tc.Text
}

func TestServer_ListsTools(t *testing.T) {
	c := newClient(t)
	tools, err := c.ListTools(context.Background(), mcp.ListToolsRequest{})
	require.NoError(t, err)

	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"compile_run", "resolve_script", "review_workflow", "get_script"}, names)
}

func TestServer_CompileResolveRead(t *testing.T) {
	c := newClient(t)

	res := call(t, c, "compile_run", map[string]any{"run_id": "run-a"})
	require.False(t, res.IsError, text(t, res))
	var compiled mcpadapter.CompileResult
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &compiled))
	assert.Equal(t, 1, compiled.Version)
	assert.Equal(t, "default:a.example.com", compiled.CacheKeyValue)
	assert.Equal(t, []string{"search"}, compiled.Blocks)

	res = call(t, c, "resolve_script", map[string]any{"workflow_id": "wf-shop", "cache_key_value": "default:a.example.com"})
	require.False(t, res.IsError, text(t, res))
	var resolved mcpadapter.ResolveResult
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &resolved))
	assert.Equal(t, compiled.ScriptID, resolved.ScriptID)

	res = call(t, c, "get_script", map[string]any{"script_id": compiled.ScriptID, "version": 1})
	require.False(t, res.IsError)
	assert.Contains(t, text(t, res), "//scriptforge:block search")

	read, err := c.ReadResource(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: mcpadapter.ScriptURIPrefix + compiled.ScriptID},
	})
	require.NoError(t, err)
	require.Len(t, read.Contents, 1)
	contents, ok := read.Contents[0].(mcp.TextResourceContents)
	require.True(t, ok)
	assert.Contains(t, contents.Text, compiled.ScriptID)
}

func TestServer_ToolErrors(t *testing.T) {
	c := newClient(t)

	res := call(t, c, "compile_run", map[string]any{"run_id": "missing"})
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), domain.ErrRunNotFound.Error())

	res = call(t, c, "resolve_script", map[string]any{})
	assert.True(t, res.IsError)

	res = call(t, c, "review_workflow", map[string]any{"workflow_id": "wf-shop"})
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), scriptforge.ErrNoGenerator.Error())

	res = call(t, c, "get_script", map[string]any{"script_id": "unknown"})
	assert.True(t, res.IsError)
}

func TestParseScriptURI(t *testing.T) {
	id, err := mcpadapter.ParseScriptURI("scriptforge://scripts/01ABC")
	require.NoError(t, err)
	assert.Equal(t, "01ABC", id)

	for _, uri := range []string{"scriptforge://scripts/", "file:///etc/passwd", "scriptforge://scripts/a/b"} {
		_, err := mcpadapter.ParseScriptURI(uri)
		assert.Error(t, err, uri)
	}
}
