package http_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aretw0/scriptforge"
	httpadapter "github.com/aretw0/scriptforge/pkg/adapters/http"
	"github.com/aretw0/scriptforge/pkg/adapters/memory"
	"github.com/aretw0/scriptforge/pkg/domain"
	"github.com/aretw0/scriptforge/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	src := memory.NewRunSource()
	src.AddWorkflow(domain.Workflow{
		ID:         "wf-shop",
		CacheKey:   "default",
		Parameters: []domain.Parameter{{Key: "query"}},
		Blocks: []domain.DeclaredBlock{
			{Label: "search", Type: domain.BlockTask, Goal: "Search for {{ query }}"},
		},
	})
	src.AddRun(domain.WorkflowRun{
		ID:         "run-a",
		WorkflowID: "wf-shop",
		Parameters: map[string]any{"query": "blue shoes"},
		Blocks:     []domain.ExecutedBlock{{Label: "search", Type: domain.BlockTask, TaskID: "task-a"}},
		Tasks: map[string]domain.Task{
			"task-a": {ID: "task-a", Goal: "Search for blue shoes", URL: "https://a.example.com"},
		},
	})
	src.AddActions("task-a",
		domain.ActionRecord{Type: domain.ActionInputText, Selector: "#q", Text: "blue shoes"},
		domain.ActionRecord{Type: domain.ActionClick, Selector: "#go"},
	)

	metrics := observability.NewMetrics()
	eng, err := scriptforge.New(src, scriptforge.Stores{
		Scripts:   memory.NewStore(),
		Episodes:  memory.NewEpisodeStore(),
		Artifacts: memory.NewArtifactStore(),
	}, scriptforge.WithMetrics(metrics))
	require.NoError(t, err)

	handler, err := httpadapter.NewHandler(eng,
		httpadapter.WithGatherer(metrics.Registry()),
		httpadapter.WithInfo("storage", "memory"))
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp, decode(t, resp)
}

func get(t *testing.T, srv *httptest.Server, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestServer_CompileResolveInspect(t *testing.T) {
	srv := newServer(t)

	resp, compiled := post(t, srv, "/compile", map[string]string{"run_id": "run-a"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "default:a.example.com", compiled["cache_key_value"])
	script := compiled["script"].(map[string]any)
	scriptID := script["script_id"].(string)
	assert.EqualValues(t, 1, script["version"])

	resp, resolved := post(t, srv, "/resolve", map[string]string{"run_id": "run-a"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, scriptID, resolved["script"].(map[string]any)["script_id"])

	resp, resolved = post(t, srv, "/resolve", map[string]string{"workflow_id": "wf-shop", "cache_key_value": "default:a.example.com"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, scriptID, resolved["mapping"].(map[string]any)["script_id"])

	resp, body := get(t, srv, "/scripts/"+scriptID+"?version=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var inspection struct {
		Blocks  []domain.ScriptBlock `json:"blocks"`
		Program string               `json:"program"`
	}
	require.NoError(t, json.Unmarshal(body, &inspection))
	require.Len(t, inspection.Blocks, 1)
	assert.Equal(t, "search", inspection.Blocks[0].Label)
	assert.Contains(t, inspection.Program, "//scriptforge:runner")

	resp, body = get(t, srv, "/scripts/"+scriptID+"/diff?from=1&to=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
}

func TestServer_ValidatesRequests(t *testing.T) {
	srv := newServer(t)

	resp, body := post(t, srv, "/compile", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "run_id")

	resp, _ = post(t, srv, "/episodes", map[string]string{"workflow_id": "wf-shop", "script_id": "s"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = get(t, srv, "/scripts/abc?version=-1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = get(t, srv, "/scripts/abc/diff?from=1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_MapsErrors(t *testing.T) {
	srv := newServer(t)

	resp, _ := post(t, srv, "/compile", map[string]string{"run_id": "missing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = post(t, srv, "/resolve", map[string]string{"workflow_id": "wf-shop", "cache_key_value": "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = post(t, srv, "/resolve", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = get(t, srv, "/scripts/unknown")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := post(t, srv, "/review/wf-shop", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, scriptforge.ErrNoGenerator.Error(), body["error"])
}

func TestServer_RecordEpisode(t *testing.T) {
	srv := newServer(t)
	_, compiled := post(t, srv, "/compile", map[string]string{"run_id": "run-a"})
	scriptID := compiled["script"].(map[string]any)["script_id"].(string)

	resp, ep := post(t, srv, "/episodes", map[string]any{
		"workflow_id": "wf-shop",
		"script_id":   scriptID,
		"version":     1,
		"block_label": "search",
		"error":       "selector #go not found",
		"snapshot":    "<button id=search-go>",
		"actions":     []map[string]any{{"type": "click", "selector": "#search-go"}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, ep["id"])
	assert.NotEmpty(t, ep["snapshot_artifact_id"])
	assert.Equal(t, false, ep["reviewed"])
}

func TestServer_Ambient(t *testing.T) {
	srv := newServer(t)

	resp, body := get(t, srv, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, body = get(t, srv, "/info")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), scriptforge.Version)
	assert.Contains(t, string(body), `"storage":"memory"`)

	resp, body = get(t, srv, "/openapi.yaml")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "openapi: 3.0.3")

	post(t, srv, "/resolve", map[string]string{"workflow_id": "wf-shop", "cache_key_value": "nope"})
	resp, body = get(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "scriptforge_resolver_lookups_total")

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/compile", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestSpec_Loads(t *testing.T) {
	doc, err := httpadapter.Spec(t.Context())
	require.NoError(t, err)
	assert.NotNil(t, doc.Paths.Find("/compile"))
	assert.NotNil(t, doc.Paths.Find("/review/{workflowID}"))
}
