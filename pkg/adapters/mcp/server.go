package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/scriptforge"
	"github.com/aretw0/scriptforge/internal/logging"
	"github.com/aretw0/scriptforge/pkg/domain"
	"github.com/aretw0/scriptforge/pkg/resolver"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ScriptURIPrefix prefixes script resources; the remainder is the script id.
const ScriptURIPrefix = "scriptforge://scripts/"

// Engine is the part of *scriptforge.Engine exposed as MCP tools.
type Engine interface {
	CompileRun(ctx context.Context, runID string) (*scriptforge.Compiled, error)
	ResolveForRun(ctx context.Context, runID string) (*resolver.Resolution, error)
	Resolve(ctx context.Context, workflowID, cacheKeyValue string) (*resolver.Resolution, error)
	Review(ctx context.Context, workflowID string) ([]scriptforge.ReviewReport, error)
	Inspect(ctx context.Context, scriptID string, v int) (*scriptforge.Inspection, error)
}

var _ Engine = (*scriptforge.Engine)(nil)

// CompileResult is returned by compile_run.
type CompileResult struct {
	ScriptID      string   `json:"script_id" jsonschema_description:"Id of the new script"`
	Version       int      `json:"version" jsonschema_description:"Version of the published revision"`
	CacheKeyValue string   `json:"cache_key_value" jsonschema_description:"Rendered cache key the script is published under"`
	Blocks        []string `json:"blocks" jsonschema_description:"Labels of the compiled blocks"`
}

// ResolveResult is returned by resolve_script.
type ResolveResult struct {
	ScriptID      string `json:"script_id"`
	Version       int    `json:"version"`
	WorkflowID    string `json:"workflow_id"`
	CacheKeyValue string `json:"cache_key_value"`
}

// ReviewResult is returned by review_workflow.
type ReviewResult struct {
	WorkflowID string           `json:"workflow_id"`
	Scripts    []ReviewedScript `json:"scripts"`
	Error      string           `json:"error,omitempty"`
}

// ReviewedScript summarizes one script of a review cycle.
type ReviewedScript struct {
	ScriptID         string            `json:"script_id"`
	BaseVersion      int               `json:"base_version"`
	PublishedVersion int               `json:"published_version,omitempty"`
	States           map[string]string `json:"states" jsonschema_description:"Final review state per block label"`
	Error            string            `json:"error,omitempty"`
}

type compileArgs struct {
	RunID string `json:"run_id"`
}

type resolveArgs struct {
	RunID         string `json:"run_id"`
	WorkflowID    string `json:"workflow_id"`
	CacheKeyValue string `json:"cache_key_value"`
}

type reviewArgs struct {
	WorkflowID string `json:"workflow_id"`
}

// Server exposes the engine as an MCP server.
type Server struct {
	engine    Engine
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a new MCP Server instance.
func NewServer(engine Engine, opts ...Option) *Server {
	s := &Server{
		engine: engine,
		logger: logging.NewNop(),
		mcpServer: server.NewMCPServer("scriptforge-mcp", strings.TrimSpace(scriptforge.Version),
			server.WithToolCapabilities(false),
			server.WithResourceCapabilities(false, false),
		),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying server, e.g. for in-process clients.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE serves on addr using SSE until ctx is done.
func (s *Server) ServeSSE(ctx context.Context, addr string) error {
	baseURL := "http://localhost" + addr
	if !strings.HasPrefix(addr, ":") {
		baseURL = "http://" + addr
	}
	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", corsMiddleware(sseServer.SSEHandler()))
	mux.Handle("/message", corsMiddleware(sseServer.MessageHandler()))

	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("MCP server listening (SSE)", "address", addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("compile_run",
		mcp.WithDescription("Compile a completed workflow run into version 1 of a new script and publish it for the run's cache key."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Id of the completed run")),
		mcp.WithOutputSchema[CompileResult](),
	), mcp.NewStructuredToolHandler(s.handleCompile))

	s.mcpServer.AddTool(mcp.NewTool("resolve_script",
		mcp.WithDescription("Find the published script for a run, or for a workflow and rendered cache key."),
		mcp.WithString("run_id", mcp.Description("Render the cache key from this run")),
		mcp.WithString("workflow_id", mcp.Description("Workflow id, used when run_id is empty")),
		mcp.WithString("cache_key_value", mcp.Description("Rendered cache key, used with workflow_id")),
		mcp.WithOutputSchema[ResolveResult](),
	), mcp.NewStructuredToolHandler(s.handleResolve))

	s.mcpServer.AddTool(mcp.NewTool("review_workflow",
		mcp.WithDescription("Run one self-repair cycle over the pending fallback episodes of a workflow."),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow to review")),
		mcp.WithOutputSchema[ReviewResult](),
	), mcp.NewStructuredToolHandler(s.handleReview))

	s.mcpServer.AddTool(mcp.NewTool("get_script",
		mcp.WithDescription("Return the program text of a script revision."),
		mcp.WithString("script_id", mcp.Required(), mcp.Description("Script id")),
		mcp.WithNumber("version", mcp.Description("Version to read; omit for the latest ready one")),
	), s.handleGetScript)
}

func (s *Server) handleCompile(ctx context.Context, _ mcp.CallToolRequest, args compileArgs) (CompileResult, error) {
	if args.RunID == "" {
		return CompileResult{}, errors.New("run_id is required")
	}
	c, err := s.engine.CompileRun(ctx, args.RunID)
	if err != nil {
		s.logger.Warn("MCP compile failed", "run_id", args.RunID, "err", err)
		return CompileResult{}, err
	}
	out := CompileResult{
		ScriptID:      c.Script.ScriptID,
		Version:       c.Script.Version,
		CacheKeyValue: c.CacheKeyValue,
		Blocks:        make([]string, 0, len(c.Blocks)),
	}
	for _, b := range c.Blocks {
		out.Blocks = append(out.Blocks, b.Label)
	}
	return out, nil
}

func (s *Server) handleResolve(ctx context.Context, _ mcp.CallToolRequest, args resolveArgs) (ResolveResult, error) {
	var (
		res *resolver.Resolution
		err error
	)
	switch {
	case args.RunID != "":
		res, err = s.engine.ResolveForRun(ctx, args.RunID)
	case args.WorkflowID != "":
		res, err = s.engine.Resolve(ctx, args.WorkflowID, args.CacheKeyValue)
	default:
		return ResolveResult{}, errors.New("run_id or workflow_id is required")
	}
	if err != nil {
		return ResolveResult{}, err
	}
	return ResolveResult{
		ScriptID:      res.Script.ScriptID,
		Version:       res.Script.Version,
		WorkflowID:    res.Mapping.WorkflowID,
		CacheKeyValue: res.Mapping.CacheKeyValue,
	}, nil
}

func (s *Server) handleReview(ctx context.Context, _ mcp.CallToolRequest, args reviewArgs) (ReviewResult, error) {
	reports, err := s.engine.Review(ctx, args.WorkflowID)
	if err != nil && reports == nil {
		return ReviewResult{}, err
	}
	out := ReviewResult{WorkflowID: args.WorkflowID, Scripts: make([]ReviewedScript, 0, len(reports))}
	if err != nil {
		out.Error = err.Error()
	}
	for _, rep := range reports {
		rs := ReviewedScript{
			ScriptID:    rep.Review.Base.ScriptID,
			BaseVersion: rep.Review.Base.Version,
			States:      make(map[string]string, len(rep.Review.Outcomes)),
		}
		if rep.Published != nil {
			rs.PublishedVersion = rep.Published.Script.Version
		}
		if rep.Err != nil {
			rs.Error = rep.Err.Error()
		}
		for _, o := range rep.Review.Outcomes {
			rs.States[o.Label] = string(o.State)
		}
		out.Scripts = append(out.Scripts, rs)
	}
	return out, nil
}

func (s *Server) handleGetScript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("script_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	in, err := s.engine.Inspect(ctx, id, request.GetInt("version", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("inspect failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(in.Program)), nil
}

func (s *Server) registerResources() {
	s.mcpServer.AddResourceTemplate(mcp.NewResourceTemplate(ScriptURIPrefix+"{id}", "Script revision",
		mcp.WithTemplateDescription("Metadata, blocks and program text of the latest ready revision of a script."),
		mcp.WithTemplateMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		id, err := ParseScriptURI(request.Params.URI)
		if err != nil {
			return nil, err
		}
		in, err := s.engine.Inspect(ctx, id, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect script %s: %w", id, err)
		}
		data, err := json.Marshal(struct {
			Script  domain.Script        `json:"script"`
			Blocks  []domain.ScriptBlock `json:"blocks"`
			Program string               `json:"program"`
		}{in.Script, in.Blocks, string(in.Program)})
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      request.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}

// ParseScriptURI returns the script id of a "scriptforge://scripts/<id>" uri.
func ParseScriptURI(uri string) (string, error) {
	id, ok := strings.CutPrefix(uri, ScriptURIPrefix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("not a script uri: %q", uri)
	}
	return id, nil
}
