package http

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/aretw0/scriptforge"
	"github.com/aretw0/scriptforge/internal/logging"
	"github.com/aretw0/scriptforge/pkg/domain"
	"github.com/aretw0/scriptforge/pkg/resolver"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	legacyrouter "github.com/getkin/kin-openapi/routers/legacy"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed openapi.yaml
var rawSpec []byte

// Engine is the part of *scriptforge.Engine the HTTP API exposes.
type Engine interface {
	CompileRun(ctx context.Context, runID string) (*scriptforge.Compiled, error)
	ResolveForRun(ctx context.Context, runID string) (*resolver.Resolution, error)
	Resolve(ctx context.Context, workflowID, cacheKeyValue string) (*resolver.Resolution, error)
	Review(ctx context.Context, workflowID string) ([]scriptforge.ReviewReport, error)
	RecordEpisode(ctx context.Context, ep scriptforge.Episode) (*domain.FallbackEpisode, error)
	CompileDecision(ctx context.Context, scriptID, label string) (*scriptforge.DecisionOutcome, error)
	Inspect(ctx context.Context, scriptID string, v int) (*scriptforge.Inspection, error)
	Diff(ctx context.Context, scriptID string, from, to int) (string, error)
}

var _ Engine = (*scriptforge.Engine)(nil)

// Server serves the engine as a JSON API.
type Server struct {
	Engine   Engine
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	info     map[string]any
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGatherer exposes a metrics registry on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithInfo adds fields to the /info response.
func WithInfo(key string, value any) Option {
	return func(s *Server) {
		s.info[key] = value
	}
}

// Spec parses the embedded OpenAPI document.
func Spec(ctx context.Context) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx
	doc, err := loader.LoadFromData(rawSpec)
	if err != nil {
		return nil, fmt.Errorf("failed to load openapi spec: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid openapi spec: %w", err)
	}
	return doc, nil
}

// NewHandler creates the HTTP handler for the engine. Requests to documented routes are
// validated against the embedded OpenAPI document before they reach a handler.
func NewHandler(engine Engine, opts ...Option) (http.Handler, error) {
	s := &Server{
		Engine: engine,
		logger: logging.NewNop(),
		info:   map[string]any{"version": scriptforge.Version},
	}
	for _, opt := range opts {
		opt(s)
	}

	doc, err := Spec(context.Background())
	if err != nil {
		return nil, err
	}
	router, err := legacyrouter.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to build openapi router: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(enableCORS)
	r.Use(s.validate(router))

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(rawSpec)
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/health", s.GetHealth)
	r.Get("/info", s.GetInfo)
	r.Post("/compile", s.CompileRun)
	r.Post("/resolve", s.ResolveScript)
	r.Post("/review/{workflowID}", s.ReviewWorkflow)
	r.Post("/episodes", s.RecordEpisode)
	r.Post("/decisions", s.CompileDecision)
	r.Get("/scripts/{scriptID}", s.GetScript)
	r.Get("/scripts/{scriptID}/diff", s.DiffScript)
	return r, nil
}

// validate rejects requests that do not match the OpenAPI document.
// Undocumented routes such as /metrics pass through.
func (s *Server) validate(router routers.Router) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, params, err := router.FindRoute(r)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: params,
				Route:      route,
			}
			if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
				s.logger.Warn("request rejected", "method", r.Method, "path", r.URL.Path, "err", err)
				writeError(w, http.StatusBadRequest, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type compileRequest struct {
	RunID string `json:"run_id"`
}

type compileResponse struct {
	Script        domain.Script        `json:"script"`
	CacheKeyValue string               `json:"cache_key_value"`
	Blocks        []domain.ScriptBlock `json:"blocks"`
}

// CompileRun handles POST /compile.
func (s *Server) CompileRun(w http.ResponseWriter, r *http.Request) {
	var body compileRequest
	if !s.decode(w, r, &body) {
		return
	}
	c, err := s.Engine.CompileRun(r.Context(), body.RunID)
	if err != nil {
		s.fail(w, "compile", err)
		return
	}
	s.logger.Info("run compiled", "run_id", body.RunID, "script_id", c.Script.ScriptID, "cache_key", c.CacheKeyValue)
	writeJSON(w, http.StatusCreated, compileResponse{Script: c.Script, CacheKeyValue: c.CacheKeyValue, Blocks: c.Blocks})
}

type resolveRequest struct {
	RunID         string `json:"run_id"`
	WorkflowID    string `json:"workflow_id"`
	CacheKeyValue string `json:"cache_key_value"`
}

type resolveResponse struct {
	Mapping domain.WorkflowScriptMapping `json:"mapping"`
	Script  domain.Script                `json:"script"`
}

// ResolveScript handles POST /resolve. A run id renders the key from the run; otherwise the
// caller passes the workflow and rendered key.
func (s *Server) ResolveScript(w http.ResponseWriter, r *http.Request) {
	var body resolveRequest
	if !s.decode(w, r, &body) {
		return
	}
	var (
		res *resolver.Resolution
		err error
	)
	switch {
	case body.RunID != "":
		res, err = s.Engine.ResolveForRun(r.Context(), body.RunID)
	case body.WorkflowID != "":
		res, err = s.Engine.Resolve(r.Context(), body.WorkflowID, body.CacheKeyValue)
	default:
		writeError(w, http.StatusBadRequest, errors.New("run_id or workflow_id is required"))
		return
	}
	if err != nil {
		s.fail(w, "resolve", err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{Mapping: res.Mapping, Script: res.Script})
}

type blockReport struct {
	Label    string   `json:"label"`
	State    string   `json:"state"`
	History  []string `json:"history,omitempty"`
	Strategy string   `json:"strategy"`
	Attempts int      `json:"attempts"`
	Compiled bool     `json:"compiled,omitempty"`
	Episodes []string `json:"episodes,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	Note     string   `json:"note,omitempty"`
}

type scriptReport struct {
	ScriptID         string        `json:"script_id"`
	BaseVersion      int           `json:"base_version"`
	PublishedVersion int           `json:"published_version,omitempty"`
	Patched          []string      `json:"patched,omitempty"`
	Blocks           []blockReport `json:"blocks"`
	Error            string        `json:"error,omitempty"`
}

type reviewResponse struct {
	WorkflowID string         `json:"workflow_id"`
	Reports    []scriptReport `json:"reports"`
	Error      string         `json:"error,omitempty"`
}

// ReviewWorkflow handles POST /review/{workflowID}. Partial failures still return 200 with the
// per-script error so that published revisions are reported.
func (s *Server) ReviewWorkflow(w http.ResponseWriter, r *http.Request) {
	wf := chi.URLParam(r, "workflowID")
	reports, err := s.Engine.Review(r.Context(), wf)
	if err != nil && reports == nil {
		s.fail(w, "review", err)
		return
	}
	resp := reviewResponse{WorkflowID: wf, Reports: make([]scriptReport, 0, len(reports))}
	if err != nil {
		resp.Error = err.Error()
	}
	for _, rep := range reports {
		resp.Reports = append(resp.Reports, toScriptReport(rep))
	}
	writeJSON(w, http.StatusOK, resp)
}

func toScriptReport(rep scriptforge.ReviewReport) scriptReport {
	out := scriptReport{
		ScriptID:    rep.Review.Base.ScriptID,
		BaseVersion: rep.Review.Base.Version,
		Blocks:      make([]blockReport, 0, len(rep.Review.Outcomes)),
	}
	if rep.Published != nil {
		out.PublishedVersion = rep.Published.Script.Version
		out.Patched = rep.Published.Patched
	}
	if rep.Err != nil {
		out.Error = rep.Err.Error()
	}
	for _, o := range rep.Review.Outcomes {
		b := blockReport{
			Label:    o.Label,
			State:    string(o.State),
			Strategy: o.Strategy.String(),
			Attempts: o.Attempts,
			Compiled: o.Compiled,
			Episodes: o.EpisodeIDs,
			Errors:   o.Errors,
			Note:     o.Note,
		}
		for _, h := range o.History {
			b.History = append(b.History, string(h))
		}
		out.Blocks = append(out.Blocks, b)
	}
	return out
}

type episodeRequest struct {
	domain.FallbackEpisode
	Snapshot string `json:"snapshot,omitempty"`
}

// RecordEpisode handles POST /episodes.
func (s *Server) RecordEpisode(w http.ResponseWriter, r *http.Request) {
	var body episodeRequest
	if !s.decode(w, r, &body) {
		return
	}
	ep, err := s.Engine.RecordEpisode(r.Context(), scriptforge.Episode{
		FallbackEpisode: body.FallbackEpisode,
		Snapshot:        []byte(body.Snapshot),
	})
	if err != nil {
		s.fail(w, "record episode", err)
		return
	}
	writeJSON(w, http.StatusCreated, ep)
}

type decisionRequest struct {
	ScriptID string `json:"script_id"`
	Label    string `json:"label"`
}

type decisionResponse struct {
	Label            string   `json:"label"`
	Declined         bool     `json:"declined"`
	Attempts         int      `json:"attempts"`
	Errors           []string `json:"errors,omitempty"`
	PublishedVersion int      `json:"published_version,omitempty"`
}

// CompileDecision handles POST /decisions.
func (s *Server) CompileDecision(w http.ResponseWriter, r *http.Request) {
	var body decisionRequest
	if !s.decode(w, r, &body) {
		return
	}
	out, err := s.Engine.CompileDecision(r.Context(), body.ScriptID, body.Label)
	if err != nil {
		s.fail(w, "compile decision", err)
		return
	}
	resp := decisionResponse{
		Label:    out.Decision.Label,
		Declined: out.Decision.Declined,
		Attempts: out.Decision.Attempts,
		Errors:   out.Decision.Errors,
	}
	if out.Published != nil {
		resp.PublishedVersion = out.Published.Script.Version
	}
	writeJSON(w, http.StatusOK, resp)
}

type scriptResponse struct {
	Script  domain.Script        `json:"script"`
	Blocks  []domain.ScriptBlock `json:"blocks"`
	Files   []domain.ScriptFile  `json:"files"`
	Program string               `json:"program"`
}

// GetScript handles GET /scripts/{scriptID}. Without a version the latest ready revision is returned.
func (s *Server) GetScript(w http.ResponseWriter, r *http.Request) {
	v := 0
	if raw := r.URL.Query().Get("version"); raw != "" {
		var err error
		if v, err = strconv.Atoi(raw); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid version %q", raw))
			return
		}
	}
	in, err := s.Engine.Inspect(r.Context(), chi.URLParam(r, "scriptID"), v)
	if err != nil {
		s.fail(w, "inspect", err)
		return
	}
	writeJSON(w, http.StatusOK, scriptResponse{Script: in.Script, Blocks: in.Blocks, Files: in.Files, Program: string(in.Program)})
}

// DiffScript handles GET /scripts/{scriptID}/diff.
func (s *Server) DiffScript(w http.ResponseWriter, r *http.Request) {
	from, err1 := strconv.Atoi(r.URL.Query().Get("from"))
	to, err2 := strconv.Atoi(r.URL.Query().Get("to"))
	if err := errors.Join(err1, err2); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	diff, err := s.Engine.Diff(r.Context(), chi.URLParam(r, "scriptID"), from, to)
	if err != nil {
		s.fail(w, "diff", err)
		return
	}
	w.Header().Set("Content-Type", "text/x-diff")
	w.Write([]byte(diff))
}

// GetHealth handles the GET /health request.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInfo handles the GET /info request.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.info)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.logger.Warn("invalid request body", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", "err", err)
	} else {
		s.logger.Debug(op+" failed", "status", status, "err", err)
	}
	writeError(w, status, err)
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrRunNotFound),
		errors.Is(err, domain.ErrWorkflowNotFound),
		errors.Is(err, domain.ErrScriptNotFound),
		errors.Is(err, domain.ErrFileNotFound),
		errors.Is(err, domain.ErrMappingNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRunCycle):
		return http.StatusUnprocessableEntity
	case errors.Is(err, scriptforge.ErrNoGenerator):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// enableCORS lets browser-based tools call the API from another origin.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
