package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/workgraph/pkg/graph"
	"github.com/Mindburn-Labs/workgraph/pkg/overlay"
	"github.com/Mindburn-Labs/workgraph/pkg/policy"
	"github.com/Mindburn-Labs/workgraph/pkg/simulation"
	"github.com/Mindburn-Labs/workgraph/pkg/versioning"
)

const defaultMaxBodyBytes = 4 << 20

// Server serves the policy engine API.
type Server struct {
	mgr          *versioning.Manager
	limiter      *GlobalRateLimiter
	logger       *slog.Logger
	maxBodyBytes int64
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimit enables per-IP rate limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps > 0 && burst > 0 {
			s.limiter = NewGlobalRateLimiter(rps, burst)
		}
	}
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option { return func(s *Server) { s.maxBodyBytes = n } }

// NewServer creates a Server on top of mgr.
func NewServer(mgr *versioning.Manager, opts ...Option) *Server {
	s := &Server{
		mgr:          mgr,
		logger:       slog.Default(),
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "api")
	return s
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(s.logRequests)
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, r, "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteErrorR(w, r, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
	})

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Post("/compile", s.handleCompile)
			r.Get("/versions", s.handleListVersions)
			r.Get("/versions/active", s.handleActiveVersion)
			r.Post("/rollback", s.handleRollback)
			r.Post("/simulate", s.handleSimulate)
		})
		r.Get("/versions/{versionID}", s.handleGetVersion)
		r.Post("/versions/{versionID}/activate", s.handleActivate)
		r.Get("/versions/{from}/diff/{to}", s.handleDiff)
		r.Post("/overlay", s.handleOverlay)
		r.Put("/work-items/{workItemID}/pin", s.handlePin)
		r.Get("/work-items/{workItemID}/pin", s.handlePinStatus)
		r.Post("/rebind", s.handleRebind)
		r.Get("/compiler/metrics", s.handleCompilerMetrics)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.DebugContext(r.Context(), "request",
			"method", r.Method, "path", r.URL.Path,
			"request_id", GetRequestID(r.Context()), "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a size-capped JSON body into v. It writes the 400 itself and
// reports false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, r, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// decodeGraph validates an embedded graph document.
func decodeGraph(w http.ResponseWriter, r *http.Request, raw json.RawMessage) (*graph.Graph, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		WriteBadRequest(w, r, "Missing required field: graph")
		return nil, false
	}
	g, err := graph.DecodeJSON(raw)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return nil, false
	}
	return g, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type compileRequest struct {
	Graph       json.RawMessage     `json:"graph"`
	CompiledBy  string              `json:"compiledBy"`
	VersionName string              `json:"versionName,omitempty"`
	Activate    bool                `json:"activate"`
	WorkTypes   []string            `json:"workTypes,omitempty"`
	AutoApprove *policy.AutoApprove `json:"autoApprove,omitempty"`
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	var req compileRequest
	if !s.decode(w, r, &req) {
		return
	}
	g, ok := decodeGraph(w, r, req.Graph)
	if !ok {
		return
	}

	res, err := s.mgr.Compile(r.Context(), versioning.CompileRequest{
		ProjectID:   chi.URLParam(r, "projectID"),
		Graph:       g,
		CompiledBy:  req.CompiledBy,
		VersionName: req.VersionName,
		Activate:    req.Activate,
		WorkTypes:   req.WorkTypes,
		AutoApprove: req.AutoApprove,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// versionSummary is a PolicyVersion without its policy body and snapshot.
type versionSummary struct {
	ID          string    `json:"id"`
	Version     int       `json:"version"`
	VersionName string    `json:"versionName,omitempty"`
	ContentHash string    `json:"contentHash"`
	IsActive    bool      `json:"isActive"`
	IsPublished bool      `json:"isPublished"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	versions, err := s.mgr.Store().ListVersions(r.Context(), projectID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	out := make([]versionSummary, 0, len(versions))
	for _, v := range versions {
		out = append(out, versionSummary{
			ID:          v.ID,
			Version:     v.Version,
			VersionName: v.VersionName,
			ContentHash: v.ContentHash,
			IsActive:    v.IsActive,
			IsPublished: v.IsPublished,
			CreatedBy:   v.CreatedBy,
			CreatedAt:   v.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"projectId": projectID, "versions": out})
}

func (s *Server) handleActiveVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.mgr.Store().GetActive(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.mgr.Store().Get(r.Context(), chi.URLParam(r, "versionID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version int `json:"version"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Version < 1 {
		WriteBadRequest(w, r, "version must be a positive integer")
		return
	}
	v, err := s.mgr.Rollback(r.Context(), chi.URLParam(r, "projectID"), req.Version)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type simulateRequest struct {
	WorkItemID string `json:"workItemId,omitempty"`
	simulation.Input
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.mgr.Simulate(r.Context(), chi.URLParam(r, "projectID"), req.WorkItemID, req.Input)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	v, err := s.mgr.Activate(r.Context(), chi.URLParam(r, "versionID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	d, err := s.mgr.Diff(r.Context(), chi.URLParam(r, "from"), chi.URLParam(r, "to"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type overlayRequest struct {
	Graph json.RawMessage `json:"graph"`
	Mode  string          `json:"mode"`
}

func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	var req overlayRequest
	if !s.decode(w, r, &req) {
		return
	}
	mode, err := overlay.ParseMode(req.Mode)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	g, ok := decodeGraph(w, r, req.Graph)
	if !ok {
		return
	}
	res, err := overlay.Resolve(g, mode)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePin(w http.ResponseWriter, r *http.Request) {
	var req versioning.PinRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.WorkItemID = chi.URLParam(r, "workItemID")
	if req.ProjectID == "" && req.VersionID == "" {
		WriteBadRequest(w, r, "Missing required field: projectId or versionId")
		return
	}
	pin, err := s.mgr.PinWorkItem(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pin)
}

func (s *Server) handlePinStatus(w http.ResponseWriter, r *http.Request) {
	pin, err := s.mgr.PinStatus(r.Context(), chi.URLParam(r, "workItemID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pin)
}

func (s *Server) handleRebind(w http.ResponseWriter, r *http.Request) {
	var req versioning.RebindRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.FromVersionID == "" || req.ToVersionID == "" {
		WriteBadRequest(w, r, "Missing required fields: fromVersionId, toVersionId")
		return
	}
	res, err := s.mgr.Rebind(r.Context(), req)
	if err != nil {
		if res != nil && errors.Is(err, r.Context().Err()) {
			s.logger.WarnContext(r.Context(), "rebind interrupted",
				"rebound", res.SuccessfullyRebinded, "failed", res.Failed)
		}
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCompilerMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.CompilerMetrics())
}
