package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackzampolin/gradescan/internal/consensus"
	"github.com/jackzampolin/gradescan/internal/job"
	"github.com/jackzampolin/gradescan/internal/ocr"
	"github.com/jackzampolin/gradescan/internal/svcctx"
)

// maxUploadBytes caps PDF uploads at 64 MiB.
const maxUploadBytes = 64 << 20

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/engines", s.handleEngines)
	mux.HandleFunc("POST /api/v1/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /api/v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleGetJob)
}

// HealthResponse is the response for the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// EngineStatus describes one registered engine.
type EngineStatus struct {
	Name    string `json:"name"`
	Math    bool   `json:"math"`
	Healthy bool   `json:"healthy"`
}

// EnginesResponse lists registered engines with health probes.
type EnginesResponse struct {
	Engines []EngineStatus `json:"engines"`
}

func (s *Server) handleEngines(w http.ResponseWriter, r *http.Request) {
	registry := svcctx.RegistryFrom(r.Context())
	if registry == nil {
		registry = s.registry
	}
	health := registry.Health(r.Context())

	resp := EnginesResponse{Engines: make([]EngineStatus, 0, len(health))}
	for name, engine := range registry.Engines() {
		resp.Engines = append(resp.Engines, EngineStatus{
			Name:    name,
			Math:    engine.Math(),
			Healthy: health[name],
		})
	}
	sort.Slice(resp.Engines, func(i, j int) bool { return resp.Engines[i].Name < resp.Engines[j].Name })

	writeJSON(w, http.StatusOK, resp)
}

// SubmitResponse acknowledges an accepted job.
type SubmitResponse struct {
	ID     string     `json:"id"`
	Status job.Status `json:"status"`
}

// handleSubmitJob accepts a job submission. Multipart bodies carry a
// "file" PDF part plus engines, method, questions, use_cache and
// deadline_seconds form fields; JSON bodies reference a server-local PDF
// or pre-rendered page images instead. The job runs asynchronously;
// poll GET /api/v1/jobs/{id}.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req job.ProcessRequest
	var err error

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		req, err = s.buildJSONRequest(r)
	} else {
		req, err = s.buildMultipartRequest(r)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Reject configuration problems synchronously so the client gets a
	// structured error instead of a failed job.
	if err := s.processor.Validate(req); err != nil {
		var cfgErr *job.ConfigurationError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusBadRequest, cfgErr.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := job.NewJobID()
	s.jobs.put(&job.JobResult{ID: id, Status: job.StatusProcessing, CreatedAt: time.Now().UTC()})

	go s.runJob(id, req)

	writeJSON(w, http.StatusAccepted, SubmitResponse{ID: id, Status: job.StatusProcessing})
}

// defaultRequest seeds a ProcessRequest with the configured defaults.
func (s *Server) defaultRequest() job.ProcessRequest {
	return job.ProcessRequest{
		Engines:     s.defaults.Engines,
		Method:      consensus.Method(s.defaults.Method),
		UseCache:    true,
		MaxParallel: s.defaults.MaxParallel,
		Deadline:    time.Duration(s.defaults.JobTimeoutSeconds) * time.Second,
	}
}

// buildMultipartRequest reads the uploaded PDF and parses the form
// fields into a ProcessRequest.
func (s *Server) buildMultipartRequest(r *http.Request) (job.ProcessRequest, error) {
	req := s.defaultRequest()

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return req, fmt.Errorf("invalid multipart request: %v", err)
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return req, errors.New("missing file part")
	}
	defer file.Close()

	req.PDF, err = io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		return req, fmt.Errorf("failed to read upload: %v", err)
	}

	if v := r.FormValue("engines"); v != "" {
		req.Engines = splitList(v)
	}
	if v := r.FormValue("method"); v != "" {
		req.Method = consensus.Method(v)
	}
	if v := r.FormValue("questions"); v != "" {
		for _, part := range splitList(v) {
			n, err := strconv.Atoi(part)
			if err != nil {
				return req, fmt.Errorf("invalid question number %q", part)
			}
			req.Questions = append(req.Questions, n)
		}
	}
	if v := r.FormValue("use_cache"); v != "" {
		useCache, err := strconv.ParseBool(v)
		if err != nil {
			return req, fmt.Errorf("invalid use_cache value %q", v)
		}
		req.UseCache = useCache
	}
	if v := r.FormValue("deadline_seconds"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return req, fmt.Errorf("invalid deadline_seconds value %q", v)
		}
		req.Deadline = time.Duration(secs) * time.Second
	}

	return req, nil
}

// JSONSubmitRequest references a server-local PDF or pre-rendered page
// images instead of uploading document bytes.
type JSONSubmitRequest struct {
	PDFPath         string   `json:"pdf_path,omitempty"`
	Pages           []string `json:"pages,omitempty"` // PNG file paths, page order
	Engines         []string `json:"engines,omitempty"`
	Method          string   `json:"method,omitempty"`
	Questions       []int    `json:"questions,omitempty"`
	UseCache        *bool    `json:"use_cache,omitempty"`
	DeadlineSeconds int      `json:"deadline_seconds,omitempty"`
}

func (s *Server) buildJSONRequest(r *http.Request) (job.ProcessRequest, error) {
	req := s.defaultRequest()

	var body JSONSubmitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&body); err != nil {
		return req, fmt.Errorf("invalid JSON request: %v", err)
	}

	req.PDFPath = body.PDFPath
	req.Questions = body.Questions
	if len(body.Engines) > 0 {
		req.Engines = body.Engines
	}
	if body.Method != "" {
		req.Method = consensus.Method(body.Method)
	}
	if body.UseCache != nil {
		req.UseCache = *body.UseCache
	}
	if body.DeadlineSeconds > 0 {
		req.Deadline = time.Duration(body.DeadlineSeconds) * time.Second
	}

	for i, path := range body.Pages {
		data, err := os.ReadFile(path)
		if err != nil {
			return req, fmt.Errorf("failed to read page %d: %v", i, err)
		}
		cfg, err := png.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return req, fmt.Errorf("page %d is not a PNG: %v", i, err)
		}
		req.Pages = append(req.Pages, ocr.PageImage{
			Index:  i,
			PNG:    data,
			Width:  cfg.Width,
			Height: cfg.Height,
		})
	}

	return req, nil
}

// runJob executes one accepted job in the background. The job gets its
// own context: cancelling the submitting request must not abort it.
func (s *Server) runJob(id string, req job.ProcessRequest) {
	result, err := s.processor.Process(context.Background(), id, req)
	if err != nil {
		s.logger.Error("job failed", "job_id", id, "error", err)
		now := time.Now().UTC()
		s.jobs.put(&job.JobResult{
			ID:          id,
			Status:      job.StatusFailed,
			Error:       err.Error(),
			CompletedAt: &now,
		})
		return
	}
	s.jobs.put(result)
	s.logger.Info("job finished",
		"job_id", id,
		"status", result.Status,
		"questions", len(result.Questions),
		"total_time", result.Metrics.TotalTime)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	result, ok := s.jobs.get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// JobSummary is one row of the job listing.
type JobSummary struct {
	ID        string     `json:"id"`
	Status    job.Status `json:"status"`
	Questions int        `json:"questions"`
	CreatedAt time.Time  `json:"created_at"`
}

// ListJobsResponse lists submitted jobs, newest first.
type ListJobsResponse struct {
	Jobs []JobSummary `json:"jobs"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	all := s.jobs.list()

	resp := ListJobsResponse{Jobs: make([]JobSummary, 0, len(all))}
	for _, j := range all {
		resp.Jobs = append(resp.Jobs, JobSummary{
			ID:        j.ID,
			Status:    j.Status,
			Questions: len(j.Questions),
			CreatedAt: j.CreatedAt,
		})
	}
	sort.Slice(resp.Jobs, func(i, j int) bool { return resp.Jobs[i].CreatedAt.After(resp.Jobs[j].CreatedAt) })

	writeJSON(w, http.StatusOK, resp)
}

// jobStore is the in-memory job registry. Results live for the process
// lifetime; there is no eviction.
type jobStore struct {
	mu   sync.RWMutex
	jobs map[string]*job.JobResult
}

func newJobStore() *jobStore {
	return &jobStore{jobs: make(map[string]*job.JobResult)}
}

func (s *jobStore) put(result *job.JobResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.jobs[result.ID]; ok && result.CreatedAt.IsZero() {
		result.CreatedAt = existing.CreatedAt
	}
	s.jobs[result.ID] = result
}

func (s *jobStore) get(id string) (*job.JobResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.jobs[id]
	return result, ok
}

func (s *jobStore) list() []*job.JobResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*job.JobResult, 0, len(s.jobs))
	for _, result := range s.jobs {
		all = append(all, result)
	}
	return all
}

// ErrorResponse is the JSON error shape.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
