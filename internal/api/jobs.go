package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FocuswithJustin/RecallRecover/core/pipeline"
	"github.com/FocuswithJustin/RecallRecover/internal/logging"
	"github.com/FocuswithJustin/RecallRecover/internal/validation"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// JobRequest is the body of POST /jobs.
type JobRequest struct {
	SourceDB     string   `json:"source_db"`
	WALPath      string   `json:"wal_path,omitempty"`
	OutputDir    string   `json:"output_dir,omitempty"`
	Tables       []string `json:"tables,omitempty"`
	AllTables    bool     `json:"all_tables,omitempty"`
	SkipPrecheck bool     `json:"skip_precheck,omitempty"`
	PreferLatest bool     `json:"prefer_latest,omitempty"`
}

// Job represents an asynchronous recovery run.
type Job struct {
	ID          string           `json:"id"`
	Status      JobStatus        `json:"status"`
	Stage       string           `json:"stage,omitempty"`
	Progress    int              `json:"progress"` // 0-100
	Message     string           `json:"message,omitempty"`
	Report      *pipeline.Report `json:"report,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   string           `json:"created_at"`
	UpdatedAt   string           `json:"updated_at"`
	CompletedAt string           `json:"completed_at,omitempty"`
	Request     JobRequest       `json:"request"`

	config pipeline.RecoveryConfig
	ctx    context.Context
	cancel context.CancelFunc
}

func (j *Job) finished() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobStore manages jobs in memory. Readers get copies.
type JobStore struct {
	jobs map[string]*Job
	mu   sync.RWMutex
}

// NewJobStore creates a new job store.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]*Job),
	}
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }

// Create registers a pending job for cfg.
func (s *JobStore) Create(req JobRequest, cfg pipeline.RecoveryConfig) Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	ts := now()
	job := &Job{
		ID:        uuid.NewString(),
		Status:    JobStatusPending,
		CreatedAt: ts,
		UpdatedAt: ts,
		Request:   req,
		config:    cfg,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.jobs[job.ID] = job
	return *job
}

// Get returns a snapshot of a job.
func (s *JobStore) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// List returns snapshots of all jobs, oldest first.
func (s *JobStore) List() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt != jobs[k].CreatedAt {
			return jobs[i].CreatedAt < jobs[k].CreatedAt
		}
		return jobs[i].ID < jobs[k].ID
	})
	return jobs
}

// Progress records a stage update. Finished jobs are left alone.
func (s *JobStore) Progress(id, stage string, progress int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.finished() {
		return
	}
	job.Status = JobStatusRunning
	job.Stage = stage
	job.Progress = progress
	job.Message = message
	job.UpdatedAt = now()
}

// Finish moves a job to a terminal status.
func (s *JobStore) Finish(id string, status JobStatus, report *pipeline.Report, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.finished() {
		return nil
	}
	job.Status = status
	job.Report = report
	job.Error = errMsg
	if status == JobStatusCompleted {
		job.Progress = 100
	}
	job.UpdatedAt = now()
	job.CompletedAt = job.UpdatedAt
	job.cancel()
	return nil
}

// Cancel stops a pending or running job.
func (s *JobStore) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.finished() {
		return fmt.Errorf("job cannot be cancelled (status: %s)", job.Status)
	}

	job.cancel()
	job.Status = JobStatusCancelled
	job.UpdatedAt = now()
	job.CompletedAt = job.UpdatedAt
	return nil
}

// CancelAll stops every unfinished job.
func (s *JobStore) CancelAll() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.jobs))
	for id, job := range s.jobs {
		if !job.finished() {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	for _, id := range ids {
		s.Cancel(id)
	}
}

// context returns the job's cancellation context and configuration.
func (s *JobStore) context(id string) (context.Context, pipeline.RecoveryConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, pipeline.RecoveryConfig{}, false
	}
	return job.ctx, job.config, true
}

// RunFunc executes one recovery. Tests substitute it.
type RunFunc func(ctx context.Context, cfg pipeline.RecoveryConfig, r pipeline.Reporter) (*pipeline.Report, error)

// RunPipeline is the production RunFunc.
func RunPipeline(ctx context.Context, cfg pipeline.RecoveryConfig, r pipeline.Reporter) (*pipeline.Report, error) {
	return pipeline.New(cfg, r).Run(ctx)
}

// jobReporter mirrors pipeline progress into the store and the hub.
type jobReporter struct {
	id    string
	store *JobStore
	hub   *Hub
}

func (r jobReporter) Progress(ctx context.Context, stage string, percent int, message string) {
	r.store.Progress(r.id, stage, percent, message)
	r.hub.Broadcast(ProgressMessage{
		Type:     MessageProgress,
		JobID:    r.id,
		Stage:    stage,
		Progress: percent,
		Message:  message,
	})
}

// runJob executes a job in a goroutine.
func (s *Server) runJob(id string) {
	ctx, cfg, ok := s.jobs.context(id)
	if !ok {
		return
	}
	ctx = logging.WithJobID(ctx, id)
	rep := pipeline.MultiReporter{
		pipeline.LogReporter{},
		jobReporter{id: id, store: s.jobs, hub: s.hub},
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.jobs.Progress(id, "start", 0, "job started")

		report, err := s.run(ctx, cfg, rep)
		switch {
		case err == nil:
			s.jobs.Finish(id, JobStatusCompleted, report, "")
			s.hub.Broadcast(ProgressMessage{
				Type:     MessageComplete,
				JobID:    id,
				Progress: 100,
				Message:  "recovery completed",
				Data:     reportData(report),
			})
		case errors.Is(err, pipeline.ErrNothingToRecover):
			s.jobs.Finish(id, JobStatusCompleted, report, "")
			s.hub.Broadcast(ProgressMessage{
				Type:     MessageComplete,
				JobID:    id,
				Progress: 100,
				Message:  err.Error(),
				Data:     map[string]any{"nothing_to_recover": true},
			})
		case errors.Is(err, context.Canceled):
			s.jobs.Finish(id, JobStatusCancelled, report, err.Error())
			s.hub.Broadcast(ProgressMessage{Type: MessageError, JobID: id, Message: "job cancelled"})
		default:
			logging.ErrorContext(ctx, "job_failed", "error", err)
			s.jobs.Finish(id, JobStatusFailed, report, err.Error())
			s.hub.Broadcast(ProgressMessage{Type: MessageError, JobID: id, Message: err.Error()})
		}
	}()
}

func reportData(r *pipeline.Report) map[string]any {
	if r == nil {
		return nil
	}
	return map[string]any{
		"report_id": r.ID,
		"moved":     r.Moved,
		"skipped":   r.Skipped,
		"spliced":   r.Spliced(),
		"evidence":  r.Evidence,
	}
}

// recoveryConfig turns a request into a pipeline configuration, confining
// paths to BaseDir when one is set.
func (s *Server) recoveryConfig(req JobRequest) (pipeline.RecoveryConfig, error) {
	cfg := s.cfg.Defaults
	cfg.SourceDB = req.SourceDB
	if req.WALPath != "" {
		cfg.WALPath = req.WALPath
	}
	if req.OutputDir != "" {
		cfg.OutputDir = req.OutputDir
	}
	switch {
	case req.AllTables:
		cfg.Tables = pipeline.AllTables
	case len(req.Tables) > 0:
		cfg.Tables = req.Tables
	}
	cfg.SkipPrecheck = cfg.SkipPrecheck || req.SkipPrecheck
	cfg.PreferLatest = cfg.PreferLatest || req.PreferLatest

	if cfg.WALPath == "" {
		cfg.WALPath = cfg.SourceDB + "-wal"
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = pipeline.DefaultOutputDir
	}

	for _, p := range []*string{&cfg.SourceDB, &cfg.WALPath, &cfg.OutputDir} {
		if s.cfg.BaseDir == "" {
			if err := validation.ValidatePath(*p); err != nil {
				return cfg, err
			}
			continue
		}
		resolved, err := validation.Within(s.cfg.BaseDir, *p)
		if err != nil {
			return cfg, err
		}
		*p = resolved
	}
	if err := validation.CheckFile(cfg.SourceDB, validation.FileTypeSQLite); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// handleJobs handles GET /jobs and POST /jobs.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respond(w, http.StatusOK, s.jobs.List())
		return
	case http.MethodPost:
	default:
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET and POST are allowed")
		return
	}

	var req JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body")
		return
	}
	if req.SourceDB == "" {
		respondError(w, http.StatusBadRequest, "MISSING_PARAMS", "source_db is required")
		return
	}

	cfg, err := s.recoveryConfig(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PATH", err.Error())
		return
	}

	job := s.jobs.Create(req, cfg)
	s.runJob(job.ID)
	respond(w, http.StatusCreated, job)
}

// handleJobByID handles GET /jobs/{id} and DELETE /jobs/{id}.
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if id == "" || strings.Contains(id, "/") {
		respondError(w, http.StatusBadRequest, "MISSING_ID", "Job ID is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		job, ok := s.jobs.Get(id)
		if !ok {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "Job not found")
			return
		}
		respond(w, http.StatusOK, job)
	case http.MethodDelete:
		if err := s.jobs.Cancel(id); err != nil {
			if errors.Is(err, ErrJobNotFound) {
				respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
				return
			}
			respondError(w, http.StatusConflict, "CANCEL_FAILED", err.Error())
			return
		}
		respond(w, http.StatusOK, map[string]string{"message": "Job cancelled"})
	default:
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET and DELETE are allowed")
	}
}
