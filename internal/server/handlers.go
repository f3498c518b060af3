package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/audioshaker/audioshake-smart-mute/internal/apperrors"
	"github.com/audioshaker/audioshake-smart-mute/internal/job"
	"github.com/audioshaker/audioshake-smart-mute/internal/job/id"
)

// DefaultMaxParallel bounds the number of jobs processed at once.
const DefaultMaxParallel = 4

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service            *job.MuteService
	validator          *validator.Validate
	logger             *slog.Logger
	enableAsyncProcess bool
	slots              chan struct{}
	running            sync.WaitGroup
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithAsyncProcessing enables or disables background processing.
// When disabled, CreateJob only creates the job and returns immediately
// without starting background processing.
func WithAsyncProcessing(enabled bool) HandlerOption {
	return func(h *Handlers) {
		h.enableAsyncProcess = enabled
	}
}

// WithMaxParallel bounds how many jobs run at once; queued jobs stay PENDING.
func WithMaxParallel(n int) HandlerOption {
	return func(h *Handlers) {
		if n > 0 {
			h.slots = make(chan struct{}, n)
		}
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service *job.MuteService, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		service:            service,
		validator:          validator.New(),
		logger:             logger,
		enableAsyncProcess: true, // Default to enabled
		slots:              make(chan struct{}, DefaultMaxParallel),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Wait blocks until every background job has finished or ctx is done.
func (h *Handlers) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateJob handles POST /jobs requests.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	// Validate request
	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	var (
		createdJob *job.Job
		err        error
	)
	if req.AudioBase64 != "" {
		data := base64.NewDecoder(base64.StdEncoding, strings.NewReader(req.AudioBase64))
		createdJob, err = h.service.CreateJobFromUpload(r.Context(), req.Filename, data, req.PushToS3)
	} else {
		createdJob, err = h.service.CreateJob(r.Context(), job.MuteInput{
			InputPath: req.InputPath,
			PushToS3:  req.PushToS3,
		})
	}
	if err != nil {
		h.writeCreateError(w, err, req.AudioBase64 != "")
		return
	}

	// Start processing in background with a detached context
	// Use context.WithoutCancel to prevent cancellation when the request ends
	if h.enableAsyncProcess {
		h.running.Add(1)
		go h.process(context.WithoutCancel(r.Context()), createdJob.ID)
	}

	h.logger.Info("job created",
		slog.String("job_id", createdJob.ID),
		slog.String("input", createdJob.InputPath),
		slog.Bool("uploaded", createdJob.UploadedInput),
	)

	writeJSON(w, http.StatusAccepted, CreateJobResponse{
		ID:     createdJob.ID,
		Status: string(createdJob.Status),
	})
}

// process runs one job once a slot is free.
func (h *Handlers) process(ctx context.Context, jobID string) {
	defer h.running.Done()

	h.slots <- struct{}{}
	defer func() { <-h.slots }()

	if _, err := h.service.ProcessExistingJob(ctx, jobID); err != nil {
		h.logger.Error("background processing failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

func (h *Handlers) writeCreateError(w http.ResponseWriter, err error, uploaded bool) {
	var corrupt base64.CorruptInputError
	switch {
	case errors.As(err, &corrupt):
		writeError(w, http.StatusBadRequest, "audio_base64 is not valid base64", "INVALID_AUDIO")
	case errors.Is(err, apperrors.ErrFormat):
		writeError(w, http.StatusBadRequest, err.Error(), "UNSUPPORTED_INPUT")
	case errors.Is(err, apperrors.ErrIO) && !uploaded:
		writeError(w, http.StatusBadRequest, err.Error(), "INPUT_NOT_FOUND")
	default:
		h.logger.Error("failed to create job",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to create job", "JOB_CREATION_FAILED")
	}
}

// ListJobs handles GET /jobs requests.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.service.ListJobs(r.Context())
	if err != nil {
		h.logger.Error("failed to list jobs", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list jobs", "JOB_FETCH_FAILED")
		return
	}

	resp := ListJobsResponse{Jobs: make([]JobResponse, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /jobs/{id} requests.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathJobID(w, r)
	if !ok {
		return
	}

	foundJob, err := h.service.GetJob(r.Context(), jobID)
	if err != nil {
		h.writeLookupError(w, jobID, err)
		return
	}

	resp := toJobResponse(foundJob)

	// Include output content if requested and completed
	if r.URL.Query().Get("include") == "audio" && foundJob.Status == job.StatusDone {
		if data, err := h.readOutput(r.Context(), jobID); err != nil {
			h.logger.Error("failed to read output",
				slog.String("job_id", jobID),
				slog.String("path", foundJob.OutputPath),
				slog.String("error", err.Error()),
			)
			// Don't fail the request, just log and omit the audio
		} else {
			resp.AudioBase64 = base64.StdEncoding.EncodeToString(data)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) readOutput(ctx context.Context, jobID string) ([]byte, error) {
	rc, err := h.service.OpenOutput(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// DeleteJob handles DELETE /jobs/{id} requests.
func (h *Handlers) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathJobID(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteJob(r.Context(), jobID); err != nil {
		if errors.Is(err, job.ErrJobInProgress) {
			writeError(w, http.StatusConflict, "job is still running", "JOB_IN_PROGRESS")
			return
		}
		h.writeLookupError(w, jobID, err)
		return
	}

	h.logger.Info("job deleted", slog.String("job_id", jobID))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) writeLookupError(w http.ResponseWriter, jobID string, err error) {
	if errors.Is(err, job.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
		return
	}
	h.logger.Error("failed to get job",
		slog.String("job_id", jobID),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, "failed to get job", "JOB_FETCH_FAILED")
}

// pathJobID extracts and checks the {id} path value, writing the error
// response itself when it is missing or malformed.
func pathJobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return "", false
	}
	if !id.Valid(jobID) {
		writeError(w, http.StatusBadRequest, "malformed job ID", "INVALID_JOB_ID")
		return "", false
	}
	return jobID, true
}

func toJobResponse(j *job.Job) JobResponse {
	resp := JobResponse{
		ID:        j.ID,
		Status:    string(j.Status),
		Progress:  j.Progress,
		Segments:  make([]SegmentResponse, 0, len(j.Segments)),
		Error:     j.Error,
		ErrorKind: j.ErrorKind,
		OutputURL: j.OutputURL,
		CreatedAt: j.CreatedAt,
	}
	for _, s := range j.Segments {
		resp.Segments = append(resp.Segments, SegmentResponse{
			Index:           s.Index,
			Start:           s.Start,
			End:             s.End,
			Status:          string(s.Status),
			PaddedFrames:    s.PaddedFrames,
			TruncatedFrames: s.TruncatedFrames,
		})
	}
	if j.Status == job.StatusDone {
		resp.OutputPath = j.OutputPath
	}
	if !j.CompletedAt.IsZero() {
		completed := j.CompletedAt
		resp.CompletedAt = &completed
	}
	return resp
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
