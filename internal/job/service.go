package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/audioshaker/audioshake-smart-mute/internal/apperrors"
	"github.com/audioshaker/audioshake-smart-mute/internal/audio"
	"github.com/audioshaker/audioshake-smart-mute/internal/media"
	"github.com/audioshaker/audioshake-smart-mute/internal/segment"
	"github.com/audioshaker/audioshake-smart-mute/internal/storage"
)

// DefaultLengthTolerance is how far a processed segment may diverge from
// its target range before the splice is rejected.
const DefaultLengthTolerance = 100 * time.Millisecond

// ErrJobInProgress is returned when a running job is deleted.
var ErrJobInProgress = errors.New("job is still in progress")

// Detector finds music-only segments in a WAV file.
type Detector interface {
	Detect(ctx context.Context, wavPath string, scope *storage.Scope) ([]segment.Segment, error)
}

// Remover returns the path of a music-removed copy of a segment WAV.
// The returned file must be registered with the scope.
type Remover interface {
	RemoveMusic(ctx context.Context, wavPath string, scope *storage.Scope) (string, error)
}

// FormatAdapter converts between the caller's containers and PCM WAV.
type FormatAdapter interface {
	NormalizeToWAV(ctx context.Context, path string, scope *storage.Scope) (wavPath string, isTemporary bool, err error)
	FinalizeOutput(ctx context.Context, wavPath, desiredExt string, scope *storage.Scope) (string, error)
	Conform(ctx context.Context, path string, sampleRate, channels int, scope *storage.Scope) (string, error)
}

// MuteInput contains the input parameters for a smart mute run.
type MuteInput struct {
	// InputPath is the media file to process.
	InputPath string
	// PushToS3 indicates whether to upload the output to S3.
	PushToS3 bool
}

// MuteOutput contains the result of a smart mute run.
type MuteOutput struct {
	// JobID is the unique identifier of the job.
	JobID string
	// Status is the final job status.
	Status Status
	// OutputPath is the published WAV (empty on failure).
	OutputPath string
	// OutputURL is the S3 URL of the output (if pushed to S3).
	OutputURL string
	// Segments is the number of music segments that were replaced.
	Segments int
	// Error contains the failure reason if the job failed.
	Error string
}

// MuteService orchestrates the smart mute workflow.
// It coordinates the format adapter, waveform store, detection and
// remove-music collaborators, and storage to rewrite every detected
// music segment of one file.
type MuteService struct {
	repo     Repository
	store    storage.Storage
	adapter  FormatAdapter
	detector Detector
	remover  Remover
	logger   *slog.Logger
	// tolerance bounds the processed segment length mismatch.
	tolerance time.Duration
}

// NewMuteService creates a new MuteService.
func NewMuteService(repo Repository, store storage.Storage, adapter FormatAdapter, detector Detector, remover Remover, logger *slog.Logger) *MuteService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MuteService{
		repo:      repo,
		store:     store,
		adapter:   adapter,
		detector:  detector,
		remover:   remover,
		logger:    logger,
		tolerance: DefaultLengthTolerance,
	}
}

// SetLengthTolerance configures the splice length tolerance.
// Negative values are ignored.
func (s *MuteService) SetLengthTolerance(d time.Duration) {
	if d >= 0 {
		s.tolerance = d
	}
}

// CreateJob checks the input and persists a new PENDING job.
func (s *MuteService) CreateJob(ctx context.Context, input MuteInput) (*Job, error) {
	path, err := checkInput(input.InputPath)
	if err != nil {
		return nil, err
	}

	job := New(path)
	job.PushToS3 = input.PushToS3

	s.logger.Info("creating new job",
		slog.String("job_id", job.ID),
		slog.String("path", path),
		slog.Bool("push_to_s3", input.PushToS3),
	)

	if err := s.repo.Save(ctx, job); err != nil {
		s.logger.Error("failed to save job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return job, nil
}

// CreateJobFromUpload stores an uploaded file in the work directory and
// creates a job for it. The stored file is removed when the job ends.
func (s *MuteService) CreateJobFromUpload(ctx context.Context, filename string, data io.Reader, pushToS3 bool) (*Job, error) {
	name := filepath.Base(filename)
	if !media.IsSupported(name) {
		return nil, apperrors.Format("create job", name, fmt.Sprintf("unsupported extension %q", filepath.Ext(name)))
	}

	path, err := s.store.SaveTemp(ctx, name, data)
	if err != nil {
		return nil, apperrors.IO("save upload", name, err)
	}

	job := New(path)
	job.UploadedInput = true
	job.PushToS3 = pushToS3

	if err := s.repo.Save(ctx, job); err != nil {
		_ = s.store.CleanupTemp(context.WithoutCancel(ctx), []string{path})
		return nil, err
	}
	s.logger.Info("job created from upload",
		slog.String("job_id", job.ID),
		slog.String("filename", name),
	)
	return job, nil
}

// GetJob retrieves a job by ID.
func (s *MuteService) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.repo.FindByID(ctx, id)
}

// ListJobs returns every known job.
func (s *MuteService) ListJobs(ctx context.Context) ([]*Job, error) {
	return s.repo.List(ctx)
}

// OpenOutput opens a finished job's output for reading.
func (s *MuteService) OpenOutput(ctx context.Context, id string) (io.ReadCloser, error) {
	job, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusDone || job.OutputPath == "" {
		return nil, fmt.Errorf("job %s has no output: %w", id, os.ErrNotExist)
	}
	return s.store.LoadTemp(ctx, job.OutputPath)
}

// DeleteJob forgets a finished job. Outputs of uploaded inputs live in the
// work directory and are removed with it; outputs next to a caller's file
// are left in place.
func (s *MuteService) DeleteJob(ctx context.Context, id string) error {
	job, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if !job.IsTerminal() {
		return ErrJobInProgress
	}
	if job.UploadedInput && job.OutputPath != "" {
		if err := s.store.CleanupTemp(ctx, []string{job.OutputPath}); err != nil {
			return err
		}
	}
	return s.repo.Delete(ctx, id)
}

// Run creates a job for input and processes it to completion.
func (s *MuteService) Run(ctx context.Context, input MuteInput) (*MuteOutput, error) {
	job, err := s.CreateJob(ctx, input)
	if err != nil {
		return nil, err
	}
	return s.Execute(ctx, job)
}

// ProcessExistingJob processes a job previously created with CreateJob.
func (s *MuteService) ProcessExistingJob(ctx context.Context, id string) (*MuteOutput, error) {
	job, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Execute(ctx, job)
}

// Execute runs the pipeline for a PENDING job. Every intermediate file is
// owned by a per-job scope that is released before Execute returns, on
// success and on failure alike.
func (s *MuteService) Execute(ctx context.Context, job *Job) (*MuteOutput, error) {
	logger := s.logger.With(slog.String("job_id", job.ID))
	if job.UploadedInput {
		defer func() {
			if err := s.store.CleanupTemp(context.WithoutCancel(ctx), []string{job.InputPath}); err != nil {
				logger.Warn("failed to remove uploaded input", slog.String("error", err.Error()))
			}
		}()
	}

	scope, err := s.store.NewScope(job.ID, s.logger)
	if err != nil {
		return s.fail(ctx, job, logger, apperrors.IO("open scope", "", err))
	}
	defer scope.Release()

	start := time.Now()
	runErr := s.run(ctx, job, scope, logger)

	// release before the outcome becomes visible
	scope.Release()
	logger.Debug("scope released",
		slog.Int("created", scope.Created()),
		slog.Int("removed", scope.Removed()),
	)

	if runErr != nil {
		return s.fail(ctx, job, logger, runErr)
	}

	// the output is published; cancellation can no longer undo it
	if err := job.TransitionTo(StatusDone); err != nil {
		return s.fail(ctx, job, logger, err)
	}
	s.save(ctx, job, logger)
	logger.Info("job completed",
		slog.String("output", job.OutputPath),
		slog.Int("segments", len(job.Segments)),
		slog.Duration("elapsed", time.Since(start)),
	)

	snapshot := job.Clone()
	return &MuteOutput{
		JobID:      snapshot.ID,
		Status:     snapshot.Status,
		OutputPath: snapshot.OutputPath,
		OutputURL:  snapshot.OutputURL,
		Segments:   len(snapshot.Segments),
	}, nil
}

// run is the body of Execute. It folds every segment into the current
// waveform, so segment N+1 always sees the splice of segment N.
func (s *MuteService) run(ctx context.Context, job *Job, scope *storage.Scope, logger *slog.Logger) error {
	wavPath, converted, err := s.adapter.NormalizeToWAV(ctx, job.InputPath, scope)
	if err != nil {
		return err
	}
	job.SetWorkingPath(wavPath)
	if converted {
		logger.Info("working on converted input", slog.String("path", wavPath))
	}

	current, err := audio.Load(wavPath)
	if err != nil {
		return err
	}
	if err := s.transition(ctx, job, StatusLoaded); err != nil {
		return err
	}
	logger.Info("waveform loaded",
		slog.String("path", wavPath),
		slog.Int("sample_rate", current.SampleRate()),
		slog.Int("channels", current.Channels()),
		slog.Float64("duration_sec", current.Duration()),
	)

	if err := s.transition(ctx, job, StatusDetecting); err != nil {
		return err
	}
	segs, err := s.detector.Detect(ctx, wavPath, scope)
	if err != nil {
		return err
	}
	if err := segment.Validate(segs, current.Duration()); err != nil {
		return err
	}
	job.SetSegments(segs)
	s.save(ctx, job, logger)
	logger.Info("music segments detected", slog.Int("segments", len(segs)))

	toleranceFrames := int(math.Round(s.tolerance.Seconds() * float64(current.SampleRate())))

	for i, seg := range segs {
		segLogger := logger.With(slog.Int("segment", i), slog.String("range", seg.String()))

		if err := s.transition(ctx, job, StatusExtracting); err != nil {
			return err
		}
		extract, err := audio.Slice(current, seg.Start, seg.End)
		if err != nil {
			return err
		}
		extractPath, err := scope.NewPath(fmt.Sprintf("segment_%03d_*.wav", i))
		if err != nil {
			return apperrors.IO("extract segment", "", err)
		}
		if err := audio.Save(extract, extractPath); err != nil {
			return err
		}
		job.UpdateSegment(i, func(r *SegmentRecord) {
			r.Status = segment.StatusExtracted
			r.ExtractPath = extractPath
		})

		if err := s.transition(ctx, job, StatusRemovingMusic); err != nil {
			return err
		}
		processedPath, err := s.remover.RemoveMusic(ctx, extractPath, scope)
		if err != nil {
			return err
		}
		job.UpdateSegment(i, func(r *SegmentRecord) {
			r.Status = segment.StatusProcessed
			r.ProcessedPath = processedPath
		})

		if err := s.transition(ctx, job, StatusSplicing); err != nil {
			return err
		}
		replacement, err := s.loadReplacement(ctx, processedPath, current, scope, segLogger)
		if err != nil {
			return err
		}
		next, report, err := audio.Splice(current, seg.Start, seg.End, replacement, toleranceFrames)
		if err != nil {
			return err
		}
		if report.Adjusted() {
			segLogger.Warn("processed segment length adjusted",
				slog.Int("target_frames", report.To-report.From),
				slog.Int("replacement_frames", report.ReplacementFrames),
				slog.Int("padded_frames", report.PaddedFrames),
				slog.Int("truncated_frames", report.TruncatedFrames),
			)
		}
		current = next
		job.UpdateSegment(i, func(r *SegmentRecord) {
			r.Status = segment.StatusSpliced
			r.PaddedFrames = report.PaddedFrames
			r.TruncatedFrames = report.TruncatedFrames
		})
		job.UpdateProgress((i + 1) * 100 / (len(segs) + 1))
		segLogger.Info("segment spliced")
	}

	if err := s.transition(ctx, job, StatusSaving); err != nil {
		return err
	}
	return s.publish(ctx, job, current, scope, logger)
}

// loadReplacement decodes a processed segment, conforming it to the
// current waveform's layout when the service returned a different one or
// an encoding the waveform store cannot read, such as float WAV.
func (s *MuteService) loadReplacement(ctx context.Context, path string, current *audio.Waveform, scope *storage.Scope, logger *slog.Logger) (*audio.Waveform, error) {
	replacement, err := audio.Load(path)
	if err != nil {
		if !errors.Is(err, apperrors.ErrFormat) {
			return nil, err
		}
		logger.Info("converting processed segment to PCM",
			slog.String("reason", err.Error()),
		)
		return s.conform(ctx, path, current, scope)
	}
	if replacement.SampleRate() == current.SampleRate() && replacement.Channels() == current.Channels() {
		return replacement, nil
	}

	logger.Info("conforming processed segment",
		slog.Int("sample_rate", replacement.SampleRate()),
		slog.Int("channels", replacement.Channels()),
	)
	return s.conform(ctx, path, current, scope)
}

func (s *MuteService) conform(ctx context.Context, path string, current *audio.Waveform, scope *storage.Scope) (*audio.Waveform, error) {
	conformed, err := s.adapter.Conform(ctx, path, current.SampleRate(), current.Channels(), scope)
	if err != nil {
		return nil, err
	}
	return audio.Load(conformed)
}

// publish saves the final waveform into the scope and moves it onto the
// output path, so the output is either absent or complete.
func (s *MuteService) publish(ctx context.Context, job *Job, final *audio.Waveform, scope *storage.Scope, logger *slog.Logger) error {
	staging, err := scope.NewPath("final_*.wav")
	if err != nil {
		return apperrors.IO("save output", "", err)
	}
	if err := audio.Save(final, staging); err != nil {
		return err
	}
	finalPath, err := s.adapter.FinalizeOutput(ctx, staging, "wav", scope)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := storage.Publish(finalPath, job.OutputPath); err != nil {
		return apperrors.IO("publish output", job.OutputPath, err)
	}

	var url string
	if job.PushToS3 {
		url = s.upload(ctx, job, logger)
	}
	job.SetOutput(job.OutputPath, url)
	return nil
}

// upload pushes the output to S3. Failures are logged and leave the local
// output in place.
func (s *MuteService) upload(ctx context.Context, job *Job, logger *slog.Logger) string {
	f, err := os.Open(job.OutputPath)
	if err != nil {
		logger.Error("failed to open output for upload", slog.String("error", err.Error()))
		return ""
	}
	defer func() { _ = f.Close() }()

	key := fmt.Sprintf("smart-mute/%s/%s", job.ID, filepath.Base(job.OutputPath))
	url, err := s.store.UploadToS3(ctx, key, f)
	if err != nil {
		logger.Error("failed to upload output to S3",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return ""
	}
	logger.Info("output uploaded to S3", slog.String("url", url))
	return url
}

// transition aborts on cancellation, moves the job to status and persists it.
func (s *MuteService) transition(ctx context.Context, job *Job, status Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := job.TransitionTo(status); err != nil {
		return fmt.Errorf("%s -> %s: %w", job.GetStatus(), status, err)
	}
	s.save(ctx, job, s.logger.With(slog.String("job_id", job.ID)))
	return nil
}

// save persists the job; failures only affect observers, so they are logged.
func (s *MuteService) save(ctx context.Context, job *Job, logger *slog.Logger) {
	if err := s.repo.Save(context.WithoutCancel(ctx), job); err != nil {
		logger.Warn("failed to persist job", slog.String("error", err.Error()))
	}
}

// fail marks the job FAILED and returns the cause.
func (s *MuteService) fail(ctx context.Context, job *Job, logger *slog.Logger, cause error) (*MuteOutput, error) {
	kind := apperrors.KindOf(cause).String()
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		kind = "cancelled"
	}
	if err := job.Fail(cause.Error(), kind); err != nil {
		logger.Warn("failed to mark job failed", slog.String("error", err.Error()))
	}
	s.save(ctx, job, logger)

	logger.Error("job failed",
		slog.String("status", string(job.GetStatus())),
		slog.String("kind", kind),
		slog.String("error", cause.Error()),
	)

	return &MuteOutput{
		JobID:  job.ID,
		Status: job.GetStatus(),
		Error:  cause.Error(),
	}, cause
}

// checkInput resolves path and checks it exists and has a supported extension.
func checkInput(path string) (string, error) {
	if path == "" {
		return "", apperrors.IO("check input", path, os.ErrNotExist)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", apperrors.IO("check input", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", apperrors.IO("check input", abs, err)
	}
	if info.IsDir() {
		return "", apperrors.Format("check input", abs, "is a directory")
	}
	if !media.IsSupported(abs) {
		return "", apperrors.Format("check input", abs, fmt.Sprintf("unsupported extension %q", filepath.Ext(abs)))
	}
	return abs, nil
}
