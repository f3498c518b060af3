// Package job provides the MuteJob aggregate and the MuteService use case
// that rewrites music segments of a media file. It includes the Job entity
// with its state machine, as well as repository interfaces for persistence.
package job

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/audioshaker/audioshake-smart-mute/internal/job/id"
	"github.com/audioshaker/audioshake-smart-mute/internal/segment"
)

// OutputSuffix is appended to the input stem to name the output file.
const OutputSuffix = "_smart_mute"

// Status represents the current state of a Job.
type Status string

const (
	// StatusPending indicates the job was created but not started.
	StatusPending Status = "PENDING"
	// StatusLoaded indicates the working WAV has been decoded.
	StatusLoaded Status = "LOADED"
	// StatusDetecting indicates music detection is running.
	StatusDetecting Status = "DETECTING"
	// StatusExtracting indicates a segment is being cut from the waveform.
	StatusExtracting Status = "EXTRACTING"
	// StatusRemovingMusic indicates a segment is at the remove-music service.
	StatusRemovingMusic Status = "REMOVING_MUSIC"
	// StatusSplicing indicates a processed segment is being spliced back.
	StatusSplicing Status = "SPLICING"
	// StatusSaving indicates the final waveform is being written.
	StatusSaving Status = "SAVING"
	// StatusDone indicates the output file is in place.
	StatusDone Status = "DONE"
	// StatusFailed indicates the job aborted; no output was written.
	StatusFailed Status = "FAILED"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines which state transitions are allowed.
// FAILED is reachable from every non-terminal state.
var validTransitions = map[Status][]Status{
	StatusPending:       {StatusLoaded, StatusFailed},
	StatusLoaded:        {StatusDetecting, StatusFailed},
	StatusDetecting:     {StatusExtracting, StatusSaving, StatusFailed},
	StatusExtracting:    {StatusRemovingMusic, StatusFailed},
	StatusRemovingMusic: {StatusSplicing, StatusFailed},
	StatusSplicing:      {StatusExtracting, StatusSaving, StatusFailed},
	StatusSaving:        {StatusDone, StatusFailed},
	StatusDone:          {},
	StatusFailed:        {},
}

// canTransition checks if a transition from one status to another is valid.
func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// SegmentRecord tracks one detected music segment through the pipeline.
type SegmentRecord struct {
	// Index is the position of the segment in detector order.
	Index int
	// Start and End bound the segment in seconds, half-open.
	Start float64
	End   float64
	// Status is the segment's lifecycle stage.
	Status segment.Status
	// ExtractPath is the scope file holding the original segment audio.
	ExtractPath string
	// ProcessedPath is the scope file holding the music-removed audio.
	ProcessedPath string
	// PaddedFrames and TruncatedFrames record the splice adjustment.
	PaddedFrames    int
	TruncatedFrames int
}

// Job represents a smart mute job aggregate.
// It contains all state related to rewriting the music segments of one file.
type Job struct {
	mu sync.RWMutex

	// ID is the unique identifier for this job.
	ID string
	// Status is the current job state.
	Status Status
	// InputPath is the media file being processed.
	InputPath string
	// UploadedInput is true when InputPath was written by the service from
	// an upload and must be removed once the job ends.
	UploadedInput bool
	// WorkingPath is the WAV the pipeline decodes; equal to InputPath for WAV input.
	WorkingPath string
	// OutputPath is where the final WAV is published.
	OutputPath string
	// Segments holds one record per detected music segment.
	Segments []SegmentRecord
	// Progress is the percentage of completion (0-100).
	Progress int
	// Error contains the failure reason if the job failed.
	Error string
	// ErrorKind is the apperrors kind of the failure.
	ErrorKind string
	// PushToS3 indicates whether to upload the result to S3.
	PushToS3 bool
	// OutputURL is the S3 URL if PushToS3 was true.
	OutputURL string
	// CreatedAt is when the job was created.
	CreatedAt time.Time
	// UpdatedAt is when the job was last updated.
	UpdatedAt time.Time
	// StartedAt is when processing started.
	StartedAt time.Time
	// CompletedAt is when processing finished.
	CompletedAt time.Time
}

// OutputPathFor returns <dir>/<stem>_smart_mute.wav for an input path.
func OutputPathFor(inputPath string) string {
	dir := filepath.Dir(inputPath)
	base := filepath.Base(inputPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, stem+OutputSuffix+".wav")
}

// New creates a new Job for inputPath with a generated ID and PENDING status.
func New(inputPath string) *Job {
	return NewWithID(id.Generate(), inputPath)
}

// NewWithID creates a new Job with the specified ID and PENDING status.
// Useful for testing or when ID needs to be externally generated.
func NewWithID(jobID, inputPath string) *Job {
	now := time.Now()
	return &Job{
		ID:         jobID,
		Status:     StatusPending,
		InputPath:  inputPath,
		OutputPath: OutputPathFor(inputPath),
		Segments:   make([]SegmentRecord, 0),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// TransitionTo attempts to change the job status to the specified state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) TransitionTo(status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !canTransition(j.Status, status) {
		return ErrInvalidTransition
	}

	j.Status = status
	j.UpdatedAt = time.Now()

	switch status {
	case StatusLoaded:
		j.StartedAt = j.UpdatedAt
	case StatusDone, StatusFailed:
		j.CompletedAt = j.UpdatedAt
	}
	if status == StatusDone {
		j.Progress = 100
	}

	return nil
}

// Fail transitions the job to FAILED state with a reason and error kind.
// Returns ErrInvalidTransition if the job is already terminal.
func (j *Job) Fail(reason, kind string) error {
	j.mu.Lock()
	if !canTransition(j.Status, StatusFailed) {
		j.mu.Unlock()
		return ErrInvalidTransition
	}
	j.Error = reason
	j.ErrorKind = kind
	j.mu.Unlock()
	return j.TransitionTo(StatusFailed)
}

// GetStatus returns the current job status (thread-safe).
func (j *Job) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// SetWorkingPath records the WAV the pipeline decodes.
func (j *Job) SetWorkingPath(path string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.WorkingPath = path
	j.UpdatedAt = time.Now()
}

// SetSegments replaces the segment records with the detected segments.
func (j *Job) SetSegments(segs []segment.Segment) {
	j.mu.Lock()
	defer j.mu.Unlock()
	records := make([]SegmentRecord, len(segs))
	for i, s := range segs {
		records[i] = SegmentRecord{Index: i, Start: s.Start, End: s.End, Status: s.Status}
	}
	j.Segments = records
	j.UpdatedAt = time.Now()
}

// UpdateSegment applies fn to the record at index.
func (j *Job) UpdateSegment(index int, fn func(*SegmentRecord)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if index >= 0 && index < len(j.Segments) {
		fn(&j.Segments[index])
		j.UpdatedAt = time.Now()
	}
}

// SegmentsSpliced returns how many segments reached SPLICED.
func (j *Job) SegmentsSpliced() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	n := 0
	for _, s := range j.Segments {
		if s.Status == segment.StatusSpliced {
			n++
		}
	}
	return n
}

// UpdateProgress sets the progress percentage (0-100).
func (j *Job) UpdateProgress(progress int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	j.Progress = progress
	j.UpdatedAt = time.Now()
}

// SetOutput sets the output path and optional S3 URL.
func (j *Job) SetOutput(outputPath, outputURL string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.OutputPath = outputPath
	j.OutputURL = outputURL
	j.UpdatedAt = time.Now()
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status == StatusDone || j.Status == StatusFailed
}

// Clone creates a deep copy of the job for safe reads.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	segments := make([]SegmentRecord, len(j.Segments))
	copy(segments, j.Segments)

	return &Job{
		ID:            j.ID,
		Status:        j.Status,
		InputPath:     j.InputPath,
		UploadedInput: j.UploadedInput,
		WorkingPath:   j.WorkingPath,
		OutputPath:    j.OutputPath,
		Segments:      segments,
		Progress:      j.Progress,
		Error:         j.Error,
		ErrorKind:     j.ErrorKind,
		PushToS3:      j.PushToS3,
		OutputURL:     j.OutputURL,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
	}
}
