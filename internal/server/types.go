// Package server provides the HTTP surface of the smart mute service.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import "time"

// CreateJobRequest is the HTTP request body for creating a new job.
// Either InputPath or AudioBase64 with Filename must be set.
type CreateJobRequest struct {
	// InputPath is a media file readable by the server.
	InputPath string `json:"input_path" validate:"required_without=AudioBase64,excluded_with=AudioBase64"`
	// AudioBase64 is the base64-encoded media content.
	AudioBase64 string `json:"audio_base64" validate:"omitempty,base64"`
	// Filename names the uploaded content; its extension selects the decoder.
	Filename string `json:"filename" validate:"required_with=AudioBase64"`
	// PushToS3 indicates whether to upload the output to S3.
	PushToS3 bool `json:"push_to_s3"`
}

// CreateJobResponse is the HTTP response after creating a job.
type CreateJobResponse struct {
	// ID is the unique identifier for the created job.
	ID string `json:"id"`
	// Status is the initial job status.
	Status string `json:"status"`
}

// SegmentResponse describes one detected music segment.
type SegmentResponse struct {
	Index           int     `json:"index"`
	Start           float64 `json:"start"`
	End             float64 `json:"end"`
	Status          string  `json:"status"`
	PaddedFrames    int     `json:"padded_frames,omitempty"`
	TruncatedFrames int     `json:"truncated_frames,omitempty"`
}

// JobResponse is the HTTP response for getting job details.
type JobResponse struct {
	// ID is the unique identifier for the job.
	ID string `json:"id"`
	// Status is the current job status.
	Status string `json:"status"`
	// Progress is the percentage of completion (0-100).
	Progress int `json:"progress"`
	// Segments lists the detected music segments.
	Segments []SegmentResponse `json:"segments"`
	// Error contains any error message if the job failed.
	Error string `json:"error,omitempty"`
	// ErrorKind classifies the failure.
	ErrorKind string `json:"error_kind,omitempty"`
	// OutputPath is where the output was written (once DONE).
	OutputPath string `json:"output_path,omitempty"`
	// OutputURL is the S3 URL of the output (if push_to_s3=true and completed).
	OutputURL string `json:"output_url,omitempty"`
	// AudioBase64 is the base64-encoded output, returned with ?include=audio.
	AudioBase64 string `json:"audio_base64,omitempty"`
	// CreatedAt is when the job was created.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the job finished, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ListJobsResponse is the HTTP response for listing jobs.
type ListJobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}
