// Package audioshake provides an HTTP client for the AudioShake job API and
// the music detection and music removal collaborators built on it.
package audioshake

// Status represents the status of an AudioShake job.
type Status string

// AudioShake job statuses as reported by GET /job/{id}.
const (
	StatusCreated    Status = "created"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusError      Status = "error"
)

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusError:
		return true
	default:
		return false
	}
}

// Metadata selects the model and output format of a job.
type Metadata struct {
	Name   string `json:"name"`
	Format string `json:"format"`
}

// Job models used by the pipeline.
var (
	MusicDetection = Metadata{Name: "music_detection", Format: "json"}
	MusicRemoval   = Metadata{Name: "music_removal", Format: "wav"}
)

// OutputAsset is one downloadable result of a completed job.
type OutputAsset struct {
	Name string `json:"name"`
	Link string `json:"link"`
}

// Job is the state of a remote job.
type Job struct {
	ID           string        `json:"id"`
	Status       Status        `json:"status"`
	OutputAssets []OutputAsset `json:"outputAssets,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// uploadResponse represents the response from POST /upload/.
type uploadResponse struct {
	ID string `json:"id"`
}

// createJobRequest represents the request body for POST /job/.
type createJobRequest struct {
	AssetID     string   `json:"assetId"`
	Metadata    Metadata `json:"metadata"`
	CallbackURL string   `json:"callbackUrl,omitempty"`
}

// jobEnvelope wraps the job object in /job responses.
type jobEnvelope struct {
	Job Job `json:"job"`
}
