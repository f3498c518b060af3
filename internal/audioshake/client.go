package audioshake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/audioshaker/audioshake-smart-mute/internal/apperrors"
)

// DefaultBaseURL is the production AudioShake API.
const DefaultBaseURL = "https://groovy.audioshake.ai"

// Static errors for AudioShake client operations.
var (
	// ErrTokenNotSet is returned when no API token is configured.
	ErrTokenNotSet = errors.New("audioshake: AUDIOSHAKE_API_TOKEN is not set")
	// ErrAssetIDRequired is returned when a job is created without an asset.
	ErrAssetIDRequired = errors.New("audioshake: asset ID is required")
	// ErrJobIDRequired is returned when the job ID is not provided.
	ErrJobIDRequired = errors.New("audioshake: job ID is required")
	// ErrNoIDReturned is returned when an upload or create response has no ID.
	ErrNoIDReturned = errors.New("audioshake: no ID returned")
	// ErrJobFailed is returned when a job ends in the failed or error state.
	ErrJobFailed = errors.New("audioshake: job failed")
	// ErrJobTimeout is returned when a job does not complete within the job timeout.
	ErrJobTimeout = errors.New("audioshake: job timed out")
	// ErrNoOutputAssets is returned when a completed job has no downloadable asset.
	ErrNoOutputAssets = errors.New("audioshake: completed job has no output assets")
	// ErrServerError is returned when the server returns a 5xx status code.
	ErrServerError = errors.New("audioshake: server error")
	// ErrRateLimited is returned when the server returns a 429 status code.
	ErrRateLimited = errors.New("audioshake: rate limited")
	// ErrRequestFailed is returned when the request fails with a non-2xx status code.
	ErrRequestFailed = errors.New("audioshake: request failed")
)

// Client defines the interface for interacting with the AudioShake API.
type Client interface {
	// Upload sends a local file and returns its asset ID.
	Upload(ctx context.Context, path string) (assetID string, err error)

	// CreateJob starts a job for the asset and returns the job ID.
	CreateJob(ctx context.Context, assetID string, meta Metadata) (jobID string, err error)

	// GetJob fetches the current state of a job.
	GetJob(ctx context.Context, jobID string) (Job, error)

	// Download fetches an asset link into destPath.
	Download(ctx context.Context, link, destPath string) error

	// ProcessJob uploads path, runs a job with meta and waits for it to
	// complete, returning its output assets.
	ProcessJob(ctx context.Context, path string, meta Metadata) ([]OutputAsset, error)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)

// HTTPClient is the HTTP implementation of the AudioShake Client interface.
type HTTPClient struct {
	token        string
	baseURL      string
	callbackURL  string
	httpClient   *http.Client
	maxRetries   int
	baseBackoff  time.Duration
	pollInterval time.Duration
	jobTimeout   time.Duration
}

// ClientOption is a function that configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithToken sets the bearer token for authentication.
func WithToken(token string) ClientOption {
	return func(hc *HTTPClient) {
		hc.token = token
	}
}

// WithBaseURL sets a custom base URL for the AudioShake API.
func WithBaseURL(url string) ClientOption {
	return func(hc *HTTPClient) {
		if url != "" {
			hc.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithCallbackURL sets the callbackUrl sent with every created job.
func WithCallbackURL(url string) ClientOption {
	return func(hc *HTTPClient) {
		hc.callbackURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(hc *HTTPClient) {
		if c != nil {
			hc.httpClient = c
		}
	}
}

// WithMaxRetries sets the maximum number of retries for transient failures.
func WithMaxRetries(n int) ClientOption {
	return func(hc *HTTPClient) {
		hc.maxRetries = n
	}
}

// WithBaseBackoff sets the initial backoff duration for retries.
func WithBaseBackoff(d time.Duration) ClientOption {
	return func(hc *HTTPClient) {
		hc.baseBackoff = d
	}
}

// WithPollInterval sets how often ProcessJob checks the job status.
func WithPollInterval(d time.Duration) ClientOption {
	return func(hc *HTTPClient) {
		if d > 0 {
			hc.pollInterval = d
		}
	}
}

// WithJobTimeout sets how long ProcessJob waits for a job to complete.
func WithJobTimeout(d time.Duration) ClientOption {
	return func(hc *HTTPClient) {
		if d > 0 {
			hc.jobTimeout = d
		}
	}
}

// NewClient creates a new AudioShake HTTP client.
// The token can be set via the WithToken option. If not provided,
// it is read from the environment variable AUDIOSHAKE_API_TOKEN.
func NewClient(opts ...ClientOption) (*HTTPClient, error) {
	c := &HTTPClient{
		baseURL:      DefaultBaseURL,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		maxRetries:   3,
		baseBackoff:  1 * time.Second,
		pollInterval: 5 * time.Second,
		jobTimeout:   600 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.token == "" {
		c.token = os.Getenv("AUDIOSHAKE_API_TOKEN")
	}
	if c.token == "" {
		return nil, ErrTokenNotSet
	}

	return c, nil
}

// Upload sends a local file to POST /upload/ and returns the asset ID.
func (c *HTTPClient) Upload(ctx context.Context, path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", apperrors.IO("audioshake upload", path, err)
	}

	var resp uploadResponse
	if err := c.doRequestWithRetry(ctx, http.MethodPost, c.baseURL+"/upload/", multipartFile(path), &resp); err != nil {
		return "", apperrors.Remote("audioshake upload", err)
	}
	if resp.ID == "" {
		return "", apperrors.Remote("audioshake upload", ErrNoIDReturned)
	}
	return resp.ID, nil
}

// CreateJob starts a job on POST /job/ and returns the job ID.
func (c *HTTPClient) CreateJob(ctx context.Context, assetID string, meta Metadata) (string, error) {
	if assetID == "" {
		return "", apperrors.Remote("audioshake create job", ErrAssetIDRequired)
	}

	body, err := json.Marshal(createJobRequest{
		AssetID:     assetID,
		Metadata:    meta,
		CallbackURL: c.callbackURL,
	})
	if err != nil {
		return "", apperrors.Remote("audioshake create job", fmt.Errorf("marshal request: %w", err))
	}

	var resp jobEnvelope
	if err := c.doRequestWithRetry(ctx, http.MethodPost, c.baseURL+"/job/", jsonBody(body), &resp); err != nil {
		return "", apperrors.Remote("audioshake create job", err)
	}
	if resp.Job.ID == "" {
		return "", apperrors.Remote("audioshake create job", ErrNoIDReturned)
	}
	return resp.Job.ID, nil
}

// GetJob fetches GET /job/{id}.
func (c *HTTPClient) GetJob(ctx context.Context, jobID string) (Job, error) {
	if jobID == "" {
		return Job{}, apperrors.Remote("audioshake get job", ErrJobIDRequired)
	}

	var resp jobEnvelope
	if err := c.doRequestWithRetry(ctx, http.MethodGet, c.baseURL+"/job/"+jobID, nil, &resp); err != nil {
		return Job{}, apperrors.Remote("audioshake get job", err)
	}
	if resp.Job.ID == "" {
		resp.Job.ID = jobID
	}
	return resp.Job, nil
}

// ProcessJob uploads path, creates a job and polls until it completes.
func (c *HTTPClient) ProcessJob(ctx context.Context, path string, meta Metadata) ([]OutputAsset, error) {
	assetID, err := c.Upload(ctx, path)
	if err != nil {
		return nil, err
	}
	jobID, err := c.CreateJob(ctx, assetID, meta)
	if err != nil {
		return nil, err
	}
	return c.WaitForJob(ctx, jobID)
}

// WaitForJob polls a job every poll interval until it reaches a terminal
// state or the job timeout elapses.
func (c *HTTPClient) WaitForJob(ctx context.Context, jobID string) ([]OutputAsset, error) {
	ctx, cancel := context.WithTimeout(ctx, c.jobTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		job, err := c.GetJob(ctx, jobID)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, apperrors.Remote("audioshake wait", fmt.Errorf("%w: job %s after %s", ErrJobTimeout, jobID, c.jobTimeout))
			}
			return nil, err
		}

		switch job.Status {
		case StatusCompleted:
			var assets []OutputAsset
			for _, a := range job.OutputAssets {
				if a.Link != "" {
					assets = append(assets, a)
				}
			}
			if len(assets) == 0 {
				return nil, apperrors.Remote("audioshake wait", fmt.Errorf("%w: job %s", ErrNoOutputAssets, jobID))
			}
			return assets, nil
		case StatusFailed, StatusError:
			msg := string(job.Status)
			if job.Error != "" {
				msg += ": " + job.Error
			}
			return nil, apperrors.Remote("audioshake wait", fmt.Errorf("%w: job %s: %s", ErrJobFailed, jobID, msg))
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, apperrors.Remote("audioshake wait", fmt.Errorf("%w: job %s after %s", ErrJobTimeout, jobID, c.jobTimeout))
			}
			return nil, apperrors.Remote("audioshake wait", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Download fetches an asset link into destPath. Links are pre-signed, so
// no authorization header is sent.
func (c *HTTPClient) Download(ctx context.Context, link, destPath string) error {
	if link == "" {
		return apperrors.Remote("audioshake download", ErrNoOutputAssets)
	}

	err := c.retry(ctx, func() error {
		return c.download(ctx, link, destPath)
	})
	if err != nil {
		return apperrors.Remote("audioshake download", err)
	}
	return nil
}

func (c *HTTPClient) download(ctx context.Context, link, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return fmt.Errorf("create download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &retryableError{err: fmt.Errorf("download request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp); err != nil {
		return err
	}

	out, err := os.Create(destPath) // #nosec G304 - destPath is reserved by the job scope
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return &retryableError{err: fmt.Errorf("copy download data: %w", err)}
	}
	return out.Close()
}

// bodyFunc builds a fresh request body for every attempt.
type bodyFunc func() (body io.Reader, contentType string, err error)

func jsonBody(b []byte) bodyFunc {
	return func() (io.Reader, string, error) {
		return bytes.NewReader(b), "application/json", nil
	}
}

// multipartFile streams path as the "file" field of a multipart form.
func multipartFile(path string) bodyFunc {
	return func() (io.Reader, string, error) {
		f, err := os.Open(path) // #nosec G304 - path is provided by trusted caller
		if err != nil {
			return nil, "", err
		}

		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)
		go func() {
			defer func() { _ = f.Close() }()
			part, err := mw.CreateFormFile("file", filepath.Base(path))
			if err == nil {
				_, err = io.Copy(part, f)
			}
			if err == nil {
				err = mw.Close()
			}
			_ = pw.CloseWithError(err)
		}()
		return pr, mw.FormDataContentType(), nil
	}
}

// doRequestWithRetry performs an API request with exponential backoff retry.
func (c *HTTPClient) doRequestWithRetry(ctx context.Context, method, url string, body bodyFunc, result interface{}) error {
	return c.retry(ctx, func() error {
		return c.doRequest(ctx, method, url, body, result)
	})
}

// retry runs fn until it succeeds, fails permanently or the retry budget
// is spent. Only retryableError failures are retried.
func (c *HTTPClient) retry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseBackoff
	b.MaxElapsedTime = 0

	retries := c.maxRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)

	err := backoff.Retry(func() error {
		err := fn()
		if err != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err != nil && isRetryable(err) {
		return fmt.Errorf("audioshake: max retries exceeded: %w", err)
	}
	return err
}

// doRequest performs a single API request.
func (c *HTTPClient) doRequest(ctx context.Context, method, url string, body bodyFunc, result interface{}) error {
	var (
		bodyReader  io.Reader
		contentType string
	)
	if body != nil {
		var err error
		bodyReader, contentType, err = body()
		if err != nil {
			return fmt.Errorf("audioshake: build request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		// the transport never saw the body, so stop a streaming writer here
		if c, ok := bodyReader.(io.Closer); ok {
			_ = c.Close()
		}
		return fmt.Errorf("audioshake: create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &retryableError{err: fmt.Errorf("audioshake: request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp); err != nil {
		return err
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &retryableError{err: fmt.Errorf("audioshake: read response: %w", err)}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("audioshake: unmarshal response: %w", err)
		}
	}

	return nil
}

// checkStatus maps non-2xx responses to errors. 5xx and 429 are retryable.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 500 {
		return &retryableError{err: fmt.Errorf("%w %d: %s", ErrServerError, resp.StatusCode, string(snippet))}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &retryableError{err: fmt.Errorf("%w: %s", ErrRateLimited, string(snippet))}
	}
	return fmt.Errorf("%w with status %d: %s", ErrRequestFailed, resp.StatusCode, string(snippet))
}

// retryableError wraps errors that should be retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// isRetryable returns true if the error should be retried.
func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
