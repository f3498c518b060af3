// Package batch runs the smart mute pipeline over many files. Every file is
// processed by its own child process; a bounded number of children run at
// once and a failed file may be retried once.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/audioshaker/audioshake-smart-mute/internal/job"
	"github.com/audioshaker/audioshake-smart-mute/internal/media"
)

// DefaultParallel is the worker count used when none is configured.
const DefaultParallel = 4

// Static errors for batch runs.
var (
	// ErrNoFiles is returned by Discover when a directory holds no supported media.
	ErrNoFiles = errors.New("no supported media files found")
	// ErrOutputCollision is reported for inputs that would publish to the
	// same output path, e.g. talk.wav and talk.mp3.
	ErrOutputCollision = errors.New("output path shared with another input")
)

// Launcher processes one file to completion.
type Launcher interface {
	Launch(ctx context.Context, file string) error
}

// ExitError reports a child process that exited unsuccessfully.
type ExitError struct {
	File string
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: exit status %d", e.File, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExecLauncher starts Path with Args followed by the file name.
type ExecLauncher struct {
	Path   string
	Args   []string
	Stdout io.Writer
	Stderr io.Writer
}

// NewSelfLauncher returns a launcher that re-executes the running binary.
func NewSelfLauncher(args []string, stdout, stderr io.Writer) (*ExecLauncher, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &ExecLauncher{Path: self, Args: args, Stdout: stdout, Stderr: stderr}, nil
}

// Launch runs the child and waits for it. The child inherits the environment.
func (l *ExecLauncher) Launch(ctx context.Context, file string) error {
	args := append(append([]string{}, l.Args...), file)
	cmd := exec.CommandContext(ctx, l.Path, args...) // #nosec G204 - path is our own executable
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{File: file, Code: exitErr.ExitCode(), Err: err}
	}
	return fmt.Errorf("start %s: %w", l.Path, err)
}

// Result is the outcome of one file.
type Result struct {
	File     string
	Attempts int
	Err      error
	Elapsed  time.Duration
}

// OK reports whether the file was processed successfully.
func (r Result) OK() bool {
	return r.Err == nil
}

// Runner fans files out to a Launcher.
type Runner struct {
	launcher Launcher
	parallel int
	retry    bool
	logger   *slog.Logger
}

// Option is a functional option for configuring the Runner.
type Option func(*Runner)

// WithParallel sets the maximum number of concurrent children.
func WithParallel(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.parallel = n
		}
	}
}

// WithRetry enables one retry for each failed file.
func WithRetry(retry bool) Option {
	return func(r *Runner) {
		r.retry = retry
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner creates a new Runner.
func NewRunner(launcher Launcher, opts ...Option) *Runner {
	r := &Runner{
		launcher: launcher,
		parallel: DefaultParallel,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes every file and returns one result per file in input order.
// A failure never stops the other files. Files whose outputs would
// overwrite each other fail without being launched.
func (r *Runner) Run(ctx context.Context, files []string) []Result {
	results := make([]Result, len(files))
	sem := make(chan struct{}, r.parallel)
	var wg sync.WaitGroup

	outputs := make(map[string]int, len(files))
	for _, file := range files {
		outputs[job.OutputPathFor(file)]++
	}

	for i, file := range files {
		if out := job.OutputPathFor(file); outputs[out] > 1 {
			r.logger.Warn("skipping file with shared output",
				slog.String("file", file),
				slog.String("output", out),
			)
			results[i] = Result{File: file, Err: fmt.Errorf("%w: %s", ErrOutputCollision, out)}
			continue
		}

		wg.Add(1)
		go func(i int, file string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i] = Result{File: file, Err: ctx.Err()}
				return
			}
			defer func() { <-sem }()

			results[i] = r.process(ctx, file)
		}(i, file)
	}
	wg.Wait()

	return results
}

func (r *Runner) process(ctx context.Context, file string) Result {
	logger := r.logger.With(slog.String("file", file))
	start := time.Now()

	attempts := 1
	if r.retry {
		attempts = 2
	}

	res := Result{File: file}
	for res.Attempts < attempts {
		res.Attempts++
		logger.Info("processing file", slog.Int("attempt", res.Attempts))

		res.Err = r.launcher.Launch(ctx, file)
		if res.Err == nil || ctx.Err() != nil {
			break
		}
		logger.Warn("file failed",
			slog.Int("attempt", res.Attempts),
			slog.String("error", res.Err.Error()),
		)
	}
	res.Elapsed = time.Since(start)

	if res.OK() {
		logger.Info("file done", slog.Duration("elapsed", res.Elapsed))
	}
	return res
}

// Discover lists the supported media files directly inside dir, sorted by
// name. Outputs of earlier runs are skipped.
func Discover(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !media.IsSupported(e.Name()) {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if strings.HasSuffix(stem, job.OutputSuffix) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoFiles)
	}

	sort.Strings(files)
	return files, nil
}

// WriteResults prints one line per result and returns the failure count.
func WriteResults(w io.Writer, results []Result) int {
	failed := 0
	for _, res := range results {
		if res.OK() {
			_, _ = fmt.Fprintf(w, "OK     %s -> %s (%s)\n", res.File, job.OutputPathFor(res.File), res.Elapsed.Round(time.Millisecond))
			continue
		}
		failed++
		_, _ = fmt.Fprintf(w, "FAILED %s (attempts: %d): %v\n", res.File, res.Attempts, res.Err)
	}
	_, _ = fmt.Fprintf(w, "%d succeeded, %d failed\n", len(results)-failed, failed)
	return failed
}
