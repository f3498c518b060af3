package storage

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// ErrScopeReleased is returned when a resource is registered after Release.
var ErrScopeReleased = errors.New("storage: scope already released")

// Scope owns the temporary files of one job run. Every file is registered
// when it is created and removed exactly once by Release, whatever way the
// run ends. Release is idempotent and never fails; removal errors are logged.
type Scope struct {
	mu       sync.Mutex
	dir      string
	logger   *slog.Logger
	paths    []string
	tracked  map[string]bool
	removed  int
	released bool
}

func newScope(jobID, dir string, logger *slog.Logger) *Scope {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scope{
		dir:     dir,
		logger:  logger.With(slog.String("job_id", jobID)),
		tracked: make(map[string]bool),
	}
}

// Dir returns the job directory that holds the scope's files.
func (s *Scope) Dir() string {
	return s.dir
}

// NewPath reserves a unique file in the job directory and registers it.
// The pattern follows os.CreateTemp, e.g. "segment_003_*.wav".
func (s *Scope) NewPath(pattern string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return "", ErrScopeReleased
	}
	f, err := os.CreateTemp(s.dir, pattern)
	if err != nil {
		return "", fmt.Errorf("reserve temp file: %w", err)
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	s.register(path)
	return path, nil
}

// Track registers a file produced outside the scope, such as a download
// or transcoder output, so Release removes it.
func (s *Scope) Track(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return ErrScopeReleased
	}
	s.register(path)
	return nil
}

func (s *Scope) register(path string) {
	if s.tracked[path] {
		return
	}
	s.tracked[path] = true
	s.paths = append(s.paths, path)
	s.logger.Debug("temp resource registered", slog.String("path", path))
}

// Created returns the number of registered resources.
func (s *Scope) Created() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.paths)
}

// Removed returns the number of resources released so far.
func (s *Scope) Removed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed
}

// Paths returns the registered resources in creation order.
func (s *Scope) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

// Released reports whether Release has run.
func (s *Scope) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Release removes every registered resource, newest first, then the job
// directory. Calling it again is a no-op.
func (s *Scope) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return
	}
	s.released = true

	for i := len(s.paths) - 1; i >= 0; i-- {
		if err := removeFile(s.paths[i]); err != nil {
			s.logger.Warn("failed to remove temp resource",
				slog.String("path", s.paths[i]),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.removed++
	}

	if err := os.RemoveAll(s.dir); err != nil {
		s.logger.Warn("failed to remove job directory",
			slog.String("dir", s.dir),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Debug("temp resources released",
		slog.Int("created", len(s.paths)),
		slog.Int("removed", s.removed),
	)
}

// Publish moves src to dst atomically. When src and dst are on different
// filesystems the data is copied to a temporary sibling of dst and renamed,
// so dst is either absent or complete.
func Publish(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("move %s to %s: %w", src, dst, err)
	}

	in, err := os.Open(src) // #nosec G304 - src is a scope-owned temp file
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	_ = os.Remove(src)
	return nil
}
