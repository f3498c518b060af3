package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tcolgate/mp3"

	"github.com/audioshaker/audioshake-smart-mute/internal/apperrors"
	"github.com/audioshaker/audioshake-smart-mute/internal/storage"
)

// Supported input extensions, lower case with the leading dot.
var supportedExts = map[string]bool{
	".wav": true,
	".mp3": true,
	".m4a": true,
	".mp4": true,
	".mov": true,
}

// IsSupported reports whether path has a supported input extension.
func IsSupported(path string) bool {
	return supportedExts[strings.ToLower(filepath.Ext(path))]
}

// IsWAV reports whether path has a WAV extension.
func IsWAV(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".wav")
}

// Adapter normalizes job inputs to WAV and finalizes outputs, registering
// every file it produces with the job's scope.
type Adapter struct {
	transcoder Transcoder
	logger     *slog.Logger
}

// NewAdapter creates a new Adapter.
func NewAdapter(transcoder Transcoder, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{transcoder: transcoder, logger: logger}
}

// NormalizeToWAV returns a WAV path for the input. WAV inputs are returned
// unchanged with isTemporary false. Anything else is transcoded into the
// scope and returned with isTemporary true.
func (a *Adapter) NormalizeToWAV(ctx context.Context, path string, scope *storage.Scope) (wavPath string, isTemporary bool, err error) {
	if IsWAV(path) {
		return path, false, nil
	}
	if !IsSupported(path) {
		return "", false, apperrors.Format("normalize", path, fmt.Sprintf("unsupported extension %q", filepath.Ext(path)))
	}

	if err := a.probeSource(ctx, path); err != nil {
		return "", false, err
	}

	dst, err := scope.NewPath(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + "_input_*.wav")
	if err != nil {
		return "", false, apperrors.IO("normalize", path, err)
	}
	if err := a.convert(ctx, "normalize", path, dst, func() error {
		return a.transcoder.ToWAV(ctx, path, dst, WAVOptions{})
	}); err != nil {
		return "", false, err
	}

	a.logger.Info("input converted to WAV",
		slog.String("input", path),
		slog.String("wav", dst),
	)
	return dst, true, nil
}

// Conform transcodes a WAV into the given sample rate and channel count.
// It is used when a collaborator returns audio in a layout other than
// the one being spliced.
func (a *Adapter) Conform(ctx context.Context, path string, sampleRate, channels int, scope *storage.Scope) (string, error) {
	dst, err := scope.NewPath("conformed_*.wav")
	if err != nil {
		return "", apperrors.IO("conform", path, err)
	}
	if err := a.convert(ctx, "conform", path, dst, func() error {
		return a.transcoder.ToWAV(ctx, path, dst, WAVOptions{SampleRate: sampleRate, Channels: channels})
	}); err != nil {
		return "", err
	}
	return dst, nil
}

// FinalizeOutput converts the finished WAV into the desired extension.
// For "wav" it returns wavPath unchanged.
func (a *Adapter) FinalizeOutput(ctx context.Context, wavPath, desiredExt string, scope *storage.Scope) (string, error) {
	ext := "." + strings.TrimPrefix(strings.ToLower(desiredExt), ".")
	if ext == ".wav" {
		return wavPath, nil
	}

	dst, err := scope.NewPath("output_*" + ext)
	if err != nil {
		return "", apperrors.IO("finalize", wavPath, err)
	}
	if err := a.convert(ctx, "finalize", wavPath, dst, func() error {
		return a.transcoder.FromWAV(ctx, wavPath, dst)
	}); err != nil {
		return "", err
	}
	return dst, nil
}

// convert runs fn and checks that dst was produced and is not empty.
func (a *Adapter) convert(ctx context.Context, op, src, dst string, fn func() error) error {
	if err := fn(); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return apperrors.Conversion(op, src, err)
	}
	info, err := os.Stat(dst)
	if err != nil {
		return apperrors.Conversion(op, src, fmt.Errorf("no output produced: %w", err))
	}
	if info.Size() == 0 {
		return apperrors.Conversion(op, src, errors.New("transcoder produced an empty file"))
	}
	return nil
}

// probeSource logs the input duration for diagnostics. MP3 inputs are
// scanned frame by frame and rejected when no frame decodes; other
// containers are probed with the transcoder on a best-effort basis.
func (a *Adapter) probeSource(ctx context.Context, path string) error {
	var (
		seconds float64
		err     error
	)
	if strings.EqualFold(filepath.Ext(path), ".mp3") {
		var d time.Duration
		if d, err = MP3Duration(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return apperrors.IO("normalize", path, err)
			}
			return apperrors.Format("normalize", path, err.Error())
		}
		seconds = d.Seconds()
	} else if seconds, err = a.transcoder.Duration(ctx, path); err != nil {
		a.logger.Debug("could not determine source duration",
			slog.String("input", path),
			slog.String("error", err.Error()),
		)
		return nil
	}
	a.logger.Info("source media",
		slog.String("input", path),
		slog.Float64("duration_sec", seconds),
	)
	return nil
}

// ErrNoMP3Frames is returned when an MP3 file contains no decodable frames.
var ErrNoMP3Frames = errors.New("no MPEG audio frames found")

// MP3Duration sums the frame durations of an MP3 file.
func MP3Duration(path string) (time.Duration, error) {
	f, err := os.Open(path) // #nosec G304 - path is provided by trusted caller
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	d := mp3.NewDecoder(f)
	var (
		frame   mp3.Frame
		skipped int
		total   time.Duration
		frames  int
	)
	for {
		if err := d.Decode(&frame, &skipped); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			if frames > 0 {
				break
			}
			return 0, err
		}
		frames++
		total += frame.Duration()
	}
	if frames == 0 {
		return 0, ErrNoMP3Frames
	}
	return total, nil
}
