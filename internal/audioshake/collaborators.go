package audioshake

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/audioshaker/audioshake-smart-mute/internal/apperrors"
	"github.com/audioshaker/audioshake-smart-mute/internal/segment"
	"github.com/audioshaker/audioshake-smart-mute/internal/storage"
)

// SelectAsset picks the asset whose name carries the wanted format
// extension, falling back to the first asset.
func SelectAsset(assets []OutputAsset, format string) (OutputAsset, bool) {
	if len(assets) == 0 {
		return OutputAsset{}, false
	}
	want := "." + strings.ToLower(format)
	for _, a := range assets {
		if strings.ToLower(path.Ext(a.Name)) == want {
			return a, true
		}
	}
	return assets[0], true
}

// fetch runs meta over src and downloads the chosen asset into the scope.
func fetch(ctx context.Context, client Client, src string, meta Metadata, pattern string, scope *storage.Scope) (string, error) {
	assets, err := client.ProcessJob(ctx, src, meta)
	if err != nil {
		return "", err
	}
	asset, ok := SelectAsset(assets, meta.Format)
	if !ok {
		return "", apperrors.Remote(meta.Name, ErrNoOutputAssets)
	}

	dst, err := scope.NewPath(pattern)
	if err != nil {
		return "", apperrors.IO(meta.Name, src, err)
	}
	if err := client.Download(ctx, asset.Link, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func stem(p string) string {
	return strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
}

// Detector finds music-only time ranges with the music_detection model.
type Detector struct {
	client Client
	logger *slog.Logger
}

// NewDetector creates a new Detector.
func NewDetector(client Client, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{client: client, logger: logger}
}

// Detect runs one detection job for wavPath and returns the segments in
// the order the service reported them. The downloaded JSON asset is
// registered with the scope.
func (d *Detector) Detect(ctx context.Context, wavPath string, scope *storage.Scope) ([]segment.Segment, error) {
	assetPath, err := fetch(ctx, d.client, wavPath, MusicDetection, stem(wavPath)+"_music_detection_*.json", scope)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(assetPath) // #nosec G304 - path is reserved by the job scope
	if err != nil {
		return nil, apperrors.IO("read detection", assetPath, err)
	}
	defer func() { _ = f.Close() }()

	segs, err := segment.ParseEvents(f)
	if err != nil {
		return nil, err
	}

	d.logger.Info("music detection complete",
		slog.String("path", wavPath),
		slog.Int("segments", len(segs)),
	)
	return segs, nil
}

// Remover strips music from a segment with the music_removal model.
type Remover struct {
	client Client
	logger *slog.Logger
}

// NewRemover creates a new Remover.
func NewRemover(client Client, logger *slog.Logger) *Remover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Remover{client: client, logger: logger}
}

// RemoveMusic uploads the segment WAV at wavPath and returns the path of
// the processed WAV, registered with the scope.
func (r *Remover) RemoveMusic(ctx context.Context, wavPath string, scope *storage.Scope) (string, error) {
	out, err := fetch(ctx, r.client, wavPath, MusicRemoval, stem(wavPath)+"_music_removal_*.wav", scope)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(out)
	if err != nil {
		return "", apperrors.IO("remove music", out, err)
	}
	if info.Size() == 0 {
		return "", apperrors.Remote("remove music", fmt.Errorf("empty asset for %s", filepath.Base(wavPath)))
	}

	r.logger.Debug("music removed",
		slog.String("segment_path", wavPath),
		slog.String("processed_path", out),
	)
	return out, nil
}
