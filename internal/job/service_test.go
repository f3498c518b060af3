package job

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/audioshaker/audioshake-smart-mute/internal/apperrors"
	"github.com/audioshaker/audioshake-smart-mute/internal/audio"
	"github.com/audioshaker/audioshake-smart-mute/internal/media"
	"github.com/audioshaker/audioshake-smart-mute/internal/segment"
	"github.com/audioshaker/audioshake-smart-mute/internal/storage"
)

const testRate = 16000

type mockDetector struct {
	mock.Mock
}

func (m *mockDetector) Detect(ctx context.Context, wavPath string, scope *storage.Scope) ([]segment.Segment, error) {
	args := m.Called(ctx, wavPath, scope)
	segs, _ := args.Get(0).([]segment.Segment)
	return segs, args.Error(1)
}

// writesAsset registers a detection asset with the scope, as the real
// detector does.
func writesAsset(args mock.Arguments) {
	scope := args.Get(2).(*storage.Scope)
	_, _ = scope.NewPath("detection_*.json")
}

// fakeRemover loads the extracted segment, applies transform and writes
// the result into the scope. Call failOn (1-based) fails with a remote error.
type fakeRemover struct {
	mu        sync.Mutex
	transform func(call int, in *audio.Waveform) (*audio.Waveform, error)
	failOn    int
	calls     int
	inputs    []*audio.Waveform
}

func (r *fakeRemover) RemoveMusic(_ context.Context, wavPath string, scope *storage.Scope) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls++
	if r.calls == r.failOn {
		return "", apperrors.Remote("remove music", errors.New("connection reset by peer"))
	}

	in, err := audio.Load(wavPath)
	if err != nil {
		return "", err
	}
	r.inputs = append(r.inputs, in)

	out := in
	if r.transform != nil {
		if out, err = r.transform(r.calls, in); err != nil {
			return "", err
		}
	}

	path, err := scope.NewPath("processed_*.wav")
	if err != nil {
		return "", err
	}
	return path, audio.Save(out, path)
}

// silenceFor replaces every segment with silence of the same length.
func silenceFor(_ int, in *audio.Waveform) (*audio.Waveform, error) {
	return audio.Silence(in.SampleRate(), in.Channels(), in.BitDepth(), in.Frames())
}

func constantWave(sampleRate, frames, value int) (*audio.Waveform, error) {
	samples := make([]int, frames)
	for i := range samples {
		samples[i] = value
	}
	return audio.New(sampleRate, 1, 16, samples)
}

// rampWave builds a mono 16-bit waveform with distinct non-zero samples.
func rampWave(t *testing.T, seconds float64) *audio.Waveform {
	t.Helper()
	frames := int(math.Round(seconds * testRate))
	samples := make([]int, frames)
	for i := range samples {
		samples[i] = (i % 30000) + 1
	}
	w, err := audio.New(testRate, 1, 16, samples)
	require.NoError(t, err)
	return w
}

type harness struct {
	svc      *MuteService
	repo     *MemoryRepository
	store    *storage.LocalStorage
	detector *mockDetector
	remover  *fakeRemover
	inputDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	h := &harness{
		repo:     NewMemoryRepository(),
		store:    store,
		detector: new(mockDetector),
		remover:  &fakeRemover{},
		inputDir: t.TempDir(),
	}
	h.svc = NewMuteService(h.repo, store, media.NewAdapter(nil, logger), h.detector, h.remover, logger)
	return h
}

func (h *harness) detects(segs ...segment.Segment) {
	h.detector.On("Detect", mock.Anything, mock.Anything, mock.Anything).Run(writesAsset).Return(segs, nil)
}

func (h *harness) writeInput(t *testing.T, name string, w *audio.Waveform) string {
	t.Helper()
	path := filepath.Join(h.inputDir, name)
	require.NoError(t, audio.Save(w, path))
	return path
}

// assertNoTempFiles checks that every job scope was released.
func (h *harness) assertNoTempFiles(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.store.TempDir())
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary files left behind")
}

func TestNewMuteService(t *testing.T) {
	svc := NewMuteService(NewMemoryRepository(), nil, nil, nil, nil, nil)
	require.NotNil(t, svc)
	assert.NotNil(t, svc.logger)
	assert.Equal(t, DefaultLengthTolerance, svc.tolerance)

	svc.SetLengthTolerance(-1)
	assert.Equal(t, DefaultLengthTolerance, svc.tolerance)
	svc.SetLengthTolerance(0)
	assert.Zero(t, svc.tolerance)
}

func TestMuteService_SilencesDetectedSegment(t *testing.T) {
	h := newHarness(t)
	in := rampWave(t, 10)
	path := h.writeInput(t, "speech.wav", in)
	h.detects(segment.New(2.0, 4.0))
	h.remover.transform = silenceFor

	out, err := h.svc.Run(context.Background(), MuteInput{InputPath: path})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, out.Status)
	assert.Equal(t, 1, out.Segments)
	assert.Equal(t, filepath.Join(h.inputDir, "speech_smart_mute.wav"), out.OutputPath)

	result, err := audio.Load(out.OutputPath)
	require.NoError(t, err)
	require.Equal(t, in.Frames(), result.Frames())
	assert.InDelta(t, 10.0, result.Duration(), 1e-9)

	want, got := in.Samples(), result.Samples()
	assert.Equal(t, want[:32000], got[:32000])
	assert.Equal(t, make([]int, 32000), got[32000:64000])
	assert.Equal(t, want[64000:], got[64000:])

	// the input is untouched
	reloaded, err := audio.Load(path)
	require.NoError(t, err)
	assert.True(t, reloaded.Equal(in))

	stored, err := h.repo.FindByID(context.Background(), out.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, stored.Status)
	assert.Equal(t, 100, stored.Progress)
	require.Len(t, stored.Segments, 1)
	assert.Equal(t, segment.StatusSpliced, stored.Segments[0].Status)

	h.assertNoTempFiles(t)
}

func TestMuteService_AdjacentSegments(t *testing.T) {
	h := newHarness(t)
	in := rampWave(t, 5)
	path := h.writeInput(t, "adjacent.wav", in)
	h.detects(segment.New(1.0, 2.0), segment.New(2.0, 3.0))
	h.remover.transform = func(call int, in *audio.Waveform) (*audio.Waveform, error) {
		return constantWave(in.SampleRate(), in.Frames(), 1000*call)
	}

	out, err := h.svc.Run(context.Background(), MuteInput{InputPath: path})
	require.NoError(t, err)

	result, err := audio.Load(out.OutputPath)
	require.NoError(t, err)
	require.Equal(t, in.Frames(), result.Frames())

	got := result.Samples()
	assert.Equal(t, in.Samples()[:16000], got[:16000])
	assert.Equal(t, 1000, got[16000])
	assert.Equal(t, 1000, got[31999])
	assert.Equal(t, 2000, got[32000])
	assert.Equal(t, 2000, got[47999])
	assert.Equal(t, in.Samples()[48000:], got[48000:])

	// each extraction is exactly one second and the second one sees the
	// waveform after the first splice
	require.Len(t, h.remover.inputs, 2)
	assert.Equal(t, 16000, h.remover.inputs[0].Frames())
	assert.Equal(t, 16000, h.remover.inputs[1].Frames())
	assert.Equal(t, in.Samples()[32000:48000], h.remover.inputs[1].Samples())

	h.assertNoTempFiles(t)
}

func TestMuteService_ShortReplacementIsPadded(t *testing.T) {
	h := newHarness(t)
	in := rampWave(t, 10)
	path := h.writeInput(t, "short.wav", in)
	h.detects(segment.New(2.0, 4.0))

	short := int(0.05 * testRate)
	h.remover.transform = func(_ int, in *audio.Waveform) (*audio.Waveform, error) {
		return constantWave(in.SampleRate(), in.Frames()-short, 500)
	}

	out, err := h.svc.Run(context.Background(), MuteInput{InputPath: path})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, out.Status)

	result, err := audio.Load(out.OutputPath)
	require.NoError(t, err)
	require.Equal(t, in.Frames(), result.Frames())

	got := result.Samples()
	assert.Equal(t, 500, got[32000])
	assert.Equal(t, 500, got[64000-short-1])
	assert.Equal(t, make([]int, short), got[64000-short:64000])
	assert.Equal(t, in.Samples()[64000:], got[64000:])

	stored, err := h.repo.FindByID(context.Background(), out.JobID)
	require.NoError(t, err)
	assert.Equal(t, short, stored.Segments[0].PaddedFrames)
}

func TestMuteService_LengthBeyondTolerance(t *testing.T) {
	h := newHarness(t)
	path := h.writeInput(t, "long.wav", rampWave(t, 10))
	h.detects(segment.New(2.0, 4.0))
	h.remover.transform = func(_ int, in *audio.Waveform) (*audio.Waveform, error) {
		return constantWave(in.SampleRate(), in.Frames()-int(0.2*testRate), 500)
	}

	out, err := h.svc.Run(context.Background(), MuteInput{InputPath: path})
	assert.ErrorIs(t, err, apperrors.ErrLengthMismatch)
	assert.Equal(t, StatusFailed, out.Status)
	assert.NoFileExists(t, OutputPathFor(path))
	h.assertNoTempFiles(t)
}

func TestMuteService_ToleranceIsConfigurable(t *testing.T) {
	h := newHarness(t)
	h.svc.SetLengthTolerance(0)
	path := h.writeInput(t, "strict.wav", rampWave(t, 3))
	h.detects(segment.New(1.0, 2.0))
	h.remover.transform = func(_ int, in *audio.Waveform) (*audio.Waveform, error) {
		return constantWave(in.SampleRate(), in.Frames()-1, 0)
	}

	_, err := h.svc.Run(context.Background(), MuteInput{InputPath: path})
	assert.ErrorIs(t, err, apperrors.ErrLengthMismatch)
}

func TestMuteService_RemoverFailure(t *testing.T) {
	h := newHarness(t)
	path := h.writeInput(t, "network.wav", rampWave(t, 6))
	h.detects(segment.New(1.0, 2.0), segment.New(3.0, 4.0))
	h.remover.transform = silenceFor
	h.remover.failOn = 2

	out, err := h.svc.Run(context.Background(), MuteInput{InputPath: path})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrRemote)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Empty(t, out.OutputPath)

	assert.NoFileExists(t, OutputPathFor(path))
	h.assertNoTempFiles(t)

	stored, err := h.repo.FindByID(context.Background(), out.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, "remote error", stored.ErrorKind)
	assert.NotEmpty(t, stored.Error)
	assert.Equal(t, segment.StatusSpliced, stored.Segments[0].Status)
	assert.Equal(t, segment.StatusExtracted, stored.Segments[1].Status)
}

func TestMuteService_DetectionFailure(t *testing.T) {
	h := newHarness(t)
	path := h.writeInput(t, "detect.wav", rampWave(t, 2))
	h.detector.On("Detect", mock.Anything, mock.Anything, mock.Anything).
		Run(writesAsset).
		Return(nil, apperrors.Remote("music_detection", errors.New("503")))

	out, err := h.svc.Run(context.Background(), MuteInput{InputPath: path})
	assert.ErrorIs(t, err, apperrors.ErrRemote)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Zero(t, h.remover.calls)
	assert.NoFileExists(t, OutputPathFor(path))
	h.assertNoTempFiles(t)
}

func TestMuteService_MalformedSegments(t *testing.T) {
	tests := []struct {
		name string
		segs []segment.Segment
	}{
		{"end before start", []segment.Segment{segment.New(3.0, 2.0)}},
		{"empty", []segment.Segment{segment.New(2.0, 2.0)}},
		{"negative start", []segment.Segment{segment.New(-0.5, 1.0)}},
		{"past the end", []segment.Segment{segment.New(4.0, 5.5)}},
		{"NaN", []segment.Segment{segment.New(math.NaN(), 1.0)}},
		{"overlapping", []segment.Segment{segment.New(1.0, 2.5), segment.New(2.0, 3.0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			path := h.writeInput(t, "bad.wav", rampWave(t, 5))
			h.detects(tt.segs...)

			out, err := h.svc.Run(context.Background(), MuteInput{InputPath: path})
			assert.ErrorIs(t, err, apperrors.ErrInvalidSegment)
			assert.Equal(t, StatusFailed, out.Status)
			assert.Zero(t, h.remover.calls)
			assert.NoFileExists(t, OutputPathFor(path))
			h.assertNoTempFiles(t)
		})
	}
}

func TestMuteService_NoSegmentsPassthrough(t *testing.T) {
	h := newHarness(t)
	in := rampWave(t, 3)
	path := h.writeInput(t, "clean.wav", in)
	h.detects()

	out, err := h.svc.Run(context.Background(), MuteInput{InputPath: path})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Segments)
	assert.Zero(t, h.remover.calls)

	result, err := audio.Load(out.OutputPath)
	require.NoError(t, err)
	assert.True(t, result.Equal(in))
	h.assertNoTempFiles(t)
}

func TestMuteService_IdentityReplacement(t *testing.T) {
	h := newHarness(t)
	in := rampWave(t, 4)
	path := h.writeInput(t, "identity.wav", in)
	h.detects(segment.New(0.5, 1.25), segment.New(2.0, 4.0))

	out, err := h.svc.Run(context.Background(), MuteInput{InputPath: path})
	require.NoError(t, err)

	result, err := audio.Load(out.OutputPath)
	require.NoError(t, err)
	assert.True(t, result.Equal(in))
}

func TestMuteService_StatusProgression(t *testing.T) {
	h := newHarness(t)
	rec := &recordingRepository{MemoryRepository: NewMemoryRepository()}
	h.svc.repo = rec
	path := h.writeInput(t, "steps.wav", rampWave(t, 4))
	h.detects(segment.New(1.0, 2.0), segment.New(2.5, 3.0))

	_, err := h.svc.Run(context.Background(), MuteInput{InputPath: path})
	require.NoError(t, err)

	assert.Equal(t, []Status{
		StatusPending,
		StatusLoaded,
		StatusDetecting,
		StatusExtracting, StatusRemovingMusic, StatusSplicing,
		StatusExtracting, StatusRemovingMusic, StatusSplicing,
		StatusSaving,
		StatusDone,
	}, rec.distinct())
}

// recordingRepository remembers the status of every save.
type recordingRepository struct {
	*MemoryRepository
	mu       sync.Mutex
	statuses []Status
}

func (r *recordingRepository) Save(ctx context.Context, job *Job) error {
	r.mu.Lock()
	r.statuses = append(r.statuses, job.GetStatus())
	r.mu.Unlock()
	return r.MemoryRepository.Save(ctx, job)
}

// distinct collapses consecutive saves of the same status.
func (r *recordingRepository) distinct() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, s := range r.statuses {
		if len(out) == 0 || out[len(out)-1] != s {
			out = append(out, s)
		}
	}
	return out
}

func TestMuteService_CancelledContext(t *testing.T) {
	h := newHarness(t)
	path := h.writeInput(t, "cancel.wav", rampWave(t, 2))
	h.detects(segment.New(0.5, 1.0))

	job, err := h.svc.CreateJob(context.Background(), MuteInput{InputPath: path})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := h.svc.Execute(ctx, job)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusFailed, out.Status)

	stored, err := h.repo.FindByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", stored.ErrorKind)
	assert.NoFileExists(t, OutputPathFor(path))
	h.assertNoTempFiles(t)
}

func TestMuteService_CreateJob_InputChecks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateJob(ctx, MuteInput{InputPath: filepath.Join(h.inputDir, "missing.wav")})
	assert.ErrorIs(t, err, apperrors.ErrIO)

	txt := filepath.Join(h.inputDir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("hi"), 0o600))
	_, err = h.svc.CreateJob(ctx, MuteInput{InputPath: txt})
	assert.ErrorIs(t, err, apperrors.ErrFormat)

	_, err = h.svc.CreateJob(ctx, MuteInput{InputPath: h.inputDir})
	assert.ErrorIs(t, err, apperrors.ErrFormat)

	jobs, err := h.svc.ListJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestMuteService_CorruptWAV(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(h.inputDir, "corrupt.wav")
	require.NoError(t, os.WriteFile(path, []byte("this is not a riff file"), 0o600))

	out, err := h.svc.Run(context.Background(), MuteInput{InputPath: path})
	assert.ErrorIs(t, err, apperrors.ErrFormat)
	assert.Equal(t, StatusFailed, out.Status)
	h.detector.AssertNotCalled(t, "Detect", mock.Anything, mock.Anything, mock.Anything)
	h.assertNoTempFiles(t)
}

// fakeAdapter stands in for the ffmpeg-backed adapter: it "converts" any
// input to a prepared WAV and conforms by resynthesizing silence. The
// failure fields make a stage fail after it has reserved a scope file.
type fakeAdapter struct {
	converted    *audio.Waveform
	conforms     int
	conformRate  int
	conformFrame int
	normalizeErr error
	finalizeErr  error
	scope        *storage.Scope
}

func (a *fakeAdapter) NormalizeToWAV(_ context.Context, path string, scope *storage.Scope) (string, bool, error) {
	a.scope = scope
	if media.IsWAV(path) {
		return path, false, nil
	}
	dst, err := scope.NewPath("converted_*.wav")
	if err != nil {
		return "", false, err
	}
	if a.normalizeErr != nil {
		_ = os.WriteFile(dst, []byte("partial"), 0o600)
		return "", false, a.normalizeErr
	}
	return dst, true, audio.Save(a.converted, dst)
}

func (a *fakeAdapter) FinalizeOutput(_ context.Context, wavPath, _ string, scope *storage.Scope) (string, error) {
	if a.finalizeErr != nil {
		dst, err := scope.NewPath("output_*.m4a")
		if err != nil {
			return "", err
		}
		_ = os.WriteFile(dst, []byte("partial"), 0o600)
		return "", a.finalizeErr
	}
	return wavPath, nil
}

// Conform resynthesizes silence of the same duration. Files the waveform
// store cannot read are assumed to hold conformFrame frames at conformRate.
func (a *fakeAdapter) Conform(_ context.Context, path string, sampleRate, channels int, scope *storage.Scope) (string, error) {
	a.conforms++
	var seconds float64
	in, err := audio.Load(path)
	switch {
	case err == nil:
		seconds = in.Duration()
	case a.conformRate > 0:
		seconds = float64(a.conformFrame) / float64(a.conformRate)
	default:
		return "", err
	}
	frames := int(math.Round(seconds * float64(sampleRate)))
	out, err := audio.Silence(sampleRate, channels, 16, frames)
	if err != nil {
		return "", err
	}
	dst, err := scope.NewPath("conformed_*.wav")
	if err != nil {
		return "", err
	}
	return dst, audio.Save(out, dst)
}

// floatRemover answers every segment with a mono IEEE-float WAV of zeros
// of the same length.
type floatRemover struct{}

func (floatRemover) RemoveMusic(_ context.Context, wavPath string, scope *storage.Scope) (string, error) {
	in, err := audio.Load(wavPath)
	if err != nil {
		return "", err
	}
	path, err := scope.NewPath("processed_*.wav")
	if err != nil {
		return "", err
	}
	return path, writeFloatWAV(path, in.SampleRate(), in.Frames())
}

func writeFloatWAV(path string, sampleRate, frames int) error {
	data := make([]byte, frames*4)
	var b bytes.Buffer
	b.WriteString("RIFF")
	fields := []any{
		uint32(36 + len(data)), [4]byte{'W', 'A', 'V', 'E'}, [4]byte{'f', 'm', 't', ' '}, uint32(16),
		uint16(3), uint16(1), uint32(sampleRate), uint32(sampleRate * 4), uint16(4), uint16(32),
		[4]byte{'d', 'a', 't', 'a'}, uint32(len(data)),
	}
	for _, f := range fields {
		if err := binary.Write(&b, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	b.Write(data)
	return os.WriteFile(path, b.Bytes(), 0o600)
}

// assertScopeBalanced checks that a released scope removed what it created.
func assertScopeBalanced(t *testing.T, scope *storage.Scope) {
	t.Helper()
	require.NotNil(t, scope)
	assert.True(t, scope.Released())
	assert.Positive(t, scope.Created())
	assert.Equal(t, scope.Created(), scope.Removed())
}

func TestMuteService_FloatReplacementIsConverted(t *testing.T) {
	h := newHarness(t)
	adapter := &fakeAdapter{conformRate: testRate, conformFrame: testRate}
	h.svc.adapter = adapter
	h.svc.remover = floatRemover{}

	in := rampWave(t, 3)
	path := h.writeInput(t, "float.wav", in)
	h.detects(segment.New(1.0, 2.0))

	out, err := h.svc.Run(context.Background(), MuteInput{InputPath: path})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, out.Status)
	assert.Equal(t, 1, adapter.conforms)

	result, err := audio.Load(out.OutputPath)
	require.NoError(t, err)
	require.Equal(t, in.Frames(), result.Frames())
	assert.Equal(t, in.Samples()[:testRate], result.Samples()[:testRate])
	assert.Equal(t, make([]int, testRate), result.Samples()[testRate:2*testRate])
	assert.Equal(t, in.Samples()[2*testRate:], result.Samples()[2*testRate:])
	h.assertNoTempFiles(t)
}

func TestMuteService_NormalizeFailure(t *testing.T) {
	h := newHarness(t)
	adapter := &fakeAdapter{
		normalizeErr: apperrors.Conversion("normalize", "clip.mp4", errors.New("ffmpeg exited with status 1")),
	}
	h.svc.adapter = adapter

	path := filepath.Join(h.inputDir, "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("container bytes"), 0o600))

	out, err := h.svc.Run(context.Background(), MuteInput{InputPath: path})
	assert.ErrorIs(t, err, apperrors.ErrConversion)
	assert.Equal(t, StatusFailed, out.Status)
	h.detector.AssertNotCalled(t, "Detect", mock.Anything, mock.Anything, mock.Anything)

	assert.NoFileExists(t, OutputPathFor(path))
	h.assertNoTempFiles(t)
	assertScopeBalanced(t, adapter.scope)
}

func TestMuteService_FinalizeFailure(t *testing.T) {
	h := newHarness(t)
	adapter := &fakeAdapter{
		finalizeErr: apperrors.Conversion("finalize", "final.wav", errors.New("ffmpeg exited with status 1")),
	}
	h.svc.adapter = adapter

	path := h.writeInput(t, "finalize.wav", rampWave(t, 3))
	h.detects(segment.New(1.0, 2.0))
	h.remover.transform = silenceFor

	out, err := h.svc.Run(context.Background(), MuteInput{InputPath: path})
	assert.ErrorIs(t, err, apperrors.ErrConversion)
	assert.Equal(t, StatusFailed, out.Status)

	stored, err := h.repo.FindByID(context.Background(), out.JobID)
	require.NoError(t, err)
	assert.Equal(t, "conversion error", stored.ErrorKind)

	assert.NoFileExists(t, OutputPathFor(path))
	h.assertNoTempFiles(t)
	assertScopeBalanced(t, adapter.scope)
}

func TestMuteService_PublishFailure(t *testing.T) {
	h := newHarness(t)
	path := h.writeInput(t, "in.wav", rampWave(t, 3))
	h.remover.transform = silenceFor

	var scope *storage.Scope
	h.detector.On("Detect", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			writesAsset(args)
			scope = args.Get(2).(*storage.Scope)
		}).
		Return([]segment.Segment{segment.New(1.0, 2.0)}, nil)

	// a non-empty directory occupies the output path
	blocker := OutputPathFor(path)
	require.NoError(t, os.MkdirAll(blocker, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(blocker, "keep"), []byte("x"), 0o600))

	out, err := h.svc.Run(context.Background(), MuteInput{InputPath: path})
	assert.ErrorIs(t, err, apperrors.ErrIO)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Empty(t, out.OutputPath)

	entries, err := os.ReadDir(blocker)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "keep", entries[0].Name())

	h.assertNoTempFiles(t)
	assertScopeBalanced(t, scope)
}

func TestMuteService_ConvertedInput(t *testing.T) {
	h := newHarness(t)
	adapter := &fakeAdapter{converted: rampWave(t, 3)}
	h.svc.adapter = adapter

	path := filepath.Join(h.inputDir, "interview.mp4")
	require.NoError(t, os.WriteFile(path, []byte("container bytes"), 0o600))
	h.detects(segment.New(1.0, 2.0))
	h.remover.transform = silenceFor

	out, err := h.svc.Run(context.Background(), MuteInput{InputPath: path})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(h.inputDir, "interview_smart_mute.wav"), out.OutputPath)

	result, err := audio.Load(out.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, 3*testRate, result.Frames())

	stored, err := h.repo.FindByID(context.Background(), out.JobID)
	require.NoError(t, err)
	assert.NotEqual(t, path, stored.WorkingPath)
	h.assertNoTempFiles(t)
}

func TestMuteService_ConformsMismatchedReplacement(t *testing.T) {
	h := newHarness(t)
	adapter := &fakeAdapter{}
	h.svc.adapter = adapter

	in := rampWave(t, 3)
	path := h.writeInput(t, "rate.wav", in)
	h.detects(segment.New(1.0, 2.0))
	h.remover.transform = func(_ int, in *audio.Waveform) (*audio.Waveform, error) {
		return audio.Silence(8000, 1, 16, in.Frames()/2)
	}

	out, err := h.svc.Run(context.Background(), MuteInput{InputPath: path})
	require.NoError(t, err)
	assert.Equal(t, 1, adapter.conforms)

	result, err := audio.Load(out.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, testRate, result.SampleRate())
	assert.Equal(t, make([]int, testRate), result.Samples()[testRate:2*testRate])
	h.assertNoTempFiles(t)
}

func TestMuteService_UploadLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	in := rampWave(t, 2)
	src := h.writeInput(t, "upload.wav", in)
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	h.detects()

	job, err := h.svc.CreateJobFromUpload(ctx, "../../etc/upload.wav", bytes.NewReader(data), false)
	require.NoError(t, err)
	assert.True(t, job.UploadedInput)
	assert.Equal(t, h.store.TempDir(), filepath.Dir(job.InputPath))

	// a running job cannot be deleted
	assert.ErrorIs(t, h.svc.DeleteJob(ctx, job.ID), ErrJobInProgress)

	out, err := h.svc.ProcessExistingJob(ctx, job.ID)
	require.NoError(t, err)
	assert.NoFileExists(t, job.InputPath)

	rc, err := h.svc.OpenOutput(ctx, job.ID)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.NotEmpty(t, got)

	require.NoError(t, h.svc.DeleteJob(ctx, job.ID))
	assert.NoFileExists(t, out.OutputPath)
	_, err = h.svc.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMuteService_CreateJobFromUpload_Unsupported(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.CreateJobFromUpload(context.Background(), "notes.txt", bytes.NewReader(nil), false)
	assert.ErrorIs(t, err, apperrors.ErrFormat)
	h.assertNoTempFiles(t)
}

func TestMuteService_S3NotConfigured(t *testing.T) {
	h := newHarness(t)
	path := h.writeInput(t, "s3.wav", rampWave(t, 1))
	h.detects()

	out, err := h.svc.Run(context.Background(), MuteInput{InputPath: path, PushToS3: true})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, out.Status)
	assert.Empty(t, out.OutputURL)
	assert.FileExists(t, out.OutputPath)
}

func TestMuteService_OpenOutput_NotDone(t *testing.T) {
	h := newHarness(t)
	path := h.writeInput(t, "pending.wav", rampWave(t, 1))

	job, err := h.svc.CreateJob(context.Background(), MuteInput{InputPath: path})
	require.NoError(t, err)

	_, err = h.svc.OpenOutput(context.Background(), job.ID)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMuteService_PushesOutputToS3(t *testing.T) {
	var (
		mu      sync.Mutex
		putPath string
		putType string
		putBody []byte
	)
	bucket := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		putPath, putType, putBody = r.URL.Path, r.Header.Get("Content-Type"), body
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer bucket.Close()

	h := newHarness(t)
	store, err := storage.NewS3Storage(h.store.TempDir(), storage.S3Config{
		Bucket:          "mute-results",
		Region:          "us-east-1",
		Endpoint:        bucket.URL,
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret-key",
	})
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	h.svc = NewMuteService(h.repo, store, media.NewAdapter(nil, logger), h.detector, h.remover, logger)

	path := h.writeInput(t, "talk.wav", rampWave(t, 2))
	h.detects(segment.New(0.5, 1))

	out, err := h.svc.Run(context.Background(), MuteInput{InputPath: path, PushToS3: true})
	require.NoError(t, err)
	require.Equal(t, StatusDone, out.Status)

	key := "smart-mute/" + out.JobID + "/talk_smart_mute.wav"
	assert.Equal(t, "https://mute-results.s3.us-east-1.amazonaws.com/"+key, out.OutputURL)

	local, err := os.ReadFile(out.OutputPath)
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/mute-results/"+key, putPath)
	assert.Equal(t, "audio/wav", putType)
	assert.Equal(t, local, putBody)
	h.assertNoTempFiles(t)
}

func TestMuteService_S3RejectionKeepsLocalOutput(t *testing.T) {
	bucket := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer bucket.Close()

	h := newHarness(t)
	store, err := storage.NewS3Storage(h.store.TempDir(), storage.S3Config{
		Bucket:          "mute-results",
		Region:          "us-east-1",
		Endpoint:        bucket.URL,
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret-key",
	})
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	h.svc = NewMuteService(h.repo, store, media.NewAdapter(nil, logger), h.detector, h.remover, logger)

	path := h.writeInput(t, "denied.wav", rampWave(t, 1))
	h.detects()

	out, err := h.svc.Run(context.Background(), MuteInput{InputPath: path, PushToS3: true})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, out.Status)
	assert.Empty(t, out.OutputURL)
	assert.FileExists(t, out.OutputPath)
}
