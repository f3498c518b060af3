// Package audio provides the in-memory PCM waveform used by the mute
// pipeline, with sample-accurate slicing and splicing and WAV persistence.
package audio

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// Static errors for waveform construction.
var (
	// ErrInvalidSampleRate is returned when the sample rate is not positive.
	ErrInvalidSampleRate = errors.New("audio: sample rate must be positive")
	// ErrInvalidChannels is returned when the channel count is not positive.
	ErrInvalidChannels = errors.New("audio: channel count must be positive")
	// ErrInvalidBitDepth is returned for bit depths other than 8, 16, 24 or 32.
	ErrInvalidBitDepth = errors.New("audio: bit depth must be 8, 16, 24 or 32")
	// ErrPartialFrame is returned when the sample count is not a multiple of the channel count.
	ErrPartialFrame = errors.New("audio: sample count is not a whole number of frames")
)

// boundaryEpsilon absorbs float noise when converting seconds to frames,
// so 2.0s at 16kHz maps to exactly frame 32000.
const boundaryEpsilon = 1e-6

// Waveform is an integer PCM buffer. Samples are interleaved, one per
// channel per frame. A Waveform is never mutated after construction;
// every operation returns a new value with its own sample slice.
type Waveform struct {
	sampleRate int
	channels   int
	bitDepth   int
	samples    []int
}

// New creates a Waveform from interleaved samples. The samples slice is copied.
func New(sampleRate, channels, bitDepth int, samples []int) (*Waveform, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSampleRate, sampleRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidChannels, channels)
	}
	switch bitDepth {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: got %d", ErrInvalidBitDepth, bitDepth)
	}
	if len(samples)%channels != 0 {
		return nil, fmt.Errorf("%w: %d samples, %d channels", ErrPartialFrame, len(samples), channels)
	}
	return &Waveform{
		sampleRate: sampleRate,
		channels:   channels,
		bitDepth:   bitDepth,
		samples:    slices.Clone(samples),
	}, nil
}

// Silence creates a silent Waveform with the given number of frames.
func Silence(sampleRate, channels, bitDepth, frames int) (*Waveform, error) {
	if frames < 0 {
		frames = 0
	}
	samples := make([]int, frames*channels)
	if mid := silenceLevel(bitDepth); mid != 0 {
		for i := range samples {
			samples[i] = mid
		}
	}
	return New(sampleRate, channels, bitDepth, samples)
}

// silenceLevel is the sample value of silence. 8-bit WAV is unsigned and
// centred on 128; wider depths are signed.
func silenceLevel(bitDepth int) int {
	if bitDepth == 8 {
		return 128
	}
	return 0
}

// SampleRate returns the sample rate in Hz.
func (w *Waveform) SampleRate() int { return w.sampleRate }

// Channels returns the channel count.
func (w *Waveform) Channels() int { return w.channels }

// BitDepth returns the bits per sample.
func (w *Waveform) BitDepth() int { return w.bitDepth }

// Frames returns the number of frames.
func (w *Waveform) Frames() int { return len(w.samples) / w.channels }

// Duration returns the length in seconds.
func (w *Waveform) Duration() float64 {
	return float64(w.Frames()) / float64(w.sampleRate)
}

// Samples returns a copy of the interleaved samples.
func (w *Waveform) Samples() []int {
	return slices.Clone(w.samples)
}

// Frame returns a copy of the samples of frame i.
func (w *Waveform) Frame(i int) []int {
	return slices.Clone(w.samples[i*w.channels : (i+1)*w.channels])
}

// SameFormat reports whether o has the same sample rate and channel count.
func (w *Waveform) SameFormat(o *Waveform) bool {
	return w.sampleRate == o.sampleRate && w.channels == o.channels
}

// Equal reports whether w and o have the same format and samples.
func (w *Waveform) Equal(o *Waveform) bool {
	if w == nil || o == nil {
		return w == o
	}
	return w.SameFormat(o) && w.bitDepth == o.bitDepth && slices.Equal(w.samples, o.samples)
}

// FrameRange converts a time range in seconds to frame indices.
// Start is floored and end is ceiled so the range never shrinks
// relative to the requested times.
func FrameRange(sampleRate int, start, end float64) (from, to int) {
	return int(math.Floor(snap(start * float64(sampleRate)))),
		int(math.Ceil(snap(end * float64(sampleRate))))
}

// snap rounds x to the nearest integer when it is within boundaryEpsilon of it.
func snap(x float64) float64 {
	if r := math.Round(x); math.Abs(x-r) < boundaryEpsilon {
		return r
	}
	return x
}

// WithBitDepth returns w rescaled to the given bit depth. Samples are
// shifted, so converting up and back down is lossless. 8-bit samples are
// re-centred around zero before shifting and after narrowing.
func (w *Waveform) WithBitDepth(bitDepth int) (*Waveform, error) {
	if bitDepth == w.bitDepth {
		return w, nil
	}
	out, err := New(w.sampleRate, w.channels, bitDepth, nil)
	if err != nil {
		return nil, err
	}
	shift := bitDepth - w.bitDepth
	offIn, offOut := silenceLevel(w.bitDepth), silenceLevel(bitDepth)
	out.samples = make([]int, len(w.samples))
	for i, s := range w.samples {
		s -= offIn
		if shift > 0 {
			s <<= shift
		} else {
			s >>= -shift
		}
		out.samples[i] = s + offOut
	}
	return out, nil
}
