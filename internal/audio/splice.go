package audio

import (
	"fmt"

	"github.com/audioshaker/audioshake-smart-mute/internal/apperrors"
)

// SpliceReport describes how a replacement was fitted into its target range.
type SpliceReport struct {
	// From and To are the target frame range [From, To).
	From, To int
	// ReplacementFrames is the frame count of the replacement as supplied.
	ReplacementFrames int
	// PaddedFrames is the number of trailing silent frames added.
	PaddedFrames int
	// TruncatedFrames is the number of trailing frames dropped.
	TruncatedFrames int
}

// Adjusted reports whether the replacement had to be padded or truncated.
func (r SpliceReport) Adjusted() bool {
	return r.PaddedFrames > 0 || r.TruncatedFrames > 0
}

// Slice returns the frames covering [start, end) seconds.
// It returns a range error if the range is empty or falls outside the waveform.
func Slice(w *Waveform, start, end float64) (*Waveform, error) {
	from, to := FrameRange(w.sampleRate, start, end)
	return SliceFrames(w, from, to)
}

// SliceFrames returns a copy of frames [from, to).
func SliceFrames(w *Waveform, from, to int) (*Waveform, error) {
	if err := checkRange("slice", w, from, to); err != nil {
		return nil, err
	}
	return &Waveform{
		sampleRate: w.sampleRate,
		channels:   w.channels,
		bitDepth:   w.bitDepth,
		samples:    append([]int(nil), w.samples[from*w.channels:to*w.channels]...),
	}, nil
}

// Splice returns a new waveform equal to w outside [start, end) seconds and
// equal to replacement inside it. A replacement whose frame count differs from
// the target range by at most tolerance frames is padded with trailing silence
// or truncated to fit; the adjustment is described in the returned report.
func Splice(w *Waveform, start, end float64, replacement *Waveform, tolerance int) (*Waveform, SpliceReport, error) {
	from, to := FrameRange(w.sampleRate, start, end)
	return SpliceFrames(w, from, to, replacement, tolerance)
}

// SpliceFrames is Splice over a frame range [from, to).
func SpliceFrames(w *Waveform, from, to int, replacement *Waveform, tolerance int) (*Waveform, SpliceReport, error) {
	report := SpliceReport{From: from, To: to}
	if err := checkRange("splice", w, from, to); err != nil {
		return nil, report, err
	}
	if !w.SameFormat(replacement) {
		return nil, report, apperrors.Format("splice", "", fmt.Sprintf(
			"replacement is %d Hz/%d ch, waveform is %d Hz/%d ch",
			replacement.sampleRate, replacement.channels, w.sampleRate, w.channels))
	}

	repl := replacement
	if repl.bitDepth != w.bitDepth {
		converted, err := repl.WithBitDepth(w.bitDepth)
		if err != nil {
			return nil, report, apperrors.Format("splice", "", err.Error())
		}
		repl = converted
	}

	target := to - from
	got := repl.Frames()
	report.ReplacementFrames = got

	diff := got - target
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		return nil, report, apperrors.LengthMismatch("splice", fmt.Sprintf(
			"replacement has %d frames, target range has %d (tolerance %d)", got, target, tolerance))
	}

	ch := w.channels
	out := make([]int, len(w.samples))
	copy(out, w.samples[:from*ch])
	n := min(got, target)
	copy(out[from*ch:], repl.samples[:n*ch])
	if mid := silenceLevel(w.bitDepth); mid != 0 {
		for i := (from + n) * ch; i < to*ch; i++ {
			out[i] = mid
		}
	}
	copy(out[to*ch:], w.samples[to*ch:])

	if got < target {
		report.PaddedFrames = target - got
	} else {
		report.TruncatedFrames = got - target
	}

	return &Waveform{
		sampleRate: w.sampleRate,
		channels:   w.channels,
		bitDepth:   w.bitDepth,
		samples:    out,
	}, report, nil
}

func checkRange(op string, w *Waveform, from, to int) error {
	frames := w.Frames()
	if from < 0 || to > frames || from >= to {
		return apperrors.Range(op, fmt.Sprintf("frame range [%d, %d) outside [0, %d)", from, to, frames))
	}
	return nil
}
