// Package segment models the music segments reported by detection and
// enforces the ordering and range invariants the splicer relies on.
package segment

import (
	"fmt"
	"math"

	"github.com/audioshaker/audioshake-smart-mute/internal/apperrors"
)

// Status is the processing state of a segment within one run.
type Status string

const (
	// StatusDetected indicates the segment was returned by detection.
	StatusDetected Status = "DETECTED"
	// StatusExtracted indicates the segment audio was written to a temp file.
	StatusExtracted Status = "EXTRACTED"
	// StatusProcessed indicates the remove-music service returned a cleaned file.
	StatusProcessed Status = "PROCESSED"
	// StatusSpliced indicates the cleaned audio replaced the original range.
	StatusSpliced Status = "SPLICED"
)

// Segment is a half-open time range [Start, End) in seconds.
type Segment struct {
	Start  float64
	End    float64
	Status Status
}

// New creates a detected segment.
func New(start, end float64) Segment {
	return Segment{Start: start, End: end, Status: StatusDetected}
}

// Length returns End - Start in seconds.
func (s Segment) Length() float64 {
	return s.End - s.Start
}

// String returns a compact representation, e.g. "[2.000s, 4.000s)".
func (s Segment) String() string {
	return fmt.Sprintf("[%.3fs, %.3fs)", s.Start, s.End)
}

// Validate checks a detection result against a waveform of the given
// duration in seconds. Every segment must satisfy 0 <= Start < End <= duration,
// and segments must be chronological and non-overlapping. Touching segments
// (one's End equal to the next Start) are allowed. The first violation
// fails the whole list; nothing is clamped or skipped.
func Validate(segs []Segment, duration float64) error {
	prevEnd := 0.0
	for i, s := range segs {
		switch {
		case !finite(s.Start) || !finite(s.End):
			return apperrors.InvalidSegment(fmt.Sprintf("segment %d %s: non-finite bound", i, s))
		case s.End <= s.Start:
			return apperrors.InvalidSegment(fmt.Sprintf("segment %d %s: end must be after start", i, s))
		case s.Start < 0:
			return apperrors.InvalidSegment(fmt.Sprintf("segment %d %s: negative start", i, s))
		case s.End > duration:
			return apperrors.InvalidSegment(fmt.Sprintf("segment %d %s: ends beyond audio duration %.3fs", i, s, duration))
		case i > 0 && s.Start < prevEnd:
			return apperrors.InvalidSegment(fmt.Sprintf("segment %d %s: overlaps or precedes previous segment ending at %.3fs", i, s, prevEnd))
		}
		prevEnd = s.End
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
