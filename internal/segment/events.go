package segment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/audioshaker/audioshake-smart-mute/internal/apperrors"
)

// ErrMissingBound is returned when a detection event lacks a start or end time.
var ErrMissingBound = errors.New("segment: event is missing start_time or end_time")

// event is one entry of the music detection JSON asset.
type event struct {
	StartTime *float64 `json:"start_time"`
	EndTime   *float64 `json:"end_time"`
	Start     *float64 `json:"start"`
	End       *float64 `json:"end"`
}

// eventDocument is the object form of the detection asset.
type eventDocument struct {
	Events []event `json:"events"`
}

// ParseEvents decodes a music detection asset into segments. The asset is
// either a JSON array of {"start_time", "end_time"} objects or an object
// holding that array under "events". Order is preserved as returned.
func ParseEvents(r io.Reader) ([]Segment, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, apperrors.Remote("parse detection", fmt.Errorf("read asset: %w", err))
	}

	var events []event
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var doc eventDocument
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, apperrors.Remote("parse detection", fmt.Errorf("decode asset: %w", err))
		}
		events = doc.Events
	} else if err := json.Unmarshal(trimmed, &events); err != nil {
		return nil, apperrors.Remote("parse detection", fmt.Errorf("decode asset: %w", err))
	}

	segs := make([]Segment, 0, len(events))
	for i, ev := range events {
		start, end := ev.StartTime, ev.EndTime
		if start == nil {
			start = ev.Start
		}
		if end == nil {
			end = ev.End
		}
		if start == nil || end == nil {
			return nil, apperrors.Remote("parse detection", fmt.Errorf("event %d: %w", i, ErrMissingBound))
		}
		segs = append(segs, New(*start, *end))
	}
	return segs, nil
}
