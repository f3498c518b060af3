// Package id provides unique identifier generation for mute jobs.
package id

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Generate creates a new unique job ID.
// Format: mute-<timestamp>-<uuid prefix>
// Example: mute-1701432000-a1b2c3d4
func Generate() string {
	return fmt.Sprintf("mute-%d-%s", time.Now().Unix(), uuid.NewString()[:8])
}

// Valid reports whether s looks like an ID produced by Generate.
func Valid(s string) bool {
	var (
		ts     int64
		suffix string
	)
	if _, err := fmt.Sscanf(s, "mute-%d-%s", &ts, &suffix); err != nil {
		return false
	}
	if ts <= 0 || len(suffix) != 8 {
		return false
	}
	for _, r := range suffix {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return s == fmt.Sprintf("mute-%d-%s", ts, suffix)
}
