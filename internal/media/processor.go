// Package media translates between the caller's media containers and the
// PCM WAV files the mute pipeline works on.
package media

import "context"

// WAVOptions controls the PCM layout produced by ToWAV.
// Zero values keep the source's sample rate and channel count.
type WAVOptions struct {
	SampleRate int
	Channels   int
}

// Transcoder defines the interface for container and codec conversion.
// Implementations should use ffmpeg or similar tools.
type Transcoder interface {
	// ToWAV decodes the audio stream of src into a 16-bit PCM WAV at dst.
	// Video streams are dropped.
	ToWAV(ctx context.Context, src, dst string, opts WAVOptions) error

	// FromWAV encodes the WAV at src into the container implied by dst's extension.
	FromWAV(ctx context.Context, src, dst string) error

	// Duration returns the duration in seconds of a media file.
	Duration(ctx context.Context, path string) (float64, error)
}
