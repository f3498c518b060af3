package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/riff"
	"github.com/go-audio/wav"

	"github.com/audioshaker/audioshake-smart-mute/internal/apperrors"
)

// WAV format tags accepted by Load.
const (
	formatPCM        = 1
	formatExtensible = 0xFFFE
)

// Load reads an integer PCM WAV file.
// It returns an io error if the file cannot be opened and a format error
// if it is not a valid PCM WAV container.
func Load(path string) (*Waveform, error) {
	f, err := os.Open(path) // #nosec G304 - path is provided by trusted caller
	if err != nil {
		return nil, apperrors.IO("load", path, err)
	}
	defer func() { _ = f.Close() }()

	d := wav.NewDecoder(f)
	d.ReadInfo()
	if err := d.Err(); err != nil {
		return nil, apperrors.Format("load", path, err.Error())
	}
	if d.SampleRate == 0 || d.NumChans == 0 || d.BitDepth == 0 {
		return nil, apperrors.Format("load", path, "missing fmt chunk")
	}
	if d.WavAudioFormat != formatPCM && d.WavAudioFormat != formatExtensible {
		return nil, apperrors.Format("load", path, fmt.Sprintf("unsupported WAV format tag %d", d.WavAudioFormat))
	}
	if d.WavAudioFormat == formatExtensible {
		sub, err := extensibleSubFormat(path)
		if err != nil {
			return nil, apperrors.Format("load", path, err.Error())
		}
		if sub != formatPCM {
			return nil, apperrors.Format("load", path, fmt.Sprintf("unsupported WAV subformat %d", sub))
		}
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, apperrors.Format("load", path, fmt.Sprintf("read PCM data: %v", err))
	}

	channels := int(d.NumChans)
	data := buf.Data
	// drop a trailing partial frame from a truncated data chunk
	if extra := len(data) % channels; extra != 0 {
		data = data[:len(data)-extra]
	}

	w, err := New(int(d.SampleRate), channels, int(d.BitDepth), data)
	if err != nil {
		return nil, apperrors.Format("load", path, err.Error())
	}
	return w, nil
}

// fmtChunk is the fixed part of a WAV fmt chunk.
type fmtChunk struct {
	FormatTag     uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// fmtExtension follows fmtChunk when the tag is WAVE_FORMAT_EXTENSIBLE.
type fmtExtension struct {
	Size        uint16
	ValidBits   uint16
	ChannelMask uint32
	SubFormat   [16]byte
}

var errNoFmtChunk = errors.New("missing fmt chunk")

// extensibleSubFormat returns the format code carried in the first two
// bytes of the subformat GUID of a WAVE_FORMAT_EXTENSIBLE file.
func extensibleSubFormat(path string) (uint16, error) {
	f, err := os.Open(path) // #nosec G304 - path is provided by trusted caller
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	p := riff.New(f)
	if err := p.ParseHeaders(); err != nil {
		return 0, err
	}
	for {
		ch, err := p.NextChunk()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return 0, errNoFmtChunk
			}
			return 0, err
		}
		if ch.ID != riff.FmtID {
			ch.Done()
			if ch.Size%2 == 1 {
				// chunks are word aligned
				_, _ = io.CopyN(io.Discard, f, 1)
			}
			continue
		}

		var base fmtChunk
		if err := ch.ReadLE(&base); err != nil {
			return 0, fmt.Errorf("read fmt chunk: %w", err)
		}
		var ext fmtExtension
		if ch.Size < binary.Size(base)+binary.Size(ext) {
			return 0, fmt.Errorf("extensible fmt chunk is %d bytes", ch.Size)
		}
		if err := ch.ReadLE(&ext); err != nil {
			return 0, fmt.Errorf("read fmt extension: %w", err)
		}
		return binary.LittleEndian.Uint16(ext.SubFormat[:2]), nil
	}
}

// Save writes w as a PCM WAV file at path. The data is written to a
// temporary sibling first and renamed into place, so a failed save never
// leaves a partial file at path.
func Save(w *Waveform, path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return apperrors.IO("save", path, err)
	}
	tmpName := tmp.Name()

	if err := encode(w, tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return apperrors.IO("save", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return apperrors.IO("save", path, fmt.Errorf("close temp file: %w", err))
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return apperrors.IO("save", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return apperrors.IO("save", path, fmt.Errorf("rename temp file: %w", err))
	}
	return nil
}

func encode(w *Waveform, f *os.File) error {
	enc := wav.NewEncoder(f, w.sampleRate, w.bitDepth, w.channels, formatPCM)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: w.channels,
			SampleRate:  w.sampleRate,
		},
		Data:           w.samples,
		SourceBitDepth: w.bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write PCM data: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize WAV header: %w", err)
	}
	return nil
}
