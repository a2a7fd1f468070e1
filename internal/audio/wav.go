// Package audio holds the waveform side of the pipeline: WAV encoding,
// spectrogram denormalization and the Vocoder port.
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cwbudde/wav"
	goaudio "github.com/go-audio/audio"
)

const (
	Channels = 1
	BitDepth = 16
)

// ErrFormatMismatch is returned when a decoded WAV is not mono 16-bit PCM.
var ErrFormatMismatch = errors.New("audio: WAV format mismatch")

// EncodeWAV encodes samples in [-1, 1] as mono 16-bit PCM at sampleRate.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	if sampleRate < 1 {
		return nil, fmt.Errorf("audio: invalid sample rate %d", sampleRate)
	}

	var buf bytes.Buffer
	sw := &seekBuffer{buf: &buf}

	enc := wav.NewEncoder(sw, sampleRate, BitDepth, Channels, 1)

	pcm := &goaudio.Float32Buffer{
		Data:           clamp(samples),
		Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: Channels},
		SourceBitDepth: BitDepth,
	}

	if err := enc.Write(pcm); err != nil {
		return nil, fmt.Errorf("audio: write PCM: %w", err)
	}

	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("audio: close encoder: %w", err)
	}

	return buf.Bytes(), nil
}

// WriteWAVFile encodes samples and writes them to path.
func WriteWAVFile(path string, samples []float32, sampleRate int) error {
	data, err := EncodeWAV(samples, sampleRate)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("audio: write %s: %w", path, err)
	}

	return nil
}

// DecodeWAV decodes mono 16-bit PCM and returns the samples and sample rate.
func DecodeWAV(data []byte) ([]float32, int, error) {
	if len(data) == 0 {
		return nil, 0, errors.New("audio: empty WAV input")
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, 0, errors.New("audio: invalid WAV file")
	}

	if dec.NumChans != Channels {
		return nil, 0, fmt.Errorf("%w: channels %d, want %d", ErrFormatMismatch, dec.NumChans, Channels)
	}

	if dec.BitDepth != BitDepth {
		return nil, 0, fmt.Errorf("%w: bit depth %d, want %d", ErrFormatMismatch, dec.BitDepth, BitDepth)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("audio: read PCM data: %w", err)
	}

	return buf.Data, int(dec.SampleRate), nil
}

func clamp(samples []float32) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = max(-1, min(1, s))
	}

	return out
}

// seekBuffer adapts a bytes.Buffer to io.WriteSeeker for the WAV encoder,
// which rewrites the header sizes on Close.
type seekBuffer struct {
	buf *bytes.Buffer
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	if s.pos == s.buf.Len() {
		n, err := s.buf.Write(p)
		s.pos += n

		return n, err
	}

	data := s.buf.Bytes()

	n := copy(data[s.pos:], p)
	if n < len(p) {
		s.buf.Write(p[n:])
	}

	s.pos += len(p)

	return len(p), nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var pos int

	switch whence {
	case io.SeekStart:
		pos = int(offset)
	case io.SeekCurrent:
		pos = s.pos + int(offset)
	case io.SeekEnd:
		pos = s.buf.Len() + int(offset)
	default:
		return 0, fmt.Errorf("audio: invalid whence %d", whence)
	}

	if pos < 0 || pos > s.buf.Len() {
		return 0, fmt.Errorf("audio: seek to %d outside buffer of %d bytes", pos, s.buf.Len())
	}

	s.pos = pos

	return int64(pos), nil
}
