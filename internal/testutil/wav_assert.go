package testutil

import (
	"encoding/binary"
	"errors"
	"testing"
)

// AssertValidWAV checks that data is a mono 16-bit PCM WAV at sampleRate with
// at least one sample.
func AssertValidWAV(tb testing.TB, data []byte, sampleRate int) {
	tb.Helper()

	if len(data) < 44 {
		tb.Fatalf("WAV data too short: %d bytes", len(data))
	}

	if string(data[0:4]) != "RIFF" {
		tb.Fatalf("WAV: missing RIFF header (got %q)", string(data[0:4]))
	}

	if string(data[8:12]) != "WAVE" {
		tb.Fatalf("WAV: missing WAVE marker (got %q)", string(data[8:12]))
	}

	if string(data[12:16]) != "fmt " {
		tb.Fatalf("WAV: missing fmt chunk (got %q)", string(data[12:16]))
	}

	if f := binary.LittleEndian.Uint16(data[20:22]); f != 1 {
		tb.Fatalf("WAV: expected PCM format (1), got %d", f)
	}

	if ch := binary.LittleEndian.Uint16(data[22:24]); ch != 1 {
		tb.Fatalf("WAV: expected mono (1 channel), got %d", ch)
	}

	if sr := binary.LittleEndian.Uint32(data[24:28]); int(sr) != sampleRate {
		tb.Fatalf("WAV: expected sample rate %d, got %d", sampleRate, sr)
	}

	if bd := binary.LittleEndian.Uint16(data[34:36]); bd != 16 {
		tb.Fatalf("WAV: expected 16-bit depth, got %d", bd)
	}

	size, err := findDataChunkSize(data)
	if err != nil {
		tb.Fatalf("WAV: %v", err)
	}

	if size == 0 {
		tb.Fatal("WAV: data chunk contains zero samples")
	}
}

// AssertWAVDurationApprox asserts that the WAV audio duration falls within
// [minSec, maxSec].
func AssertWAVDurationApprox(tb testing.TB, data []byte, sampleRate int, minSec, maxSec float64) {
	tb.Helper()

	size, err := findDataChunkSize(data)
	if err != nil {
		tb.Fatalf("WAV duration check: %v", err)
	}

	sec := float64(size/2) / float64(sampleRate)
	if sec < minSec || sec > maxSec {
		tb.Fatalf("WAV duration %.3fs out of expected range [%.3fs, %.3fs]", sec, minSec, maxSec)
	}
}

// findDataChunkSize walks the chunk list after the RIFF/WAVE header and
// returns the size of the "data" chunk.
func findDataChunkSize(data []byte) (uint32, error) {
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])

		size := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		if id == "data" {
			return size, nil
		}

		offset += 8 + int(size)
		if size%2 != 0 {
			offset++
		}
	}

	return 0, errors.New("data chunk not found in WAV")
}
