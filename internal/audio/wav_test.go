package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// makeWAV builds a minimal PCM WAV file by hand.
func makeWAV(sampleRate uint32, numChannels, bitDepth uint16, numSamples int) []byte {
	blockAlign := numChannels * bitDepth / 8
	byteRate := sampleRate * uint32(blockAlign)
	dataSize := uint32(numSamples) * uint32(blockAlign)
	riffSize := 4 + (8 + 16) + (8 + dataSize)

	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(buf, binary.LittleEndian, numChannels)
	_ = binary.Write(buf, binary.LittleEndian, sampleRate)
	_ = binary.Write(buf, binary.LittleEndian, byteRate)
	_ = binary.Write(buf, binary.LittleEndian, blockAlign)
	_ = binary.Write(buf, binary.LittleEndian, bitDepth)

	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, dataSize)
	buf.Write(make([]byte, dataSize))

	return buf.Bytes()
}

func TestDecodeWAV(t *testing.T) {
	t.Run("decodes mono 16-bit", func(t *testing.T) {
		samples, rate, err := DecodeWAV(makeWAV(22050, 1, 16, 100))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(samples) != 100 || rate != 22050 {
			t.Errorf("got %d samples at %d Hz, want 100 at 22050", len(samples), rate)
		}
	})

	t.Run("rejects stereo", func(t *testing.T) {
		_, _, err := DecodeWAV(makeWAV(22050, 2, 16, 10))
		if !errors.Is(err, ErrFormatMismatch) {
			t.Errorf("expected ErrFormatMismatch, got %v", err)
		}
	})

	t.Run("rejects invalid data", func(t *testing.T) {
		if _, _, err := DecodeWAV([]byte("not a wav file")); err == nil {
			t.Fatal("expected error for invalid WAV")
		}
	})

	t.Run("rejects empty input", func(t *testing.T) {
		if _, _, err := DecodeWAV(nil); err == nil {
			t.Fatal("expected error for empty input")
		}
	})
}

func TestEncodeWAVRoundTrip(t *testing.T) {
	in := make([]float32, 2205)
	for i := range in {
		in[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/22050))
	}

	data, err := EncodeWAV(in, 22050)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}

	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE header")
	}

	out, rate, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}

	if rate != 22050 || len(out) != len(in) {
		t.Fatalf("decoded %d samples at %d Hz", len(out), rate)
	}

	for i := range in {
		if (in[i] > 0.1 && out[i] <= 0) || (in[i] < -0.1 && out[i] >= 0) {
			t.Fatalf("sample %d = %v has the wrong sign, want about %v", i, out[i], in[i])
		}
	}
}

func TestEncodeWAVRejectsBadRate(t *testing.T) {
	if _, err := EncodeWAV([]float32{0}, 0); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
}

func TestWriteWAVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	if err := WriteWAVFile(path, []float32{0, 0.25, -0.25}, 16000); err != nil {
		t.Fatalf("WriteWAVFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if _, rate, err := DecodeWAV(data); err != nil || rate != 16000 {
		t.Fatalf("DecodeWAV = %d, %v", rate, err)
	}
}

func TestPeakNormalize(t *testing.T) {
	got := PeakNormalize([]float32{0.25, -0.5, 0.1})
	want := []float32{0.5, -1, 0.2}

	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Fatalf("PeakNormalize()[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	silence := []float32{0, 0}
	if out := PeakNormalize(silence); out[0] != 0 || out[1] != 0 {
		t.Fatalf("silence changed: %v", out)
	}
}

func TestDenormalizeAndMagnitude(t *testing.T) {
	s := mat.NewDense(1, 4, []float64{0, 0.5, 1, 1.5})

	db := Denormalize(s, -100)
	want := []float64{-100, -50, 0, 0}
	for j, w := range want {
		if db.At(0, j) != w {
			t.Fatalf("Denormalize[%d] = %v, want %v", j, db.At(0, j), w)
		}
	}

	mag := Magnitude(s, Params{MinLevelDB: -100, RefLevelDB: 20, Power: 1})
	if got := mag.At(0, 2); math.Abs(got-10) > 1e-9 {
		t.Fatalf("Magnitude at 0 dB + 20 ref = %v, want 10", got)
	}
}

func TestInvPreemphasis(t *testing.T) {
	x := []float32{1, 0.5, -0.25}
	y := make([]float32, len(x))
	for i := range x {
		y[i] = x[i]
		if i > 0 {
			y[i] -= 0.97 * x[i-1]
		}
	}

	got := InvPreemphasis(y, 0.97)
	for i := range x {
		if math.Abs(float64(got[i]-x[i])) > 1e-6 {
			t.Fatalf("InvPreemphasis[%d] = %v, want %v", i, got[i], x[i])
		}
	}
}
