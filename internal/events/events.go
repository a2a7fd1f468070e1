// Package events records training summaries (scalars, images, audio) to an
// append-only msgpack stream compressed with zstd.
package events

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

const FileName = "events.msgpack.zst"

type Kind string

const (
	KindScalar Kind = "scalar"
	KindImage  Kind = "image"
	KindAudio  Kind = "audio"
)

// Event is one summary record. Path points at the artifact for image and
// audio events.
type Event struct {
	Kind       Kind    `msgpack:"kind"`
	Tag        string  `msgpack:"tag"`
	Step       int     `msgpack:"step"`
	WallTime   int64   `msgpack:"wall_time"`
	Value      float64 `msgpack:"value,omitempty"`
	Path       string  `msgpack:"path,omitempty"`
	SampleRate int     `msgpack:"sample_rate,omitempty"`
}

// Sink receives summaries. Writer implements it; Discard drops everything.
type Sink interface {
	Scalar(tag string, value float64, step int) error
	Image(tag, path string, step int) error
	Audio(tag, path string, sampleRate, step int) error
}

// Writer appends events to dir/events.msgpack.zst. Each Writer session adds a
// new zstd frame, so a file may hold several concatenated frames.
type Writer struct {
	mu      sync.Mutex
	f       *os.File
	zw      *zstd.Encoder
	enc     *msgpack.Encoder
	pending int
	now     func() time.Time
}

// flushEvery bounds how many events can be lost on a crash.
const flushEvery = 64

// NewWriter opens (or creates) the event file in dir.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("events: create %s: %w", dir, err)
	}

	f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("events: open: %w", err)
	}

	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("events: create zstd writer: %w", err)
	}

	return &Writer{f: f, zw: zw, enc: msgpack.NewEncoder(zw), now: time.Now}, nil
}

func (w *Writer) Scalar(tag string, value float64, step int) error {
	return w.write(Event{Kind: KindScalar, Tag: tag, Step: step, Value: value})
}

func (w *Writer) Image(tag, path string, step int) error {
	return w.write(Event{Kind: KindImage, Tag: tag, Step: step, Path: path})
}

func (w *Writer) Audio(tag, path string, sampleRate, step int) error {
	return w.write(Event{Kind: KindAudio, Tag: tag, Step: step, Path: path, SampleRate: sampleRate})
}

func (w *Writer) write(e Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.enc == nil {
		return errors.New("events: writer closed")
	}

	e.WallTime = w.now().UnixNano()
	if err := w.enc.Encode(&e); err != nil {
		return fmt.Errorf("events: encode %s: %w", e.Tag, err)
	}

	w.pending++
	if w.pending >= flushEvery {
		return w.flushLocked()
	}

	return nil
}

// Flush pushes buffered events to disk.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.zw == nil {
		return nil
	}

	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	w.pending = 0
	if err := w.zw.Flush(); err != nil {
		return fmt.Errorf("events: flush: %w", err)
	}

	return nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.zw == nil {
		return nil
	}

	err := w.zw.Close()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}

	w.zw, w.enc, w.f = nil, nil, nil
	if err != nil {
		return fmt.Errorf("events: close: %w", err)
	}

	return nil
}

// Read decodes every event from r.
func Read(r io.Reader) ([]Event, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("events: create zstd reader: %w", err)
	}
	defer zr.Close()

	dec := msgpack.NewDecoder(zr)

	var out []Event
	for {
		var e Event
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}

			return out, fmt.Errorf("events: decode event %d: %w", len(out), err)
		}

		out = append(out, e)
	}
}

// ReadFile decodes the event file in dir.
func ReadFile(dir string) ([]Event, error) {
	f, err := os.Open(filepath.Join(dir, FileName))
	if err != nil {
		return nil, fmt.Errorf("events: open: %w", err)
	}
	defer f.Close()

	return Read(f)
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Scalar(string, float64, int) error   { return nil }
func (Discard) Image(string, string, int) error      { return nil }
func (Discard) Audio(string, string, int, int) error { return nil }

// Result is the outcome of a best-effort operation. A failed Result is
// reported and never stops the caller.
type Result struct {
	Op  string
	Err error
}

// Try runs fn and captures its error as a Result.
func Try(op string, fn func() error) Result {
	return Result{Op: op, Err: fn()}
}

func (r Result) OK() bool { return r.Err == nil }

// Report logs a failed result at warn level and reports whether it
// succeeded.
func (r Result) Report(logger *slog.Logger) bool {
	if r.Err == nil {
		return true
	}

	logger.Warn("best-effort operation failed", "op", r.Op, "error", r.Err)

	return false
}
