// Package batch aligns variable-length utterances into fixed-size training
// batches.
//
// Spectrogram targets are padded along time to a common length that is a
// multiple of outputs_per_step*downsample_step, and every target carries a
// block of b_pad = outputs_per_step leading zero frames that stands in for
// the zeroed initial decoder state.
package batch

import (
	"errors"
	"fmt"

	"github.com/example/go-deepvoice/internal/tensor"
	"gonum.org/v1/gonum/mat"
)

// ErrEmptySequence is returned when an utterance has no tokens or no frames.
var ErrEmptySequence = errors.New("batch: empty sequence")

// Utterance is one training example: token ids plus its mel [T × n_mels] and
// linear [T × n_freq] spectrograms.
type Utterance struct {
	Tokens []int64
	Mel    *mat.Dense
	Linear *mat.Dense
}

// Frames returns the number of mel frames.
func (u Utterance) Frames() int {
	if u.Mel == nil {
		return 0
	}
	r, _ := u.Mel.Dims()
	return r
}

// Options sets the reduction factor, downsample ratio and token padding
// value used by Collate.
type Options struct {
	R              int   // outputs per decoder step
	DownsampleStep int   // linear/mel frame ratio
	PaddingIdx     int64 // token padding value
}

func (o Options) validate() error {
	if o.R < 1 {
		return fmt.Errorf("batch: outputs_per_step must be >= 1, got %d", o.R)
	}
	if o.DownsampleStep < 1 {
		return fmt.Errorf("batch: downsample_step must be >= 1, got %d", o.DownsampleStep)
	}
	return nil
}

// Batch holds uniformly shaped tensors for B utterances.
type Batch struct {
	Tokens         *tensor.Int64   // [B, MaxInputLen]
	Mel            *tensor.Float32 // [B, MaxTargetLen, n_mels]
	Linear         *tensor.Float32 // [B, MaxTargetLen, n_freq]
	TextPositions  *tensor.Int64   // [B, MaxInputLen], 1-based, 0 = padding
	FramePositions *tensor.Int64   // [B, MaxDecoderLen], 1-based
	Done           *tensor.Float32 // [B, MaxDecoderLen, 1]

	InputLengths  []int // tokens per utterance before padding
	TargetLengths []int // mel frames per utterance before padding

	MaxInputLen   int
	MaxTargetLen  int
	MaxDecoderLen int

	R              int
	DownsampleStep int
	BPad           int
}

// Size returns the batch dimension.
func (b *Batch) Size() int { return len(b.InputLengths) }

// DecoderLengths returns per-utterance decoder step counts
// (target frames / r / downsample_step).
func (b *Batch) DecoderLengths() []int {
	out := make([]int, len(b.TargetLengths))
	for i, n := range b.TargetLengths {
		out[i] = n / b.R / b.DownsampleStep
	}
	return out
}

// DownsampleMel returns the mel targets sampled every DownsampleStep frames,
// which is what the decoder is teacher-forced with.
func (b *Batch) DownsampleMel() (*tensor.Float32, error) {
	if b.DownsampleStep <= 1 {
		return b.Mel, nil
	}

	shape := b.Mel.Shape()
	bsz, t, d := shape[0], shape[1], shape[2]
	outT := (t + int64(b.DownsampleStep) - 1) / int64(b.DownsampleStep)

	out, err := tensor.Zeros[float32]([]int64{bsz, outT, d})
	if err != nil {
		return nil, err
	}

	src := b.Mel.RawData()
	dst := out.RawData()
	for i := range bsz {
		for j := range outT {
			s := (i*t + j*int64(b.DownsampleStep)) * d
			o := (i*outT + j) * d
			copy(dst[o:o+d], src[s:s+d])
		}
	}
	return out, nil
}

// Collate builds a Batch from utts.
func Collate(utts []Utterance, opts Options) (*Batch, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if len(utts) == 0 {
		return nil, errors.New("batch: no utterances")
	}

	r, ds := opts.R, opts.DownsampleStep
	bsz := len(utts)

	inputLengths := make([]int, bsz)
	targetLengths := make([]int, bsz)
	maxInputLen, maxTargetLen := 0, 0
	nMels, nFreq := 0, 0

	for i, u := range utts {
		if len(u.Tokens) == 0 || u.Mel == nil || u.Linear == nil {
			return nil, fmt.Errorf("%w: utterance %d", ErrEmptySequence, i)
		}
		frames, melDim := u.Mel.Dims()
		_, linDim := u.Linear.Dims()
		if frames == 0 {
			return nil, fmt.Errorf("%w: utterance %d has no frames", ErrEmptySequence, i)
		}
		if i == 0 {
			nMels, nFreq = melDim, linDim
		} else if melDim != nMels || linDim != nFreq {
			return nil, fmt.Errorf("batch: utterance %d has feature dims (%d, %d), want (%d, %d)", i, melDim, linDim, nMels, nFreq)
		}

		inputLengths[i] = len(u.Tokens)
		targetLengths[i] = frames
		maxInputLen = max(maxInputLen, len(u.Tokens))
		maxTargetLen = max(maxTargetLen, frames)
	}

	maxTargetLen = PaddedTargetLen(maxTargetLen, r, ds)
	bPad := r
	maxDecoderLen := maxTargetLen / r / ds

	tokens, err := tensor.Full[int64]([]int64{int64(bsz), int64(maxInputLen)}, opts.PaddingIdx)
	if err != nil {
		return nil, err
	}
	textPos, err := tensor.Zeros[int64]([]int64{int64(bsz), int64(maxInputLen)})
	if err != nil {
		return nil, err
	}
	framePos, err := tensor.Zeros[int64]([]int64{int64(bsz), int64(maxDecoderLen)})
	if err != nil {
		return nil, err
	}
	done, err := tensor.Zeros[float32]([]int64{int64(bsz), int64(maxDecoderLen), 1})
	if err != nil {
		return nil, err
	}

	tok := tokens.RawData()
	tp := textPos.RawData()
	fp := framePos.RawData()
	dn := done.RawData()

	for i, u := range utts {
		copy(tok[i*maxInputLen:], u.Tokens)
		for j := range u.Tokens {
			tp[i*maxInputLen+j] = int64(j + 1)
		}
		for j := range maxDecoderLen {
			fp[i*maxDecoderLen+j] = int64(j + 1)
		}

		// Zeros for all real decoder steps but the last, ones for the tail.
		steps := targetLengths[i]/r/ds - 1
		for j := max(steps, 0); j < maxDecoderLen; j++ {
			dn[i*maxDecoderLen+j] = 1
		}
	}

	melBatch, err := padFrames(utts, func(u Utterance) *mat.Dense { return u.Mel }, nMels, maxTargetLen, bPad)
	if err != nil {
		return nil, fmt.Errorf("batch: mel: %w", err)
	}
	linBatch, err := padFrames(utts, func(u Utterance) *mat.Dense { return u.Linear }, nFreq, maxTargetLen, bPad)
	if err != nil {
		return nil, fmt.Errorf("batch: linear: %w", err)
	}

	return &Batch{
		Tokens:         tokens,
		Mel:            melBatch,
		Linear:         linBatch,
		TextPositions:  textPos,
		FramePositions: framePos,
		Done:           done,
		InputLengths:   inputLengths,
		TargetLengths:  targetLengths,
		MaxInputLen:    maxInputLen,
		MaxTargetLen:   maxTargetLen,
		MaxDecoderLen:  maxDecoderLen,
		R:              r,
		DownsampleStep: ds,
		BPad:           bPad,
	}, nil
}

// PaddedTargetLen rounds n up to a multiple of r*ds and adds the r*ds leading
// padding frames. For r == 1 or ds == 1 this equals rounding to r and then to
// ds. When both exceed 1 the sequential rounding can stop at a length that is
// not a multiple of r*ds (n=6, r=2, ds=2 gives 10); the combined multiple
// keeps every padded length a whole number of decoder steps.
func PaddedTargetLen(n, r, ds int) int {
	step := r * ds
	if n%step != 0 {
		n += step - n%step
	}
	return n + step
}

// padFrames stacks [T × dim] matrices into [B, maxLen, dim] with bPad leading
// zero rows and trailing zeros.
func padFrames(utts []Utterance, pick func(Utterance) *mat.Dense, dim, maxLen, bPad int) (*tensor.Float32, error) {
	out, err := tensor.Zeros[float32]([]int64{int64(len(utts)), int64(maxLen), int64(dim)})
	if err != nil {
		return nil, err
	}

	data := out.RawData()
	for i, u := range utts {
		m := pick(u)
		rows, _ := m.Dims()
		if rows+bPad > maxLen {
			return nil, fmt.Errorf("utterance %d has %d frames, exceeds padded length %d", i, rows, maxLen)
		}
		base := i * maxLen * dim
		for t := range rows {
			row := data[base+(t+bPad)*dim : base+(t+bPad+1)*dim]
			for k := range dim {
				row[k] = float32(m.At(t, k))
			}
		}
	}
	return out, nil
}
