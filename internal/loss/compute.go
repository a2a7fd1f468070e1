package loss

import (
	"fmt"
	"math"

	"github.com/example/go-deepvoice/internal/batch"
	"github.com/example/go-deepvoice/internal/model"
	"github.com/example/go-deepvoice/internal/tensor"
)

// Options holds the loss hyperparameters.
type Options struct {
	SampleRate             int
	PriorityFreq           float64
	PriorityFreqWeight     float64
	BinaryDivergenceWeight float64
	MaskedWeight           float64
	UseGuidedAttention     bool
	GuidedAttentionSigma   float64
}

// Breakdown holds every scalar that makes up the total loss.
type Breakdown struct {
	Total           float64
	Mel             float64
	MelL1           float64
	MelBinaryDiv    float64
	Linear          float64
	LinearL1        float64
	LinearBinaryDiv float64
	Done            float64
	Attention       float64
	HasAttention    bool
}

// Finite reports whether every component is a finite number.
func (b Breakdown) Finite() bool {
	for _, v := range []float64{
		b.Total, b.Mel, b.MelL1, b.MelBinaryDiv, b.Linear,
		b.LinearL1, b.LinearBinaryDiv, b.Done, b.Attention,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// PriorityBins converts a priority frequency in Hz into a count of linear
// spectrogram bins.
func PriorityBins(priorityFreq float64, sampleRate, linearDim int) int {
	if sampleRate <= 0 {
		return 0
	}
	return int(priorityFreq / (float64(sampleRate) * 0.5) * float64(linearDim))
}

// Compute scores model outputs against a batch. mel is the teacher-forcing
// input (b.DownsampleMel()). Each decoder block predicts the next block, so
// outputs[:, :-r] are compared against targets[:, r:].
func Compute(out *model.Outputs, b *batch.Batch, mel *tensor.Float32, opts Options) (Breakdown, *model.Gradients, error) {
	if out == nil || out.Mel == nil || out.Linear == nil || out.Done == nil {
		return Breakdown{}, nil, fmt.Errorf("loss: incomplete model outputs")
	}
	r := b.R
	w := opts.BinaryDivergenceWeight
	var bd Breakdown
	grads := &model.Gradients{}

	melLens, linLens := MaskLengths(b.TargetLengths, r, b.DownsampleStep)
	melMask := SequenceMask(melLens, mel.Dim(1))
	linMask := SequenceMask(linLens, b.Linear.Dim(1))

	melL1, melBDiv, melGrad, err := shiftedSpecLoss(out.Mel, mel, melMask, r, SpecOptions{
		MaskedWeight:           opts.MaskedWeight,
		BinaryDivergenceWeight: w,
	})
	if err != nil {
		return Breakdown{}, nil, fmt.Errorf("mel: %w", err)
	}
	bd.MelL1, bd.MelBinaryDiv = melL1, melBDiv
	bd.Mel = (1-w)*melL1 + w*melBDiv
	grads.Mel = melGrad

	linearDim := out.Linear.Dim(2)
	linL1, linBDiv, linGrad, err := shiftedSpecLoss(out.Linear, b.Linear, linMask, r, SpecOptions{
		MaskedWeight:           opts.MaskedWeight,
		PriorityBin:            PriorityBins(opts.PriorityFreq, opts.SampleRate, linearDim),
		PriorityWeight:         opts.PriorityFreqWeight,
		BinaryDivergenceWeight: w,
	})
	if err != nil {
		return Breakdown{}, nil, fmt.Errorf("linear: %w", err)
	}
	bd.LinearL1, bd.LinearBinaryDiv = linL1, linBDiv
	bd.Linear = (1-w)*linL1 + w*linBDiv
	grads.Linear = linGrad

	done, err := BinaryCrossEntropy(out.Done, b.Done)
	if err != nil {
		return Breakdown{}, nil, fmt.Errorf("done: %w", err)
	}
	bd.Done = done.Value
	grads.Done, _ = tensor.Wrap(done.Grad, out.Done.Shape())

	bd.Total = bd.Mel + bd.Linear + bd.Done

	if opts.UseGuidedAttention && out.Attention != nil {
		soft, err := GuidedAttentions(b.InputLengths, b.DecoderLengths(), out.Attention.Dim(-2), opts.GuidedAttentionSigma)
		if err != nil {
			return Breakdown{}, nil, err
		}
		attn, err := AttentionPenalty(out.Attention, soft)
		if err != nil {
			return Breakdown{}, nil, fmt.Errorf("attention: %w", err)
		}
		bd.Attention = attn.Value
		bd.HasAttention = true
		bd.Total += attn.Value
		grads.Attention, _ = tensor.Wrap(attn.Grad, out.Attention.Shape())
	}

	return bd, grads, nil
}

// MaskLengths returns the valid prefix lengths of the mel and linear loss
// masks. The mel mask lives in the decoder domain (T / (r·ds) steps). The
// linear mask counts spectrogram frames when ds > 1 and reuses the decoder
// mask otherwise. Lengths count from the start of the padded axis, so the
// leading b_pad block is part of the prefix.
func MaskLengths(targetLengths []int, r, ds int) (mel, linear []int) {
	mel = make([]int, len(targetLengths))
	linear = make([]int, len(targetLengths))
	for i, n := range targetLengths {
		mel[i] = n / (r * ds)
		if ds > 1 {
			linear[i] = n
		} else {
			linear[i] = mel[i]
		}
	}
	return mel, linear
}

// shiftedSpecLoss compares pred[:, :-r] with target[:, r:] under mask[:, r:]
// and returns the L1 and binary divergence values plus the gradient of
// (1-w)·l1 + w·bdiv scattered back to pred's full shape.
func shiftedSpecLoss(pred, target, mask *tensor.Float32, r int, opts SpecOptions) (float64, float64, *tensor.Float32, error) {
	t := pred.Dim(1)
	if target.Dim(1) != t {
		return 0, 0, nil, fmt.Errorf("loss: prediction has %d frames, target %d", t, target.Dim(1))
	}
	if t <= r {
		return 0, 0, nil, fmt.Errorf("loss: %d frames leave nothing to compare after shifting by %d", t, r)
	}

	n := int64(t - r)
	ph, err := pred.Narrow(1, 0, n)
	if err != nil {
		return 0, 0, nil, err
	}
	tt, err := target.Narrow(1, int64(r), n)
	if err != nil {
		return 0, 0, nil, err
	}
	mt, err := mask.Narrow(1, int64(r), n)
	if err != nil {
		return 0, 0, nil, err
	}

	l1, bdiv, err := SpecLoss(ph, tt, mt, opts)
	if err != nil {
		return 0, 0, nil, err
	}

	w := opts.BinaryDivergenceWeight
	if w < 0 {
		w = 0
	}
	combined := blend(l1, 1-w, bdiv, w)

	grad, err := tensor.Zeros[float32](pred.Shape())
	if err != nil {
		return 0, 0, nil, err
	}
	scatterHead(grad.RawData(), combined.Grad, pred.Dim(0), t, int(n), pred.Dim(2))
	return l1.Value, bdiv.Value, grad, nil
}

// scatterHead copies a [B, n, D] gradient into the first n frames of a
// [B, t, D] buffer.
func scatterHead(dst, src []float32, b, t, n, d int) {
	if len(src) == 0 {
		return
	}
	for i := range b {
		copy(dst[i*t*d:i*t*d+n*d], src[i*n*d:(i+1)*n*d])
	}
}
