// Package loss computes the training objectives over padded batches.
//
// Every function returns a Term carrying both the scalar value and its
// gradient with respect to the prediction, laid out like the prediction, so
// the engine behind model.Model can backpropagate from the outputs.
package loss

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-deepvoice/internal/tensor"
)

// ErrNoMask is returned when a masked loss receives neither lengths nor a
// mask.
var ErrNoMask = errors.New("loss: either lengths or mask is required")

const logitEps = 1e-8

// Term is a scalar loss and ∂Value/∂prediction. Grad is nil for a term that
// is disabled.
type Term struct {
	Value float64
	Grad  []float32
}

// blend returns a*x + b*y.
func blend(x Term, a float64, y Term, b float64) Term {
	out := Term{Value: a*x.Value + b*y.Value}
	n := max(len(x.Grad), len(y.Grad))
	if n == 0 {
		return out
	}
	out.Grad = make([]float32, n)
	for i := range x.Grad {
		out.Grad[i] += float32(a * float64(x.Grad[i]))
	}
	for i := range y.Grad {
		out.Grad[i] += float32(b * float64(y.Grad[i]))
	}
	return out
}

// SequenceMask returns a [B, maxLen, 1] mask that is 1 where position < length.
func SequenceMask(lengths []int, maxLen int) *tensor.Float32 {
	m, _ := tensor.Zeros[float32]([]int64{int64(len(lengths)), int64(maxLen), 1})
	data := m.RawData()
	for b, n := range lengths {
		for t := range min(n, maxLen) {
			data[b*maxLen+t] = 1
		}
	}
	return m
}

func checkPair(pred, target *tensor.Float32) error {
	if pred == nil || target == nil {
		return errors.New("loss: nil prediction or target")
	}
	ps, ts := pred.Shape(), target.Shape()
	if len(ps) != len(ts) {
		return fmt.Errorf("loss: prediction shape %v does not match target %v", ps, ts)
	}
	for i := range ps {
		if ps[i] != ts[i] {
			return fmt.Errorf("loss: prediction shape %v does not match target %v", ps, ts)
		}
	}
	return nil
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

// L1 is the plain mean absolute error over every element, padding included.
func L1(pred, target *tensor.Float32) (Term, error) {
	if err := checkPair(pred, target); err != nil {
		return Term{}, err
	}
	p, y := pred.RawData(), target.RawData()
	n := len(p)
	if n == 0 {
		return Term{Grad: []float32{}}, nil
	}

	grad := make([]float32, n)
	var sum float64
	for i := range p {
		d := float64(p[i]) - float64(y[i])
		sum += math.Abs(d)
		grad[i] = float32(sign(d) / float64(n))
	}
	return Term{Value: sum / float64(n), Grad: grad}, nil
}

// resolveMask builds a [B, T, 1] mask from lengths when mask is nil.
func resolveMask(pred *tensor.Float32, lengths []int, mask *tensor.Float32) (*tensor.Float32, error) {
	if mask == nil {
		if lengths == nil {
			return nil, ErrNoMask
		}
		mask = SequenceMask(lengths, pred.Dim(1))
	}
	ms := mask.Shape()
	if len(ms) != 3 || ms[2] != 1 || int(ms[0]) != pred.Dim(0) || int(ms[1]) != pred.Dim(1) {
		return nil, fmt.Errorf("loss: mask shape %v does not fit prediction %v", ms, pred.Shape())
	}
	return mask, nil
}

// maskedMean averages per-element values v ([B, T, D]) over positions where
// mask ([B, T, 1]) is set. It returns the mean and the per-element weight
// mask/Σmask that the gradient is scaled by.
func maskedMean(v []float64, b, t, d int, mask []float32) (float64, []float64) {
	var denom float64
	for _, m := range mask {
		denom += float64(m)
	}
	denom *= float64(d)

	w := make([]float64, len(v))
	if denom == 0 {
		return 0, w
	}

	var sum float64
	for i := range b * t {
		m := float64(mask[i])
		if m == 0 {
			continue
		}
		for k := range d {
			idx := i*d + k
			sum += v[idx] * m
			w[idx] = m / denom
		}
	}
	return sum / denom, w
}

// MaskedL1 is Σ|pred-target|·mask / Σmask, the mean absolute error over valid
// positions only. Either lengths or mask ([B, T, 1]) must be given.
func MaskedL1(pred, target *tensor.Float32, lengths []int, mask *tensor.Float32) (Term, error) {
	if err := checkPair(pred, target); err != nil {
		return Term{}, err
	}
	mask, err := resolveMask(pred, lengths, mask)
	if err != nil {
		return Term{}, err
	}
	if pred.Rank() != 3 {
		return Term{}, fmt.Errorf("loss: masked L1 needs [B, T, D], got %v", pred.Shape())
	}

	b, t, d := pred.Dim(0), pred.Dim(1), pred.Dim(2)
	p, y := pred.RawData(), target.RawData()

	abs := make([]float64, len(p))
	for i := range p {
		abs[i] = math.Abs(float64(p[i]) - float64(y[i]))
	}
	value, w := maskedMean(abs, b, t, d, mask.RawData())

	grad := make([]float32, len(p))
	for i := range p {
		grad[i] = float32(sign(float64(p[i])-float64(y[i])) * w[i])
	}
	return Term{Value: value, Grad: grad}, nil
}

// BinaryCrossEntropy is the mean of -(y·log p + (1-y)·log(1-p)) with each
// log clamped at -100.
func BinaryCrossEntropy(pred, target *tensor.Float32) (Term, error) {
	if pred == nil || target == nil {
		return Term{}, errors.New("loss: nil prediction or target")
	}
	if pred.ElemCount() != target.ElemCount() {
		return Term{}, fmt.Errorf("loss: BCE prediction has %d elements, target %d", pred.ElemCount(), target.ElemCount())
	}
	p, y := pred.RawData(), target.RawData()
	n := len(p)
	if n == 0 {
		return Term{Grad: []float32{}}, nil
	}

	const floor = -100.0
	grad := make([]float32, n)
	var sum float64
	for i := range p {
		pi, yi := float64(p[i]), float64(y[i])

		logP, dLogP := math.Log(pi), 1/pi
		if logP < floor || math.IsNaN(logP) {
			logP, dLogP = floor, 0
		}
		log1P, dLog1P := math.Log(1-pi), -1/(1-pi)
		if log1P < floor || math.IsNaN(log1P) {
			log1P, dLog1P = floor, 0
		}

		sum -= yi*logP + (1-yi)*log1P
		grad[i] = float32(-(yi*dLogP + (1-yi)*dLog1P) / float64(n))
	}
	return Term{Value: sum / float64(n), Grad: grad}, nil
}

func softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// BinaryDivergence treats predictions as probabilities and scores them with
// z = -y·logit(ŷ) + log(1+exp(logit(ŷ))), blended as masked mean (weight
// maskedWeight) plus unmasked mean.
func BinaryDivergence(pred, target, mask *tensor.Float32, maskedWeight float64) (Term, error) {
	if err := checkPair(pred, target); err != nil {
		return Term{}, err
	}
	mask, err := resolveMask(pred, nil, mask)
	if err != nil {
		return Term{}, err
	}

	b, t, d := pred.Dim(0), pred.Dim(1), pred.Dim(2)
	p, y := pred.RawData(), target.RawData()
	n := len(p)

	z := make([]float64, n)
	dz := make([]float64, n)
	var total float64
	for i := range p {
		pi, yi := float64(p[i]), float64(y[i])
		l := math.Log(pi+logitEps) - math.Log(1-pi+logitEps)
		z[i] = -yi*l + softplus(l)
		total += z[i]
		dl := 1/(pi+logitEps) + 1/(1-pi+logitEps)
		dz[i] = (sigmoid(l) - yi) * dl
	}

	maskedValue, w := maskedMean(z, b, t, d, mask.RawData())
	unmasked := 0.0
	if n > 0 {
		unmasked = total / float64(n)
	}

	grad := make([]float32, n)
	for i := range grad {
		gi := maskedWeight * w[i]
		if n > 0 {
			gi += (1 - maskedWeight) / float64(n)
		}
		grad[i] = float32(dz[i] * gi)
	}
	return Term{Value: maskedWeight*maskedValue + (1-maskedWeight)*unmasked, Grad: grad}, nil
}

// SpecOptions configures SpecLoss.
type SpecOptions struct {
	// MaskedWeight blends masked L1 against plain L1. The reference value
	// is 0.5.
	MaskedWeight           float64
	PriorityBin            int
	PriorityWeight         float64
	BinaryDivergenceWeight float64
}

// SpecLoss returns the blended L1 term and the binary divergence term for a
// [B, T, D] spectrogram prediction. The binary divergence is zero when its
// weight is ≤ 0.
func SpecLoss(pred, target, mask *tensor.Float32, opts SpecOptions) (Term, Term, error) {
	l1, err := blendedL1(pred, target, mask, opts.MaskedWeight)
	if err != nil {
		return Term{}, Term{}, err
	}

	if opts.PriorityBin > 0 && opts.PriorityWeight > 0 {
		bin := int64(min(opts.PriorityBin, pred.Dim(2)))
		pp, err := pred.Narrow(2, 0, bin)
		if err != nil {
			return Term{}, Term{}, err
		}
		pt, err := target.Narrow(2, 0, bin)
		if err != nil {
			return Term{}, Term{}, err
		}
		prio, err := blendedL1(pp, pt, mask, opts.MaskedWeight)
		if err != nil {
			return Term{}, Term{}, err
		}
		prio.Grad = widenLastDim(prio.Grad, pred.Dim(0)*pred.Dim(1), int(bin), pred.Dim(2))
		l1 = blend(l1, 1-opts.PriorityWeight, prio, opts.PriorityWeight)
	}

	if opts.BinaryDivergenceWeight <= 0 {
		return l1, Term{}, nil
	}
	bdiv, err := BinaryDivergence(pred, target, mask, opts.MaskedWeight)
	if err != nil {
		return Term{}, Term{}, err
	}
	return l1, bdiv, nil
}

func blendedL1(pred, target, mask *tensor.Float32, maskedWeight float64) (Term, error) {
	masked, err := MaskedL1(pred, target, nil, mask)
	if err != nil {
		return Term{}, err
	}
	plain, err := L1(pred, target)
	if err != nil {
		return Term{}, err
	}
	return blend(masked, maskedWeight, plain, 1-maskedWeight), nil
}

// widenLastDim scatters a [rows, narrow] gradient into [rows, wide] with zeros
// in the extra columns.
func widenLastDim(g []float32, rows, narrow, wide int) []float32 {
	out := make([]float32, rows*wide)
	for r := range rows {
		copy(out[r*wide:r*wide+narrow], g[r*narrow:(r+1)*narrow])
	}
	return out
}
