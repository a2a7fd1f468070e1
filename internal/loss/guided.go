package loss

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/example/go-deepvoice/internal/tensor"
	"gonum.org/v1/gonum/mat"
)

// GuidedAttention returns the [maxN × maxT] soft penalty for one utterance
// with n encoder and t decoder steps:
//
//	W[n, t] = 1 - exp(-(n/N - t/T)² / (2g²))
//
// Cells outside the true lengths stay zero.
func GuidedAttention(n, maxN, t, maxT int, g float64) *mat.Dense {
	w := mat.NewDense(max(maxN, 1), max(maxT, 1), nil)
	for i := range min(n, maxN) {
		for j := range min(t, maxT) {
			d := float64(i)/float64(n) - float64(j)/float64(t)
			w.Set(i, j, 1-math.Exp(-(d*d)/(2*g*g)))
		}
	}
	return w
}

// GuidedAttentions stacks per-utterance penalties into a [B, maxT, maxN]
// tensor, transposed to the decoder-major layout of attention weights. maxN
// is the longest input length.
func GuidedAttentions(inputLengths, decoderLengths []int, maxT int, g float64) (*tensor.Float32, error) {
	if len(inputLengths) != len(decoderLengths) {
		return nil, fmt.Errorf("loss: %d input lengths but %d decoder lengths", len(inputLengths), len(decoderLengths))
	}
	if len(inputLengths) == 0 {
		return nil, errors.New("loss: guided attention needs at least one utterance")
	}
	if g <= 0 {
		return nil, fmt.Errorf("loss: guided attention sigma must be > 0, got %v", g)
	}

	maxN := slices.Max(inputLengths)
	out, err := tensor.Zeros[float32]([]int64{int64(len(inputLengths)), int64(maxT), int64(maxN)})
	if err != nil {
		return nil, err
	}

	data := out.RawData()
	for b := range inputLengths {
		w := GuidedAttention(inputLengths[b], maxN, decoderLengths[b], maxT, g)
		wt := w.T()
		base := b * maxT * maxN
		for j := range maxT {
			for i := range maxN {
				data[base+j*maxN+i] = float32(wt.At(j, i))
			}
		}
	}
	return out, nil
}

// AttentionPenalty is mean(attn ⊙ W). attn may carry leading layer axes
// ([L, B, T, N]); W ([B, T, N]) is broadcast over them.
func AttentionPenalty(attn, w *tensor.Float32) (Term, error) {
	if attn == nil || w == nil {
		return Term{}, errors.New("loss: nil attention or penalty mask")
	}
	as, ws := attn.Shape(), w.Shape()
	if len(as) < len(ws) || !slices.Equal(as[len(as)-len(ws):], ws) {
		return Term{}, fmt.Errorf("loss: attention shape %v does not end with penalty shape %v", as, ws)
	}

	a, m := attn.RawData(), w.RawData()
	n := len(a)
	if n == 0 {
		return Term{Grad: []float32{}}, nil
	}

	grad := make([]float32, n)
	var sum float64
	for i := range a {
		wi := float64(m[i%len(m)])
		sum += float64(a[i]) * wi
		grad[i] = float32(wi / float64(n))
	}
	return Term{Value: sum / float64(n), Grad: grad}, nil
}
