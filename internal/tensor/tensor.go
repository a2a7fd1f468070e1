package tensor

import (
	"errors"
	"fmt"
	"math"
)

// Number is the set of element types a Tensor can hold. Spectrogram,
// attention and mask tensors are float32; token ids and positions are int64.
type Number interface {
	~float32 | ~int64
}

// Tensor is a dense, row-major tensor.
type Tensor[T Number] struct {
	shape []int64
	data  []T
}

type (
	Float32 = Tensor[float32]
	Int64   = Tensor[int64]
)

// New creates a tensor from data and shape. Both slices are copied.
func New[T Number](data []T, shape []int64) (*Tensor[T], error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if len(data) != total {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (%d elements)", len(data), shape, total)
	}

	s := append([]int64(nil), shape...)
	d := append([]T(nil), data...)

	return &Tensor[T]{shape: s, data: d}, nil
}

// Wrap creates a tensor that takes ownership of data without copying it.
func Wrap[T Number](data []T, shape []int64) (*Tensor[T], error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if len(data) != total {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (%d elements)", len(data), shape, total)
	}

	return &Tensor[T]{shape: append([]int64(nil), shape...), data: data}, nil
}

// Zeros creates a zero-initialized tensor.
func Zeros[T Number](shape []int64) (*Tensor[T], error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	return &Tensor[T]{
		shape: append([]int64(nil), shape...),
		data:  make([]T, total),
	}, nil
}

// Full creates a tensor filled with value.
func Full[T Number](shape []int64, value T) (*Tensor[T], error) {
	t, err := Zeros[T](shape)
	if err != nil {
		return nil, err
	}

	for i := range t.data {
		t.data[i] = value
	}

	return t, nil
}

func (t *Tensor[T]) Shape() []int64 {
	if t == nil {
		return nil
	}

	return append([]int64(nil), t.shape...)
}

// Dim returns the size of dimension i. Negative i counts from the end.
func (t *Tensor[T]) Dim(i int) int {
	if t == nil {
		return 0
	}

	d, err := normalizeDim(i, len(t.shape))
	if err != nil {
		return 0
	}

	return int(t.shape[d])
}

// Data returns a copy of the underlying tensor data.
func (t *Tensor[T]) Data() []T {
	if t == nil {
		return nil
	}

	return append([]T(nil), t.data...)
}

// RawData returns the underlying data slice.
// Callers must treat it as read-only unless they own the tensor.
func (t *Tensor[T]) RawData() []T {
	if t == nil {
		return nil
	}

	return t.data
}

func (t *Tensor[T]) ElemCount() int {
	if t == nil {
		return 0
	}

	return len(t.data)
}

func (t *Tensor[T]) Rank() int {
	if t == nil {
		return 0
	}

	return len(t.shape)
}

// At returns the element at the given coordinate.
func (t *Tensor[T]) At(coord ...int64) T {
	return t.data[coordToLinear(coord, computeStrides(t.shape))]
}

// Set writes v at the given coordinate.
func (t *Tensor[T]) Set(v T, coord ...int64) {
	t.data[coordToLinear(coord, computeStrides(t.shape))] = v
}

// Clone returns a deep copy.
func (t *Tensor[T]) Clone() *Tensor[T] {
	if t == nil {
		return nil
	}

	dup, _ := New(t.data, t.shape)

	return dup
}

// Reshape returns a tensor with a new shape and copied values.
func (t *Tensor[T]) Reshape(shape []int64) (*Tensor[T], error) {
	if t == nil {
		return nil, errors.New("tensor: reshape on nil tensor")
	}

	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if total != len(t.data) {
		return nil, fmt.Errorf("tensor: cannot reshape %v (%d elements) to %v (%d elements)", t.shape, len(t.data), shape, total)
	}

	return &Tensor[T]{shape: append([]int64(nil), shape...), data: append([]T(nil), t.data...)}, nil
}

// Narrow slices the tensor along a single dimension.
func (t *Tensor[T]) Narrow(dim int, start, length int64) (*Tensor[T], error) {
	if t == nil {
		return nil, errors.New("tensor: narrow on nil tensor")
	}

	dim, err := normalizeDim(dim, len(t.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: narrow: %w", err)
	}

	if start < 0 || length < 0 || start+length > t.shape[dim] {
		return nil, fmt.Errorf("tensor: narrow: range [%d:%d] out of bounds for dim %d size %d", start, start+length, dim, t.shape[dim])
	}

	outShape := append([]int64(nil), t.shape...)
	outShape[dim] = length

	out, err := Zeros[T](outShape)
	if err != nil {
		return nil, err
	}

	// Contiguous block copy: everything after dim is one run.
	inner := int64(1)
	for i := dim + 1; i < len(t.shape); i++ {
		inner *= t.shape[i]
	}

	outer := int64(1)
	for i := range dim {
		outer *= t.shape[i]
	}

	span := length * inner
	for o := range outer {
		src := o*t.shape[dim]*inner + start*inner
		copy(out.data[o*span:(o+1)*span], t.data[src:src+span])
	}

	return out, nil
}

// Select removes dimension dim by picking a single index along it.
func (t *Tensor[T]) Select(dim int, index int64) (*Tensor[T], error) {
	n, err := t.Narrow(dim, index, 1)
	if err != nil {
		return nil, err
	}

	d, _ := normalizeDim(dim, len(t.shape))
	shape := append(append([]int64(nil), n.shape[:d]...), n.shape[d+1:]...)
	n.shape = shape

	return n, nil
}

// Transpose swaps dim1 and dim2.
func (t *Tensor[T]) Transpose(dim1, dim2 int) (*Tensor[T], error) {
	if t == nil {
		return nil, errors.New("tensor: transpose on nil tensor")
	}

	rank := len(t.shape)

	d1, err := normalizeDim(dim1, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: transpose dim1: %w", err)
	}

	d2, err := normalizeDim(dim2, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: transpose dim2: %w", err)
	}

	if d1 == d2 {
		return t.Clone(), nil
	}

	outShape := append([]int64(nil), t.shape...)
	outShape[d1], outShape[d2] = outShape[d2], outShape[d1]

	out, err := Zeros[T](outShape)
	if err != nil {
		return nil, err
	}

	srcStrides := computeStrides(t.shape)
	outStrides := computeStrides(outShape)
	outCoord := make([]int64, rank)
	srcCoord := make([]int64, rank)

	for i := range out.data {
		linearToCoord(int64(i), outShape, outStrides, outCoord)
		copy(srcCoord, outCoord)
		srcCoord[d1], srcCoord[d2] = outCoord[d2], outCoord[d1]
		out.data[i] = t.data[coordToLinear(srcCoord, srcStrides)]
	}

	return out, nil
}

// MeanDim0 averages a tensor over its leading dimension.
func MeanDim0(t *Float32) (*Float32, error) {
	if t == nil || len(t.shape) < 2 {
		return nil, errors.New("tensor: mean over dim 0 needs rank >= 2")
	}

	outShape := append([]int64(nil), t.shape[1:]...)

	out, err := Zeros[float32](outShape)
	if err != nil {
		return nil, err
	}

	n := int(t.shape[0])
	if n == 0 {
		return out, nil
	}

	inner := len(out.data)
	for i := range n {
		block := t.data[i*inner : (i+1)*inner]
		for j, v := range block {
			out.data[j] += v
		}
	}

	for j := range out.data {
		out.data[j] /= float32(n)
	}

	return out, nil
}

// AllFinite reports whether no element is NaN or ±Inf.
func AllFinite(t *Float32) bool {
	for _, v := range t.RawData() {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}

	return true
}

func shapeElemCount(shape []int64) (int, error) {
	total := int64(1)

	for i, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("tensor: shape %v has negative dimension at %d", shape, i)
		}

		if d != 0 && total > math.MaxInt64/d {
			return 0, fmt.Errorf("tensor: shape %v too large", shape)
		}

		total *= d
	}

	if total > int64(^uint(0)>>1) {
		return 0, fmt.Errorf("tensor: shape %v exceeds platform int size", shape)
	}

	return int(total), nil
}

func normalizeDim(dim, rank int) (int, error) {
	if rank < 0 {
		return 0, fmt.Errorf("invalid rank %d", rank)
	}

	if dim < 0 {
		dim += rank
	}

	if dim < 0 || dim >= rank {
		return 0, fmt.Errorf("dim %d out of range for rank %d", dim, rank)
	}

	return dim, nil
}

func computeStrides(shape []int64) []int64 {
	if len(shape) == 0 {
		return nil
	}

	strides := make([]int64, len(shape))

	stride := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}

	return strides
}

func linearToCoord(linear int64, shape, strides, out []int64) {
	for i := range shape {
		if shape[i] == 0 {
			out[i] = 0
			continue
		}

		out[i] = (linear / strides[i]) % shape[i]
	}
}

func coordToLinear(coord, strides []int64) int64 {
	var off int64
	for i, c := range coord {
		off += c * strides[i]
	}

	return off
}
