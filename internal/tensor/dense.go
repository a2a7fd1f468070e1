package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ToDense copies a rank-2 tensor into a matrix.
func ToDense(t *Float32) (*mat.Dense, error) {
	if t == nil || t.Rank() != 2 {
		return nil, fmt.Errorf("tensor: ToDense needs rank 2, got %v", t.Shape())
	}

	rows, cols := t.Dim(0), t.Dim(1)
	if rows == 0 || cols == 0 {
		return nil, fmt.Errorf("tensor: ToDense of empty shape %v", t.Shape())
	}

	data := make([]float64, len(t.data))
	for i, v := range t.data {
		data[i] = float64(v)
	}

	return mat.NewDense(rows, cols, data), nil
}
