package dataset

import (
	"fmt"
	"io"
	"os"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// ReadNPY decodes a 2-D float32 or float64 .npy array.
func ReadNPY(r io.Reader) (*mat.Dense, error) {
	nr, err := npyio.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("npy: %w", err)
	}

	descr := nr.Header.Descr
	if len(descr.Shape) != 2 {
		return nil, fmt.Errorf("npy: want a 2-D array, got shape %v", descr.Shape)
	}
	rows, cols := descr.Shape[0], descr.Shape[1]
	if rows == 0 || cols == 0 {
		return nil, fmt.Errorf("npy: empty array of shape (%d, %d)", rows, cols)
	}

	var data []float64
	switch descr.Type {
	case "<f4":
		var f32 []float32
		if err := nr.Read(&f32); err != nil {
			return nil, fmt.Errorf("npy: read %d values: %w", rows*cols, err)
		}
		data = make([]float64, len(f32))
		for i, v := range f32 {
			data[i] = float64(v)
		}
	case "<f8":
		if err := nr.Read(&data); err != nil {
			return nil, fmt.Errorf("npy: read %d values: %w", rows*cols, err)
		}
	default:
		return nil, fmt.Errorf("npy: unsupported dtype %q", descr.Type)
	}

	if len(data) != rows*cols {
		return nil, fmt.Errorf("npy: %d values do not fill shape (%d, %d)", len(data), rows, cols)
	}

	if descr.Fortran {
		return mat.DenseCopyOf(mat.NewDense(cols, rows, data).T()), nil
	}

	return mat.NewDense(rows, cols, data), nil
}

// LoadNPY reads a .npy file from disk.
func LoadNPY(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("npy: open: %w", err)
	}
	defer f.Close()

	m, err := ReadNPY(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return m, nil
}
