package model

import (
	"slices"
	"testing"
)

func TestTextPositions(t *testing.T) {
	tests := []struct {
		n    int
		want []int64
	}{
		{1, []int64{1}},
		{4, []int64{1, 2, 3, 4}},
	}
	for _, tt := range tests {
		pos := TextPositions(tt.n)
		if !slices.Equal(pos.Shape(), []int64{1, int64(tt.n)}) {
			t.Errorf("TextPositions(%d) shape = %v", tt.n, pos.Shape())
		}
		if !slices.Equal(pos.Data(), tt.want) {
			t.Errorf("TextPositions(%d) = %v, want %v", tt.n, pos.Data(), tt.want)
		}
	}
}
