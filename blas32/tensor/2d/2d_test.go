package tensor2d_test

import (
	"slices"
	"testing"

	"github.com/sw965/plaguezero/blas32/tensor/2d"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func TestDot(t *testing.T) {
	a := blas32.General{Rows: 2, Cols: 3, Stride: 3, Data: []float32{1, 2, 3, 4, 5, 6}}
	b := blas32.General{Rows: 2, Cols: 2, Stride: 2, Data: []float32{1, 0, 0, 1}}

	tests := []struct {
		name string
		tA   blas.Transpose
		tB   blas.Transpose
		a    blas32.General
		b    blas32.General
		want []float32
		rows int
		cols int
	}{
		{
			name: "正常_AtB",
			tA:   blas.Trans,
			tB:   blas.NoTrans,
			a:    a,
			b:    b,
			want: []float32{1, 4, 2, 5, 3, 6},
			rows: 3,
			cols: 2,
		},
		{
			name: "正常_AAt",
			tA:   blas.NoTrans,
			tB:   blas.Trans,
			a:    a,
			b:    a,
			want: []float32{14, 32, 32, 77},
			rows: 2,
			cols: 2,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tensor2d.Dot(tc.tA, tc.tB, tc.a, tc.b)
			if got.Rows != tc.rows || got.Cols != tc.cols {
				t.Fatalf("shape want: %dx%d, got: %dx%d", tc.rows, tc.cols, got.Rows, got.Cols)
			}
			if !slices.Equal(got.Data, tc.want) {
				t.Errorf("want: %v, got: %v", tc.want, got.Data)
			}
		})
	}
}

func TestSums(t *testing.T) {
	x := blas32.General{Rows: 2, Cols: 3, Stride: 3, Data: []float32{1, 2, 3, 4, 5, 6}}
	if got := tensor2d.Sum0(x).Data; !slices.Equal(got, []float32{5, 7, 9}) {
		t.Errorf("Sum0 got: %v", got)
	}
	if got := tensor2d.Sum1(x).Data; !slices.Equal(got, []float32{6, 15}) {
		t.Errorf("Sum1 got: %v", got)
	}
}

func TestFromRows(t *testing.T) {
	gen, err := tensor2d.FromRows([][]float32{{1, 2}, {3, 4}}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(tensor2d.Row(gen, 1), []float32{3, 4}) {
		t.Errorf("got: %v", gen.Data)
	}
	sel := tensor2d.SelectRows(gen, []int{1, 1, 0})
	if !slices.Equal(sel.Data, []float32{3, 4, 3, 4, 1, 2}) {
		t.Errorf("SelectRows got: %v", sel.Data)
	}

	if _, err := tensor2d.FromRows([][]float32{{1, 2}, {3}}, 2); err == nil {
		t.Errorf("want error for ragged rows")
	}
}
