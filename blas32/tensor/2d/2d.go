package tensor2d

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func NewZeros(rows, cols int) blas32.General {
	return blas32.General{
		Rows:   rows,
		Cols:   cols,
		Stride: cols,
		Data:   make([]float32, rows*cols),
	}
}

func NewZerosLike(gen blas32.General) blas32.General {
	return NewZeros(gen.Rows, gen.Cols)
}

func NewHe(rows, cols int, rng *rand.Rand) blas32.General {
	gen := NewZeros(rows, cols)
	fanIn := float64(rows)
	std := math.Sqrt(2.0 / fanIn)
	for i := range gen.Data {
		gen.Data[i] = float32(rng.NormFloat64() * std)
	}
	return gen
}

// FromRows は各行の長さが cols であるスライスを行優先の行列に詰める。
func FromRows(rows [][]float32, cols int) (blas32.General, error) {
	gen := NewZeros(len(rows), cols)
	for i, row := range rows {
		if len(row) != cols {
			return blas32.General{}, fmt.Errorf("row %d has %d columns, want %d", i, len(row), cols)
		}
		copy(gen.Data[i*cols:], row)
	}
	return gen, nil
}

func N(gen blas32.General) int {
	return gen.Rows * gen.Cols
}

func Clone(gen blas32.General) blas32.General {
	return blas32.General{
		Rows:   gen.Rows,
		Cols:   gen.Cols,
		Stride: gen.Stride,
		Data:   slices.Clone(gen.Data),
	}
}

func At(gen blas32.General, row, col int) int {
	return row*gen.Stride + col
}

// Row returns a view of one row; writes go through to gen.
func Row(gen blas32.General, row int) []float32 {
	offset := row * gen.Stride
	return gen.Data[offset : offset+gen.Cols]
}

// SelectRows copies the given rows into a new contiguous matrix.
func SelectRows(gen blas32.General, idxs []int) blas32.General {
	y := NewZeros(len(idxs), gen.Cols)
	for i, idx := range idxs {
		copy(Row(y, i), Row(gen, idx))
	}
	return y
}

func ToVector(gen blas32.General) blas32.Vector {
	return blas32.Vector{
		N:    N(gen),
		Inc:  1,
		Data: gen.Data,
	}
}

func Scal(alpha float32, gen blas32.General) {
	vec := ToVector(gen)
	blas32.Scal(alpha, vec)
}

func Axpy(alpha float32, x, y blas32.General) {
	xv := ToVector(x)
	yv := ToVector(y)
	blas32.Axpy(alpha, xv, yv)
}

// AddRowVector adds vec to every row of gen in place.
func AddRowVector(gen blas32.General, vec blas32.Vector) {
	for r := 0; r < gen.Rows; r++ {
		row := blas32.Vector{N: gen.Cols, Inc: 1, Data: Row(gen, r)}
		blas32.Axpy(1.0, vec, row)
	}
}

// Sum0 sums over rows, returning one value per column.
func Sum0(gen blas32.General) blas32.Vector {
	sums := make([]float32, gen.Cols)
	for c := 0; c < gen.Cols; c++ {
		var sum float32
		for r := 0; r < gen.Rows; r++ {
			sum += gen.Data[At(gen, r, c)]
		}
		sums[c] = sum
	}

	return blas32.Vector{
		N:    gen.Cols,
		Inc:  1,
		Data: sums,
	}
}

// Sum1 sums over columns, returning one value per row.
func Sum1(gen blas32.General) blas32.Vector {
	sums := make([]float32, gen.Rows)
	for r := 0; r < gen.Rows; r++ {
		var sum float32
		for _, v := range Row(gen, r) {
			sum += v
		}
		sums[r] = sum
	}
	return blas32.Vector{
		N:    gen.Rows,
		Inc:  1,
		Data: sums,
	}
}

// Dot returns op(a)·op(b).
func Dot(tA, tB blas.Transpose, a, b blas32.General) blas32.General {
	rows := a.Rows
	if tA == blas.Trans {
		rows = a.Cols
	}
	cols := b.Cols
	if tB == blas.Trans {
		cols = b.Rows
	}
	y := NewZeros(rows, cols)
	blas32.Gemm(tA, tB, 1.0, a, b, 0.0, y)
	return y
}
