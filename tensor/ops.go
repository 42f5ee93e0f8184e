package tensor

import (
	"fmt"
	"math"

	"github.com/chewxy/math32"
	"github.com/sw965/plaguezero/blas32/tensor/2d"
	"github.com/sw965/plaguezero/model"
	"gonum.org/v1/gonum/blas/blas32"
)

// Shape mismatches are programming errors and panic, as gonum's blas does.

func mustSameShape(op string, a, b *Tensor) {
	if a.Shape() != b.Shape() {
		panic(fmt.Sprintf("tensor.%s: shape %v != %v", op, a.Shape(), b.Shape()))
	}
}

func mustColumn(op string, t *Tensor, rows int) {
	if sh := t.Shape(); sh.Cols != 1 || sh.Rows != rows {
		panic(fmt.Sprintf("tensor.%s: want [%d,1], got %v", op, rows, sh))
	}
}

func (s *Scope) alloc(rows, cols int) *Tensor {
	return s.track(s.arena.zeros(Shape{Rows: rows, Cols: cols}))
}

func (s *Scope) like(t *Tensor) *Tensor {
	sh := t.Shape()
	return s.alloc(sh.Rows, sh.Cols)
}

func (s *Scope) Zeros(rows, cols int) *Tensor {
	return s.alloc(rows, cols)
}

// Upload copies host data to the device. It is counted by the arena.
func (s *Scope) Upload(data []float32, rows, cols int) *Tensor {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("tensor.Upload: %d values for shape [%d,%d]", len(data), rows, cols))
	}
	y := s.alloc(rows, cols)
	copy(y.gen.Data, data)
	s.arena.uploaded += int64(len(data) * bytesPerElement)
	return y
}

func (s *Scope) Clone(t *Tensor) *Tensor {
	return s.track(s.arena.alloc(tensor2d.Clone(t.data())))
}

func (s *Scope) mapUnary(t *Tensor, f func(float32) float32) *Tensor {
	x := t.data()
	y := s.like(t)
	for i, v := range x.Data {
		y.gen.Data[i] = f(v)
	}
	return y
}

// EqualScalar is 1 where t == v and 0 elsewhere.
func (s *Scope) EqualScalar(t *Tensor, v float32) *Tensor {
	return s.mapUnary(t, func(x float32) float32 {
		if x == v {
			return 1
		}
		return 0
	})
}

func (s *Scope) Sign(t *Tensor) *Tensor {
	return s.mapUnary(t, func(x float32) float32 {
		switch {
		case x > 0:
			return 1
		case x < 0:
			return -1
		}
		return 0
	})
}

func (s *Scope) AddScalar(t *Tensor, c float32) *Tensor {
	return s.mapUnary(t, func(x float32) float32 { return x + c })
}

func (s *Scope) Scale(t *Tensor, c float32) *Tensor {
	y := s.Clone(t)
	tensor2d.Scal(c, y.gen)
	return y
}

func (s *Scope) Add(a, b *Tensor) *Tensor {
	mustSameShape("Add", a, b)
	y := s.Clone(a)
	tensor2d.Axpy(1, b.data(), y.gen)
	return y
}

func (s *Scope) Mul(a, b *Tensor) *Tensor {
	mustSameShape("Mul", a, b)
	x, z := a.data(), b.data()
	y := s.like(a)
	for i := range y.gen.Data {
		y.gen.Data[i] = x.Data[i] * z.Data[i]
	}
	return y
}

// MulRows scales every row of t by the matching entry of the [rows,1] column.
func (s *Scope) MulRows(t, col *Tensor) *Tensor {
	x := t.data()
	mustColumn("MulRows", col, x.Rows)
	c := col.data()
	y := s.Clone(t)
	for r := 0; r < x.Rows; r++ {
		blas32.Scal(c.Data[r], blas32.Vector{N: x.Cols, Inc: 1, Data: tensor2d.Row(y.gen, r)})
	}
	return y
}

// SumRows returns the [rows,1] column of row sums.
func (s *Scope) SumRows(t *Tensor) *Tensor {
	sums := tensor2d.Sum1(t.data())
	y := s.alloc(len(sums.Data), 1)
	copy(y.gen.Data, sums.Data)
	return y
}

// RandomUniform draws every element from U[0,1) with the arena's generator.
func (s *Scope) RandomUniform(rows, cols int) *Tensor {
	y := s.alloc(rows, cols)
	for i := range y.gen.Data {
		y.gen.Data[i] = s.arena.rng.Float32()
	}
	return y
}

// NeighborSum treats each row of t as a boardRows x boardCols grid and sums the four
// orthogonal neighbours of every cell, with zero padding at the edges.
func (s *Scope) NeighborSum(t *Tensor, boardRows, boardCols int) *Tensor {
	x := t.data()
	if x.Cols != boardRows*boardCols {
		panic(fmt.Sprintf("tensor.NeighborSum: %d columns for a %dx%d board", x.Cols, boardRows, boardCols))
	}
	y := s.like(t)
	for n := 0; n < x.Rows; n++ {
		src := tensor2d.Row(x, n)
		dst := tensor2d.Row(y.gen, n)
		for r := 0; r < boardRows; r++ {
			for c := 0; c < boardCols; c++ {
				var sum float32
				if r > 0 {
					sum += src[(r-1)*boardCols+c]
				}
				if r < boardRows-1 {
					sum += src[(r+1)*boardCols+c]
				}
				if c > 0 {
					sum += src[r*boardCols+c-1]
				}
				if c < boardCols-1 {
					sum += src[r*boardCols+c+1]
				}
				dst[r*boardCols+c] = sum
			}
		}
	}
	return y
}

func softmaxRow(logits []float32) []float64 {
	maxLogit := math.Inf(-1)
	for _, v := range logits {
		maxLogit = max(maxLogit, float64(v))
	}
	probs := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		probs[i] = math.Exp(float64(v) - maxLogit)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// Categorical samples one column index per row from softmax(logits) and returns
// them as a [rows,1] tensor.
func (s *Scope) Categorical(logits *Tensor) *Tensor {
	x := logits.data()
	y := s.alloc(x.Rows, 1)
	for r := 0; r < x.Rows; r++ {
		probs := softmaxRow(tensor2d.Row(x, r))
		u := s.arena.rng.Float64()
		choice := len(probs) - 1
		var cum float64
		for i, p := range probs {
			cum += p
			if u < cum {
				choice = i
				break
			}
		}
		y.gen.Data[r] = float32(choice)
	}
	return y
}

// OneHot expands a [rows,1] index column into [rows,depth].
func (s *Scope) OneHot(indices *Tensor, depth int) *Tensor {
	x := indices.data()
	mustColumn("OneHot", indices, x.Rows)
	y := s.alloc(x.Rows, depth)
	for r, v := range x.Data {
		i := int(v)
		if i < 0 || i >= depth {
			panic(fmt.Sprintf("tensor.OneHot: index %d out of depth %d", i, depth))
		}
		y.gen.Data[r*depth+i] = 1
	}
	return y
}

// LogSoftmaxGather returns log softmax(logits)[r, indices[r]] as a [rows,1] column.
func (s *Scope) LogSoftmaxGather(logits, indices *Tensor) *Tensor {
	x := logits.data()
	mustColumn("LogSoftmaxGather", indices, x.Rows)
	idx := indices.data()
	y := s.alloc(x.Rows, 1)
	for r := 0; r < x.Rows; r++ {
		row := tensor2d.Row(x, r)
		maxLogit := math32.Inf(-1)
		for _, v := range row {
			maxLogit = max(maxLogit, v)
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v - maxLogit))
		}
		a := int(idx.Data[r])
		y.gen.Data[r] = row[a] - maxLogit - float32(math.Log(sum))
	}
	return y
}

// RowEntropy returns the entropy of softmax(logits) per row as a [rows,1] column.
// Probabilities at or below 1e-8 are left out, so masked entries add nothing.
func (s *Scope) RowEntropy(logits *Tensor) *Tensor {
	x := logits.data()
	y := s.alloc(x.Rows, 1)
	for r := 0; r < x.Rows; r++ {
		var h float64
		for _, p := range softmaxRow(tensor2d.Row(x, r)) {
			if p > 1e-8 {
				h -= p * math.Log(p)
			}
		}
		y.gen.Data[r] = float32(h)
	}
	return y
}

// WeightedMean returns Σ t·w / Σ w over every element as a [1,1] tensor. It is NaN
// when the weights sum to zero.
func (s *Scope) WeightedMean(t, w *Tensor) *Tensor {
	mustSameShape("WeightedMean", t, w)
	x, ws := t.data(), w.data()
	var num, den float64
	for i, v := range x.Data {
		num += float64(v) * float64(ws.Data[i])
		den += float64(ws.Data[i])
	}
	y := s.alloc(1, 1)
	y.gen.Data[0] = math32.NaN()
	if den != 0 {
		y.gen.Data[0] = float32(num / den)
	}
	return y
}

// Predict runs the model on device data. Logits are [rows, actions], values [rows,1].
func (s *Scope) Predict(m model.PolicyModel, x *Tensor) (*Tensor, *Tensor, error) {
	out, err := m.Forward(x.data())
	if err != nil {
		return nil, nil, err
	}
	logits := s.track(s.arena.alloc(out.Logits))
	values := s.alloc(len(out.Values), 1)
	copy(values.gen.Data, out.Values)
	return logits, values, nil
}

// SliceRow copies row i into a new [1,cols] tensor.
func (s *Scope) SliceRow(t *Tensor, i int) *Tensor {
	x := t.data()
	if i < 0 || i >= x.Rows {
		panic(fmt.Sprintf("tensor.SliceRow: row %d of %v", i, t.Shape()))
	}
	y := s.alloc(1, x.Cols)
	copy(y.gen.Data, tensor2d.Row(x, i))
	return y
}

// SetRowsZero returns a copy of t with the given rows zeroed.
func (s *Scope) SetRowsZero(t *Tensor, rows []int) *Tensor {
	y := s.Clone(t)
	for _, r := range rows {
		clear(tensor2d.Row(y.gen, r))
	}
	return y
}
