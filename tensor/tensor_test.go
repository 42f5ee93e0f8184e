package tensor_test

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sw965/plaguezero/tensor"
)

func newArena() *tensor.Arena {
	return tensor.NewArena(rand.New(rand.NewPCG(1, 2)))
}

func TestTidyReleasesIntermediates(t *testing.T) {
	a := newArena()
	y, err := a.Tidy(func(s *tensor.Scope) (*tensor.Tensor, error) {
		x := s.Upload([]float32{1, 0, -1, 0}, 2, 2)
		m := s.EqualScalar(x, 0)
		return s.Add(s.Scale(m, 2), x), nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, a.Live())
	require.Equal(t, []float32{1, 2, -1, 2}, y.Download())

	y.Release()
	y.Release()
	require.Zero(t, a.Live())
	require.Zero(t, a.LiveBytes())
}

func TestTidyKeepAndError(t *testing.T) {
	a := newArena()
	var kept *tensor.Tensor
	_, err := a.Tidy(func(s *tensor.Scope) (*tensor.Tensor, error) {
		kept = s.Keep(s.Zeros(3, 1))
		s.Zeros(3, 3)
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	require.Equal(t, 1, a.Live())
	require.False(t, kept.Released())
	kept.Release()
	require.Zero(t, a.Live())
}

func TestUseAfterReleasePanics(t *testing.T) {
	a := newArena()
	x, _ := a.Tidy(func(s *tensor.Scope) (*tensor.Tensor, error) {
		return s.Zeros(1, 1), nil
	})
	x.Release()
	require.Panics(t, func() { x.Download() })
}

func TestTransferAccounting(t *testing.T) {
	a := newArena()
	x, _ := a.Tidy(func(s *tensor.Scope) (*tensor.Tensor, error) {
		return s.Upload(make([]float32, 6), 2, 3), nil
	})
	require.Equal(t, int64(24), a.Uploaded())
	require.Zero(t, a.Downloaded())
	x.Download()
	require.Equal(t, int64(24), a.Downloaded())
	x.Release()
}

func TestOps(t *testing.T) {
	a := newArena()
	tests := []struct {
		name string
		op   func(s *tensor.Scope) *tensor.Tensor
		want []float32
	}{
		{
			name: "正常_Sign",
			op:   func(s *tensor.Scope) *tensor.Tensor { return s.Sign(s.Upload([]float32{-0.3, 0, 2}, 1, 3)) },
			want: []float32{-1, 0, 1},
		},
		{
			name: "正常_MulRows",
			op: func(s *tensor.Scope) *tensor.Tensor {
				return s.MulRows(s.Upload([]float32{1, 2, 3, 4}, 2, 2), s.Upload([]float32{0, -1}, 2, 1))
			},
			want: []float32{0, 0, -3, -4},
		},
		{
			name: "正常_SumRows",
			op:   func(s *tensor.Scope) *tensor.Tensor { return s.SumRows(s.Upload([]float32{1, 2, 3, 4}, 2, 2)) },
			want: []float32{3, 7},
		},
		{
			name: "正常_OneHot",
			op:   func(s *tensor.Scope) *tensor.Tensor { return s.OneHot(s.Upload([]float32{2, 0}, 2, 1), 3) },
			want: []float32{0, 0, 1, 1, 0, 0},
		},
		{
			name: "正常_Mul",
			op: func(s *tensor.Scope) *tensor.Tensor {
				return s.Mul(s.Upload([]float32{1, 2}, 1, 2), s.AddScalar(s.Upload([]float32{1, 2}, 1, 2), 1))
			},
			want: []float32{2, 6},
		},
		{
			name: "正常_SetRowsZero",
			op:   func(s *tensor.Scope) *tensor.Tensor { return s.SetRowsZero(s.Upload([]float32{1, 2, 3, 4}, 2, 2), []int{1}) },
			want: []float32{1, 2, 0, 0},
		},
		{
			name: "正常_SliceRow",
			op:   func(s *tensor.Scope) *tensor.Tensor { return s.SliceRow(s.Upload([]float32{1, 2, 3, 4}, 2, 2), 1) },
			want: []float32{3, 4},
		},
		{
			name: "正常_NeighborSum",
			op: func(s *tensor.Scope) *tensor.Tensor {
				return s.NeighborSum(s.Upload([]float32{
					0, 1, 0,
					0, 0, 0,
					-1, 0, 0,
				}, 1, 9), 3, 3)
			},
			want: []float32{
				1, 0, 1,
				-1, 1, 0,
				0, -1, 0,
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			y, err := a.Tidy(func(s *tensor.Scope) (*tensor.Tensor, error) {
				return tc.op(s), nil
			})
			require.NoError(t, err)
			require.Equal(t, tc.want, y.Download())
			y.Release()
			require.Zero(t, a.Live())
		})
	}
}

func TestShapeMismatchPanics(t *testing.T) {
	a := newArena()
	require.Panics(t, func() {
		a.Tidy(func(s *tensor.Scope) (*tensor.Tensor, error) {
			return s.Add(s.Zeros(1, 2), s.Zeros(2, 1)), nil
		})
	})
	require.Zero(t, a.Live(), "tensors are released even when the scope panics")
}

func TestCategoricalAndLogSoftmax(t *testing.T) {
	a := newArena()
	logits := []float32{0, 0, -1e9, 0}
	const n = 4000
	rows := make([]float32, 0, n*4)
	for range n {
		rows = append(rows, logits...)
	}
	var counts [4]int
	lp, err := a.Tidy(func(s *tensor.Scope) (*tensor.Tensor, error) {
		x := s.Upload(rows, n, 4)
		actions := s.Categorical(x)
		for _, v := range actions.Download() {
			counts[int(v)]++
		}
		return s.LogSoftmaxGather(x, actions), nil
	})
	require.NoError(t, err)
	require.Zero(t, counts[2])
	for _, i := range []int{0, 1, 3} {
		require.InDelta(t, 1.0/3, float64(counts[i])/n, 0.03)
	}
	for _, v := range lp.Download() {
		require.InDelta(t, -math.Log(3), v, 1e-5)
	}
	lp.Release()
	require.Zero(t, a.Live())
}

func TestCache(t *testing.T) {
	a := newArena()
	c := tensor.NewCache(a)
	ones := c.Ones(2, 2)
	require.Same(t, ones, c.Ones(2, 2))
	c.Zeros(2, 2)
	c.Zeros(1, 3)
	require.Equal(t, 3, c.Len())
	require.Equal(t, 3, a.Live())

	c.Evict(tensor.Shape{Rows: 2, Cols: 2})
	require.Equal(t, 1, c.Len())
	require.True(t, ones.Released())

	c.Release()
	require.Zero(t, a.Live())
}

func TestRowEntropyAndWeightedMean(t *testing.T) {
	tests := []struct {
		name    string
		logits  []float32
		weights []float32
		want    float64
	}{
		{name: "正常_有効な行だけ平均", logits: []float32{0, 0, -1e9, 0, 5, -1e9, -1e9, -1e9}, weights: []float32{1, 0}, want: math.Log(3)},
		{name: "正常_両方の行", logits: []float32{0, 0, -1e9, -1e9, 5, -1e9, -1e9, -1e9}, weights: []float32{1, 1}, want: math.Log(2) / 2},
		{name: "準正常_重みが全て0", logits: []float32{0, 0, 0, 0, 0, 0, 0, 0}, weights: []float32{0, 0}, want: math.NaN()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := newArena()
			var got float32
			_, err := a.Tidy(func(s *tensor.Scope) (*tensor.Tensor, error) {
				h := s.RowEntropy(s.Upload(tc.logits, 2, 4))
				got = s.WeightedMean(h, s.Upload(tc.weights, 2, 1)).Download()[0]
				return nil, nil
			})
			require.NoError(t, err)
			if math.IsNaN(tc.want) {
				require.True(t, math.IsNaN(float64(got)))
			} else {
				require.InDelta(t, tc.want, got, 1e-5)
			}
			require.Zero(t, a.Live())
		})
	}
}
