package rl_test

import (
	"math/rand/v2"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/require"
	"github.com/sw965/plaguezero/rl"
)

func sum(xs []float32) float64 {
	var s float64
	for _, x := range xs {
		s += float64(x)
	}
	return s
}

func TestMaskedSoftmax(t *testing.T) {
	tests := []struct {
		name   string
		logits []float32
		mask   []float32
		want   []float32
	}{
		{
			name:   "正常_全て有効",
			logits: []float32{0, 0, 0, 0},
			mask:   []float32{1, 1, 1, 1},
			want:   []float32{0.25, 0.25, 0.25, 0.25},
		},
		{
			name:   "正常_無効要素の大きなlogitは無視",
			logits: []float32{1000, 0, 0},
			mask:   []float32{0, 1, 1},
			want:   []float32{0, 0.5, 0.5},
		},
		{
			name:   "準正常_有効要素が無い",
			logits: []float32{1, 2, 3},
			mask:   []float32{0, 0, 0},
			want:   []float32{0, 0, 0},
		},
		{
			name:   "準正常_全て-Inf",
			logits: []float32{math32.Inf(-1), math32.Inf(-1), 5},
			mask:   []float32{1, 1, 0},
			want:   []float32{0.5, 0.5, 0},
		},
		{
			name:   "準正常_NaNを含む",
			logits: []float32{math32.NaN(), 0, 0, 0},
			mask:   []float32{1, 1, 1, 0},
			want:   []float32{1.0 / 3, 1.0 / 3, 1.0 / 3, 0},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := rl.MaskedSoftmax(tc.logits, tc.mask)
			require.Len(t, got, len(tc.want))
			for i := range got {
				require.InDelta(t, tc.want[i], got[i], 1e-6, "index %d", i)
			}
		})
	}
}

func TestMaskedSoftmaxSumsToOne(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for range 1000 {
		n := 1 + rng.IntN(30)
		logits := make([]float32, n)
		mask := make([]float32, n)
		for i := range logits {
			logits[i] = float32(rng.NormFloat64() * 20)
			if rng.IntN(3) > 0 {
				mask[i] = 1
			}
		}
		mask[rng.IntN(n)] = 1

		probs := rl.MaskedSoftmax(logits, mask)
		require.InDelta(t, 1.0, sum(probs), 1e-6)
		for i, p := range probs {
			if mask[i] == 0 && p != 0 {
				t.Fatalf("invalid index %d has probability %v", i, p)
			}
		}
	}
}

func TestSampleUniformFrequency(t *testing.T) {
	// 3x3 の空盤面: 9 手が等確率で選ばれる
	probs := rl.MaskedSoftmax(make([]float32, 9), []float32{1, 1, 1, 1, 1, 1, 1, 1, 1})
	rng := rand.New(rand.NewPCG(3, 4))
	counts := make([]int, 9)
	const draws = 10000
	for range draws {
		counts[rl.SampleFromProbs(probs, rng)]++
	}
	for i, c := range counts {
		require.InDelta(t, 1.0/9, float64(c)/draws, 0.02, "action %d", i)
	}
}

func TestSampleFromProbsNeverSelectsZero(t *testing.T) {
	tests := []struct {
		name  string
		probs []float32
		want  int
	}{
		{
			name:  "正常_一点分布",
			probs: []float32{0, 0, 1, 0},
			want:  2,
		},
		{
			name:  "準正常_丸め誤差で累積和が1未満",
			probs: []float32{0, 1e-9, 0},
			want:  1,
		},
		{
			name:  "準正常_全て0",
			probs: []float32{0, 0, 0},
			want:  0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rng := rand.New(rand.NewPCG(5, 6))
			for range 100 {
				if got := rl.SampleFromProbs(tc.probs, rng); got != tc.want {
					t.Fatalf("want: %d, got: %d", tc.want, got)
				}
			}
		})
	}
}

func TestLogProbOfAction(t *testing.T) {
	got := rl.LogProbOfAction([]float32{0, 0, 9}, []float32{1, 1, 0}, 1)
	require.InDelta(t, math32.Log(0.5+rl.ProbEpsilon), got, 1e-6)
}

func TestEntropyAndGreedy(t *testing.T) {
	require.InDelta(t, math32.Log(4), rl.Entropy([]float32{0.25, 0.25, 0.25, 0.25}), 1e-6)
	require.Equal(t, float32(0), rl.Entropy([]float32{0, 1, 0}))
	require.Equal(t, 2, rl.GreedyAction([]float32{0.1, 0.2, 0.6, 0.1}))
}

func TestQueue(t *testing.T) {
	q := rl.NewQueue[int](3)
	q.Push(1, 2)
	q.Push(3, 4, 5)
	require.Equal(t, 3, q.Len())
	require.Equal(t, []int{3, 4}, q.PopOldest(2))
	require.Equal(t, []int{5}, q.PopOldest(10))
	require.Nil(t, q.PopOldest(1))
}
