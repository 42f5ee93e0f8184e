package rl

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/chewxy/math32"
	"github.com/sw965/omw/mathx"
	"github.com/sw965/omw/slicesx"
	"github.com/sw965/plaguezero/blas32/tensor/2d"
	"gonum.org/v1/gonum/blas/blas32"
)

// ProbEpsilon guards log(p) and the softmax underflow check.
const ProbEpsilon float32 = 1e-8

// MaskedSoftmax は mask が 1 の要素だけで softmax を取る。最大値も有効要素のみから求める。
// 有効要素の exp が全て潰れた場合は有効要素上の一様分布を返し、有効要素が無ければ零ベクトルを返す。
func MaskedSoftmax(logits, mask []float32) []float32 {
	probs := make([]float32, len(logits))
	validCount := 0
	maxX := math32.Inf(-1)
	for i, m := range mask {
		if m <= 0 {
			continue
		}
		validCount++
		if logits[i] > maxX {
			maxX = logits[i]
		}
	}
	if validCount == 0 {
		return probs
	}

	// 丸め誤差を抑える為に和は float64 で取る
	var sum float64
	if !mathx.IsInf(maxX, 0) && !mathx.IsNaN(maxX) {
		for i, m := range mask {
			if m <= 0 {
				continue
			}
			probs[i] = math32.Exp(logits[i] - maxX)
			sum += float64(probs[i])
		}
	}

	if !(sum > float64(ProbEpsilon)) || math.IsInf(sum, 0) {
		uniform := 1.0 / float32(validCount)
		for i, m := range mask {
			if m > 0 {
				probs[i] = uniform
			} else {
				probs[i] = 0
			}
		}
		return probs
	}

	for i := range probs {
		probs[i] = float32(float64(probs[i]) / sum)
	}
	return probs
}

// SampleFromProbs walks the cumulative distribution with one uniform draw. When
// rounding leaves the draw unresolved it falls back to the last index with nonzero
// probability, then to 0.
func SampleFromProbs(probs []float32, rng *rand.Rand) int {
	u := rng.Float32()
	var cum float32
	for i, p := range probs {
		cum += p
		if u < cum {
			return i
		}
	}
	for i := len(probs) - 1; i >= 0; i-- {
		if probs[i] > 0 {
			return i
		}
	}
	return 0
}

func LogProbOfAction(logits, mask []float32, action int) float32 {
	probs := MaskedSoftmax(logits, mask)
	return math32.Log(probs[action] + ProbEpsilon)
}

// Entropy is computed over entries that carry probability mass.
func Entropy(probs []float32) float32 {
	var h float32
	for _, p := range probs {
		if p > ProbEpsilon {
			h -= p * math32.Log(p)
		}
	}
	return h
}

func GreedyAction(probs []float32) int {
	if len(probs) == 0 {
		return 0
	}
	idxs := slicesx.Argsort(probs)
	return idxs[len(idxs)-1]
}

func FlattenStates(states [][]float32, size int) (blas32.General, error) {
	x, err := tensor2d.FromRows(states, size)
	if err != nil {
		return blas32.General{}, fmt.Errorf("%w: %v", ErrStateSize, err)
	}
	return x, nil
}
