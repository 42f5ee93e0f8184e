// Package optimizer は平坦化したパラメータ列に対する勾配更新則を提供する。
package optimizer

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Adam updates each params[i] in place from grads[i]. Moment buffers are created
// lazily with the shapes seen on the first call.
type Adam struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32

	iter int
	m    [][]float32
	v    [][]float32
}

func NewAdam(lr float32) *Adam {
	return &Adam{
		LearningRate: lr,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
	}
}

func (a *Adam) Iter() int {
	return a.iter
}

func (a *Adam) Update(params, grads [][]float32) error {
	if len(params) != len(grads) {
		return fmt.Errorf("Adam: parameters/grads size mismatch (%d != %d)", len(params), len(grads))
	}
	for i := range params {
		if len(params[i]) != len(grads[i]) {
			return fmt.Errorf("Adam: parameter %d has %d values but grad has %d", i, len(params[i]), len(grads[i]))
		}
	}

	if a.m == nil {
		a.m = make([][]float32, len(params))
		a.v = make([][]float32, len(params))
		for i, p := range params {
			a.m[i] = make([]float32, len(p))
			a.v[i] = make([]float32, len(p))
		}
	}

	a.iter++
	beta1, beta2 := a.Beta1, a.Beta2
	lrt := a.LearningRate *
		math32.Sqrt(1-math32.Pow(beta2, float32(a.iter))) /
		(1 - math32.Pow(beta1, float32(a.iter)))

	for i, grad := range grads {
		m, v, p := a.m[i], a.v[i], params[i]
		for j, g := range grad {
			m[j] += (1 - beta1) * (g - m[j])
			v[j] += (1 - beta2) * (g*g - v[j])
			p[j] -= lrt * m[j] / (math32.Sqrt(v[j]) + a.Epsilon)
		}
	}
	return nil
}

// Reset forgets the moment estimates, e.g. after weights were replaced wholesale.
func (a *Adam) Reset() {
	a.iter = 0
	a.m = nil
	a.v = nil
}
