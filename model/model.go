// Package model defines the policy/value network contract consumed by the training
// algorithms, the schedulers and the checkpoint pool.
package model

import (
	"errors"
	"fmt"
	"slices"

	"gonum.org/v1/gonum/blas/blas32"
)

var (
	ErrInputSize   = errors.New("input size mismatch")
	ErrWeightShape = errors.New("weight shape mismatch")
)

// Output holds one forward pass: Logits is [batch, actions], Values has batch entries.
type Output struct {
	Logits blas32.General
	Values []float32
}

// OutputGrad is dLoss/dOutput with the same shapes as Output.
type OutputGrad struct {
	Logits blas32.General
	Values []float32
}

// LossFunc turns a forward pass into a scalar loss and its gradient w.r.t. the outputs.
type LossFunc func(Output) (float32, OutputGrad, error)

type PolicyModel interface {
	InputSize() int
	ActionSize() int
	Forward(states blas32.General) (Output, error)
	// TrainStep runs forward on states, evaluates loss and applies one optimizer update.
	TrainStep(states blas32.General, loss LossFunc) (float32, error)
	Weights() []Weight
	SetWeights([]Weight) error
}

type Factory func() (PolicyModel, error)

type Weight struct {
	Shape []int
	Data  []float32
}

func (w Weight) Clone() Weight {
	return Weight{
		Shape: slices.Clone(w.Shape),
		Data:  slices.Clone(w.Data),
	}
}

func (w Weight) Size() int {
	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	return n
}

func CloneWeights(ws []Weight) []Weight {
	clone := make([]Weight, len(ws))
	for i, w := range ws {
		clone[i] = w.Clone()
	}
	return clone
}

// ValidateWeights checks that ws can be restored into a model currently holding want.
func ValidateWeights(want, ws []Weight) error {
	if len(want) != len(ws) {
		return fmt.Errorf("%w: got %d tensors, want %d", ErrWeightShape, len(ws), len(want))
	}
	for i := range want {
		if !slices.Equal(want[i].Shape, ws[i].Shape) {
			return fmt.Errorf("%w: tensor %d has shape %v, want %v", ErrWeightShape, i, ws[i].Shape, want[i].Shape)
		}
		if len(ws[i].Data) != ws[i].Size() {
			return fmt.Errorf("%w: tensor %d has %d values for shape %v", ErrWeightShape, i, len(ws[i].Data), ws[i].Shape)
		}
	}
	return nil
}
