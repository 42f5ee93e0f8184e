// Package rl implements the credit-assignment algorithms that turn self-play
// trajectories into policy updates: a Monte-Carlo policy gradient (Reinforce) and a
// clipped policy gradient with generalized advantage estimation (PPO).
//
// rl パッケージは自己対戦の軌跡から方策を更新するアルゴリズムを提供する。
package rl

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/chewxy/math32"
	"github.com/sw965/omw/parallel"
	"github.com/sw965/plaguezero/blas32/tensor/2d"
	"github.com/sw965/plaguezero/game/plague"
	"github.com/sw965/plaguezero/model"
	"gonum.org/v1/gonum/blas/blas32"
)

var (
	ErrStateSize  = errors.New("state size mismatch")
	ErrBatchSize  = errors.New("states and masks differ in length")
	ErrModelShape = errors.New("model output shape mismatch")
)

// TrajectoryStep is recorded when an action is selected and not modified afterwards.
type TrajectoryStep struct {
	State   []float32
	Mask    []float32
	Action  int
	Player  plague.Player
	LogProb float32
	Value   float32
}

type ActionResult struct {
	Action  int
	LogProb float32
	Value   float32
}

// Algorithm is the capability set shared by both credit-assignment strategies.
type Algorithm interface {
	SelectActions(states, masks [][]float32) ([]ActionResult, error)
	SelectAction(state, mask []float32) (int, error)
	OnEpisodeFinished(trajectory []TrajectoryStep, winner plague.Player)
	ShouldTrain(episodesSinceLastTrain, interval, minBufferSize int) bool
	TrainStep(batchSize int) float32
	BufferSize() int
	TrainSteps() int
	LastEntropy() float32
	Model() model.PolicyModel
}

// TerminalReward is +1 for the winner, -1 for the loser and 0 on a draw.
func TerminalReward(player, winner plague.Player) float32 {
	switch winner {
	case plague.Draw:
		return 0
	case player:
		return 1
	}
	return -1
}

func shouldTrain(bufferSize, episodesSinceLastTrain, interval, minBufferSize int) bool {
	return episodesSinceLastTrain >= interval && bufferSize >= minBufferSize
}

// selector holds what both algorithms need for batched inference.
type selector struct {
	model       model.PolicyModel
	rng         *rand.Rand
	workers     int
	lastEntropy float32
}

func (s *selector) selectActions(states, masks [][]float32) ([]ActionResult, error) {
	if len(states) != len(masks) {
		return nil, fmt.Errorf("%w: %d states, %d masks", ErrBatchSize, len(states), len(masks))
	}
	if len(states) == 0 {
		return nil, nil
	}
	x, err := FlattenStates(states, s.model.InputSize())
	if err != nil {
		return nil, err
	}
	out, err := s.model.Forward(x)
	if err != nil {
		return nil, err
	}
	if out.Logits.Rows != len(states) || out.Logits.Cols != s.model.ActionSize() || len(out.Values) != len(states) {
		return nil, fmt.Errorf("%w: logits %dx%d, values %d", ErrModelShape, out.Logits.Rows, out.Logits.Cols, len(out.Values))
	}

	results := make([]ActionResult, len(states))
	var entropy float32
	for i := range states {
		logits := tensor2d.Row(out.Logits, i)
		if len(masks[i]) != len(logits) {
			return nil, fmt.Errorf("%w: mask %d has %d entries, want %d", ErrStateSize, i, len(masks[i]), len(logits))
		}
		probs := MaskedSoftmax(logits, masks[i])
		action := SampleFromProbs(probs, s.rng)
		results[i] = ActionResult{
			Action:  action,
			LogProb: math32.Log(probs[action] + ProbEpsilon),
			Value:   out.Values[i],
		}
		entropy += Entropy(probs)
	}
	s.lastEntropy = entropy / float32(len(states))
	return results, nil
}

func (s *selector) selectAction(state, mask []float32) (int, error) {
	rs, err := s.selectActions([][]float32{state}, [][]float32{mask})
	if err != nil {
		return 0, err
	}
	return rs[0].Action, nil
}

// rowTerm is one row's contribution to a policy loss.
type rowTerm struct {
	loss    float32
	entropy float32
	dLogits []float32
	dValue  float32
}

// policyGrad computes masked probabilities for one row and the gradient of
// log(p[action]+eps) with respect to the logits, scaled by coeff.
func policyGrad(logits, mask []float32, action int, coeff float32, dst []float32) (probs []float32, logProb float32) {
	probs = MaskedSoftmax(logits, mask)
	pa := probs[action]
	logProb = math32.Log(pa + ProbEpsilon)
	scale := coeff * pa / (pa + ProbEpsilon)
	for j, p := range probs {
		if mask[j] <= 0 {
			continue
		}
		g := -p
		if j == action {
			g += 1
		}
		dst[j] += scale * g
	}
	return probs, logProb
}

// entropyGrad adds coeff·dH/dlogits for H = -Σ p log p over valid entries.
func entropyGrad(probs, mask []float32, coeff float32, dst []float32) float32 {
	h := Entropy(probs)
	for j, p := range probs {
		if mask[j] <= 0 || p <= ProbEpsilon {
			continue
		}
		dst[j] += coeff * -p * (math32.Log(p) + h)
	}
	return h
}

// evalRows runs f for every row on the worker pool and gathers the results into
// a model.OutputGrad and mean loss/entropy.
func evalRows(out model.Output, workers int, f func(i int, logits []float32) rowTerm) (float32, float32, model.OutputGrad, error) {
	b := out.Logits.Rows
	terms := make([]rowTerm, b)
	p := max(1, min(workers, b))
	err := parallel.For(b, p, func(_, i int) error {
		terms[i] = f(i, tensor2d.Row(out.Logits, i))
		return nil
	})
	if err != nil {
		return 0, 0, model.OutputGrad{}, err
	}

	grad := model.OutputGrad{
		Logits: tensor2d.NewZerosLike(out.Logits),
		Values: make([]float32, b),
	}
	var loss, entropy float32
	invB := 1.0 / float32(b)
	for i, term := range terms {
		loss += term.loss
		entropy += term.entropy
		row := tensor2d.Row(grad.Logits, i)
		for j, g := range term.dLogits {
			row[j] = g * invB
		}
		grad.Values[i] = term.dValue * invB
	}
	return loss * invB, entropy * invB, grad, nil
}

func stackStates[E any](batch []E, size int, state func(E) []float32) (blas32.General, error) {
	rows := make([][]float32, len(batch))
	for i, e := range batch {
		rows[i] = state(e)
	}
	return FlattenStates(rows, size)
}
