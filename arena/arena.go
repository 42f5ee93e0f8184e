// Package arena plays single host-side games outside the self-play batch: checkpoint
// evaluations for Elo and matches against a uniformly random player.
//
// arena パッケージはバッチ外で1局ずつ対局させ、Elo評価やランダム相手の勝率測定を行う。
package arena

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/sw965/omw/mathx/randx"
	"github.com/sw965/plaguezero/blas32/tensor/2d"
	"github.com/sw965/plaguezero/game/plague"
	"github.com/sw965/plaguezero/model"
	"github.com/sw965/plaguezero/rl"
)

var ErrIllegalMove = errors.New("policy selected an illegal move")

type Policy interface {
	SelectAction(state, mask []float32) (int, error)
}

// ModelPolicy samples from the masked softmax of a model, or takes the argmax when
// Greedy is set. Forward must be safe to call concurrently when one model is shared
// between workers.
type ModelPolicy struct {
	Model  model.PolicyModel
	Rng    *rand.Rand
	Greedy bool
}

func (p ModelPolicy) SelectAction(state, mask []float32) (int, error) {
	x, err := rl.FlattenStates([][]float32{state}, p.Model.InputSize())
	if err != nil {
		return 0, err
	}
	out, err := p.Model.Forward(x)
	if err != nil {
		return 0, err
	}
	probs := rl.MaskedSoftmax(tensor2d.Row(out.Logits, 0), mask)
	if p.Greedy {
		return rl.GreedyAction(probs), nil
	}
	return rl.SampleFromProbs(probs, p.Rng), nil
}

type RandomPolicy struct {
	Rng *rand.Rand
}

func (p RandomPolicy) SelectAction(_, mask []float32) (int, error) {
	valid := make([]int, 0, len(mask))
	for i, m := range mask {
		if m > 0 {
			valid = append(valid, i)
		}
	}
	return randx.Choice(valid, p.Rng)
}

// PlayMatch plays one game with p1 moving first and returns the winner. The game is
// cut off after twice the number of cells in turns.
func PlayMatch(p1, p2 Policy, rows, cols int, variant plague.Variant, rng *rand.Rand) (plague.Player, error) {
	e := plague.NewVariant(variant, rows, cols, rng)
	policies := map[plague.Player]Policy{plague.P1: p1, plague.P2: p2}
	maxTurns := e.Size() * 2

	for turn := 0; turn < maxTurns; turn++ {
		for _, player := range []plague.Player{plague.P1, plague.P2} {
			if !e.HasValidMove() {
				return e.Winner(), nil
			}
			action, err := policies[player].SelectAction(e.Encode(player), e.ValidMovesMask())
			if err != nil {
				return plague.Draw, err
			}
			if !e.MakeMove(player, action) {
				return plague.Draw, fmt.Errorf("%w: %v played %d", ErrIllegalMove, player, action)
			}
		}
		e.Step()
		if e.IsOver() {
			break
		}
	}
	return e.Winner(), nil
}
