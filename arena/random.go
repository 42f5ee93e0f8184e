package arena

import (
	"math/rand/v2"

	"github.com/sw965/omw/parallel"
	"github.com/sw965/plaguezero/game/plague"
	"github.com/sw965/plaguezero/model"
)

type Result struct {
	Wins     int
	Losses   int
	Draws    int
	WinRate  float64
	LossRate float64
	DrawRate float64
}

type tally struct {
	wins, losses, draws int
}

// EvaluateVsRandom plays games as P1 and games as P2 against a uniformly random
// player, spread over p workers with their own generators.
func EvaluateVsRandom(m model.PolicyModel, rows, cols int, variant plague.Variant, games, p int, rng *rand.Rand) (Result, error) {
	n := 2 * games
	if n <= 0 {
		return Result{}, nil
	}
	p = max(1, min(p, n))
	rngs := make([]*rand.Rand, p)
	for i := range rngs {
		rngs[i] = rand.New(rand.NewPCG(rng.Uint64(), rng.Uint64()))
	}
	counts := make([]tally, p)

	err := parallel.For(n, p, func(workerId, idx int) error {
		r := rngs[workerId]
		policy := ModelPolicy{Model: m, Rng: r}
		random := RandomPolicy{Rng: r}

		modelPlayer := plague.P1
		p1, p2 := Policy(policy), Policy(random)
		if idx >= games {
			modelPlayer = plague.P2
			p1, p2 = random, policy
		}

		winner, err := PlayMatch(p1, p2, rows, cols, variant, r)
		if err != nil {
			return err
		}
		switch winner {
		case modelPlayer:
			counts[workerId].wins++
		case plague.Draw:
			counts[workerId].draws++
		default:
			counts[workerId].losses++
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, c := range counts {
		res.Wins += c.wins
		res.Losses += c.losses
		res.Draws += c.draws
	}
	total := float64(n)
	res.WinRate = float64(res.Wins) / total
	res.LossRate = float64(res.Losses) / total
	res.DrawRate = float64(res.Draws) / total
	return res, nil
}
