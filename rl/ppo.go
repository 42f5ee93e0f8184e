package rl

import (
	"math"
	"math/rand/v2"

	"github.com/chewxy/math32"
	"github.com/rs/zerolog/log"
	"github.com/sw965/plaguezero/blas32/tensor/2d"
	"github.com/sw965/plaguezero/game/plague"
	"github.com/sw965/plaguezero/model"
	"gonum.org/v1/gonum/stat"
)

type PPOConfig struct {
	Capacity      int     `yaml:"capacity"`
	ClipEpsilon   float32 `yaml:"clip_epsilon"`
	Gamma         float32 `yaml:"gamma"`
	Lambda        float32 `yaml:"lambda"`
	Epochs        int     `yaml:"epochs"`
	MinibatchSize int     `yaml:"minibatch_size"`
	ValueCoeff    float32 `yaml:"value_coeff"`
	EntropyCoeff  float32 `yaml:"entropy_coeff"`
	Workers       int     `yaml:"workers"`
}

func DefaultPPOConfig() PPOConfig {
	return PPOConfig{
		Capacity:      20000,
		ClipEpsilon:   0.2,
		Gamma:         0.99,
		Lambda:        0.95,
		Epochs:        2,
		MinibatchSize: 128,
		ValueCoeff:    0.5,
		EntropyCoeff:  0.01,
		Workers:       4,
	}
}

type PPOExperience struct {
	State      []float32
	Mask       []float32
	Action     int
	OldLogProb float32
	Advantage  float32
	Return     float32
}

// GAE computes generalized advantages for one player's sub-trajectory whose only
// reward is terminalReward on the last step. The value after the last step is 0.
func GAE(values []float32, terminalReward, gamma, lambda float32) (advantages, returns []float32) {
	t := len(values)
	advantages = make([]float32, t)
	returns = make([]float32, t)
	var next float32
	for i := t - 1; i >= 0; i-- {
		var reward, nextValue float32
		if i == t-1 {
			reward = terminalReward
		} else {
			nextValue = values[i+1]
		}
		delta := reward + gamma*nextValue - values[i]
		next = delta + gamma*lambda*next
		advantages[i] = next
		returns[i] = next + values[i]
	}
	return advantages, returns
}

// PPO is the clipped policy gradient with GAE. Each player's half of an episode is
// credited separately from its own value estimates.
type PPO struct {
	selector
	cfg        PPOConfig
	buffer     *Queue[PPOExperience]
	trainSteps int
}

func NewPPO(m model.PolicyModel, cfg PPOConfig, rng *rand.Rand) *PPO {
	return &PPO{
		selector: selector{model: m, rng: rng, workers: cfg.Workers},
		cfg:      cfg,
		buffer:   NewQueue[PPOExperience](cfg.Capacity),
	}
}

func (p *PPO) SelectActions(states, masks [][]float32) ([]ActionResult, error) {
	return p.selectActions(states, masks)
}

func (p *PPO) SelectAction(state, mask []float32) (int, error) {
	return p.selectAction(state, mask)
}

func (p *PPO) OnEpisodeFinished(trajectory []TrajectoryStep, winner plague.Player) {
	for _, player := range []plague.Player{plague.P1, plague.P2} {
		var steps []TrajectoryStep
		for _, step := range trajectory {
			if step.Player == player {
				steps = append(steps, step)
			}
		}
		if len(steps) == 0 {
			continue
		}

		values := make([]float32, len(steps))
		for i, step := range steps {
			values[i] = step.Value
		}
		advs, rets := GAE(values, TerminalReward(player, winner), p.cfg.Gamma, p.cfg.Lambda)

		es := make([]PPOExperience, len(steps))
		for i, step := range steps {
			es[i] = PPOExperience{
				State:      step.State,
				Mask:       step.Mask,
				Action:     step.Action,
				OldLogProb: step.LogProb,
				Advantage:  advs[i],
				Return:     rets[i],
			}
		}
		p.buffer.Push(es...)
	}
}

func (p *PPO) ShouldTrain(episodesSinceLastTrain, interval, minBufferSize int) bool {
	return shouldTrain(p.buffer.Len(), episodesSinceLastTrain, interval, minBufferSize)
}

func normalizeAdvantages(batch []PPOExperience) {
	advs := make([]float64, len(batch))
	for i, e := range batch {
		advs[i] = float64(e.Advantage)
	}
	mean, variance := stat.PopMeanVariance(advs, nil)
	std := math.Sqrt(variance + 1e-8)
	for i := range batch {
		batch[i].Advantage = float32((advs[i] - mean) / std)
	}
}

// TrainStep pops up to batchSize experiences and runs Epochs passes of shuffled
// minibatches over them. It returns the mean loss of the minibatches that ran.
func (p *PPO) TrainStep(batchSize int) float32 {
	batch := p.buffer.PopOldest(batchSize)
	n := len(batch)
	if n == 0 {
		return 0
	}
	normalizeAdvantages(batch)

	states, err := stackStates(batch, p.model.InputSize(), func(e PPOExperience) []float32 { return e.State })
	if err != nil {
		log.Warn().Err(err).Int("batch", n).Msg("ppo: building batch failed")
		return 0
	}

	// 端数のミニバッチは捨てる。バッチがミニバッチ1つ分に満たない時だけ全体で1回更新する
	mbSize := p.cfg.MinibatchSize
	if mbSize <= 0 || n < mbSize {
		mbSize = n
	}

	var totalLoss float32
	updates := 0
	for epoch := 0; epoch < p.cfg.Epochs; epoch++ {
		perm := p.rng.Perm(n)
		for start := 0; start+mbSize <= n; start += mbSize {
			idxs := perm[start : start+mbSize]
			loss, err := p.model.TrainStep(tensor2d.SelectRows(states, idxs), p.lossFunc(batch, idxs))
			if err != nil {
				log.Warn().Err(err).Int("epoch", epoch).Int("minibatch", mbSize).Msg("ppo: train step failed")
				continue
			}
			totalLoss += loss
			updates++
		}
	}
	p.trainSteps++
	if updates == 0 {
		return 0
	}
	return totalLoss / float32(updates)
}

func (p *PPO) lossFunc(batch []PPOExperience, idxs []int) model.LossFunc {
	eps := p.cfg.ClipEpsilon
	return func(out model.Output) (float32, model.OutputGrad, error) {
		loss, _, grad, err := evalRows(out, p.workers, func(i int, logits []float32) rowTerm {
			e := batch[idxs[i]]
			d := make([]float32, len(logits))

			probs := MaskedSoftmax(logits, e.Mask)
			logProb := math32.Log(probs[e.Action] + ProbEpsilon)
			ratio := math32.Exp(logProb - e.OldLogProb)
			clipped := min(max(ratio, 1-eps), 1+eps)
			surr1 := ratio * e.Advantage
			surr2 := clipped * e.Advantage

			policyLoss := -surr1
			// min(surr1, surr2) の勾配は、クリップされた側が選ばれた時だけ 0 になる
			dLogProb := -surr1
			if surr2 < surr1 {
				policyLoss = -surr2
				if clipped != ratio {
					dLogProb = 0
				}
			}
			policyGrad(logits, e.Mask, e.Action, dLogProb, d)

			h := entropyGrad(probs, e.Mask, -p.cfg.EntropyCoeff, d)

			v := out.Values[i]
			diff := v - e.Return
			return rowTerm{
				loss:    policyLoss + p.cfg.ValueCoeff*diff*diff - p.cfg.EntropyCoeff*h,
				entropy: h,
				dLogits: d,
				dValue:  2 * p.cfg.ValueCoeff * diff,
			}
		})
		return loss, grad, err
	}
}

func (p *PPO) BufferSize() int          { return p.buffer.Len() }
func (p *PPO) TrainSteps() int          { return p.trainSteps }
func (p *PPO) LastEntropy() float32     { return p.lastEntropy }
func (p *PPO) Model() model.PolicyModel { return p.model }
