package rl

import (
	"math/rand/v2"

	"github.com/rs/zerolog/log"
	"github.com/sw965/plaguezero/game/plague"
	"github.com/sw965/plaguezero/model"
)

type ReinforceConfig struct {
	Capacity     int     `yaml:"capacity"`
	EntropyCoeff float32 `yaml:"entropy_coeff"`
	Workers      int     `yaml:"workers"`
}

func DefaultReinforceConfig() ReinforceConfig {
	return ReinforceConfig{
		Capacity:     10000,
		EntropyCoeff: 0.01,
		Workers:      4,
	}
}

// Experience は軌跡の1ステップに終局報酬を割り当てたもの
type Experience struct {
	State  []float32
	Mask   []float32
	Action int
	Reward float32
}

// Reinforce is the Monte-Carlo policy gradient: every step of an episode is credited
// with the acting player's final result.
type Reinforce struct {
	selector
	cfg        ReinforceConfig
	buffer     *Queue[Experience]
	trainSteps int
}

func NewReinforce(m model.PolicyModel, cfg ReinforceConfig, rng *rand.Rand) *Reinforce {
	return &Reinforce{
		selector: selector{model: m, rng: rng, workers: cfg.Workers},
		cfg:      cfg,
		buffer:   NewQueue[Experience](cfg.Capacity),
	}
}

func (r *Reinforce) SelectActions(states, masks [][]float32) ([]ActionResult, error) {
	return r.selectActions(states, masks)
}

func (r *Reinforce) SelectAction(state, mask []float32) (int, error) {
	return r.selectAction(state, mask)
}

func (r *Reinforce) OnEpisodeFinished(trajectory []TrajectoryStep, winner plague.Player) {
	es := make([]Experience, len(trajectory))
	for i, step := range trajectory {
		es[i] = Experience{
			State:  step.State,
			Mask:   step.Mask,
			Action: step.Action,
			Reward: TerminalReward(step.Player, winner),
		}
	}
	r.buffer.Push(es...)
}

func (r *Reinforce) ShouldTrain(episodesSinceLastTrain, interval, minBufferSize int) bool {
	return shouldTrain(r.buffer.Len(), episodesSinceLastTrain, interval, minBufferSize)
}

// TrainStep minimizes -mean(log π(a|s)·R) - EntropyCoeff·H(π) over up to batchSize of
// the oldest experiences. Failures are logged and reported as a zero loss.
func (r *Reinforce) TrainStep(batchSize int) float32 {
	batch := r.buffer.PopOldest(batchSize)
	if len(batch) == 0 {
		return 0
	}
	r.trainSteps++

	x, err := stackStates(batch, r.model.InputSize(), func(e Experience) []float32 { return e.State })
	if err != nil {
		log.Warn().Err(err).Int("batch", len(batch)).Msg("reinforce: building batch failed")
		return 0
	}

	lossFunc := func(out model.Output) (float32, model.OutputGrad, error) {
		loss, _, grad, err := evalRows(out, r.workers, func(i int, logits []float32) rowTerm {
			e := batch[i]
			d := make([]float32, len(logits))
			probs, logProb := policyGrad(logits, e.Mask, e.Action, -e.Reward, d)
			h := entropyGrad(probs, e.Mask, -r.cfg.EntropyCoeff, d)
			return rowTerm{
				loss:    -logProb*e.Reward - r.cfg.EntropyCoeff*h,
				entropy: h,
				dLogits: d,
			}
		})
		return loss, grad, err
	}

	loss, err := r.model.TrainStep(x, lossFunc)
	if err != nil {
		log.Warn().Err(err).Int("batch", len(batch)).Int("train_steps", r.trainSteps).Msg("reinforce: train step failed")
		return 0
	}
	return loss
}

func (r *Reinforce) BufferSize() int          { return r.buffer.Len() }
func (r *Reinforce) TrainSteps() int          { return r.trainSteps }
func (r *Reinforce) LastEntropy() float32     { return r.lastEntropy }
func (r *Reinforce) Model() model.PolicyModel { return r.model }
