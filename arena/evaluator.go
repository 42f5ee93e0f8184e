package arena

import (
	"math/rand/v2"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sw965/plaguezero/checkpoint"
	"github.com/sw965/plaguezero/game/plague"
	"github.com/sw965/plaguezero/model"
	"golang.org/x/sync/errgroup"
)

// Outcome is one finished current-vs-checkpoint game, current playing P1.
type Outcome struct {
	SnapshotID int
	Winner     plague.Player
}

// Evaluator runs at most one checkpoint game in the background. Launches while a game
// is in flight are dropped, not queued. The pool is only touched from the caller's
// goroutine, in TryLaunch and Drain.
type Evaluator struct {
	factory model.Factory
	pool    *checkpoint.Pool
	rng     *rand.Rand

	g       errgroup.Group
	mu      sync.Mutex
	pending []Outcome
}

func NewEvaluator(factory model.Factory, pool *checkpoint.Pool, rng *rand.Rand) *Evaluator {
	e := &Evaluator{factory: factory, pool: pool, rng: rng}
	e.g.SetLimit(1)
	return e
}

// TryLaunch starts a game between current and a uniformly sampled snapshot. It
// reports false when the pool is empty or a game is already running. A dropped launch
// touches neither the pool nor the evaluator's rng.
func (e *Evaluator) TryLaunch(current []model.Weight, rows, cols int, variant plague.Variant) bool {
	if !e.pool.HasSnapshots() {
		return false
	}

	// 実行枠を確保してから対戦相手を選ぶ
	jobs := make(chan evalJob, 1)
	launched := e.g.TryGo(func() error {
		job, ok := <-jobs
		if !ok {
			return nil
		}
		winner, err := e.play(job.current, job.opponent.Weights, rows, cols, variant, job.rng)
		if err != nil {
			log.Warn().Err(err).Int("snapshot", job.opponent.ID).Msg("checkpoint evaluation failed")
			return nil
		}
		e.mu.Lock()
		e.pending = append(e.pending, Outcome{SnapshotID: job.opponent.ID, Winner: winner})
		e.mu.Unlock()
		return nil
	})
	if !launched {
		return false
	}

	sampled, err := e.pool.Sample()
	if err != nil {
		close(jobs)
		return false
	}
	snap, _ := e.pool.Snapshot(sampled.ID)
	jobs <- evalJob{
		current:  model.CloneWeights(current),
		opponent: snap,
		rng:      rand.New(rand.NewPCG(e.rng.Uint64(), e.rng.Uint64())),
	}
	return true
}

type evalJob struct {
	current  []model.Weight
	opponent checkpoint.Snapshot
	rng      *rand.Rand
}

func (e *Evaluator) play(current, opponent []model.Weight, rows, cols int, variant plague.Variant, rng *rand.Rand) (plague.Player, error) {
	cur, err := e.factory()
	if err != nil {
		return plague.Draw, err
	}
	if err := cur.SetWeights(current); err != nil {
		return plague.Draw, err
	}
	opp, err := e.factory()
	if err != nil {
		return plague.Draw, err
	}
	if err := opp.SetWeights(opponent); err != nil {
		return plague.Draw, err
	}
	return PlayMatch(ModelPolicy{Model: cur, Rng: rng}, ModelPolicy{Model: opp, Rng: rng}, rows, cols, variant, rng)
}

// Drain applies every finished game to the pool's Elo and returns them.
func (e *Evaluator) Drain() []Outcome {
	e.mu.Lock()
	outcomes := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, o := range outcomes {
		applied := e.pool.UpdateEloAgainst(o.SnapshotID, o.Winner == plague.P1, o.Winner == plague.Draw)
		log.Debug().
			Int("snapshot", o.SnapshotID).
			Stringer("winner", o.Winner).
			Bool("applied", applied).
			Float64("elo", e.pool.CurrentElo()).
			Msg("checkpoint evaluation")
	}
	return outcomes
}

// Wait blocks until the in-flight game, if any, has finished.
func (e *Evaluator) Wait() {
	_ = e.g.Wait()
}
