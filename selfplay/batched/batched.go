// Package batched keeps every self-play board in one device tensor and advances all
// of them with a handful of batched operations per tick. Only the per-slot empty cell
// counts and one entropy value per move phase cross to the host each tick; boards and
// trajectories are downloaded when a game ends.
//
// batched パッケージは全対局の盤面を1つのデバイステンソルで保持する自己対戦スケジューラ。
//
// The spread step here multiplies the neighbour sum by a single uniform draw per cell
// and takes its sign, whereas plague.Engine draws once per neighbour and truncates.
// The two rules produce different spread statistics.
package batched

import (
	"fmt"
	"slices"
	"time"

	"github.com/chewxy/math32"
	"github.com/rs/zerolog/log"
	"github.com/sw965/omw/mathx"
	"github.com/sw965/plaguezero/arena"
	"github.com/sw965/plaguezero/checkpoint"
	"github.com/sw965/plaguezero/game/plague"
	"github.com/sw965/plaguezero/rl"
	"github.com/sw965/plaguezero/selfplay"
	"github.com/sw965/plaguezero/tensor"
)

// stepSnapshot retains one move phase for every slot. generations records which game
// each row belonged to when it was taken.
type stepSnapshot struct {
	player      plague.Player
	generations []int
	inputs      *tensor.Tensor
	actions     *tensor.Tensor
	logProbs    *tensor.Tensor
	values      *tensor.Tensor
	gate        *tensor.Tensor
}

func (s *stepSnapshot) release() {
	for _, t := range []*tensor.Tensor{s.inputs, s.actions, s.logProbs, s.values, s.gate} {
		t.Release()
	}
}

type Scheduler struct {
	cfg   selfplay.Config
	algo  rl.Algorithm
	pool  *checkpoint.Pool
	eval  *arena.Evaluator
	arena *tensor.Arena
	cache *tensor.Cache
	now   func() time.Time

	state          *tensor.Tensor
	turns          []int
	done           []bool
	doneAt         []time.Time
	winners        []plague.Player
	generations    []int
	nextGeneration int
	snapshots      []*stepSnapshot

	// entropy は直近の tick で着手したスロットの方策エントロピーの平均
	entropy float32
	tally   selfplay.Tally
}

// New builds a device scheduler on a. Walls are never generated on device, so the
// configured variant must be classic. pool and eval may be nil.
func New(algo rl.Algorithm, pool *checkpoint.Pool, eval *arena.Evaluator, cfg selfplay.Config, a *tensor.Arena) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Variant.HasWalls() {
		return nil, fmt.Errorf("%w: the device scheduler only plays %q boards", selfplay.ErrConfig, plague.Classic)
	}
	cells := cfg.Cells()
	if algo.Model().InputSize() != cells || algo.Model().ActionSize() != cells {
		return nil, fmt.Errorf("%w: model is %dx%d, board has %d cells", selfplay.ErrConfig, algo.Model().InputSize(), algo.Model().ActionSize(), cells)
	}

	n := cfg.NumSlots
	s := &Scheduler{
		cfg:            cfg,
		algo:           algo,
		pool:           pool,
		eval:           eval,
		arena:          a,
		cache:          tensor.NewCache(a),
		now:            time.Now,
		turns:          make([]int, n),
		done:           make([]bool, n),
		doneAt:         make([]time.Time, n),
		winners:        make([]plague.Player, n),
		generations:    make([]int, n),
		nextGeneration: 1,
	}
	state, err := a.Tidy(func(sc *tensor.Scope) (*tensor.Tensor, error) {
		return sc.Zeros(n, cells), nil
	})
	if err != nil {
		return nil, err
	}
	s.state = state
	return s, nil
}

func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Tick applies finished evaluations, plays one move per player in every slot, spreads,
// finalizes finished games, trains when due and recycles idle slots.
func (s *Scheduler) Tick() error {
	if s.eval != nil {
		s.eval.Drain()
	}
	var entropies []float32
	for _, player := range []plague.Player{plague.P1, plague.P2} {
		h, err := s.movePhase(player)
		if err != nil {
			return err
		}
		if !mathx.IsNaN(h) {
			entropies = append(entropies, h)
		}
	}
	if len(entropies) > 0 {
		var sum float32
		for _, h := range entropies {
			sum += h
		}
		s.entropy = sum / float32(len(entropies))
	}
	if err := s.spread(); err != nil {
		return err
	}
	for i := range s.turns {
		if !s.done[i] {
			s.turns[i]++
		}
	}
	if err := s.checkGameOver(); err != nil {
		return err
	}

	if s.tally.MaybeTrain(s.algo, s.cfg.TrainBatchSize, s.cfg.TrainInterval) {
		s.afterTrain()
	}
	return s.restartFinished()
}

func (s *Scheduler) replaceState(next *tensor.Tensor) {
	s.state.Release()
	s.state = next
}

// canPlay is the [N,1] gate built from host-side done flags. When every slot is live
// the cached ones column is used and nothing is uploaded.
func (s *Scheduler) canPlay(sc *tensor.Scope) *tensor.Tensor {
	n := s.cfg.NumSlots
	if !slices.Contains(s.done, true) {
		return s.cache.Ones(n, 1)
	}
	flags := make([]float32, n)
	for i, d := range s.done {
		if !d {
			flags[i] = 1
		}
	}
	return sc.Upload(flags, n, 1)
}

// movePhase plays one move for player in every live slot and returns the mean policy
// entropy over the slots that moved, NaN when none did.
func (s *Scheduler) movePhase(player plague.Player) (float32, error) {
	if !slices.Contains(s.done, false) {
		return math32.NaN(), nil
	}
	entropy := math32.NaN()
	cells := s.cfg.Cells()
	snap := &stepSnapshot{player: player, generations: slices.Clone(s.generations)}

	next, err := s.arena.Tidy(func(sc *tensor.Scope) (*tensor.Tensor, error) {
		mask := sc.EqualScalar(s.state, 0)
		hasValid := sc.Sign(sc.SumRows(mask))
		gate := sc.Mul(s.canPlay(sc), hasValid)

		input := sc.Scale(s.state, float32(player))
		logits, values, err := sc.Predict(s.algo.Model(), input)
		if err != nil {
			return nil, err
		}
		masked := sc.Add(logits, sc.Scale(sc.AddScalar(mask, -1), 1e9))
		actions := sc.Categorical(masked)
		logProbs := sc.LogSoftmaxGather(masked, actions)
		move := sc.MulRows(sc.Scale(sc.OneHot(actions, cells), float32(player)), gate)

		snap.inputs = sc.Keep(input)
		snap.actions = sc.Keep(actions)
		snap.logProbs = sc.Keep(logProbs)
		snap.values = sc.Keep(values)
		snap.gate = sc.Keep(gate)
		entropy = sc.WeightedMean(sc.RowEntropy(masked), gate).Download()[0]
		return sc.Add(s.state, move), nil
	})
	if err != nil {
		return math32.NaN(), err
	}
	s.replaceState(next)
	s.snapshots = append(s.snapshots, snap)
	return entropy, nil
}

func (s *Scheduler) spread() error {
	n, cells := s.cfg.NumSlots, s.cfg.Cells()
	next, err := s.arena.Tidy(func(sc *tensor.Scope) (*tensor.Tensor, error) {
		empty := sc.EqualScalar(s.state, 0)
		neighbours := sc.NeighborSum(s.state, s.cfg.Rows, s.cfg.Cols)
		weighted := sc.Scale(sc.Mul(neighbours, sc.RandomUniform(n, cells)), 2)
		return sc.Add(s.state, sc.Mul(sc.Sign(weighted), empty)), nil
	})
	if err != nil {
		return err
	}
	s.replaceState(next)
	return nil
}

func (s *Scheduler) checkGameOver() error {
	counts, err := s.arena.Tidy(func(sc *tensor.Scope) (*tensor.Tensor, error) {
		return sc.SumRows(sc.EqualScalar(s.state, 0)), nil
	})
	if err != nil {
		return err
	}
	empty := counts.Download()
	counts.Release()

	var finished []int
	for i, c := range empty {
		if !s.done[i] && c == 0 {
			finished = append(finished, i)
		}
	}
	if len(finished) > 0 {
		s.finish(finished)
	}
	return nil
}

func (s *Scheduler) finish(slots []int) {
	cells := s.cfg.Cells()
	board := s.state.Download()
	now := s.now()

	for _, i := range slots {
		var p1, p2 int
		for _, v := range board[i*cells : (i+1)*cells] {
			switch {
			case v > 0:
				p1++
			case v < 0:
				p2++
			}
		}
		winner := plague.Draw
		switch {
		case p1 > p2:
			winner = plague.P1
		case p2 > p1:
			winner = plague.P2
		}

		s.done[i] = true
		s.doneAt[i] = now
		s.winners[i] = winner

		trajectory := s.trajectory(i)
		s.algo.OnEpisodeFinished(trajectory, winner)
		s.tally.Record(winner, s.turns[i])
		log.Debug().Int("slot", i).Stringer("winner", winner).Int("turns", s.turns[i]).Int("steps", len(trajectory)).Msg("game finished")
	}
	s.prune()
}

// trajectory downloads slot i's rows from every snapshot taken during its current
// game, skipping phases where the slot could not move.
func (s *Scheduler) trajectory(i int) []rl.TrajectoryStep {
	gen := s.generations[i]
	var steps []rl.TrajectoryStep
	s.arena.Tidy(func(sc *tensor.Scope) (*tensor.Tensor, error) {
		for _, snap := range s.snapshots {
			if snap.generations[i] != gen {
				continue
			}
			if sc.SliceRow(snap.gate, i).Download()[0] == 0 {
				continue
			}
			state := sc.SliceRow(snap.inputs, i).Download()
			mask := make([]float32, len(state))
			for j, v := range state {
				if v == 0 {
					mask[j] = 1
				}
			}
			steps = append(steps, rl.TrajectoryStep{
				State:   state,
				Mask:    mask,
				Action:  int(sc.SliceRow(snap.actions, i).Download()[0]),
				Player:  snap.player,
				LogProb: sc.SliceRow(snap.logProbs, i).Download()[0],
				Value:   sc.SliceRow(snap.values, i).Download()[0],
			})
		}
		return nil, nil
	})
	return steps
}

// prune releases every snapshot that no live slot still references.
func (s *Scheduler) prune() {
	kept := s.snapshots[:0]
	for _, snap := range s.snapshots {
		if s.referenced(snap) {
			kept = append(kept, snap)
		} else {
			snap.release()
		}
	}
	clear(s.snapshots[len(kept):])
	s.snapshots = kept
}

func (s *Scheduler) referenced(snap *stepSnapshot) bool {
	for i, g := range snap.generations {
		if !s.done[i] && g == s.generations[i] {
			return true
		}
	}
	return false
}

func (s *Scheduler) afterTrain() {
	if s.pool == nil {
		return
	}
	gen := s.tally.Generation()
	if s.pool.ShouldSave(gen) {
		s.pool.Save(s.algo.Model().Weights(), gen)
	}
	if s.eval != nil && s.pool.HasSnapshots() {
		launched := s.eval.TryLaunch(s.algo.Model().Weights(), s.cfg.Rows, s.cfg.Cols, s.cfg.Variant)
		log.Debug().Int("generation", gen).Bool("launched", launched).Msg("evaluation launch")
	}
}

func (s *Scheduler) restartFinished() error {
	now := s.now()
	var restart []int
	for i, d := range s.done {
		if d && now.Sub(s.doneAt[i]) >= s.cfg.RestartDelay {
			restart = append(restart, i)
		}
	}
	if len(restart) == 0 {
		return nil
	}

	next, err := s.arena.Tidy(func(sc *tensor.Scope) (*tensor.Tensor, error) {
		return sc.SetRowsZero(s.state, restart), nil
	})
	if err != nil {
		return err
	}
	s.replaceState(next)
	for _, i := range restart {
		s.done[i] = false
		s.doneAt[i] = time.Time{}
		s.winners[i] = plague.Draw
		s.turns[i] = 0
		s.generations[i] = s.nextGeneration
		s.nextGeneration++
	}
	s.prune()
	return nil
}

// Stats reports the entropy sampled on device; the algorithm only sees host-side
// inference.
func (s *Scheduler) Stats() selfplay.Stats {
	st := s.tally.Stats(s.algo, s.pool)
	st.Entropy = s.entropy
	return st
}

// Boards downloads the whole state tensor once for renderers.
func (s *Scheduler) Boards() selfplay.RenderSnapshot {
	cells := s.cfg.Cells()
	data := s.state.Download()
	snap := selfplay.RenderSnapshot{
		Rows:    s.cfg.Rows,
		Cols:    s.cfg.Cols,
		Boards:  make([][]plague.Cell, s.cfg.NumSlots),
		Done:    slices.Clone(s.done),
		Winners: slices.Clone(s.winners),
	}
	for i := range snap.Boards {
		board := make([]plague.Cell, cells)
		for j, v := range data[i*cells : (i+1)*cells] {
			board[j] = plague.Cell(v)
		}
		snap.Boards[i] = board
	}
	return snap
}

// SelectAction answers single-state queries on the host path.
func (s *Scheduler) SelectAction(state, mask []float32) (int, error) {
	return s.algo.SelectAction(state, mask)
}

// Snapshots is the number of retained move phases.
func (s *Scheduler) Snapshots() int {
	return len(s.snapshots)
}

// Close waits for any in-flight evaluation and releases every tensor the scheduler
// owns.
func (s *Scheduler) Close() {
	if s.eval != nil {
		s.eval.Wait()
	}
	for _, snap := range s.snapshots {
		snap.release()
	}
	s.snapshots = nil
	s.cache.Release()
	s.state.Release()
	log.Debug().
		Int("live", s.arena.Live()).
		Int64("downloaded", s.arena.Downloaded()).
		Int64("uploaded", s.arena.Uploaded()).
		Msg("device scheduler closed")
}
