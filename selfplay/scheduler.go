package selfplay

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sw965/plaguezero/checkpoint"
	"github.com/sw965/plaguezero/game/plague"
	"github.com/sw965/plaguezero/rl"
)

// Slot is one game in progress. History holds only the live policy's steps.
type Slot struct {
	Engine       *plague.Engine
	History      []rl.TrajectoryStep
	Turn         int
	Done         bool
	DoneAt       time.Time
	Winner       plague.Player
	VsCheckpoint bool
}

// Scheduler keeps every game in host memory and advances all of them once per Tick.
type Scheduler struct {
	cfg   Config
	algo  rl.Algorithm
	pool  *checkpoint.Pool
	now   func() time.Time
	slots []*Slot
	tally Tally
}

// New builds a scheduler. pool may be nil to disable checkpoint games.
func New(algo rl.Algorithm, pool *checkpoint.Pool, cfg Config, rng *rand.Rand) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if algo.Model().InputSize() != cfg.Cells() || algo.Model().ActionSize() != cfg.Cells() {
		return nil, fmt.Errorf("%w: model is %dx%d, board has %d cells", ErrConfig, algo.Model().InputSize(), algo.Model().ActionSize(), cfg.Cells())
	}
	s := &Scheduler{
		cfg:   cfg,
		algo:  algo,
		pool:  pool,
		now:   time.Now,
		slots: make([]*Slot, cfg.NumSlots),
	}
	for i := range s.slots {
		s.slots[i] = &Slot{Engine: plague.NewVariant(cfg.Variant, cfg.Rows, cfg.Cols, rng)}
		s.slots[i].VsCheckpoint = s.tagCheckpoint()
	}
	return s, nil
}

// SetClock replaces the wall clock used for restart delays.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// tagCheckpoint decides whether a new game faces the loaded checkpoint as P2.
func (s *Scheduler) tagCheckpoint() bool {
	if s.pool == nil {
		return false
	}
	_, loaded := s.pool.LoadedID()
	return loaded && s.pool.ShouldBeCheckpointGame()
}

func (s *Scheduler) Slots() []*Slot {
	return s.slots
}

// Tick plays one move for each player in every active slot, spreads, finalizes
// finished games, trains when due and recycles idle slots.
func (s *Scheduler) Tick() error {
	start := s.turnStart()
	for _, player := range []plague.Player{plague.P1, plague.P2} {
		if err := s.movePhase(player); err != nil {
			s.rollback(start)
			return err
		}
	}

	for i, slot := range s.slots {
		if slot.Done {
			continue
		}
		slot.Engine.Step()
		slot.Turn++
		if slot.Engine.IsOver() {
			s.finish(i)
		}
	}

	if s.tally.MaybeTrain(s.algo, s.cfg.TrainBatchSize, s.cfg.TrainInterval) {
		CheckpointAfterTrain(s.pool, s.algo, s.tally.Generation())
	}
	s.restartFinished()
	return nil
}

// slotStart is a live slot as it was before the tick's first move.
type slotStart struct {
	board   []plague.Cell
	history int
}

func (s *Scheduler) turnStart() []*slotStart {
	starts := make([]*slotStart, len(s.slots))
	for i, slot := range s.slots {
		if !slot.Done {
			starts[i] = &slotStart{board: slot.Engine.Board(), history: len(slot.History)}
		}
	}
	return starts
}

// rollback undoes the moves of a failed tick so no player moves twice between spreads.
// Slots finished during the tick keep their final board.
func (s *Scheduler) rollback(starts []*slotStart) {
	for i, start := range starts {
		slot := s.slots[i]
		if start == nil || slot.Done {
			continue
		}
		if err := slot.Engine.SetBoard(start.board); err != nil {
			log.Error().Err(err).Int("slot", i).Msg("restoring board failed")
			continue
		}
		slot.History = slot.History[:start.history]
	}
}

type batch struct {
	slots  []int
	states [][]float32
	masks  [][]float32
}

func (b *batch) add(i int, state, mask []float32) {
	b.slots = append(b.slots, i)
	b.states = append(b.states, state)
	b.masks = append(b.masks, mask)
}

func (s *Scheduler) movePhase(player plague.Player) error {
	var live, opponent batch
	loaded := false
	if s.pool != nil {
		_, loaded = s.pool.LoadedID()
	}

	for i, slot := range s.slots {
		if slot.Done {
			continue
		}
		if !slot.Engine.HasValidMove() {
			s.finish(i)
			continue
		}
		state := slot.Engine.Encode(player)
		mask := slot.Engine.ValidMovesMask()
		if player == plague.P2 && slot.VsCheckpoint && loaded {
			opponent.add(i, state, mask)
		} else {
			live.add(i, state, mask)
		}
	}

	if len(live.slots) > 0 {
		results, err := s.algo.SelectActions(live.states, live.masks)
		if err != nil {
			return err
		}
		if len(results) != len(live.slots) {
			return fmt.Errorf("%w: got %d actions for %d slots", ErrActionCount, len(results), len(live.slots))
		}
		for j, i := range live.slots {
			slot := s.slots[i]
			r := results[j]
			if !slot.Engine.MakeMove(player, r.Action) {
				return fmt.Errorf("%w: slot %d action %d", ErrIllegalMove, i, r.Action)
			}
			slot.History = append(slot.History, rl.TrajectoryStep{
				State:   live.states[j],
				Mask:    live.masks[j],
				Action:  r.Action,
				Player:  player,
				LogProb: r.LogProb,
				Value:   r.Value,
			})
		}
	}

	if len(opponent.slots) > 0 {
		actions, err := s.pool.SelectActions(opponent.states, opponent.masks)
		if err != nil {
			return err
		}
		if len(actions) != len(opponent.slots) {
			return fmt.Errorf("%w: got %d opponent actions for %d slots", ErrActionCount, len(actions), len(opponent.slots))
		}
		for j, i := range opponent.slots {
			if !s.slots[i].Engine.MakeMove(player, actions[j]) {
				return fmt.Errorf("%w: slot %d opponent action %d", ErrIllegalMove, i, actions[j])
			}
		}
	}
	return nil
}

func (s *Scheduler) finish(i int) {
	slot := s.slots[i]
	if slot.Done {
		return
	}
	slot.Done = true
	slot.DoneAt = s.now()
	slot.Winner = slot.Engine.Winner()

	s.algo.OnEpisodeFinished(slot.History, slot.Winner)
	if slot.VsCheckpoint && s.pool != nil {
		s.pool.UpdateElo(slot.Winner == plague.P1, slot.Winner == plague.Draw)
	}
	s.tally.Record(slot.Winner, slot.Turn)

	log.Debug().
		Int("slot", i).
		Stringer("winner", slot.Winner).
		Int("turns", slot.Turn).
		Bool("vs_checkpoint", slot.VsCheckpoint).
		Msg("game finished")
}

func (s *Scheduler) restartFinished() {
	now := s.now()
	for _, slot := range s.slots {
		if !slot.Done || now.Sub(slot.DoneAt) < s.cfg.RestartDelay {
			continue
		}
		slot.Engine.Reset()
		*slot = Slot{Engine: slot.Engine, VsCheckpoint: s.tagCheckpoint()}
	}
}

func (s *Scheduler) Stats() Stats {
	return s.tally.Stats(s.algo, s.pool)
}

func (s *Scheduler) Boards() RenderSnapshot {
	snap := RenderSnapshot{
		Rows:    s.cfg.Rows,
		Cols:    s.cfg.Cols,
		Boards:  make([][]plague.Cell, len(s.slots)),
		Done:    make([]bool, len(s.slots)),
		Winners: make([]plague.Player, len(s.slots)),
	}
	for i, slot := range s.slots {
		snap.Boards[i] = slot.Engine.Board()
		snap.Done[i] = slot.Done
		snap.Winners[i] = slot.Winner
	}
	return snap
}

// SelectAction answers a single-state query, e.g. a human playing the live policy.
func (s *Scheduler) SelectAction(state, mask []float32) (int, error) {
	return s.algo.SelectAction(state, mask)
}
