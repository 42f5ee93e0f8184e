// Package selfplay drives many plague games in lockstep, batching every policy call
// across the active games, and trains the shared policy on a cadence.
//
// selfplay パッケージは複数の対局を同期的に進め、方策の推論を対局間でまとめて行う。
package selfplay

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sw965/plaguezero/checkpoint"
	"github.com/sw965/plaguezero/game/plague"
	"github.com/sw965/plaguezero/rl"
)

var (
	ErrConfig      = errors.New("invalid self-play config")
	ErrActionCount = errors.New("action count does not match batch")
	ErrIllegalMove = errors.New("policy selected an illegal move")
)

const recentLengthCap = 100

type Config struct {
	NumSlots       int            `yaml:"num_slots"`
	Rows           int            `yaml:"rows"`
	Cols           int            `yaml:"cols"`
	Variant        plague.Variant `yaml:"variant"`
	TrainBatchSize int            `yaml:"train_batch_size"`
	TrainInterval  int            `yaml:"train_interval"`
	RestartDelay   time.Duration  `yaml:"restart_delay"`
}

func DefaultConfig() Config {
	return Config{
		NumSlots:       40,
		Rows:           10,
		Cols:           10,
		Variant:        plague.Classic,
		TrainBatchSize: 256,
		TrainInterval:  20,
		RestartDelay:   300 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	if c.NumSlots <= 0 {
		return fmt.Errorf("%w: num_slots must be positive, got %d", ErrConfig, c.NumSlots)
	}
	if c.Rows <= 0 || c.Cols <= 0 {
		return fmt.Errorf("%w: board must be at least 1x1, got %dx%d", ErrConfig, c.Rows, c.Cols)
	}
	if c.TrainBatchSize <= 0 || c.TrainInterval <= 0 {
		return fmt.Errorf("%w: train_batch_size and train_interval must be positive", ErrConfig)
	}
	if c.RestartDelay < 0 {
		return fmt.Errorf("%w: restart_delay must not be negative", ErrConfig)
	}
	if _, err := plague.ParseVariant(string(c.Variant)); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return nil
}

func (c Config) Cells() int {
	return c.Rows * c.Cols
}

// Stats is published to the metrics collaborator once per generation.
type Stats struct {
	GamesCompleted    int
	Generation        int
	Loss              float32
	P1Wins            int
	P2Wins            int
	Draws             int
	AvgGameLength     float64
	BufferSize        int
	Entropy           float32
	Elo               *float64
	CheckpointWinRate *float64
}

// RenderSnapshot is a read-only copy of every slot for board renderers.
type RenderSnapshot struct {
	Rows    int
	Cols    int
	Boards  [][]plague.Cell
	Done    []bool
	Winners []plague.Player
}

// Tally holds the game and training bookkeeping shared by the host and device
// schedulers.
type Tally struct {
	gamesCompleted      int
	gamesSinceLastTrain int
	generation          int
	lastLoss            float32
	p1Wins              int
	p2Wins              int
	draws               int
	recentLengths       []int
}

// Record counts a finished game.
func (t *Tally) Record(winner plague.Player, turns int) {
	t.gamesCompleted++
	t.gamesSinceLastTrain++
	switch winner {
	case plague.P1:
		t.p1Wins++
	case plague.P2:
		t.p2Wins++
	default:
		t.draws++
	}
	t.recentLengths = append(t.recentLengths, turns)
	if len(t.recentLengths) > recentLengthCap {
		t.recentLengths = t.recentLengths[1:]
	}
}

func (t *Tally) Stats(algo rl.Algorithm, pool *checkpoint.Pool) Stats {
	var avg float64
	if n := len(t.recentLengths); n > 0 {
		sum := 0
		for _, l := range t.recentLengths {
			sum += l
		}
		avg = float64(sum) / float64(n)
	}
	s := Stats{
		GamesCompleted: t.gamesCompleted,
		Generation:     t.generation,
		Loss:           t.lastLoss,
		P1Wins:         t.p1Wins,
		P2Wins:         t.p2Wins,
		Draws:          t.draws,
		AvgGameLength:  avg,
		BufferSize:     algo.BufferSize(),
		Entropy:        algo.LastEntropy(),
	}
	if pool != nil {
		elo := pool.CurrentElo()
		s.Elo = &elo
		if pool.RecentGames() > 0 {
			rate := pool.RecentWinRate()
			s.CheckpointWinRate = &rate
		}
	}
	return s
}

// MaybeTrain runs one training step when the algorithm asks for it and reports
// whether the generation advanced.
func (t *Tally) MaybeTrain(algo rl.Algorithm, batchSize, interval int) bool {
	if !algo.ShouldTrain(t.gamesSinceLastTrain, interval, batchSize) {
		return false
	}
	t.lastLoss = algo.TrainStep(batchSize)
	t.generation++
	t.gamesSinceLastTrain = 0
	log.Info().
		Int("generation", t.generation).
		Float32("loss", t.lastLoss).
		Int("buffer", algo.BufferSize()).
		Int("games", t.gamesCompleted).
		Msg("trained")
	return true
}

// CheckpointAfterTrain saves a snapshot on the pool's cadence and loads a fresh
// opponent for the next generation.
func CheckpointAfterTrain(pool *checkpoint.Pool, algo rl.Algorithm, generation int) {
	if pool == nil {
		return
	}
	if pool.ShouldSave(generation) {
		pool.Save(algo.Model().Weights(), generation)
	}
	if pool.HasSnapshots() {
		if _, err := pool.LoadRandomOpponent(); err != nil {
			log.Warn().Err(err).Int("generation", generation).Msg("loading checkpoint opponent failed")
		}
	}
}

func (t *Tally) Generation() int {
	return t.generation
}
