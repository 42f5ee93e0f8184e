// Package checkpoint keeps a bounded archive of past policy weights and rates the
// live policy against them with Elo.
//
// checkpoint パッケージは過去の方策の重みを一定数保存し、現在の方策との対戦結果から
// Elo レーティングを更新する。
package checkpoint

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/rs/zerolog/log"
	"github.com/sw965/omw/mathx/randx"
	"github.com/sw965/plaguezero/blas32/tensor/2d"
	"github.com/sw965/plaguezero/model"
	"github.com/sw965/plaguezero/rl"
)

var (
	ErrEmpty      = errors.New("checkpoint pool is empty")
	ErrNoOpponent = errors.New("no opponent loaded")
)

type Config struct {
	Capacity     int     `yaml:"capacity"`
	SaveInterval int     `yaml:"save_interval"`
	Fraction     float64 `yaml:"fraction"`
	K            float64 `yaml:"k"`
	BaseElo      float64 `yaml:"base_elo"`
}

func DefaultConfig() Config {
	return Config{
		Capacity:     20,
		SaveInterval: 20,
		Fraction:     0.1,
		K:            32,
		BaseElo:      1000,
	}
}

// Snapshot is immutable except for Elo. ID is unique for the lifetime of the pool.
type Snapshot struct {
	ID         int
	Weights    []model.Weight
	Elo        float64
	Generation int
}

type Pool struct {
	cfg     Config
	factory model.Factory
	rng     *rand.Rand

	snapshots  []Snapshot
	nextID     int
	currentElo float64

	opponent model.PolicyModel
	loadedID int
	loaded   bool

	recentWins  int
	recentGames int
}

func New(factory model.Factory, cfg Config, rng *rand.Rand) *Pool {
	return &Pool{
		cfg:        cfg,
		factory:    factory,
		rng:        rng,
		currentElo: cfg.BaseElo,
	}
}

func (p *Pool) Config() Config {
	return p.cfg
}

// Save archives a copy of weights stamped with the current Elo.
func (p *Pool) Save(weights []model.Weight, generation int) Snapshot {
	s := Snapshot{
		ID:         p.nextID,
		Weights:    model.CloneWeights(weights),
		Elo:        p.currentElo,
		Generation: generation,
	}
	p.nextID++
	p.snapshots = append(p.snapshots, s)
	if over := len(p.snapshots) - p.cfg.Capacity; over > 0 {
		p.snapshots = slices.Delete(p.snapshots, 0, over)
	}
	log.Debug().Int("id", s.ID).Int("generation", generation).Float64("elo", s.Elo).Int("snapshots", len(p.snapshots)).Msg("checkpoint saved")
	return s
}

func (p *Pool) Len() int {
	return len(p.snapshots)
}

func (p *Pool) HasSnapshots() bool {
	return len(p.snapshots) > 0
}

func (p *Pool) ShouldSave(generation int) bool {
	return generation > 0 && p.cfg.SaveInterval > 0 && generation%p.cfg.SaveInterval == 0
}

func (p *Pool) ShouldBeCheckpointGame() bool {
	return len(p.snapshots) > 0 && p.rng.Float64() < p.cfg.Fraction
}

func (p *Pool) index(id int) int {
	return slices.IndexFunc(p.snapshots, func(s Snapshot) bool { return s.ID == id })
}

// Snapshot returns a copy of the archived snapshot with the given ID.
func (p *Pool) Snapshot(id int) (Snapshot, bool) {
	i := p.index(id)
	if i < 0 {
		return Snapshot{}, false
	}
	s := p.snapshots[i]
	s.Weights = model.CloneWeights(s.Weights)
	return s, true
}

// Sample picks an archived snapshot uniformly without loading it.
func (p *Pool) Sample() (Snapshot, error) {
	s, err := randx.Choice(p.snapshots, p.rng)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrEmpty, err)
	}
	return s, nil
}

// LoadRandomOpponent restores a uniformly chosen snapshot into the opponent model,
// building the model on first use.
func (p *Pool) LoadRandomOpponent() (int, error) {
	s, err := p.Sample()
	if err != nil {
		return 0, err
	}
	if p.opponent == nil {
		p.opponent, err = p.factory()
		if err != nil {
			return 0, err
		}
	}
	if err := p.opponent.SetWeights(s.Weights); err != nil {
		return 0, err
	}
	p.loadedID = s.ID
	p.loaded = true
	return s.ID, nil
}

func (p *Pool) LoadedID() (int, bool) {
	return p.loadedID, p.loaded
}

// SelectActions samples moves from the loaded opponent. The opponent is never trained.
func (p *Pool) SelectActions(states, masks [][]float32) ([]int, error) {
	if !p.loaded {
		return nil, ErrNoOpponent
	}
	if len(states) == 0 {
		return nil, nil
	}
	if len(states) != len(masks) {
		return nil, fmt.Errorf("%w: %d states, %d masks", rl.ErrBatchSize, len(states), len(masks))
	}
	x, err := rl.FlattenStates(states, p.opponent.InputSize())
	if err != nil {
		return nil, err
	}
	out, err := p.opponent.Forward(x)
	if err != nil {
		return nil, err
	}
	actions := make([]int, len(states))
	for i := range actions {
		probs := rl.MaskedSoftmax(tensor2d.Row(out.Logits, i), masks[i])
		actions[i] = rl.SampleFromProbs(probs, p.rng)
	}
	return actions, nil
}

// Expected is the logistic Elo expectation of a player rated a against one rated b.
func Expected(a, b float64) float64 {
	return 1 / (1 + math.Pow(10, (b-a)/400))
}

// UpdateElo applies a game between the live policy and the loaded opponent.
func (p *Pool) UpdateElo(currentWon, isDraw bool) bool {
	if !p.loaded {
		return false
	}
	return p.UpdateEloAgainst(p.loadedID, currentWon, isDraw)
}

// UpdateEloAgainst applies a game against a specific snapshot. Results against a
// snapshot that has since been evicted are dropped.
func (p *Pool) UpdateEloAgainst(id int, currentWon, isDraw bool) bool {
	i := p.index(id)
	if i < 0 {
		return false
	}
	s := &p.snapshots[i]
	expected := Expected(p.currentElo, s.Elo)
	actual := 0.0
	switch {
	case isDraw:
		actual = 0.5
	case currentWon:
		actual = 1
	}
	p.currentElo += p.cfg.K * (actual - expected)
	s.Elo += p.cfg.K * ((1 - actual) - (1 - expected))

	p.recentGames++
	if currentWon && !isDraw {
		p.recentWins++
	}
	return true
}

func (p *Pool) CurrentElo() float64 {
	return p.currentElo
}

func (p *Pool) RecentWinRate() float64 {
	if p.recentGames == 0 {
		return 0
	}
	return float64(p.recentWins) / float64(p.recentGames)
}

func (p *Pool) RecentGames() int {
	return p.recentGames
}

func (p *Pool) ResetRecentStats() {
	p.recentWins = 0
	p.recentGames = 0
}
