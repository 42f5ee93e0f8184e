package batched_test

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sw965/plaguezero/arena"
	"github.com/sw965/plaguezero/checkpoint"
	"github.com/sw965/plaguezero/game/plague"
	"github.com/sw965/plaguezero/model"
	"github.com/sw965/plaguezero/model/mlp"
	"github.com/sw965/plaguezero/rl"
	"github.com/sw965/plaguezero/selfplay"
	"github.com/sw965/plaguezero/selfplay/batched"
	"github.com/sw965/plaguezero/tensor"
)

func factory(cells int) model.Factory {
	return mlp.NewFactory(mlp.Config{InputSize: cells, ActionSize: cells, Hidden: []int{16}, LeakyAlpha: 0.01, LearningRate: 0.001}, 11)
}

// recorder keeps every trajectory handed over and never trains.
type recorder struct {
	rl.Algorithm
	model    model.PolicyModel
	episodes [][]rl.TrajectoryStep
	winners  []plague.Player
}

func (r *recorder) OnEpisodeFinished(trajectory []rl.TrajectoryStep, winner plague.Player) {
	r.episodes = append(r.episodes, trajectory)
	r.winners = append(r.winners, winner)
}

func (r *recorder) ShouldTrain(int, int, int) bool { return false }
func (r *recorder) BufferSize() int                { return 0 }
func (r *recorder) LastEntropy() float32           { return 0 }
func (r *recorder) Model() model.PolicyModel       { return r.model }

func config(slots, rows, cols int) selfplay.Config {
	cfg := selfplay.DefaultConfig()
	cfg.NumSlots = slots
	cfg.Rows, cfg.Cols = rows, cols
	cfg.TrainBatchSize = 8
	cfg.TrainInterval = 2
	cfg.RestartDelay = 0
	return cfg
}

func newRecorder(t *testing.T, cells int) *recorder {
	t.Helper()
	m, err := factory(cells)()
	require.NoError(t, err)
	return &recorder{model: m}
}

func TestTickDownloadsOnlyCountsAndEntropy(t *testing.T) {
	const n = 6
	a := tensor.NewArena(rand.New(rand.NewPCG(1, 1)))
	s, err := batched.New(newRecorder(t, 100), nil, nil, config(n, 10, 10), a)
	require.NoError(t, err)

	require.NoError(t, s.Tick())
	// 空きマス数 n 個と、手番ごとのエントロピー 2 個
	require.Equal(t, int64(n*4+2*4), a.Downloaded())
	require.Zero(t, a.Uploaded(), "all slots live, so the gate comes from the cache")
	require.Equal(t, 2, s.Snapshots())

	s.Close()
	require.Zero(t, a.Live())
}

func TestLiveTensorsStayBounded(t *testing.T) {
	a := tensor.NewArena(rand.New(rand.NewPCG(2, 2)))
	rec := newRecorder(t, 9)
	s, err := batched.New(rec, nil, nil, config(5, 3, 3), a)
	require.NoError(t, err)

	for range 60 {
		require.NoError(t, s.Tick())
		// state + cached gate + five tensors per retained move phase
		require.Equal(t, 2+5*s.Snapshots(), a.Live())
		require.LessOrEqual(t, s.Snapshots(), 2*10)
	}
	require.NotEmpty(t, rec.episodes)

	s.Close()
	require.Zero(t, a.Live())
	require.Zero(t, a.LiveBytes())
}

func TestTrajectories(t *testing.T) {
	a := tensor.NewArena(rand.New(rand.NewPCG(3, 3)))
	rec := newRecorder(t, 9)
	s, err := batched.New(rec, nil, nil, config(4, 3, 3), a)
	require.NoError(t, err)
	for range 30 {
		require.NoError(t, s.Tick())
	}
	defer s.Close()

	require.NotEmpty(t, rec.episodes)
	for _, episode := range rec.episodes {
		require.NotEmpty(t, episode)
		require.Equal(t, plague.P1, episode[0].Player)
		for k, step := range episode {
			if k > 0 {
				require.Equal(t, step.Player, episode[k-1].Player.Opposite(), "players alternate")
			}
			require.Equal(t, float32(1), step.Mask[step.Action], "the recorded action was legal")
			require.Equal(t, float32(0), step.State[step.Action])
			require.LessOrEqual(t, step.LogProb, float32(0))
			for _, v := range step.State {
				require.Contains(t, []float32{-1, 0, 1}, v)
			}
		}
	}
	st := s.Stats()
	require.Equal(t, len(rec.episodes), st.GamesCompleted)
	require.Equal(t, st.GamesCompleted, st.P1Wins+st.P2Wins+st.Draws)
}

func TestRestartDelay(t *testing.T) {
	a := tensor.NewArena(rand.New(rand.NewPCG(4, 4)))
	rec := newRecorder(t, 4)
	cfg := config(1, 2, 2)
	cfg.RestartDelay = time.Second
	s, err := batched.New(rec, nil, nil, cfg, a)
	require.NoError(t, err)
	defer s.Close()

	now := time.Unix(0, 0)
	s.SetClock(func() time.Time { return now })
	for len(rec.episodes) == 0 {
		require.NoError(t, s.Tick())
	}
	require.True(t, s.Boards().Done[0])
	require.Zero(t, s.Snapshots(), "finished games release their snapshots")

	require.NoError(t, s.Tick())
	require.True(t, s.Boards().Done[0])
	require.Len(t, rec.episodes, 1)
	require.Zero(t, s.Snapshots())

	now = now.Add(time.Second)
	require.NoError(t, s.Tick())
	snap := s.Boards()
	require.False(t, snap.Done[0])
	require.Equal(t, plague.Draw, snap.Winners[0])
}

func TestTrainingWithEvaluator(t *testing.T) {
	f := factory(9)
	m, err := f()
	require.NoError(t, err)
	algo := rl.NewPPO(m, rl.DefaultPPOConfig(), rand.New(rand.NewPCG(5, 5)))
	pcfg := checkpoint.DefaultConfig()
	pcfg.SaveInterval = 1
	pcfg.Capacity = 1000
	pool := checkpoint.New(f, pcfg, rand.New(rand.NewPCG(6, 6)))
	eval := arena.NewEvaluator(f, pool, rand.New(rand.NewPCG(7, 7)))

	a := tensor.NewArena(rand.New(rand.NewPCG(8, 8)))
	s, err := batched.New(algo, pool, eval, config(8, 3, 3), a)
	require.NoError(t, err)
	for range 80 {
		require.NoError(t, s.Tick())
	}
	s.Close()
	eval.Drain()

	st := s.Stats()
	require.Positive(t, st.Generation)
	require.Positive(t, pool.Len())
	require.Positive(t, pool.RecentGames())
	require.NotNil(t, st.Elo)
	require.Zero(t, a.Live())
}

func TestStatsReportDeviceEntropy(t *testing.T) {
	f := factory(9)
	m, err := f()
	require.NoError(t, err)
	algo := rl.NewPPO(m, rl.DefaultPPOConfig(), rand.New(rand.NewPCG(10, 10)))
	a := tensor.NewArena(rand.New(rand.NewPCG(11, 11)))
	s, err := batched.New(algo, nil, nil, config(8, 3, 3), a)
	require.NoError(t, err)
	defer s.Close()

	require.Zero(t, s.Stats().Entropy)
	for range 5 {
		require.NoError(t, s.Tick())
		h := s.Stats().Entropy
		require.Positive(t, h)
		require.LessOrEqual(t, h, float32(math.Log(9))+1e-5)
	}
	require.Zero(t, algo.LastEntropy(), "the device path never runs host inference")
}

func TestNewRejectsWalls(t *testing.T) {
	a := tensor.NewArena(rand.New(rand.NewPCG(9, 9)))
	cfg := config(2, 3, 3)
	cfg.Variant = plague.Advanced
	_, err := batched.New(newRecorder(t, 9), nil, nil, cfg, a)
	require.ErrorIs(t, err, selfplay.ErrConfig)
	require.Zero(t, a.Live())
}
