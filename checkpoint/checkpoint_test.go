package checkpoint_test

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sw965/plaguezero/checkpoint"
	"github.com/sw965/plaguezero/model"
	"github.com/sw965/plaguezero/model/mlp"
)

func newPool(t *testing.T, cfg checkpoint.Config) (*checkpoint.Pool, model.PolicyModel) {
	t.Helper()
	mcfg := mlp.Config{InputSize: 9, ActionSize: 9, Hidden: []int{8}, LeakyAlpha: 0.01, LearningRate: 0.001}
	factory := mlp.NewFactory(mcfg, 1)
	live, err := factory()
	require.NoError(t, err)
	return checkpoint.New(factory, cfg, rand.New(rand.NewPCG(1, 2))), live
}

func TestEloEvenMatch(t *testing.T) {
	tests := []struct {
		name        string
		currentWon  bool
		isDraw      bool
		wantCurrent float64
		wantSnap    float64
	}{
		{name: "正常_勝ち", currentWon: true, wantCurrent: 1016, wantSnap: 984},
		{name: "正常_負け", currentWon: false, wantCurrent: 984, wantSnap: 1016},
		{name: "正常_引き分け", isDraw: true, wantCurrent: 1000, wantSnap: 1000},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pool, live := newPool(t, checkpoint.DefaultConfig())
			s := pool.Save(live.Weights(), 20)
			_, err := pool.LoadRandomOpponent()
			require.NoError(t, err)

			require.True(t, pool.UpdateElo(tc.currentWon, tc.isDraw))
			require.InDelta(t, tc.wantCurrent, pool.CurrentElo(), 1e-9)
			got, ok := pool.Snapshot(s.ID)
			require.True(t, ok)
			require.InDelta(t, tc.wantSnap, got.Elo, 1e-9)
		})
	}
}

func TestEloZeroSum(t *testing.T) {
	pool, live := newPool(t, checkpoint.DefaultConfig())
	rng := rand.New(rand.NewPCG(3, 4))
	var ids []int
	for g := 1; g <= 5; g++ {
		ids = append(ids, pool.Save(live.Weights(), g*20).ID)
	}
	for range 200 {
		id := ids[rng.IntN(len(ids))]
		before, _ := pool.Snapshot(id)
		cur := pool.CurrentElo()
		require.True(t, pool.UpdateEloAgainst(id, rng.IntN(2) == 0, false))
		after, _ := pool.Snapshot(id)
		require.InDelta(t, pool.CurrentElo()-cur, -(after.Elo - before.Elo), 1e-9)
	}
}

func TestSaveEvictsOldest(t *testing.T) {
	cfg := checkpoint.DefaultConfig()
	cfg.Capacity = 3
	pool, live := newPool(t, cfg)
	first := pool.Save(live.Weights(), 20)
	for g := 2; g <= 4; g++ {
		pool.Save(live.Weights(), g*20)
	}
	require.Equal(t, 3, pool.Len())
	_, ok := pool.Snapshot(first.ID)
	require.False(t, ok)
	require.False(t, pool.UpdateEloAgainst(first.ID, true, false))
	require.Equal(t, float64(1000), pool.CurrentElo())
}

func TestSaveCopiesWeights(t *testing.T) {
	pool, live := newPool(t, checkpoint.DefaultConfig())
	ws := live.Weights()
	s := pool.Save(ws, 20)
	ws[0].Data[0] += 10
	got, _ := pool.Snapshot(s.ID)
	require.NotEqual(t, ws[0].Data[0], got.Weights[0].Data[0])
}

func TestPredicates(t *testing.T) {
	pool, live := newPool(t, checkpoint.DefaultConfig())
	tests := []struct {
		name string
		gen  int
		want bool
	}{
		{name: "準正常_0世代", gen: 0, want: false},
		{name: "正常_20世代", gen: 20, want: true},
		{name: "正常_21世代", gen: 21, want: false},
		{name: "正常_40世代", gen: 40, want: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := pool.ShouldSave(tc.gen); got != tc.want {
				t.Errorf("want: %t, got: %t", tc.want, got)
			}
		})
	}

	for range 100 {
		require.False(t, pool.ShouldBeCheckpointGame(), "empty pool never tags slots")
	}
	pool.Save(live.Weights(), 20)
	tagged := 0
	for range 10000 {
		if pool.ShouldBeCheckpointGame() {
			tagged++
		}
	}
	require.InDelta(t, 0.1, float64(tagged)/10000, 0.02)
}

func TestOpponentSelectActions(t *testing.T) {
	pool, live := newPool(t, checkpoint.DefaultConfig())
	_, err := pool.SelectActions([][]float32{make([]float32, 9)}, [][]float32{make([]float32, 9)})
	require.ErrorIs(t, err, checkpoint.ErrNoOpponent)
	_, err = pool.LoadRandomOpponent()
	require.ErrorIs(t, err, checkpoint.ErrEmpty)

	pool.Save(live.Weights(), 20)
	id, err := pool.LoadRandomOpponent()
	require.NoError(t, err)
	loaded, ok := pool.LoadedID()
	require.True(t, ok)
	require.Equal(t, id, loaded)

	mask := []float32{0, 0, 0, 0, 1, 0, 0, 0, 0}
	actions, err := pool.SelectActions([][]float32{make([]float32, 9), make([]float32, 9)}, [][]float32{mask, mask})
	require.NoError(t, err)
	require.Equal(t, []int{4, 4}, actions)
}

func TestRecentWinRate(t *testing.T) {
	pool, live := newPool(t, checkpoint.DefaultConfig())
	require.Equal(t, float64(0), pool.RecentWinRate())
	pool.Save(live.Weights(), 20)
	_, err := pool.LoadRandomOpponent()
	require.NoError(t, err)
	pool.UpdateElo(true, false)
	pool.UpdateElo(false, false)
	pool.UpdateElo(false, true)
	pool.UpdateElo(true, false)
	require.InDelta(t, 0.5, pool.RecentWinRate(), 1e-12)
	pool.ResetRecentStats()
	require.Equal(t, 0, pool.RecentGames())
}
