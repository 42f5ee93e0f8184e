package main

import (
	"io"
	"testing"

	"github.com/muesli/termenv"
	"github.com/stretchr/testify/require"
	"github.com/sw965/plaguezero/config"
	"github.com/sw965/plaguezero/metrics"
	"github.com/sw965/plaguezero/selfplay"
)

func TestStatusLine(t *testing.T) {
	out := termenv.NewOutput(io.Discard, termenv.WithProfile(termenv.Ascii))
	elo, rate := 1032.0, 0.75
	tests := []struct {
		name string
		st   selfplay.Stats
		want string
	}{
		{
			name: "正常_チェックポイントなし",
			st:   selfplay.Stats{Generation: 3, GamesCompleted: 10, P1Wins: 5, Loss: 0.5, AvgGameLength: 12},
			want: "gen 3  games 10  loss 0.5000  entropy 0.000  len 12.0  p1 50%",
		},
		{
			name: "正常_レーティング付き",
			st:   selfplay.Stats{Generation: 4, GamesCompleted: 4, P1Wins: 1, Elo: &elo, CheckpointWinRate: &rate},
			want: "gen 4  games 4  loss 0.0000  entropy 0.000  len 0.0  p1 25%  elo 1032  vs ckpt 75%",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, statusLine(out, metrics.NewEntry(tc.st)))
		})
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := loadConfig("", config.SchedulerDevice, config.AlgorithmReinforce, 7)
	require.NoError(t, err)
	require.Equal(t, config.SchedulerDevice, cfg.Scheduler)
	require.Equal(t, config.AlgorithmReinforce, cfg.Algorithm.Name)
	require.Equal(t, 7, cfg.Runner.MaxTicks)

	_, err = loadConfig("", "", "dqn", -1)
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestTrainStopsAfterTicks(t *testing.T) {
	for _, scheduler := range []string{config.SchedulerHost, config.SchedulerDevice} {
		t.Run(scheduler, func(t *testing.T) {
			cfg, err := loadConfig("", scheduler, "", 3)
			require.NoError(t, err)
			cfg.SelfPlay.NumSlots = 2
			cfg.SelfPlay.Rows, cfg.SelfPlay.Cols = 3, 3
			cfg.Model.Hidden = []int{8}
			cfg.Eval.Games = 1
			require.NoError(t, cfg.Validate())
			require.NoError(t, train(t.Context(), cfg, 1))
		})
	}
}
