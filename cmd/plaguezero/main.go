package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/muesli/termenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sw965/plaguezero/arena"
	"github.com/sw965/plaguezero/checkpoint"
	"github.com/sw965/plaguezero/config"
	"github.com/sw965/plaguezero/metrics"
	"github.com/sw965/plaguezero/model"
	"github.com/sw965/plaguezero/model/mlp"
	"github.com/sw965/plaguezero/rl"
	"github.com/sw965/plaguezero/selfplay"
	"github.com/sw965/plaguezero/selfplay/batched"
	"github.com/sw965/plaguezero/tensor"
)

var errUnknownMode = errors.New("unknown mode")

// rng streams, one per consumer so a fixed seed reproduces a run
const (
	streamAlgorithm uint64 = iota + 1
	streamPool
	streamScheduler
	streamEvaluator
	streamArena
	streamEval
)

func main() {
	configPath := flag.String("config", "", "YAML config file; defaults are used when empty")
	mode := flag.String("mode", "train", "train or eval")
	scheduler := flag.String("scheduler", "", "host or device, overrides the config")
	algo := flag.String("algo", "", "reinforce or ppo, overrides the config")
	ticks := flag.Int("ticks", -1, "stop after this many ticks, 0 runs until interrupted, overrides the config")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *scheduler, *algo, *ticks)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	zerolog.SetGlobalLevel(cfg.LogLevel())
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx = log.Logger.WithContext(ctx)

	seed := cfg.ResolveSeed()
	log.Info().Uint64("seed", seed).Str("mode", *mode).Str("scheduler", cfg.Scheduler).Str("algorithm", cfg.Algorithm.Name).Msg("starting")

	switch *mode {
	case "train":
		err = train(ctx, cfg, seed)
	case "eval":
		err = evaluate(cfg, seed)
	default:
		err = fmt.Errorf("%w: %q", errUnknownMode, *mode)
	}
	stop()
	if err != nil {
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

func loadConfig(path, scheduler, algo string, ticks int) (config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}
	if scheduler != "" {
		cfg.Scheduler = scheduler
	}
	if algo != "" {
		cfg.Algorithm.Name = algo
	}
	if ticks >= 0 {
		cfg.Runner.MaxTicks = ticks
	}
	return cfg, cfg.Validate()
}

func newAlgorithm(cfg config.Config, m model.PolicyModel, rng *rand.Rand) rl.Algorithm {
	if cfg.Algorithm.Name == config.AlgorithmReinforce {
		return rl.NewReinforce(m, cfg.Algorithm.Reinforce, rng)
	}
	return rl.NewPPO(m, cfg.Algorithm.PPO, rng)
}

func stream(seed, id uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, id))
}

func train(ctx context.Context, cfg config.Config, seed uint64) error {
	factory := mlp.NewFactory(cfg.MLP(), seed)
	m, err := factory()
	if err != nil {
		return err
	}
	algorithm := newAlgorithm(cfg, m, stream(seed, streamAlgorithm))
	pool := checkpoint.New(factory, cfg.Checkpoint, stream(seed, streamPool))

	var ticker selfplay.Ticker
	switch cfg.Scheduler {
	case config.SchedulerDevice:
		eval := arena.NewEvaluator(factory, pool, stream(seed, streamEvaluator))
		s, err := batched.New(algorithm, pool, eval, cfg.SelfPlay, tensor.NewArena(stream(seed, streamArena)))
		if err != nil {
			return err
		}
		defer func() {
			s.Close()
			eval.Drain()
		}()
		ticker = s
	default:
		s, err := selfplay.New(algorithm, pool, cfg.SelfPlay, stream(seed, streamScheduler))
		if err != nil {
			return err
		}
		ticker = s
	}

	history := metrics.NewLog(cfg.Metrics.MaxPoints)
	out := termenv.NewOutput(os.Stdout)
	runner := selfplay.NewRunner(ticker, cfg.Runner)
	runner.OnGeneration = func(st selfplay.Stats) {
		history.Push(st)
		if e, ok := history.Last(); ok {
			fmt.Fprintln(os.Stdout, statusLine(out, e))
		}
	}

	n := runner.Run(ctx)
	st := ticker.Stats()
	event := log.Info().Int("ticks", n).Int("generation", st.Generation).Int("games", st.GamesCompleted)
	if losses, err := history.Series(metrics.Loss); err == nil && len(losses) > 0 {
		event = event.Floats64("loss_trend", metrics.LTTB(losses, 10))
	}
	event.Msg("training stopped")

	if cfg.Eval.Games == 0 {
		return nil
	}
	res, err := arena.EvaluateVsRandom(algorithm.Model(), cfg.SelfPlay.Rows, cfg.SelfPlay.Cols, cfg.SelfPlay.Variant, cfg.Eval.Games, cfg.Eval.Workers, stream(seed, streamEval))
	if err != nil {
		return err
	}
	logResult(res)
	return nil
}

// evaluate plays a freshly initialised policy against the random baseline. Weights
// are not persisted between runs.
func evaluate(cfg config.Config, seed uint64) error {
	m, err := mlp.NewFactory(cfg.MLP(), seed)()
	if err != nil {
		return err
	}
	res, err := arena.EvaluateVsRandom(m, cfg.SelfPlay.Rows, cfg.SelfPlay.Cols, cfg.SelfPlay.Variant, cfg.Eval.Games, cfg.Eval.Workers, stream(seed, streamEval))
	if err != nil {
		return err
	}
	logResult(res)
	return nil
}

func logResult(res arena.Result) {
	log.Info().
		Int("wins", res.Wins).
		Int("losses", res.Losses).
		Int("draws", res.Draws).
		Float64("win_rate", res.WinRate).
		Msg("evaluated against random")
}
