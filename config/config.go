// Package config loads the YAML run configuration. Every field has a default, so a
// file only needs the keys it changes.
//
// config パッケージは学習実行の設定を YAML から読み込む。
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/rs/zerolog"
	"github.com/sw965/plaguezero/checkpoint"
	"github.com/sw965/plaguezero/game/plague"
	"github.com/sw965/plaguezero/model/mlp"
	"github.com/sw965/plaguezero/rl"
	"github.com/sw965/plaguezero/selfplay"
	"gopkg.in/yaml.v3"
	"lukechampine.com/frand"
)

var ErrInvalid = errors.New("invalid config")

const (
	AlgorithmReinforce = "reinforce"
	AlgorithmPPO       = "ppo"

	SchedulerHost   = "host"
	SchedulerDevice = "device"
)

type AlgorithmConfig struct {
	Name      string             `yaml:"name"`
	Reinforce rl.ReinforceConfig `yaml:"reinforce"`
	PPO       rl.PPOConfig       `yaml:"ppo"`
}

type EvalConfig struct {
	Games   int `yaml:"games"`
	Workers int `yaml:"workers"`
}

type MetricsConfig struct {
	MaxPoints int `yaml:"max_points"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	// Seed 0 は起動ごとにランダムなシードを使う
	Seed      uint64 `yaml:"seed"`
	Scheduler string `yaml:"scheduler"`

	SelfPlay   selfplay.Config       `yaml:"selfplay"`
	Algorithm  AlgorithmConfig       `yaml:"algorithm"`
	Model      mlp.Config            `yaml:"model"`
	Checkpoint checkpoint.Config     `yaml:"checkpoint"`
	Runner     selfplay.RunnerConfig `yaml:"runner"`
	Eval       EvalConfig            `yaml:"eval"`
	Metrics    MetricsConfig         `yaml:"metrics"`
	Log        LogConfig             `yaml:"log"`
}

func DefaultConfig() Config {
	sp := selfplay.DefaultConfig()
	return Config{
		Scheduler: SchedulerHost,
		SelfPlay:  sp,
		Algorithm: AlgorithmConfig{
			Name:      AlgorithmPPO,
			Reinforce: rl.DefaultReinforceConfig(),
			PPO:       rl.DefaultPPOConfig(),
		},
		Model:      mlp.DefaultConfig(sp.Cells()),
		Checkpoint: checkpoint.DefaultConfig(),
		Runner:     selfplay.DefaultRunnerConfig(),
		Eval:       EvalConfig{Games: 50, Workers: 4},
		Metrics:    MetricsConfig{MaxPoints: 500},
		Log:        LogConfig{Level: "info"},
	}
}

// Load overlays the file at path on DefaultConfig. Unknown keys are rejected.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cfg.syncModel()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// syncModel は盤面サイズからネットワークの入出力次元を決める
func (c *Config) syncModel() {
	c.Model.InputSize = c.SelfPlay.Cells()
	c.Model.ActionSize = c.SelfPlay.Cells()
}

func (c Config) Validate() error {
	if err := c.SelfPlay.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	switch c.Scheduler {
	case SchedulerHost:
	case SchedulerDevice:
		if c.SelfPlay.Variant.HasWalls() {
			return fmt.Errorf("%w: the device scheduler only plays %q boards", ErrInvalid, plague.Classic)
		}
	default:
		return fmt.Errorf("%w: scheduler must be %q or %q, got %q", ErrInvalid, SchedulerHost, SchedulerDevice, c.Scheduler)
	}

	switch c.Algorithm.Name {
	case AlgorithmReinforce:
		if c.Algorithm.Reinforce.Capacity <= 0 || c.Algorithm.Reinforce.Workers <= 0 {
			return fmt.Errorf("%w: reinforce capacity and workers must be positive", ErrInvalid)
		}
	case AlgorithmPPO:
		p := c.Algorithm.PPO
		if p.Capacity <= 0 || p.Workers <= 0 || p.Epochs <= 0 || p.MinibatchSize <= 0 {
			return fmt.Errorf("%w: ppo capacity, workers, epochs and minibatch_size must be positive", ErrInvalid)
		}
		if p.ClipEpsilon <= 0 {
			return fmt.Errorf("%w: ppo clip_epsilon must be positive, got %v", ErrInvalid, p.ClipEpsilon)
		}
	default:
		return fmt.Errorf("%w: algorithm must be %q or %q, got %q", ErrInvalid, AlgorithmReinforce, AlgorithmPPO, c.Algorithm.Name)
	}

	if len(c.Model.Hidden) == 0 {
		return fmt.Errorf("%w: model needs at least one hidden layer", ErrInvalid)
	}
	for _, h := range c.Model.Hidden {
		if h <= 0 {
			return fmt.Errorf("%w: hidden sizes must be positive, got %v", ErrInvalid, c.Model.Hidden)
		}
	}
	if c.Model.LearningRate <= 0 {
		return fmt.Errorf("%w: learning_rate must be positive", ErrInvalid)
	}

	ck := c.Checkpoint
	if ck.Capacity <= 0 || ck.SaveInterval <= 0 {
		return fmt.Errorf("%w: checkpoint capacity and save_interval must be positive", ErrInvalid)
	}
	if ck.Fraction < 0 || ck.Fraction > 1 {
		return fmt.Errorf("%w: checkpoint fraction must be within [0, 1], got %v", ErrInvalid, ck.Fraction)
	}

	if c.Runner.Interval < 0 || c.Runner.MaxTicks < 0 {
		return fmt.Errorf("%w: runner interval and max_ticks must not be negative", ErrInvalid)
	}
	if c.Eval.Games < 0 || c.Eval.Workers <= 0 {
		return fmt.Errorf("%w: eval games must not be negative and workers must be positive", ErrInvalid)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// ResolveSeed returns Seed, or a fresh non-zero seed when Seed is 0.
func (c Config) ResolveSeed() uint64 {
	if c.Seed != 0 {
		return c.Seed
	}
	return frand.Uint64n(math.MaxUint64) + 1
}

// LogLevel is only meaningful after Validate succeeded.
func (c Config) LogLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// MLP returns the network config with the board size filled in.
func (c Config) MLP() mlp.Config {
	m := c.Model
	m.InputSize = c.SelfPlay.Cells()
	m.ActionSize = c.SelfPlay.Cells()
	return m
}
