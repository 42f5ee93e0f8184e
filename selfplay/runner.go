package selfplay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

var ErrTickPanic = errors.New("tick panicked")

// Ticker is what the runner drives. Both the host and the device scheduler satisfy it.
type Ticker interface {
	Tick() error
	Stats() Stats
}

type RunnerConfig struct {
	Interval        time.Duration `yaml:"interval"`
	MaxLoggedErrors int           `yaml:"max_logged_errors"`
	MaxTicks        int           `yaml:"max_ticks"`
}

func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Interval:        0,
		MaxLoggedErrors: 5,
	}
}

// Runner calls Tick on a fixed interval until its context is cancelled. A failing or
// panicking tick never stops the loop.
type Runner struct {
	Ticker Ticker
	RunnerConfig

	// OnGeneration は世代が進むたびに呼ばれる
	OnGeneration func(Stats)

	consecutiveErrors int
}

func NewRunner(t Ticker, cfg RunnerConfig) *Runner {
	return &Runner{Ticker: t, RunnerConfig: cfg}
}

// Run blocks until ctx is done or MaxTicks ticks (when positive) have run. It returns
// the number of ticks executed.
func (r *Runner) Run(ctx context.Context) int {
	logger := zerolog.Ctx(ctx)

	var ticker *time.Ticker
	if r.Interval > 0 {
		ticker = time.NewTicker(r.Interval)
		defer ticker.Stop()
	}

	generation := r.Ticker.Stats().Generation
	ticks := 0
	for {
		if r.MaxTicks > 0 && ticks >= r.MaxTicks {
			return ticks
		}
		if ticker != nil {
			select {
			case <-ctx.Done():
				return ticks
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return ticks
		}

		err := r.safeTick()
		ticks++
		if err != nil {
			r.consecutiveErrors++
			switch {
			case r.consecutiveErrors <= r.MaxLoggedErrors:
				logger.Error().Err(err).Int("tick", ticks).Int("consecutive", r.consecutiveErrors).Msg("tick failed")
			case r.consecutiveErrors == r.MaxLoggedErrors+1:
				logger.Error().Int("tick", ticks).Msg("suppressing further tick errors until the next success")
			}
			continue
		}
		if r.consecutiveErrors > 0 {
			logger.Info().Int("failed", r.consecutiveErrors).Msg("tick recovered")
			r.consecutiveErrors = 0
		}

		st := r.Ticker.Stats()
		if st.Generation != generation {
			generation = st.Generation
			if r.OnGeneration != nil {
				r.OnGeneration(st)
			}
		}
	}
}

func (r *Runner) safeTick() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrTickPanic, p)
		}
	}()
	return r.Ticker.Tick()
}

func (r *Runner) ConsecutiveErrors() int {
	return r.consecutiveErrors
}
