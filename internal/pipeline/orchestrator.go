package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"price-radar/internal/config"
	"price-radar/internal/retry"
	"price-radar/internal/storage"
)

// Stage is one step of the processing pipeline. Run must be safe to repeat:
// every stage tracks its own cursor and re-running over already committed
// work is a no-op.
type Stage interface {
	Name() string
	Run(ctx context.Context) error
}

// State names what the orchestrator is currently doing.
type State string

const (
	StateIdle          State = "idle"
	StateNormalizing   State = "normalizing"
	StateDetecting     State = "detecting_anomalies"
	StateScoring       State = "scoring_hotness"
	StateMaterializing State = "materializing"
)

var stageStates = map[string]State{
	storage.StageNormalize:   StateNormalizing,
	storage.StageAnomaly:     StateDetecting,
	storage.StageHotness:     StateScoring,
	storage.StageMaterialize: StateMaterializing,
}

// StageResult records the outcome of one stage within a pipeline run.
type StageResult struct {
	Stage    string
	Err      error
	Attempts int
	Elapsed  time.Duration
}

// Result aggregates one pipeline run. A stage failure never stops the run:
// downstream stages still execute and simply find nothing past their cursor.
type Result struct {
	Started  time.Time
	Finished time.Time
	Stages   []StageResult
}

// Success reports whether every stage completed.
func (r Result) Success() bool {
	for _, s := range r.Stages {
		if s.Err != nil {
			return false
		}
	}
	return true
}

// Err summarizes the failed stages, or returns nil on a clean run.
func (r Result) Err() error {
	var failed []string
	for _, s := range r.Stages {
		if s.Err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", s.Stage, s.Err))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("pipeline stages failed: %s", strings.Join(failed, "; "))
}

// Orchestrator drives the pipeline stages in order, retrying transient
// failures per stage and isolating stage faults from each other.
type Orchestrator struct {
	stages   []Stage
	retryCfg retry.Config
	logger   zerolog.Logger

	mu    sync.RWMutex
	state State
}

// NewOrchestrator builds an orchestrator over the given stages, run in the
// order supplied.
func NewOrchestrator(stages []Stage, cfg config.RetryConfig, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		stages: stages,
		retryCfg: retry.Config{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.BaseDelay,
			MaxDelay:   cfg.MaxDelay,
		},
		logger: logger.With().Str("component", "orchestrator").Logger(),
		state:  StateIdle,
	}
}

// State returns the current pipeline state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Run executes every stage once, in order. Transient stage errors are retried
// with exponential backoff; a stage that exhausts its retries (or fails
// non-transiently) is recorded in the result, and the run proceeds to the
// next stage. Context cancellation stops the run immediately.
func (o *Orchestrator) Run(ctx context.Context) Result {
	result := Result{Started: time.Now()}
	defer o.setState(StateIdle)

	for _, stage := range o.stages {
		if ctx.Err() != nil {
			result.Stages = append(result.Stages, StageResult{Stage: stage.Name(), Err: ctx.Err()})
			break
		}

		if state, ok := stageStates[stage.Name()]; ok {
			o.setState(state)
		}

		start := time.Now()
		attempts, err := retry.Do(ctx, o.retryCfg, o.logger, stage.Name(), stage.Run)
		elapsed := time.Since(start)

		if err != nil {
			o.logger.Error().
				Str("stage", stage.Name()).
				Int("attempts", attempts).
				Dur("elapsed", elapsed).
				Err(err).
				Msg("stage failed")
		} else {
			o.logger.Info().
				Str("stage", stage.Name()).
				Int("attempts", attempts).
				Dur("elapsed", elapsed).
				Msg("stage completed")
		}

		result.Stages = append(result.Stages, StageResult{
			Stage:    stage.Name(),
			Err:      err,
			Attempts: attempts,
			Elapsed:  elapsed,
		})
	}

	result.Finished = time.Now()
	return result
}
