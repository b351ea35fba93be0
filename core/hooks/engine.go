package hooks

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/entigate/core/errs"
	"github.com/artpar/entigate/core/schema"
)

// StepObserver is notified after every executed step.
type StepObserver interface {
	ObserveStep(typeKey string, phase schema.HookPhase, action string, elapsed time.Duration, err error)
}

// Config configures an Engine.
type Config struct {
	Registry *Registry
	Logger   zerolog.Logger
	Observer StepObserver
}

// Engine runs the hook steps of a phase.
type Engine struct {
	registry *Registry
	store    atomic.Pointer[Store]
	logger   zerolog.Logger
	observer StepObserver
}

// NewEngine creates an engine with an empty step store.
func NewEngine(cfg Config) *Engine {
	reg := cfg.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	e := &Engine{
		registry: reg,
		logger:   cfg.Logger,
		observer: cfg.Observer,
	}
	e.store.Store(BuildStore(nil))
	return e
}

// Registry returns the action registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Reload rebuilds the step store from types. Concurrent reloads are safe;
// the last one wins.
func (e *Engine) Reload(types []schema.Datatype) {
	e.store.Store(BuildStore(types))
}

// Steps returns the steps that would run for a type and phase.
func (e *Engine) Steps(typeKey string, phase schema.HookPhase) []schema.HookStep {
	return e.store.Load().Steps(typeKey, phase)
}

// RunPhase runs the steps for (typeKey, phase) in order, replacing the
// working context with each action's return. The first failing step stops
// the phase.
func (e *Engine) RunPhase(ctx context.Context, typeKey string, phase schema.HookPhase, hc Context) (Context, error) {
	steps := e.store.Load().Steps(typeKey, phase)

	for _, step := range steps {
		action, ok := e.registry.Get(step.Action)
		if !ok {
			return hc, &errs.UnknownActionError{Action: step.Action, TypeKey: typeKey, Phase: string(phase)}
		}

		hc.Meta = Meta{TypeKey: typeKey, Phase: phase, Args: CloneArgs(step.Args)}

		start := time.Now()
		next, err := action.Run(ctx, hc)
		elapsed := time.Since(start)

		if e.observer != nil {
			e.observer.ObserveStep(typeKey, phase, step.Action, elapsed, err)
		}

		if err != nil {
			e.logger.Debug().
				Err(err).
				Str("type", typeKey).
				Str("phase", string(phase)).
				Str("action", step.Action).
				Msg("hook step failed")
			return hc, &errs.HookStepError{TypeKey: typeKey, Phase: string(phase), Action: step.Action, Err: err}
		}

		e.logger.Debug().
			Str("type", typeKey).
			Str("phase", string(phase)).
			Str("action", step.Action).
			Dur("elapsed", elapsed).
			Msg("hook step completed")

		hc = next
	}

	return hc, nil
}
