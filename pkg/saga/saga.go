package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/anvilworks/anvil/pkg/eventstore"
	"github.com/anvilworks/anvil/pkg/log"
	"github.com/anvilworks/anvil/pkg/metrics"
	"github.com/anvilworks/anvil/pkg/types"
	"github.com/rs/zerolog"
)

// Event types appended by the engine. For one saga the log reads:
// saga.started, saga.step_completed per step, then either
// saga.completed, or saga.step_failed followed by reverse-order
// saga.compensated / saga.compensation_failed and saga.failed.
const (
	EventStarted            = "saga.started"
	EventStepCompleted      = "saga.step_completed"
	EventStepFailed         = "saga.step_failed"
	EventCompensated        = "saga.compensated"
	EventCompensationFailed = "saga.compensation_failed"
	EventCompleted          = "saga.completed"
	EventFailed             = "saga.failed"
)

// Step is one named unit of a saga. Execute and Compensate must be
// idempotent across a crash-resume boundary: a step may run again if
// the process dies between the step returning and its completion
// record landing.
type Step struct {
	Name       string
	Execute    func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
	Compensate func(ctx context.Context, input json.RawMessage, cause error) error
}

// Definition is a named, ordered step list. The name is persisted in
// the live saga state so a restarted process can resolve the steps
// again.
type Definition struct {
	Name  string
	Steps []Step
}

// Result is the terminal outcome of a saga execution.
type Result struct {
	SagaID      string
	Success     bool
	Compensated bool
	Results     map[string]json.RawMessage
	Err         error
}

// Engine executes definitions, persisting progress to the event store
// after every step so in-flight sagas survive crashes, and compensates
// completed steps in strict reverse order when a step fails.
type Engine struct {
	store  *eventstore.Store
	logger zerolog.Logger

	mu          sync.RWMutex
	definitions map[string]Definition
}

// NewEngine creates an engine over the store.
func NewEngine(store *eventstore.Store) *Engine {
	return &Engine{
		store:       store,
		logger:      log.WithComponent("saga"),
		definitions: make(map[string]Definition),
	}
}

// Register makes a definition resolvable by name, both for Execute and
// for the startup resume scan.
func (e *Engine) Register(def Definition) error {
	if def.Name == "" || len(def.Steps) == 0 {
		return fmt.Errorf("saga definition needs a name and at least one step")
	}
	seen := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		if s.Name == "" || s.Execute == nil {
			return fmt.Errorf("saga %s: every step needs a name and an execute", def.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("saga %s: duplicate step %s", def.Name, s.Name)
		}
		seen[s.Name] = true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.definitions[def.Name]; dup {
		return fmt.Errorf("saga %s already registered", def.Name)
	}
	e.definitions[def.Name] = def
	return nil
}

func (e *Engine) definition(name string) (Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.definitions[name]
	return def, ok
}

// Execute runs a registered definition against the entity with the
// given input. It returns a Result rather than an error for step
// failures; the error return covers an unknown definition and storage
// failures.
func (e *Engine) Execute(ctx context.Context, definition string, entityID types.EntityID, input json.RawMessage) (*Result, error) {
	def, ok := e.definition(definition)
	if !ok {
		return nil, fmt.Errorf("unknown saga definition %q", definition)
	}

	sagaID := types.NewID()
	logger := e.logger.With().Str("saga_id", sagaID).Str("definition", definition).Logger()

	names := make([]string, len(def.Steps))
	for i, s := range def.Steps {
		names[i] = s.Name
	}
	if err := e.append(entityID, EventStarted, map[string]any{
		"sagaId": sagaID,
		"steps":  names,
		"input":  json.RawMessage(orNull(input)),
	}); err != nil {
		return nil, err
	}

	now := time.Now()
	state := &types.SagaState{
		SagaID:         sagaID,
		Definition:     definition,
		EntityID:       entityID,
		Status:         types.SagaStatusRunning,
		CurrentStep:    0,
		TotalSteps:     len(def.Steps),
		Input:          input,
		CompletedSteps: []string{},
		Results:        make(map[string]json.RawMessage),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.SaveSagaState(state); err != nil {
		return nil, err
	}

	metrics.SagasStarted.Inc()
	logger.Info().Int("steps", len(def.Steps)).Msg("Saga started")
	return e.runFrom(ctx, state, def, state.CurrentStep, logger)
}

// runFrom executes steps from index start onward, persisting progress
// before and after each. Steps already present in CompletedSteps are
// skipped so resume never emits a second completion record for the
// same (saga, step).
func (e *Engine) runFrom(ctx context.Context, state *types.SagaState, def Definition, start int, logger zerolog.Logger) (*Result, error) {
	for i := start; i < len(def.Steps); i++ {
		step := def.Steps[i]
		if contains(state.CompletedSteps, step.Name) {
			continue
		}

		state.CurrentStep = i
		state.UpdatedAt = time.Now()
		if err := e.store.SaveSagaState(state); err != nil {
			return nil, err
		}

		result, err := step.Execute(ctx, state.Input)
		if err != nil {
			logger.Warn().Err(err).Str("step", step.Name).Msg("Saga step failed")
			if aerr := e.append(state.EntityID, EventStepFailed, map[string]any{
				"sagaId": state.SagaID,
				"step":   step.Name,
				"error":  err.Error(),
			}); aerr != nil {
				return nil, aerr
			}
			return e.compensateAndFinalize(ctx, state, def, err, logger)
		}

		if aerr := e.append(state.EntityID, EventStepCompleted, map[string]any{
			"sagaId": state.SagaID,
			"step":   step.Name,
			"result": json.RawMessage(orNull(result)),
		}); aerr != nil {
			return nil, aerr
		}
		state.CompletedSteps = append(state.CompletedSteps, step.Name)
		state.Results[step.Name] = result
		state.UpdatedAt = time.Now()
		if err := e.store.SaveSagaState(state); err != nil {
			return nil, err
		}
		logger.Debug().Str("step", step.Name).Msg("Saga step completed")
	}

	// All steps done: finalize, drop the live record, seal with the
	// terminal event.
	state.Status = types.SagaStatusCompleted
	state.UpdatedAt = time.Now()
	if err := e.store.SaveSagaState(state); err != nil {
		return nil, err
	}
	if err := e.store.DeleteSagaState(state.SagaID); err != nil {
		return nil, err
	}
	if err := e.append(state.EntityID, EventCompleted, map[string]any{"sagaId": state.SagaID}); err != nil {
		return nil, err
	}

	metrics.SagasCompleted.WithLabelValues("completed").Inc()
	logger.Info().Msg("Saga completed")
	return &Result{SagaID: state.SagaID, Success: true, Results: state.Results}, nil
}

// compensateAndFinalize walks the completed steps in strict reverse
// order, removing each from CompletedSteps as its compensation record
// lands, so a crash mid-compensation resumes with only the remaining
// set.
func (e *Engine) compensateAndFinalize(ctx context.Context, state *types.SagaState, def Definition, cause error, logger zerolog.Logger) (*Result, error) {
	state.Status = types.SagaStatusCompensating
	state.UpdatedAt = time.Now()
	if err := e.store.SaveSagaState(state); err != nil {
		return nil, err
	}

	byName := make(map[string]Step, len(def.Steps))
	for _, s := range def.Steps {
		byName[s.Name] = s
	}

	for i := len(state.CompletedSteps) - 1; i >= 0; i-- {
		name := state.CompletedSteps[i]
		step, ok := byName[name]

		var compErr error
		switch {
		case !ok:
			compErr = fmt.Errorf("step %s not in definition %s", name, def.Name)
		case step.Compensate == nil:
			// Nothing to undo for this step.
		default:
			compErr = step.Compensate(ctx, state.Input, cause)
		}

		eventType := EventCompensated
		payload := map[string]any{"sagaId": state.SagaID, "step": name}
		if compErr != nil {
			eventType = EventCompensationFailed
			payload["error"] = compErr.Error()
			logger.Error().Err(compErr).Str("step", name).Msg("Saga compensation failed")
		} else {
			logger.Debug().Str("step", name).Msg("Saga step compensated")
		}
		if err := e.append(state.EntityID, eventType, payload); err != nil {
			return nil, err
		}

		state.CompletedSteps = state.CompletedSteps[:i]
		state.UpdatedAt = time.Now()
		if err := e.store.SaveSagaState(state); err != nil {
			return nil, err
		}
	}

	state.Status = types.SagaStatusFailed
	state.UpdatedAt = time.Now()
	if err := e.store.SaveSagaState(state); err != nil {
		return nil, err
	}
	if err := e.store.DeleteSagaState(state.SagaID); err != nil {
		return nil, err
	}
	if err := e.append(state.EntityID, EventFailed, map[string]any{
		"sagaId": state.SagaID,
		"error":  cause.Error(),
	}); err != nil {
		return nil, err
	}

	metrics.SagasCompleted.WithLabelValues("failed").Inc()
	logger.Info().Msg("Saga failed and compensated")
	return &Result{SagaID: state.SagaID, Success: false, Compensated: true, Results: state.Results, Err: cause}, nil
}

func (e *Engine) append(entityID types.EntityID, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	if _, err := e.store.Append(entityID, eventType, data); err != nil {
		return err
	}
	return nil
}

func contains(list []string, name string) bool {
	for _, s := range list {
		if s == name {
			return true
		}
	}
	return false
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
