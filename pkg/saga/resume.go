package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anvilworks/anvil/pkg/types"
)

// ResumeIncomplete scans the live saga table for sagas left running or
// compensating by a crash and drives each to a terminal state. Sagas
// whose definition is no longer registered are skipped with an error
// log; their live record is kept so a later boot with the definition
// restored can still finish them.
func (e *Engine) ResumeIncomplete(ctx context.Context) ([]*Result, error) {
	states, err := e.store.LoadIncompleteSagas()
	if err != nil {
		return nil, err
	}

	var results []*Result
	for _, state := range states {
		res, err := e.resume(ctx, state)
		if err != nil {
			e.logger.Error().Err(err).Str("saga_id", state.SagaID).Msg("Saga resume failed")
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Engine) resume(ctx context.Context, state *types.SagaState) (*Result, error) {
	def, ok := e.definition(state.Definition)
	if !ok {
		return nil, fmt.Errorf("definition %q not registered", state.Definition)
	}
	logger := e.logger.With().Str("saga_id", state.SagaID).Str("definition", state.Definition).Logger()

	if state.Results == nil {
		state.Results = make(map[string]json.RawMessage)
	}

	switch state.Status {
	case types.SagaStatusCompensating:
		// Only the steps still recorded as completed get compensated;
		// anything undone before the crash already left the list.
		logger.Info().Int("remaining", len(state.CompletedSteps)).Msg("Resuming saga compensation")
		return e.compensateAndFinalize(ctx, state, def, errors.New("resumed compensation after crash"), logger)
	case types.SagaStatusRunning:
		logger.Info().Int("current_step", state.CurrentStep).Msg("Resuming saga")
		return e.runFrom(ctx, state, def, state.CurrentStep, logger)
	default:
		return nil, fmt.Errorf("saga %s is not resumable in status %s", state.SagaID, state.Status)
	}
}

// sagaPayload is the common shape of saga event payloads, used by the
// audit cursor.
type sagaPayload struct {
	SagaID string `json:"sagaId"`
}

// Cursor is a read-only view over one saga's events in log order.
type Cursor struct {
	events []*types.Event
	pos    int
}

// AuditTrail returns a cursor over the entity's events that belong to
// the given saga.
func (e *Engine) AuditTrail(entityID types.EntityID, sagaID string) (*Cursor, error) {
	events, err := e.store.LoadEvents(entityID)
	if err != nil {
		return nil, err
	}
	var filtered []*types.Event
	for _, ev := range events {
		var p sagaPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			continue
		}
		if p.SagaID == sagaID {
			filtered = append(filtered, ev)
		}
	}
	return &Cursor{events: filtered}, nil
}

// Next returns the next event, or nil when exhausted.
func (c *Cursor) Next() *types.Event {
	if c.pos >= len(c.events) {
		return nil
	}
	ev := c.events[c.pos]
	c.pos++
	return ev
}

// Len returns the total number of events in the cursor.
func (c *Cursor) Len() int { return len(c.events) }

// Rewind resets the cursor to the first event.
func (c *Cursor) Rewind() { c.pos = 0 }
