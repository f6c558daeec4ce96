package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/anvilworks/anvil/pkg/eventstore"
	"github.com/anvilworks/anvil/pkg/types"
)

// Event types written by the recorder.
const (
	EventStarted  = "workflow.started"
	EventActivity = "workflow.activity"
)

// Recorder threads a deterministic Context through a workflow entity's
// event log. Each recorded activity appends workflow.activity carrying
// the post-activity context, so a crashed workflow rehydrates to
// exactly the state it would have reached live.
type Recorder struct {
	store    *eventstore.Store
	entityID types.EntityID
	ctx      Context
}

type startedPayload struct {
	Seed      uint64 `json:"seed"`
	StartTime int64  `json:"start_time"`
}

type activityPayload struct {
	Name    string          `json:"name"`
	Result  json.RawMessage `json:"result,omitempty"`
	Context Context         `json:"context"`
}

// Start creates a recorder for a fresh workflow entity and appends
// workflow.started.
func Start(store *eventstore.Store, entityID types.EntityID, seed uint64, startTime int64) (*Recorder, error) {
	payload, err := json.Marshal(startedPayload{Seed: seed, StartTime: startTime})
	if err != nil {
		return nil, err
	}
	if _, err := store.Append(entityID, EventStarted, payload); err != nil {
		return nil, err
	}
	return &Recorder{store: store, entityID: entityID, ctx: New(seed, startTime)}, nil
}

// Rehydrate rebuilds a recorder from the entity's event log: the
// context after the last recorded activity, or the initial context
// when only workflow.started exists.
func Rehydrate(store *eventstore.Store, entityID types.EntityID) (*Recorder, error) {
	events, err := store.LoadEvents(entityID)
	if err != nil {
		return nil, err
	}

	r := &Recorder{store: store, entityID: entityID}
	started := false
	for _, ev := range events {
		switch ev.Type {
		case EventStarted:
			var p startedPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode %s: %w", EventStarted, err)
			}
			r.ctx = New(p.Seed, p.StartTime)
			started = true
		case EventActivity:
			var p activityPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode %s: %w", EventActivity, err)
			}
			r.ctx = p.Context
		}
	}
	if !started {
		return nil, fmt.Errorf("entity %s has no %s event", entityID, EventStarted)
	}
	return r, nil
}

// Context returns the current deterministic context.
func (r *Recorder) Context() Context { return r.ctx }

// Record runs an activity against the current context, adopts the
// context the activity returns, advances the step counter, and appends
// workflow.activity with the result and the new context.
func (r *Recorder) Record(name string, fn func(Context) (json.RawMessage, Context, error)) (json.RawMessage, error) {
	result, next, err := fn(r.ctx)
	if err != nil {
		return nil, fmt.Errorf("activity %s: %w", name, err)
	}
	next = next.step()

	payload, err := json.Marshal(activityPayload{Name: name, Result: result, Context: next})
	if err != nil {
		return nil, err
	}
	if _, err := r.store.Append(r.entityID, EventActivity, payload); err != nil {
		return nil, err
	}
	r.ctx = next
	return result, nil
}
