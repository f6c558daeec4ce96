package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/anvilworks/anvil/pkg/eventstore"
	"github.com/anvilworks/anvil/pkg/log"
	"github.com/anvilworks/anvil/pkg/types"
	"github.com/rs/zerolog"
)

// DLQ is the dead-letter queue: operations that exhausted their retries
// land here for manual resolution. The live table is in memory and
// mirrored to the store's dlq bucket; dlq.added / dlq.removed events go
// to the originating entity's log so the audit trail is complete.
type DLQ struct {
	store  *eventstore.Store
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]*types.DLQEntry
}

// NewDLQ creates a DLQ over the store, rehydrating the in-memory table
// from the dlq bucket.
func NewDLQ(store *eventstore.Store) (*DLQ, error) {
	d := &DLQ{
		store:   store,
		logger:  log.WithComponent("dlq"),
		entries: make(map[string]*types.DLQEntry),
	}
	persisted, err := store.ListDLQEntries()
	if err != nil {
		return nil, fmt.Errorf("rehydrate dlq: %w", err)
	}
	for _, e := range persisted {
		d.entries[e.ID] = e
	}
	return d, nil
}

// Run retries fn under cfg. On terminal failure the operation is
// deposited as a dead-letter entry and dlq.added is appended to the
// entity's event log; the terminal error is returned either way.
func (d *DLQ) Run(ctx context.Context, entityID types.EntityID, operation string, payload json.RawMessage, fn func() error, cfg Config) error {
	res := Do(ctx, func() (struct{}, error) { return struct{}{}, fn() }, cfg)
	if res.Success {
		return nil
	}

	entry := &types.DLQEntry{
		ID:        types.NewID(),
		EntityID:  entityID,
		Operation: operation,
		Error:     res.Err.Error(),
		Attempts:  res.Attempts,
		Payload:   payload,
		AddedAt:   time.Now(),
	}

	d.mu.Lock()
	d.entries[entry.ID] = entry
	d.mu.Unlock()

	if err := d.store.SaveDLQEntry(entry); err != nil {
		d.logger.Error().Err(err).Str("operation", operation).Msg("Failed to persist dead-letter entry")
	}
	eventPayload, _ := json.Marshal(map[string]any{
		"dlq_id":    entry.ID,
		"operation": operation,
		"error":     entry.Error,
		"attempts":  entry.Attempts,
	})
	if _, err := d.store.Append(entityID, "dlq.added", eventPayload); err != nil {
		d.logger.Error().Err(err).Str("operation", operation).Msg("Failed to append dlq.added event")
	}

	d.logger.Warn().
		Str("operation", operation).
		Str("entity_id", string(entityID)).
		Int("attempts", res.Attempts).
		Msg("Operation dead-lettered")
	return res.Err
}

// Entries returns the live dead-letter entries, newest last.
func (d *DLQ) Entries() []*types.DLQEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*types.DLQEntry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt.Before(out[j].AddedAt) })
	return out
}

// Remove deletes a resolved entry and appends dlq.removed to the
// entity's log.
func (d *DLQ) Remove(id string) error {
	d.mu.Lock()
	entry, ok := d.entries[id]
	if ok {
		delete(d.entries, id)
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("dlq entry %s not found", id)
	}

	if err := d.store.DeleteDLQEntry(id); err != nil {
		return err
	}
	eventPayload, _ := json.Marshal(map[string]any{"dlq_id": id, "operation": entry.Operation})
	if _, err := d.store.Append(entry.EntityID, "dlq.removed", eventPayload); err != nil {
		return err
	}
	return nil
}
