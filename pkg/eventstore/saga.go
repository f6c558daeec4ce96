package eventstore

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/anvilworks/anvil/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// SaveSagaState upserts the live record of an in-flight saga.
func (s *Store) SaveSagaState(state *types.SagaState) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSagaState).Put([]byte(state.SagaID), data)
	})
	if err != nil {
		return fmt.Errorf("%s: save saga state: %w", types.ErrStorage, err)
	}
	return nil
}

// LoadSagaState returns the live saga record, or nil when the saga is
// unknown or already finalized.
func (s *Store) LoadSagaState(sagaID string) (*types.SagaState, error) {
	var state *types.SagaState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSagaState).Get([]byte(sagaID))
		if data == nil {
			return nil
		}
		state = &types.SagaState{}
		return json.Unmarshal(data, state)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: load saga state: %w", types.ErrStorage, err)
	}
	return state, nil
}

// LoadIncompleteSagas returns every saga left running or compensating,
// ordered by creation time. The resume scan runs this at startup.
func (s *Store) LoadIncompleteSagas() ([]*types.SagaState, error) {
	var out []*types.SagaState
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSagaState).ForEach(func(k, v []byte) error {
			var state types.SagaState
			if err := json.Unmarshal(v, &state); err != nil {
				return fmt.Errorf("decode saga state: %w", err)
			}
			if state.Status == types.SagaStatusRunning || state.Status == types.SagaStatusCompensating {
				out = append(out, &state)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%s: load incomplete sagas: %w", types.ErrStorage, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteSagaState removes the live record once the saga is finalized
// and its terminal event is in the log.
func (s *Store) DeleteSagaState(sagaID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSagaState).Delete([]byte(sagaID))
	})
	if err != nil {
		return fmt.Errorf("%s: delete saga state: %w", types.ErrStorage, err)
	}
	return nil
}
