package eventstore

import (
	"encoding/json"
	"fmt"

	"github.com/anvilworks/anvil/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// SaveDLQEntry records an operation that exhausted its retries.
func (s *Store) SaveDLQEntry(entry *types.DLQEntry) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDLQ).Put([]byte(entry.ID), data)
	})
	if err != nil {
		return fmt.Errorf("%s: save dlq entry: %w", types.ErrStorage, err)
	}
	return nil
}

// ListDLQEntries returns all dead-letter entries in insertion order.
func (s *Store) ListDLQEntries() ([]*types.DLQEntry, error) {
	var out []*types.DLQEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDLQ).ForEach(func(k, v []byte) error {
			var entry types.DLQEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decode dlq entry: %w", err)
			}
			out = append(out, &entry)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%s: list dlq entries: %w", types.ErrStorage, err)
	}
	return out, nil
}

// DeleteDLQEntry removes an entry after manual resolution.
func (s *Store) DeleteDLQEntry(id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDLQ).Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("%s: delete dlq entry: %w", types.ErrStorage, err)
	}
	return nil
}
