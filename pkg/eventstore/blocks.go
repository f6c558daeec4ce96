package eventstore

import (
	"encoding/json"
	"fmt"

	"github.com/anvilworks/anvil/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// SaveIntegrityBlock appends a sealed block. Block ids are UUIDv7, so
// key order is creation order.
func (s *Store) SaveIntegrityBlock(block *types.IntegrityBlock) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(block)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketBlocks).Put([]byte(block.ID), data)
	})
	if err != nil {
		return fmt.Errorf("%s: save integrity block: %w", types.ErrStorage, err)
	}
	return nil
}

// LatestIntegrityBlock returns the newest sealed block, or nil when the
// chain is empty.
func (s *Store) LatestIntegrityBlock() (*types.IntegrityBlock, error) {
	var block *types.IntegrityBlock
	err := s.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(bucketBlocks).Cursor().Last()
		if v == nil {
			return nil
		}
		block = &types.IntegrityBlock{}
		return json.Unmarshal(v, block)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: load latest block: %w", types.ErrStorage, err)
	}
	return block, nil
}

// LoadIntegrityBlocks returns all sealed blocks in ascending creation
// order.
func (s *Store) LoadIntegrityBlocks() ([]*types.IntegrityBlock, error) {
	var out []*types.IntegrityBlock
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).ForEach(func(k, v []byte) error {
			var block types.IntegrityBlock
			if err := json.Unmarshal(v, &block); err != nil {
				return fmt.Errorf("decode integrity block: %w", err)
			}
			out = append(out, &block)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%s: load integrity blocks: %w", types.ErrStorage, err)
	}
	return out, nil
}
