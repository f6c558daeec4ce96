package eventstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anvilworks/anvil/pkg/log"
	"github.com/anvilworks/anvil/pkg/metrics"
	"github.com/anvilworks/anvil/pkg/types"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketEvents     = []byte("events")
	bucketEventIndex = []byte("event_index")
	bucketSnapshots  = []byte("snapshots")
	bucketSagaState  = []byte("saga_state")
	bucketBlocks     = []byte("integrity_blocks")
	bucketDLQ        = []byte("dlq")
)

const (
	// MemoryPath is the in-memory database sentinel. It maps to a
	// temp-file bbolt database removed on Close.
	MemoryPath = ":memory:"

	// flushThreshold is the buffered-event count that forces a flush.
	flushThreshold = 100

	// flushInterval is the idle timer after which a partial buffer is
	// flushed.
	flushInterval = 50 * time.Millisecond
)

// eventRef locates an event from the global id index.
type eventRef struct {
	EntityID types.EntityID `json:"entity_id"`
	Version  uint64         `json:"version"`
}

// Store is the durable append-only event log plus the snapshot,
// saga-state, integrity-block, and dead-letter tables. It exclusively
// owns all persisted tables; other components only hold short-lived
// read views.
//
// Appends go through an in-memory buffer flushed in a single atomic
// transaction when it reaches flushThreshold entries or after
// flushInterval of idleness. All read paths flush first, so a caller
// always reads its own writes.
type Store struct {
	db     *bolt.DB
	logger zerolog.Logger

	mu       sync.Mutex
	buffer   []*types.Event
	pending  map[types.EntityID]uint64 // highest buffered version per entity
	timer    *time.Timer
	closed   bool
	tempPath string // set when opened with MemoryPath
}

// Open opens (creating if needed) the store at path. The MemoryPath
// sentinel yields a throwaway database backed by a temp file.
func Open(path string) (*Store, error) {
	s := &Store{
		logger:  log.WithComponent("eventstore"),
		pending: make(map[types.EntityID]uint64),
	}

	if path == MemoryPath {
		f, err := os.CreateTemp("", "anvil-events-*.db")
		if err != nil {
			return nil, fmt.Errorf("create temp database: %w", err)
		}
		path = f.Name()
		f.Close()
		s.tempPath = path
	} else if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketEvents,
			bucketEventIndex,
			bucketSnapshots,
			bucketSagaState,
			bucketBlocks,
			bucketDLQ,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s.db = db
	return s, nil
}

// Close flushes the buffer and closes the database. Buffered events are
// never dropped on shutdown.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	flushErr := s.flushLocked()
	s.mu.Unlock()

	closeErr := s.db.Close()
	if s.tempPath != "" {
		os.Remove(s.tempPath)
	}
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Append records an event for the entity at the next version. The event
// lands in the write buffer; durability follows at the next flush.
func (s *Store) Append(entityID types.EntityID, eventType string, payload json.RawMessage) (*types.Event, error) {
	return s.AppendAt(entityID, eventType, payload, time.Now())
}

// AppendAt is Append with an explicit timestamp, used by replay and
// deterministic workflow contexts.
func (s *Store) AppendAt(entityID types.EntityID, eventType string, payload json.RawMessage, ts time.Time) (*types.Event, error) {
	if entityID == "" {
		return nil, fmt.Errorf("append: empty entity id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("append: store is closed")
	}

	version, err := s.nextVersionLocked(entityID)
	if err != nil {
		return nil, err
	}

	event := &types.Event{
		ID:        types.NewID(),
		EntityID:  entityID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: ts.UnixMilli(),
		Version:   version,
	}

	s.buffer = append(s.buffer, event)
	s.pending[entityID] = version
	metrics.EventsAppended.Inc()

	if len(s.buffer) >= flushThreshold {
		if err := s.flushLocked(); err != nil {
			return nil, err
		}
	} else {
		s.resetTimerLocked()
	}
	return event, nil
}

// nextVersionLocked computes max(db version, buffered version) + 1 so
// that two appends for the same entity arriving before the next flush
// cannot collide.
func (s *Store) nextVersionLocked(entityID types.EntityID) (uint64, error) {
	if v, ok := s.pending[entityID]; ok {
		return v + 1, nil
	}
	v, err := s.dbVersion(entityID)
	if err != nil {
		return 0, err
	}
	return v + 1, nil
}

func (s *Store) dbVersion(entityID types.EntityID) (uint64, error) {
	var version uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents).Bucket([]byte(entityID))
		if b == nil {
			return nil
		}
		k, _ := b.Cursor().Last()
		if k != nil {
			version = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%s: read version: %w", types.ErrStorage, err)
	}
	return version, nil
}

func (s *Store) resetTimerLocked() {
	if s.timer == nil {
		s.timer = time.AfterFunc(flushInterval, func() {
			if err := s.Flush(); err != nil {
				s.logger.Error().Err(err).Msg("Background flush failed")
			}
		})
		return
	}
	s.timer.Reset(flushInterval)
}

// Flush forces the write buffer to disk in a single atomic transaction.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	if len(s.buffer) == 0 {
		return nil
	}
	if s.timer != nil {
		s.timer.Stop()
	}

	timer := metrics.NewTimer()
	err := s.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		index := tx.Bucket(bucketEventIndex)
		for _, ev := range s.buffer {
			eb, err := events.CreateBucketIfNotExists([]byte(ev.EntityID))
			if err != nil {
				return fmt.Errorf("create entity bucket: %w", err)
			}
			key := versionKey(ev.Version)
			if eb.Get(key) != nil {
				return fmt.Errorf("duplicate version %d for entity %s", ev.Version, ev.EntityID)
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("marshal event: %w", err)
			}
			if err := eb.Put(key, data); err != nil {
				return err
			}
			ref, err := json.Marshal(eventRef{EntityID: ev.EntityID, Version: ev.Version})
			if err != nil {
				return err
			}
			if err := index.Put([]byte(ev.ID), ref); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Keep the buffer intact: events must not be dropped on a
		// failed flush. Duplicate-version rejection protects a retry
		// after a torn shutdown.
		s.logger.Error().Err(err).Int("buffered", len(s.buffer)).Msg("Event flush failed")
		return fmt.Errorf("%s: flush: %w", types.ErrStorage, err)
	}

	timer.ObserveDuration(metrics.EventFlushDuration)
	s.buffer = s.buffer[:0]
	s.pending = make(map[types.EntityID]uint64)
	return nil
}

// LoadEvents returns all events for the entity in ascending version
// order. The buffer is flushed first so a caller reads its own writes.
func (s *Store) LoadEvents(entityID types.EntityID) ([]*types.Event, error) {
	return s.LoadEventsAfter(entityID, 0)
}

// LoadEventsAfter returns the entity's events with version > after,
// ascending.
func (s *Store) LoadEventsAfter(entityID types.EntityID, after uint64) ([]*types.Event, error) {
	if err := s.Flush(); err != nil {
		return nil, err
	}
	var out []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents).Bucket([]byte(entityID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(versionKey(after + 1)); k != nil; k, v = c.Next() {
			var ev types.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			out = append(out, &ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: load events: %w", types.ErrStorage, err)
	}
	return out, nil
}

// CurrentVersion returns the entity's latest version, buffered appends
// included. 0 means the entity has no events.
func (s *Store) CurrentVersion(entityID types.EntityID) (uint64, error) {
	s.mu.Lock()
	if v, ok := s.pending[entityID]; ok {
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()
	return s.dbVersion(entityID)
}

// Reducer folds an event into a state. Reducers must be pure and
// deterministic: Reconstruct and snapshot-assisted reconstruction must
// agree.
type Reducer func(state json.RawMessage, event *types.Event) (json.RawMessage, error)

// Reconstruct rebuilds an entity's state by folding events through the
// reducer, starting from the latest snapshot when one exists, otherwise
// from initial.
func (s *Store) Reconstruct(entityID types.EntityID, reduce Reducer, initial json.RawMessage) (json.RawMessage, error) {
	state := initial
	var after uint64

	snap, err := s.LoadSnapshot(entityID)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		state = snap.State
		after = snap.Version
	}

	events, err := s.LoadEventsAfter(entityID, after)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		state, err = reduce(state, ev)
		if err != nil {
			return nil, fmt.Errorf("reduce event %s v%d: %w", ev.Type, ev.Version, err)
		}
	}
	return state, nil
}

// SaveSnapshot upserts the entity's snapshot. A snapshot's version must
// not exceed the entity's current max event version.
func (s *Store) SaveSnapshot(entityID types.EntityID, state json.RawMessage, version uint64) error {
	current, err := s.CurrentVersion(entityID)
	if err != nil {
		return err
	}
	if version > current {
		return fmt.Errorf("snapshot version %d exceeds entity version %d", version, current)
	}
	snap := types.Snapshot{
		EntityID:  entityID,
		State:     state,
		Version:   version,
		CreatedAt: time.Now(),
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSnapshots).Put([]byte(entityID), data)
	})
	if err != nil {
		return fmt.Errorf("%s: save snapshot: %w", types.ErrStorage, err)
	}
	return nil
}

// LoadSnapshot returns the entity's snapshot or nil when none exists.
func (s *Store) LoadSnapshot(entityID types.EntityID) (*types.Snapshot, error) {
	var snap *types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get([]byte(entityID))
		if data == nil {
			return nil
		}
		snap = &types.Snapshot{}
		return json.Unmarshal(data, snap)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: load snapshot: %w", types.ErrStorage, err)
	}
	return snap, nil
}

func versionKey(v uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], v)
	return key[:]
}

// Stats reports record counts per table, for the serve command's status
// logging.
func (s *Store) Stats() (map[string]int, error) {
	if err := s.Flush(); err != nil {
		return nil, err
	}
	stats := make(map[string]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		stats["entities"] = tx.Bucket(bucketEvents).Stats().BucketN - 1
		stats["events"] = tx.Bucket(bucketEventIndex).Stats().KeyN
		stats["snapshots"] = tx.Bucket(bucketSnapshots).Stats().KeyN
		stats["sagas"] = tx.Bucket(bucketSagaState).Stats().KeyN
		stats["integrity_blocks"] = tx.Bucket(bucketBlocks).Stats().KeyN
		stats["dlq"] = tx.Bucket(bucketDLQ).Stats().KeyN
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: stats: %w", types.ErrStorage, err)
	}
	return stats, nil
}

// LoadEventsAfterID returns up to limit events with id strictly greater
// than afterID, in ascending id order across all entities. An empty
// afterID starts from the beginning. Used by the integrity chain to
// select the next batch to seal.
func (s *Store) LoadEventsAfterID(afterID string, limit int) ([]*types.Event, error) {
	if err := s.Flush(); err != nil {
		return nil, err
	}
	var out []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		c := tx.Bucket(bucketEventIndex).Cursor()

		var k, v []byte
		if afterID == "" {
			k, v = c.First()
		} else {
			k, v = c.Seek([]byte(afterID))
			if k != nil && bytes.Equal(k, []byte(afterID)) {
				k, v = c.Next()
			}
		}
		for ; k != nil; k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			ev, err := resolveRef(events, v)
			if err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: load events after id: %w", types.ErrStorage, err)
	}
	return out, nil
}

// LoadEventsByIDRange returns the events with startID <= id <= endID in
// ascending id order. Used by integrity verification to reload a sealed
// block's range.
func (s *Store) LoadEventsByIDRange(startID, endID string) ([]*types.Event, error) {
	if err := s.Flush(); err != nil {
		return nil, err
	}
	var out []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		c := tx.Bucket(bucketEventIndex).Cursor()
		for k, v := c.Seek([]byte(startID)); k != nil && string(k) <= endID; k, v = c.Next() {
			ev, err := resolveRef(events, v)
			if err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: load event range: %w", types.ErrStorage, err)
	}
	return out, nil
}

func resolveRef(events *bolt.Bucket, refData []byte) (*types.Event, error) {
	var ref eventRef
	if err := json.Unmarshal(refData, &ref); err != nil {
		return nil, fmt.Errorf("decode event ref: %w", err)
	}
	eb := events.Bucket([]byte(ref.EntityID))
	if eb == nil {
		return nil, fmt.Errorf("dangling event ref for entity %s", ref.EntityID)
	}
	data := eb.Get(versionKey(ref.Version))
	if data == nil {
		return nil, fmt.Errorf("dangling event ref %s v%d", ref.EntityID, ref.Version)
	}
	var ev types.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}
