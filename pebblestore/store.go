// Package pebblestore implements runlog.Backend and runlog.LeaseStore on an
// embedded Pebble key-value store.
package pebblestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/deepnoodle-ai/runlog"
	"github.com/deepnoodle-ai/runlog/wire"
)

var (
	_ runlog.Backend    = (*Store)(nil)
	_ runlog.LeaseStore = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithCodec sets the codec used for stored events. Defaults to MessagePack.
func WithCodec(codec wire.Codec) Option {
	return func(s *Store) { s.codec = codec }
}

// WithPebbleOptions passes advanced options to Pebble, e.g. an in-memory FS.
func WithPebbleOptions(opts *pebble.Options) Option {
	return func(s *Store) { s.pebbleOptions = opts }
}

// Store keeps everything in a single Pebble database. Writes are committed
// with a WAL sync.
type Store struct {
	db            *pebble.DB
	codec         wire.Codec
	logger        *slog.Logger
	pebbleOptions *pebble.Options

	// mutex serializes read-modify-write sequences: schedule supersede and
	// lease compare-and-swap.
	mutex sync.Mutex
}

// Open creates or opens a Pebble database in dir.
func Open(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("pebblestore: directory is required")
	}
	s := &Store{
		codec:  wire.DefaultCodec,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	po := s.pebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, fmt.Errorf("pebblestore: open %s: %w", dir, err)
	}
	s.db = db
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// get returns a copy of the value at key, or nil when absent.
func (s *Store) get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()
	return bytes.Clone(value), nil
}

// scan calls fn for every key with the given prefix, in key order. Key and
// value are only valid during the call.
func (s *Store) scan(prefix, upper []byte, fn func(key, value []byte) error) error {
	if upper == nil {
		upper = upperBound(prefix)
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()
	for valid := iter.First(); valid; valid = iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *Store) ReadEvents(ctx context.Context, runID string) (*wire.Records, error) {
	if err := runlog.ValidateRunID(runID); err != nil {
		return nil, err
	}
	data, err := s.get(eventsKey(runID))
	if err != nil {
		return nil, fmt.Errorf("pebblestore: read events: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return s.codec.DecodeRecords(data)
}

func (s *Store) WriteEvents(ctx context.Context, runID string, records *wire.Records) error {
	if err := runlog.ValidateRunID(runID); err != nil {
		return err
	}
	data, err := s.codec.EncodeRecords(records)
	if err != nil {
		return err
	}
	if err := s.db.Set(eventsKey(runID), data, pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: write events: %w", err)
	}
	return nil
}

func (s *Store) ReadAllMetadata(ctx context.Context, runID string) ([]wire.Metadata, error) {
	if err := runlog.ValidateRunID(runID); err != nil {
		return nil, err
	}
	prefix := metadataPrefix(runID)
	var result []wire.Metadata
	err := s.scan(prefix, nil, func(key, value []byte) error {
		at, err := runlog.ParseTimeKey(string(key[len(prefix):]))
		if err != nil {
			return err
		}
		result = append(result, wire.Metadata{At: at, Text: string(value)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pebblestore: read metadata: %w", err)
	}
	return result, nil
}

func (s *Store) AppendMetadata(ctx context.Context, runID string, at time.Time, text string) error {
	if err := runlog.ValidateRunID(runID); err != nil {
		return err
	}
	key := append(metadataPrefix(runID), runlog.TimeKey(at)...)
	if err := s.db.Set(key, []byte(text), pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: append metadata: %w", err)
	}
	return nil
}

func (s *Store) AddSchedule(ctx context.Context, queue, runID string, at time.Time, payload *wire.Event) error {
	if err := runlog.ValidateQueue(queue); err != nil {
		return err
	}
	if err := runlog.ValidateRunID(runID); err != nil {
		return err
	}
	value := []byte{slotEmptyMarker}
	if payload != nil {
		encoded, err := s.codec.EncodeEvent(payload)
		if err != nil {
			return err
		}
		value = append([]byte{slotHasPayload}, encoded...)
	}
	newKey := runlog.TimeKey(at)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	// Every open slot of this run at or before the new time.
	prefix := runIndexPrefix(queue, runID)
	upper := append(append(bytes.Clone(prefix), newKey...), 0x00)
	superseded := 0
	err := s.scan(prefix, upper, func(key, _ []byte) error {
		timeKey := string(key[len(prefix):])
		if err := batch.Delete(slotKey(queue, timeKey, runID), nil); err != nil {
			return err
		}
		superseded++
		return batch.Delete(bytes.Clone(key), nil)
	})
	if err != nil {
		return fmt.Errorf("pebblestore: supersede schedules: %w", err)
	}

	if err := batch.Set(slotKey(queue, newKey, runID), value, nil); err != nil {
		return fmt.Errorf("pebblestore: add schedule: %w", err)
	}
	if err := batch.Set(append(prefix, newKey...), nil, nil); err != nil {
		return fmt.Errorf("pebblestore: add schedule: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: add schedule: %w", err)
	}
	if superseded > 0 {
		s.logger.Debug("superseded schedules", "queue", queue, "run_id", runID, "count", superseded)
	}
	return nil
}

func (s *Store) ReadSchedule(ctx context.Context, queue, runID string, at time.Time) (*wire.Event, error) {
	value, err := s.get(slotKey(queue, runlog.TimeKey(at), runID))
	if err != nil {
		return nil, fmt.Errorf("pebblestore: read schedule: %w", err)
	}
	if len(value) == 0 || value[0] != slotHasPayload {
		return nil, nil
	}
	return s.codec.DecodeEvent(value[1:])
}

func (s *Store) CloseSchedule(ctx context.Context, queue, runID string, at time.Time) error {
	timeKey := runlog.TimeKey(at)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(slotKey(queue, timeKey, runID), nil); err != nil {
		return fmt.Errorf("pebblestore: close schedule: %w", err)
	}
	if err := batch.Delete(append(runIndexPrefix(queue, runID), timeKey...), nil); err != nil {
		return fmt.Errorf("pebblestore: close schedule: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: close schedule: %w", err)
	}
	return nil
}

func (s *Store) ListSchedules(ctx context.Context, queue string) ([]wire.Schedule, error) {
	if err := runlog.ValidateQueue(queue); err != nil {
		return nil, err
	}
	prefix := schedulePrefix(queue)
	var result []wire.Schedule
	err := s.scan(prefix, nil, func(key, value []byte) error {
		timeKey, runID, ok := strings.Cut(string(key[len(prefix):]), sep)
		if !ok {
			return fmt.Errorf("malformed schedule key %q", key)
		}
		at, err := runlog.ParseTimeKey(timeKey)
		if err != nil {
			return err
		}
		result = append(result, wire.Schedule{
			Queue:      queue,
			RunID:      runID,
			At:         at,
			HasPayload: len(value) > 0 && value[0] == slotHasPayload,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pebblestore: list schedules: %w", err)
	}
	return result, nil
}

func (s *Store) ListRuns(ctx context.Context) ([]string, error) {
	runIDs := []string{}
	prefix := []byte(prefixEvents)
	err := s.scan(prefix, nil, func(key, _ []byte) error {
		runIDs = append(runIDs, string(key[len(prefix):]))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pebblestore: list runs: %w", err)
	}
	return runIDs, nil
}

func (s *Store) LoadLease(ctx context.Context, runID string) (*runlog.Lease, error) {
	data, err := s.get(leaseKey(runID))
	if err != nil {
		return nil, fmt.Errorf("pebblestore: load lease: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var lease runlog.Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		return nil, fmt.Errorf("pebblestore: unmarshal lease: %w", err)
	}
	return &lease, nil
}

func (s *Store) SwapLease(ctx context.Context, runID string, prevToken uint64, next *runlog.Lease) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	current, err := s.LoadLease(ctx, runID)
	if err != nil {
		return false, err
	}
	var token uint64
	if current != nil {
		token = current.Token
	}
	if token != prevToken {
		return false, nil
	}
	data, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("pebblestore: marshal lease: %w", err)
	}
	if err := s.db.Set(leaseKey(runID), data, pebble.Sync); err != nil {
		return false, fmt.Errorf("pebblestore: swap lease: %w", err)
	}
	return true, nil
}

func (s *Store) ListLeases(ctx context.Context) ([]*runlog.Lease, error) {
	leases := []*runlog.Lease{}
	err := s.scan([]byte(prefixLease), nil, func(_, value []byte) error {
		var lease runlog.Lease
		if err := json.Unmarshal(value, &lease); err != nil {
			return err
		}
		leases = append(leases, &lease)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pebblestore: list leases: %w", err)
	}
	return leases, nil
}
