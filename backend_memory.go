package runlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/deepnoodle-ai/runlog/wire"
)

// MemoryBackend keeps everything in process memory. Values are stored in
// encoded form so callers never share state with the backend. It also
// implements LeaseStore.
type MemoryBackend struct {
	mutex     sync.Mutex
	codec     wire.Codec
	events    map[string][]byte
	metadata  map[string]map[string]string
	schedules map[string]map[memorySlotKey]memorySlot
	leases    map[string]Lease
}

type memorySlotKey struct {
	runID string
	at    int64
}

type memorySlot struct {
	payload []byte
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		codec:     wire.DefaultCodec,
		events:    map[string][]byte{},
		metadata:  map[string]map[string]string{},
		schedules: map[string]map[memorySlotKey]memorySlot{},
		leases:    map[string]Lease{},
	}
}

func (b *MemoryBackend) ReadEvents(ctx context.Context, runID string) (*wire.Records, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	b.mutex.Lock()
	data, ok := b.events[runID]
	b.mutex.Unlock()
	if !ok {
		return nil, nil
	}
	return b.codec.DecodeRecords(data)
}

func (b *MemoryBackend) WriteEvents(ctx context.Context, runID string, records *wire.Records) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	data, err := b.codec.EncodeRecords(records)
	if err != nil {
		return err
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.events[runID] = data
	return nil
}

func (b *MemoryBackend) ReadAllMetadata(ctx context.Context, runID string) ([]wire.Metadata, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()

	entries := b.metadata[runID]
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var result []wire.Metadata
	for _, key := range keys {
		at, err := ParseTimeKey(key)
		if err != nil {
			return nil, err
		}
		result = append(result, wire.Metadata{At: at, Text: entries[key]})
	}
	return result, nil
}

func (b *MemoryBackend) AppendMetadata(ctx context.Context, runID string, at time.Time, text string) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()

	entries, ok := b.metadata[runID]
	if !ok {
		entries = map[string]string{}
		b.metadata[runID] = entries
	}
	entries[TimeKey(at)] = text
	return nil
}

func (b *MemoryBackend) AddSchedule(ctx context.Context, queue, runID string, at time.Time, payload *wire.Event) error {
	if err := ValidateQueue(queue); err != nil {
		return err
	}
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	var slot memorySlot
	if payload != nil {
		data, err := b.codec.EncodeEvent(payload)
		if err != nil {
			return err
		}
		slot.payload = data
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	slots, ok := b.schedules[queue]
	if !ok {
		slots = map[memorySlotKey]memorySlot{}
		b.schedules[queue] = slots
	}
	atNanos := wire.UnixNanos(at)
	for key := range slots {
		if key.runID == runID && key.at <= atNanos {
			delete(slots, key)
		}
	}
	slots[memorySlotKey{runID: runID, at: atNanos}] = slot
	return nil
}

func (b *MemoryBackend) ReadSchedule(ctx context.Context, queue, runID string, at time.Time) (*wire.Event, error) {
	b.mutex.Lock()
	slot, ok := b.schedules[queue][memorySlotKey{runID: runID, at: wire.UnixNanos(at)}]
	b.mutex.Unlock()
	if !ok || slot.payload == nil {
		return nil, nil
	}
	return b.codec.DecodeEvent(slot.payload)
}

func (b *MemoryBackend) CloseSchedule(ctx context.Context, queue, runID string, at time.Time) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	delete(b.schedules[queue], memorySlotKey{runID: runID, at: wire.UnixNanos(at)})
	return nil
}

func (b *MemoryBackend) ListSchedules(ctx context.Context, queue string) ([]wire.Schedule, error) {
	if err := ValidateQueue(queue); err != nil {
		return nil, err
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()

	var result []wire.Schedule
	for key, slot := range b.schedules[queue] {
		result = append(result, wire.Schedule{
			Queue:      queue,
			RunID:      key.runID,
			At:         wire.FromUnixNanos(key.at),
			HasPayload: slot.payload != nil,
		})
	}
	sortSchedules(result)
	return result, nil
}

func (b *MemoryBackend) ListRuns(ctx context.Context) ([]string, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	runIDs := make([]string, 0, len(b.events))
	for runID := range b.events {
		runIDs = append(runIDs, runID)
	}
	sort.Strings(runIDs)
	return runIDs, nil
}

func (b *MemoryBackend) LoadLease(ctx context.Context, runID string) (*Lease, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	lease, ok := b.leases[runID]
	if !ok {
		return nil, nil
	}
	return &lease, nil
}

func (b *MemoryBackend) SwapLease(ctx context.Context, runID string, prevToken uint64, next *Lease) (bool, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	var current uint64
	if lease, ok := b.leases[runID]; ok {
		current = lease.Token
	}
	if current != prevToken {
		return false, nil
	}
	b.leases[runID] = *next
	return true, nil
}

func (b *MemoryBackend) ListLeases(ctx context.Context) ([]*Lease, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	result := make([]*Lease, 0, len(b.leases))
	for _, lease := range b.leases {
		lease := lease
		result = append(result, &lease)
	}
	sortLeases(result)
	return result, nil
}

// sortSchedules orders slots by time, then run id.
func sortSchedules(schedules []wire.Schedule) {
	sort.Slice(schedules, func(i, j int) bool {
		if !schedules[i].At.Equal(schedules[j].At) {
			return schedules[i].At.Before(schedules[j].At)
		}
		return schedules[i].RunID < schedules[j].RunID
	})
}

func sortLeases(leases []*Lease) {
	sort.Slice(leases, func(i, j int) bool {
		return leases[i].RunID < leases[j].RunID
	})
}
