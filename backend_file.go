package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/deepnoodle-ai/runlog/wire"
)

// FileBackendOption configures a FileBackend.
type FileBackendOption func(*FileBackend)

// WithFileCodec sets the codec for event files. Defaults to MessagePack.
func WithFileCodec(codec wire.Codec) FileBackendOption {
	return func(b *FileBackend) { b.codec = codec }
}

// WithFileLogger sets the logger.
func WithFileLogger(logger *slog.Logger) FileBackendOption {
	return func(b *FileBackend) { b.logger = logger }
}

// FileBackend stores everything in a directory tree:
//
//	<root>/runs/<run_id>/events
//	<root>/runs/<run_id>/logs/<time-key>
//	<root>/schedules/<queue>/<time-key>/<run_id>
//	<root>/leases/<run_id>
//
// Files are replaced by writing a temp file and renaming it over the target,
// so readers never observe a partial write. Names starting with "." are
// temp files and ignored everywhere.
//
// Schedule changes and the lease compare-and-swap are guarded by process-local
// mutexes. Multiple processes sharing one root need a LeaseStore that works
// across processes.
type FileBackend struct {
	root   string
	codec  wire.Codec
	logger *slog.Logger

	scheduleMutex sync.Mutex

	leaseMutex sync.Mutex
}

// NewFileBackend creates the directory layout under root. An empty root
// defaults to ~/.deepnoodle/runlog.
func NewFileBackend(root string, opts ...FileBackendOption) (*FileBackend, error) {
	if root == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		root = filepath.Join(homeDir, ".deepnoodle", "runlog")
	}
	for _, dir := range []string{"runs", "schedules", "leases"} {
		path := filepath.Join(root, dir)
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	b := &FileBackend{
		root:   root,
		codec:  wire.DefaultCodec,
		logger: discardLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Root returns the backend's root directory.
func (b *FileBackend) Root() string {
	return b.root
}

func (b *FileBackend) runDir(runID string) string {
	return filepath.Join(b.root, "runs", runID)
}

func (b *FileBackend) queueDir(queue string) string {
	return filepath.Join(b.root, "schedules", queue)
}

func (b *FileBackend) slotPath(queue, runID, timeKey string) string {
	return filepath.Join(b.queueDir(queue), timeKey, runID)
}

func (b *FileBackend) ReadEvents(ctx context.Context, runID string) (*wire.Records, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(b.runDir(runID), "events"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read events file: %w", err)
	}
	return b.codec.DecodeRecords(data)
}

func (b *FileBackend) WriteEvents(ctx context.Context, runID string, records *wire.Records) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	data, err := b.codec.EncodeRecords(records)
	if err != nil {
		return err
	}
	dir := b.runDir(runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, "events"), data)
}

func (b *FileBackend) ReadAllMetadata(ctx context.Context, runID string) ([]wire.Metadata, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	dir := filepath.Join(b.runDir(runID), "logs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read logs directory: %w", err)
	}

	// ReadDir sorts by name and time keys sort chronologically.
	var result []wire.Metadata
	for _, entry := range entries {
		if entry.IsDir() || isHidden(entry.Name()) {
			continue
		}
		at, err := ParseTimeKey(entry.Name())
		if err != nil {
			b.logger.Warn("skipping unexpected file in logs directory",
				"run_id", runID, "name", entry.Name())
			continue
		}
		text, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read log file: %w", err)
		}
		result = append(result, wire.Metadata{At: at, Text: string(text)})
	}
	return result, nil
}

func (b *FileBackend) AppendMetadata(ctx context.Context, runID string, at time.Time, text string) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	dir := filepath.Join(b.runDir(runID), "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, TimeKey(at)), []byte(text))
}

func (b *FileBackend) AddSchedule(ctx context.Context, queue, runID string, at time.Time, payload *wire.Event) error {
	if err := ValidateQueue(queue); err != nil {
		return err
	}
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	var data []byte
	if payload != nil {
		encoded, err := b.codec.EncodeEvent(payload)
		if err != nil {
			return err
		}
		data = encoded
	}

	b.scheduleMutex.Lock()
	defer b.scheduleMutex.Unlock()

	// The new slot is written before older ones are removed, so a failed
	// write leaves the previous wake-ups in place.
	newKey := TimeKey(at)
	dir := filepath.Join(b.queueDir(queue), newKey)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create schedule directory: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, runID), data); err != nil {
		return err
	}

	open, err := b.openSlots(queue, runID)
	if err != nil {
		return err
	}
	for _, timeKey := range open {
		if timeKey >= newKey {
			continue
		}
		if err := b.removeSlot(queue, runID, timeKey); err != nil {
			return err
		}
		b.logger.Debug("superseded schedule", "queue", queue, "run_id", runID, "at", timeKey)
	}
	return nil
}

func (b *FileBackend) ReadSchedule(ctx context.Context, queue, runID string, at time.Time) (*wire.Event, error) {
	if err := ValidateQueue(queue); err != nil {
		return nil, err
	}
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.slotPath(queue, runID, TimeKey(at)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read schedule file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return b.codec.DecodeEvent(data)
}

func (b *FileBackend) CloseSchedule(ctx context.Context, queue, runID string, at time.Time) error {
	if err := ValidateQueue(queue); err != nil {
		return err
	}
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	timeKey := TimeKey(at)

	b.scheduleMutex.Lock()
	defer b.scheduleMutex.Unlock()

	return b.removeSlot(queue, runID, timeKey)
}

// removeSlot deletes a slot file and, when it was the last slot at that time,
// its directory. Missing files are not an error.
func (b *FileBackend) removeSlot(queue, runID, timeKey string) error {
	path := b.slotPath(queue, runID, timeKey)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove schedule file: %w", err)
	}
	// Fails harmlessly while other runs share the directory.
	_ = os.Remove(filepath.Dir(path))
	return nil
}

// openSlots returns the time keys of a run's open slots on a queue, read from
// disk so slots written by other processes are seen.
func (b *FileBackend) openSlots(queue, runID string) ([]string, error) {
	dir := b.queueDir(queue)
	timeDirs, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read queue directory: %w", err)
	}
	var keys []string
	for _, timeDir := range timeDirs {
		if !timeDir.IsDir() || isHidden(timeDir.Name()) {
			continue
		}
		info, err := os.Lstat(filepath.Join(dir, timeDir.Name(), runID))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to stat schedule file: %w", err)
		}
		if info.Mode().IsRegular() {
			keys = append(keys, timeDir.Name())
		}
	}
	return keys, nil
}

func (b *FileBackend) ListSchedules(ctx context.Context, queue string) ([]wire.Schedule, error) {
	if err := ValidateQueue(queue); err != nil {
		return nil, err
	}
	return b.scanQueue(queue)
}

// scanQueue reads every open slot of a queue from disk, ordered by time then
// run id.
func (b *FileBackend) scanQueue(queue string) ([]wire.Schedule, error) {
	dir := b.queueDir(queue)
	timeDirs, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read queue directory: %w", err)
	}

	var result []wire.Schedule
	for _, timeDir := range timeDirs {
		if !timeDir.IsDir() || isHidden(timeDir.Name()) {
			continue
		}
		at, err := ParseTimeKey(timeDir.Name())
		if err != nil {
			b.logger.Warn("skipping unexpected schedule directory",
				"queue", queue, "name", timeDir.Name())
			continue
		}
		slots, err := os.ReadDir(filepath.Join(dir, timeDir.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to read schedule directory: %w", err)
		}
		for _, slot := range slots {
			if slot.IsDir() || isHidden(slot.Name()) {
				continue
			}
			info, err := slot.Info()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return nil, fmt.Errorf("failed to stat schedule file: %w", err)
			}
			result = append(result, wire.Schedule{
				Queue:      queue,
				RunID:      slot.Name(),
				At:         at,
				HasPayload: info.Size() > 0,
			})
		}
	}
	return result, nil
}

func (b *FileBackend) ListRuns(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(b.root, "runs"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}
	runIDs := []string{}
	for _, entry := range entries {
		if !entry.IsDir() || isHidden(entry.Name()) {
			continue
		}
		if _, err := os.Stat(filepath.Join(b.runDir(entry.Name()), "events")); err != nil {
			continue
		}
		runIDs = append(runIDs, entry.Name())
	}
	return runIDs, nil
}

func (b *FileBackend) leasePath(runID string) string {
	return filepath.Join(b.root, "leases", runID)
}

func (b *FileBackend) LoadLease(ctx context.Context, runID string) (*Lease, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	return b.readLease(b.leasePath(runID))
}

func (b *FileBackend) readLease(path string) (*Lease, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read lease file: %w", err)
	}
	var lease Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lease: %w", err)
	}
	return &lease, nil
}

func (b *FileBackend) SwapLease(ctx context.Context, runID string, prevToken uint64, next *Lease) (bool, error) {
	if err := ValidateRunID(runID); err != nil {
		return false, err
	}
	b.leaseMutex.Lock()
	defer b.leaseMutex.Unlock()

	current, err := b.readLease(b.leasePath(runID))
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
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return false, fmt.Errorf("failed to marshal lease: %w", err)
	}
	if err := writeFileAtomic(b.leasePath(runID), data); err != nil {
		return false, err
	}
	return true, nil
}

func (b *FileBackend) ListLeases(ctx context.Context) ([]*Lease, error) {
	dir := filepath.Join(b.root, "leases")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []*Lease{}, nil
		}
		return nil, fmt.Errorf("failed to read leases directory: %w", err)
	}
	leases := []*Lease{}
	for _, entry := range entries {
		if entry.IsDir() || isHidden(entry.Name()) {
			continue
		}
		lease, err := b.readLease(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if lease != nil {
			leases = append(leases, lease)
		}
	}
	sortLeases(leases)
	return leases, nil
}

// writeFileAtomic writes data to a hidden temp file next to path and renames
// it into place.
func writeFileAtomic(path string, data []byte) error {
	dir, base := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
