package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/deepnoodle-ai/runlog"
	"github.com/deepnoodle-ai/runlog/wire"
)

func (s *Store) LoadLease(ctx context.Context, runID string) (*runlog.Lease, error) {
	var lease runlog.Lease
	var token, expiresAt int64
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT run_id, owner, token, expires_at FROM runlog_leases WHERE run_id = ?`), runID).
		Scan(&lease.RunID, &lease.Owner, &token, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlstore: load lease: %w", err)
	}
	lease.Token = uint64(token)
	lease.ExpiresAt = wire.FromUnixNanos(expiresAt)
	return &lease, nil
}

// SwapLease inserts the first record for a run, or updates it only while the
// stored token still equals prevToken. The database arbitrates concurrent
// callers, so this is safe across processes.
func (s *Store) SwapLease(ctx context.Context, runID string, prevToken uint64, next *runlog.Lease) (bool, error) {
	var res sql.Result
	var err error
	if prevToken == 0 {
		res, err = s.exec(ctx, `
			INSERT INTO runlog_leases (run_id, owner, token, expires_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (run_id) DO NOTHING`,
			runID, next.Owner, int64(next.Token), wire.UnixNanos(next.ExpiresAt))
	} else {
		res, err = s.exec(ctx, `
			UPDATE runlog_leases SET owner = ?, token = ?, expires_at = ?
			WHERE run_id = ? AND token = ?`,
			next.Owner, int64(next.Token), wire.UnixNanos(next.ExpiresAt), runID, int64(prevToken))
	}
	if err != nil {
		return false, fmt.Errorf("sqlstore: swap lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlstore: swap lease: %w", err)
	}
	return n == 1, nil
}

func (s *Store) ListLeases(ctx context.Context) ([]*runlog.Lease, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, owner, token, expires_at FROM runlog_leases`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list leases: %w", err)
	}
	defer rows.Close()

	leases := []*runlog.Lease{}
	for rows.Next() {
		var lease runlog.Lease
		var token, expiresAt int64
		if err := rows.Scan(&lease.RunID, &lease.Owner, &token, &expiresAt); err != nil {
			return nil, fmt.Errorf("sqlstore: scan lease: %w", err)
		}
		lease.Token = uint64(token)
		lease.ExpiresAt = wire.FromUnixNanos(expiresAt)
		leases = append(leases, &lease)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: list leases: %w", err)
	}
	sort.Slice(leases, func(i, j int) bool { return leases[i].RunID < leases[j].RunID })
	return leases, nil
}
