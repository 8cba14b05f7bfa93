// Package redislease implements runlog.LeaseStore on Redis, so workers on
// different hosts can coordinate runs stored in any backend.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := redislease.New(client)
//	coordinator, err := runlog.NewCoordinator(runlog.CoordinatorOptions{Store: store, Backend: backend})
package redislease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/deepnoodle-ai/runlog"
	"github.com/deepnoodle-ai/runlog/wire"
)

var _ runlog.LeaseStore = (*Store)(nil)

// swapScript stores a lease only while the stored token matches ARGV[1].
// A missing record counts as token 0.
var swapScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'token')
if not current then
	current = '0'
end
if current ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'run_id', ARGV[2], 'owner', ARGV[3], 'token', ARGV[4], 'expires_at', ARGV[5])
redis.call('SADD', KEYS[2], ARGV[2])
return 1
`)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithKeyPrefix sets the prefix of every key. Defaults to "runlog:".
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// Store keeps each lease in a hash and the set of leased run ids in a set.
type Store struct {
	client redis.Cmdable
	logger *slog.Logger
	prefix string
}

// New creates a Redis lease store. The caller owns the client lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default(), prefix: "runlog:"}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) leaseKey(runID string) string {
	return s.prefix + "lease:" + runID
}

func (s *Store) idsKey() string {
	return s.prefix + "lease_ids"
}

func (s *Store) LoadLease(ctx context.Context, runID string) (*runlog.Lease, error) {
	fields, err := s.client.HGetAll(ctx, s.leaseKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redislease: load lease: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parseLease(runID, fields)
}

func (s *Store) SwapLease(ctx context.Context, runID string, prevToken uint64, next *runlog.Lease) (bool, error) {
	keys := []string{s.leaseKey(runID), s.idsKey()}
	result, err := swapScript.Run(ctx, s.client, keys,
		strconv.FormatUint(prevToken, 10),
		runID,
		next.Owner,
		strconv.FormatUint(next.Token, 10),
		strconv.FormatInt(wire.UnixNanos(next.ExpiresAt), 10),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redislease: swap lease: %w", err)
	}
	if result == 0 {
		s.logger.Debug("lease swap rejected", "run_id", runID, "prev_token", prevToken)
	}
	return result == 1, nil
}

func (s *Store) ListLeases(ctx context.Context) ([]*runlog.Lease, error) {
	runIDs, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redislease: list leases: %w", err)
	}
	sort.Strings(runIDs)

	leases := make([]*runlog.Lease, 0, len(runIDs))
	for _, runID := range runIDs {
		lease, err := s.LoadLease(ctx, runID)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			leases = append(leases, lease)
		}
	}
	return leases, nil
}

func parseLease(runID string, fields map[string]string) (*runlog.Lease, error) {
	token, err := strconv.ParseUint(fields["token"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redislease: invalid token for run %s: %w", runID, err)
	}
	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redislease: invalid expiry for run %s: %w", runID, err)
	}
	return &runlog.Lease{
		RunID:     runID,
		Owner:     fields["owner"],
		Token:     token,
		ExpiresAt: wire.FromUnixNanos(expiresAt),
	}, nil
}

// ErrNoRedisAddr is returned by Dial without an address.
var ErrNoRedisAddr = errors.New("redislease: redis address is required")

// Dial connects a new client to addr and verifies it with a ping.
func Dial(ctx context.Context, addr string, opts ...Option) (*Store, *redis.Client, error) {
	if addr == "" {
		return nil, nil, ErrNoRedisAddr
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	s := New(client, opts...)
	if err := s.Ping(ctx); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redislease: ping %s: %w", addr, err)
	}
	return s, client, nil
}
