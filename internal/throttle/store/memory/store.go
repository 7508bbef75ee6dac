// Package memory is the in-process throttle store.
package memory

import (
	"context"
	"sync"
	"time"

	"formgate/internal/throttle/models"
	syncx "formgate/pkg/platform/sync"
	"formgate/pkg/requestcontext"
)

// entry guards one key's state. deleted is set, under mu, by whoever removes
// the entry from the map; a request that loses that race retries the lookup
// so its update lands in the live entry.
type entry struct {
	mu      sync.Mutex
	state   models.Entry
	deleted bool
}

// Store keeps throttle entries in a sharded map. Each read-modify-write runs
// under the entry's own mutex, so different keys never contend beyond a
// brief shard lookup and there is no store-wide lock.
type Store struct {
	entries *syncx.ShardedMap[*entry]
}

func New() *Store {
	return &Store{entries: syncx.NewShardedMap[*entry]()}
}

// CheckSpacing reports whether the minimum gap since the key's last accepted
// submission has elapsed. Read-only.
func (s *Store) CheckSpacing(ctx context.Context, key models.Key, minGap time.Duration) (models.SpacingResult, error) {
	now := requestcontext.Now(ctx)
	e, ok := s.entries.Load(key.String())
	if !ok {
		return models.SpacingResult{Allowed: true}, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return models.SpacingResult{Allowed: true}, nil
	}
	return e.state.CheckSpacing(minGap, now), nil
}

// CheckRateLimit runs the dual-window check and counts the request when allowed.
func (s *Store) CheckRateLimit(ctx context.Context, key models.Key, limits models.Limits) (models.RateLimitResult, error) {
	now := requestcontext.Now(ctx)
	var res models.RateLimitResult
	s.mutate(key.String(), func(state *models.Entry) {
		res = state.Consume(limits, now)
	})
	return res, nil
}

// RecordSubmission stamps an accepted submission for key unless another
// submission claimed the spacing slot since CheckSpacing ran.
func (s *Store) RecordSubmission(ctx context.Context, key models.Key, minGap time.Duration) (models.SpacingResult, error) {
	now := requestcontext.Now(ctx)
	var res models.SpacingResult
	s.mutate(key.String(), func(state *models.Entry) {
		res = state.ClaimSpacing(minGap, now)
	})
	return res, nil
}

// Get returns a copy of the state for key.
func (s *Store) Get(_ context.Context, key models.Key) (*models.Entry, error) {
	e, ok := s.entries.Load(key.String())
	if !ok {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, nil
	}
	snapshot := e.state
	return &snapshot, nil
}

// Reset drops all state for key.
func (s *Store) Reset(_ context.Context, key models.Key) error {
	s.entries.DeleteIf(key.String(), func(e *entry) bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.deleted = true
		return true
	})
	return nil
}

// Len returns the approximate number of tracked keys.
func (s *Store) Len(_ context.Context) (int, error) {
	return s.entries.Len(), nil
}

// Sweep removes entries whose hourly window started more than two hours
// before the context time. Keys are snapshotted first; each removal then
// holds one shard lock and one entry lock for a single predicate check.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	now := requestcontext.Now(ctx)
	removed := 0
	for _, k := range s.entries.Keys() {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		ok := s.entries.DeleteIf(k, func(e *entry) bool {
			e.mu.Lock()
			defer e.mu.Unlock()
			if !e.state.Stale(now) {
				return false
			}
			e.deleted = true
			return true
		})
		if ok {
			removed++
		}
	}
	return removed, nil
}

func (s *Store) mutate(key string, fn func(*models.Entry)) {
	for {
		e, _ := s.entries.LoadOrStore(key, func() *entry { return &entry{} })
		e.mu.Lock()
		if e.deleted {
			e.mu.Unlock()
			continue
		}
		fn(&e.state)
		e.mu.Unlock()
		return
	}
}
