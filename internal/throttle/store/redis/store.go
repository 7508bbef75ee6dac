// Package redis is the shared throttle store for multi-instance deployments.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"formgate/internal/throttle/models"
	"formgate/pkg/requestcontext"
)

const keyPrefix = "formgate:throttle:"

// Hash fields hold unix milliseconds except the two counters.
const (
	fieldCount        = "c"
	fieldWindowStart  = "ws"
	fieldHourlyCount  = "hc"
	fieldHourlyStart  = "hws"
	fieldLastAccepted = "ls"
)

// consumeScript mirrors models.Entry.Consume. Window resets are written back
// even when the request is rejected. The key expires StaleAfter past its
// hourly anchor, measured on the caller's clock.
var consumeScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local maxw = tonumber(ARGV[3])
local maxh = tonumber(ARGV[4])
local hour = tonumber(ARGV[5])
local stale = tonumber(ARGV[6])

local v = redis.call('HMGET', KEYS[1], 'c', 'ws', 'hc', 'hws')
local hws = tonumber(v[4])
if not hws then
  redis.call('HSET', KEYS[1], 'c', 1, 'ws', now, 'hc', 1, 'hws', now)
  redis.call('PEXPIRE', KEYS[1], stale)
  return {1, maxw, math.max(maxw - 1, 0), now + window, 0}
end

local c = tonumber(v[1]) or 0
local ws = tonumber(v[2]) or now
local hc = tonumber(v[3]) or 0
if now - ws > window then c = 0; ws = now end
if now - hws > hour then hc = 0; hws = now end

local ttl = math.max(hws + stale - now, 1)
local result
if c >= maxw then
  result = {0, maxw, 0, ws + window, 1}
elseif hc >= maxh then
  result = {0, maxh, 0, hws + hour, 2}
else
  c = c + 1
  hc = hc + 1
  result = {1, maxw, maxw - c, ws + window, 0}
end
redis.call('HSET', KEYS[1], 'c', c, 'ws', ws, 'hc', hc, 'hws', hws)
redis.call('PEXPIRE', KEYS[1], ttl)
return result
`)

// recordScript is the conditional stamp: with a positive gap it leaves the
// hash untouched when the last accepted submission is too recent. It returns
// {stamped, previous last-accepted millis or -1}.
var recordScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local stale = tonumber(ARGV[2])
local gap = tonumber(ARGV[3])
local v = redis.call('HMGET', KEYS[1], 'hws', 'ls')
local hws = tonumber(v[1])
local ls = tonumber(v[2])
if gap > 0 and ls and now - ls < gap then
  return {0, ls}
end
if not hws then
  redis.call('HSET', KEYS[1], 'c', 0, 'ws', now, 'hc', 0, 'hws', now, 'ls', now)
  hws = now
else
  redis.call('HSET', KEYS[1], 'ls', now)
end
redis.call('PEXPIRE', KEYS[1], math.max(hws + stale - now, 1))
return {1, ls or -1}
`)

// Store keeps one hash per throttle key. Every mutation is a single Lua
// script, so per-key updates are atomic across instances.
type Store struct {
	client *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func redisKey(key models.Key) string {
	return keyPrefix + key.String()
}

func (s *Store) CheckSpacing(ctx context.Context, key models.Key, minGap time.Duration) (models.SpacingResult, error) {
	raw, err := s.client.HGet(ctx, redisKey(key), fieldLastAccepted).Result()
	if errors.Is(err, redis.Nil) {
		return models.SpacingResult{Allowed: true}, nil
	}
	if err != nil {
		return models.SpacingResult{}, fmt.Errorf("read last submission: %w", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return models.SpacingResult{}, fmt.Errorf("parse last submission: %w", err)
	}
	entry := models.Entry{LastSubmission: time.UnixMilli(ms)}
	return entry.CheckSpacing(minGap, requestcontext.Now(ctx)), nil
}

func (s *Store) CheckRateLimit(ctx context.Context, key models.Key, limits models.Limits) (models.RateLimitResult, error) {
	now := requestcontext.Now(ctx)
	vals, err := consumeScript.Run(ctx, s.client, []string{redisKey(key)},
		now.UnixMilli(),
		limits.Window.Milliseconds(),
		limits.MaxPerWindow,
		limits.MaxPerHour,
		models.HourlyWindow.Milliseconds(),
		models.StaleAfter.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return models.RateLimitResult{}, fmt.Errorf("consume throttle quota: %w", err)
	}
	if len(vals) != 5 {
		return models.RateLimitResult{}, fmt.Errorf("consume throttle quota: unexpected reply length %d", len(vals))
	}

	res := models.RateLimitResult{
		Allowed:   vals[0] == 1,
		Limit:     int(vals[1]),
		Remaining: int(vals[2]),
		ResetAt:   time.UnixMilli(vals[3]).UTC(),
	}
	switch vals[4] {
	case 1:
		res.Exceeded = models.WindowShort
	case 2:
		res.Exceeded = models.WindowHourly
	}
	return res, nil
}

func (s *Store) RecordSubmission(ctx context.Context, key models.Key, minGap time.Duration) (models.SpacingResult, error) {
	now := requestcontext.Now(ctx)
	vals, err := recordScript.Run(ctx, s.client, []string{redisKey(key)},
		now.UnixMilli(),
		models.StaleAfter.Milliseconds(),
		minGap.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return models.SpacingResult{}, fmt.Errorf("record submission: %w", err)
	}
	if len(vals) != 2 {
		return models.SpacingResult{}, fmt.Errorf("record submission: unexpected reply length %d", len(vals))
	}
	if vals[0] == 1 {
		return models.SpacingResult{Allowed: true}, nil
	}
	entry := models.Entry{LastSubmission: time.UnixMilli(vals[1])}
	return entry.CheckSpacing(minGap, now), nil
}

func (s *Store) Get(ctx context.Context, key models.Key) (*models.Entry, error) {
	fields, err := s.client.HGetAll(ctx, redisKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("read throttle entry: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	entry := &models.Entry{
		Count:             atoi(fields[fieldCount]),
		WindowStart:       millis(fields[fieldWindowStart]),
		HourlyCount:       atoi(fields[fieldHourlyCount]),
		HourlyWindowStart: millis(fields[fieldHourlyStart]),
		LastSubmission:    millis(fields[fieldLastAccepted]),
	}
	return entry, nil
}

func (s *Store) Reset(ctx context.Context, key models.Key) error {
	if err := s.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("reset throttle entry: %w", err)
	}
	return nil
}

// Len counts throttle keys with SCAN. Admin use only.
func (s *Store) Len(ctx context.Context) (int, error) {
	n := 0
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("count throttle keys: %w", err)
	}
	return n, nil
}

// Sweep is a no-op: key expiry already drops stale entries.
func (s *Store) Sweep(_ context.Context) (int, error) {
	return 0, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func millis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
