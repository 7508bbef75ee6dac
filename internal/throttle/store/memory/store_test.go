package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"formgate/internal/throttle/models"
	id "formgate/pkg/domain"
	"formgate/pkg/requestcontext"
	"formgate/pkg/testutil"
)

var errThrottled = errors.New("throttled")

// StoreSuite covers the in-memory throttle store.
//
// Justification: the store is the only shared mutable state on the submission
// path. Per-key atomicity and the sweep cutoff decide whether limits hold
// under concurrent load.
type StoreSuite struct {
	suite.Suite
	store  *Store
	t0     time.Time
	key    models.Key
	limits models.Limits
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupTest() {
	s.store = New()
	s.t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.key = models.NewKey("203.0.113.7", id.NewFormID())
	s.limits = models.Limits{MaxPerWindow: 10, Window: time.Minute, MaxPerHour: 50}
}

func (s *StoreSuite) at(t time.Time) context.Context {
	return requestcontext.WithTime(context.Background(), t)
}

// =============================================================================
// Rate limit
// =============================================================================

func (s *StoreSuite) TestCheckRateLimit() {
	s.Run("admits up to the window limit then rejects", func() {
		for i := range 10 {
			res, err := s.store.CheckRateLimit(s.at(s.t0), s.key, s.limits)
			s.Require().NoError(err)
			s.True(res.Allowed, "request %d", i+1)
			s.Equal(9-i, res.Remaining)
		}
		res, err := s.store.CheckRateLimit(s.at(s.t0.Add(30*time.Second)), s.key, s.limits)
		s.Require().NoError(err)
		s.False(res.Allowed)
		s.Equal(models.WindowShort, res.Exceeded)
		s.Equal(31, res.RetryAfterSeconds(s.t0.Add(30*time.Second)))
	})

	s.Run("keys are independent", func() {
		other := models.NewKey("203.0.113.8", s.key.FormID)
		res, err := s.store.CheckRateLimit(s.at(s.t0), other, s.limits)
		s.Require().NoError(err)
		s.True(res.Allowed)
	})

	s.Run("rejected requests are not counted", func() {
		entry, err := s.store.Get(context.Background(), s.key)
		s.Require().NoError(err)
		s.Require().NotNil(entry)
		s.Equal(10, entry.Count)
		s.Equal(10, entry.HourlyCount)
	})
}

func (s *StoreSuite) TestConcurrentRequestsSameKey() {
	ctx := s.at(s.t0)
	out := testutil.Parallel(100, func(int) error {
		res, err := s.store.CheckRateLimit(ctx, s.key, s.limits)
		if err != nil {
			return err
		}
		if !res.Allowed {
			return errThrottled
		}
		return nil
	})

	s.Equal(10, out.OK)
	s.Equal(90, out.Other)
	entry, err := s.store.Get(ctx, s.key)
	s.Require().NoError(err)
	s.Equal(10, entry.Count)
}

func (s *StoreSuite) TestConcurrentSpacingClaimsSameKey() {
	ctx := s.at(s.t0)
	gap := 10 * time.Second
	out := testutil.Parallel(50, func(int) error {
		res, err := s.store.RecordSubmission(ctx, s.key, gap)
		if err != nil {
			return err
		}
		if !res.Allowed {
			return errThrottled
		}
		return nil
	})

	s.Equal(1, out.OK)
	s.Equal(49, out.Other)
}

func (s *StoreSuite) TestConcurrentRequestsManyKeys() {
	var wg sync.WaitGroup
	keys := make([]models.Key, 50)
	for i := range keys {
		keys[i] = models.NewKey("198.51.100.1", id.NewFormID())
	}
	ctx := s.at(s.t0)
	for _, k := range keys {
		for range 5 {
			wg.Go(func() {
				_, _ = s.store.CheckRateLimit(ctx, k, s.limits)
			})
		}
	}
	wg.Wait()

	for _, k := range keys {
		entry, err := s.store.Get(ctx, k)
		s.Require().NoError(err)
		s.Equal(5, entry.Count)
	}
	n, err := s.store.Len(ctx)
	s.Require().NoError(err)
	s.Equal(50, n)
}

// =============================================================================
// Spacing
// =============================================================================

func (s *StoreSuite) TestSpacing() {
	gap := 10 * time.Second

	s.Run("unknown key is allowed and not created", func() {
		res, err := s.store.CheckSpacing(s.at(s.t0), s.key, gap)
		s.Require().NoError(err)
		s.True(res.Allowed)
		n, _ := s.store.Len(context.Background())
		s.Zero(n)
	})

	s.Run("rejects inside the gap", func() {
		claim, err := s.store.RecordSubmission(s.at(s.t0), s.key, gap)
		s.Require().NoError(err)
		s.Require().True(claim.Allowed)
		res, err := s.store.CheckSpacing(s.at(s.t0.Add(time.Second)), s.key, gap)
		s.Require().NoError(err)
		s.False(res.Allowed)
		s.Equal(9, res.WaitSeconds)
	})

	s.Run("allows once the gap has elapsed", func() {
		res, err := s.store.CheckSpacing(s.at(s.t0.Add(11*time.Second)), s.key, gap)
		s.Require().NoError(err)
		s.True(res.Allowed)
	})
}

// =============================================================================
// Sweep and reset
// =============================================================================

func (s *StoreSuite) TestSweep() {
	stale := models.NewKey("192.0.2.1", id.NewFormID())
	fresh := models.NewKey("192.0.2.2", id.NewFormID())

	_, err := s.store.CheckRateLimit(s.at(s.t0), stale, s.limits)
	s.Require().NoError(err)
	_, err = s.store.CheckRateLimit(s.at(s.t0.Add(time.Hour)), fresh, s.limits)
	s.Require().NoError(err)

	s.Run("keeps entries exactly at the cutoff", func() {
		removed, err := s.store.Sweep(s.at(s.t0.Add(2 * time.Hour)))
		s.Require().NoError(err)
		s.Zero(removed)
	})

	s.Run("removes entries past the cutoff", func() {
		removed, err := s.store.Sweep(s.at(s.t0.Add(2*time.Hour + time.Second)))
		s.Require().NoError(err)
		s.Equal(1, removed)

		entry, err := s.store.Get(context.Background(), stale)
		s.Require().NoError(err)
		s.Nil(entry)

		entry, err = s.store.Get(context.Background(), fresh)
		s.Require().NoError(err)
		s.NotNil(entry)
	})

	s.Run("swept key starts over", func() {
		res, err := s.store.CheckRateLimit(s.at(s.t0.Add(3*time.Hour)), stale, s.limits)
		s.Require().NoError(err)
		s.True(res.Allowed)
		s.Equal(9, res.Remaining)
	})

	s.Run("stops on cancelled context", func() {
		ctx, cancel := context.WithCancel(s.at(s.t0.Add(10 * time.Hour)))
		cancel()
		_, err := s.store.Sweep(ctx)
		s.ErrorIs(err, context.Canceled)
	})
}

func (s *StoreSuite) TestSweepRacesWithRequests() {
	ctx := s.at(s.t0)
	_, err := s.store.CheckRateLimit(ctx, s.key, s.limits)
	s.Require().NoError(err)

	later := s.at(s.t0.Add(3 * time.Hour))
	var wg sync.WaitGroup
	wg.Go(func() { _, _ = s.store.Sweep(later) })
	wg.Go(func() { _, _ = s.store.CheckRateLimit(later, s.key, s.limits) })
	wg.Wait()

	// Whichever ran first, the request's update is visible afterwards.
	entry, err := s.store.Get(later, s.key)
	s.Require().NoError(err)
	s.Require().NotNil(entry)
	s.Equal(1, entry.Count)
}

func (s *StoreSuite) TestReset() {
	ctx := s.at(s.t0)
	for range 10 {
		_, err := s.store.CheckRateLimit(ctx, s.key, s.limits)
		s.Require().NoError(err)
	}
	s.Require().NoError(s.store.Reset(ctx, s.key))

	res, err := s.store.CheckRateLimit(ctx, s.key, s.limits)
	s.Require().NoError(err)
	s.True(res.Allowed)

	s.Run("reset of unknown key is a no-op", func() {
		s.NoError(s.store.Reset(ctx, models.NewKey("192.0.2.99", id.NewFormID())))
	})
}
