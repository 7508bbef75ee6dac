package testutil

import (
	"errors"
	"sync"
	"sync/atomic"

	"formgate/internal/sentinel"
)

// Outcomes tallies the results of Parallel by store sentinel.
type Outcomes struct {
	OK       int
	Conflict int
	NotFound int
	Other    int
}

func (o Outcomes) Total() int {
	return o.OK + o.Conflict + o.NotFound + o.Other
}

// Parallel runs fn n times concurrently, releasing all goroutines at once so
// they contend on the same state.
func Parallel(n int, fn func(i int) error) Outcomes {
	var (
		wg                            sync.WaitGroup
		ok, conflict, notFound, other atomic.Int64
	)
	start := make(chan struct{})
	for i := range n {
		wg.Go(func() {
			<-start
			err := fn(i)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, sentinel.ErrAlreadyUsed):
				conflict.Add(1)
			case errors.Is(err, sentinel.ErrNotFound):
				notFound.Add(1)
			default:
				other.Add(1)
			}
		})
	}
	close(start)
	wg.Wait()

	return Outcomes{
		OK:       int(ok.Load()),
		Conflict: int(conflict.Load()),
		NotFound: int(notFound.Load()),
		Other:    int(other.Load()),
	}
}
