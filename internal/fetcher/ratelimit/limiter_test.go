package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter_MinimumSpacingUnderConcurrency(t *testing.T) {
	t.Parallel()

	// 120 rpm -> 500ms minimum spacing per domain.
	l := New(Config{RequestsPerMinute: 120})
	require.Equal(t, 500*time.Millisecond, l.MinInterval())

	const callers = 4
	var (
		mu    sync.Mutex
		times []time.Time
		wg    sync.WaitGroup
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Wait(context.Background(), "https://example.com/jobs"))
			mu.Lock()
			times = append(times, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, times, callers)
	sortTimes(times)
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		// Allow a small scheduling tolerance below the nominal interval.
		require.GreaterOrEqual(t, gap, 400*time.Millisecond,
			"requests %d and %d dispatched %v apart", i-1, i, gap)
	}
}

func TestLimiter_DomainsIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{RequestsPerMinute: 6}) // 10s spacing, far beyond test budget
	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), "https://a.example.com/"))
	require.NoError(t, l.Wait(context.Background(), "https://b.example.com/"))
	require.Less(t, time.Since(start), 2*time.Second,
		"different domains must not share a bucket")
}

func TestLimiter_DisabledNeverBlocks(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	require.Zero(t, l.MinInterval())
	start := time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://example.com/"))
	}
	require.Less(t, time.Since(start), time.Second)
}

func TestLimiter_ContextCancellation(t *testing.T) {
	t.Parallel()

	l := New(Config{RequestsPerMinute: 1})
	require.NoError(t, l.Wait(context.Background(), "https://example.com/"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "https://example.com/")
	require.Error(t, err)
}

func sortTimes(ts []time.Time) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts[j].Before(ts[j-1]); j-- {
			ts[j], ts[j-1] = ts[j-1], ts[j]
		}
	}
}
