package services

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/nrvna/internal/core/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPoolClampsWorkerCount(t *testing.T) {
	handler := func(domain.JobID, int) {}

	assert.Equal(t, DefaultWorkers, NewPool(testLogger(), 0, handler).Workers())
	assert.Equal(t, DefaultWorkers, NewPool(testLogger(), -3, handler).Workers())
	assert.Equal(t, MaxWorkers, NewPool(testLogger(), 1000, handler).Workers())
	assert.Equal(t, 7, NewPool(testLogger(), 7, handler).Workers())
}

func TestPoolProcessesEveryJobExactlyOnce(t *testing.T) {
	const jobs = 100

	var mu sync.Mutex
	seen := make(map[domain.JobID]int)

	pool := NewPool(testLogger(), 8, func(id domain.JobID, worker int) {
		mu.Lock()
		seen[id]++
		mu.Unlock()
	})
	pool.Start()

	for i := 0; i < jobs; i++ {
		require.True(t, pool.Submit(domain.NewJobID()))
	}
	pool.Stop()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s handled %d times", id, n)
	}
}

func TestPoolSubmitAfterStopIsRejected(t *testing.T) {
	pool := NewPool(testLogger(), 2, func(domain.JobID, int) {})
	pool.Start()
	pool.Stop()

	assert.False(t, pool.Submit(domain.NewJobID()))
}

func TestPoolStopDrainsQueuedJobs(t *testing.T) {
	var done atomic.Int64
	pool := NewPool(testLogger(), 1, func(domain.JobID, int) {
		time.Sleep(time.Millisecond)
		done.Add(1)
	})
	pool.Start()

	const jobs = 20
	for i := 0; i < jobs; i++ {
		require.True(t, pool.Submit(domain.NewJobID()))
	}
	pool.Stop()

	assert.Equal(t, int64(jobs), done.Load())
}

func TestPoolSurvivesPanickingHandler(t *testing.T) {
	var calls atomic.Int64
	pool := NewPool(testLogger(), 1, func(id domain.JobID, worker int) {
		if calls.Add(1) == 1 {
			panic("first job explodes")
		}
	})
	pool.Start()

	require.True(t, pool.Submit(domain.NewJobID()))
	require.True(t, pool.Submit(domain.NewJobID()))
	pool.Stop()

	assert.Equal(t, int64(2), calls.Load())
}

func TestPoolWorkerIndexWithinRange(t *testing.T) {
	const workers = 4

	var mu sync.Mutex
	indices := make(map[int]bool)

	pool := NewPool(testLogger(), workers, func(id domain.JobID, worker int) {
		mu.Lock()
		indices[worker] = true
		mu.Unlock()
	})
	pool.Start()

	for i := 0; i < 200; i++ {
		pool.Submit(domain.NewJobID())
	}
	pool.Stop()

	for idx := range indices {
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, workers)
	}
}
