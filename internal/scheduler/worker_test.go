package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"device-sync-backend/internal/logger"
)

func TestWorkerPool_Dispatch(t *testing.T) {
	wp := NewWorkerPool(1, logger.NewTestLogger())

	// Dispatch a job
	called := false
	wp.Dispatch(func(context.Context) { called = true })

	// Check if the job is in the channel
	select {
	case job := <-wp.Jobs():
		job(context.Background())
		assert.True(t, called)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for job to be dispatched")
	}
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	wp := NewWorkerPool(2, logger.NewTestLogger())
	wp.Start(context.Background())

	var running, peak, done int32
	var mu sync.Mutex
	for i := 0; i < 6; i++ {
		wp.Dispatch(func(context.Context) {
			n := atomic.AddInt32(&running, 1)
			mu.Lock()
			if n > peak {
				peak = n
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			atomic.AddInt32(&done, 1)
		})
	}
	wp.Stop()

	assert.EqualValues(t, 6, done)
	assert.LessOrEqual(t, peak, int32(2))
}
