package scheduler

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Job is one unit of work run by the pool.
type Job func(ctx context.Context)

// WorkerPool runs jobs on a fixed number of goroutines.
type WorkerPool struct {
	size int
	jobs chan Job
	wg   sync.WaitGroup
	log  zerolog.Logger
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, log zerolog.Logger) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{
		size: size,
		jobs: make(chan Job, size), // Buffered channel
		log:  log,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.wg.Add(wp.size)
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

// worker drains the jobs channel until Stop closes it. Jobs observe ctx
// themselves, so queued work still gets to record its outcome.
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()
	wp.log.Debug().Int("worker", id).Msg("worker started")
	for job := range wp.jobs {
		job(ctx)
	}
	wp.log.Debug().Int("worker", id).Msg("worker shutting down")
}

// Dispatch sends a job to the worker pool. It blocks while every worker is
// busy and the buffer is full.
func (wp *WorkerPool) Dispatch(job Job) {
	wp.jobs <- job
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan Job {
	return wp.jobs
}

// Stop closes the pool and waits for queued jobs to finish.
func (wp *WorkerPool) Stop() {
	close(wp.jobs)
	wp.wg.Wait()
}
