package turbo_batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// jobRunner executes the requests handed out by the pool
type jobRunner interface {
	// job prepares the request at the given submission index
	job(index int) *requestJob
	// execute runs a job. ok is false when the job was abandoned because ctx ended before dispatch.
	execute(ctx context.Context, workerID int, job *requestJob) (out outcome, ok bool)
	// recovered turns a panic inside execute into a failure for that job
	recovered(job *requestJob, r any) outcome
}

type workerPool struct {
	wg              sync.WaitGroup
	workerJobMap    map[int]*requestJob // Maps worker ID to the job it's executing
	busyWorkers     int
	workerCount     int
	mu              sync.RWMutex
	cursor          atomic.Int64
	total           int
	runner          jobRunner
	outcomes        chan<- outcome
	workerStateChan chan<- int
}

func newWorkerPool(workersCount int, total int, runner jobRunner, outcomes chan<- outcome, workerStateChan chan<- int) *workerPool {
	return &workerPool{
		wg:              sync.WaitGroup{},
		workerJobMap:    make(map[int]*requestJob, workersCount),
		workerCount:     workersCount,
		total:           total,
		runner:          runner,
		outcomes:        outcomes,
		workerStateChan: workerStateChan,
	}
}

// start starts the worker pool by creating the workers
func (wp *workerPool) start(ctx context.Context) {
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
}

// wait blocks until every worker has exited
func (wp *workerPool) wait() {
	wp.wg.Wait()
}

// GetBusyWorkers returns the number of busy workers
func (wp *workerPool) GetBusyWorkers() int {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return wp.busyWorkers
}

// GetWorkerStates returns a map of worker ID to request ID (empty string if idle)
func (wp *workerPool) GetWorkerStates() map[int]string {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	states := make(map[int]string, wp.workerCount)
	for i := 0; i < wp.workerCount; i++ {
		if job, ok := wp.workerJobMap[i]; ok && job != nil {
			states[i] = job.id.String()
		} else {
			states[i] = ""
		}
	}
	return states
}

// next claims the next submission index, false once every request was handed out
func (wp *workerPool) next() (int, bool) {
	i := int(wp.cursor.Add(1) - 1)
	return i, i < wp.total
}

// worker pulls indices until the batch is exhausted or ctx is done
func (wp *workerPool) worker(ctx context.Context, workerID int) {
	defer wp.wg.Done()

	for {
		if ctx.Err() != nil {
			return // Cancelled, stop pulling new requests
		}

		index, ok := wp.next()
		if !ok {
			return
		}

		job := wp.runner.job(index)
		wp.changeBusyState(workerID, true, job)
		wp.run(ctx, workerID, job)
		wp.changeBusyState(workerID, false, nil)
	}
}

// run executes a single job, recovering from panics
func (wp *workerPool) run(ctx context.Context, workerID int, job *requestJob) {
	defer func() {
		if r := recover(); r != nil {
			wp.outcomes <- wp.runner.recovered(job, r)
		}
	}()

	if job == nil {
		panic(fmt.Errorf("worker %d received a nil job", workerID))
	}

	out, ok := wp.runner.execute(ctx, workerID, job)
	if ok {
		wp.outcomes <- out
	}
}

// changeBusyState changes the busy state of the worker
func (wp *workerPool) changeBusyState(workerID int, busy bool, job *requestJob) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if busy {
		wp.busyWorkers++
		wp.workerJobMap[workerID] = job
	} else {
		wp.busyWorkers--
		delete(wp.workerJobMap, workerID)
	}

	// Notify the aggregator of the worker state change (non-blocking)
	if wp.workerStateChan != nil {
		select {
		case wp.workerStateChan <- wp.busyWorkers:
			// Sent successfully
		default:
			// Channel full, skip this update to avoid blocking workers
		}
	}
}
