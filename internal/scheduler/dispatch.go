package scheduler

import (
	"context"
	"fmt"

	"github.com/harrison/auto-dev-scheduler/internal/models"
)

// WorkerSupervisor is the scheduler's view of the worker subsystem: spawn a
// worker for a locked task and stop one on demand. Implemented by
// internal/worker; kept as an interface here so the coordinator's dispatch
// logic has no import-time dependency on process/IO details.
type WorkerSupervisor interface {
	// Spawn starts a worker for task under workerID. onDone is called
	// exactly once, from a goroutine the supervisor owns, when the worker
	// exits for any reason (success, failure, or kill).
	Spawn(ctx context.Context, task *models.Task, workerID string, onDone func(result WorkerResult))
	// Stop requests termination of the worker currently assigned to
	// workerID; it does not block for exit.
	Stop(workerID string)
}

// WorkerResult is what a finished worker reports back to the coordinator.
type WorkerResult struct {
	WorkerID        string
	TaskID          string
	Success         bool
	IsAPIError      bool
	HasModifiedCode bool
	Reason          string // "", "timeout", "killed", "apiError", ...
}

// Dispatcher starts workers for executable tasks up to a configured
// concurrency bound, tracking per-worker-slot usage. It does not decide
// WHICH tasks are executable -- that is Graph.findExecutableTasks -- it only
// bounds how many run at once and mints worker ids.
type Dispatcher struct {
	supervisor  WorkerSupervisor
	maxParallel int
	nextWorker  int
	inFlight    map[string]string // workerID -> taskID
}

func NewDispatcher(supervisor WorkerSupervisor, maxParallel int) *Dispatcher {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Dispatcher{
		supervisor:  supervisor,
		maxParallel: maxParallel,
		inFlight:    make(map[string]string),
	}
}

// Capacity returns how many more workers may be started right now.
func (d *Dispatcher) Capacity() int {
	free := d.maxParallel - len(d.inFlight)
	if free < 0 {
		return 0
	}
	return free
}

// Start spawns workers for up to Capacity() of the given ready tasks,
// locking each one before spawn and returning the task ids actually
// started, in the order given.
func (d *Dispatcher) Start(ctx context.Context, ready []*models.Task, locks *LockTable, onDone func(WorkerResult)) []string {
	var started []string
	for _, t := range ready {
		if d.Capacity() <= 0 {
			break
		}
		workerID := d.allocWorkerID()
		if !locks.Lock(t.ID, workerID) {
			continue // raced with something else holding it; skip this tick
		}
		d.inFlight[workerID] = t.ID
		d.supervisor.Spawn(ctx, t, workerID, func(result WorkerResult) {
			onDone(result)
		})
		started = append(started, t.ID)
	}
	return started
}

// Release marks workerID's slot free. Called once the coordinator has
// processed a WorkerResult and updated task/lock state.
func (d *Dispatcher) Release(workerID string) {
	delete(d.inFlight, workerID)
}

// StopAll requests termination of every in-flight worker without blocking;
// the coordinator still relies on each worker's onDone callback to actually
// free the slot.
func (d *Dispatcher) StopAll() {
	for workerID := range d.inFlight {
		d.supervisor.Stop(workerID)
	}
}

func (d *Dispatcher) allocWorkerID() string {
	d.nextWorker++
	return fmt.Sprintf("worker-%d", d.nextWorker)
}
