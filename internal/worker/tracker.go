package worker

import (
	"context"
	"sync"
)

// Tracker maps running jobs to their cancel functions and remembers jobs
// canceled before a worker picked them up.
type Tracker struct {
	mu       sync.Mutex
	running  map[string]context.CancelFunc
	canceled map[string]struct{}
}

// NewTracker constructs an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		running:  make(map[string]context.CancelFunc),
		canceled: make(map[string]struct{}),
	}
}

// Begin registers cancel for jobID. It reports false when the job was
// canceled while still queued, in which case the worker must skip it.
func (t *Tracker) Begin(jobID string, cancel context.CancelFunc) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.canceled[jobID]; ok {
		delete(t.canceled, jobID)
		return false
	}
	t.running[jobID] = cancel
	return true
}

// End forgets a finished job.
func (t *Tracker) End(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.running, jobID)
}

// Cancel cancels a running job and reports true. Otherwise it runs
// markQueued, and when that reports the job was still queued remembers it so
// Begin refuses it. Both paths run under one lock so a job is never started
// after markQueued.
func (t *Tracker) Cancel(jobID string, markQueued func() (bool, error)) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cancel, ok := t.running[jobID]; ok {
		cancel()
		return true, nil
	}
	marked, err := markQueued()
	if err != nil {
		return false, err
	}
	if marked {
		t.canceled[jobID] = struct{}{}
	}
	return false, nil
}

// Forget drops a canceled marker for a job that will never be dequeued.
func (t *Tracker) Forget(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.canceled, jobID)
}

// Pending reports the number of canceled jobs still awaiting dequeue.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.canceled)
}

// Running reports the number of jobs currently executing.
func (t *Tracker) Running() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.running)
}
