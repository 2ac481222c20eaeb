// Package dispatch chooses the next job number to hand a worker, drawing
// from the repeat queue before advancing the monotonic cursor over the
// progress store.
package dispatch

import (
	"sync"

	"distasks/internal/progress"
)

// JobNumber identifies a single unit of work.
type JobNumber = progress.JobNumber

// JobPayload is opaque to the dispatcher; it is whatever the embedder's
// JobSource function returns for a given JobNumber.
type JobPayload = []byte

// JobSource computes the payload for a job number. It is a pure function of
// num, supplied by the embedder.
type JobSource func(num JobNumber) (JobPayload, error)

// Task pairs a job number and its payload with a run counter that is
// incremented each time the task is handed to a worker.
type Task struct {
	Num  JobNumber
	Data JobPayload
	Runs int
}

// Dispatcher is the single source of truth for which job number is handed
// out next. It is safe for concurrent use by multiple worker sessions.
type Dispatcher struct {
	mu        sync.Mutex
	progress  *progress.Store
	source    JobSource
	cursor    int64
	repeat    []Task
	queuedSet map[JobNumber]int // job number -> count currently queued
}

// New creates a Dispatcher whose cursor starts at the progress store's
// current floor, as required by the Cursor's initialization rule.
func New(store *progress.Store, source JobSource) *Dispatcher {
	return &Dispatcher{
		progress:  store,
		source:    source,
		cursor:    store.Floor(),
		queuedSet: make(map[JobNumber]int),
	}
}

// Enqueue appends a task to the repeat queue, deduplicated against numbers
// already queued. Used by a Worker Session on abrupt disconnect and by the
// Reconciler when it finds a gap.
func (d *Dispatcher) Enqueue(t Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enqueueLocked(t)
}

func (d *Dispatcher) enqueueLocked(t Task) {
	if d.queuedSet[t.Num] > 0 {
		return
	}
	d.repeat = append(d.repeat, t)
	d.queuedSet[t.Num]++
}

// QueuedNumbers returns the set of job numbers currently sitting in the
// repeat queue, snapshotted at the moment of the call. Used by the
// Reconciler to avoid enqueueing a number twice.
func (d *Dispatcher) QueuedNumbers() map[JobNumber]struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[JobNumber]struct{}, len(d.queuedSet))
	for n, c := range d.queuedSet {
		if c > 0 {
			out[n] = struct{}{}
		}
	}
	return out
}

// Next produces the next Task to hand to a worker: the head of the repeat
// queue if non-empty, otherwise a fresh task built from the cursor, skipping
// any number the progress store already contains. The cursor never
// rewinds.
func (d *Dispatcher) Next() (Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.repeat) > 0 {
		t := d.repeat[0]
		d.repeat = d.repeat[1:]
		d.queuedSet[t.Num]--
		if d.queuedSet[t.Num] <= 0 {
			delete(d.queuedSet, t.Num)
		}
		return t, nil
	}

	for d.progress.ContainsSigned(d.cursor) {
		d.cursor++
	}
	num := JobNumber(d.cursor)
	data, err := d.source(num)
	if err != nil {
		return Task{}, err
	}
	d.cursor++
	return Task{Num: num, Data: data}, nil
}
