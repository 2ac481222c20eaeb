// Package reconcile implements the background loop that scans the progress
// store for gaps and feeds them back into the dispatcher's repeat queue.
package reconcile

import (
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"distasks/internal/dispatch"
	"distasks/internal/progress"
)

// Reconciler periodically converts progress-store gaps into repeat-queue
// entries. The cadence is a policy knob; correctness only requires that Tick
// eventually runs while the server is live.
type Reconciler struct {
	progress   *progress.Store
	dispatcher *dispatch.Dispatcher
	source     dispatch.JobSource
	logger     zerolog.Logger

	scheduler *gocron.Scheduler
}

// New constructs a Reconciler. source is used to build the payload for each
// replayed task from the missing number itself (n), not the dispatcher's
// cursor — the dispatcher's cursor tracks the *next fresh* number and is
// unrelated to which numbers are missing.
func New(store *progress.Store, d *dispatch.Dispatcher, source dispatch.JobSource, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		progress:   store,
		dispatcher: d,
		source:     source,
		logger:     logger,
		scheduler:  gocron.NewScheduler(time.UTC),
	}
}

// Tick performs one reconciliation pass: enumerate missing numbers, skip any
// already sitting in the repeat queue, and enqueue the rest.
func (r *Reconciler) Tick() {
	missing := r.progress.Missing()
	if len(missing) == 0 {
		return
	}
	queued := r.dispatcher.QueuedNumbers()
	for _, n := range missing {
		if _, ok := queued[n]; ok {
			continue
		}
		data, err := r.source(n)
		if err != nil {
			r.logger.Error().Err(err).Uint64("num", n).Msg("reconciler: job source error, skipping for this tick")
			continue
		}
		r.logger.Debug().Uint64("num", n).Msg("reconciler: gap found, repeating")
		r.dispatcher.Enqueue(dispatch.Task{Num: n, Data: data})
	}
}

// Start schedules Tick to run every interval and returns immediately; the
// scheduler runs in its own goroutine. Default cadence is 5 seconds.
func (r *Reconciler) Start(interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	_, err := r.scheduler.Every(interval).Do(r.Tick)
	if err != nil {
		return err
	}
	r.scheduler.StartAsync()
	return nil
}

// Stop halts the background schedule.
func (r *Reconciler) Stop() {
	r.scheduler.Stop()
}
