package reconcile

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"distasks/internal/dispatch"
	"distasks/internal/progress"
)

func TestTick_EnqueuesMissingNumbers(t *testing.T) {
	store := progress.New(0)
	store.Add(0)
	store.Add(3)
	store.Add(5) // gaps: 1, 2, 4; Missing reports only 1, 2 (below min(above))

	var builtFrom []dispatch.JobNumber
	source := func(n dispatch.JobNumber) (dispatch.JobPayload, error) {
		builtFrom = append(builtFrom, n)
		return []byte(fmt.Sprintf(`{"n":%d}`, n)), nil
	}
	d := dispatch.New(store, source)
	r := New(store, d, source, zerolog.Nop())
	r.Tick()

	queued := d.QueuedNumbers()
	for _, want := range []dispatch.JobNumber{1, 2} {
		if _, ok := queued[want]; !ok {
			t.Fatalf("expected %d queued, got %v", want, queued)
		}
	}

	// The repeated task's payload must be built from n, not the dispatcher's
	// cursor -- the bug the spec mandates fixing.
	task, err := d.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if task.Num != 1 || string(task.Data) != `{"n":1}` {
		t.Fatalf("expected replayed task for 1 with payload built from 1, got %+v (%s)", task, task.Data)
	}
}

func TestTick_SkipsNumbersAlreadyQueued(t *testing.T) {
	store := progress.New(0)
	store.Add(0)
	store.Add(3) // missing: 1, 2

	calls := 0
	source := func(n dispatch.JobNumber) (dispatch.JobPayload, error) {
		calls++
		return []byte("{}"), nil
	}
	d := dispatch.New(store, source)
	d.Enqueue(dispatch.Task{Num: 1, Data: []byte(`{"n":1}`)})

	r := New(store, d, source, zerolog.Nop())
	r.Tick()

	if calls != 1 {
		t.Fatalf("expected job source called once (for 2 only), got %d calls", calls)
	}
	queued := d.QueuedNumbers()
	if len(queued) != 2 {
		t.Fatalf("expected both 1 and 2 queued, got %v", queued)
	}
}

func TestTick_NoMissingIsNoop(t *testing.T) {
	store := progress.New(0)
	store.Add(0)
	d := dispatch.New(store, func(n dispatch.JobNumber) (dispatch.JobPayload, error) {
		t.Fatalf("job source should not be called when nothing is missing")
		return nil, nil
	})
	r := New(store, d, nil, zerolog.Nop())
	r.Tick()
	if len(d.QueuedNumbers()) != 0 {
		t.Fatalf("expected nothing queued")
	}
}
