package batch

import (
	"context"
	"encoding/json"
	"sync"
)

// ContinuationDriver turns "more work remains" into another Step call. The
// runner calls ScheduleNextStep after every CONTINUE result and DeliverFinal once
// the job finishes. Drivers must never issue two steps for one job concurrently.
type ContinuationDriver interface {
	ScheduleNextStep(ctx context.Context, jobID string) error
	DeliverFinal(ctx context.Context, jobID string, results map[string]json.RawMessage, redirect string) error
}

// DriverInline is the driver name for jobs processed to completion in the
// submitting goroutine.
const DriverInline = "inline"

// Inline drives jobs synchronously: Run keeps stepping for as long as the runner
// schedules a next step.
type Inline struct {
	runner *Runner

	// OnStep, if set, observes every step result.
	OnStep func(StepResult)
	// OnFinal, if set, receives the final results of a job.
	OnFinal func(jobID string, results map[string]json.RawMessage, redirect string)

	mu   sync.Mutex
	next map[string]struct{}
}

// NewInline creates an Inline driver and registers it with the runner.
func NewInline(r *Runner) *Inline {
	d := &Inline{runner: r, next: map[string]struct{}{}}
	r.RegisterDriver(DriverInline, d)
	return d
}

func (d *Inline) ScheduleNextStep(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next[jobID] = struct{}{}
	return nil
}

func (d *Inline) DeliverFinal(_ context.Context, jobID string, results map[string]json.RawMessage, redirect string) error {
	if d.OnFinal != nil {
		d.OnFinal(jobID, results, redirect)
	}
	return nil
}

func (d *Inline) take(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.next[jobID]; !ok {
		return false
	}
	delete(d.next, jobID)
	return true
}

// Run steps the job until it finishes, fails or ctx is cancelled. A cancelled
// run leaves the job resumable at its last completed operation.
func (d *Inline) Run(ctx context.Context, jobID string) (StepResult, error) {
	_ = d.ScheduleNextStep(ctx, jobID)
	var last StepResult
	for d.take(jobID) {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		res, err := d.runner.Step(ctx, jobID)
		if d.OnStep != nil {
			d.OnStep(res)
		}
		if err != nil {
			return res, err
		}
		last = res
	}
	return last, nil
}
