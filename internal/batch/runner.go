package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrUnknownCallable is the cause of an OperationFailure for an operation whose
// callable is not registered with the runner.
var ErrUnknownCallable = errors.New("unknown callable")

// Runner executes jobs one operation per Step.
//
// Step is not reentrant per job: callers must never run two steps for the same
// job ID at the same time. Continuation drivers serialize steps per job; the
// runner itself does not lock.
type Runner struct {
	store    Store
	registry *Registry
	tracer   trace.Tracer

	mu      sync.RWMutex
	drivers map[string]ContinuationDriver
}

// NewRunner creates a Runner over the given store and registry.
func NewRunner(s Store, registry *Registry) *Runner {
	return &Runner{
		store:    s,
		registry: registry,
		tracer:   otel.Tracer("github.com/corvohq/batchrun/internal/batch"),
		drivers:  map[string]ContinuationDriver{},
	}
}

// RegisterDriver installs the continuation driver used for jobs whose Driver
// field equals name.
func (r *Runner) RegisterDriver(name string, d ContinuationDriver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[name] = d
}

// HasDriver reports whether a driver is registered under name.
func (r *Runner) HasDriver(name string) bool {
	_, ok := r.driver(name)
	return ok
}

func (r *Runner) driver(name string) (ContinuationDriver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	return d, ok
}

// Schedule hands a pending job to its continuation driver for the first step.
// Jobs without a driver, or with a driver that is not registered, are left for
// the caller to step.
func (r *Runner) Schedule(ctx context.Context, job *Job) error {
	if job.Driver == "" {
		return nil
	}
	d, ok := r.driver(job.Driver)
	if !ok {
		return fmt.Errorf("continuation driver %q is not registered", job.Driver)
	}
	return d.ScheduleNextStep(ctx, job.ID)
}

// Load returns the persisted job.
func (r *Runner) Load(ctx context.Context, jobID string) (*Job, error) {
	return r.store.Load(ctx, jobID)
}

// Step executes the next pending operation of a job and persists the outcome.
// The returned error is non-nil exactly when the result kind is StepFailed.
//
// A step that has started runs to completion: cancelling ctx does not reach the
// operation or the save. Callers check ctx between steps.
func (r *Runner) Step(ctx context.Context, jobID string) (StepResult, error) {
	ctx, span := r.tracer.Start(ctx, "batch.step", trace.WithAttributes(attribute.String("batch.job_id", jobID)))
	defer span.End()
	ctx = context.WithoutCancel(ctx)

	start := time.Now()
	res, job, err := r.step(ctx, jobID)
	stepDuration.Observe(time.Since(start).Seconds())
	stepsTotal.WithLabelValues(res.Kind).Inc()

	span.SetAttributes(
		attribute.String("batch.step_kind", res.Kind),
		attribute.Int("batch.percent", res.Progress.Percent),
	)
	if res.OpKey != "" {
		span.SetAttributes(attribute.String("batch.op_key", res.OpKey))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	r.notify(ctx, job, res)
	return res, nil
}

func (r *Runner) notify(ctx context.Context, job *Job, res StepResult) {
	if job == nil || job.Driver == "" {
		return
	}
	d, ok := r.driver(job.Driver)
	if !ok {
		slog.Warn("no continuation driver registered", "job_id", job.ID, "driver", job.Driver)
		return
	}
	var err error
	switch res.Kind {
	case StepContinue:
		err = d.ScheduleNextStep(ctx, job.ID)
	case StepFinished:
		err = d.DeliverFinal(ctx, job.ID, res.Results, res.Redirect)
	}
	if err != nil {
		slog.Error("continuation driver", "job_id", job.ID, "driver", job.Driver, "kind", res.Kind, "error", err)
	}
}

func (r *Runner) step(ctx context.Context, jobID string) (StepResult, *Job, error) {
	job, err := r.store.Load(ctx, jobID)
	if err != nil {
		if !IsNotFound(err) {
			err = fmt.Errorf("load job %s: %w", jobID, err)
		}
		return StepResult{Kind: StepFailed, JobID: jobID, Err: err}, nil, err
	}

	switch job.Status {
	case StatusFinished:
		return finishedResult(job), job, nil
	case StatusError:
		err := failureError(job)
		return failedResult(job, err), job, err
	}

	if job.Exhausted() {
		return r.finish(ctx, job)
	}

	op, ok := job.Current()
	if !ok {
		err := NewMalformedJobError(job.ID,
			fmt.Sprintf("no operation at set %d index %d", job.Position.Set, job.Position.Op), nil)
		return r.fail(ctx, job, "", err)
	}

	snap := Estimate(job)
	if job.Status == StatusPending {
		job.Status = StatusRunning
	}

	registered, ok := r.registry.lookup(op.Callable)
	if !ok {
		return r.fail(ctx, job, op.Key, NewOperationFailure(job.ID, op.Key, fmt.Errorf("%w %q", ErrUnknownCallable, op.Callable)))
	}

	bc := newContext(job, op, r.registry)
	value, err := invoke(ctx, registered.fn, bc, Args(op.Args))
	bc.close()
	if err != nil {
		return r.fail(ctx, job, op.Key, NewOperationFailure(job.ID, op.Key, err))
	}

	if value != nil {
		raw, err := encodeResult(value)
		if err != nil {
			return r.fail(ctx, job, op.Key, NewOperationFailure(job.ID, op.Key, err))
		}
		if err := validateResult(registered.schema, op.Key, raw); err != nil {
			return r.fail(ctx, job, op.Key, NewOperationFailure(job.ID, op.Key, err))
		}
		if job.Results == nil {
			job.Results = map[string]json.RawMessage{}
		}
		job.Results[op.Key] = raw
	}

	bc.commit()
	job.Message = bc.message
	snap.Message = bc.message

	if len(bc.inserted) > 0 {
		at := job.Position.Set + 1
		job.Sets = slices.Insert(job.Sets, at, bc.inserted...)
	}

	if bc.finished < 1 {
		job.Sandbox = bc.sandbox
		job.OpFinished = bc.finished
	} else {
		job.Sandbox = nil
		job.OpFinished = 0
		if done, ok := advance(job); ok {
			r.runFinisher(ctx, job, job.Sets[done], true, nil)
		}
	}

	job.UpdatedAt = time.Now().UTC()
	if job.Exhausted() {
		return r.finish(ctx, job)
	}
	if err := r.store.Save(ctx, job); err != nil {
		err = fmt.Errorf("save job %s: %w", job.ID, err)
		return StepResult{Kind: StepFailed, JobID: job.ID, OpKey: op.Key, Err: err}, job, err
	}

	slog.Debug("batch step", "job_id", job.ID, "op_key", op.Key, "completed", snap.Completed, "total", snap.Total)
	return StepResult{Kind: StepContinue, JobID: job.ID, Progress: snap, OpKey: op.Key}, job, nil
}

// advance moves the position past the current operation. It returns the index
// of the set that was completed by the move, if any.
func advance(job *Job) (int, bool) {
	job.Position.Op++
	if job.Position.Op < len(job.Sets[job.Position.Set].Operations) {
		return 0, false
	}
	done := job.Position.Set
	job.Position.Set++
	job.Position.Op = 0
	return done, true
}

func (r *Runner) finish(ctx context.Context, job *Job) (StepResult, *Job, error) {
	now := time.Now().UTC()
	job.Status = StatusFinished
	job.UpdatedAt = now
	job.FinishedAt = &now
	job.Sandbox = nil
	job.OpFinished = 0
	if err := r.store.Save(ctx, job); err != nil {
		err = fmt.Errorf("save job %s: %w", job.ID, err)
		return StepResult{Kind: StepFailed, JobID: job.ID, Err: err}, job, err
	}
	slog.Info("batch finished", "job_id", job.ID, "operations", job.Total())
	return finishedResult(job), job, nil
}

func (r *Runner) fail(ctx context.Context, job *Job, opKey string, cause error) (StepResult, *Job, error) {
	now := time.Now().UTC()
	job.Status = StatusError
	job.UpdatedAt = now
	job.Failure = &Failure{Code: ErrorCodeOf(cause), OpKey: opKey, Message: cause.Error()}
	if job.Position.Set >= 0 && !job.Exhausted() {
		r.runFinisher(ctx, job, job.Sets[job.Position.Set], false, cause)
	}
	slog.Warn("batch failed", "job_id", job.ID, "op_key", opKey, "error", cause)
	if err := r.store.Save(ctx, job); err != nil {
		err = fmt.Errorf("save failed job %s: %w", job.ID, err)
		return StepResult{Kind: StepFailed, JobID: job.ID, OpKey: opKey, Err: err}, job, err
	}
	return failedResult(job, cause), job, cause
}

func (r *Runner) runFinisher(ctx context.Context, job *Job, set OperationSet, success bool, cause error) {
	if set.Finished == "" {
		return
	}
	fn, ok := r.registry.finisher(set.Finished)
	if !ok {
		slog.Warn("finisher not registered", "job_id", job.ID, "finisher", set.Finished)
		return
	}
	info := FinishInfo{
		JobID:   job.ID,
		Set:     set,
		Success: success,
		Results: maps.Clone(job.Results),
		Err:     cause,
	}
	if err := fn(ctx, info); err != nil {
		slog.Error("set finisher", "job_id", job.ID, "finisher", set.Finished, "error", err)
	}
}

// Restart rewinds a job to its first operation, discarding results, shared
// state and every set that was enqueued while it ran.
func (r *Runner) Restart(ctx context.Context, jobID string) (*Job, error) {
	job, err := r.store.Load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	sets := job.Sets[:0:0]
	for _, s := range job.Sets {
		if !s.Dynamic {
			sets = append(sets, s)
		}
	}
	job.Sets = sets
	job.Position = Position{}
	job.Status = StatusPending
	job.Results = nil
	job.State = nil
	job.Sandbox = nil
	job.OpFinished = 0
	job.Message = ""
	job.Failure = nil
	job.FinishedAt = nil
	job.UpdatedAt = time.Now().UTC()
	if err := r.store.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return job, nil
}

func invoke(ctx context.Context, fn OperationFunc, bc *Context, args Args) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("operation panicked: %v", p)
		}
	}()
	return fn(ctx, bc, args)
}

func encodeResult(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, fmt.Errorf("result is not valid JSON: %w", err)
		}
		return buf.Bytes(), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return raw, nil
}

func finishedResult(job *Job) StepResult {
	return StepResult{
		Kind:     StepFinished,
		JobID:    job.ID,
		Progress: Estimate(job),
		Results:  maps.Clone(job.Results),
		Redirect: job.Redirect,
	}
}

func failedResult(job *Job, err error) StepResult {
	res := StepResult{Kind: StepFailed, JobID: job.ID, Progress: Estimate(job), Results: maps.Clone(job.Results), Err: err}
	if job.Failure != nil {
		res.OpKey = job.Failure.OpKey
	}
	return res
}

func failureError(job *Job) error {
	if job.Failure == nil {
		return &Error{Code: ErrorCodeOperationFailure, JobID: job.ID, Msg: "job is in error state"}
	}
	code := job.Failure.Code
	if code == "" {
		code = ErrorCodeOperationFailure
	}
	return &Error{Code: code, JobID: job.ID, OpKey: job.Failure.OpKey, Msg: job.Failure.Message}
}
