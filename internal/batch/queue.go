package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Store persists job state between steps. Save must be atomic per job: a
// concurrent Load of the same ID observes either the previous or the new record.
// Load returns a NotFound error for unknown or collected jobs.
type Store interface {
	Save(ctx context.Context, job *Job) error
	Load(ctx context.Context, jobID string) (*Job, error)
	Delete(ctx context.Context, jobID string) error
}

// Queue creates jobs from submitted operation sets.
type Queue struct {
	store    Store
	registry *Registry
}

// NewQueue creates a Queue that validates callables against registry.
func NewQueue(s Store, registry *Registry) *Queue {
	return &Queue{store: s, registry: registry}
}

// Submit validates the request, creates a pending job positioned at the first
// operation of the first set and persists it.
func (q *Queue) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	now := time.Now().UTC()
	job := &Job{
		ID:        NewJobID(),
		Title:     strings.TrimSpace(req.Title),
		Status:    StatusPending,
		Redirect:  strings.TrimSpace(req.Redirect),
		Driver:    strings.TrimSpace(req.Driver),
		CreatedAt: now,
		UpdatedAt: now,
	}

	var result *multierror.Error
	if len(req.Sets) == 0 {
		result = multierror.Append(result, fmt.Errorf("at least one operation set is required"))
	}
	for i, set := range req.Sets {
		prepared, err := prepareSet(&job.Seq, set, q.registry)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("set %d: %w", i, err))
			continue
		}
		job.Sets = append(job.Sets, prepared)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, NewMalformedJobError(job.ID, "invalid job", err)
	}

	if err := q.store.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}
	jobsSubmittedTotal.Inc()
	return job, nil
}

// prepareSet validates a set and assigns job-unique operation keys, advancing
// *seq by one per operation. On error *seq is left untouched.
func prepareSet(seq *int, set OperationSet, registry *Registry) (OperationSet, error) {
	if len(set.Operations) == 0 {
		return OperationSet{}, fmt.Errorf("operation set is empty")
	}
	var result *multierror.Error
	out := OperationSet{
		Title:      strings.TrimSpace(set.Title),
		Finished:   strings.TrimSpace(set.Finished),
		Operations: make([]Operation, 0, len(set.Operations)),
	}
	if out.Finished != "" && registry != nil {
		if _, ok := registry.finisher(out.Finished); !ok {
			result = multierror.Append(result, fmt.Errorf("unknown finisher %q", out.Finished))
		}
	}
	for i, op := range set.Operations {
		callable := strings.TrimSpace(op.Callable)
		if callable == "" {
			result = multierror.Append(result, fmt.Errorf("operation %d: callable is required", i))
			continue
		}
		if registry != nil {
			if _, ok := registry.lookup(callable); !ok {
				result = multierror.Append(result, fmt.Errorf("operation %d: unknown callable %q", i, callable))
				continue
			}
		}
		args, err := compactArgs(op.Args)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("operation %d: %w", i, err))
			continue
		}
		out.Operations = append(out.Operations, Operation{Callable: callable, Args: args})
	}
	if err := result.ErrorOrNil(); err != nil {
		return OperationSet{}, err
	}
	for i := range out.Operations {
		*seq++
		out.Operations[i].Key = fmt.Sprintf("%s#%d", out.Operations[i].Callable, *seq)
	}
	return out, nil
}

func compactArgs(args []json.RawMessage) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, len(args))
	for i, a := range args {
		if len(bytes.TrimSpace(a)) == 0 {
			out[i] = json.RawMessage("null")
			continue
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, a); err != nil {
			return nil, fmt.Errorf("argument %d is not valid JSON: %w", i, err)
		}
		out[i] = buf.Bytes()
	}
	return out, nil
}
