package batch

import (
	"encoding/json"
	"time"
)

// Job statuses
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusError    = "error"
)

// Step result kinds
const (
	StepContinue = "continue"
	StepFinished = "finished"
	StepFailed   = "failed"
)

// Position addresses one operation: the set index and the operation index inside it.
type Position struct {
	Set int `json:"set"`
	Op  int `json:"op"`
}

// Operation is one unit of work. It is immutable once enqueued.
type Operation struct {
	Key      string            `json:"key"`
	Callable string            `json:"callable"`
	Args     []json.RawMessage `json:"args,omitempty"`
}

// OperationSet is an ordered group of operations. Insertion order is execution order.
type OperationSet struct {
	Title      string      `json:"title,omitempty"`
	Finished   string      `json:"finished,omitempty"`
	Dynamic    bool        `json:"dynamic,omitempty"`
	Operations []Operation `json:"operations"`
}

// Failure records the operation that moved a job to StatusError.
type Failure struct {
	Code    ErrorCode `json:"code"`
	OpKey   string    `json:"op_key,omitempty"`
	Message string    `json:"message"`
}

// Job is the persisted state of one batch run.
type Job struct {
	ID         string                     `json:"id"`
	Title      string                     `json:"title,omitempty"`
	Sets       []OperationSet             `json:"sets"`
	Position   Position                   `json:"position"`
	Status     string                     `json:"status"`
	Results    map[string]json.RawMessage `json:"results,omitempty"`
	State      map[string]json.RawMessage `json:"state,omitempty"`
	Sandbox    json.RawMessage            `json:"sandbox,omitempty"`
	OpFinished float64                    `json:"op_finished,omitempty"`
	Message    string                     `json:"message,omitempty"`
	Redirect   string                     `json:"redirect,omitempty"`
	Driver     string                     `json:"driver,omitempty"`
	Failure    *Failure                   `json:"failure,omitempty"`
	Seq        int                        `json:"seq"`
	CreatedAt  time.Time                  `json:"created_at"`
	UpdatedAt  time.Time                  `json:"updated_at"`
	FinishedAt *time.Time                 `json:"finished_at,omitempty"`
}

// Total returns the number of operations currently known to the job.
func (j *Job) Total() int {
	n := 0
	for _, s := range j.Sets {
		n += len(s.Operations)
	}
	return n
}

// Exhausted reports whether the position is past the last operation of the last set.
func (j *Job) Exhausted() bool {
	return j.Position.Set >= len(j.Sets)
}

// Current returns the operation at the job position.
func (j *Job) Current() (Operation, bool) {
	if j.Exhausted() || j.Position.Set < 0 || j.Position.Op < 0 {
		return Operation{}, false
	}
	ops := j.Sets[j.Position.Set].Operations
	if j.Position.Op >= len(ops) {
		return Operation{}, false
	}
	return ops[j.Position.Op], true
}

// Terminal reports whether the job reached a status no further step changes.
func (j *Job) Terminal() bool {
	return j.Status == StatusFinished || j.Status == StatusError
}

// ProgressSnapshot is a point-in-time progress estimate.
type ProgressSnapshot struct {
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Percent   int    `json:"percent"`
	Title     string `json:"title,omitempty"`
	Message   string `json:"message,omitempty"`
}

// StepResult is the outcome of one Runner.Step call.
type StepResult struct {
	Kind     string                     `json:"kind"`
	JobID    string                     `json:"job_id"`
	Progress ProgressSnapshot           `json:"progress"`
	Results  map[string]json.RawMessage `json:"results,omitempty"`
	Redirect string                     `json:"redirect,omitempty"`
	OpKey    string                     `json:"op_key,omitempty"`
	Err      error                      `json:"-"`
}

// SubmitRequest describes a new job.
type SubmitRequest struct {
	Title    string         `json:"title,omitempty"`
	Sets     []OperationSet `json:"sets"`
	Redirect string         `json:"redirect,omitempty"`
	Driver   string         `json:"driver,omitempty"`
}
