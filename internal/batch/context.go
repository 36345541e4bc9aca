package batch

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Context is handed to an executing operation. It is the only way an operation
// can reach its job: shared per-job state, dynamic enqueue, progress messages and
// multi-pass bookkeeping. A Context is valid only while its operation runs.
//
// State writes and enqueued sets are buffered and reach the job only when the
// operation succeeds.
type Context struct {
	job      *Job
	op       Operation
	registry *Registry
	state    map[string]json.RawMessage
	seq      int
	inserted []OperationSet
	message  string
	finished float64
	sandbox  json.RawMessage
	active   bool
}

func newContext(job *Job, op Operation, registry *Registry) *Context {
	return &Context{
		job:      job,
		op:       op,
		registry: registry,
		seq:      job.Seq,
		finished: 1,
		sandbox:  append(json.RawMessage(nil), job.Sandbox...),
		active:   true,
	}
}

// JobID returns the ID of the job the operation belongs to.
func (c *Context) JobID() string { return c.job.ID }

// Operation returns the executing operation.
func (c *Context) Operation() Operation { return c.op }

// Enqueue appends a new operation set to the running job. The set runs right
// after the current set, before any set that was queued after it. Several calls
// during one operation keep their call order.
func (c *Context) Enqueue(set OperationSet) error {
	if !c.active {
		return &Error{Code: ErrorCodeNotFound, JobID: c.job.ID, Msg: fmt.Sprintf("job %s is not executing", c.job.ID)}
	}
	prepared, err := prepareSet(&c.seq, set, c.registry)
	if err != nil {
		return NewMalformedJobError(c.job.ID, "invalid operation set", err)
	}
	prepared.Dynamic = true
	c.inserted = append(c.inserted, prepared)
	return nil
}

// SetMessage sets the progress message reported for this step.
func (c *Context) SetMessage(msg string) { c.message = msg }

// Get decodes the shared job state value stored under key into v.
func (c *Context) Get(key string, v any) (bool, error) {
	raw, ok := c.state[key]
	if !ok {
		raw, ok = c.job.State[key]
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode state %q: %w", key, err)
	}
	return true, nil
}

// Set stores v in the shared job state under key. Later operations of the same
// job observe it.
func (c *Context) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode state %q: %w", key, err)
	}
	if c.state == nil {
		c.state = map[string]json.RawMessage{}
	}
	c.state[key] = raw
	return nil
}

// Sandbox decodes the private state this operation saved on a previous pass.
func (c *Context) Sandbox(v any) (bool, error) {
	if len(c.sandbox) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(c.sandbox, v); err != nil {
		return true, fmt.Errorf("decode sandbox: %w", err)
	}
	return true, nil
}

// SetSandbox saves private state for the next pass of this operation.
func (c *Context) SetSandbox(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode sandbox: %w", err)
	}
	c.sandbox = raw
	return nil
}

// SetFinished reports how much of the operation is done. A value below 1 makes
// the runner invoke the operation again on the next step instead of advancing.
func (c *Context) SetFinished(fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	c.finished = fraction
}

// Results returns a copy of the results accumulated so far.
func (c *Context) Results() map[string]json.RawMessage {
	return maps.Clone(c.job.Results)
}

func (c *Context) close() { c.active = false }

// commit applies the buffered state writes and key sequence to the job.
func (c *Context) commit() {
	if len(c.state) > 0 {
		if c.job.State == nil {
			c.job.State = map[string]json.RawMessage{}
		}
		maps.Copy(c.job.State, c.state)
	}
	c.job.Seq = c.seq
}
