package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// OperationFunc executes one operation. A non-nil result is stored in the job
// results under the operation key.
type OperationFunc func(ctx context.Context, bc *Context, args Args) (any, error)

// FinishInfo is passed to a set finisher.
type FinishInfo struct {
	JobID   string
	Set     OperationSet
	Success bool
	Results map[string]json.RawMessage
	Err     error
}

// FinishFunc runs once an operation set completes, or when the job fails inside it.
type FinishFunc func(ctx context.Context, info FinishInfo) error

type registeredOp struct {
	fn     OperationFunc
	schema *gojsonschema.Schema
}

// RegisterOption configures a registered operation.
type RegisterOption func(*registeredOp) error

// WithResultSchema validates every result of the operation against a JSON schema.
func WithResultSchema(schema string) RegisterOption {
	return func(op *registeredOp) error {
		compiled, err := compileResultSchema(schema)
		if err != nil {
			return err
		}
		op.schema = compiled
		return nil
	}
}

// Registry maps callable identifiers to operation and finisher functions.
type Registry struct {
	mu        sync.RWMutex
	ops       map[string]registeredOp
	finishers map[string]FinishFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		ops:       map[string]registeredOp{},
		finishers: map[string]FinishFunc{},
	}
}

// Register adds an operation callable. Registering a name twice is an error.
func (r *Registry) Register(name string, fn OperationFunc, opts ...RegisterOption) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("operation name is required")
	}
	if fn == nil {
		return fmt.Errorf("operation %q: nil func", name)
	}
	op := registeredOp{fn: fn}
	for _, opt := range opts {
		if err := opt(&op); err != nil {
			return fmt.Errorf("operation %q: %w", name, err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ops[name]; ok {
		return fmt.Errorf("operation %q already registered", name)
	}
	r.ops[name] = op
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(name string, fn OperationFunc, opts ...RegisterOption) {
	if err := r.Register(name, fn, opts...); err != nil {
		panic(err)
	}
}

// RegisterFinisher adds a set finisher callable.
func (r *Registry) RegisterFinisher(name string, fn FinishFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("finisher name is required")
	}
	if fn == nil {
		return fmt.Errorf("finisher %q: nil func", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.finishers[name]; ok {
		return fmt.Errorf("finisher %q already registered", name)
	}
	r.finishers[name] = fn
	return nil
}

// Names returns the registered operation names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ops))
	for k := range r.ops {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) lookup(name string) (registeredOp, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[name]
	return op, ok
}

func (r *Registry) finisher(name string) (FinishFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.finishers[name]
	return fn, ok
}

// Args is the fixed argument list of an operation.
type Args []json.RawMessage

// Len returns the number of arguments.
func (a Args) Len() int { return len(a) }

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return fmt.Errorf("argument %d missing", i)
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return fmt.Errorf("decode argument %d: %w", i, err)
	}
	return nil
}

// String returns argument i as a string, or def when absent or not a string.
func (a Args) String(i int, def string) string {
	var s string
	if err := a.Decode(i, &s); err != nil {
		return def
	}
	return s
}

// Int returns argument i as an int, or def when absent or not a number.
func (a Args) Int(i int, def int) int {
	var n int
	if err := a.Decode(i, &n); err != nil {
		return def
	}
	return n
}
