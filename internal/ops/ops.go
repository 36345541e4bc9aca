// Package ops provides the built-in batch operations and finishers available to
// every job submitted through the server or the CLI.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/corvohq/batchrun/internal/batch"
)

// Callable identifiers.
const (
	Noop       = "noop"
	Sleep      = "sleep"
	Echo       = "echo"
	Fail       = "fail"
	Expand     = "expand"
	Count      = "count"
	Accumulate = "accumulate"

	FinisherLog = "log"
)

const countResultSchema = `{"type": "object", "required": ["counted"], "properties": {"counted": {"type": "integer", "minimum": 0}}}`

// Register installs the built-in operations and finishers into reg.
func Register(reg *batch.Registry) error {
	for name, fn := range map[string]batch.OperationFunc{
		Noop:       noop,
		Sleep:      sleep,
		Echo:       echo,
		Fail:       fail,
		Expand:     expand,
		Accumulate: accumulate,
	} {
		if err := reg.Register(name, fn); err != nil {
			return err
		}
	}
	if err := reg.Register(Count, count, batch.WithResultSchema(countResultSchema)); err != nil {
		return err
	}
	return reg.RegisterFinisher(FinisherLog, logFinished)
}

func noop(context.Context, *batch.Context, batch.Args) (any, error) {
	return nil, nil
}

// sleep(ms) blocks for ms milliseconds or until ctx is done.
func sleep(ctx context.Context, bc *batch.Context, args batch.Args) (any, error) {
	d := time.Duration(args.Int(0, 100)) * time.Millisecond
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
	}
	bc.SetMessage(fmt.Sprintf("slept %s", d))
	return d.Milliseconds(), nil
}

// echo returns its single argument, or all arguments as an array.
func echo(_ context.Context, _ *batch.Context, args batch.Args) (any, error) {
	switch args.Len() {
	case 0:
		return nil, nil
	case 1:
		return args[0], nil
	}
	return []json.RawMessage(args), nil
}

// fail(message) always fails.
func fail(_ context.Context, _ *batch.Context, args batch.Args) (any, error) {
	return nil, errors.New(args.String(0, "operation failed"))
}

// expand(n, callable, title) enqueues a set of n operations of callable
// (default noop) to run right after the current set.
func expand(_ context.Context, bc *batch.Context, args batch.Args) (any, error) {
	n := args.Int(0, 1)
	if n <= 0 {
		return nil, fmt.Errorf("expand: count must be positive, got %d", n)
	}
	callable := args.String(1, Noop)
	set := batch.OperationSet{Title: args.String(2, "Expanded")}
	for i := 0; i < n; i++ {
		set.Operations = append(set.Operations, batch.Operation{Callable: callable})
	}
	if err := bc.Enqueue(set); err != nil {
		return nil, err
	}
	bc.SetMessage(fmt.Sprintf("queued %d %s operations", n, callable))
	return n, nil
}

type countSandbox struct {
	Done int `json:"done"`
}

// count(total, chunk) counts to total in chunks, one chunk per step.
func count(_ context.Context, bc *batch.Context, args batch.Args) (any, error) {
	total := args.Int(0, 10)
	chunk := args.Int(1, 1)
	if total < 0 || chunk <= 0 {
		return nil, fmt.Errorf("count: invalid total %d or chunk %d", total, chunk)
	}
	var sb countSandbox
	if _, err := bc.Sandbox(&sb); err != nil {
		return nil, err
	}
	sb.Done = min(sb.Done+chunk, total)
	bc.SetMessage(fmt.Sprintf("Counted %d of %d", sb.Done, total))
	if sb.Done < total {
		if err := bc.SetSandbox(sb); err != nil {
			return nil, err
		}
		bc.SetFinished(float64(sb.Done) / float64(total))
		return nil, nil
	}
	return map[string]int{"counted": sb.Done}, nil
}

// accumulate(key, n) adds n to the shared integer under key and returns the sum.
func accumulate(_ context.Context, bc *batch.Context, args batch.Args) (any, error) {
	key := args.String(0, "sum")
	var sum int
	if _, err := bc.Get(key, &sum); err != nil {
		return nil, err
	}
	sum += args.Int(1, 1)
	if err := bc.Set(key, sum); err != nil {
		return nil, err
	}
	return sum, nil
}

func logFinished(_ context.Context, info batch.FinishInfo) error {
	if info.Success {
		slog.Info("operation set finished", "job_id", info.JobID, "set", info.Set.Title, "results", len(info.Results))
		return nil
	}
	slog.Warn("operation set failed", "job_id", info.JobID, "set", info.Set.Title, "error", info.Err)
	return nil
}
