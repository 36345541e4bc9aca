package worker

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/corvohq/batchrun/internal/batch"
	"github.com/corvohq/batchrun/internal/ops"
	"github.com/corvohq/batchrun/internal/server"
	"github.com/corvohq/batchrun/internal/store"
	"github.com/corvohq/batchrun/pkg/client"
)

func testClient(t *testing.T) *client.Client {
	t.Helper()
	db, err := store.Open(store.BackendPebble, t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	reg := batch.NewRegistry()
	if err := ops.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	srv := server.New(batch.NewRunner(db, reg), batch.NewQueue(db, reg), db, ":0")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return client.New(ts.URL)
}

func op(callable string, args ...any) client.Operation {
	o := client.Operation{Callable: callable}
	for _, a := range args {
		raw, _ := json.Marshal(a)
		o.Args = append(o.Args, raw)
	}
	return o
}

func TestWorkerRunsToCompletion(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	sub, err := c.Submit(ctx, client.SubmitRequest{Sets: []client.OperationSet{{
		Operations: []client.Operation{op("echo", "a"), op("count", 6, 2), op("echo", "b")},
	}}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var kinds []string
	w := New(Config{Client: c, OnStep: func(r *client.StepResult) { kinds = append(kinds, r.Kind) }})
	res, err := w.Run(ctx, sub.Job.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Kind != "finished" {
		t.Fatalf("kind = %q, want finished", res.Kind)
	}
	// echo, three count passes, then the last echo finishes the job.
	if len(kinds) != 5 {
		t.Errorf("steps = %v", kinds)
	}
	if got := string(res.Results["echo#3"]); got != `"b"` {
		t.Errorf("echo#3 = %s", got)
	}
}

func TestWorkerStopsOnFailure(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	sub, err := c.Submit(ctx, client.SubmitRequest{Sets: []client.OperationSet{{
		Operations: []client.Operation{op("noop"), op("fail", "boom")},
	}}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res, err := New(Config{Client: c}).Run(ctx, sub.Job.ID)
	if err == nil {
		t.Fatal("expected failure")
	}
	if res == nil || res.Kind != "failed" || res.OpKey != "fail#2" {
		t.Errorf("result = %+v", res)
	}
}

func TestWorkerCancelBetweenSteps(t *testing.T) {
	c := testClient(t)
	sub, err := c.Submit(context.Background(), client.SubmitRequest{Sets: []client.OperationSet{{
		Operations: []client.Operation{op("noop"), op("noop"), op("noop")},
	}}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := New(Config{Client: c, Interval: time.Hour, OnStep: func(*client.StepResult) { cancel() }})
	if _, err := w.Run(ctx, sub.Job.ID); err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	view, err := c.Get(context.Background(), sub.Job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if view.Progress.Completed != 1 {
		t.Errorf("completed = %d, want 1", view.Progress.Completed)
	}
}
