package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/corvohq/batchrun/internal/batch"
)

var backends = []string{BackendPebble, BackendBadger, BackendSQLite}

func openTestStore(t *testing.T, backend string) Backend {
	t.Helper()
	s, err := Open(backend, t.TempDir())
	if err != nil {
		t.Fatalf("open %s: %v", backend, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testJob(id string, created time.Time) *batch.Job {
	finished := created.Add(3 * time.Second)
	return &batch.Job{
		ID:    id,
		Title: "Import",
		Sets: []batch.OperationSet{
			{
				Title:    "First",
				Finished: "log",
				Operations: []batch.Operation{
					{Key: "echo#1", Callable: "echo", Args: []json.RawMessage{json.RawMessage(`"a"`), json.RawMessage(`{"n":1}`)}},
					{Key: "noop#2", Callable: "noop"},
				},
			},
			{
				Title:      "Spawned",
				Dynamic:    true,
				Operations: []batch.Operation{{Key: "count#3", Callable: "count", Args: []json.RawMessage{json.RawMessage(`5`)}}},
			},
		},
		Position:   batch.Position{Set: 1, Op: 0},
		Status:     batch.StatusRunning,
		Results:    map[string]json.RawMessage{"echo#1": json.RawMessage(`"a"`), "noop#2": json.RawMessage(`null`)},
		State:      map[string]json.RawMessage{"total": json.RawMessage(`3`)},
		Sandbox:    json.RawMessage(`{"i":2}`),
		OpFinished: 0.4,
		Message:    "counting",
		Redirect:   "/done",
		Driver:     "scheduler",
		Failure:    &batch.Failure{Code: batch.ErrorCodeOperationFailure, OpKey: "count#3", Message: "boom"},
		Seq:        3,
		CreatedAt:  created,
		UpdatedAt:  created.Add(time.Second),
		FinishedAt: &finished,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			s := openTestStore(t, backend)
			ctx := context.Background()
			want := testJob("batch_rt", time.Unix(1700000000, 123456789).UTC())
			if err := s.Save(ctx, want); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, err := s.Load(ctx, want.ID)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
			}
		})
	}
}

func TestSaveOverwrites(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			s := openTestStore(t, backend)
			ctx := context.Background()
			job := testJob("batch_ow", time.Unix(1700000000, 0).UTC())
			if err := s.Save(ctx, job); err != nil {
				t.Fatalf("save: %v", err)
			}
			job.Position = batch.Position{Set: 2}
			job.Status = batch.StatusFinished
			if err := s.Save(ctx, job); err != nil {
				t.Fatalf("save again: %v", err)
			}
			got, err := s.Load(ctx, job.ID)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if got.Status != batch.StatusFinished || got.Position.Set != 2 {
				t.Errorf("got status=%s position=%+v", got.Status, got.Position)
			}
			jobs, err := s.List(ctx, Filter{})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(jobs) != 1 {
				t.Errorf("list after overwrite: got %d jobs, want 1", len(jobs))
			}
		})
	}
}

func TestLoadMissingIsNotFound(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			s := openTestStore(t, backend)
			_, err := s.Load(context.Background(), "batch_missing")
			if !batch.IsNotFound(err) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestDelete(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			s := openTestStore(t, backend)
			ctx := context.Background()
			job := testJob("batch_del", time.Unix(1700000000, 0).UTC())
			if err := s.Save(ctx, job); err != nil {
				t.Fatalf("save: %v", err)
			}
			if err := s.Delete(ctx, job.ID); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := s.Load(ctx, job.ID); !batch.IsNotFound(err) {
				t.Fatalf("load after delete: %v", err)
			}
			jobs, err := s.List(ctx, Filter{})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(jobs) != 0 {
				t.Errorf("list after delete: got %d jobs", len(jobs))
			}
			if err := s.Delete(ctx, job.ID); err != nil {
				t.Errorf("second delete: %v", err)
			}
		})
	}
}

func TestListOrderAndFilter(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			s := openTestStore(t, backend)
			ctx := context.Background()
			base := time.Unix(1700000000, 0).UTC()
			statuses := []string{batch.StatusFinished, batch.StatusPending, batch.StatusFinished, batch.StatusError}
			// Save out of creation order.
			for _, i := range []int{2, 0, 3, 1} {
				job := testJob(fmt.Sprintf("batch_%d", i), base.Add(time.Duration(i)*time.Minute))
				job.Status = statuses[i]
				if i == 1 {
					job.Driver = "http"
				}
				if err := s.Save(ctx, job); err != nil {
					t.Fatalf("save: %v", err)
				}
			}

			all, err := s.List(ctx, Filter{})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			var ids []string
			for _, j := range all {
				ids = append(ids, j.ID)
			}
			if want := []string{"batch_0", "batch_1", "batch_2", "batch_3"}; !reflect.DeepEqual(ids, want) {
				t.Fatalf("order: got %v, want %v", ids, want)
			}

			finished, err := s.List(ctx, Filter{Status: batch.StatusFinished})
			if err != nil {
				t.Fatalf("list finished: %v", err)
			}
			if len(finished) != 2 || finished[0].ID != "batch_0" || finished[1].ID != "batch_2" {
				t.Errorf("status filter: got %d jobs", len(finished))
			}

			byDriver, err := s.List(ctx, Filter{Driver: "http"})
			if err != nil {
				t.Fatalf("list by driver: %v", err)
			}
			if len(byDriver) != 1 || byDriver[0].ID != "batch_1" {
				t.Errorf("driver filter: got %d jobs", len(byDriver))
			}

			older, err := s.List(ctx, Filter{CreatedBefore: base.Add(2 * time.Minute)})
			if err != nil {
				t.Fatalf("list older: %v", err)
			}
			if len(older) != 2 {
				t.Errorf("created-before filter: got %d jobs, want 2", len(older))
			}

			limited, err := s.List(ctx, Filter{Limit: 3})
			if err != nil {
				t.Fatalf("list limited: %v", err)
			}
			if len(limited) != 3 {
				t.Errorf("limit: got %d jobs, want 3", len(limited))
			}
		})
	}
}

func TestConcurrentIndependentJobs(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			s := openTestStore(t, backend)
			ctx := context.Background()
			base := time.Unix(1700000000, 0).UTC()

			var wg sync.WaitGroup
			errs := make(chan error, 16)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					job := testJob(fmt.Sprintf("batch_c%d", i), base.Add(time.Duration(i)*time.Second))
					for step := 0; step < 5; step++ {
						job.Seq = step
						if err := s.Save(ctx, job); err != nil {
							errs <- err
							return
						}
					}
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Fatalf("concurrent save: %v", err)
			}
			for i := 0; i < 8; i++ {
				job, err := s.Load(ctx, fmt.Sprintf("batch_c%d", i))
				if err != nil {
					t.Fatalf("load: %v", err)
				}
				if job.Seq != 4 {
					t.Errorf("job %d: seq = %d, want 4", i, job.Seq)
				}
			}
		})
	}
}

func TestStepThroughStore(t *testing.T) {
	s := openTestStore(t, BackendPebble)
	ctx := context.Background()
	reg := batch.NewRegistry()
	reg.MustRegister("noop", func(context.Context, *batch.Context, batch.Args) (any, error) {
		return true, nil
	})
	q := batch.NewQueue(s, reg)
	r := batch.NewRunner(s, reg)

	job, err := q.Submit(ctx, batch.SubmitRequest{Sets: []batch.OperationSet{
		{Operations: []batch.Operation{{Callable: "noop"}, {Callable: "noop"}}},
	}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var last batch.StepResult
	for i := 0; i < 5; i++ {
		last, err = r.Step(ctx, job.ID)
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		if last.Kind != batch.StepContinue {
			break
		}
	}
	if last.Kind != batch.StepFinished {
		t.Fatalf("kind = %s, want finished", last.Kind)
	}
	if len(last.Results) != 2 {
		t.Errorf("results: got %d, want 2", len(last.Results))
	}
	stored, err := s.Load(ctx, job.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.Status != batch.StatusFinished || stored.FinishedAt == nil {
		t.Errorf("stored status=%s finished_at=%v", stored.Status, stored.FinishedAt)
	}
}

func TestUnknownBackend(t *testing.T) {
	if _, err := Open("etcd", t.TempDir()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestSQLiteBusyTimeoutOnEveryConnection(t *testing.T) {
	s := openTestStore(t, BackendSQLite).(*SQLiteStore)
	ctx := context.Background()

	// Hold several read connections at once so the pool has to open new ones.
	var conns []*sql.Conn
	for i := 0; i < 4; i++ {
		c, err := s.read.Conn(ctx)
		if err != nil {
			t.Fatalf("conn %d: %v", i, err)
		}
		conns = append(conns, c)
	}
	w, err := s.write.Conn(ctx)
	if err != nil {
		t.Fatalf("write conn: %v", err)
	}
	conns = append(conns, w)
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	for i, c := range conns {
		var timeout int
		if err := c.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout); err != nil {
			t.Fatalf("conn %d: busy_timeout: %v", i, err)
		}
		if timeout != 5000 {
			t.Errorf("conn %d: busy_timeout = %d, want 5000", i, timeout)
		}
		var mode string
		if err := c.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
			t.Fatalf("conn %d: journal_mode: %v", i, err)
		}
		if mode != "wal" {
			t.Errorf("conn %d: journal_mode = %q, want wal", i, mode)
		}
	}
}

func TestSQLiteConcurrentSavesAndReads(t *testing.T) {
	s := openTestStore(t, BackendSQLite)
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("batch_rw%02d", i)
			job := testJob(id, base.Add(time.Duration(i)*time.Second))
			for step := 0; step < 10; step++ {
				job.Seq = step
				if err := s.Save(ctx, job); err != nil {
					errs <- err
					return
				}
				if _, err := s.Load(ctx, id); err != nil {
					errs <- err
					return
				}
				if _, err := s.List(ctx, Filter{Limit: 5}); err != nil {
					errs <- err
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent access: %v", err)
	}
}
