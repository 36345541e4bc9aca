package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"

	"github.com/corvohq/batchrun/internal/batch"
	"github.com/corvohq/batchrun/internal/kv"
)

// PebbleStore keeps job records in a Pebble LSM under dataDir/pebble.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebble opens (or creates) the Pebble store under dataDir.
func OpenPebble(dataDir string) (*PebbleStore, error) {
	db, err := pebble.Open(filepath.Join(dataDir, "pebble"), &pebble.Options{
		MemTableSize:          16 << 20, // 16MB
		L0CompactionThreshold: 8,
		MaxConcurrentCompactions: func() int {
			return 2
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble store: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// Save writes the record and its creation index in one synced batch.
func (s *PebbleStore) Save(_ context.Context, job *batch.Job) error {
	enc, err := encodeJob(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	b := s.db.NewBatch()
	defer func() { _ = b.Close() }()
	if err := b.Set(kv.JobKey(job.ID), enc, pebble.NoSync); err != nil {
		return err
	}
	if err := b.Set(kv.JobCreatedKey(createdNs(job), job.ID), nil, pebble.NoSync); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) Load(_ context.Context, jobID string) (*batch.Job, error) {
	v, closer, err := s.db.Get(kv.JobKey(jobID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, batch.NewNotFoundError(jobID)
		}
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	defer func() { _ = closer.Close() }()
	job, err := decodeJob(v)
	if err != nil {
		return nil, batch.NewMalformedJobError(jobID, "decode job record", err)
	}
	return job, nil
}

func (s *PebbleStore) Delete(ctx context.Context, jobID string) error {
	job, err := s.Load(ctx, jobID)
	if err != nil {
		if batch.IsNotFound(err) {
			return nil
		}
		return err
	}
	b := s.db.NewBatch()
	defer func() { _ = b.Close() }()
	if err := b.Delete(kv.JobKey(jobID), pebble.NoSync); err != nil {
		return err
	}
	if err := b.Delete(kv.JobCreatedKey(createdNs(job), jobID), pebble.NoSync); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) List(ctx context.Context, f Filter) ([]*batch.Job, error) {
	lower := kv.JobCreatedPrefix()
	upper := kv.PrefixUpperBound(lower)
	if !f.CreatedBefore.IsZero() {
		upper = kv.JobCreatedBefore(uint64(f.CreatedBefore.UnixNano()))
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer func() { _ = iter.Close() }()

	var out []*batch.Job
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, id, ok := kv.ParseJobCreatedKey(iter.Key())
		if !ok {
			continue
		}
		job, err := s.Load(ctx, id)
		if err != nil {
			if batch.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if !f.match(job) {
			continue
		}
		out = append(out, job)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, iter.Error()
}
