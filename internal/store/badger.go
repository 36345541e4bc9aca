package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"

	"github.com/corvohq/batchrun/internal/batch"
	"github.com/corvohq/batchrun/internal/kv"
)

// BadgerStore keeps job records in Badger under dataDir/badger, using the
// same key layout as PebbleStore.
type BadgerStore struct {
	db *badger.DB
}

func OpenBadger(dataDir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Join(dataDir, "badger"))
	opts.Logger = nil
	opts.SyncWrites = true
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) Save(_ context.Context, job *batch.Job) error {
	enc, err := encodeJob(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(kv.JobKey(job.ID), enc); err != nil {
			return err
		}
		return txn.Set(kv.JobCreatedKey(createdNs(job), job.ID), []byte{})
	})
}

func (s *BadgerStore) Load(_ context.Context, jobID string) (*batch.Job, error) {
	var job *batch.Job
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		job, err = loadBadger(txn, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func loadBadger(txn *badger.Txn, jobID string) (*batch.Job, error) {
	item, err := txn.Get(kv.JobKey(jobID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, batch.NewNotFoundError(jobID)
		}
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	var job *batch.Job
	err = item.Value(func(v []byte) error {
		var err error
		job, err = decodeJob(v)
		return err
	})
	if err != nil {
		return nil, batch.NewMalformedJobError(jobID, "decode job record", err)
	}
	return job, nil
}

func (s *BadgerStore) Delete(_ context.Context, jobID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		job, err := loadBadger(txn, jobID)
		if err != nil {
			if batch.IsNotFound(err) {
				return nil
			}
			return err
		}
		if err := txn.Delete(kv.JobKey(jobID)); err != nil {
			return err
		}
		return txn.Delete(kv.JobCreatedKey(createdNs(job), jobID))
	})
}

func (s *BadgerStore) List(ctx context.Context, f Filter) ([]*batch.Job, error) {
	var out []*batch.Job
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := kv.JobCreatedPrefix()
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			ns, id, ok := kv.ParseJobCreatedKey(it.Item().Key())
			if !ok {
				continue
			}
			if !f.CreatedBefore.IsZero() && ns >= uint64(f.CreatedBefore.UnixNano()) {
				break
			}
			job, err := loadBadger(txn, id)
			if err != nil {
				if batch.IsNotFound(err) {
					continue
				}
				return err
			}
			if !f.match(job) {
				continue
			}
			out = append(out, job)
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
