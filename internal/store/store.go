package store

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/corvohq/batchrun/internal/batch"
)

// Backend names accepted by Open.
const (
	BackendPebble = "pebble"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Status        string
	Driver        string
	CreatedBefore time.Time
	Limit         int
}

func (f Filter) match(job *batch.Job) bool {
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	if f.Driver != "" && job.Driver != f.Driver {
		return false
	}
	return true
}

// Backend is a batch.Store that can also enumerate and be closed.
type Backend interface {
	batch.Store
	// List returns jobs in creation order.
	List(ctx context.Context, f Filter) ([]*batch.Job, error)
	Close() error
}

// Open opens the named backend under dataDir, creating the directory if needed.
func Open(backend, dataDir string) (Backend, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	switch backend {
	case "", BackendPebble:
		return OpenPebble(dataDir)
	case BackendBadger:
		return OpenBadger(dataDir)
	case BackendSQLite:
		return OpenSQLite(dataDir)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func createdNs(job *batch.Job) uint64 {
	if job.CreatedAt.IsZero() {
		return 0
	}
	return uint64(job.CreatedAt.UnixNano())
}
