package batch

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewJobID generates a lexicographically sortable job ID with the "batch_" prefix.
func NewJobID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return "batch_" + ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}
