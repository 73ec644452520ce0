package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a lexicographically sortable identifier for accounts and refresh records.
func New() string {
	return NewAt(time.Now())
}

// NewAt is New with an explicit timestamp component, used with injected clocks.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// RequestID returns an opaque per-request correlation id.
func RequestID() string {
	return uuid.NewString()
}
