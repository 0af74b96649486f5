// Package ids generates run identifiers.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// NewRunID returns a ULID string. IDs generated by one process sort in
// creation order.
func NewRunID() string {
	return NewRunIDAt(time.Now())
}

// NewRunIDAt returns a ULID string for the given timestamp.
func NewRunIDAt(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
