// Package ids generates sortable, collision-resistant identifiers.
//
// Identifiers are ULIDs: 26 Crockford base32 characters whose first ten
// encode the creation time, so ids sort by creation order in logs, in the
// approvals table, and in chat listings.
package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a new ULID string.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Short returns a lower-case ULID suffix that is easy to type in chat
// ("approve 01j9x2k4m7"). The random component keeps collisions unlikely; the
// approvals store retries on the rare duplicate.
func Short() string {
	id := strings.ToLower(New())
	return id[len(id)-10:]
}

// Valid reports whether s parses as a ULID.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
