package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const maxRequestIDLength = 128

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// RequestID keeps a caller-supplied request id when it is printable and short
// enough to log, and mints a fresh one otherwise.
func RequestID(incoming string) string {
	incoming = strings.TrimSpace(incoming)
	if incoming == "" || len(incoming) > maxRequestIDLength {
		return New()
	}
	for _, r := range incoming {
		if r < 0x21 || r > 0x7e {
			return New()
		}
	}
	return incoming
}
