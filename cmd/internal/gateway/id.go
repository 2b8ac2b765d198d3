package gateway

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a ULID string. ULIDs sort by creation time, which keeps
// session ids, envelope ids, and message ids traceable in logs across
// instances.
func NewID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// mustID is NewID with a zero-value fallback for paths where an id is
// decorative (log correlation) rather than load-bearing.
func mustID(now time.Time) string {
	id, err := NewID(now)
	if err != nil {
		return "00000000000000000000000000"
	}
	return id
}
