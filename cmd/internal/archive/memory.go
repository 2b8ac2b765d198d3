package archive

import (
	"context"
	"errors"
	"sync"
)

const memMaxRecords = 10_000

// MemorySink is a dev fallback used when no database is configured.
// It keeps a bounded window of recent deliveries, newest last.
type MemorySink struct {
	mu   sync.Mutex
	recs []Delivered
}

// NewMemorySink constructs an in-memory Sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{recs: make([]Delivered, 0, 256)}
}

// Record appends one delivery, evicting the oldest beyond the cap.
func (s *MemorySink) Record(ctx context.Context, d Delivered) error {
	if d.MsgID == "" || d.Room == "" {
		return errors.New("archive: invalid delivery")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.recs = append(s.recs, d)
	if len(s.recs) > memMaxRecords {
		s.recs = s.recs[len(s.recs)-memMaxRecords:]
	}
	return nil
}

// Recent returns up to n most recent deliveries, oldest first.
func (s *MemorySink) Recent(n int) []Delivered {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || n > len(s.recs) {
		n = len(s.recs)
	}
	out := make([]Delivered, n)
	copy(out, s.recs[len(s.recs)-n:])
	return out
}

// Close is a no-op for the in-memory sink.
func (s *MemorySink) Close() error { return nil }
