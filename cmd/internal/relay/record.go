// Package relay implements Courier's room-scoped publish/relay subsystem on top
// of a shared durable log (Kafka).
//
// Data flow: gateway -> Publisher -> log topic -> (every instance's) Consumer ->
// that instance's gateway fan-out. The room identifier is the record key, which
// pins all of a room's traffic to one partition and preserves per-room order.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message is the unit of relay: one chat message keyed by room.
//
// Body is opaque to the relay. It is carried as raw JSON and never interpreted
// or mutated after publish.
type Message struct {
	Room        string          `json:"room"`
	ID          string          `json:"id"`
	Sender      string          `json:"sender,omitempty"`
	Body        json.RawMessage `json:"body"`
	PublishedAt time.Time       `json:"published_at"`
}

// ErrBadRecord indicates a log record that cannot be decoded into a Message.
// The consumer skips such records; they never halt the poll loop.
var ErrBadRecord = errors.New("relay: bad record")

// Validate checks the structural invariants of a Message before it is appended.
func (m Message) Validate() error {
	if strings.TrimSpace(m.Room) == "" {
		return errors.New("relay: empty room")
	}
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("relay: empty message id")
	}
	if len(m.Body) == 0 {
		return errors.New("relay: empty body")
	}
	return nil
}

// EncodeMessage serializes a Message into a log record value.
func EncodeMessage(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("relay: encode: %w", err)
	}
	return b, nil
}

// DecodeMessage deserializes a log record value. Any structural failure is
// reported as ErrBadRecord so callers can classify it without string matching.
func DecodeMessage(value []byte) (Message, error) {
	if len(value) == 0 {
		return Message{}, fmt.Errorf("%w: empty value", ErrBadRecord)
	}

	var m Message
	if err := json.Unmarshal(value, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	return m, nil
}
