// Package archive receives delivered chat messages for best-effort persistence.
//
// The relay treats the sink as a fire-and-forget collaborator: a failing sink
// never affects delivery to live clients, and the sink never serves reads back
// into the relay (history is outside this service).
package archive

import (
	"context"
	"encoding/json"
	"time"
)

// Delivered is one message that reached local fan-out on this instance.
type Delivered struct {
	MsgID       string
	Room        string
	Sender      string
	Body        json.RawMessage
	PublishedAt time.Time
	DeliveredAt time.Time
}

// Sink records delivered messages.
type Sink interface {
	Record(ctx context.Context, d Delivered) error
	Close() error
}
