// Package gateway owns live websocket connections and local room fan-out.
//
// It is the only component holding mutable shared state on an instance: the
// room -> connection-set registry. Everything durable flows through the relay
// package; the gateway never talks to the log directly.
package gateway

import (
	"sync"

	v1 "courier/contracts/chat/v1"
)

// Client represents one connected websocket session bound to a single room.
//
// Send is never closed by the server so concurrent fan-out can never panic on
// a closed channel; done signals the connection goroutines to stop instead.
type Client struct {
	SessionID string
	Room      string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID, room string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Room:      room,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop. Idempotent; does not close Send.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
