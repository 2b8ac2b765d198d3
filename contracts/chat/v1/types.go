// Package v1 defines the Courier chat wire contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server). It carries the
	// room when the room was not supplied in the upgrade request headers.
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeMessageSend submits a chat message to the connection's room (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageNew delivers a relayed chat message (server -> room members).
	TypeMessageNew = "message_new"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeMessageSend,
		TypeMessageNew,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session. Room is required
// only when the room was not carried in the connection handshake headers.
type HelloPayload struct {
	Room string `json:"room,omitempty"`
}

// HelloAckPayload confirms the session and the room it is bound to.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	Room      string `json:"room"`
}

// MessageSendPayload submits an opaque message body. The body is treated as an
// immutable byte sequence by the relay; only the client application interprets it.
type MessageSendPayload struct {
	Body json.RawMessage `json:"body"`
}

// MessageNewPayload delivers a relayed message to room members.
type MessageNewPayload struct {
	Room        string          `json:"room"`
	MsgID       string          `json:"msg_id"`
	Sender      string          `json:"sender"`
	Body        json.RawMessage `json:"body"`
	PublishedTS time.Time       `json:"published_ts"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
