package gateway

import "time"

// Transport limits and defaults. Overridable knobs live in ws.go env handling.
const (
	// Hard cap on a single websocket frame read.
	maxFrameBytes = 64 << 10 // 64 KiB

	// Hard cap on one opaque message body.
	maxBodyBytes = 16 << 10 // 16 KiB
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection inbound event budget.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
