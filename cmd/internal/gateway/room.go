package gateway

import (
	"log/slog"
	"sync"

	v1 "courier/contracts/chat/v1"

	"courier/cmd/internal/metrics"
)

// room is the membership set for one chat room on this instance.
//
// Concurrency guarantees:
//   - join/leave are safe under concurrent broadcast.
//   - broadcast never blocks; a member with a full queue is skipped for that
//     delivery only, never aborting the fan-out to the rest of the room.
type room struct {
	log  *slog.Logger
	name string

	mu      sync.RWMutex
	members map[string]*Client
}

func newRoom(log *slog.Logger, name string) *room {
	return &room{
		log:     log,
		name:    name,
		members: make(map[string]*Client),
	}
}

func (r *room) join(c *Client) {
	if c == nil || c.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.members[c.SessionID] = c
	n := len(r.members)
	r.mu.Unlock()

	metrics.ConnectedClients.Inc()
	r.log.Info("room.member.join", "room", r.name, "session_id", c.SessionID, "members", n)
}

// leave removes the member and signals its shutdown. Returns the remaining
// member count so the hub can drop empty rooms.
func (r *room) leave(sessionID string) int {
	r.mu.Lock()
	c, ok := r.members[sessionID]
	delete(r.members, sessionID)
	n := len(r.members)
	r.mu.Unlock()

	if ok {
		metrics.ConnectedClients.Dec()
		// Removal happens before Close so no broadcaster enqueues into a
		// client whose goroutines are already torn down.
		c.Close()
		r.log.Info("room.member.leave", "room", r.name, "session_id", sessionID, "members", n)
	}
	return n
}

// broadcast enumerates the membership once and attempts exactly one send per
// member. Full queues and closing clients are skipped, not waited on.
func (r *room) broadcast(env v1.Envelope) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.members {
		select {
		case <-m.Done():
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			metrics.DeliveriesDropped.Inc()
			r.log.Warn("room.deliver.drop", "room", r.name, "session_id", m.SessionID)
		}
	}
}

func (r *room) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// closeAll signals every member to shut down (server shutdown path).
func (r *room) closeAll() {
	r.mu.Lock()
	for id, c := range r.members {
		delete(r.members, id)
		metrics.ConnectedClients.Dec()
		c.Close()
	}
	r.mu.Unlock()
}
