package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	v1 "courier/contracts/chat/v1"

	"courier/cmd/internal/relay"
)

// Hub is the per-instance room -> connection-set registry.
//
// It is the single owner of that state: other components reach it only through
// Join/Leave/Deliver/Shutdown. Registry mutation takes the hub lock briefly;
// fan-out holds only read locks so different rooms deliver concurrently.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*room
}

// NewHub constructs an empty registry.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:   log,
		rooms: make(map[string]*room),
	}
}

// Join registers a client under its room, creating the room on first use.
func (h *Hub) Join(c *Client) {
	if c == nil || c.Room == "" {
		return
	}

	h.mu.Lock()
	r, ok := h.rooms[c.Room]
	if !ok {
		r = newRoom(h.log, c.Room)
		h.rooms[c.Room] = r
	}
	h.mu.Unlock()

	r.join(c)
}

// Leave deregisters a client and drops the room once it is empty.
func (h *Hub) Leave(roomName, sessionID string) {
	h.mu.Lock()
	r, ok := h.rooms[roomName]
	h.mu.Unlock()
	if !ok {
		return
	}

	if r.leave(sessionID) > 0 {
		return
	}

	// Re-check emptiness under the hub lock: a join may have raced the leave.
	h.mu.Lock()
	if cur, ok := h.rooms[roomName]; ok && cur == r && r.size() == 0 {
		delete(h.rooms, roomName)
	}
	h.mu.Unlock()
}

// Deliver fans a relayed message out to every connection currently registered
// under its room on this instance. It implements relay.Deliverer.
//
// The membership set is enumerated exactly once per call; connections joining
// afterwards do not receive this message. An instance holding no members for
// the room simply does nothing.
func (h *Hub) Deliver(m relay.Message) {
	h.mu.RLock()
	r := h.rooms[m.Room]
	h.mu.RUnlock()
	if r == nil {
		return
	}

	payload, err := json.Marshal(v1.MessageNewPayload{
		Room:        m.Room,
		MsgID:       m.ID,
		Sender:      m.Sender,
		Body:        m.Body,
		PublishedTS: m.PublishedAt,
	})
	if err != nil {
		h.log.Error("hub.deliver.encode.fail", "room", m.Room, "msg_id", m.ID, "err", err)
		return
	}

	r.broadcast(newEnvelope(v1.TypeMessageNew, payload, time.Now().UTC()))
}

// RoomSize reports the current local membership of a room.
func (h *Hub) RoomSize(roomName string) int {
	h.mu.RLock()
	r := h.rooms[roomName]
	h.mu.RUnlock()
	if r == nil {
		return 0
	}
	return r.size()
}

// Shutdown closes every registered connection. Used on instance shutdown after
// the relay consumer has drained.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for name, r := range h.rooms {
		rooms = append(rooms, r)
		delete(h.rooms, name)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		r.closeAll()
	}
}
