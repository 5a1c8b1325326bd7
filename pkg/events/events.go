package events

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Type identifies the kind of event carried on the bus.
type Type string

const (
	EventAgentStatus          Type = "agent_status"
	EventAgentEnabled         Type = "agent_enabled"
	EventChallengeAssigned    Type = "challenge_assigned"
	EventChallengeRequeued    Type = "challenge_requeued"
	EventTransmissionComplete Type = "transmission_complete"
	EventRecordingAssignment  Type = "recording_assignment"
	EventAssignmentCancelled  Type = "assignment_cancelled"
	EventConnected            Type = "connected"
	EventLog                  Type = "log"
	EventSystemPaused         Type = "system_paused"
)

// Event is one message on the push channel. Timestamps are UTC.
type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// New builds an event stamped with the current UTC time.
func New(t Type, data map[string]any) *Event {
	return &Event{Type: t, Timestamp: time.Now().UTC(), Data: data}
}

const (
	// sendBuffer is the per-subscriber queue depth. A subscriber that
	// cannot drain this many events gets dropped rather than back-pressure
	// the writer path.
	sendBuffer = 64

	writeTimeout = 10 * time.Second
)

// Subscriber is one connected push-channel client.
type Subscriber struct {
	conn *websocket.Conn
	send chan *Event
	room string
	once sync.Once
}

// Hub multicasts events to operator subscribers (broadcast room) and
// delivers targeted messages to per-agent rooms. Sends never block: a full
// subscriber buffer closes that subscriber's connection.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Subscriber]bool
}

// BroadcastRoom is the room every operator subscriber joins.
const BroadcastRoom = "broadcast"

// AgentRoom names the private room for one receiver agent.
func AgentRoom(agentID string) string {
	return "agent_" + agentID
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Subscriber]bool)}
}

// Join registers a websocket connection in a room and starts its write
// pump. The subscriber receives a connected greeting first.
func (h *Hub) Join(conn *websocket.Conn, room string) *Subscriber {
	sub := &Subscriber{
		conn: conn,
		send: make(chan *Event, sendBuffer),
		room: room,
	}

	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Subscriber]bool)
	}
	h.rooms[room][sub] = true
	h.mu.Unlock()

	go sub.writePump(h)

	sub.send <- New(EventConnected, map[string]any{"room": room})
	return sub
}

// Leave removes a subscriber and closes its connection.
func (h *Hub) Leave(sub *Subscriber) {
	h.mu.Lock()
	if subs, ok := h.rooms[sub.room]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.rooms, sub.room)
		}
	}
	h.mu.Unlock()

	sub.once.Do(func() {
		close(sub.send)
		sub.conn.Close()
	})
}

// Broadcast sends an event to every operator subscriber.
func (h *Hub) Broadcast(evt *Event) {
	h.toRoom(BroadcastRoom, evt)
}

// ToAgent sends an event to one agent's private room.
func (h *Hub) ToAgent(agentID string, evt *Event) {
	h.toRoom(AgentRoom(agentID), evt)
}

func (h *Hub) toRoom(room string, evt *Event) {
	h.mu.RLock()
	var full []*Subscriber
	for sub := range h.rooms[room] {
		select {
		case sub.send <- evt:
		default:
			full = append(full, sub)
		}
	}
	h.mu.RUnlock()

	// Slow consumers are dropped rather than buffered without bound.
	for _, sub := range full {
		h.Leave(sub)
	}
}

// AgentConnected reports whether the agent's private room has a live
// subscriber.
func (h *Hub) AgentConnected(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[AgentRoom(agentID)]) > 0
}

// SubscriberCount returns the number of subscribers in a room.
func (h *Hub) SubscriberCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (s *Subscriber) writePump(h *Hub) {
	for evt := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.conn.WriteJSON(evt); err != nil {
			h.Leave(s)
			return
		}
	}
}
