package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sdrctf/challengectl/pkg/events"
	"github.com/sdrctf/challengectl/pkg/metrics"
	"github.com/sdrctf/challengectl/pkg/storage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Session cookie plus CSRF-exempt GET; origin is not meaningful for
	// agent clients and operator browsers are cookie-gated already.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleOperatorEvents subscribes an authenticated operator to the
// broadcast room. Events are best-effort; clients reconcile via REST on
// reconnect.
func (s *Server) handleOperatorEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sub := s.hub.Join(conn, events.BroadcastRoom)
	metrics.EventSubscribers.WithLabelValues("operator").Set(float64(s.hub.SubscriberCount(events.BroadcastRoom)))
	s.readUntilClose(conn, sub)
	metrics.EventSubscribers.WithLabelValues("operator").Set(float64(s.hub.SubscriberCount(events.BroadcastRoom)))
}

// handleAgentEvents subscribes a receiver agent to its private room and
// flips the push-connected flag the recording coordinator gates on.
func (s *Server) handleAgentEvents(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.setPushConnected(agent.ID, true)
	metrics.EventSubscribers.WithLabelValues("agent").Inc()
	sub := s.hub.Join(conn, events.AgentRoom(agent.ID))
	s.readUntilClose(conn, sub)
	metrics.EventSubscribers.WithLabelValues("agent").Dec()
	s.setPushConnected(agent.ID, false)
}

// readUntilClose drains client frames so pings are answered, then
// detaches the subscriber when the peer goes away.
func (s *Server) readUntilClose(conn *websocket.Conn, sub *events.Subscriber) {
	defer s.hub.Leave(sub)
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	}
}

func (s *Server) setPushConnected(agentID string, connected bool) {
	err := s.store.WithWrite(func(tx *storage.Tx) error {
		a, err := tx.GetAgent(agentID)
		if err != nil {
			return err
		}
		a.PushConnected = connected
		return tx.PutAgent(a)
	})
	if err != nil {
		s.logger.Error().Err(err).Str("agent_id", agentID).Bool("connected", connected).
			Msg("Failed to update push-connected flag")
	}
}
