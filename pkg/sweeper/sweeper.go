package sweeper

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sdrctf/challengectl/pkg/auth"
	"github.com/sdrctf/challengectl/pkg/engine"
	"github.com/sdrctf/challengectl/pkg/events"
	"github.com/sdrctf/challengectl/pkg/log"
	"github.com/sdrctf/challengectl/pkg/metrics"
	"github.com/sdrctf/challengectl/pkg/storage"
	"github.com/sdrctf/challengectl/pkg/types"
)

const (
	// OfflineThreshold is the heartbeat silence after which an agent is
	// marked offline and its work requeued.
	OfflineThreshold = 90 * time.Second

	agentSweepPeriod      = 30 * time.Second
	assignmentSweepPeriod = 30 * time.Second
	sessionSweepPeriod    = 60 * time.Second
	replaySweepPeriod     = 60 * time.Second
)

// Sweeper runs the periodic maintenance tasks that reconcile derived
// state with wall-clock time. Each task acquires the writer briefly and
// is idempotent; errors are logged and the loop continues.
type Sweeper struct {
	store  *storage.Store
	engine *engine.Engine
	hub    *events.Hub
	replay *auth.ReplayCache
	logger zerolog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(store *storage.Store, eng *engine.Engine, hub *events.Hub, replay *auth.ReplayCache) *Sweeper {
	return &Sweeper{
		store:  store,
		engine: eng,
		hub:    hub,
		replay: replay,
		logger: log.WithComponent("sweeper"),
		stopCh: make(chan struct{}),
	}
}

// Start launches the sweep loops.
func (s *Sweeper) Start() {
	s.loop(agentSweepPeriod, "agent_offline", s.SweepOfflineAgents)
	s.loop(assignmentSweepPeriod, "assignment_expiry", s.SweepExpiredAssignments)
	s.loop(sessionSweepPeriod, "session_expiry", s.SweepExpiredSessions)
	s.loop(replaySweepPeriod, "totp_replay", s.SweepReplayCache)
}

// Stop terminates the loops and waits for in-flight sweeps.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sweeper) loop(period time.Duration, task string, fn func(time.Time) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				timer := metrics.NewTimer()
				if err := fn(time.Now().UTC()); err != nil {
					s.logger.Error().Str("task", task).Err(err).Msg("Sweep failed")
				}
				timer.ObserveDuration(metrics.SweepDuration.WithLabelValues(task))
			case <-s.stopCh:
				return
			}
		}
	}()
}

// SweepOfflineAgents marks silent agents offline and requeues the
// challenges they own. Change detection is state-based so restarts do
// not duplicate events.
func (s *Sweeper) SweepOfflineAgents(now time.Time) error {
	var wentOffline []*types.Agent

	err := s.store.WithWrite(func(tx *storage.Tx) error {
		agents, err := tx.ListAgents()
		if err != nil {
			return err
		}
		for _, a := range agents {
			if a.Status == types.AgentStatusOffline {
				continue
			}
			if now.Sub(a.LastHeartbeat) <= OfflineThreshold {
				continue
			}
			a.Status = types.AgentStatusOffline
			a.PushConnected = false
			if err := tx.PutAgent(a); err != nil {
				return err
			}
			wentOffline = append(wentOffline, a)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, a := range wentOffline {
		s.logger.Warn().
			Str("agent_id", a.ID).
			Time("last_heartbeat", a.LastHeartbeat).
			Msg("Agent went offline")

		// Requeue in a separate transaction per agent; a failure here
		// is retried by the assignment expiry sweep anyway.
		if a.Kind == types.AgentKindTransmitter {
			if _, err := s.engine.RequeueOwnedBy(a.ID, now); err != nil {
				s.logger.Error().Str("agent_id", a.ID).Err(err).Msg("Failed to requeue work")
			}
		}
		s.hub.Broadcast(events.New(events.EventAgentStatus, map[string]any{
			"agent_id": a.ID,
			"status":   string(types.AgentStatusOffline),
		}))
	}
	return nil
}

// SweepExpiredAssignments requeues assigned challenges whose expiry has
// passed.
func (s *Sweeper) SweepExpiredAssignments(now time.Time) error {
	expired, err := s.engine.ExpireStale(now)
	if err != nil {
		return err
	}
	if len(expired) > 0 {
		s.logger.Info().Int("count", len(expired)).Msg("Expired stale assignments")
	}
	return nil
}

// SweepExpiredSessions deletes sessions past their sliding expiry.
func (s *Sweeper) SweepExpiredSessions(now time.Time) error {
	return s.store.WithWrite(func(tx *storage.Tx) error {
		tokens, err := tx.ExpiredSessions(now)
		if err != nil {
			return err
		}
		for _, token := range tokens {
			if err := tx.DeleteSession(token); err != nil {
				return err
			}
		}
		if len(tokens) > 0 {
			s.logger.Debug().Int("count", len(tokens)).Msg("Expired sessions removed")
		}
		return nil
	})
}

// SweepReplayCache drops stale TOTP replay entries.
func (s *Sweeper) SweepReplayCache(now time.Time) error {
	s.replay.Sweep(now)
	return nil
}
