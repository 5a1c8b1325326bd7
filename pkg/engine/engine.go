package engine

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sdrctf/challengectl/pkg/events"
	"github.com/sdrctf/challengectl/pkg/freq"
	"github.com/sdrctf/challengectl/pkg/log"
	"github.com/sdrctf/challengectl/pkg/metrics"
	"github.com/sdrctf/challengectl/pkg/storage"
	"github.com/sdrctf/challengectl/pkg/types"
)

// AssignmentTTL is how long a dispatched challenge stays owned before the
// expiry sweep reclaims it.
const AssignmentTTL = 5 * time.Minute

// Engine owns the assignment state machine. Every mutation runs inside a
// single store write transaction; the writer gate is the only concurrency
// control needed.
type Engine struct {
	store   *storage.Store
	catalog *freq.Catalog
	hub     *events.Hub
	logger  zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates an assignment engine.
func New(store *storage.Store, catalog *freq.Catalog, hub *events.Hub) *Engine {
	return &Engine{
		store:   store,
		catalog: catalog,
		hub:     hub,
		logger:  log.WithComponent("engine"),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Dispatch is the snapshot handed to a polling agent.
type Dispatch struct {
	Challenge   *types.Challenge
	FrequencyHz int64
	ExpiresAt   time.Time
}

// candidate pairs an eligible challenge with its sampled frequency and a
// random perturbation for the final tie-break.
type candidate struct {
	ch  *types.Challenge
	hz  int64
	tie float64
}

// Poll selects the next challenge for a polling transmitter agent, marks it
// assigned, and returns the dispatch. Returns (nil, nil) when nothing is
// eligible.
func (e *Engine) Poll(agentID string, now time.Time) (*Dispatch, error) {
	var dispatch *Dispatch

	err := e.store.WithWrite(func(tx *storage.Tx) error {
		agent, err := tx.GetAgent(agentID)
		if err != nil {
			return err
		}
		if !agent.Enabled || agent.Kind != types.AgentKindTransmitter {
			return nil
		}

		st, err := tx.SystemState()
		if err != nil {
			return err
		}
		if st.Paused || !withinDailyWindow(st, now) {
			return nil
		}

		challenges, err := tx.ListChallenges()
		if err != nil {
			return err
		}

		var candidates []candidate
		for _, ch := range challenges {
			if !e.eligible(ch, now) {
				continue
			}
			hz, err := e.sample(&ch.Config)
			if err != nil {
				e.logger.Warn().Str("challenge", ch.Name).Err(err).Msg("frequency sample failed")
				continue
			}
			if !agent.AllowsFrequency(hz) {
				continue
			}
			candidates = append(candidates, candidate{ch: ch, hz: hz, tie: e.perturb()})
		}
		if len(candidates) == 0 {
			return nil
		}

		sort.Slice(candidates, func(i, j int) bool {
			a, b := candidates[i], candidates[j]
			if a.ch.Priority != b.ch.Priority {
				return a.ch.Priority > b.ch.Priority
			}
			// Never-transmitted challenges sort first.
			switch {
			case a.ch.LastTx == nil && b.ch.LastTx != nil:
				return true
			case a.ch.LastTx != nil && b.ch.LastTx == nil:
				return false
			case a.ch.LastTx != nil && b.ch.LastTx != nil && !a.ch.LastTx.Equal(*b.ch.LastTx):
				return a.ch.LastTx.Before(*b.ch.LastTx)
			}
			return a.tie < b.tie
		})

		pick := candidates[0]
		ch := pick.ch
		assignedAt := now
		expiry := now.Add(AssignmentTTL)
		ch.Status = types.ChallengeStatusAssigned
		ch.OwnerID = agent.ID
		ch.AssignedAt = &assignedAt
		ch.AssignmentExpiry = &expiry
		ch.AssignedFreqHz = pick.hz
		ch.UpdatedAt = now
		if err := tx.PutChallenge(ch); err != nil {
			return err
		}

		snapshot := *ch
		dispatch = &Dispatch{Challenge: &snapshot, FrequencyHz: pick.hz, ExpiresAt: expiry}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if dispatch != nil {
		metrics.DispatchesTotal.Inc()
		e.hub.Broadcast(events.New(events.EventChallengeAssigned, map[string]any{
			"challenge":    dispatch.Challenge.Name,
			"challenge_id": dispatch.Challenge.ID,
			"agent_id":     agentID,
			"frequency_hz": dispatch.FrequencyHz,
		}))
	}
	return dispatch, nil
}

// eligible applies the status and delay rules. Frequency and agent checks
// happen at the call site.
func (e *Engine) eligible(ch *types.Challenge, now time.Time) bool {
	if !ch.Enabled {
		return false
	}
	switch ch.Status {
	case types.ChallengeStatusQueued:
		return true
	case types.ChallengeStatusWaiting:
		return !now.Before(nextEligible(ch))
	default:
		return false
	}
}

// nextEligible returns when a waiting challenge becomes dispatchable again:
// last_tx plus the mean of the declared delay bounds. The mean (rather than
// a uniform sample) keeps re-dispatch deterministic for a given history.
func nextEligible(ch *types.Challenge) time.Time {
	if ch.LastTx == nil {
		return time.Time{}
	}
	delay := time.Duration(ch.Config.MinDelay+ch.Config.MaxDelay) * time.Second / 2
	return ch.LastTx.Add(delay)
}

func (e *Engine) sample(cfg *types.ChallengeConfig) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.catalog.Sample(cfg, e.rng)
}

// Catalog exposes the frequency range catalog for request validation.
func (e *Engine) Catalog() *freq.Catalog {
	return e.catalog
}

func (e *Engine) perturb() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Float64()
}

// withinDailyWindow applies the conference daily schedule. No configured
// window means transmission is always allowed.
func withinDailyWindow(st *types.SystemState, now time.Time) bool {
	if st.DailyStart == "" || st.DailyStop == "" {
		return true
	}
	loc := time.UTC
	if st.Timezone != "" {
		if l, err := time.LoadLocation(st.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	start, err1 := time.ParseInLocation("15:04", st.DailyStart, loc)
	stop, err2 := time.ParseInLocation("15:04", st.DailyStop, loc)
	if err1 != nil || err2 != nil {
		return true
	}
	minutes := local.Hour()*60 + local.Minute()
	startMin := start.Hour()*60 + start.Minute()
	stopMin := stop.Hour()*60 + stop.Minute()
	if startMin <= stopMin {
		return minutes >= startMin && minutes < stopMin
	}
	// Window crosses midnight.
	return minutes >= startMin || minutes < stopMin
}

// Completion is what Complete reports back to the caller so the recording
// coordinator can react.
type Completion struct {
	Transmission *types.Transmission
	// OwnerMatched is false for a late report on an expired and
	// reassigned challenge; ownership was left untouched.
	OwnerMatched bool
}

// Complete records a transmission report. If the reporting agent still owns
// the challenge the assignment is cleared, last_tx stamped, and the
// transmission counter incremented; a late report from a superseded owner
// only appends the historical record.
func (e *Engine) Complete(agentID, challengeID string, outcome types.Outcome, errText string, now time.Time) (*Completion, error) {
	var result *Completion

	err := e.store.WithWrite(func(tx *storage.Tx) error {
		ch, err := tx.GetChallenge(challengeID)
		if err != nil {
			return err
		}

		matched := ch.OwnerID == agentID

		rec := &types.Transmission{
			ChallengeID: ch.ID,
			AgentID:     agentID,
			StartedAt:   now,
			CompletedAt: now,
			Outcome:     outcome,
			Error:       errText,
		}
		if matched {
			// The dispatch-time sample is the frequency actually used; a
			// late report from a superseded owner no longer has one.
			rec.FrequencyHz = ch.AssignedFreqHz
			if ch.AssignedAt != nil {
				rec.StartedAt = *ch.AssignedAt
			}

			lastTx := now
			ch.Status = types.ChallengeStatusWaiting
			ch.LastTx = &lastTx
			ch.TxCount++
			ch.OwnerID = ""
			ch.AssignedAt = nil
			ch.AssignmentExpiry = nil
			ch.AssignedFreqHz = 0
			ch.UpdatedAt = now
			if err := tx.PutChallenge(ch); err != nil {
				return err
			}
		}

		if err := tx.AppendTransmission(rec); err != nil {
			return err
		}
		result = &Completion{Transmission: rec, OwnerMatched: matched}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TransmissionsTotal.WithLabelValues(string(outcome)).Inc()
	e.hub.Broadcast(events.New(events.EventTransmissionComplete, map[string]any{
		"challenge_id": challengeID,
		"agent_id":     agentID,
		"outcome":      string(outcome),
	}))
	return result, nil
}

// Trigger forces a waiting challenge back to queued, bypassing its delay.
// Disabled challenges refuse; an already-assigned challenge is a no-op.
func (e *Engine) Trigger(challengeID string, now time.Time) error {
	return e.store.WithWrite(func(tx *storage.Tx) error {
		ch, err := tx.GetChallenge(challengeID)
		if err != nil {
			return err
		}
		switch ch.Status {
		case types.ChallengeStatusDisabled:
			return fmt.Errorf("challenge %s disabled: %w", ch.Name, storage.ErrInvariant)
		case types.ChallengeStatusAssigned, types.ChallengeStatusQueued:
			return nil
		}
		ch.Status = types.ChallengeStatusQueued
		ch.UpdatedAt = now
		return tx.PutChallenge(ch)
	})
}

// SetEnabled toggles a challenge. Disabling an assigned challenge first
// releases its ownership.
func (e *Engine) SetEnabled(challengeID string, enabled bool, now time.Time) error {
	var requeuedFrom string
	err := e.store.WithWrite(func(tx *storage.Tx) error {
		ch, err := tx.GetChallenge(challengeID)
		if err != nil {
			return err
		}
		if ch.Enabled == enabled {
			return nil
		}
		if enabled {
			ch.Enabled = true
			ch.Status = types.ChallengeStatusQueued
		} else {
			if ch.Status == types.ChallengeStatusAssigned {
				requeuedFrom = ch.OwnerID
			}
			releaseAssignment(ch)
			ch.Enabled = false
			ch.Status = types.ChallengeStatusDisabled
		}
		ch.UpdatedAt = now
		return tx.PutChallenge(ch)
	})
	if err != nil {
		return err
	}
	if requeuedFrom != "" {
		e.logger.Info().Str("challenge_id", challengeID).Str("agent_id", requeuedFrom).
			Msg("released assignment on disable")
	}
	return nil
}

// RequeueOwnedBy releases every challenge owned by an agent (offline
// sweep, agent delete). Returns the ids of the requeued challenges.
func (e *Engine) RequeueOwnedBy(agentID string, now time.Time) ([]string, error) {
	var requeued []string
	err := e.store.WithWrite(func(tx *storage.Tx) error {
		owned, err := tx.ListChallengesOwnedBy(agentID)
		if err != nil {
			return err
		}
		for _, ch := range owned {
			releaseAssignment(ch)
			ch.Status = types.ChallengeStatusQueued
			ch.UpdatedAt = now
			if err := tx.PutChallenge(ch); err != nil {
				return err
			}
			requeued = append(requeued, ch.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range requeued {
		e.logger.Info().Str("challenge_id", id).Str("agent_id", agentID).Msg("requeued after owner loss")
		e.hub.Broadcast(events.New(events.EventChallengeRequeued, map[string]any{
			"challenge_id": id,
			"agent_id":     agentID,
			"reason":       "owner_offline",
		}))
	}
	return requeued, nil
}

// ExpireStale requeues every assigned challenge whose expiry has passed.
// Called by the expiry sweep; idempotent.
func (e *Engine) ExpireStale(now time.Time) ([]string, error) {
	var expired []string
	err := e.store.WithWrite(func(tx *storage.Tx) error {
		challenges, err := tx.ListChallenges()
		if err != nil {
			return err
		}
		for _, ch := range challenges {
			if ch.Status != types.ChallengeStatusAssigned || ch.AssignmentExpiry == nil {
				continue
			}
			if !ch.AssignmentExpiry.Before(now) {
				continue
			}
			owner := ch.OwnerID
			releaseAssignment(ch)
			ch.Status = types.ChallengeStatusQueued
			ch.UpdatedAt = now
			if err := tx.PutChallenge(ch); err != nil {
				return err
			}
			e.logger.Warn().Str("challenge_id", ch.ID).Str("agent_id", owner).Msg("assignment expired")
			expired = append(expired, ch.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range expired {
		e.hub.Broadcast(events.New(events.EventChallengeRequeued, map[string]any{
			"challenge_id": id,
			"reason":       "assignment_expired",
		}))
	}
	return expired, nil
}

// releaseAssignment clears ownership fields without touching last_tx.
func releaseAssignment(ch *types.Challenge) {
	ch.OwnerID = ""
	ch.AssignedAt = nil
	ch.AssignmentExpiry = nil
	ch.AssignedFreqHz = 0
}

// IsNotFound reports whether err is the store's not-found sentinel; the
// request surface uses it to pick status codes without importing storage
// in handlers that only talk to the engine.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
