package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sdrctf/challengectl/pkg/events"
	"github.com/sdrctf/challengectl/pkg/storage"
	"github.com/sdrctf/challengectl/pkg/types"
)

// handleEnroll redeems a one-shot enrollment token. This is the only
// agent endpoint that authenticates with a token instead of a
// credential.
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EnrollmentToken string          `json:"enrollment_token"`
		Credential      string          `json:"credential"`
		Hostname        string          `json:"hostname"`
		MAC             string          `json:"mac,omitempty"`
		MachineID       string          `json:"machine_id,omitempty"`
		Devices         []*types.Device `json:"devices,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.EnrollmentToken == "" || req.Credential == "" {
		writeError(w, badRequest("enrollment_token and credential required"))
		return
	}

	identity := types.HostIdentity{
		IP:        getClientIP(r),
		Hostname:  req.Hostname,
		MAC:       req.MAC,
		MachineID: req.MachineID,
	}
	agent, err := s.enroll.Consume(req.EnrollmentToken, req.Credential, identity, req.Devices, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": agent.ID,
		"kind":     agent.Kind,
	})
}

// handleProvision is the stateless-automated enrollment flow. The
// provisioning credential cannot touch existing agents.
func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string          `json:"name"`
		Kind types.AgentKind `json:"kind,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, badRequest("name required"))
		return
	}
	if req.Kind == "" {
		req.Kind = types.AgentKindTransmitter
	}

	key := provisioningKeyFrom(r.Context())
	issued, err := s.enroll.Provision(req.Name, req.Kind, key.ID, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":         issued.AgentID,
		"enrollment_token": issued.Token,
		"credential":       issued.Credential,
		"expires_at":       issued.ExpiresAt,
		"config": map[string]any{
			"controller_url": s.cfg.PublicURL,
			"poll_interval":  "10s",
		},
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Hostname string          `json:"hostname,omitempty"`
		Devices  []*types.Device `json:"devices,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	agent := agentFrom(r.Context())
	now := time.Now().UTC()

	err := s.store.WithWrite(func(tx *storage.Tx) error {
		a, err := tx.GetAgent(agent.ID)
		if err != nil {
			return err
		}
		if req.Hostname != "" {
			a.Hostname = req.Hostname
		}
		if req.Devices != nil {
			a.Devices = req.Devices
		}
		a.IP = getClientIP(r)
		a.Status = types.AgentStatusOnline
		a.LastHeartbeat = now
		return tx.PutAgent(a)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	s.hub.Broadcast(events.New(events.EventAgentStatus, map[string]any{
		"agent_id": agent.ID,
		"status":   string(types.AgentStatusOnline),
	}))
	writeAck(w)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())
	now := time.Now().UTC()
	wasOffline := false

	err := s.store.WithWrite(func(tx *storage.Tx) error {
		a, err := tx.GetAgent(agent.ID)
		if err != nil {
			return err
		}
		wasOffline = a.Status == types.AgentStatusOffline
		a.Status = types.AgentStatusOnline
		a.LastHeartbeat = now
		a.IP = getClientIP(r)
		if h := r.Header.Get("X-Agent-Hostname"); h != "" {
			a.Hostname = h
		}
		return tx.PutAgent(a)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if wasOffline {
		s.hub.Broadcast(events.New(events.EventAgentStatus, map[string]any{
			"agent_id": agent.ID,
			"status":   string(types.AgentStatusOnline),
		}))
	}
	writeAck(w)
}

// handlePoll returns either none or a dispatch snapshot. Poll carries
// no long-poll semantics; the agent retries on its own schedule.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())

	dispatch, err := s.engine.Poll(agent.ID, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	if dispatch == nil {
		writeJSON(w, http.StatusOK, map[string]any{"challenge": nil})
		return
	}

	// The recording decision rides on the dispatch, in its own
	// transaction after the assignment committed.
	if _, err := s.coordinator.EvaluateDispatch(dispatch, time.Now().UTC()); err != nil {
		s.logger.Error().Err(err).Str("challenge", dispatch.Challenge.Name).Msg("Recording evaluation failed")
	}

	ch := dispatch.Challenge
	writeJSON(w, http.StatusOK, map[string]any{
		"challenge": map[string]any{
			"id":           ch.ID,
			"name":         ch.Name,
			"frequency_hz": dispatch.FrequencyHz,
			"modulation":   ch.Config.Modulation,
			"payload":      ch.Config.Payload,
			"payload_hash": ch.Config.PayloadHash,
			"cw":           ch.Config.CW,
			"audio":        ch.Config.Audio,
			"digital":      ch.Config.Digital,
			"fhss":         ch.Config.FHSS,
			"expires_at":   dispatch.ExpiresAt,
		},
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChallengeID string        `json:"challenge_id"`
		Outcome     types.Outcome `json:"outcome"`
		Error       string        `json:"error,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ChallengeID == "" {
		writeError(w, badRequest("challenge_id required"))
		return
	}
	switch req.Outcome {
	case types.OutcomeSuccess, types.OutcomeFailure:
	default:
		writeError(w, badRequest("outcome must be success or failure"))
		return
	}

	agent := agentFrom(r.Context())
	now := time.Now().UTC()

	completion, err := s.engine.Complete(agent.ID, req.ChallengeID, req.Outcome, req.Error, now)
	if err != nil {
		writeError(w, err)
		return
	}

	// A failed transmission cancels any capture still waiting on it.
	if req.Outcome == types.OutcomeFailure && completion.OwnerMatched {
		if err := s.coordinator.CancelForChallenge(req.ChallengeID, now); err != nil {
			s.logger.Error().Err(err).Str("challenge_id", req.ChallengeID).Msg("Assignment cancel failed")
		}
	}
	writeAck(w)
}

func (s *Server) handleSignout(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())
	now := time.Now().UTC()

	err := s.store.WithWrite(func(tx *storage.Tx) error {
		a, err := tx.GetAgent(agent.ID)
		if err != nil {
			return err
		}
		a.Status = types.AgentStatusOffline
		a.PushConnected = false
		return tx.PutAgent(a)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if agent.Kind == types.AgentKindTransmitter {
		if _, err := s.engine.RequeueOwnedBy(agent.ID, now); err != nil {
			s.logger.Error().Err(err).Str("agent_id", agent.ID).Msg("Requeue on signout failed")
		}
	}
	s.hub.Broadcast(events.New(events.EventAgentStatus, map[string]any{
		"agent_id": agent.ID,
		"status":   string(types.AgentStatusOffline),
	}))
	writeAck(w)
}

// handleAgentLog forwards a worker log line to operators and the tail
// ring.
func (s *Server) handleAgentLog(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	agent := agentFrom(r.Context())
	now := time.Now().UTC()

	s.logs.Append(LogEntry{
		Time:    now,
		Level:   req.Level,
		Source:  agent.ID,
		Message: req.Message,
	})
	s.hub.Broadcast(events.New(events.EventLog, map[string]any{
		"agent_id": agent.ID,
		"level":    req.Level,
		"message":  req.Message,
	}))
	writeAck(w)
}

func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")

	f, meta, err := s.artifacts.Open(hash)
	if err != nil {
		writeError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", meta.MediaType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.Header().Set("X-Content-SHA256", meta.Hash)
	http.ServeContent(w, r, meta.Filename, meta.CreatedAt, f)
}

// parseAssignmentID pulls the numeric assignment id from the route.
func parseAssignmentID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, badRequest("invalid assignment id")
	}
	return id, nil
}
