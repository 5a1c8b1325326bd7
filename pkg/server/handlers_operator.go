package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sdrctf/challengectl/pkg/auth"
	"github.com/sdrctf/challengectl/pkg/enroll"
	"github.com/sdrctf/challengectl/pkg/events"
	"github.com/sdrctf/challengectl/pkg/storage"
	"github.com/sdrctf/challengectl/pkg/types"
)

func formInt(r *http.Request, key string) int {
	v, _ := strconv.Atoi(r.FormValue(key))
	return v
}

func formFloat(r *http.Request, key string) float64 {
	v, _ := strconv.ParseFloat(r.FormValue(key), 64)
	return v
}

func (s *Server) permissionsOf(username string) ([]string, error) {
	var perms []string
	err := s.store.WithRead(func(tx *storage.Tx) error {
		p, err := tx.Permissions(username)
		if err != nil {
			return err
		}
		perms = p
		return nil
	})
	return perms, err
}

// --- Challenges ---

type challengeRequest struct {
	Name     string                `json:"name"`
	Priority int                   `json:"priority,omitempty"`
	Enabled  *bool                 `json:"enabled,omitempty"`
	Config   types.ChallengeConfig `json:"config"`
}

// resolvePayloadFile rewrites a filename payload reference into the
// matching artifact hash before the challenge is stored. Dispatches only
// carry hashes, so an unresolvable filename is rejected here.
func (s *Server) resolvePayloadFile(cfg *types.ChallengeConfig) error {
	if cfg.PayloadFile == "" || cfg.PayloadHash != "" {
		return nil
	}
	a, err := s.artifacts.LookupByFilename(cfg.PayloadFile)
	if err != nil {
		return badRequest("payload_file %q: no matching artifact", cfg.PayloadFile)
	}
	cfg.PayloadHash = a.Hash
	return nil
}

func (s *Server) handleListChallenges(w http.ResponseWriter, r *http.Request) {
	var list []*types.Challenge
	err := s.store.WithRead(func(tx *storage.Tx) error {
		cs, err := tx.ListChallenges()
		if err != nil {
			return err
		}
		list = cs
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"challenges": list})
}

func (s *Server) handleCreateChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, badRequest("name required"))
		return
	}
	if err := s.engine.Catalog().ValidateSpec(&req.Config); err != nil {
		writeError(w, badRequest("invalid challenge config: %v", err))
		return
	}
	if req.Config.MinDelay < 0 || req.Config.MaxDelay < req.Config.MinDelay {
		writeError(w, badRequest("delay window invalid"))
		return
	}
	if err := s.resolvePayloadFile(&req.Config); err != nil {
		writeError(w, err)
		return
	}

	enabled := req.Enabled == nil || *req.Enabled
	now := time.Now().UTC()
	status := types.ChallengeStatusQueued
	if !enabled {
		status = types.ChallengeStatusDisabled
	}
	ch := &types.Challenge{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Config:    req.Config,
		Status:    status,
		Priority:  req.Priority,
		Enabled:   enabled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.store.WithWrite(func(tx *storage.Tx) error {
		return tx.CreateChallenge(ch)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (s *Server) handleUpdateChallenge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req challengeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.engine.Catalog().ValidateSpec(&req.Config); err != nil {
		writeError(w, badRequest("invalid challenge config: %v", err))
		return
	}
	if err := s.resolvePayloadFile(&req.Config); err != nil {
		writeError(w, err)
		return
	}

	var updated *types.Challenge
	err := s.store.WithWrite(func(tx *storage.Tx) error {
		ch, err := tx.GetChallenge(id)
		if err != nil {
			return err
		}
		if req.Name != "" && req.Name != ch.Name {
			// Renames must preserve name uniqueness.
			if _, err := tx.GetChallengeByName(req.Name); err == nil {
				return storage.ErrConflict
			} else if !storage.IsNotFound(err) {
				return err
			}
			ch.Name = req.Name
		}
		ch.Config = req.Config
		ch.Priority = req.Priority
		ch.UpdatedAt = time.Now().UTC()
		if err := tx.PutChallenge(ch); err != nil {
			return err
		}
		updated = ch
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteChallenge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.store.WithWrite(func(tx *storage.Tx) error {
		return tx.DeleteChallenge(id)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeAck(w)
}

func (s *Server) handleTriggerChallenge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Trigger(id, time.Now().UTC()); err != nil {
		writeError(w, err)
		return
	}
	writeAck(w)
}

func (s *Server) handleEnableChallenge(w http.ResponseWriter, r *http.Request) {
	s.setChallengeEnabled(w, r, true)
}

func (s *Server) handleDisableChallenge(w http.ResponseWriter, r *http.Request) {
	s.setChallengeEnabled(w, r, false)
}

func (s *Server) setChallengeEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "id")
	if err := s.engine.SetEnabled(id, enabled, time.Now().UTC()); err != nil {
		writeError(w, err)
		return
	}
	writeAck(w)
}

// --- Agents ---

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	var list []*types.Agent
	err := s.store.WithRead(func(tx *storage.Tx) error {
		as, err := tx.ListAgents()
		if err != nil {
			return err
		}
		list = as
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": list})
}

func (s *Server) handleEnableAgent(w http.ResponseWriter, r *http.Request) {
	s.setAgentEnabled(w, r, true)
}

func (s *Server) handleDisableAgent(w http.ResponseWriter, r *http.Request) {
	s.setAgentEnabled(w, r, false)
}

func (s *Server) setAgentEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "id")
	now := time.Now().UTC()

	var kind types.AgentKind
	err := s.store.WithWrite(func(tx *storage.Tx) error {
		a, err := tx.GetAgent(id)
		if err != nil {
			return err
		}
		a.Enabled = enabled
		kind = a.Kind
		return tx.PutAgent(a)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	// A disabled transmitter gives its work back immediately.
	if !enabled && kind == types.AgentKindTransmitter {
		if _, err := s.engine.RequeueOwnedBy(id, now); err != nil {
			s.logger.Error().Err(err).Str("agent_id", id).Msg("Requeue on disable failed")
		}
	}
	s.hub.Broadcast(events.New(events.EventAgentEnabled, map[string]any{
		"agent_id": id,
		"enabled":  enabled,
	}))
	writeAck(w)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	now := time.Now().UTC()

	if _, err := s.engine.RequeueOwnedBy(id, now); err != nil && !storage.IsNotFound(err) {
		writeError(w, err)
		return
	}
	err := s.store.WithWrite(func(tx *storage.Tx) error {
		return tx.DeleteAgent(id)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeAck(w)
}

// --- Enrollment tokens ---

func (s *Server) handleCreateEnrollToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string          `json:"agent_id"`
		Kind    types.AgentKind `json:"kind,omitempty"`
		TTL     string          `json:"ttl,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.AgentID == "" {
		writeError(w, badRequest("agent_id required"))
		return
	}
	if req.Kind == "" {
		req.Kind = types.AgentKindTransmitter
	}

	ttl := enroll.DefaultTokenTTL
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			writeError(w, badRequest("invalid ttl"))
			return
		}
		ttl = d
	}

	sess := sessionFrom(r.Context())
	issued, err := s.enroll.CreateToken(req.AgentID, req.Kind, sess.Username, ttl, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	// Token and credential appear in this response exactly once.
	writeJSON(w, http.StatusCreated, issued)
}

func (s *Server) handleListEnrollTokens(w http.ResponseWriter, r *http.Request) {
	var list []*types.EnrollmentToken
	err := s.store.WithRead(func(tx *storage.Tx) error {
		ts, err := tx.ListEnrollmentTokens()
		if err != nil {
			return err
		}
		list = ts
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": list})
}

func (s *Server) handleDeleteEnrollToken(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	err := s.store.WithWrite(func(tx *storage.Tx) error {
		return tx.DeleteEnrollmentToken(token)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeAck(w)
}

// --- Provisioning keys ---

func (s *Server) handleCreateProvisioningKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string `json:"description,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	sess := sessionFrom(r.Context())
	key, token, err := s.enroll.CreateProvisioningKey(req.Description, sess.Username, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":          key.ID,
		"key":         token,
		"description": key.Description,
	})
}

func (s *Server) handleListProvisioningKeys(w http.ResponseWriter, r *http.Request) {
	var list []*types.ProvisioningKey
	err := s.store.WithRead(func(tx *storage.Tx) error {
		ks, err := tx.ListProvisioningKeys()
		if err != nil {
			return err
		}
		list = ks
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": list})
}

func (s *Server) handleToggleProvisioningKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.store.WithWrite(func(tx *storage.Tx) error {
		k, err := tx.GetProvisioningKey(id)
		if err != nil {
			return err
		}
		k.Enabled = !k.Enabled
		return tx.PutProvisioningKey(k)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeAck(w)
}

func (s *Server) handleDeleteProvisioningKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.store.WithWrite(func(tx *storage.Tx) error {
		return tx.DeleteProvisioningKey(id)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeAck(w)
}

// --- Artifacts ---

func (s *Server) handleArtifactUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(256 << 20); err != nil {
		writeError(w, badRequest("invalid multipart body: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, badRequest("file field required"))
		return
	}
	defer file.Close()

	mediaType := header.Header.Get("Content-Type")
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	artifact, err := s.artifacts.Put(file, header.Filename, mediaType, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, artifact)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	list, err := s.artifacts.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": list})
}

func (s *Server) handleDeleteArtifact(w http.ResponseWriter, r *http.Request) {
	if err := s.artifacts.Delete(chi.URLParam(r, "hash")); err != nil {
		writeError(w, err)
		return
	}
	writeAck(w)
}

// --- System ---

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, true)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, false)
}

func (s *Server) setPaused(w http.ResponseWriter, paused bool) {
	err := s.store.WithWrite(func(tx *storage.Tx) error {
		st, err := tx.SystemState()
		if err != nil {
			return err
		}
		st.Paused = paused
		return tx.PutSystemState(st)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.hub.Broadcast(events.New(events.EventSystemPaused, map[string]any{"paused": paused}))
	writeAck(w)
}

// --- Read surfaces ---

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	out := map[string]any{}

	err := s.store.WithRead(func(tx *storage.Tx) error {
		agents, err := tx.ListAgents()
		if err != nil {
			return err
		}
		challenges, err := tx.ListChallenges()
		if err != nil {
			return err
		}
		st, err := tx.SystemState()
		if err != nil {
			return err
		}

		online := 0
		for _, a := range agents {
			if a.Status == types.AgentStatusOnline {
				online++
			}
		}
		byStatus := map[types.ChallengeStatus]int{}
		var totalTx int64
		for _, ch := range challenges {
			byStatus[ch.Status]++
			totalTx += ch.TxCount
		}

		out["generated_at"] = now
		out["paused"] = st.Paused
		out["agents"] = map[string]any{"total": len(agents), "online": online}
		out["challenges"] = map[string]any{
			"total":    len(challenges),
			"queued":   byStatus[types.ChallengeStatusQueued],
			"waiting":  byStatus[types.ChallengeStatusWaiting],
			"assigned": byStatus[types.ChallengeStatusAssigned],
			"disabled": byStatus[types.ChallengeStatusDisabled],
			"tx_total": totalTx,
		}
		out["event_subscribers"] = s.hub.SubscriberCount(events.BroadcastRoom)
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTransmissions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	challengeID := r.URL.Query().Get("challenge_id")
	agentID := r.URL.Query().Get("agent_id")

	var list []*types.Transmission
	err := s.store.WithRead(func(tx *storage.Tx) error {
		ts, err := tx.ListTransmissions(challengeID, agentID, limit)
		if err != nil {
			return err
		}
		list = ts
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transmissions": list})
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var list []*types.Recording
	err := s.store.WithRead(func(tx *storage.Tx) error {
		rs, err := tx.ListRecordings(limit)
		if err != nil {
			return err
		}
		list = rs
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recordings": list})
}

func (s *Server) handleLogTail(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	if n <= 0 || n > 1000 {
		n = 200
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.logs.Tail(n)})
}

// --- Users & permissions ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	type userView struct {
		*types.User
		Permissions []string `json:"permissions"`
	}
	var list []userView
	err := s.store.WithRead(func(tx *storage.Tx) error {
		users, err := tx.ListUsers()
		if err != nil {
			return err
		}
		for _, u := range users {
			perms, err := tx.Permissions(u.Username)
			if err != nil {
				return err
			}
			list = append(list, userView{User: u, Permissions: perms})
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": list})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username    string   `json:"username"`
		Password    string   `json:"password"`
		Permissions []string `json:"permissions,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Username == "" || len(req.Password) < 12 {
		writeError(w, badRequest("username and a password of at least 12 characters required"))
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	now := time.Now().UTC()
	err = s.store.WithWrite(func(tx *storage.Tx) error {
		if err := tx.CreateUser(&types.User{
			Username:           req.Username,
			PasswordHash:       hash,
			Enabled:            true,
			MustChangePassword: true,
			CreatedAt:          now,
		}); err != nil {
			return err
		}
		for _, p := range req.Permissions {
			if err := tx.GrantPermission(req.Username, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"username": req.Username})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	sess := sessionFrom(r.Context())
	if username == sess.Username {
		writeError(w, badRequest("cannot delete your own account"))
		return
	}
	err := s.store.WithWrite(func(tx *storage.Tx) error {
		if err := tx.DeleteUser(username); err != nil {
			return err
		}
		return tx.DeleteSessionsForUser(username, "")
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeAck(w)
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Password) < 12 {
		writeError(w, badRequest("password must be at least 12 characters"))
		return
	}

	// Admin reset forces a change on next login and drops every session.
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	err = s.store.WithWrite(func(tx *storage.Tx) error {
		u, err := tx.GetUser(username)
		if err != nil {
			return err
		}
		u.PasswordHash = hash
		u.MustChangePassword = true
		if err := tx.PutUser(u); err != nil {
			return err
		}
		return tx.DeleteSessionsForUser(username, "")
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeAck(w)
}

func (s *Server) handleProvisionTOTP(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	sess := sessionFrom(r.Context())

	spare := ""
	if username == sess.Username {
		spare = sess.Token
	}
	issuer := s.cfg.Conference.Name
	if issuer == "" {
		issuer = "challengectl"
	}
	url, err := s.auth.ProvisionTOTP(username, issuer, spare)
	if err != nil {
		writeError(w, err)
		return
	}
	// The otpauth URL carries the seed; shown exactly once.
	writeJSON(w, http.StatusOK, map[string]any{"otpauth_url": url})
}

func (s *Server) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	var req struct {
		Permission string `json:"permission"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !types.ValidPermission(req.Permission) {
		writeError(w, badRequest("unknown permission %q", req.Permission))
		return
	}
	err := s.store.WithWrite(func(tx *storage.Tx) error {
		if _, err := tx.GetUser(username); err != nil {
			return err
		}
		return tx.GrantPermission(username, req.Permission)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeAck(w)
}

func (s *Server) handleRevokePermission(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	perm := chi.URLParam(r, "perm")
	err := s.store.WithWrite(func(tx *storage.Tx) error {
		return tx.RevokePermission(username, perm)
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		writeError(w, err)
		return
	}
	writeAck(w)
}
