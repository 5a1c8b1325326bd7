package enroll

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sdrctf/challengectl/pkg/auth"
	"github.com/sdrctf/challengectl/pkg/log"
	"github.com/sdrctf/challengectl/pkg/security"
	"github.com/sdrctf/challengectl/pkg/storage"
	"github.com/sdrctf/challengectl/pkg/types"
)

// DefaultTokenTTL is how long an enrollment token stays valid.
const DefaultTokenTTL = 24 * time.Hour

// Issued carries the one-shot enrollment material. Token and Credential
// are returned exactly once; only the credential's bcrypt hash is
// persisted.
type Issued struct {
	AgentID    string    `json:"agent_id"`
	Token      string    `json:"enrollment_token"`
	Credential string    `json:"credential"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Service issues and consumes enrollment tokens.
type Service struct {
	store  *storage.Store
	logger zerolog.Logger
}

func NewService(store *storage.Store) *Service {
	return &Service{
		store:  store,
		logger: log.WithComponent("enroll"),
	}
}

// CreateToken issues a token for agentID. A pending agent row is
// created when the id is new; an existing id gets a re-enrollment token
// whose consumption replaces the prior credential.
func (s *Service) CreateToken(agentID string, kind types.AgentKind, createdBy string, ttl time.Duration, now time.Time) (*Issued, error) {
	if agentID == "" {
		return nil, fmt.Errorf("%w: agent id required", storage.ErrInvariant)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	token, err := security.RandomToken(32)
	if err != nil {
		return nil, err
	}
	credential, err := security.RandomToken(32)
	if err != nil {
		return nil, err
	}
	credHash, err := auth.HashCredential(credential)
	if err != nil {
		return nil, err
	}

	issued := &Issued{
		AgentID:    agentID,
		Token:      token,
		Credential: credential,
		ExpiresAt:  now.Add(ttl),
	}

	err = s.store.WithWrite(func(tx *storage.Tx) error {
		_, err := tx.GetAgent(agentID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			pending := &types.Agent{
				ID:             agentID,
				Kind:           kind,
				Status:         types.AgentStatusOffline,
				Enabled:        true,
				CredentialHash: credHash,
				CreatedAt:      now,
			}
			if err := tx.CreateAgent(pending); err != nil {
				return err
			}
		case err != nil:
			return err
		}

		return tx.PutEnrollmentToken(&types.EnrollmentToken{
			Token:     token,
			AgentID:   agentID,
			CreatedBy: createdBy,
			CreatedAt: now,
			ExpiresAt: issued.ExpiresAt,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("agent_id", agentID).
		Str("created_by", createdBy).
		Time("expires_at", issued.ExpiresAt).
		Msg("Enrollment token issued")

	return issued, nil
}

// Consume redeems a token at the agent's first contact. Under one write
// transaction it verifies the token is unused and unexpired, marks it
// used, installs the credential hash, host identity and device
// descriptors on the agent row.
func (s *Service) Consume(token, credential string, identity types.HostIdentity, devices []*types.Device, now time.Time) (*types.Agent, error) {
	credHash, err := auth.HashCredential(credential)
	if err != nil {
		return nil, err
	}

	var agent *types.Agent
	err = s.store.WithWrite(func(tx *storage.Tx) error {
		et, err := tx.GetEnrollmentToken(token)
		if err != nil {
			return err
		}
		if et.Used {
			return fmt.Errorf("%w: enrollment token already used", storage.ErrConflict)
		}
		if now.After(et.ExpiresAt) {
			return fmt.Errorf("%w: enrollment token expired", storage.ErrConflict)
		}

		ag, err := tx.GetAgent(et.AgentID)
		if err != nil {
			return err
		}

		et.Used = true
		et.UsedAt = &now
		et.UsedBy = et.AgentID
		if err := tx.PutEnrollmentToken(et); err != nil {
			return err
		}

		ag.CredentialHash = credHash
		ag.IP = identity.IP
		ag.Hostname = identity.Hostname
		ag.MAC = identity.MAC
		ag.MachineID = identity.MachineID
		ag.Devices = devices
		ag.Status = types.AgentStatusOnline
		ag.LastHeartbeat = now
		if err := tx.PutAgent(ag); err != nil {
			return err
		}

		agent = ag
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("agent_id", agent.ID).
		Str("ip", agent.IP).
		Str("hostname", agent.Hostname).
		Int("devices", len(devices)).
		Msg("Agent enrolled")

	return agent, nil
}

// Provision implements the stateless-automated flow: a provisioning
// credential holder names a fresh runner and gets the full enrollment
// material back. Existing agents cannot be touched through this path.
func (s *Service) Provision(name string, kind types.AgentKind, keyID string, now time.Time) (*Issued, error) {
	var exists bool
	err := s.store.WithRead(func(tx *storage.Tx) error {
		_, err := tx.GetAgent(name)
		if err == nil {
			exists = true
			return nil
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: agent %q already exists", storage.ErrConflict, name)
	}

	issued, err := s.CreateToken(name, kind, "provisioning:"+keyID, DefaultTokenTTL, now)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("agent_id", name).
		Str("provisioning_key", keyID).
		Msg("Agent provisioned")

	return issued, nil
}

// CreateProvisioningKey mints a long-lived key and returns the clear
// token once.
func (s *Service) CreateProvisioningKey(description, createdBy string, now time.Time) (*types.ProvisioningKey, string, error) {
	id, err := security.RandomToken(8)
	if err != nil {
		return nil, "", err
	}
	token, err := security.RandomToken(32)
	if err != nil {
		return nil, "", err
	}
	hash, err := auth.HashCredential(token)
	if err != nil {
		return nil, "", err
	}

	key := &types.ProvisioningKey{
		ID:          id,
		KeyHash:     hash,
		Description: description,
		CreatedBy:   createdBy,
		CreatedAt:   now,
		Enabled:     true,
	}
	err = s.store.WithWrite(func(tx *storage.Tx) error {
		return tx.PutProvisioningKey(key)
	})
	if err != nil {
		return nil, "", err
	}
	return key, token, nil
}
