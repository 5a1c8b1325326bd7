package auth

import (
	"time"

	"github.com/sdrctf/challengectl/pkg/storage"
	"github.com/sdrctf/challengectl/pkg/types"
)

// ReconnectGrace is how long an agent may be silent before a request is
// accepted without host comparison. Matches the heartbeat liveness
// threshold so a rebooted host can come back with a new IP.
const ReconnectGrace = 90 * time.Second

// VerifyAgent authenticates an agent bearer token and binds it to the
// presented host identity. Acceptance requires at least two matching
// factors among (ip+hostname), mac and machine-id, unless the agent has
// been silent past the reconnect grace. Stored identifiers that were
// null are upgraded in place from the presented identity.
//
// The bcrypt compare runs outside any store transaction; the exclusive
// writer is taken only for the identity upgrade.
func (a *Authenticator) VerifyAgent(agentID, token string, presented types.HostIdentity, now time.Time) (*types.Agent, error) {
	var agent *types.Agent
	err := a.store.WithRead(func(tx *storage.Tx) error {
		ag, err := tx.GetAgent(agentID)
		if err != nil {
			return err
		}
		agent = ag
		return nil
	})
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, ErrInvalidCredential
		}
		return nil, err
	}

	if !verifyHash(agent.CredentialHash, token) {
		return nil, ErrInvalidCredential
	}

	if now.Sub(agent.LastHeartbeat) <= ReconnectGrace {
		if !hostFactorsMatch(agent, presented) {
			a.logger.Warn().
				Str("agent_id", agent.ID).
				Str("stored_ip", agent.IP).
				Str("stored_hostname", agent.Hostname).
				Str("stored_mac", agent.MAC).
				Str("stored_machine_id", agent.MachineID).
				Str("presented_ip", presented.IP).
				Str("presented_hostname", presented.Hostname).
				Str("presented_mac", presented.MAC).
				Str("presented_machine_id", presented.MachineID).
				Msg("Agent host identity mismatch")
			return nil, ErrInvalidCredential
		}
	}

	if upgradeNullIdentity(agent, presented) {
		a.logger.Info().
			Str("agent_id", agent.ID).
			Str("mac", agent.MAC).
			Str("machine_id", agent.MachineID).
			Msg("Agent host identity upgraded")
		err := a.store.WithWrite(func(tx *storage.Tx) error {
			ag, err := tx.GetAgent(agentID)
			if err != nil {
				return err
			}
			// Re-apply against the current row; another request may
			// have upgraded it first.
			if upgradeNullIdentity(ag, presented) {
				return tx.PutAgent(ag)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return agent, nil
}

// VerifyProvisioningKey checks a provisioning bearer token against the
// stored key hashes and stamps last-used. Hash comparison happens
// outside the store; the writer is taken only for the stamp.
func (a *Authenticator) VerifyProvisioningKey(token string, now time.Time) (*types.ProvisioningKey, error) {
	var keys []*types.ProvisioningKey
	err := a.store.WithRead(func(tx *storage.Tx) error {
		ks, err := tx.ListProvisioningKeys()
		if err != nil {
			return err
		}
		keys = ks
		return nil
	})
	if err != nil {
		return nil, err
	}

	var match *types.ProvisioningKey
	for _, k := range keys {
		if !k.Enabled {
			continue
		}
		if verifyHash(k.KeyHash, token) {
			match = k
			break
		}
	}
	if match == nil {
		return nil, ErrInvalidCredential
	}

	err = a.store.WithWrite(func(tx *storage.Tx) error {
		k, err := tx.GetProvisioningKey(match.ID)
		if err != nil {
			return err
		}
		k.LastUsed = &now
		if err := tx.PutProvisioningKey(k); err != nil {
			return err
		}
		match = k
		return nil
	})
	if err != nil {
		return nil, err
	}
	return match, nil
}

// hostFactorsMatch counts the binding factors. The (ip, hostname) pair
// counts as a single factor and only when both sides are recorded.
func hostFactorsMatch(stored *types.Agent, presented types.HostIdentity) bool {
	matches := 0
	if stored.IP != "" && stored.Hostname != "" &&
		stored.IP == presented.IP && stored.Hostname == presented.Hostname {
		matches++
	}
	if stored.MAC != "" && stored.MAC == presented.MAC {
		matches++
	}
	if stored.MachineID != "" && stored.MachineID == presented.MachineID {
		matches++
	}
	return matches >= 2
}

func upgradeNullIdentity(stored *types.Agent, presented types.HostIdentity) bool {
	upgraded := false
	if stored.IP == "" && presented.IP != "" {
		stored.IP = presented.IP
		upgraded = true
	}
	if stored.Hostname == "" && presented.Hostname != "" {
		stored.Hostname = presented.Hostname
		upgraded = true
	}
	if stored.MAC == "" && presented.MAC != "" {
		stored.MAC = presented.MAC
		upgraded = true
	}
	if stored.MachineID == "" && presented.MachineID != "" {
		stored.MachineID = presented.MachineID
		upgraded = true
	}
	return upgraded
}
