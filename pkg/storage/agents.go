package storage

import (
	"encoding/json"
	"fmt"

	"github.com/sdrctf/challengectl/pkg/types"
)

// storedAgent re-attaches the credential hash that types.Agent hides from
// API rendering.
type storedAgent struct {
	types.Agent
	CredentialHash string `json:"credential_hash"`
}

// CreateAgent inserts a new agent row. (id, kind) must be unique; a second
// create for the same id fails with ErrConflict.
func (tx *Tx) CreateAgent(agent *types.Agent) error {
	b := tx.btx.Bucket(bucketAgents)
	if b.Get([]byte(agent.ID)) != nil {
		return fmt.Errorf("agent %s: %w", agent.ID, ErrConflict)
	}
	return tx.putAgent(agent)
}

// PutAgent upserts an agent row.
func (tx *Tx) PutAgent(agent *types.Agent) error {
	return tx.putAgent(agent)
}

func (tx *Tx) putAgent(agent *types.Agent) error {
	if agent.ID == "" {
		return fmt.Errorf("agent id empty: %w", ErrInvariant)
	}
	if agent.Kind != types.AgentKindTransmitter && agent.Kind != types.AgentKindReceiver {
		return fmt.Errorf("agent %s kind %q: %w", agent.ID, agent.Kind, ErrInvariant)
	}
	data, err := json.Marshal(storedAgent{Agent: *agent, CredentialHash: agent.CredentialHash})
	if err != nil {
		return err
	}
	return tx.btx.Bucket(bucketAgents).Put([]byte(agent.ID), data)
}

// GetAgent retrieves an agent by ID.
func (tx *Tx) GetAgent(id string) (*types.Agent, error) {
	data := tx.btx.Bucket(bucketAgents).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	var sa storedAgent
	if err := json.Unmarshal(data, &sa); err != nil {
		return nil, err
	}
	agent := sa.Agent
	agent.CredentialHash = sa.CredentialHash
	return &agent, nil
}

// ListAgents returns all agents.
func (tx *Tx) ListAgents() ([]*types.Agent, error) {
	var agents []*types.Agent
	err := tx.btx.Bucket(bucketAgents).ForEach(func(k, v []byte) error {
		var sa storedAgent
		if err := json.Unmarshal(v, &sa); err != nil {
			return err
		}
		agent := sa.Agent
		agent.CredentialHash = sa.CredentialHash
		agents = append(agents, &agent)
		return nil
	})
	return agents, err
}

// ListAgentsByKind returns all agents of the given kind.
func (tx *Tx) ListAgentsByKind(kind types.AgentKind) ([]*types.Agent, error) {
	agents, err := tx.ListAgents()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Agent
	for _, a := range agents {
		if a.Kind == kind {
			filtered = append(filtered, a)
		}
	}
	return filtered, nil
}

// DeleteAgent removes an agent row.
func (tx *Tx) DeleteAgent(id string) error {
	b := tx.btx.Bucket(bucketAgents)
	if b.Get([]byte(id)) == nil {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return b.Delete([]byte(id))
}
