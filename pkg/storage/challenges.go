package storage

import (
	"encoding/json"
	"fmt"

	"github.com/sdrctf/challengectl/pkg/types"
)

// checkChallengeInvariants rejects rows that would break the assignment
// state machine:
//
//	status == assigned  ⇔  owner non-empty  ⇔  assignment expiry non-nil
//	status == disabled  ⇔  enabled == false
func checkChallengeInvariants(c *types.Challenge) error {
	assigned := c.Status == types.ChallengeStatusAssigned
	if assigned != (c.OwnerID != "") || assigned != (c.AssignmentExpiry != nil) {
		return fmt.Errorf("challenge %s owner/expiry out of step with status %s: %w",
			c.Name, c.Status, ErrInvariant)
	}
	if (c.Status == types.ChallengeStatusDisabled) == c.Enabled {
		return fmt.Errorf("challenge %s enabled=%v status=%s: %w",
			c.Name, c.Enabled, c.Status, ErrInvariant)
	}
	return nil
}

// CreateChallenge inserts a new challenge. Names are unique.
func (tx *Tx) CreateChallenge(c *types.Challenge) error {
	if existing, _ := tx.GetChallengeByName(c.Name); existing != nil {
		return fmt.Errorf("challenge %q: %w", c.Name, ErrConflict)
	}
	return tx.PutChallenge(c)
}

// PutChallenge upserts a challenge after checking invariants.
func (tx *Tx) PutChallenge(c *types.Challenge) error {
	if c.ID == "" || c.Name == "" {
		return fmt.Errorf("challenge id/name empty: %w", ErrInvariant)
	}
	if err := checkChallengeInvariants(c); err != nil {
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return tx.btx.Bucket(bucketChallenges).Put([]byte(c.ID), data)
}

// GetChallenge retrieves a challenge by ID.
func (tx *Tx) GetChallenge(id string) (*types.Challenge, error) {
	data := tx.btx.Bucket(bucketChallenges).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("challenge %s: %w", id, ErrNotFound)
	}
	var c types.Challenge
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetChallengeByName retrieves a challenge by its unique name.
func (tx *Tx) GetChallengeByName(name string) (*types.Challenge, error) {
	var found *types.Challenge
	err := tx.btx.Bucket(bucketChallenges).ForEach(func(k, v []byte) error {
		var c types.Challenge
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}
		if c.Name == name {
			found = &c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("challenge %q: %w", name, ErrNotFound)
	}
	return found, nil
}

// ListChallenges returns all challenges.
func (tx *Tx) ListChallenges() ([]*types.Challenge, error) {
	var challenges []*types.Challenge
	err := tx.btx.Bucket(bucketChallenges).ForEach(func(k, v []byte) error {
		var c types.Challenge
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}
		challenges = append(challenges, &c)
		return nil
	})
	return challenges, err
}

// ListChallengesOwnedBy returns every challenge currently assigned to the
// given agent.
func (tx *Tx) ListChallengesOwnedBy(agentID string) ([]*types.Challenge, error) {
	challenges, err := tx.ListChallenges()
	if err != nil {
		return nil, err
	}
	var owned []*types.Challenge
	for _, c := range challenges {
		if c.OwnerID == agentID {
			owned = append(owned, c)
		}
	}
	return owned, nil
}

// DeleteChallenge removes a challenge row.
func (tx *Tx) DeleteChallenge(id string) error {
	b := tx.btx.Bucket(bucketChallenges)
	if b.Get([]byte(id)) == nil {
		return fmt.Errorf("challenge %s: %w", id, ErrNotFound)
	}
	return b.Delete([]byte(id))
}

// ChallengeReferencesArtifact reports whether any challenge configuration
// references the given artifact hash. Used to refuse artifact deletion.
func (tx *Tx) ChallengeReferencesArtifact(hash string) (bool, error) {
	challenges, err := tx.ListChallenges()
	if err != nil {
		return false, err
	}
	for _, c := range challenges {
		if c.Config.PayloadHash == hash {
			return true, nil
		}
	}
	return false, nil
}
