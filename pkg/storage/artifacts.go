package storage

import (
	"encoding/json"
	"fmt"

	"github.com/sdrctf/challengectl/pkg/types"
)

// PutArtifact upserts an artifact metadata row keyed by hash.
func (tx *Tx) PutArtifact(a *types.Artifact) error {
	if a.Hash == "" {
		return fmt.Errorf("artifact hash empty: %w", ErrInvariant)
	}
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return tx.btx.Bucket(bucketArtifacts).Put([]byte(a.Hash), data)
}

// GetArtifact retrieves artifact metadata by hash.
func (tx *Tx) GetArtifact(hash string) (*types.Artifact, error) {
	data := tx.btx.Bucket(bucketArtifacts).Get([]byte(hash))
	if data == nil {
		return nil, fmt.Errorf("artifact %s: %w", hash, ErrNotFound)
	}
	var a types.Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetArtifactByFilename finds the most recent artifact carrying the given
// logical filename. Multiple filenames may map onto one hash; the reverse
// also holds, so lookups by name pick the latest row.
func (tx *Tx) GetArtifactByFilename(name string) (*types.Artifact, error) {
	var found *types.Artifact
	err := tx.btx.Bucket(bucketArtifacts).ForEach(func(k, v []byte) error {
		var a types.Artifact
		if err := json.Unmarshal(v, &a); err != nil {
			return err
		}
		if a.Filename == name && (found == nil || a.CreatedAt.After(found.CreatedAt)) {
			found = &a
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("artifact %q: %w", name, ErrNotFound)
	}
	return found, nil
}

// ResolvePayload rewrites a filename payload reference into the hash of
// the matching artifact. Dispatches carry only hashes, so the filename
// form must resolve at ingress; an unknown filename is an error.
func (tx *Tx) ResolvePayload(cfg *types.ChallengeConfig) error {
	if cfg.PayloadFile == "" || cfg.PayloadHash != "" {
		return nil
	}
	a, err := tx.GetArtifactByFilename(cfg.PayloadFile)
	if err != nil {
		return fmt.Errorf("payload_file %q: %w", cfg.PayloadFile, err)
	}
	cfg.PayloadHash = a.Hash
	return nil
}

// ListArtifacts returns all artifact metadata rows.
func (tx *Tx) ListArtifacts() ([]*types.Artifact, error) {
	var artifacts []*types.Artifact
	err := tx.btx.Bucket(bucketArtifacts).ForEach(func(k, v []byte) error {
		var a types.Artifact
		if err := json.Unmarshal(v, &a); err != nil {
			return err
		}
		artifacts = append(artifacts, &a)
		return nil
	})
	return artifacts, err
}

// DeleteArtifact removes the metadata row. Fails with ErrConflict while a
// challenge configuration still references the hash.
func (tx *Tx) DeleteArtifact(hash string) error {
	b := tx.btx.Bucket(bucketArtifacts)
	if b.Get([]byte(hash)) == nil {
		return fmt.Errorf("artifact %s: %w", hash, ErrNotFound)
	}
	referenced, err := tx.ChallengeReferencesArtifact(hash)
	if err != nil {
		return err
	}
	if referenced {
		return fmt.Errorf("artifact %s still referenced: %w", hash, ErrConflict)
	}
	return b.Delete([]byte(hash))
}
